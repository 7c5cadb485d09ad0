package flow

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"qqconnect/qq"
)

// Failure kinds reported by the controller. A token failure may instead carry the provider's
// own error code.
const (
	KindMissingCode   = "missing_code"
	KindStateMismatch = "state_mismatch"
	KindToken         = qq.KindToken
	KindIdentity      = qq.KindIdentity
	KindProfile       = qq.KindProfile
)

// Gender is the normalized gender of a profile.
type Gender int

const (
	GenderDefault Gender = iota
	GenderMale
	GenderFemale
)

func (g Gender) String() string {
	switch g {
	case GenderMale:
		return "male"
	case GenderFemale:
		return "female"
	default:
		return "default"
	}
}

// MarshalText renders the gender as male, female or default.
func (g Gender) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}

// UnmarshalText accepts the values produced by MarshalText.
func (g *Gender) UnmarshalText(text []byte) error {
	switch string(text) {
	case "male":
		*g = GenderMale
	case "female":
		*g = GenderFemale
	case "default", "":
		*g = GenderDefault
	default:
		return fmt.Errorf("unknown gender %q", text)
	}
	return nil
}

// ParseGender maps the literal values graph.qq.com is known to return. Anything else,
// including an empty value, is GenderDefault.
func ParseGender(v string) Gender {
	switch v {
	case "男", "male":
		return GenderMale
	case "女", "female":
		return GenderFemale
	default:
		return GenderDefault
	}
}

// Phase labels the step of a login attempt in log lines. The attempt itself is not tracked:
// the only state kept between the two phases is the pending CSRF state in the StateStore.
type Phase int

const (
	PhaseRequestIssued Phase = iota + 1
	PhaseCallbackPending
	PhaseSucceeded
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseRequestIssued:
		return "request_issued"
	case PhaseCallbackPending:
		return "callback_pending"
	case PhaseSucceeded:
		return "succeeded"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Credentials are the token facts of a successful login.
type Credentials struct {
	Token        string    `json:"token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	TokenType    string    `json:"token_type"`
	Expires      bool      `json:"expires"`
	Scopes       []string  `json:"scopes"`
}

// Info is the display profile.
type Info struct {
	Nickname string   `json:"nickname"`
	ImageURL string   `json:"image_url"`
	Gender   Gender   `json:"gender"`
	Areas    []string `json:"areas"`
}

// Raw keeps the unprocessed provider payloads.
type Raw struct {
	Token   qq.TokenResult `json:"token"`
	Profile qq.UserProfile `json:"profile"`
}

// AuthResult is the outcome of a successful callback. UID is empty when the configured field is
// missing from the profile.
type AuthResult struct {
	UID         string      `json:"uid,omitempty"`
	Credentials Credentials `json:"credentials"`
	Info        Info        `json:"info"`
	Raw         Raw         `json:"raw"`
}

// Failure is one entry of an AuthFailure.
type Failure struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// AuthFailure lists what went wrong, in detection order.
type AuthFailure struct {
	Failures []Failure `json:"errors"`
}

func (f *AuthFailure) Error() string {
	if f == nil || len(f.Failures) == 0 {
		return "flow: authentication failed"
	}
	parts := make([]string, 0, len(f.Failures))
	for _, fl := range f.Failures {
		parts = append(parts, fl.Kind+": "+fl.Message)
	}
	return "flow: " + strings.Join(parts, "; ")
}

// Kind returns the kind of the first failure.
func (f *AuthFailure) Kind() string {
	if f == nil || len(f.Failures) == 0 {
		return ""
	}
	return f.Failures[0].Kind
}

func fail(kind, message string) *AuthFailure {
	return &AuthFailure{Failures: []Failure{{Kind: kind, Message: message}}}
}

// FailureKinds returns the kinds carried by err when it is an *AuthFailure.
func FailureKinds(err error) []string {
	var af *AuthFailure
	if !errors.As(err, &af) {
		return nil
	}
	kinds := make([]string, 0, len(af.Failures))
	for _, f := range af.Failures {
		kinds = append(kinds, f.Kind)
	}
	return kinds
}

// imageFields lists avatar fields from the largest QQ avatar down to the smallest Qzone one.
var imageFields = []string{
	"figureurl_qq_2",
	"figureurl_qq",
	"figureurl_qq_1",
	"figureurl_2",
	"figureurl_1",
	"figureurl",
}

func pickImage(profile qq.UserProfile) string {
	for _, field := range imageFields {
		if v := profile.Get(field); v != "" {
			return v
		}
	}
	return ""
}

func collectAreas(profile qq.UserProfile) []string {
	areas := make([]string, 0, 2)
	for _, field := range []string{"province", "city"} {
		if v := strings.TrimSpace(profile.Get(field)); v != "" {
			areas = append(areas, v)
		}
	}
	return areas
}

func splitScopes(raw string) []string {
	scopes := make([]string, 0)
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			scopes = append(scopes, s)
		}
	}
	return scopes
}
