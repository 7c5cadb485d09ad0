package qq

import (
	"time"

	"golang.org/x/oauth2"
)

// Token endpoint fields lifted out of OtherParams.
const (
	fieldAccessToken  = "access_token"
	fieldRefreshToken = "refresh_token"
	fieldExpiresIn    = "expires_in"
	fieldTokenType    = "token_type"

	defaultTokenType = "Bearer"
)

// Generic failure surfaced when the token endpoint cannot be reached or parsed.
const (
	TokenFetchFailError       = "fail"
	TokenFetchFailDescription = "access_token fetch fail"
)

// TokenResult is the outcome of a code exchange or refresh. An empty AccessToken means the
// call failed; OtherParams["error"] and OtherParams["error_description"] say why when known.
type TokenResult struct {
	AccessToken  string            `json:"access_token,omitempty"`
	RefreshToken string            `json:"refresh_token,omitempty"`
	TokenType    string            `json:"token_type"`
	ExpiresAt    time.Time         `json:"expires_at"`
	OtherParams  map[string]string `json:"other_params,omitempty"`
}

// OK reports whether the call produced an access token.
func (t TokenResult) OK() bool { return t.AccessToken != "" }

// ErrorCode returns the provider error code, if any.
func (t TokenResult) ErrorCode() string { return t.OtherParams["error"] }

// ErrorDescription returns the provider error description, if any.
func (t TokenResult) ErrorDescription() string { return t.OtherParams["error_description"] }

// OAuth2Token converts the result for callers built on golang.org/x/oauth2.
func (t TokenResult) OAuth2Token() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		RefreshToken: t.RefreshToken,
		Expiry:       t.ExpiresAt,
	}
	if len(t.OtherParams) == 0 {
		return tok
	}
	extra := make(map[string]any, len(t.OtherParams))
	for k, v := range t.OtherParams {
		extra[k] = v
	}
	return tok.WithExtra(extra)
}

func failedTokenResult() TokenResult {
	return TokenResult{
		TokenType: defaultTokenType,
		OtherParams: map[string]string{
			"error":             TokenFetchFailError,
			"error_description": TokenFetchFailDescription,
		},
	}
}

// OpaqueIdentity is the provider-issued openid, resolved through /oauth2.0/me.
type OpaqueIdentity struct {
	ID       string `json:"openid"`
	ClientID string `json:"client_id,omitempty"`
}

// UserProfile is the raw get_user_info payload plus the synthetic IdentityField.
type UserProfile map[string]string

// Get returns a field, or "" when absent.
func (p UserProfile) Get(field string) string { return p[field] }

// AuthorizationRequest holds the parameters of one request phase.
type AuthorizationRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"-"`
	RedirectURI  string `json:"redirect_uri"`
	Scope        string `json:"scope"`
	State        string `json:"state"`
}
