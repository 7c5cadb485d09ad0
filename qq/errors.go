package qq

import "fmt"

// Error kinds produced by the provider client.
const (
	KindConfig   = "config_error"
	KindToken    = "token_error"
	KindIdentity = "identity_error"
	KindProfile  = "profile_error"
)

// ConfigError is returned by NewClient when credentials are missing. It is fatal at start-up.
type ConfigError struct {
	Field string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("qq: %s: %s is required", KindConfig, e.Field)
}

// Kind returns config_error.
func (e *ConfigError) Kind() string { return KindConfig }

// IdentityError reports a failed openid lookup.
type IdentityError struct {
	Code    string
	Message string
	Err     error
}

func (e *IdentityError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("qq: %s: %s (code %s)", KindIdentity, e.Message, e.Code)
	}
	return fmt.Sprintf("qq: %s: %s", KindIdentity, e.Message)
}

func (e *IdentityError) Unwrap() error { return e.Err }

// Kind returns identity_error.
func (e *IdentityError) Kind() string { return KindIdentity }

// ProfileError reports a failed get_user_info call. Ret is the provider's ret code when present.
type ProfileError struct {
	Ret     string
	Message string
	Err     error
}

func (e *ProfileError) Error() string {
	if e.Ret != "" {
		return fmt.Sprintf("qq: %s: %s (ret %s)", KindProfile, e.Message, e.Ret)
	}
	return fmt.Sprintf("qq: %s: %s", KindProfile, e.Message)
}

func (e *ProfileError) Unwrap() error { return e.Err }

// Kind returns profile_error.
func (e *ProfileError) Kind() string { return KindProfile }
