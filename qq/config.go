package qq

import (
	"strings"
	"time"
)

// QQ Connect endpoints and defaults.
const (
	DefaultAuthorizeURL = "https://graph.qq.com/oauth2.0/authorize"
	DefaultTokenURL     = "https://graph.qq.com/oauth2.0/token"
	DefaultOpenIDURL    = "https://graph.qq.com/oauth2.0/me"
	DefaultUserInfoURL  = "https://graph.qq.com/user/get_user_info"
	DefaultScope        = "get_user_info"
	DefaultTimeout      = 10 * time.Second
)

// IdentityField is the synthetic profile key that carries the resolved openid.
const IdentityField = "openid"

// Config is the provider configuration, built once at start-up and shared by pointer.
type Config struct {
	ClientID        string        `yaml:"client_id"`
	ClientSecret    string        `yaml:"client_secret"`
	RedirectURI     string        `yaml:"redirect_uri"`
	DefaultScope    string        `yaml:"default_scope"`
	SendRedirectURI *bool         `yaml:"send_redirect_uri"`
	UIDField        string        `yaml:"uid_field"`
	AuthorizeURL    string        `yaml:"authorize_url"`
	TokenURL        string        `yaml:"token_url"`
	OpenIDURL       string        `yaml:"openid_url"`
	UserInfoURL     string        `yaml:"user_info_url"`
	Timeout         time.Duration `yaml:"timeout"`
}

// Validate reports missing credentials as a config_error.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ClientID) == "" {
		return &ConfigError{Field: "client_id"}
	}
	if strings.TrimSpace(c.ClientSecret) == "" {
		return &ConfigError{Field: "client_secret"}
	}
	return nil
}

// SendsRedirectURI reports whether the token exchange carries redirect_uri. Unset means true.
func (c *Config) SendsRedirectURI() bool {
	return c.SendRedirectURI == nil || *c.SendRedirectURI
}

// IdentityFieldName returns the profile field used as uid.
func (c *Config) IdentityFieldName() string {
	if c.UIDField == "" {
		return IdentityField
	}
	return c.UIDField
}

func (c Config) withDefaults() Config {
	if c.AuthorizeURL == "" {
		c.AuthorizeURL = DefaultAuthorizeURL
	}
	if c.TokenURL == "" {
		c.TokenURL = DefaultTokenURL
	}
	if c.OpenIDURL == "" {
		c.OpenIDURL = DefaultOpenIDURL
	}
	if c.UserInfoURL == "" {
		c.UserInfoURL = DefaultUserInfoURL
	}
	if c.DefaultScope == "" {
		c.DefaultScope = DefaultScope
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Bool returns a pointer to v, for optional flags such as SendRedirectURI.
func Bool(v bool) *bool {
	return &v
}
