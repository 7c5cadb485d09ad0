package qq

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const maxBodyBytes = 1 << 20

// HTTPDoer is the transport the client issues its GET requests through.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to graph.qq.com: authorize URL, code exchange, refresh, openid lookup and
// get_user_info. It holds no per-login state and is safe for concurrent use.
type Client struct {
	cfg    Config
	oauth  oauth2.Config
	http   HTTPDoer
	logger *slog.Logger
	now    func() time.Time
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient injects the transport. Its timeout and cancellation policy govern every call.
func WithHTTPClient(doer HTTPDoer) Option {
	return func(c *Client) {
		if doer != nil {
			c.http = doer
		}
	}
}

// WithLogger sets the logger used for debug traces of provider responses.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides time.Now, used to compute token expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// NewClient validates cfg and builds a client. Missing credentials yield a *ConfigError.
func NewClient(cfg *Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, &ConfigError{Field: "qq"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	resolved := cfg.withDefaults()
	c := &Client{
		cfg: resolved,
		oauth: oauth2.Config{
			ClientID:     resolved.ClientID,
			ClientSecret: resolved.ClientSecret,
			RedirectURL:  resolved.RedirectURI,
			Endpoint: oauth2.Endpoint{
				AuthURL:   resolved.AuthorizeURL,
				TokenURL:  resolved.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		http:   &http.Client{Timeout: resolved.Timeout},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ClientID returns the configured app id.
func (c *Client) ClientID() string { return c.cfg.ClientID }

// AuthorizationRequest resolves the parameters of a request phase, applying the configured
// default scope and redirect URI when the arguments are empty.
func (c *Client) AuthorizationRequest(state, scope, redirectURI string) AuthorizationRequest {
	if strings.TrimSpace(scope) == "" {
		scope = c.cfg.DefaultScope
	}
	if redirectURI == "" {
		redirectURI = c.cfg.RedirectURI
	}
	return AuthorizationRequest{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		RedirectURI:  redirectURI,
		Scope:        scope,
		State:        state,
	}
}

// AuthorizationURL builds the redirect for the request phase. No network call is made.
func (c *Client) AuthorizationURL(state, scope, redirectURI string) string {
	req := c.AuthorizationRequest(state, scope, redirectURI)
	cfg := c.oauth
	cfg.RedirectURL = req.RedirectURI
	// QQ scopes are comma separated; keep the caller's string as a single element.
	cfg.Scopes = []string{req.Scope}
	return cfg.AuthCodeURL(req.State)
}

// ExchangeCode trades an authorization code for a token. It never returns an error: transport
// and parse failures come back as a TokenResult without access token.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI string) TokenResult {
	params := url.Values{}
	params.Set("grant_type", "authorization_code")
	params.Set("client_id", c.cfg.ClientID)
	params.Set("client_secret", c.cfg.ClientSecret)
	params.Set("code", code)
	if c.cfg.SendsRedirectURI() {
		if redirectURI == "" {
			redirectURI = c.cfg.RedirectURI
		}
		params.Set("redirect_uri", redirectURI)
	}
	return c.requestToken(ctx, "exchange", params)
}

// Refresh issues a single refresh_token grant with the same parsing policy as ExchangeCode.
func (c *Client) Refresh(ctx context.Context, refreshToken string) TokenResult {
	if strings.TrimSpace(refreshToken) == "" {
		res := failedTokenResult()
		res.OtherParams["error_description"] = "refresh_token is empty"
		return res
	}
	params := url.Values{}
	params.Set("grant_type", "refresh_token")
	params.Set("client_id", c.cfg.ClientID)
	params.Set("client_secret", c.cfg.ClientSecret)
	params.Set("refresh_token", refreshToken)
	return c.requestToken(ctx, "refresh", params)
}

func (c *Client) requestToken(ctx context.Context, op string, params url.Values) TokenResult {
	body, err := c.get(ctx, c.cfg.TokenURL, params)
	if err != nil && body == nil {
		c.logger.Debug("qq.token request failed", "op", op, "error", err)
		return failedTokenResult()
	}

	if err == nil {
		if fields, nerr := Normalize(body, ShapeURLEncoded); nerr == nil {
			return c.tokenFromFields(fields)
		}
	}

	// Errors come back JSONP-wrapped, sometimes with a non-200 status.
	fields, nerr := Normalize(body, ShapeJSONPWrapped)
	if nerr != nil {
		c.logger.Debug("qq.token unparseable body", "op", op, "error", nerr, "status_error", err)
		return failedTokenResult()
	}
	c.logger.Debug("qq.token provider error", "op", op, "error", fields["error"], "description", fields["error_description"])
	return TokenResult{TokenType: defaultTokenType, OtherParams: fields}
}

func (c *Client) tokenFromFields(fields map[string]string) TokenResult {
	res := TokenResult{
		AccessToken:  fields[fieldAccessToken],
		RefreshToken: fields[fieldRefreshToken],
		TokenType:    fields[fieldTokenType],
		OtherParams:  make(map[string]string),
	}
	if res.TokenType == "" {
		res.TokenType = defaultTokenType
	}
	if raw := fields[fieldExpiresIn]; raw != "" {
		if secs, err := strconv.ParseInt(raw, 10, 64); err == nil && secs > 0 {
			res.ExpiresAt = c.now().Add(time.Duration(secs) * time.Second)
		}
	}
	for k, v := range fields {
		switch k {
		case fieldAccessToken, fieldRefreshToken, fieldExpiresIn, fieldTokenType:
			continue
		}
		res.OtherParams[k] = v
	}
	return res
}

// ResolveIdentity looks up the openid bound to accessToken. An empty token fails without a call.
func (c *Client) ResolveIdentity(ctx context.Context, accessToken string) (OpaqueIdentity, error) {
	if strings.TrimSpace(accessToken) == "" {
		return OpaqueIdentity{}, &IdentityError{Message: "access token is empty"}
	}

	body, err := c.get(ctx, c.cfg.OpenIDURL, url.Values{"access_token": {accessToken}})
	if err != nil {
		return OpaqueIdentity{}, &IdentityError{Message: "openid fetch fail", Err: err}
	}

	fields, err := Normalize(body, ShapeJSONPWrapped)
	if err != nil {
		return OpaqueIdentity{}, &IdentityError{Message: "malformed openid response", Err: err}
	}

	_, hasClientID := fields["client_id"]
	_, hasError := fields["error"]
	_, hasCode := fields["code"]
	switch {
	case hasClientID && fields["openid"] != "":
		return OpaqueIdentity{ID: fields["openid"], ClientID: fields["client_id"]}, nil
	case hasError:
		return OpaqueIdentity{}, &IdentityError{Code: fields["error"], Message: orDefault(fields["error_description"], "openid lookup rejected")}
	case hasCode:
		return OpaqueIdentity{}, &IdentityError{Code: fields["code"], Message: orDefault(fields["msg"], "openid lookup rejected")}
	default:
		c.logger.Debug("qq.openid unexpected response", "fields", len(fields))
		return OpaqueIdentity{}, &IdentityError{Message: "unexpected openid response"}
	}
}

// FetchUserProfile calls get_user_info and merges openid into the result under IdentityField.
func (c *Client) FetchUserProfile(ctx context.Context, accessToken, openid string) (UserProfile, error) {
	params := url.Values{}
	params.Set("format", "json")
	params.Set("openid", openid)
	params.Set("access_token", accessToken)
	params.Set("oauth_consumer_key", c.cfg.ClientID)

	body, err := c.get(ctx, c.cfg.UserInfoURL, params)
	if err != nil {
		return nil, &ProfileError{Message: "user info fetch fail", Err: err}
	}

	fields, err := Normalize(body, ShapePlainJSON)
	if err != nil {
		return nil, &ProfileError{Message: "malformed user info response", Err: err}
	}

	ret, hasRet := fields["ret"]
	if hasRet && ret == "0" {
		profile := UserProfile(fields)
		profile[IdentityField] = openid
		return profile, nil
	}
	if msg := fields["msg"]; msg != "" {
		return nil, &ProfileError{Ret: ret, Message: msg}
	}
	return nil, &ProfileError{Ret: ret, Message: "unexpected user info response"}
}

// get issues a GET and returns the body. A non-200 status returns both the body and an error so
// callers may still inspect provider error payloads.
func (c *Client) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	query := u.Query()
	for key, vals := range params {
		for _, v := range vals {
			query.Add(key, v)
		}
	}
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", u.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", u.Path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return body, fmt.Errorf("%s returned %s", u.Path, resp.Status)
	}
	return body, nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
