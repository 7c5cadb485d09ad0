package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// DefaultCookieName is the cookie the login service stores session tokens in.
const DefaultCookieName = "qq_session"

// KeySource supplies the public keys session tokens are verified against. kid is the key the
// token names; remote sources refetch when it is unknown.
type KeySource interface {
	KeySet(ctx context.Context, kid string) (jose.JSONWebKeySet, error)
}

// ValidatorConfig configures the token validator. Keys wins over JWKSURL when both are set.
type ValidatorConfig struct {
	Issuer            string
	ExpectedAudiences []string
	Keys              KeySource
	JWKSURL           string
	CacheTTL          time.Duration
	HTTPClient        *http.Client
	CookieName        string
}

// Validator verifies session tokens minted after a QQ login.
type Validator struct {
	cfg  ValidatorConfig
	keys KeySource
}

// Claims is a simplified view of validated token claims.
type Claims struct {
	Subject   string
	Issuer    string
	Audiences []string
	Name      string
	Picture   string
	IDP       string
	TokenID   string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Raw       map[string]any
}

// NewValidator creates a validator with sane defaults.
func NewValidator(cfg ValidatorConfig) *Validator {
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	keys := cfg.Keys
	if keys == nil {
		keys = NewRemoteJWKS(cfg.JWKSURL, cfg.HTTPClient, cfg.CacheTTL)
	}
	return &Validator{cfg: cfg, keys: keys}
}

// Validate verifies the RS256 signature, expiry, issuer and audience of rawToken.
func (v *Validator) Validate(ctx context.Context, rawToken string) (*Claims, error) {
	if rawToken == "" {
		return nil, errors.New("token required")
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithLeeway(30*time.Second),
		jwt.WithExpirationRequired(),
	)

	claims := jwt.MapClaims{}
	tok, err := parser.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		set, err := v.keys.KeySet(ctx, kid)
		if err != nil {
			return nil, fmt.Errorf("load signing keys: %w", err)
		}
		key := findKey(set, kid)
		if key == nil {
			return nil, errors.New("signing key not found")
		}
		return key.Key, nil
	})
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, errors.New("token invalid")
	}

	return v.mapClaims(claims)
}

// TokenFromRequest returns the bearer token, falling back to the session cookie.
func (v *Validator) TokenFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	if c, err := r.Cookie(v.cfg.CookieName); err == nil {
		return c.Value
	}
	return ""
}

// RequireAuth middleware validates tokens and injects claims into context.
func RequireAuth(v *Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := v.TokenFromRequest(r)
			if raw == "" {
				http.Error(w, "missing session token", http.StatusUnauthorized)
				return
			}

			claims, err := v.Validate(r.Context(), raw)
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext retrieves claims attached by the middleware.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}

type claimsKey struct{}

func (v *Validator) mapClaims(mc jwt.MapClaims) (*Claims, error) {
	raw := make(map[string]any, len(mc))
	for k, val := range mc {
		raw[k] = val
	}

	iss, _ := mc["iss"].(string)
	if v.cfg.Issuer != "" && iss != v.cfg.Issuer {
		return nil, errors.New("issuer mismatch")
	}

	sub, _ := mc["sub"].(string)
	if sub == "" {
		return nil, errors.New("sub missing")
	}

	audiences := normalizeAudience(mc["aud"])
	if len(v.cfg.ExpectedAudiences) > 0 && !audienceAllowed(audiences, v.cfg.ExpectedAudiences) {
		return nil, errors.New("audience rejected")
	}

	name, _ := mc["name"].(string)
	picture, _ := mc["picture"].(string)
	idp, _ := mc["idp"].(string)
	jti, _ := mc["jti"].(string)

	return &Claims{
		Subject:   sub,
		Issuer:    iss,
		Audiences: audiences,
		Name:      name,
		Picture:   picture,
		IDP:       idp,
		TokenID:   jti,
		ExpiresAt: parseUnix(mc["exp"]),
		IssuedAt:  parseUnix(mc["iat"]),
		Raw:       raw,
	}, nil
}

// RemoteJWKS fetches a JWKS document over HTTP, honouring ETag and Cache-Control max-age.
type RemoteJWKS struct {
	url    string
	client *http.Client
	ttl    time.Duration

	mu    sync.RWMutex
	cache jwksCache
}

type jwksCache struct {
	set     jose.JSONWebKeySet
	expires time.Time
	etag    string
}

// NewRemoteJWKS builds a remote key source. ttl applies when the server sends no max-age.
func NewRemoteJWKS(url string, client *http.Client, ttl time.Duration) *RemoteJWKS {
	if client == nil {
		client = http.DefaultClient
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RemoteJWKS{url: url, client: client, ttl: ttl}
}

// KeySet returns the cached set, refetching when it expired or does not contain kid.
func (j *RemoteJWKS) KeySet(ctx context.Context, kid string) (jose.JSONWebKeySet, error) {
	j.mu.RLock()
	cache := j.cache
	j.mu.RUnlock()

	fresh := cache.set.Keys != nil && time.Now().Before(cache.expires)
	if fresh && (kid == "" || findKey(cache.set, kid) != nil) {
		return cache.set, nil
	}
	if j.url == "" {
		return jose.JSONWebKeySet{}, errors.New("jwks url not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.url, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	if cache.etag != "" && cache.set.Keys != nil {
		req.Header.Set("If-None-Match", cache.etag)
	}

	resp, err := j.client.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		cache.expires = time.Now().Add(maxCacheDuration(resp.Header.Get("Cache-Control"), j.ttl))
		j.store(cache)
		return cache.set, nil
	}
	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("jwks fetch failed: %s", resp.Status)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return jose.JSONWebKeySet{}, err
	}

	j.store(jwksCache{
		set:     set,
		etag:    resp.Header.Get("ETag"),
		expires: time.Now().Add(maxCacheDuration(resp.Header.Get("Cache-Control"), j.ttl)),
	})
	return set, nil
}

func (j *RemoteJWKS) store(c jwksCache) {
	j.mu.Lock()
	j.cache = c
	j.mu.Unlock()
}

func findKey(set jose.JSONWebKeySet, kid string) *jose.JSONWebKey {
	for _, k := range set.Keys {
		if kid == "" || k.KeyID == kid {
			key := k
			return &key
		}
	}
	return nil
}

func audienceAllowed(aud, expected []string) bool {
	for _, a := range aud {
		for _, exp := range expected {
			if a == exp {
				return true
			}
		}
	}
	return false
}

func normalizeAudience(val any) []string {
	switch v := val.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		res := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				res = append(res, s)
			}
		}
		return res
	case []string:
		return v
	default:
		return nil
	}
}

func parseUnix(val any) time.Time {
	switch v := val.(type) {
	case float64:
		return time.Unix(int64(v), 0)
	case json.Number:
		i, _ := v.Int64()
		return time.Unix(i, 0)
	case int64:
		return time.Unix(v, 0)
	default:
		return time.Time{}
	}
}

func maxCacheDuration(header string, fallback time.Duration) time.Duration {
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) == 2 && strings.EqualFold(kv[0], "max-age") {
			if secs, err := time.ParseDuration(kv[1] + "s"); err == nil && secs > 0 {
				return secs
			}
		}
	}
	return fallback
}
