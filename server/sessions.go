package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

const (
	loginCookieName   = "qq_login"
	sessionCookieName = "qq_session"
)

// CookieJar sets the login-binding and session cookies with one policy: HttpOnly, SameSite=Lax
// (the callback is a cross-site top-level navigation), Secure outside dev mode.
type CookieJar struct {
	secure       bool
	cookieDomain string
	loginTTL     time.Duration
	sessionTTL   time.Duration
}

// NewCookieJar constructs the cookie policy from config.
func NewCookieJar(cfg Config) *CookieJar {
	sessionTTL := cfg.Session.TTL
	if sessionTTL <= 0 {
		sessionTTL = DefaultSessionTTL
	}
	loginTTL := cfg.State.TTL
	if loginTTL <= 0 {
		loginTTL = DefaultLoginCookieTTL
	}
	return &CookieJar{
		secure:       !cfg.Server.DevMode,
		cookieDomain: cfg.Server.CookieDomain,
		loginTTL:     loginTTL,
		sessionTTL:   sessionTTL,
	}
}

// BindLogin issues a fresh nonce cookie and returns the nonce. The nonce keys the pending
// state in the StateStore, so concurrent logins from different browsers never share a slot.
func (j *CookieJar) BindLogin(w http.ResponseWriter) string {
	nonce := uuid.NewString()
	http.SetCookie(w, j.cookie(loginCookieName, nonce, j.loginTTL, "/auth/qq"))
	return nonce
}

// LoginNonce reads the nonce cookie, or "" when absent.
func (j *CookieJar) LoginNonce(r *http.Request) string {
	c, err := r.Cookie(loginCookieName)
	if err != nil {
		return ""
	}
	if _, err := uuid.Parse(c.Value); err != nil {
		return ""
	}
	return c.Value
}

// ClearLogin expires the nonce cookie.
func (j *CookieJar) ClearLogin(w http.ResponseWriter) {
	http.SetCookie(w, j.cookie(loginCookieName, "", -1, "/auth/qq"))
}

// SetSession stores the signed session token.
func (j *CookieJar) SetSession(w http.ResponseWriter, token string) {
	http.SetCookie(w, j.cookie(sessionCookieName, token, j.sessionTTL, "/"))
}

// ClearSession removes the session cookie for logout.
func (j *CookieJar) ClearSession(w http.ResponseWriter) {
	http.SetCookie(w, j.cookie(sessionCookieName, "", -1, "/"))
}

func (j *CookieJar) cookie(name, value string, ttl time.Duration, path string) *http.Cookie {
	maxAge := int(ttl.Seconds())
	if ttl < 0 {
		maxAge = -1
	}
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Domain:   j.cookieDomain,
		HttpOnly: true,
		Secure:   j.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	}
}
