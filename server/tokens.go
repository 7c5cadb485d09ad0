package server

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"qqconnect/flow"
)

const idpQQ = "qq"

// SessionClaims are the claims of the session token minted after a QQ login.
type SessionClaims struct {
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`
	IDP     string `json:"idp"`
	jwt.RegisteredClaims
}

// SessionIssuer signs session tokens for successful logins.
type SessionIssuer struct {
	issuer string
	ttl    time.Duration
	jwks   *JWKSManager
	now    func() time.Time
}

// NewSessionIssuer builds an issuer whose iss claim is the public URL.
func NewSessionIssuer(cfg Config, jwks *JWKSManager) *SessionIssuer {
	ttl := cfg.Session.TTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionIssuer{
		issuer: strings.TrimSuffix(cfg.Server.PublicURL, "/"),
		ttl:    ttl,
		jwks:   jwks,
		now:    time.Now,
	}
}

// Issuer returns the iss claim value.
func (s *SessionIssuer) Issuer() string { return s.issuer }

// Issue mints a token for res. A result without uid cannot be bound to a subject.
func (s *SessionIssuer) Issue(res *flow.AuthResult) (string, time.Time, error) {
	if res == nil || res.UID == "" {
		return "", time.Time{}, errors.New("session: result has no uid")
	}
	now := s.now()
	exp := now.Add(s.ttl)
	claims := SessionClaims{
		Name:    res.Info.Nickname,
		Picture: res.Info.ImageURL,
		IDP:     idpQQ,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   res.UID,
			Audience:  jwt.ClaimStrings{s.issuer},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	token, err := s.jwks.Sign(claims)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, exp, nil
}
