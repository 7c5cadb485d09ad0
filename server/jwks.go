package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// retainedKeys is how many rotated-out keys stay published so tokens they signed still verify.
const retainedKeys = 1

type signingKey struct {
	private *rsa.PrivateKey
	jwk     jose.JSONWebKey
}

// JWKSManager owns the RSA keys that sign session tokens.
type JWKSManager struct {
	mu          sync.RWMutex
	current     signingKey
	previous    []signingKey
	rotateEvery time.Duration
	storePath   string
	logger      *slog.Logger
}

// NewJWKSManager loads keys from storePath, creating and persisting a fresh key when none exist.
// An empty storePath keeps keys in memory only.
func NewJWKSManager(storePath string, rotateEvery time.Duration, logger *slog.Logger) (*JWKSManager, error) {
	m := &JWKSManager{
		rotateEvery: rotateEvery,
		storePath:   storePath,
		logger:      logger,
	}

	if storePath != "" {
		if err := m.loadFromDisk(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load signing keys: %w", err)
		}
	}

	if m.current.private == nil {
		if err := m.Rotate(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// StartRotation rotates keys on a ticker until ctx is done.
func (m *JWKSManager) StartRotation(ctx context.Context) {
	if m.rotateEvery <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(m.rotateEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.Rotate(); err != nil {
					m.logger.Error("jwks rotate", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Sign signs claims with the current key and sets the kid header.
func (m *JWKSManager) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	m.mu.RLock()
	defer m.mu.RUnlock()
	token.Header["kid"] = m.current.jwk.KeyID
	return token.SignedString(m.current.private)
}

// KeySet returns the public keys, satisfying client.KeySource for in-process validation.
func (m *JWKSManager) KeySet(_ context.Context, _ string) (jose.JSONWebKeySet, error) {
	return m.PublicJWKS(), nil
}

// PublicJWKS exposes the current and retained public keys.
func (m *JWKSManager) PublicJWKS() jose.JSONWebKeySet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := []jose.JSONWebKey{m.current.jwk.Public()}
	for _, prev := range m.previous {
		keys = append(keys, prev.jwk.Public())
	}
	return jose.JSONWebKeySet{Keys: keys}
}

// CurrentKeyID returns the kid new tokens are signed with.
func (m *JWKSManager) CurrentKeyID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.jwk.KeyID
}

// Rotate generates a new signing key and demotes the current one.
func (m *JWKSManager) Rotate() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generate signing key: %w", err)
	}
	kid, err := newKeyID()
	if err != nil {
		return err
	}
	next := signingKey{
		private: key,
		jwk:     jose.JSONWebKey{Key: key, KeyID: kid, Algorithm: string(jose.RS256), Use: "sig"},
	}

	m.mu.Lock()
	if m.current.private != nil {
		m.previous = append([]signingKey{m.current}, m.previous...)
		if len(m.previous) > retainedKeys {
			m.previous = m.previous[:retainedKeys]
		}
	}
	m.current = next
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.Info("jwks rotated", "kid", kid)
	}
	if m.storePath == "" {
		return nil
	}
	return m.persist()
}

func (m *JWKSManager) persist() error {
	m.mu.RLock()
	keys := []jose.JSONWebKey{m.current.jwk}
	for _, prev := range m.previous {
		keys = append(keys, prev.jwk)
	}
	m.mu.RUnlock()

	payload, err := json.MarshalIndent(jose.JSONWebKeySet{Keys: keys}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.storePath), 0o700); err != nil {
		return err
	}
	return os.WriteFile(m.storePath, payload, 0o600)
}

func (m *JWKSManager) loadFromDisk() error {
	payload, err := os.ReadFile(m.storePath)
	if err != nil {
		return err
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(payload, &set); err != nil {
		return err
	}

	var loaded []signingKey
	for _, key := range set.Keys {
		priv, ok := key.Key.(*rsa.PrivateKey)
		if !ok {
			continue
		}
		loaded = append(loaded, signingKey{private: priv, jwk: key})
	}
	if len(loaded) == 0 {
		return errors.New("no private keys in jwks file")
	}
	m.current = loaded[0]
	m.previous = loaded[1:]
	if len(m.previous) > retainedKeys {
		m.previous = m.previous[:retainedKeys]
	}
	return nil
}

func newKeyID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate kid: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
