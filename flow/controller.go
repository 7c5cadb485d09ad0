package flow

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"qqconnect/qq"
)

// Provider is the part of *qq.Client the controller drives.
type Provider interface {
	AuthorizationURL(state, scope, redirectURI string) string
	ExchangeCode(ctx context.Context, code, redirectURI string) qq.TokenResult
	Refresh(ctx context.Context, refreshToken string) qq.TokenResult
	ResolveIdentity(ctx context.Context, accessToken string) (qq.OpaqueIdentity, error)
	FetchUserProfile(ctx context.Context, accessToken, openid string) (qq.UserProfile, error)
}

// Options tunes a Controller.
type Options struct {
	// UIDField selects the profile field used as AuthResult.UID. Defaults to the openid.
	UIDField string
	StateTTL time.Duration
	Logger   *slog.Logger
}

// ErrInvalidState rejects a caller-supplied state that is not at least 16 random bytes, hex encoded.
var ErrInvalidState = errors.New("flow: state must be at least 32 hex characters")

// minStateLen is the hex length of the 16 bytes NewState reads.
const minStateLen = 32

// RequestParams are the inputs of the request phase. Empty fields fall back to the client
// configuration; an empty State is generated. A non-empty State must be at least 32 hex
// characters.
type RequestParams struct {
	Scope       string
	State       string
	RedirectURI string
}

// CallbackParams are the query parameters the provider redirected back with.
type CallbackParams struct {
	Code        string
	State       string
	RedirectURI string
}

// PendingState is the CSRF state persisted between the two phases.
type PendingState struct {
	State string `json:"state"`
}

// Controller runs login attempts against one provider. It keeps no per-attempt state itself;
// pending states live in the StateStore.
type Controller struct {
	provider Provider
	store    StateStore
	uidField string
	ttl      time.Duration
	logger   *slog.Logger
}

// New builds a controller.
func New(provider Provider, store StateStore, opts Options) *Controller {
	c := &Controller{
		provider: provider,
		store:    store,
		uidField: opts.UIDField,
		ttl:      opts.StateTTL,
		logger:   opts.Logger,
	}
	if c.uidField == "" {
		c.uidField = qq.IdentityField
	}
	if c.ttl <= 0 {
		c.ttl = DefaultStateTTL
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c
}

// NewState returns 16 random bytes, hex encoded.
func NewState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("flow: generate state: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// BeginRequest builds the authorization redirect and the state the caller must persist.
func (c *Controller) BeginRequest(p RequestParams) (string, PendingState, error) {
	state := p.State
	if state == "" {
		var err error
		if state, err = NewState(); err != nil {
			return "", PendingState{}, err
		}
	} else if !validState(state) {
		return "", PendingState{}, ErrInvalidState
	}
	redirect := c.provider.AuthorizationURL(state, p.Scope, p.RedirectURI)
	c.logger.Debug("qq.request", "phase", PhaseRequestIssued.String(), "scope", p.Scope)
	return redirect, PendingState{State: state}, nil
}

func validState(s string) bool {
	if len(s) < minStateLen {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// Request runs BeginRequest and stores the state under key.
func (c *Controller) Request(ctx context.Context, key string, p RequestParams) (string, error) {
	redirect, pending, err := c.BeginRequest(p)
	if err != nil {
		return "", err
	}
	if err := c.store.Put(ctx, key, pending.State, c.ttl); err != nil {
		return "", fmt.Errorf("flow: store state: %w", err)
	}
	return redirect, nil
}

// Callback consumes the state stored under key, whatever the outcome, then completes the attempt.
func (c *Controller) Callback(ctx context.Context, key string, p CallbackParams) (*AuthResult, error) {
	stored, ok, err := c.store.Take(ctx, key)
	if err != nil {
		c.logger.Warn("qq.callback state lookup failed", "error", err)
	}
	if err != nil || !ok {
		stored = ""
	}
	return c.CompleteCallback(ctx, p, stored)
}

// CompleteCallback validates the callback against storedState and runs the token, openid and
// profile calls in order, stopping at the first failure. Code and state are checked before any
// network call.
func (c *Controller) CompleteCallback(ctx context.Context, p CallbackParams, storedState string) (*AuthResult, error) {
	c.logger.Debug("qq.callback", "phase", PhaseCallbackPending.String())

	if p.Code == "" {
		return nil, c.failed(fail(KindMissingCode, "authorization code is missing"))
	}
	if !statesEqual(p.State, storedState) {
		return nil, c.failed(fail(KindStateMismatch, "state does not match the pending request"))
	}

	token := c.provider.ExchangeCode(ctx, p.Code, p.RedirectURI)
	if !token.OK() {
		kind := token.ErrorCode()
		if kind == "" {
			kind = KindToken
		}
		msg := token.ErrorDescription()
		if msg == "" {
			msg = "access token exchange failed"
		}
		return nil, c.failed(fail(kind, msg))
	}

	identity, err := c.provider.ResolveIdentity(ctx, token.AccessToken)
	if err != nil {
		return nil, c.failed(fail(KindIdentity, providerMessage(err)))
	}

	profile, err := c.provider.FetchUserProfile(ctx, token.AccessToken, identity.ID)
	if err != nil {
		return nil, c.failed(fail(KindProfile, providerMessage(err)))
	}

	res := &AuthResult{
		UID:         profile.Get(c.uidField),
		Credentials: credentialsFrom(token),
		Info: Info{
			Nickname: profile.Get("nickname"),
			ImageURL: pickImage(profile),
			Gender:   ParseGender(profile.Get("gender")),
			Areas:    collectAreas(profile),
		},
		Raw: Raw{Token: token, Profile: profile},
	}
	c.logger.Info("qq.callback", "phase", PhaseSucceeded.String(), "uid", res.UID)
	return res, nil
}

// Refresh performs a single refresh_token grant.
func (c *Controller) Refresh(ctx context.Context, refreshToken string) (Credentials, error) {
	token := c.provider.Refresh(ctx, refreshToken)
	if !token.OK() {
		msg := token.ErrorDescription()
		if msg == "" {
			msg = "refresh failed"
		}
		c.logger.Info("qq.refresh", "phase", PhaseFailed.String(), "error", token.ErrorCode())
		return Credentials{}, fail(KindToken, msg)
	}
	return credentialsFrom(token), nil
}

func (c *Controller) failed(f *AuthFailure) *AuthFailure {
	c.logger.Info("qq.callback", "phase", PhaseFailed.String(), "kinds", FailureKinds(f))
	return f
}

func credentialsFrom(token qq.TokenResult) Credentials {
	return Credentials{
		Token:        token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.ExpiresAt,
		TokenType:    token.TokenType,
		Expires:      !token.ExpiresAt.IsZero(),
		Scopes:       splitScopes(token.OtherParams["scope"]),
	}
}

// statesEqual compares in constant time. An empty stored state never matches.
func statesEqual(returned, stored string) bool {
	if stored == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(returned), []byte(stored)) == 1
}

// providerMessage prefers the provider's own message over the wrapped Go error text.
func providerMessage(err error) string {
	var ierr *qq.IdentityError
	if errors.As(err, &ierr) {
		return ierr.Message
	}
	var perr *qq.ProfileError
	if errors.As(err, &perr) {
		return perr.Message
	}
	return err.Error()
}
