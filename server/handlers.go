package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"qqconnect/client"
	"qqconnect/flow"
	"qqconnect/qq"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config    Config
	Logger    *slog.Logger
	QQ        *qq.Client
	Flow      *flow.Controller
	Store     flow.StateStore
	Cookies   *CookieJar
	JWKS      *JWKSManager
	Sessions  *SessionIssuer
	Validator *client.Validator
	Metrics   *Metrics

	redis redis.UniversalClient
}

// AppOption overrides a dependency NewApp would otherwise build from config.
type AppOption func(*appDeps)

type appDeps struct {
	transport http.RoundTripper
	store     flow.StateStore
}

// WithTransport sets the base transport for graph.qq.com calls; it is still instrumented.
func WithTransport(rt http.RoundTripper) AppOption {
	return func(d *appDeps) { d.transport = rt }
}

// WithStateStore replaces the store selected by state.driver.
func WithStateStore(store flow.StateStore) AppOption {
	return func(d *appDeps) { d.store = store }
}

// NewApp wires together the application state from configuration. A missing QQ credential
// surfaces as *qq.ConfigError.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger, opts ...AppOption) (*App, error) {
	var deps appDeps
	for _, opt := range opts {
		opt(&deps)
	}

	metrics := NewMetrics()
	httpClient := &http.Client{
		Timeout:   cfg.QQ.Timeout,
		Transport: metrics.Instrument(deps.transport),
	}

	qqClient, err := qq.NewClient(&cfg.QQ, qq.WithHTTPClient(httpClient), qq.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	app := &App{
		Config:  cfg,
		Logger:  logger,
		QQ:      qqClient,
		Cookies: NewCookieJar(cfg),
		Metrics: metrics,
	}

	app.Store = deps.store
	if app.Store == nil {
		if app.Store, err = app.buildStateStore(ctx); err != nil {
			return nil, err
		}
	}

	app.Flow = flow.New(qqClient, app.Store, flow.Options{
		UIDField: cfg.QQ.IdentityFieldName(),
		StateTTL: cfg.State.TTL,
		Logger:   logger,
	})

	keysPath := cfg.KeysPath()
	if cfg.Server.SecretsPath == "" && cfg.Session.JWKSPath == "" {
		keysPath = ""
	}
	jwks, err := NewJWKSManager(keysPath, cfg.Session.RotateInterval, logger)
	if err != nil {
		return nil, err
	}
	app.JWKS = jwks
	app.Sessions = NewSessionIssuer(cfg, jwks)
	app.Validator = client.NewValidator(client.ValidatorConfig{
		Issuer:            app.Sessions.Issuer(),
		ExpectedAudiences: []string{app.Sessions.Issuer()},
		Keys:              jwks,
		CookieName:        sessionCookieName,
	})

	return app, nil
}

func (a *App) buildStateStore(ctx context.Context) (flow.StateStore, error) {
	switch a.Config.State.Driver {
	case StateDriverRedis:
		rc := a.Config.State.Redis
		rdb := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("connect state redis %s: %w", rc.Addr, err)
		}
		a.redis = rdb
		a.Logger.Info("state store ready", "driver", StateDriverRedis, "addr", rc.Addr)
		return flow.NewRedisStore(rdb, rc.Prefix), nil
	default:
		a.Logger.Info("state store ready", "driver", StateDriverMemory)
		return flow.NewMemoryStore(a.Config.State.TTL), nil
	}
}

// Close releases connections held by the app.
func (a *App) Close() error {
	if a.redis != nil {
		return a.redis.Close()
	}
	return nil
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	nonce := a.Cookies.BindLogin(w)

	// The state is always generated; a state query parameter is ignored.
	redirect, err := a.Flow.Request(r.Context(), nonce, flow.RequestParams{
		Scope:       q.Get("scope"),
		RedirectURI: a.Config.CallbackURL(),
	})
	if err != nil {
		a.Metrics.LoginRequest("error")
		a.Logger.Error("qq.request failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeJSONStatus(w, http.StatusInternalServerError, errorBody("server_error", "could not start login"))
		return
	}

	a.Metrics.LoginRequest("issued")
	http.Redirect(w, r, redirect, http.StatusFound)
}

type callbackResponse struct {
	UID              string           `json:"uid,omitempty"`
	Credentials      flow.Credentials `json:"credentials"`
	Info             flow.Info        `json:"info"`
	SessionToken     string           `json:"session_token,omitempty"`
	SessionExpiresAt *time.Time       `json:"session_expires_at,omitempty"`
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	nonce := a.Cookies.LoginNonce(r)
	a.Cookies.ClearLogin(w)

	res, err := a.Flow.Callback(r.Context(), nonce, flow.CallbackParams{
		Code:        q.Get("code"),
		State:       q.Get("state"),
		RedirectURI: a.Config.CallbackURL(),
	})
	if err != nil {
		var af *flow.AuthFailure
		if !errors.As(err, &af) {
			af = &flow.AuthFailure{Failures: []flow.Failure{{Kind: "server_error", Message: err.Error()}}}
		}
		a.Metrics.LoginCallback("failure", af.Kind())
		a.Logger.Warn("qq.callback failed",
			"kinds", flow.FailureKinds(af),
			"request_id", RequestIDFromContext(r.Context()))
		writeJSONStatus(w, failureStatus(af.Kind()), af)
		return
	}

	resp := callbackResponse{UID: res.UID, Credentials: res.Credentials, Info: res.Info}
	if res.UID == "" {
		a.Logger.Warn("qq.callback without uid, no session issued", "uid_field", a.Config.QQ.IdentityFieldName())
	} else {
		token, exp, err := a.Sessions.Issue(res)
		if err != nil {
			a.Logger.Error("session issue failed", "error", err)
			writeJSONStatus(w, http.StatusInternalServerError, errorBody("server_error", "could not issue session"))
			return
		}
		a.Cookies.SetSession(w, token)
		resp.SessionToken = token
		resp.SessionExpiresAt = &exp
	}

	a.Metrics.LoginCallback("success", "")
	writeJSON(w, resp)
}

func (a *App) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSONStatus(w, http.StatusBadRequest, errorBody("invalid_request", "invalid form"))
		return
	}
	rt := r.PostForm.Get("refresh_token")
	if rt == "" {
		writeJSONStatus(w, http.StatusBadRequest, errorBody("invalid_request", "refresh_token is required"))
		return
	}

	creds, err := a.Flow.Refresh(r.Context(), rt)
	if err != nil {
		var af *flow.AuthFailure
		if errors.As(err, &af) {
			writeJSONStatus(w, http.StatusUnauthorized, af)
			return
		}
		writeJSONStatus(w, http.StatusInternalServerError, errorBody("server_error", err.Error()))
		return
	}
	writeJSON(w, creds)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.Cookies.ClearSession(w)
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, ok := client.ClaimsFromContext(r.Context())
	if !ok {
		writeJSONStatus(w, http.StatusUnauthorized, errorBody("unauthorized", "no session"))
		return
	}
	writeJSON(w, map[string]any{
		"sub":        claims.Subject,
		"name":       claims.Name,
		"picture":    claims.Picture,
		"idp":        claims.IDP,
		"expires_at": claims.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (a *App) handleJWKS(w http.ResponseWriter, r *http.Request) {
	etag := `"` + a.JWKS.CurrentKeyID() + `"`
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.Header().Set("ETag", etag)
	_ = json.NewEncoder(w).Encode(a.JWKS.PublicJWKS())
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if p, ok := a.Store.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			writeJSONStatus(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "state_store": err.Error()})
			return
		}
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// failureStatus maps a failure kind to the HTTP status of the callback reply.
func failureStatus(kind string) int {
	switch kind {
	case flow.KindMissingCode:
		return http.StatusBadRequest
	case flow.KindStateMismatch:
		return http.StatusForbidden
	default:
		return http.StatusUnauthorized
	}
}

func errorBody(kind, message string) *flow.AuthFailure {
	return &flow.AuthFailure{Failures: []flow.Failure{{Kind: kind, Message: message}}}
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
