package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"qqconnect/client"
)

const hstsMaxAge = 63072000

// Routes constructs the HTTP router with the login, session and operational endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(a.Metrics.Middleware)
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(hstsMaxAge))
	}

	r.Route("/auth/qq", func(r chi.Router) {
		r.Get("/", a.handleLogin)
		r.Get("/callback", a.handleCallback)
		r.Post("/refresh", a.handleRefresh)
		r.Post("/logout", a.handleLogout)
	})

	r.With(client.RequireAuth(a.Validator)).Get("/me", a.handleMe)

	r.Get("/.well-known/jwks.json", a.handleJWKS)
	r.Method(http.MethodGet, "/metrics", a.Metrics.Handler())
	r.Get("/healthz", a.handleHealthz)

	return r
}
