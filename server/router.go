package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes constructs the HTTP router. Flow endpoints live under the configured
// prefix; health and metrics endpoints sit at the root.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger, a.Config.Server.DevMode))
	r.Use(a.Metrics.Middleware)
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.HSTSMaxAge))
	}

	r.Get("/healthz", a.handleHealthz)
	r.Get("/readyz", a.handleReadyz)
	if a.Config.Server.MetricsEnabled {
		r.Method(http.MethodGet, "/metrics", a.Metrics.Handler())
	}

	r.Route(a.Config.Server.PathPrefix, func(r chi.Router) {
		r.Use(CORSMiddleware(a.Config.AllowedOrigins()))

		r.Get("/.well-known/jwks.json", a.handleJWKS)
		r.Get("/me", a.handleMe)
		r.Get("/auth/post-logout", a.handlePostLogout)

		r.Group(func(r chi.Router) {
			r.Use(a.ReadinessMiddleware)
			r.Get("/auth/login", a.handleLogin)
			r.Get("/auth/callback", a.handleCallback)
			r.Post("/auth/refresh", a.handleRefresh)
			r.Get("/auth/logout", a.handleLogout)
			r.Post("/auth/backchannel-logout", a.handleBackchannelLogout)
		})
	})

	return r
}
