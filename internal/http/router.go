package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"gitea.jw6.us/james/dossiersync/internal/auth"
	"gitea.jw6.us/james/dossiersync/internal/config"
	"gitea.jw6.us/james/dossiersync/internal/http/api"
	"gitea.jw6.us/james/dossiersync/internal/http/csrf"
	"gitea.jw6.us/james/dossiersync/internal/http/ratelimit"
	"gitea.jw6.us/james/dossiersync/internal/metrics"
	"gitea.jw6.us/james/dossiersync/internal/store"
)

// NewRouter wires operator sign-in, integration consent and the JSON API.
func NewRouter(cfg *config.Config, store *store.Store, authService *auth.Service, apiHandler *api.Handler) http.Handler {
	r := chi.NewRouter()

	// Auth endpoints: 5 requests per second, burst of 10
	authRateLimiter := ratelimit.NewIPRateLimiter(rate.Limit(5), 10, 5*time.Minute, cfg.TrustedProxies)
	// API endpoints: sync triggers are expensive, so keep the burst small
	apiRateLimiter := ratelimit.NewIPRateLimiter(rate.Limit(10), 20, 5*time.Minute, cfg.TrustedProxies)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := store.HealthCheck(ctx); err != nil {
			http.Error(w, "unready", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if cfg.PrometheusEnabled {
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			metrics.Handler().ServeHTTP(w, r)
		})
	}

	r.Group(func(r chi.Router) {
		r.Use(authRateLimiter.Middleware())
		r.Get("/auth/login", authService.BeginOAuth)
		r.Get(cfg.OAuth.RedirectPath, authService.HandleOAuthCallback)
	})

	r.With(authService.RequireSession, csrf.Middleware(cfg)).Post("/auth/logout", authService.Logout)

	r.Group(func(r chi.Router) {
		r.Use(authService.RequireSession)
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "/api/session", http.StatusFound)
		})
		r.With(authRateLimiter.Middleware()).Group(apiHandler.RegisterConsent)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(apiRateLimiter.Middleware())
		r.Use(authService.RequireSession)
		r.Use(csrf.Middleware(cfg))
		apiHandler.Register(r)
	})

	return r
}
