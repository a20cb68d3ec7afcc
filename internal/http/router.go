package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"gitea.jw6.us/james/outlookcal/internal/auth"
	"gitea.jw6.us/james/outlookcal/internal/config"
	"gitea.jw6.us/james/outlookcal/internal/http/csrf"
	"gitea.jw6.us/james/outlookcal/internal/http/ratelimit"
	"gitea.jw6.us/james/outlookcal/internal/logging"
	"gitea.jw6.us/james/outlookcal/internal/metrics"
	"gitea.jw6.us/james/outlookcal/internal/store"
	"gitea.jw6.us/james/outlookcal/internal/ui"
)

// NewRouter wires the page, API, sign-in and operational routes.
func NewRouter(cfg *config.Config, st *store.Store, authService *auth.Service, uiHandler *ui.Handler, authLimiter *ratelimit.IPLimiter, log logrus.FieldLogger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(logging.Middleware(log))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := st.HealthCheck(ctx); err != nil {
			logging.FromContext(r.Context()).WithError(err).Warn("Readiness check failed")
			http.Error(w, "unready", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if cfg.PrometheusEnabled {
		r.Handle("/metrics", metrics.Handler())
	}

	csrfMiddleware := csrf.Middleware(cfg.SecureCookies())

	r.Group(func(r chi.Router) {
		r.Use(authLimiter.Middleware())
		r.Get("/auth/login", authService.BeginOAuth)
		r.Get(callbackPath(cfg), authService.HandleOAuthCallback)
		r.With(csrfMiddleware).Post("/auth/logout", authService.Logout)
	})

	r.Group(func(r chi.Router) {
		r.Use(authService.LoadSession)
		r.Use(csrfMiddleware)
		r.Get("/", uiHandler.Dashboard)
		r.Get("/api/session", uiHandler.SessionStatus)
		r.Get("/api/calendar/outlook", uiHandler.OutlookEvents)
		r.Get("/api/calendar/outlook.ics", uiHandler.OutlookEventsICS)
	})

	return r
}

// callbackPath is where Microsoft sends the browser back; it must match the
// redirect URL registered by the identity client.
func callbackPath(cfg *config.Config) string {
	if cfg.OAuth.RedirectPath == "" {
		return config.DefaultRedirectPath
	}
	return cfg.OAuth.RedirectPath
}
