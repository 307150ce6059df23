package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/redis"
)

// HealthChecker reports whether a dependency is reachable.
type HealthChecker func(ctx context.Context) error

// RouterConfig wires the handler into an http.Handler.
type RouterConfig struct {
	Handler        *Handler
	Limiter        *redis.RateLimiter // nil disables rate limiting
	Logger         *zap.Logger
	RequestTimeout time.Duration
	Health         map[string]HealthChecker
}

// NewRouter builds the HTTP routes.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	h := cfg.Handler

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(cfg.Logger))

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(chimw.Timeout(cfg.RequestTimeout))
			r.Use(RateLimitMiddleware(cfg.Limiter, cfg.Logger, IPKeyFunc))

			r.Post("/notifications", h.CreateNotification)
			r.Post("/notifications/{id}/click", h.RecordClick)
			r.Get("/analytics", h.GetAnalytics)
		})

		r.Route("/recipients/{recipientID}", func(r chi.Router) {
			r.Use(RateLimitMiddleware(cfg.Limiter, cfg.Logger, RecipientKeyFunc))

			// The stream is long-lived and stays outside the request timeout.
			r.Get("/stream", h.Stream)

			r.Group(func(r chi.Router) {
				r.Use(chimw.Timeout(cfg.RequestTimeout))

				r.Get("/notifications", h.ListNotifications)
				r.Post("/notifications/read-all", h.MarkAllRead)
				r.Post("/notifications/{id}/read", h.MarkRead)
				r.Get("/preferences", h.GetPreferences)
				r.Put("/preferences", h.UpdatePreferences)
			})
		})
	})

	r.Get("/health", healthHandler(cfg.Health))
	r.Handle("/metrics", metrics.Handler())

	return r
}

// healthHandler returns 200 "OK" when every checker passes and 503 naming
// the first failing dependency otherwise.
func healthHandler(checks map[string]HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		for name, check := range checks {
			if err := check(ctx); err != nil {
				writeProblem(w, http.StatusServiceUnavailable, ErrorResponse{
					Type:   "unhealthy",
					Title:  name + " unavailable",
					Status: http.StatusServiceUnavailable,
					Detail: err.Error(),
				})
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}
