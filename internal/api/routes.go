// Package api serves the worker's operational HTTP surface: probes,
// metrics and variant previews.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Deps are the handlers mounted by NewRouter. Nil handlers are not mounted.
type Deps struct {
	Health  *HealthChecker
	Preview *PreviewHandler
	Metrics http.Handler
	// AllowedOrigins enables CORS for the preview endpoint's callers.
	AllowedOrigins []string
}

// NewRouter builds the ops router.
func NewRouter(d Deps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	if len(d.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: d.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	if d.Health != nil {
		r.Get("/healthz", d.Health.HandleLiveness)
		r.Get("/readyz", d.Health.HandleReadiness)
	}
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}
	if d.Preview != nil {
		r.Method(http.MethodPost, "/variants/preview", d.Preview)
	}
	return r
}
