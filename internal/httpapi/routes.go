// Package httpapi mounts the public HTTP surface: completion, feedback and
// stats endpoints plus health and Prometheus metrics.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/conduitml/conduit/internal/circuitbreaker"
	"github.com/conduitml/conduit/internal/conduit"
	"github.com/conduitml/conduit/internal/metrics"
	"github.com/conduitml/conduit/internal/ratelimit"
	"github.com/conduitml/conduit/internal/registry"
)

type Dependencies struct {
	Service  *conduit.Service
	Registry *registry.Registry
	Metrics  *metrics.Registry
	Breakers *circuitbreaker.Group

	// Limiter is applied to /v1 routes when non-nil.
	Limiter *ratelimit.Limiter
}

func MountRoutes(r chi.Router, d Dependencies) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		// The router is only healthy if it has arms to route to.
		arms := len(d.Registry.IDs())
		if arms == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "unhealthy", "models": arms})
			return
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "models": arms})
	})

	r.Route("/v1", func(r chi.Router) {
		if d.Limiter != nil {
			r.Use(d.Limiter.Middleware)
		}
		r.Post("/complete", CompleteHandler(d))
		r.Post("/feedback", FeedbackHandler(d))
		r.Get("/stats", StatsHandler(d))
		r.Get("/models", ModelsHandler(d))
	})

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}
}
