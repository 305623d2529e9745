// Package metrics exposes the Prometheus view of the router: request
// outcomes, per-arm spend, bandit phase and state-store contention.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	RequestsTotal  *prometheus.CounterVec
	RequestLatency *prometheus.HistogramVec
	CostUSD        *prometheus.CounterVec

	RoutingDecisions   *prometheus.CounterVec
	ConstraintRelaxed  *prometheus.CounterVec
	FallbacksTotal     *prometheus.CounterVec
	BanditPhase        prometheus.Gauge
	ArmPulls           *prometheus.CounterVec
	StateConflicts     prometheus.Counter
	RateLimitRejects   prometheus.Counter
	FeedbackTotal      prometheus.Counter
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_requests_total",
			Help: "Total completion requests served",
		}, []string{"model", "provider", "status"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conduit_request_latency_ms",
			Help:    "End-to-end completion latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}, []string{"model", "provider"}),
		CostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_cost_usd_total",
			Help: "Actual USD spend per arm",
		}, []string{"model", "provider"}),
		RoutingDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_routing_decisions_total",
			Help: "Routing decisions by selected arm and phase",
		}, []string{"model", "phase"}),
		ConstraintRelaxed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_constraint_relaxed_total",
			Help: "Constraints dropped to keep a query routable",
		}, []string{"constraint"}),
		FallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_fallbacks_total",
			Help: "Completions served by a fallback arm after the primary failed",
		}, []string{"original_model", "model_used"}),
		BanditPhase: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conduit_bandit_phase",
			Help: "Active hybrid phase (1 = explore, 2 = contextual; 0 for non-hybrid policies)",
		}),
		ArmPulls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_arm_pulls_total",
			Help: "Bandit updates ingested per arm",
		}, []string{"model"}),
		StateConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conduit_state_conflicts_total",
			Help: "Optimistic-lock conflicts while persisting policy state",
		}),
		RateLimitRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conduit_rate_limit_rejects_total",
			Help: "Requests rejected by the per-IP rate limiter",
		}),
		FeedbackTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conduit_feedback_total",
			Help: "User feedback submissions accepted",
		}),
	}
	reg.MustRegister(
		m.RequestsTotal, m.RequestLatency, m.CostUSD,
		m.RoutingDecisions, m.ConstraintRelaxed, m.FallbacksTotal,
		m.BanditPhase, m.ArmPulls, m.StateConflicts,
		m.RateLimitRejects, m.FeedbackTotal,
	)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
