package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the dispatch collectors. A nil *Metrics records nothing.
type Metrics struct {
	Registry   *prometheus.Registry
	dispatches *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	conflicts  *prometheus.CounterVec
}

// NewMetrics registers collectors on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sepflow_dispatch_total",
				Help: "Workflow commands by entity, action and outcome",
			},
			[]string{"entity", "action", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sepflow_dispatch_duration_seconds",
				Help:    "Time spent dispatching a workflow command",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"entity", "action"},
		),
		conflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sepflow_version_conflicts_total",
				Help: "Commits rejected because of a stale expected version",
			},
			[]string{"entity"},
		),
	}
	reg.MustRegister(m.dispatches, m.duration, m.conflicts, collectors.NewGoCollector())
	return m
}

// ObserveDispatch records one command. outcome is "ok" or an error kind.
func (m *Metrics) ObserveDispatch(entity, action, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(entity, action, outcome).Inc()
	m.duration.WithLabelValues(entity, action).Observe(d.Seconds())
	if outcome == "conflict" {
		m.conflicts.WithLabelValues(entity).Inc()
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
