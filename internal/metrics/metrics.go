// Package metrics exposes Prometheus counters for the experiment engine
// and the HTTP facade.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	participations *prometheus.CounterVec
	completions    *prometheus.CounterVec
	storeErrors    prometheus.Counter
	httpDuration   *prometheus.HistogramVec
}

// New registers the collectors with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		participations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gosplit_participations_total",
			Help: "Fresh visitor assignments by experiment and alternative.",
		}, []string{"experiment", "alternative"}),
		completions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gosplit_completions_total",
			Help: "Recorded completions by experiment and goal.",
		}, []string{"experiment", "goal"}),
		storeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "gosplit_store_errors_total",
			Help: "Store failures handled by the failover policy.",
		}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gosplit_http_request_duration_seconds",
			Help:    "HTTP request latency by method, route and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

// Participation records a fresh assignment.
func (m *Metrics) Participation(experiment, alternative string) {
	m.participations.WithLabelValues(experiment, alternative).Inc()
}

// Completion records a goal completion. An empty goal is the unnamed one.
func (m *Metrics) Completion(experiment, goal string) {
	if goal == "" {
		goal = "_default"
	}
	m.completions.WithLabelValues(experiment, goal).Inc()
}

// StoreError records a suppressed store failure.
func (m *Metrics) StoreError() {
	m.storeErrors.Inc()
}
