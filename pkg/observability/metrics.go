package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the prometheus instruments for the authentication core.
type Metrics struct {
	registry *prometheus.Registry

	// AuthAttempts counts attempts by protocol and outcome.
	AuthAttempts *prometheus.CounterVec

	// ValidationFailures counts failed validations by protocol and
	// error code.
	ValidationFailures *prometheus.CounterVec

	// JITOutcomes counts provisioning outcomes by status.
	JITOutcomes *prometheus.CounterVec

	// AttemptDuration observes end-to-end attempt latency.
	AttemptDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers the instruments on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		AuthAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "keystone_auth_attempts_total",
			Help: "Authentication attempts by protocol and outcome.",
		}, []string{"protocol", "outcome"}),
		ValidationFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "keystone_validation_failures_total",
			Help: "Failed credential validations by protocol and error code.",
		}, []string{"protocol", "code"}),
		JITOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "keystone_jit_outcomes_total",
			Help: "JIT provisioning outcomes by status.",
		}, []string{"status"}),
		AttemptDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "keystone_auth_attempt_duration_seconds",
			Help:    "End-to-end authentication attempt duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"protocol"}),
	}
}

// Handler exposes the registry for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
