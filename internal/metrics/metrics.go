// Package metrics provides Prometheus metrics for the access gate.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors for the service.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	httpInFlight  prometheus.Gauge
	licenseChecks *prometheus.CounterVec
	gateStates    *prometheus.CounterVec
}

// New creates a Metrics instance with its own registry.
func New(serviceName string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "http_requests_total",
			Help:        "Total HTTP requests processed.",
			ConstLabels: prometheus.Labels{"service": serviceName},
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "http_request_duration_seconds",
			Help:        "HTTP request latency.",
			ConstLabels: prometheus.Labels{"service": serviceName},
			Buckets:     prometheus.DefBuckets,
		}, []string{"method", "path"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "http_requests_in_flight",
			Help:        "HTTP requests currently being served.",
			ConstLabels: prometheus.Labels{"service": serviceName},
		}),
		licenseChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "license_checks_total",
			Help:        "License validation attempts by outcome.",
			ConstLabels: prometheus.Labels{"service": serviceName},
		}, []string{"outcome"}),
		gateStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "gate_evaluations_total",
			Help:        "Gate evaluations by resulting state.",
			ConstLabels: prometheus.Labels{"service": serviceName},
		}, []string{"state"}),
	}

	registry.MustRegister(
		m.httpRequests,
		m.httpDuration,
		m.httpInFlight,
		m.licenseChecks,
		m.gateStates,
	)

	return m
}

// IncrementInFlight increments the in-flight request gauge.
func (m *Metrics) IncrementInFlight() { m.httpInFlight.Inc() }

// DecrementInFlight decrements the in-flight request gauge.
func (m *Metrics) DecrementInFlight() { m.httpInFlight.Dec() }

// RecordHTTPRequest records a completed HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.httpRequests.WithLabelValues(method, path, status).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordLicenseCheck records a license validation attempt.
// Outcome is one of "valid", "invalid", "error", "stale_discarded".
func (m *Metrics) RecordLicenseCheck(outcome string) {
	m.licenseChecks.WithLabelValues(outcome).Inc()
}

// RecordGateState records a gate evaluation result.
func (m *Metrics) RecordGateState(state string) {
	m.gateStates.WithLabelValues(state).Inc()
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
