// Package metrics holds the prometheus collectors for the execution pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for Executions.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeTimeout  = "timeout"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Metrics is a set of collectors bound to one registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Executions      *prometheus.CounterVec
	Violations      *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec
	InFlight        prometheus.Gauge
	RateLimited     prometheus.Counter
	ViolationAlerts prometheus.Counter
}

// New registers a fresh collector set on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Executions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crucible_executions_total",
			Help: "Submissions by the stage they ended in and their outcome.",
		}, []string{"stage", "outcome"}),
		Violations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crucible_validation_violations_total",
			Help: "Submissions rejected by the validator, by rule kind.",
		}, []string{"kind"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crucible_stage_duration_seconds",
			Help:    "Wall-clock time spent in the compile and execute stages.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"stage"}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "crucible_executions_in_flight",
			Help: "Executions currently running.",
		}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "crucible_rate_limited_total",
			Help: "Requests refused by the rate limiter.",
		}),
		ViolationAlerts: f.NewCounter(prometheus.CounterOpts{
			Name: "crucible_violation_alerts_total",
			Help: "Times a client crossed the hourly violation threshold.",
		}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveExecution(stage, outcome string) {
	if m == nil {
		return
	}
	m.Executions.WithLabelValues(stage, outcome).Inc()
}

func (m *Metrics) ObserveViolation(kind string) {
	if m == nil {
		return
	}
	m.Violations.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) IncInFlight() {
	if m != nil {
		m.InFlight.Inc()
	}
}

func (m *Metrics) DecInFlight() {
	if m != nil {
		m.InFlight.Dec()
	}
}

func (m *Metrics) IncRateLimited() {
	if m != nil {
		m.RateLimited.Inc()
	}
}

func (m *Metrics) IncViolationAlerts() {
	if m != nil {
		m.ViolationAlerts.Inc()
	}
}
