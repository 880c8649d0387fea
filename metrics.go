package aiproxy

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Call and attempt outcomes reported to a MetricsRecorder.
const (
	OutcomeSuccess     = "success"
	OutcomeError       = "error"
	OutcomeUnavailable = "unavailable"
	OutcomeInvalid     = "invalid"
	OutcomeFallback    = "fallback"
	OutcomeTimeout     = "timeout"
)

// MetricsRecorder receives client instrumentation. Implementations must be
// safe for concurrent use.
type MetricsRecorder interface {
	// RecordCall records the outcome and duration of a logical call.
	RecordCall(op Operation, outcome string, duration time.Duration)

	// RecordAttempt records a single network attempt.
	RecordAttempt(op Operation, outcome string, duration time.Duration)

	// RecordRetry records a scheduled retry.
	RecordRetry(op Operation)

	// RecordFallback records a result served by the fallback transport.
	RecordFallback(op Operation)

	// RecordBreakerState records the breaker's current state.
	RecordBreakerState(name string, state CircuitBreakerState)
}

// NoopMetrics discards all measurements.
type NoopMetrics struct{}

func (NoopMetrics) RecordCall(Operation, string, time.Duration)    {}
func (NoopMetrics) RecordAttempt(Operation, string, time.Duration) {}
func (NoopMetrics) RecordRetry(Operation)                          {}
func (NoopMetrics) RecordFallback(Operation)                       {}
func (NoopMetrics) RecordBreakerState(string, CircuitBreakerState) {}

// PrometheusMetrics implements MetricsRecorder with Prometheus collectors.
type PrometheusMetrics struct {
	calls           *prometheus.CounterVec
	callDuration    *prometheus.HistogramVec
	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	retries         *prometheus.CounterVec
	fallbacks       *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
}

// NewPrometheusMetrics registers the client's collectors on reg. It panics if
// the collectors are already registered there, so create it once per registry.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		calls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aiproxy_calls_total",
				Help: "Total logical proxy calls by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		callDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aiproxy_call_duration_seconds",
				Help:    "Duration of logical proxy calls including retries",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"operation"},
		),
		attempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aiproxy_attempts_total",
				Help: "Total network attempts by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		attemptDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aiproxy_attempt_duration_seconds",
				Help:    "Duration of single network attempts",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"operation"},
		),
		retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aiproxy_retries_total",
				Help: "Total scheduled retries by operation",
			},
			[]string{"operation"},
		),
		fallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aiproxy_fallbacks_total",
				Help: "Total results served by the fallback transport",
			},
			[]string{"operation"},
		),
		breakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "aiproxy_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"breaker"},
		),
	}
}

// RecordCall implements MetricsRecorder.
func (m *PrometheusMetrics) RecordCall(op Operation, outcome string, duration time.Duration) {
	m.calls.WithLabelValues(op.String(), outcome).Inc()
	m.callDuration.WithLabelValues(op.String()).Observe(duration.Seconds())
}

// RecordAttempt implements MetricsRecorder.
func (m *PrometheusMetrics) RecordAttempt(op Operation, outcome string, duration time.Duration) {
	m.attempts.WithLabelValues(op.String(), outcome).Inc()
	m.attemptDuration.WithLabelValues(op.String()).Observe(duration.Seconds())
}

// RecordRetry implements MetricsRecorder.
func (m *PrometheusMetrics) RecordRetry(op Operation) {
	m.retries.WithLabelValues(op.String()).Inc()
}

// RecordFallback implements MetricsRecorder.
func (m *PrometheusMetrics) RecordFallback(op Operation) {
	m.fallbacks.WithLabelValues(op.String()).Inc()
}

// RecordBreakerState implements MetricsRecorder.
func (m *PrometheusMetrics) RecordBreakerState(name string, state CircuitBreakerState) {
	m.breakerState.WithLabelValues(name).Set(float64(state))
}
