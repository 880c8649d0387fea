package aiproxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	"github.com/sony/gobreaker/v2"
)

// CircuitBreakerWrapper wraps a ResilientClient with circuit breaker functionality.
// It counts consecutive failed calls and opens the circuit at the configured
// threshold, rejecting calls without reaching the wrapped client until the
// cool-down has elapsed. The first call after the cool-down is a single
// half-open probe: success closes the circuit, failure reopens it.
//
// A wrapper is an ordinary value: construct one per proxy and share it
// between clients that should trip together.
type CircuitBreakerWrapper[Req, Resp any] struct {
	client     ResilientClient[Req, Resp]
	cb         *gobreaker.CircuitBreaker[Resp]
	logger     *slog.Logger
	classifier CircuitBreakerErrorClassifier
	threshold  uint32
	resetAfter time.Duration

	mu           sync.Mutex
	failureCount uint32
	lastFailure  time.Time
}

// BreakerSnapshot is a point-in-time view of the breaker.
// State == StateOpen implies FailureCount >= Threshold.
type BreakerSnapshot struct {
	State        CircuitBreakerState
	FailureCount uint32
	LastFailure  time.Time
	Threshold    uint32
	ResetAfter   time.Duration
}

// NewCircuitBreakerWrapper creates a new circuit breaker wrapper around a ResilientClient.
//
// Example:
//
//	wrapper := aiproxy.NewCircuitBreakerWrapper(
//	    client,
//	    aiproxy.WithThreshold(5),
//	    aiproxy.WithResetAfter(30*time.Second),
//	)
func NewCircuitBreakerWrapper[Req, Resp any](
	client ResilientClient[Req, Resp],
	opts ...CircuitBreakerOption,
) *CircuitBreakerWrapper[Req, Resp] {
	config := DefaultCircuitBreakerConfig()
	for _, opt := range opts {
		opt(config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultCircuitBreakerErrorClassifier()
	}
	if config.Threshold == 0 {
		config.Threshold = 1
	}
	if config.Name == "" {
		config.Name = "aiproxy"
	}

	w := &CircuitBreakerWrapper[Req, Resp]{
		client:     client,
		logger:     config.Logger,
		classifier: config.ErrorClassifier,
		threshold:  config.Threshold,
		resetAfter: config.ResetAfter,
	}

	classifier := config.ErrorClassifier
	threshold := config.Threshold

	settings := gobreaker.Settings{
		Name: config.Name,
		// One probe in half-open; it closes the circuit on success.
		MaxRequests: 1,
		// Counts are never cleared by time while closed.
		Interval: 0,
		Timeout:  config.ResetAfter,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			config.Logger.Warn("circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String())

			if to == gobreaker.StateClosed {
				w.mu.Lock()
				w.failureCount = 0
				w.mu.Unlock()
			}

			if config.OnStateChange != nil {
				config.OnStateChange(name, convertGobreakerState(from), convertGobreakerState(to))
			}
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}

			// Don't count errors that shouldn't trip the circuit as failures
			return !classifier.ShouldTripCircuit(err)
		},
	}

	w.cb = gobreaker.NewCircuitBreaker[Resp](settings)
	return w
}

// Execute executes the request through the circuit breaker.
// While the circuit is open, or while the half-open probe is in flight, the
// call fails immediately with an error matching ErrServiceUnavailable and the
// underlying gobreaker error; the wrapped client is not called.
func (w *CircuitBreakerWrapper[Req, Resp]) Execute(ctx context.Context, req Req) (Resp, error) {
	if w.client == nil {
		var zero Resp
		return zero, errors.New("circuit breaker has no wrapped client; use ExecuteWith")
	}
	return w.ExecuteWith(ctx, req, w.client)
}

// ExecuteWith runs client through the breaker. It lets one breaker guard
// several pipelines that should trip together.
func (w *CircuitBreakerWrapper[Req, Resp]) ExecuteWith(
	ctx context.Context,
	req Req,
	client ResilientClient[Req, Resp],
) (Resp, error) {
	var zero Resp

	resp, err := w.cb.Execute(func() (Resp, error) {
		return client.Execute(ctx, req)
	})
	if err != nil {
		switch {
		case errors.Is(err, gobreaker.ErrOpenState):
			counts := w.cb.Counts()
			w.logger.Warn("circuit breaker is open, request rejected",
				"error", err,
				"state", w.cb.State(),
				"failure_count", w.failures())
			return zero, &unavailableError{cause: jperrors.NewCircuitBreakerError(
				"request rejected",
				"execute",
				"open",
				jperrors.WithCause(err),
				jperrors.WithCounts(toCircuitCounts(counts)),
			)}
		case errors.Is(err, gobreaker.ErrTooManyRequests):
			counts := w.cb.Counts()
			w.logger.Warn("circuit breaker probe in flight, request rejected",
				"error", err)
			return zero, &unavailableError{cause: jperrors.NewCircuitBreakerError(
				"half-open probe already in flight",
				"execute",
				"half-open",
				jperrors.WithCause(err),
				jperrors.WithCounts(toCircuitCounts(counts)),
			)}
		}
	}

	w.record(err)

	if err != nil {
		w.logger.Debug("request failed through circuit breaker",
			"error", err,
			"should_trip", w.classifier.ShouldTripCircuit(err))
		return zero, err
	}
	return resp, nil
}

// record mirrors gobreaker's outcome accounting so the failure count survives
// the transition to open. A success that lands while the circuit is open
// belongs to an earlier generation and leaves the count alone.
func (w *CircuitBreakerWrapper[Req, Resp]) record(err error) {
	tripping := err != nil && w.classifier.ShouldTripCircuit(err)
	state := w.cb.State()

	w.mu.Lock()
	defer w.mu.Unlock()

	if !tripping {
		if state != gobreaker.StateOpen {
			w.failureCount = 0
		}
		return
	}
	w.failureCount++
	w.lastFailure = time.Now()
}

func (w *CircuitBreakerWrapper[Req, Resp]) failures() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failureCount
}

// NewBreaker creates a standalone breaker for proxy calls. Share it between
// clients with WithCircuitBreaker.
func NewBreaker(opts ...CircuitBreakerOption) *CircuitBreakerWrapper[*Request, json.RawMessage] {
	return NewCircuitBreakerWrapper[*Request, json.RawMessage](nil, opts...)
}

// State returns the current state of the circuit breaker. Reading the state
// after the cool-down has elapsed moves an open circuit to half-open.
func (w *CircuitBreakerWrapper[Req, Resp]) State() CircuitBreakerState {
	return convertGobreakerState(w.cb.State())
}

// Counts returns the current counts of the circuit breaker generation.
func (w *CircuitBreakerWrapper[Req, Resp]) Counts() CircuitBreakerCounts {
	counts := w.cb.Counts()
	return CircuitBreakerCounts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

// Snapshot returns the breaker's state together with its failure bookkeeping.
func (w *CircuitBreakerWrapper[Req, Resp]) Snapshot() BreakerSnapshot {
	state := w.State()

	w.mu.Lock()
	defer w.mu.Unlock()

	return BreakerSnapshot{
		State:        state,
		FailureCount: w.failureCount,
		LastFailure:  w.lastFailure,
		Threshold:    w.threshold,
		ResetAfter:   w.resetAfter,
	}
}

// Name returns the breaker name.
func (w *CircuitBreakerWrapper[Req, Resp]) Name() string {
	return w.cb.Name()
}

// GetHealth returns the health status of the circuit breaker.
func (w *CircuitBreakerWrapper[Req, Resp]) GetHealth() HealthStatus {
	snapshot := w.Snapshot()
	counts := w.Counts()

	var healthy bool
	var status string

	switch snapshot.State {
	case StateClosed:
		healthy = true
		status = "closed"
	case StateHalfOpen:
		healthy = true // Degraded but operational
		status = "half-open"
	case StateOpen:
		healthy = false
		status = "open"
	default:
		status = "unknown"
	}

	return HealthStatus{
		Healthy:              healthy,
		Status:               status,
		State:                snapshot.State.String(),
		FailureCount:         snapshot.FailureCount,
		LastFailure:          snapshot.LastFailure,
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
	}
}

func toCircuitCounts(counts gobreaker.Counts) jperrors.CircuitCounts {
	return jperrors.CircuitCounts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

// convertGobreakerState converts gobreaker.State to our CircuitBreakerState.
func convertGobreakerState(state gobreaker.State) CircuitBreakerState {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}

// CombineCircuitBreakerAndRetry wraps client with retries (inner layer) and a
// circuit breaker (outer layer). The breaker sees one outcome per logical
// call: an exhausted retry loop counts as a single failure, and an open
// circuit rejects the call before any attempt is made.
func CombineCircuitBreakerAndRetry[Req, Resp any](
	client ResilientClient[Req, Resp],
	retryConfig *RetryConfig,
	cbConfig *CircuitBreakerConfig,
	logger *slog.Logger,
) *CircuitBreakerWrapper[Req, Resp] {
	if logger != nil {
		if retryConfig != nil {
			retryConfig.Logger = logger
		}
		if cbConfig != nil {
			cbConfig.Logger = logger
		}
	}

	withRetry := NewRetryWrapper(client, func(c *RetryConfig) {
		if retryConfig != nil {
			*c = *retryConfig
		}
	})

	return NewCircuitBreakerWrapper[Req, Resp](withRetry, func(c *CircuitBreakerConfig) {
		if cbConfig != nil {
			*c = *cbConfig
		}
	})
}
