package aiproxy

import (
	"log/slog"
	"math"
	"time"
)

// RetryPolicy is the immutable backoff configuration of a logical call.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the initial attempt.
	// A logical call makes at most MaxRetries+1 attempts.
	MaxRetries int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps every delay.
	MaxDelay time.Duration

	// BackoffFactor multiplies the delay after each retry.
	BackoffFactor float64

	// Jitter shifts each wait by a random amount in [-Jitter, +Jitter].
	// Zero keeps delays exact.
	Jitter time.Duration

	// AttemptTimeout bounds the wall-clock time of a single attempt.
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured:
// 3 retries, 1s base delay doubling up to 10s, 30s per attempt.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		BaseDelay:      time.Second,
		MaxDelay:       10 * time.Second,
		BackoffFactor:  2.0,
		AttemptTimeout: 30 * time.Second,
	}
}

// Delay returns the wait before retry k (1-based):
// min(BaseDelay * BackoffFactor^(k-1), MaxDelay).
//
// With BaseDelay=1s, BackoffFactor=2 and MaxDelay=10s the delays are
// 1s, 2s, 4s, 8s, 10s, 10s, ...
func (p RetryPolicy) Delay(k int) time.Duration {
	if k < 1 {
		k = 1
	}
	factor := p.BackoffFactor
	if factor <= 0 {
		factor = 2.0
	}

	delay := float64(p.BaseDelay) * math.Pow(factor, float64(k-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	// Prevent overflow
	if delay > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// RetryConfig holds retry configuration options.
type RetryConfig struct {
	// ErrorClassifier determines which errors should trigger retries.
	// Default: ProxyErrorClassifier
	ErrorClassifier ErrorClassifier

	// Logger for retry operations.
	// Default: slog.Default()
	Logger *slog.Logger

	// OnRetry is called before each backoff wait with the retry number
	// (1-based), the computed delay and the error that caused it.
	OnRetry func(retry int, delay time.Duration, err error)

	// Policy holds the backoff parameters.
	Policy RetryPolicy
}

// RetryOption is a functional option for configuring retry behavior.
type RetryOption func(*RetryConfig)

// WithMaxRetries sets the number of retries after the initial attempt.
//
// Example:
//
//	aiproxy.WithMaxRetries(5) // up to 6 attempts in total
func WithMaxRetries(retries int) RetryOption {
	return func(c *RetryConfig) {
		c.Policy.MaxRetries = retries
	}
}

// WithExponentialBackoff sets the base and maximum delays.
//
// Example:
//
//	aiproxy.WithExponentialBackoff(time.Second, 10*time.Second)
//	// With the default factor 2.0: 1s, 2s, 4s, 8s, 10s (capped)
func WithExponentialBackoff(baseDelay, maxDelay time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.Policy.BaseDelay = baseDelay
		c.Policy.MaxDelay = maxDelay
	}
}

// WithBackoffFactor sets the delay multiplier.
//
// Example:
//
//	aiproxy.WithBackoffFactor(1.5) // 1s, 1.5s, 2.25s, ...
func WithBackoffFactor(factor float64) RetryOption {
	return func(c *RetryConfig) {
		c.Policy.BackoffFactor = factor
	}
}

// WithJitter shifts every wait by a random amount in [-jitter, +jitter].
func WithJitter(jitter time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.Policy.Jitter = jitter
	}
}

// WithAttemptTimeout bounds each attempt. The attempt's request is
// cancelled when the timeout expires.
func WithAttemptTimeout(timeout time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.Policy.AttemptTimeout = timeout
	}
}

// WithRetryPolicy replaces the whole policy.
func WithRetryPolicy(policy RetryPolicy) RetryOption {
	return func(c *RetryConfig) {
		c.Policy = policy
	}
}

// WithErrorClassifier sets a custom error classifier for retry decisions.
func WithErrorClassifier(classifier ErrorClassifier) RetryOption {
	return func(c *RetryConfig) {
		c.ErrorClassifier = classifier
	}
}

// WithRetryHook sets a callback invoked before each backoff wait.
func WithRetryHook(fn func(retry int, delay time.Duration, err error)) RetryOption {
	return func(c *RetryConfig) {
		c.OnRetry = fn
	}
}

// WithRetryLogger sets a custom logger for retry operations.
func WithRetryLogger(logger *slog.Logger) RetryOption {
	return func(c *RetryConfig) {
		c.Logger = logger
	}
}

// DefaultRetryConfig returns retry configuration with sensible defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		Policy:          DefaultRetryPolicy(),
		ErrorClassifier: DefaultErrorClassifier(),
		Logger:          slog.Default(),
	}
}

// CircuitBreakerConfig holds circuit breaker configuration options.
type CircuitBreakerConfig struct {
	// ErrorClassifier determines which errors count against the breaker.
	// Default: ProxyErrorClassifier
	ErrorClassifier CircuitBreakerErrorClassifier

	// OnStateChange is called whenever the circuit breaker changes state.
	OnStateChange func(name string, from, to CircuitBreakerState)

	// Logger for circuit breaker operations.
	// Default: slog.Default()
	Logger *slog.Logger

	// Name identifies the breaker in logs and metrics.
	// Default: "aiproxy"
	Name string

	// Threshold is the number of consecutive failed calls that opens the circuit.
	// Default: 5
	Threshold uint32

	// ResetAfter is the cool-down of the open state. Once it has elapsed the
	// next call is admitted as a single half-open probe.
	// Default: 30 seconds
	ResetAfter time.Duration
}

// CircuitBreakerOption is a functional option for configuring circuit breaker behavior.
type CircuitBreakerOption func(*CircuitBreakerConfig)

// CircuitBreakerCounts holds the internal counts of the circuit breaker.
type CircuitBreakerCounts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// CircuitBreakerState represents the state of the circuit breaker.
type CircuitBreakerState int

const (
	// StateClosed means the circuit is closed and requests flow normally.
	StateClosed CircuitBreakerState = iota

	// StateHalfOpen means a single probe call may test whether the proxy recovered.
	StateHalfOpen

	// StateOpen means the circuit is open and requests are rejected immediately.
	StateOpen
)

// String returns the string representation of the circuit breaker state.
func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// WithThreshold sets the number of consecutive failed calls that opens the circuit.
//
// Example:
//
//	aiproxy.WithThreshold(3)
func WithThreshold(threshold uint32) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Threshold = threshold
	}
}

// WithResetAfter sets the cool-down of the open state.
//
// Example:
//
//	aiproxy.WithResetAfter(60 * time.Second)
func WithResetAfter(d time.Duration) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.ResetAfter = d
	}
}

// WithBreakerName sets the breaker name used in logs and metrics.
func WithBreakerName(name string) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Name = name
	}
}

// WithCircuitBreakerErrorClassifier sets a custom error classifier for circuit breaker decisions.
func WithCircuitBreakerErrorClassifier(classifier CircuitBreakerErrorClassifier) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.ErrorClassifier = classifier
	}
}

// WithStateChangeHandler sets a callback for circuit breaker state changes.
//
// Example:
//
//	aiproxy.WithStateChangeHandler(func(name string, from, to aiproxy.CircuitBreakerState) {
//	    log.Printf("Circuit %s changed from %s to %s", name, from, to)
//	})
func WithStateChangeHandler(fn func(name string, from, to CircuitBreakerState)) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.OnStateChange = fn
	}
}

// WithCircuitBreakerLogger sets a custom logger for circuit breaker operations.
func WithCircuitBreakerLogger(logger *slog.Logger) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Logger = logger
	}
}

// DefaultCircuitBreakerConfig returns circuit breaker configuration with sensible defaults.
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:            "aiproxy",
		Threshold:       5,
		ResetAfter:      30 * time.Second,
		ErrorClassifier: DefaultCircuitBreakerErrorClassifier(),
		Logger:          slog.Default(),
	}
}
