package aiproxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	"github.com/sony/gobreaker/v2"
)

var (
	// ErrServiceUnavailable is returned without contacting the proxy while the
	// circuit breaker is open or its half-open probe slot is taken.
	ErrServiceUnavailable = errors.New("service temporarily unavailable, please try again later")

	// ErrInvalidResponse marks a response whose envelope or payload does not
	// match the expected shape. It is never retried.
	ErrInvalidResponse = errors.New("invalid response format")

	// ErrInvalidRequest marks a request rejected before it was sent.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrUnsupportedOperation is returned by transports that cannot serve an operation.
	ErrUnsupportedOperation = errors.New("unsupported operation")
)

// ErrorClassifier determines whether an error should trigger a retry.
// Implement this interface to customize retry behavior for your specific error types.
type ErrorClassifier interface {
	// IsRetryable returns true if the error represents a transient failure
	// that should be retried.
	IsRetryable(err error) bool
}

// CircuitBreakerErrorClassifier determines whether an error should count
// against the circuit breaker.
type CircuitBreakerErrorClassifier interface {
	// ShouldTripCircuit returns true if the error represents a failure serious enough
	// to count towards opening the circuit breaker.
	ShouldTripCircuit(err error) bool
}

// HTTPError represents an error with an associated HTTP status code.
type HTTPError interface {
	error
	StatusCode() int
}

// ProxyErrorClassifier classifies proxy failures for both retry and circuit
// breaker decisions.
//
// Retryable: network errors, attempt timeouts, rate limits, the statuses in
// RetryableStatuses, and application errors the proxy reported with a 2xx status.
// Terminal: other 4xx statuses, ErrInvalidResponse, ErrInvalidRequest,
// ErrUnsupportedOperation and the caller's own context errors.
type ProxyErrorClassifier struct {
	// RetryableStatuses lists HTTP status codes that should trigger retries.
	// Defaults to 408, 429, 500, 502, 503, 504 if nil.
	RetryableStatuses []int

	// IgnoredStatuses lists HTTP status codes that never count against the breaker.
	// Defaults to 400, 404, 413, 422, 429 if nil.
	IgnoredStatuses []int
}

// NewProxyErrorClassifier creates a ProxyErrorClassifier with the default status mappings.
func NewProxyErrorClassifier() *ProxyErrorClassifier {
	return &ProxyErrorClassifier{
		RetryableStatuses: defaultRetryableStatuses(),
		IgnoredStatuses:   defaultIgnoredStatuses(),
	}
}

func defaultRetryableStatuses() []int {
	return []int{
		http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
	}
}

func defaultIgnoredStatuses() []int {
	return []int{
		http.StatusBadRequest,
		http.StatusNotFound,
		http.StatusRequestEntityTooLarge,
		http.StatusUnprocessableEntity,
		http.StatusTooManyRequests,
	}
}

// IsRetryable implements ErrorClassifier.
func (c *ProxyErrorClassifier) IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if isTerminal(err) {
		return false
	}
	if isAttemptTimeout(err) {
		return true
	}

	// Context errors belong to the caller: retrying with the same context
	// would fail immediately.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	if errors.Is(err, jperrors.ErrRateLimited) || jperrors.IsTimeout(err) {
		return true
	}

	statusCode := extractStatusCode(err)
	if statusCode == 0 {
		// Network errors carry no status.
		return true
	}
	if statusCode < 300 {
		// The proxy was reachable but reported an application error.
		return true
	}

	retryable := c.RetryableStatuses
	if retryable == nil {
		retryable = defaultRetryableStatuses()
	}
	return containsStatus(retryable, statusCode)
}

// ShouldTripCircuit implements CircuitBreakerErrorClassifier.
func (c *ProxyErrorClassifier) ShouldTripCircuit(err error) bool {
	if err == nil {
		return false
	}

	if isTerminal(err) {
		return false
	}
	if isAttemptTimeout(err) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, jperrors.ErrRateLimited) {
		return false
	}
	if jperrors.IsTimeout(err) {
		return true
	}

	statusCode := extractStatusCode(err)
	if statusCode == 0 {
		return true
	}

	ignored := c.IgnoredStatuses
	if ignored == nil {
		ignored = defaultIgnoredStatuses()
	}
	return !containsStatus(ignored, statusCode)
}

func isTerminal(err error) bool {
	return errors.Is(err, ErrInvalidResponse) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrUnsupportedOperation) ||
		errors.Is(err, ErrServiceUnavailable)
}

// isAttemptTimeout reports whether err is a per-attempt deadline raised by the retry wrapper.
func isAttemptTimeout(err error) bool {
	var attemptErr *AttemptTimeoutError
	return errors.As(err, &attemptErr)
}

// extractStatusCode attempts to extract an HTTP status code from err.
func extractStatusCode(err error) int {
	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode()
	}
	return 0
}

// containsStatus checks if a status code is in the list.
func containsStatus(statuses []int, status int) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

// DefaultErrorClassifier returns the retry classifier used when none is configured.
func DefaultErrorClassifier() ErrorClassifier {
	return NewProxyErrorClassifier()
}

// DefaultCircuitBreakerErrorClassifier returns the breaker classifier used when none is configured.
func DefaultCircuitBreakerErrorClassifier() CircuitBreakerErrorClassifier {
	return NewProxyErrorClassifier()
}

// StatusCodeError wraps an error with an HTTP status code.
type StatusCodeError struct {
	Err  error
	Code int
}

// Error implements the error interface.
func (e *StatusCodeError) Error() string {
	return e.Err.Error()
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *StatusCodeError) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status code.
func (e *StatusCodeError) StatusCode() int {
	return e.Code
}

// NewStatusCodeError creates a new StatusCodeError.
//
// Example:
//
//	return aiproxy.NewStatusCodeError(http.StatusServiceUnavailable, err)
func NewStatusCodeError(statusCode int, err error) error {
	return &StatusCodeError{
		Code: statusCode,
		Err:  err,
	}
}

// RemoteError is an application-level failure reported by the proxy through
// an envelope with success set to false.
type RemoteError struct {
	Message string
	Status  int
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	return e.Message
}

// StatusCode returns the HTTP status the envelope arrived with.
func (e *RemoteError) StatusCode() int {
	return e.Status
}

// AttemptTimeoutError reports that a single attempt exceeded its deadline.
// The underlying request was cancelled.
type AttemptTimeoutError struct {
	Timeout time.Duration
	Err     error
}

// Error implements the error interface.
func (e *AttemptTimeoutError) Error() string {
	return fmt.Sprintf("request timed out after %s", e.Timeout)
}

// Unwrap returns the jp-go-errors timeout error.
func (e *AttemptTimeoutError) Unwrap() error {
	return e.Err
}

// OperationError is the terminal error of a typed operation. Its message is
// the operation's failure prefix followed by the cause, for example
// "Failed to generate image: Proxy image generation error".
type OperationError struct {
	Operation Operation
	Err       error
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	return e.Operation.FailurePrefix() + ": " + e.Err.Error()
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *OperationError) Unwrap() error {
	return e.Err
}

// unavailableError reports a fast-failed call. It matches both
// ErrServiceUnavailable and the underlying circuit breaker error.
type unavailableError struct {
	cause error
}

func (e *unavailableError) Error() string {
	return ErrServiceUnavailable.Error()
}

func (e *unavailableError) Unwrap() []error {
	return []error{ErrServiceUnavailable, e.cause}
}

// IsCircuitOpen reports whether err is a fast failure caused by the circuit breaker.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests)
}
