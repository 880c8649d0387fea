package aiproxy

import "time"

// HealthStatus represents the health of the client: its circuit breaker and,
// when probed, the reachability of the proxy.
type HealthStatus struct {
	// LastFailure is the time of the most recent failure counted by the breaker.
	LastFailure time.Time `json:"last_failure,omitzero"`

	// Status is a short string description of the state ("closed", "half-open", "open", "unknown").
	Status string `json:"status"`

	// State is the full string representation of the circuit breaker state.
	State string `json:"state"`

	// ProxyError holds the health check failure, if any.
	ProxyError string `json:"proxy_error,omitempty"`

	// Healthy indicates whether calls can currently reach the proxy.
	// True for closed and half-open states with a reachable proxy.
	Healthy bool `json:"healthy"`

	// ProxyChecked reports whether the proxy health endpoint was probed.
	ProxyChecked bool `json:"proxy_checked"`

	// ProxyReachable reports whether the probe succeeded.
	ProxyReachable bool `json:"proxy_reachable"`

	// FailureCount is the number of consecutive failed calls counted by the breaker.
	FailureCount uint32 `json:"failure_count"`

	// Requests is the total number of requests in the current breaker generation.
	Requests uint32 `json:"requests"`

	// TotalSuccesses is the total number of successful requests.
	TotalSuccesses uint32 `json:"total_successes"`

	// TotalFailures is the total number of failed requests.
	TotalFailures uint32 `json:"total_failures"`

	// ConsecutiveFailures is the number of consecutive failures.
	ConsecutiveFailures uint32 `json:"consecutive_failures"`

	// ConsecutiveSuccesses is the number of consecutive successes.
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
}
