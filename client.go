// Package aiproxy provides a resilient client for a serverless generative-AI proxy.
// Every call to the proxy is bounded by a per-attempt timeout, retried with exponential
// backoff, and guarded by a circuit breaker. Typed operation wrappers (image generation,
// grounded search, translation, ...) validate the proxy's response envelope and payload
// before handing results back to callers.
package aiproxy

import (
	"context"
	"encoding/json"
)

// ResilientClient defines a generic interface for executing requests with retry and circuit breaker support.
// The retry wrapper, the circuit breaker wrapper and every Transport implement it, so the layers
// compose freely.
//
// Example:
//
//	transport := aiproxy.NewHTTPTransport("https://example.com/api/gemini-proxy")
//
//	// Wrap with retry
//	withRetry := aiproxy.NewRetryWrapper[*aiproxy.Request, json.RawMessage](
//	    transport,
//	    aiproxy.WithMaxRetries(3),
//	    aiproxy.WithExponentialBackoff(time.Second, 10*time.Second),
//	)
type ResilientClient[Req, Resp any] interface {
	// Execute performs a request and returns a response or error.
	// The context should be used to control timeouts and cancellation.
	Execute(ctx context.Context, req Req) (Resp, error)
}

// Request is a single logical call to the proxy. The same Request value is
// sent on every retry attempt.
type Request struct {
	// ID identifies the logical call across retry attempts.
	ID string

	// Operation selects the remote operation.
	Operation Operation

	// Payload is the typed, JSON-serializable request body.
	Payload any
}

// Transport moves a Request to the remote service and returns the envelope's
// data field. Implementations report failures as errors; they never return a
// successful nil payload.
type Transport = ResilientClient[*Request, json.RawMessage]

// HealthChecker is implemented by transports that can probe the remote service.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, req *Request) (json.RawMessage, error)

// Execute implements Transport.
func (f TransportFunc) Execute(ctx context.Context, req *Request) (json.RawMessage, error) {
	return f(ctx, req)
}
