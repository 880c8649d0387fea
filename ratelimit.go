package aiproxy

import (
	"context"
	"fmt"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	"golang.org/x/time/rate"
)

// RateLimitedClient gates every attempt of a ResilientClient behind a token
// bucket. Placed inside the retry wrapper it spaces out retries as well as
// first attempts.
type RateLimitedClient[Req, Resp any] struct {
	client  ResilientClient[Req, Resp]
	limiter *rate.Limiter
}

// NewRateLimitedClient allows requestsPerSecond sustained requests with bursts
// of up to burst.
//
// Example:
//
//	limited := aiproxy.NewRateLimitedClient(transport, 2.0, 5) // 2 req/s, burst of 5
func NewRateLimitedClient[Req, Resp any](
	client ResilientClient[Req, Resp],
	requestsPerSecond float64,
	burst int,
) *RateLimitedClient[Req, Resp] {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedClient[Req, Resp]{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
	}
}

// Execute waits for a token and then calls the wrapped client. A wait that the
// limiter refuses (the deadline would pass before a token frees up) is
// reported as jperrors.ErrRateLimited; a cancelled caller gets ctx.Err().
func (c *RateLimitedClient[Req, Resp]) Execute(ctx context.Context, req Req) (Resp, error) {
	var zero Resp

	if err := c.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		return zero, fmt.Errorf("%w: %v", jperrors.ErrRateLimited, err)
	}
	return c.client.Execute(ctx, req)
}
