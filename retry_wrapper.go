package aiproxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	"github.com/sethvargo/go-retry"
)

// maxRetriesCap bounds the retry budget to keep conversions safe.
const maxRetriesCap = 1000

// RetryWrapper wraps a ResilientClient with exponential backoff retries and a
// per-attempt timeout. Retries of one call run strictly sequentially.
type RetryWrapper[Req, Resp any] struct {
	client     ResilientClient[Req, Resp]
	config     *RetryConfig
	logger     *slog.Logger
	classifier ErrorClassifier
	stats      *retryStats
}

// retryStats tracks retry operation statistics.
type retryStats struct {
	mu              sync.RWMutex
	totalAttempts   int64
	totalRetries    int64
	totalSuccesses  int64
	totalFailures   int64
	lastAttemptTime time.Time
	lastError       error
}

// NewRetryWrapper creates a new retry wrapper around a ResilientClient.
//
// Example:
//
//	wrapper := aiproxy.NewRetryWrapper(
//	    transport,
//	    aiproxy.WithMaxRetries(3),
//	    aiproxy.WithExponentialBackoff(time.Second, 10*time.Second),
//	)
func NewRetryWrapper[Req, Resp any](
	client ResilientClient[Req, Resp],
	opts ...RetryOption,
) *RetryWrapper[Req, Resp] {
	config := DefaultRetryConfig()
	for _, opt := range opts {
		opt(config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier()
	}

	return &RetryWrapper[Req, Resp]{
		client:     client,
		config:     config,
		logger:     config.Logger,
		classifier: config.ErrorClassifier,
		stats:      &retryStats{},
	}
}

// Execute performs the request, retrying retryable errors up to MaxRetries
// times. When the budget is exhausted the last error is returned unchanged.
func (w *RetryWrapper[Req, Resp]) Execute(ctx context.Context, req Req) (Resp, error) {
	var zero Resp

	if w.config.Policy.MaxRetries < 0 {
		return zero, errors.New("max retries must not be negative")
	}

	// Check if parent context is already done before attempting any requests
	select {
	case <-ctx.Done():
		w.logger.Warn("context already done before request (expected condition)",
			"error", ctx.Err())
		return zero, ctx.Err()
	default:
	}

	var response Resp
	var attempts int
	var lastErr error

	backoff := w.newBackoff(&lastErr)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++

		w.stats.mu.Lock()
		w.stats.totalAttempts++
		if attempts > 1 {
			w.stats.totalRetries++
		}
		w.stats.lastAttemptTime = time.Now()
		w.stats.mu.Unlock()

		resp, err := w.attempt(ctx, req)
		if err == nil {
			if attempts > 1 {
				w.logger.Info("request succeeded after retry",
					"attempts", attempts)
			}
			response = resp
			return nil
		}

		if !w.classifier.IsRetryable(err) {
			w.logger.Debug("non-retryable error, giving up",
				"error", err,
				"attempts", attempts)
			return err
		}

		lastErr = err
		return retry.RetryableError(err)
	})
	if err != nil {
		w.logger.Warn("request failed after retries",
			"attempts", attempts,
			"error", err)
		w.stats.mu.Lock()
		w.stats.totalFailures++
		w.stats.lastError = err
		w.stats.mu.Unlock()
		return zero, err
	}

	w.stats.mu.Lock()
	w.stats.totalSuccesses++
	w.stats.mu.Unlock()

	return response, nil
}

// attempt runs a single attempt bounded by the policy's AttemptTimeout. The
// attempt's context is cancelled on return so an abandoned request does not
// outlive its deadline.
func (w *RetryWrapper[Req, Resp]) attempt(ctx context.Context, req Req) (Resp, error) {
	var zero Resp

	timeout := w.config.Policy.AttemptTimeout
	if timeout <= 0 {
		return w.client.Execute(ctx, req)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		resp Resp
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := w.client.Execute(attemptCtx, req)
		done <- result{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return zero, newAttemptTimeout(timeout)
		}
		return r.resp, r.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, newAttemptTimeout(timeout)
	}
}

func newAttemptTimeout(timeout time.Duration) error {
	return &AttemptTimeoutError{
		Timeout: timeout,
		Err: jperrors.NewTimeoutError(
			fmt.Sprintf("request exceeded %s", timeout),
			"execute",
			timeout,
		),
	}
}

// newBackoff builds the backoff for one Execute call. Delays follow
// RetryPolicy.Delay, optionally jittered, and stop after MaxRetries.
func (w *RetryWrapper[Req, Resp]) newBackoff(lastErr *error) retry.Backoff {
	policy := w.config.Policy

	maxRetries := policy.MaxRetries
	if maxRetries > maxRetriesCap {
		maxRetries = maxRetriesCap
	}

	var k int
	var b retry.Backoff = retry.BackoffFunc(func() (time.Duration, bool) {
		k++
		return policy.Delay(k), false
	})
	if policy.Jitter > 0 {
		b = retry.WithJitter(policy.Jitter, b)
	}
	b = retry.WithMaxRetries(uint64(maxRetries), b) // #nosec G115 - bounds checked above

	var scheduled int
	return retry.BackoffFunc(func() (time.Duration, bool) {
		delay, stop := b.Next()
		if stop {
			return 0, true
		}
		scheduled++

		w.logger.Debug("retrying request after delay",
			"retry", scheduled,
			"delay", delay,
			"error", *lastErr)

		if w.config.OnRetry != nil {
			w.config.OnRetry(scheduled, delay, *lastErr)
		}
		return delay, false
	})
}

// RetryStats holds statistics about retry operations.
type RetryStats struct {
	// TotalAttempts is the total number of attempts made (including initial and retries)
	TotalAttempts int64

	// TotalRetries is the number of retry attempts (not including initial attempts)
	TotalRetries int64

	// TotalSuccesses is the number of successful operations
	TotalSuccesses int64

	// TotalFailures is the number of failed operations (after all retries exhausted)
	TotalFailures int64

	// LastAttemptTime is the time of the last attempt
	LastAttemptTime time.Time

	// LastError is the last error encountered (if any)
	LastError error
}

// GetRetryStats returns a snapshot of the retry statistics.
func (w *RetryWrapper[Req, Resp]) GetRetryStats() RetryStats {
	w.stats.mu.RLock()
	defer w.stats.mu.RUnlock()

	return RetryStats{
		TotalAttempts:   w.stats.totalAttempts,
		TotalRetries:    w.stats.totalRetries,
		TotalSuccesses:  w.stats.totalSuccesses,
		TotalFailures:   w.stats.totalFailures,
		LastAttemptTime: w.stats.lastAttemptTime,
		LastError:       w.stats.lastError,
	}
}

// Policy returns the wrapper's retry policy.
func (w *RetryWrapper[Req, Resp]) Policy() RetryPolicy {
	return w.config.Policy
}
