package aiproxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/JohnPlummer/jp-go-aiproxy"

// Client exposes the proxy's typed operations. Every operation runs through
// the circuit breaker (outer) and the retry loop (inner), with each attempt
// bounded by the retry policy's attempt timeout.
//
// A Client is safe for concurrent use.
type Client struct {
	transport Transport
	fallback  Transport
	breaker   *CircuitBreakerWrapper[*Request, json.RawMessage]
	retry     *RetryWrapper[*Request, json.RawMessage]
	logger    *slog.Logger
	metrics   MetricsRecorder
	tracer    trace.Tracer
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	logger      *slog.Logger
	metrics     MetricsRecorder
	tracer      trace.Tracer
	breaker     *CircuitBreakerWrapper[*Request, json.RawMessage]
	fallback    Transport
	retryOpts   []RetryOption
	breakerOpts []CircuitBreakerOption
	rps         float64
	burst       int
}

// WithLogger sets the logger used by the client and its wrappers.
func WithLogger(logger *slog.Logger) Option {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// WithRetryOptions configures the retry loop.
func WithRetryOptions(opts ...RetryOption) Option {
	return func(o *clientOptions) {
		o.retryOpts = append(o.retryOpts, opts...)
	}
}

// WithCircuitBreakerOptions configures the client's own breaker. Ignored when
// a breaker is injected with WithCircuitBreaker.
func WithCircuitBreakerOptions(opts ...CircuitBreakerOption) Option {
	return func(o *clientOptions) {
		o.breakerOpts = append(o.breakerOpts, opts...)
	}
}

// WithCircuitBreaker injects a breaker created with NewBreaker. Clients
// sharing a breaker trip together.
func WithCircuitBreaker(breaker *CircuitBreakerWrapper[*Request, json.RawMessage]) Option {
	return func(o *clientOptions) {
		o.breaker = breaker
	}
}

// WithFallback serves results from fallback when a call fails terminally.
// Caller cancellation is never replaced by a fallback result.
func WithFallback(fallback Transport) Option {
	return func(o *clientOptions) {
		o.fallback = fallback
	}
}

// WithRateLimit limits outbound attempts to requestsPerSecond with bursts of burst.
func WithRateLimit(requestsPerSecond float64, burst int) Option {
	return func(o *clientOptions) {
		o.rps = requestsPerSecond
		o.burst = burst
	}
}

// WithMetrics sets the metrics recorder. Default: NoopMetrics.
func WithMetrics(recorder MetricsRecorder) Option {
	return func(o *clientOptions) {
		o.metrics = recorder
	}
}

// WithTracer sets the tracer for call spans. Default: the global otel tracer provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *clientOptions) {
		o.tracer = tracer
	}
}

// New creates a Client that sends calls through transport.
//
// Example:
//
//	client, err := aiproxy.New(
//	    aiproxy.NewHTTPTransport(endpoint),
//	    aiproxy.WithRetryOptions(aiproxy.WithMaxRetries(3)),
//	    aiproxy.WithCircuitBreakerOptions(aiproxy.WithThreshold(5)),
//	)
func New(transport Transport, opts ...Option) (*Client, error) {
	if transport == nil {
		return nil, errors.New("aiproxy: transport is required")
	}

	o := &clientOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.metrics == nil {
		o.metrics = NoopMetrics{}
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}

	var inner Transport = &instrumentedTransport{next: transport, metrics: o.metrics}
	if o.rps > 0 {
		inner = NewRateLimitedClient(inner, o.rps, o.burst)
	}

	retryOpts := append([]RetryOption{WithRetryLogger(o.logger)}, o.retryOpts...)
	withRetry := NewRetryWrapper(inner, retryOpts...)

	breaker := o.breaker
	if breaker == nil {
		breakerOpts := append([]CircuitBreakerOption{WithCircuitBreakerLogger(o.logger)}, o.breakerOpts...)
		breaker = NewBreaker(breakerOpts...)
	}

	return &Client{
		transport: transport,
		fallback:  o.fallback,
		breaker:   breaker,
		retry:     withRetry,
		logger:    o.logger,
		metrics:   o.metrics,
		tracer:    o.tracer,
	}, nil
}

// Breaker returns the client's circuit breaker.
func (c *Client) Breaker() *CircuitBreakerWrapper[*Request, json.RawMessage] {
	return c.breaker
}

// RetryStats returns the client's retry statistics.
func (c *Client) RetryStats() RetryStats {
	return c.retry.GetRetryStats()
}

// Health reports the breaker's state and probes the transport when it
// supports health checks. The probe bypasses retries and the breaker.
func (c *Client) Health(ctx context.Context) HealthStatus {
	status := c.breaker.GetHealth()

	checker, ok := c.transport.(HealthChecker)
	if !ok {
		status.ProxyReachable = true
		return status
	}

	status.ProxyChecked = true
	if err := checker.Health(ctx); err != nil {
		c.logger.Warn("proxy health check failed", "error", err)
		status.ProxyError = fmt.Sprintf("%s: %v", OpHealth.FailurePrefix(), err)
		status.Healthy = false
		return status
	}
	status.ProxyReachable = true
	return status
}

// GenerateImage generates an image from a prompt.
func (c *Client) GenerateImage(ctx context.Context, req ImageRequest) (*ImageResult, error) {
	var result ImageResult
	if err := c.do(ctx, OpGenerateImage, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GroundedSearch answers a query grounded in web search results.
func (c *Client) GroundedSearch(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	var result SearchResult
	if err := c.do(ctx, OpGroundedSearch, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GenerateDocumentation produces documentation for a prompt.
func (c *Client) GenerateDocumentation(ctx context.Context, req DocumentationRequest) (*DocumentationResult, error) {
	var result DocumentationResult
	if err := c.do(ctx, OpGenerateDocumentation, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// TranslateText translates text into the target language.
func (c *Client) TranslateText(ctx context.Context, req TranslateRequest) (*TranslationResult, error) {
	var result TranslationResult
	if err := c.do(ctx, OpTranslate, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GenerateText generates a text reply, optionally continuing a conversation.
func (c *Client) GenerateText(ctx context.Context, req TextRequest) (*TextResult, error) {
	var result TextResult
	if err := c.do(ctx, OpGenerateText, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// StreamText generates a reply as a sequence of chunks. Chunks are handed to
// onChunk in order once the call has succeeded, so a retried call never
// delivers a chunk twice. An error from onChunk stops delivery and is
// returned. The result holds the concatenated text.
func (c *Client) StreamText(ctx context.Context, req TextRequest, onChunk func(chunk string) error) (*TextResult, error) {
	var stream StreamResult
	if err := c.do(ctx, OpStreamText, req, &stream); err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, chunk := range stream.Chunks {
		if onChunk != nil {
			if err := onChunk(chunk); err != nil {
				return nil, &OperationError{Operation: OpStreamText, Err: fmt.Errorf("chunk handler: %w", err)}
			}
		}
		text.WriteString(chunk)
	}
	return &TextResult{Text: text.String()}, nil
}

// AnalyzeImage describes an inline image according to a prompt.
func (c *Client) AnalyzeImage(ctx context.Context, req AnalyzeImageRequest) (*TextResult, error) {
	var result TextResult
	if err := c.do(ctx, OpAnalyzeImage, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SummarizeConversation summarizes a conversation history.
func (c *Client) SummarizeConversation(ctx context.Context, req SummarizeRequest) (*TextResult, error) {
	var result TextResult
	if err := c.do(ctx, OpSummarizeConversation, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

type validatable interface {
	validate() error
}

// do validates the request, performs the resilient call and decodes the
// result into dst. Every error it returns is an *OperationError.
func (c *Client) do(ctx context.Context, op Operation, req validatable, dst Result) error {
	if err := req.validate(); err != nil {
		return &OperationError{Operation: op, Err: err}
	}

	data, err := c.call(ctx, op, req)
	if err != nil {
		return &OperationError{Operation: op, Err: err}
	}

	if err := DecodeResult(data, dst); err != nil {
		c.logger.Warn("proxy returned malformed payload",
			"operation", op,
			"error", err)
		return &OperationError{Operation: op, Err: err}
	}
	return nil
}

type callTraceKey struct{}

// callTrace counts the attempts of one logical call.
type callTrace struct {
	attempts atomic.Int32
}

// call performs one logical call: breaker check, retry loop over the
// transport and, on terminal failure, the fallback transport.
func (c *Client) call(ctx context.Context, op Operation, payload any) (json.RawMessage, error) {
	req := &Request{
		ID:        uuid.NewString(),
		Operation: op,
		Payload:   payload,
	}

	ctx, span := c.tracer.Start(ctx, "aiproxy."+op.String(),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("aiproxy.operation", op.String()),
			attribute.String("aiproxy.request_id", req.ID),
		))
	defer span.End()

	ct := &callTrace{}
	ctx = context.WithValue(ctx, callTraceKey{}, ct)

	start := time.Now()
	data, err := c.breaker.ExecuteWith(ctx, req, c.retry)
	c.metrics.RecordBreakerState(c.breaker.Name(), c.breaker.State())

	attempts := int(ct.attempts.Load())
	span.SetAttributes(attribute.Int("aiproxy.attempts", attempts))
	for i := 1; i < attempts; i++ {
		c.metrics.RecordRetry(op)
	}

	if err == nil {
		c.metrics.RecordCall(op, OutcomeSuccess, time.Since(start))
		span.SetStatus(codes.Ok, "")
		return data, nil
	}

	if c.fallback != nil && ctx.Err() == nil {
		c.logger.Warn("proxy call failed, serving fallback result",
			"operation", op,
			"request_id", req.ID,
			"error", err)

		fbData, fbErr := c.fallback.Execute(ctx, req)
		if fbErr == nil {
			c.metrics.RecordFallback(op)
			c.metrics.RecordCall(op, OutcomeFallback, time.Since(start))
			span.AddEvent("fallback served", trace.WithAttributes(
				attribute.String("aiproxy.primary_error", err.Error())))
			span.SetStatus(codes.Ok, "")
			return fbData, nil
		}
		c.logger.Warn("fallback transport failed",
			"operation", op,
			"request_id", req.ID,
			"error", fbErr)
	}

	c.metrics.RecordCall(op, outcomeOf(err), time.Since(start))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return nil, err
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case IsCircuitOpen(err):
		return OutcomeUnavailable
	case errors.Is(err, ErrInvalidResponse):
		return OutcomeInvalid
	case isAttemptTimeout(err):
		return OutcomeTimeout
	default:
		return OutcomeError
	}
}

// instrumentedTransport records every network attempt.
type instrumentedTransport struct {
	next    Transport
	metrics MetricsRecorder
}

func (t *instrumentedTransport) Execute(ctx context.Context, req *Request) (json.RawMessage, error) {
	if ct, ok := ctx.Value(callTraceKey{}).(*callTrace); ok {
		ct.attempts.Add(1)
	}

	start := time.Now()
	data, err := t.next.Execute(ctx, req)

	outcome := OutcomeSuccess
	if err != nil {
		outcome = outcomeOf(err)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			outcome = OutcomeTimeout
		}
	}
	t.metrics.RecordAttempt(req.Operation, outcome, time.Since(start))
	return data, err
}
