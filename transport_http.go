package aiproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Addressing selects how an Operation is encoded in the proxy URL. One
// transport uses one style for every operation.
type Addressing int

const (
	// AddressPath appends the operation as a path segment: {endpoint}/{op}.
	AddressPath Addressing = iota

	// AddressQuery passes the operation as a query parameter: {endpoint}?action={op}.
	AddressQuery
)

// ParseAddressing parses "path" or "query".
func ParseAddressing(s string) (Addressing, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "path":
		return AddressPath, nil
	case "query":
		return AddressQuery, nil
	default:
		return AddressPath, fmt.Errorf("unknown addressing %q (want path or query)", s)
	}
}

const (
	// RequestIDHeader carries the logical call ID on every attempt.
	RequestIDHeader = "X-Request-ID"

	defaultMaxResponseBytes = 32 << 20
)

// HTTPTransport sends requests to the proxy as JSON over HTTP and decodes the
// response envelope. It performs a single attempt per Execute; retries and
// timeouts belong to the wrappers around it.
type HTTPTransport struct {
	client     *http.Client
	headers    map[string]string
	endpoint   string
	addressing Addressing
	maxBody    int64
}

// HTTPTransportOption configures an HTTPTransport.
type HTTPTransportOption func(*HTTPTransport)

// WithHTTPClient sets the underlying http.Client.
func WithHTTPClient(client *http.Client) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.client = client
	}
}

// WithAddressing sets the URL addressing style.
func WithAddressing(a Addressing) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.addressing = a
	}
}

// WithHeader adds a static header to every request.
func WithHeader(key, value string) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.headers[key] = value
	}
}

// WithMaxResponseBytes limits how much of a response body is read.
func WithMaxResponseBytes(n int64) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.maxBody = n
	}
}

// NewHTTPTransport creates a transport for the proxy at endpoint.
//
// Example:
//
//	transport := aiproxy.NewHTTPTransport(
//	    "https://example.com/.netlify/functions/gemini-proxy",
//	    aiproxy.WithAddressing(aiproxy.AddressQuery),
//	)
func NewHTTPTransport(endpoint string, opts ...HTTPTransportOption) *HTTPTransport {
	t := &HTTPTransport{
		client:   &http.Client{},
		headers:  make(map[string]string),
		endpoint: endpoint,
		maxBody:  defaultMaxResponseBytes,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.client == nil {
		t.client = &http.Client{}
	}
	return t
}

// URL returns the address of op.
func (t *HTTPTransport) URL(op Operation) (string, error) {
	u, err := url.Parse(t.endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing proxy endpoint: %w", err)
	}

	switch t.addressing {
	case AddressQuery:
		q := u.Query()
		q.Set("action", string(op))
		u.RawQuery = q.Encode()
	default:
		u = u.JoinPath(string(op))
	}
	return u.String(), nil
}

// Execute implements Transport.
func (t *HTTPTransport) Execute(ctx context.Context, req *Request) (json.RawMessage, error) {
	if req == nil || !req.Operation.Valid() {
		return nil, fmt.Errorf("%w: unknown operation", ErrInvalidRequest)
	}

	body, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding payload: %v", ErrInvalidRequest, err)
	}

	target, err := t.URL(req.Operation)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", ErrInvalidRequest, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if req.ID != "" {
		httpReq.Header.Set(RequestIDHeader, req.ID)
	}
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}

	status, data, err := t.do(httpReq)
	if err != nil {
		return nil, err
	}

	env, err := DecodeEnvelope(data)
	if err != nil {
		return nil, err
	}
	return env.Payload(status)
}

// Health implements HealthChecker. It expects {"success": true} from the
// proxy's health address.
func (t *HTTPTransport) Health(ctx context.Context) error {
	target, err := t.URL(OpHealth)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("building health request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}

	status, data, err := t.do(httpReq)
	if err != nil {
		return err
	}

	env, err := DecodeEnvelope(data)
	if err != nil {
		return err
	}
	return env.Err(status)
}

// do sends the request and returns status and body. Non-2xx statuses become
// StatusCodeErrors whose message starts with "HTTP error! status: <code>".
func (t *HTTPTransport) do(httpReq *http.Request) (int, []byte, error) {
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBody))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := fmt.Sprintf("HTTP error! status: %d", resp.StatusCode)
		var env Envelope
		if json.Unmarshal(data, &env) == nil && strings.TrimSpace(env.Error) != "" {
			msg += " - " + strings.TrimSpace(env.Error)
		}
		return resp.StatusCode, nil, NewStatusCodeError(resp.StatusCode, errors.New(msg))
	}

	return resp.StatusCode, data, nil
}
