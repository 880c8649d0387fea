package aiproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// placeholderImage is a 1x1 transparent PNG.
const placeholderImage = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII="

// MockTransport answers every operation with a deterministic placeholder
// result and never touches the network. It is the local development
// stand-in for the proxy.
type MockTransport struct {
	mu        sync.Mutex
	overrides map[Operation]mockResponse
	calls     []Request
}

type mockResponse struct {
	result Result
	err    error
}

// MockOption configures a MockTransport.
type MockOption func(*MockTransport)

// WithMockResult makes op answer with result.
func WithMockResult(op Operation, result Result) MockOption {
	return func(t *MockTransport) {
		t.overrides[op] = mockResponse{result: result}
	}
}

// WithMockError makes op fail with err.
func WithMockError(op Operation, err error) MockOption {
	return func(t *MockTransport) {
		t.overrides[op] = mockResponse{err: err}
	}
}

// NewMockTransport creates a mock transport.
func NewMockTransport(opts ...MockOption) *MockTransport {
	t := &MockTransport{overrides: make(map[Operation]mockResponse)}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Execute implements Transport.
func (t *MockTransport) Execute(_ context.Context, req *Request) (json.RawMessage, error) {
	if req == nil || !req.Operation.Valid() {
		return nil, fmt.Errorf("%w: unknown operation", ErrInvalidRequest)
	}

	t.mu.Lock()
	t.calls = append(t.calls, *req)
	override, ok := t.overrides[req.Operation]
	t.mu.Unlock()

	var result Result
	switch {
	case ok && override.err != nil:
		return nil, override.err
	case ok:
		result = override.result
	default:
		result = placeholder(req)
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encoding mock result: %w", err)
	}
	return data, nil
}

// Health implements HealthChecker. The mock is always reachable.
func (t *MockTransport) Health(context.Context) error {
	return nil
}

// Calls returns the requests received so far.
func (t *MockTransport) Calls() []Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Request, len(t.calls))
	copy(out, t.calls)
	return out
}

func placeholder(req *Request) Result {
	switch p := req.Payload.(type) {
	case ImageRequest:
		return &ImageResult{
			Text:   fmt.Sprintf("Placeholder image for %q (development mode)", p.Prompt),
			Images: []ImageData{{Base64Data: placeholderImage, MimeType: "image/png"}},
		}
	case SearchRequest:
		return &SearchResult{
			Text: fmt.Sprintf("Search is unavailable in development mode. Query: %q", p.Query),
			Sources: []Source{
				{URI: "https://example.com", Title: "Example source"},
			},
		}
	case DocumentationRequest:
		return &DocumentationResult{
			Text: "# Documentation\n\nPlaceholder documentation for: " + p.Prompt,
			Sections: []Section{
				{Title: "Overview", Body: "Generated in development mode."},
			},
		}
	case TranslateRequest:
		return &TranslationResult{
			TranslatedText: fmt.Sprintf("[%s] %s", p.TargetLanguage, p.Text),
			SourceLanguage: p.SourceLanguage,
			TargetLanguage: p.TargetLanguage,
		}
	case TextRequest:
		if req.Operation == OpStreamText {
			return &StreamResult{Chunks: []string{"This is ", "a development ", "mode response."}}
		}
		return &TextResult{Text: "This is a development mode response to: " + p.Prompt}
	case AnalyzeImageRequest:
		return &TextResult{Text: fmt.Sprintf("Placeholder analysis of a %s image.", p.Image.MimeType)}
	case SummarizeRequest:
		return &TextResult{Text: fmt.Sprintf("Placeholder summary of %d messages.", len(p.History))}
	default:
		return &TextResult{Text: "This is a development mode response."}
	}
}
