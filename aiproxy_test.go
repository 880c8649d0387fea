package aiproxy_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	aiproxy "github.com/JohnPlummer/jp-go-aiproxy"
)

// fakeProxy is an httptest server speaking the proxy's envelope protocol.
type fakeProxy struct {
	server *httptest.Server

	mu      sync.Mutex
	respond http.HandlerFunc
	paths   []string
	ids     []string
}

func newFakeProxy() *fakeProxy {
	p := &fakeProxy{}
	p.respond = func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":true,"data":{"text":"ok"}}`)
	}
	p.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.paths = append(p.paths, r.URL.Path)
		p.ids = append(p.ids, r.Header.Get(aiproxy.RequestIDHeader))
		respond := p.respond
		p.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		respond(w, r)
	}))
	DeferCleanup(p.server.Close)
	return p
}

func (p *fakeProxy) reply(body string) {
	p.handle(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	})
}

func (p *fakeProxy) status(code int) {
	p.handle(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
	})
}

func (p *fakeProxy) handle(fn http.HandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.respond = fn
}

func (p *fakeProxy) hits() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.paths)
}

func (p *fakeProxy) requestIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ids...)
}

func (p *fakeProxy) lastPath() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.paths) == 0 {
		return ""
	}
	return p.paths[len(p.paths)-1]
}

var _ = Describe("Client", func() {
	var (
		ctx   context.Context
		proxy *fakeProxy
	)

	newClient := func(opts ...aiproxy.Option) *aiproxy.Client {
		base := []aiproxy.Option{
			aiproxy.WithLogger(quietLogger()),
			aiproxy.WithRetryOptions(
				aiproxy.WithMaxRetries(2),
				aiproxy.WithExponentialBackoff(time.Millisecond, 2*time.Millisecond),
			),
		}
		client, err := aiproxy.New(aiproxy.NewHTTPTransport(proxy.server.URL+"/api"), append(base, opts...)...)
		Expect(err).NotTo(HaveOccurred())
		return client
	}

	BeforeEach(func() {
		ctx = context.Background()
		proxy = newFakeProxy()
	})

	It("requires a transport", func() {
		_, err := aiproxy.New(nil)
		Expect(err).To(MatchError(ContainSubstring("transport is required")))
	})

	Describe("GenerateImage", func() {
		It("returns the proxy's payload unchanged", func() {
			proxy.reply(`{"success":true,"data":{"text":"Here is your image!","images":[{"base64Data":"abc","mimeType":"image/png"}]}}`)
			client := newClient()

			result, err := client.GenerateImage(ctx, aiproxy.ImageRequest{Prompt: "A cat wearing a hat"})
			Expect(err).NotTo(HaveOccurred())
			Expect(*result).To(Equal(aiproxy.ImageResult{
				Text:   "Here is your image!",
				Images: []aiproxy.ImageData{{Base64Data: "abc", MimeType: "image/png"}},
			}))
			Expect(proxy.lastPath()).To(Equal("/api/generate-image"))
			Expect(proxy.hits()).To(Equal(1))
		})

		It("fails with the proxy's message after exhausting retries", func() {
			proxy.reply(`{"success":false,"error":"Proxy image generation error"}`)
			client := newClient()

			_, err := client.GenerateImage(ctx, aiproxy.ImageRequest{Prompt: "A cat wearing a hat"})
			Expect(err).To(MatchError(ContainSubstring("Failed to generate image: Proxy image generation error")))
			Expect(proxy.hits()).To(Equal(3))

			var opErr *aiproxy.OperationError
			Expect(errors.As(err, &opErr)).To(BeTrue())
			Expect(opErr.Operation).To(Equal(aiproxy.OpGenerateImage))
		})

		It("reports an HTTP 500 after exhausting retries", func() {
			proxy.status(http.StatusInternalServerError)
			client := newClient()

			_, err := client.GenerateImage(ctx, aiproxy.ImageRequest{Prompt: "A cat wearing a hat"})
			Expect(err).To(MatchError(ContainSubstring("HTTP error! status: 500")))
			Expect(proxy.hits()).To(Equal(3))
		})

		It("rejects a malformed payload without retrying", func() {
			proxy.reply(`{"success":true,"data":{"text":"Here is your image!"}}`)
			client := newClient()

			_, err := client.GenerateImage(ctx, aiproxy.ImageRequest{Prompt: "A cat wearing a hat"})
			Expect(err).To(MatchError(aiproxy.ErrInvalidResponse))
			Expect(err.Error()).To(HavePrefix("Failed to generate image: invalid response format"))
			Expect(proxy.hits()).To(Equal(1))
		})

		It("rejects an unparsable body without retrying", func() {
			proxy.reply(`<html>oops</html>`)
			client := newClient()

			_, err := client.GenerateImage(ctx, aiproxy.ImageRequest{Prompt: "A cat wearing a hat"})
			Expect(err).To(MatchError(aiproxy.ErrInvalidResponse))
			Expect(proxy.hits()).To(Equal(1))
			Expect(client.Breaker().Snapshot().FailureCount).To(BeZero())
		})

		It("validates the prompt before sending", func() {
			client := newClient()

			_, err := client.GenerateImage(ctx, aiproxy.ImageRequest{Prompt: "   "})
			Expect(err).To(MatchError(aiproxy.ErrInvalidRequest))
			Expect(err.Error()).To(Equal("Failed to generate image: invalid request: prompt must not be empty"))
			Expect(proxy.hits()).To(BeZero())
		})
	})

	Describe("typed operations", func() {
		It("performs a grounded search", func() {
			proxy.reply(`{"success":true,"data":{"text":"Sunny","sources":[{"uri":"https://weather.example","title":"Weather"}]}}`)
			result, err := newClient().GroundedSearch(ctx, aiproxy.SearchRequest{Query: "weather in Paris"})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Text).To(Equal("Sunny"))
			Expect(result.Sources).To(ConsistOf(aiproxy.Source{URI: "https://weather.example", Title: "Weather"}))
			Expect(proxy.lastPath()).To(Equal("/api/search"))
		})

		It("generates documentation", func() {
			proxy.reply(`{"success":true,"data":{"text":"# API","sections":[{"title":"Usage","body":"Call it."}]}}`)
			result, err := newClient().GenerateDocumentation(ctx, aiproxy.DocumentationRequest{Prompt: "the API"})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Sections).To(HaveLen(1))
			Expect(proxy.lastPath()).To(Equal("/api/generate-documentation"))
		})

		It("translates text", func() {
			proxy.reply(`{"success":true,"data":{"translatedText":"Hallo","targetLanguage":"de"}}`)
			result, err := newClient().TranslateText(ctx, aiproxy.TranslateRequest{Text: "Hello", TargetLanguage: "de"})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.TranslatedText).To(Equal("Hallo"))
			Expect(proxy.lastPath()).To(Equal("/api/translate"))
		})

		It("requires a target language", func() {
			_, err := newClient().TranslateText(ctx, aiproxy.TranslateRequest{Text: "Hello"})
			Expect(err).To(MatchError(ContainSubstring("target language must not be empty")))
			Expect(proxy.hits()).To(BeZero())
		})

		It("generates text", func() {
			proxy.reply(`{"success":true,"data":{"text":"Hi there"}}`)
			result, err := newClient().GenerateText(ctx, aiproxy.TextRequest{Prompt: "Hi"})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Text).To(Equal("Hi there"))
			Expect(proxy.lastPath()).To(Equal("/api/generate-text"))
		})

		It("analyzes an image", func() {
			proxy.reply(`{"success":true,"data":{"text":"A cat"}}`)
			result, err := newClient().AnalyzeImage(ctx, aiproxy.AnalyzeImageRequest{
				Prompt: "What is this?",
				Image:  aiproxy.ImageData{Base64Data: "abc", MimeType: "image/png"},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Text).To(Equal("A cat"))
			Expect(proxy.lastPath()).To(Equal("/api/analyze-image"))
		})

		It("summarizes a conversation", func() {
			proxy.reply(`{"success":true,"data":{"text":"They said hi."}}`)
			result, err := newClient().SummarizeConversation(ctx, aiproxy.SummarizeRequest{
				History: []aiproxy.Message{{Role: aiproxy.RoleUser, Content: "Hi"}, {Role: aiproxy.RoleModel, Content: "Hello"}},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Text).To(Equal("They said hi."))
			Expect(proxy.lastPath()).To(Equal("/api/summarize-conversation"))
		})

		It("requires history to summarize", func() {
			_, err := newClient().SummarizeConversation(ctx, aiproxy.SummarizeRequest{})
			Expect(err).To(MatchError(aiproxy.ErrInvalidRequest))
		})
	})

	Describe("StreamText", func() {
		BeforeEach(func() {
			proxy.reply(`{"success":true,"data":{"chunks":["Once ","upon ","a time"]}}`)
		})

		It("delivers chunks in order and returns the whole text", func() {
			var chunks []string
			result, err := newClient().StreamText(ctx, aiproxy.TextRequest{Prompt: "Tell a story"}, func(chunk string) error {
				chunks = append(chunks, chunk)
				return nil
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(chunks).To(Equal([]string{"Once ", "upon ", "a time"}))
			Expect(result.Text).To(Equal("Once upon a time"))
			Expect(proxy.lastPath()).To(Equal("/api/stream-text"))
		})

		It("delivers chunks once even when the call was retried", func() {
			var calls int
			proxy.handle(func(w http.ResponseWriter, r *http.Request) {
				calls++
				if calls == 1 {
					w.WriteHeader(http.StatusBadGateway)
					return
				}
				fmt.Fprint(w, `{"success":true,"data":{"chunks":["a","b"]}}`)
			})

			var chunks []string
			_, err := newClient().StreamText(ctx, aiproxy.TextRequest{Prompt: "x"}, func(chunk string) error {
				chunks = append(chunks, chunk)
				return nil
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(chunks).To(Equal([]string{"a", "b"}))
		})

		It("stops at the first handler error", func() {
			stop := errors.New("client went away")
			var seen int
			_, err := newClient().StreamText(ctx, aiproxy.TextRequest{Prompt: "x"}, func(chunk string) error {
				seen++
				return stop
			})
			Expect(err).To(MatchError(stop))
			Expect(err.Error()).To(Equal("Failed to stream text: chunk handler: client went away"))
			Expect(seen).To(Equal(1))
		})

		It("accepts a nil handler", func() {
			result, err := newClient().StreamText(ctx, aiproxy.TextRequest{Prompt: "x"}, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Text).To(Equal("Once upon a time"))
		})
	})

	Describe("resilience", func() {
		It("sends the same request ID on every attempt", func() {
			proxy.status(http.StatusServiceUnavailable)
			_, _ = newClient().GenerateText(ctx, aiproxy.TextRequest{Prompt: "x"})

			ids := proxy.requestIDs()
			Expect(ids).To(HaveLen(3))
			Expect(ids[0]).NotTo(BeEmpty())
			Expect(ids).To(HaveEach(ids[0]))
		})

		It("does not retry a 4xx status", func() {
			proxy.status(http.StatusBadRequest)
			_, err := newClient().GenerateText(ctx, aiproxy.TextRequest{Prompt: "x"})
			Expect(err).To(MatchError("Failed to generate text: HTTP error! status: 400"))
			Expect(proxy.hits()).To(Equal(1))
		})

		It("bounds each attempt with the attempt timeout", func() {
			proxy.handle(func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(time.Second):
				}
			})
			client := newClient(aiproxy.WithRetryOptions(
				aiproxy.WithMaxRetries(1),
				aiproxy.WithAttemptTimeout(20*time.Millisecond),
			))

			_, err := client.GenerateText(ctx, aiproxy.TextRequest{Prompt: "x"})
			Expect(err).To(MatchError("Failed to generate text: request timed out after 20ms"))
			Expect(jperrors.IsTimeout(err)).To(BeTrue())
			Eventually(proxy.hits).Should(Equal(2))
		})

		It("opens the breaker after threshold failed calls and stops sending", func() {
			proxy.status(http.StatusInternalServerError)
			client := newClient(
				aiproxy.WithRetryOptions(aiproxy.WithMaxRetries(0)),
				aiproxy.WithCircuitBreakerOptions(aiproxy.WithThreshold(2)),
			)

			for range 2 {
				_, err := client.GenerateText(ctx, aiproxy.TextRequest{Prompt: "x"})
				Expect(err).To(MatchError(ContainSubstring("HTTP error! status: 500")))
			}
			Expect(client.Breaker().State()).To(Equal(aiproxy.StateOpen))
			Expect(proxy.hits()).To(Equal(2))

			_, err := client.GenerateText(ctx, aiproxy.TextRequest{Prompt: "x"})
			Expect(err).To(MatchError(aiproxy.ErrServiceUnavailable))
			Expect(err.Error()).To(Equal("Failed to generate text: service temporarily unavailable, please try again later"))
			Expect(aiproxy.IsCircuitOpen(err)).To(BeTrue())
			Expect(proxy.hits()).To(Equal(2))
		})

		It("closes the breaker after a successful probe", func() {
			proxy.status(http.StatusInternalServerError)
			client := newClient(
				aiproxy.WithRetryOptions(aiproxy.WithMaxRetries(0)),
				aiproxy.WithCircuitBreakerOptions(
					aiproxy.WithThreshold(1),
					aiproxy.WithResetAfter(30*time.Millisecond),
				),
			)

			_, _ = client.GenerateText(ctx, aiproxy.TextRequest{Prompt: "x"})
			Expect(client.Breaker().State()).To(Equal(aiproxy.StateOpen))

			proxy.reply(`{"success":true,"data":{"text":"back"}}`)
			Eventually(client.Breaker().State).Should(Equal(aiproxy.StateHalfOpen))

			result, err := client.GenerateText(ctx, aiproxy.TextRequest{Prompt: "x"})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Text).To(Equal("back"))
			Expect(client.Breaker().State()).To(Equal(aiproxy.StateClosed))
		})

		It("shares an injected breaker between clients", func() {
			proxy.status(http.StatusInternalServerError)
			shared := aiproxy.NewBreaker(aiproxy.WithThreshold(1), aiproxy.WithCircuitBreakerLogger(quietLogger()))
			first := newClient(aiproxy.WithCircuitBreaker(shared), aiproxy.WithRetryOptions(aiproxy.WithMaxRetries(0)))
			second := newClient(aiproxy.WithCircuitBreaker(shared))

			_, _ = first.GenerateText(ctx, aiproxy.TextRequest{Prompt: "x"})
			Expect(proxy.hits()).To(Equal(1))

			_, err := second.TranslateText(ctx, aiproxy.TranslateRequest{Text: "Hi", TargetLanguage: "fr"})
			Expect(err).To(MatchError(aiproxy.ErrServiceUnavailable))
			Expect(proxy.hits()).To(Equal(1))
			Expect(second.Breaker()).To(BeIdenticalTo(shared))
		})

		It("stops on caller cancellation without counting a failure", func() {
			proxy.status(http.StatusServiceUnavailable)
			client := newClient(aiproxy.WithRetryOptions(
				aiproxy.WithMaxRetries(5),
				aiproxy.WithExponentialBackoff(time.Second, time.Second),
			))

			callCtx, cancel := context.WithCancel(ctx)
			time.AfterFunc(50*time.Millisecond, cancel)

			start := time.Now()
			_, err := client.GenerateText(callCtx, aiproxy.TextRequest{Prompt: "x"})
			Expect(err).To(MatchError(context.Canceled))
			Expect(time.Since(start)).To(BeNumerically("<", 500*time.Millisecond))
			Expect(proxy.hits()).To(Equal(1))
			Expect(client.Breaker().Snapshot().FailureCount).To(BeZero())
		})

		It("reports a refused rate-limit wait without tripping the breaker", func() {
			client := newClient(
				aiproxy.WithRateLimit(0.1, 1),
				aiproxy.WithCircuitBreakerOptions(aiproxy.WithThreshold(1)),
			)
			_, err := client.GenerateText(ctx, aiproxy.TextRequest{Prompt: "x"})
			Expect(err).NotTo(HaveOccurred())

			callCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
			defer cancel()

			_, err = client.GenerateText(callCtx, aiproxy.TextRequest{Prompt: "x"})
			Expect(err).To(MatchError(jperrors.ErrRateLimited))
			Expect(proxy.hits()).To(Equal(1))
			Expect(client.Breaker().State()).To(Equal(aiproxy.StateClosed))
		})

		It("keeps retry statistics", func() {
			proxy.status(http.StatusServiceUnavailable)
			client := newClient()
			_, _ = client.GenerateText(ctx, aiproxy.TextRequest{Prompt: "x"})

			stats := client.RetryStats()
			Expect(stats.TotalAttempts).To(Equal(int64(3)))
			Expect(stats.TotalRetries).To(Equal(int64(2)))
			Expect(stats.TotalFailures).To(Equal(int64(1)))
		})
	})

	Describe("fallback", func() {
		It("serves the fallback result when the proxy fails", func() {
			proxy.status(http.StatusInternalServerError)
			client := newClient(
				aiproxy.WithFallback(aiproxy.NewMockTransport()),
				aiproxy.WithRetryOptions(aiproxy.WithMaxRetries(0)),
			)

			result, err := client.GenerateText(ctx, aiproxy.TextRequest{Prompt: "Hello"})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Text).To(Equal("This is a development mode response to: Hello"))
			Expect(client.Breaker().Snapshot().FailureCount).To(Equal(uint32(1)))
		})

		It("serves the fallback while the breaker is open", func() {
			proxy.status(http.StatusInternalServerError)
			client := newClient(
				aiproxy.WithFallback(aiproxy.NewMockTransport()),
				aiproxy.WithRetryOptions(aiproxy.WithMaxRetries(0)),
				aiproxy.WithCircuitBreakerOptions(aiproxy.WithThreshold(1)),
			)
			_, _ = client.GenerateText(ctx, aiproxy.TextRequest{Prompt: "x"})
			Expect(client.Breaker().State()).To(Equal(aiproxy.StateOpen))

			result, err := client.TranslateText(ctx, aiproxy.TranslateRequest{Text: "Hi", TargetLanguage: "it"})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.TranslatedText).To(Equal("[it] Hi"))
			Expect(proxy.hits()).To(Equal(1))
		})

		It("returns the primary error when the fallback fails too", func() {
			proxy.status(http.StatusInternalServerError)
			client := newClient(
				aiproxy.WithFallback(aiproxy.NewMockTransport(
					aiproxy.WithMockError(aiproxy.OpGenerateText, errors.New("fallback down")),
				)),
				aiproxy.WithRetryOptions(aiproxy.WithMaxRetries(0)),
			)

			_, err := client.GenerateText(ctx, aiproxy.TextRequest{Prompt: "x"})
			Expect(err).To(MatchError("Failed to generate text: HTTP error! status: 500"))
		})

		It("never replaces a cancelled call", func() {
			client := newClient(aiproxy.WithFallback(aiproxy.NewMockTransport()))
			callCtx, cancel := context.WithCancel(ctx)
			cancel()

			_, err := client.GenerateText(callCtx, aiproxy.TextRequest{Prompt: "x"})
			Expect(err).To(MatchError(context.Canceled))
		})
	})

	Describe("Health", func() {
		It("reports a reachable proxy", func() {
			proxy.handle(func(w http.ResponseWriter, r *http.Request) {
				defer GinkgoRecover()
				Expect(r.URL.Path).To(Equal("/api/health"))
				fmt.Fprint(w, `{"success":true}`)
			})

			status := newClient().Health(ctx)
			Expect(status.Healthy).To(BeTrue())
			Expect(status.ProxyChecked).To(BeTrue())
			Expect(status.ProxyReachable).To(BeTrue())
			Expect(status.ProxyError).To(BeEmpty())
		})

		It("reports an unreachable proxy", func() {
			proxy.status(http.StatusServiceUnavailable)

			status := newClient().Health(ctx)
			Expect(status.Healthy).To(BeFalse())
			Expect(status.ProxyReachable).To(BeFalse())
			Expect(status.ProxyError).To(Equal("Health check failed: HTTP error! status: 503"))
		})

		It("reports an open breaker", func() {
			proxy.status(http.StatusInternalServerError)
			client := newClient(
				aiproxy.WithRetryOptions(aiproxy.WithMaxRetries(0)),
				aiproxy.WithCircuitBreakerOptions(aiproxy.WithThreshold(1)),
			)
			_, _ = client.GenerateText(ctx, aiproxy.TextRequest{Prompt: "x"})

			status := client.Health(ctx)
			Expect(status.Healthy).To(BeFalse())
			Expect(status.Status).To(Equal("open"))
		})

		It("skips the probe for transports without health checks", func() {
			transport := aiproxy.TransportFunc(func(ctx context.Context, req *aiproxy.Request) (json.RawMessage, error) {
				return nil, errors.New("unused")
			})
			client, err := aiproxy.New(transport, aiproxy.WithLogger(quietLogger()))
			Expect(err).NotTo(HaveOccurred())

			status := client.Health(ctx)
			Expect(status.Healthy).To(BeTrue())
			Expect(status.ProxyChecked).To(BeFalse())
		})
	})

	Describe("instrumentation", func() {
		It("records a span per logical call", func() {
			exporter := tracetest.NewInMemoryExporter()
			provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
			DeferCleanup(func() { _ = provider.Shutdown(context.Background()) })

			var calls int
			proxy.handle(func(w http.ResponseWriter, r *http.Request) {
				calls++
				if calls < 3 {
					w.WriteHeader(http.StatusBadGateway)
					return
				}
				fmt.Fprint(w, `{"success":true,"data":{"text":"ok"}}`)
			})

			client := newClient(aiproxy.WithTracer(provider.Tracer("test")))
			_, err := client.GenerateText(ctx, aiproxy.TextRequest{Prompt: "x"})
			Expect(err).NotTo(HaveOccurred())

			spans := exporter.GetSpans()
			Expect(spans).To(HaveLen(1))
			span := spans[0]
			Expect(span.Name).To(Equal("aiproxy.generate-text"))
			Expect(span.Status.Code).To(Equal(codes.Ok))
			Expect(span.Attributes).To(ContainElement(attribute.String("aiproxy.operation", "generate-text")))
			Expect(span.Attributes).To(ContainElement(attribute.Int("aiproxy.attempts", 3)))
			Expect(span.Attributes).To(ContainElement(attribute.String("aiproxy.request_id", proxy.requestIDs()[0])))
		})

		It("marks failed calls as errors", func() {
			exporter := tracetest.NewInMemoryExporter()
			provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
			DeferCleanup(func() { _ = provider.Shutdown(context.Background()) })

			proxy.status(http.StatusBadRequest)
			client := newClient(aiproxy.WithTracer(provider.Tracer("test")))
			_, _ = client.GenerateImage(ctx, aiproxy.ImageRequest{Prompt: "x"})

			spans := exporter.GetSpans()
			Expect(spans).To(HaveLen(1))
			Expect(spans[0].Status.Code).To(Equal(codes.Error))
			Expect(spans[0].Events).NotTo(BeEmpty())
		})

		It("exports call, attempt and retry metrics", func() {
			reg := prometheus.NewRegistry()
			var calls int
			proxy.handle(func(w http.ResponseWriter, r *http.Request) {
				calls++
				if calls == 1 {
					w.WriteHeader(http.StatusServiceUnavailable)
					return
				}
				fmt.Fprint(w, `{"success":true,"data":{"text":"ok"}}`)
			})

			client := newClient(aiproxy.WithMetrics(aiproxy.NewPrometheusMetrics(reg)))
			_, err := client.GenerateText(ctx, aiproxy.TextRequest{Prompt: "x"})
			Expect(err).NotTo(HaveOccurred())

			expected := `
# HELP aiproxy_attempts_total Total network attempts by operation and outcome
# TYPE aiproxy_attempts_total counter
aiproxy_attempts_total{operation="generate-text",outcome="error"} 1
aiproxy_attempts_total{operation="generate-text",outcome="success"} 1
# HELP aiproxy_calls_total Total logical proxy calls by operation and outcome
# TYPE aiproxy_calls_total counter
aiproxy_calls_total{operation="generate-text",outcome="success"} 1
# HELP aiproxy_retries_total Total scheduled retries by operation
# TYPE aiproxy_retries_total counter
aiproxy_retries_total{operation="generate-text"} 1
`
			Expect(testutil.GatherAndCompare(reg, strings.NewReader(expected),
				"aiproxy_attempts_total", "aiproxy_calls_total", "aiproxy_retries_total")).To(Succeed())
		})
	})
})
