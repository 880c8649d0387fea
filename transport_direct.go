package aiproxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const (
	defaultDirectModel      = openai.GPT4oMini
	defaultDirectImageModel = openai.CreateImageModelDallE3

	documentationInstruction = "You are a technical writer. Produce clear, well-structured documentation in Markdown."
	summarizeInstruction     = "Summarize the following conversation concisely, keeping decisions and open questions."
)

// DirectTransport calls an OpenAI-compatible provider with an API key,
// bypassing the proxy. It answers the same payload shapes the proxy does.
// Grounded search has no direct equivalent and fails with
// ErrUnsupportedOperation.
type DirectTransport struct {
	client     *openai.Client
	model      string
	imageModel string
}

// DirectOption configures a DirectTransport.
type DirectOption func(*directSettings)

type directSettings struct {
	httpClient *http.Client
	baseURL    string
	model      string
	imageModel string
}

// WithDirectModel sets the default chat model.
func WithDirectModel(model string) DirectOption {
	return func(s *directSettings) {
		s.model = model
	}
}

// WithDirectImageModel sets the default image model.
func WithDirectImageModel(model string) DirectOption {
	return func(s *directSettings) {
		s.imageModel = model
	}
}

// WithDirectBaseURL points the transport at another OpenAI-compatible API.
func WithDirectBaseURL(baseURL string) DirectOption {
	return func(s *directSettings) {
		s.baseURL = baseURL
	}
}

// WithDirectHTTPClient sets the HTTP client used for provider calls.
func WithDirectHTTPClient(client *http.Client) DirectOption {
	return func(s *directSettings) {
		s.httpClient = client
	}
}

// NewDirectTransport creates a direct transport. An empty apiKey is an error:
// the direct path exists only when a key is configured.
func NewDirectTransport(apiKey string, opts ...DirectOption) (*DirectTransport, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("direct transport requires an API key")
	}

	settings := &directSettings{
		model:      defaultDirectModel,
		imageModel: defaultDirectImageModel,
	}
	for _, opt := range opts {
		opt(settings)
	}

	cfg := openai.DefaultConfig(apiKey)
	if settings.baseURL != "" {
		cfg.BaseURL = settings.baseURL
	}
	if settings.httpClient != nil {
		cfg.HTTPClient = settings.httpClient
	}

	return &DirectTransport{
		client:     openai.NewClientWithConfig(cfg),
		model:      settings.model,
		imageModel: settings.imageModel,
	}, nil
}

// Execute implements Transport.
func (t *DirectTransport) Execute(ctx context.Context, req *Request) (json.RawMessage, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", ErrInvalidRequest)
	}

	var (
		result any
		err    error
	)

	switch p := req.Payload.(type) {
	case TextRequest:
		if req.Operation == OpStreamText {
			result, err = t.stream(ctx, p)
		} else {
			result, err = t.generateText(ctx, p)
		}
	case ImageRequest:
		result, err = t.generateImage(ctx, p)
	case DocumentationRequest:
		result, err = t.generateDocumentation(ctx, p)
	case TranslateRequest:
		result, err = t.translate(ctx, p)
	case AnalyzeImageRequest:
		result, err = t.analyzeImage(ctx, p)
	case SummarizeRequest:
		result, err = t.summarize(ctx, p)
	case SearchRequest:
		return nil, fmt.Errorf("%w: %s is not available without the proxy", ErrUnsupportedOperation, req.Operation)
	default:
		return nil, fmt.Errorf("%w: unexpected payload %T for %s", ErrInvalidRequest, req.Payload, req.Operation)
	}
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encoding direct result: %w", err)
	}
	return data, nil
}

// Health implements HealthChecker by listing the provider's models.
func (t *DirectTransport) Health(ctx context.Context) error {
	if _, err := t.client.ListModels(ctx); err != nil {
		return mapProviderError(err)
	}
	return nil
}

func (t *DirectTransport) generateText(ctx context.Context, req TextRequest) (*TextResult, error) {
	messages := chatMessages(req.SystemInstruction, req.History)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	text, err := t.complete(ctx, req.Model, messages)
	if err != nil {
		return nil, err
	}
	return &TextResult{Text: text}, nil
}

func (t *DirectTransport) stream(ctx context.Context, req TextRequest) (*StreamResult, error) {
	messages := chatMessages(req.SystemInstruction, req.History)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	stream, err := t.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    t.modelFor(req.Model),
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return nil, mapProviderError(err)
	}
	defer stream.Close()

	chunks := []string{}
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, mapProviderError(err)
		}
		for _, choice := range resp.Choices {
			if choice.Delta.Content != "" {
				chunks = append(chunks, choice.Delta.Content)
			}
		}
	}
	return &StreamResult{Chunks: chunks}, nil
}

func (t *DirectTransport) generateImage(ctx context.Context, req ImageRequest) (*ImageResult, error) {
	model := req.Model
	if model == "" {
		model = t.imageModel
	}

	resp, err := t.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         req.Prompt,
		Model:          model,
		N:              1,
		Size:           openai.CreateImageSize1024x1024,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return nil, mapProviderError(err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("%w: provider returned no images", ErrInvalidResponse)
	}

	result := &ImageResult{Images: make([]ImageData, 0, len(resp.Data))}
	for _, img := range resp.Data {
		if img.RevisedPrompt != "" && result.Text == "" {
			result.Text = img.RevisedPrompt
		}
		result.Images = append(result.Images, ImageData{
			Base64Data: img.B64JSON,
			MimeType:   "image/png",
		})
	}
	if result.Text == "" {
		result.Text = req.Prompt
	}
	return result, nil
}

func (t *DirectTransport) generateDocumentation(ctx context.Context, req DocumentationRequest) (*DocumentationResult, error) {
	instruction := req.SystemInstruction
	if instruction == "" {
		instruction = documentationInstruction
	}

	text, err := t.complete(ctx, req.Model, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: instruction},
		{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
	})
	if err != nil {
		return nil, err
	}
	return &DocumentationResult{Text: text}, nil
}

func (t *DirectTransport) translate(ctx context.Context, req TranslateRequest) (*TranslationResult, error) {
	from := "the detected source language"
	if req.SourceLanguage != "" {
		from = req.SourceLanguage
	}
	instruction := fmt.Sprintf(
		"Translate the user's text from %s to %s. Respond with the translation only.",
		from, req.TargetLanguage)

	text, err := t.complete(ctx, req.Model, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: instruction},
		{Role: openai.ChatMessageRoleUser, Content: req.Text},
	})
	if err != nil {
		return nil, err
	}
	return &TranslationResult{
		TranslatedText: text,
		SourceLanguage: req.SourceLanguage,
		TargetLanguage: req.TargetLanguage,
	}, nil
}

func (t *DirectTransport) analyzeImage(ctx context.Context, req AnalyzeImageRequest) (*TextResult, error) {
	dataURI := "data:" + req.Image.MimeType + ";base64," + req.Image.Base64Data

	text, err := t.complete(ctx, req.Model, []openai.ChatCompletionMessage{{
		Role: openai.ChatMessageRoleUser,
		MultiContent: []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: req.Prompt},
			{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: dataURI}},
		},
	}})
	if err != nil {
		return nil, err
	}
	return &TextResult{Text: text}, nil
}

func (t *DirectTransport) summarize(ctx context.Context, req SummarizeRequest) (*TextResult, error) {
	var transcript strings.Builder
	for _, m := range req.History {
		fmt.Fprintf(&transcript, "%s: %s\n", m.Role, m.Content)
	}

	text, err := t.complete(ctx, req.Model, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: summarizeInstruction},
		{Role: openai.ChatMessageRoleUser, Content: transcript.String()},
	})
	if err != nil {
		return nil, err
	}
	return &TextResult{Text: text}, nil
}

// complete runs a chat completion and returns the first choice's content.
func (t *DirectTransport) complete(ctx context.Context, model string, messages []openai.ChatCompletionMessage) (string, error) {
	resp, err := t.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    t.modelFor(model),
		Messages: messages,
	})
	if err != nil {
		return "", mapProviderError(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: provider returned no choices", ErrInvalidResponse)
	}
	return resp.Choices[0].Message.Content, nil
}

func (t *DirectTransport) modelFor(override string) string {
	if override != "" {
		return override
	}
	return t.model
}

func chatMessages(instruction string, history []Message) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	if instruction != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: instruction,
		})
	}
	for _, m := range history {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    providerRole(m.Role),
			Content: m.Content,
		})
	}
	return messages
}

func providerRole(role string) string {
	switch role {
	case RoleModel, RoleAssistant:
		return openai.ChatMessageRoleAssistant
	case RoleSystem:
		return openai.ChatMessageRoleSystem
	default:
		return openai.ChatMessageRoleUser
	}
}

// mapProviderError attaches the provider's HTTP status so the proxy
// classifier treats direct failures like proxy failures.
func mapProviderError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return NewStatusCodeError(apiErr.HTTPStatusCode, fmt.Errorf("provider error: %w", err))
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return NewStatusCodeError(reqErr.HTTPStatusCode, fmt.Errorf("provider request error: %w", err))
	}
	return fmt.Errorf("provider request failed: %w", err)
}
