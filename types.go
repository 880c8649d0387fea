package aiproxy

import (
	"fmt"
	"strings"
)

// Role of a conversation message.
const (
	RoleUser      = "user"
	RoleModel     = "model"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ImageData is an inline image.
type ImageData struct {
	Base64Data string `json:"base64Data"`
	MimeType   string `json:"mimeType"`
}

// TextRequest is the input of GenerateText and StreamText.
type TextRequest struct {
	Prompt            string    `json:"prompt"`
	Model             string    `json:"model,omitempty"`
	SystemInstruction string    `json:"systemInstruction,omitempty"`
	History           []Message `json:"history,omitempty"`
}

// ImageRequest is the input of GenerateImage.
type ImageRequest struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model,omitempty"`
}

// SearchRequest is the input of GroundedSearch.
type SearchRequest struct {
	Query string `json:"query"`
	Model string `json:"model,omitempty"`
}

// DocumentationRequest is the input of GenerateDocumentation.
type DocumentationRequest struct {
	Prompt            string `json:"prompt"`
	Model             string `json:"model,omitempty"`
	SystemInstruction string `json:"systemInstruction,omitempty"`
}

// TranslateRequest is the input of TranslateText.
type TranslateRequest struct {
	Text           string `json:"text"`
	TargetLanguage string `json:"targetLanguage"`
	SourceLanguage string `json:"sourceLanguage,omitempty"`
	Model          string `json:"model,omitempty"`
}

// AnalyzeImageRequest is the input of AnalyzeImage.
type AnalyzeImageRequest struct {
	Prompt string    `json:"prompt"`
	Image  ImageData `json:"image"`
	Model  string    `json:"model,omitempty"`
}

// SummarizeRequest is the input of SummarizeConversation.
type SummarizeRequest struct {
	Model   string    `json:"model,omitempty"`
	History []Message `json:"history"`
}

func requireText(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s must not be empty", ErrInvalidRequest, field)
	}
	return nil
}

func (r TextRequest) validate() error {
	return requireText("prompt", r.Prompt)
}

func (r ImageRequest) validate() error {
	return requireText("prompt", r.Prompt)
}

func (r SearchRequest) validate() error {
	return requireText("query", r.Query)
}

func (r DocumentationRequest) validate() error {
	return requireText("prompt", r.Prompt)
}

func (r TranslateRequest) validate() error {
	if err := requireText("text", r.Text); err != nil {
		return err
	}
	return requireText("target language", r.TargetLanguage)
}

func (r AnalyzeImageRequest) validate() error {
	if err := requireText("prompt", r.Prompt); err != nil {
		return err
	}
	if err := requireText("image data", r.Image.Base64Data); err != nil {
		return err
	}
	return requireText("image mime type", r.Image.MimeType)
}

func (r SummarizeRequest) validate() error {
	if len(r.History) == 0 {
		return fmt.Errorf("%w: history must not be empty", ErrInvalidRequest)
	}
	return nil
}
