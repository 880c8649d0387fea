package aiproxy

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Result is the closed set of payloads returned by typed operations:
// *ImageResult, *SearchResult, *DocumentationResult, *TranslationResult,
// *TextResult and *StreamResult. Each one names the fields a response must
// carry; a response missing one of them is an invalid response.
type Result interface {
	requiredFields() []string
}

// ImageResult is the payload of GenerateImage.
type ImageResult struct {
	Text   string      `json:"text"`
	Images []ImageData `json:"images"`
}

// Source is a web source backing a grounded search answer.
type Source struct {
	URI   string `json:"uri"`
	Title string `json:"title"`
}

// SearchResult is the payload of GroundedSearch.
type SearchResult struct {
	Text    string   `json:"text"`
	Sources []Source `json:"sources,omitempty"`
}

// Section is one titled part of generated documentation.
type Section struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// DocumentationResult is the payload of GenerateDocumentation.
type DocumentationResult struct {
	Text     string    `json:"text"`
	Sections []Section `json:"sections,omitempty"`
}

// TranslationResult is the payload of TranslateText.
type TranslationResult struct {
	TranslatedText string `json:"translatedText"`
	SourceLanguage string `json:"sourceLanguage,omitempty"`
	TargetLanguage string `json:"targetLanguage,omitempty"`
}

// TextResult is the payload of GenerateText, AnalyzeImage and
// SummarizeConversation, and the aggregate returned by StreamText.
type TextResult struct {
	Text string `json:"text"`
}

// StreamResult is the wire payload of the stream-text operation.
type StreamResult struct {
	Chunks []string `json:"chunks"`
}

func (*ImageResult) requiredFields() []string         { return []string{"text", "images"} }
func (*SearchResult) requiredFields() []string        { return []string{"text"} }
func (*DocumentationResult) requiredFields() []string { return []string{"text"} }
func (*TranslationResult) requiredFields() []string   { return []string{"translatedText"} }
func (*TextResult) requiredFields() []string          { return []string{"text"} }
func (*StreamResult) requiredFields() []string        { return []string{"chunks"} }

var nullJSON = []byte("null")

// DecodeResult validates data against dst's shape and decodes it into dst.
// Every failure wraps ErrInvalidResponse.
func DecodeResult(data json.RawMessage, dst Result) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("%w: data is not an object: %v", ErrInvalidResponse, err)
	}
	if fields == nil {
		return fmt.Errorf("%w: data is null", ErrInvalidResponse)
	}

	for _, name := range dst.requiredFields() {
		raw, ok := fields[name]
		if !ok || bytes.Equal(bytes.TrimSpace(raw), nullJSON) {
			return fmt.Errorf("%w: missing field %q", ErrInvalidResponse, name)
		}
	}

	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}
