package aiproxy

// Operation identifies a remote operation exposed by the proxy.
// Each operation maps to exactly one address on the proxy.
type Operation string

const (
	OpGenerateImage         Operation = "generate-image"
	OpGroundedSearch        Operation = "search"
	OpGenerateDocumentation Operation = "generate-documentation"
	OpTranslate             Operation = "translate"
	OpGenerateText          Operation = "generate-text"
	OpStreamText            Operation = "stream-text"
	OpAnalyzeImage          Operation = "analyze-image"
	OpSummarizeConversation Operation = "summarize-conversation"
	OpHealth                Operation = "health"
)

var failurePrefixes = map[Operation]string{
	OpGenerateImage:         "Failed to generate image",
	OpGroundedSearch:        "Failed to perform grounded search",
	OpGenerateDocumentation: "Failed to generate documentation",
	OpTranslate:             "Failed to translate text",
	OpGenerateText:          "Failed to generate text",
	OpStreamText:            "Failed to stream text",
	OpAnalyzeImage:          "Failed to analyze image",
	OpSummarizeConversation: "Failed to summarize conversation",
	OpHealth:                "Health check failed",
}

// Operations returns every operation that carries a request payload.
func Operations() []Operation {
	return []Operation{
		OpGenerateImage,
		OpGroundedSearch,
		OpGenerateDocumentation,
		OpTranslate,
		OpGenerateText,
		OpStreamText,
		OpAnalyzeImage,
		OpSummarizeConversation,
	}
}

// Valid reports whether o is a known operation.
func (o Operation) Valid() bool {
	_, ok := failurePrefixes[o]
	return ok
}

// FailurePrefix returns the user-facing prefix for errors of this operation,
// e.g. "Failed to generate image".
func (o Operation) FailurePrefix() string {
	if p, ok := failurePrefixes[o]; ok {
		return p
	}
	return "Failed to call " + string(o)
}

// String implements fmt.Stringer.
func (o Operation) String() string {
	return string(o)
}
