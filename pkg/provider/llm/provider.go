// Package llm defines the Provider interface for Large Language Model backends.
//
// A provider wraps a remote model API (Groq, OpenAI, Azure OpenAI, a local
// Ollama instance, ...) and exposes the single-shot completion call that the
// lead funnel needs: the completion classifier, the summary writer, the
// product recommender and the meeting-field extractor all talk to a model
// through this interface without coupling to any SDK.
//
// Implementors must be safe for concurrent use.
package llm

import "context"

// Message is a single entry in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user" or "assistant".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name.
	Name string
}

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ResponseSchema asks the model to answer with a JSON document matching
// Schema. Providers without native structured-output support ignore it; the
// caller must still be prepared to parse free text.
type ResponseSchema struct {
	// Name identifies the schema (letters, digits, underscores).
	Name string

	// Description is an optional hint for the model.
	Description string

	// Schema is a JSON Schema object.
	Schema map[string]any
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the response.
	Messages []Message

	// SystemPrompt is an optional high-priority instruction injected before the
	// conversation history as a "system" message.
	SystemPrompt string

	// Temperature controls output randomness. Nil means the provider default;
	// a pointer to 0 requests greedy decoding explicitly. Use [Temp].
	Temperature *float64

	// MaxTokens caps the number of completion tokens. Zero means provider default.
	MaxTokens int

	// ResponseSchema requests structured JSON output when non-nil.
	ResponseSchema *ResponseSchema
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// ModelCapabilities describes what a model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsStructuredOutput indicates that [CompletionRequest.ResponseSchema]
	// is honoured natively.
	SupportsStructuredOutput bool
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use from multiple goroutines and
// must return promptly when ctx is cancelled.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates the number of tokens the given messages would
	// consume in the model's context window. The result should not undercount.
	CountTokens(messages []Message) (int, error)

	// Capabilities returns static metadata about the underlying model.
	Capabilities() ModelCapabilities
}

// Temp returns a pointer to t for use in [CompletionRequest.Temperature].
func Temp(t float64) *float64 {
	return &t
}

// EstimateTokens is the shared ~4 characters per token approximation used by
// providers that have no tokenizer endpoint. It adds a small per-message
// overhead for role and formatting tokens.
func EstimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += (len(m.Content) + 3) / 4
		total += 4
	}
	return total
}
