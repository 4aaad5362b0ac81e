// Package llmthread implements chat.Backend with threads kept in process
// memory and answered by any llm.Provider. It serves model APIs that have no
// hosted threads concept, such as Groq or a local Ollama.
package llmthread

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/MrWong99/leadflow/pkg/provider/chat"
	"github.com/MrWong99/leadflow/pkg/provider/llm"
)

// DefaultSystemPrompt steers the model through the lead-qualification chat.
const DefaultSystemPrompt = "You are a friendly sales assistant. Help the customer find the right " +
	"product and collect their name, email, phone number, company, product interest and a " +
	"preferred date (DD/MM/YYYY) and time for a demo meeting. Ask for missing details one at a " +
	"time and keep answers short."

// DefaultMaxMessages bounds the history sent with each completion.
const DefaultMaxMessages = 40

// promptShare is the part of the model's context window the prompt may fill
// when no explicit token budget is set. The rest is left for the reply.
const promptShare = 0.75

// Backend implements chat.Backend.
type Backend struct {
	provider     llm.Provider
	systemPrompt string
	maxMessages  int
	maxTokens    int
	temperature  *float64

	mu      sync.Mutex
	threads map[string][]llm.Message
}

var _ chat.Backend = (*Backend)(nil)

// Option is a functional option for Backend.
type Option func(*Backend)

// WithSystemPrompt replaces [DefaultSystemPrompt].
func WithSystemPrompt(prompt string) Option {
	return func(b *Backend) {
		if prompt != "" {
			b.systemPrompt = prompt
		}
	}
}

// WithMaxMessages caps how many of the most recent messages are sent to the
// model. Values below 2 are ignored.
func WithMaxMessages(n int) Option {
	return func(b *Backend) {
		if n >= 2 {
			b.maxMessages = n
		}
	}
}

// WithMaxTokens caps the estimated prompt size, system prompt included.
// The oldest messages are dropped until the prompt fits; the newest message
// is always sent. Without it the budget is three quarters of the model's
// context window, or unlimited when the window is unknown.
func WithMaxTokens(n int) Option {
	return func(b *Backend) {
		if n > 0 {
			b.maxTokens = n
		}
	}
}

// WithTemperature sets the sampling temperature for replies.
func WithTemperature(t float64) Option {
	return func(b *Backend) { b.temperature = llm.Temp(t) }
}

// New creates a Backend answering through provider.
func New(provider llm.Provider, opts ...Option) (*Backend, error) {
	if provider == nil {
		return nil, errors.New("llmthread: provider must not be nil")
	}
	b := &Backend{
		provider:     provider,
		systemPrompt: DefaultSystemPrompt,
		maxMessages:  DefaultMaxMessages,
		threads:      make(map[string][]llm.Message),
	}
	for _, o := range opts {
		o(b)
	}
	if b.maxTokens == 0 {
		b.maxTokens = int(float64(provider.Capabilities().ContextWindow) * promptShare)
	}
	return b, nil
}

// NewThread implements chat.Backend.
func (b *Backend) NewThread(_ context.Context) (string, error) {
	id := "thread_" + uuid.NewString()
	b.mu.Lock()
	b.threads[id] = nil
	b.mu.Unlock()
	return id, nil
}

// DeleteThread implements chat.Backend.
func (b *Backend) DeleteThread(_ context.Context, threadID string) error {
	b.mu.Lock()
	delete(b.threads, threadID)
	b.mu.Unlock()
	return nil
}

// Send implements chat.Backend. The user message stays in the thread even if
// the completion fails, matching a hosted thread where the message is created
// before the run.
func (b *Backend) Send(ctx context.Context, threadID, message string) (string, error) {
	b.mu.Lock()
	history, ok := b.threads[threadID]
	if !ok {
		b.mu.Unlock()
		return "", fmt.Errorf("llmthread: %w: %s", chat.ErrUnknownThread, threadID)
	}
	history = append(history, llm.Message{Role: "user", Content: message})
	b.threads[threadID] = history
	window := history
	if len(window) > b.maxMessages {
		window = window[len(window)-b.maxMessages:]
	}
	msgs := make([]llm.Message, len(window))
	copy(msgs, window)
	b.mu.Unlock()

	msgs = b.fit(msgs)
	resp, err := b.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: b.systemPrompt,
		Messages:     msgs,
		Temperature:  b.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("llmthread: complete: %w", err)
	}

	reply := strings.TrimSpace(resp.Content)
	if reply == "" {
		return chat.FallbackReply, nil
	}

	b.mu.Lock()
	if h, ok := b.threads[threadID]; ok {
		b.threads[threadID] = append(h, llm.Message{Role: "assistant", Content: reply})
	}
	b.mu.Unlock()
	return reply, nil
}

// fit drops the oldest messages until the prompt fits the token budget.
func (b *Backend) fit(msgs []llm.Message) []llm.Message {
	if b.maxTokens <= 0 {
		return msgs
	}
	system := llm.Message{Role: "system", Content: b.systemPrompt}
	for len(msgs) > 1 {
		n, err := b.provider.CountTokens(append([]llm.Message{system}, msgs...))
		if err != nil {
			n = llm.EstimateTokens(append([]llm.Message{system}, msgs...))
		}
		if n <= b.maxTokens {
			break
		}
		msgs = msgs[1:]
	}
	return msgs
}

// Len returns the number of live threads.
func (b *Backend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.threads)
}
