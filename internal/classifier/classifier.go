// Package classifier decides whether a chat message ends the conversation.
//
// A [Classifier] asks an LLM a single yes/no question about the latest user
// message. It fails closed: provider errors, an open circuit breaker and any
// answer that does not start with "yes" all keep the conversation going.
package classifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/leadflow/internal/observe"
	"github.com/MrWong99/leadflow/internal/resilience"
	"github.com/MrWong99/leadflow/pkg/provider/llm"
)

// DefaultPrompt is the system instruction used when none is configured.
const DefaultPrompt = "You are monitoring a sales chat that collects the customer's name, email, " +
	"product interest and preferred demo time. Decide whether the conversation is finished: " +
	"the user has provided all of those details or clearly wants to end the chat. " +
	"Answer with yes or no only."

// Classifier reports whether a user message signals the end of a chat.
// It is safe for concurrent use.
type Classifier struct {
	provider llm.Provider
	breaker  *resilience.CircuitBreaker
	metrics  *observe.Metrics

	mu     sync.RWMutex
	prompt string
}

// Option configures a [Classifier].
type Option func(*Classifier)

// WithPrompt overrides [DefaultPrompt]. An empty prompt is ignored.
func WithPrompt(prompt string) Option {
	return func(c *Classifier) {
		if strings.TrimSpace(prompt) != "" {
			c.prompt = prompt
		}
	}
}

// WithBreaker puts cb in front of every completion request. Without a
// breaker each call goes straight to the provider.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Classifier) { c.breaker = cb }
}

// WithMetrics records decisions into m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Classifier) { c.metrics = m }
}

// New creates a Classifier backed by provider.
func New(provider llm.Provider, opts ...Option) (*Classifier, error) {
	if provider == nil {
		return nil, errors.New("classifier: provider must not be nil")
	}
	c := &Classifier{provider: provider, prompt: DefaultPrompt}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c, nil
}

// Prompt returns the system instruction currently in use.
func (c *Classifier) Prompt() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.prompt
}

// SetPrompt swaps the system instruction. An empty prompt restores
// [DefaultPrompt]. Used by config hot reload.
func (c *Classifier) SetPrompt(prompt string) {
	if strings.TrimSpace(prompt) == "" {
		prompt = DefaultPrompt
	}
	c.mu.Lock()
	c.prompt = prompt
	c.mu.Unlock()
}

// Classify returns true iff the model answers "yes" for message.
func (c *Classifier) Classify(ctx context.Context, message string) bool {
	ctx, span := observe.StartSpan(ctx, "classifier.classify")
	defer span.End()

	var answer string
	call := func() error {
		resp, err := c.provider.Complete(ctx, llm.CompletionRequest{
			SystemPrompt: c.Prompt(),
			Messages:     []llm.Message{{Role: "user", Content: message}},
			Temperature:  llm.Temp(0),
			MaxTokens:    1,
		})
		if err != nil {
			return err
		}
		if resp == nil {
			return errors.New("classifier: empty completion")
		}
		answer = resp.Content
		return nil
	}

	start := time.Now()
	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(call)
	} else {
		err = call()
	}
	c.metrics.RecordLLM(ctx, time.Since(start), err)

	log := observe.Logger(ctx)
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		log.Warn("classifier: circuit open, treating as not finished")
		c.metrics.RecordClassifierDecision(ctx, "circuit_open")
		return false
	case err != nil:
		log.Warn("classifier: completion failed, treating as not finished", "err", err)
		c.metrics.RecordClassifierDecision(ctx, "error")
		return false
	}

	done := IsYes(answer)
	result := "no"
	if done {
		result = "yes"
	}
	c.metrics.RecordClassifierDecision(ctx, result)
	log.Debug("classifier: decision", "answer", answer, "done", done)
	return done
}

// IsYes reports whether answer, trimmed and lower-cased, starts with "yes".
func IsYes(answer string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(answer)), "yes")
}
