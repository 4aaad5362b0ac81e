package resilience

import (
	"context"

	"github.com/MrWong99/leadflow/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with failover across the configured
// LLM backends. Each backend has its own circuit breaker; when the primary
// fails or its breaker is open, the next healthy backend answers instead.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional LLM provider as a fallback.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Complete sends the request to the first healthy provider.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(ctx, f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// CountTokens uses the primary's estimator. Token counting is local and does
// not trip breakers.
func (f *LLMFallback) CountTokens(messages []llm.Message) (int, error) {
	return f.group.Primary().CountTokens(messages)
}

// Capabilities returns the capabilities of the primary.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	return f.group.Primary().Capabilities()
}

// States reports the breaker state of every backend keyed by name.
func (f *LLMFallback) States() map[string]State { return f.group.States() }

// Healthy reports whether at least one backend admits calls. It backs the
// readiness probe.
func (f *LLMFallback) Healthy() bool { return f.group.Healthy() }
