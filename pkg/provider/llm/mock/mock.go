// Package mock is a scriptable [llm.Provider] for tests of the classifier,
// the llm chat backend and the finalization stages.
//
//	p := mock.Replies("no", "no", "yes") // a classifier that ends on turn 3
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/leadflow/pkg/provider/llm"
)

// CompleteCall is one recorded Complete invocation.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider answers Complete from, in order of precedence: CompleteFunc, the
// queue built by [Replies], then CompleteResponse and CompleteErr. Set the
// fields before the first call.
type Provider struct {
	// CompleteFunc computes the answer per request, e.g. by system prompt.
	CompleteFunc func(req llm.CompletionRequest) (*llm.CompletionResponse, error)

	CompleteResponse *llm.CompletionResponse
	CompleteErr      error

	// TokenCount is returned by CountTokens; negative falls back to
	// [llm.EstimateTokens].
	TokenCount int

	ModelCapabilities llm.ModelCapabilities

	mu      sync.Mutex
	replies []string
	calls   []CompleteCall
}

var _ llm.Provider = (*Provider)(nil)

// Replies returns a Provider answering successive calls with contents in
// order. Once they run out it repeats the last one.
func Replies(contents ...string) *Provider {
	return &Provider{replies: contents}
}

// Complete records the call and returns the scripted answer.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.calls = append(p.calls, CompleteCall{Ctx: ctx, Req: req})
	fn := p.CompleteFunc
	var scripted *llm.CompletionResponse
	if n := len(p.replies); n > 0 {
		scripted = &llm.CompletionResponse{Content: p.replies[0]}
		if n > 1 {
			p.replies = p.replies[1:]
		}
	}
	resp, err := p.CompleteResponse, p.CompleteErr
	p.mu.Unlock()

	switch {
	case fn != nil:
		return fn(req)
	case scripted != nil:
		return scripted, nil
	}
	return resp, err
}

// CountTokens returns TokenCount.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	if p.TokenCount < 0 {
		return llm.EstimateTokens(messages), nil
	}
	return p.TokenCount, nil
}

// Capabilities returns ModelCapabilities.
func (p *Provider) Capabilities() llm.ModelCapabilities { return p.ModelCapabilities }

// Calls returns a copy of the recorded Complete calls.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]CompleteCall(nil), p.calls...)
}

// SystemPrompts returns the system prompt of every recorded call in order.
func (p *Provider) SystemPrompts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	for i, c := range p.calls {
		out[i] = c.Req.SystemPrompt
	}
	return out
}

// Reset forgets the recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
}
