// Package anyllm adapts github.com/mozilla-ai/any-llm-go to [llm.Provider],
// giving the classifier and the finalization stages one code path for every
// hosted or local model backend the library supports.
//
//	p, err := anyllm.New("groq", "llama-3.3-70b-versatile", anyllmlib.WithAPIKey(key))
package anyllm

import (
	"context"
	"fmt"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/leadflow/pkg/provider/llm"
)

type factory func(...anyllmlib.Option) (anyllmlib.Provider, error)

// backends maps config names to any-llm-go constructors. Hosted backends
// read their key from the environment (GROQ_API_KEY, ...) when no
// [anyllmlib.WithAPIKey] option is given; local ones need none.
var backends = map[string]factory{
	"groq":      func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return groq.New(o...) },
	"openai":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anyllmoai.New(o...) },
	"anthropic": func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anthropic.New(o...) },
	"gemini":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return gemini.New(o...) },
	"deepseek":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return deepseek.New(o...) },
	"mistral":   func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return mistral.New(o...) },
	"ollama":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return ollama.New(o...) },
	"llamacpp":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamacpp.New(o...) },
	"llamafile": func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamafile.New(o...) },
}

// localBackends run on the operator's machine and take no API key.
var localBackends = map[string]bool{"ollama": true, "llamacpp": true, "llamafile": true}

// Backends returns the supported backend names in sorted order.
func Backends() []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// IsLocal reports whether backend is a self-hosted server reached by URL
// rather than by API key.
func IsLocal(backend string) bool { return localBackends[strings.ToLower(backend)] }

// Provider implements [llm.Provider] on top of one any-llm-go backend.
type Provider struct {
	backend anyllmlib.Provider
	name    string
	model   string
}

var _ llm.Provider = (*Provider)(nil)

// New creates a Provider for model on the named backend (see [Backends]).
// opts are passed to the backend constructor unchanged.
func New(backend, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}
	name := strings.ToLower(backend)
	mk, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("anyllm: unsupported backend %q (supported: %s)", backend, strings.Join(Backends(), ", "))
	}
	b, err := mk(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %s backend: %w", name, err)
	}
	return &Provider{backend: b, name: name, model: model}, nil
}

// Name returns the backend name, e.g. "groq".
func (p *Provider) Name() string { return p.name }

// Complete implements [llm.Provider]. ResponseSchema is not forwarded: the
// backends share no structured-output option, so callers parse free text.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.backend.Completion(ctx, p.buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s completion: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("anyllm: %s returned no choices", p.name)
	}

	out := &llm.CompletionResponse{Content: resp.Choices[0].Message.ContentString()}
	if u := resp.Usage; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
	return out, nil
}

// CountTokens implements [llm.Provider] with the shared heuristic.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	return llm.EstimateTokens(messages), nil
}

// Capabilities implements [llm.Provider].
func (p *Provider) Capabilities() llm.ModelCapabilities {
	return modelCapabilities(p.model)
}

// buildParams leaves a nil Temperature unset so the backend default applies
// and forwards an explicit zero.
func (p *Provider) buildParams(req llm.CompletionRequest) anyllmlib.CompletionParams {
	msgs := make([]anyllmlib.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, anyllmlib.Message{Role: m.Role, Content: m.Content, Name: m.Name})
	}

	params := anyllmlib.CompletionParams{Model: p.model, Messages: msgs}
	if req.Temperature != nil {
		t := *req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		n := req.MaxTokens
		params.MaxTokens = &n
	}
	return params
}

// capRule applies caps to models whose lower-cased name matches.
type capRule struct {
	match  func(model string) bool
	window int
	output int
}

func prefix(p string) func(string) bool { return func(m string) bool { return strings.HasPrefix(m, p) } }
func suffix(s string) func(string) bool { return func(m string) bool { return strings.HasSuffix(m, s) } }
func contains(s string) func(string) bool { return func(m string) bool { return strings.Contains(m, s) } }

// capRules is ordered: the first match wins. Zero fields keep the default.
var capRules = []capRule{
	// Groq-hosted open models.
	{match: suffix("-8192"), window: 8_192},
	{match: prefix("llama-3.1"), window: 131_072, output: 8_192},
	{match: prefix("llama-3.3"), window: 131_072, output: 8_192},
	{match: prefix("mixtral-8x7b"), window: 32_768},

	{match: prefix("gpt-4o"), output: 16_384},
	{match: prefix("gpt-4-turbo")},
	{match: prefix("gpt-4"), window: 8_192},
	{match: prefix("gpt-3.5-turbo"), window: 16_385},

	{match: contains("claude-3-opus"), window: 200_000},
	{match: prefix("claude"), window: 200_000, output: 8_192},

	{match: contains("gemini-1.5-pro"), window: 2_097_152, output: 8_192},
	{match: prefix("gemini"), window: 1_048_576, output: 8_192},
}

func modelCapabilities(model string) llm.ModelCapabilities {
	caps := llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 4_096}
	lower := strings.ToLower(model)
	for _, r := range capRules {
		if !r.match(lower) {
			continue
		}
		if r.window > 0 {
			caps.ContextWindow = r.window
		}
		if r.output > 0 {
			caps.MaxOutputTokens = r.output
		}
		break
	}
	return caps
}
