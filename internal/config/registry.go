package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/leadflow/pkg/provider/chat"
	"github.com/MrWong99/leadflow/pkg/provider/llm"
)

// ErrProviderNotRegistered is returned by the Create methods when no factory
// is registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// LLMFactory builds an LLM provider from its config entry.
type LLMFactory func(entry ProviderEntry) (llm.Provider, error)

// ChatFactory builds a chat backend. model is the resolved LLM provider,
// which backends that answer locally use to generate replies.
type ChatFactory func(entry ProviderEntry, model llm.Provider) (chat.Backend, error)

// factories is a name-keyed table of one kind of constructor.
type factories[F any] struct {
	kind string
	mu   sync.RWMutex
	m    map[string]F
}

func (f *factories[F]) set(name string, fn F) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.m == nil {
		f.m = make(map[string]F)
	}
	f.m[name] = fn
}

func (f *factories[F]) get(name string) (F, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fn, ok := f.m[name]
	if !ok {
		return fn, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, name)
	}
	return fn, nil
}

func (f *factories[F]) names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.m))
	for name := range f.m {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Registry resolves the provider names in [ProvidersConfig] to constructors.
// Registering a name again replaces the earlier factory. It is safe for
// concurrent use.
type Registry struct {
	llm  factories[LLMFactory]
	chat factories[ChatFactory]
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:  factories[LLMFactory]{kind: "llm"},
		chat: factories[ChatFactory]{kind: "chat"},
	}
}

// RegisterLLM registers an LLM factory under name.
func (r *Registry) RegisterLLM(name string, factory LLMFactory) { r.llm.set(name, factory) }

// RegisterChat registers a chat backend factory under name.
func (r *Registry) RegisterChat(name string, factory ChatFactory) { r.chat.set(name, factory) }

// LLMNames and ChatNames list the registered names in sorted order.
func (r *Registry) LLMNames() []string { return r.llm.names() }

// ChatNames lists the registered chat backend names in sorted order.
func (r *Registry) ChatNames() []string { return r.chat.names() }

// CreateLLM builds the provider registered under entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	mk, err := r.llm.get(entry.Name)
	if err != nil {
		return nil, err
	}
	return mk(entry)
}

// CreateChat builds the chat backend registered under entry.Name on top of
// model.
func (r *Registry) CreateChat(entry ProviderEntry, model llm.Provider) (chat.Backend, error) {
	mk, err := r.chat.get(entry.Name)
	if err != nil {
		return nil, err
	}
	return mk(entry, model)
}
