// Package assistants implements chat.Backend on top of the OpenAI Assistants
// (Beta threads) API. The same client reaches Azure OpenAI when an Azure
// endpoint is configured.
//
// Each Send creates a user message, starts a run of the configured assistant,
// polls the run until it leaves the queued/in-progress states and finally
// reads back the newest message on the thread.
package assistants

import (
	"context"
	"errors"
	"fmt"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/leadflow/pkg/provider/chat"
	llmopenai "github.com/MrWong99/leadflow/pkg/provider/llm/openai"
)

// DefaultPollInterval is the delay between run status checks.
const DefaultPollInterval = 500 * time.Millisecond

// Backend implements chat.Backend using assistant threads and runs.
type Backend struct {
	client       oai.Client
	assistantID  string
	pollInterval time.Duration
}

var _ chat.Backend = (*Backend)(nil)

type config struct {
	endpoint     llmopenai.Endpoint
	pollInterval time.Duration
	extra        []option.RequestOption
}

// Option is a functional option for Backend.
type Option func(*config)

// WithBaseURL overrides the OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.endpoint.BaseURL = url }
}

// WithAzureEndpoint routes requests to an Azure OpenAI resource.
func WithAzureEndpoint(endpoint, apiVersion string) Option {
	return func(c *config) {
		c.endpoint.AzureEndpoint = endpoint
		c.endpoint.AzureAPIVersion = apiVersion
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.endpoint.Timeout = d }
}

// WithPollInterval sets how often a pending run is re-checked.
func WithPollInterval(d time.Duration) Option {
	return func(c *config) { c.pollInterval = d }
}

// WithRequestOptions appends raw SDK request options (e.g. retry limits).
func WithRequestOptions(opts ...option.RequestOption) Option {
	return func(c *config) { c.extra = append(c.extra, opts...) }
}

// New constructs a Backend for the assistant identified by assistantID.
func New(apiKey, assistantID string, opts ...Option) (*Backend, error) {
	if apiKey == "" {
		return nil, errors.New("assistants: apiKey must not be empty")
	}
	if assistantID == "" {
		return nil, errors.New("assistants: assistantID must not be empty")
	}
	cfg := &config{endpoint: llmopenai.Endpoint{APIKey: apiKey}, pollInterval: DefaultPollInterval}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.pollInterval <= 0 {
		cfg.pollInterval = DefaultPollInterval
	}

	reqOpts := append(cfg.endpoint.RequestOptions(), cfg.extra...)
	return &Backend{
		client:       oai.NewClient(reqOpts...),
		assistantID:  assistantID,
		pollInterval: cfg.pollInterval,
	}, nil
}

// NewThread implements chat.Backend.
func (b *Backend) NewThread(ctx context.Context) (string, error) {
	thread, err := b.client.Beta.Threads.New(ctx, oai.BetaThreadNewParams{})
	if err != nil {
		return "", fmt.Errorf("assistants: create thread: %w", err)
	}
	return thread.ID, nil
}

// DeleteThread implements chat.Backend.
func (b *Backend) DeleteThread(ctx context.Context, threadID string) error {
	if _, err := b.client.Beta.Threads.Delete(ctx, threadID); err != nil {
		return fmt.Errorf("assistants: delete thread %s: %w", threadID, err)
	}
	return nil
}

// Send implements chat.Backend.
func (b *Backend) Send(ctx context.Context, threadID, message string) (string, error) {
	_, err := b.client.Beta.Threads.Messages.New(ctx, threadID, oai.BetaThreadMessageNewParams{
		Role: oai.BetaThreadMessageNewParamsRoleUser,
		Content: oai.BetaThreadMessageNewParamsContentUnion{
			OfString: oai.String(message),
		},
	})
	if err != nil {
		return "", fmt.Errorf("assistants: add message: %w", err)
	}

	run, err := b.client.Beta.Threads.Runs.New(ctx, threadID, oai.BetaThreadRunNewParams{
		AssistantID: b.assistantID,
	})
	if err != nil {
		return "", fmt.Errorf("assistants: create run: %w", err)
	}

	run, err = b.waitForRun(ctx, threadID, run)
	if err != nil {
		return "", err
	}
	if run.Status != oai.RunStatusCompleted {
		reason := string(run.Status)
		if run.LastError.Message != "" {
			reason += ": " + run.LastError.Message
		}
		return "", fmt.Errorf("%w (%s)", chat.ErrRunFailed, reason)
	}

	page, err := b.client.Beta.Threads.Messages.List(ctx, threadID, oai.BetaThreadMessageListParams{
		Order: oai.BetaThreadMessageListParamsOrderDesc,
		Limit: oai.Int(1),
	})
	if err != nil {
		return "", fmt.Errorf("assistants: list messages: %w", err)
	}
	for _, msg := range page.Data {
		for _, block := range msg.Content {
			if block.Type == "text" && block.Text.Value != "" {
				return block.Text.Value, nil
			}
		}
	}
	return chat.FallbackReply, nil
}

// waitForRun polls until the run reaches a terminal status.
func (b *Backend) waitForRun(ctx context.Context, threadID string, run *oai.Run) (*oai.Run, error) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for pending(run.Status) {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("assistants: wait for run %s: %w", run.ID, ctx.Err())
		case <-ticker.C:
		}
		next, err := b.client.Beta.Threads.Runs.Get(ctx, threadID, run.ID)
		if err != nil {
			return nil, fmt.Errorf("assistants: poll run %s: %w", run.ID, err)
		}
		run = next
	}
	return run, nil
}

func pending(s oai.RunStatus) bool {
	switch s {
	case oai.RunStatusQueued, oai.RunStatusInProgress, oai.RunStatusCancelling:
		return true
	}
	return false
}
