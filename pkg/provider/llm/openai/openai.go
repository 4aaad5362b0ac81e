// Package openai implements [llm.Provider] on the OpenAI chat completions
// API. The same [Endpoint] settings reach Azure OpenAI deployments and any
// OpenAI-compatible server, and are shared with the assistants chat backend.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/azure"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/leadflow/pkg/provider/llm"
)

// Endpoint describes how to reach an OpenAI-style API.
type Endpoint struct {
	APIKey string

	// BaseURL targets an OpenAI-compatible server (Groq, vLLM, llama.cpp).
	// Ignored when AzureEndpoint is set.
	BaseURL string

	Organization string

	// AzureEndpoint switches to Azure OpenAI: the key travels in the
	// "Api-Key" header and model names are deployment names.
	AzureEndpoint   string
	AzureAPIVersion string

	// Timeout bounds each HTTP request. Zero keeps the SDK default.
	Timeout time.Duration
}

// RequestOptions renders e as openai-go client options.
func (e Endpoint) RequestOptions() []option.RequestOption {
	var opts []option.RequestOption
	switch {
	case e.AzureEndpoint != "":
		opts = append(opts, azure.WithEndpoint(e.AzureEndpoint, e.AzureAPIVersion), azure.WithAPIKey(e.APIKey))
	case e.BaseURL != "":
		opts = append(opts, option.WithAPIKey(e.APIKey), option.WithBaseURL(e.BaseURL))
	default:
		opts = append(opts, option.WithAPIKey(e.APIKey))
	}
	if e.Organization != "" {
		opts = append(opts, option.WithOrganization(e.Organization))
	}
	if e.Timeout > 0 {
		opts = append(opts, option.WithHTTPClient(&http.Client{Timeout: e.Timeout}))
	}
	return opts
}

// Provider implements [llm.Provider] against one model or deployment.
type Provider struct {
	client oai.Client
	model  string
}

var _ llm.Provider = (*Provider)(nil)

// Option configures a [Provider].
type Option func(*Endpoint, *[]option.RequestOption)

// WithBaseURL targets an OpenAI-compatible server.
func WithBaseURL(url string) Option {
	return func(e *Endpoint, _ *[]option.RequestOption) { e.BaseURL = url }
}

// WithOrganization sets the OpenAI organization on every request.
func WithOrganization(org string) Option {
	return func(e *Endpoint, _ *[]option.RequestOption) { e.Organization = org }
}

// WithTimeout bounds each HTTP request.
func WithTimeout(d time.Duration) Option {
	return func(e *Endpoint, _ *[]option.RequestOption) { e.Timeout = d }
}

// WithAzureEndpoint routes requests to an Azure OpenAI resource; model is
// then the deployment name.
func WithAzureEndpoint(endpoint, apiVersion string) Option {
	return func(e *Endpoint, _ *[]option.RequestOption) {
		e.AzureEndpoint, e.AzureAPIVersion = endpoint, apiVersion
	}
}

// WithRequestOptions appends raw SDK options, e.g. a retry limit.
func WithRequestOptions(opts ...option.RequestOption) Option {
	return func(_ *Endpoint, extra *[]option.RequestOption) { *extra = append(*extra, opts...) }
}

// New returns a Provider for model authenticated with apiKey.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, errors.New("openai: model must not be empty")
	}
	ep := Endpoint{APIKey: apiKey}
	var extra []option.RequestOption
	for _, o := range opts {
		o(&ep, &extra)
	}
	return &Provider{
		client: oai.NewClient(append(ep.RequestOptions(), extra...)...),
		model:  model,
	}, nil
}

// Complete implements [llm.Provider].
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: response has no choices")
	}
	return &llm.CompletionResponse{
		Content: resp.Choices[0].Message.Content,
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

// CountTokens implements [llm.Provider] with the shared heuristic.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	return llm.EstimateTokens(messages), nil
}

// Capabilities implements [llm.Provider].
func (p *Provider) Capabilities() llm.ModelCapabilities {
	return modelCapabilities(p.model)
}

// modelFamilies lists OpenAI model prefixes in match order. Unlisted
// models get a 128k window, 4k output and no structured output.
var modelFamilies = []struct {
	prefixes   []string
	caps       llm.ModelCapabilities
	structured bool
}{
	{[]string{"gpt-4o", "gpt-4.1"}, llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 16_384}, true},
	{[]string{"gpt-4-turbo"}, llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 4_096}, false},
	{[]string{"gpt-4"}, llm.ModelCapabilities{ContextWindow: 8_192, MaxOutputTokens: 4_096}, false},
	{[]string{"gpt-3.5-turbo"}, llm.ModelCapabilities{ContextWindow: 16_385, MaxOutputTokens: 4_096}, false},
	{[]string{"o1", "o3", "o4"}, llm.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000}, true},
}

func modelCapabilities(model string) llm.ModelCapabilities {
	lower := strings.ToLower(model)
	for _, fam := range modelFamilies {
		for _, p := range fam.prefixes {
			if strings.HasPrefix(lower, p) {
				caps := fam.caps
				caps.SupportsStructuredOutput = fam.structured
				return caps
			}
		}
	}
	return llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 4_096}
}

func (p *Provider) buildParams(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	msgs := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, oai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		msgs = append(msgs, msg)
	}

	params := oai.ChatCompletionNewParams{Model: shared.ChatModel(p.model), Messages: msgs}
	if req.Temperature != nil {
		params.Temperature = param.NewOpt(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	if rs := req.ResponseSchema; rs != nil && p.Capabilities().SupportsStructuredOutput {
		params.ResponseFormat = oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{JSONSchema: jsonSchema(rs)},
		}
	}
	return params, nil
}

func jsonSchema(rs *llm.ResponseSchema) shared.ResponseFormatJSONSchemaJSONSchemaParam {
	s := shared.ResponseFormatJSONSchemaJSONSchemaParam{
		Name:   rs.Name,
		Schema: rs.Schema,
		Strict: param.NewOpt(true),
	}
	if rs.Description != "" {
		s.Description = param.NewOpt(rs.Description)
	}
	return s
}

func convertMessage(m llm.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case "system":
		return oai.SystemMessage(m.Content), nil
	case "user":
		return oai.UserMessage(m.Content), nil
	case "assistant":
		var asst oai.ChatCompletionAssistantMessageParam
		asst.Content.OfString = oai.String(m.Content)
		if m.Name != "" {
			asst.Name = oai.String(m.Name)
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil
	}
	return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unknown message role %q", m.Role)
}
