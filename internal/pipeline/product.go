package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/leadflow/internal/mail"
	"github.com/MrWong99/leadflow/pkg/provider/llm"
)

const productSystemPrompt = "You are an assistant that suggests product resources."

const productPromptTemplate = "Based on this conversation, recommend the single best product for the lead. " +
	"Respond in JSON with keys: product_name, video_link, document_link.\n\nConversation:\n%s"

const productBodyTemplate = `Hello,

Thank you for chatting with our AI assistant. Based on your interests, we recommend %s.

Watch the product overview video:
%s

Read the detailed documentation:
%s

If you have any further questions, feel free to reply to this email.

Best regards,
AI Support Team
`

var recommendationSchema = &llm.ResponseSchema{
	Name:        "product_recommendation",
	Description: "The single best product for the lead with its resources.",
	Schema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"product_name":  map[string]any{"type": "string"},
			"video_link":    map[string]any{"type": "string"},
			"document_link": map[string]any{"type": "string"},
		},
		"required":             []string{"product_name", "video_link", "document_link"},
		"additionalProperties": false,
	},
}

// ProductEmail recommends a product with the LLM and mails its resources to
// the customer found in the transcript.
type ProductEmail struct {
	resolver *Resolver
	provider llm.Provider
	sender   mail.Sender
}

var (
	_ Stage     = (*ProductEmail)(nil)
	_ Describer = (*ProductEmail)(nil)
)

// NewProductEmail creates the product_email stage.
func NewProductEmail(resolver *Resolver, provider llm.Provider, sender mail.Sender) (*ProductEmail, error) {
	if resolver == nil || provider == nil || sender == nil {
		return nil, errors.New("pipeline: product_email requires a resolver, an LLM and a mail sender")
	}
	return &ProductEmail{resolver: resolver, provider: provider, sender: sender}, nil
}

// Name implements [Stage].
func (p *ProductEmail) Name() string { return StageProductEmail }

// Run implements [Stage].
func (p *ProductEmail) Run(ctx context.Context, st *State) error {
	_, content, err := p.resolver.Resolve(ctx, st)
	if err != nil {
		return err
	}
	customer, ok := FirstEmail(content)
	if !ok {
		return ErrNoCustomerEmail
	}

	req := llm.CompletionRequest{
		SystemPrompt: productSystemPrompt,
		Messages:     []llm.Message{{Role: "user", Content: fmt.Sprintf(productPromptTemplate, content)}},
		Temperature:  llm.Temp(0.2),
	}
	if p.provider.Capabilities().SupportsStructuredOutput {
		req.ResponseSchema = recommendationSchema
	}
	resp, err := p.provider.Complete(ctx, req)
	if err != nil {
		return fmt.Errorf("pipeline: recommend product: %w", err)
	}
	rec, err := ParseRecommendation(resp.Content)
	if err != nil {
		return err
	}

	msg := mail.Message{
		To:      customer,
		Subject: "Resources for " + rec.ProductName,
		Body:    fmt.Sprintf(productBodyTemplate, rec.ProductName, rec.VideoLink, rec.DocumentLink),
	}
	if err := p.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("pipeline: send product email: %w", err)
	}

	st.CustomerEmail = customer
	st.ProductName = rec.ProductName
	st.VideoLink = rec.VideoLink
	st.DocumentLink = rec.DocumentLink
	return nil
}

// Describe implements [Describer].
func (p *ProductEmail) Describe(st State) string {
	return "Sent recommendations to " + st.CustomerEmail
}
