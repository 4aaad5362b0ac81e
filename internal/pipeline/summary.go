package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/leadflow/internal/mail"
	"github.com/MrWong99/leadflow/pkg/provider/llm"
)

const summarySystemPrompt = "You are an AI assistant that summarizes chat transcripts into structured emails."

const summaryPromptTemplate = `Extract the lead information from the following AI chat conversation and format it as a professional summary email to the sales team. Follow this format exactly:

Dear Sales Team,

Following a recent interaction with our AI agent, a new lead has been identified and is ready for follow-up. Please find the lead details below:

Lead Information
Name: <Name>
Email: <Email>
Phone: <Phone or "Not provided">
Company: <Company or "Not provided">
Product Interest: <Product Name>
Meeting Requested: <Yes/No, with the requested date and time if any>

Key Points
- <Short bullet points of the customer's needs and questions>

Next Steps
- <Recommended follow-up actions for the sales team>

Best regards,
AI Agent
AI Lead Management System

Chat Transcript:
%s
`

// SummaryEmail writes a lead summary with the LLM and mails it to the sales
// team.
type SummaryEmail struct {
	resolver *Resolver
	provider llm.Provider
	sender   mail.Sender
	receiver string
}

var (
	_ Stage     = (*SummaryEmail)(nil)
	_ Describer = (*SummaryEmail)(nil)
)

// NewSummaryEmail creates the summary_email stage. receiver is the sales
// team address.
func NewSummaryEmail(resolver *Resolver, provider llm.Provider, sender mail.Sender, receiver string) (*SummaryEmail, error) {
	if resolver == nil || provider == nil || sender == nil {
		return nil, errors.New("pipeline: summary_email requires a resolver, an LLM and a mail sender")
	}
	if receiver == "" {
		return nil, errors.New("pipeline: summary_email requires a sales receiver address")
	}
	return &SummaryEmail{resolver: resolver, provider: provider, sender: sender, receiver: receiver}, nil
}

// Name implements [Stage].
func (s *SummaryEmail) Name() string { return StageSummaryEmail }

// Run implements [Stage].
func (s *SummaryEmail) Run(ctx context.Context, st *State) error {
	_, content, err := s.resolver.Resolve(ctx, st)
	if err != nil {
		return err
	}

	resp, err := s.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: summarySystemPrompt,
		Messages:     []llm.Message{{Role: "user", Content: fmt.Sprintf(summaryPromptTemplate, content)}},
		Temperature:  llm.Temp(0.3),
	})
	if err != nil {
		return fmt.Errorf("pipeline: summarize transcript: %w", err)
	}

	body := CleanSummary(resp.Content)
	subject := "New Lead Identified – " + LeadName(body)
	if err := s.sender.Send(ctx, mail.Message{To: s.receiver, Subject: subject, Body: body}); err != nil {
		return fmt.Errorf("pipeline: send summary email: %w", err)
	}
	st.EmailStatus = "Sent summary email with subject: " + subject
	return nil
}

// Describe implements [Describer].
func (s *SummaryEmail) Describe(st State) string { return st.EmailStatus }
