package pipeline

import (
	"errors"

	"github.com/MrWong99/leadflow/internal/calendar"
	"github.com/MrWong99/leadflow/internal/mail"
	"github.com/MrWong99/leadflow/internal/transcript"
	"github.com/MrWong99/leadflow/pkg/provider/llm"
)

// Deps bundles what the default stages need.
type Deps struct {
	Store         transcript.Store
	LLM           llm.Provider
	Mail          mail.Sender
	Scheduler     calendar.Scheduler
	SalesReceiver string
	Meeting       MeetingConfig
}

// DefaultStages builds summary_email, product_email and schedule_meeting in
// that order, sharing one transcript resolver.
func DefaultStages(d Deps) ([]Stage, error) {
	if d.Store == nil {
		return nil, errors.New("pipeline: a transcript store is required")
	}
	resolver := NewResolver(d.Store)

	summary, err := NewSummaryEmail(resolver, d.LLM, d.Mail, d.SalesReceiver)
	if err != nil {
		return nil, err
	}
	product, err := NewProductEmail(resolver, d.LLM, d.Mail)
	if err != nil {
		return nil, err
	}
	meeting, err := NewScheduleMeeting(resolver, d.LLM, d.Scheduler, d.Meeting)
	if err != nil {
		return nil, err
	}
	return []Stage{summary, product, meeting}, nil
}
