package pipeline

import (
	"context"
	"errors"
	"fmt"
	"html"
	"time"

	"github.com/MrWong99/leadflow/internal/calendar"
	"github.com/MrWong99/leadflow/pkg/provider/llm"
)

// Meeting defaults.
const (
	DefaultMeetingDuration = 30 * time.Minute
	DefaultTimezone        = "Asia/Kolkata"
	salesTeamName          = "Sales Team"
)

const meetingSystemPrompt = "You are an assistant. Extract the name, email, date, time, and interested product from the given text."

const meetingPromptTemplate = `This is a communication between a chatbot and human:
%s
Extract and return the following as a JSON object with the keys name, email, date, time and product:
- Name
- Email
- Date (DD/MM/YYYY)
- Time (for example 3:30 PM)
- Interested Product`

var meetingSchema = &llm.ResponseSchema{
	Name:        "meeting_request",
	Description: "Details needed to book the customer's demo meeting.",
	Schema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name":    map[string]any{"type": "string"},
			"email":   map[string]any{"type": "string"},
			"date":    map[string]any{"type": "string", "description": "DD/MM/YYYY"},
			"time":    map[string]any{"type": "string", "description": "h:mm AM/PM"},
			"product": map[string]any{"type": "string"},
		},
		"required":             []string{"name", "email", "date", "time", "product"},
		"additionalProperties": false,
	},
}

// MeetingConfig configures the schedule_meeting stage.
type MeetingConfig struct {
	// Location is the zone the customer's date and time are read in.
	// Defaults to Asia/Kolkata.
	Location *time.Location

	// Duration is the meeting length. Defaults to 30 minutes.
	Duration time.Duration

	// SalesTeamEmail is invited alongside the customer when set.
	SalesTeamEmail string
}

// ScheduleMeeting extracts the requested demo slot and books a Teams
// meeting.
type ScheduleMeeting struct {
	resolver  *Resolver
	provider  llm.Provider
	scheduler calendar.Scheduler
	cfg       MeetingConfig
}

var (
	_ Stage     = (*ScheduleMeeting)(nil)
	_ Describer = (*ScheduleMeeting)(nil)
)

// NewScheduleMeeting creates the schedule_meeting stage.
func NewScheduleMeeting(resolver *Resolver, provider llm.Provider, scheduler calendar.Scheduler, cfg MeetingConfig) (*ScheduleMeeting, error) {
	if resolver == nil || provider == nil || scheduler == nil {
		return nil, errors.New("pipeline: schedule_meeting requires a resolver, an LLM and a scheduler")
	}
	if cfg.Location == nil {
		loc, err := time.LoadLocation(DefaultTimezone)
		if err != nil {
			return nil, fmt.Errorf("pipeline: load %s: %w", DefaultTimezone, err)
		}
		cfg.Location = loc
	}
	if cfg.Duration <= 0 {
		cfg.Duration = DefaultMeetingDuration
	}
	return &ScheduleMeeting{resolver: resolver, provider: provider, scheduler: scheduler, cfg: cfg}, nil
}

// Name implements [Stage].
func (m *ScheduleMeeting) Name() string { return StageScheduleMeeting }

// Run implements [Stage].
func (m *ScheduleMeeting) Run(ctx context.Context, st *State) error {
	_, content, err := m.resolver.Resolve(ctx, st)
	if err != nil {
		return err
	}

	req := llm.CompletionRequest{
		SystemPrompt: meetingSystemPrompt,
		Messages:     []llm.Message{{Role: "user", Content: fmt.Sprintf(meetingPromptTemplate, content)}},
		Temperature:  llm.Temp(0.2),
	}
	if m.provider.Capabilities().SupportsStructuredOutput {
		req.ResponseSchema = meetingSchema
	}
	resp, err := m.provider.Complete(ctx, req)
	if err != nil {
		return fmt.Errorf("pipeline: extract meeting info: %w", err)
	}

	fields, err := ExtractMeetingFields(resp.Content)
	if err != nil {
		return err
	}
	start, err := ParseDayFirst(fields.Date, fields.Time, m.cfg.Location)
	if err != nil {
		return err
	}
	end := start.Add(m.cfg.Duration)

	ev := calendar.Event{
		Subject:   fmt.Sprintf("%s Demo with %s", fields.Product, fields.Name),
		BodyHTML:  fmt.Sprintf("<p>Let's connect to discuss %s.</p>", html.EscapeString(fields.Product)),
		Start:     start,
		End:       end,
		Attendees: []calendar.Attendee{{Name: fields.Name, Address: fields.Email}},
	}
	if m.cfg.SalesTeamEmail != "" {
		ev.Attendees = append(ev.Attendees, calendar.Attendee{Name: salesTeamName, Address: m.cfg.SalesTeamEmail})
	}

	meeting, err := m.scheduler.Schedule(ctx, ev)
	if err != nil {
		return fmt.Errorf("pipeline: book meeting: %w", err)
	}
	st.MeetingDetails = &MeetingDetails{
		JoinURL: meeting.JoinURL,
		Start:   start,
		End:     end,
		Subject: ev.Subject,
	}
	return nil
}

// Describe implements [Describer].
func (m *ScheduleMeeting) Describe(st State) string {
	if st.MeetingDetails == nil {
		return ""
	}
	return "Meeting scheduled: " + st.MeetingDetails.Subject
}
