// Package pipeline finalizes a finished conversation into a qualified lead.
//
// A [Pipeline] runs its [Stage]s in declared order over a shared [State]:
// the summary email to the sales team, the product resources email to the
// customer and the demo meeting booking. Each stage runs inside its own
// failure boundary, so an error or panic in one stage is recorded in the
// [Report] and the remaining stages still run.
//
// Stages may only add information to the State. A stage that changes a field
// that already held a value has the change reverted and the violation
// reported as [ErrFieldOverwrite].
package pipeline

import "time"

// MeetingDetails describes the booked demo meeting.
type MeetingDetails struct {
	JoinURL string    `json:"join_url"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Subject string    `json:"subject"`
}

// State is the record that flows through the stages.
type State struct {
	TranscriptPath string          `json:"transcript_path,omitempty"`
	CustomerEmail  string          `json:"customer_email,omitempty"`
	ProductName    string          `json:"product_name,omitempty"`
	VideoLink      string          `json:"video_link,omitempty"`
	DocumentLink   string          `json:"document_link,omitempty"`
	EmailStatus    string          `json:"email_status,omitempty"`
	MeetingDetails *MeetingDetails `json:"meeting_details,omitempty"`
}

// stringField pairs a State field name with its accessor.
type stringField struct {
	name string
	ptr  func(*State) *string
}

var stringFields = []stringField{
	{"transcript_path", func(s *State) *string { return &s.TranscriptPath }},
	{"customer_email", func(s *State) *string { return &s.CustomerEmail }},
	{"product_name", func(s *State) *string { return &s.ProductName }},
	{"video_link", func(s *State) *string { return &s.VideoLink }},
	{"document_link", func(s *State) *string { return &s.DocumentLink }},
	{"email_status", func(s *State) *string { return &s.EmailStatus }},
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	if s.MeetingDetails != nil {
		md := *s.MeetingDetails
		s.MeetingDetails = &md
	}
	return s
}

// enforceAddOnly restores every field of after that held a value in before
// and was changed. It returns the names of the restored fields.
func enforceAddOnly(before State, after *State) []string {
	var restored []string
	for _, f := range stringFields {
		old, cur := *f.ptr(&before), f.ptr(after)
		if old != "" && *cur != old {
			*cur = old
			restored = append(restored, f.name)
		}
	}
	if before.MeetingDetails != nil {
		if after.MeetingDetails == nil || !sameMeeting(*before.MeetingDetails, *after.MeetingDetails) {
			md := *before.MeetingDetails
			after.MeetingDetails = &md
			restored = append(restored, "meeting_details")
		}
	}
	return restored
}

func sameMeeting(a, b MeetingDetails) bool {
	return a.JoinURL == b.JoinURL && a.Subject == b.Subject && a.Start.Equal(b.Start) && a.End.Equal(b.End)
}
