// Package mock provides a test double for the calendar.Scheduler interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/leadflow/internal/calendar"
)

// Scheduler is a mock implementation of calendar.Scheduler.
type Scheduler struct {
	mu sync.Mutex

	// ScheduleFunc, when set, computes the result of Schedule and takes
	// precedence over Meeting and Err.
	ScheduleFunc func(ev calendar.Event) (*calendar.Meeting, error)

	// Meeting is returned by Schedule. When nil a meeting with a fixed join
	// URL is returned.
	Meeting *calendar.Meeting

	// Err, if non-nil, is returned from Schedule.
	Err error

	// Events records every event passed to Schedule in order.
	Events []calendar.Event
}

var _ calendar.Scheduler = (*Scheduler)(nil)

// Schedule records ev and returns the configured result.
func (s *Scheduler) Schedule(_ context.Context, ev calendar.Event) (*calendar.Meeting, error) {
	s.mu.Lock()
	s.Events = append(s.Events, ev)
	fn, m, err := s.ScheduleFunc, s.Meeting, s.Err
	s.mu.Unlock()

	if fn != nil {
		return fn(ev)
	}
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = &calendar.Meeting{ID: "evt-mock", JoinURL: "https://teams.example/join/mock"}
	}
	return m, nil
}

// Scheduled returns a snapshot of the recorded events.
func (s *Scheduler) Scheduled() []calendar.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]calendar.Event, len(s.Events))
	copy(out, s.Events)
	return out
}
