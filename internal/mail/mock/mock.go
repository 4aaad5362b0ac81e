// Package mock provides a test double for the mail.Sender interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/leadflow/internal/mail"
)

// Sender is a mock implementation of mail.Sender.
type Sender struct {
	mu sync.Mutex

	// SendFunc, when set, computes the result of Send and takes precedence
	// over Err.
	SendFunc func(msg mail.Message) error

	// Err, if non-nil, is returned from Send. The message is still recorded.
	Err error

	// Sent records every message passed to Send in order.
	Sent []mail.Message
}

var _ mail.Sender = (*Sender)(nil)

// Send records msg and returns the configured error.
func (s *Sender) Send(_ context.Context, msg mail.Message) error {
	s.mu.Lock()
	s.Sent = append(s.Sent, msg)
	fn, err := s.SendFunc, s.Err
	s.mu.Unlock()
	if fn != nil {
		return fn(msg)
	}
	return err
}

// Messages returns a snapshot of the recorded messages.
func (s *Sender) Messages() []mail.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]mail.Message, len(s.Sent))
	copy(out, s.Sent)
	return out
}
