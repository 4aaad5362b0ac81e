// Package transcript persists finished conversations as flat transcript
// artifacts and reads them back for the finalization stages.
//
// A transcript is the ordered list of (user, bot) [Turn] pairs exchanged in
// one session, rendered with [Format]. Every [Store] produces the same text,
// so downstream stages never care where an artifact lives: the [FileStore]
// writes one serial-numbered file per session, the postgres sub-package keeps
// one row per session.
//
// Stores hand out opaque string references. A file reference is a path; other
// backends use a "<backend>:<locator>" form. Callers pass references back to
// the store that produced them without interpreting them.
//
// Implementations must be safe for concurrent use.
package transcript

import (
	"context"
	"errors"
)

// ErrNotFound is returned by [Store.Latest] when no transcript has been
// persisted yet and by [Store.Read] when a reference does not resolve.
var ErrNotFound = errors.New("transcript: not found")

// Turn is one exchange of a conversation.
type Turn struct {
	// User is the message typed by the customer.
	User string `json:"user"`

	// Bot is the assistant reply to User.
	Bot string `json:"bot"`
}

// Store persists transcripts and resolves references to their content.
type Store interface {
	// Persist writes turns as a new transcript artifact and returns its
	// reference. An empty history still produces an artifact containing only
	// the header.
	Persist(ctx context.Context, turns []Turn) (ref string, err error)

	// Latest returns the reference of the most recently allocated transcript,
	// or [ErrNotFound] if none exists.
	Latest(ctx context.Context) (ref string, err error)

	// Read returns the formatted content of the transcript at ref.
	Read(ctx context.Context, ref string) (string, error)
}
