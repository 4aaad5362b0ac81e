// Package chat defines the Backend interface for the conversational exchange:
// the thread-based assistant that actually talks to the customer.
//
// A thread holds one conversation's messages on the backend side. The funnel
// creates a thread lazily for each session, sends every user message through
// [Backend.Send] and deletes the thread once the lead has been finalized so
// that the next conversation starts fresh.
//
// Implementations:
//   - assistants: the hosted OpenAI / Azure OpenAI Assistants API.
//   - llmthread: local in-memory threads answered by any llm.Provider.
//   - mock: a scriptable test double.
package chat

import (
	"context"
	"errors"
)

// FallbackReply is returned when a run completes without any text content.
const FallbackReply = "Sorry, I didn't understand that."

// ErrRunFailed is returned by [Backend.Send] when the backend run ends in a
// failed, cancelled, expired or otherwise non-completed state.
var ErrRunFailed = errors.New("chat: run did not complete")

// ErrUnknownThread is returned when a thread ID was never created by the
// backend or has already been deleted.
var ErrUnknownThread = errors.New("chat: unknown thread")

// Backend is the abstraction over a thread-based conversational assistant.
//
// Implementations must be safe for concurrent use. Calls on different threads
// may run in parallel; the caller serializes calls on the same thread.
type Backend interface {
	// NewThread creates an empty conversation thread and returns its ID.
	NewThread(ctx context.Context) (string, error)

	// Send appends message to the thread as the user, lets the assistant
	// answer and returns the newest text reply. A run that finishes without
	// text yields [FallbackReply].
	Send(ctx context.Context, threadID, message string) (string, error)

	// DeleteThread releases the thread. Deleting an unknown thread is not an
	// error for in-memory backends.
	DeleteThread(ctx context.Context, threadID string) error
}
