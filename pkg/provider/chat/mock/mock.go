// Package mock provides a test double for the chat.Backend interface.
//
// Example:
//
//	b := &mock.Backend{SendReply: "Hello! How can I help?"}
//	reply, err := b.Send(ctx, "thread_1", "hi")
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/leadflow/pkg/provider/chat"
)

// SendCall records a single invocation of Send.
type SendCall struct {
	ThreadID string
	Message  string
}

// Backend is a mock implementation of chat.Backend.
type Backend struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// SendFunc, when set, computes the result of Send and takes precedence
	// over SendReply and SendErr.
	SendFunc func(threadID, message string) (string, error)

	// SendReply is returned by Send.
	SendReply string

	// SendErr, if non-nil, is returned as the error from Send.
	SendErr error

	// NewThreadErr, if non-nil, is returned as the error from NewThread.
	NewThreadErr error

	// DeleteThreadErr, if non-nil, is returned as the error from DeleteThread.
	DeleteThreadErr error

	// --- Call records ---

	// SendCalls records every invocation of Send in order.
	SendCalls []SendCall

	// Threads lists every thread ID handed out by NewThread in order.
	Threads []string

	// Deleted lists every thread ID passed to DeleteThread in order.
	Deleted []string
}

var _ chat.Backend = (*Backend)(nil)

// NewThread returns sequential IDs "thread_1", "thread_2", ...
func (b *Backend) NewThread(_ context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.NewThreadErr != nil {
		return "", b.NewThreadErr
	}
	id := fmt.Sprintf("thread_%d", len(b.Threads)+1)
	b.Threads = append(b.Threads, id)
	return id, nil
}

// Send records the call and returns the configured result.
func (b *Backend) Send(_ context.Context, threadID, message string) (string, error) {
	b.mu.Lock()
	b.SendCalls = append(b.SendCalls, SendCall{ThreadID: threadID, Message: message})
	fn := b.SendFunc
	reply, err := b.SendReply, b.SendErr
	b.mu.Unlock()

	if fn != nil {
		return fn(threadID, message)
	}
	return reply, err
}

// DeleteThread records the call and returns DeleteThreadErr.
func (b *Backend) DeleteThread(_ context.Context, threadID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Deleted = append(b.Deleted, threadID)
	return b.DeleteThreadErr
}

// Calls returns a snapshot of the recorded Send calls.
func (b *Backend) Calls() []SendCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]SendCall, len(b.SendCalls))
	copy(out, b.SendCalls)
	return out
}

// ThreadIDs returns a snapshot of created and deleted thread IDs.
func (b *Backend) ThreadIDs() (created, deleted []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.Threads...), append([]string(nil), b.Deleted...)
}
