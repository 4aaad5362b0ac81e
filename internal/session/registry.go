package session

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/leadflow/internal/transcript"
)

// DefaultID is the session used by callers that do not supply an ID. It
// keeps the single-visitor deployment working without any client changes.
const DefaultID = "default"

// Session is the per-visitor state of one conversation: its [Tracker], the
// buffered chat history and the remote chat thread.
//
// Session implements [sync.Locker]. Holding the lock serialises whole turns
// and finalization for this visitor; the accessors below are independently
// synchronised and may be called with or without it.
type Session struct {
	// ID is the caller-supplied session identifier.
	ID string

	// Tracker accounts turns and inactivity for this session.
	Tracker *Tracker

	turn sync.Mutex

	mu       sync.Mutex
	history  []transcript.Turn
	threadID string
	closed   bool
}

// Lock acquires the per-session turn lock.
func (s *Session) Lock() { s.turn.Lock() }

// Unlock releases the per-session turn lock.
func (s *Session) Unlock() { s.turn.Unlock() }

// Append buffers one exchange.
func (s *Session) Append(user, bot string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, transcript.Turn{User: user, Bot: bot})
}

// History returns a copy of the buffered exchanges.
func (s *Session) History() []transcript.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history)
}

// Len returns the number of buffered exchanges.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// TakeHistory returns the buffered exchanges and clears the buffer.
func (s *Session) TakeHistory() []transcript.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.history
	s.history = nil
	return h
}

// Thread returns the remote chat thread ID, or "" if none was created yet.
func (s *Session) Thread() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threadID
}

// SetThread records the remote chat thread ID. Passing "" discards the
// thread so the next turn opens a fresh one.
func (s *Session) SetThread(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threadID = id
}

// Closed reports whether s was released from its [Registry]. A caller that
// finds its session closed after taking the lock must fetch a fresh one.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Registry holds one [Session] per session ID.
//
// All methods are safe for concurrent use.
type Registry struct {
	clock func() time.Time

	mu        sync.Mutex
	sessions  map[string]*Session
	turnLimit int
	timeout   time.Duration
}

// NewRegistry creates an empty Registry. New sessions start with the given
// limits. clock may be nil, in which case [time.Now] is used.
func NewRegistry(turnLimit int, timeout time.Duration, clock func() time.Time) *Registry {
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		clock:     clock,
		sessions:  make(map[string]*Session),
		turnLimit: turnLimit,
		timeout:   timeout,
	}
}

// Now returns the registry clock's current time.
func (r *Registry) Now() time.Time { return r.clock() }

// Get returns the session for id, creating it if absent. An empty id selects
// [DefaultID].
func (r *Registry) Get(id string) *Session {
	if id == "" {
		id = DefaultID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s
	}
	s := &Session{ID: id, Tracker: NewTracker(r.turnLimit, r.timeout, r.clock())}
	r.sessions[id] = s
	return s
}

// Lookup returns the session for id without creating it. An empty id selects
// [DefaultID].
func (r *Registry) Lookup(id string) (*Session, bool) {
	if id == "" {
		id = DefaultID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove forgets the session for id and marks it closed. It is a no-op for
// unknown IDs.
func (r *Registry) Remove(id string) {
	if id == "" {
		id = DefaultID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.close()
		delete(r.sessions, id)
	}
}

// Release forgets s once its conversation is over. The [DefaultID] session
// is kept, and so is any newer session registered under the same ID. It
// reports whether s was removed.
func (r *Registry) Release(s *Session) bool {
	if s.ID == DefaultID {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.ID] != s {
		return false
	}
	s.close()
	delete(r.sessions, s.ID)
	return true
}

// IDs returns the known session IDs in sorted order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Len returns the number of known sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Idle returns the sessions whose inactivity timeout has elapsed at now,
// ordered by ID.
func (r *Registry) Idle(now time.Time) []*Session {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	idle := all[:0]
	for _, s := range all {
		if s.Tracker.Idle(now) {
			idle = append(idle, s)
		}
	}
	slices.SortFunc(idle, func(a, b *Session) int { return strings.Compare(a.ID, b.ID) })
	return idle
}

// SetLimits changes the limits for new sessions and applies them to every
// existing session.
func (r *Registry) SetLimits(turnLimit int, timeout time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turnLimit = turnLimit
	r.timeout = timeout
	for _, s := range r.sessions {
		s.Tracker.SetLimits(turnLimit, timeout)
	}
}
