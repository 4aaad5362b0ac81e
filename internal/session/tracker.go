// Package session tracks the lifecycle of lead-funnel conversations.
//
// A [Tracker] counts the turns of one conversation and remembers when the
// customer was last active. It decides, turn by turn, whether the
// conversation has run out of budget: either the turn limit was reached or
// the customer came back after the inactivity timeout. The content-based
// completion signal (the classifier) is orthogonal and combined by the
// caller.
//
// A [Registry] keeps one [Session] (tracker, chat history, remote thread)
// per caller-supplied session ID so that concurrent visitors never share
// counters. A [Sweeper] optionally finalizes sessions that went idle without
// sending another message.
package session

import (
	"sync"
	"time"
)

// Default limits applied when a configuration leaves them unset.
const (
	DefaultTurnLimit         = 20
	DefaultInactivityTimeout = 800 * time.Second
)

// Status is a read-only snapshot of a [Tracker].
type Status struct {
	// TimedOut reports whether the inactivity timeout has elapsed since the
	// last recorded activity.
	TimedOut bool `json:"timed_out"`

	// TurnsExceeded reports whether the turn limit has been reached.
	TurnsExceeded bool `json:"turns_exceeded"`

	// TurnCount is the number of turns recorded since the last reset.
	TurnCount int `json:"turn_count"`

	// SecondsSinceLast is the time since the last recorded activity.
	SecondsSinceLast float64 `json:"seconds_since_last"`
}

// Tracker accounts turns and inactivity for one conversation.
//
// All methods are safe for concurrent use. Time is always passed in by the
// caller so that behaviour is deterministic under test.
type Tracker struct {
	mu           sync.Mutex
	turnLimit    int
	timeout      time.Duration
	turnCount    int
	lastActivity time.Time
}

// NewTracker returns a Tracker with zero turns whose last activity is now.
// Non-positive limits fall back to [DefaultTurnLimit] and
// [DefaultInactivityTimeout].
func NewTracker(turnLimit int, timeout time.Duration, now time.Time) *Tracker {
	t := &Tracker{lastActivity: now}
	t.setLimits(turnLimit, timeout)
	return t
}

// RecordTurn counts one accepted user message and reports whether the
// conversation must end.
//
// If the inactivity timeout elapsed since the last activity, exit is true and
// last activity is left untouched: the timeout has already happened and the
// late message must not hide it. Otherwise last activity moves to now. In
// both cases exit is also true once the turn count reaches the limit.
func (t *Tracker) RecordTurn(now time.Time) (exit bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.turnCount++
	if now.Sub(t.lastActivity) >= t.timeout {
		exit = true
	} else {
		t.lastActivity = now
	}
	if t.turnCount >= t.turnLimit {
		exit = true
	}
	return exit
}

// Status returns a snapshot evaluated at now. It never mutates the tracker.
func (t *Tracker) Status(now time.Time) Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	since := now.Sub(t.lastActivity)
	return Status{
		TimedOut:         since >= t.timeout,
		TurnsExceeded:    t.turnCount >= t.turnLimit,
		TurnCount:        t.turnCount,
		SecondsSinceLast: since.Seconds(),
	}
}

// Reset clears the turn count and restarts the inactivity window at now.
// It is called once after a conversation is finalized.
func (t *Tracker) Reset(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.turnCount = 0
	t.lastActivity = now
}

// SetLimits replaces the turn limit and inactivity timeout. Counters are
// preserved, so a lowered limit can end the conversation on its next turn.
func (t *Tracker) SetLimits(turnLimit int, timeout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setLimits(turnLimit, timeout)
}

// Idle reports whether the inactivity timeout has elapsed at now.
func (t *Tracker) Idle(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return now.Sub(t.lastActivity) >= t.timeout
}

func (t *Tracker) setLimits(turnLimit int, timeout time.Duration) {
	if turnLimit < 1 {
		turnLimit = DefaultTurnLimit
	}
	if timeout <= 0 {
		timeout = DefaultInactivityTimeout
	}
	t.turnLimit = turnLimit
	t.timeout = timeout
}
