// Package resilience provides the fail-fast and failover primitives that sit
// between the lead funnel and its remote model providers.
//
// [CircuitBreaker] is a three-state breaker (closed → open → half-open). The
// completion classifier uses one directly so that a dead model endpoint makes
// it answer "not complete" immediately instead of blocking every chat turn.
// [FallbackGroup] and [LLMFallback] put one breaker in front of each
// configured LLM so that a failing primary is bypassed in favour of the next
// healthy provider. No call is ever retried against the same provider.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is in
// the open state and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. Enough
	// successes close the breaker; any failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name is a human-readable label used in log messages and metrics.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before transitioning to
	// half-open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probe calls allowed in the half-open state.
	// Default: 3.
	HalfOpenMax int

	// OnStateChange, if set, is called after every transition with the lock
	// released. It must not block.
	OnStateChange func(name string, from, to State)

	// Now replaces [time.Now]. Tests use it to step through the reset timeout.
	Now func() time.Time

	// IsFailure decides which errors count against the provider. Errors it
	// rejects neither trip nor heal the breaker. Default: every error except
	// [context.Canceled], which means the customer went away, not the model.
	IsFailure func(error) bool
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	onStateChange func(name string, from, to State)
	now           func() time.Time
	isFailure     func(error) bool

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probes   int
	probeOK  int
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied configuration.
// Zero-value config fields are replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}
	return &CircuitBreaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		onStateChange: cfg.OnStateChange,
		now:           cfg.Now,
		isFailure:     cfg.IsFailure,
		state:         StateClosed,
	}
}

// Name returns the label the breaker was configured with.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn if the breaker allows it. In the open state it returns
// [ErrCircuitOpen] without calling fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	var changes []transition
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		changes = append(changes, cb.setState(StateHalfOpen))
		cb.probes, cb.probeOK = 0, 0
	}
	switch {
	case cb.state == StateOpen,
		cb.state == StateHalfOpen && cb.probes >= cb.halfOpenMax:
		cb.mu.Unlock()
		cb.notify(changes)
		return ErrCircuitOpen
	}
	probing := cb.state == StateHalfOpen
	if probing {
		cb.probes++
	}
	cb.mu.Unlock()
	cb.notify(changes)

	err := fn()

	cb.mu.Lock()
	var after transition
	switch {
	case err == nil:
		after = cb.onSuccess(probing)
	case cb.isFailure(err):
		after = cb.onFailure(probing)
	default:
		after = transition{from: cb.state, to: cb.state}
		if probing && cb.state == StateHalfOpen {
			cb.probes--
		}
	}
	cb.mu.Unlock()
	cb.notify([]transition{after})
	return err
}

// State returns the current [State]. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to [StateClosed] and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	tr := cb.setState(StateClosed)
	cb.failures, cb.probes, cb.probeOK = 0, 0, 0
	cb.mu.Unlock()
	cb.notify([]transition{tr})
	slog.Info("circuit breaker manually reset", "name", cb.name)
}

type transition struct{ from, to State }

// setState must be called with cb.mu held.
func (cb *CircuitBreaker) setState(to State) transition {
	tr := transition{from: cb.state, to: to}
	cb.state = to
	return tr
}

// onFailure must be called with cb.mu held.
func (cb *CircuitBreaker) onFailure(probing bool) transition {
	if probing {
		cb.openedAt = cb.now()
		slog.Warn("circuit breaker re-opened from half-open", "name", cb.name)
		return cb.setState(StateOpen)
	}
	cb.failures++
	if cb.state == StateClosed && cb.failures >= cb.maxFailures {
		cb.openedAt = cb.now()
		slog.Warn("circuit breaker opened", "name", cb.name, "consecutive_failures", cb.failures)
		return cb.setState(StateOpen)
	}
	return transition{from: cb.state, to: cb.state}
}

// onSuccess must be called with cb.mu held.
func (cb *CircuitBreaker) onSuccess(probing bool) transition {
	if !probing {
		cb.failures = 0
		return transition{from: cb.state, to: cb.state}
	}
	cb.probeOK++
	if cb.state == StateHalfOpen && cb.probeOK >= cb.halfOpenMax {
		cb.failures, cb.probes, cb.probeOK = 0, 0, 0
		slog.Info("circuit breaker closed after successful probes", "name", cb.name)
		return cb.setState(StateClosed)
	}
	return transition{from: cb.state, to: cb.state}
}

func (cb *CircuitBreaker) notify(changes []transition) {
	if cb.onStateChange == nil {
		return
	}
	for _, tr := range changes {
		if tr.from != tr.to {
			cb.onStateChange(cb.name, tr.from, tr.to)
		}
	}
}
