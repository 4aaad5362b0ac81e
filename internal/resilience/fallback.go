package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrAllFailed matches the error returned when no entry of a
// [FallbackGroup] produced a result.
var ErrAllFailed = errors.New("all providers failed")

// Attempt is one entry's failure within a group call.
type Attempt struct {
	Provider string
	Err      error
}

// AllFailedError lists every attempt of a failed group call in order. It
// matches [ErrAllFailed] and each attempt's error under [errors.Is].
type AllFailedError struct {
	Attempts []Attempt
}

func (e *AllFailedError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = a.Provider + ": " + a.Err.Error()
	}
	return fmt.Sprintf("%s: %s", ErrAllFailed, strings.Join(parts, "; "))
}

func (e *AllFailedError) Is(target error) bool { return target == ErrAllFailed }

func (e *AllFailedError) Unwrap() []error {
	errs := make([]error, len(e.Attempts))
	for i, a := range e.Attempts {
		errs[i] = a.Err
	}
	return errs
}

// FallbackConfig is the breaker template for every entry of a
// [FallbackGroup]; Name is replaced by the entry name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup orders a primary and its fallbacks, each behind its own
// [CircuitBreaker]. A call walks the entries in order and tries each at most
// once. Register every fallback before sharing the group.
type FallbackGroup[T any] struct {
	members []member[T]
	tmpl    CircuitBreakerConfig
}

// NewFallbackGroup returns a group whose first entry is primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{tmpl: cfg.CircuitBreaker}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends v under name.
func (fg *FallbackGroup[T]) AddFallback(name string, v T) {
	cfg := fg.tmpl
	cfg.Name = name
	fg.members = append(fg.members, member[T]{name: name, value: v, breaker: NewCircuitBreaker(cfg)})
}

// Primary returns the first entry.
func (fg *FallbackGroup[T]) Primary() T { return fg.members[0].value }

// States maps each entry name to its breaker state.
func (fg *FallbackGroup[T]) States() map[string]State {
	out := make(map[string]State, len(fg.members))
	for _, m := range fg.members {
		out[m.name] = m.breaker.State()
	}
	return out
}

// Healthy reports whether any entry's breaker still admits calls.
func (fg *FallbackGroup[T]) Healthy() bool {
	for _, m := range fg.members {
		if m.breaker.State() != StateOpen {
			return true
		}
	}
	return false
}

// Execute runs fn against the entries in order until one succeeds.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(T) error) error {
	_, err := ExecuteWithResult(ctx, fg, func(v T) (struct{}, error) { return struct{}{}, fn(v) })
	return err
}

// ExecuteWithResult runs fn against the entries of fg in order and returns
// the first success. Entries with an open breaker are skipped and nothing is
// attempted once ctx is done. The failure is an [*AllFailedError].
func ExecuteWithResult[T, R any](ctx context.Context, fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		zero     R
		attempts []Attempt
	)
	for i := range fg.members {
		m := &fg.members[i]
		if err := ctx.Err(); err != nil {
			attempts = append(attempts, Attempt{Provider: m.name, Err: err})
			break
		}
		var out R
		err := m.breaker.Execute(func() error {
			var callErr error
			out, callErr = fn(m.value)
			return callErr
		})
		if err == nil {
			return out, nil
		}
		attempts = append(attempts, Attempt{Provider: m.name, Err: err})
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("provider skipped, circuit open", "provider", m.name)
			continue
		}
		slog.Warn("provider failed, trying next", "provider", m.name, "err", err)
	}
	return zero, &AllFailedError{Attempts: attempts}
}
