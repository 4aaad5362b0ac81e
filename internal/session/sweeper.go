package session

import (
	"context"
	"fmt"
	"log/slog"

	rcron "github.com/robfig/cron/v3"
)

// ValidateSchedule reports whether expr is a valid sweep schedule. The empty
// string is valid and means "disabled". Standard five-field expressions and
// descriptors such as "@every 1m" are accepted.
func ValidateSchedule(expr string) error {
	if expr == "" {
		return nil
	}
	if _, err := rcron.ParseStandard(expr); err != nil {
		return fmt.Errorf("session: invalid sweep schedule %q: %w", expr, err)
	}
	return nil
}

// IdleFunc is invoked by the [Sweeper] for every session whose inactivity
// timeout has elapsed.
type IdleFunc func(ctx context.Context, s *Session)

// Sweeper periodically scans a [Registry] for idle sessions and hands them
// to an [IdleFunc], so abandoned conversations are finalized without waiting
// for a message that may never come.
type Sweeper struct {
	schedule string
	registry *Registry
	onIdle   IdleFunc
}

// NewSweeper creates a Sweeper. An empty schedule yields a disabled sweeper
// whose [Sweeper.Run] returns immediately.
func NewSweeper(schedule string, registry *Registry, onIdle IdleFunc) (*Sweeper, error) {
	if err := ValidateSchedule(schedule); err != nil {
		return nil, err
	}
	if registry == nil {
		return nil, fmt.Errorf("session: sweeper requires a registry")
	}
	if onIdle == nil {
		return nil, fmt.Errorf("session: sweeper requires an idle callback")
	}
	return &Sweeper{schedule: schedule, registry: registry, onIdle: onIdle}, nil
}

// Enabled reports whether a schedule is configured.
func (w *Sweeper) Enabled() bool { return w.schedule != "" }

// Run starts the cron scheduler and blocks until ctx is cancelled. It waits
// for an in-flight sweep to finish before returning.
func (w *Sweeper) Run(ctx context.Context) error {
	if !w.Enabled() {
		return nil
	}

	c := rcron.New(rcron.WithChain(rcron.SkipIfStillRunning(rcron.DiscardLogger)))
	if _, err := c.AddFunc(w.schedule, func() { w.Sweep(ctx) }); err != nil {
		return fmt.Errorf("session: schedule sweeper: %w", err)
	}
	c.Start()
	slog.Info("session sweeper started", "schedule", w.schedule)

	<-ctx.Done()
	<-c.Stop().Done()
	slog.Info("session sweeper stopped")
	return nil
}

// Sweep performs a single pass and returns the number of idle sessions
// handed to the callback.
func (w *Sweeper) Sweep(ctx context.Context) int {
	handled := 0
	for _, s := range w.registry.Idle(w.registry.Now()) {
		if ctx.Err() != nil {
			break
		}
		slog.Debug("session idle", "session_id", s.ID)
		w.onIdle(ctx, s)
		handled++
	}
	return handled
}
