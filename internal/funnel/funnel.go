// Package funnel drives interactive lead conversations.
//
// A [Funnel] accepts customer messages for a session, relays them to the
// conversational backend and decides after every turn whether the
// conversation is over: the session tracker enforces the turn limit and
// the inactivity timeout, the completion classifier judges the content. A
// finished conversation is persisted as a transcript and handed to the
// finalization pipeline; its failures are logged, never shown to the
// customer.
package funnel

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MrWong99/leadflow/internal/observe"
	"github.com/MrWong99/leadflow/internal/pipeline"
	"github.com/MrWong99/leadflow/internal/session"
	"github.com/MrWong99/leadflow/internal/transcript"
	"github.com/MrWong99/leadflow/pkg/provider/chat"
)

// EmptyInputReply answers a blank message. Such messages are not turns.
const EmptyInputReply = "Please say something."

// Finalization triggers, recorded as the trigger attribute of the
// sessions-finalized metric.
const (
	TriggerTurnLimit  = "turn_limit"
	TriggerTimeout    = "timeout"
	TriggerClassifier = "classifier"
	TriggerForceExit  = "force_exit"
	TriggerIdle       = "idle"
)

// Reply is the answer to one customer message.
type Reply struct {
	Bot  string `json:"bot"`
	Exit bool   `json:"exit"`
}

// Classifier judges whether a customer message ends the conversation.
type Classifier interface {
	Classify(ctx context.Context, message string) bool
}

// Finalizer runs the finalization stages. [*pipeline.Pipeline] implements
// it.
type Finalizer interface {
	Run(ctx context.Context, st pipeline.State) (pipeline.State, pipeline.Report)
}

// Finalized describes one completed finalization.
type Finalized struct {
	SessionID string
	Trigger   string
	State     pipeline.State
	Report    pipeline.Report
}

// Config holds the collaborators of a [Funnel]. Sessions, Backend, Store and
// Pipeline are required.
type Config struct {
	Sessions   *session.Registry
	Backend    chat.Backend
	Classifier Classifier
	Store      transcript.Store
	Pipeline   Finalizer

	// BackendName labels chat latency metrics. Defaults to "chat".
	BackendName string
}

// Funnel is safe for concurrent use. Turns of the same session are
// serialised; different sessions proceed in parallel.
type Funnel struct {
	sessions    *session.Registry
	backend     chat.Backend
	classifier  Classifier
	store       transcript.Store
	pipeline    Finalizer
	backendName string

	metrics    *observe.Metrics
	onFinalize func(Finalized)
}

// Option configures a [Funnel].
type Option func(*Funnel)

// WithMetrics records into m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(f *Funnel) { f.metrics = m }
}

// WithOnFinalize registers fn to be called after every finalization, while
// the session lock is still held.
func WithOnFinalize(fn func(Finalized)) Option {
	return func(f *Funnel) { f.onFinalize = fn }
}

// New creates a Funnel.
func New(cfg Config, opts ...Option) (*Funnel, error) {
	var missing []string
	if cfg.Sessions == nil {
		missing = append(missing, "session registry")
	}
	if cfg.Backend == nil {
		missing = append(missing, "chat backend")
	}
	if cfg.Store == nil {
		missing = append(missing, "transcript store")
	}
	if cfg.Pipeline == nil {
		missing = append(missing, "pipeline")
	}
	if len(missing) > 0 {
		return nil, errors.New("funnel: missing " + strings.Join(missing, ", "))
	}

	f := &Funnel{
		sessions:    cfg.Sessions,
		backend:     cfg.Backend,
		classifier:  cfg.Classifier,
		store:       cfg.Store,
		pipeline:    cfg.Pipeline,
		backendName: cfg.BackendName,
	}
	if f.backendName == "" {
		f.backendName = "chat"
	}
	for _, o := range opts {
		o(f)
	}
	if f.metrics == nil {
		f.metrics = observe.DefaultMetrics()
	}
	return f, nil
}

// Sessions returns the session registry.
func (f *Funnel) Sessions() *session.Registry { return f.sessions }

// ── Turns ──────────────────────────────────────────────────────────────────

// HandleTurn processes one customer message for sessionID ("" selects
// [session.DefaultID]). Backend failures degrade to [chat.FallbackReply];
// the only error returned is a cancelled ctx before the turn started.
func (f *Funnel) HandleTurn(ctx context.Context, sessionID, message string) (Reply, error) {
	if strings.TrimSpace(message) == "" {
		return Reply{Bot: EmptyInputReply}, nil
	}
	if err := ctx.Err(); err != nil {
		return Reply{}, err
	}

	s := f.acquire(sessionID)
	defer s.Unlock()
	ctx, span := observe.StartSpan(observe.WithSession(ctx, s.ID), "funnel.turn")
	defer span.End()
	log := observe.Logger(ctx)

	// Activity is stamped on arrival; backend latency is not idle time.
	now := f.sessions.Now()
	bot := f.exchange(ctx, s, message)
	if s.Len() == 0 {
		f.metrics.SessionOpened(ctx)
	}
	s.Append(message, bot)

	trigger := ""
	if s.Tracker.RecordTurn(now) {
		trigger = TriggerTimeout
		if s.Tracker.Status(now).TurnsExceeded {
			trigger = TriggerTurnLimit
		}
	} else if f.classifier != nil && f.classifier.Classify(ctx, message) {
		trigger = TriggerClassifier
	}
	exit := trigger != ""
	f.metrics.RecordTurn(ctx, exit)
	log.Debug("funnel: turn recorded", "exit", exit, "trigger", trigger)

	if exit {
		f.finalize(ctx, s, trigger)
	}
	return Reply{Bot: bot, Exit: exit}, nil
}

// acquire returns the locked live session for id. A session released by a
// concurrent finalization while we waited for its lock is replaced.
func (f *Funnel) acquire(id string) *session.Session {
	for {
		s := f.sessions.Get(id)
		s.Lock()
		if !s.Closed() {
			return s
		}
		s.Unlock()
	}
}

// exchange relays message on the session's thread, opening one lazily.
func (f *Funnel) exchange(ctx context.Context, s *session.Session, message string) string {
	log := observe.Logger(ctx)

	thread := s.Thread()
	if thread == "" {
		id, err := f.backend.NewThread(ctx)
		if err != nil {
			log.Error("funnel: open chat thread", "err", err)
			return chat.FallbackReply
		}
		thread = id
		s.SetThread(id)
	}

	start := time.Now()
	bot, err := f.backend.Send(ctx, thread, message)
	f.metrics.RecordChat(ctx, f.backendName, time.Since(start))
	if err != nil {
		log.Error("funnel: chat backend failed", "thread", thread, "err", err)
		return chat.FallbackReply
	}
	return bot
}

// ── Status & explicit exits ────────────────────────────────────────────────

// Status reports the tracker state of sessionID. Unknown sessions report a
// zero status.
func (f *Funnel) Status(sessionID string) session.Status {
	s, ok := f.sessions.Lookup(sessionID)
	if !ok {
		return session.Status{}
	}
	return s.Tracker.Status(f.sessions.Now())
}

// ForceExit finalizes sessionID immediately. It reports whether anything was
// finalized: a session without buffered messages is left untouched.
func (f *Funnel) ForceExit(ctx context.Context, sessionID string) bool {
	s, ok := f.sessions.Lookup(sessionID)
	if !ok {
		return false
	}
	s.Lock()
	defer s.Unlock()
	if s.Closed() || s.Len() == 0 {
		return false
	}
	f.finalize(observe.WithSession(ctx, s.ID), s, TriggerForceExit)
	return true
}

// FinalizeIdle finalizes s if it is still idle and holds messages. An idle
// session without messages is dropped from the registry. Its signature
// matches [session.IdleFunc] so it can drive the sweeper.
func (f *Funnel) FinalizeIdle(ctx context.Context, s *session.Session) {
	s.Lock()
	defer s.Unlock()
	if s.Closed() || !s.Tracker.Idle(f.sessions.Now()) {
		return
	}
	if s.Len() == 0 {
		f.dropThread(ctx, s)
		if f.sessions.Release(s) {
			observe.Logger(ctx).Debug("funnel: dropped idle session", "session_id", s.ID)
		}
		return
	}
	f.finalize(observe.WithSession(ctx, s.ID), s, TriggerIdle)
}

// ── Finalization ───────────────────────────────────────────────────────────

// finalize persists and finalizes s, then releases it from the registry.
// The caller holds the session lock.
func (f *Funnel) finalize(ctx context.Context, s *session.Session, trigger string) {
	// The customer may disconnect while the stages run.
	ctx = context.WithoutCancel(ctx)
	ctx, span := observe.StartSpan(ctx, "funnel.finalize")
	defer span.End()
	log := observe.Logger(ctx).With("trigger", trigger)

	history := s.TakeHistory()
	defer func() {
		s.Tracker.Reset(f.sessions.Now())
		f.dropThread(ctx, s)
		f.sessions.Release(s)
		f.metrics.SessionClosed(ctx)
	}()

	ref, err := f.store.Persist(ctx, history)
	if err != nil {
		log.Error("funnel: persist transcript", "turns", len(history), "err", err)
		return
	}
	log.Info("funnel: conversation finished", "transcript", ref, "turns", len(history))

	final, report := f.pipeline.Run(ctx, pipeline.State{TranscriptPath: ref})
	if err := report.Err(); err != nil {
		log.Error("funnel: finalization incomplete", "failed", report.Failed(), "err", err)
	}
	f.metrics.RecordFinalized(ctx, trigger)

	if f.onFinalize != nil {
		f.onFinalize(Finalized{SessionID: s.ID, Trigger: trigger, State: final, Report: report})
	}
}

func (f *Funnel) dropThread(ctx context.Context, s *session.Session) {
	id := s.Thread()
	if id == "" {
		return
	}
	s.SetThread("")
	if err := f.backend.DeleteThread(ctx, id); err != nil {
		observe.Logger(ctx).Warn("funnel: discard chat thread", "thread", id, "err", err)
	}
}
