package funnel

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/leadflow/internal/observe"
	"github.com/MrWong99/leadflow/internal/pipeline"
	"github.com/MrWong99/leadflow/internal/session"
	"github.com/MrWong99/leadflow/internal/transcript"
	"github.com/MrWong99/leadflow/pkg/provider/chat"
	chatmock "github.com/MrWong99/leadflow/pkg/provider/chat/mock"
)

// ── Test doubles ───────────────────────────────────────────────────────────

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type stubClassifier struct {
	mu    sync.Mutex
	done  func(msg string) bool
	calls []string
}

func (c *stubClassifier) Classify(_ context.Context, msg string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, msg)
	return c.done != nil && c.done(msg)
}

func (c *stubClassifier) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.calls)
}

type recordingFinalizer struct {
	mu     sync.Mutex
	states []pipeline.State
	report pipeline.Report
}

func (r *recordingFinalizer) Run(_ context.Context, st pipeline.State) (pipeline.State, pipeline.Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, st)
	st.EmailStatus = "sent"
	return st, r.report
}

func (r *recordingFinalizer) States() []pipeline.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.states)
}

type failingStore struct{ transcript.Store }

func (failingStore) Persist(context.Context, []transcript.Turn) (string, error) {
	return "", errors.New("disk full")
}

type harness struct {
	funnel     *Funnel
	clock      *clock
	backend    *chatmock.Backend
	classifier *stubClassifier
	store      *transcript.FileStore
	finalizer  *recordingFinalizer
	reader     *sdkmetric.ManualReader

	mu        sync.Mutex
	finalized []Finalized
}

func newHarness(t *testing.T, turnLimit int, timeout time.Duration) *harness {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h := &harness{
		clock:      &clock{now: time.Date(2025, 7, 15, 10, 0, 0, 0, time.UTC)},
		backend:    &chatmock.Backend{SendFunc: func(_, msg string) (string, error) { return "re: " + msg, nil }},
		classifier: &stubClassifier{},
		store:      transcript.NewFileStore(t.TempDir()),
		finalizer:  &recordingFinalizer{},
		reader:     reader,
	}
	h.funnel, err = New(Config{
		Sessions:    session.NewRegistry(turnLimit, timeout, h.clock.Now),
		Backend:     h.backend,
		Classifier:  h.classifier,
		Store:       h.store,
		Pipeline:    h.finalizer,
		BackendName: "mock",
	}, WithMetrics(m), WithOnFinalize(func(fz Finalized) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.finalized = append(h.finalized, fz)
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func (h *harness) Finalized() []Finalized {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.finalized)
}

func (h *harness) turn(t *testing.T, sessionID, msg string) Reply {
	t.Helper()
	r, err := h.funnel.HandleTurn(context.Background(), sessionID, msg)
	if err != nil {
		t.Fatalf("HandleTurn(%q): %v", msg, err)
	}
	return r
}

func (h *harness) transcriptTurns(t *testing.T, ref string) []transcript.Turn {
	t.Helper()
	content, err := h.store.Read(context.Background(), ref)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	_, turns, err := transcript.Parse(content)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return turns
}

// ── Tests ──────────────────────────────────────────────────────────────────

func TestHandleTurn_EmptyInput(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 20, time.Hour)
	for _, msg := range []string{"", "   ", "\n\t"} {
		r := h.turn(t, "", msg)
		if r != (Reply{Bot: EmptyInputReply}) {
			t.Errorf("HandleTurn(%q) = %+v", msg, r)
		}
	}
	if len(h.backend.Calls()) != 0 {
		t.Error("backend called for empty input")
	}
	if h.funnel.Sessions().Len() != 0 {
		t.Error("empty input created a session")
	}
}

func TestHandleTurn_RelaysAndCountsTurns(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 20, time.Hour)

	if r := h.turn(t, "", "hi"); r != (Reply{Bot: "re: hi"}) {
		t.Errorf("reply = %+v", r)
	}
	h.clock.Advance(time.Minute)
	h.turn(t, "", "I'm Asha")

	created, _ := h.backend.ThreadIDs()
	if len(created) != 1 {
		t.Errorf("threads created = %v, want exactly one", created)
	}
	for _, c := range h.backend.Calls() {
		if c.ThreadID != created[0] {
			t.Errorf("Send on thread %q, want %q", c.ThreadID, created[0])
		}
	}
	st := h.funnel.Status("")
	if st.TurnCount != 2 || st.TimedOut || st.TurnsExceeded || st.SecondsSinceLast != 0 {
		t.Errorf("Status = %+v", st)
	}
	if got := h.classifier.Calls(); !slices.Equal(got, []string{"hi", "I'm Asha"}) {
		t.Errorf("classifier calls = %v", got)
	}
}

func TestHandleTurn_TurnLimitFinalizes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 3, time.Hour)

	for i, msg := range []string{"one", "two"} {
		if r := h.turn(t, "s1", msg); r.Exit {
			t.Fatalf("turn %d exited early", i+1)
		}
	}
	r := h.turn(t, "s1", "three")
	if !r.Exit || r.Bot != "re: three" {
		t.Fatalf("third reply = %+v, want exit with bot reply", r)
	}

	fz := h.Finalized()
	if len(fz) != 1 || fz[0].Trigger != TriggerTurnLimit || fz[0].SessionID != "s1" {
		t.Fatalf("finalized = %+v", fz)
	}
	if fz[0].State.EmailStatus != "sent" {
		t.Errorf("final state = %+v", fz[0].State)
	}
	states := h.finalizer.States()
	if len(states) != 1 || states[0].TranscriptPath == "" || states[0].EmailStatus != "" {
		t.Fatalf("pipeline input = %+v, want only the transcript ref", states)
	}
	turns := h.transcriptTurns(t, states[0].TranscriptPath)
	want := []transcript.Turn{
		{User: "one", Bot: "re: one"},
		{User: "two", Bot: "re: two"},
		{User: "three", Bot: "re: three"},
	}
	if !slices.Equal(turns, want) {
		t.Errorf("transcript = %+v, want %+v", turns, want)
	}
	// The limit exit skips the classifier.
	if got := h.classifier.Calls(); !slices.Equal(got, []string{"one", "two"}) {
		t.Errorf("classifier calls = %v", got)
	}

	if st := h.funnel.Status("s1"); st.TurnCount != 0 {
		t.Errorf("TurnCount after finalize = %d, want 0", st.TurnCount)
	}
	created, deleted := h.backend.ThreadIDs()
	if !slices.Equal(created, deleted) {
		t.Errorf("threads created %v, deleted %v", created, deleted)
	}

	// The next conversation starts on a fresh thread.
	h.turn(t, "s1", "hello again")
	created, _ = h.backend.ThreadIDs()
	if len(created) != 2 {
		t.Errorf("threads = %v, want a second one", created)
	}
}

func TestHandleTurn_TimeoutFinalizes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 20, 800*time.Second)

	h.turn(t, "", "hi")
	h.clock.Advance(800 * time.Second)
	r := h.turn(t, "", "sorry, was away")
	if !r.Exit {
		t.Fatal("late message did not exit")
	}
	fz := h.Finalized()
	if len(fz) != 1 || fz[0].Trigger != TriggerTimeout {
		t.Fatalf("finalized = %+v", fz)
	}
	if got := h.transcriptTurns(t, fz[0].State.TranscriptPath); len(got) != 2 {
		t.Errorf("transcript turns = %d, want 2", len(got))
	}
}

func TestHandleTurn_StampsActivityOnArrival(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 20, 800*time.Second)
	h.backend.SendFunc = func(_, msg string) (string, error) {
		if msg == "slow" {
			h.clock.Advance(5 * time.Second)
		}
		return "re: " + msg, nil
	}

	h.turn(t, "", "hi")
	h.clock.Advance(797 * time.Second)
	if r := h.turn(t, "", "slow"); r.Exit {
		t.Fatal("message inside the 800s window timed out because of backend latency")
	}
	if st := h.funnel.Status(""); st.TurnCount != 2 || st.SecondsSinceLast != 5 {
		t.Errorf("Status = %+v, want 2 turns and activity stamped before the reply", st)
	}
}

func TestHandleTurn_ClassifierFinalizes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 20, time.Hour)
	h.classifier.done = func(msg string) bool { return msg == "that's all, thanks" }

	if r := h.turn(t, "", "my email is asha@example.org"); r.Exit {
		t.Fatal("exited before the classifier said so")
	}
	if r := h.turn(t, "", "that's all, thanks"); !r.Exit {
		t.Fatal("classifier exit ignored")
	}
	if fz := h.Finalized(); len(fz) != 1 || fz[0].Trigger != TriggerClassifier {
		t.Errorf("finalized = %+v", fz)
	}
}

func TestHandleTurn_BackendFailuresUseFallback(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 20, time.Hour)
	h.backend.SendFunc = nil
	h.backend.SendErr = chat.ErrRunFailed

	if r := h.turn(t, "", "hi"); r.Bot != chat.FallbackReply || r.Exit {
		t.Errorf("reply = %+v, want fallback", r)
	}
	if st := h.funnel.Status(""); st.TurnCount != 1 {
		t.Errorf("TurnCount = %d, want the failed turn counted", st.TurnCount)
	}
}

func TestHandleTurn_ThreadCreationFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 20, time.Hour)
	h.backend.NewThreadErr = errors.New("401 unauthorized")

	if r := h.turn(t, "", "hi"); r.Bot != chat.FallbackReply {
		t.Errorf("reply = %+v, want fallback", r)
	}
	if len(h.backend.Calls()) != 0 {
		t.Error("Send called without a thread")
	}
}

func TestHandleTurn_CancelledContext(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 20, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.funnel.HandleTurn(ctx, "", "hi"); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestHandleTurn_SessionsAreIsolated(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 2, time.Hour)

	h.turn(t, "alice", "hi")
	h.turn(t, "bob", "hi")
	if r := h.turn(t, "alice", "bye"); !r.Exit {
		t.Fatal("alice did not reach her limit")
	}
	if st := h.funnel.Status("bob"); st.TurnCount != 1 {
		t.Errorf("bob TurnCount = %d, want 1", st.TurnCount)
	}
	fz := h.Finalized()
	if len(fz) != 1 || fz[0].SessionID != "alice" {
		t.Fatalf("finalized = %+v", fz)
	}
	if got := h.transcriptTurns(t, fz[0].State.TranscriptPath); len(got) != 2 || got[0].User != "hi" || got[1].User != "bye" {
		t.Errorf("alice transcript = %+v", got)
	}
}

func TestHandleTurn_ConcurrentTurnsSameSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 10, time.Hour)

	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			if _, err := h.funnel.HandleTurn(context.Background(), "", "hello"); err != nil {
				t.Errorf("HandleTurn: %v", err)
			}
		})
	}
	wg.Wait()

	fz := h.Finalized()
	if len(fz) != 1 {
		t.Fatalf("finalizations = %d, want exactly 1", len(fz))
	}
	if got := h.transcriptTurns(t, fz[0].State.TranscriptPath); len(got) != 10 {
		t.Errorf("transcript turns = %d, want 10", len(got))
	}
}

func TestForceExit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 20, time.Hour)

	if h.funnel.ForceExit(context.Background(), "nobody") {
		t.Error("ForceExit finalized an unknown session")
	}
	h.turn(t, "", "hi")
	if !h.funnel.ForceExit(context.Background(), "") {
		t.Fatal("ForceExit did not finalize")
	}
	if h.funnel.ForceExit(context.Background(), "") {
		t.Error("second ForceExit finalized an empty history")
	}
	fz := h.Finalized()
	if len(fz) != 1 || fz[0].Trigger != TriggerForceExit {
		t.Errorf("finalized = %+v", fz)
	}
}

func TestFinalizeIdle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 20, 10*time.Minute)
	h.turn(t, "", "hi")
	s, _ := h.funnel.Sessions().Lookup("")

	h.funnel.FinalizeIdle(context.Background(), s)
	if len(h.Finalized()) != 0 {
		t.Fatal("active session finalized")
	}

	h.clock.Advance(10 * time.Minute)
	h.funnel.FinalizeIdle(context.Background(), s)
	fz := h.Finalized()
	if len(fz) != 1 || fz[0].Trigger != TriggerIdle {
		t.Fatalf("finalized = %+v", fz)
	}

	h.clock.Advance(time.Hour)
	h.funnel.FinalizeIdle(context.Background(), s)
	if len(h.Finalized()) != 1 {
		t.Error("empty idle session finalized again")
	}
}

func TestFinalize_ReleasesFinishedSessions(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, time.Hour)

	for i := range 50 {
		if r := h.turn(t, fmt.Sprintf("visitor-%d", i), "hi"); !r.Exit {
			t.Fatalf("visitor-%d did not exit", i)
		}
	}
	h.turn(t, "", "hi")

	if got := len(h.Finalized()); got != 51 {
		t.Errorf("finalizations = %d, want 51", got)
	}
	if ids := h.funnel.Sessions().IDs(); !slices.Equal(ids, []string{session.DefaultID}) {
		t.Errorf("registered sessions = %v, want only the default one", ids)
	}
}

func TestFinalizeIdle_DropsEmptySession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 20, 10*time.Minute)
	s := h.funnel.Sessions().Get("ws-1")

	h.funnel.FinalizeIdle(context.Background(), s)
	if _, ok := h.funnel.Sessions().Lookup("ws-1"); !ok {
		t.Fatal("active empty session dropped")
	}

	h.clock.Advance(10 * time.Minute)
	h.funnel.FinalizeIdle(context.Background(), s)
	if _, ok := h.funnel.Sessions().Lookup("ws-1"); ok {
		t.Error("idle empty session still registered")
	}
	if len(h.Finalized()) != 0 {
		t.Error("empty session finalized")
	}

	// The visitor coming back gets a fresh session.
	h.turn(t, "ws-1", "back again")
	if st := h.funnel.Status("ws-1"); st.TurnCount != 1 {
		t.Errorf("TurnCount = %d, want 1", st.TurnCount)
	}
}

func TestFinalize_PipelineErrorsStayInternal(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, time.Hour)
	h.finalizer.report = pipeline.Report{Results: []pipeline.StageResult{
		{Name: pipeline.StageProductEmail, Err: pipeline.ErrNoCustomerEmail},
	}}

	r := h.turn(t, "", "hi")
	if r.Bot != "re: hi" || !r.Exit {
		t.Errorf("reply = %+v", r)
	}
}

func TestFinalize_PersistFailureStillResets(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, time.Hour)
	var err error
	h.funnel, err = New(Config{
		Sessions: session.NewRegistry(1, time.Hour, h.clock.Now),
		Backend:  h.backend,
		Store:    failingStore{},
		Pipeline: h.finalizer,
	}, WithMetrics(h.funnel.metrics))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if r := h.turn(t, "", "hi"); !r.Exit {
		t.Fatal("turn limit 1 did not exit")
	}
	if len(h.finalizer.States()) != 0 {
		t.Error("pipeline ran without a transcript")
	}
	if st := h.funnel.Status(""); st.TurnCount != 0 {
		t.Errorf("TurnCount = %d, want reset", st.TurnCount)
	}
	if _, deleted := h.backend.ThreadIDs(); len(deleted) != 1 {
		t.Errorf("deleted threads = %v, want the thread dropped", deleted)
	}
}

func TestFunnel_RecordsMetrics(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 2, time.Hour)
	h.turn(t, "", "a")
	h.turn(t, "", "b")

	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch d := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range d.DataPoints {
					key := m.Name
					if v, ok := dp.Attributes.Value("trigger"); ok {
						key += "/" + v.AsString()
					}
					sums[key] += dp.Value
				}
			}
		}
	}
	if sums["leadflow.chat.turns"] != 2 {
		t.Errorf("chat turns = %d, want 2", sums["leadflow.chat.turns"])
	}
	if sums["leadflow.sessions.finalized/"+TriggerTurnLimit] != 1 {
		t.Errorf("finalized = %v", sums)
	}
	if sums["leadflow.active_sessions"] != 0 {
		t.Errorf("active sessions = %d, want 0 after finalize", sums["leadflow.active_sessions"])
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()
	_, err := New(Config{})
	if err == nil {
		t.Fatal("expected error")
	}
	want := "funnel: missing session registry, chat backend, transcript store, pipeline"
	if err.Error() != want {
		t.Errorf("err = %q, want %q", err.Error(), want)
	}
}
