package workflow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	calmock "github.com/MrWong99/leadflow/internal/calendar/mock"
	"github.com/MrWong99/leadflow/internal/classifier"
	mailmock "github.com/MrWong99/leadflow/internal/mail/mock"
	"github.com/MrWong99/leadflow/internal/observe"
	"github.com/MrWong99/leadflow/internal/pipeline"
	"github.com/MrWong99/leadflow/internal/session"
	"github.com/MrWong99/leadflow/internal/transcript"
	"github.com/MrWong99/leadflow/pkg/provider/chat"
	chatmock "github.com/MrWong99/leadflow/pkg/provider/chat/mock"
	"github.com/MrWong99/leadflow/pkg/provider/llm"
	llmmock "github.com/MrWong99/leadflow/pkg/provider/llm/mock"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// salesLLM answers the classifier with classify(message) and the
// finalization stages with canned extractions.
func salesLLM(classify func(msg string) string) *llmmock.Provider {
	return &llmmock.Provider{CompleteFunc: func(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		switch {
		case req.MaxTokens == 1:
			return &llm.CompletionResponse{Content: classify(req.Messages[0].Content)}, nil
		case strings.Contains(req.SystemPrompt, "summarizes"):
			return &llm.CompletionResponse{Content: "Dear Sales Team,\nName: Asha Rao\nEmail: asha@example.org"}, nil
		case strings.Contains(req.SystemPrompt, "product resources"):
			return &llm.CompletionResponse{Content: `{"product_name": "CRM Suite", "video_link": "https://v", "document_link": "https://d"}`}, nil
		case strings.Contains(req.SystemPrompt, "Extract the name"):
			return &llm.CompletionResponse{Content: `{"name": "Asha Rao", "email": "asha@example.org", "date": "15/07/2025", "time": "3:30 PM", "product": "CRM Suite"}`}, nil
		}
		return nil, fmt.Errorf("unexpected request %q", req.SystemPrompt)
	}}
}

func newClassifier(t *testing.T, p llm.Provider) *classifier.Classifier {
	t.Helper()
	c, err := classifier.New(p, classifier.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("classifier.New: %v", err)
	}
	return c
}

func scriptLines(n int) []string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = fmt.Sprintf("message %d", i+1)
	}
	lines[1] = "my email is asha@example.org"
	return lines
}

func readTurns(t *testing.T, store transcript.Store, ref string) []transcript.Turn {
	t.Helper()
	content, err := store.Read(context.Background(), ref)
	if err != nil {
		t.Fatalf("Read(%q): %v", ref, err)
	}
	_, turns, err := transcript.Parse(content)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return turns
}

func TestReplay_TwentyTurnLimitRunsFullChain(t *testing.T) {
	t.Parallel()
	start := time.Date(2025, 7, 15, 9, 0, 0, 0, time.UTC)
	store := transcript.NewFileStore(t.TempDir())
	backend := &chatmock.Backend{SendFunc: func(_, msg string) (string, error) { return "ack: " + msg, nil }}
	provider := salesLLM(func(string) string { return "no" })
	mailer := &mailmock.Sender{}
	scheduler := &calmock.Scheduler{}

	chatNode, err := ReplayChatNode(store, Source{Script: &Script{
		Lines:      scriptLines(25),
		Backend:    backend,
		Tracker:    session.NewTracker(session.DefaultTurnLimit, session.DefaultInactivityTimeout, start),
		Classifier: newClassifier(t, provider),
		Clock:      fixedClock(start, 10*time.Second),
	}})
	if err != nil {
		t.Fatalf("ReplayChatNode: %v", err)
	}
	stages, err := pipeline.DefaultStages(pipeline.Deps{
		Store:         store,
		LLM:           provider,
		Mail:          mailer,
		Scheduler:     scheduler,
		SalesReceiver: "sales@example.com",
		Meeting:       pipeline.MeetingConfig{Location: time.UTC},
	})
	if err != nil {
		t.Fatalf("DefaultStages: %v", err)
	}
	chain, err := DefaultChain(chatNode, pipeline.New(stages, pipeline.WithMetrics(testMetrics(t))))
	if err != nil {
		t.Fatalf("DefaultChain: %v", err)
	}

	final, err := chain.Invoke(context.Background(), pipeline.State{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	turns := readTurns(t, store, final.TranscriptPath)
	if len(turns) != 20 {
		t.Fatalf("persisted %d turns, want 20", len(turns))
	}
	if turns[19].User != "message 20" || turns[19].Bot != "ack: message 20" {
		t.Errorf("last turn = %+v", turns[19])
	}
	if got := len(backend.Calls()); got != 20 {
		t.Errorf("backend sends = %d, want 20", got)
	}
	created, deleted := backend.ThreadIDs()
	if !slices.Equal(created, deleted) || len(created) != 1 {
		t.Errorf("threads created %v, deleted %v", created, deleted)
	}

	if !strings.HasPrefix(final.EmailStatus, "Sent summary email") {
		t.Errorf("EmailStatus = %q", final.EmailStatus)
	}
	if final.CustomerEmail != "asha@example.org" || final.ProductName != "CRM Suite" {
		t.Errorf("product fields = %+v", final)
	}
	if final.MeetingDetails == nil || final.MeetingDetails.Subject != "CRM Suite Demo with Asha Rao" {
		t.Errorf("MeetingDetails = %+v", final.MeetingDetails)
	}
	if got := len(mailer.Messages()); got != 2 {
		t.Errorf("emails sent = %d, want 2", got)
	}
}

func TestReplay_ClassifierEndsEarly(t *testing.T) {
	t.Parallel()
	start := time.Unix(0, 0)
	store := transcript.NewFileStore(t.TempDir())
	provider := salesLLM(func(msg string) string {
		if msg == "message 3" {
			return "Yes."
		}
		return "no"
	})
	node, err := ReplayChatNode(store, Source{Script: &Script{
		Lines:      scriptLines(10),
		Backend:    &chatmock.Backend{SendReply: "ok"},
		Tracker:    session.NewTracker(20, time.Hour, start),
		Classifier: newClassifier(t, provider),
		Clock:      fixedClock(start, time.Second),
	}})
	if err != nil {
		t.Fatalf("ReplayChatNode: %v", err)
	}

	var st pipeline.State
	if err := node(context.Background(), &st); err != nil {
		t.Fatalf("node: %v", err)
	}
	if got := len(readTurns(t, store, st.TranscriptPath)); got != 3 {
		t.Errorf("persisted %d turns, want 3", got)
	}
}

func TestReplay_InactivityEndsOnFirstLateMessage(t *testing.T) {
	t.Parallel()
	start := time.Unix(0, 0)
	store := transcript.NewFileStore(t.TempDir())
	tracker := session.NewTracker(20, 800*time.Second, start)
	node, err := ReplayChatNode(store, Source{Script: &Script{
		Lines:   []string{"hello", "still there?"},
		Backend: &chatmock.Backend{SendReply: "hi"},
		Tracker: tracker,
		Clock:   fixedClock(start, 801*time.Second),
	}})
	if err != nil {
		t.Fatalf("ReplayChatNode: %v", err)
	}
	var st pipeline.State
	if err := node(context.Background(), &st); err != nil {
		t.Fatalf("node: %v", err)
	}
	turns := readTurns(t, store, st.TranscriptPath)
	if len(turns) != 1 || turns[0].User != "hello" {
		t.Errorf("turns = %+v, want only the late first message", turns)
	}
	if got := tracker.Status(start).TurnCount; got != 0 {
		t.Errorf("TurnCount after replay = %d, want reset to 0", got)
	}
}

// brokenStore fails every Persist.
type brokenStore struct{ transcript.Store }

func (brokenStore) Persist(context.Context, []transcript.Turn) (string, error) {
	return "", errors.New("disk full")
}

func TestReplay_ResetsTrackerWhenPersistFails(t *testing.T) {
	t.Parallel()
	start := time.Unix(0, 0)
	tracker := session.NewTracker(20, time.Hour, start)
	node, err := ReplayChatNode(brokenStore{transcript.NewFileStore(t.TempDir())}, Source{Script: &Script{
		Lines:   []string{"hi", "bye"},
		Backend: &chatmock.Backend{SendReply: "ok"},
		Tracker: tracker,
		Clock:   fixedClock(start, time.Second),
	}})
	if err != nil {
		t.Fatalf("ReplayChatNode: %v", err)
	}
	if err := node(context.Background(), &pipeline.State{}); err == nil {
		t.Fatal("expected the persist error")
	}
	if got := tracker.Status(start).TurnCount; got != 0 {
		t.Errorf("TurnCount = %d, want the tracker reset", got)
	}
}

func TestReplay_BackendErrorUsesFallback(t *testing.T) {
	t.Parallel()
	store := transcript.NewFileStore(t.TempDir())
	start := time.Unix(0, 0)
	node, err := ReplayChatNode(store, Source{Script: &Script{
		Lines:   []string{"hi", "", "   ", "bye"},
		Backend: &chatmock.Backend{SendErr: chat.ErrRunFailed},
		Tracker: session.NewTracker(20, time.Hour, start),
		Clock:   fixedClock(start, time.Second),
	}})
	if err != nil {
		t.Fatalf("ReplayChatNode: %v", err)
	}
	var st pipeline.State
	if err := node(context.Background(), &st); err != nil {
		t.Fatalf("node: %v", err)
	}
	turns := readTurns(t, store, st.TranscriptPath)
	want := []transcript.Turn{{User: "hi", Bot: chat.FallbackReply}, {User: "bye", Bot: chat.FallbackReply}}
	if !slices.Equal(turns, want) {
		t.Errorf("turns = %+v, want %+v", turns, want)
	}
}

func TestReplay_NewThreadFailure(t *testing.T) {
	t.Parallel()
	store := transcript.NewFileStore(t.TempDir())
	node, err := ReplayChatNode(store, Source{Script: &Script{
		Lines:   []string{"hi"},
		Backend: &chatmock.Backend{NewThreadErr: errors.New("401")},
		Tracker: session.NewTracker(20, time.Hour, time.Now()),
	}})
	if err != nil {
		t.Fatalf("ReplayChatNode: %v", err)
	}
	if err := node(context.Background(), &pipeline.State{}); err == nil {
		t.Error("expected error when no thread can be opened")
	}
	if _, err := store.Latest(context.Background()); !errors.Is(err, transcript.ErrNotFound) {
		t.Errorf("Latest = %v, want nothing persisted", err)
	}
}

func TestReplay_ExistingTranscript(t *testing.T) {
	t.Parallel()
	store := transcript.NewFileStore(t.TempDir())
	ref, err := store.Persist(context.Background(), []transcript.Turn{{User: "hi", Bot: "hello"}})
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}

	node, err := ReplayChatNode(store, Source{TranscriptPath: ref})
	if err != nil {
		t.Fatalf("ReplayChatNode: %v", err)
	}
	var st pipeline.State
	if err := node(context.Background(), &st); err != nil {
		t.Fatalf("node: %v", err)
	}
	if st.TranscriptPath != ref {
		t.Errorf("TranscriptPath = %q, want %q", st.TranscriptPath, ref)
	}

	missing, err := ReplayChatNode(store, Source{TranscriptPath: ref + ".missing"})
	if err != nil {
		t.Fatalf("ReplayChatNode: %v", err)
	}
	if err := missing(context.Background(), &pipeline.State{}); !errors.Is(err, transcript.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestReplayChatNode_Validation(t *testing.T) {
	t.Parallel()
	store := transcript.NewFileStore(t.TempDir())
	tracker := session.NewTracker(20, time.Hour, time.Now())
	tests := []struct {
		name  string
		store transcript.Store
		src   Source
	}{
		{"no store", nil, Source{TranscriptPath: "x"}},
		{"empty", store, Source{}},
		{"both", store, Source{TranscriptPath: "x", Script: &Script{Backend: &chatmock.Backend{}, Tracker: tracker}}},
		{"no backend", store, Source{Script: &Script{Tracker: tracker}}},
		{"no tracker", store, Source{Script: &Script{Backend: &chatmock.Backend{}}}},
	}
	for _, tt := range tests {
		if _, err := ReplayChatNode(tt.store, tt.src); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestReadScript(t *testing.T) {
	t.Parallel()
	in := "# demo conversation\nHi there\n\n  I'm Asha  \n# end\n"
	got, err := ReadScript(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ReadScript: %v", err)
	}
	if want := []string{"Hi there", "I'm Asha"}; !slices.Equal(got, want) {
		t.Errorf("ReadScript = %q, want %q", got, want)
	}
}
