package assistants

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/openai/openai-go/option"

	"github.com/MrWong99/leadflow/pkg/provider/chat"
)

// fakeAssistants serves the subset of the threads API used by Backend.
type fakeAssistants struct {
	mu sync.Mutex

	// statuses is the sequence of run statuses returned by create followed by
	// each poll. The last entry repeats.
	statuses  []string
	lastError string
	reply     []map[string]any

	polls       int
	messages    []string
	runBodies   []map[string]any
	listQueries []string
	deleted     []string
}

func (f *fakeAssistants) runJSON(threadID string) map[string]any {
	idx := min(f.polls, len(f.statuses)-1)
	run := map[string]any{
		"id":           "run_1",
		"object":       "thread.run",
		"thread_id":    threadID,
		"assistant_id": "asst_1",
		"status":       f.statuses[idx],
	}
	if f.lastError != "" {
		run["last_error"] = map[string]any{"code": "server_error", "message": f.lastError}
	}
	return run
}

func (f *fakeAssistants) handler() http.Handler {
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
	mux.HandleFunc("POST /threads", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"id": "thread_1", "object": "thread", "created_at": 0, "metadata": map[string]any{}})
	})
	mux.HandleFunc("DELETE /threads/{tid}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.deleted = append(f.deleted, r.PathValue("tid"))
		f.mu.Unlock()
		writeJSON(w, map[string]any{"id": r.PathValue("tid"), "object": "thread.deleted", "deleted": true})
	})
	mux.HandleFunc("POST /threads/{tid}/messages", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		f.mu.Lock()
		f.messages = append(f.messages, body.Role+":"+body.Content)
		f.mu.Unlock()
		writeJSON(w, map[string]any{"id": "msg_1", "object": "thread.message", "thread_id": r.PathValue("tid"), "role": "user"})
	})
	mux.HandleFunc("GET /threads/{tid}/messages", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.listQueries = append(f.listQueries, r.URL.RawQuery)
		data := f.reply
		f.mu.Unlock()
		writeJSON(w, map[string]any{"object": "list", "data": data, "has_more": false})
	})
	mux.HandleFunc("POST /threads/{tid}/runs", func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		f.mu.Lock()
		defer f.mu.Unlock()
		f.runBodies = append(f.runBodies, body)
		writeJSON(w, f.runJSON(r.PathValue("tid")))
	})
	mux.HandleFunc("GET /threads/{tid}/runs/{rid}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.polls++
		writeJSON(w, f.runJSON(r.PathValue("tid")))
	})
	return mux
}

func textMessage(text string) map[string]any {
	return map[string]any{
		"id":        "msg_2",
		"object":    "thread.message",
		"role":      "assistant",
		"thread_id": "thread_1",
		"content": []map[string]any{{
			"type": "text",
			"text": map[string]any{"value": text, "annotations": []any{}},
		}},
	}
}

func newTestBackend(t *testing.T, fake *fakeAssistants) *Backend {
	t.Helper()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	b, err := New("sk-test", "asst_1",
		WithBaseURL(srv.URL),
		WithPollInterval(time.Millisecond),
		WithRequestOptions(option.WithMaxRetries(0)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New("", "asst"); err == nil {
		t.Error("expected error for empty api key")
	}
	if _, err := New("sk", ""); err == nil {
		t.Error("expected error for empty assistant id")
	}
	b, err := New("sk", "asst", WithPollInterval(-1), WithAzureEndpoint("https://x.openai.azure.com", "2024-05-01-preview"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if b.pollInterval != DefaultPollInterval {
		t.Errorf("pollInterval = %v, want %v", b.pollInterval, DefaultPollInterval)
	}
}

func TestSend_PollsUntilCompleted(t *testing.T) {
	t.Parallel()
	fake := &fakeAssistants{
		statuses: []string{"queued", "in_progress", "completed"},
		reply:    []map[string]any{textMessage("Hi! What product are you interested in?")},
	}
	b := newTestBackend(t, fake)
	ctx := context.Background()

	threadID, err := b.NewThread(ctx)
	if err != nil {
		t.Fatalf("NewThread: %v", err)
	}
	if threadID != "thread_1" {
		t.Fatalf("threadID = %q, want thread_1", threadID)
	}

	reply, err := b.Send(ctx, threadID, "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply != "Hi! What product are you interested in?" {
		t.Errorf("reply = %q", reply)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.polls != 2 {
		t.Errorf("polls = %d, want 2", fake.polls)
	}
	if len(fake.messages) != 1 || fake.messages[0] != "user:hello" {
		t.Errorf("messages = %v", fake.messages)
	}
	if fake.runBodies[0]["assistant_id"] != "asst_1" {
		t.Errorf("run assistant_id = %v", fake.runBodies[0]["assistant_id"])
	}
	q, _ := url.ParseQuery(fake.listQueries[0])
	if q.Get("order") != "desc" || q.Get("limit") != "1" {
		t.Errorf("list query = %q, want order=desc and limit=1", fake.listQueries[0])
	}
}

func TestSend_NoTextReturnsFallback(t *testing.T) {
	t.Parallel()
	fake := &fakeAssistants{statuses: []string{"completed"}}
	b := newTestBackend(t, fake)

	reply, err := b.Send(context.Background(), "thread_1", "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply != chat.FallbackReply {
		t.Errorf("reply = %q, want %q", reply, chat.FallbackReply)
	}
}

func TestSend_FailedRun(t *testing.T) {
	t.Parallel()
	for _, status := range []string{"failed", "cancelled", "expired", "requires_action"} {
		t.Run(status, func(t *testing.T) {
			t.Parallel()
			fake := &fakeAssistants{statuses: []string{"in_progress", status}, lastError: "boom"}
			b := newTestBackend(t, fake)

			_, err := b.Send(context.Background(), "thread_1", "hello")
			if !errors.Is(err, chat.ErrRunFailed) {
				t.Fatalf("err = %v, want ErrRunFailed", err)
			}
		})
	}
}

func TestSend_ContextCancelledWhilePolling(t *testing.T) {
	t.Parallel()
	fake := &fakeAssistants{statuses: []string{"in_progress"}}
	b := newTestBackend(t, fake)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.Send(ctx, "thread_1", "hello")
	if err == nil {
		t.Fatal("expected error when the run never finishes")
	}
}

func TestDeleteThread(t *testing.T) {
	t.Parallel()
	fake := &fakeAssistants{statuses: []string{"completed"}}
	b := newTestBackend(t, fake)

	if err := b.DeleteThread(context.Background(), "thread_9"); err != nil {
		t.Fatalf("DeleteThread: %v", err)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.deleted) != 1 || fake.deleted[0] != "thread_9" {
		t.Errorf("deleted = %v", fake.deleted)
	}
}
