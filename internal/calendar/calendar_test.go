package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/leadflow/internal/observe"
)

// fakeGraph serves the token endpoint and the events endpoint.
type fakeGraph struct {
	mu         sync.Mutex
	tokenForms []string
	authHeader []string
	paths      []string
	events     []map[string]any
	status     int
	response   map[string]any
}

func (f *fakeGraph) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tenant-1/oauth2/v2.0/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		f.mu.Lock()
		f.tokenForms = append(f.tokenForms, r.PostForm.Encode())
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "graph-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("POST /v1.0/users/{user}/events", func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var ev map[string]any
		_ = json.Unmarshal(raw, &ev)
		f.mu.Lock()
		f.authHeader = append(f.authHeader, r.Header.Get("Authorization"))
		f.paths = append(f.paths, r.URL.Path+"?"+r.URL.RawQuery)
		f.events = append(f.events, ev)
		status, resp := f.status, f.response
		f.mu.Unlock()

		if status == 0 {
			status = http.StatusCreated
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	})
	return mux
}

func newScheduler(t *testing.T, fake *fakeGraph) *GraphScheduler {
	t.Helper()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	g, err := NewGraphScheduler("tenant-1", "client-1", "secret-1", "bookings@example.com",
		WithGraphURL(srv.URL),
		WithLoginURL(srv.URL+"/"),
		WithHTTPClient(srv.Client()),
		WithMetrics(m),
	)
	if err != nil {
		t.Fatalf("NewGraphScheduler: %v", err)
	}
	return g
}

func demoEvent(t *testing.T) Event {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	start := time.Date(2025, 7, 15, 15, 30, 0, 0, loc)
	return Event{
		Subject:  "CRM Suite Demo with Asha Rao",
		BodyHTML: "<p>Let's connect to discuss CRM Suite.</p>",
		Start:    start,
		End:      start.Add(30 * time.Minute),
		Attendees: []Attendee{
			{Name: "Asha Rao", Address: "asha@example.org"},
			{Name: "Sales Team", Address: "sales@example.com"},
		},
	}
}

func TestSchedule_CreatesTeamsEvent(t *testing.T) {
	t.Parallel()
	fake := &fakeGraph{response: map[string]any{
		"id":            "evt-1",
		"webLink":       "https://outlook.example/evt-1",
		"onlineMeeting": map[string]any{"joinUrl": "https://teams.example/join/1"},
	}}
	g := newScheduler(t, fake)

	m, err := g.Schedule(context.Background(), demoEvent(t))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if m.JoinURL != "https://teams.example/join/1" || m.ID != "evt-1" || m.WebLink == "" {
		t.Errorf("meeting = %+v", m)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()

	if len(fake.tokenForms) != 1 {
		t.Fatalf("token requests = %d, want 1", len(fake.tokenForms))
	}
	form := fake.tokenForms[0]
	for _, want := range []string{"grant_type=client_credentials", "scope=https%3A%2F%2Fgraph.microsoft.com%2F.default"} {
		if !strings.Contains(form, want) {
			t.Errorf("token form %q missing %q", form, want)
		}
	}
	if fake.authHeader[0] != "Bearer graph-token" {
		t.Errorf("Authorization = %q", fake.authHeader[0])
	}
	if fake.paths[0] != "/v1.0/users/bookings@example.com/events?sendInvites=true" {
		t.Errorf("path = %q", fake.paths[0])
	}

	ev := fake.events[0]
	if ev["subject"] != "CRM Suite Demo with Asha Rao" {
		t.Errorf("subject = %v", ev["subject"])
	}
	if ev["isOnlineMeeting"] != true || ev["onlineMeetingProvider"] != "teamsForBusiness" {
		t.Errorf("online meeting fields = %v / %v", ev["isOnlineMeeting"], ev["onlineMeetingProvider"])
	}
	start := ev["start"].(map[string]any)
	if start["dateTime"] != "2025-07-15T15:30:00" || start["timeZone"] != "Asia/Kolkata" {
		t.Errorf("start = %v", start)
	}
	end := ev["end"].(map[string]any)
	if end["dateTime"] != "2025-07-15T16:00:00" {
		t.Errorf("end = %v", end)
	}
	if loc := ev["location"].(map[string]any); loc["displayName"] != TeamsLocation {
		t.Errorf("location = %v", loc)
	}
	body := ev["body"].(map[string]any)
	if body["contentType"] != "HTML" {
		t.Errorf("body contentType = %v", body["contentType"])
	}
	attendees := ev["attendees"].([]any)
	if len(attendees) != 2 {
		t.Fatalf("attendees = %d, want 2", len(attendees))
	}
	second := attendees[1].(map[string]any)
	if second["type"] != "required" {
		t.Errorf("attendee type = %v", second["type"])
	}
	if addr := second["emailAddress"].(map[string]any); addr["name"] != "Sales Team" {
		t.Errorf("second attendee = %v", addr)
	}
}

func TestSchedule_StatusError(t *testing.T) {
	t.Parallel()
	fake := &fakeGraph{
		status:   http.StatusForbidden,
		response: map[string]any{"error": map[string]any{"code": "ErrorAccessDenied"}},
	}
	g := newScheduler(t, fake)

	_, err := g.Schedule(context.Background(), demoEvent(t))
	if !errors.Is(err, ErrGraphStatus) {
		t.Fatalf("err = %v, want ErrGraphStatus", err)
	}
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %T, want *StatusError", err)
	}
	if se.StatusCode != http.StatusForbidden {
		t.Errorf("StatusCode = %d, want 403", se.StatusCode)
	}
	if !strings.Contains(se.Body, "ErrorAccessDenied") {
		t.Errorf("Body = %q", se.Body)
	}
}

func TestSchedule_NoOnlineMeeting(t *testing.T) {
	t.Parallel()
	g := newScheduler(t, &fakeGraph{response: map[string]any{"id": "evt-2"}})
	m, err := g.Schedule(context.Background(), demoEvent(t))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if m.JoinURL != "" {
		t.Errorf("JoinURL = %q, want empty", m.JoinURL)
	}
}

func TestNewGraphScheduler_MissingCredentials(t *testing.T) {
	t.Parallel()
	_, err := NewGraphScheduler("tenant", "", "", "user")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := err.Error(); !strings.Contains(got, "client_id, client_secret") {
		t.Errorf("err = %q, want sorted missing field list", got)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	if got := truncate("abcdef", 3); got != "abc..." {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("ab", 3); got != "ab" {
		t.Errorf("truncate = %q", got)
	}
}
