// Package calendar books demo meetings. [GraphScheduler] creates Microsoft
// Teams meetings as calendar events on a service mailbox through the
// Microsoft Graph REST API, authenticated with the OAuth2 client credentials
// flow.
package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/MrWong99/leadflow/internal/observe"
)

// Defaults for the Microsoft identity platform and Graph.
const (
	DefaultGraphURL = "https://graph.microsoft.com"
	DefaultLoginURL = "https://login.microsoftonline.com"
	GraphScope      = "https://graph.microsoft.com/.default"

	// TeamsLocation is the display name set on every booked event.
	TeamsLocation = "Microsoft Teams Meeting"
)

// graphDateTime is the layout Graph expects alongside a timeZone name.
const graphDateTime = "2006-01-02T15:04:05"

// ErrGraphStatus is wrapped by [*StatusError] for any non-2xx Graph response.
var ErrGraphStatus = errors.New("calendar: graph request failed")

// StatusError carries the status and body of a rejected Graph request.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("calendar: graph returned %d: %s", e.StatusCode, e.Body)
}

// Unwrap returns [ErrGraphStatus].
func (e *StatusError) Unwrap() error { return ErrGraphStatus }

// Attendee is a required meeting participant.
type Attendee struct {
	Name    string
	Address string
}

// Event describes the meeting to create. Start and End are interpreted in
// their own location; the location name is sent as the Graph timeZone.
type Event struct {
	Subject   string
	BodyHTML  string
	Start     time.Time
	End       time.Time
	Attendees []Attendee
}

// Meeting is the booked meeting as reported by the calendar backend.
type Meeting struct {
	ID      string
	JoinURL string
	WebLink string
}

// Scheduler creates online meetings. Implementations must be safe for
// concurrent use.
type Scheduler interface {
	Schedule(ctx context.Context, ev Event) (*Meeting, error)
}

// GraphScheduler implements [Scheduler] against Microsoft Graph.
type GraphScheduler struct {
	client   *http.Client
	graphURL string
	userID   string
	metrics  *observe.Metrics
}

var _ Scheduler = (*GraphScheduler)(nil)

type graphConfig struct {
	graphURL   string
	loginURL   string
	httpClient *http.Client
	metrics    *observe.Metrics
}

// GraphOption configures a [GraphScheduler].
type GraphOption func(*graphConfig)

// WithGraphURL overrides [DefaultGraphURL].
func WithGraphURL(u string) GraphOption {
	return func(c *graphConfig) { c.graphURL = u }
}

// WithLoginURL overrides [DefaultLoginURL]; the token endpoint is derived
// from it and the tenant ID.
func WithLoginURL(u string) GraphOption {
	return func(c *graphConfig) { c.loginURL = u }
}

// WithHTTPClient sets the transport used for both token and Graph requests.
func WithHTTPClient(hc *http.Client) GraphOption {
	return func(c *graphConfig) { c.httpClient = hc }
}

// WithMetrics records requests into m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) GraphOption {
	return func(c *graphConfig) { c.metrics = m }
}

// NewGraphScheduler creates a scheduler that books events on userID's
// calendar using the app registration identified by tenantID and clientID.
func NewGraphScheduler(tenantID, clientID, clientSecret, userID string, opts ...GraphOption) (*GraphScheduler, error) {
	var missing []string
	for name, v := range map[string]string{
		"tenant_id": tenantID, "client_id": clientID, "client_secret": clientSecret, "user_id": userID,
	} {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return nil, fmt.Errorf("calendar: missing graph credentials: %s", strings.Join(missing, ", "))
	}

	cfg := &graphConfig{graphURL: DefaultGraphURL, loginURL: DefaultLoginURL}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.metrics == nil {
		cfg.metrics = observe.DefaultMetrics()
	}

	cc := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     strings.TrimRight(cfg.loginURL, "/") + "/" + url.PathEscape(tenantID) + "/oauth2/v2.0/token",
		Scopes:       []string{GraphScope},
	}
	ctx := context.Background()
	if cfg.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, cfg.httpClient)
	}

	return &GraphScheduler{
		client:   cc.Client(ctx),
		graphURL: strings.TrimRight(cfg.graphURL, "/"),
		userID:   userID,
		metrics:  cfg.metrics,
	}, nil
}

// ── Graph wire types ──

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphDateTimeZone struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphEmailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

type graphAttendee struct {
	EmailAddress graphEmailAddress `json:"emailAddress"`
	Type         string            `json:"type"`
}

type graphLocation struct {
	DisplayName string `json:"displayName"`
}

type graphEvent struct {
	Subject               string            `json:"subject"`
	Body                  graphBody         `json:"body"`
	Start                 graphDateTimeZone `json:"start"`
	End                   graphDateTimeZone `json:"end"`
	Location              graphLocation     `json:"location"`
	Attendees             []graphAttendee   `json:"attendees"`
	IsOnlineMeeting       bool              `json:"isOnlineMeeting"`
	OnlineMeetingProvider string            `json:"onlineMeetingProvider"`
}

type graphEventResponse struct {
	ID            string `json:"id"`
	WebLink       string `json:"webLink"`
	OnlineMeeting *struct {
		JoinURL string `json:"joinUrl"`
	} `json:"onlineMeeting"`
}

func newGraphEvent(ev Event) graphEvent {
	ge := graphEvent{
		Subject:               ev.Subject,
		Body:                  graphBody{ContentType: "HTML", Content: ev.BodyHTML},
		Start:                 graphDateTimeZone{DateTime: ev.Start.Format(graphDateTime), TimeZone: ev.Start.Location().String()},
		End:                   graphDateTimeZone{DateTime: ev.End.Format(graphDateTime), TimeZone: ev.End.Location().String()},
		Location:              graphLocation{DisplayName: TeamsLocation},
		IsOnlineMeeting:       true,
		OnlineMeetingProvider: "teamsForBusiness",
	}
	for _, a := range ev.Attendees {
		ge.Attendees = append(ge.Attendees, graphAttendee{
			EmailAddress: graphEmailAddress{Address: a.Address, Name: a.Name},
			Type:         "required",
		})
	}
	return ge
}

// Schedule implements [Scheduler].
func (g *GraphScheduler) Schedule(ctx context.Context, ev Event) (*Meeting, error) {
	payload, err := json.Marshal(newGraphEvent(ev))
	if err != nil {
		return nil, fmt.Errorf("calendar: encode event: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1.0/users/%s/events?sendInvites=true", g.graphURL, url.PathEscape(g.userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("calendar: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		g.metrics.RecordProviderRequest(ctx, "graph", "calendar", "error")
		return nil, fmt.Errorf("calendar: create event: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		g.metrics.RecordProviderRequest(ctx, "graph", "calendar", "error")
		return nil, fmt.Errorf("calendar: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		g.metrics.RecordProviderRequest(ctx, "graph", "calendar", "error")
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 512)}
	}
	g.metrics.RecordProviderRequest(ctx, "graph", "calendar", "ok")

	var out graphEventResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("calendar: decode event: %w", err)
	}
	m := &Meeting{ID: out.ID, WebLink: out.WebLink}
	if out.OnlineMeeting != nil {
		m.JoinURL = out.OnlineMeeting.JoinURL
	}
	observe.Logger(ctx).Info("calendar: meeting booked", "event_id", m.ID, "subject", ev.Subject)
	return m, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
