// Package web exposes the lead funnel over HTTP.
//
// Routes:
//
//   - POST /chat        {message, session_id?} → {bot, exit}
//   - GET  /status      ?session_id=           → tracker status
//   - POST /force_exit  {session_id?}          → {"status": "followup triggered"}
//   - POST /sessions                           → {session_id}
//   - GET  /ws          ?session_id=           → WebSocket, one {message} frame in, one {bot, exit} frame out
//   - GET  /healthz, /readyz, /metrics
//
// Omitting session_id addresses the shared default session, which keeps
// single-visitor deployments working unchanged.
package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/leadflow/internal/funnel"
	"github.com/MrWong99/leadflow/internal/health"
	"github.com/MrWong99/leadflow/internal/observe"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// ForceExitStatus is the body of a successful /force_exit response.
const ForceExitStatus = "followup triggered"

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

type sessionRequest struct {
	SessionID string `json:"session_id,omitempty"`
}

type sessionResponse struct {
	SessionID string `json:"session_id"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server routes HTTP requests to a [funnel.Funnel].
type Server struct {
	funnel         *funnel.Funnel
	health         *health.Handler
	metrics        *observe.Metrics
	metricsHandler http.Handler
	newSessionID   func() string
}

// Option configures a [Server].
type Option func(*Server)

// WithHealth serves h on /healthz and /readyz. Without it a checker-less
// handler is used.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics records HTTP metrics into m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMetricsHandler serves h on /metrics instead of the default Prometheus
// registry handler.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithSessionIDs replaces the session ID generator used by POST /sessions
// and by WebSocket connections that arrive without a session_id.
func WithSessionIDs(fn func() string) Option {
	return func(s *Server) { s.newSessionID = fn }
}

// New creates a Server for f.
func New(f *funnel.Funnel, opts ...Option) *Server {
	s := &Server{
		funnel:         f,
		metricsHandler: promhttp.Handler(),
		newSessionID:   uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	if s.health == nil {
		s.health = health.New()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /force_exit", s.handleForceExit)
	mux.HandleFunc("POST /sessions", s.handleNewSession)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.Handle("GET /metrics", s.metricsHandler)
	s.health.Register(mux)
	return observe.Middleware(s.metrics)(mux)
}

// ── Handlers ───────────────────────────────────────────────────────────────

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	reply, err := s.funnel.HandleTurn(r.Context(), req.SessionID, req.Message)
	if err != nil {
		observe.Logger(r.Context()).Warn("web: chat turn aborted", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "request cancelled"})
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.funnel.Status(r.URL.Query().Get("session_id")))
}

func (s *Server) handleForceExit(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if !s.funnel.ForceExit(r.Context(), req.SessionID) {
		observe.Logger(r.Context()).Info("web: force exit on empty session", "session_id", req.SessionID)
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: ForceExitStatus})
}

func (s *Server) handleNewSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusCreated, sessionResponse{SessionID: s.newSessionID()})
}

// handleWebSocket serves one conversation per connection. The connection is
// closed normally once a turn ends the conversation.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = s.newSessionID()
	}
	ctx := observe.WithSession(r.Context(), sessionID)
	log := observe.Logger(ctx)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Warn("web: websocket upgrade failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxBodyBytes)

	for {
		var in chatRequest
		if err := wsjson.Read(ctx, conn, &in); err != nil {
			if websocket.CloseStatus(err) == -1 {
				log.Debug("web: websocket read ended", "err", err)
			}
			return
		}
		reply, err := s.funnel.HandleTurn(ctx, sessionID, in.Message)
		if err != nil {
			conn.Close(websocket.StatusGoingAway, "request cancelled")
			return
		}
		if err := wsjson.Write(ctx, conn, reply); err != nil {
			log.Debug("web: websocket write failed", "err", err)
			return
		}
		if reply.Exit {
			conn.Close(websocket.StatusNormalClosure, "conversation finished")
			return
		}
	}
}

// ── JSON helpers ───────────────────────────────────────────────────────────

// decodeJSON reads a bounded JSON body into v. When allowEmpty is set an
// absent body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	err := dec.Decode(v)
	if errors.Is(err, io.EOF) {
		if allowEmpty {
			return nil
		}
		return errors.New("request body must be a JSON object")
	}
	if err != nil {
		return errors.New("invalid JSON: " + err.Error())
	}
	return nil
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
