// Package health serves the liveness and readiness probes of the leadflow
// HTTP server.
//
// GET /healthz answers 200 while the process can serve HTTP. GET /readyz
// runs every registered [Checker] concurrently and reports one of three
// verdicts:
//
//   - "ok": every check passed (200).
//   - "degraded": only non-critical checks failed (200). The funnel still
//     accepts chats, e.g. while the classifier LLM sits behind an open
//     circuit and exit detection is paused.
//   - "fail": a critical check failed or the server is draining (503).
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Verdicts reported in the "status" field.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// Checker probes one dependency of the funnel.
type Checker struct {
	// Name keys the check in the /readyz body, e.g. "transcripts".
	Name string

	// Check returns nil when the dependency is usable. It must honour ctx.
	Check func(ctx context.Context) error

	// Optional checks degrade the verdict instead of failing it.
	Optional bool
}

// CheckResult is the outcome of one [Checker] in a /readyz response.
type CheckResult struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// Report is the JSON body of both probes.
type Report struct {
	Status   string                 `json:"status"`
	Draining bool                   `json:"draining,omitempty"`
	Checks   map[string]CheckResult `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction; Drain is safe to call concurrently with requests.
type Handler struct {
	checkers []Checker
	draining atomic.Bool
	now      func() time.Time
}

// New returns a [Handler] evaluating checkers on every /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{
		checkers: append([]Checker(nil), checkers...),
		now:      time.Now,
	}
}

// Drain makes /readyz fail from now on so load balancers stop routing new
// chats while in-flight ones finish.
func (h *Handler) Drain() { h.draining.Store(true) }

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: StatusOK})
}

// Readyz runs the checkers and answers 503 on a "fail" verdict.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Evaluate(r.Context())
	code := http.StatusOK
	if rep.Status == StatusFail {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

// Evaluate runs every checker concurrently, each under [checkTimeout], and
// folds the results into a [Report].
func (h *Handler) Evaluate(ctx context.Context) Report {
	rep := Report{
		Status:   StatusOK,
		Draining: h.draining.Load(),
		Checks:   make(map[string]CheckResult, len(h.checkers)),
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			start := h.now()
			err := c.Check(cctx)
			res := CheckResult{Status: StatusOK, LatencyMS: h.now().Sub(start).Milliseconds()}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Error = err.Error()
				res.Status = StatusFail
				if c.Optional {
					res.Status = StatusDegraded
				}
				rep.Status = worse(rep.Status, res.Status)
			}
			rep.Checks[c.Name] = res
			return nil
		})
	}
	_ = g.Wait()

	if rep.Draining {
		rep.Status = StatusFail
	}
	return rep
}

func worse(a, b string) string {
	rank := map[string]int{StatusOK: 0, StatusDegraded: 1, StatusFail: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
