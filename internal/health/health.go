// Package health serves the liveness and readiness probes.
//
// /healthz answers 200 for as long as the process serves HTTP. /readyz runs
// every registered [Checker] in parallel and answers 503 when a required one
// fails or the server is draining. Optional checkers only downgrade the
// reported status to "degraded".
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Overall and per-check status values.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
	StatusDraining = "draining"
)

const checkTimeout = 5 * time.Second

// Checker probes one dependency.
type Checker struct {
	// Name keys the check in the /readyz body.
	Name string

	// Check returns nil when the dependency is usable. It must honour ctx.
	Check func(ctx context.Context) error

	// Optional failures are reported but keep the instance ready.
	Optional bool
}

// Pinger is anything with a reachability probe, such as a journal.Writer.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker wraps p.Ping as a required check.
func PingChecker(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// CapacityChecker fails once active() reaches limit so load balancers stop
// sending new calls to a full instance. A limit of zero or less disables it.
func CapacityChecker(active func() int, limit int) Checker {
	return Checker{
		Name: "sessions",
		Check: func(context.Context) error {
			if n := active(); limit > 0 && n >= limit {
				return fmt.Errorf("at capacity (%d/%d sessions)", n, limit)
			}
			return nil
		},
	}
}

// CheckResult is one entry of [Report.Checks].
type CheckResult struct {
	Status    string  `json:"status"`
	Error     string  `json:"error,omitempty"`
	LatencyMS float64 `json:"latency_ms"`
}

// Report is the JSON body of both probes.
type Report struct {
	Status        string                 `json:"status"`
	UptimeSeconds float64                `json:"uptime_seconds,omitempty"`
	Checks        map[string]CheckResult `json:"checks,omitempty"`
}

// Handler serves the probes. The checker list is fixed at construction.
type Handler struct {
	checkers []Checker
	started  time.Time
	draining atomic.Bool
}

// New returns a handler that runs checkers on every /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...), started: time.Now()}
}

// SetDraining toggles drain mode. A draining instance fails /readyz without
// running any checker so no new session is routed to it.
func (h *Handler) SetDraining(v bool) { h.draining.Store(v) }

// Register mounts GET /healthz and GET /readyz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: StatusOK, UptimeSeconds: time.Since(h.started).Seconds()})
}

// Readyz is the readiness probe. Each checker gets [checkTimeout] on top of
// the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.draining.Load() {
		writeJSON(w, http.StatusServiceUnavailable, Report{Status: StatusDraining})
		return
	}

	results := h.run(r.Context())
	rep := Report{Status: StatusOK, Checks: make(map[string]CheckResult, len(results))}
	for i, res := range results {
		rep.Checks[h.checkers[i].Name] = res
		switch {
		case res.Status == StatusOK:
		case h.checkers[i].Optional:
			if rep.Status == StatusOK {
				rep.Status = StatusDegraded
			}
		default:
			rep.Status = StatusFail
		}
	}

	code := http.StatusOK
	if rep.Status == StatusFail {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

// run evaluates every checker concurrently. results[i] belongs to
// h.checkers[i].
func (h *Handler) run(ctx context.Context) []CheckResult {
	results := make([]CheckResult, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			start := time.Now()
			err := c.Check(cctx)
			res := CheckResult{Status: StatusOK, LatencyMS: float64(time.Since(start).Microseconds()) / 1000}
			if err != nil {
				res.Status = StatusFail
				res.Error = err.Error()
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
