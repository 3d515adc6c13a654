// Package health serves the worker's liveness and readiness probes.
//
//   - /healthz reports liveness and always returns 200; a process that can
//     serve HTTP is alive.
//   - /readyz runs every registered [Checker] and returns 200 only when all
//     of them pass.
//
// The response body is JSON with a top-level "status" field ("ok" or
// "fail") and a "checks" map carrying the per-checker outcome.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds one readiness check.
const checkTimeout = 5 * time.Second

// Checker probes one dependency. Check returns nil when the dependency is
// healthy and must respect context cancellation.
type Checker struct {
	// Name keys the check's result in the JSON response.
	Name string

	Check func(ctx context.Context) error
}

// probeResult is the JSON body of both probe endpoints.
type probeResult struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker set is fixed at
// construction; the handler is safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] over the given checkers.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, probeResult{Status: "ok"})
}

// Readyz runs all checkers concurrently, each under its own timeout, and
// returns 503 when any of them fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(h.checkers))
		failed bool
	)

	g, ctx := errgroup.WithContext(r.Context())
	for _, c := range h.checkers {
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
			err := c.Check(checkCtx)
			cancel()

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
				failed = true
			} else {
				checks[c.Name] = "ok"
			}
			// Failures are reported in the body, not as group errors, so
			// one slow check never cancels the others.
			return nil
		})
	}
	_ = g.Wait()

	res := probeResult{Status: "ok", Checks: checks}
	status := http.StatusOK
	if failed {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register attaches the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
