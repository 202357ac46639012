// Package health serves the gateway's liveness and readiness probes.
//
// /healthz answers 200 whenever the process can serve HTTP at all. /readyz
// runs the registered dependency checks — the transcription worker fleet,
// the call archive when one is configured — and answers 503 as soon as any
// of them fails, so a load balancer stops routing new streams to a gateway
// that could not serve them.
//
// Both endpoints respond with JSON: a top-level "status" of "ok" or "fail"
// and, for /readyz, a "checks" map keyed by checker name.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout bounds each readiness check. A dependency that cannot answer
// in this long is treated as down.
const checkTimeout = 5 * time.Second

// Checker probes one dependency of the gateway.
type Checker struct {
	// Name keys the check in the /readyz response ("workers", "archive").
	Name string

	// Check returns nil while the dependency can serve. It must respect
	// context cancellation.
	Check func(ctx context.Context) error
}

// report is the response body for both probes.
type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler evaluates a fixed set of checkers. Safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New builds a Handler over the given checkers. /readyz evaluates them
// sequentially in this order.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz is the liveness probe. Reaching this handler is the proof.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

// Readyz runs every checker under a [checkTimeout] deadline derived from the
// request context and reports per-check outcomes. Any failure turns the
// response into a 503.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	ready := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			ready = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := report{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !ready {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register mounts both probes on mux.
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
