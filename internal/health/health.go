// Package health serves the dialog server's liveness and readiness probes.
//
//   - /healthz answers 200 whenever the process can serve HTTP at all.
//   - /readyz answers 200 only when every registered [Checker] passes, so an
//     orchestrator can hold traffic until the agent store and providers are
//     reachable.
//
// Both endpoints reply with a JSON body: a top-level "status" of "ok" or
// "fail", and for readiness a "checks" map with one entry per checker.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout bounds a single readiness check. A hung dependency must not
// stall the probe past the orchestrator's own deadline.
const checkTimeout = 5 * time.Second

// Checker is one named readiness dependency, e.g. "agent-store" or
// "artifact-cache". Check returns nil when the dependency is usable.
type Checker struct {
	// Name keys the check's entry in the readiness response.
	Name string

	// Check probes the dependency. It must honour ctx cancellation.
	Check func(ctx context.Context) error
}

// result is the JSON body of both probe responses.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler answers the probe endpoints. The checker set is fixed at
// construction, which makes the handler safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New builds a Handler over the given checkers. /readyz evaluates them
// sequentially, in the order given.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz is the liveness probe. Reaching this handler at all is the signal.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is the readiness probe. Any failing checker turns the response into
// a 503 with the failure text under the checker's name.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register mounts both probe routes on mux.
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
