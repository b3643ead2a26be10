// Package health serves the gateway's liveness and readiness probes.
//
// Liveness (/healthz) only proves the process answers HTTP; it never
// consults dependencies. Readiness (/readyz) runs every registered probe
// concurrently and reports 503 until all of them pass, which keeps load
// balancers from routing device sessions at a gateway whose store is down.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// probeTimeout bounds one readiness probe. Slower than this counts as down:
// a gateway that needs seconds to reach its store should not accept new
// device sessions anyway.
const probeTimeout = 5 * time.Second

// Checker is one named readiness probe. Check must respect ctx and return
// nil when the dependency can serve.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Handler answers the probe endpoints. The probe set is fixed at
// construction; a Handler is safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New builds a Handler over the given probes.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Register mounts /healthz and /readyz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.liveness)
	mux.HandleFunc("GET /readyz", h.readiness)
}

// report is the probe response body.
type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (h *Handler) liveness(w http.ResponseWriter, _ *http.Request) {
	h.respond(w, http.StatusOK, report{Status: "ok"})
}

// readiness runs all probes concurrently, each under its own timeout, and
// aggregates the results. Any failing probe turns the whole response 503.
func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	type outcome struct {
		name string
		err  error
	}
	results := make([]outcome, len(h.checkers))

	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
			defer cancel()
			results[i] = outcome{name: c.Name, err: c.Check(ctx)}
		}()
	}
	wg.Wait()

	rep := report{Status: "ok", Checks: make(map[string]string, len(results))}
	status := http.StatusOK
	for _, res := range results {
		if res.err == nil {
			rep.Checks[res.name] = "ok"
			continue
		}
		rep.Checks[res.name] = "fail: " + res.err.Error()
		rep.Status = "fail"
		status = http.StatusServiceUnavailable
		slog.Warn("readiness probe failed", "check", res.name, "err", res.err)
	}
	h.respond(w, status, rep)
}

func (h *Handler) respond(w http.ResponseWriter, status int, rep report) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(rep); err != nil {
		slog.Warn("health response write failed", "err", err)
	}
}
