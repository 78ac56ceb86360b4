// Package health provides the admin HTTP handlers of a running player.
//
// The package exposes three endpoints:
//
//   - /healthz: liveness probe; 200 unless a liveness [Checker] fails,
//     e.g. because an engine actor terminated.
//   - /readyz: readiness probe; 200 only when all readiness checkers pass.
//   - /statusz: JSON snapshot produced by a [StatusFunc], e.g. cache stats.
//
// Probe responses are JSON objects with a top-level "status" field ("ok" or
// "fail") and a "checks" map containing the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout is the maximum time a single check may take before the
// context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named health check function. The Check function should return
// nil when the component is healthy and a non-nil error describing the
// failure otherwise.
type Checker struct {
	// Name is a short label for this check (e.g. "engine", "cache"). It
	// appears as a key in the JSON response.
	Name string

	// Check probes the component. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// StatusFunc returns a JSON-encodable snapshot for /statusz.
type StatusFunc func(ctx context.Context) (any, error)

// result is the JSON response body for probe endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Option configures a [Handler].
type Option func(*Handler)

// WithLiveness adds checkers evaluated by /healthz.
func WithLiveness(checkers ...Checker) Option {
	return func(h *Handler) {
		h.live = append(h.live, checkers...)
	}
}

// WithReadiness adds checkers evaluated by /readyz.
func WithReadiness(checkers ...Checker) Option {
	return func(h *Handler) {
		h.ready = append(h.ready, checkers...)
	}
}

// WithStatus sets the producer behind /statusz. Without it the endpoint is
// not registered.
func WithStatus(fn StatusFunc) Option {
	return func(h *Handler) {
		h.status = fn
	}
}

// Handler serves the admin endpoints. It is safe for concurrent use; the
// checker lists are fixed at construction time.
type Handler struct {
	live   []Checker
	ready  []Checker
	status StatusFunc
}

// New creates a [Handler].
func New(opts ...Option) *Handler {
	h := &Handler{}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	h.probe(w, r, h.live)
}

// Readyz is the readiness probe.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	h.probe(w, r, h.ready)
}

// Statusz writes the status snapshot.
func (h *Handler) Statusz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()
	v, err := h.status(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, result{Status: "fail: " + err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// probe runs checkers concurrently, each bounded by [checkTimeout] derived
// from the request context.
func (h *Handler) probe(w http.ResponseWriter, r *http.Request, checkers []Checker) {
	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(checkers))
		allOK  = true
	)

	var g errgroup.Group
	for _, c := range checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			err := c.Check(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
				allOK = false
			} else {
				checks[c.Name] = "ok"
			}
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok"}
	if len(checks) > 0 {
		res.Checks = checks
	}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if h.status != nil {
		mux.HandleFunc("GET /statusz", h.Statusz)
	}
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
