package handlers

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/drfirst/rxledger/pkg/circuitbreaker"
)

// Check reports whether one dependency is reachable
type Check func(ctx context.Context) error

// HealthHandler serves liveness and readiness
type HealthHandler struct {
	checks   map[string]Check
	breakers *circuitbreaker.Registry
	timeout  time.Duration
}

// NewHealthHandler creates a health handler. breakers may be nil.
func NewHealthHandler(checks map[string]Check, breakers *circuitbreaker.Registry) *HealthHandler {
	return &HealthHandler{checks: checks, breakers: breakers, timeout: 3 * time.Second}
}

// ReadyResponse is the body of GET /ready
type ReadyResponse struct {
	Status       string                  `json:"status"`
	Dependencies map[string]string       `json:"dependencies"`
	Breakers     []circuitbreaker.Health `json:"breakers,omitempty"`
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /ready. Dependencies are checked concurrently.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]error, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, check Check) {
			defer wg.Done()
			results[i] = check(ctx)
		}(i, h.checks[name])
	}
	wg.Wait()

	resp := ReadyResponse{Status: "ready", Dependencies: make(map[string]string, len(names))}
	code := http.StatusOK
	for i, name := range names {
		if results[i] != nil {
			resp.Dependencies[name] = results[i].Error()
			resp.Status = "not ready"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Dependencies[name] = "ok"
	}
	if h.breakers != nil {
		resp.Breakers = h.breakers.Snapshot()
		if !h.breakers.Healthy() {
			resp.Status = "degraded"
		}
	}
	writeJSON(w, code, resp)
}
