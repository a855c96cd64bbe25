package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// HealthChecker manages liveness and readiness state.
type HealthChecker struct {
	ready     atomic.Bool
	startTime time.Time
	reason    atomic.Value // string
}

func NewHealthChecker() *HealthChecker {
	h := &HealthChecker{startTime: time.Now()}
	h.reason.Store("starting")
	return h
}

// SetReady marks the service as ready to accept commands.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
	if ready {
		h.reason.Store("")
	}
}

// SetNotReady marks the service unavailable with a reason shown on /readyz.
func (h *HealthChecker) SetNotReady(reason string) {
	h.ready.Store(false)
	h.reason.Store(reason)
}

func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// LivenessHandler always returns 200 while the process runs.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns 200 once recovery has finished and 503 before that.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if h.ready.Load() {
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ready"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
		"status": "not_ready",
		"reason": h.reason.Load(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
