package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/goclaw/mnemos/pkg/api/response"
	"github.com/goclaw/mnemos/pkg/memory"
)

// EngineProbe is the part of the engine the probes look at.
type EngineProbe interface {
	Closed() bool
	Statistics(ctx context.Context) (*memory.Statistics, error)
}

// SchedulerProbe is the part of the scheduler reported by /status.
type SchedulerProbe interface {
	Running() bool
	NextRun(now time.Time) time.Time
	LoadState() (*memory.SchedulerState, error)
}

// HealthHandler serves the liveness, readiness and status endpoints.
type HealthHandler struct {
	engine    EngineProbe
	scheduler SchedulerProbe
	version   string
	started   time.Time
	now       func() time.Time
}

// NewHealthHandler creates a health handler. scheduler may be nil when
// the maintenance job is disabled.
func NewHealthHandler(engine EngineProbe, scheduler SchedulerProbe, version string) *HealthHandler {
	return &HealthHandler{
		engine:    engine,
		scheduler: scheduler,
		version:   version,
		started:   time.Now(),
		now:       time.Now,
	}
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Version        string           `json:"version"`
	Uptime         string           `json:"uptime"`
	Records        int              `json:"records"`
	PendingRepairs int              `json:"pending_repairs"`
	Scheduler      *SchedulerStatus `json:"scheduler,omitempty"`
}

// SchedulerStatus describes the maintenance job.
type SchedulerStatus struct {
	Running     bool      `json:"running"`
	NextRun     time.Time `json:"next_run"`
	LastRunDate string    `json:"last_run_date,omitempty"`
}

// Health handles GET /health.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.engine.Closed() {
		response.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	response.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /ready. The engine is ready when its record store
// answers a statistics query.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if _, err := h.engine.Statistics(r.Context()); err != nil {
		response.JSON(w, http.StatusServiceUnavailable, map[string]any{
			"ready":  false,
			"reason": err.Error(),
		})
		return
	}
	response.JSON(w, http.StatusOK, map[string]bool{"ready": true})
}

// Status handles GET /status.
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.Statistics(r.Context())
	if err != nil {
		response.HandleError(w, err, requestID(r))
		return
	}

	now := h.now()
	resp := StatusResponse{
		Version:        h.version,
		Uptime:         now.Sub(h.started).Round(time.Second).String(),
		Records:        st.Total,
		PendingRepairs: st.PendingRepairs,
	}
	if h.scheduler != nil {
		ss := &SchedulerStatus{
			Running: h.scheduler.Running(),
			NextRun: h.scheduler.NextRun(now),
		}
		if state, err := h.scheduler.LoadState(); err == nil && state != nil {
			ss.LastRunDate = state.LastRunDate
		}
		resp.Scheduler = ss
	}
	response.JSON(w, http.StatusOK, resp)
}
