package handlers

import (
	"context"
	"net/http"

	"github.com/goclaw/mnemos/pkg/api/response"
	"github.com/goclaw/mnemos/pkg/logger"
	"github.com/goclaw/mnemos/pkg/memory"
)

// MemoryReader is the read-only engine surface exposed over HTTP.
type MemoryReader interface {
	Statistics(ctx context.Context) (*memory.Statistics, error)
	Validate(ctx context.Context) (*memory.IndexStatus, error)
}

// MemoryHandler serves read-only engine reports.
type MemoryHandler struct {
	engine MemoryReader
	logger logger.Logger
}

// NewMemoryHandler creates a new memory handler.
func NewMemoryHandler(engine MemoryReader, log logger.Logger) *MemoryHandler {
	if log == nil {
		log = logger.Global()
	}
	return &MemoryHandler{engine: engine, logger: log}
}

// ConsistencyResponse is the body of GET /api/v1/consistency.
type ConsistencyResponse struct {
	Consistent bool                `json:"consistent"`
	Status     *memory.IndexStatus `json:"status"`
}

// Stats handles GET /api/v1/stats.
func (h *MemoryHandler) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.Statistics(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "statistics failed", "error", err)
		response.HandleError(w, err, requestID(r))
		return
	}
	response.JSON(w, http.StatusOK, st)
}

// Consistency handles GET /api/v1/consistency. It reports drift between
// the record store and the indexes without repairing anything.
func (h *MemoryHandler) Consistency(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.Validate(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "consistency check failed", "error", err)
		response.HandleError(w, err, requestID(r))
		return
	}
	if !st.Consistent() {
		h.logger.WarnContext(r.Context(), "index drift detected", "reason", st.Reason)
	}
	response.JSON(w, http.StatusOK, ConsistencyResponse{Consistent: st.Consistent(), Status: st})
}
