package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/goclaw/mnemos/config"
	"github.com/goclaw/mnemos/pkg/api/handlers"
	"github.com/goclaw/mnemos/pkg/api/middleware"
	"github.com/goclaw/mnemos/pkg/api/response"
	"github.com/goclaw/mnemos/pkg/logger"
)

// Handlers holds the endpoint handlers. Nil members leave their routes
// unregistered.
type Handlers struct {
	Health *handlers.HealthHandler
	Memory *handlers.MemoryHandler

	// Metrics records HTTP metrics when set.
	Metrics middleware.MetricsRecorder

	// MetricsHandler serves the Prometheus endpoint on the API port when set.
	MetricsHandler http.Handler
}

// NewRouter builds the chi router with the middleware chain and routes.
func NewRouter(cfg *config.Config, log logger.Logger, h *Handlers) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID())
	r.Use(middleware.Tracing(middleware.DefaultTracingOptions()))
	r.Use(middleware.Logger(log))
	r.Use(middleware.Recovery(log))
	if h.Metrics != nil {
		r.Use(middleware.Metrics(h.Metrics, cfg.Metrics.Path))
	}
	r.Use(middleware.CORS(cfg.Server.CORS))
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout))

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		response.Error(w, http.StatusNotFound, response.ErrCodeNotFound,
			"no route for "+req.URL.Path, middleware.GetRequestID(req.Context()))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, response.ErrCodeMethodNotAllowed,
			req.Method+" not allowed", middleware.GetRequestID(req.Context()))
	})

	RegisterRoutes(r, cfg, h)
	return r
}

// RegisterRoutes registers all API routes.
func RegisterRoutes(r chi.Router, cfg *config.Config, h *Handlers) {
	if h.Memory != nil {
		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/stats", h.Memory.Stats)
			r.Get("/consistency", h.Memory.Consistency)
		})
	}

	if h.Health != nil {
		r.Get("/health", h.Health.Health)
		r.Get("/ready", h.Health.Ready)
		r.Get("/status", h.Health.Status)
	}

	if h.MetricsHandler != nil {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, h.MetricsHandler)
	}
}
