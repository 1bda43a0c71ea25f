// Package metrics provides Prometheus metrics instrumentation for mnemos.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/goclaw/mnemos/config"
)

// Manager manages all Prometheus metrics for mnemos. It implements
// memory.MetricsRecorder and embedding.CallRecorder.
type Manager struct {
	registry *prometheus.Registry
	enabled  bool

	// Search metrics
	searches       *prometheus.CounterVec
	searchDuration *prometheus.HistogramVec
	pathLatency    *prometheus.HistogramVec
	pathFailures   *prometheus.CounterVec
	degraded       *prometheus.CounterVec

	// Record metrics
	writes  *prometheus.CounterVec
	records *prometheus.GaugeVec
	cleaned prometheus.Counter

	// Maintenance metrics
	schedulerRuns  *prometheus.CounterVec
	backups        *prometheus.CounterVec
	backupDuration prometheus.Histogram

	// Embedding metrics
	embeddingCalls    *prometheus.CounterVec
	embeddingDuration *prometheus.HistogramVec

	// API metrics
	apiRequests *prometheus.CounterVec
	apiDuration *prometheus.HistogramVec
	apiInFlight prometheus.Gauge

	// Telemetry pipeline metrics
	traceExportFailures prometheus.Counter
	traceSpansLost      prometheus.Counter
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Port    int
	Path    string

	// Histogram bucket configurations
	SearchDurationBuckets    []float64
	PathLatencyBuckets       []float64
	EmbeddingDurationBuckets []float64
	BackupDurationBuckets    []float64
	HTTPDurationBuckets      []float64
}

// DefaultConfig returns default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:                  true,
		Port:                     9091,
		Path:                     "/metrics",
		SearchDurationBuckets:    []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 3, 5},
		PathLatencyBuckets:       []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 3},
		EmbeddingDurationBuckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		BackupDurationBuckets:    []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		HTTPDurationBuckets:      []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}
}

// ConfigFrom maps the application metrics section onto a Config with the
// default buckets.
func ConfigFrom(cfg config.MetricsConfig) Config {
	c := DefaultConfig()
	c.Enabled = cfg.Enabled
	if cfg.Port > 0 {
		c.Port = cfg.Port
	}
	if cfg.Path != "" {
		c.Path = cfg.Path
	}
	return c
}

// NewManager creates a new metrics manager.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return &Manager{enabled: false}
	}

	registry := prometheus.NewRegistry()

	// Register Go runtime metrics
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Manager{
		registry: registry,
		enabled:  true,
	}

	m.initSearchMetrics(cfg)
	m.initRecordMetrics()
	m.initMaintenanceMetrics(cfg)
	m.initEmbeddingMetrics(cfg)
	m.initAPIMetrics(cfg)
	m.initTelemetryMetrics()

	return m
}

// Enabled returns whether metrics collection is enabled.
func (m *Manager) Enabled() bool {
	return m.enabled
}

// Registry returns the underlying registry, nil when disabled.
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Manager) Handler() http.Handler {
	if !m.enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// StartServer starts the metrics HTTP server on the configured port.
func (m *Manager) StartServer(ctx context.Context, port int, path string) error {
	if !m.enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// NoOpManager returns a no-op metrics manager for when metrics are disabled.
func NoOpManager() *Manager {
	return &Manager{enabled: false}
}

func errorLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
