package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// initEmbeddingMetrics initializes embedding provider metrics.
func (m *Manager) initEmbeddingMetrics(cfg Config) {
	m.embeddingCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mnemos_embedding_calls_total",
			Help: "Total number of embedding provider calls by result",
		},
		[]string{"provider", "result"},
	)

	m.embeddingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mnemos_embedding_duration_seconds",
			Help:    "Embedding provider call duration in seconds",
			Buckets: cfg.EmbeddingDurationBuckets,
		},
		[]string{"provider"},
	)

	m.registry.MustRegister(m.embeddingCalls)
	m.registry.MustRegister(m.embeddingDuration)
}

// RecordEmbeddingCall records one provider call.
func (m *Manager) RecordEmbeddingCall(provider string, ok bool, duration time.Duration) {
	if !m.enabled {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.embeddingCalls.WithLabelValues(provider, result).Inc()
	m.embeddingDuration.WithLabelValues(provider).Observe(duration.Seconds())
}
