package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// initSearchMetrics initializes hybrid search metrics.
func (m *Manager) initSearchMetrics(cfg Config) {
	m.searches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mnemos_searches_total",
			Help: "Total number of searches by outcome",
		},
		[]string{"outcome"},
	)

	m.searchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mnemos_search_duration_seconds",
			Help:    "End-to-end search duration in seconds",
			Buckets: cfg.SearchDurationBuckets,
		},
		[]string{"outcome"},
	)

	m.pathLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mnemos_retrieval_path_duration_seconds",
			Help:    "Duration of a single retrieval path in seconds",
			Buckets: cfg.PathLatencyBuckets,
		},
		[]string{"path"},
	)

	m.pathFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mnemos_retrieval_path_failures_total",
			Help: "Total number of failed retrieval path calls",
		},
		[]string{"path"},
	)

	m.degraded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mnemos_search_degraded_total",
			Help: "Total number of searches answered without a path",
		},
		[]string{"failed_path"},
	)

	m.registry.MustRegister(m.searches)
	m.registry.MustRegister(m.searchDuration)
	m.registry.MustRegister(m.pathLatency)
	m.registry.MustRegister(m.pathFailures)
	m.registry.MustRegister(m.degraded)
}

// RecordSearch records a completed search and its outcome.
func (m *Manager) RecordSearch(outcome string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.searches.WithLabelValues(outcome).Inc()
	m.searchDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordPathLatency records one retrieval path call.
func (m *Manager) RecordPathLatency(path string, duration time.Duration, err error) {
	if !m.enabled {
		return
	}
	m.pathLatency.WithLabelValues(path).Observe(duration.Seconds())
	if err != nil {
		m.pathFailures.WithLabelValues(path).Inc()
	}
}

// RecordDegraded records a search that lost a retrieval path.
func (m *Manager) RecordDegraded(failedPath string) {
	if !m.enabled {
		return
	}
	m.degraded.WithLabelValues(failedPath).Inc()
}
