package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

func (m *Manager) initAPIMetrics(cfg Config) {
	m.apiRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mnemos_api_requests_total",
		Help: "API requests by method, route and status class",
	}, []string{"method", "route", "class"})
	m.apiDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mnemos_api_request_duration_seconds",
		Help:    "API request latency",
		Buckets: cfg.HTTPDurationBuckets,
	}, []string{"method", "route"})
	m.apiInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mnemos_api_requests_in_flight",
		Help: "API requests currently being served",
	})
	m.registry.MustRegister(m.apiRequests, m.apiDuration, m.apiInFlight)
}

// RecordHTTPRequest counts one finished API request. status is collapsed
// to its class (2xx, 4xx, ...) to bound label cardinality, and the latency
// sample links to the active trace when the span is sampled.
func (m *Manager) RecordHTTPRequest(ctx context.Context, method, route, status string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.apiRequests.WithLabelValues(method, route, statusClass(status)).Inc()

	obs := m.apiDuration.WithLabelValues(method, route)
	eo, ok := obs.(prometheus.ExemplarObserver)
	if labels := exemplar(ctx); ok && labels != nil {
		eo.ObserveWithExemplar(duration.Seconds(), labels)
		return
	}
	obs.Observe(duration.Seconds())
}

// IncActiveConnections marks a request as started.
func (m *Manager) IncActiveConnections() {
	if m.enabled {
		m.apiInFlight.Inc()
	}
}

// DecActiveConnections marks a request as finished.
func (m *Manager) DecActiveConnections() {
	if m.enabled {
		m.apiInFlight.Dec()
	}
}

func statusClass(status string) string {
	code, err := strconv.Atoi(status)
	if err != nil || code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}

func exemplar(ctx context.Context) prometheus.Labels {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsSampled() {
		return nil
	}
	return prometheus.Labels{"trace_id": sc.TraceID().String()}
}
