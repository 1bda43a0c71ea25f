package metrics

import "github.com/prometheus/client_golang/prometheus"

func (m *Manager) initTelemetryMetrics() {
	m.traceExportFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mnemos_trace_export_failures_total",
		Help: "Span export batches the collector rejected or never received",
	})
	m.traceSpansLost = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mnemos_trace_spans_lost_total",
		Help: "Spans dropped because their export batch failed",
	})
	m.registry.MustRegister(m.traceExportFailures, m.traceSpansLost)
}

// RecordTraceExportFailure counts a failed span export batch. It
// implements tracing.FailureRecorder.
func (m *Manager) RecordTraceExportFailure(spans int) {
	if !m.enabled {
		return
	}
	m.traceExportFailures.Inc()
	m.traceSpansLost.Add(float64(spans))
}
