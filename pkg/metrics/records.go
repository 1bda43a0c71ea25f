package metrics

import "github.com/prometheus/client_golang/prometheus"

// initRecordMetrics initializes record store metrics.
func (m *Manager) initRecordMetrics() {
	m.writes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mnemos_writes_total",
			Help: "Total number of record writes by operation and result",
		},
		[]string{"op", "result"},
	)

	m.records = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mnemos_records",
			Help: "Number of records by status",
		},
		[]string{"status"},
	)

	m.cleaned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mnemos_cleanup_removed_total",
			Help: "Total number of records removed by cleanup",
		},
	)

	m.registry.MustRegister(m.writes)
	m.registry.MustRegister(m.records)
	m.registry.MustRegister(m.cleaned)
}

// RecordWrite records an add, update or delete.
func (m *Manager) RecordWrite(op string, err error) {
	if !m.enabled {
		return
	}
	m.writes.WithLabelValues(op, errorLabel(err)).Inc()
}

// RecordRecords sets the record gauges from a status breakdown.
func (m *Manager) RecordRecords(byStatus map[string]int) {
	if !m.enabled {
		return
	}
	for status, n := range byStatus {
		m.records.WithLabelValues(status).Set(float64(n))
	}
}

// RecordCleanup records the number of records a cleanup removed.
func (m *Manager) RecordCleanup(removed int) {
	if !m.enabled {
		return
	}
	m.cleaned.Add(float64(removed))
}
