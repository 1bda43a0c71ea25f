package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// initMaintenanceMetrics initializes scheduler and backup metrics.
func (m *Manager) initMaintenanceMetrics(cfg Config) {
	m.schedulerRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mnemos_scheduler_runs_total",
			Help: "Total number of maintenance runs by result",
		},
		[]string{"result"},
	)

	m.backups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mnemos_backups_total",
			Help: "Total number of backups by result",
		},
		[]string{"result"},
	)

	m.backupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mnemos_backup_duration_seconds",
			Help:    "Backup duration in seconds",
			Buckets: cfg.BackupDurationBuckets,
		},
	)

	m.registry.MustRegister(m.schedulerRuns)
	m.registry.MustRegister(m.backups)
	m.registry.MustRegister(m.backupDuration)
}

// RecordSchedulerRun records a maintenance run result.
func (m *Manager) RecordSchedulerRun(result string) {
	if !m.enabled {
		return
	}
	m.schedulerRuns.WithLabelValues(result).Inc()
}

// RecordBackup records a backup attempt.
func (m *Manager) RecordBackup(result string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.backups.WithLabelValues(result).Inc()
	m.backupDuration.Observe(duration.Seconds())
}
