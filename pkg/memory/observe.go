package memory

import "time"

// Search outcomes reported to MetricsRecorder.
const (
	OutcomeOK       = "ok"
	OutcomeDegraded = "degraded"
	OutcomeFailed   = "failed"
	OutcomeEmpty    = "empty"
)

// MetricsRecorder receives engine measurements. metrics.Manager implements
// it; the default discards everything.
type MetricsRecorder interface {
	RecordSearch(outcome string, duration time.Duration)
	RecordPathLatency(path string, duration time.Duration, err error)
	RecordDegraded(failedPath string)
	RecordWrite(op string, err error)
	RecordCleanup(removed int)
	RecordRecords(byStatus map[string]int)
	RecordSchedulerRun(result string)
	RecordBackup(result string, duration time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) RecordSearch(string, time.Duration)             {}
func (nopMetrics) RecordPathLatency(string, time.Duration, error) {}
func (nopMetrics) RecordDegraded(string)                          {}
func (nopMetrics) RecordWrite(string, error)                      {}
func (nopMetrics) RecordCleanup(int)                              {}
func (nopMetrics) RecordRecords(map[string]int)                   {}
func (nopMetrics) RecordSchedulerRun(string)                      {}
func (nopMetrics) RecordBackup(string, time.Duration)             {}
