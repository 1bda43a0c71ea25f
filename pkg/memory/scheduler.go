package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/goclaw/mnemos/pkg/logger"
)

const stateDateLayout = "2006-01-02"

// SchedulerOptions configures the daily maintenance job.
type SchedulerOptions struct {
	// RunAt is the local time of day, HH:MM. Defaults to 00:05.
	RunAt string

	// DecayRate is the daily importance decay. Zero disables decay.
	DecayRate float64

	CleanupEnabled    bool
	CleanupDays       int
	CleanupImportance float64

	// StateFile records the last run date.
	StateFile string
}

// SchedulerState is persisted after every successful run.
type SchedulerState struct {
	LastRunDate string    `json:"last_run_date"`
	Timestamp   time.Time `json:"timestamp"`
	RunID       string    `json:"run_id,omitempty"`
}

// RunReport summarizes one maintenance run.
type RunReport struct {
	RunID      string        `json:"run_id"`
	Days       int           `json:"days"`
	BackupPath string        `json:"backup_path,omitempty"`
	Decayed    int64         `json:"decayed"`
	Removed    int           `json:"removed"`
	Pruned     int           `json:"pruned"`
	Repaired   int           `json:"repaired"`
	Duration   time.Duration `json:"duration"`
}

// Scheduler runs decay, cleanup and backup rotation once a day. Missed
// days are caught up on start.
type Scheduler struct {
	engine  *Engine
	backups *BackupManager
	opts    SchedulerOptions
	hour    int
	minute  int

	logger  logger.Logger
	metrics MetricsRecorder
	now     func() time.Time

	// serializes runs
	runMu sync.Mutex
	// last run of this scheduler, consulted when no state file is readable
	last *SchedulerState

	running  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler. backups may be nil to skip backups.
func NewScheduler(engine *Engine, backups *BackupManager, opts SchedulerOptions) (*Scheduler, error) {
	if opts.RunAt == "" {
		opts.RunAt = "00:05"
	}
	at, err := time.Parse("15:04", opts.RunAt)
	if err != nil {
		return nil, fmt.Errorf("scheduler: invalid run_at %q: %w", opts.RunAt, err)
	}
	if opts.DecayRate < 0 || opts.DecayRate > 1 {
		return nil, fmt.Errorf("scheduler: decay rate %v outside [0,1]", opts.DecayRate)
	}
	return &Scheduler{
		engine:  engine,
		backups: backups,
		opts:    opts,
		hour:    at.Hour(),
		minute:  at.Minute(),
		logger:  engine.logger.With("component", "scheduler"),
		metrics: engine.metrics,
		now:     engine.now,
		stopCh:  make(chan struct{}),
	}, nil
}

// Start runs the catch-up check and then the daily loop in the background.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("scheduler: already running")
	}

	if _, err := s.catchUp(ctx); err != nil {
		s.logger.WarnContext(ctx, "startup maintenance failed", "error", err)
	}

	s.wg.Add(1)
	go s.loop(ctx)

	s.logger.InfoContext(ctx, "scheduler started",
		"run_at", s.opts.RunAt, "decay_rate", s.opts.DecayRate, "next_run", s.NextRun(s.now()))
	return nil
}

// Running reports whether the daily loop is active.
func (s *Scheduler) Running() bool { return s.running.Load() }

// Stop halts the loop and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		s.running.Store(false)
	})
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		wait := s.NextRun(s.now()).Sub(s.now())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			if _, err := s.catchUp(ctx); err != nil {
				s.logger.ErrorContext(ctx, "scheduled maintenance failed", "error", err)
			}
		}
	}
}

// NextRun returns the first scheduled time strictly after now.
func (s *Scheduler) NextRun(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), s.hour, s.minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// catchUp runs once unless today already ran, decaying for every day
// since the last run. Returns nil when skipped.
func (s *Scheduler) catchUp(ctx context.Context) (*RunReport, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	days := s.owedDays(ctx)
	if days == 0 {
		s.logger.DebugContext(ctx, "maintenance already ran today")
		return nil, nil
	}
	if days > 1 {
		s.logger.InfoContext(ctx, "catching up missed maintenance", "missed_days", days-1)
	}
	return s.runLocked(ctx, days)
}

// RunNow runs the job immediately. Decay is owed once per calendar day:
// a run on a day that already ran backs up, cleans up and repairs but
// does not decay again.
func (s *Scheduler) RunNow(ctx context.Context) (*RunReport, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.runLocked(ctx, s.owedDays(ctx))
}

func (s *Scheduler) owedDays(ctx context.Context) int {
	state, err := s.LoadState()
	if err != nil {
		s.logger.WarnContext(ctx, "scheduler state unreadable, treating as first run", "error", err)
		state = nil
	}
	if state == nil {
		state = s.last
	}
	return daysSinceRun(state, s.now())
}

func (s *Scheduler) runLocked(ctx context.Context, days int) (report *RunReport, err error) {
	start := time.Now()
	report = &RunReport{RunID: uuid.NewString(), Days: days}
	log := s.logger.With("run_id", report.RunID)
	defer func() {
		report.Duration = time.Since(start)
		result := "success"
		if err != nil {
			result = "failure"
		}
		s.metrics.RecordSchedulerRun(result)
	}()

	if s.backups != nil {
		path, err := s.backups.Backup(ctx)
		if err != nil {
			log.WarnContext(ctx, "backup before maintenance failed, continuing", "error", err)
		}
		report.BackupPath = path
	}

	if s.opts.DecayRate > 0 && days > 0 {
		report.Decayed, err = s.engine.ApplyDecay(ctx, s.opts.DecayRate, days)
		if err != nil {
			return report, err
		}
	}

	if s.opts.CleanupEnabled {
		report.Removed, err = s.engine.Cleanup(ctx, s.opts.CleanupDays, s.opts.CleanupImportance)
		if err != nil {
			return report, err
		}
	}

	if n, err := s.engine.RepairPending(ctx); err != nil {
		log.WarnContext(ctx, "pending repairs incomplete", "repaired", n, "error", err)
	} else {
		report.Repaired = n
	}

	if s.backups != nil {
		if report.Pruned, err = s.backups.Prune(ctx); err != nil {
			log.WarnContext(ctx, "backup pruning failed", "error", err)
			err = nil
		}
	}

	if err := s.engine.Flush(ctx); err != nil {
		log.WarnContext(ctx, "index flush failed", "error", err)
	}

	if err := s.saveState(report.RunID); err != nil {
		return report, err
	}
	log.InfoContext(ctx, "maintenance run finished",
		"days", days, "decayed", report.Decayed, "removed", report.Removed,
		"pruned", report.Pruned, "duration", time.Since(start))
	return report, nil
}

// LoadState reads the state file. A missing file yields nil.
func (s *Scheduler) LoadState() (*SchedulerState, error) {
	if s.opts.StateFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(s.opts.StateFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st SchedulerState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("scheduler: parse state: %w", err)
	}
	return &st, nil
}

func (s *Scheduler) saveState(runID string) error {
	now := s.now()
	state := SchedulerState{
		LastRunDate: now.Format(stateDateLayout),
		Timestamp:   now,
		RunID:       runID,
	}
	s.last = &state
	if s.opts.StateFile == "" {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.opts.StateFile), 0o755); err != nil {
		return err
	}
	tmp := s.opts.StateFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("scheduler: write state: %w", err)
	}
	return os.Rename(tmp, s.opts.StateFile)
}

// daysSinceRun returns how many days of decay are owed: 0 when the job
// already ran today, 1 on the first run or after an unreadable date, and
// the calendar days since the last run otherwise.
func daysSinceRun(state *SchedulerState, now time.Time) int {
	if state == nil || state.LastRunDate == "" {
		return 1
	}
	last, err := time.ParseInLocation(stateDateLayout, state.LastRunDate, now.Location())
	if err != nil {
		return 1
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	days := int(today.Sub(last).Hours()/24 + 0.5)
	if days < 0 {
		return 0
	}
	return days
}
