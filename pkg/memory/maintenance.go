package memory

import (
	"context"
	"errors"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Statistics is a read-only summary of the engine state.
type Statistics struct {
	Total          int            `json:"total"`
	ByStatus       map[Status]int `json:"by_status"`
	BySession      map[string]int `json:"by_session"`
	AvgImportance  float64        `json:"avg_importance"`
	OldestRecord   time.Time      `json:"oldest_record"`
	NewestRecord   time.Time      `json:"newest_record"`
	LexicalRows    int            `json:"lexical_rows"`
	VectorEntries  int            `json:"vector_entries"`
	VectorSlots    int            `json:"vector_slots"`
	PendingRepairs int            `json:"pending_repairs"`
}

type slotCounter interface {
	SlotCount() int
}

// Statistics aggregates counts without side effects.
func (e *Engine) Statistics(ctx context.Context) (*Statistics, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	st, err := e.store.stats(ctx)
	if err != nil {
		return nil, opError("statistics", 0, nil, err, remedyStore)
	}
	repairs, err := e.store.PendingRepairs(ctx)
	if err != nil {
		return nil, opError("statistics", 0, nil, err, remedyStore)
	}

	out := &Statistics{
		Total:          st.Total,
		ByStatus:       st.ByStatus,
		BySession:      st.BySession,
		AvgImportance:  st.AvgImportance,
		OldestRecord:   st.Oldest,
		NewestRecord:   st.Newest,
		LexicalRows:    e.lexical.Len(),
		VectorEntries:  e.vector.Len(),
		VectorSlots:    e.vector.Len(),
		PendingRepairs: len(repairs),
	}
	if sc, ok := e.vector.(slotCounter); ok {
		out.VectorSlots = sc.SlotCount()
	}

	byStatus := make(map[string]int, len(st.ByStatus))
	for s, n := range st.ByStatus {
		byStatus[string(s)] = n
	}
	e.metrics.RecordRecords(byStatus)
	return out, nil
}

// Cleanup deletes active records created more than days ago whose
// importance is below importance. Both criteria must hold. A zero
// threshold does not restrict: days=0 makes every record old enough and
// importance=0 drops the importance test. A negative threshold matches
// nothing. Returns the number of records removed.
func (e *Engine) Cleanup(ctx context.Context, days int, importance float64) (removed int, err error) {
	ctx, span := memoryTracer().Start(ctx, spanCleanup, trace.WithAttributes(
		attribute.Int("memory.cleanup.days", days),
		attribute.Float64("memory.cleanup.importance", importance),
	))
	defer func() {
		span.SetAttributes(attribute.Int("memory.cleanup.removed", removed))
		endSpan(span, err)
	}()

	if e.closed.Load() {
		return 0, ErrClosed
	}
	if days < 0 || importance < 0 {
		return 0, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.now().Add(-time.Duration(days) * 24 * time.Hour)
	ids, err := e.store.CleanupCandidates(ctx, days > 0, cutoff, importance > 0, importance)
	if err != nil {
		return 0, opError("cleanup", 0, nil, err, remedyStore)
	}

	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		rec, err := e.store.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		existed, err := e.deleteLocked(ctx, id, rec)
		if err != nil {
			e.logger.WarnContext(ctx, "cleanup failed to delete record", "record_id", id, "error", err)
			errs = append(errs, err)
			continue
		}
		if existed {
			removed++
		}
	}

	e.metrics.RecordCleanup(removed)
	e.logger.InfoContext(ctx, "cleanup finished",
		"days", days, "importance", importance, "candidates", len(ids), "removed", removed)
	return removed, errors.Join(errs...)
}

// ApplyDecay multiplies the importance of every active record by
// (1-rate)^days. It returns the number of records changed.
func (e *Engine) ApplyDecay(ctx context.Context, rate float64, days int) (changed int64, err error) {
	ctx, span := memoryTracer().Start(ctx, spanDecay, trace.WithAttributes(
		attribute.Float64("memory.decay.rate", rate),
		attribute.Int("memory.decay.days", days),
	))
	defer func() { endSpan(span, err) }()

	if e.closed.Load() {
		return 0, ErrClosed
	}
	if rate <= 0 || days <= 0 {
		return 0, nil
	}
	if rate >= 1 {
		rate = 1
	}
	factor := math.Pow(1-rate, float64(days))

	e.mu.Lock()
	defer e.mu.Unlock()

	changed, err = e.store.ScaleImportance(ctx, factor)
	if err != nil {
		return 0, opError("decay", 0, nil, err, remedyStore)
	}
	e.logger.InfoContext(ctx, "importance decay applied",
		"rate", rate, "days", days, "factor", factor, "records", changed)
	return changed, nil
}

// RepairPending retries index inserts queued by Add. Repairs of records
// that are gone or no longer active are dropped. Returns the number of
// repairs completed.
func (e *Engine) RepairPending(ctx context.Context) (int, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	repairs, err := e.store.PendingRepairs(ctx)
	if err != nil {
		return 0, opError("repair", 0, nil, err, remedyStore)
	}

	done := 0
	var errs []error
	for _, r := range repairs {
		rec, err := e.store.Get(ctx, r.RecordID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
			continue
		}
		if rec == nil || rec.Metadata.Status != StatusActive {
			errs = append(errs, e.store.ClearRepair(ctx, r.RecordID, r.Target))
			continue
		}

		var idx Index
		switch r.Target {
		case e.lexical.Name():
			idx = e.lexical
		case e.vector.Name():
			idx = e.vector
		default:
			errs = append(errs, e.store.ClearRepair(ctx, r.RecordID, r.Target))
			continue
		}
		if err := idx.Insert(ctx, documentOf(rec)); err != nil {
			e.logger.WarnContext(ctx, "repair failed", "record_id", r.RecordID, "index", r.Target, "error", err)
			errs = append(errs, opError("repair", r.RecordID, ErrInconsistent, err, remedyRebuild))
			continue
		}
		if err := e.store.ClearRepair(ctx, r.RecordID, r.Target); err != nil {
			errs = append(errs, err)
			continue
		}
		done++
	}
	return done, errors.Join(errs...)
}
