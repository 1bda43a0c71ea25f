package memory

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// IndexStatus compares the record store with both indexes.
type IndexStatus struct {
	RecordCount      int     `json:"record_count"`
	LexicalCount     int     `json:"lexical_count"`
	VectorLen        int     `json:"vector_len"`
	VectorSlots      int     `json:"vector_slots"`
	MissingInLexical []int64 `json:"missing_in_lexical,omitempty"`
	RedundantLexical []int64 `json:"redundant_lexical,omitempty"`
	MissingInVector  []int64 `json:"missing_in_vector,omitempty"`
	ForeignInVector  []int64 `json:"foreign_in_vector,omitempty"`
	QueuedForVector  []int64 `json:"queued_for_vector,omitempty"`
	VectorFileAbsent bool    `json:"vector_file_absent"`

	NeedsLexicalRebuild bool   `json:"needs_lexical_rebuild"`
	NeedsVectorRebuild  bool   `json:"needs_vector_rebuild"`
	Reason              string `json:"reason,omitempty"`
}

// Consistent reports whether no rebuild is needed.
func (s *IndexStatus) Consistent() bool {
	return !s.NeedsLexicalRebuild && !s.NeedsVectorRebuild
}

type persistedIndex interface {
	Persisted() bool
}

type compactor interface {
	Compact() error
}

// stagedRebuilder builds a replacement index beside the live one.
type stagedRebuilder interface {
	RebuildFrom(ctx context.Context, each func(yield func(Document) error) error) (map[int64]error, error)
}

// Validate compares the indexes with the active records. The lexical row
// count must match exactly: missing or redundant rows require a rebuild.
// Vector slots above the active count are tombstones and are normal; the
// vector path is rebuilt only when its file is missing while records exist
// or its live id set disagrees with the record store. Records without a
// vector that have a queued vector repair are left to RepairPending.
func (e *Engine) Validate(ctx context.Context) (*IndexStatus, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.validateLocked(ctx)
}

func (e *Engine) validateLocked(ctx context.Context) (*IndexStatus, error) {
	active, err := e.store.IDs(ctx, StatusActive)
	if err != nil {
		return nil, opError("validate", 0, nil, err, remedyStore)
	}

	st := &IndexStatus{
		RecordCount:  len(active),
		LexicalCount: e.lexical.Len(),
		VectorLen:    e.vector.Len(),
		VectorSlots:  e.vector.Len(),
	}
	if sc, ok := e.vector.(slotCounter); ok {
		st.VectorSlots = sc.SlotCount()
	}

	st.MissingInLexical, st.RedundantLexical = diffIDs(active, e.lexical.IDs())
	st.MissingInVector, st.ForeignInVector = diffIDs(active, e.vector.IDs())
	if p, ok := e.vector.(persistedIndex); ok {
		st.VectorFileAbsent = !p.Persisted()
	}
	if len(st.MissingInVector) > 0 {
		queued, err := e.queuedIDs(ctx, e.vector.Name())
		if err != nil {
			return nil, opError("validate", 0, nil, err, remedyStore)
		}
		st.MissingInVector, st.QueuedForVector = splitQueued(st.MissingInVector, queued)
	}

	var reasons []string
	if st.LexicalCount != st.RecordCount || len(st.MissingInLexical) > 0 || len(st.RedundantLexical) > 0 {
		st.NeedsLexicalRebuild = true
		reasons = append(reasons, fmt.Sprintf("lexical rows %d != active records %d (missing %d, redundant %d)",
			st.LexicalCount, st.RecordCount, len(st.MissingInLexical), len(st.RedundantLexical)))
	}
	switch {
	case st.VectorFileAbsent && st.RecordCount > 0:
		st.NeedsVectorRebuild = true
		reasons = append(reasons, "vector index file missing")
	case len(st.MissingInVector) > 0 || len(st.ForeignInVector) > 0:
		st.NeedsVectorRebuild = true
		reasons = append(reasons, fmt.Sprintf("vector ids disagree with records (missing %d, foreign %d)",
			len(st.MissingInVector), len(st.ForeignInVector)))
	}
	st.Reason = strings.Join(reasons, "; ")
	return st, nil
}

// ValidateAndRepair validates and rebuilds whatever needs it from the
// record store. Queued repairs are cleared for rebuilt indexes.
func (e *Engine) ValidateAndRepair(ctx context.Context) (st *IndexStatus, err error) {
	ctx, span := memoryTracer().Start(ctx, spanValidate)
	defer func() {
		if st != nil {
			span.SetAttributes(
				attribute.Bool("memory.rebuild.lexical", st.NeedsLexicalRebuild),
				attribute.Bool("memory.rebuild.vector", st.NeedsVectorRebuild),
			)
		}
		endSpan(span, err)
	}()

	if e.closed.Load() {
		return nil, ErrClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	st, err = e.validateLocked(ctx)
	if err != nil || st.Consistent() {
		return st, err
	}
	e.logger.WarnContext(ctx, "index drift detected, rebuilding", "reason", st.Reason)

	if st.NeedsLexicalRebuild {
		if err := e.rebuildLocked(ctx, e.lexical); err != nil {
			return st, err
		}
	}
	if st.NeedsVectorRebuild {
		if err := e.rebuildLocked(ctx, e.vector); err != nil {
			return st, err
		}
	}
	return st, nil
}

// Rebuild drops one index and reloads it from the active records.
func (e *Engine) Rebuild(ctx context.Context, name string) error {
	if e.closed.Load() {
		return ErrClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, idx := range []Index{e.lexical, e.vector} {
		if idx.Name() == name {
			return e.rebuildLocked(ctx, idx)
		}
	}
	return fmt.Errorf("memory: unknown index %q", name)
}

func (e *Engine) rebuildLocked(ctx context.Context, idx Index) error {
	ctx, span := memoryTracer().Start(ctx, "memory.rebuild", trace.WithAttributes(attribute.String("memory.index", idx.Name())))
	defer span.End()

	var (
		count, failed int
		err           error
	)
	if sr, ok := idx.(stagedRebuilder); ok {
		count, failed, err = e.rebuildStaged(ctx, idx.Name(), sr)
	} else {
		count, failed, err = e.rebuildInPlace(ctx, idx)
	}
	if err != nil {
		return err
	}
	if failed == 0 {
		if err := e.store.ClearRepairs(ctx, idx.Name()); err != nil {
			return opError("rebuild "+idx.Name(), 0, nil, err, remedyStore)
		}
	}
	e.logger.InfoContext(ctx, "index rebuilt", "index", idx.Name(), "records", count, "failed", failed)
	return nil
}

// rebuildStaged swaps in a replacement index. Live entries survive a
// failed rebuild.
func (e *Engine) rebuildStaged(ctx context.Context, name string, sr stagedRebuilder) (count, failed int, err error) {
	failures, err := sr.RebuildFrom(ctx, func(yield func(Document) error) error {
		return e.store.Each(ctx, ListOptions{Status: StatusActive}, func(rec *Record) error {
			count++
			return yield(documentOf(rec))
		})
	})
	if err != nil {
		return 0, 0, opError("rebuild "+name, 0, ErrInconsistent, err, remedyStore)
	}
	for id, cause := range failures {
		e.queueRepair(ctx, id, name, cause)
	}
	return count - len(failures), len(failures), nil
}

func (e *Engine) rebuildInPlace(ctx context.Context, idx Index) (count, failed int, err error) {
	if err := idx.Reset(ctx); err != nil {
		return 0, 0, opError("rebuild "+idx.Name(), 0, ErrIndexUnavailable, err, remedyRebuild)
	}
	if c, ok := idx.(compactor); ok {
		if err := c.Compact(); err != nil {
			return 0, 0, opError("rebuild "+idx.Name(), 0, ErrIndexUnavailable, err, remedyRebuild)
		}
	}

	err = e.store.Each(ctx, ListOptions{Status: StatusActive}, func(rec *Record) error {
		if err := idx.Insert(ctx, documentOf(rec)); err != nil {
			failed++
			e.queueRepair(ctx, rec.ID, idx.Name(), err)
			return nil
		}
		count++
		return nil
	})
	if err != nil {
		return 0, 0, opError("rebuild "+idx.Name(), 0, ErrInconsistent, err, remedyStore)
	}
	return count, failed, nil
}

func (e *Engine) queuedIDs(ctx context.Context, target string) (map[int64]bool, error) {
	repairs, err := e.store.PendingRepairs(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]bool, len(repairs))
	for _, r := range repairs {
		if r.Target == target {
			out[r.RecordID] = true
		}
	}
	return out, nil
}

// splitQueued separates the ids with a queued repair from the rest.
func splitQueued(ids []int64, queued map[int64]bool) (rest, inQueue []int64) {
	for _, id := range ids {
		if queued[id] {
			inQueue = append(inQueue, id)
		} else {
			rest = append(rest, id)
		}
	}
	return rest, inQueue
}

// diffIDs returns ids in want but not in have, and ids in have but not in
// want. Both inputs must be sorted ascending.
func diffIDs(want, have []int64) (missing, extra []int64) {
	i, j := 0, 0
	for i < len(want) && j < len(have) {
		switch {
		case want[i] == have[j]:
			i++
			j++
		case want[i] < have[j]:
			missing = append(missing, want[i])
			i++
		default:
			extra = append(extra, have[j])
			j++
		}
	}
	missing = append(missing, want[i:]...)
	extra = append(extra, have[j:]...)
	return missing, extra
}
