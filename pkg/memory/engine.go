package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/goclaw/mnemos/pkg/logger"
)

// minSummaryRunes is the length below which a summary is flagged low quality.
const minSummaryRunes = 8

// Options configures an Engine.
type Options struct {
	Fusion FusionConfig
	Hybrid HybridOptions

	// DefaultK is used when a search asks for k <= 0.
	DefaultK int

	// StrictEmbedding makes Add report a failed vector insert to the caller.
	StrictEmbedding bool
}

// DefaultOptions returns the default engine options.
func DefaultOptions() Options {
	return Options{
		Fusion: DefaultFusionConfig(),
		Hybrid: HybridOptions{
			PathTimeout:         3 * time.Second,
			CandidateMultiplier: 3,
			MinCandidates:       30,
		},
		DefaultK: 5,
	}
}

// Option is a functional option for configuring the Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder for the engine.
func WithMetrics(m MetricsRecorder) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithTokenizer sets the tokenizer used for quality checks and dedup.
func WithTokenizer(t *Tokenizer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tok = t
		}
	}
}

// Engine keeps the record store and both indexes synchronized. Searches
// take the read lock; every write takes the write lock for its full
// duration.
type Engine struct {
	mu sync.RWMutex

	store   *RecordStore
	lexical Index
	vector  Index
	hybrid  *HybridRetriever
	tok     *Tokenizer
	opts    Options

	logger  logger.Logger
	metrics MetricsRecorder
	now     func() time.Time
	closed  atomic.Bool
}

// New assembles an engine from opened components.
func New(store *RecordStore, lexical, vector Index, opts Options, options ...Option) *Engine {
	if opts.DefaultK <= 0 {
		opts.DefaultK = 5
	}
	e := &Engine{
		store:   store,
		lexical: lexical,
		vector:  vector,
		opts:    opts,
		logger:  logger.Global(),
		metrics: nopMetrics{},
		now:     time.Now,
	}
	for _, opt := range options {
		opt(e)
	}
	if e.tok == nil {
		e.tok = NewTokenizer()
	}
	e.logger = e.logger.With("component", "memory")

	e.hybrid = NewHybridRetriever(store, NewFuser(opts.Fusion, e.tok), opts.Hybrid, lexical, vector)
	e.hybrid.logger = e.logger
	e.hybrid.metrics = e.metrics
	e.hybrid.now = e.now
	return e
}

// Store returns the record store.
func (e *Engine) Store() *RecordStore { return e.store }

// Lexical returns the lexical retrieval path.
func (e *Engine) Lexical() Index { return e.lexical }

// Vector returns the vector retrieval path.
func (e *Engine) Vector() Index { return e.vector }

// SetFusionConfig swaps the fusion parameters. Used by config hot reload.
func (e *Engine) SetFusionConfig(cfg FusionConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opts.Fusion = cfg
	e.hybrid.fuser = e.hybrid.fuser.WithConfig(cfg)
}

// AddRequest describes a new record.
type AddRequest struct {
	CanonicalSummary string
	PersonaSummary   string
	SessionID        string
	PersonaID        string

	// Importance defaults to DefaultImportance when nil.
	Importance *float64

	// Quality is the summarizer's own verdict; empty means normal.
	Quality Quality

	// CreateTime defaults to now.
	CreateTime time.Time

	SourceWindow SourceWindow
	Attributes   Attributes
}

// Add stores a record and indexes it. The record store insert happens
// first, so the id exists even when an index insert fails; such failures
// are queued for repair. With StrictEmbedding a vector failure is also
// returned alongside the id.
func (e *Engine) Add(ctx context.Context, req AddRequest) (id int64, err error) {
	ctx, span := memoryTracer().Start(ctx, spanAdd)
	defer func() {
		span.SetAttributes(attribute.Int64("memory.record_id", id))
		endSpan(span, err)
		e.metrics.RecordWrite("add", err)
	}()

	if e.closed.Load() {
		return 0, ErrClosed
	}
	rec, err := e.prepare(req)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.addLocked(ctx, rec)
}

// prepare validates and normalizes a request into a record.
func (e *Engine) prepare(req AddRequest) (*Record, error) {
	canonical := trimmed(req.CanonicalSummary)
	persona := trimmed(req.PersonaSummary)
	if canonical == "" && persona == "" {
		return nil, opError("add", 0, ErrValidation, errors.New("both summaries are empty"), "")
	}

	quality := req.Quality
	if !quality.Valid() {
		quality = QualityNormal
	}
	// persona text is never indexed: a persona-only record is stored with
	// an empty canonical summary
	if utf8.RuneCountInString(canonical) < minSummaryRunes || len(e.tok.Tokenize(canonical)) == 0 {
		quality = QualityLow
	}

	importance := DefaultImportance
	if req.Importance != nil {
		importance = *req.Importance
	}

	rec := &Record{
		CanonicalSummary: canonical,
		PersonaSummary:   persona,
		Metadata: Metadata{
			SessionID:      req.SessionID,
			PersonaID:      req.PersonaID,
			Importance:     importance,
			CreateTime:     req.CreateTime,
			Status:         StatusActive,
			SummaryQuality: quality,
			SourceWindow:   req.SourceWindow,
			Attributes: Attributes{
				Topics:       cloneStrings(req.Attributes.Topics),
				KeyFacts:     cloneStrings(req.Attributes.KeyFacts),
				Sentiment:    req.Attributes.Sentiment,
				Participants: cloneStrings(req.Attributes.Participants),
			},
		},
	}
	rec.Metadata.normalize(e.now())
	return rec, nil
}

func (e *Engine) addLocked(ctx context.Context, rec *Record) (int64, error) {
	id, err := e.store.Insert(ctx, rec)
	if err != nil {
		return 0, opError("add", 0, nil, err, remedyStore)
	}
	rec.ID = id

	vecErr := e.indexLocked(ctx, rec)
	if vecErr != nil && e.opts.StrictEmbedding {
		return id, vecErr
	}
	return id, nil
}

// indexLocked inserts rec into both paths, queueing a repair for each
// failure. It returns the vector path error, if any.
func (e *Engine) indexLocked(ctx context.Context, rec *Record) error {
	doc := documentOf(rec)
	if err := e.lexical.Insert(ctx, doc); err != nil {
		e.queueRepair(ctx, rec.ID, e.lexical.Name(), err)
	}
	if err := e.vector.Insert(ctx, doc); err != nil {
		e.queueRepair(ctx, rec.ID, e.vector.Name(), err)
		return err
	}
	return nil
}

func (e *Engine) queueRepair(ctx context.Context, id int64, target string, cause error) {
	e.logger.WarnContext(ctx, "index insert failed, queued for repair",
		"record_id", id, "index", target, "error", cause)
	if err := e.store.QueueRepair(ctx, id, target, cause.Error()); err != nil {
		e.logger.ErrorContext(ctx, "failed to queue repair",
			"record_id", id, "index", target, "error", err)
	}
}

// Get returns the record with the given id.
func (e *Engine) Get(ctx context.Context, id int64) (*Record, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	rec, err := e.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, notFound("get", id)
	}
	if err != nil {
		return nil, opError("get", id, nil, err, remedyStore)
	}
	return rec, nil
}

// Search runs a hybrid search. It never fails: total retrieval failure
// yields an empty, degraded result. Returned records have their access
// time advanced.
func (e *Engine) Search(ctx context.Context, query string, k int, filter Filter) *SearchResult {
	start := time.Now()
	ctx, span := memoryTracer().Start(ctx, spanSearch,
		trace.WithAttributes(attribute.Int("memory.k", k)))
	defer span.End()

	if e.closed.Load() {
		e.metrics.RecordSearch(OutcomeFailed, time.Since(start))
		return &SearchResult{Degraded: true}
	}
	if k <= 0 {
		k = e.opts.DefaultK
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	res, err := e.hybrid.Retrieve(ctx, query, k, filter)
	if err != nil {
		e.logger.ErrorContext(ctx, "search failed", "error", err)
		span.RecordError(err)
		e.metrics.RecordSearch(OutcomeFailed, time.Since(start))
		return &SearchResult{Degraded: true, FailedPaths: res.FailedPaths}
	}

	if len(res.Results) > 0 {
		now := e.now()
		if _, err := e.store.Touch(ctx, res.IDs(), now); err != nil {
			e.logger.WarnContext(ctx, "failed to update access time", "error", err)
		} else {
			for _, r := range res.Results {
				if now.After(r.Record.Metadata.LastAccessTime) {
					r.Record.Metadata.LastAccessTime = now
				}
			}
		}
	}

	span.SetAttributes(
		attribute.Int("memory.results", len(res.Results)),
		attribute.Bool("memory.degraded", res.Degraded),
	)
	e.metrics.RecordSearch(searchOutcome(res), time.Since(start))
	return res
}

func searchOutcome(res *SearchResult) string {
	switch {
	case res.Degraded && len(res.Results) == 0:
		return OutcomeFailed
	case res.Degraded:
		return OutcomeDegraded
	case len(res.Results) == 0:
		return OutcomeEmpty
	}
	return OutcomeOK
}

// UpdateRequest lists the fields to change. Nil fields are left alone.
type UpdateRequest struct {
	CanonicalSummary *string
	PersonaSummary   *string
	Importance       *float64
	Status           *Status
	SummaryQuality   *Quality
	Attributes       *Attributes
}

// UpdateResult reports which id holds the record after an update.
type UpdateResult struct {
	// ID resolves after the update. It differs from PreviousID when the
	// content changed.
	ID         int64 `json:"id"`
	PreviousID int64 `json:"previous_id"`
	Replaced   bool  `json:"replaced"`
	Deleted    bool  `json:"deleted"`
}

// Update changes a record. Metadata changes are applied in place. A
// canonical summary change creates a new record and then deletes the old
// one; if the delete fails the new record is removed again and the old one
// stays intact.
func (e *Engine) Update(ctx context.Context, id int64, req UpdateRequest) (res *UpdateResult, err error) {
	ctx, span := memoryTracer().Start(ctx, spanUpdate,
		trace.WithAttributes(attribute.Int64("memory.record_id", id)))
	defer func() {
		endSpan(span, err)
		e.metrics.RecordWrite("update", err)
	}()

	if e.closed.Load() {
		return nil, ErrClosed
	}
	if req.Status != nil && !req.Status.Valid() {
		return nil, opError("update", id, ErrValidation, fmt.Errorf("unknown status %q", *req.Status), "")
	}
	if req.SummaryQuality != nil && !req.SummaryQuality.Valid() {
		return nil, opError("update", id, ErrValidation, fmt.Errorf("unknown quality %q", *req.SummaryQuality), "")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	old, err := e.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, notFound("update", id)
	}
	if err != nil {
		return nil, opError("update", id, nil, err, remedyStore)
	}

	if req.Status != nil && *req.Status == StatusDeleted {
		if _, err := e.deleteLocked(ctx, id, old); err != nil {
			return nil, err
		}
		return &UpdateResult{ID: id, PreviousID: id, Deleted: true}, nil
	}

	updated := cloneRecord(old)
	applyUpdate(updated, req)

	if req.CanonicalSummary != nil && trimmed(*req.CanonicalSummary) != old.CanonicalSummary {
		return e.replaceLocked(ctx, old, updated, trimmed(*req.CanonicalSummary))
	}

	if err := e.store.Update(ctx, updated); err != nil {
		return nil, opError("update", id, nil, err, remedyStore)
	}
	e.syncStatusLocked(ctx, old, updated)
	return &UpdateResult{ID: id, PreviousID: id}, nil
}

func applyUpdate(rec *Record, req UpdateRequest) {
	if req.PersonaSummary != nil {
		rec.PersonaSummary = trimmed(*req.PersonaSummary)
	}
	if req.Importance != nil {
		rec.Metadata.Importance = clampImportance(*req.Importance)
	}
	if req.Status != nil {
		rec.Metadata.Status = *req.Status
	}
	if req.SummaryQuality != nil {
		rec.Metadata.SummaryQuality = *req.SummaryQuality
	}
	if req.Attributes != nil {
		rec.Metadata.Attributes = Attributes{
			Topics:       cloneStrings(req.Attributes.Topics),
			KeyFacts:     cloneStrings(req.Attributes.KeyFacts),
			Sentiment:    req.Attributes.Sentiment,
			Participants: cloneStrings(req.Attributes.Participants),
		}
	}
}

// syncStatusLocked keeps index membership in line with a status change:
// only active records are indexed.
func (e *Engine) syncStatusLocked(ctx context.Context, old, updated *Record) {
	wasActive := old.Metadata.Status == StatusActive
	isActive := updated.Metadata.Status == StatusActive
	switch {
	case wasActive && !isActive:
		for _, idx := range []Index{e.lexical, e.vector} {
			if _, err := idx.Delete(ctx, updated.ID); err != nil {
				e.logger.WarnContext(ctx, "failed to unindex archived record",
					"record_id", updated.ID, "index", idx.Name(), "error", err)
			}
		}
	case !wasActive && isActive:
		_ = e.indexLocked(ctx, updated)
	}
}

func (e *Engine) replaceLocked(ctx context.Context, old, updated *Record, content string) (*UpdateResult, error) {
	if content == "" {
		return nil, opError("update", old.ID, ErrValidation, errors.New("canonical summary is empty"), "")
	}
	updated.ID = 0
	updated.CanonicalSummary = content
	updated.Metadata.LastAccessTime = e.now()
	if utf8.RuneCountInString(content) < minSummaryRunes || len(e.tok.Tokenize(content)) == 0 {
		updated.Metadata.SummaryQuality = QualityLow
	}
	updated.Metadata.normalize(e.now())

	newID, err := e.store.Insert(ctx, updated)
	if err != nil {
		return nil, opError("update", old.ID, nil, err, remedyStore)
	}
	updated.ID = newID
	if updated.Metadata.Status == StatusActive {
		_ = e.indexLocked(ctx, updated)
	}

	if _, err := e.deleteLocked(ctx, old.ID, old); err != nil {
		if _, rbErr := e.deleteLocked(ctx, newID, updated); rbErr != nil {
			e.logger.ErrorContext(ctx, "rollback of replacement record failed",
				"record_id", newID, "previous_id", old.ID, "error", rbErr)
			return nil, errors.Join(err, rbErr)
		}
		return nil, err
	}
	e.logger.DebugContext(ctx, "record content replaced", "record_id", newID, "previous_id", old.ID)
	return &UpdateResult{ID: newID, PreviousID: old.ID, Replaced: true}, nil
}

// Delete removes a record from the lexical index, the vector index and the
// record store, in that order. A missing id yields ErrNotFound.
func (e *Engine) Delete(ctx context.Context, id int64) (err error) {
	ctx, span := memoryTracer().Start(ctx, spanDelete,
		trace.WithAttributes(attribute.Int64("memory.record_id", id)))
	defer func() {
		endSpan(span, err)
		if !errors.Is(err, ErrNotFound) {
			e.metrics.RecordWrite("delete", err)
		}
	}()

	if e.closed.Load() {
		return ErrClosed
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.store.Get(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return opError("delete", id, nil, err, remedyStore)
	}
	existed, err := e.deleteLocked(ctx, id, rec)
	if err != nil {
		return err
	}
	if !existed {
		return notFound("delete", id)
	}
	return nil
}

// deleteLocked removes id from every store. If a later step fails, index
// entries removed by earlier steps are restored from rec.
func (e *Engine) deleteLocked(ctx context.Context, id int64, rec *Record) (bool, error) {
	lexRemoved, err := e.lexical.Delete(ctx, id)
	if err != nil {
		return false, opError("delete", id, ErrIndexUnavailable,
			fmt.Errorf("%s index: %w", e.lexical.Name(), err), remedyRebuild)
	}

	vecRemoved, err := e.vector.Delete(ctx, id)
	if err != nil {
		e.restoreLocked(ctx, rec, lexRemoved, false)
		return false, opError("delete", id, ErrIndexUnavailable,
			fmt.Errorf("%s index: %w", e.vector.Name(), err), remedyRebuild)
	}

	existed, err := e.store.Delete(ctx, id)
	if err != nil {
		e.restoreLocked(ctx, rec, lexRemoved, vecRemoved)
		return false, opError("delete", id, nil, err, remedyStore)
	}
	return existed, nil
}

func (e *Engine) restoreLocked(ctx context.Context, rec *Record, lexical, vector bool) {
	if rec == nil {
		return
	}
	doc := documentOf(rec)
	if lexical {
		if err := e.lexical.Insert(ctx, doc); err != nil {
			e.queueRepair(ctx, rec.ID, e.lexical.Name(), err)
		}
	}
	if vector {
		if err := e.vector.Insert(ctx, doc); err != nil {
			e.queueRepair(ctx, rec.ID, e.vector.Name(), err)
		}
	}
}

type flusher interface {
	Flush() error
}

// Flush persists index writes that are still buffered.
func (e *Engine) Flush(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	var errs []error
	for _, idx := range []Index{e.lexical, e.vector} {
		if f, ok := idx.(flusher); ok {
			if err := f.Flush(); err != nil {
				errs = append(errs, fmt.Errorf("flush %s: %w", idx.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

// Closed reports whether Close has been called.
func (e *Engine) Closed() bool { return e.closed.Load() }

// Close persists the indexes and closes every store.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	return errors.Join(
		e.lexical.Close(),
		e.vector.Close(),
		e.store.Close(),
	)
}
