package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/goclaw/mnemos/pkg/logger"
)

// HybridOptions configures the hybrid retriever.
type HybridOptions struct {
	// PathTimeout bounds each retrieval path.
	PathTimeout time.Duration

	// CandidateMultiplier and MinCandidates size each path's fetch:
	// max(k*CandidateMultiplier, MinCandidates).
	CandidateMultiplier int
	MinCandidates       int
}

// SearchResult is the outcome of a hybrid search.
type SearchResult struct {
	Results []Result `json:"results"`

	// Degraded is set when at least one path failed or timed out.
	Degraded bool `json:"degraded"`

	// FailedPaths names the paths that did not contribute.
	FailedPaths []string `json:"failed_paths,omitempty"`
}

// IDs returns the record ids of the results in order.
func (r *SearchResult) IDs() []int64 {
	ids := make([]int64, len(r.Results))
	for i, res := range r.Results {
		ids[i] = res.Record.ID
	}
	return ids
}

type recordSource interface {
	GetMany(ctx context.Context, ids []int64) (map[int64]*Record, error)
}

// HybridRetriever queries every path concurrently and fuses the survivors.
type HybridRetriever struct {
	paths   []Index
	records recordSource
	fuser   *Fuser
	opts    HybridOptions
	now     func() time.Time
	logger  logger.Logger
	metrics MetricsRecorder
}

// NewHybridRetriever creates a retriever over the given paths.
func NewHybridRetriever(records recordSource, fuser *Fuser, opts HybridOptions, paths ...Index) *HybridRetriever {
	if opts.PathTimeout <= 0 {
		opts.PathTimeout = 3 * time.Second
	}
	if opts.CandidateMultiplier <= 0 {
		opts.CandidateMultiplier = 3
	}
	if opts.MinCandidates <= 0 {
		opts.MinCandidates = 30
	}
	return &HybridRetriever{
		paths:   paths,
		records: records,
		fuser:   fuser,
		opts:    opts,
		now:     time.Now,
		logger:  logger.Global(),
		metrics: nopMetrics{},
	}
}

type pathResult struct {
	index int
	hits  []Hit
	err   error
}

// Retrieve runs the search. Path failures degrade the result instead of
// failing it; the returned error is only set when hydration from the
// record store fails.
func (h *HybridRetriever) Retrieve(ctx context.Context, query string, k int, filter Filter) (*SearchResult, error) {
	res := &SearchResult{}
	if strings.TrimSpace(query) == "" || k <= 0 {
		return res, nil
	}

	fetchK := max(k*h.opts.CandidateMultiplier, h.opts.MinCandidates)
	pathCtx, cancel := context.WithTimeout(ctx, h.opts.PathTimeout)
	defer cancel()

	out := make(chan pathResult, len(h.paths))
	for i, p := range h.paths {
		go func(i int, p Index) {
			start := time.Now()
			hits, err := h.searchPath(pathCtx, p, query, fetchK, filter)
			h.metrics.RecordPathLatency(p.Name(), time.Since(start), err)
			out <- pathResult{index: i, hits: hits, err: err}
		}(i, p)
	}

	collected := make([]*pathResult, len(h.paths))
	for received := 0; received < len(h.paths); received++ {
		select {
		case r := <-out:
			collected[r.index] = &r
		case <-pathCtx.Done():
			received = len(h.paths)
		}
	}

	var (
		lists []RankedList
		ids   []int64
		seen  = make(map[int64]struct{})
	)
	for i, p := range h.paths {
		r := collected[i]
		err := pathCtx.Err()
		if r != nil {
			err = r.err
		}
		if r == nil || r.err != nil {
			res.Degraded = true
			res.FailedPaths = append(res.FailedPaths, p.Name())
			h.metrics.RecordDegraded(p.Name())
			h.logger.WarnContext(ctx, "retrieval path unavailable", "path", p.Name(), "error", err)
			continue
		}
		list := RankedList{Path: p.Name(), IDs: make([]int64, len(r.hits))}
		for j, hit := range r.hits {
			list.IDs[j] = hit.ID
			if _, ok := seen[hit.ID]; !ok {
				seen[hit.ID] = struct{}{}
				ids = append(ids, hit.ID)
			}
		}
		lists = append(lists, list)
	}
	if len(lists) == 0 || len(ids) == 0 {
		return res, nil
	}

	records, err := h.records.GetMany(ctx, ids)
	if err != nil {
		return res, opError("hydrate results", 0, ErrIndexUnavailable, err, remedyStore)
	}
	for id, rec := range records {
		if rec.Metadata.Status != StatusActive || !filter.Matches(rec.Metadata.SessionID, rec.Metadata.PersonaID) {
			delete(records, id)
		}
	}

	res.Results = h.fuser.Fuse(lists, records, h.now(), k)
	return res, nil
}

func (h *HybridRetriever) searchPath(ctx context.Context, p Index, query string, k int, filter Filter) (hits []Hit, err error) {
	ctx, span := memoryTracer().Start(ctx, spanPathPrefix+p.Name())
	defer func() {
		if r := recover(); r != nil {
			err = opError("search "+p.Name(), 0, ErrIndexUnavailable, fmt.Errorf("panic: %v", r), "")
		}
		span.SetAttributes(attribute.Int("memory.hits", len(hits)))
		endSpan(span, err)
	}()
	hits, err = p.Search(ctx, query, k, filter)
	if err != nil {
		return nil, opError("search "+p.Name(), 0, ErrIndexUnavailable, err, "")
	}
	return hits, nil
}
