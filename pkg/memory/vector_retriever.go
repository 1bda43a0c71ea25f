package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/goclaw/mnemos/pkg/embedding"
	"github.com/goclaw/mnemos/pkg/logger"
)

// Rune caps applied before embedding.
const (
	MaxQueryRunes  = 2000
	MaxInsertRunes = 4000
)

// vectorFlushEvery is the number of unsaved writes after which the index
// file is rewritten.
const vectorFlushEvery = 64

// VectorRetriever is the dense retrieval path: it embeds text with a
// provider and stores the vectors in a VectorIndex persisted at path.
//
// Writes are saved in batches. The file is rewritten after
// vectorFlushEvery writes, after a rebuild, on Flush and on Close.
type VectorRetriever struct {
	provider embedding.Provider
	index    atomic.Pointer[VectorIndex]
	path     string
	logger   logger.Logger

	// writes since the last save
	unsaved atomic.Int64

	// serializes saves
	saveMu sync.Mutex
}

// NewVectorRetriever creates the retriever and loads path when it exists.
// An empty path keeps the index in memory only.
func NewVectorRetriever(provider embedding.Provider, path string, log logger.Logger) (*VectorRetriever, error) {
	if log == nil {
		log = logger.Global()
	}
	r := &VectorRetriever{
		provider: provider,
		path:     path,
		logger:   log.With("component", "vector"),
	}
	idx := NewVectorIndex(provider.Dimension())
	if path != "" {
		if err := idx.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	r.index.Store(idx)
	return r, nil
}

// Name implements Index.
func (r *VectorRetriever) Name() string { return "vector" }

// Path returns the index file path, empty when kept in memory.
func (r *VectorRetriever) Path() string { return r.path }

// Index returns the current vector index.
func (r *VectorRetriever) Index() *VectorIndex { return r.index.Load() }

// Persisted reports whether the index has a file on disk or unsaved
// writes that will produce one.
func (r *VectorRetriever) Persisted() bool {
	if r.path == "" || r.unsaved.Load() > 0 {
		return true
	}
	_, err := os.Stat(r.path)
	return err == nil
}

// Insert implements Index. Text beyond MaxInsertRunes is truncated.
func (r *VectorRetriever) Insert(ctx context.Context, doc Document) error {
	vec, err := r.embedDocument(ctx, doc)
	if err != nil {
		return err
	}
	if err := r.Index().Add(doc.ID, doc.SessionID, doc.PersonaID, vec); err != nil {
		return err
	}
	return r.written()
}

// Delete implements Index. The slot is tombstoned, not reclaimed.
func (r *VectorRetriever) Delete(ctx context.Context, id int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !r.Index().Remove(id) {
		return false, nil
	}
	return true, r.written()
}

// Search implements Index. The query beyond MaxQueryRunes is truncated.
func (r *VectorRetriever) Search(ctx context.Context, query string, k int, filter Filter) ([]Hit, error) {
	query, _ = truncateRunes(query, MaxQueryRunes)
	vec, err := r.provider.Embed(ctx, query)
	if err != nil {
		return nil, opError("embed query", 0, ErrProviderUnavailable, err, remedyProvider)
	}
	return r.Index().Search(vec, k, filter)
}

// embedDocument embeds doc.Text. Blank text maps to the zero vector,
// which scores zero against every query, without asking the provider.
func (r *VectorRetriever) embedDocument(ctx context.Context, doc Document) ([]float32, error) {
	if strings.TrimSpace(doc.Text) == "" {
		return make([]float32, r.Index().Dimension()), nil
	}
	text, cut := truncateRunes(doc.Text, MaxInsertRunes)
	if cut {
		r.logger.WarnContext(ctx, "truncated text before embedding", "record_id", doc.ID, "limit", MaxInsertRunes)
	}
	vec, err := r.provider.Embed(ctx, text)
	if err != nil {
		return nil, opError("embed", doc.ID, ErrProviderUnavailable, err, remedyProvider)
	}
	return vec, nil
}

// IDs implements Index.
func (r *VectorRetriever) IDs() []int64 { return r.Index().IDs() }

// Len implements Index.
func (r *VectorRetriever) Len() int { return r.Index().Len() }

// SlotCount returns physical slots including tombstones.
func (r *VectorRetriever) SlotCount() int { return r.Index().SlotCount() }

// Reset implements Index. The index is emptied and compacted.
func (r *VectorRetriever) Reset(ctx context.Context) error {
	r.Index().Reset()
	return r.save()
}

// RebuildFrom embeds every document each yields into a fresh index and
// swaps it in once all of them were offered. A document that fails to
// embed keeps its current vector, if it has one. The returned map holds
// the ids that failed. When each fails the live index is left untouched.
func (r *VectorRetriever) RebuildFrom(ctx context.Context, each func(yield func(Document) error) error) (map[int64]error, error) {
	live := r.Index()
	fresh := NewVectorIndex(live.Dimension())
	failed := make(map[int64]error)

	err := each(func(doc Document) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		vec, err := r.embedDocument(ctx, doc)
		if err == nil {
			err = fresh.Add(doc.ID, doc.SessionID, doc.PersonaID, vec)
		}
		if err == nil {
			return nil
		}
		failed[doc.ID] = err
		if prev := live.Vector(doc.ID); prev != nil {
			return fresh.Add(doc.ID, doc.SessionID, doc.PersonaID, prev)
		}
		return nil
	})
	if err != nil {
		return failed, err
	}

	r.index.Store(fresh)
	return failed, r.save()
}

// Compact drops tombstoned slots and persists the result.
func (r *VectorRetriever) Compact() error {
	r.Index().Compact()
	return r.save()
}

// Save writes the index file.
func (r *VectorRetriever) Save() error { return r.save() }

// Flush writes the index file when there are unsaved writes.
func (r *VectorRetriever) Flush() error {
	if r.unsaved.Load() == 0 {
		return nil
	}
	return r.save()
}

// Close implements Index.
func (r *VectorRetriever) Close() error {
	return r.Flush()
}

func (r *VectorRetriever) written() error {
	if r.unsaved.Add(1) < vectorFlushEvery {
		return nil
	}
	return r.save()
}

func (r *VectorRetriever) save() error {
	if r.path == "" {
		r.unsaved.Store(0)
		return nil
	}
	r.saveMu.Lock()
	defer r.saveMu.Unlock()
	pending := r.unsaved.Load()
	if err := r.Index().Save(r.path); err != nil {
		return fmt.Errorf("persist vector index: %w", err)
	}
	r.unsaved.Add(-pending)
	return nil
}

// truncateRunes cuts s to at most n runes and reports whether it did.
func truncateRunes(s string, n int) (string, bool) {
	count := 0
	for i := range s {
		if count == n {
			return s[:i], true
		}
		count++
	}
	return s, false
}
