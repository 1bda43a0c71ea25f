package memory

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/goclaw/mnemos/pkg/embedding"
	"github.com/goclaw/mnemos/pkg/logger"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock { return &testClock{now: testNow} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEngine struct {
	*Engine
	dir     string
	clock   *testClock
	lexical *LexicalIndex
	vector  *VectorRetriever
}

// newTestEngine opens a fully persistent engine in a temp dir with the
// hashing embedder. wrap, when set, replaces the indexes handed to the
// engine.
func newTestEngine(t *testing.T, wrap func(lex, vec Index) (Index, Index)) *testEngine {
	t.Helper()
	return newTestEngineOpts(t, DefaultOptions(), wrap)
}

func newTestEngineOpts(t *testing.T, opts Options, wrap func(lex, vec Index) (Index, Index), options ...Option) *testEngine {
	t.Helper()
	dir := t.TempDir()

	store, err := OpenRecordStore(filepath.Join(dir, "records.db"), time.Second)
	require.NoError(t, err)
	_, err = NewMigrator(store, nil, logger.Nop()).Migrate(context.Background())
	require.NoError(t, err)

	lex, err := OpenLexicalIndex(LexicalOptions{Dir: filepath.Join(dir, "lexical")})
	require.NoError(t, err)

	vec, err := NewVectorRetriever(embedding.NewHashing(64), filepath.Join(dir, "vectors.bin"), logger.Nop())
	require.NoError(t, err)

	var li, vi Index = lex, vec
	if wrap != nil {
		li, vi = wrap(lex, vec)
	}

	clock := newTestClock()
	options = append([]Option{WithLogger(logger.Nop()), WithClock(clock.Now)}, options...)
	e := New(store, li, vi, opts, options...)
	t.Cleanup(func() { e.Close() })
	return &testEngine{Engine: e, dir: dir, clock: clock, lexical: lex, vector: vec}
}

func (te *testEngine) add(t *testing.T, canonical, session string, importance float64) int64 {
	t.Helper()
	id, err := te.Add(context.Background(), AddRequest{
		CanonicalSummary: canonical,
		SessionID:        session,
		Importance:       &importance,
	})
	require.NoError(t, err)
	return id
}

func ptr[T any](v T) *T { return &v }

var errInjected = errors.New("injected failure")

// faultyIndex wraps an Index and fails selected operations on demand.
type faultyIndex struct {
	Index

	failSearch atomic.Bool
	failInsert atomic.Bool
	failDelete atomic.Bool
	failOnce   atomic.Bool // fails the next Delete only
	panicky    atomic.Bool
	block      atomic.Bool // Search ignores ctx and sleeps

	searches atomic.Int32
}

func (f *faultyIndex) Search(ctx context.Context, query string, k int, filter Filter) ([]Hit, error) {
	f.searches.Add(1)
	if f.panicky.Load() {
		panic("index exploded")
	}
	if f.block.Load() {
		time.Sleep(500 * time.Millisecond)
	}
	if f.failSearch.Load() {
		return nil, errInjected
	}
	return f.Index.Search(ctx, query, k, filter)
}

func (f *faultyIndex) Insert(ctx context.Context, doc Document) error {
	if f.failInsert.Load() {
		return errInjected
	}
	return f.Index.Insert(ctx, doc)
}

func (f *faultyIndex) Delete(ctx context.Context, id int64) (bool, error) {
	if f.failDelete.Load() || f.failOnce.CompareAndSwap(true, false) {
		return false, errInjected
	}
	return f.Index.Delete(ctx, id)
}

// failingProvider is an embedding provider that can be switched off.
type failingProvider struct {
	embedding.Provider
	down atomic.Bool
}

func (p *failingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if p.down.Load() {
		return nil, errors.New("connection refused")
	}
	return p.Provider.Embed(ctx, text)
}

// recordingMetrics captures what the engine reports.
type recordingMetrics struct {
	nopMetrics
	mu       sync.Mutex
	outcomes []string
	degraded []string
	writes   map[string]int
	cleanups []int
	runs     []string
	backups  []string
}

func (m *recordingMetrics) RecordSearch(outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func (m *recordingMetrics) RecordDegraded(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.degraded = append(m.degraded, path)
}

func (m *recordingMetrics) RecordWrite(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writes == nil {
		m.writes = make(map[string]int)
	}
	m.writes[op]++
}

func (m *recordingMetrics) RecordCleanup(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups = append(m.cleanups, n)
}

func (m *recordingMetrics) RecordSchedulerRun(result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, result)
}

func (m *recordingMetrics) RecordBackup(result string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backups = append(m.backups, result)
}
