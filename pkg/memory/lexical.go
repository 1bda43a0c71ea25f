package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

const lexicalKeyPrefix = "lex/"

// LexicalOptions configures a LexicalIndex.
type LexicalOptions struct {
	// Dir is the Badger directory. Empty runs in memory.
	Dir string

	// K1 is the term frequency saturation parameter.
	K1 float64

	// B is the document length normalization parameter.
	B float64

	// Tokenizer overrides the default tokenizer.
	Tokenizer *Tokenizer

	// SyncWrites makes every row write durable before returning.
	SyncWrites bool
}

type lexicalRow struct {
	SessionID string         `json:"s,omitempty"`
	PersonaID string         `json:"p,omitempty"`
	Terms     map[string]int `json:"t"`
	Length    int            `json:"l"`
}

// LexicalIndex is a BM25 index over canonical summaries. Every row is
// persisted in Badger; the inverted index is rebuilt in memory on open.
type LexicalIndex struct {
	mu sync.RWMutex

	db  *badger.DB
	tok *Tokenizer

	k1 float64
	b  float64

	// term -> ids containing it
	inverted map[string]map[int64]struct{}
	rows     map[int64]*lexicalRow
	totalLen int
}

// OpenLexicalIndex opens the Badger store and loads existing rows.
func OpenLexicalIndex(opts LexicalOptions) (*LexicalIndex, error) {
	bopts := badger.DefaultOptions(opts.Dir).
		WithLogger(nil).
		WithSyncWrites(opts.SyncWrites)
	if opts.Dir == "" {
		bopts = bopts.WithInMemory(true)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open lexical store: %w", err)
	}

	if opts.K1 <= 0 {
		opts.K1 = 1.5
	}
	if opts.B < 0 || opts.B > 1 {
		opts.B = 0.75
	}
	if opts.Tokenizer == nil {
		opts.Tokenizer = NewTokenizer()
	}

	idx := &LexicalIndex{
		db:       db,
		tok:      opts.Tokenizer,
		k1:       opts.K1,
		b:        opts.B,
		inverted: make(map[string]map[int64]struct{}),
		rows:     make(map[int64]*lexicalRow),
	}
	if err := idx.load(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *LexicalIndex) load() error {
	return idx.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(lexicalKeyPrefix), PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			id, err := strconv.ParseInt(string(item.Key()[len(lexicalKeyPrefix):]), 10, 64)
			if err != nil {
				return fmt.Errorf("lexical: bad key %q", item.Key())
			}
			var row lexicalRow
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &row)
			}); err != nil {
				return fmt.Errorf("lexical: decode row %d: %w", id, err)
			}
			idx.addLocked(id, &row)
		}
		return nil
	})
}

// Name implements Index.
func (idx *LexicalIndex) Name() string { return "lexical" }

// Insert implements Index. Re-inserting an id replaces its row.
func (idx *LexicalIndex) Insert(ctx context.Context, doc Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tokens := idx.tok.Tokenize(doc.Text)
	row := &lexicalRow{
		SessionID: doc.SessionID,
		PersonaID: doc.PersonaID,
		Terms:     make(map[string]int, len(tokens)),
		Length:    len(tokens),
	}
	for _, t := range tokens {
		row.Terms[t]++
	}

	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("lexical: encode row %d: %w", doc.ID, err)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if err := idx.db.Update(func(txn *badger.Txn) error {
		return txn.Set(lexicalKey(doc.ID), data)
	}); err != nil {
		return fmt.Errorf("lexical: write row %d: %w", doc.ID, err)
	}
	idx.removeLocked(doc.ID)
	idx.addLocked(doc.ID, row)
	return nil
}

// Delete implements Index. The row is physically removed.
func (idx *LexicalIndex) Delete(ctx context.Context, id int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if err := idx.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(lexicalKey(id))
	}); err != nil {
		return false, fmt.Errorf("lexical: delete row %d: %w", id, err)
	}
	return idx.removeLocked(id), nil
}

// Search implements Index.
func (idx *LexicalIndex) Search(ctx context.Context, query string, k int, filter Filter) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	queryTokens := idx.tok.Tokenize(query)
	if len(queryTokens) == 0 {
		return nil, nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(idx.rows) == 0 {
		return nil, nil
	}
	avgDL := float64(idx.totalLen) / float64(len(idx.rows))
	if avgDL == 0 {
		avgDL = 1
	}

	candidates := make(map[int64]struct{})
	for _, token := range queryTokens {
		for id := range idx.inverted[token] {
			row := idx.rows[id]
			if !filter.Matches(row.SessionID, row.PersonaID) {
				continue
			}
			candidates[id] = struct{}{}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(candidates))
	for id := range candidates {
		if score := idx.scoreLocked(id, queryTokens, avgDL); score > 0 {
			hits = append(hits, Hit{ID: id, Score: score})
		}
	}
	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// IDs implements Index.
func (idx *LexicalIndex) IDs() []int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	ids := make([]int64, 0, len(idx.rows))
	for id := range idx.rows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len implements Index.
func (idx *LexicalIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.rows)
}

// Count returns the number of rows persisted in Badger. It should always
// equal Len.
func (idx *LexicalIndex) Count() (int, error) {
	n := 0
	err := idx.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(lexicalKeyPrefix)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Reset implements Index.
func (idx *LexicalIndex) Reset(ctx context.Context) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if err := idx.db.DropPrefix([]byte(lexicalKeyPrefix)); err != nil {
		return fmt.Errorf("lexical: reset: %w", err)
	}
	idx.inverted = make(map[string]map[int64]struct{})
	idx.rows = make(map[int64]*lexicalRow)
	idx.totalLen = 0
	return nil
}

// Backup streams a full Badger backup to w.
func (idx *LexicalIndex) Backup(w io.Writer) error {
	if _, err := idx.db.Backup(w, 0); err != nil {
		return fmt.Errorf("lexical: backup: %w", err)
	}
	return nil
}

// Close implements Index.
func (idx *LexicalIndex) Close() error {
	return idx.db.Close()
}

func (idx *LexicalIndex) addLocked(id int64, row *lexicalRow) {
	idx.rows[id] = row
	idx.totalLen += row.Length
	for term := range row.Terms {
		if idx.inverted[term] == nil {
			idx.inverted[term] = make(map[int64]struct{})
		}
		idx.inverted[term][id] = struct{}{}
	}
}

func (idx *LexicalIndex) removeLocked(id int64) bool {
	row, ok := idx.rows[id]
	if !ok {
		return false
	}
	for term := range row.Terms {
		if docs, ok := idx.inverted[term]; ok {
			delete(docs, id)
			if len(docs) == 0 {
				delete(idx.inverted, term)
			}
		}
	}
	idx.totalLen -= row.Length
	delete(idx.rows, id)
	return true
}

// scoreLocked calculates the BM25 score of one row. Caller holds the read lock.
func (idx *LexicalIndex) scoreLocked(id int64, queryTokens []string, avgDL float64) float64 {
	row := idx.rows[id]
	docLen := float64(row.Length)
	total := float64(len(idx.rows))
	score := 0.0

	for _, term := range queryTokens {
		tf := float64(row.Terms[term])
		if tf == 0 {
			continue
		}
		// IDF: log((N - n + 0.5) / (n + 0.5) + 1)
		n := float64(len(idx.inverted[term]))
		idf := math.Log((total-n+0.5)/(n+0.5) + 1.0)

		numerator := tf * (idx.k1 + 1)
		denominator := tf + idx.k1*(1-idx.b+idx.b*docLen/avgDL)
		score += idf * numerator / denominator
	}
	return score
}

func lexicalKey(id int64) []byte {
	return []byte(lexicalKeyPrefix + strconv.FormatInt(id, 10))
}

// sortHits orders by score descending, then id ascending.
func sortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
}
