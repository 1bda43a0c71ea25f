package memory

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLexical(t *testing.T, dir string) *LexicalIndex {
	t.Helper()
	idx, err := OpenLexicalIndex(LexicalOptions{Dir: dir})
	require.NoError(t, err)
	return idx
}

func TestLexicalIndex_InsertAndSearch(t *testing.T) {
	idx := openTestLexical(t, "")
	defer idx.Close()
	ctx := context.Background()

	require.NoError(t, idx.Insert(ctx, Document{ID: 1, Text: "machine learning algorithms for text", SessionID: "s1"}))
	require.NoError(t, idx.Insert(ctx, Document{ID: 2, Text: "cooking recipes for pasta", SessionID: "s1"}))
	require.NoError(t, idx.Insert(ctx, Document{ID: 3, Text: "deep learning and machine vision", SessionID: "s1"}))

	hits, err := idx.Search(ctx, "machine learning", 10, Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	for _, h := range hits {
		assert.NotEqual(t, int64(2), h.ID)
		assert.Greater(t, h.Score, 0.0)
	}
	assert.GreaterOrEqual(t, hits[0].Score, hits[1].Score)

	hits, err = idx.Search(ctx, "pasta", 1, Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(2), hits[0].ID)
}

func TestLexicalIndex_Filter(t *testing.T) {
	idx := openTestLexical(t, "")
	defer idx.Close()
	ctx := context.Background()

	idx.Insert(ctx, Document{ID: 1, Text: "hello world", SessionID: "s1", PersonaID: "p1"})
	idx.Insert(ctx, Document{ID: 2, Text: "hello there", SessionID: "s2", PersonaID: "p1"})
	idx.Insert(ctx, Document{ID: 3, Text: "hello again", SessionID: "s1", PersonaID: "p2"})

	hits, err := idx.Search(ctx, "hello", 10, Filter{SessionID: "s1"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 3}, hitIDs(hits))

	hits, err = idx.Search(ctx, "hello", 10, Filter{PersonaID: "p1", SessionID: "s2"})
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, hitIDs(hits))
}

func TestLexicalIndex_DeleteAndReplace(t *testing.T) {
	idx := openTestLexical(t, "")
	defer idx.Close()
	ctx := context.Background()

	idx.Insert(ctx, Document{ID: 1, Text: "hello world"})
	idx.Insert(ctx, Document{ID: 2, Text: "goodbye world"})

	removed, err := idx.Delete(ctx, 1)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = idx.Delete(ctx, 1)
	require.NoError(t, err)
	assert.False(t, removed)

	hits, _ := idx.Search(ctx, "hello", 10, Filter{})
	assert.Empty(t, hits)

	require.NoError(t, idx.Insert(ctx, Document{ID: 2, Text: "fresh content"}))
	hits, _ = idx.Search(ctx, "goodbye", 10, Filter{})
	assert.Empty(t, hits, "old terms must be gone after re-insert")
	hits, _ = idx.Search(ctx, "fresh", 10, Filter{})
	assert.Equal(t, []int64{2}, hitIDs(hits))
	assert.Equal(t, 1, idx.Len())

	n, err := idx.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLexicalIndex_EmptyQueryAndCorpus(t *testing.T) {
	idx := openTestLexical(t, "")
	defer idx.Close()
	ctx := context.Background()

	hits, err := idx.Search(ctx, "anything", 10, Filter{})
	require.NoError(t, err)
	assert.Empty(t, hits)

	idx.Insert(ctx, Document{ID: 1, Text: "hello world"})
	hits, err = idx.Search(ctx, "", 10, Filter{})
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = idx.Search(ctx, "the of and", 10, Filter{})
	require.NoError(t, err)
	assert.Empty(t, hits, "stopword-only query")
}

func TestLexicalIndex_HanCharacters(t *testing.T) {
	idx := openTestLexical(t, "")
	defer idx.Close()
	ctx := context.Background()

	idx.Insert(ctx, Document{ID: 1, Text: "用户喜欢喝绿茶"})
	idx.Insert(ctx, Document{ID: 2, Text: "用户在学习编程"})

	hits, err := idx.Search(ctx, "绿茶", 10, Filter{})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, int64(1), hits[0].ID)
}

func TestLexicalIndex_PersistsAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "lexical")
	ctx := context.Background()

	idx := openTestLexical(t, dir)
	idx.Insert(ctx, Document{ID: 1, Text: "persistent memory rows", SessionID: "s1"})
	idx.Insert(ctx, Document{ID: 2, Text: "transient thoughts", SessionID: "s1"})
	idx.Delete(ctx, 2)
	require.NoError(t, idx.Close())

	idx = openTestLexical(t, dir)
	defer idx.Close()
	assert.Equal(t, []int64{1}, idx.IDs())

	hits, err := idx.Search(ctx, "memory", 10, Filter{SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, hitIDs(hits))
}

func TestLexicalIndex_ResetAndBackup(t *testing.T) {
	idx := openTestLexical(t, filepath.Join(t.TempDir(), "lexical"))
	defer idx.Close()
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		idx.Insert(ctx, Document{ID: i, Text: "row content"})
	}

	var buf bytes.Buffer
	require.NoError(t, idx.Backup(&buf))
	assert.NotZero(t, buf.Len())

	require.NoError(t, idx.Reset(ctx))
	assert.Equal(t, 0, idx.Len())
	n, err := idx.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestTokenizer(t *testing.T) {
	tok := NewTokenizer("custom")

	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"lowercase and split", "Hello, World! 42", []string{"hello", "world", "42"}},
		{"stopwords", "the cat is on the mat", []string{"cat", "mat"}},
		{"extra stopword", "Custom words", []string{"words"}},
		{"han per character", "我喜欢Go语言", []string{"我", "喜", "欢", "go", "语", "言"}},
		{"chinese stopword", "我的猫", []string{"我", "猫"}},
		{"empty", "  ", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tok.Tokenize(tt.in))
		})
	}
}

func TestLoadStopWords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stop.txt")
	require.NoError(t, os.WriteFile(path, []byte("# comment\nfoo\n\n  Bar \n"), 0o644))

	words, err := LoadStopWords(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"foo", "Bar"}, words)

	tok := NewTokenizer(words...)
	assert.Equal(t, []string{"baz"}, tok.Tokenize("foo bar baz"))

	_, err = LoadStopWords(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func hitIDs(hits []Hit) []int64 {
	ids := make([]int64, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	return ids
}
