package memory

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiffIDs(t *testing.T) {
	tests := []struct {
		name          string
		want, have    []int64
		missing, more []int64
	}{
		{"equal", []int64{1, 2, 3}, []int64{1, 2, 3}, nil, nil},
		{"missing", []int64{1, 2, 3}, []int64{2}, []int64{1, 3}, nil},
		{"extra", []int64{2}, []int64{1, 2, 5}, nil, []int64{1, 5}},
		{"both", []int64{1, 3}, []int64{2, 3, 4}, []int64{1}, []int64{2, 4}},
		{"empty", nil, nil, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			missing, extra := diffIDs(tt.want, tt.have)
			assert.Equal(t, tt.missing, missing)
			assert.Equal(t, tt.more, extra)
		})
	}
}

func TestValidate_TombstonesAreNormal(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	var ids []int64
	for _, s := range []string{"first note on gardening", "second note on baking", "third note on chess"} {
		ids = append(ids, te.add(t, s, "s1", 0.5))
	}
	require.NoError(t, te.Delete(ctx, ids[0]))

	st, err := te.Validate(ctx)
	require.NoError(t, err)
	assert.True(t, st.Consistent(), st.Reason)
	assert.Equal(t, 2, st.RecordCount)
	assert.Equal(t, 2, st.LexicalCount)
	assert.Equal(t, 2, st.VectorLen)
	assert.Equal(t, 3, st.VectorSlots)
	assert.False(t, st.VectorFileAbsent)

	st, err = te.ValidateAndRepair(ctx)
	require.NoError(t, err)
	assert.True(t, st.Consistent())
	assert.Equal(t, 3, te.vector.SlotCount(), "a consistent index is not rebuilt")
}

func TestValidate_LexicalDrift(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	a := te.add(t, "user enjoys jazz music", "s1", 0.5)
	b := te.add(t, "user collects vinyl records", "s1", 0.5)

	_, err := te.lexical.Delete(ctx, a)
	require.NoError(t, err)
	require.NoError(t, te.lexical.Insert(ctx, Document{ID: 999, Text: "orphan row"}))

	st, err := te.Validate(ctx)
	require.NoError(t, err)
	assert.True(t, st.NeedsLexicalRebuild)
	assert.False(t, st.NeedsVectorRebuild)
	assert.Equal(t, []int64{a}, st.MissingInLexical)
	assert.Equal(t, []int64{999}, st.RedundantLexical)
	assert.NotEmpty(t, st.Reason)

	require.NoError(t, te.Store().QueueRepair(ctx, a, RepairLexical, "lost"))

	_, err = te.ValidateAndRepair(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{a, b}, te.lexical.IDs())

	repairs, _ := te.Store().PendingRepairs(ctx)
	assert.Empty(t, repairs, "a rebuild clears its queued repairs")

	st, err = te.Validate(ctx)
	require.NoError(t, err)
	assert.True(t, st.Consistent(), st.Reason)
	assert.Contains(t, te.Search(ctx, "jazz", 3, Filter{}).IDs(), a)
}

func TestValidate_VectorFileMissing(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	te.add(t, "user is training for a marathon", "s1", 0.5)
	require.NoError(t, te.vector.Save())
	require.NoError(t, os.Remove(te.vector.Path()))

	st, err := te.Validate(ctx)
	require.NoError(t, err)
	assert.True(t, st.VectorFileAbsent)
	assert.True(t, st.NeedsVectorRebuild)
	assert.False(t, st.NeedsLexicalRebuild)

	_, err = te.ValidateAndRepair(ctx)
	require.NoError(t, err)
	_, err = os.Stat(te.vector.Path())
	assert.NoError(t, err)

	st, _ = te.Validate(ctx)
	assert.True(t, st.Consistent(), st.Reason)
}

func TestValidate_VectorForeignIDs(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	id := te.add(t, "user prefers window seats", "s1", 0.5)
	te.add(t, "user avoids late flights", "s1", 0.5)
	require.NoError(t, te.vector.Insert(ctx, Document{ID: 777, Text: "stray vector"}))
	_, err := te.vector.Delete(ctx, id)
	require.NoError(t, err)

	st, err := te.Validate(ctx)
	require.NoError(t, err)
	assert.True(t, st.NeedsVectorRebuild)
	assert.Equal(t, []int64{id}, st.MissingInVector)
	assert.Equal(t, []int64{777}, st.ForeignInVector)

	_, err = te.ValidateAndRepair(ctx)
	require.NoError(t, err)
	assert.NotContains(t, te.vector.IDs(), int64(777))
	assert.Contains(t, te.vector.IDs(), id)
	assert.Equal(t, te.vector.Len(), te.vector.SlotCount(), "rebuild compacts tombstones")
}

func TestValidate_EmptyEngineWithoutVectorFile(t *testing.T) {
	te := newTestEngine(t, nil)

	st, err := te.Validate(context.Background())
	require.NoError(t, err)
	assert.True(t, st.VectorFileAbsent)
	assert.True(t, st.Consistent(), "no records means nothing to rebuild")
}

func TestRebuild(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	for _, s := range []string{"alpha memory", "beta memory", "gamma memory"} {
		te.add(t, s, "s1", 0.5)
	}
	require.NoError(t, te.Rebuild(ctx, "lexical"))
	assert.Equal(t, 3, te.lexical.Len())
	require.NoError(t, te.Rebuild(ctx, "vector"))
	assert.Equal(t, 3, te.vector.Len())

	assert.Error(t, te.Rebuild(ctx, "graph"))
}

func TestRebuild_FailedInsertsAreQueued(t *testing.T) {
	var vec *faultyIndex
	te := newTestEngine(t, func(l, v Index) (Index, Index) {
		vec = &faultyIndex{Index: v}
		return l, vec
	})
	ctx := context.Background()

	id := te.add(t, "user keeps bees in the garden", "s1", 0.5)
	vec.failInsert.Store(true)
	require.NoError(t, te.Rebuild(ctx, "vector"))

	repairs, err := te.Store().PendingRepairs(ctx)
	require.NoError(t, err)
	require.Len(t, repairs, 1)
	assert.Equal(t, id, repairs[0].RecordID)

	vec.failInsert.Store(false)
	n, err := te.RepairPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int64{id}, te.vector.IDs())
}

func TestRebuild_ProviderDownKeepsLiveVectors(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	var ids []int64
	for _, s := range []string{"user swims laps", "user paints murals", "user fixes bikes"} {
		ids = append(ids, te.add(t, s, "s1", 0.5))
	}
	_, err := te.vector.Delete(ctx, ids[1])
	require.NoError(t, err)

	provider := &failingProvider{Provider: te.vector.provider}
	provider.down.Store(true)
	te.vector.provider = provider

	require.NoError(t, te.Rebuild(ctx, "vector"))
	assert.Equal(t, []int64{ids[0], ids[2]}, te.vector.IDs(), "vectors that could not be re-embedded are kept")
	assert.Equal(t, 2, te.vector.SlotCount())

	repairs, err := te.Store().PendingRepairs(ctx)
	require.NoError(t, err)
	assert.Len(t, repairs, 3, "every record that failed to embed is queued")

	provider.down.Store(false)
	n, err := te.RepairPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, ids, te.vector.IDs())
}

func TestValidate_QueuedVectorRepairIsNotDrift(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	a := te.add(t, "user grows basil", "s1", 0.5)
	b := te.add(t, "user grows thyme", "s1", 0.5)
	_, err := te.vector.Delete(ctx, b)
	require.NoError(t, err)

	st, err := te.Validate(ctx)
	require.NoError(t, err)
	assert.True(t, st.NeedsVectorRebuild, "a vector missing without a queued repair is drift")

	require.NoError(t, te.Store().QueueRepair(ctx, b, RepairVector, "provider timeout"))
	st, err = te.Validate(ctx)
	require.NoError(t, err)
	assert.True(t, st.Consistent(), st.Reason)
	assert.Equal(t, []int64{b}, st.QueuedForVector)
	assert.Equal(t, []int64{a}, te.vector.IDs())
}
