package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goclaw/mnemos/pkg/logger"
)

func openTestStore(t *testing.T) *RecordStore {
	t.Helper()
	store, err := OpenRecordStore(filepath.Join(t.TempDir(), "records.db"), time.Second)
	require.NoError(t, err)
	_, err = NewMigrator(store, nil, logger.Nop()).Migrate(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newRecord(canonical, session string, importance float64, created time.Time) *Record {
	rec := &Record{
		CanonicalSummary: canonical,
		PersonaSummary:   "persona: " + canonical,
		Metadata: Metadata{
			SessionID:  session,
			PersonaID:  "p1",
			Importance: importance,
			CreateTime: created,
		},
	}
	rec.Metadata.normalize(created)
	return rec
}

func TestRecordStore_InsertGet(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := newRecord("user prefers green tea", "s1", 0.7, testNow)
	rec.Metadata.SourceWindow = SourceWindow{SessionID: "s1", StartOffset: 3, EndOffset: 9, MessageCount: 6}
	rec.Metadata.Attributes = Attributes{Topics: []string{"tea"}, Sentiment: "positive"}

	id, err := store.Insert(ctx, rec)
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "user prefers green tea", got.CanonicalSummary)
	assert.Equal(t, "persona: user prefers green tea", got.PersonaSummary)
	assert.Equal(t, "s1", got.Metadata.SessionID)
	assert.Equal(t, "p1", got.Metadata.PersonaID)
	assert.InDelta(t, 0.7, got.Metadata.Importance, 1e-9)
	assert.True(t, got.Metadata.CreateTime.Equal(testNow))
	assert.True(t, got.Metadata.LastAccessTime.Equal(testNow))
	assert.Equal(t, StatusActive, got.Metadata.Status)
	assert.Equal(t, SummarySchemaVersion, got.Metadata.SummarySchemaVersion)
	assert.Equal(t, rec.Metadata.SourceWindow, got.Metadata.SourceWindow)
	assert.Equal(t, []string{"tea"}, got.Metadata.Attributes.Topics)
	assert.Equal(t, "positive", got.Metadata.Attributes.Sentiment)

	_, err = store.Get(ctx, id+100)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordStore_IDsNeverReused(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id1, err := store.Insert(ctx, newRecord("first", "s1", 0.5, testNow))
	require.NoError(t, err)
	existed, err := store.Delete(ctx, id1)
	require.NoError(t, err)
	assert.True(t, existed)

	id2, err := store.Insert(ctx, newRecord("second", "s1", 0.5, testNow))
	require.NoError(t, err)
	assert.Greater(t, id2, id1)

	existed, err = store.Delete(ctx, id1)
	require.NoError(t, err)
	assert.False(t, existed, "deleting twice is not an error")
}

func TestRecordStore_UpdateAndTouch(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.Insert(ctx, newRecord("walks the dog daily", "s1", 0.5, testNow))
	require.NoError(t, err)
	rec, err := store.Get(ctx, id)
	require.NoError(t, err)

	rec.Metadata.Importance = 0.9
	rec.Metadata.Status = StatusArchived
	require.NoError(t, store.Update(ctx, rec))

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, got.Metadata.Importance, 1e-9)
	assert.Equal(t, StatusArchived, got.Metadata.Status)

	later := testNow.Add(time.Hour)
	n, err := store.Touch(ctx, []int64{id}, later)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// an older timestamp never moves access time backwards
	_, err = store.Touch(ctx, []int64{id}, testNow.Add(-time.Hour))
	require.NoError(t, err)
	got, _ = store.Get(ctx, id)
	assert.True(t, got.Metadata.LastAccessTime.Equal(later))

	rec.ID = id + 100
	assert.ErrorIs(t, store.Update(ctx, rec), ErrNotFound)
}

func TestRecordStore_ListEachAndCount(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 7; i++ {
		session := "s1"
		if i%2 == 1 {
			session = "s2"
		}
		id, err := store.Insert(ctx, newRecord("note", session, 0.5, testNow))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	rec, _ := store.Get(ctx, ids[0])
	rec.Metadata.Status = StatusArchived
	require.NoError(t, store.Update(ctx, rec))

	page, err := store.List(ctx, ListOptions{Limit: 3})
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, ids[0], page[0].ID)

	page, err = store.List(ctx, ListOptions{AfterID: ids[4]})
	require.NoError(t, err)
	assert.Len(t, page, 2)

	page, err = store.List(ctx, ListOptions{SessionID: "s2"})
	require.NoError(t, err)
	assert.Len(t, page, 3)

	var seen []int64
	err = store.Each(ctx, ListOptions{Status: StatusActive, Limit: 2}, func(r *Record) error {
		seen = append(seen, r.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, ids[1:], seen)

	active, err := store.IDs(ctx, StatusActive)
	require.NoError(t, err)
	assert.Equal(t, ids[1:], active)

	n, err := store.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	n, err = store.Count(ctx, StatusArchived)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRecordStore_CleanupCandidates(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	old := testNow.Add(-40 * 24 * time.Hour)
	oldLow, _ := store.Insert(ctx, newRecord("old low", "s1", 0.1, old))
	oldHigh, _ := store.Insert(ctx, newRecord("old high", "s1", 0.9, old))
	newLow, _ := store.Insert(ctx, newRecord("new low", "s1", 0.1, testNow))

	cutoff := testNow.Add(-30 * 24 * time.Hour)

	ids, err := store.CleanupCandidates(ctx, true, cutoff, true, 0.3)
	require.NoError(t, err)
	assert.Equal(t, []int64{oldLow}, ids)

	ids, err = store.CleanupCandidates(ctx, true, cutoff, false, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{oldLow, oldHigh}, ids)

	ids, err = store.CleanupCandidates(ctx, false, time.Time{}, true, 0.3)
	require.NoError(t, err)
	assert.Equal(t, []int64{oldLow, newLow}, ids)
}

func TestRecordStore_ScaleImportance(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	a, _ := store.Insert(ctx, newRecord("a", "s1", 0.8, testNow))
	zero, _ := store.Insert(ctx, newRecord("zero", "s1", 0, testNow))

	n, err := store.ScaleImportance(ctx, 0.5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, _ := store.Get(ctx, a)
	assert.InDelta(t, 0.4, got.Metadata.Importance, 1e-9)
	got, _ = store.Get(ctx, zero)
	assert.Equal(t, 0.0, got.Metadata.Importance)
}

func TestRecordStore_RepairQueue(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, _ := store.Insert(ctx, newRecord("queued", "s1", 0.5, testNow))
	require.NoError(t, store.QueueRepair(ctx, id, RepairVector, "timeout"))
	require.NoError(t, store.QueueRepair(ctx, id, RepairVector, "refused"))
	require.NoError(t, store.QueueRepair(ctx, id, RepairLexical, "disk full"))

	repairs, err := store.PendingRepairs(ctx)
	require.NoError(t, err)
	require.Len(t, repairs, 2)

	require.NoError(t, store.ClearRepair(ctx, id, RepairLexical))
	repairs, _ = store.PendingRepairs(ctx)
	require.Len(t, repairs, 1)
	assert.Equal(t, RepairVector, repairs[0].Target)
	assert.Equal(t, "refused", repairs[0].Reason)

	// deleting the record drops its repairs
	_, err = store.Delete(ctx, id)
	require.NoError(t, err)
	repairs, _ = store.PendingRepairs(ctx)
	assert.Empty(t, repairs)
}

func TestRecordStore_Snapshot(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, _ := store.Insert(ctx, newRecord("snapshot me", "s1", 0.5, testNow))

	dest := filepath.Join(t.TempDir(), "copy", "records.db")
	require.NoError(t, store.Snapshot(ctx, dest))
	assert.Error(t, store.Snapshot(ctx, dest), "existing target must not be overwritten")

	copyStore, err := OpenRecordStore(dest, time.Second)
	require.NoError(t, err)
	defer copyStore.Close()

	got, err := copyStore.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "snapshot me", got.CanonicalSummary)
}
