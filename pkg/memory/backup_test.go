package memory

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupManager_Backup(t *testing.T) {
	metrics := &recordingMetrics{}
	te := newTestEngineOpts(t, DefaultOptions(), nil, WithMetrics(metrics))
	ctx := context.Background()

	te.add(t, "user is fond of origami", "s1", 0.5)
	archived := te.add(t, "user used to play rugby", "s1", 0.5)
	_, err := te.Update(ctx, archived, UpdateRequest{Status: ptr(StatusArchived)})
	require.NoError(t, err)

	bm := NewBackupManager(te.Engine, filepath.Join(te.dir, "backups"), 7)
	path, err := bm.Backup(ctx)
	require.NoError(t, err)
	assert.DirExists(t, path)

	for _, name := range []string{backupRecordsFile, backupLexicalFile, backupVectorsFile, backupManifestFile} {
		assert.FileExists(t, filepath.Join(path, name))
	}

	data, err := os.ReadFile(filepath.Join(path, backupManifestFile))
	require.NoError(t, err)
	var manifest BackupManifest
	require.NoError(t, json.Unmarshal(data, &manifest))
	assert.Equal(t, 2, manifest.Records)
	assert.Equal(t, 1, manifest.ActiveRecords)
	assert.Equal(t, 1, manifest.LexicalRows)
	assert.Equal(t, 1, manifest.VectorEntries)
	assert.Len(t, manifest.Files, 3)

	// the snapshot is a usable record store
	copyStore, err := OpenRecordStore(filepath.Join(path, backupRecordsFile), time.Second)
	require.NoError(t, err)
	defer copyStore.Close()
	n, err := copyStore.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	vec := NewVectorIndex(64)
	require.NoError(t, vec.Load(filepath.Join(path, backupVectorsFile)))
	assert.Equal(t, 1, vec.Len())

	// same second backups do not collide
	second, err := bm.Backup(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, path, second)

	backups, err := bm.List()
	require.NoError(t, err)
	assert.Len(t, backups, 2)
	assert.Equal(t, []string{"success", "success"}, metrics.backups)
}

func TestBackupManager_Prune(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()
	te.add(t, "something to back up", "s1", 0.5)

	bm := NewBackupManager(te.Engine, filepath.Join(te.dir, "backups"), 7)

	var paths []string
	for _, age := range []time.Duration{10 * day, 8 * day, 2 * day} {
		stamp := testNow.Add(-age)
		bm.now = func() time.Time { return stamp }
		path, err := bm.Backup(ctx)
		require.NoError(t, err)
		paths = append(paths, path)
	}
	// unrelated entries are ignored
	require.NoError(t, os.Mkdir(filepath.Join(bm.Dir(), "notes"), 0o755))

	bm.now = func() time.Time { return testNow }
	removed, err := bm.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	assert.NoDirExists(t, paths[0])
	assert.NoDirExists(t, paths[1])
	assert.DirExists(t, paths[2])
	assert.DirExists(t, filepath.Join(bm.Dir(), "notes"))

	backups, err := bm.List()
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, paths[2], backups[0].Path)
}

func TestBackupManager_ClosedEngine(t *testing.T) {
	te := newTestEngine(t, nil)
	bm := NewBackupManager(te.Engine, filepath.Join(te.dir, "backups"), 0)
	require.NoError(t, te.Close())

	_, err := bm.Backup(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	backups, err := bm.List()
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestParseBackupName(t *testing.T) {
	at, ok := parseBackupName("backup-20260310-120000")
	require.True(t, ok)
	assert.Equal(t, 2026, at.Year())
	assert.Equal(t, 12, at.Hour())

	_, ok = parseBackupName("backup-20260310-120000-2")
	assert.True(t, ok)
	_, ok = parseBackupName("backup-later")
	assert.False(t, ok)
	_, ok = parseBackupName("pre-migration-20260310-120000")
	assert.False(t, ok)
}
