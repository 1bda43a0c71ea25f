package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/goclaw/mnemos/pkg/logger"
)

const (
	backupPrefix       = "backup-"
	preMigrationPrefix = "pre-migration-"
	backupTimeLayout   = "20060102-150405"

	backupRecordsFile  = "records.db"
	backupLexicalFile  = "lexical.badger"
	backupVectorsFile  = "vectors.bin"
	backupManifestFile = "manifest.json"
)

// BackupManifest describes the content of one backup directory.
type BackupManifest struct {
	CreatedAt     time.Time `json:"created_at"`
	Records       int       `json:"records"`
	ActiveRecords int       `json:"active_records"`
	LexicalRows   int       `json:"lexical_rows"`
	VectorEntries int       `json:"vector_entries"`
	Files         []string  `json:"files"`
}

// BackupInfo is a backup found on disk.
type BackupInfo struct {
	Path      string
	CreatedAt time.Time
}

type lexicalBackuper interface {
	Backup(w io.Writer) error
}

type vectorSnapshotter interface {
	Index() *VectorIndex
}

// BackupManager writes and prunes timestamped backups of all three stores.
type BackupManager struct {
	engine        *Engine
	dir           string
	retentionDays int
	logger        logger.Logger
	metrics       MetricsRecorder
	now           func() time.Time
}

// NewBackupManager creates a backup manager writing under dir.
func NewBackupManager(engine *Engine, dir string, retentionDays int) *BackupManager {
	if retentionDays <= 0 {
		retentionDays = 7
	}
	return &BackupManager{
		engine:        engine,
		dir:           dir,
		retentionDays: retentionDays,
		logger:        engine.logger.With("component", "backup"),
		metrics:       engine.metrics,
		now:           engine.now,
	}
}

// Dir returns the backup root directory.
func (b *BackupManager) Dir() string { return b.dir }

// Backup writes a new backup directory and returns its path. The engine
// read lock is held for the duration so the three stores agree.
func (b *BackupManager) Backup(ctx context.Context) (path string, err error) {
	ctx, span := memoryTracer().Start(ctx, spanBackup)
	start := time.Now()
	defer func() {
		result := "success"
		if err != nil {
			result = "failure"
		}
		b.metrics.RecordBackup(result, time.Since(start))
		endSpan(span, err)
	}()

	e := b.engine
	if e.closed.Load() {
		return "", ErrClosed
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	path, err = b.createDir()
	if err != nil {
		return "", err
	}
	// a partial backup is worse than none
	defer func() {
		if err != nil {
			_ = os.RemoveAll(path)
		}
	}()

	manifest := BackupManifest{CreatedAt: b.now()}

	if err := e.store.Snapshot(ctx, filepath.Join(path, backupRecordsFile)); err != nil {
		return "", fmt.Errorf("backup record store: %w", err)
	}
	manifest.Files = append(manifest.Files, backupRecordsFile)

	if lb, ok := e.lexical.(lexicalBackuper); ok {
		if err := writeFile(filepath.Join(path, backupLexicalFile), lb.Backup); err != nil {
			return "", fmt.Errorf("backup lexical index: %w", err)
		}
		manifest.Files = append(manifest.Files, backupLexicalFile)
	}

	if vs, ok := e.vector.(vectorSnapshotter); ok {
		if err := vs.Index().Save(filepath.Join(path, backupVectorsFile)); err != nil {
			return "", fmt.Errorf("backup vector index: %w", err)
		}
		manifest.Files = append(manifest.Files, backupVectorsFile)
	}

	if manifest.Records, err = e.store.Count(ctx, ""); err != nil {
		return "", err
	}
	if manifest.ActiveRecords, err = e.store.Count(ctx, StatusActive); err != nil {
		return "", err
	}
	manifest.LexicalRows = e.lexical.Len()
	manifest.VectorEntries = e.vector.Len()

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(path, backupManifestFile), data, 0o644); err != nil {
		return "", fmt.Errorf("write backup manifest: %w", err)
	}

	b.logger.InfoContext(ctx, "backup written",
		"path", path, "records", manifest.Records, "duration", time.Since(start))
	return path, nil
}

// createDir makes a fresh backup directory named after the current time.
// Backups within the same second get a numeric suffix.
func (b *BackupManager) createDir() (string, error) {
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	base := filepath.Join(b.dir, backupPrefix+b.now().Local().Format(backupTimeLayout))
	path := base
	for i := 1; ; i++ {
		err := os.Mkdir(path, 0o755)
		if err == nil {
			return path, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("create backup dir: %w", err)
		}
		path = fmt.Sprintf("%s-%d", base, i)
	}
}

// List returns the backups under the backup directory, oldest first.
func (b *BackupManager) List() ([]BackupInfo, error) {
	entries, err := os.ReadDir(b.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []BackupInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		at, ok := parseBackupName(entry.Name())
		if !ok {
			continue
		}
		out = append(out, BackupInfo{Path: filepath.Join(b.dir, entry.Name()), CreatedAt: at})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Prune removes backups older than the retention period and returns how
// many were removed.
func (b *BackupManager) Prune(ctx context.Context) (int, error) {
	backups, err := b.List()
	if err != nil {
		return 0, err
	}
	cutoff := b.now().Add(-time.Duration(b.retentionDays) * 24 * time.Hour)

	removed := 0
	var errs []error
	for _, info := range backups {
		if !info.CreatedAt.Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(info.Path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
		b.logger.InfoContext(ctx, "old backup removed", "path", info.Path)
	}
	return removed, errors.Join(errs...)
}

// PreMigrationBackup returns a Migrator backup step that snapshots the
// record store into dir.
func PreMigrationBackup(store *RecordStore, dir string, log logger.Logger) func(context.Context) error {
	if log == nil {
		log = logger.Global()
	}
	return func(ctx context.Context) error {
		dest := filepath.Join(dir, preMigrationPrefix+time.Now().Format(backupTimeLayout)+".db")
		log.InfoContext(ctx, "backing up record store before migration", "path", dest)
		return store.Snapshot(ctx, dest)
	}
}

func parseBackupName(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, backupPrefix) {
		return time.Time{}, false
	}
	stamp := strings.TrimPrefix(name, backupPrefix)
	if len(stamp) < len(backupTimeLayout) {
		return time.Time{}, false
	}
	at, err := time.ParseInLocation(backupTimeLayout, stamp[:len(backupTimeLayout)], time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return at, true
}

func writeFile(path string, fn func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
