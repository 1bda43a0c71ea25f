package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goclaw/mnemos/config"
	"github.com/goclaw/mnemos/pkg/embedding"
	"github.com/goclaw/mnemos/pkg/logger"
)

// Paths are the resolved on-disk locations of engine state.
type Paths struct {
	DataDir    string
	RecordDB   string
	LexicalDir string
	VectorFile string
	BackupDir  string
	StateFile  string
}

// ResolvePaths joins the relative storage paths in cfg onto the data dir.
func ResolvePaths(cfg *config.Config) Paths {
	dir := cfg.Storage.DataDir
	join := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	return Paths{
		DataDir:    dir,
		RecordDB:   join(cfg.Storage.RecordDB),
		LexicalDir: join(cfg.Storage.LexicalDir),
		VectorFile: join(cfg.Storage.VectorFile),
		BackupDir:  join(cfg.Backup.Dir),
		StateFile:  join(cfg.Scheduler.StateFile),
	}
}

// FusionConfigFrom maps the retrieval section onto fusion parameters.
func FusionConfigFrom(cfg config.RetrievalConfig) FusionConfig {
	return FusionConfig{
		RRFK:             cfg.RRFK,
		RelevanceWeight:  cfg.RelevanceWeight,
		ImportanceWeight: cfg.ImportanceWeight,
		RecencyWeight:    cfg.RecencyWeight,
		DecayRate:        cfg.DecayRate,
		DedupThreshold:   cfg.DedupThreshold,
	}
}

// OptionsFrom maps cfg onto engine options.
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		Fusion: FusionConfigFrom(cfg.Retrieval),
		Hybrid: HybridOptions{
			PathTimeout:         cfg.Retrieval.PathTimeout,
			CandidateMultiplier: cfg.Retrieval.CandidateMultiplier,
			MinCandidates:       cfg.Retrieval.MinCandidates,
		},
		DefaultK:        cfg.Retrieval.DefaultK,
		StrictEmbedding: cfg.Embedding.Strict,
	}
}

// SchedulerOptionsFrom maps cfg onto scheduler options.
func SchedulerOptionsFrom(cfg *config.Config) SchedulerOptions {
	return SchedulerOptions{
		RunAt:             cfg.Scheduler.RunAt,
		DecayRate:         cfg.Scheduler.DecayRate,
		CleanupEnabled:    cfg.Scheduler.CleanupEnabled,
		CleanupDays:       cfg.Scheduler.CleanupDays,
		CleanupImportance: cfg.Scheduler.CleanupImportance,
		StateFile:         ResolvePaths(cfg).StateFile,
	}
}

// Open creates the data directory, migrates the record store, opens both
// indexes and returns an engine whose indexes have been validated and,
// where needed, rebuilt.
func Open(ctx context.Context, cfg *config.Config, provider embedding.Provider, options ...Option) (*Engine, error) {
	probe := &Engine{logger: logger.Global()}
	for _, opt := range options {
		opt(probe)
	}
	log := probe.logger

	paths := ResolvePaths(cfg)
	if err := os.MkdirAll(paths.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	store, err := OpenRecordStore(paths.RecordDB, cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}

	migrator := NewMigrator(store, PreMigrationBackup(store, paths.BackupDir, log), log)
	if _, err := migrator.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}

	var extra []string
	if cfg.Lexical.StopwordsFile != "" {
		if extra, err = LoadStopWords(cfg.Lexical.StopwordsFile); err != nil {
			store.Close()
			return nil, err
		}
	}
	tok := NewTokenizer(extra...)

	lexical, err := OpenLexicalIndex(LexicalOptions{
		Dir:        paths.LexicalDir,
		K1:         cfg.Lexical.K1,
		B:          cfg.Lexical.B,
		Tokenizer:  tok,
		SyncWrites: cfg.Storage.SyncWrites,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	vector, err := openVectorRetriever(provider, paths.VectorFile, log)
	if err != nil {
		lexical.Close()
		store.Close()
		return nil, err
	}

	options = append(options, WithTokenizer(tok))
	e := New(store, lexical, vector, OptionsFrom(cfg), options...)

	// queued repairs first, so validation only sees real drift
	if n, err := e.RepairPending(ctx); err != nil {
		log.WarnContext(ctx, "pending repairs incomplete", "repaired", n, "error", err)
	}
	if _, err := e.ValidateAndRepair(ctx); err != nil {
		log.ErrorContext(ctx, "startup index validation failed", "error", err)
	}
	return e, nil
}

// openVectorRetriever moves an unreadable index file aside so startup
// validation rebuilds it from the record store.
func openVectorRetriever(provider embedding.Provider, path string, log logger.Logger) (*VectorRetriever, error) {
	r, err := NewVectorRetriever(provider, path, log)
	if err == nil {
		return r, nil
	}
	if path == "" || errors.Is(err, os.ErrPermission) {
		return nil, err
	}
	aside := path + ".corrupt"
	log.Warn("vector index unreadable, moving aside", "path", path, "moved_to", aside, "error", err)
	if rerr := os.Rename(path, aside); rerr != nil {
		return nil, errors.Join(err, rerr)
	}
	return NewVectorRetriever(provider, path, log)
}
