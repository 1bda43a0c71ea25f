package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goclaw/mnemos/pkg/logger"
)

// MigrationStep is one numbered schema change. Apply must be idempotent.
type MigrationStep struct {
	Version     int
	Description string
	Apply       func(ctx context.Context, tx *sql.Tx) error
}

// AppliedMigration is a row of the schema_version table.
type AppliedMigration struct {
	Version     int           `json:"version"`
	Description string        `json:"description"`
	AppliedAt   time.Time     `json:"applied_at"`
	Duration    time.Duration `json:"duration"`
}

// Migrator applies schema steps in order, each in its own transaction,
// and records them in schema_version.
type Migrator struct {
	db     *sql.DB
	steps  []MigrationStep
	backup func(ctx context.Context) error
	logger logger.Logger
}

// NewMigrator creates a migrator for the record store. backup, when not
// nil, runs once before any pending step is applied to an existing
// database.
func NewMigrator(store *RecordStore, backup func(ctx context.Context) error, log logger.Logger) *Migrator {
	if log == nil {
		log = logger.Global()
	}
	return &Migrator{
		db:     store.db,
		steps:  migrationSteps(),
		backup: backup,
		logger: log.With("component", "migrator"),
	}
}

// LatestVersion is the schema version after every step has run.
func (m *Migrator) LatestVersion() int {
	return m.steps[len(m.steps)-1].Version
}

// CurrentVersion returns the highest applied version, 0 for a new database.
func (m *Migrator) CurrentVersion(ctx context.Context) (int, error) {
	if err := m.ensureVersionTable(ctx); err != nil {
		return 0, err
	}
	var v sql.NullInt64
	if err := m.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(v.Int64), nil
}

// Pending returns the steps not yet applied.
func (m *Migrator) Pending(ctx context.Context) ([]MigrationStep, error) {
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}
	var pending []MigrationStep
	for _, s := range m.steps {
		if s.Version > current {
			pending = append(pending, s)
		}
	}
	return pending, nil
}

// History returns the applied migrations in order.
func (m *Migrator) History(ctx context.Context) ([]AppliedMigration, error) {
	if err := m.ensureVersionTable(ctx); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx,
		`SELECT version, description, applied_at, duration_ms FROM schema_version ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("read schema history: %w", err)
	}
	defer rows.Close()

	var out []AppliedMigration
	for rows.Next() {
		var (
			a         AppliedMigration
			at, durMs int64
		)
		if err := rows.Scan(&a.Version, &a.Description, &at, &durMs); err != nil {
			return nil, err
		}
		a.AppliedAt = time.Unix(0, at)
		a.Duration = time.Duration(durMs) * time.Millisecond
		out = append(out, a)
	}
	return out, rows.Err()
}

// Migrate applies every pending step and returns how many ran.
func (m *Migrator) Migrate(ctx context.Context) (int, error) {
	pending, err := m.Pending(ctx)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	if m.backup != nil {
		hasData, err := m.hasRecords(ctx)
		if err != nil {
			return 0, err
		}
		if hasData {
			if err := m.backup(ctx); err != nil {
				m.logger.WarnContext(ctx, "backup before migration failed, continuing", "error", err)
			}
		}
	}

	for i, step := range pending {
		if err := m.apply(ctx, step); err != nil {
			return i, fmt.Errorf("migration %d (%s): %w", step.Version, step.Description, err)
		}
	}
	return len(pending), nil
}

func (m *Migrator) apply(ctx context.Context, step MigrationStep) error {
	start := time.Now()
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if err := step.Apply(ctx, tx); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO schema_version (version, description, applied_at, duration_ms) VALUES (?, ?, ?, ?)`,
		step.Version, step.Description, time.Now().UnixNano(), time.Since(start).Milliseconds()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "schema migration applied",
		"version", step.Version, "description", step.Description, "duration", time.Since(start))
	return nil
}

func (m *Migrator) ensureVersionTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0
	)`)
	if err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	return nil
}

func (m *Migrator) hasRecords(ctx context.Context) (bool, error) {
	exists, err := tableExists(ctx, m.db, "records")
	if err != nil || !exists {
		return false, err
	}
	var n int
	if err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func migrationSteps() []MigrationStep {
	return []MigrationStep{
		{Version: 1, Description: "base schema", Apply: migrateBaseSchema},
		{Version: 2, Description: "dual summaries and source window", Apply: migrateDualSummaries},
		{Version: 3, Description: "repair queue", Apply: migrateRepairQueue},
	}
}

func migrateBaseSchema(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			canonical_summary TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			persona_id TEXT NOT NULL DEFAULT '',
			importance REAL NOT NULL DEFAULT 0.5,
			create_time INTEGER NOT NULL,
			last_access_time INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'active'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_status ON records(status)`,
		`CREATE INDEX IF NOT EXISTS idx_records_session ON records(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_records_create_time ON records(create_time)`,
	}
	return execAll(ctx, tx, stmts)
}

// migrateDualSummaries adds the persona summary and provenance columns.
// Rows that predate it are marked schema version 1 with unknown quality.
func migrateDualSummaries(ctx context.Context, tx *sql.Tx) error {
	columns := []struct{ name, ddl string }{
		{"persona_summary", `ALTER TABLE records ADD COLUMN persona_summary TEXT NOT NULL DEFAULT ''`},
		{"summary_quality", `ALTER TABLE records ADD COLUMN summary_quality TEXT NOT NULL DEFAULT 'unknown'`},
		{"summary_schema_version", `ALTER TABLE records ADD COLUMN summary_schema_version INTEGER NOT NULL DEFAULT 1`},
		{"source_window", `ALTER TABLE records ADD COLUMN source_window TEXT NOT NULL DEFAULT ''`},
		{"attributes", `ALTER TABLE records ADD COLUMN attributes TEXT NOT NULL DEFAULT ''`},
	}
	existing, err := tableColumns(ctx, tx, "records")
	if err != nil {
		return err
	}
	for _, c := range columns {
		if _, ok := existing[c.name]; ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, c.ddl); err != nil {
			return fmt.Errorf("add column %s: %w", c.name, err)
		}
	}
	_, err = tx.ExecContext(ctx, `UPDATE records
		SET source_window = json_object('session_id', session_id, 'start_offset', 0, 'end_offset', 0, 'message_count', 0)
		WHERE source_window = ''`)
	return err
}

func migrateRepairQueue(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx, []string{
		`CREATE TABLE IF NOT EXISTS repair_queue (
			record_id INTEGER NOT NULL,
			target TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			queued_at INTEGER NOT NULL,
			PRIMARY KEY (record_id, target)
		)`,
	})
}

func execAll(ctx context.Context, tx *sql.Tx, stmts []string) error {
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func tableExists(ctx context.Context, q queryer, name string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	return n > 0, err
}

func tableColumns(ctx context.Context, q queryer, table string) (map[string]struct{}, error) {
	rows, err := q.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, fmt.Errorf("read columns of %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols[name] = struct{}{}
	}
	return cols, rows.Err()
}
