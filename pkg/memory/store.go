package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Repair targets recorded in the repair queue.
const (
	RepairLexical = "lexical"
	RepairVector  = "vector"
)

// RecordStore is the source of truth for records. It is backed by SQLite and
// holds a single connection, which serializes all writers.
type RecordStore struct {
	db   *sql.DB
	path string
}

// ListOptions selects records for batch scans. Results are ordered by id.
type ListOptions struct {
	Status    Status
	SessionID string
	AfterID   int64
	Limit     int
}

// Repair is a queued index insert that failed during add.
type Repair struct {
	RecordID int64
	Target   string
	Reason   string
	QueuedAt time.Time
}

// OpenRecordStore opens or creates the SQLite database at path. The schema
// is applied separately by the Migrator.
func OpenRecordStore(path string, busyTimeout time.Duration) (*RecordStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create record store dir: %w", err)
	}
	if busyTimeout <= 0 {
		busyTimeout = 10 * time.Second
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(%d)&_pragma=synchronous(normal)",
		path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open record store: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open record store: %w", err)
	}
	return &RecordStore{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *RecordStore) Path() string { return s.path }

// Close closes the database.
func (s *RecordStore) Close() error {
	return s.db.Close()
}

const recordColumns = `id, canonical_summary, persona_summary, session_id, persona_id,
	importance, create_time, last_access_time, status, summary_quality,
	summary_schema_version, source_window, attributes`

// Insert stores a new record and returns its id. rec.ID is ignored.
func (s *RecordStore) Insert(ctx context.Context, rec *Record) (int64, error) {
	window, attrs, err := encodeExtras(rec)
	if err != nil {
		return 0, err
	}
	m := rec.Metadata
	res, err := s.db.ExecContext(ctx, `INSERT INTO records (
		canonical_summary, persona_summary, session_id, persona_id, importance,
		create_time, last_access_time, status, summary_quality,
		summary_schema_version, source_window, attributes
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CanonicalSummary, rec.PersonaSummary, m.SessionID, m.PersonaID, m.Importance,
		m.CreateTime.UnixNano(), m.LastAccessTime.UnixNano(), string(m.Status), string(m.SummaryQuality),
		m.SummarySchemaVersion, window, attrs)
	if err != nil {
		return 0, fmt.Errorf("insert record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert record: %w", err)
	}
	return id, nil
}

// Get returns the record with the given id or ErrNotFound.
func (s *RecordStore) Get(ctx context.Context, id int64) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record %d: %w", id, err)
	}
	return rec, nil
}

// GetMany returns the records that exist among ids, keyed by id.
func (s *RecordStore) GetMany(ctx context.Context, ids []int64) (map[int64]*Record, error) {
	out := make(map[int64]*Record, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query := `SELECT ` + recordColumns + ` FROM records WHERE id IN (` + placeholders(len(ids)) + `)`
	rows, err := s.db.QueryContext(ctx, query, int64Args(ids)...)
	if err != nil {
		return nil, fmt.Errorf("get records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out[rec.ID] = rec
	}
	return out, rows.Err()
}

// Update rewrites every field of an existing record except its id and
// canonical summary. Returns ErrNotFound when the row is gone.
func (s *RecordStore) Update(ctx context.Context, rec *Record) error {
	window, attrs, err := encodeExtras(rec)
	if err != nil {
		return err
	}
	m := rec.Metadata
	res, err := s.db.ExecContext(ctx, `UPDATE records SET
		persona_summary = ?, session_id = ?, persona_id = ?, importance = ?,
		create_time = ?, last_access_time = ?, status = ?, summary_quality = ?,
		summary_schema_version = ?, source_window = ?, attributes = ?
		WHERE id = ?`,
		rec.PersonaSummary, m.SessionID, m.PersonaID, m.Importance,
		m.CreateTime.UnixNano(), m.LastAccessTime.UnixNano(), string(m.Status), string(m.SummaryQuality),
		m.SummarySchemaVersion, window, attrs, rec.ID)
	if err != nil {
		return fmt.Errorf("update record %d: %w", rec.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Touch advances last_access_time of the given records to at. It never
// moves a timestamp backwards.
func (s *RecordStore) Touch(ctx context.Context, ids []int64, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := append([]any{at.UnixNano()}, int64Args(ids)...)
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET last_access_time = MAX(last_access_time, ?) WHERE id IN (`+placeholders(len(ids))+`)`,
		args...)
	if err != nil {
		return 0, fmt.Errorf("touch records: %w", err)
	}
	return res.RowsAffected()
}

// Delete removes a record and its queued repairs. It reports whether a
// row existed; deleting an absent id is not an error.
func (s *RecordStore) Delete(ctx context.Context, id int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("delete record %d: %w", id, err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete record %d: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM repair_queue WHERE record_id = ?`, id); err != nil {
		return false, fmt.Errorf("delete record %d repairs: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("delete record %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// List returns a page of records ordered by id.
func (s *RecordStore) List(ctx context.Context, opts ListOptions) ([]*Record, error) {
	var (
		where []string
		args  []any
	)
	where = append(where, "id > ?")
	args = append(args, opts.AfterID)
	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(opts.Status))
	}
	if opts.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, opts.SessionID)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 500
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE `+strings.Join(where, " AND ")+` ORDER BY id LIMIT ?`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Each calls fn for every record matching opts, in id order, in batches.
func (s *RecordStore) Each(ctx context.Context, opts ListOptions, fn func(*Record) error) error {
	for {
		batch, err := s.List(ctx, opts)
		if err != nil {
			return err
		}
		for _, rec := range batch {
			if err := fn(rec); err != nil {
				return err
			}
		}
		if len(batch) == 0 || (opts.Limit > 0 && len(batch) < opts.Limit) || (opts.Limit <= 0 && len(batch) < 500) {
			return nil
		}
		opts.AfterID = batch[len(batch)-1].ID
	}
}

// IDs returns the ids of all records with the given status ("" for all).
func (s *RecordStore) IDs(ctx context.Context, status Status) ([]int64, error) {
	query := `SELECT id FROM records ORDER BY id`
	var args []any
	if status != "" {
		query = `SELECT id FROM records WHERE status = ? ORDER BY id`
		args = append(args, string(status))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list record ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Count returns the number of records with the given status ("" for all).
func (s *RecordStore) Count(ctx context.Context, status Status) (int, error) {
	var n int
	var err error
	if status == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE status = ?`, string(status)).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// ScaleImportance multiplies the importance of every active record by
// factor and returns the number of rows changed.
func (s *RecordStore) ScaleImportance(ctx context.Context, factor float64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET importance = MAX(0, MIN(1, importance * ?)) WHERE status = 'active' AND importance > 0`,
		factor)
	if err != nil {
		return 0, fmt.Errorf("scale importance: %w", err)
	}
	return res.RowsAffected()
}

// CleanupCandidates returns active records created before cutoff (when
// byAge) and with importance below threshold (when byImportance).
func (s *RecordStore) CleanupCandidates(ctx context.Context, byAge bool, cutoff time.Time, byImportance bool, threshold float64) ([]int64, error) {
	where := []string{"status = 'active'"}
	var args []any
	if byAge {
		where = append(where, "create_time < ?")
		args = append(args, cutoff.UnixNano())
	}
	if byImportance {
		where = append(where, "importance < ?")
		args = append(args, threshold)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM records WHERE `+strings.Join(where, " AND ")+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("select cleanup candidates: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// storeStats is the aggregate read used by Engine.Statistics.
type storeStats struct {
	Total         int
	ByStatus      map[Status]int
	BySession     map[string]int
	AvgImportance float64
	Oldest        time.Time
	Newest        time.Time
}

func (s *RecordStore) stats(ctx context.Context) (*storeStats, error) {
	st := &storeStats{
		ByStatus:  map[Status]int{StatusActive: 0, StatusArchived: 0, StatusDeleted: 0},
		BySession: make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM records GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("stats by status: %w", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, err
		}
		st.ByStatus[Status(status)] += n
		st.Total += n
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT session_id, COUNT(*) FROM records WHERE session_id != '' GROUP BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("stats by session: %w", err)
	}
	for rows.Next() {
		var sid string
		var n int
		if err := rows.Scan(&sid, &n); err != nil {
			rows.Close()
			return nil, err
		}
		st.BySession[sid] = n
	}
	rows.Close()

	var avg sql.NullFloat64
	var oldest, newest sql.NullInt64
	err = s.db.QueryRowContext(ctx,
		`SELECT AVG(importance), MIN(create_time), MAX(create_time) FROM records`).Scan(&avg, &oldest, &newest)
	if err != nil {
		return nil, fmt.Errorf("stats aggregates: %w", err)
	}
	st.AvgImportance = avg.Float64
	if oldest.Valid {
		st.Oldest = time.Unix(0, oldest.Int64)
	}
	if newest.Valid {
		st.Newest = time.Unix(0, newest.Int64)
	}
	return st, nil
}

// QueueRepair records that an index is missing the given record.
func (s *RecordStore) QueueRepair(ctx context.Context, id int64, target, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO repair_queue (record_id, target, reason, queued_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(record_id, target) DO UPDATE SET reason = excluded.reason, queued_at = excluded.queued_at`,
		id, target, reason, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("queue repair for %d: %w", id, err)
	}
	return nil
}

// PendingRepairs returns queued repairs in id order.
func (s *RecordStore) PendingRepairs(ctx context.Context) ([]Repair, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record_id, target, reason, queued_at FROM repair_queue ORDER BY record_id, target`)
	if err != nil {
		return nil, fmt.Errorf("list repairs: %w", err)
	}
	defer rows.Close()

	var out []Repair
	for rows.Next() {
		var r Repair
		var queued int64
		if err := rows.Scan(&r.RecordID, &r.Target, &r.Reason, &queued); err != nil {
			return nil, err
		}
		r.QueuedAt = time.Unix(0, queued)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ClearRepair removes a queued repair.
func (s *RecordStore) ClearRepair(ctx context.Context, id int64, target string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM repair_queue WHERE record_id = ? AND target = ?`, id, target); err != nil {
		return fmt.Errorf("clear repair for %d: %w", id, err)
	}
	return nil
}

// ClearRepairs removes all queued repairs for one target.
func (s *RecordStore) ClearRepairs(ctx context.Context, target string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM repair_queue WHERE target = ?`, target); err != nil {
		return fmt.Errorf("clear %s repairs: %w", target, err)
	}
	return nil
}

// Snapshot writes a consistent copy of the database to dest.
func (s *RecordStore) Snapshot(ctx context.Context, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("snapshot dir: %w", err)
	}
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("snapshot target %s already exists", dest)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return fmt.Errorf("snapshot record store: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec                Record
		status, quality    string
		createNs, accessNs int64
		window, attrs      string
	)
	err := row.Scan(&rec.ID, &rec.CanonicalSummary, &rec.PersonaSummary,
		&rec.Metadata.SessionID, &rec.Metadata.PersonaID, &rec.Metadata.Importance,
		&createNs, &accessNs, &status, &quality,
		&rec.Metadata.SummarySchemaVersion, &window, &attrs)
	if err != nil {
		return nil, err
	}
	rec.Metadata.CreateTime = time.Unix(0, createNs)
	rec.Metadata.LastAccessTime = time.Unix(0, accessNs)
	rec.Metadata.Status = Status(status)
	rec.Metadata.SummaryQuality = Quality(quality)
	if window != "" {
		if err := json.Unmarshal([]byte(window), &rec.Metadata.SourceWindow); err != nil {
			return nil, fmt.Errorf("decode source window of %d: %w", rec.ID, err)
		}
	}
	if attrs != "" {
		if err := json.Unmarshal([]byte(attrs), &rec.Metadata.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes of %d: %w", rec.ID, err)
		}
	}
	return &rec, nil
}

func encodeExtras(rec *Record) (string, string, error) {
	window, err := json.Marshal(rec.Metadata.SourceWindow)
	if err != nil {
		return "", "", fmt.Errorf("encode source window: %w", err)
	}
	attrs, err := json.Marshal(rec.Metadata.Attributes)
	if err != nil {
		return "", "", fmt.Errorf("encode attributes: %w", err)
	}
	return string(window), string(attrs), nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
