package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql

	"github.com/nugget/dwell/internal/hourseg"
)

// ErrNotFound is returned when an update or delete targets a row that
// does not exist.
var ErrNotFound = errors.New("session not found")

// Store persists sessions of every stream in a single SQLite table.
// All public methods are safe for concurrent use (SQLite serializes
// writes). Timestamps are stored as Unix milliseconds.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the session database at dbPath using
// the cgo SQLite driver in WAL mode.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open session database: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an existing SQLite connection, creating the schema on
// first use. Any database/sql SQLite driver works.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate session schema: %w", err)
	}
	return s, nil
}

// DB returns the underlying database so other stores can share it.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		stream       TEXT NOT NULL,
		label        TEXT NOT NULL,
		window_title TEXT NOT NULL DEFAULT '',
		category     TEXT NOT NULL DEFAULT '',
		started_at   INTEGER NOT NULL,
		ended_at     INTEGER,
		duration_ms  INTEGER,
		is_idle      INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_stream ON sessions(stream, started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Stream returns a [Recorder] bound to one stream kind.
func (s *Store) Stream(kind Stream) Recorder {
	return &streamRecorder{store: s, kind: kind}
}

type streamRecorder struct {
	store *Store
	kind  Stream
}

func (r *streamRecorder) Insert(ctx context.Context, sess Session) (int64, error) {
	sess.Stream = r.kind
	return r.store.Insert(ctx, sess)
}

func (r *streamRecorder) Update(ctx context.Context, id int64, endedAt, startedAt time.Time) error {
	return r.store.Update(ctx, id, endedAt, startedAt)
}

func (r *streamRecorder) Delete(ctx context.Context, id int64) error {
	return r.store.Delete(ctx, id)
}

// Insert appends a row and returns its id. A row with a non-zero
// EndedAt is inserted closed, with its duration derived from the
// timestamps.
func (s *Store) Insert(ctx context.Context, sess Session) (int64, error) {
	var endedAt, duration sql.NullInt64
	if !sess.EndedAt.IsZero() {
		endedAt = sql.NullInt64{Int64: sess.EndedAt.UnixMilli(), Valid: true}
		duration = sql.NullInt64{Int64: sess.EndedAt.UnixMilli() - sess.StartedAt.UnixMilli(), Valid: true}
		if duration.Int64 < 0 {
			return 0, fmt.Errorf("insert %s session %q: negative duration", sess.Stream, sess.Label)
		}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions
			(stream, label, window_title, category, started_at, ended_at, duration_ms, is_idle)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(sess.Stream),
		sess.Label,
		sess.Meta.WindowTitle,
		sess.Meta.Category,
		sess.StartedAt.UnixMilli(),
		endedAt,
		duration,
		sess.IsIdle,
	)
	if err != nil {
		return 0, fmt.Errorf("insert %s session: %w", sess.Stream, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert %s session: last insert id: %w", sess.Stream, err)
	}
	return id, nil
}

// Update sets the end of row id. The duration is computed from the
// supplied startedAt, which is also written back so the stored row is
// always self-consistent.
func (s *Store) Update(ctx context.Context, id int64, endedAt, startedAt time.Time) error {
	start, end := startedAt.UnixMilli(), endedAt.UnixMilli()
	if end < start {
		return fmt.Errorf("update session %d: end precedes start", id)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET started_at = ?, ended_at = ?, duration_ms = ? WHERE id = ?`,
		start, end, end-start, id,
	)
	if err != nil {
		return fmt.Errorf("update session %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update session %d: %w", id, ErrNotFound)
	}
	return nil
}

// Delete removes row id.
func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("delete session %d: %w", id, ErrNotFound)
	}
	return nil
}

// CloseOrphans closes every row left open by a previous process. Each
// row ends at lastSeen, clamped into [started_at, end of started_at's
// hour] so no row gains negative duration or spans an hour. A zero
// lastSeen closes orphans with zero duration, except that an empty row
// starting on an hour boundary is deleted. Returns the number of orphans
// handled.
func (s *Store) CloseOrphans(ctx context.Context, lastSeen time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, started_at FROM sessions WHERE ended_at IS NULL`)
	if err != nil {
		return 0, fmt.Errorf("query orphan sessions: %w", err)
	}
	type orphan struct {
		id      int64
		started int64
	}
	var orphans []orphan
	for rows.Next() {
		var o orphan
		if err := rows.Scan(&o.id, &o.started); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan orphan session: %w", err)
		}
		orphans = append(orphans, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate orphan sessions: %w", err)
	}

	seen := int64(0)
	if !lastSeen.IsZero() {
		seen = lastSeen.UnixMilli()
	}
	for _, o := range orphans {
		end := max(seen, o.started)
		hourEnd := (hourseg.HourNumber(time.UnixMilli(o.started)) + 1) * hourseg.HourMillis
		end = min(end, hourEnd)
		if end == o.started && hourseg.OnBoundary(time.UnixMilli(o.started)) {
			// An empty row at an hour boundary belongs to no hour.
			if err := s.Delete(ctx, o.id); err != nil {
				return 0, err
			}
			continue
		}
		if err := s.Update(ctx, o.id, time.UnixMilli(end), time.UnixMilli(o.started)); err != nil {
			return 0, err
		}
	}
	return len(orphans), nil
}

// Filter selects sessions for [Store.List]. Zero fields do not filter.
type Filter struct {
	Stream Stream
	From   time.Time // started_at >= From
	To     time.Time // started_at < To
	Limit  int
}

// List returns sessions matching f, most recent first.
func (s *Store) List(ctx context.Context, f Filter) ([]Session, error) {
	query := `SELECT id, stream, label, window_title, category, started_at, ended_at, duration_ms, is_idle
		FROM sessions WHERE 1=1`
	var args []any
	if f.Stream != "" {
		query += ` AND stream = ?`
		args = append(args, string(f.Stream))
	}
	if !f.From.IsZero() {
		query += ` AND started_at >= ?`
		args = append(args, f.From.UnixMilli())
	}
	if !f.To.IsZero() {
		query += ` AND started_at < ?`
		args = append(args, f.To.UnixMilli())
	}
	query += ` ORDER BY started_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			sess     Session
			stream   string
			started  int64
			ended    sql.NullInt64
			duration sql.NullInt64
		)
		if err := rows.Scan(&sess.ID, &stream, &sess.Label, &sess.Meta.WindowTitle, &sess.Meta.Category,
			&started, &ended, &duration, &sess.IsIdle); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.Stream = Stream(stream)
		sess.StartedAt = time.UnixMilli(started)
		if ended.Valid {
			sess.EndedAt = time.UnixMilli(ended.Int64)
		}
		if duration.Valid {
			sess.Duration = time.Duration(duration.Int64) * time.Millisecond
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Totals sums closed-session durations per label for one stream over
// sessions starting within [from, to).
func (s *Store) Totals(ctx context.Context, stream Stream, from, to time.Time) (map[string]time.Duration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT label, COALESCE(SUM(duration_ms), 0)
		 FROM sessions
		 WHERE stream = ? AND started_at >= ? AND started_at < ? AND ended_at IS NOT NULL
		 GROUP BY label`,
		string(stream), from.UnixMilli(), to.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("query %s totals: %w", stream, err)
	}
	defer rows.Close()

	out := make(map[string]time.Duration)
	for rows.Next() {
		var label string
		var ms int64
		if err := rows.Scan(&label, &ms); err != nil {
			return nil, fmt.Errorf("scan %s totals: %w", stream, err)
		}
		out[label] = time.Duration(ms) * time.Millisecond
	}
	return out, rows.Err()
}
