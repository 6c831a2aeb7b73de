package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/meetbot/internal/model"

	_ "modernc.org/sqlite"
)

const createRunsTable = `
CREATE TABLE IF NOT EXISTS bot_runs (
    id          TEXT PRIMARY KEY,
    status      TEXT NOT NULL,
    platform    TEXT NOT NULL,
    meeting_url TEXT NOT NULL,
    bot_name    TEXT NOT NULL,
    attempts    INTEGER NOT NULL DEFAULT 0,
    error       TEXT NOT NULL DEFAULT '',
    error_kind  TEXT NOT NULL DEFAULT '',
    recording   TEXT NOT NULL DEFAULT '',
    metadata    TEXT,
    duration_ms INTEGER,
    created_at  DATETIME NOT NULL,
    started_at  DATETIME,
    finished_at DATETIME
)`

const createEventsTable = `
CREATE TABLE IF NOT EXISTS run_events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id     TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    type       TEXT NOT NULL,
    message    TEXT NOT NULL,
    created_at DATETIME NOT NULL
)`

const createEventsIndex = `CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events (run_id, seq)`

const runColumns = `id, status, platform, meeting_url, bot_name, attempts,
	error, error_kind, recording, metadata, duration_ms,
	created_at, started_at, finished_at`

// ErrNotFound is returned when a run is not found.
var ErrNotFound = errors.New("run not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// An in-memory database exists per connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for name, stmt := range map[string]string{
		"bot_runs table":   createRunsTable,
		"run_events table": createEventsTable,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create %s: %w", name, err)
		}
	}
	if _, err := db.Exec(createEventsIndex); err != nil {
		db.Close()
		return nil, fmt.Errorf("create run_events index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRun inserts a run record. A run re-admitted under an id that already
// has history replaces the old record and its events.
func (s *SQLiteStore) CreateRun(ctx context.Context, r *model.BotRun) error {
	metadata, err := encodeMetadata(r.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM run_events WHERE run_id = ?", r.ID); err != nil {
		return fmt.Errorf("clear previous events: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO bot_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			platform = excluded.platform,
			meeting_url = excluded.meeting_url,
			bot_name = excluded.bot_name,
			attempts = excluded.attempts,
			error = excluded.error,
			error_kind = excluded.error_kind,
			recording = excluded.recording,
			metadata = excluded.metadata,
			duration_ms = excluded.duration_ms,
			created_at = excluded.created_at,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at`,
		r.ID, r.Status, r.Platform, r.MeetingURL, r.BotName, r.Attempts,
		r.Error, r.ErrorKind, r.Recording, metadata, r.DurationMS,
		r.CreatedAt, r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.BotRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM bot_runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns a paginated list of runs ordered by created_at DESC,
// along with the total count of all runs.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*model.BotRun, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM bot_runs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+runColumns+` FROM bot_runs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.BotRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate runs: %w", err)
	}

	return runs, total, nil
}

// MarkAttempt records that the given attempt of a run has started.
func (s *SQLiteStore) MarkAttempt(ctx context.Context, id string, attempt int) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE bot_runs SET attempts = ? WHERE id = ?", attempt, id,
	)
	if err != nil {
		return fmt.Errorf("mark attempt: %w", err)
	}
	return requireRow(result)
}

// FinishRun moves a running run to its terminal status and stores the outcome.
func (s *SQLiteStore) FinishRun(ctx context.Context, r *model.BotRun) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM bot_runs WHERE id = ?", r.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get run status: %w", err)
	}
	if !model.ValidTransition(current, r.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, r.Status)
	}

	finishedAt := time.Now().UTC()
	if r.FinishedAt != nil {
		finishedAt = *r.FinishedAt
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE bot_runs SET
			status = ?, attempts = MAX(attempts, ?), error = ?, error_kind = ?,
			recording = ?, duration_ms = ?, finished_at = ?
		WHERE id = ?`,
		r.Status, r.Attempts, r.Error, r.ErrorKind,
		r.Recording, r.DurationMS, finishedAt, r.ID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit finish: %w", err)
	}
	return nil
}

// GetRunStats aggregates run counts, average duration and average attempts.
func (s *SQLiteStore) GetRunStats(ctx context.Context) (*RunStats, error) {
	stats := &RunStats{
		CountByStatus:   make(map[string]int),
		CountByPlatform: make(map[string]int),
	}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(AVG(duration_ms), 0),
			COALESCE(AVG(CASE WHEN status != ? THEN attempts END), 0)
		FROM bot_runs`, model.StatusRunning,
	).Scan(&stats.Total, &stats.AvgDurationMS, &stats.AvgAttempts)
	if err != nil {
		return nil, fmt.Errorf("aggregate runs: %w", err)
	}

	if err := s.countBy(ctx, "status", stats.CountByStatus); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, "platform", stats.CountByPlatform); err != nil {
		return nil, err
	}
	return stats, nil
}

// countBy fills dst with row counts grouped by column, which must be a
// trusted column name.
func (s *SQLiteStore) countBy(ctx context.Context, column string, dst map[string]int) error {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s, COUNT(*) FROM bot_runs GROUP BY %s", column, column),
	)
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan count by %s: %w", column, err)
		}
		dst[key] = n
	}
	return rows.Err()
}

// InsertEvent appends an event to a run's event log.
func (s *SQLiteStore) InsertEvent(ctx context.Context, runID string, seq int, eventType, message string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO run_events (run_id, seq, type, message, created_at) VALUES (?, ?, ?, ?, ?)",
		runID, seq, eventType, message, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// GetEvents returns a run's events in sequence order.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID string) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, run_id, seq, type, message, created_at FROM run_events WHERE run_id = ? ORDER BY seq",
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()

	events := []model.Event{}
	for rows.Next() {
		var e model.Event
		if err := rows.Scan(&e.ID, &e.RunID, &e.Seq, &e.Type, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*model.BotRun, error) {
	r := &model.BotRun{}
	var metadata sql.NullString
	var duration sql.NullInt64
	if err := row.Scan(
		&r.ID, &r.Status, &r.Platform, &r.MeetingURL, &r.BotName, &r.Attempts,
		&r.Error, &r.ErrorKind, &r.Recording, &metadata, &duration,
		&r.CreatedAt, &r.StartedAt, &r.FinishedAt,
	); err != nil {
		return nil, err
	}
	if duration.Valid {
		d := int(duration.Int64)
		r.DurationMS = &d
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &r.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return r, nil
}

func encodeMetadata(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
