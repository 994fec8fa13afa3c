// Package store is the SQLite persistence layer: an archive of operations
// and their progress events, history rows for jobs evicted from the queue,
// and the library table behind in-library tagging. High-frequency event
// writes are micro-batched; everything else is written synchronously.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joeycumines/go-microbatch"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/toshokan-dev/toshokan/internal/progress"
)

const (
	eventBatchSize     = 16
	eventFlushInterval = 50 * time.Millisecond
	closeTimeout       = 5 * time.Second
	defaultListLimit   = 50
	maxListLimit       = 500
)

// Store persists operations, progress events, job history, and the library
// in one SQLite database.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	events *microbatch.Batcher[*progress.Event]

	// test hook
	now func() time.Time
}

// NewStore opens (or creates) the database and applies the schema.
func NewStore(dbPath string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if strings.Contains(dbPath, ":memory:") {
		// Each pooled connection would otherwise see its own empty
		// in-memory database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS operations (
		id               TEXT PRIMARY KEY,
		type             TEXT NOT NULL,
		title            TEXT NOT NULL,
		status           TEXT NOT NULL,
		progress         REAL NOT NULL DEFAULT 0,
		processed_items  INTEGER NOT NULL DEFAULT 0,
		successful_items INTEGER NOT NULL DEFAULT 0,
		failed_items     INTEGER NOT NULL DEFAULT 0,
		total_items      INTEGER NOT NULL DEFAULT 0,
		started_at       TEXT NOT NULL,
		completed_at     TEXT,
		parent_id        TEXT NOT NULL DEFAULT '',
		child_ids        TEXT,
		user_id          TEXT NOT NULL DEFAULT '',
		session_id       TEXT NOT NULL DEFAULT '',
		cancellable      INTEGER NOT NULL DEFAULT 1,
		warnings         TEXT,
		metadata         TEXT
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create operations table: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS progress_events (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		operation_id   TEXT NOT NULL,
		operation_type TEXT NOT NULL,
		event_type     TEXT NOT NULL,
		progress       REAL NOT NULL DEFAULT 0,
		current_step   TEXT NOT NULL DEFAULT '',
		message        TEXT NOT NULL DEFAULT '',
		metadata       TEXT,
		user_id        TEXT NOT NULL DEFAULT '',
		session_id     TEXT NOT NULL DEFAULT '',
		timestamp      TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create progress_events table: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS job_history (
		id           TEXT PRIMARY KEY,
		type         TEXT NOT NULL,
		priority     TEXT NOT NULL,
		status       TEXT NOT NULL,
		retry_count  INTEGER NOT NULL DEFAULT 0,
		max_retries  INTEGER NOT NULL DEFAULT 0,
		timeout_s    INTEGER NOT NULL DEFAULT 0,
		depends_on   TEXT,
		payload      TEXT,
		operation_id TEXT NOT NULL DEFAULT '',
		error        TEXT NOT NULL DEFAULT '',
		created_at   TEXT NOT NULL,
		started_at   TEXT,
		completed_at TEXT,
		recorded_at  TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create job_history table: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS library (
		user_id          TEXT NOT NULL DEFAULT '',
		provider         TEXT NOT NULL,
		external_id      TEXT NOT NULL,
		title            TEXT NOT NULL DEFAULT '',
		normalized_title TEXT NOT NULL DEFAULT '',
		added_at         TEXT NOT NULL,
		PRIMARY KEY (user_id, provider, external_id)
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create library table: %w", err)
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_operations_started ON operations(started_at DESC)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_operations_status ON operations(status, type)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_progress_events_op ON progress_events(operation_id, id)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_job_history_recorded ON job_history(recorded_at DESC)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_library_title ON library(user_id, normalized_title)`)

	s := &Store{
		db:     db,
		logger: logger.Named("store"),
		now:    time.Now,
	}
	s.events = microbatch.NewBatcher(&microbatch.BatcherConfig{
		MaxSize:        eventBatchSize,
		FlushInterval:  eventFlushInterval,
		MaxConcurrency: 1,
	}, s.flushEvents)

	return s, nil
}

// Close drains the event batcher and closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if s.events != nil {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := s.events.Shutdown(ctx); err != nil {
			s.logger.Warn("event batcher shutdown", zap.Error(err))
		}
	}
	return s.db.Close()
}

// CleanupOldData removes finished operations, events, and job history older
// than age, reporting how many rows went away.
func (s *Store) CleanupOldData(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := s.now().UTC().Add(-age).Format(time.RFC3339Nano)

	var removed int64
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM operations WHERE completed_at IS NOT NULL AND completed_at < ?`, cutoff)
	if err != nil {
		return removed, fmt.Errorf("prune operations: %w", err)
	}
	n, _ := res.RowsAffected()
	removed += n

	res, err = s.db.ExecContext(ctx, `DELETE FROM progress_events WHERE timestamp < ?`, cutoff)
	if err != nil {
		return removed, fmt.Errorf("prune events: %w", err)
	}
	n, _ = res.RowsAffected()
	removed += n

	res, err = s.db.ExecContext(ctx, `DELETE FROM job_history WHERE recorded_at < ?`, cutoff)
	if err != nil {
		return removed, fmt.Errorf("prune job history: %w", err)
	}
	n, _ = res.RowsAffected()
	removed += n

	return removed, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func nullableTime(ts *time.Time) sql.NullString {
	if ts == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: ts.UTC().Format(time.RFC3339Nano), Valid: true}
}

func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	ts, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &ts
}

func encodeJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeJSON(s sql.NullString, into any) {
	if !s.Valid || s.String == "" || s.String == "null" {
		return
	}
	_ = json.Unmarshal([]byte(s.String), into)
}

// IsNotFound reports whether err is sql.ErrNoRows.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
