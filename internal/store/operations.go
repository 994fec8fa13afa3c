package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/toshokan-dev/toshokan/internal/progress"
)

// SaveOperation upserts one operation snapshot.
func (s *Store) SaveOperation(ctx context.Context, op *progress.Operation) error {
	childIDs, err := encodeJSON(op.ChildIDs)
	if err != nil {
		return fmt.Errorf("encode child ids: %w", err)
	}
	warnings, err := encodeJSON(op.Warnings)
	if err != nil {
		return fmt.Errorf("encode warnings: %w", err)
	}
	metadata, err := encodeJSON(op.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	cancellable := 0
	if op.Cancellable {
		cancellable = 1
	}

	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO operations
		(id, type, title, status, progress, processed_items, successful_items, failed_items, total_items,
		 started_at, completed_at, parent_id, child_ids, user_id, session_id, cancellable, warnings, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID,
		op.Type,
		op.Title,
		string(op.Status),
		op.Progress,
		op.ProcessedItems,
		op.SuccessfulItems,
		op.FailedItems,
		op.TotalItems,
		op.StartedAt.UTC().Format(time.RFC3339Nano),
		nullableTime(op.CompletedAt),
		op.ParentID,
		childIDs,
		op.UserID,
		op.SessionID,
		cancellable,
		warnings,
		metadata,
	)
	if err != nil {
		return fmt.Errorf("save operation: %w", err)
	}
	return nil
}

// SaveEvent appends one progress event. Events ride a shared micro-batch;
// the call returns once the row's batch has been written.
func (s *Store) SaveEvent(ctx context.Context, ev *progress.Event) error {
	res, err := s.events.Submit(ctx, ev)
	if err != nil {
		return fmt.Errorf("queue event write: %w", err)
	}
	return res.Wait(ctx)
}

// flushEvents writes one batch of events in a single transaction.
func (s *Store) flushEvents(ctx context.Context, evs []*progress.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO progress_events
		(operation_id, operation_type, event_type, progress, current_step, message, metadata, user_id, session_id, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare event insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range evs {
		metadata, err := encodeJSON(ev.Metadata)
		if err != nil {
			return fmt.Errorf("encode event metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			ev.OperationID,
			ev.OperationType,
			string(ev.Type),
			ev.Progress,
			ev.CurrentStep,
			ev.Message,
			metadata,
			ev.UserID,
			ev.SessionID,
			ev.Timestamp.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}
	return tx.Commit()
}

// Operation loads one archived operation by id.
func (s *Store) Operation(ctx context.Context, id string) (*progress.Operation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, type, title, status, progress, processed_items,
		successful_items, failed_items, total_items, started_at, completed_at, parent_id, child_ids,
		user_id, session_id, cancellable, warnings, metadata
		FROM operations WHERE id = ?`, id)
	return scanOperation(row)
}

// Operations lists archived operations matching the filter, newest first.
func (s *Store) Operations(ctx context.Context, f progress.Filter, limit int) ([]progress.Operation, error) {
	clauses := make([]string, 0, 4)
	args := make([]any, 0, 5)

	if f.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Active {
		clauses = append(clauses, "status NOT IN ('COMPLETED', 'FAILED', 'CANCELLED')")
	}

	stmt := `SELECT id, type, title, status, progress, processed_items, successful_items, failed_items,
		total_items, started_at, completed_at, parent_id, child_ids, user_id, session_id, cancellable,
		warnings, metadata FROM operations`
	if len(clauses) > 0 {
		stmt += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	stmt += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, normalizeLimit(limit))

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]progress.Operation, 0, limit)
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			continue
		}
		out = append(out, *op)
	}
	return out, rows.Err()
}

// OperationEvents returns one operation's events in emission order.
func (s *Store) OperationEvents(ctx context.Context, opID string) ([]progress.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT operation_id, operation_type, event_type, progress,
		current_step, message, metadata, user_id, session_id, timestamp
		FROM progress_events WHERE operation_id = ? ORDER BY id ASC`, opID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]progress.Event, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			continue
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func scanOperation(sc scanner) (*progress.Operation, error) {
	var (
		op          progress.Operation
		status      string
		startedAt   string
		completedAt sql.NullString
		childIDs    sql.NullString
		cancellable int
		warnings    sql.NullString
		metadata    sql.NullString
	)
	if err := sc.Scan(
		&op.ID,
		&op.Type,
		&op.Title,
		&status,
		&op.Progress,
		&op.ProcessedItems,
		&op.SuccessfulItems,
		&op.FailedItems,
		&op.TotalItems,
		&startedAt,
		&completedAt,
		&op.ParentID,
		&childIDs,
		&op.UserID,
		&op.SessionID,
		&cancellable,
		&warnings,
		&metadata,
	); err != nil {
		return nil, err
	}

	op.Status = progress.Status(status)
	op.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	op.CompletedAt = parseNullableTime(completedAt)
	op.Cancellable = cancellable == 1
	decodeJSON(childIDs, &op.ChildIDs)
	decodeJSON(warnings, &op.Warnings)
	decodeJSON(metadata, &op.Metadata)
	return &op, nil
}

func scanEvent(sc scanner) (*progress.Event, error) {
	var (
		ev        progress.Event
		evType    string
		metadata  sql.NullString
		timestamp string
	)
	if err := sc.Scan(
		&ev.OperationID,
		&ev.OperationType,
		&evType,
		&ev.Progress,
		&ev.CurrentStep,
		&ev.Message,
		&metadata,
		&ev.UserID,
		&ev.SessionID,
		&timestamp,
	); err != nil {
		return nil, err
	}
	ev.Type = progress.EventType(evType)
	ev.Timestamp, _ = time.Parse(time.RFC3339Nano, timestamp)
	decodeJSON(metadata, &ev.Metadata)
	return &ev, nil
}
