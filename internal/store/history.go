package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/toshokan-dev/toshokan/internal/queue"
)

// HistoryQuery filters job history lookups.
type HistoryQuery struct {
	Type   queue.Type
	Status queue.Status
	Limit  int
}

// AppendJobHistory archives one job evicted from the queue. Re-appending
// the same job id keeps the latest row.
func (s *Store) AppendJobHistory(ctx context.Context, job *queue.Job) error {
	dependsOn, err := encodeJSON(job.DependsOn)
	if err != nil {
		return fmt.Errorf("encode depends_on: %w", err)
	}
	payload, err := encodeJSON(job.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO job_history
		(id, type, priority, status, retry_count, max_retries, timeout_s, depends_on, payload,
		 operation_id, error, created_at, started_at, completed_at, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		string(job.Type),
		string(job.Priority),
		string(job.Status),
		job.RetryCount,
		job.MaxRetries,
		job.TimeoutS,
		dependsOn,
		payload,
		job.OperationID,
		job.Error,
		job.CreatedAt.UTC().Format(time.RFC3339Nano),
		nullableTime(job.StartedAt),
		nullableTime(job.CompletedAt),
		s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append job history: %w", err)
	}
	return nil
}

// JobHistory lists archived jobs, most recently recorded first.
func (s *Store) JobHistory(ctx context.Context, q HistoryQuery) ([]queue.Job, error) {
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 3)

	if q.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, string(q.Type))
	}
	if q.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(q.Status))
	}

	stmt := `SELECT id, type, priority, status, retry_count, max_retries, timeout_s, depends_on,
		payload, operation_id, error, created_at, started_at, completed_at FROM job_history`
	if len(clauses) > 0 {
		stmt += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	stmt += ` ORDER BY recorded_at DESC LIMIT ?`
	args = append(args, normalizeLimit(q.Limit))

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]queue.Job, 0)
	for rows.Next() {
		job, err := scanHistoryJob(rows)
		if err != nil {
			continue
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

func scanHistoryJob(sc scanner) (*queue.Job, error) {
	var (
		job         queue.Job
		jobType     string
		priority    string
		status      string
		dependsOn   sql.NullString
		payload     sql.NullString
		createdAt   string
		startedAt   sql.NullString
		completedAt sql.NullString
	)
	if err := sc.Scan(
		&job.ID,
		&jobType,
		&priority,
		&status,
		&job.RetryCount,
		&job.MaxRetries,
		&job.TimeoutS,
		&dependsOn,
		&payload,
		&job.OperationID,
		&job.Error,
		&createdAt,
		&startedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}

	job.Type = queue.Type(jobType)
	job.Priority = queue.Priority(priority)
	job.Status = queue.Status(status)
	job.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	job.StartedAt = parseNullableTime(startedAt)
	job.CompletedAt = parseNullableTime(completedAt)
	decodeJSON(dependsOn, &job.DependsOn)
	decodeJSON(payload, &job.Payload)
	return &job, nil
}
