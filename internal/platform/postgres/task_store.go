// Package postgres implements the task store over PostgreSQL using the
// DBTX abstraction, so it works with either a connection pool or a
// transaction.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/taskforge/internal/store"
	"github.com/phrazzld/taskforge/internal/task"
)

// terminalStatuses is the set eligible for retention cleanup. Pending and
// running rows are excluded here, in the SQL itself, not by caller
// discipline.
const terminalStatuses = `('completed', 'failed', 'cancelled')`

// TaskStore implements task.TaskStore over PostgreSQL.
type TaskStore struct {
	db store.DBTX
}

// NewTaskStore creates a TaskStore over the given connection or transaction.
func NewTaskStore(db store.DBTX) *TaskStore {
	return &TaskStore{db: db}
}

// CreateTask inserts the initial durable record for a task.
func (s *TaskStore) CreateTask(ctx context.Context, tc *task.TaskContext) error {
	metadata, err := json.Marshal(tc.Definition.Metadata)
	if err != nil {
		return store.NewStoreError("task", "create", "encoding metadata", err)
	}

	query := `
		INSERT INTO tasks (
			id, name, type, priority, max_retries, timeout_ms, metadata,
			status, progress, retry_count, result, error_message,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, query,
		tc.ID,
		tc.Definition.Name,
		tc.Definition.Type,
		int(tc.Definition.Priority),
		tc.Definition.MaxRetries,
		tc.Definition.Timeout.Milliseconds(),
		metadata,
		string(tc.Status),
		tc.Progress,
		tc.RetryCount,
		"",
		tc.Error,
		tc.CreatedAt,
		now,
	)
	if err != nil {
		return store.NewStoreError("task", "create", "inserting row", err)
	}
	return nil
}

// UpdateTaskStatus atomically updates one task's row. Updating an unknown
// id is a no-op, matching the engine's stale-record reconciliation policy.
func (s *TaskStore) UpdateTaskStatus(
	ctx context.Context,
	id uuid.UUID,
	status task.TaskStatus,
	progress float64,
	retryCount int,
	result, message string,
) error {
	query := `
		UPDATE tasks
		SET status = $1,
		    progress = $2,
		    retry_count = $3,
		    result = $4,
		    error_message = $5,
		    started_at = CASE WHEN $1 = 'running' AND started_at IS NULL THEN $7 ELSE started_at END,
		    completed_at = CASE WHEN $1 IN ` + terminalStatuses + ` THEN $7 ELSE completed_at END,
		    updated_at = $7
		WHERE id = $6
	`
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, query,
		string(status), progress, retryCount, result, message, id, now)
	if err != nil {
		return store.NewStoreError("task", "update", "updating status", err)
	}
	// Zero rows affected means an unknown id: a no-op by contract.
	return nil
}

// RecordExecution appends one per-attempt audit row. Rows are never mutated.
func (s *TaskStore) RecordExecution(ctx context.Context, exec task.TaskExecution) error {
	query := `
		INSERT INTO task_executions (task_id, attempt, status, started_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.db.ExecContext(ctx, query,
		exec.TaskID,
		exec.Attempt,
		string(exec.Status),
		exec.StartedAt,
		exec.Duration.Milliseconds(),
	)
	if err != nil {
		return store.NewStoreError("task_execution", "create", "inserting row", err)
	}
	return nil
}

// RecordMetrics appends one observability sample.
func (s *TaskStore) RecordMetrics(ctx context.Context, m task.TaskMetrics) error {
	custom, err := json.Marshal(m.Custom)
	if err != nil {
		return store.NewStoreError("task_metric", "create", "encoding custom metrics", err)
	}

	query := `
		INSERT INTO task_metrics (task_id, cpu_percent, memory_bytes, progress, custom, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = s.db.ExecContext(ctx, query,
		m.TaskID,
		m.CPUPercent,
		int64(m.MemoryBytes),
		m.Progress,
		custom,
		m.RecordedAt,
	)
	if err != nil {
		return store.NewStoreError("task_metric", "create", "inserting row", err)
	}
	return nil
}

const taskColumns = `
	id, name, type, priority, max_retries, timeout_ms, metadata,
	status, progress, retry_count, result, error_message,
	created_at, started_at, completed_at
`

// GetTask reads one task's durable record.
func (s *TaskStore) GetTask(ctx context.Context, id uuid.UUID) (*task.TaskContext, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	tc, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, store.ErrTaskNotFound
	}
	if err != nil {
		return nil, store.NewStoreError("task", "get", "scanning row", err)
	}
	return tc, nil
}

// ListTasksByStatus returns durable records with the given status, oldest
// first.
func (s *TaskStore) ListTasksByStatus(
	ctx context.Context,
	status task.TaskStatus,
) ([]*task.TaskContext, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status = $1 ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, query, string(status))
	if err != nil {
		return nil, store.NewStoreError("task", "list", "querying by status", err)
	}
	defer rows.Close()

	var tasks []*task.TaskContext
	for rows.Next() {
		tc, err := scanTask(rows)
		if err != nil {
			return nil, store.NewStoreError("task", "list", "scanning row", err)
		}
		tasks = append(tasks, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, store.NewStoreError("task", "list", "iterating rows", err)
	}
	return tasks, nil
}

// GetStatistics aggregates status and type counts.
func (s *TaskStore) GetStatistics(ctx context.Context) (*task.Statistics, error) {
	stats := &task.Statistics{
		StatusCounts: make(map[task.TaskStatus]int),
		TypeCounts:   make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, store.NewStoreError("task", "statistics", "counting by status", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, store.NewStoreError("task", "statistics", "scanning status count", err)
		}
		stats.StatusCounts[task.TaskStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, store.NewStoreError("task", "statistics", "iterating status counts", err)
	}

	typeRows, err := s.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM tasks GROUP BY type`)
	if err != nil {
		return nil, store.NewStoreError("task", "statistics", "counting by type", err)
	}
	defer typeRows.Close()
	for typeRows.Next() {
		var taskType string
		var count int
		if err := typeRows.Scan(&taskType, &count); err != nil {
			return nil, store.NewStoreError("task", "statistics", "scanning type count", err)
		}
		stats.TypeCounts[taskType] = count
	}
	if err := typeRows.Err(); err != nil {
		return nil, store.NewStoreError("task", "statistics", "iterating type counts", err)
	}

	return stats, nil
}

// Cleanup purges terminal tasks older than the retention window together
// with their executions and metrics. The status filter lives in the WHERE
// clause so pending and running rows can never be swept, regardless of age.
func (s *TaskStore) Cleanup(
	ctx context.Context,
	retention time.Duration,
) (task.CleanupCounts, error) {
	var counts task.CleanupCounts
	cutoff := time.Now().UTC().Add(-retention)

	selectOld := `
		SELECT id FROM tasks
		WHERE status IN ` + terminalStatuses + `
		  AND COALESCE(completed_at, created_at) < $1
	`

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM task_metrics WHERE task_id IN (`+selectOld+`)`, cutoff)
	if err != nil {
		return counts, store.NewStoreError("task_metric", "cleanup", "deleting rows", err)
	}
	counts.Metrics, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx,
		`DELETE FROM task_executions WHERE task_id IN (`+selectOld+`)`, cutoff)
	if err != nil {
		return counts, store.NewStoreError("task_execution", "cleanup", "deleting rows", err)
	}
	counts.Executions, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx,
		`DELETE FROM tasks
		 WHERE status IN `+terminalStatuses+`
		   AND COALESCE(completed_at, created_at) < $1`, cutoff)
	if err != nil {
		return counts, store.NewStoreError("task", "cleanup", "deleting rows", err)
	}
	counts.Tasks, _ = res.RowsAffected()

	return counts, nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.TaskContext, error) {
	var (
		tc           task.TaskContext
		priority     int
		timeoutMs    int64
		metadata     []byte
		status       string
		result       sql.NullString
		errorMessage sql.NullString
		startedAt    sql.NullTime
		completedAt  sql.NullTime
	)

	err := row.Scan(
		&tc.ID,
		&tc.Definition.Name,
		&tc.Definition.Type,
		&priority,
		&tc.Definition.MaxRetries,
		&timeoutMs,
		&metadata,
		&status,
		&tc.Progress,
		&tc.RetryCount,
		&result,
		&errorMessage,
		&tc.CreatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	tc.Definition.Priority = task.TaskPriority(priority)
	tc.Definition.Timeout = time.Duration(timeoutMs) * time.Millisecond
	tc.Status = task.TaskStatus(status)
	if result.Valid && result.String != "" {
		tc.Result = result.String
	}
	tc.Error = errorMessage.String
	if startedAt.Valid {
		t := startedAt.Time
		tc.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		tc.CompletedAt = &t
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &tc.Definition.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
	}
	return &tc, nil
}
