// Package sqlite implements the task store over SQLite for embedded
// deployments and tests, using the pure-Go modernc.org/sqlite driver.
// Timestamps are stored as unix nanoseconds and ids as text, keeping the
// schema free of driver-specific time handling.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/phrazzld/taskforge/internal/store"
	"github.com/phrazzld/taskforge/internal/task"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    type TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 1,
    max_retries INTEGER NOT NULL DEFAULT 0,
    timeout_ms INTEGER NOT NULL,
    metadata TEXT,
    status TEXT NOT NULL,
    progress REAL NOT NULL DEFAULT 0,
    retry_count INTEGER NOT NULL DEFAULT 0,
    result TEXT,
    error_message TEXT,
    created_at INTEGER NOT NULL,
    started_at INTEGER,
    completed_at INTEGER,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status);
CREATE INDEX IF NOT EXISTS idx_tasks_type ON tasks (type);

CREATE TABLE IF NOT EXISTS task_executions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id TEXT NOT NULL,
    attempt INTEGER NOT NULL,
    status TEXT NOT NULL,
    started_at INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_task_executions_task_id ON task_executions (task_id);

CREATE TABLE IF NOT EXISTS task_metrics (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id TEXT NOT NULL,
    cpu_percent REAL NOT NULL DEFAULT 0,
    memory_bytes INTEGER NOT NULL DEFAULT 0,
    progress REAL NOT NULL DEFAULT 0,
    custom TEXT,
    recorded_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_task_metrics_task_id ON task_metrics (task_id);
`

const terminalStatuses = `('completed', 'failed', 'cancelled')`

// Open opens (or creates) a SQLite database at dsn and applies the schema.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent task updates.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying sqlite schema: %w", err)
	}
	return db, nil
}

// TaskStore implements task.TaskStore over SQLite.
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, query,
		tc.ID.String(),
		tc.Definition.Name,
		tc.Definition.Type,
		int(tc.Definition.Priority),
		tc.Definition.MaxRetries,
		tc.Definition.Timeout.Milliseconds(),
		string(metadata),
		string(tc.Status),
		tc.Progress,
		tc.RetryCount,
		"",
		tc.Error,
		tc.CreatedAt.UnixNano(),
		now.UnixNano(),
	)
	if err != nil {
		return store.NewStoreError("task", "create", "inserting row", err)
	}
	return nil
}

// UpdateTaskStatus atomically updates one task's row. Updating an unknown
// id is a no-op.
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
		SET status = ?,
		    progress = ?,
		    retry_count = ?,
		    result = ?,
		    error_message = ?,
		    started_at = CASE WHEN ? = 'running' AND started_at IS NULL THEN ? ELSE started_at END,
		    completed_at = CASE WHEN ? IN ` + terminalStatuses + ` THEN ? ELSE completed_at END,
		    updated_at = ?
		WHERE id = ?
	`
	now := time.Now().UTC().UnixNano()
	_, err := s.db.ExecContext(ctx, query,
		string(status), progress, retryCount, result, message,
		string(status), now,
		string(status), now,
		now,
		id.String(),
	)
	if err != nil {
		return store.NewStoreError("task", "update", "updating status", err)
	}
	return nil
}

// RecordExecution appends one per-attempt audit row.
func (s *TaskStore) RecordExecution(ctx context.Context, exec task.TaskExecution) error {
	query := `
		INSERT INTO task_executions (task_id, attempt, status, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		exec.TaskID.String(),
		exec.Attempt,
		string(exec.Status),
		exec.StartedAt.UnixNano(),
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
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		m.TaskID.String(),
		m.CPUPercent,
		int64(m.MemoryBytes),
		m.Progress,
		string(custom),
		m.RecordedAt.UnixNano(),
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
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`
	tc, err := scanTask(s.db.QueryRowContext(ctx, query, id.String()))
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
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status = ? ORDER BY created_at ASC`
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
// with their executions and metrics. Pending and running rows are excluded
// by the WHERE clause itself and can never be swept.
func (s *TaskStore) Cleanup(
	ctx context.Context,
	retention time.Duration,
) (task.CleanupCounts, error) {
	var counts task.CleanupCounts
	cutoff := time.Now().UTC().Add(-retention).UnixNano()

	selectOld := `
		SELECT id FROM tasks
		WHERE status IN ` + terminalStatuses + `
		  AND COALESCE(completed_at, created_at) < ?
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
		   AND COALESCE(completed_at, created_at) < ?`, cutoff)
	if err != nil {
		return counts, store.NewStoreError("task", "cleanup", "deleting rows", err)
	}
	counts.Tasks, _ = res.RowsAffected()

	return counts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.TaskContext, error) {
	var (
		tc           task.TaskContext
		id           string
		priority     int
		timeoutMs    int64
		metadata     sql.NullString
		status       string
		result       sql.NullString
		errorMessage sql.NullString
		createdAt    int64
		startedAt    sql.NullInt64
		completedAt  sql.NullInt64
	)

	err := row.Scan(
		&id,
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
		&createdAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	tc.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parsing task id %q: %w", id, err)
	}
	tc.Definition.Priority = task.TaskPriority(priority)
	tc.Definition.Timeout = time.Duration(timeoutMs) * time.Millisecond
	tc.Status = task.TaskStatus(status)
	if result.Valid && result.String != "" {
		tc.Result = result.String
	}
	tc.Error = errorMessage.String
	tc.CreatedAt = time.Unix(0, createdAt).UTC()
	if startedAt.Valid {
		t := time.Unix(0, startedAt.Int64).UTC()
		tc.StartedAt = &t
	}
	if completedAt.Valid {
		t := time.Unix(0, completedAt.Int64).UTC()
		tc.CompletedAt = &t
	}
	if metadata.Valid && metadata.String != "" && metadata.String != "null" {
		if err := json.Unmarshal([]byte(metadata.String), &tc.Definition.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
	}
	return &tc, nil
}
