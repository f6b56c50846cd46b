package task

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Statistics aggregates durable task counts for dashboards.
type Statistics struct {
	StatusCounts map[TaskStatus]int
	TypeCounts   map[string]int
}

// CleanupCounts reports how many rows a retention sweep removed per entity.
type CleanupCounts struct {
	Tasks      int64
	Executions int64
	Metrics    int64
}

// TaskStore defines the interface for the durable mirror of task state.
// Implementations exist per storage engine; the scheduler core never sees
// persistence technology. Only the owning TaskManager writes a given task's
// row, so updates need no cross-process coordination beyond row atomicity.
type TaskStore interface {
	// CreateTask inserts the initial durable record for a task.
	CreateTask(ctx context.Context, tc *TaskContext) error

	// UpdateTaskStatus atomically updates one task's durable row. Updating
	// an unknown id is a no-op, not an error.
	UpdateTaskStatus(
		ctx context.Context,
		id uuid.UUID,
		status TaskStatus,
		progress float64,
		retryCount int,
		result string,
		message string,
	) error

	// RecordExecution appends one per-attempt audit row.
	RecordExecution(ctx context.Context, exec TaskExecution) error

	// RecordMetrics appends one observability sample.
	RecordMetrics(ctx context.Context, m TaskMetrics) error

	// GetTask reads one task's durable record. Returns a store not-found
	// error when the id is unknown.
	GetTask(ctx context.Context, id uuid.UUID) (*TaskContext, error)

	// ListTasksByStatus returns durable records with the given status,
	// oldest first. Used by crash recovery.
	ListTasksByStatus(ctx context.Context, status TaskStatus) ([]*TaskContext, error)

	// GetStatistics returns aggregate status and type counts.
	GetStatistics(ctx context.Context) (*Statistics, error)

	// Cleanup purges terminal tasks older than the retention window along
	// with their executions and metrics. Pending and running records are
	// never purged regardless of age.
	Cleanup(ctx context.Context, retention time.Duration) (CleanupCounts, error)
}
