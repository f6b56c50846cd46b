package task

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the current state of a task
type TaskStatus string

// Possible task status values
const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsValid reports whether s is one of the recognized status values.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether s is a final status. Terminal tasks never
// transition again.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// canTransition encodes the task lifecycle state machine:
//
//	pending -> running -> {completed, failed}
//	{pending, running} -> cancelled
//	running -> running (retry attempt)
func canTransition(from, to TaskStatus) bool {
	if from.IsTerminal() {
		return false
	}
	switch from {
	case TaskStatusPending:
		return to == TaskStatusRunning || to == TaskStatusCancelled
	case TaskStatusRunning:
		return to == TaskStatusRunning || to == TaskStatusCompleted ||
			to == TaskStatusFailed || to == TaskStatusCancelled
	}
	return false
}

// TaskPriority is the ordinal classification governing dispatch order.
// Higher values dispatch first.
type TaskPriority int

// Priority levels, lowest to highest.
const (
	PriorityLow TaskPriority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// IsValid reports whether p is one of the defined priority levels.
func (p TaskPriority) IsValid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

func (p TaskPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority converts a priority name to its TaskPriority value.
func ParsePriority(s string) (TaskPriority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityNormal, fmt.Errorf("%w: unknown priority %q", ErrValidation, s)
	}
}

// Executable is the body of a task. The engine invokes it on a worker
// goroutine once a slot is granted. Cancellation and timeouts are delivered
// through ctx; well-behaved executables check ctx.Done() at safe points and
// return promptly when it fires.
type Executable func(ctx context.Context) (any, error)

// Definition describes a task at submission time. It is immutable once the
// task has been created.
type Definition struct {
	// Name is a human-readable identifier for the task. Required.
	Name string

	// Type categorizes the task for statistics and recovery. Required.
	Type string

	// Priority governs dispatch order. Defaults to PriorityNormal's zero
	// cousin only through explicit assignment; callers should set it.
	Priority TaskPriority

	// MaxRetries is the number of re-attempts after the first failure.
	MaxRetries int

	// Timeout bounds each execution attempt. Required, must be positive.
	Timeout time.Duration

	// Metadata carries opaque caller data (e.g. a payload reference).
	Metadata map[string]string
}

// Validate checks the definition against the submission rules. All
// violations are reported wrapped in ErrValidation.
func (d Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: name must not be empty", ErrValidation)
	}
	if d.Type == "" {
		return fmt.Errorf("%w: type must not be empty", ErrValidation)
	}
	if !d.Priority.IsValid() {
		return fmt.Errorf("%w: unknown priority %d", ErrValidation, d.Priority)
	}
	if d.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must be >= 0, got %d", ErrValidation, d.MaxRetries)
	}
	if d.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive, got %s", ErrValidation, d.Timeout)
	}
	return nil
}

// TaskContext is the mutable lifecycle record of a single task. The owning
// TaskManager is the only writer; everyone else observes snapshot copies.
type TaskContext struct {
	ID         uuid.UUID
	Definition Definition
	Status     TaskStatus
	Progress   float64
	RetryCount int
	Result     any
	Error      string

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// snapshot returns a shallow copy safe to hand outside the manager's lock.
// Pointer timestamps are re-pointed so callers cannot alias manager state.
func (tc *TaskContext) snapshot() *TaskContext {
	cp := *tc
	if tc.StartedAt != nil {
		t := *tc.StartedAt
		cp.StartedAt = &t
	}
	if tc.CompletedAt != nil {
		t := *tc.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// TaskExecution is one append-only audit row per execution attempt. Rows are
// never mutated after insertion.
type TaskExecution struct {
	TaskID    uuid.UUID
	Attempt   int
	Status    TaskStatus
	StartedAt time.Time
	Duration  time.Duration
}

// TaskMetrics is an append-only observability sample. It is never consulted
// for control decisions.
type TaskMetrics struct {
	TaskID      uuid.UUID
	CPUPercent  float64
	MemoryBytes uint64
	Progress    float64
	Custom      map[string]float64
	RecordedAt  time.Time
}
