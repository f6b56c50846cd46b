package task

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Common errors returned by the task engine. Callers match them with
// errors.Is; no error from a user-supplied executable ever crosses the
// submission or observability API boundary unwrapped.
var (
	// ErrValidation is returned when a task definition fails submission checks.
	ErrValidation = errors.New("invalid task definition")

	// ErrQueueFull is returned when an enqueue is rejected at capacity.
	// The task record stays pending and unqueued; it is never discarded.
	ErrQueueFull = errors.New("task queue is full")

	// ErrQueueClosed is returned when submitting to a stopped queue.
	ErrQueueClosed = errors.New("task queue is closed")

	// ErrTaskNotFound is returned for status or cancel requests on an
	// unknown task id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTimeout marks an attempt that exceeded its configured timeout.
	ErrTimeout = errors.New("task timed out")

	// ErrCancelled marks a task cancelled before reaching a natural end.
	ErrCancelled = errors.New("task cancelled")

	// ErrDatabase wraps persistence failures surfaced through the
	// administrative and read APIs.
	ErrDatabase = errors.New("task store failure")
)

// ExecutionError wraps an error raised by a user-supplied executable,
// recording which attempt produced it.
type ExecutionError struct {
	TaskID  uuid.UUID
	Attempt int
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("task %s attempt %d failed: %v", e.TaskID, e.Attempt, e.Err)
}

// Unwrap returns the underlying executable error for errors.Is/errors.As.
func (e *ExecutionError) Unwrap() error {
	return e.Err
}
