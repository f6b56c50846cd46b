package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// OutcomeObserver is notified when a task reaches a terminal status. The
// TaskMonitor implements it to maintain the trailing error-rate window.
// Observers receive snapshot copies and must not block for long.
type OutcomeObserver interface {
	TaskFinished(tc *TaskContext)
}

// ExecutableResolver rebuilds the executable for a task recovered from the
// durable store, typically by looking up a factory registered per task type.
type ExecutableResolver func(tc *TaskContext) (Executable, error)

// TaskManagerConfig holds configuration for the task manager.
type TaskManagerConfig struct {
	// DefaultTimeout bounds attempts for definitions that omit a timeout.
	DefaultTimeout time.Duration

	// Backoff controls the delay between retry attempts.
	Backoff BackoffPolicy

	// RetryOnTimeout opts timed-out attempts into the retry budget.
	// By default a timeout fails the task immediately.
	RetryOnTimeout bool

	// CancelGracePeriod is how long the manager waits for an executable to
	// observe a timeout or cancellation signal before abandoning it.
	CancelGracePeriod time.Duration
}

// DefaultTaskManagerConfig returns a TaskManagerConfig with reasonable defaults.
func DefaultTaskManagerConfig() TaskManagerConfig {
	return TaskManagerConfig{
		DefaultTimeout:    5 * time.Minute,
		Backoff:           DefaultBackoffPolicy(),
		RetryOnTimeout:    false,
		CancelGracePeriod: 5 * time.Second,
	}
}

// managedTask pairs a task record with its runtime state. It exists only in
// the manager's map and is always accessed under the manager's lock.
// stored tracks whether the durable insert has succeeded yet; persist
// re-inserts before updating until it has.
type managedTask struct {
	tc     *TaskContext
	fn     Executable
	cancel context.CancelFunc
	stored bool
}

// TaskManager owns the task lifecycle state machine. It creates tasks,
// wraps their execution with retry, timeout, and cancellation handling, and
// mirrors every transition to the durable store. It is the only writer of
// task state; all reads go through snapshot copies.
type TaskManager struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]*managedTask

	store    TaskStore
	config   TaskManagerConfig
	logger   *slog.Logger
	queue    *TaskQueue
	observer OutcomeObserver
}

// NewTaskManager creates a new TaskManager backed by the given store.
func NewTaskManager(store TaskStore, config TaskManagerConfig, logger *slog.Logger) *TaskManager {
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = DefaultTaskManagerConfig().DefaultTimeout
	}
	if config.CancelGracePeriod <= 0 {
		config.CancelGracePeriod = DefaultTaskManagerConfig().CancelGracePeriod
	}
	if config.Backoff.Initial <= 0 {
		config.Backoff = DefaultBackoffPolicy()
	}

	return &TaskManager{
		tasks:  make(map[uuid.UUID]*managedTask),
		store:  store,
		config: config,
		logger: logger,
	}
}

// AttachQueue wires the queue used for cancellation of pending tasks.
func (m *TaskManager) AttachQueue(q *TaskQueue) {
	m.queue = q
}

// SetObserver registers the terminal-outcome observer.
func (m *TaskManager) SetObserver(o OutcomeObserver) {
	m.observer = o
}

// CreateTask validates the definition, generates a unique id, and registers
// the task as pending. It does not enqueue or start execution. A failed
// durable insert is logged, not fatal: the record is reconciled on the next
// successful status write.
func (m *TaskManager) CreateTask(
	ctx context.Context,
	def Definition,
	fn Executable,
) (*TaskContext, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, fmt.Errorf("%w: executable must not be nil", ErrValidation)
	}

	tc := &TaskContext{
		ID:         uuid.New(),
		Definition: def,
		Status:     TaskStatusPending,
		CreatedAt:  time.Now().UTC(),
	}

	m.mu.Lock()
	mt := &managedTask{tc: tc, fn: fn}
	m.tasks[tc.ID] = mt
	snap := tc.snapshot()
	m.mu.Unlock()

	if err := m.store.CreateTask(ctx, snap); err != nil {
		m.logger.Error("failed to persist new task",
			"task_id", tc.ID,
			"task_type", def.Type,
			"error", err)
	} else {
		m.mu.Lock()
		mt.stored = true
		m.mu.Unlock()
	}

	m.logger.Debug("task created",
		"task_id", tc.ID,
		"task_type", def.Type,
		"priority", def.Priority.String())
	return snap, nil
}

// GetTask returns a snapshot of the task's current state. It never blocks
// on execution.
func (m *TaskManager) GetTask(id uuid.UUID) (*TaskContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mt, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return mt.tc.snapshot(), nil
}

// Cancel cancels a task. Pending tasks are removed from the queue and
// transition immediately; running tasks are signalled cooperatively and
// transition once the executable observes the signal. Cancelling a
// terminal task is an error.
func (m *TaskManager) Cancel(id uuid.UUID) error {
	m.mu.Lock()
	mt, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	switch mt.tc.Status {
	case TaskStatusPending:
		now := time.Now().UTC()
		mt.tc.Status = TaskStatusCancelled
		mt.tc.CompletedAt = &now
		mt.tc.Error = ErrCancelled.Error()
		snap := mt.tc.snapshot()
		m.mu.Unlock()

		if m.queue != nil {
			m.queue.Remove(id)
		}
		m.persist(snap)
		m.notifyFinished(snap)
		m.logger.Info("pending task cancelled", "task_id", id)
		return nil

	case TaskStatusRunning:
		cancel := mt.cancel
		m.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		m.logger.Info("running task signalled for cancellation", "task_id", id)
		return nil

	default:
		status := mt.tc.Status
		m.mu.Unlock()
		return fmt.Errorf("task %s is already %s", id, status)
	}
}

// Execute is the execution wrapper invoked by the dispatch loop once a
// worker slot is granted. It drives the task through the attempt loop until
// a terminal status is reached. Errors from the executable never propagate
// past this method.
func (m *TaskManager) Execute(id uuid.UUID) {
	m.mu.Lock()
	mt, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("dispatched task is unknown", "task_id", id)
		return
	}
	if mt.tc.Status != TaskStatusPending {
		// Cancelled between dispatch and execution.
		status := mt.tc.Status
		m.mu.Unlock()
		m.logger.Debug("skipping dispatched task", "task_id", id, "status", status)
		return
	}

	now := time.Now().UTC()
	mt.tc.Status = TaskStatusRunning
	mt.tc.StartedAt = &now
	taskCtx, cancel := context.WithCancel(context.Background())
	mt.cancel = cancel

	fn := mt.fn
	def := mt.tc.Definition
	snap := mt.tc.snapshot()
	m.mu.Unlock()
	defer cancel()

	m.persist(snap)

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = m.config.DefaultTimeout
	}

	logger := m.logger.With("task_id", id, "task_type", def.Type)
	logger.Info("task started",
		"priority", def.Priority.String(),
		"timeout", timeout,
		"max_retries", def.MaxRetries)

	for {
		attempt := m.currentRetryCount(mt) + 1
		started := time.Now().UTC()
		result, err := m.runAttempt(taskCtx, fn, timeout)
		duration := time.Since(started)

		m.recordExecution(id, attempt, started, duration, err)

		if err == nil {
			m.finish(mt, TaskStatusCompleted, result, "")
			return
		}

		if errors.Is(err, ErrCancelled) {
			m.finish(mt, TaskStatusCancelled, nil, ErrCancelled.Error())
			return
		}

		timedOut := errors.Is(err, ErrTimeout)
		retryable := !timedOut || m.config.RetryOnTimeout
		if retryable && m.currentRetryCount(mt) < def.MaxRetries {
			retryCount := m.bumpRetry(mt)
			delay := m.config.Backoff.Delay(retryCount)
			logger.Warn("task attempt failed, retrying",
				"attempt", attempt,
				"retry_count", retryCount,
				"max_retries", def.MaxRetries,
				"backoff", delay,
				"error", err)

			select {
			case <-taskCtx.Done():
				m.finish(mt, TaskStatusCancelled, nil, ErrCancelled.Error())
				return
			case <-time.After(delay):
			}
			continue
		}

		execErr := &ExecutionError{TaskID: id, Attempt: attempt, Err: err}
		m.finish(mt, TaskStatusFailed, nil, execErr.Error())
		return
	}
}

// runAttempt invokes the executable once, bounded by the attempt timeout.
// Timeout enforcement is cooperative: when the deadline fires, the
// executable is given the grace period to yield, after which the attempt is
// resolved from the context state and the goroutine is abandoned. Panics
// are converted to ordinary errors.
func (m *TaskManager) runAttempt(
	parent context.Context,
	fn Executable,
	timeout time.Duration,
) (any, error) {
	attemptCtx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	type attemptResult struct {
		value any
		err   error
	}
	done := make(chan attemptResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- attemptResult{err: fmt.Errorf("executable panicked: %v", r)}
			}
		}()
		value, err := fn(attemptCtx)
		done <- attemptResult{value: value, err: err}
	}()

	select {
	case res := <-done:
		if res.err == nil {
			return res.value, nil
		}
		return nil, m.classifyAttemptError(parent, res.err, timeout)

	case <-attemptCtx.Done():
		select {
		case <-done:
		case <-time.After(m.config.CancelGracePeriod):
			m.logger.Warn("executable did not yield within grace period",
				"grace", m.config.CancelGracePeriod)
		}
		if parent.Err() != nil {
			return nil, ErrCancelled
		}
		return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
}

// classifyAttemptError maps an executable's error onto the engine taxonomy.
// A requested cancellation dominates; beyond that the executable's own error
// decides, so a domain failure that races the deadline keeps its identity
// and its retry budget.
func (m *TaskManager) classifyAttemptError(
	parent context.Context,
	err error,
	timeout time.Duration,
) error {
	if parent.Err() != nil {
		return ErrCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
	return err
}

// finish applies a terminal transition, mirrors it to the store, and
// notifies the observer. Terminal states absorb: a second finish is a no-op.
func (m *TaskManager) finish(mt *managedTask, status TaskStatus, result any, message string) {
	m.mu.Lock()
	if mt.tc.Status.IsTerminal() {
		m.mu.Unlock()
		return
	}
	if !canTransition(mt.tc.Status, status) {
		from := mt.tc.Status
		m.mu.Unlock()
		m.logger.Error("illegal task transition suppressed",
			"task_id", mt.tc.ID, "from", from, "to", status)
		return
	}

	now := time.Now().UTC()
	mt.tc.Status = status
	mt.tc.CompletedAt = &now
	mt.tc.Error = message
	if status == TaskStatusCompleted {
		mt.tc.Progress = 1.0
		mt.tc.Result = result
	}
	snap := mt.tc.snapshot()
	m.mu.Unlock()

	m.persist(snap)
	m.notifyFinished(snap)

	m.logger.Info("task finished",
		"task_id", snap.ID,
		"task_type", snap.Definition.Type,
		"status", snap.Status,
		"retry_count", snap.RetryCount,
		"error", snap.Error)
}

func (m *TaskManager) currentRetryCount(mt *managedTask) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return mt.tc.RetryCount
}

// bumpRetry increments the retry counter for the running self-loop
// transition and mirrors it durably.
func (m *TaskManager) bumpRetry(mt *managedTask) int {
	m.mu.Lock()
	mt.tc.RetryCount++
	snap := mt.tc.snapshot()
	m.mu.Unlock()

	m.persist(snap)
	return snap.RetryCount
}

// persist mirrors a snapshot to the durable store. A task whose initial
// insert failed is re-inserted first, so a single healthy write reconciles
// the missing record; updates against an unknown id would otherwise no-op
// forever. Failures are logged, in-memory state is never rolled back.
func (m *TaskManager) persist(snap *TaskContext) {
	ctx := context.Background()

	m.mu.RLock()
	mt, ok := m.tasks[snap.ID]
	stored := ok && mt.stored
	m.mu.RUnlock()

	if ok && !stored {
		if err := m.store.CreateTask(ctx, snap); err != nil {
			m.logger.Error("failed to persist task, durable record is stale",
				"task_id", snap.ID,
				"status", snap.Status,
				"error", err)
			return
		}
		m.mu.Lock()
		mt.stored = true
		m.mu.Unlock()
	}

	err := m.store.UpdateTaskStatus(
		ctx,
		snap.ID,
		snap.Status,
		snap.Progress,
		snap.RetryCount,
		resultString(snap.Result),
		snap.Error,
	)
	if err != nil {
		m.logger.Error("failed to persist task status, durable record is stale",
			"task_id", snap.ID,
			"status", snap.Status,
			"error", err)
	}
}

func (m *TaskManager) recordExecution(
	id uuid.UUID,
	attempt int,
	started time.Time,
	duration time.Duration,
	attemptErr error,
) {
	status := TaskStatusCompleted
	switch {
	case errors.Is(attemptErr, ErrCancelled):
		status = TaskStatusCancelled
	case attemptErr != nil:
		status = TaskStatusFailed
	}

	exec := TaskExecution{
		TaskID:    id,
		Attempt:   attempt,
		Status:    status,
		StartedAt: started,
		Duration:  duration,
	}
	if err := m.store.RecordExecution(context.Background(), exec); err != nil {
		m.logger.Error("failed to record task execution",
			"task_id", id, "attempt", attempt, "error", err)
	}
}

func (m *TaskManager) notifyFinished(snap *TaskContext) {
	if m.observer != nil {
		m.observer.TaskFinished(snap)
	}
}

// Recover re-adopts durable tasks after a restart: running rows are reset
// to pending (the process that ran them is gone), then all pending rows are
// rebuilt through the resolver and re-enqueued. Rows whose type has no
// registered executable are failed durably rather than silently lost.
func (m *TaskManager) Recover(ctx context.Context, resolve ExecutableResolver) error {
	if m.queue == nil {
		return fmt.Errorf("recover requires an attached queue")
	}

	running, err := m.store.ListTasksByStatus(ctx, TaskStatusRunning)
	if err != nil {
		return fmt.Errorf("%w: listing running tasks: %v", ErrDatabase, err)
	}
	for _, tc := range running {
		if err := m.store.UpdateTaskStatus(ctx, tc.ID, TaskStatusPending,
			tc.Progress, tc.RetryCount, "", "reset after restart"); err != nil {
			m.logger.Error("failed to reset interrupted task",
				"task_id", tc.ID, "error", err)
			continue
		}
		tc.Status = TaskStatusPending
	}

	pending, err := m.store.ListTasksByStatus(ctx, TaskStatusPending)
	if err != nil {
		return fmt.Errorf("%w: listing pending tasks: %v", ErrDatabase, err)
	}
	pending = append(pending, running...)

	m.logger.Info("recovering unfinished tasks",
		"pending_count", len(pending)-len(running),
		"interrupted_count", len(running))

	for _, tc := range pending {
		if tc.Status != TaskStatusPending {
			continue
		}
		m.mu.Lock()
		if _, exists := m.tasks[tc.ID]; exists {
			m.mu.Unlock()
			continue
		}
		m.mu.Unlock()

		var fn Executable
		if resolve != nil {
			fn, err = resolve(tc)
		}
		if resolve == nil || err != nil || fn == nil {
			msg := fmt.Sprintf("no executable registered for type %q", tc.Definition.Type)
			if err != nil {
				msg = fmt.Sprintf("resolving executable for type %q: %v", tc.Definition.Type, err)
			}
			if uerr := m.store.UpdateTaskStatus(ctx, tc.ID, TaskStatusFailed,
				tc.Progress, tc.RetryCount, "", msg); uerr != nil {
				m.logger.Error("failed to mark unrecoverable task",
					"task_id", tc.ID, "error", uerr)
			}
			m.logger.Warn("recovered task has no executable, marked failed",
				"task_id", tc.ID, "task_type", tc.Definition.Type)
			continue
		}

		m.mu.Lock()
		m.tasks[tc.ID] = &managedTask{tc: tc, fn: fn, stored: true}
		m.mu.Unlock()

		if err := m.queue.Enqueue(tc); err != nil {
			m.logger.Error("failed to requeue recovered task",
				"task_id", tc.ID, "error", err)
		}
	}
	return nil
}

// resultString serializes a task result for durable storage.
func resultString(v any) string {
	switch r := v.(type) {
	case nil:
		return ""
	case string:
		return r
	default:
		b, err := json.Marshal(r)
		if err != nil {
			return fmt.Sprintf("%v", r)
		}
		return string(b)
	}
}
