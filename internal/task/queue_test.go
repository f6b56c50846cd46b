package task

import (
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
}

// recordingExecutor captures dispatch order for queue tests.
type recordingExecutor struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (e *recordingExecutor) Execute(id uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ids = append(e.ids, id)
}

func (e *recordingExecutor) executed() []uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]uuid.UUID, len(e.ids))
	copy(out, e.ids)
	return out
}

func pendingContext(name string, priority TaskPriority) *TaskContext {
	return &TaskContext{
		ID: uuid.New(),
		Definition: Definition{
			Name:     name,
			Type:     "test",
			Priority: priority,
			Timeout:  time.Minute,
		},
		Status:    TaskStatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	q := NewTaskQueue(TaskQueueConfig{MaxSize: 2, MaxConcurrent: 1, CheckInterval: time.Hour},
		&recordingExecutor{}, setupTestLogger())

	require.NoError(t, q.Enqueue(pendingContext("a", PriorityNormal)))
	require.NoError(t, q.Enqueue(pendingContext("b", PriorityNormal)))

	rejected := pendingContext("c", PriorityNormal)
	err := q.Enqueue(rejected)
	assert.ErrorIs(t, err, ErrQueueFull)

	// The rejected task is not silently discarded: its record is untouched.
	assert.Equal(t, TaskStatusPending, rejected.Status)
	assert.Equal(t, 2, q.Status().Queued)
}

func TestEnqueueRejectsNonPending(t *testing.T) {
	q := NewTaskQueue(TaskQueueConfig{MaxSize: 10, MaxConcurrent: 1, CheckInterval: time.Hour},
		&recordingExecutor{}, setupTestLogger())

	tc := pendingContext("done", PriorityNormal)
	tc.Status = TaskStatusCompleted
	assert.ErrorIs(t, q.Enqueue(tc), ErrValidation)
}

func TestEnqueueRejectsDuplicate(t *testing.T) {
	q := NewTaskQueue(TaskQueueConfig{MaxSize: 10, MaxConcurrent: 1, CheckInterval: time.Hour},
		&recordingExecutor{}, setupTestLogger())

	tc := pendingContext("dup", PriorityNormal)
	require.NoError(t, q.Enqueue(tc))
	assert.ErrorIs(t, q.Enqueue(tc), ErrValidation)
}

func TestEnqueueAfterStopReturnsClosed(t *testing.T) {
	q := NewTaskQueue(TaskQueueConfig{MaxSize: 10, MaxConcurrent: 1, CheckInterval: time.Millisecond},
		&recordingExecutor{}, setupTestLogger())
	q.Start()
	q.Stop()

	assert.ErrorIs(t, q.Enqueue(pendingContext("late", PriorityNormal)), ErrQueueClosed)
}

func TestSnapshotOrdersByPriorityThenFIFO(t *testing.T) {
	q := NewTaskQueue(TaskQueueConfig{MaxSize: 10, MaxConcurrent: 1, CheckInterval: time.Hour},
		&recordingExecutor{}, setupTestLogger())

	low := pendingContext("low", PriorityLow)
	normalFirst := pendingContext("normal-1", PriorityNormal)
	normalSecond := pendingContext("normal-2", PriorityNormal)
	critical := pendingContext("critical", PriorityCritical)

	require.NoError(t, q.Enqueue(low))
	require.NoError(t, q.Enqueue(normalFirst))
	require.NoError(t, q.Enqueue(normalSecond))
	require.NoError(t, q.Enqueue(critical))

	entries := q.Snapshot(0)
	require.Len(t, entries, 4)
	assert.Equal(t, critical.ID, entries[0].TaskID)
	assert.Equal(t, normalFirst.ID, entries[1].TaskID)
	assert.Equal(t, normalSecond.ID, entries[2].TaskID)
	assert.Equal(t, low.ID, entries[3].TaskID)

	// Snapshot never mutates the queue.
	assert.Equal(t, 4, q.Status().Queued)

	limited := q.Snapshot(2)
	require.Len(t, limited, 2)
	assert.Equal(t, critical.ID, limited[0].TaskID)
}

func TestDispatchOrderPriorityBeatsEnqueueOrder(t *testing.T) {
	exec := &recordingExecutor{}
	q := NewTaskQueue(TaskQueueConfig{MaxSize: 10, MaxConcurrent: 1, CheckInterval: 5 * time.Millisecond},
		exec, setupTestLogger())

	low := pendingContext("low", PriorityLow)
	critical := pendingContext("critical", PriorityCritical)

	// LOW is enqueued strictly before CRITICAL, but CRITICAL dispatches first.
	require.NoError(t, q.Enqueue(low))
	require.NoError(t, q.Enqueue(critical))

	q.Start()
	defer q.Stop()

	assert.Eventually(t, func() bool {
		return len(exec.executed()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	ids := exec.executed()
	assert.Equal(t, critical.ID, ids[0])
	assert.Equal(t, low.ID, ids[1])
}

func TestRemoveAfterSnapshot(t *testing.T) {
	q := NewTaskQueue(TaskQueueConfig{MaxSize: 10, MaxConcurrent: 1, CheckInterval: time.Hour},
		&recordingExecutor{}, setupTestLogger())

	first := pendingContext("first", PriorityNormal)
	second := pendingContext("second", PriorityNormal)
	require.NoError(t, q.Enqueue(first))
	require.NoError(t, q.Enqueue(second))

	// A snapshot must leave the live heap fully intact, including the
	// bookkeeping Remove relies on for the cancellation path.
	require.Len(t, q.Snapshot(0), 2)

	assert.NotPanics(t, func() {
		assert.True(t, q.Remove(first.ID))
	})

	entries := q.Snapshot(0)
	require.Len(t, entries, 1)
	assert.Equal(t, second.ID, entries[0].TaskID)
}

func TestRemoveDropsQueuedTask(t *testing.T) {
	q := NewTaskQueue(TaskQueueConfig{MaxSize: 10, MaxConcurrent: 1, CheckInterval: time.Hour},
		&recordingExecutor{}, setupTestLogger())

	keep := pendingContext("keep", PriorityNormal)
	drop := pendingContext("drop", PriorityNormal)
	require.NoError(t, q.Enqueue(keep))
	require.NoError(t, q.Enqueue(drop))

	assert.True(t, q.Remove(drop.ID))
	assert.False(t, q.Remove(drop.ID))

	entries := q.Snapshot(0)
	require.Len(t, entries, 1)
	assert.Equal(t, keep.ID, entries[0].TaskID)
}

func TestQueueStatusStates(t *testing.T) {
	q := NewTaskQueue(TaskQueueConfig{MaxSize: 10, MaxConcurrent: 2, CheckInterval: time.Hour},
		&recordingExecutor{}, setupTestLogger())

	assert.Equal(t, QueueStateIdle, q.Status().State)

	require.NoError(t, q.Enqueue(pendingContext("a", PriorityNormal)))
	status := q.Status()
	assert.Equal(t, QueueStateProcessing, status.State)
	assert.Equal(t, 1, status.Queued)
	assert.Equal(t, 0, status.Running)
}

// blockingExecutor holds tasks until released, to observe running counts.
type blockingExecutor struct {
	started chan uuid.UUID
	release chan struct{}
}

func (e *blockingExecutor) Execute(id uuid.UUID) {
	e.started <- id
	<-e.release
}

func TestConcurrencyCapNeverExceeded(t *testing.T) {
	exec := &blockingExecutor{
		started: make(chan uuid.UUID, 10),
		release: make(chan struct{}),
	}
	q := NewTaskQueue(TaskQueueConfig{MaxSize: 10, MaxConcurrent: 2, CheckInterval: 5 * time.Millisecond},
		exec, setupTestLogger())

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(pendingContext("task", PriorityNormal)))
	}

	q.Start()

	// Exactly two tasks start; the cap holds while they block.
	<-exec.started
	<-exec.started
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, q.Status().Running)
	assert.Equal(t, 3, q.Status().Queued)
	select {
	case id := <-exec.started:
		t.Fatalf("third task %s started beyond the concurrency cap", id)
	default:
	}

	close(exec.release)
	assert.Eventually(t, func() bool {
		status := q.Status()
		return status.Queued == 0 && status.Running == 0
	}, 2*time.Second, 5*time.Millisecond)

	q.Stop()
}
