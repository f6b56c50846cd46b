package task

import (
	"container/heap"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// QueueState describes what the dispatch loop is currently doing.
type QueueState string

// Queue states reported by Status.
const (
	QueueStateIdle       QueueState = "idle"
	QueueStateProcessing QueueState = "processing"
)

// QueueStatus is a point-in-time view of the queue and worker pool.
type QueueStatus struct {
	State   QueueState
	Queued  int
	Running int
}

// QueueEntry is a read-only view of one pending task, used for
// introspection and testing. Taking a snapshot never mutates the queue.
type QueueEntry struct {
	TaskID     uuid.UUID
	Name       string
	Type       string
	Priority   TaskPriority
	EnqueuedAt time.Time
}

// Executor receives dispatched tasks. Implemented by TaskManager.
type Executor interface {
	// Execute runs the task's execution wrapper. It is invoked on a worker
	// goroutine that already holds a concurrency slot and returns when the
	// task reaches a terminal status or yields for retry-free completion.
	Execute(id uuid.UUID)
}

// TaskQueueConfig holds configuration for the queue and its dispatch loop.
type TaskQueueConfig struct {
	// MaxSize bounds how many tasks may wait in the queue.
	MaxSize int

	// MaxConcurrent is the hard cap on simultaneously running tasks.
	MaxConcurrent int

	// CheckInterval is how often the dispatch loop looks for free slots.
	CheckInterval time.Duration
}

// DefaultTaskQueueConfig returns a TaskQueueConfig with reasonable defaults.
func DefaultTaskQueueConfig() TaskQueueConfig {
	return TaskQueueConfig{
		MaxSize:       100,
		MaxConcurrent: 2,
		CheckInterval: 100 * time.Millisecond,
	}
}

// queueItem is a task while it waits in the queue. It exists only between
// enqueue and dispatch or removal.
type queueItem struct {
	id         uuid.UUID
	name       string
	taskType   string
	priority   TaskPriority
	enqueuedAt time.Time
	seq        uint64
	index      int
}

// taskHeap orders items by priority descending, then enqueue time
// ascending, then insertion sequence ascending as the final tie-break.
type taskHeap []*queueItem

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	if !h[i].enqueuedAt.Equal(h[j].enqueuedAt) {
		return h[i].enqueuedAt.Before(h[j].enqueuedAt)
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// TaskQueue is a bounded, priority-ordered queue with a dispatch loop that
// enforces the concurrency cap. Slots are acquired before a worker
// goroutine starts, so the cap is never exceeded even transiently.
type TaskQueue struct {
	mu     sync.Mutex
	items  taskHeap
	byID   map[uuid.UUID]*queueItem
	seq    uint64
	closed bool

	config   TaskQueueConfig
	executor Executor
	logger   *slog.Logger

	slots chan struct{}
	stop  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

// NewTaskQueue creates a queue dispatching to the given executor.
func NewTaskQueue(config TaskQueueConfig, executor Executor, logger *slog.Logger) *TaskQueue {
	if config.MaxSize <= 0 {
		config.MaxSize = DefaultTaskQueueConfig().MaxSize
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = DefaultTaskQueueConfig().MaxConcurrent
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = DefaultTaskQueueConfig().CheckInterval
	}

	return &TaskQueue{
		items:    taskHeap{},
		byID:     make(map[uuid.UUID]*queueItem),
		config:   config,
		executor: executor,
		logger:   logger,
		slots:    make(chan struct{}, config.MaxConcurrent),
		stop:     make(chan struct{}),
	}
}

// Enqueue admits a pending task into the queue. It returns ErrQueueFull
// when the queue is at capacity; the task record remains pending and
// unqueued, never silently discarded.
func (q *TaskQueue) Enqueue(tc *TaskContext) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if tc.Status != TaskStatusPending {
		return fmt.Errorf("%w: task %s is %s, only pending tasks can be queued",
			ErrValidation, tc.ID, tc.Status)
	}
	if _, exists := q.byID[tc.ID]; exists {
		return fmt.Errorf("%w: task %s is already queued", ErrValidation, tc.ID)
	}
	if len(q.items) >= q.config.MaxSize {
		return fmt.Errorf("%w: queue capacity %d reached", ErrQueueFull, q.config.MaxSize)
	}

	q.seq++
	item := &queueItem{
		id:         tc.ID,
		name:       tc.Definition.Name,
		taskType:   tc.Definition.Type,
		priority:   tc.Definition.Priority,
		enqueuedAt: time.Now().UTC(),
		seq:        q.seq,
	}
	heap.Push(&q.items, item)
	q.byID[tc.ID] = item

	q.logger.Debug("task enqueued",
		"task_id", tc.ID,
		"task_type", item.taskType,
		"priority", item.priority.String(),
		"queue_len", len(q.items),
		"queue_cap", q.config.MaxSize)
	return nil
}

// Remove deletes a pending task from the queue, typically on cancellation.
// Returns false if the task is not queued.
func (q *TaskQueue) Remove(id uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.items, item.index)
	delete(q.byID, id)
	return true
}

// Status reports queue length, running count, and the derived state.
func (q *TaskQueue) Status() QueueStatus {
	q.mu.Lock()
	queued := len(q.items)
	q.mu.Unlock()

	running := len(q.slots)
	state := QueueStateIdle
	if queued > 0 || running > 0 {
		state = QueueStateProcessing
	}
	return QueueStatus{State: state, Queued: queued, Running: running}
}

// Snapshot returns up to limit pending tasks in dispatch order without
// mutating the queue. A non-positive limit returns all entries.
func (q *TaskQueue) Snapshot(limit int) []QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Pop value copies down to produce strict dispatch order. The copies
	// keep the live items' heap indexes untouched, so a later Remove still
	// finds every item where the real heap left it.
	tmp := make(taskHeap, len(q.items))
	for i, item := range q.items {
		cp := *item
		tmp[i] = &cp
	}

	if limit <= 0 || limit > len(tmp) {
		limit = len(tmp)
	}
	entries := make([]QueueEntry, 0, limit)
	for len(entries) < limit {
		item := heap.Pop(&tmp).(*queueItem)
		entries = append(entries, QueueEntry{
			TaskID:     item.id,
			Name:       item.name,
			Type:       item.taskType,
			Priority:   item.priority,
			EnqueuedAt: item.enqueuedAt,
		})
	}
	return entries
}

// Start launches the dispatch loop.
func (q *TaskQueue) Start() {
	q.wg.Add(1)
	go q.dispatchLoop()
	q.logger.Info("task queue started",
		"max_concurrent", q.config.MaxConcurrent,
		"max_size", q.config.MaxSize,
		"check_interval", q.config.CheckInterval)
}

// Stop closes the queue to new submissions, halts dispatching, and waits
// for in-flight tasks to finish.
func (q *TaskQueue) Stop() {
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		close(q.stop)
	})
	q.wg.Wait()
	q.logger.Info("task queue stopped")
}

// dispatchLoop ticks at the configured interval, pulling ready tasks while
// worker slots are free.
func (q *TaskQueue) dispatchLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			q.dispatchReady()
		}
	}
}

// dispatchReady hands queued tasks to workers until either the queue
// drains or no slot is free. A slot is held before the pop, so a popped
// task always has a worker.
func (q *TaskQueue) dispatchReady() {
	for {
		select {
		case q.slots <- struct{}{}:
		default:
			return
		}

		item, ok := q.popNext()
		if !ok {
			<-q.slots
			return
		}

		q.wg.Add(1)
		go func(id uuid.UUID) {
			defer q.wg.Done()
			defer func() { <-q.slots }()
			q.executor.Execute(id)
		}(item.id)
	}
}

func (q *TaskQueue) popNext() (*queueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	item := heap.Pop(&q.items).(*queueItem)
	delete(q.byID, item.id)
	return item, true
}
