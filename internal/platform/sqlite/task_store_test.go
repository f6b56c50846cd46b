package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/taskforge/internal/store"
	"github.com/phrazzld/taskforge/internal/task"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTask(name string, status task.TaskStatus) *task.TaskContext {
	return &task.TaskContext{
		ID: uuid.New(),
		Definition: task.Definition{
			Name:       name,
			Type:       "export",
			Priority:   task.PriorityNormal,
			MaxRetries: 2,
			Timeout:    time.Minute,
			Metadata:   map[string]string{"tenant": "acme"},
		},
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}
}

func TestTaskRoundTrip(t *testing.T) {
	s := NewTaskStore(setupTestDB(t))
	ctx := context.Background()

	tc := newTask("monthly-export", task.TaskStatusPending)
	require.NoError(t, s.CreateTask(ctx, tc))

	got, err := s.GetTask(ctx, tc.ID)
	require.NoError(t, err)
	assert.Equal(t, tc.ID, got.ID)
	assert.Equal(t, "monthly-export", got.Definition.Name)
	assert.Equal(t, "export", got.Definition.Type)
	assert.Equal(t, task.PriorityNormal, got.Definition.Priority)
	assert.Equal(t, 2, got.Definition.MaxRetries)
	assert.Equal(t, time.Minute, got.Definition.Timeout)
	assert.Equal(t, map[string]string{"tenant": "acme"}, got.Definition.Metadata)
	assert.Equal(t, task.TaskStatusPending, got.Status)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
}

func TestGetTaskNotFound(t *testing.T) {
	s := NewTaskStore(setupTestDB(t))
	_, err := s.GetTask(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
	assert.True(t, store.IsNotFoundError(err))
}

func TestUpdateTaskStatusLifecycle(t *testing.T) {
	s := NewTaskStore(setupTestDB(t))
	ctx := context.Background()

	tc := newTask("ingest", task.TaskStatusPending)
	require.NoError(t, s.CreateTask(ctx, tc))

	// Entering running stamps started_at exactly once.
	require.NoError(t, s.UpdateTaskStatus(ctx, tc.ID, task.TaskStatusRunning, 0, 0, "", ""))
	got, err := s.GetTask(ctx, tc.ID)
	require.NoError(t, err)
	assert.Equal(t, task.TaskStatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
	firstStart := *got.StartedAt

	// A retry self-loop keeps started_at and bumps the counter.
	require.NoError(t, s.UpdateTaskStatus(ctx, tc.ID, task.TaskStatusRunning, 0.3, 1, "", ""))
	got, err = s.GetTask(ctx, tc.ID)
	require.NoError(t, err)
	assert.Equal(t, firstStart, *got.StartedAt)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, 0.3, got.Progress)

	// The terminal transition stamps completed_at and stores the result.
	require.NoError(t, s.UpdateTaskStatus(ctx, tc.ID, task.TaskStatusCompleted, 1, 1, `{"rows":42}`, ""))
	got, err = s.GetTask(ctx, tc.ID)
	require.NoError(t, err)
	assert.Equal(t, task.TaskStatusCompleted, got.Status)
	assert.Equal(t, `{"rows":42}`, got.Result)
	require.NotNil(t, got.CompletedAt)
}

func TestUpdateUnknownTaskIsNoop(t *testing.T) {
	s := NewTaskStore(setupTestDB(t))
	err := s.UpdateTaskStatus(context.Background(), uuid.New(),
		task.TaskStatusRunning, 0, 0, "", "")
	assert.NoError(t, err)
}

func TestListTasksByStatus(t *testing.T) {
	s := NewTaskStore(setupTestDB(t))
	ctx := context.Background()

	first := newTask("first", task.TaskStatusPending)
	first.CreatedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, s.CreateTask(ctx, first))

	second := newTask("second", task.TaskStatusPending)
	require.NoError(t, s.CreateTask(ctx, second))

	done := newTask("done", task.TaskStatusCompleted)
	require.NoError(t, s.CreateTask(ctx, done))

	pending, err := s.ListTasksByStatus(ctx, task.TaskStatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	// Oldest first.
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, second.ID, pending[1].ID)

	running, err := s.ListTasksByStatus(ctx, task.TaskStatusRunning)
	require.NoError(t, err)
	assert.Empty(t, running)
}

func TestGetStatistics(t *testing.T) {
	s := NewTaskStore(setupTestDB(t))
	ctx := context.Background()

	for _, status := range []task.TaskStatus{
		task.TaskStatusPending,
		task.TaskStatusPending,
		task.TaskStatusCompleted,
		task.TaskStatusFailed,
	} {
		require.NoError(t, s.CreateTask(ctx, newTask("t", status)))
	}

	stats, err := s.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.StatusCounts[task.TaskStatusPending])
	assert.Equal(t, 1, stats.StatusCounts[task.TaskStatusCompleted])
	assert.Equal(t, 1, stats.StatusCounts[task.TaskStatusFailed])
	assert.Equal(t, 4, stats.TypeCounts["export"])
}

func TestRecordExecutionAndMetrics(t *testing.T) {
	db := setupTestDB(t)
	s := NewTaskStore(db)
	ctx := context.Background()

	tc := newTask("audited", task.TaskStatusPending)
	require.NoError(t, s.CreateTask(ctx, tc))

	require.NoError(t, s.RecordExecution(ctx, task.TaskExecution{
		TaskID:    tc.ID,
		Attempt:   1,
		Status:    task.TaskStatusFailed,
		StartedAt: time.Now().UTC(),
		Duration:  120 * time.Millisecond,
	}))
	require.NoError(t, s.RecordMetrics(ctx, task.TaskMetrics{
		TaskID:      tc.ID,
		CPUPercent:  33.4,
		MemoryBytes: 1 << 20,
		Progress:    0.5,
		Custom:      map[string]float64{"rows_seen": 1200},
		RecordedAt:  time.Now().UTC(),
	}))

	var execCount, metricCount int
	require.NoError(t, db.QueryRow(
		`SELECT COUNT(*) FROM task_executions WHERE task_id = ?`, tc.ID.String(),
	).Scan(&execCount))
	require.NoError(t, db.QueryRow(
		`SELECT COUNT(*) FROM task_metrics WHERE task_id = ?`, tc.ID.String(),
	).Scan(&metricCount))
	assert.Equal(t, 1, execCount)
	assert.Equal(t, 1, metricCount)
}

func TestCleanupSweepsOnlyOldTerminalTasks(t *testing.T) {
	db := setupTestDB(t)
	s := NewTaskStore(db)
	ctx := context.Background()

	oldDone := newTask("old-done", task.TaskStatusCompleted)
	oldFailed := newTask("old-failed", task.TaskStatusFailed)
	freshDone := newTask("fresh-done", task.TaskStatusCompleted)
	pending := newTask("pending", task.TaskStatusPending)
	running := newTask("running", task.TaskStatusRunning)

	for _, tc := range []*task.TaskContext{oldDone, oldFailed, freshDone, pending, running} {
		require.NoError(t, s.CreateTask(ctx, tc))
	}

	require.NoError(t, s.RecordExecution(ctx, task.TaskExecution{
		TaskID: oldDone.ID, Attempt: 1, Status: task.TaskStatusCompleted,
		StartedAt: time.Now().UTC(), Duration: time.Second,
	}))
	require.NoError(t, s.RecordMetrics(ctx, task.TaskMetrics{
		TaskID: oldDone.ID, Progress: 1, RecordedAt: time.Now().UTC(),
	}))

	// Age the terminal rows past the retention window. Pending and running
	// rows are aged too: cleanup must still never touch them.
	aged := time.Now().UTC().Add(-48 * time.Hour).UnixNano()
	for _, tc := range []*task.TaskContext{oldDone, oldFailed, pending, running} {
		_, err := db.Exec(
			`UPDATE tasks SET created_at = ?, completed_at = CASE WHEN completed_at IS NOT NULL THEN ? ELSE completed_at END WHERE id = ?`,
			aged, aged, tc.ID.String())
		require.NoError(t, err)
	}
	_, err := db.Exec(`UPDATE tasks SET completed_at = ? WHERE id = ?`, aged, oldDone.ID.String())
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE tasks SET completed_at = ? WHERE id = ?`, aged, oldFailed.ID.String())
	require.NoError(t, err)

	counts, err := s.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Tasks)
	assert.Equal(t, int64(1), counts.Executions)
	assert.Equal(t, int64(1), counts.Metrics)

	_, err = s.GetTask(ctx, oldDone.ID)
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
	_, err = s.GetTask(ctx, oldFailed.ID)
	assert.ErrorIs(t, err, store.ErrTaskNotFound)

	// Active and recent rows survive regardless of age.
	for _, tc := range []*task.TaskContext{freshDone, pending, running} {
		_, err := s.GetTask(ctx, tc.ID)
		assert.NoError(t, err)
	}
}
