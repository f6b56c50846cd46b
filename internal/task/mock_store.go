package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockTaskStore implements the TaskStore interface in memory for testing.
// Individual operations can be overridden through the Fn fields.
type MockTaskStore struct {
	mutex      sync.RWMutex
	tasks      map[uuid.UUID]*TaskContext
	executions []TaskExecution
	metrics    []TaskMetrics

	CreateFn       func(ctx context.Context, tc *TaskContext) error
	UpdateStatusFn func(ctx context.Context, id uuid.UUID, status TaskStatus, progress float64, retryCount int, result, message string) error
	StatisticsFn   func(ctx context.Context) (*Statistics, error)
}

// NewMockTaskStore creates a MockTaskStore with default in-memory behavior.
func NewMockTaskStore() *MockTaskStore {
	return &MockTaskStore{
		tasks: make(map[uuid.UUID]*TaskContext),
	}
}

// CreateTask stores a copy of the task record.
func (s *MockTaskStore) CreateTask(ctx context.Context, tc *TaskContext) error {
	if s.CreateFn != nil {
		return s.CreateFn(ctx, tc)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.tasks[tc.ID] = tc.snapshot()
	return nil
}

// UpdateTaskStatus updates a stored record; unknown ids are a no-op.
func (s *MockTaskStore) UpdateTaskStatus(
	ctx context.Context,
	id uuid.UUID,
	status TaskStatus,
	progress float64,
	retryCount int,
	result, message string,
) error {
	if s.UpdateStatusFn != nil {
		return s.UpdateStatusFn(ctx, id, status, progress, retryCount, result, message)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	tc, exists := s.tasks[id]
	if !exists {
		return nil
	}
	tc.Status = status
	tc.Progress = progress
	tc.RetryCount = retryCount
	tc.Result = result
	tc.Error = message
	if status.IsTerminal() && tc.CompletedAt == nil {
		now := time.Now().UTC()
		tc.CompletedAt = &now
	}
	return nil
}

// RecordExecution appends the audit row.
func (s *MockTaskStore) RecordExecution(ctx context.Context, exec TaskExecution) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.executions = append(s.executions, exec)
	return nil
}

// RecordMetrics appends the sample.
func (s *MockTaskStore) RecordMetrics(ctx context.Context, m TaskMetrics) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.metrics = append(s.metrics, m)
	return nil
}

// GetTask returns a copy of the stored record.
func (s *MockTaskStore) GetTask(ctx context.Context, id uuid.UUID) (*TaskContext, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	tc, exists := s.tasks[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return tc.snapshot(), nil
}

// ListTasksByStatus returns copies of records with the given status.
func (s *MockTaskStore) ListTasksByStatus(ctx context.Context, status TaskStatus) ([]*TaskContext, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var out []*TaskContext
	for _, tc := range s.tasks {
		if tc.Status == status {
			out = append(out, tc.snapshot())
		}
	}
	return out, nil
}

// GetStatistics aggregates the stored records.
func (s *MockTaskStore) GetStatistics(ctx context.Context) (*Statistics, error) {
	if s.StatisticsFn != nil {
		return s.StatisticsFn(ctx)
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	stats := &Statistics{
		StatusCounts: make(map[TaskStatus]int),
		TypeCounts:   make(map[string]int),
	}
	for _, tc := range s.tasks {
		stats.StatusCounts[tc.Status]++
		stats.TypeCounts[tc.Definition.Type]++
	}
	return stats, nil
}

// Cleanup removes terminal records older than the retention window, along
// with their executions and metrics.
func (s *MockTaskStore) Cleanup(ctx context.Context, retention time.Duration) (CleanupCounts, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	cutoff := time.Now().UTC().Add(-retention)
	var counts CleanupCounts
	removed := make(map[uuid.UUID]bool)

	for id, tc := range s.tasks {
		if !tc.Status.IsTerminal() {
			continue
		}
		reference := tc.CreatedAt
		if tc.CompletedAt != nil {
			reference = *tc.CompletedAt
		}
		if reference.Before(cutoff) {
			delete(s.tasks, id)
			removed[id] = true
			counts.Tasks++
		}
	}

	var execs []TaskExecution
	for _, e := range s.executions {
		if removed[e.TaskID] {
			counts.Executions++
			continue
		}
		execs = append(execs, e)
	}
	s.executions = execs

	var mets []TaskMetrics
	for _, m := range s.metrics {
		if removed[m.TaskID] {
			counts.Metrics++
			continue
		}
		mets = append(mets, m)
	}
	s.metrics = mets

	return counts, nil
}

// Executions returns a copy of the recorded audit rows.
func (s *MockTaskStore) Executions() []TaskExecution {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	out := make([]TaskExecution, len(s.executions))
	copy(out, s.executions)
	return out
}

// Metrics returns a copy of the recorded samples.
func (s *MockTaskStore) Metrics() []TaskMetrics {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	out := make([]TaskMetrics, len(s.metrics))
	copy(out, s.metrics)
	return out
}
