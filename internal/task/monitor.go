package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// HealthState is the monitor's coarse classification of the engine.
type HealthState string

// Health states, best to worst.
const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// SystemMetrics is one sample of host resource usage.
type SystemMetrics struct {
	CPUPercent    float64
	MemoryPercent float64
	MemoryBytes   uint64
	DiskPercent   float64
	SampledAt     time.Time
}

// SystemProbe samples host resource usage. The gopsutil-backed
// implementation lives in platform/sysmetrics.
type SystemProbe interface {
	Sample(ctx context.Context) (SystemMetrics, error)
}

// QueueStatusProvider exposes the queue view the monitor samples.
// Implemented by TaskQueue.
type QueueStatusProvider interface {
	Status() QueueStatus
}

// MonitorThresholds are the warning and hard-maximum levels the health
// classification compares samples against. Percentages are 0-100; error
// rate is a 0-1 fraction of the trailing outcome window.
type MonitorThresholds struct {
	CPUWarning float64
	CPUMax     float64

	MemoryWarning float64
	MemoryMax     float64

	DiskWarning float64
	DiskMax     float64

	ErrorRateWarning float64
	ErrorRateMax     float64

	QueueSizeWarning int
	QueueSizeMax     int

	// FailedTaskThreshold degrades health once this many failures sit in
	// the trailing outcome window. Zero disables the check.
	FailedTaskThreshold int
}

// DefaultMonitorThresholds returns thresholds suitable for most deployments.
func DefaultMonitorThresholds() MonitorThresholds {
	return MonitorThresholds{
		CPUWarning:          75,
		CPUMax:              90,
		MemoryWarning:       80,
		MemoryMax:           95,
		DiskWarning:         85,
		DiskMax:             95,
		ErrorRateWarning:    0.1,
		ErrorRateMax:        0.5,
		QueueSizeWarning:    50,
		QueueSizeMax:        90,
		FailedTaskThreshold: 10,
	}
}

// TaskMonitorConfig holds configuration for the monitor.
type TaskMonitorConfig struct {
	// HealthCheckInterval is how often the background loop samples.
	HealthCheckInterval time.Duration

	// ProgressHistorySize caps each task's progress ring buffer.
	ProgressHistorySize int

	// PerformanceWindow caps the retained trailing health samples.
	PerformanceWindow int

	// OutcomeWindow caps the trailing terminal-outcome ring used for the
	// error rate.
	OutcomeWindow int

	Thresholds MonitorThresholds
}

// DefaultTaskMonitorConfig returns a TaskMonitorConfig with reasonable defaults.
func DefaultTaskMonitorConfig() TaskMonitorConfig {
	return TaskMonitorConfig{
		HealthCheckInterval: 30 * time.Second,
		ProgressHistorySize: 100,
		PerformanceWindow:   60,
		OutcomeWindow:       100,
		Thresholds:          DefaultMonitorThresholds(),
	}
}

// ProgressUpdate is one entry in a task's bounded progress history.
type ProgressUpdate struct {
	Progress   float64
	Message    string
	Metadata   map[string]string
	RecordedAt time.Time
}

// HealthSample is one tick of the health loop.
type HealthSample struct {
	Status    HealthState
	System    SystemMetrics
	Queue     QueueStatus
	ErrorRate float64
	SampledAt time.Time
}

// MonitoringSummary is the composite snapshot returned by Summary.
type MonitoringSummary struct {
	Health      HealthState
	Queue       QueueStatus
	Statistics  *Statistics
	System      SystemMetrics
	ErrorRate   float64
	Performance []HealthSample
	GeneratedAt time.Time
}

// TaskMonitor continuously aggregates queue, system, and task signals into
// a health classification and keeps bounded per-task progress histories.
// It never mutates task state: store access is read and append-only, and
// monitoring is pull-based with no outbound alerting.
type TaskMonitor struct {
	mu sync.RWMutex

	config TaskMonitorConfig
	queue  QueueStatusProvider
	store  TaskStore
	probe  SystemProbe
	logger *slog.Logger

	progress map[uuid.UUID][]ProgressUpdate
	outcomes []TaskStatus
	perf     []HealthSample
	health   HealthState
	last     HealthSample

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewTaskMonitor creates a monitor over the given queue, store, and probe.
func NewTaskMonitor(
	config TaskMonitorConfig,
	queue QueueStatusProvider,
	store TaskStore,
	probe SystemProbe,
	logger *slog.Logger,
) *TaskMonitor {
	def := DefaultTaskMonitorConfig()
	if config.HealthCheckInterval <= 0 {
		config.HealthCheckInterval = def.HealthCheckInterval
	}
	if config.ProgressHistorySize <= 0 {
		config.ProgressHistorySize = def.ProgressHistorySize
	}
	if config.PerformanceWindow <= 0 {
		config.PerformanceWindow = def.PerformanceWindow
	}
	if config.OutcomeWindow <= 0 {
		config.OutcomeWindow = def.OutcomeWindow
	}

	return &TaskMonitor{
		config:   config,
		queue:    queue,
		store:    store,
		probe:    probe,
		logger:   logger,
		progress: make(map[uuid.UUID][]ProgressUpdate),
		health:   HealthHealthy,
		stop:     make(chan struct{}),
	}
}

// Start launches the background health loop.
func (mon *TaskMonitor) Start() {
	mon.wg.Add(1)
	go mon.loop()
	mon.logger.Info("task monitor started",
		"health_check_interval", mon.config.HealthCheckInterval)
}

// Stop halts the health loop.
func (mon *TaskMonitor) Stop() {
	mon.once.Do(func() { close(mon.stop) })
	mon.wg.Wait()
	mon.logger.Info("task monitor stopped")
}

func (mon *TaskMonitor) loop() {
	defer mon.wg.Done()

	ticker := time.NewTicker(mon.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-mon.stop:
			return
		case <-ticker.C:
			mon.sample(context.Background())
		}
	}
}

// sample takes one health reading and folds it into the trailing window.
func (mon *TaskMonitor) sample(ctx context.Context) HealthSample {
	var sys SystemMetrics
	if mon.probe != nil {
		var err error
		sys, err = mon.probe.Sample(ctx)
		if err != nil {
			mon.logger.Warn("system metrics sample failed", "error", err)
		}
	}

	var qs QueueStatus
	if mon.queue != nil {
		qs = mon.queue.Status()
	}

	rate, failures := mon.errorRate()
	status := mon.classify(sys, qs, rate, failures)

	s := HealthSample{
		Status:    status,
		System:    sys,
		Queue:     qs,
		ErrorRate: rate,
		SampledAt: time.Now().UTC(),
	}

	mon.mu.Lock()
	mon.health = status
	mon.last = s
	mon.perf = append(mon.perf, s)
	if len(mon.perf) > mon.config.PerformanceWindow {
		mon.perf = mon.perf[len(mon.perf)-mon.config.PerformanceWindow:]
	}
	mon.mu.Unlock()

	if status != HealthHealthy {
		mon.logger.Warn("engine health degraded",
			"status", status,
			"cpu_percent", sys.CPUPercent,
			"memory_percent", sys.MemoryPercent,
			"disk_percent", sys.DiskPercent,
			"error_rate", rate,
			"queued", qs.Queued,
			"running", qs.Running)
	}
	return s
}

// classify compares a sample against the configured thresholds. Any hard
// maximum breached yields unhealthy; any warning breached yields degraded.
func (mon *TaskMonitor) classify(
	sys SystemMetrics,
	qs QueueStatus,
	errorRate float64,
	failures int,
) HealthState {
	t := mon.config.Thresholds

	exceeds := func(v, threshold float64) bool {
		return threshold > 0 && v >= threshold
	}

	if exceeds(sys.CPUPercent, t.CPUMax) ||
		exceeds(sys.MemoryPercent, t.MemoryMax) ||
		exceeds(sys.DiskPercent, t.DiskMax) ||
		exceeds(errorRate, t.ErrorRateMax) ||
		(t.QueueSizeMax > 0 && qs.Queued >= t.QueueSizeMax) {
		return HealthUnhealthy
	}

	if exceeds(sys.CPUPercent, t.CPUWarning) ||
		exceeds(sys.MemoryPercent, t.MemoryWarning) ||
		exceeds(sys.DiskPercent, t.DiskWarning) ||
		exceeds(errorRate, t.ErrorRateWarning) ||
		(t.QueueSizeWarning > 0 && qs.Queued >= t.QueueSizeWarning) ||
		(t.FailedTaskThreshold > 0 && failures >= t.FailedTaskThreshold) {
		return HealthDegraded
	}

	return HealthHealthy
}

// errorRate returns the failure fraction and count over the trailing
// outcome window.
func (mon *TaskMonitor) errorRate() (float64, int) {
	mon.mu.RLock()
	defer mon.mu.RUnlock()

	if len(mon.outcomes) == 0 {
		return 0, 0
	}
	failures := 0
	for _, s := range mon.outcomes {
		if s == TaskStatusFailed {
			failures++
		}
	}
	return float64(failures) / float64(len(mon.outcomes)), failures
}

// TaskFinished implements OutcomeObserver. It records the terminal outcome
// in the trailing window; it never touches the task itself.
func (mon *TaskMonitor) TaskFinished(tc *TaskContext) {
	mon.mu.Lock()
	defer mon.mu.Unlock()

	mon.outcomes = append(mon.outcomes, tc.Status)
	if len(mon.outcomes) > mon.config.OutcomeWindow {
		mon.outcomes = mon.outcomes[len(mon.outcomes)-mon.config.OutcomeWindow:]
	}
}

// UpdateTaskProgress appends a progress sample to the task's bounded
// history (oldest dropped first) and mirrors it as an append-only metric.
// Values are clamped so a task's recorded progress never decreases.
func (mon *TaskMonitor) UpdateTaskProgress(
	id uuid.UUID,
	progress float64,
	message string,
	metadata map[string]string,
) {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}

	mon.mu.Lock()
	history := mon.progress[id]
	if n := len(history); n > 0 && progress < history[n-1].Progress {
		progress = history[n-1].Progress
	}
	update := ProgressUpdate{
		Progress:   progress,
		Message:    message,
		Metadata:   metadata,
		RecordedAt: time.Now().UTC(),
	}
	history = append(history, update)
	if len(history) > mon.config.ProgressHistorySize {
		history = history[len(history)-mon.config.ProgressHistorySize:]
	}
	mon.progress[id] = history
	sys := mon.last.System
	mon.mu.Unlock()

	if mon.store != nil {
		metric := TaskMetrics{
			TaskID:      id,
			CPUPercent:  sys.CPUPercent,
			MemoryBytes: sys.MemoryBytes,
			Progress:    progress,
			RecordedAt:  update.RecordedAt,
		}
		if err := mon.store.RecordMetrics(context.Background(), metric); err != nil {
			mon.logger.Error("failed to record task metrics",
				"task_id", id, "error", err)
		}
	}
}

// GetTaskProgress returns the latest progress sample for a task.
func (mon *TaskMonitor) GetTaskProgress(id uuid.UUID) (ProgressUpdate, error) {
	mon.mu.RLock()
	defer mon.mu.RUnlock()

	history := mon.progress[id]
	if len(history) == 0 {
		return ProgressUpdate{}, fmt.Errorf("%w: no progress recorded for %s", ErrTaskNotFound, id)
	}
	return history[len(history)-1], nil
}

// GetTaskProgressHistory returns the retained progress samples for a task,
// oldest first.
func (mon *TaskMonitor) GetTaskProgressHistory(id uuid.UUID) []ProgressUpdate {
	mon.mu.RLock()
	defer mon.mu.RUnlock()

	history := mon.progress[id]
	out := make([]ProgressUpdate, len(history))
	copy(out, history)
	return out
}

// HealthStatus returns the most recent classification. Pull-based: the
// monitor emits no alerts of its own.
func (mon *TaskMonitor) HealthStatus() HealthState {
	mon.mu.RLock()
	defer mon.mu.RUnlock()
	return mon.health
}

// Summary builds the composite monitoring snapshot. Store failures surface
// as ErrDatabase; the rest of the summary is still returned.
func (mon *TaskMonitor) Summary(ctx context.Context) (*MonitoringSummary, error) {
	var stats *Statistics
	var statsErr error
	if mon.store != nil {
		stats, statsErr = mon.store.GetStatistics(ctx)
		if statsErr != nil {
			statsErr = fmt.Errorf("%w: %v", ErrDatabase, statsErr)
			mon.logger.Error("failed to load task statistics", "error", statsErr)
		}
	}

	mon.mu.RLock()
	perf := make([]HealthSample, len(mon.perf))
	copy(perf, mon.perf)
	summary := &MonitoringSummary{
		Health:      mon.health,
		Queue:       mon.last.Queue,
		Statistics:  stats,
		System:      mon.last.System,
		ErrorRate:   mon.last.ErrorRate,
		Performance: perf,
		GeneratedAt: time.Now().UTC(),
	}
	mon.mu.RUnlock()

	return summary, statsErr
}
