// Package main implements taskforged, the background task execution daemon.
// It wires configuration, logging, the durable task store, and the engine
// (manager, queue, monitor), then runs until signalled.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/phrazzld/taskforge/internal/config"
	"github.com/phrazzld/taskforge/internal/platform/logger"
	"github.com/phrazzld/taskforge/internal/platform/postgres"
	"github.com/phrazzld/taskforge/internal/platform/sqlite"
	"github.com/phrazzld/taskforge/internal/platform/sysmetrics"
	"github.com/phrazzld/taskforge/internal/task"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalf("taskforged: %v", err)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	appLogger, err := logger.Setup(cfg.Server)
	if err != nil {
		return fmt.Errorf("setting up logger: %w", err)
	}

	db, store, err := openStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("opening task store: %w", err)
	}
	defer db.Close()

	manager := task.NewTaskManager(store, task.TaskManagerConfig{
		DefaultTimeout: cfg.Task.DefaultTimeout,
		Backoff: task.BackoffPolicy{
			Initial:    cfg.Task.RetryDelay,
			Max:        30 * time.Second,
			Multiplier: 2.0,
			Jitter:     0.5,
		},
		RetryOnTimeout:    cfg.Task.RetryOnTimeout,
		CancelGracePeriod: cfg.Task.CancelGracePeriod,
	}, appLogger.With("component", "manager"))

	queue := task.NewTaskQueue(task.TaskQueueConfig{
		MaxSize:       cfg.Queue.MaxSize,
		MaxConcurrent: cfg.Queue.MaxConcurrent,
		CheckInterval: cfg.Queue.CheckInterval,
	}, manager, appLogger.With("component", "queue"))
	manager.AttachQueue(queue)

	monitor := task.NewTaskMonitor(task.TaskMonitorConfig{
		HealthCheckInterval: cfg.Monitor.HealthCheckInterval,
		ProgressHistorySize: cfg.Monitor.ProgressHistorySize,
		Thresholds: task.MonitorThresholds{
			CPUWarning:          cfg.Monitor.CPUWarning,
			CPUMax:              cfg.Monitor.CPUMax,
			MemoryWarning:       cfg.Monitor.MemoryWarning,
			MemoryMax:           cfg.Monitor.MemoryMax,
			DiskWarning:         cfg.Monitor.DiskWarning,
			DiskMax:             cfg.Monitor.DiskMax,
			ErrorRateWarning:    cfg.Monitor.ErrorRateWarning,
			ErrorRateMax:        cfg.Monitor.ErrorRateMax,
			QueueSizeWarning:    cfg.Monitor.QueueSizeWarning,
			QueueSizeMax:        cfg.Monitor.QueueSizeMax,
			FailedTaskThreshold: cfg.Monitor.FailedTaskThreshold,
		},
	}, queue, store, sysmetrics.New(), appLogger.With("component", "monitor"))
	manager.SetObserver(monitor)

	// Re-adopt durable work from a previous run. Task types are registered
	// by embedding applications; the bare daemon fails unknown types
	// durably rather than dropping them.
	if err := manager.Recover(context.Background(), nil); err != nil {
		appLogger.Error("task recovery failed", "error", err)
	}

	queue.Start()
	monitor.Start()

	slog.Info("taskforged started",
		"store_driver", cfg.Store.Driver,
		"max_concurrent", cfg.Queue.MaxConcurrent,
		"queue_size", cfg.Queue.MaxSize)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig.String())

	queue.Stop()
	monitor.Stop()

	if cfg.Store.RetentionHours > 0 {
		retention := time.Duration(cfg.Store.RetentionHours) * time.Hour
		counts, err := store.Cleanup(context.Background(), retention)
		if err != nil {
			appLogger.Error("retention cleanup failed", "error", err)
		} else {
			slog.Info("retention cleanup complete",
				"tasks", counts.Tasks,
				"executions", counts.Executions,
				"metrics", counts.Metrics)
		}
	}

	return nil
}

// openStore opens the configured storage engine and returns the database
// handle alongside the task store bound to it.
func openStore(cfg config.StoreConfig) (*sql.DB, task.TaskStore, error) {
	switch cfg.Driver {
	case "postgres":
		db, err := sql.Open("pgx", cfg.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("opening postgres connection: %w", err)
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("pinging postgres: %w", err)
		}
		if err := postgres.RunMigrations(db); err != nil {
			db.Close()
			return nil, nil, err
		}
		return db, postgres.NewTaskStore(db), nil

	case "sqlite":
		db, err := sqlite.Open(cfg.URL)
		if err != nil {
			return nil, nil, err
		}
		return db, sqlite.NewTaskStore(db), nil

	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
