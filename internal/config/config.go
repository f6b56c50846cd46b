package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server  ServerConfig  `mapstructure:"server" validate:"required"`
	Store   StoreConfig   `mapstructure:"store" validate:"required"`
	Task    TaskConfig    `mapstructure:"task" validate:"required"`
	Queue   QueueConfig   `mapstructure:"queue" validate:"required"`
	Monitor MonitorConfig `mapstructure:"monitor" validate:"required"`
}

// ServerConfig contains process-level settings.
type ServerConfig struct {
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// StoreConfig selects and configures the durable task store.
type StoreConfig struct {
	// Driver picks the storage engine.
	Driver string `mapstructure:"driver" validate:"required,oneof=postgres sqlite"`

	// URL is the connection string (postgres) or database path (sqlite).
	URL string `mapstructure:"url" validate:"required"`

	// RetentionHours is how long terminal task records are kept before a
	// cleanup sweep may purge them. Zero disables cleanup.
	RetentionHours int `mapstructure:"retention_hours" validate:"gte=0"`
}

// TaskConfig contains execution-wrapper settings.
type TaskConfig struct {
	// DefaultTimeout bounds attempts for definitions without a timeout.
	DefaultTimeout time.Duration `mapstructure:"default_timeout" validate:"required,gt=0"`

	// MaxRetries is the default retry budget for submitted definitions
	// that leave it unset at the submission surface.
	MaxRetries int `mapstructure:"max_retries" validate:"gte=0"`

	// RetryDelay is the initial backoff delay; it grows exponentially
	// with jitter on subsequent retries.
	RetryDelay time.Duration `mapstructure:"retry_delay" validate:"required,gt=0"`

	// RetryOnTimeout opts timed-out attempts into the retry budget.
	RetryOnTimeout bool `mapstructure:"retry_on_timeout"`

	// CancelGracePeriod is how long the engine waits for an executable to
	// observe a cancellation or timeout signal.
	CancelGracePeriod time.Duration `mapstructure:"cancel_grace_period" validate:"required,gt=0"`
}

// QueueConfig contains admission and dispatch settings.
type QueueConfig struct {
	// MaxConcurrent is the hard cap on simultaneously running tasks.
	MaxConcurrent int `mapstructure:"max_concurrent" validate:"required,gt=0"`

	// MaxSize bounds the number of queued tasks.
	MaxSize int `mapstructure:"max_size" validate:"required,gt=0"`

	// CheckInterval is the dispatch loop tick.
	CheckInterval time.Duration `mapstructure:"check_interval" validate:"required,gt=0"`
}

// MonitorConfig contains health-classification settings.
type MonitorConfig struct {
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval" validate:"required,gt=0"`
	ProgressHistorySize int           `mapstructure:"progress_history_size" validate:"required,gt=0"`
	FailedTaskThreshold int           `mapstructure:"failed_task_threshold" validate:"gte=0"`

	QueueSizeWarning int `mapstructure:"queue_size_warning" validate:"gte=0"`
	QueueSizeMax     int `mapstructure:"queue_size_max" validate:"gte=0"`

	CPUWarning float64 `mapstructure:"cpu_warning" validate:"gte=0,lte=100"`
	CPUMax     float64 `mapstructure:"cpu_max" validate:"gte=0,lte=100"`

	MemoryWarning float64 `mapstructure:"memory_warning" validate:"gte=0,lte=100"`
	MemoryMax     float64 `mapstructure:"memory_max" validate:"gte=0,lte=100"`

	DiskWarning float64 `mapstructure:"disk_warning" validate:"gte=0,lte=100"`
	DiskMax     float64 `mapstructure:"disk_max" validate:"gte=0,lte=100"`

	ErrorRateWarning float64 `mapstructure:"error_rate_warning" validate:"gte=0,lte=1"`
	ErrorRateMax     float64 `mapstructure:"error_rate_max" validate:"gte=0,lte=1"`
}
