package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load reads configuration from an optional config file and environment
// variables. Environment variables use the TASKFORGE_ prefix with underscores
// for nesting (e.g. TASKFORGE_QUEUE_MAX_CONCURRENT) and take precedence over
// file values. Returns a populated Config or an error if loading or
// validation fails.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("TASKFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return nil, fmt.Errorf("invalid configuration: %s", strings.Join(fields, ", "))
		}
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.log_level", "info")

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.url", "taskforge.db")
	v.SetDefault("store.retention_hours", 72)

	v.SetDefault("task.default_timeout", "5m")
	v.SetDefault("task.max_retries", 3)
	v.SetDefault("task.retry_delay", "500ms")
	v.SetDefault("task.retry_on_timeout", false)
	v.SetDefault("task.cancel_grace_period", "5s")

	v.SetDefault("queue.max_concurrent", 2)
	v.SetDefault("queue.max_size", 100)
	v.SetDefault("queue.check_interval", "100ms")

	v.SetDefault("monitor.health_check_interval", "30s")
	v.SetDefault("monitor.progress_history_size", 100)
	v.SetDefault("monitor.failed_task_threshold", 10)
	v.SetDefault("monitor.queue_size_warning", 50)
	v.SetDefault("monitor.queue_size_max", 90)
	v.SetDefault("monitor.cpu_warning", 75)
	v.SetDefault("monitor.cpu_max", 90)
	v.SetDefault("monitor.memory_warning", 80)
	v.SetDefault("monitor.memory_max", 95)
	v.SetDefault("monitor.disk_warning", 85)
	v.SetDefault("monitor.disk_max", 95)
	v.SetDefault("monitor.error_rate_warning", 0.1)
	v.SetDefault("monitor.error_rate_max", 0.5)
}
