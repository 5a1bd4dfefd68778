// Package config loads engine configuration via viper (env vars plus an
// optional YAML file). CLI flag
// parsing is out of scope for this core — this is a
// config loader only, not a command tree.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the typed engine configuration.
type Config struct {
	Pool      PoolConfig      `mapstructure:"pool"`
	IPC       IPCConfig       `mapstructure:"ipc"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
}

type PoolConfig struct {
	WorkerCount         int           `mapstructure:"worker_count"`
	MaxPending          int           `mapstructure:"max_pending"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	HealthCheckTimeout  time.Duration `mapstructure:"health_check_timeout"`
	RestartOnCrash      bool          `mapstructure:"restart_on_crash"`
	MaxRestartDelay     time.Duration `mapstructure:"max_restart_delay"`
	MaxRestartAttempts  int           `mapstructure:"max_restart_attempts"`
	RestartWindow       time.Duration `mapstructure:"restart_window"`
	ForceKillTimeout    time.Duration `mapstructure:"force_kill_timeout"`
	WorkerExecutable    string        `mapstructure:"worker_executable"`
}

type IPCConfig struct {
	MaxFrameBytes uint32 `mapstructure:"max_frame_bytes"`
}

type QueueConfig struct {
	BatchSize            int           `mapstructure:"batch_size"`
	RetryDelaySeconds    int           `mapstructure:"retry_delay_seconds"`
	MaxRetryDelaySeconds int           `mapstructure:"max_retry_delay_seconds"`
	OrphanTimeout        time.Duration `mapstructure:"orphan_timeout"`
	DispatchTickInterval time.Duration `mapstructure:"dispatch_tick_interval"`
	ExecutionTimeout     time.Duration `mapstructure:"execution_timeout"`
	// DefaultMaxRetries is the retry budget a cron-scheduled Job is given.
	// Schedule has no per-schedule override, so this is the single knob.
	DefaultMaxRetries int `mapstructure:"default_max_retries"`
}

type SchedulerConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
}

type DeliveryConfig struct {
	MaxBatchSize   int           `mapstructure:"max_batch_size"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	FlushInterval  time.Duration `mapstructure:"flush_interval"`
}

// Default returns the documented default for every knob.
func Default() Config {
	return Config{
		Pool: PoolConfig{
			WorkerCount:         0, // 0 == runtime.NumCPU(), resolved by the pool
			MaxPending:          1024,
			HealthCheckInterval: 30 * time.Second,
			HealthCheckTimeout:  5 * time.Second,
			RestartOnCrash:      true,
			MaxRestartDelay:     30 * time.Second,
			MaxRestartAttempts:  5,
			RestartWindow:       5 * time.Minute,
			ForceKillTimeout:    5 * time.Second,
			WorkerExecutable:    "",
		},
		IPC: IPCConfig{
			MaxFrameBytes: 16 << 20,
		},
		Queue: QueueConfig{
			BatchSize:            32,
			RetryDelaySeconds:    60,
			MaxRetryDelaySeconds: 3600,
			OrphanTimeout:        5 * time.Minute,
			DispatchTickInterval: 500 * time.Millisecond,
			ExecutionTimeout:     30 * time.Second,
			DefaultMaxRetries:    3,
		},
		Scheduler: SchedulerConfig{
			TickInterval: time.Second,
		},
		Delivery: DeliveryConfig{
			MaxBatchSize:   16,
			MaxConcurrency: 8,
			FlushInterval:  50 * time.Millisecond,
		},
	}
}

// Load reads configuration from an optional file at path (may be "") and
// TASKCORE_-prefixed environment variables, overlaying Default().
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("TASKCORE")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("config: unmarshal: %w", err)
	}

	return cfg, nil
}
