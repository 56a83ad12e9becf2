package config

import (
	"fmt"
	"time"

	"github.com/paulgsc/relayq/internal/env"
)

// WorkerConfig holds all configuration for the jobworker binary: database
// connectivity plus the default tunables applied to every QueueConfig the
// driver builds, unless overridden per queue in code.
type WorkerConfig struct {
	Database         DatabaseConfig
	OperationTimeout time.Duration `env:"RELAYQ_WORKER_OPERATION_TIMEOUT"`

	DefaultNumWorkers   int           `env:"RELAYQ_WORKER_DEFAULT_NUM_WORKERS"`
	DefaultPullInterval time.Duration `env:"RELAYQ_WORKER_DEFAULT_PULL_INTERVAL"`
}

// LoadWorkerConfig loads and validates worker configuration from environment.
func LoadWorkerConfig() (*WorkerConfig, error) {
	cfg := &WorkerConfig{
		OperationTimeout:    30 * time.Second,
		DefaultNumWorkers:   3,
		DefaultPullInterval: time.Second,
	}

	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load worker config: %w", err)
	}

	return cfg, nil
}
