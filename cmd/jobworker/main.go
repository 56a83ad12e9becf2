// Command jobworker is the ambient entry point for the background job
// system: it loads configuration from the environment, connects a Postgres
// Task Store, registers a handful of example task types, and runs a pool
// of workers until it receives a shutdown signal.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/paulgsc/relayq/internal/config"
	"github.com/paulgsc/relayq/internal/infrastructure/observability"
	"github.com/paulgsc/relayq/internal/jobqueue"
	"github.com/paulgsc/relayq/internal/jobqueue/postgres"
)

// appCtx is the application context handed to every registered task type's
// Run method. The demo driver has nothing to share across tasks yet, but
// the pool is generic over it so a real deployment can carry request-scoped
// dependencies (a DB handle, an API client) without touching the core.
type appCtx struct{}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(context.Background(), logger); err != nil {
		logger.Error("jobworker exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.LoadWorkerConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Database.Validate(); err != nil {
		return fmt.Errorf("validate database config: %w", err)
	}

	otelEnabled, _ := config.GetEnv[bool]("RELAYQ_OTEL_ENABLED")
	serviceName, ok := config.GetEnv[string]("OTEL_SERVICE_NAME")
	if !ok {
		serviceName = observability.DefaultServiceName
	}
	otelCfg := observability.Config{Enabled: otelEnabled, ServiceName: serviceName}

	tracerProvider, err := observability.InitTracerProvider(ctx, otelCfg)
	if err != nil {
		return fmt.Errorf("init tracer provider: %w", err)
	}
	defer tracerProvider.Shutdown(ctx)

	meterProvider, err := observability.InitMeterProvider(ctx, otelCfg)
	if err != nil {
		return fmt.Errorf("init meter provider: %w", err)
	}
	defer meterProvider.Shutdown(ctx)

	loggerProvider, otelLogger, err := observability.InitLogger(ctx, otelCfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer loggerProvider.Shutdown(ctx)
	if otelCfg.Enabled {
		logger = otelLogger
		slog.SetDefault(logger)
	}

	store, err := postgres.NewStore(ctx, postgres.PoolConfig{
		DSN:             cfg.Database.DSN,
		MaxConns:        int32(cfg.Database.MaxOpenConns),
		MinConns:        int32(cfg.Database.MaxIdleConns),
		MaxConnLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
		MaxConnIdleTime: time.Duration(cfg.Database.ConnMaxIdleTime) * time.Second,
		AutoMigrate:     cfg.Database.AutoMigrate,
	})
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer store.Close()

	builder := jobqueue.NewPoolBuilder[appCtx](store, func() appCtx { return appCtx{} }).
		WithLogger(logger)

	jobqueue.RegisterTaskType[echoTask](builder, echoTask{})
	jobqueue.RegisterTaskType[flakyTask](builder, flakyTask{})
	jobqueue.RegisterTaskType[alwaysFailTask](builder, alwaysFailTask{})

	builder.ConfigureQueue(jobqueue.QueueConfig{
		Name:         "default",
		NumWorkers:   cfg.DefaultNumWorkers,
		PullInterval: cfg.DefaultPullInterval,
	})

	pool, err := builder.Build()
	if err != nil {
		return fmt.Errorf("build worker pool: %w", err)
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	handle, err := pool.Start(runCtx)
	if err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}

	logger.InfoContext(ctx, "jobworker started", "queue", "default", "num_workers", cfg.DefaultNumWorkers)

	if err := handle.Wait(); err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}

	logger.InfoContext(ctx, "jobworker shut down cleanly")
	return nil
}

// echoTask records its payload's N and returns nil; used to exercise the
// success/retention path end to end.
type echoTask struct {
	N int `json:"n"`
}

func (echoTask) TaskName() string                 { return "echo" }
func (echoTask) Queue() string                    { return "default" }
func (echoTask) MaxRetries() int                   { return 0 }
func (echoTask) BackoffMode() jobqueue.BackoffMode { return jobqueue.NoBackoff }

func (e echoTask) Run(ctx context.Context, task jobqueue.CurrentTask, _ appCtx) error {
	slog.InfoContext(ctx, "echo task ran", "job_id", task.ID(), "n", e.N)
	return nil
}

// flakyTask fails its first two attempts and succeeds on the third,
// exercising the retry/backoff path.
type flakyTask struct {
	Attempt int `json:"attempt"`
}

func (flakyTask) TaskName() string                 { return "flaky" }
func (flakyTask) Queue() string                    { return "default" }
func (flakyTask) MaxRetries() int                   { return 3 }
func (flakyTask) BackoffMode() jobqueue.BackoffMode { return jobqueue.ExponentialBackoff }

func (flakyTask) Run(ctx context.Context, task jobqueue.CurrentTask, _ appCtx) error {
	if task.RetryCount() < 2 {
		return fmt.Errorf("flaky task attempt %d not ready", task.RetryCount())
	}
	slog.InfoContext(ctx, "flaky task succeeded", "job_id", task.ID(), "retries", task.RetryCount())
	return nil
}

// alwaysFailTask always fails, exercising the terminal-failure path once
// MaxRetries is exhausted.
type alwaysFailTask struct{}

func (alwaysFailTask) TaskName() string                 { return "always_fail" }
func (alwaysFailTask) Queue() string                    { return "default" }
func (alwaysFailTask) MaxRetries() int                   { return 1 }
func (alwaysFailTask) BackoffMode() jobqueue.BackoffMode { return jobqueue.NoBackoff }

func (alwaysFailTask) Run(context.Context, jobqueue.CurrentTask, appCtx) error {
	return errors.New("always_fail task never succeeds")
}
