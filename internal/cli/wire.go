package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/raphaelgruber/taskd-go/internal/broker"
	"github.com/raphaelgruber/taskd-go/internal/config"
	"github.com/raphaelgruber/taskd-go/internal/db"
	"github.com/raphaelgruber/taskd-go/internal/jobs"
	"github.com/raphaelgruber/taskd-go/internal/runners"
)

// buildStore connects the configured job store backend. The returned
// close function is a no-op for the memory backend.
func buildStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (jobs.Store, func(context.Context) error, error) {
	switch cfg.StoreBackend {
	case "memory":
		logger.Warn("using in-memory job store, records are lost on restart")
		return jobs.NewMemoryStore(), func(context.Context) error { return nil }, nil

	case "surrealdb":
		dbClient, err := db.NewClient(ctx, db.Config{
			URL:       cfg.SurrealDBURL,
			Namespace: cfg.SurrealDBNamespace,
			Database:  cfg.SurrealDBDatabase,
			Username:  cfg.SurrealDBUser,
			Password:  cfg.SurrealDBPass,
			AuthLevel: cfg.SurrealDBAuthLevel,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		if err := dbClient.InitSchema(ctx); err != nil {
			_ = dbClient.Close(ctx)
			return nil, nil, fmt.Errorf("initialize schema: %w", err)
		}
		return db.NewJobStore(dbClient), dbClient.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// buildBroker connects the configured broker backend.
func buildBroker(cfg config.Config, logger *slog.Logger) (broker.Broker, error) {
	switch cfg.BrokerBackend {
	case "memory":
		logger.Warn("using in-memory broker, queued tasks are lost on restart")
		return broker.NewMemoryBroker(), nil
	case "nats":
		return broker.ConnectNATS(cfg.NATSURL, logger)
	default:
		return nil, fmt.Errorf("unknown broker backend %q", cfg.BrokerBackend)
	}
}

// buildRegistry assembles the runner registry: diagnostics built-ins
// plus the platform runners available under the current configuration.
func buildRegistry(cfg config.Config, logger *slog.Logger) (*jobs.Registry, error) {
	registry := jobs.NewRegistry()
	runners.RegisterBuiltin(registry)
	if err := runners.RegisterPlatform(registry, cfg, logger); err != nil {
		return nil, err
	}
	return registry, nil
}

// loadTopology reads the queue topology file, falling back to defaults
// when none is configured.
func loadTopology(cfg config.Config) (jobs.Topology, error) {
	if cfg.QueuesFile == "" {
		return jobs.DefaultTopology(), nil
	}
	topo, err := jobs.LoadTopology(cfg.QueuesFile)
	if err != nil {
		return jobs.Topology{}, fmt.Errorf("load queue topology: %w", err)
	}
	return topo, nil
}

// wrapperConfig maps the environment configuration onto the execution
// wrapper.
func wrapperConfig(cfg config.Config) jobs.WrapperConfig {
	return jobs.WrapperConfig{
		Retry: jobs.RetryPolicy{
			InitialInterval: cfg.RetryInitial,
			MaxInterval:     cfg.RetryMax,
			Multiplier:      1.0,
			MaxAttempts:     cfg.RetryAttempts,
		},
		SoftTimeLimit: cfg.SoftTimeLimit,
		HardTimeLimit: cfg.HardTimeLimit,
	}
}

// workerConfig maps the environment configuration onto a worker.
func workerConfig(cfg config.Config, id string) jobs.WorkerConfig {
	if id == "" {
		host, _ := os.Hostname()
		id = fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
	}
	return jobs.WorkerConfig{
		ID:           id,
		Concurrency:  cfg.WorkerConcurrency,
		MaxTasks:     cfg.MaxTasksPerWorker,
		DrainTimeout: cfg.DrainTimeout,
		StaleAfter:   cfg.StaleJobAfter,
		Admission: jobs.AdmissionConfig{
			CPUThreshold:    cfg.CPUThreshold,
			MemoryThreshold: cfg.MemoryThreshold,
			Interval:        cfg.SampleInterval,
		},
	}
}
