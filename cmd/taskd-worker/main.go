// Package main provides a standalone worker daemon for container
// deployments where the full CLI is not wanted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/raphaelgruber/taskd-go/internal/broker"
	"github.com/raphaelgruber/taskd-go/internal/config"
	"github.com/raphaelgruber/taskd-go/internal/db"
	"github.com/raphaelgruber/taskd-go/internal/jobs"
	"github.com/raphaelgruber/taskd-go/internal/metrics"
	"github.com/raphaelgruber/taskd-go/internal/runners"
)

const version = "0.1.0"

func main() {
	workerID := flag.String("id", "", "worker identifier (default: hostname-suffix)")
	flag.Parse()

	// Load configuration
	cfg := config.Load()

	// Setup logger (dual output: stderr text + file JSON)
	logger, cleanup := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer cleanup()

	if *workerID == "" {
		host, _ := os.Hostname()
		*workerID = fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
	}

	logger.Info("taskd-worker starting",
		"version", version,
		"worker_id", *workerID,
		"broker", cfg.BrokerBackend,
		"store", cfg.StoreBackend,
	)

	// Handle shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Connect to database
	dbClient, err := db.NewClient(ctx, db.Config{
		URL:       cfg.SurrealDBURL,
		Namespace: cfg.SurrealDBNamespace,
		Database:  cfg.SurrealDBDatabase,
		Username:  cfg.SurrealDBUser,
		Password:  cfg.SurrealDBPass,
		AuthLevel: cfg.SurrealDBAuthLevel,
	}, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(context.Background()); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	}()

	if err := dbClient.InitSchema(ctx); err != nil {
		logger.Error("failed to initialize schema", "error", err)
		os.Exit(1)
	}
	store := db.NewJobStore(dbClient)

	// Connect to the broker
	b, err := broker.ConnectNATS(cfg.NATSURL, logger)
	if err != nil {
		logger.Error("failed to connect to broker", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Error("failed to close broker", "error", err)
		}
	}()

	topo := jobs.DefaultTopology()
	if cfg.QueuesFile != "" {
		topo, err = jobs.LoadTopology(cfg.QueuesFile)
		if err != nil {
			logger.Error("failed to load queue topology", "error", err)
			os.Exit(1)
		}
	}

	registry := jobs.NewRegistry()
	runners.RegisterBuiltin(registry)
	if err := runners.RegisterPlatform(registry, cfg, logger); err != nil {
		logger.Error("failed to register platform runners", "error", err)
		os.Exit(1)
	}

	notifier := jobs.NewWebhookNotifier(cfg.CallbackTimeout, logger)
	wrapper := jobs.NewWrapper(store, registry, notifier, metrics.NewCollector(), jobs.WrapperConfig{
		Retry: jobs.RetryPolicy{
			InitialInterval: cfg.RetryInitial,
			MaxInterval:     cfg.RetryMax,
			Multiplier:      1.0,
			MaxAttempts:     cfg.RetryAttempts,
		},
		SoftTimeLimit: cfg.SoftTimeLimit,
		HardTimeLimit: cfg.HardTimeLimit,
	}, logger)

	worker := jobs.NewWorker(jobs.WorkerConfig{
		ID:           *workerID,
		Concurrency:  cfg.WorkerConcurrency,
		MaxTasks:     cfg.MaxTasksPerWorker,
		DrainTimeout: cfg.DrainTimeout,
		StaleAfter:   cfg.StaleJobAfter,
		Admission: jobs.AdmissionConfig{
			CPUThreshold:    cfg.CPUThreshold,
			MemoryThreshold: cfg.MemoryThreshold,
			Interval:        cfg.SampleInterval,
		},
	}, b, store, topo, wrapper, nil, logger)

	if err := worker.Run(ctx); err != nil {
		logger.Error("worker stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("taskd-worker stopped")
}
