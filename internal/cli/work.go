package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/taskd-go/internal/jobs"
	"github.com/raphaelgruber/taskd-go/internal/metrics"
)

var (
	workID          string
	workConcurrency int
	workMaxTasks    int64
)

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Run a worker daemon",
	Long: `Run a worker that consumes the priority queues and executes tasks.

The worker pauses queue consumption when host CPU or memory crosses the
configured thresholds and resumes when pressure recedes. On SIGTERM it
stops consuming and drains in-flight tasks before exiting.`,
	Args: cobra.NoArgs,
	RunE: runWork,
}

func init() {
	workCmd.Flags().StringVar(&workID, "id", "", "worker identifier (default: hostname-suffix)")
	workCmd.Flags().IntVar(&workConcurrency, "concurrency", 0, "override TASKD_WORKER_CONCURRENCY")
	workCmd.Flags().Int64Var(&workMaxTasks, "max-tasks", 0, "recycle after this many tasks (0 = unlimited)")
	rootCmd.AddCommand(workCmd)
}

func runWork(cmd *cobra.Command, args []string) error {
	logger, cleanup := setupLogging()
	defer cleanup()

	if workConcurrency > 0 {
		cfg.WorkerConcurrency = workConcurrency
	}
	if workMaxTasks > 0 {
		cfg.MaxTasksPerWorker = workMaxTasks
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(context.Background()); err != nil {
			logger.Warn("failed to close job store", "error", err)
		}
	}()

	b, err := buildBroker(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Warn("failed to close broker", "error", err)
		}
	}()

	topo, err := loadTopology(cfg)
	if err != nil {
		return err
	}

	registry, err := buildRegistry(cfg, logger)
	if err != nil {
		return err
	}

	collector := metrics.NewCollector()
	notifier := jobs.NewWebhookNotifier(cfg.CallbackTimeout, logger)
	wrapper := jobs.NewWrapper(store, registry, notifier, collector, wrapperConfig(cfg), logger)

	worker := jobs.NewWorker(workerConfig(cfg, workID), b, store, topo, wrapper, nil, logger)
	return worker.Run(ctx)
}
