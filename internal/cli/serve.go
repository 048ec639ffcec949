package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/taskd-go/internal/config"
	"github.com/raphaelgruber/taskd-go/internal/jobs"
	"github.com/raphaelgruber/taskd-go/internal/metrics"
	"github.com/raphaelgruber/taskd-go/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job API server",
	Long: `Run the HTTP API server that accepts job submissions, answers status
queries and requests task cancellations.

With memory backends (TASKD_BROKER=memory) an embedded worker runs in the
same process, so submitted jobs execute without external infrastructure.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, cleanup := setupLogging()
	defer cleanup()

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

	collector := metrics.NewCollector()

	// An embedded worker makes the memory broker useful: tasks published
	// into this process are also executed here.
	embedded := cfg.BrokerBackend == "memory"

	var registry *jobs.Registry
	if embedded {
		registry, err = buildRegistry(cfg, logger)
		if err != nil {
			return err
		}
	}

	dispatcher := jobs.NewDispatcher(b, store, topo, registry, logger)

	var workerWG sync.WaitGroup
	if embedded {
		notifier := jobs.NewWebhookNotifier(cfg.CallbackTimeout, logger)
		wrapper := jobs.NewWrapper(store, registry, notifier, collector, wrapperConfig(cfg), logger)
		worker := jobs.NewWorker(workerConfig(cfg, "embedded"), b, store, topo, wrapper, nil, logger)

		workerWG.Add(1)
		go func() {
			defer workerWG.Done()
			if err := worker.Run(ctx); err != nil {
				logger.Error("embedded worker stopped", "error", err)
			}
		}()
	}

	srv := server.New(cfg.ServerPort, store, dispatcher, collector, logger)
	err = srv.Run(ctx)

	workerWG.Wait()
	return err
}

// setupLogging builds the shared daemon logger and installs it as the
// process default.
func setupLogging() (*slog.Logger, func()) {
	logger, cleanup := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	slog.SetDefault(logger)
	return logger, func() {
		if err := cleanup(); err != nil {
			slog.Warn("failed to close log file", "error", err)
		}
	}
}
