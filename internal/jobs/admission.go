package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/raphaelgruber/taskd-go/internal/broker"
)

// HostSample is one reading of host resource pressure.
type HostSample struct {
	CPUPercent    float64
	MemoryPercent float64
}

// HostSampler reads current host CPU and memory utilization.
type HostSampler interface {
	Sample(ctx context.Context) (HostSample, error)
}

// PSUtilSampler samples the host via gopsutil.
type PSUtilSampler struct{}

func (PSUtilSampler) Sample(ctx context.Context) (HostSample, error) {
	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return HostSample{}, err
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return HostSample{}, err
	}

	sample := HostSample{MemoryPercent: vm.UsedPercent}
	if len(cpuPercents) > 0 {
		sample.CPUPercent = cpuPercents[0]
	}
	return sample, nil
}

// AdmissionConfig tunes the resource-adaptive admission controller.
type AdmissionConfig struct {
	CPUThreshold    float64
	MemoryThreshold float64
	Interval        time.Duration
}

// AdmissionController protects a worker host from resource exhaustion by
// pausing and resuming queue consumption, orthogonal to the business
// logic. It is a single background loop per worker; it only ever
// throttles its own worker's consumption.
type AdmissionController struct {
	workerID string
	queues   []string
	broker   broker.Broker
	sampler  HostSampler
	state    *WorkerState
	cfg      AdmissionConfig
	logger   *slog.Logger
}

// NewAdmissionController wires the control loop to a worker's broker
// consumption and runtime state.
func NewAdmissionController(workerID string, queues []string, b broker.Broker, sampler HostSampler, state *WorkerState, cfg AdmissionConfig, logger *slog.Logger) *AdmissionController {
	if sampler == nil {
		sampler = PSUtilSampler{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	return &AdmissionController{
		workerID: workerID,
		queues:   queues,
		broker:   b,
		sampler:  sampler,
		state:    state,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run evaluates the control loop on a fixed interval until the context is
// canceled, then restores consumption if the worker was left paused so it
// does not stay starved after shutdown.
func (c *AdmissionController) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Shutdown()
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick runs one control-loop evaluation: sample, compare against
// thresholds, issue an edge-triggered pause or resume. Sampling and
// control-plane failures are logged and skipped; admission control is
// best-effort protection and must never crash a worker.
func (c *AdmissionController) Tick(ctx context.Context) {
	if c.broker == nil || len(c.queues) == 0 {
		// Startup race: control plane or queue list not wired yet.
		c.logger.Debug("admission controller not ready, skipping tick", "worker_id", c.workerID)
		return
	}

	sample, err := c.sampler.Sample(ctx)
	if err != nil {
		c.logger.Warn("resource sampling failed, skipping tick", "worker_id", c.workerID, "error", err)
		return
	}

	shouldPause := sample.CPUPercent > c.cfg.CPUThreshold || sample.MemoryPercent > c.cfg.MemoryThreshold

	c.state.mu.Lock()
	defer c.state.mu.Unlock()

	switch {
	case shouldPause && !c.state.paused:
		if err := c.broker.StopConsuming(ctx, c.workerID, c.queues); err != nil {
			c.logger.Error("pause command failed", "worker_id", c.workerID, "error", err)
			return
		}
		c.state.paused = true
		c.logger.Warn("worker paused under resource pressure",
			"worker_id", c.workerID,
			"cpu_percent", sample.CPUPercent,
			"memory_percent", sample.MemoryPercent,
			"active_tasks", c.state.activeTasks)

	case !shouldPause && c.state.paused:
		if err := c.broker.StartConsuming(ctx, c.workerID, c.queues); err != nil {
			c.logger.Error("resume command failed", "worker_id", c.workerID, "error", err)
			return
		}
		c.state.paused = false
		c.logger.Info("worker resumed",
			"worker_id", c.workerID,
			"cpu_percent", sample.CPUPercent,
			"memory_percent", sample.MemoryPercent)
	}
}

// Shutdown issues one final resume if the worker is paused, so a pause
// does not outlive the process and starve the fleet.
func (c *AdmissionController) Shutdown() {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()

	if !c.state.paused || c.broker == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.broker.StartConsuming(ctx, c.workerID, c.queues); err != nil {
		c.logger.Error("final resume failed", "worker_id", c.workerID, "error", err)
		return
	}
	c.state.paused = false
	c.logger.Info("final resume issued on shutdown", "worker_id", c.workerID)
}
