// Package dispatcher implements the claim loop described in §4.7 and §5: a
// worker polls its configured queues, claims work under a lease, routes
// Task work to an external Executor and Workflow work to the runner, and
// maintains a heartbeat so a crashed worker's claims can be recovered.
package dispatcher

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/rhythmrun/engine/internal/engine/runner"
	"github.com/rhythmrun/engine/internal/engine/store"
	"github.com/rhythmrun/engine/internal/observability"
)

// Executor runs a Task execution's function to completion (or failure) and
// reports the result back to the store. It is supplied by the host embedding
// the engine; this package never runs task code itself.
type Executor interface {
	RunTask(ctx context.Context, functionName string, inputs []byte) (output []byte, failed bool, err error)
}

// Config configures one dispatcher loop.
type Config struct {
	WorkerID          string
	Queues            []string
	PollInterval      time.Duration
	LeaseDuration     time.Duration
	BatchSize         int
	HeartbeatInterval time.Duration
	DeadWorkerTimeout time.Duration
	// ClaimRPS caps how often this worker polls the store for new work,
	// independent of PollInterval's idle backoff, so a burst of fsnotify
	// wakeups (see Watcher) cannot hammer the backend.
	ClaimRPS float64
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.DeadWorkerTimeout <= 0 {
		c.DeadWorkerTimeout = 3 * c.HeartbeatInterval
	}
	if c.ClaimRPS <= 0 {
		c.ClaimRPS = 20
	}
	return c
}

// Dispatcher runs one worker's claim/step/heartbeat loop.
type Dispatcher struct {
	cfg      Config
	store    store.Backend
	runner   *runner.Runner
	executor Executor
	logger   *slog.Logger
	limiter  *rate.Limiter
	obs      *observability.Provider
}

// New constructs a Dispatcher. executor may be nil if this worker only
// services workflow (not task) queues. obs may be nil, in which case no
// metrics are recorded and spans are not created.
func New(cfg Config, backend store.Backend, r *runner.Runner, executor Executor, logger *slog.Logger, obs *observability.Provider) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		cfg:      cfg,
		store:    backend,
		runner:   r,
		executor: executor,
		logger:   logger,
		limiter:  rate.NewLimiter(rate.Limit(cfg.ClaimRPS), 1),
		obs:      obs,
	}
}

// Run blocks, claiming and processing work until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	heartbeat := time.NewTicker(d.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	poll := time.NewTicker(d.cfg.PollInterval)
	defer poll.Stop()

	d.recordHeartbeat(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-heartbeat.C:
			d.recordHeartbeat(ctx)
		case <-poll.C:
			d.drainOnce(ctx)
		}
	}
}

func (d *Dispatcher) recordHeartbeat(ctx context.Context) {
	if err := d.store.RecordHeartbeat(ctx, d.cfg.WorkerID, d.cfg.Queues); err != nil {
		d.logger.Error("recording heartbeat", "worker_id", d.cfg.WorkerID, "error", err)
	}
	if n, err := d.store.RecoverDeadWorkers(ctx, d.cfg.DeadWorkerTimeout); err != nil {
		d.logger.Error("recovering dead workers", "error", err)
	} else if n > 0 {
		d.logger.Info("recovered executions from dead workers", "count", n)
	}
}

// Drain claims and processes work until the queue runs dry. A Watcher calls
// this directly on every WAL write so a worker doesn't wait out its idle
// PollInterval when work is already available.
func (d *Dispatcher) Drain(ctx context.Context) {
	d.drainOnce(ctx)
}

// drainOnce claims and processes work until the queue runs dry, subject to
// ClaimRPS. This is the loop a fsnotify-triggered WAL wakeup (see Watcher)
// short-circuits into immediately, instead of waiting for the next poll tick.
func (d *Dispatcher) drainOnce(ctx context.Context) {
	for {
		if err := d.limiter.Wait(ctx); err != nil {
			return
		}
		claims, err := d.store.ClaimBatch(ctx, d.cfg.WorkerID, d.cfg.Queues, d.cfg.BatchSize, d.cfg.LeaseDuration)
		if err != nil {
			d.logger.Error("claiming work", "worker_id", d.cfg.WorkerID, "error", err)
			return
		}
		if len(claims) == 0 {
			return
		}
		for _, claim := range claims {
			d.process(ctx, claim)
		}
		if len(claims) < d.cfg.BatchSize {
			return
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, claim *store.ClaimedWork) {
	d.obs.MetricsOrNil().RecordClaim(ctx, claim.Queue, string(claim.Kind))
	switch claim.Kind {
	case store.KindWorkflow:
		d.stepWorkflow(ctx, claim)
	case store.KindTask:
		d.runTask(ctx, claim)
	}
}

func (d *Dispatcher) stepWorkflow(ctx context.Context, claim *store.ClaimedWork) {
	start := time.Now()
	ctx, endSpan := d.obs.StepSpan(ctx, claim.ExecutionID)

	status := "committed"
	if err := d.runner.StepWorkflow(ctx, claim.ExecutionID, claim.Inputs); err != nil {
		d.logger.Error("stepping workflow", "execution_id", claim.ExecutionID, "error", err)
		status = "failed"
	} else if exec, err := d.store.GetExecution(ctx, claim.ExecutionID); err == nil {
		switch exec.Status {
		case store.StatusSuspended:
			status = "suspended"
		case store.StatusFailed:
			status = "failed"
		}
	}
	endSpan(status)

	d.obs.MetricsOrNil().ObserveStepDuration(ctx, claim.FunctionName, time.Since(start).Seconds())
	switch status {
	case "suspended":
		d.obs.MetricsOrNil().RecordSuspension(ctx, claim.FunctionName)
	case "failed":
		d.obs.MetricsOrNil().RecordFailure(ctx, claim.FunctionName, string(store.KindWorkflow))
	default:
		d.obs.MetricsOrNil().RecordCommit(ctx, claim.FunctionName)
	}
}

func (d *Dispatcher) runTask(ctx context.Context, claim *store.ClaimedWork) {
	if d.executor == nil {
		d.logger.Error("claimed a task with no executor configured", "execution_id", claim.ExecutionID, "function", claim.FunctionName)
		return
	}
	start := time.Now()
	output, failed, err := d.executor.RunTask(ctx, claim.FunctionName, claim.Inputs)
	if err != nil {
		d.logger.Error("task execution error", "execution_id", claim.ExecutionID, "function", claim.FunctionName, "error", err)
		failed = true
		output = []byte(`{"code":"TASK_ERROR","message":"` + err.Error() + `"}`)
	}
	if err := d.store.CompleteTask(ctx, claim.ExecutionID, output, failed); err != nil {
		d.logger.Error("completing task", "execution_id", claim.ExecutionID, "error", err)
	}
	d.obs.MetricsOrNil().ObserveStepDuration(ctx, claim.FunctionName, time.Since(start).Seconds())
	if failed {
		d.obs.MetricsOrNil().RecordFailure(ctx, claim.FunctionName, string(store.KindTask))
	} else {
		d.obs.MetricsOrNil().RecordCommit(ctx, claim.FunctionName)
	}
}
