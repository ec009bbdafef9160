package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/petrijr/gasoline/internal/engine"
	"github.com/petrijr/gasoline/internal/persistence"
	"github.com/petrijr/gasoline/pkg/pubsub"
)

// Defaults for Config fields left zero.
const (
	DefaultConcurrency     = 512
	DefaultPollInterval    = 2 * time.Second
	DefaultGCInterval      = 15 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
)

// ErrShutdownTimeout is returned by Start when running workflows did not
// finish within the shutdown timeout and were abandoned.
var ErrShutdownTimeout = errors.New("worker shutdown timed out")

// Metrics receives worker level measurements. *metrics.Metrics implements
// it.
type Metrics interface {
	WorkflowsPulled(n int)
	RunStarted()
	RunFinished()
	LeasesExpired(n int)
	PullFailed()
}

type noopMetrics struct{}

func (noopMetrics) WorkflowsPulled(int) {}
func (noopMetrics) RunStarted()         {}
func (noopMetrics) RunFinished()        {}
func (noopMetrics) LeasesExpired(int)   {}
func (noopMetrics) PullFailed()         {}

// Config configures a Worker. Engine.DB and Engine.Registry are required.
type Config struct {
	Engine engine.Config

	// Concurrency bounds the workflows running at once.
	Concurrency int
	// PollInterval is the time between pulls when no wake message arrives.
	PollInterval time.Duration
	// GCInterval is the time between sweeps for expired leases.
	GCInterval time.Duration
	// ShutdownTimeout bounds how long Start waits for running workflows
	// once its context is cancelled.
	ShutdownTimeout time.Duration

	Metrics Metrics
}

// Worker pulls due workflows of its registered names and runs them.
type Worker struct {
	cfg    Config
	exec   *engine.Executor
	db     *persistence.Database
	bus    *pubsub.Client
	names  []string
	logger *slog.Logger

	sem     *semaphore.Weighted
	running atomic.Int64
	wg      sync.WaitGroup
}

// New creates a Worker. It does not touch the database until Start.
func New(cfg Config) (*Worker, error) {
	if cfg.Engine.WorkerID == uuid.Nil {
		cfg.Engine.WorkerID = uuid.New()
	}
	if cfg.Engine.Logger == nil {
		cfg.Engine.Logger = slog.Default()
	}
	exec, err := engine.NewExecutor(cfg.Engine)
	if err != nil {
		return nil, err
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = DefaultGCInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	return &Worker{
		cfg:    cfg,
		exec:   exec,
		db:     cfg.Engine.DB,
		bus:    cfg.Engine.Bus,
		names:  cfg.Engine.Registry.Names(),
		logger: cfg.Engine.Logger.With(slog.String("worker_id", cfg.Engine.WorkerID.String())),
		sem:    semaphore.NewWeighted(int64(cfg.Concurrency)),
	}, nil
}

func (w *Worker) ID() uuid.UUID { return w.exec.WorkerID() }

// Running is the number of workflows currently executing.
func (w *Worker) Running() int { return int(w.running.Load()) }

// Start runs the worker until ctx is cancelled, then waits for running
// workflows. Workflows still running after the shutdown timeout are
// cancelled without committing; their leases expire and another worker
// takes over.
func (w *Worker) Start(ctx context.Context) error {
	if len(w.names) == 0 {
		return errors.New("worker has no registered workflows")
	}
	if err := w.db.UpdateWorkerPing(ctx, w.ID()); err != nil {
		return fmt.Errorf("initial worker ping: %w", err)
	}

	// Background tasks and runs outlive ctx until the shutdown completes.
	bg, stopBackground := context.WithCancel(context.WithoutCancel(ctx))
	defer stopBackground()
	runCtx, abandonRuns := context.WithCancel(context.WithoutCancel(ctx))
	defer abandonRuns()

	g, gctx := errgroup.WithContext(bg)
	wake := make(chan struct{}, 1)
	if w.bus != nil {
		sub, err := w.bus.Subscribe(ctx, persistence.WakeSubject)
		if err != nil {
			return fmt.Errorf("subscribe to %s: %w", persistence.WakeSubject, err)
		}
		g.Go(func() error {
			w.pumpWakes(gctx, sub, wake)
			return nil
		})
	}
	g.Go(func() error {
		w.pingLoop(gctx)
		return nil
	})
	g.Go(func() error {
		w.gcLoop(gctx)
		return nil
	})

	w.logger.InfoContext(ctx, "worker_started",
		slog.Any("workflows", w.names),
		slog.Int("concurrency", w.cfg.Concurrency),
	)
	w.pollLoop(ctx, runCtx, wake)

	err := w.drain(abandonRuns)
	stopBackground()
	_ = g.Wait()
	w.logger.InfoContext(bg, "worker_stopped", slog.Any("error", err))
	return err
}

func (w *Worker) pollLoop(ctx, runCtx context.Context, wake <-chan struct{}) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-wake:
		}
		w.tick(ctx, runCtx)
		timer.Reset(w.cfg.PollInterval)
	}
}

// tick leases as many due workflows as there are free slots and starts
// them.
func (w *Worker) tick(ctx, runCtx context.Context) {
	free := w.cfg.Concurrency - w.Running()
	if free <= 0 {
		return
	}
	pulled, err := w.db.PullWorkflows(ctx, w.ID(), w.names, free)
	if err != nil {
		if ctx.Err() == nil {
			w.cfg.Metrics.PullFailed()
			w.logger.WarnContext(ctx, "worker_pull_failed", slog.Any("error", err))
		}
		return
	}
	if len(pulled) == 0 {
		return
	}
	w.cfg.Metrics.WorkflowsPulled(len(pulled))

	for _, wf := range pulled {
		if err := w.sem.Acquire(runCtx, 1); err != nil {
			return
		}
		w.running.Add(1)
		w.wg.Add(1)
		w.cfg.Metrics.RunStarted()
		go func() {
			defer func() {
				w.cfg.Metrics.RunFinished()
				w.running.Add(-1)
				w.sem.Release(1)
				w.wg.Done()
			}()
			w.run(runCtx, wf)
		}()
	}
}

func (w *Worker) run(ctx context.Context, wf *persistence.PulledWorkflow) {
	defer func() {
		if p := recover(); p != nil {
			w.logger.ErrorContext(ctx, "workflow_run_panicked",
				slog.String("workflow_id", wf.ID.String()),
				slog.Any("panic", p),
			)
		}
	}()
	outcome, err := w.exec.Run(ctx, wf)
	w.logger.DebugContext(ctx, "workflow_run_finished",
		slog.String("workflow_id", wf.ID.String()),
		slog.String("workflow_name", wf.Name),
		slog.String("outcome", outcome.String()),
		slog.Any("error", err),
	)
}

func (w *Worker) drain(abandon context.CancelFunc) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(w.cfg.ShutdownTimeout):
	}
	n := w.Running()
	w.logger.Warn("worker_shutdown_timeout",
		slog.Int("running", n),
		slog.Duration("timeout", w.cfg.ShutdownTimeout),
	)
	abandon()
	<-done
	return fmt.Errorf("%w: abandoned %d workflows after %s", ErrShutdownTimeout, n, w.cfg.ShutdownTimeout)
}

// pumpWakes turns wake messages into non-blocking pokes of the poll loop.
// A subscription terminated for falling behind is replaced; missed wakes
// only delay work until the next poll.
func (w *Worker) pumpWakes(ctx context.Context, sub *pubsub.Subscription, wake chan<- struct{}) {
	defer func() { _ = sub.Unsubscribe() }()
	for {
		_, err := sub.Next(ctx)
		switch {
		case err == nil:
		case errors.Is(err, pubsub.ErrSlowConsumer):
			next, subErr := w.bus.Subscribe(ctx, persistence.WakeSubject)
			if subErr != nil {
				if ctx.Err() == nil {
					w.logger.WarnContext(ctx, "worker_wake_resubscribe_failed", slog.Any("error", subErr))
				}
				return
			}
			sub = next
		case ctx.Err() != nil, errors.Is(err, pubsub.ErrUnsubscribed):
			return
		default:
			w.logger.WarnContext(ctx, "worker_wake_subscription_failed", slog.Any("error", err))
			return
		}
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}

// pingLoop keeps this worker's leases alive. Pings continue during
// shutdown until the last run finished.
func (w *Worker) pingLoop(ctx context.Context) {
	t := time.NewTicker(max(w.db.LeaseTTL()/3, time.Millisecond))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if err := w.db.UpdateWorkerPing(ctx, w.ID()); err != nil && ctx.Err() == nil {
			w.logger.WarnContext(ctx, "worker_ping_failed", slog.Any("error", err))
		}
	}
}

// gcLoop releases the leases of workers that stopped pinging.
func (w *Worker) gcLoop(ctx context.Context) {
	t := time.NewTicker(w.cfg.GCInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		n, err := w.db.ClearExpiredLeases(ctx)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.WarnContext(ctx, "worker_gc_failed", slog.Any("error", err))
			}
			continue
		}
		if n > 0 {
			w.cfg.Metrics.LeasesExpired(n)
			w.logger.InfoContext(ctx, "worker_gc_released_leases", slog.Int("released", n))
		}
	}
}
