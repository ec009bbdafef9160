package gasoline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/gasoline/internal/config"
	"github.com/petrijr/gasoline/internal/engine"
	"github.com/petrijr/gasoline/internal/persistence"
	"github.com/petrijr/gasoline/pkg/api"
	"github.com/petrijr/gasoline/pkg/kv"
	"github.com/petrijr/gasoline/pkg/pubsub"
	"github.com/petrijr/gasoline/pkg/worker"
)

var (
	// ErrWorkflowDead is returned by Wait for a workflow that exhausted
	// its retries.
	ErrWorkflowDead = errors.New("workflow is dead")
	// ErrWorkflowSilenced is returned by Wait for a silenced workflow.
	ErrWorkflowSilenced = errors.New("workflow is silenced")

	errAlreadyStarted = errors.New("gasoline: runtime already started")
)

const waitPollInterval = 20 * time.Millisecond

// Options configures Open. Zero fields fall back to the process
// configuration: config.yaml if present, then DATABASE_URL and friends.
type Options struct {
	// DatabaseURL selects the store: memory://, sqlite://<path>,
	// postgres://... or mongodb://...
	DatabaseURL string
	// PubSubURL selects the wake bus: memory://, nats://, redis:// or
	// postgres://.
	PubSubURL string
	Namespace string

	Concurrency  int
	PollInterval time.Duration
	LeaseTTL     time.Duration

	Observer Observer
	Logger   *slog.Logger
}

// Runtime owns a store, a bus and the worker running the registered
// workflows in this process.
type Runtime struct {
	cfg      *config.Config
	store    *kv.Database
	bus      *pubsub.Client
	db       *persistence.Database
	registry *engine.Registry
	observer Observer
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan error
}

// Open connects to the configured store and bus and registers defs. It
// does not start the worker; see Start.
func Open(ctx context.Context, opts Options, defs ...Definition) (*Runtime, error) {
	cfg, err := config.FromViper(config.New())
	if err != nil {
		return nil, err
	}
	applyOptions(cfg, opts)
	return openConfig(ctx, cfg, opts.Observer, opts.Logger, defs)
}

func applyOptions(cfg *config.Config, opts Options) {
	if opts.DatabaseURL != "" {
		cfg.DatabaseURL = opts.DatabaseURL
	}
	if opts.PubSubURL != "" {
		cfg.PubSubURL = opts.PubSubURL
	}
	if opts.Namespace != "" {
		cfg.Namespace = opts.Namespace
	}
	if opts.Concurrency > 0 {
		cfg.WorkerConcurrency = opts.Concurrency
	}
	if opts.PollInterval > 0 {
		cfg.PollIntervalMS = int(opts.PollInterval.Milliseconds())
	}
	if opts.LeaseTTL > 0 {
		cfg.LeaseTTLMS = int(opts.LeaseTTL.Milliseconds())
	}
}

func openConfig(ctx context.Context, cfg *config.Config, observer Observer, logger *slog.Logger, defs []Definition) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	registry := engine.NewRegistry()
	for _, def := range defs {
		if err := registry.Register(def); err != nil {
			return nil, err
		}
	}

	store, err := config.OpenKV(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	bus, err := config.OpenBus(ctx, cfg.PubSubURL, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("connect pubsub: %w", err)
	}

	return &Runtime{
		cfg:   cfg,
		store: store,
		bus:   bus,
		db: persistence.New(store, persistence.Options{
			Namespace: []byte(cfg.Namespace),
			Bus:       bus,
			LeaseTTL:  cfg.LeaseTTL(),
			Logger:    logger,
		}),
		registry: registry,
		observer: observer,
		logger:   logger,
	}, nil
}

// Start runs a worker for the registered workflows in the background
// until Stop or until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	return r.start(ctx, r.cfg.WorkerConcurrency)
}

func (r *Runtime) start(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done != nil {
		return errAlreadyStarted
	}
	w, err := worker.New(worker.Config{
		Engine: engine.Config{
			DB:              r.db,
			Bus:             r.bus,
			Registry:        r.registry,
			Observer:        r.observer,
			Logger:          r.logger,
			AppConfig:       r.cfg,
			ActivityTimeout: r.cfg.ActivityTimeout(),
		},
		Concurrency:  concurrency,
		PollInterval: r.cfg.PollInterval(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()
	r.cancel = cancel
	r.done = done
	return nil
}

func (r *Runtime) running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done != nil
}

// Stop cancels the worker started by Start and waits for its running
// workflows. It returns the worker's error, if any.
func (r *Runtime) Stop() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if done == nil {
		return nil
	}
	cancel()
	return <-done
}

// Close stops the worker and releases the store and bus.
func (r *Runtime) Close() error {
	err := r.Stop()
	return errors.Join(err, r.bus.Close(), r.store.Close())
}

// Operator returns an operation context outside any workflow. Each call
// starts a new ray.
func (r *Runtime) Operator(ctx context.Context) *OperationCtx {
	return api.NewStandaloneCtx(ctx, api.StandaloneConfig{
		DB:     r.db,
		Bus:    r.bus,
		Config: r.cfg,
		Logger: r.logger,
	}).OperationCtx
}

// Dispatch starts a workflow. Use Operator(ctx).Dispatch for tags or
// unique dispatch.
func (r *Runtime) Dispatch(ctx context.Context, name string, input any) (uuid.UUID, error) {
	return r.Operator(ctx).Dispatch(name, input).Dispatch()
}

// Signal sends a signal to the workflow id.
func (r *Runtime) Signal(ctx context.Context, id uuid.UUID, name string, body any) (uuid.UUID, error) {
	return r.Operator(ctx).Signal(name, body).ToWorkflow(id).Send()
}

func (r *Runtime) Workflow(ctx context.Context, id uuid.UUID) (*WorkflowRow, error) {
	return r.db.GetWorkflow(ctx, id)
}

// List returns workflows named name whose tags contain tags, newest
// first. An empty name matches every workflow.
func (r *Runtime) List(ctx context.Context, name string, tags map[string]any, limit int) ([]*WorkflowRow, error) {
	t, err := persistence.NewTags(tags)
	if err != nil {
		return nil, err
	}
	return r.db.FindWorkflows(ctx, persistence.ListFilter{Name: name, Tags: t, Limit: limit})
}

// Wait blocks until the workflow completes and decodes its output into
// out. out may be nil.
func (r *Runtime) Wait(ctx context.Context, id uuid.UUID, out any) error {
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()
	for {
		wf, err := r.db.GetWorkflow(ctx, id)
		if err != nil {
			return err
		}
		switch wf.State {
		case StateComplete:
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(wf.Output, out); err != nil {
				return fmt.Errorf("decode output of workflow %s: %w", id, err)
			}
			return nil
		case StateDead:
			return fmt.Errorf("%w: %s: %s", ErrWorkflowDead, id, wf.Error)
		case StateSilenced:
			return fmt.Errorf("%w: %s", ErrWorkflowSilenced, id)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
