package gasoline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/gasoline/internal/config"
)

// LocalRunner is a Runtime over an in-memory store and bus, for
// development and tests. Nothing survives the process.
//
// Typical usage:
//
//	runner, _ := gasoline.NewLocalRunner(greeting)
//	defer runner.Close()
//
//	var out string
//	_, err := runner.Run(ctx, greeting.Name(), "Gopher", &out)
type LocalRunner struct {
	*Runtime
}

const localPollInterval = 50 * time.Millisecond

// NewLocalRunner registers defs on a fresh in-memory runtime. Workers are
// started by StartWorkers or the first Run.
func NewLocalRunner(defs ...Definition) (*LocalRunner, error) {
	cfg, err := config.FromViper(config.New())
	if err != nil {
		return nil, err
	}
	cfg.DatabaseURL = "memory://"
	cfg.PubSubURL = "memory://"
	cfg.PollIntervalMS = int(localPollInterval.Milliseconds())

	rt, err := openConfig(context.Background(), cfg, nil, slog.Default(), defs)
	if err != nil {
		return nil, err
	}
	return &LocalRunner{Runtime: rt}, nil
}

// StartWorkers starts a worker running up to concurrency workflows at
// once. It returns an error if workers are already running.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	return r.start(ctx, concurrency)
}

// Run dispatches the workflow and waits for its output. It starts one
// worker if none is running.
func (r *LocalRunner) Run(ctx context.Context, name string, input, out any) (uuid.UUID, error) {
	if !r.running() {
		if err := r.StartWorkers(context.WithoutCancel(ctx), 1); err != nil && !errors.Is(err, errAlreadyStarted) {
			return uuid.Nil, err
		}
	}
	id, err := r.Dispatch(ctx, name, input)
	if err != nil {
		return uuid.Nil, err
	}
	return id, r.Wait(ctx, id, out)
}
