package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petrijr/gasoline/internal/config"
	"github.com/petrijr/gasoline/internal/persistence"
	"github.com/petrijr/gasoline/pkg/api"
	"github.com/petrijr/gasoline/pkg/pubsub"
)

// Defaults for the retry policy of failed runs.
const (
	DefaultMaxRetries  = 12
	DefaultBackoffBase = 30 * time.Second
	DefaultBackoffMax  = 30 * time.Minute
)

// Outcome is what a run did to its workflow.
type Outcome int

const (
	// OutcomeCompleted: the output was committed.
	OutcomeCompleted Outcome = iota
	// OutcomeSleeping: the run yielded and its wake conditions were
	// committed.
	OutcomeSleeping
	// OutcomeRetrying: the run failed and was rescheduled with backoff.
	OutcomeRetrying
	// OutcomeDead: the workflow failed permanently.
	OutcomeDead
	// OutcomeDiscarded: nothing was committed. The lease was lost or the
	// worker is shutting down.
	OutcomeDiscarded
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeSleeping:
		return "sleeping"
	case OutcomeRetrying:
		return "retrying"
	case OutcomeDead:
		return "dead"
	case OutcomeDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// OutcomeRecorder receives the outcome of every run, e.g. for metrics.
type OutcomeRecorder interface {
	RecordOutcome(workflow, outcome string, d time.Duration)
}

// Config describes how to construct an Executor.
type Config struct {
	DB       *persistence.Database
	Bus      *pubsub.Client
	Registry *Registry
	WorkerID uuid.UUID

	Observer api.Observer
	Outcomes OutcomeRecorder
	Logger   *slog.Logger
	Tracer   trace.Tracer
	// AppConfig is handed to activities.
	AppConfig *config.Config

	// MaxRetries is the number of failed runs after which a workflow is
	// dead.
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration

	ActivityTimeout  time.Duration
	ActivityAttempts int
	ActivityBackoff  time.Duration
}

// Executor runs leased workflows and commits what they did.
type Executor struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

func NewExecutor(cfg Config) (*Executor, error) {
	if cfg.DB == nil {
		return nil, errors.New("executor requires a database")
	}
	if cfg.Registry == nil {
		return nil, errors.New("executor requires a registry")
	}
	if cfg.WorkerID == uuid.Nil {
		cfg.WorkerID = uuid.New()
	}
	if cfg.Observer == nil {
		cfg.Observer = api.NoopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/petrijr/gasoline/internal/engine")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}
	return &Executor{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("worker_id", cfg.WorkerID.String())),
		tracer: cfg.Tracer,
	}, nil
}

func (e *Executor) WorkerID() uuid.UUID { return e.cfg.WorkerID }
func (e *Executor) Registry() *Registry { return e.cfg.Registry }

// Backoff is the delay before the retry that follows the given number of
// failed runs: base doubled for every earlier failure, capped at limit.
func Backoff(base, limit time.Duration, retries int) time.Duration {
	if retries < 1 {
		retries = 1
	}
	d := base
	for i := 1; i < retries; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return min(d, limit)
}

// Run executes one leased workflow and commits the result. The returned
// error is the run's failure, if any; the Outcome says what was committed.
func (e *Executor) Run(ctx context.Context, wf *persistence.PulledWorkflow) (Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "gasoline.workflow.run", trace.WithAttributes(
		attribute.String("workflow.name", wf.Name),
		attribute.String("workflow.id", wf.ID.String()),
		attribute.String("workflow.ray_id", wf.RayID.String()),
		attribute.Int("workflow.retries", wf.Retries),
		attribute.Int("workflow.events", len(wf.Events)),
	))
	defer span.End()

	start := time.Now()
	outcome, err := e.run(ctx, wf)
	span.SetAttributes(attribute.String("workflow.outcome", outcome.String()))
	if err != nil && outcome != OutcomeSleeping {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if e.cfg.Outcomes != nil {
		e.cfg.Outcomes.RecordOutcome(wf.Name, outcome.String(), time.Since(start))
	}
	return outcome, err
}

func (e *Executor) run(ctx context.Context, wf *persistence.PulledWorkflow) (Outcome, error) {
	logger := e.logger.With(
		slog.String("workflow_id", wf.ID.String()),
		slog.String("workflow_name", wf.Name),
	)
	run := api.NewRun(api.RunConfig{
		Workflow:         wf,
		DB:               e.cfg.DB,
		Bus:              e.cfg.Bus,
		Config:           e.cfg.AppConfig,
		Logger:           e.cfg.Logger,
		Observer:         e.cfg.Observer,
		ActivityTimeout:  e.cfg.ActivityTimeout,
		ActivityAttempts: e.cfg.ActivityAttempts,
		ActivityBackoff:  e.cfg.ActivityBackoff,
	})
	info := run.Info()
	e.cfg.Observer.OnWorkflowStart(ctx, info)

	var out json.RawMessage
	def, runErr := e.cfg.Registry.Get(wf.Name)
	if runErr == nil {
		out, runErr = run.Execute(ctx, def)
	}

	if ctx.Err() != nil {
		// The worker is shutting down. The lease expires and another
		// worker replays the run from the last commit.
		logger.InfoContext(context.WithoutCancel(ctx), "workflow_run_abandoned", slog.Any("error", runErr))
		return OutcomeDiscarded, ctx.Err()
	}

	commit := run.Commit()
	commit.WorkerID = e.cfg.WorkerID
	outcome := e.decide(commit, wf, out, runErr)

	if err := e.cfg.DB.CommitWorkflow(ctx, commit); err != nil {
		return e.commitFailed(ctx, logger, wf, info, err)
	}

	for _, m := range run.Messages() {
		if e.cfg.Bus == nil {
			logger.WarnContext(ctx, "workflow_message_dropped", slog.String("subject", m.Subject))
			continue
		}
		if err := e.cfg.Bus.Publish(ctx, m.Subject, m.Body); err != nil {
			logger.WarnContext(ctx, "workflow_message_publish_failed",
				slog.String("subject", m.Subject),
				slog.Any("error", err),
			)
		}
	}

	switch outcome {
	case OutcomeCompleted:
		e.cfg.Observer.OnWorkflowCompleted(ctx, info)
		return outcome, nil
	case OutcomeSleeping:
		y, _ := api.AsYield(runErr)
		e.cfg.Observer.OnWorkflowSleeping(ctx, info, y)
		return outcome, nil
	default:
		e.cfg.Observer.OnWorkflowFailed(ctx, info, runErr, outcome == OutcomeDead)
		return outcome, runErr
	}
}

// decide fills in the outcome part of commit.
func (e *Executor) decide(commit *persistence.RunCommit, wf *persistence.PulledWorkflow, out json.RawMessage, runErr error) Outcome {
	if runErr == nil {
		if out == nil {
			out = json.RawMessage("null")
		}
		commit.Output = out
		return OutcomeCompleted
	}

	if y, ok := api.AsYield(runErr); ok {
		commit.Wake = persistence.WakeConditions{
			DeadlineTS:   y.DeadlineTS,
			Signals:      y.Signals,
			SubWorkflows: y.SubWorkflows,
		}
		if commit.Wake.DeadlineTS == nil && len(commit.Wake.Signals) == 0 && len(commit.Wake.SubWorkflows) == 0 {
			commit.Wake.Immediate = true
		}
		commit.Retries = 0
		return OutcomeSleeping
	}

	commit.Error = runErr.Error()
	switch {
	case errors.Is(runErr, api.ErrHistoryDiverged):
		// Nothing the run produced is trustworthy.
		*commit = persistence.RunCommit{
			WorkflowID: commit.WorkflowID,
			WorkerID:   commit.WorkerID,
			Dead:       true,
			Error:      runErr.Error(),
			Retries:    wf.Retries,
		}
		return OutcomeDead
	case errors.Is(runErr, api.ErrVersionMismatch), errors.Is(runErr, api.ErrSerializeFailed):
		commit.Dead = true
		commit.Retries = wf.Retries
		return OutcomeDead
	}

	retries := wf.Retries + 1
	commit.Retries = retries
	if retries > e.cfg.MaxRetries {
		commit.Dead = true
		return OutcomeDead
	}
	deadline := e.cfg.DB.Now().Add(Backoff(e.cfg.BackoffBase, e.cfg.BackoffMax, retries)).UnixMilli()
	commit.Wake = persistence.WakeConditions{DeadlineTS: &deadline}
	return OutcomeRetrying
}

// commitFailed handles a commit that did not land. With a lost lease
// another worker owns the workflow and nothing may be written. Otherwise
// an error-only commit reschedules the workflow; if that fails too the
// lease expires and the gc task hands the workflow to another worker.
func (e *Executor) commitFailed(ctx context.Context, logger *slog.Logger, wf *persistence.PulledWorkflow, info *api.RunInfo, err error) (Outcome, error) {
	if errors.Is(err, persistence.ErrLeaseLost) {
		logger.WarnContext(ctx, "workflow_lease_lost", slog.Any("error", err))
		return OutcomeDiscarded, err
	}
	logger.ErrorContext(ctx, "workflow_commit_failed", slog.Any("error", err))

	retries := wf.Retries + 1
	fallback := &persistence.RunCommit{
		WorkflowID: wf.ID,
		WorkerID:   e.cfg.WorkerID,
		Error:      fmt.Sprintf("commit failed: %v", err),
		Retries:    retries,
	}
	outcome := OutcomeRetrying
	if retries > e.cfg.MaxRetries {
		fallback.Dead = true
		outcome = OutcomeDead
	} else {
		deadline := e.cfg.DB.Now().Add(Backoff(e.cfg.BackoffBase, e.cfg.BackoffMax, retries)).UnixMilli()
		fallback.Wake = persistence.WakeConditions{DeadlineTS: &deadline}
	}
	if fbErr := e.cfg.DB.CommitWorkflow(ctx, fallback); fbErr != nil {
		logger.ErrorContext(ctx, "workflow_commit_fallback_failed", slog.Any("error", fbErr))
		return OutcomeDiscarded, errors.Join(err, fbErr)
	}
	e.cfg.Observer.OnWorkflowFailed(ctx, info, err, outcome == OutcomeDead)
	return outcome, err
}
