package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// RunInfo identifies the run an observer callback is about.
type RunInfo struct {
	WorkflowID uuid.UUID
	RayID      uuid.UUID
	Name       string
	// Retries is the number of failed runs before this one.
	Retries int
}

// Observer receives callbacks from the executor for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay workflow execution.
type Observer interface {
	// OnWorkflowStart is called when a leased workflow starts running,
	// before its history is replayed.
	OnWorkflowStart(ctx context.Context, run *RunInfo)

	// OnWorkflowCompleted is called after the workflow's output was
	// committed.
	OnWorkflowCompleted(ctx context.Context, run *RunInfo)

	// OnWorkflowSleeping is called when the run yielded and its wake
	// conditions were committed.
	OnWorkflowSleeping(ctx context.Context, run *RunInfo, wake *Yield)

	// OnWorkflowFailed is called when a run failed. dead is true when the
	// workflow will not be retried.
	OnWorkflowFailed(ctx context.Context, run *RunInfo, err error, dead bool)

	// OnActivityStart is called before the first attempt of an activity
	// that has no recorded output.
	OnActivityStart(ctx context.Context, run *RunInfo, activity string, loc string)

	// OnActivityCompleted is called after the last attempt of an activity,
	// for both successes and failures (err != nil).
	OnActivityCompleted(ctx context.Context, run *RunInfo, activity string, loc string, err error, duration time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnWorkflowStart(ctx context.Context, run *RunInfo)                        {}
func (NoopObserver) OnWorkflowCompleted(ctx context.Context, run *RunInfo)                    {}
func (NoopObserver) OnWorkflowSleeping(ctx context.Context, run *RunInfo, wake *Yield)        {}
func (NoopObserver) OnWorkflowFailed(ctx context.Context, run *RunInfo, err error, dead bool) {}
func (NoopObserver) OnActivityStart(ctx context.Context, run *RunInfo, activity, loc string)  {}
func (NoopObserver) OnActivityCompleted(ctx context.Context, run *RunInfo, activity, loc string, err error, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnWorkflowStart(ctx context.Context, run *RunInfo) {
	for _, o := range c.observers {
		o.OnWorkflowStart(ctx, run)
	}
}

func (c *CompositeObserver) OnWorkflowCompleted(ctx context.Context, run *RunInfo) {
	for _, o := range c.observers {
		o.OnWorkflowCompleted(ctx, run)
	}
}

func (c *CompositeObserver) OnWorkflowSleeping(ctx context.Context, run *RunInfo, wake *Yield) {
	for _, o := range c.observers {
		o.OnWorkflowSleeping(ctx, run, wake)
	}
}

func (c *CompositeObserver) OnWorkflowFailed(ctx context.Context, run *RunInfo, err error, dead bool) {
	for _, o := range c.observers {
		o.OnWorkflowFailed(ctx, run, err, dead)
	}
}

func (c *CompositeObserver) OnActivityStart(ctx context.Context, run *RunInfo, activity, loc string) {
	for _, o := range c.observers {
		o.OnActivityStart(ctx, run, activity, loc)
	}
}

func (c *CompositeObserver) OnActivityCompleted(ctx context.Context, run *RunInfo, activity, loc string, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnActivityCompleted(ctx, run, activity, loc, err, d)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs workflow and activity
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func runAttrs(run *RunInfo) []any {
	return []any{
		slog.String("workflow", run.Name),
		slog.String("workflow_id", run.WorkflowID.String()),
		slog.String("ray_id", run.RayID.String()),
	}
}

func (o *LoggingObserver) OnWorkflowStart(ctx context.Context, run *RunInfo) {
	o.Logger.DebugContext(ctx, "workflow_start", append(runAttrs(run), slog.Int("retries", run.Retries))...)
}

func (o *LoggingObserver) OnWorkflowCompleted(ctx context.Context, run *RunInfo) {
	o.Logger.InfoContext(ctx, "workflow_completed", runAttrs(run)...)
}

func (o *LoggingObserver) OnWorkflowSleeping(ctx context.Context, run *RunInfo, wake *Yield) {
	attrs := runAttrs(run)
	if wake.DeadlineTS != nil {
		attrs = append(attrs, slog.Int64("wake_deadline_ts", *wake.DeadlineTS))
	}
	if len(wake.Signals) > 0 {
		attrs = append(attrs, slog.Any("wake_signals", wake.Signals))
	}
	if len(wake.SubWorkflows) > 0 {
		attrs = append(attrs, slog.Int("wake_sub_workflows", len(wake.SubWorkflows)))
	}
	o.Logger.DebugContext(ctx, "workflow_sleeping", attrs...)
}

func (o *LoggingObserver) OnWorkflowFailed(ctx context.Context, run *RunInfo, err error, dead bool) {
	level := slog.LevelWarn
	if dead {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "workflow_failed",
		append(runAttrs(run),
			slog.Int("retries", run.Retries),
			slog.Bool("dead", dead),
			slog.Any("error", err),
		)...,
	)
}

func (o *LoggingObserver) OnActivityStart(ctx context.Context, run *RunInfo, activity, loc string) {
	o.Logger.DebugContext(ctx, "activity_start",
		append(runAttrs(run), slog.String("activity", activity), slog.String("location", loc))...,
	)
}

func (o *LoggingObserver) OnActivityCompleted(ctx context.Context, run *RunInfo, activity, loc string, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "activity_completed",
		append(runAttrs(run),
			slog.String("activity", activity),
			slog.String("location", loc),
			slog.Duration("duration", d),
			slog.Any("error", err),
		)...,
	)
}

// BasicMetrics collects simple counters and aggregate activity durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	runsStarted           atomic.Int64
	workflowsCompleted    atomic.Int64
	workflowsSleeping     atomic.Int64
	runsFailed            atomic.Int64
	workflowsDead         atomic.Int64
	activitiesCompleted   atomic.Int64
	activitiesFailed      atomic.Int64
	totalActivityDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	RunsStarted        int64
	WorkflowsCompleted int64
	WorkflowsSleeping  int64
	RunsFailed         int64
	WorkflowsDead      int64

	ActivitiesCompleted int64
	ActivitiesFailed    int64
	AvgActivityDuration time.Duration
}

func (m *BasicMetrics) OnWorkflowStart(ctx context.Context, run *RunInfo) {
	m.runsStarted.Add(1)
}

func (m *BasicMetrics) OnWorkflowCompleted(ctx context.Context, run *RunInfo) {
	m.workflowsCompleted.Add(1)
}

func (m *BasicMetrics) OnWorkflowSleeping(ctx context.Context, run *RunInfo, wake *Yield) {
	m.workflowsSleeping.Add(1)
}

func (m *BasicMetrics) OnWorkflowFailed(ctx context.Context, run *RunInfo, err error, dead bool) {
	m.runsFailed.Add(1)
	if dead {
		m.workflowsDead.Add(1)
	}
}

func (m *BasicMetrics) OnActivityCompleted(ctx context.Context, run *RunInfo, activity, loc string, err error, d time.Duration) {
	if err != nil {
		m.activitiesFailed.Add(1)
		return
	}
	// Only successful activities count towards the average duration.
	m.activitiesCompleted.Add(1)
	m.totalActivityDuration.Add(d.Nanoseconds())
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	done := m.activitiesCompleted.Load()
	totalNs := m.totalActivityDuration.Load()

	var avg time.Duration
	if done > 0 {
		avg = time.Duration(totalNs / done)
	}

	return BasicMetricsSnapshot{
		RunsStarted:         m.runsStarted.Load(),
		WorkflowsCompleted:  m.workflowsCompleted.Load(),
		WorkflowsSleeping:   m.workflowsSleeping.Load(),
		RunsFailed:          m.runsFailed.Load(),
		WorkflowsDead:       m.workflowsDead.Load(),
		ActivitiesCompleted: done,
		ActivitiesFailed:    m.activitiesFailed.Load(),
		AvgActivityDuration: avg,
	}
}
