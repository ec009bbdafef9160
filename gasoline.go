package gasoline

import (
	"github.com/petrijr/gasoline/internal/persistence"
	"github.com/petrijr/gasoline/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	WorkflowCtx          = api.WorkflowCtx
	ActivityCtx          = api.ActivityCtx
	OperationCtx         = api.OperationCtx
	Operator             = api.Operator
	Definition           = api.Definition
	Signal               = api.Signal
	Observer             = api.Observer
	RunInfo              = api.RunInfo
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver

	Workflow[I, O any]  = api.Workflow[I, O]
	Activity[I, O any]  = api.Activity[I, O]
	Operation[I, O any] = api.Operation[I, O]
	Loop[T any]         = api.Loop[T]

	// WorkflowRow is the stored state of a workflow.
	WorkflowRow = persistence.Workflow
	State       = persistence.State
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Re-export workflow states.

const (
	StateRunning  = persistence.StateRunning
	StateSleeping = persistence.StateSleeping
	StateComplete = persistence.StateComplete
	StateDead     = persistence.StateDead
	StateSilenced = persistence.StateSilenced
)

var (
	ErrHistoryDiverged     = api.ErrHistoryDiverged
	ErrActivityFailed      = api.ErrActivityFailed
	ErrVersionMismatch     = api.ErrVersionMismatch
	ErrSignalUnknown       = api.ErrSignalUnknown
	ErrSubWorkflowNotFound = api.ErrSubWorkflowNotFound
	ErrMissingName         = api.ErrMissingName
	ErrWorkflowNotFound    = persistence.ErrWorkflowNotFound
)

// NewWorkflow defines a workflow. See api.NewWorkflow.
func NewWorkflow[I, O any](name string, fn func(c *WorkflowCtx, input I) (O, error)) *Workflow[I, O] {
	return api.NewWorkflow(name, fn)
}

// Repeat runs body until it breaks. See api.Repeat.
func Repeat[S, T any](c *WorkflowCtx, state S, body func(c *WorkflowCtx, state *S) (Loop[T], error)) (T, error) {
	return api.Repeat(c, state, body)
}

func Continue[T any]() Loop[T] { return api.Continue[T]() }

func Break[T any](v T) Loop[T] { return api.Break(v) }

// Join runs branches concurrently. See api.Join.
func Join(c *WorkflowCtx, branches ...func(c *WorkflowCtx) error) error {
	return api.Join(c, branches...)
}
