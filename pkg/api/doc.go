// Package api is the surface workflow code is written against. It provides
// the workflow, activity and operation contexts, the primitives they expose
// and the observer hooks the executor reports through.
//
// Most applications start from the gasoline package, which re-exports the
// pieces needed to define and register workflows. Import api directly when
// writing workflow bodies, activities or operations.
//
// # Workflows
//
// A workflow is a deterministic function of its input and its history. It
// is defined with NewWorkflow and receives a *WorkflowCtx. Every call on the
// context that touches the outside world is recorded as a history event at
// the next location of the branch tree:
//
//   - Activity.Run runs side-effecting code and records its output
//   - Listen, ListenMany and ListenWithTimeout consume signals
//   - Sleep and SleepUntil wait for a deadline
//   - Signal, Msg and SubWorkflow talk to other workflows and the bus
//   - Join and Repeat open nested branches
//
// When the workflow runs again after a restart, recorded events are
// replayed instead of executed. A workflow whose code asks for a different
// operation than the one recorded fails with ErrHistoryDiverged.
//
// # Yielding
//
// An operation that cannot complete yet returns a *Yield error. Workflow
// code must return it unchanged. The executor commits everything recorded
// so far and puts the workflow to sleep until one of the yield's wake
// conditions holds.
//
// # Versioning
//
// V returns a context that records events at a newer version. Histories
// recorded by a newer version than the running code fail with
// ErrVersionMismatch. CheckVersion and Removed let a workflow evolve while
// older histories are still being replayed.
//
// # Activities and operations
//
// Activities are the only place workflow logic may be nondeterministic.
// They get an *ActivityCtx with access to the key-value store, the bus, the
// shared cache and configuration. Operations are plain named functions for
// work that does not need to be durable; they run under an *OperationCtx,
// which activities and standalone code can provide.
//
// # Observability
//
// The Observer interface is used by the executor to report lifecycle
// events. LoggingObserver, BasicMetrics and CompositeObserver are ready-made
// implementations.
package api
