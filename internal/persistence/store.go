package persistence

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/petrijr/gasoline/internal/history"
)

var (
	// ErrWorkflowNotFound is returned when a workflow id or tag set matches
	// no workflow.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrWorkflowExists is returned when dispatching with an id that is
	// already taken.
	ErrWorkflowExists = errors.New("workflow already exists")

	// ErrLeaseLost is returned by CommitWorkflow when the lease of the run
	// was reclaimed by another worker. The run must be discarded.
	ErrLeaseLost = errors.New("workflow lease lost")

	// ErrSignalNotFound is returned when a signal id is unknown.
	ErrSignalNotFound = errors.New("signal not found")

	// ErrSignalAlreadyAcked is returned when a run tries to consume a signal
	// another run already consumed.
	ErrSignalAlreadyAcked = errors.New("signal already acknowledged")

	// ErrInvalidTag is returned for tag values that are not JSON scalars.
	ErrInvalidTag = errors.New("tag values must be JSON scalars")
)

// State is derived from a workflow's columns.
type State string

const (
	StateRunning  State = "running"
	StateSleeping State = "sleeping"
	StateComplete State = "complete"
	StateDead     State = "dead"
	StateSilenced State = "silenced"
)

// Tags maps tag names to canonical JSON scalars.
type Tags map[string]json.RawMessage

// NewTags canonicalizes a tag map. Values must be strings, numbers, bools
// or nil.
func NewTags(in map[string]any) (Tags, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(Tags, len(in))
	for k, v := range in {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("tag %q: %w", k, err)
		}
		c, err := canonicalTag(raw)
		if err != nil {
			return nil, fmt.Errorf("tag %q: %w", k, err)
		}
		out[k] = c
	}
	return out, nil
}

func canonicalTag(raw json.RawMessage) (json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	switch v.(type) {
	case string, json.Number, bool, nil:
	default:
		return nil, ErrInvalidTag
	}
	return json.Marshal(v)
}

func (t Tags) canonical() (Tags, error) {
	if len(t) == 0 {
		return nil, nil
	}
	out := make(Tags, len(t))
	for k, v := range t {
		c, err := canonicalTag(v)
		if err != nil {
			return nil, fmt.Errorf("tag %q: %w", k, err)
		}
		out[k] = c
	}
	return out, nil
}

// sortedKeys gives tag iteration a stable order.
func (t Tags) sortedKeys() []string {
	out := make([]string, 0, len(t))
	for k := range t {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Contains reports whether every tag of sub is present in t with the same
// value.
func (t Tags) Contains(sub Tags) bool {
	for k, v := range sub {
		have, ok := t[k]
		if !ok || !bytes.Equal(have, v) {
			return false
		}
	}
	return true
}

// Workflow is the stored row of one workflow.
type Workflow struct {
	ID       uuid.UUID       `json:"workflow_id"`
	Name     string          `json:"workflow_name"`
	Tags     Tags            `json:"tags,omitempty"`
	Input    json.RawMessage `json:"input"`
	Output   json.RawMessage `json:"output,omitempty"`
	RayID    uuid.UUID       `json:"ray_id"`
	ParentID *uuid.UUID      `json:"parent_id,omitempty"`
	CreateTS int64           `json:"create_ts"`
	// LastPingTS is the last ping of the worker holding the lease.
	LastPingTS *int64 `json:"last_ping_ts,omitempty"`

	WakeDeadlineTS   *int64      `json:"wake_deadline_ts,omitempty"`
	WakeSignals      []string    `json:"wake_signals,omitempty"`
	WakeSubWorkflows []uuid.UUID `json:"wake_sub_workflows,omitempty"`
	WakeImmediate    bool        `json:"wake_immediate"`

	LeaseWorkerID *uuid.UUID `json:"lease_worker_id,omitempty"`
	LeaseTS       *int64     `json:"lease_ts,omitempty"`

	Error    string `json:"error,omitempty"`
	Retries  int    `json:"retries"`
	Silenced bool   `json:"silenced"`
	State    State  `json:"state"`
}

func (w *Workflow) hasWakeCondition() bool {
	return w.WakeDeadlineTS != nil || len(w.WakeSignals) > 0 || len(w.WakeSubWorkflows) > 0
}

// deriveState applies the precedence silenced, complete, leased, sleeping,
// dead. A dispatched workflow waiting for its first pull is running.
func (w *Workflow) deriveState() State {
	switch {
	case w.Silenced:
		return StateSilenced
	case w.Output != nil:
		return StateComplete
	case w.LeaseWorkerID != nil:
		return StateRunning
	case w.hasWakeCondition():
		return StateSleeping
	case w.Error != "" && !w.WakeImmediate:
		return StateDead
	default:
		return StateRunning
	}
}

// terminated reports whether the workflow will never run again without an
// explicit wake.
func (w *Workflow) terminated() bool {
	return w.Output != nil || w.deriveState() == StateDead
}

// DispatchOpts describes a new workflow.
type DispatchOpts struct {
	RayID uuid.UUID
	// WorkflowID is generated when zero.
	WorkflowID uuid.UUID
	Name       string
	Tags       Tags
	Input      json.RawMessage
	// Unique returns the id of an existing unfinished workflow with the
	// same name and tags instead of creating one.
	Unique bool
	// ParentID is set for sub workflows; the parent is woken when the
	// child finishes.
	ParentID *uuid.UUID
}

// SignalOpts addresses a signal either to a workflow id or to the oldest
// unfinished workflow carrying all of Tags.
type SignalOpts struct {
	// SignalID is generated when zero.
	SignalID   uuid.UUID
	RayID      uuid.UUID
	WorkflowID *uuid.UUID
	Tags       Tags
	Name       string
	Body       json.RawMessage
}

// Signal is a stored signal.
type Signal struct {
	ID         uuid.UUID       `json:"signal_id"`
	Name       string          `json:"signal_name"`
	WorkflowID uuid.UUID       `json:"workflow_id"`
	Body       json.RawMessage `json:"body"`
	RayID      uuid.UUID       `json:"ray_id"`
	CreateTS   int64           `json:"create_ts"`
	AckTS      *int64          `json:"ack_ts,omitempty"`
	Silenced   bool            `json:"silenced"`
}

// WakeConditions are OR-composed: the workflow is pulled as soon as any
// of them holds.
type WakeConditions struct {
	DeadlineTS   *int64
	Signals      []string
	SubWorkflows []uuid.UUID
	Immediate    bool
}

func (w WakeConditions) empty() bool {
	return w.DeadlineTS == nil && len(w.Signals) == 0 && len(w.SubWorkflows) == 0 && !w.Immediate
}

// PulledWorkflow is a leased workflow with everything a run needs.
type PulledWorkflow struct {
	ID             uuid.UUID
	Name           string
	Tags           Tags
	Input          json.RawMessage
	RayID          uuid.UUID
	CreateTS       int64
	Retries        int
	WakeDeadlineTS *int64
	Events         []*history.Event
}

// RunCommit is the outcome of one run, written atomically by
// CommitWorkflow.
type RunCommit struct {
	WorkflowID uuid.UUID
	WorkerID   uuid.UUID

	// Events are appended, or replace the event at the same location.
	Events []*history.Event
	// Forget moves the events strictly inside these branches to the
	// forgotten history.
	Forget []history.Location
	// AckSignals are the pending signals the run consumed.
	AckSignals   []uuid.UUID
	Signals      []SignalOpts
	SubWorkflows []DispatchOpts

	// Exactly one outcome applies: Output completes the workflow, Dead
	// kills it with Error, otherwise Wake says when to run it again.
	Output  json.RawMessage
	Dead    bool
	Error   string
	Retries int
	Wake    WakeConditions
}

// ListFilter selects workflows for FindWorkflows. Zero values do not
// filter.
type ListFilter struct {
	Name  string
	Tags  Tags
	State State
	// Limit defaults to 100.
	Limit int
}
