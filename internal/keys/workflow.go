package keys

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/petrijr/gasoline/pkg/tuple"
)

// WakeKind says why a WAKE index entry exists.
type WakeKind int64

const (
	WakeKindImmediate WakeKind = iota
	WakeKindDeadline
	WakeKindSignal
	WakeKindSubWorkflow
)

func (k WakeKind) String() string {
	switch k {
	case WakeKindImmediate:
		return "immediate"
	case WakeKindDeadline:
		return "deadline"
	case WakeKindSignal:
		return "signal"
	case WakeKindSubWorkflow:
		return "sub_workflow"
	default:
		return "unknown"
	}
}

// LeaseValue records the worker holding a workflow.
type LeaseValue struct {
	WorkerID uuid.UUID `json:"worker_id"`
	TS       int64     `json:"ts"`
}

// Keyspace holds the workflow database layout:
//
//	(RIVET, GASOLINE, WORKFLOW, DATA, id, column...)      workflow columns
//	(RIVET, GASOLINE, WORKFLOW, BY_NAME, name, id)         name index
//	(RIVET, GASOLINE, WORKFLOW, BY_NAME_AND_TAG, ...)      tag index
//	(RIVET, GASOLINE, WORKFLOW, WAKE, name, ts, id, kind)  wake index
//	(RIVET, GASOLINE, SIGNAL, ...)                         signals
//	(RIVET, GASOLINE, WORKER, ...)                         worker pings
type Keyspace struct {
	root tuple.Subspace
}

// New returns the keyspace under an optional raw namespace prefix.
func New(namespace []byte) Keyspace {
	return Keyspace{root: tuple.SubspaceFromBytes(namespace).Sub(Rivet, Gasoline)}
}

// Root is the subspace every workflow key lives in.
func (k Keyspace) Root() tuple.Subspace { return k.root }

// WorkflowData holds every column of one workflow.
func (k Keyspace) WorkflowData(id uuid.UUID) tuple.Subspace {
	return k.root.Sub(Workflow, Data, id)
}

func (k Keyspace) WorkflowName(id uuid.UUID) Key[string] {
	return NewKey[string](k.WorkflowData(id), Name)
}

func (k Keyspace) WorkflowCreateTS(id uuid.UUID) Key[int64] {
	return NewKey[int64](k.WorkflowData(id), CreateTS)
}

func (k Keyspace) WorkflowRayID(id uuid.UUID) Key[uuid.UUID] {
	return NewKey[uuid.UUID](k.WorkflowData(id), RayID)
}

func (k Keyspace) WorkflowInput(id uuid.UUID) Key[json.RawMessage] {
	return NewKey[json.RawMessage](k.WorkflowData(id), Input)
}

func (k Keyspace) WorkflowOutput(id uuid.UUID) Key[json.RawMessage] {
	return NewKey[json.RawMessage](k.WorkflowData(id), Output)
}

func (k Keyspace) WorkflowError(id uuid.UUID) Key[string] {
	return NewKey[string](k.WorkflowData(id), Error)
}

// WorkflowSilenced holds the time the workflow was silenced.
func (k Keyspace) WorkflowSilenced(id uuid.UUID) Key[int64] {
	return NewKey[int64](k.WorkflowData(id), Silence)
}

func (k Keyspace) WorkflowLease(id uuid.UUID) Key[LeaseValue] {
	return NewKey[LeaseValue](k.WorkflowData(id), Lease)
}

// WorkflowRetries counts consecutive failed runs.
func (k Keyspace) WorkflowRetries(id uuid.UUID) Key[int] {
	return NewKey[int](k.WorkflowData(id), Retries)
}

// WorkflowParent is set on sub workflows.
func (k Keyspace) WorkflowParent(id uuid.UUID) Key[uuid.UUID] {
	return NewKey[uuid.UUID](k.WorkflowData(id), Parent)
}

func (k Keyspace) WorkflowTags(id uuid.UUID) tuple.Subspace {
	return k.WorkflowData(id).Sub(Tag)
}

func (k Keyspace) WorkflowTag(id uuid.UUID, name string) Key[json.RawMessage] {
	return NewKey[json.RawMessage](k.WorkflowTags(id), name)
}

// Wake conditions. A deadline, a set of signal names and a set of sub
// workflows are OR-composed; the immediate flag marks a pending
// unconditional wake.

func (k Keyspace) WorkflowWakeDeadline(id uuid.UUID) Key[int64] {
	return NewKey[int64](k.WorkflowData(id), WakeDeadline)
}

func (k Keyspace) WorkflowWakeSignals(id uuid.UUID) tuple.Subspace {
	return k.WorkflowData(id).Sub(WakeSignal)
}

func (k Keyspace) WorkflowWakeSignal(id uuid.UUID, name string) Key[int64] {
	return NewKey[int64](k.WorkflowWakeSignals(id), name)
}

func (k Keyspace) WorkflowWakeSubWorkflows(id uuid.UUID) tuple.Subspace {
	return k.WorkflowData(id).Sub(WakeSubWorkflow)
}

func (k Keyspace) WorkflowWakeSubWorkflow(id, sub uuid.UUID) Key[int64] {
	return NewKey[int64](k.WorkflowWakeSubWorkflows(id), sub)
}

func (k Keyspace) WorkflowWakeImmediate(id uuid.UUID) Key[int64] {
	return NewKey[int64](k.WorkflowData(id), WakeImmediate)
}

// WorkflowWakeRefs mirrors the WAKE index entries of one workflow so they
// can be removed without scanning the index: (..., WAKE, ts, kind).
func (k Keyspace) WorkflowWakeRefs(id uuid.UUID) tuple.Subspace {
	return k.WorkflowData(id).Sub(Wake)
}

// History returns the active or forgotten event subspace of a workflow.
// Events are keyed by their location packed as a nested tuple, so a range
// read yields them in pre-order.
func (k Keyspace) History(id uuid.UUID, forgotten bool) tuple.Subspace {
	if forgotten {
		return k.WorkflowData(id).Sub(History, Forgotten)
	}
	return k.WorkflowData(id).Sub(History, Active)
}

// Indices.

func (k Keyspace) ByName(name string) tuple.Subspace {
	return k.root.Sub(Workflow, ByName, name)
}

func (k Keyspace) ByNameAndTag(name, tag string, value []byte) tuple.Subspace {
	return k.root.Sub(Workflow, ByNameAndTag, name, tag, value)
}

// ByTag indexes workflows by tag regardless of name; signals addressed by
// tags use it.
func (k Keyspace) ByTag(tag string, value []byte) tuple.Subspace {
	return k.root.Sub(Workflow, Tag, tag, value)
}

func (k Keyspace) WakeIndex(name string) tuple.Subspace {
	return k.root.Sub(Workflow, Wake, name)
}

// WakeEntry is the key of one WAKE index row.
func (k Keyspace) WakeEntry(name string, ts int64, id uuid.UUID, kind WakeKind) []byte {
	return k.WakeIndex(name).Pack(ts, id, int64(kind))
}

func (k Keyspace) HasWakeCondition(id uuid.UUID) []byte {
	return k.root.Pack(Workflow, HasWakeCondition, id)
}

func (k Keyspace) HasWakeConditions() tuple.Subspace {
	return k.root.Sub(Workflow, HasWakeCondition)
}

// SubWorkflowWakes lists the parents waiting on sub.
func (k Keyspace) SubWorkflowWakes(sub uuid.UUID) tuple.Subspace {
	return k.root.Sub(Workflow, SubWorkflowWake, sub)
}

// Leases indexes leased workflows by worker: (LEASE, worker_id, id).
func (k Keyspace) Leases(worker uuid.UUID) tuple.Subspace {
	return k.root.Sub(Lease, worker)
}

func (k Keyspace) Workers() tuple.Subspace {
	return k.root.Sub(Worker)
}

func (k Keyspace) WorkerPing(worker uuid.UUID) Key[int64] {
	return NewKey[int64](k.Workers(), worker, LastPingTS)
}

// CacheEntry is a value cached by activities.
type CacheEntry struct {
	ExpiresTS int64           `json:"exp"`
	Value     json.RawMessage `json:"v"`
}

// Cache holds activity cache entries keyed by an opaque string.
func (k Keyspace) Cache(key string) Key[CacheEntry] {
	return NewKey[CacheEntry](k.root.Sub(Cache), key)
}
