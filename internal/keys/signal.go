package keys

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/petrijr/gasoline/pkg/tuple"
)

func (k Keyspace) SignalData(id uuid.UUID) tuple.Subspace {
	return k.root.Sub(Signal, Data, id)
}

func (k Keyspace) SignalName(id uuid.UUID) Key[string] {
	return NewKey[string](k.SignalData(id), Name)
}

func (k Keyspace) SignalBody(id uuid.UUID) Key[json.RawMessage] {
	return NewKey[json.RawMessage](k.SignalData(id), Body)
}

func (k Keyspace) SignalCreateTS(id uuid.UUID) Key[int64] {
	return NewKey[int64](k.SignalData(id), CreateTS)
}

func (k Keyspace) SignalRayID(id uuid.UUID) Key[uuid.UUID] {
	return NewKey[uuid.UUID](k.SignalData(id), RayID)
}

// SignalWorkflowID is the resolved target of the signal.
func (k Keyspace) SignalWorkflowID(id uuid.UUID) Key[uuid.UUID] {
	return NewKey[uuid.UUID](k.SignalData(id), Workflow)
}

func (k Keyspace) SignalAckTS(id uuid.UUID) Key[int64] {
	return NewKey[int64](k.SignalData(id), AckTS)
}

func (k Keyspace) SignalSilenced(id uuid.UUID) Key[int64] {
	return NewKey[int64](k.SignalData(id), Silence)
}

// PendingSignals is the FIFO of unacked signals of a workflow:
// (SIGNAL, PENDING, workflow_id, name, create_ts, signal_id).
func (k Keyspace) PendingSignals(workflowID uuid.UUID) tuple.Subspace {
	return k.root.Sub(Signal, Pending, workflowID)
}

func (k Keyspace) PendingSignal(workflowID uuid.UUID, name string, ts int64, signalID uuid.UUID) []byte {
	return k.PendingSignals(workflowID).Pack(name, ts, signalID)
}

// WorkflowSignals lists every signal sent to a workflow, acked or not:
// (SIGNAL, WORKFLOW, workflow_id, create_ts, signal_id).
func (k Keyspace) WorkflowSignals(workflowID uuid.UUID) tuple.Subspace {
	return k.root.Sub(Signal, Workflow, workflowID)
}
