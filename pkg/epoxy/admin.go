package epoxy

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/petrijr/gasoline/pkg/api"
)

// Admin changes cluster membership by talking to the coordinator
// workflow.
type Admin struct {
	op api.Operator
}

func NewAdmin(op api.Operator) *Admin {
	return &Admin{op: op}
}

// Bootstrap starts the coordinator with cfg, or returns the running one.
// cfg needs at least MinActiveReplicas active replicas, one of which is
// the coordinator.
func (a *Admin) Bootstrap(cfg ClusterConfig) (uuid.UUID, error) {
	if err := validateBootstrap(cfg); err != nil {
		return uuid.Nil, err
	}
	return a.op.OperationCtx().
		Dispatch(CoordinatorWorkflowName, CoordinatorInput{Config: cfg}).
		Tags(CoordinatorTags()).
		Unique().
		Dispatch()
}

// Coordinator returns the id of the running coordinator workflow.
func (a *Admin) Coordinator() (uuid.UUID, bool, error) {
	return a.op.OperationCtx().FindWorkflow(CoordinatorWorkflowName, CoordinatorTags())
}

func (a *Admin) AddReplica(id ReplicaID, url string) error {
	if id == 0 || url == "" {
		return fmt.Errorf("%w: replica needs an id and a url", ErrUnknownReplica)
	}
	return a.signal(SignalAddReplica, AddReplica{ID: id, URL: url})
}

func (a *Admin) RemoveReplica(id ReplicaID) error {
	return a.signal(SignalRemoveReplica, RemoveReplica{ID: id})
}

// UpdateStatus asks the coordinator to move a replica to status. The
// coordinator ignores transitions other than joining to learning and
// learning to active.
func (a *Admin) UpdateStatus(id ReplicaID, status ReplicaStatus) error {
	switch status {
	case ReplicaJoining, ReplicaLearning, ReplicaActive:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}
	return a.signal(SignalReplicaStatusChange, ReplicaStatusChange{ID: id, Status: status})
}

func (a *Admin) signal(name string, body any) error {
	_, err := a.op.OperationCtx().Signal(name, body).ToTags(CoordinatorTags()).Send()
	return err
}
