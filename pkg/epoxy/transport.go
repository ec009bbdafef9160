package epoxy

import (
	"context"
	"fmt"
	"sync"
)

// Header is carried by every replica to replica message.
type Header struct {
	From  ReplicaID `json:"from_replica_id"`
	Epoch uint64    `json:"epoch"`
}

type PreAcceptRequest struct {
	Header
	Payload
}

// PreAcceptReply carries the attributes the receiver computed.
type PreAcceptReply struct {
	From   ReplicaID  `json:"from_replica_id"`
	Seq    uint64     `json:"seq"`
	Deps   []Instance `json:"deps"`
	Status Status     `json:"status"`
}

type AcceptRequest struct {
	Header
	Payload
}

type CommitRequest struct {
	Header
	Payload
}

type PrepareRequest struct {
	Header
	Instance Instance `json:"instance"`
	Ballot   Ballot   `json:"ballot"`
}

// PrepareReply carries what the receiver knows about the instance. Entry
// is nil when it never saw it.
type PrepareReply struct {
	From  ReplicaID `json:"from_replica_id"`
	Entry *LogEntry `json:"entry,omitempty"`
}

type DownloadRequest struct {
	// After excludes every instance up to and including it.
	After *Instance `json:"after_instance,omitempty"`
	Count int       `json:"count"`
}

// InstanceEntry is one committed instance in a download.
type InstanceEntry struct {
	Instance Instance `json:"instance"`
	Entry    LogEntry `json:"log_entry"`
}

type DownloadReply struct {
	Instances []InstanceEntry `json:"instances"`
}

type ProposeRequest struct {
	Command Command `json:"command"`
}

// Transport delivers messages to peers. The peer's URL travels with its
// config so implementations keep no membership state.
type Transport interface {
	PreAccept(ctx context.Context, to ReplicaConfig, req *PreAcceptRequest) (*PreAcceptReply, error)
	Accept(ctx context.Context, to ReplicaConfig, req *AcceptRequest) error
	Commit(ctx context.Context, to ReplicaConfig, req *CommitRequest) error
	Prepare(ctx context.Context, to ReplicaConfig, req *PrepareRequest) (*PrepareReply, error)
	DownloadInstances(ctx context.Context, to ReplicaConfig, req *DownloadRequest) (*DownloadReply, error)
	UpdateConfig(ctx context.Context, to ReplicaConfig, cfg *ClusterConfig) error
	Propose(ctx context.Context, to ReplicaConfig, req *ProposeRequest) (*CommandResult, error)
}

// LocalTransport calls replicas in the same process. Intercept, when set,
// sees every message before delivery and may fail it.
type LocalTransport struct {
	mu       sync.RWMutex
	replicas map[ReplicaID]*Replica

	Intercept func(ctx context.Context, to ReplicaID, msg any) error
}

func NewLocalTransport() *LocalTransport {
	return &LocalTransport{replicas: make(map[ReplicaID]*Replica)}
}

// Add makes r reachable.
func (t *LocalTransport) Add(r *Replica) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.replicas[r.ID()] = r
}

func (t *LocalTransport) Remove(id ReplicaID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.replicas, id)
}

func (t *LocalTransport) target(ctx context.Context, to ReplicaConfig, msg any) (*Replica, error) {
	t.mu.RLock()
	r, ok := t.replicas[to.ID]
	intercept := t.Intercept
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownReplica, to.ID)
	}
	if intercept != nil {
		if err := intercept(ctx, to.ID, msg); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (t *LocalTransport) PreAccept(ctx context.Context, to ReplicaConfig, req *PreAcceptRequest) (*PreAcceptReply, error) {
	r, err := t.target(ctx, to, req)
	if err != nil {
		return nil, err
	}
	return r.HandlePreAccept(ctx, req)
}

func (t *LocalTransport) Accept(ctx context.Context, to ReplicaConfig, req *AcceptRequest) error {
	r, err := t.target(ctx, to, req)
	if err != nil {
		return err
	}
	return r.HandleAccept(ctx, req)
}

func (t *LocalTransport) Commit(ctx context.Context, to ReplicaConfig, req *CommitRequest) error {
	r, err := t.target(ctx, to, req)
	if err != nil {
		return err
	}
	return r.HandleCommit(ctx, req)
}

func (t *LocalTransport) Prepare(ctx context.Context, to ReplicaConfig, req *PrepareRequest) (*PrepareReply, error) {
	r, err := t.target(ctx, to, req)
	if err != nil {
		return nil, err
	}
	return r.HandlePrepare(ctx, req)
}

func (t *LocalTransport) DownloadInstances(ctx context.Context, to ReplicaConfig, req *DownloadRequest) (*DownloadReply, error) {
	r, err := t.target(ctx, to, req)
	if err != nil {
		return nil, err
	}
	return r.HandleDownloadInstances(ctx, req)
}

func (t *LocalTransport) UpdateConfig(ctx context.Context, to ReplicaConfig, cfg *ClusterConfig) error {
	r, err := t.target(ctx, to, cfg)
	if err != nil {
		return err
	}
	return r.HandleUpdateConfig(ctx, cfg)
}

func (t *LocalTransport) Propose(ctx context.Context, to ReplicaConfig, req *ProposeRequest) (*CommandResult, error) {
	r, err := t.target(ctx, to, req)
	if err != nil {
		return nil, err
	}
	res, err := r.Propose(ctx, req.Command)
	if err != nil {
		return nil, err
	}
	return &res, nil
}
