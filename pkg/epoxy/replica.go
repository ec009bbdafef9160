package epoxy

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/petrijr/gasoline/internal/keys"
	"github.com/petrijr/gasoline/pkg/kv"
	"github.com/petrijr/gasoline/pkg/tuple"
)

// Defaults for Config fields left zero.
const (
	DefaultRequestTimeout  = 5 * time.Second
	DefaultRecoveryTimeout = 2 * time.Second
	DefaultExecuteInterval = 250 * time.Millisecond
	DefaultRetryAfter      = time.Second
	DefaultDownloadChunk   = 128
)

// Metrics receives replica measurements. *metrics.Metrics implements it.
type Metrics interface {
	Proposal(path string, d time.Duration)
	InstanceExecuted()
	ClusterEpoch(epoch uint64)
}

type noopMetrics struct{}

func (noopMetrics) Proposal(string, time.Duration) {}
func (noopMetrics) InstanceExecuted()              {}
func (noopMetrics) ClusterEpoch(uint64)            {}

// Config configures a Replica. ID, DB and Transport are required.
type Config struct {
	ID        ReplicaID
	DB        *kv.Database
	Namespace []byte
	Transport Transport

	// RequestTimeout bounds a single message to a peer.
	RequestTimeout time.Duration
	// RecoveryTimeout is how long an instance may block execution before
	// this replica runs explicit prepare for it.
	RecoveryTimeout time.Duration
	// ExecuteInterval is the time between execution sweeps when no commit
	// arrives.
	ExecuteInterval time.Duration

	Metrics Metrics
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Now     func() time.Time
}

// Replica is one member of an epoxy cluster. It leads proposals for its
// own slots, answers peers, and applies committed instances to its local
// state machine in dependency order.
type Replica struct {
	cfg    Config
	id     ReplicaID
	db     *kv.Database
	keys   keys.EpoxyKeyspace
	tr     Transport
	logger *slog.Logger
	tracer trace.Tracer

	config atomic.Pointer[ClusterConfig]
	kick   chan struct{}

	mu       sync.Mutex
	waiters  map[Instance]chan struct{}
	blocked  map[Instance]time.Time
	inflight map[Instance]bool

	bg sync.WaitGroup
}

func NewReplica(cfg Config) (*Replica, error) {
	if cfg.ID == 0 {
		return nil, errors.New("epoxy: replica id must be non-zero")
	}
	if cfg.DB == nil {
		return nil, errors.New("epoxy: replica requires a database")
	}
	if cfg.Transport == nil {
		return nil, errors.New("epoxy: replica requires a transport")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if cfg.ExecuteInterval <= 0 {
		cfg.ExecuteInterval = DefaultExecuteInterval
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/petrijr/gasoline/pkg/epoxy")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Replica{
		cfg:      cfg,
		id:       cfg.ID,
		db:       cfg.DB,
		keys:     keys.NewEpoxy(cfg.Namespace, uint64(cfg.ID)),
		tr:       cfg.Transport,
		logger:   cfg.Logger.With(slog.Uint64("replica_id", uint64(cfg.ID))),
		tracer:   cfg.Tracer,
		kick:     make(chan struct{}, 1),
		waiters:  make(map[Instance]chan struct{}),
		blocked:  make(map[Instance]time.Time),
		inflight: make(map[Instance]bool),
	}, nil
}

func (r *Replica) ID() ReplicaID { return r.id }

// Close waits for background commit broadcasts.
func (r *Replica) Close() {
	r.bg.Wait()
}

/* Storage */

func (r *Replica) entryKey(inst Instance) keys.Key[LogEntry] {
	return keys.KeyFrom[LogEntry](r.keys.Entry(uint64(inst.Replica), inst.Slot))
}

func (r *Replica) ballotKey(inst Instance) keys.Key[Ballot] {
	return keys.KeyFrom[Ballot](r.keys.InstanceBallot(uint64(inst.Replica), inst.Slot))
}

func (r *Replica) configKey() keys.Key[ClusterConfig] {
	return keys.KeyFrom[ClusterConfig](r.keys.Config())
}

func (r *Replica) currentBallotKey() keys.Key[uint64] {
	return keys.KeyFrom[uint64](r.keys.CurrentBallot())
}

// putEntry writes an entry with its interference and committed indices.
func (r *Replica) putEntry(tx *kv.Transaction, inst Instance, e LogEntry) error {
	if err := keys.Set(tx, r.entryKey(inst), e); err != nil {
		return err
	}
	for _, key := range commandKeys(e.Commands) {
		if err := tx.Set(r.keys.KeyInstances(key).Pack(uint64(inst.Replica), inst.Slot), encodeUint(e.Seq)); err != nil {
			return err
		}
	}
	committed := r.keys.Committed().Pack(uint64(inst.Replica), inst.Slot)
	switch e.Status {
	case StatusCommitted:
		return tx.Set(committed, keys.Marker)
	case StatusExecuted:
		return tx.Clear(committed)
	}
	return nil
}

// checkBallot rejects ballots lower than the highest one promised for
// inst and records b otherwise. strict also rejects an equal ballot.
func (r *Replica) checkBallot(ctx context.Context, tx *kv.Transaction, inst Instance, b Ballot, strict bool) error {
	stored, ok, err := keys.Get(ctx, tx, r.ballotKey(inst))
	if err != nil {
		return err
	}
	if ok {
		c := b.Compare(stored)
		if c < 0 || (strict && c == 0) {
			return &BallotRejectedError{Highest: stored}
		}
		if c == 0 {
			return nil
		}
	}
	return keys.Set(tx, r.ballotKey(inst), b)
}

// interference returns the highest seq among instances that touch any key
// of cmds, and for every key the newest such instance of each owner.
func (r *Replica) interference(ctx context.Context, tx *kv.Transaction, self Instance, cmds []Command) (uint64, []Instance, error) {
	var maxSeq uint64
	var deps []Instance
	for _, key := range commandKeys(cmds) {
		sub := r.keys.KeyInstances(key)
		rows, err := tx.GetRangeAll(ctx, keys.Range(sub), kv.RangeOptions{})
		if err != nil {
			return 0, nil, err
		}
		newest := make(map[ReplicaID]uint64)
		for _, row := range rows {
			t, err := sub.Unpack(row.Key)
			if err != nil || len(t) != 2 {
				return 0, nil, fmt.Errorf("%w: key instance %x", ErrCorruptLog, row.Key)
			}
			owner, err := tupleUint(t[0])
			if err != nil {
				return 0, nil, err
			}
			slot, err := tupleUint(t[1])
			if err != nil {
				return 0, nil, err
			}
			inst := Instance{Replica: ReplicaID(owner), Slot: slot}
			if inst == self {
				continue
			}
			maxSeq = max(maxSeq, decodeUint(row.Value))
			if cur, ok := newest[inst.Replica]; !ok || slot > cur {
				newest[inst.Replica] = slot
			}
		}
		for owner, slot := range newest {
			deps = append(deps, Instance{Replica: owner, Slot: slot})
		}
	}
	return maxSeq, sortDeps(deps), nil
}

func encodeUint(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, v)
}

func decodeUint(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func tupleUint(el tuple.Element) (uint64, error) {
	v, err := tuple.Uint64(el)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCorruptLog, err)
	}
	return v, nil
}

/* Config */

// Config returns the cluster config this replica holds.
func (r *Replica) Config(ctx context.Context) (ClusterConfig, error) {
	if c := r.config.Load(); c != nil {
		return c.Clone(), nil
	}
	type loaded struct {
		c  ClusterConfig
		ok bool
	}
	out, err := kv.Transact(ctx, r.db, func(tx *kv.Transaction) (loaded, error) {
		c, ok, err := keys.Get(ctx, tx, r.configKey())
		return loaded{c, ok}, err
	})
	if err != nil {
		return ClusterConfig{}, err
	}
	if !out.ok {
		return ClusterConfig{}, ErrNoConfig
	}
	cfg := out.c
	r.config.Store(&cfg)
	return cfg.Clone(), nil
}

// HandleUpdateConfig stores cfg unless the replica already holds the same
// or a newer epoch.
func (r *Replica) HandleUpdateConfig(ctx context.Context, cfg *ClusterConfig) error {
	next := cfg.Clone()
	stored, err := kv.Transact(ctx, r.db, func(tx *kv.Transaction) (ClusterConfig, error) {
		cur, ok, err := keys.Get(ctx, tx, r.configKey())
		if err != nil {
			return cur, err
		}
		if ok && cur.Epoch >= next.Epoch {
			return cur, nil
		}
		return next, keys.Set(tx, r.configKey(), next)
	})
	if err != nil {
		return err
	}
	if prev := r.config.Load(); prev == nil || prev.Epoch < stored.Epoch {
		r.config.Store(&stored)
		r.cfg.Metrics.ClusterEpoch(stored.Epoch)
		r.logger.InfoContext(ctx, "epoxy_config_updated",
			slog.Uint64("epoch", stored.Epoch),
			slog.Int("replicas", len(stored.Replicas)),
		)
	}
	return nil
}

func (r *Replica) checkEpoch(ctx context.Context, epoch uint64) error {
	cfg, err := r.Config(ctx)
	if errors.Is(err, ErrNoConfig) {
		return nil
	}
	if err != nil {
		return err
	}
	if epoch < cfg.Epoch {
		return fmt.Errorf("%w: message epoch %d, replica epoch %d", ErrStaleEpoch, epoch, cfg.Epoch)
	}
	return nil
}

/* Message handlers */

// HandlePreAccept records the proposal with attributes updated from the
// local log and returns them.
func (r *Replica) HandlePreAccept(ctx context.Context, req *PreAcceptRequest) (*PreAcceptReply, error) {
	if err := r.checkEpoch(ctx, req.Epoch); err != nil {
		return nil, err
	}
	return kv.Transact(ctx, r.db, func(tx *kv.Transaction) (*PreAcceptReply, error) {
		if err := r.checkBallot(ctx, tx, req.Instance, req.Ballot, false); err != nil {
			return nil, err
		}
		existing, ok, err := keys.Get(ctx, tx, r.entryKey(req.Instance))
		if err != nil {
			return nil, err
		}
		if ok && existing.Status >= StatusAccepted {
			return &PreAcceptReply{From: r.id, Seq: existing.Seq, Deps: existing.Deps, Status: existing.Status}, nil
		}
		maxSeq, local, err := r.interference(ctx, tx, req.Instance, req.Commands)
		if err != nil {
			return nil, err
		}
		p := req.Payload
		p.Seq = max(p.Seq, maxSeq+1)
		p.Deps = unionDeps(p.Deps, local)
		if err := r.putEntry(tx, p.Instance, p.entry(StatusPreAccepted)); err != nil {
			return nil, err
		}
		return &PreAcceptReply{From: r.id, Seq: p.Seq, Deps: p.Deps, Status: StatusPreAccepted}, nil
	})
}

// HandleAccept records the final attributes chosen by the leader.
func (r *Replica) HandleAccept(ctx context.Context, req *AcceptRequest) error {
	if err := r.checkEpoch(ctx, req.Epoch); err != nil {
		return err
	}
	return r.db.Run(ctx, func(tx *kv.Transaction) error {
		if err := r.checkBallot(ctx, tx, req.Instance, req.Ballot, false); err != nil {
			return err
		}
		existing, ok, err := keys.Get(ctx, tx, r.entryKey(req.Instance))
		if err != nil {
			return err
		}
		if ok && existing.Status >= StatusCommitted {
			return nil
		}
		return r.putEntry(tx, req.Instance, req.entry(StatusAccepted))
	})
}

// HandleCommit makes the instance durable as committed. Commits are
// accepted from any epoch and never move an executed entry backwards.
func (r *Replica) HandleCommit(ctx context.Context, req *CommitRequest) error {
	err := r.db.Run(ctx, func(tx *kv.Transaction) error {
		existing, ok, err := keys.Get(ctx, tx, r.entryKey(req.Instance))
		if err != nil {
			return err
		}
		if ok && existing.Status >= StatusCommitted {
			return nil
		}
		return r.putEntry(tx, req.Instance, req.entry(StatusCommitted))
	})
	if err != nil {
		return err
	}
	r.trigger()
	return nil
}

// HandlePrepare promises ballot for the instance and reports what this
// replica knows about it. The ballot must be higher than any seen before.
func (r *Replica) HandlePrepare(ctx context.Context, req *PrepareRequest) (*PrepareReply, error) {
	if err := r.checkEpoch(ctx, req.Epoch); err != nil {
		return nil, err
	}
	return kv.Transact(ctx, r.db, func(tx *kv.Transaction) (*PrepareReply, error) {
		if err := r.checkBallot(ctx, tx, req.Instance, req.Ballot, true); err != nil {
			return nil, err
		}
		e, ok, err := keys.Get(ctx, tx, r.entryKey(req.Instance))
		if err != nil {
			return nil, err
		}
		reply := &PrepareReply{From: r.id}
		if ok {
			reply.Entry = &e
		}
		return reply, nil
	})
}

// HandleDownloadInstances pages through the committed part of the log in
// (owner, slot) order. Executed entries are reported as committed.
func (r *Replica) HandleDownloadInstances(ctx context.Context, req *DownloadRequest) (*DownloadReply, error) {
	count := req.Count
	if count <= 0 {
		count = DefaultDownloadChunk
	}
	logSpace := r.keys.Log()
	begin, end := logSpace.Range()
	if req.After != nil {
		begin = kv.Strinc(r.keys.LogOwner(uint64(req.After.Replica)).Pack(req.After.Slot))
	}

	return kv.Transact(ctx, r.db, func(tx *kv.Transaction) (*DownloadReply, error) {
		reply := &DownloadReply{}
		it := tx.Range(ctx, kv.KeyRange{Begin: begin, End: end}, kv.RangeOptions{Snapshot: true})
		for len(reply.Instances) < count && it.Next() {
			row := it.KeyValue()
			t, err := logSpace.Unpack(row.Key)
			if err != nil || len(t) != 3 {
				return nil, fmt.Errorf("%w: log key %x", ErrCorruptLog, row.Key)
			}
			if tag, err := tupleUint(t[2]); err != nil || tag != keys.Entry {
				continue
			}
			owner, err := tupleUint(t[0])
			if err != nil {
				return nil, err
			}
			slot, err := tupleUint(t[1])
			if err != nil {
				return nil, err
			}
			inst := Instance{Replica: ReplicaID(owner), Slot: slot}
			e, err := r.entryKey(inst).Deserialize(row.Value)
			if err != nil {
				return nil, err
			}
			if e.Status < StatusCommitted {
				continue
			}
			e.Status = StatusCommitted
			e.Results = nil
			reply.Instances = append(reply.Instances, InstanceEntry{Instance: inst, Entry: e})
		}
		return reply, it.Err()
	})
}

// Entry returns the local log entry of inst.
func (r *Replica) Entry(ctx context.Context, inst Instance) (LogEntry, bool, error) {
	type found struct {
		e  LogEntry
		ok bool
	}
	out, err := kv.Transact(ctx, r.db, func(tx *kv.Transaction) (found, error) {
		e, ok, err := keys.Get(ctx, tx, r.entryKey(inst))
		return found{e, ok}, err
	})
	return out.e, out.ok, err
}

// Get reads key from the local state machine.
func (r *Replica) Get(ctx context.Context, key string) ([]byte, bool, error) {
	type read struct {
		v  []byte
		ok bool
	}
	out, err := kv.Transact(ctx, r.db, func(tx *kv.Transaction) (read, error) {
		v, ok, err := tx.Get(ctx, r.keys.StateMachine(key))
		return read{v, ok}, err
	})
	return out.v, out.ok, err
}
