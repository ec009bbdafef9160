package epoxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/gasoline/internal/keys"
	"github.com/petrijr/gasoline/pkg/kv"
)

const (
	pathFast      = "fast"
	pathSlow      = "slow"
	pathRecovered = "recovered"
	pathFailed    = "failed"
)

// leaderConfig returns the config if this replica may lead proposals.
func (r *Replica) leaderConfig(ctx context.Context) (ClusterConfig, error) {
	cfg, err := r.Config(ctx)
	if err != nil {
		return cfg, err
	}
	self, ok := cfg.Replica(r.id)
	if !ok || self.Status != ReplicaActive {
		return cfg, fmt.Errorf("%w: replica %d", ErrNotActive, r.id)
	}
	if n := len(cfg.Active()); n < MinActiveReplicas {
		return cfg, &RetryError{
			Err:   fmt.Errorf("%w: %d of %d", ErrClusterTooSmall, n, MinActiveReplicas),
			After: DefaultRetryAfter,
		}
	}
	return cfg, nil
}

// Propose commits cmd through this replica and waits until it is executed
// locally.
func (r *Replica) Propose(ctx context.Context, cmd Command) (CommandResult, error) {
	start := r.cfg.Now()
	ctx, span := r.tracer.Start(ctx, "epoxy.propose", trace.WithAttributes(
		attribute.Int64("epoxy.replica_id", int64(r.id)),
		attribute.String("epoxy.command", string(cmd.Kind)),
	))
	defer span.End()

	res, err := r.propose(ctx, cmd)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.cfg.Metrics.Proposal(pathFailed, r.cfg.Now().Sub(start))
		r.logger.WarnContext(ctx, "epoxy_propose_failed", slog.Any("error", err))
		return res, err
	}
	span.SetAttributes(
		attribute.String("epoxy.path", res.Path),
		attribute.String("epoxy.instance", res.Instance.String()),
	)
	r.cfg.Metrics.Proposal(res.Path, r.cfg.Now().Sub(start))
	return res, nil
}

func (r *Replica) propose(ctx context.Context, cmd Command) (CommandResult, error) {
	if err := cmd.validate(); err != nil {
		return CommandResult{}, err
	}
	cfg, err := r.leaderConfig(ctx)
	if err != nil {
		return CommandResult{}, err
	}

	p, err := r.preAcceptLocal(ctx, cfg.Epoch, []Command{cmd})
	if err != nil {
		return CommandResult{}, err
	}
	p, fast, err := r.phase1(ctx, cfg, p, true)
	if err != nil {
		return CommandResult{}, err
	}
	path := pathFast
	if !fast {
		path = pathSlow
		if err := r.phase2(ctx, cfg, p); err != nil {
			return CommandResult{}, err
		}
	}
	if err := r.commit(ctx, cfg, p); err != nil {
		return CommandResult{}, err
	}
	r.logger.DebugContext(ctx, "epoxy_committed",
		slog.String("instance", p.Instance.String()),
		slog.String("path", path),
		slog.Uint64("seq", p.Seq),
		slog.Int("deps", len(p.Deps)),
	)

	e, err := r.awaitExecuted(ctx, p.Instance)
	if err != nil {
		return CommandResult{}, err
	}
	res := CommandResult{Instance: p.Instance, Path: path, Seq: p.Seq, Deps: p.Deps, Applied: true}
	if len(e.Results) > 0 {
		res.Applied = e.Results[0].Applied
		res.Previous = e.Results[0].Previous
	}
	return res, nil
}

// preAcceptLocal allocates the next slot and records the proposal with
// attributes from the local log.
func (r *Replica) preAcceptLocal(ctx context.Context, epoch uint64, cmds []Command) (Payload, error) {
	return kv.Transact(ctx, r.db, func(tx *kv.Transaction) (Payload, error) {
		var inst Instance
		// Slots taken over by recovery before this replica used them are
		// skipped.
		for {
			if err := tx.Atomic(r.keys.LastSlot(), encodeUint(1), kv.MutationAdd); err != nil {
				return Payload{}, err
			}
			raw, _, err := tx.Get(ctx, r.keys.LastSlot())
			if err != nil {
				return Payload{}, err
			}
			inst = Instance{Replica: r.id, Slot: decodeUint(raw)}
			_, taken, err := keys.Get(ctx, tx, r.entryKey(inst))
			if err != nil {
				return Payload{}, err
			}
			if !taken {
				break
			}
		}
		maxSeq, deps, err := r.interference(ctx, tx, inst, cmds)
		if err != nil {
			return Payload{}, err
		}
		p := Payload{
			Instance: inst,
			Ballot:   Ballot{Epoch: epoch, Replica: r.id},
			Commands: cmds,
			Seq:      maxSeq + 1,
			Deps:     deps,
		}
		if err := keys.Set(tx, r.ballotKey(inst), p.Ballot); err != nil {
			return Payload{}, err
		}
		return p, r.putEntry(tx, inst, p.entry(StatusPreAccepted))
	})
}

type reply[T any] struct {
	from ReplicaID
	val  T
	err  error
}

// fanout sends to every peer concurrently. The channel is buffered so
// callers may stop reading once they have a quorum.
func fanout[T any](ctx context.Context, peers []ReplicaConfig, timeout time.Duration, send func(ctx context.Context, peer ReplicaConfig) (T, error)) <-chan reply[T] {
	ch := make(chan reply[T], len(peers))
	for _, peer := range peers {
		go func() {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			v, err := send(ctx, peer)
			ch <- reply[T]{from: peer.ID, val: v, err: err}
		}()
	}
	return ch
}

func (r *Replica) peers(members []ReplicaConfig) []ReplicaConfig {
	out := make([]ReplicaConfig, 0, len(members))
	for _, m := range members {
		if m.ID != r.id {
			out = append(out, m)
		}
	}
	return out
}

func quorumLost(phase string, got, need int) error {
	return &RetryError{
		Err:   fmt.Errorf("%w: %s got %d of %d replies", ErrQuorumLost, phase, got, need),
		After: DefaultRetryAfter,
	}
}

// phase1 pre-accepts p, already recorded locally, at the active peers.
// It reports whether every reply of a fast quorum matched p; otherwise the
// returned payload carries the merged attributes for phase2.
func (r *Replica) phase1(ctx context.Context, cfg ClusterConfig, p Payload, allowFast bool) (Payload, bool, error) {
	members := cfg.Active()
	peers := r.peers(members)
	need := SlowQuorum(len(members))
	if allowFast {
		need = FastQuorum(len(members))
	}
	if need <= 1 {
		return p, allowFast, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	req := &PreAcceptRequest{Header: Header{From: r.id, Epoch: cfg.Epoch}, Payload: p}
	replies := fanout(ctx, peers, r.cfg.RequestTimeout, func(ctx context.Context, peer ReplicaConfig) (*PreAcceptReply, error) {
		return r.tr.PreAccept(ctx, peer, req)
	})

	merged := p
	agree := true
	oks := 1
	for range peers {
		rep := <-replies
		if rep.err != nil {
			if errors.Is(rep.err, ErrBallotRejected) {
				return p, false, rep.err
			}
			r.logger.DebugContext(ctx, "epoxy_pre_accept_failed",
				slog.Uint64("peer", uint64(rep.from)),
				slog.Any("error", rep.err),
			)
			continue
		}
		oks++
		if rep.val.Seq != p.Seq || !sameDeps(rep.val.Deps, p.Deps) {
			agree = false
		}
		merged.Seq = max(merged.Seq, rep.val.Seq)
		merged.Deps = unionDeps(merged.Deps, rep.val.Deps)
		if oks >= need {
			if allowFast && agree {
				return p, true, nil
			}
			return merged, false, nil
		}
	}
	return p, false, quorumLost("pre_accept", oks, need)
}

// phase2 runs the Paxos accept round for p with a simple majority.
func (r *Replica) phase2(ctx context.Context, cfg ClusterConfig, p Payload) error {
	req := &AcceptRequest{Header: Header{From: r.id, Epoch: cfg.Epoch}, Payload: p}
	if err := r.HandleAccept(ctx, req); err != nil {
		return err
	}
	members := cfg.Active()
	peers := r.peers(members)
	need := SlowQuorum(len(members))
	oks := 1
	if oks >= need {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	replies := fanout(ctx, peers, r.cfg.RequestTimeout, func(ctx context.Context, peer ReplicaConfig) (struct{}, error) {
		return struct{}{}, r.tr.Accept(ctx, peer, req)
	})
	for range peers {
		rep := <-replies
		if rep.err != nil {
			if errors.Is(rep.err, ErrBallotRejected) {
				return rep.err
			}
			continue
		}
		if oks++; oks >= need {
			return nil
		}
	}
	return quorumLost("accept", oks, need)
}

// commit records p locally, then tells every other active or learning
// replica in the background.
func (r *Replica) commit(ctx context.Context, cfg ClusterConfig, p Payload) error {
	req := &CommitRequest{Header: Header{From: r.id, Epoch: cfg.Epoch}, Payload: p}
	if err := r.HandleCommit(ctx, req); err != nil {
		return err
	}
	receivers := r.peers(cfg.Receivers())
	if len(receivers) == 0 {
		return nil
	}

	bg := context.WithoutCancel(ctx)
	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		var g errgroup.Group
		for _, peer := range receivers {
			g.Go(func() error {
				ctx, cancel := context.WithTimeout(bg, r.cfg.RequestTimeout)
				defer cancel()
				if err := r.tr.Commit(ctx, peer, req); err != nil {
					return fmt.Errorf("commit %s at %d: %w", p.Instance, peer.ID, err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			r.logger.WarnContext(bg, "epoxy_commit_broadcast_failed", slog.Any("error", err))
		}
	}()
	return nil
}

// awaitExecuted blocks until inst is executed locally.
func (r *Replica) awaitExecuted(ctx context.Context, inst Instance) (LogEntry, error) {
	ticker := time.NewTicker(r.cfg.ExecuteInterval)
	defer ticker.Stop()
	for {
		done := r.waiter(inst)
		e, ok, err := r.Entry(ctx, inst)
		if err != nil {
			return e, err
		}
		if ok && e.Status == StatusExecuted {
			return e, nil
		}
		r.trigger()
		select {
		case <-ctx.Done():
			return e, ctx.Err()
		case <-done:
		case <-ticker.C:
		}
	}
}

func (r *Replica) waiter(inst Instance) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.waiters[inst]
	if !ok {
		ch = make(chan struct{})
		r.waiters[inst] = ch
	}
	return ch
}

func (r *Replica) notifyExecuted(insts []Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inst := range insts {
		if ch, ok := r.waiters[inst]; ok {
			close(ch)
			delete(r.waiters, inst)
		}
	}
}
