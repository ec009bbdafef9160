package epoxy

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/gasoline/internal/keys"
	"github.com/petrijr/gasoline/pkg/kv"
)

// nextBallot returns a ballot for inst above every ballot this replica
// has used or seen for it.
func (r *Replica) nextBallot(ctx context.Context, epoch uint64, inst Instance) (Ballot, error) {
	return kv.Transact(ctx, r.db, func(tx *kv.Transaction) (Ballot, error) {
		current, _, err := keys.Get(ctx, tx, r.currentBallotKey())
		if err != nil {
			return Ballot{}, err
		}
		seen, _, err := keys.Get(ctx, tx, r.ballotKey(inst))
		if err != nil {
			return Ballot{}, err
		}
		n := max(current, seen.Number) + 1
		if err := keys.Set(tx, r.currentBallotKey(), n); err != nil {
			return Ballot{}, err
		}
		return Ballot{Epoch: max(epoch, seen.Epoch), Number: n, Replica: r.id}, nil
	})
}

// Recover runs explicit prepare for inst: it takes over the instance with
// a higher ballot and drives whatever a majority knows about it to a
// commit, or commits a noop when nobody progressed past pre-accept.
func (r *Replica) Recover(ctx context.Context, inst Instance) error {
	start := r.cfg.Now()
	ctx, span := r.tracer.Start(ctx, "epoxy.recover", trace.WithAttributes(
		attribute.Int64("epoxy.replica_id", int64(r.id)),
		attribute.String("epoxy.instance", inst.String()),
	))
	defer span.End()

	err := r.recover(ctx, inst)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.WarnContext(ctx, "epoxy_recover_failed",
			slog.String("instance", inst.String()),
			slog.Any("error", err),
		)
		return err
	}
	r.cfg.Metrics.Proposal(pathRecovered, r.cfg.Now().Sub(start))
	r.logger.InfoContext(ctx, "epoxy_recovered", slog.String("instance", inst.String()))
	return nil
}

func (r *Replica) recover(ctx context.Context, inst Instance) error {
	cfg, err := r.Config(ctx)
	if err != nil {
		return err
	}
	members := cfg.Active()
	need := SlowQuorum(len(members))

	ballot, err := r.nextBallot(ctx, cfg.Epoch, inst)
	if err != nil {
		return err
	}
	replies, err := r.prepareAll(ctx, cfg, inst, ballot)
	if err != nil {
		return err
	}
	if len(replies) < need {
		return quorumLost("prepare", len(replies), need)
	}

	p, decision := decidePrepare(inst, replies, len(members))
	p.Instance = inst
	p.Ballot = ballot
	switch decision {
	case decideCommit:
	case decideAccept:
		if err := r.phase2(ctx, cfg, p); err != nil {
			return err
		}
	case decideRestart:
		req := &PreAcceptRequest{Header: Header{From: r.id, Epoch: cfg.Epoch}, Payload: p}
		local, err := r.HandlePreAccept(ctx, req)
		if err != nil {
			return err
		}
		p.Seq, p.Deps = local.Seq, local.Deps
		if p, _, err = r.phase1(ctx, cfg, p, false); err != nil {
			return err
		}
		if err := r.phase2(ctx, cfg, p); err != nil {
			return err
		}
	}
	return r.commit(ctx, cfg, p)
}

// prepareAll sends Prepare to every active replica, this one included,
// and returns the successful replies.
func (r *Replica) prepareAll(ctx context.Context, cfg ClusterConfig, inst Instance, ballot Ballot) ([]*PrepareReply, error) {
	req := &PrepareRequest{Header: Header{From: r.id, Epoch: cfg.Epoch}, Instance: inst, Ballot: ballot}

	var (
		mu      sync.Mutex
		replies []*PrepareReply
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range cfg.Active() {
		g.Go(func() error {
			var rep *PrepareReply
			var err error
			if m.ID == r.id {
				rep, err = r.HandlePrepare(gctx, req)
			} else {
				sctx, cancel := context.WithTimeout(gctx, r.cfg.RequestTimeout)
				rep, err = r.tr.Prepare(sctx, m, req)
				cancel()
			}
			if errors.Is(err, ErrBallotRejected) {
				return err
			}
			if err != nil {
				r.logger.DebugContext(gctx, "epoxy_prepare_failed",
					slog.Uint64("peer", uint64(m.ID)),
					slog.Any("error", err),
				)
				return nil
			}
			mu.Lock()
			replies = append(replies, rep)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return replies, nil
}

type prepareDecision int

const (
	decideCommit prepareDecision = iota
	decideAccept
	decideRestart
)

// decidePrepare picks what to drive an instance to from prepare replies:
// a committed value is recommitted, the accepted value with the highest
// ballot is accepted again, a majority of identical default-ballot
// pre-accepts that excludes the owner is accepted, any other pre-accepted
// commands restart phase 1, and otherwise a noop does.
func decidePrepare(inst Instance, replies []*PrepareReply, n int) (Payload, prepareDecision) {
	var highest *LogEntry
	for _, rep := range replies {
		e := rep.Entry
		if e == nil {
			continue
		}
		if e.Status >= StatusCommitted {
			return payloadOf(inst, *e), decideCommit
		}
		if highest == nil || e.Ballot.Compare(highest.Ballot) > 0 {
			highest = e
		}
	}
	if highest == nil {
		return Payload{Commands: []Command{Noop()}}, decideRestart
	}

	var top []*PrepareReply
	for _, rep := range replies {
		if rep.Entry != nil && rep.Entry.Ballot.Compare(highest.Ballot) == 0 {
			top = append(top, rep)
		}
	}
	for _, rep := range top {
		if rep.Entry.Status == StatusAccepted {
			return payloadOf(inst, *rep.Entry), decideAccept
		}
	}

	defaultBallot := func(b Ballot) bool { return b.Number == 0 && b.Replica == inst.Replica }
	var first *LogEntry
	identical := 0
	fromOwner := false
	for _, rep := range replies {
		if rep.From == inst.Replica {
			fromOwner = true
		}
		e := rep.Entry
		if e == nil || e.Status != StatusPreAccepted || !defaultBallot(e.Ballot) {
			continue
		}
		if first == nil {
			first = e
		}
		if e.Seq == first.Seq && sameDeps(e.Deps, first.Deps) && sameCommands(e.Commands, first.Commands) {
			identical++
		}
	}
	if first != nil && !fromOwner && identical >= n/2 {
		return payloadOf(inst, *first), decideAccept
	}

	return Payload{Commands: highest.Commands}, decideRestart
}
