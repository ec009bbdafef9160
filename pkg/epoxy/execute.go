package epoxy

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/petrijr/gasoline/internal/keys"
	"github.com/petrijr/gasoline/pkg/kv"
)

// Run executes committed instances until ctx is cancelled. Commits
// received by this replica wake it immediately.
func (r *Replica) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.ExecuteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-r.kick:
		}
		if _, err := r.ExecuteCommitted(ctx); err != nil && ctx.Err() == nil {
			r.logger.WarnContext(ctx, "epoxy_execute_failed", slog.Any("error", err))
		}
	}
}

func (r *Replica) trigger() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// pending is the committed part of the dependency graph reachable from
// the committed index.
type pending struct {
	entries map[Instance]LogEntry
	// missing are dependencies this replica has not seen committed.
	missing map[Instance]bool
}

func (r *Replica) loadPending(ctx context.Context) (*pending, error) {
	return kv.Transact(ctx, r.db, func(tx *kv.Transaction) (*pending, error) {
		p := &pending{entries: make(map[Instance]LogEntry), missing: make(map[Instance]bool)}
		committed := r.keys.Committed()
		rows, err := tx.GetRangeAll(ctx, keys.Range(committed), kv.RangeOptions{Snapshot: true})
		if err != nil {
			return nil, err
		}
		var queue []Instance
		for _, row := range rows {
			t, err := committed.Unpack(row.Key)
			if err != nil || len(t) != 2 {
				return nil, fmt.Errorf("%w: committed key %x", ErrCorruptLog, row.Key)
			}
			owner, err := tupleUint(t[0])
			if err != nil {
				return nil, err
			}
			slot, err := tupleUint(t[1])
			if err != nil {
				return nil, err
			}
			queue = append(queue, Instance{Replica: ReplicaID(owner), Slot: slot})
		}

		seen := make(map[Instance]bool)
		for len(queue) > 0 {
			inst := queue[0]
			queue = queue[1:]
			if seen[inst] {
				continue
			}
			seen[inst] = true
			e, ok, err := keys.Get(ctx, tx.Snapshot(), r.entryKey(inst))
			if err != nil {
				return nil, err
			}
			switch {
			case !ok || e.Status < StatusCommitted:
				p.missing[inst] = true
			case e.Status == StatusCommitted:
				p.entries[inst] = e
				queue = append(queue, e.Deps...)
			}
		}
		return p, nil
	})
}

// ExecuteCommitted applies every committed instance whose dependencies
// are all committed, strongly connected component by component with
// dependencies first. Inside a component instances run in (seq, replica,
// slot) order. It returns the number of instances executed.
func (r *Replica) ExecuteCommitted(ctx context.Context) (int, error) {
	p, err := r.loadPending(ctx)
	if err != nil {
		return 0, err
	}
	r.trackBlocked(ctx, p.missing)
	if len(p.entries) == 0 {
		return 0, nil
	}

	insts := make([]Instance, 0, len(p.entries))
	for inst := range p.entries {
		insts = append(insts, inst)
	}
	slices.SortFunc(insts, Instance.Compare)
	ids := make(map[Instance]int64, len(insts))
	g := simple.NewDirectedGraph()
	for i, inst := range insts {
		ids[inst] = int64(i)
		g.AddNode(simple.Node(i))
	}
	for _, inst := range insts {
		for _, dep := range p.entries[inst].Deps {
			to, ok := ids[dep]
			if !ok || dep == inst {
				continue
			}
			g.SetEdge(g.NewEdge(simple.Node(ids[inst]), simple.Node(to)))
		}
	}

	// Tarjan emits a component only after every component it reaches, so
	// dependencies come first.
	blocked := make(map[Instance]bool)
	executed := 0
	for _, scc := range topo.TarjanSCC(g) {
		members := make([]Instance, 0, len(scc))
		for _, n := range scc {
			members = append(members, insts[n.ID()])
		}
		if r.sccBlocked(members, p, blocked) {
			for _, m := range members {
				blocked[m] = true
			}
			continue
		}
		slices.SortFunc(members, func(a, b Instance) int {
			if c := cmp.Compare(p.entries[a].Seq, p.entries[b].Seq); c != 0 {
				return c
			}
			return a.Compare(b)
		})
		n, err := r.executeComponent(ctx, members)
		if err != nil {
			return executed, err
		}
		executed += n
	}
	return executed, nil
}

func (r *Replica) sccBlocked(members []Instance, p *pending, blocked map[Instance]bool) bool {
	for _, m := range members {
		for _, dep := range p.entries[m].Deps {
			if p.missing[dep] || blocked[dep] {
				return true
			}
		}
	}
	return false
}

func (r *Replica) executeComponent(ctx context.Context, members []Instance) (int, error) {
	done, err := kv.Transact(ctx, r.db, func(tx *kv.Transaction) ([]Instance, error) {
		var done []Instance
		for _, inst := range members {
			e, ok, err := keys.Get(ctx, tx, r.entryKey(inst))
			if err != nil {
				return nil, err
			}
			if !ok || e.Status != StatusCommitted {
				continue
			}
			results, err := r.apply(ctx, tx, e.Commands)
			if err != nil {
				return nil, fmt.Errorf("apply %s: %w", inst, err)
			}
			e.Status = StatusExecuted
			e.Results = results
			if err := r.putEntry(tx, inst, e); err != nil {
				return nil, err
			}
			done = append(done, inst)
		}
		return done, nil
	})
	if err != nil {
		return 0, err
	}
	for range done {
		r.cfg.Metrics.InstanceExecuted()
	}
	r.notifyExecuted(done)
	return len(done), nil
}

func (r *Replica) apply(ctx context.Context, tx *kv.Transaction, cmds []Command) ([]Result, error) {
	results := make([]Result, 0, len(cmds))
	for _, c := range cmds {
		if c.Kind == KindNoop {
			results = append(results, Result{Applied: true})
			continue
		}
		key := r.keys.StateMachine(c.Key)
		cur, found, err := tx.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if c.Kind == KindCheckAndSet && !matchesAny(cur, found, c.ExpectOneOf) {
			results = append(results, Result{Applied: false, Previous: cur})
			continue
		}
		if c.Value == nil {
			err = tx.Clear(key)
		} else {
			err = tx.Set(key, c.Value)
		}
		if err != nil {
			return nil, err
		}
		results = append(results, Result{Applied: true, Previous: cur})
	}
	return results, nil
}

func matchesAny(cur []byte, found bool, expect [][]byte) bool {
	for _, e := range expect {
		if e == nil && !found {
			return true
		}
		if e != nil && found && bytes.Equal(e, cur) {
			return true
		}
	}
	return false
}

// trackBlocked remembers since when each missing dependency blocks
// execution and starts explicit prepare for those blocking longer than
// the recovery timeout. Only active replicas recover.
func (r *Replica) trackBlocked(ctx context.Context, missing map[Instance]bool) {
	now := r.cfg.Now()
	var due []Instance

	r.mu.Lock()
	for inst := range r.blocked {
		if !missing[inst] {
			delete(r.blocked, inst)
		}
	}
	for inst := range missing {
		since, ok := r.blocked[inst]
		if !ok {
			r.blocked[inst] = now
			continue
		}
		if now.Sub(since) >= r.cfg.RecoveryTimeout && !r.inflight[inst] {
			r.inflight[inst] = true
			due = append(due, inst)
		}
	}
	r.mu.Unlock()

	if len(due) == 0 {
		return
	}
	cfg, err := r.Config(ctx)
	if err != nil {
		r.clearInflight(due)
		return
	}
	if self, ok := cfg.Replica(r.id); !ok || self.Status != ReplicaActive {
		r.clearInflight(due)
		return
	}
	for _, inst := range due {
		r.bg.Add(1)
		go func() {
			defer r.bg.Done()
			defer r.clearInflight([]Instance{inst})
			// Recover logs its own failure; it is retried after another timeout.
			_ = r.Recover(ctx, inst)
		}()
	}
}

func (r *Replica) clearInflight(insts []Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inst := range insts {
		delete(r.inflight, inst)
		// Restart the clock so a failed attempt is retried after another
		// timeout.
		if _, ok := r.blocked[inst]; ok {
			r.blocked[inst] = r.cfg.Now()
		}
	}
}
