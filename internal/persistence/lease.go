package persistence

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/petrijr/gasoline/internal/keys"
	"github.com/petrijr/gasoline/pkg/kv"
	"github.com/petrijr/gasoline/pkg/tuple"
)

// UpdateWorkerPing renews every lease held by worker.
func (d *Database) UpdateWorkerPing(ctx context.Context, worker uuid.UUID) error {
	return d.db.Run(ctx, func(tx *kv.Transaction) error {
		return keys.Set(tx, d.ks.WorkerPing(worker), d.nowMillis())
	})
}

// leaseValid reports whether the holder of a lease still pings.
func (d *Database) leaseValid(ctx context.Context, r keys.Reader, holder uuid.UUID, now int64) (bool, error) {
	ping, ok, err := keys.Get(ctx, r, d.ks.WorkerPing(holder))
	if err != nil || !ok {
		return false, err
	}
	return ping+d.leaseTTL.Milliseconds() > now, nil
}

type dueWorkflow struct {
	name    string
	entries []dueEntry
}

type dueEntry struct {
	ts   int64
	kind keys.WakeKind
}

// PullWorkflows leases up to limit workflows of the given names whose wake
// time has come and loads what their runs need. Silenced workflows and
// workflows leased by a live worker are skipped.
func (d *Database) PullWorkflows(ctx context.Context, worker uuid.UUID, names []string, limit int) ([]*PulledWorkflow, error) {
	if limit <= 0 || len(names) == 0 {
		return nil, nil
	}

	leased, err := kv.Transact(ctx, d.db, func(tx *kv.Transaction) ([]uuid.UUID, error) {
		now := d.nowMillis()
		if err := keys.Set(tx, d.ks.WorkerPing(worker), now); err != nil {
			return nil, err
		}

		due, order, err := d.scanDue(ctx, tx, names, now, limit)
		if err != nil {
			return nil, err
		}

		var out []uuid.UUID
		for _, id := range order {
			ok, err := d.tryLease(ctx, tx, id, due[id], worker, now)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, id)
			}
		}
		return out, nil
	})
	if err != nil || len(leased) == 0 {
		return nil, err
	}

	return kv.Transact(ctx, d.db, func(tx *kv.Transaction) ([]*PulledWorkflow, error) {
		snap := tx.Snapshot()
		out := make([]*PulledWorkflow, 0, len(leased))
		for _, id := range leased {
			w, err := d.loadWorkflow(ctx, snap, id)
			if err != nil {
				return nil, err
			}
			events, err := d.readHistory(ctx, snap, id, false)
			if err != nil {
				return nil, err
			}
			out = append(out, &PulledWorkflow{
				ID:             w.ID,
				Name:           w.Name,
				Tags:           w.Tags,
				Input:          w.Input,
				RayID:          w.RayID,
				CreateTS:       w.CreateTS,
				Retries:        w.Retries,
				WakeDeadlineTS: w.WakeDeadlineTS,
				Events:         events,
			})
		}
		return out, nil
	})
}

// scanDue reads the WAKE index of every name up to and including now. The
// scan is a snapshot read: racing pullers conflict on the lease column
// instead.
func (d *Database) scanDue(ctx context.Context, tx *kv.Transaction, names []string, now int64, limit int) (map[uuid.UUID]*dueWorkflow, []uuid.UUID, error) {
	due := make(map[uuid.UUID]*dueWorkflow)
	var order []uuid.UUID
	for _, name := range names {
		idx := d.ks.WakeIndex(name)
		begin, _ := idx.Range()
		it := tx.Snapshot().Range(ctx, kv.KeyRange{Begin: begin, End: idx.Pack(now + 1)}, kv.RangeOptions{})
		for it.Next() {
			t, err := idx.Unpack(it.KeyValue().Key)
			if err != nil {
				return nil, nil, err
			}
			ts, err := tuple.Int64(t[0])
			if err != nil {
				return nil, nil, err
			}
			id, err := tuple.UUID(t[1])
			if err != nil {
				return nil, nil, err
			}
			kind, err := tuple.Int64(t[2])
			if err != nil {
				return nil, nil, err
			}
			dw, ok := due[id]
			if !ok {
				if len(order) >= limit {
					continue
				}
				dw = &dueWorkflow{name: name}
				due[id] = dw
				order = append(order, id)
			}
			dw.entries = append(dw.entries, dueEntry{ts: ts, kind: keys.WakeKind(kind)})
		}
		if err := it.Err(); err != nil {
			return nil, nil, err
		}
	}
	return due, order, nil
}

func (d *Database) tryLease(ctx context.Context, tx *kv.Transaction, id uuid.UUID, dw *dueWorkflow, worker uuid.UUID, now int64) (bool, error) {
	if _, silenced, err := tx.Get(ctx, d.ks.WorkflowSilenced(id).Pack()); err != nil || silenced {
		return false, err
	}
	if _, done, err := tx.Get(ctx, d.ks.WorkflowOutput(id).Pack()); err != nil {
		return false, err
	} else if done {
		return false, d.consumeWakes(tx, id, dw)
	}

	lease, leased, err := keys.Get(ctx, tx, d.ks.WorkflowLease(id))
	if err != nil {
		return false, err
	}
	if leased {
		if lease.WorkerID == worker {
			return false, nil
		}
		valid, err := d.leaseValid(ctx, tx.Snapshot(), lease.WorkerID, now)
		if err != nil || valid {
			return false, err
		}
		if err := tx.Clear(d.ks.Leases(lease.WorkerID).Pack(id)); err != nil {
			return false, err
		}
		d.logger.InfoContext(ctx, "workflow_lease_reclaimed",
			slog.String("workflow_id", id.String()),
			slog.String("previous_worker_id", lease.WorkerID.String()),
		)
	}

	if err := keys.Set(tx, d.ks.WorkflowLease(id), keys.LeaseValue{WorkerID: worker, TS: now}); err != nil {
		return false, err
	}
	if err := tx.Set(d.ks.Leases(worker).Pack(id), keys.Marker); err != nil {
		return false, err
	}
	return true, d.consumeWakes(tx, id, dw)
}

// consumeWakes removes the due WAKE entries a pull acted on. Later entries
// (a deadline still in the future) stay until the run commits.
func (d *Database) consumeWakes(tx *kv.Transaction, id uuid.UUID, dw *dueWorkflow) error {
	for _, e := range dw.entries {
		if err := tx.Clear(d.ks.WakeEntry(dw.name, e.ts, id, e.kind)); err != nil {
			return err
		}
		if err := tx.Clear(d.ks.WorkflowWakeRefs(id).Pack(e.ts, int64(e.kind))); err != nil {
			return err
		}
		if e.kind == keys.WakeKindImmediate {
			if err := keys.Clear(tx, d.ks.WorkflowWakeImmediate(id)); err != nil {
				return err
			}
		}
	}
	return nil
}

// CommitWorkflow writes the outcome of a run and releases its lease in one
// transaction. It fails with ErrLeaseLost when the lease changed hands.
func (d *Database) CommitWorkflow(ctx context.Context, c *RunCommit) error {
	notify := len(c.Signals) > 0 || len(c.SubWorkflows) > 0 || c.Output != nil || c.Dead || c.Wake.Immediate

	err := d.db.Run(ctx, func(tx *kv.Transaction) error {
		now := d.nowMillis()
		id := c.WorkflowID

		lease, ok, err := keys.Get(ctx, tx, d.ks.WorkflowLease(id))
		if err != nil {
			return err
		}
		if !ok || lease.WorkerID != c.WorkerID {
			return fmt.Errorf("%w: %s", ErrLeaseLost, id)
		}
		name, _, err := keys.Get(ctx, tx, d.ks.WorkflowName(id))
		if err != nil {
			return err
		}

		for _, e := range c.Events {
			if err := d.writeEvent(tx, id, e); err != nil {
				return err
			}
		}
		for _, loc := range c.Forget {
			if err := d.forgetBranch(ctx, tx, id, loc); err != nil {
				return err
			}
		}
		for _, sig := range c.AckSignals {
			if err := d.ackTx(ctx, tx, id, sig, now); err != nil {
				return err
			}
		}
		for _, sub := range c.SubWorkflows {
			parent := id
			sub.ParentID = &parent
			if sub.RayID == uuid.Nil {
				sub.RayID = uuid.New()
			}
			if err := d.dispatchTx(ctx, tx, sub, now); err != nil {
				return err
			}
		}
		for _, sig := range c.Signals {
			if _, err := d.publishSignalTx(ctx, tx, sig, now); err != nil {
				return err
			}
		}

		if err := d.clearWake(ctx, tx, id, name); err != nil {
			return err
		}

		switch {
		case c.Output != nil:
			if err := keys.Set(tx, d.ks.WorkflowOutput(id), c.Output); err != nil {
				return err
			}
			if err := keys.Clear(tx, d.ks.WorkflowError(id)); err != nil {
				return err
			}
			if err := d.wakeParents(ctx, tx, id, now); err != nil {
				return err
			}
		case c.Dead:
			if err := keys.Set(tx, d.ks.WorkflowError(id), c.Error); err != nil {
				return err
			}
			if err := d.wakeParents(ctx, tx, id, now); err != nil {
				return err
			}
		default:
			if c.Error != "" {
				if err := keys.Set(tx, d.ks.WorkflowError(id), c.Error); err != nil {
					return err
				}
			} else if err := keys.Clear(tx, d.ks.WorkflowError(id)); err != nil {
				return err
			}
			if err := d.setWake(ctx, tx, id, name, c.Wake, now); err != nil {
				return err
			}
		}

		if c.Retries > 0 {
			if err := keys.Set(tx, d.ks.WorkflowRetries(id), c.Retries); err != nil {
				return err
			}
		} else if err := keys.Clear(tx, d.ks.WorkflowRetries(id)); err != nil {
			return err
		}

		if err := keys.Clear(tx, d.ks.WorkflowLease(id)); err != nil {
			return err
		}
		return tx.Clear(d.ks.Leases(c.WorkerID).Pack(id))
	})
	if err != nil {
		return err
	}
	if notify {
		d.notifyWake(ctx)
	}
	return nil
}

// setWake installs new wake conditions. Conditions that already hold (a
// listened signal is queued, a sub workflow finished, the deadline passed)
// get a WAKE entry at now.
func (d *Database) setWake(ctx context.Context, tx *kv.Transaction, id uuid.UUID, name string, w WakeConditions, now int64) error {
	if w.empty() {
		return nil
	}
	if w.DeadlineTS != nil || len(w.Signals) > 0 || len(w.SubWorkflows) > 0 {
		if err := tx.Set(d.ks.HasWakeCondition(id), keys.Marker); err != nil {
			return err
		}
	}

	if w.DeadlineTS != nil {
		if err := keys.Set(tx, d.ks.WorkflowWakeDeadline(id), *w.DeadlineTS); err != nil {
			return err
		}
		if err := d.addWake(tx, id, name, *w.DeadlineTS, keys.WakeKindDeadline); err != nil {
			return err
		}
	}

	signalReady := false
	for _, sig := range w.Signals {
		if err := keys.Set(tx, d.ks.WorkflowWakeSignal(id, sig), now); err != nil {
			return err
		}
		if signalReady {
			continue
		}
		rows, err := tx.GetRangeAll(ctx, keys.Range(d.ks.PendingSignals(id).Sub(sig)), kv.RangeOptions{Limit: 1})
		if err != nil {
			return err
		}
		signalReady = len(rows) > 0
	}
	if signalReady {
		if err := d.addWake(tx, id, name, now, keys.WakeKindSignal); err != nil {
			return err
		}
	}

	subReady := false
	for _, sub := range w.SubWorkflows {
		if err := keys.Set(tx, d.ks.WorkflowWakeSubWorkflow(id, sub), now); err != nil {
			return err
		}
		// Waiters on a child they did not dispatch (a reused unique one)
		// are found by wakeParents through this index too.
		if err := tx.Set(d.ks.SubWorkflowWakes(sub).Pack(id), keys.Marker); err != nil {
			return err
		}
		if subReady {
			continue
		}
		child, err := d.loadWorkflow(ctx, tx, sub)
		if err != nil {
			return err
		}
		subReady = child.terminated()
	}
	if subReady {
		if err := d.addWake(tx, id, name, now, keys.WakeKindSubWorkflow); err != nil {
			return err
		}
	}

	if w.Immediate {
		return d.addImmediateWake(tx, id, name, now)
	}
	return nil
}

// wakeParents wakes every parent waiting on the finished sub workflow.
func (d *Database) wakeParents(ctx context.Context, tx *kv.Transaction, sub uuid.UUID, now int64) error {
	waiting := d.ks.SubWorkflowWakes(sub)
	rows, err := tx.GetRangeAll(ctx, keys.Range(waiting), kv.RangeOptions{})
	if err != nil {
		return err
	}
	for _, row := range rows {
		t, err := waiting.Unpack(row.Key)
		if err != nil {
			return err
		}
		parent, err := tuple.UUID(t[0])
		if err != nil {
			return err
		}
		if _, ok, err := tx.Get(ctx, d.ks.WorkflowWakeSubWorkflow(parent, sub).Pack()); err != nil {
			return err
		} else if !ok {
			continue
		}
		parentName, _, err := keys.Get(ctx, tx, d.ks.WorkflowName(parent))
		if err != nil {
			return err
		}
		if err := d.addWake(tx, parent, parentName, now, keys.WakeKindSubWorkflow); err != nil {
			return err
		}
	}
	return nil
}

// ClearExpiredLeases releases the leases of workers that stopped pinging
// and makes their workflows runnable now. It returns the number of
// workflows released.
func (d *Database) ClearExpiredLeases(ctx context.Context) (int, error) {
	n, err := kv.Transact(ctx, d.db, func(tx *kv.Transaction) (int, error) {
		now := d.nowMillis()
		workers := d.ks.Workers()
		rows, err := tx.GetRangeAll(ctx, keys.Range(workers), kv.RangeOptions{})
		if err != nil {
			return 0, err
		}

		released := 0
		for _, row := range rows {
			t, err := workers.Unpack(row.Key)
			if err != nil {
				return 0, err
			}
			worker, err := tuple.UUID(t[0])
			if err != nil {
				return 0, err
			}
			ping, err := d.ks.WorkerPing(worker).Deserialize(row.Value)
			if err != nil {
				return 0, err
			}
			if ping+d.leaseTTL.Milliseconds() > now {
				continue
			}

			n, err := d.releaseWorker(ctx, tx, worker, now)
			if err != nil {
				return 0, err
			}
			released += n
			if err := tx.Clear(row.Key); err != nil {
				return 0, err
			}
			d.logger.InfoContext(ctx, "worker_expired",
				slog.String("worker_id", worker.String()),
				slog.Int("released", n),
			)
		}
		return released, nil
	})
	if err == nil && n > 0 {
		d.notifyWake(ctx)
	}
	return n, err
}

func (d *Database) releaseWorker(ctx context.Context, tx *kv.Transaction, worker uuid.UUID, now int64) (int, error) {
	leases := d.ks.Leases(worker)
	rows, err := tx.GetRangeAll(ctx, keys.Range(leases), kv.RangeOptions{})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, row := range rows {
		t, err := leases.Unpack(row.Key)
		if err != nil {
			return 0, err
		}
		id, err := tuple.UUID(t[0])
		if err != nil {
			return 0, err
		}
		lease, ok, err := keys.Get(ctx, tx, d.ks.WorkflowLease(id))
		if err != nil {
			return 0, err
		}
		if ok && lease.WorkerID == worker {
			name, _, err := keys.Get(ctx, tx, d.ks.WorkflowName(id))
			if err != nil {
				return 0, err
			}
			if err := keys.Clear(tx, d.ks.WorkflowLease(id)); err != nil {
				return 0, err
			}
			if err := d.addImmediateWake(tx, id, name, now); err != nil {
				return 0, err
			}
			n++
		}
		if err := tx.Clear(row.Key); err != nil {
			return 0, err
		}
	}
	return n, nil
}
