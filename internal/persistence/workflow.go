package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/petrijr/gasoline/internal/keys"
	"github.com/petrijr/gasoline/pkg/kv"
	"github.com/petrijr/gasoline/pkg/tuple"
)

// reader is satisfied by *kv.Transaction and *kv.Snapshot.
type reader interface {
	keys.Reader
	Range(ctx context.Context, r kv.KeyRange, opts kv.RangeOptions) *kv.RangeIterator
}

// DispatchWorkflow creates a workflow and makes it runnable immediately.
// With opts.Unique an unfinished workflow with the same name and tags is
// returned instead.
func (d *Database) DispatchWorkflow(ctx context.Context, opts DispatchOpts) (uuid.UUID, error) {
	if opts.Name == "" {
		return uuid.Nil, errors.New("workflow name is required")
	}
	tags, err := opts.Tags.canonical()
	if err != nil {
		return uuid.Nil, err
	}
	opts.Tags = tags
	if opts.WorkflowID == uuid.Nil {
		opts.WorkflowID = uuid.New()
	}
	if opts.RayID == uuid.Nil {
		opts.RayID = uuid.New()
	}

	type result struct {
		id      uuid.UUID
		created bool
	}
	res, err := kv.Transact(ctx, d.db, func(tx *kv.Transaction) (result, error) {
		if opts.Unique {
			id, ok, err := d.findWorkflowTx(ctx, tx, opts.Name, opts.Tags)
			if err != nil {
				return result{}, err
			}
			if ok {
				return result{id: id}, nil
			}
		}
		if err := d.dispatchTx(ctx, tx, opts, d.nowMillis()); err != nil {
			return result{}, err
		}
		return result{id: opts.WorkflowID, created: true}, nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	if res.created {
		d.logger.DebugContext(ctx, "workflow_dispatched",
			slog.String("workflow_id", res.id.String()),
			slog.String("workflow_name", opts.Name),
		)
		d.notifyWake(ctx)
	}
	return res.id, nil
}

func (d *Database) dispatchTx(ctx context.Context, tx *kv.Transaction, opts DispatchOpts, now int64) error {
	id := opts.WorkflowID
	if _, ok, err := tx.Get(ctx, d.ks.WorkflowName(id).Pack()); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("%w: %s", ErrWorkflowExists, id)
	}

	input := opts.Input
	if input == nil {
		input = json.RawMessage("null")
	}
	if err := keys.Set(tx, d.ks.WorkflowName(id), opts.Name); err != nil {
		return err
	}
	if err := keys.Set(tx, d.ks.WorkflowCreateTS(id), now); err != nil {
		return err
	}
	if err := keys.Set(tx, d.ks.WorkflowRayID(id), opts.RayID); err != nil {
		return err
	}
	if err := keys.Set(tx, d.ks.WorkflowInput(id), input); err != nil {
		return err
	}
	if opts.ParentID != nil {
		if err := keys.Set(tx, d.ks.WorkflowParent(id), *opts.ParentID); err != nil {
			return err
		}
		if err := tx.Set(d.ks.SubWorkflowWakes(id).Pack(*opts.ParentID), keys.Marker); err != nil {
			return err
		}
	}
	if err := tx.Set(d.ks.ByName(opts.Name).Pack(id), keys.Marker); err != nil {
		return err
	}
	for _, k := range opts.Tags.sortedKeys() {
		v := opts.Tags[k]
		if err := keys.Set(tx, d.ks.WorkflowTag(id, k), v); err != nil {
			return err
		}
		if err := tx.Set(d.ks.ByNameAndTag(opts.Name, k, v).Pack(id), keys.Marker); err != nil {
			return err
		}
		if err := tx.Set(d.ks.ByTag(k, v).Pack(id), keys.Marker); err != nil {
			return err
		}
	}
	return d.addImmediateWake(tx, id, opts.Name, now)
}

// GetWorkflow reads one workflow.
func (d *Database) GetWorkflow(ctx context.Context, id uuid.UUID) (*Workflow, error) {
	return kv.Transact(ctx, d.db, func(tx *kv.Transaction) (*Workflow, error) {
		return d.loadWorkflow(ctx, tx.Snapshot(), id)
	})
}

// GetWorkflows reads several workflows; unknown ids are skipped.
func (d *Database) GetWorkflows(ctx context.Context, ids []uuid.UUID) ([]*Workflow, error) {
	return kv.Transact(ctx, d.db, func(tx *kv.Transaction) ([]*Workflow, error) {
		out := make([]*Workflow, 0, len(ids))
		for _, id := range ids {
			w, err := d.loadWorkflow(ctx, tx.Snapshot(), id)
			if errors.Is(err, ErrWorkflowNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			out = append(out, w)
		}
		return out, nil
	})
}

// loadWorkflow decodes every column of id with one range read. History
// lives after the columns and is not read.
func (d *Database) loadWorkflow(ctx context.Context, r reader, id uuid.UUID) (*Workflow, error) {
	data := d.ks.WorkflowData(id)
	begin, _ := data.Range()
	it := r.Range(ctx, kv.KeyRange{Begin: begin, End: data.Pack(keys.History)}, kv.RangeOptions{})

	w := &Workflow{ID: id}
	found := false
	for it.Next() {
		row := it.KeyValue()
		t, err := data.Unpack(row.Key)
		if err != nil {
			return nil, err
		}
		col, err := tuple.Int64(t[0])
		if err != nil {
			return nil, err
		}
		if err := d.decodeColumn(w, col, t, row.Value); err != nil {
			return nil, err
		}
		if col == keys.Name {
			found = true
		}
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}

	if w.LeaseWorkerID != nil {
		ping, ok, err := keys.Get(ctx, r, d.ks.WorkerPing(*w.LeaseWorkerID))
		if err != nil {
			return nil, err
		}
		if ok {
			w.LastPingTS = &ping
		}
	}
	w.State = w.deriveState()
	return w, nil
}

func (d *Database) decodeColumn(w *Workflow, col int64, t tuple.Tuple, raw []byte) error {
	id := w.ID
	var err error
	switch col {
	case keys.Name:
		w.Name, err = d.ks.WorkflowName(id).Deserialize(raw)
	case keys.CreateTS:
		w.CreateTS, err = d.ks.WorkflowCreateTS(id).Deserialize(raw)
	case keys.RayID:
		w.RayID, err = d.ks.WorkflowRayID(id).Deserialize(raw)
	case keys.Input:
		w.Input, err = d.ks.WorkflowInput(id).Deserialize(raw)
	case keys.Output:
		w.Output, err = d.ks.WorkflowOutput(id).Deserialize(raw)
	case keys.Error:
		w.Error, err = d.ks.WorkflowError(id).Deserialize(raw)
	case keys.Silence:
		w.Silenced = true
	case keys.Retries:
		w.Retries, err = d.ks.WorkflowRetries(id).Deserialize(raw)
	case keys.Parent:
		var p uuid.UUID
		p, err = d.ks.WorkflowParent(id).Deserialize(raw)
		w.ParentID = &p
	case keys.Lease:
		var lv keys.LeaseValue
		lv, err = d.ks.WorkflowLease(id).Deserialize(raw)
		w.LeaseWorkerID = &lv.WorkerID
		w.LeaseTS = &lv.TS
	case keys.Tag:
		name, serr := tuple.String(t[1])
		if serr != nil {
			return serr
		}
		var v json.RawMessage
		v, err = d.ks.WorkflowTag(id, name).Deserialize(raw)
		if w.Tags == nil {
			w.Tags = make(Tags)
		}
		w.Tags[name] = v
	case keys.WakeDeadline:
		var ts int64
		ts, err = d.ks.WorkflowWakeDeadline(id).Deserialize(raw)
		w.WakeDeadlineTS = &ts
	case keys.WakeSignal:
		name, serr := tuple.String(t[1])
		if serr != nil {
			return serr
		}
		w.WakeSignals = append(w.WakeSignals, name)
	case keys.WakeSubWorkflow:
		sub, serr := tuple.UUID(t[1])
		if serr != nil {
			return serr
		}
		w.WakeSubWorkflows = append(w.WakeSubWorkflows, sub)
	case keys.WakeImmediate:
		w.WakeImmediate = true
	}
	return err
}

// FindWorkflow returns the oldest unfinished workflow named name whose
// tags include tags.
func (d *Database) FindWorkflow(ctx context.Context, name string, tags Tags) (uuid.UUID, bool, error) {
	tags, err := tags.canonical()
	if err != nil {
		return uuid.Nil, false, err
	}
	type found struct {
		id uuid.UUID
		ok bool
	}
	res, err := kv.Transact(ctx, d.db, func(tx *kv.Transaction) (found, error) {
		id, ok, err := d.findWorkflowTx(ctx, tx, name, tags)
		return found{id: id, ok: ok}, err
	})
	return res.id, res.ok, err
}

// findWorkflowTx scans the index of the first tag (or the name index) with
// conflict tracking, so a concurrent unique dispatch of the same name and
// tags aborts one of the two transactions.
func (d *Database) findWorkflowTx(ctx context.Context, tx *kv.Transaction, name string, tags Tags) (uuid.UUID, bool, error) {
	var scan = d.ks.ByName(name)
	var rest []string
	if len(tags) > 0 {
		ordered := tags.sortedKeys()
		scan = d.ks.ByNameAndTag(name, ordered[0], tags[ordered[0]])
		rest = ordered[1:]
	}

	var best *Workflow
	it := tx.Range(ctx, keys.Range(scan), kv.RangeOptions{})
	for it.Next() {
		t, err := scan.Unpack(it.KeyValue().Key)
		if err != nil {
			return uuid.Nil, false, err
		}
		id, err := tuple.UUID(t[0])
		if err != nil {
			return uuid.Nil, false, err
		}

		match := true
		for _, k := range rest {
			_, ok, err := tx.Get(ctx, d.ks.ByNameAndTag(name, k, tags[k]).Pack(id))
			if err != nil {
				return uuid.Nil, false, err
			}
			if !ok {
				match = false
				break
			}
		}
		if !match {
			continue
		}

		w, err := d.loadWorkflow(ctx, tx, id)
		if err != nil {
			return uuid.Nil, false, err
		}
		if w.terminated() {
			continue
		}
		if best == nil || w.CreateTS < best.CreateTS {
			best = w
		}
	}
	if err := it.Err(); err != nil {
		return uuid.Nil, false, err
	}
	if best == nil {
		return uuid.Nil, false, nil
	}
	return best.ID, true, nil
}

// FindWorkflowByTags returns the oldest unfinished workflow of any name
// whose tags include tags.
func (d *Database) FindWorkflowByTags(ctx context.Context, tags Tags) (uuid.UUID, bool, error) {
	tags, err := tags.canonical()
	if err != nil {
		return uuid.Nil, false, err
	}
	type found struct {
		id uuid.UUID
		ok bool
	}
	res, err := kv.Transact(ctx, d.db, func(tx *kv.Transaction) (found, error) {
		id, ok, err := d.findByTags(ctx, tx, tags)
		return found{id: id, ok: ok}, err
	})
	return res.id, res.ok, err
}

// findByTags resolves tag-addressed signals: the oldest unfinished
// workflow of any name carrying every tag.
func (d *Database) findByTags(ctx context.Context, tx *kv.Transaction, tags Tags) (uuid.UUID, bool, error) {
	if len(tags) == 0 {
		return uuid.Nil, false, nil
	}
	ordered := tags.sortedKeys()
	scan := d.ks.ByTag(ordered[0], tags[ordered[0]])

	var best *Workflow
	it := tx.Range(ctx, keys.Range(scan), kv.RangeOptions{})
	for it.Next() {
		t, err := scan.Unpack(it.KeyValue().Key)
		if err != nil {
			return uuid.Nil, false, err
		}
		id, err := tuple.UUID(t[0])
		if err != nil {
			return uuid.Nil, false, err
		}
		w, err := d.loadWorkflow(ctx, tx, id)
		if err != nil {
			return uuid.Nil, false, err
		}
		if !w.Tags.Contains(tags) || w.terminated() {
			continue
		}
		if best == nil || w.CreateTS < best.CreateTS {
			best = w
		}
	}
	if err := it.Err(); err != nil {
		return uuid.Nil, false, err
	}
	if best == nil {
		return uuid.Nil, false, nil
	}
	return best.ID, true, nil
}

// FindWorkflows lists workflows for the admin tool, newest first.
func (d *Database) FindWorkflows(ctx context.Context, f ListFilter) ([]*Workflow, error) {
	tags, err := f.Tags.canonical()
	if err != nil {
		return nil, err
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	return kv.Transact(ctx, d.db, func(tx *kv.Transaction) ([]*Workflow, error) {
		snap := tx.Snapshot()
		scan := d.ks.Root().Sub(keys.Workflow, keys.ByName)
		if f.Name != "" {
			scan = d.ks.ByName(f.Name)
		}

		var out []*Workflow
		it := snap.Range(ctx, keys.Range(scan), kv.RangeOptions{})
		for it.Next() {
			t, err := scan.Unpack(it.KeyValue().Key)
			if err != nil {
				return nil, err
			}
			// (name, id) for the full index, (id) for one name.
			id, err := tuple.UUID(t[len(t)-1])
			if err != nil {
				return nil, err
			}
			w, err := d.loadWorkflow(ctx, snap, id)
			if err != nil {
				return nil, err
			}
			if !w.Tags.Contains(tags) {
				continue
			}
			if f.State != "" && w.State != f.State {
				continue
			}
			out = append(out, w)
		}
		if err := it.Err(); err != nil {
			return nil, err
		}

		sort.Slice(out, func(i, j int) bool { return out[i].CreateTS > out[j].CreateTS })
		if len(out) > limit {
			out = out[:limit]
		}
		return out, nil
	})
}

// SilenceWorkflows removes workflows from wake scans. Their wake
// conditions are dropped; WakeWorkflows reschedules them.
func (d *Database) SilenceWorkflows(ctx context.Context, ids []uuid.UUID) error {
	return d.db.Run(ctx, func(tx *kv.Transaction) error {
		now := d.nowMillis()
		for _, id := range ids {
			name, ok, err := keys.Get(ctx, tx, d.ks.WorkflowName(id))
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
			}
			if err := keys.Set(tx, d.ks.WorkflowSilenced(id), now); err != nil {
				return err
			}
			if err := d.clearWake(ctx, tx, id, name); err != nil {
				return err
			}
		}
		return nil
	})
}

// WakeWorkflows unsilences workflows and makes them runnable now. Complete
// workflows are left alone.
func (d *Database) WakeWorkflows(ctx context.Context, ids []uuid.UUID) error {
	err := d.db.Run(ctx, func(tx *kv.Transaction) error {
		now := d.nowMillis()
		for _, id := range ids {
			name, ok, err := keys.Get(ctx, tx, d.ks.WorkflowName(id))
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
			}
			if _, done, err := tx.Get(ctx, d.ks.WorkflowOutput(id).Pack()); err != nil {
				return err
			} else if done {
				continue
			}
			if err := keys.Clear(tx, d.ks.WorkflowSilenced(id)); err != nil {
				return err
			}
			if err := d.addImmediateWake(tx, id, name, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		d.notifyWake(ctx)
	}
	return err
}

// addWake writes a WAKE index entry and its back reference.
func (d *Database) addWake(tx *kv.Transaction, id uuid.UUID, name string, ts int64, kind keys.WakeKind) error {
	if err := tx.Set(d.ks.WakeEntry(name, ts, id, kind), keys.Marker); err != nil {
		return err
	}
	return tx.Set(d.ks.WorkflowWakeRefs(id).Pack(ts, int64(kind)), keys.Marker)
}

func (d *Database) addImmediateWake(tx *kv.Transaction, id uuid.UUID, name string, now int64) error {
	if err := keys.Set(tx, d.ks.WorkflowWakeImmediate(id), now); err != nil {
		return err
	}
	return d.addWake(tx, id, name, now, keys.WakeKindImmediate)
}

// clearWake removes every wake condition and index entry of a workflow.
func (d *Database) clearWake(ctx context.Context, tx *kv.Transaction, id uuid.UUID, name string) error {
	refs := d.ks.WorkflowWakeRefs(id)
	rows, err := tx.GetRangeAll(ctx, keys.Range(refs), kv.RangeOptions{})
	if err != nil {
		return err
	}
	for _, row := range rows {
		t, err := refs.Unpack(row.Key)
		if err != nil {
			return err
		}
		ts, err := tuple.Int64(t[0])
		if err != nil {
			return err
		}
		kind, err := tuple.Int64(t[1])
		if err != nil {
			return err
		}
		if err := tx.Clear(d.ks.WakeEntry(name, ts, id, keys.WakeKind(kind))); err != nil {
			return err
		}
	}

	for _, r := range []kv.KeyRange{
		keys.Range(refs),
		keys.Range(d.ks.WorkflowWakeSignals(id)),
		keys.Range(d.ks.WorkflowWakeSubWorkflows(id)),
	} {
		if err := tx.ClearRange(r.Begin, r.End); err != nil {
			return err
		}
	}
	if err := keys.Clear(tx, d.ks.WorkflowWakeDeadline(id)); err != nil {
		return err
	}
	if err := keys.Clear(tx, d.ks.WorkflowWakeImmediate(id)); err != nil {
		return err
	}
	return tx.Clear(d.ks.HasWakeCondition(id))
}
