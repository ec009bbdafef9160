package persistence

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/petrijr/gasoline/internal/history"
	"github.com/petrijr/gasoline/internal/keys"
	"github.com/petrijr/gasoline/pkg/kv"
	"github.com/petrijr/gasoline/pkg/tuple"
)

func (d *Database) eventKey(id uuid.UUID, loc history.Location, forgotten bool) keys.Key[history.Event] {
	return keys.NewKey[history.Event](d.ks.History(id, forgotten), loc.Tuple())
}

func (d *Database) writeEvent(tx *kv.Transaction, id uuid.UUID, e *history.Event) error {
	if len(e.Location) == 0 {
		return fmt.Errorf("event %s without location", e.Type)
	}
	return keys.Set(tx, d.eventKey(id, e.Location, false), *e)
}

// readHistory returns the active or forgotten events of a workflow in
// location order.
func (d *Database) readHistory(ctx context.Context, r reader, id uuid.UUID, forgotten bool) ([]*history.Event, error) {
	sub := d.ks.History(id, forgotten)
	it := r.Range(ctx, keys.Range(sub), kv.RangeOptions{})
	var out []*history.Event
	for it.Next() {
		row := it.KeyValue()
		t, err := sub.Unpack(row.Key)
		if err != nil {
			return nil, err
		}
		nested, err := tuple.Nested(t[0])
		if err != nil {
			return nil, err
		}
		loc, err := history.LocationFromTuple(nested)
		if err != nil {
			return nil, err
		}
		e, err := d.eventKey(id, loc, forgotten).Deserialize(row.Value)
		if err != nil {
			return nil, err
		}
		e.Location = loc
		e.Forgotten = forgotten
		out = append(out, &e)
	}
	return out, it.Err()
}

// forgetBranch moves the active events strictly inside loc to the
// forgotten history.
func (d *Database) forgetBranch(ctx context.Context, tx *kv.Transaction, id uuid.UUID, loc history.Location) error {
	events, err := d.readHistory(ctx, tx, id, false)
	if err != nil {
		return err
	}
	for _, e := range events {
		if len(e.Location) <= len(loc) || !e.Location.HasPrefix(loc) {
			continue
		}
		if err := keys.Set(tx, d.eventKey(id, e.Location, true), *e); err != nil {
			return err
		}
		if err := tx.Clear(d.eventKey(id, e.Location, false).Pack()); err != nil {
			return err
		}
	}
	return nil
}

// GetWorkflowHistory returns the history of a workflow in location order,
// optionally including forgotten events.
func (d *Database) GetWorkflowHistory(ctx context.Context, id uuid.UUID, includeForgotten bool) ([]*history.Event, error) {
	return kv.Transact(ctx, d.db, func(tx *kv.Transaction) ([]*history.Event, error) {
		snap := tx.Snapshot()
		if _, ok, err := snap.Get(ctx, d.ks.WorkflowName(id).Pack()); err != nil {
			return nil, err
		} else if !ok {
			return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
		}

		active, err := d.readHistory(ctx, snap, id, false)
		if err != nil || !includeForgotten {
			return active, err
		}
		forgotten, err := d.readHistory(ctx, snap, id, true)
		if err != nil {
			return nil, err
		}
		return mergeByLocation(active, forgotten), nil
	})
}

func mergeByLocation(a, b []*history.Event) []*history.Event {
	out := make([]*history.Event, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if b[j].Location.Compare(a[i].Location) < 0 {
			out = append(out, b[j])
			j++
		} else {
			out = append(out, a[i])
			i++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}
