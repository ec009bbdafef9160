package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/petrijr/gasoline/internal/history"
	"github.com/petrijr/gasoline/internal/keys"
	"github.com/petrijr/gasoline/pkg/kv"
	"github.com/petrijr/gasoline/pkg/tuple"
)

// PublishSignal queues a signal for its target and wakes the target if it
// listens for the name. It returns the signal id.
func (d *Database) PublishSignal(ctx context.Context, opts SignalOpts) (uuid.UUID, error) {
	tags, err := opts.Tags.canonical()
	if err != nil {
		return uuid.Nil, err
	}
	opts.Tags = tags
	if opts.SignalID == uuid.Nil {
		opts.SignalID = uuid.New()
	}

	target, err := kv.Transact(ctx, d.db, func(tx *kv.Transaction) (uuid.UUID, error) {
		return d.publishSignalTx(ctx, tx, opts, d.nowMillis())
	})
	if err != nil {
		return uuid.Nil, err
	}
	d.logger.DebugContext(ctx, "signal_published",
		slog.String("signal_id", opts.SignalID.String()),
		slog.String("signal_name", opts.Name),
		slog.String("workflow_id", target.String()),
	)
	d.notifyWake(ctx)
	return opts.SignalID, nil
}

func (d *Database) publishSignalTx(ctx context.Context, tx *kv.Transaction, opts SignalOpts, now int64) (uuid.UUID, error) {
	if opts.Name == "" {
		return uuid.Nil, errors.New("signal name is required")
	}
	if opts.SignalID == uuid.Nil {
		opts.SignalID = uuid.New()
	}

	var target uuid.UUID
	switch {
	case opts.WorkflowID != nil:
		target = *opts.WorkflowID
	case len(opts.Tags) > 0:
		id, ok, err := d.findByTags(ctx, tx, opts.Tags)
		if err != nil {
			return uuid.Nil, err
		}
		if !ok {
			return uuid.Nil, fmt.Errorf("%w: no workflow with tags for signal %q", ErrWorkflowNotFound, opts.Name)
		}
		target = id
	default:
		return uuid.Nil, errors.New("signal needs a workflow id or tags")
	}

	wfName, ok, err := keys.Get(ctx, tx, d.ks.WorkflowName(target))
	if err != nil {
		return uuid.Nil, err
	}
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, target)
	}

	body := opts.Body
	if body == nil {
		body = json.RawMessage("null")
	}
	sid := opts.SignalID
	if err := keys.Set(tx, d.ks.SignalName(sid), opts.Name); err != nil {
		return uuid.Nil, err
	}
	if err := keys.Set(tx, d.ks.SignalBody(sid), body); err != nil {
		return uuid.Nil, err
	}
	if err := keys.Set(tx, d.ks.SignalCreateTS(sid), now); err != nil {
		return uuid.Nil, err
	}
	if err := keys.Set(tx, d.ks.SignalRayID(sid), opts.RayID); err != nil {
		return uuid.Nil, err
	}
	if err := keys.Set(tx, d.ks.SignalWorkflowID(sid), target); err != nil {
		return uuid.Nil, err
	}
	if err := tx.Set(d.ks.PendingSignal(target, opts.Name, now, sid), keys.Marker); err != nil {
		return uuid.Nil, err
	}
	if err := tx.Set(d.ks.WorkflowSignals(target).Pack(now, sid), keys.Marker); err != nil {
		return uuid.Nil, err
	}

	if _, listening, err := tx.Get(ctx, d.ks.WorkflowWakeSignal(target, opts.Name).Pack()); err != nil {
		return uuid.Nil, err
	} else if listening {
		if err := d.addWake(tx, target, wfName, now, keys.WakeKindSignal); err != nil {
			return uuid.Nil, err
		}
	}
	return target, nil
}

// ListPendingSignals returns up to limit unacked signals of the given
// names, oldest first. Ties on create time are broken by signal id.
func (d *Database) ListPendingSignals(ctx context.Context, workflowID uuid.UUID, names []string, limit int) ([]*Signal, error) {
	return kv.Transact(ctx, d.db, func(tx *kv.Transaction) ([]*Signal, error) {
		snap := tx.Snapshot()
		var out []*Signal
		for _, name := range names {
			sub := d.ks.PendingSignals(workflowID).Sub(name)
			it := snap.Range(ctx, keys.Range(sub), kv.RangeOptions{Limit: limit})
			for it.Next() {
				t, err := sub.Unpack(it.KeyValue().Key)
				if err != nil {
					return nil, err
				}
				sid, err := tuple.UUID(t[1])
				if err != nil {
					return nil, err
				}
				s, err := d.loadSignal(ctx, snap, sid)
				if err != nil {
					return nil, err
				}
				out = append(out, s)
			}
			if err := it.Err(); err != nil {
				return nil, err
			}
		}
		sortSignals(out)
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return out, nil
	})
}

func sortSignals(s []*Signal) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].CreateTS != s[j].CreateTS {
			return s[i].CreateTS < s[j].CreateTS
		}
		return s[i].ID.String() < s[j].ID.String()
	})
}

func (d *Database) loadSignal(ctx context.Context, r keys.Reader, sid uuid.UUID) (*Signal, error) {
	name, ok, err := keys.Get(ctx, r, d.ks.SignalName(sid))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSignalNotFound, sid)
	}
	s := &Signal{ID: sid, Name: name}
	if s.Body, _, err = keys.Get(ctx, r, d.ks.SignalBody(sid)); err != nil {
		return nil, err
	}
	if s.CreateTS, _, err = keys.Get(ctx, r, d.ks.SignalCreateTS(sid)); err != nil {
		return nil, err
	}
	if s.RayID, _, err = keys.Get(ctx, r, d.ks.SignalRayID(sid)); err != nil {
		return nil, err
	}
	if s.WorkflowID, _, err = keys.Get(ctx, r, d.ks.SignalWorkflowID(sid)); err != nil {
		return nil, err
	}
	ack, acked, err := keys.Get(ctx, r, d.ks.SignalAckTS(sid))
	if err != nil {
		return nil, err
	}
	if acked {
		s.AckTS = &ack
	}
	_, s.Silenced, err = keys.Get(ctx, r, d.ks.SignalSilenced(sid))
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ackTx consumes a pending signal. Reading the pending key makes two runs
// consuming the same signal conflict; the loser sees it gone.
func (d *Database) ackTx(ctx context.Context, tx *kv.Transaction, workflowID, sid uuid.UUID, now int64) error {
	s, err := d.loadSignal(ctx, tx, sid)
	if err != nil {
		return err
	}
	if s.WorkflowID != workflowID {
		return fmt.Errorf("%w: signal %s targets %s", ErrSignalNotFound, sid, s.WorkflowID)
	}
	pending := d.ks.PendingSignal(workflowID, s.Name, s.CreateTS, sid)
	if _, ok, err := tx.Get(ctx, pending); err != nil {
		return err
	} else if !ok || s.AckTS != nil {
		return fmt.Errorf("%w: %s", ErrSignalAlreadyAcked, sid)
	}
	if err := tx.Clear(pending); err != nil {
		return err
	}
	return keys.Set(tx, d.ks.SignalAckTS(sid), now)
}

// AckSignal consumes a pending signal outside of a run and records it in
// the workflow history at loc.
func (d *Database) AckSignal(ctx context.Context, workflowID, signalID uuid.UUID, loc history.Location) error {
	return d.db.Run(ctx, func(tx *kv.Transaction) error {
		now := d.nowMillis()
		if err := d.ackTx(ctx, tx, workflowID, signalID, now); err != nil {
			return err
		}
		s, err := d.loadSignal(ctx, tx, signalID)
		if err != nil {
			return err
		}
		return d.writeEvent(tx, workflowID, &history.Event{
			Location: loc,
			Type:     history.EventSignalReceive,
			CreateTS: now,
			Signal:   &history.SignalEvent{SignalID: signalID, Name: s.Name, Body: s.Body},
		})
	})
}

// ListSignals returns every signal sent to a workflow, oldest first.
func (d *Database) ListSignals(ctx context.Context, workflowID uuid.UUID) ([]*Signal, error) {
	return kv.Transact(ctx, d.db, func(tx *kv.Transaction) ([]*Signal, error) {
		snap := tx.Snapshot()
		sub := d.ks.WorkflowSignals(workflowID)
		rows := snap.Range(ctx, keys.Range(sub), kv.RangeOptions{})
		var out []*Signal
		for rows.Next() {
			t, err := sub.Unpack(rows.KeyValue().Key)
			if err != nil {
				return nil, err
			}
			sid, err := tuple.UUID(t[1])
			if err != nil {
				return nil, err
			}
			s, err := d.loadSignal(ctx, snap, sid)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, rows.Err()
	})
}

// SilenceSignals drops signals from their pending queues without
// delivering them.
func (d *Database) SilenceSignals(ctx context.Context, ids []uuid.UUID) error {
	return d.db.Run(ctx, func(tx *kv.Transaction) error {
		now := d.nowMillis()
		for _, sid := range ids {
			s, err := d.loadSignal(ctx, tx, sid)
			if err != nil {
				return err
			}
			if err := keys.Set(tx, d.ks.SignalSilenced(sid), now); err != nil {
				return err
			}
			if err := tx.Clear(d.ks.PendingSignal(s.WorkflowID, s.Name, s.CreateTS, sid)); err != nil {
				return err
			}
		}
		return nil
	})
}
