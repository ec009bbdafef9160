package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/gasoline/internal/history"
	"github.com/petrijr/gasoline/internal/persistence"
)

// WorkflowCtx is handed to workflow code. Every method that touches the
// outside world is recorded in history at the next location and replayed
// from there on later runs.
//
// Methods may return a *Yield. Workflow code must return such errors
// unchanged so the executor can put the workflow to sleep.
type WorkflowCtx struct {
	ctx     context.Context
	run     *Run
	cursor  *history.Cursor
	version uint
}

// Signal is a consumed signal.
type Signal struct {
	ID   uuid.UUID
	Name string
	Body json.RawMessage
}

// Decode unmarshals the signal body into v.
func (s *Signal) Decode(v any) error {
	if err := json.Unmarshal(s.Body, v); err != nil {
		return serializeErr(fmt.Sprintf("body of signal %s", s.Name), err)
	}
	return nil
}

func (c *WorkflowCtx) Context() context.Context { return c.ctx }
func (c *WorkflowCtx) WorkflowID() uuid.UUID    { return c.run.wf.ID }
func (c *WorkflowCtx) RayID() uuid.UUID         { return c.run.wf.RayID }
func (c *WorkflowCtx) Name() string             { return c.run.wf.Name }
func (c *WorkflowCtx) Version() uint            { return c.version }

// Tags are the tags the workflow was dispatched with.
func (c *WorkflowCtx) Tags() persistence.Tags { return c.run.wf.Tags }

// CreateTS is the dispatch time in milliseconds. Use it instead of the
// wall clock where workflow code needs a stable notion of "now".
func (c *WorkflowCtx) CreateTS() int64 { return c.run.wf.CreateTS }

// Logger is tagged with the workflow. Logging is not recorded and happens
// again on every replay.
func (c *WorkflowCtx) Logger() *slog.Logger { return c.run.logger }

// Location of the next operation, for diagnostics.
func (c *WorkflowCtx) Location() string { return c.cursor.Current().String() }

// V returns a view of the context that records new events at version.
// Bump the version of a step whose behaviour changed so that old history
// is detected instead of silently replayed.
func (c *WorkflowCtx) V(version uint) *WorkflowCtx {
	if version == 0 {
		version = 1
	}
	return &WorkflowCtx{ctx: c.ctx, run: c.run, cursor: c.cursor, version: version}
}

// CompareVersion fails when a step of the given version runs under a
// context of a newer version.
func (c *WorkflowCtx) CompareVersion(step string, version uint) error {
	if version < c.version {
		return fmt.Errorf("%w: %s is v%d but the context at %s is v%d",
			ErrVersionMismatch, step, version, c.cursor.Current(), c.version)
	}
	return nil
}

// check validates a recorded event against the operation being replayed.
func (c *WorkflowCtx) check(e *history.Event, typ history.EventType, name string) error {
	if e.Type == typ && e.Name() == name && e.Version > c.version {
		return fmt.Errorf("%w: %s at %s was recorded by v%d, running v%d",
			ErrVersionMismatch, typ, e.Location, e.Version, c.version)
	}
	if err := e.Check(typ, name, c.version); err != nil {
		return divergedErr(err)
	}
	return nil
}

func (c *WorkflowCtx) newEvent(loc history.Location, typ history.EventType) *history.Event {
	return &history.Event{Location: loc, Type: typ, Version: c.version}
}

func (c *WorkflowCtx) branchAt(loc history.Location) *WorkflowCtx {
	return &WorkflowCtx{ctx: c.ctx, run: c.run, cursor: history.NewCursor(loc), version: c.version}
}

// Branch opens a nested location and returns a context whose operations
// are recorded inside it.
func (c *WorkflowCtx) Branch() (*WorkflowCtx, error) {
	if err := c.ctx.Err(); err != nil {
		return nil, err
	}
	loc := c.cursor.Advance()
	if e, ok := c.run.lookup(loc); ok {
		if err := c.check(e, history.EventBranch, ""); err != nil {
			return nil, err
		}
	} else {
		c.run.record(c.newEvent(loc, history.EventBranch))
	}
	return c.branchAt(loc), nil
}

// CheckVersion returns the version recorded at this point of history, or
// records and returns current when the workflow gets here for the first
// time. Histories written before the check was added report version 1.
func (c *WorkflowCtx) CheckVersion(current uint) (uint, error) {
	if current == 0 {
		return 0, ErrInvalidVersion
	}
	loc := c.cursor.Current()
	if e, ok := c.run.lookup(loc); ok {
		if e.Type != history.EventVersionCheck {
			return 1, nil
		}
		c.cursor.Advance()
		return e.Version, nil
	}
	c.cursor.Advance()
	e := c.newEvent(loc, history.EventVersionCheck)
	e.Version = current
	c.run.record(e)
	return current, nil
}

// Removed stands in for a step that was deleted from the workflow, so the
// locations of the steps after it do not shift.
func (c *WorkflowCtx) Removed(kind EventType, name string) error {
	loc := c.cursor.Advance()
	if e, ok := c.run.lookup(loc); ok {
		if e.Type == history.EventRemoved && e.Removed.OriginalType == kind && e.Removed.Name == name {
			return nil
		}
		if e.Type == kind && e.Name() == name {
			return nil
		}
		return divergedErr(&history.DivergedError{
			Location: loc,
			Expected: fmt.Sprintf("removed %s %q", kind, name),
			Found:    e.Describe(),
		})
	}
	e := c.newEvent(loc, history.EventRemoved)
	e.Removed = &history.RemovedEvent{OriginalType: kind, Name: name}
	c.run.record(e)
	return nil
}

// Sleep suspends the workflow for d. The deadline is fixed the first time
// the workflow gets here.
func (c *WorkflowCtx) Sleep(d time.Duration) error {
	return c.SleepUntil(c.run.db.Now().Add(d))
}

// SleepUntil suspends the workflow until t. A deadline in the past
// returns immediately.
func (c *WorkflowCtx) SleepUntil(t time.Time) error {
	if err := c.ctx.Err(); err != nil {
		return err
	}
	loc := c.cursor.Advance()
	deadline := t.UnixMilli()

	if e, ok := c.run.lookup(loc); ok {
		if err := c.check(e, history.EventSleep, ""); err != nil {
			return err
		}
		if e.Sleep.State != history.SleepNormal {
			return nil
		}
		deadline = e.Sleep.DeadlineTS
		if c.run.nowMillis() >= deadline {
			c.recordSleep(loc, deadline, history.SleepCompleted, e.CreateTS)
			return nil
		}
		return &Yield{DeadlineTS: &deadline}
	}

	if c.run.nowMillis() >= deadline {
		c.recordSleep(loc, deadline, history.SleepCompleted, 0)
		return nil
	}
	c.recordSleep(loc, deadline, history.SleepNormal, 0)
	return &Yield{DeadlineTS: &deadline}
}

func (c *WorkflowCtx) recordSleep(loc history.Location, deadline int64, state history.SleepState, createTS int64) {
	e := c.newEvent(loc, history.EventSleep)
	e.CreateTS = createTS
	e.Sleep = &history.SleepEvent{DeadlineTS: deadline, State: state}
	c.run.record(e)
}

// Listen returns the oldest unconsumed signal with one of names, or
// yields until one arrives.
func (c *WorkflowCtx) Listen(names ...string) (*Signal, error) {
	if len(names) == 0 {
		return nil, ErrMissingName
	}
	if err := c.ctx.Err(); err != nil {
		return nil, err
	}
	loc := c.cursor.Advance()
	if e, ok := c.run.lookup(loc); ok {
		return c.replaySignal(e, names)
	}

	sig, err := c.receive(loc, names)
	if err != nil || sig != nil {
		return sig, err
	}
	return nil, &Yield{Signals: slices.Clone(names)}
}

// ListenAs listens for a single signal name and decodes its body.
func ListenAs[T any](c *WorkflowCtx, name string) (T, error) {
	var out T
	sig, err := c.Listen(name)
	if err != nil {
		return out, err
	}
	return out, sig.Decode(&out)
}

// ListenWithTimeout is Listen with a deadline. It reports false when the
// deadline passed before a signal arrived. A signal that is already
// queued when the deadline passes is still delivered.
func (c *WorkflowCtx) ListenWithTimeout(d time.Duration, names ...string) (*Signal, bool, error) {
	if len(names) == 0 {
		return nil, false, ErrMissingName
	}
	if err := c.ctx.Err(); err != nil {
		return nil, false, err
	}
	timerLoc := c.cursor.Advance()
	signalLoc := c.cursor.Advance()

	deadline := c.run.db.Now().Add(d).UnixMilli()
	var createTS int64
	timer, replayed := c.run.lookup(timerLoc)
	if replayed {
		if err := c.check(timer, history.EventSleep, ""); err != nil {
			return nil, false, err
		}
		deadline = timer.Sleep.DeadlineTS
		createTS = timer.CreateTS
		switch timer.Sleep.State {
		case history.SleepInterrupted:
			e, ok := c.run.lookup(signalLoc)
			if !ok {
				return nil, false, divergedErr(&history.DivergedError{
					Location: signalLoc,
					Expected: "signal receive after interrupted timer",
					Found:    "nothing",
				})
			}
			sig, err := c.replaySignal(e, names)
			return sig, err == nil, err
		case history.SleepCompleted:
			return nil, false, nil
		}
	}

	sig, err := c.receive(signalLoc, names)
	if err != nil {
		return nil, false, err
	}
	if sig != nil {
		c.recordSleep(timerLoc, deadline, history.SleepInterrupted, createTS)
		return sig, true, nil
	}
	if c.run.nowMillis() >= deadline {
		c.recordSleep(timerLoc, deadline, history.SleepCompleted, createTS)
		return nil, false, nil
	}
	if !replayed {
		c.recordSleep(timerLoc, deadline, history.SleepNormal, 0)
	}
	return nil, false, &Yield{DeadlineTS: &deadline, Signals: slices.Clone(names)}
}

// ListenMany consumes up to limit queued signals with one of names in one
// step, yielding while none is queued.
func (c *WorkflowCtx) ListenMany(limit int, names ...string) ([]*Signal, error) {
	if len(names) == 0 {
		return nil, ErrMissingName
	}
	if limit <= 0 {
		return nil, errors.New("listen limit must be positive")
	}
	if err := c.ctx.Err(); err != nil {
		return nil, err
	}
	loc := c.cursor.Advance()
	if e, ok := c.run.lookup(loc); ok {
		if err := c.check(e, history.EventSignals, ""); err != nil {
			return nil, err
		}
		out := make([]*Signal, len(e.Signals.SignalIDs))
		for i := range out {
			out[i] = &Signal{ID: e.Signals.SignalIDs[i], Name: e.Signals.Names[i], Body: e.Signals.Bodies[i]}
		}
		return out, nil
	}

	claimed, err := c.run.claimSignals(c.ctx, names, limit)
	if err != nil {
		return nil, err
	}
	if len(claimed) == 0 {
		return nil, &Yield{Signals: slices.Clone(names)}
	}
	e := c.newEvent(loc, history.EventSignals)
	e.Signals = &history.SignalsEvent{}
	out := make([]*Signal, 0, len(claimed))
	for _, s := range claimed {
		e.Signals.SignalIDs = append(e.Signals.SignalIDs, s.ID)
		e.Signals.Names = append(e.Signals.Names, s.Name)
		e.Signals.Bodies = append(e.Signals.Bodies, s.Body)
		out = append(out, &Signal{ID: s.ID, Name: s.Name, Body: s.Body})
	}
	c.run.record(e)
	return out, nil
}

// receive consumes one queued signal and records it at loc. It returns nil
// when nothing is queued.
func (c *WorkflowCtx) receive(loc history.Location, names []string) (*Signal, error) {
	claimed, err := c.run.claimSignals(c.ctx, names, 1)
	if err != nil || len(claimed) == 0 {
		return nil, err
	}
	s := claimed[0]
	e := c.newEvent(loc, history.EventSignalReceive)
	e.Signal = &history.SignalEvent{SignalID: s.ID, Name: s.Name, Body: s.Body}
	c.run.record(e)
	return &Signal{ID: s.ID, Name: s.Name, Body: s.Body}, nil
}

func (c *WorkflowCtx) replaySignal(e *history.Event, names []string) (*Signal, error) {
	if e.Type == history.EventSignalReceive && !slices.Contains(names, e.Signal.Name) {
		return nil, divergedErr(&history.DivergedError{
			Location: e.Location,
			Expected: "signal " + strings.Join(names, "|"),
			Found:    e.Describe(),
		})
	}
	if err := c.check(e, history.EventSignalReceive, e.Name()); err != nil {
		return nil, err
	}
	return &Signal{ID: e.Signal.SignalID, Name: e.Signal.Name, Body: e.Signal.Body}, nil
}
