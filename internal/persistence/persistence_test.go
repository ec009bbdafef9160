package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/gasoline/internal/history"
	"github.com/petrijr/gasoline/internal/testutil"
	"github.com/petrijr/gasoline/pkg/kv"
	"github.com/petrijr/gasoline/pkg/kv/memkv"
	"github.com/petrijr/gasoline/pkg/kv/sqlitekv"
)

type dbFactory func(t *testing.T, clock *testutil.Clock) *Database

func backends() map[string]dbFactory {
	return map[string]dbFactory{
		"in-memory": func(t *testing.T, clock *testutil.Clock) *Database {
			return New(memkv.NewDatabase(kv.Config{}), Options{Now: clock.Now})
		},
		"sqlite": func(t *testing.T, clock *testutil.Clock) *Database {
			store, err := sqlitekv.Open(filepath.Join(t.TempDir(), "wf.db"))
			if err != nil {
				t.Fatalf("sqlitekv.Open: %v", err)
			}
			t.Cleanup(func() { _ = store.Close() })
			return New(kv.New(store, kv.Config{}), Options{Now: clock.Now})
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, db *Database, clock *testutil.Clock)) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			clock := testutil.NewClock()
			fn(t, factory(t, clock), clock)
		})
	}
}

func mustTags(t *testing.T, in map[string]any) Tags {
	t.Helper()
	tags, err := NewTags(in)
	if err != nil {
		t.Fatalf("NewTags: %v", err)
	}
	return tags
}

func pullOne(t *testing.T, db *Database, worker uuid.UUID, name string) *PulledWorkflow {
	t.Helper()
	pulled, err := db.PullWorkflows(context.Background(), worker, []string{name}, 10)
	if err != nil {
		t.Fatalf("PullWorkflows: %v", err)
	}
	if len(pulled) != 1 {
		t.Fatalf("expected 1 pulled workflow, got %d", len(pulled))
	}
	return pulled[0]
}

func expectNothingPulled(t *testing.T, db *Database, worker uuid.UUID, name string) {
	t.Helper()
	pulled, err := db.PullWorkflows(context.Background(), worker, []string{name}, 10)
	if err != nil {
		t.Fatalf("PullWorkflows: %v", err)
	}
	if len(pulled) != 0 {
		t.Fatalf("expected nothing pulled, got %d", len(pulled))
	}
}

func TestDatabase_DispatchAndGet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *Database, clock *testutil.Clock) {
		ctx := context.Background()
		tags := mustTags(t, map[string]any{"dc": "a", "n": 3})

		id, err := db.DispatchWorkflow(ctx, DispatchOpts{Name: "counter", Tags: tags, Input: json.RawMessage(`{"n":1}`)})
		if err != nil {
			t.Fatalf("DispatchWorkflow: %v", err)
		}

		w, err := db.GetWorkflow(ctx, id)
		if err != nil {
			t.Fatalf("GetWorkflow: %v", err)
		}
		if w.Name != "counter" || string(w.Input) != `{"n":1}` {
			t.Fatalf("unexpected workflow: %+v", w)
		}
		if w.State != StateRunning || !w.WakeImmediate {
			t.Fatalf("dispatched workflow should be running with an immediate wake, got %s", w.State)
		}
		if w.CreateTS != clock.Now().UnixMilli() {
			t.Fatalf("create_ts = %d", w.CreateTS)
		}
		if string(w.Tags["n"]) != "3" || string(w.Tags["dc"]) != `"a"` {
			t.Fatalf("unexpected tags: %v", w.Tags)
		}

		if _, err := db.GetWorkflow(ctx, uuid.New()); !errors.Is(err, ErrWorkflowNotFound) {
			t.Fatalf("expected ErrWorkflowNotFound, got %v", err)
		}
		if _, err := db.DispatchWorkflow(ctx, DispatchOpts{WorkflowID: id, Name: "counter"}); !errors.Is(err, ErrWorkflowExists) {
			t.Fatalf("expected ErrWorkflowExists, got %v", err)
		}
	})
}

func TestDatabase_RejectsNonScalarTags(t *testing.T) {
	if _, err := NewTags(map[string]any{"x": []int{1}}); !errors.Is(err, ErrInvalidTag) {
		t.Fatalf("expected ErrInvalidTag, got %v", err)
	}
}

func TestDatabase_UniqueDispatchByTags(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *Database, clock *testutil.Clock) {
		ctx := context.Background()
		tags := mustTags(t, map[string]any{"dc": "a"})
		opts := DispatchOpts{Name: "provision", Tags: tags, Unique: true}

		w1, err := db.DispatchWorkflow(ctx, opts)
		if err != nil {
			t.Fatalf("DispatchWorkflow: %v", err)
		}
		again, err := db.DispatchWorkflow(ctx, opts)
		if err != nil {
			t.Fatalf("DispatchWorkflow: %v", err)
		}
		if again != w1 {
			t.Fatalf("unique dispatch created a second workflow: %s vs %s", again, w1)
		}

		other, err := db.DispatchWorkflow(ctx, DispatchOpts{Name: "provision", Tags: mustTags(t, map[string]any{"dc": "b"}), Unique: true})
		if err != nil {
			t.Fatalf("DispatchWorkflow: %v", err)
		}
		if other == w1 {
			t.Fatalf("different tags must not match")
		}

		worker := uuid.New()
		pulled, err := db.PullWorkflows(ctx, worker, []string{"provision"}, 10)
		if err != nil {
			t.Fatalf("PullWorkflows: %v", err)
		}
		for _, p := range pulled {
			if p.ID != w1 {
				continue
			}
			if err := db.CommitWorkflow(ctx, &RunCommit{WorkflowID: w1, WorkerID: worker, Output: json.RawMessage(`"ok"`)}); err != nil {
				t.Fatalf("CommitWorkflow: %v", err)
			}
		}

		w2, err := db.DispatchWorkflow(ctx, opts)
		if err != nil {
			t.Fatalf("DispatchWorkflow: %v", err)
		}
		if w2 == w1 {
			t.Fatalf("finished workflow must not satisfy a unique dispatch")
		}

		found, ok, err := db.FindWorkflow(ctx, "provision", tags)
		if err != nil || !ok || found != w2 {
			t.Fatalf("FindWorkflow = %s %v %v, want %s", found, ok, err, w2)
		}
	})
}

func TestDatabase_PullLeasesOnce(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *Database, clock *testutil.Clock) {
		ctx := context.Background()
		id, err := db.DispatchWorkflow(ctx, DispatchOpts{Name: "wf"})
		if err != nil {
			t.Fatalf("DispatchWorkflow: %v", err)
		}

		w1 := uuid.New()
		p := pullOne(t, db, w1, "wf")
		if p.ID != id {
			t.Fatalf("pulled %s, want %s", p.ID, id)
		}
		expectNothingPulled(t, db, uuid.New(), "wf")
		expectNothingPulled(t, db, w1, "other")

		got, err := db.GetWorkflow(ctx, id)
		if err != nil {
			t.Fatalf("GetWorkflow: %v", err)
		}
		if got.LeaseWorkerID == nil || *got.LeaseWorkerID != w1 || got.State != StateRunning {
			t.Fatalf("lease not recorded: %+v", got)
		}
	})
}

func TestDatabase_CommitWithLostLeaseFails(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *Database, clock *testutil.Clock) {
		ctx := context.Background()
		id, err := db.DispatchWorkflow(ctx, DispatchOpts{Name: "wf"})
		if err != nil {
			t.Fatalf("DispatchWorkflow: %v", err)
		}
		w1 := uuid.New()
		pullOne(t, db, w1, "wf")

		clock.Advance(db.LeaseTTL() + time.Second)
		n, err := db.ClearExpiredLeases(ctx)
		if err != nil {
			t.Fatalf("ClearExpiredLeases: %v", err)
		}
		if n != 1 {
			t.Fatalf("released %d leases, want 1", n)
		}

		w2 := uuid.New()
		pullOne(t, db, w2, "wf")

		err = db.CommitWorkflow(ctx, &RunCommit{WorkflowID: id, WorkerID: w1, Output: json.RawMessage(`1`)})
		if !errors.Is(err, ErrLeaseLost) {
			t.Fatalf("expected ErrLeaseLost, got %v", err)
		}
		if err := db.CommitWorkflow(ctx, &RunCommit{WorkflowID: id, WorkerID: w2, Output: json.RawMessage(`2`)}); err != nil {
			t.Fatalf("CommitWorkflow: %v", err)
		}
		got, err := db.GetWorkflow(ctx, id)
		if err != nil {
			t.Fatalf("GetWorkflow: %v", err)
		}
		if string(got.Output) != "2" || got.State != StateComplete {
			t.Fatalf("unexpected final row: %+v", got)
		}
	})
}

func TestDatabase_PingKeepsLease(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *Database, clock *testutil.Clock) {
		ctx := context.Background()
		if _, err := db.DispatchWorkflow(ctx, DispatchOpts{Name: "wf"}); err != nil {
			t.Fatalf("DispatchWorkflow: %v", err)
		}
		w1 := uuid.New()
		pullOne(t, db, w1, "wf")

		for i := 0; i < 3; i++ {
			clock.Advance(db.LeaseTTL() / 2)
			if err := db.UpdateWorkerPing(ctx, w1); err != nil {
				t.Fatalf("UpdateWorkerPing: %v", err)
			}
		}
		if n, err := db.ClearExpiredLeases(ctx); err != nil || n != 0 {
			t.Fatalf("ClearExpiredLeases = %d, %v", n, err)
		}
		expectNothingPulled(t, db, uuid.New(), "wf")
	})
}

func TestDatabase_WakeDeadlineBoundary(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *Database, clock *testutil.Clock) {
		ctx := context.Background()
		id, err := db.DispatchWorkflow(ctx, DispatchOpts{Name: "sleeper"})
		if err != nil {
			t.Fatalf("DispatchWorkflow: %v", err)
		}
		worker := uuid.New()
		pullOne(t, db, worker, "sleeper")

		deadline := clock.Now().Add(time.Hour).UnixMilli()
		if err := db.CommitWorkflow(ctx, &RunCommit{
			WorkflowID: id,
			WorkerID:   worker,
			Wake:       WakeConditions{DeadlineTS: &deadline},
		}); err != nil {
			t.Fatalf("CommitWorkflow: %v", err)
		}

		got, err := db.GetWorkflow(ctx, id)
		if err != nil {
			t.Fatalf("GetWorkflow: %v", err)
		}
		if got.State != StateSleeping || got.WakeDeadlineTS == nil || *got.WakeDeadlineTS != deadline {
			t.Fatalf("expected sleeping until %d, got %+v", deadline, got)
		}

		expectNothingPulled(t, db, worker, "sleeper")
		clock.Advance(time.Hour - time.Millisecond)
		expectNothingPulled(t, db, worker, "sleeper")

		// deadline_ts = now - 1ms
		clock.Advance(2 * time.Millisecond)
		p := pullOne(t, db, worker, "sleeper")
		if p.WakeDeadlineTS == nil || *p.WakeDeadlineTS != deadline {
			t.Fatalf("pulled workflow lost its deadline")
		}
	})
}

func TestDatabase_EmptyPullIsBounded(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *Database, clock *testutil.Clock) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		start := time.Now()
		pulled, err := db.PullWorkflows(ctx, uuid.New(), []string{"a", "b", "c"}, 512)
		if err != nil {
			t.Fatalf("PullWorkflows: %v", err)
		}
		if len(pulled) != 0 {
			t.Fatalf("expected no workflows")
		}
		if time.Since(start) > time.Second {
			t.Fatalf("empty pull took %s", time.Since(start))
		}
	})
}

func TestDatabase_SignalWakesListener(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *Database, clock *testutil.Clock) {
		ctx := context.Background()
		id, err := db.DispatchWorkflow(ctx, DispatchOpts{Name: "listener"})
		if err != nil {
			t.Fatalf("DispatchWorkflow: %v", err)
		}
		worker := uuid.New()
		pullOne(t, db, worker, "listener")
		if err := db.CommitWorkflow(ctx, &RunCommit{
			WorkflowID: id,
			WorkerID:   worker,
			Wake:       WakeConditions{Signals: []string{"go"}},
		}); err != nil {
			t.Fatalf("CommitWorkflow: %v", err)
		}
		expectNothingPulled(t, db, worker, "listener")

		// A signal nobody listens for does not wake.
		if _, err := db.PublishSignal(ctx, SignalOpts{WorkflowID: &id, Name: "stop"}); err != nil {
			t.Fatalf("PublishSignal: %v", err)
		}
		expectNothingPulled(t, db, worker, "listener")

		clock.Advance(time.Millisecond)
		first, err := db.PublishSignal(ctx, SignalOpts{WorkflowID: &id, Name: "go", Body: json.RawMessage(`{"x":1}`)})
		if err != nil {
			t.Fatalf("PublishSignal: %v", err)
		}
		clock.Advance(time.Millisecond)
		second, err := db.PublishSignal(ctx, SignalOpts{WorkflowID: &id, Name: "go", Body: json.RawMessage(`{"x":2}`)})
		if err != nil {
			t.Fatalf("PublishSignal: %v", err)
		}

		pullOne(t, db, worker, "listener")
		pending, err := db.ListPendingSignals(ctx, id, []string{"go"}, 10)
		if err != nil {
			t.Fatalf("ListPendingSignals: %v", err)
		}
		if len(pending) != 2 || pending[0].ID != first || pending[1].ID != second {
			t.Fatalf("signals not FIFO: %+v", pending)
		}

		if err := db.CommitWorkflow(ctx, &RunCommit{
			WorkflowID: id,
			WorkerID:   worker,
			AckSignals: []uuid.UUID{first},
			Events: []*history.Event{{
				Location: history.Location{1},
				Type:     history.EventSignalReceive,
				Signal:   &history.SignalEvent{SignalID: first, Name: "go", Body: pending[0].Body},
			}},
			Wake: WakeConditions{Signals: []string{"go"}},
		}); err != nil {
			t.Fatalf("CommitWorkflow: %v", err)
		}

		// The second signal is still queued, so listening again wakes now.
		p := pullOne(t, db, worker, "listener")
		if len(p.Events) != 1 || p.Events[0].Signal.SignalID != first {
			t.Fatalf("unexpected history: %+v", p.Events)
		}

		err = db.CommitWorkflow(ctx, &RunCommit{WorkflowID: id, WorkerID: worker, AckSignals: []uuid.UUID{first}})
		if !errors.Is(err, ErrSignalAlreadyAcked) {
			t.Fatalf("expected ErrSignalAlreadyAcked, got %v", err)
		}

		all, err := db.ListSignals(ctx, id)
		if err != nil {
			t.Fatalf("ListSignals: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("expected 3 signals, got %d", len(all))
		}
		for _, s := range all {
			if s.ID == first && s.AckTS == nil {
				t.Fatalf("first signal should be acked")
			}
		}
	})
}

func TestDatabase_SignalByTags(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *Database, clock *testutil.Clock) {
		ctx := context.Background()
		older, err := db.DispatchWorkflow(ctx, DispatchOpts{Name: "a", Tags: mustTags(t, map[string]any{"server": "s1", "dc": "x"})})
		if err != nil {
			t.Fatalf("DispatchWorkflow: %v", err)
		}
		clock.Advance(time.Millisecond)
		if _, err := db.DispatchWorkflow(ctx, DispatchOpts{Name: "b", Tags: mustTags(t, map[string]any{"server": "s1"})}); err != nil {
			t.Fatalf("DispatchWorkflow: %v", err)
		}

		sid, err := db.PublishSignal(ctx, SignalOpts{Tags: mustTags(t, map[string]any{"server": "s1"}), Name: "ping"})
		if err != nil {
			t.Fatalf("PublishSignal: %v", err)
		}
		pending, err := db.ListPendingSignals(ctx, older, []string{"ping"}, 10)
		if err != nil {
			t.Fatalf("ListPendingSignals: %v", err)
		}
		if len(pending) != 1 || pending[0].ID != sid {
			t.Fatalf("signal should target the oldest match, got %+v", pending)
		}

		_, err = db.PublishSignal(ctx, SignalOpts{Tags: mustTags(t, map[string]any{"server": "nope"}), Name: "ping"})
		if !errors.Is(err, ErrWorkflowNotFound) {
			t.Fatalf("expected ErrWorkflowNotFound, got %v", err)
		}
		missing := uuid.New()
		if _, err := db.PublishSignal(ctx, SignalOpts{WorkflowID: &missing, Name: "ping"}); !errors.Is(err, ErrWorkflowNotFound) {
			t.Fatalf("expected ErrWorkflowNotFound, got %v", err)
		}
	})
}

func TestDatabase_SilenceAndWake(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *Database, clock *testutil.Clock) {
		ctx := context.Background()
		id, err := db.DispatchWorkflow(ctx, DispatchOpts{Name: "wf"})
		if err != nil {
			t.Fatalf("DispatchWorkflow: %v", err)
		}
		if err := db.SilenceWorkflows(ctx, []uuid.UUID{id}); err != nil {
			t.Fatalf("SilenceWorkflows: %v", err)
		}
		got, err := db.GetWorkflow(ctx, id)
		if err != nil {
			t.Fatalf("GetWorkflow: %v", err)
		}
		if got.State != StateSilenced {
			t.Fatalf("state = %s", got.State)
		}
		expectNothingPulled(t, db, uuid.New(), "wf")

		if err := db.WakeWorkflows(ctx, []uuid.UUID{id}); err != nil {
			t.Fatalf("WakeWorkflows: %v", err)
		}
		pullOne(t, db, uuid.New(), "wf")

		if err := db.SilenceWorkflows(ctx, []uuid.UUID{uuid.New()}); !errors.Is(err, ErrWorkflowNotFound) {
			t.Fatalf("expected ErrWorkflowNotFound, got %v", err)
		}
	})
}

func TestDatabase_ForgetMovesHistory(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *Database, clock *testutil.Clock) {
		ctx := context.Background()
		id, err := db.DispatchWorkflow(ctx, DispatchOpts{Name: "loop"})
		if err != nil {
			t.Fatalf("DispatchWorkflow: %v", err)
		}
		worker := uuid.New()
		pullOne(t, db, worker, "loop")

		act := func(loc history.Location, name string) *history.Event {
			return &history.Event{Location: loc, Type: history.EventActivity, Activity: &history.ActivityEvent{Name: name}}
		}
		if err := db.CommitWorkflow(ctx, &RunCommit{
			WorkflowID: id,
			WorkerID:   worker,
			Events: []*history.Event{
				{Location: history.Location{1}, Type: history.EventLoop, Loop: &history.LoopEvent{Iteration: 1}},
				act(history.Location{1, 1, 1}, "step"),
				act(history.Location{1, 2, 1}, "step"),
			},
			Forget: []history.Location{{1, 1}},
			Wake:   WakeConditions{Immediate: true},
		}); err != nil {
			t.Fatalf("CommitWorkflow: %v", err)
		}

		active, err := db.GetWorkflowHistory(ctx, id, false)
		if err != nil {
			t.Fatalf("GetWorkflowHistory: %v", err)
		}
		if len(active) != 2 || !active[1].Location.Equal(history.Location{1, 2, 1}) {
			t.Fatalf("unexpected active history: %v", active)
		}

		all, err := db.GetWorkflowHistory(ctx, id, true)
		if err != nil {
			t.Fatalf("GetWorkflowHistory: %v", err)
		}
		if len(all) != 3 || !all[1].Forgotten || !all[1].Location.Equal(history.Location{1, 1, 1}) {
			t.Fatalf("unexpected full history: %v", all)
		}
	})
}

func TestDatabase_SubWorkflowCompletionWakesParent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *Database, clock *testutil.Clock) {
		ctx := context.Background()
		parent, err := db.DispatchWorkflow(ctx, DispatchOpts{Name: "parent"})
		if err != nil {
			t.Fatalf("DispatchWorkflow: %v", err)
		}
		worker := uuid.New()
		pullOne(t, db, worker, "parent")

		child := uuid.New()
		if err := db.CommitWorkflow(ctx, &RunCommit{
			WorkflowID:   parent,
			WorkerID:     worker,
			SubWorkflows: []DispatchOpts{{WorkflowID: child, Name: "child", Input: json.RawMessage(`5`)}},
			Wake:         WakeConditions{SubWorkflows: []uuid.UUID{child}},
		}); err != nil {
			t.Fatalf("CommitWorkflow: %v", err)
		}
		expectNothingPulled(t, db, worker, "parent")

		c := pullOne(t, db, worker, "child")
		if string(c.Input) != "5" {
			t.Fatalf("child input = %s", c.Input)
		}
		if err := db.CommitWorkflow(ctx, &RunCommit{WorkflowID: child, WorkerID: worker, Output: json.RawMessage(`6`)}); err != nil {
			t.Fatalf("CommitWorkflow: %v", err)
		}

		pullOne(t, db, worker, "parent")
		got, err := db.GetWorkflow(ctx, child)
		if err != nil {
			t.Fatalf("GetWorkflow: %v", err)
		}
		if got.ParentID == nil || *got.ParentID != parent {
			t.Fatalf("child lost its parent")
		}
	})
}

func TestDatabase_DeadAndRetryStates(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *Database, clock *testutil.Clock) {
		ctx := context.Background()
		id, err := db.DispatchWorkflow(ctx, DispatchOpts{Name: "flaky"})
		if err != nil {
			t.Fatalf("DispatchWorkflow: %v", err)
		}
		worker := uuid.New()
		pullOne(t, db, worker, "flaky")

		retryAt := clock.Now().Add(30 * time.Second).UnixMilli()
		if err := db.CommitWorkflow(ctx, &RunCommit{
			WorkflowID: id, WorkerID: worker, Error: "boom", Retries: 1,
			Wake: WakeConditions{DeadlineTS: &retryAt},
		}); err != nil {
			t.Fatalf("CommitWorkflow: %v", err)
		}
		got, err := db.GetWorkflow(ctx, id)
		if err != nil {
			t.Fatalf("GetWorkflow: %v", err)
		}
		if got.State != StateSleeping || got.Retries != 1 || got.Error != "boom" {
			t.Fatalf("retrying workflow should be sleeping: %+v", got)
		}

		clock.Advance(31 * time.Second)
		p := pullOne(t, db, worker, "flaky")
		if p.Retries != 1 {
			t.Fatalf("retries = %d", p.Retries)
		}
		if err := db.CommitWorkflow(ctx, &RunCommit{WorkflowID: id, WorkerID: worker, Dead: true, Error: "gave up", Retries: 2}); err != nil {
			t.Fatalf("CommitWorkflow: %v", err)
		}
		got, err = db.GetWorkflow(ctx, id)
		if err != nil {
			t.Fatalf("GetWorkflow: %v", err)
		}
		if got.State != StateDead || got.Error != "gave up" {
			t.Fatalf("expected dead workflow, got %+v", got)
		}

		list, err := db.FindWorkflows(ctx, ListFilter{State: StateDead})
		if err != nil {
			t.Fatalf("FindWorkflows: %v", err)
		}
		if len(list) != 1 || list[0].ID != id {
			t.Fatalf("FindWorkflows(dead) = %v", list)
		}
	})
}
