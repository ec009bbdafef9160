package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/gasoline/internal/engine"
	"github.com/petrijr/gasoline/internal/engine/enginetest"
	"github.com/petrijr/gasoline/internal/persistence"
	"github.com/petrijr/gasoline/pkg/api"
	"github.com/petrijr/gasoline/pkg/kv"
)

func double(calls *atomic.Int32) api.Activity[int, int] {
	return api.Activity[int, int]{
		Name: "double",
		Fn: func(ctx *api.ActivityCtx, n int) (int, error) {
			calls.Add(1)
			return n * 2, nil
		},
	}
}

func TestExecutor_CompletesWorkflow(t *testing.T) {
	var calls atomic.Int32
	act := double(&calls)
	wf := api.NewWorkflow("doubler", func(c *api.WorkflowCtx, n int) (int, error) {
		x, err := act.Run(c, n)
		if err != nil {
			return 0, err
		}
		return act.Run(c, x)
	})

	enginetest.ForEachBackend(t, engine.Config{}, []api.Definition{wf}, func(t *testing.T, env *enginetest.Env) {
		calls.Store(0)
		id := env.Dispatch(t, "doubler", 3, nil)

		outcomes := env.Step(t)
		if outcomes[id] != engine.OutcomeCompleted {
			t.Fatalf("outcome = %s, want completed", outcomes[id])
		}

		var out int
		env.Output(t, id, &out)
		if out != 12 {
			t.Fatalf("output = %d, want 12", out)
		}
		if calls.Load() != 2 {
			t.Fatalf("activity ran %d times, want 2", calls.Load())
		}

		events, err := env.DB.GetWorkflowHistory(context.Background(), id, false)
		require.NoError(t, err)
		require.Len(t, events, 2)
		require.Equal(t, "6", string(events[0].Activity.Output))
		require.Equal(t, "12", string(events[1].Activity.Output))
		require.Equal(t, 1, events[0].Activity.Attempts)

		if got := env.Step(t); len(got) != 0 {
			t.Fatalf("completed workflow was pulled again: %v", got)
		}
	})
}

func TestExecutor_ReplaysRecordedActivitiesAfterSleep(t *testing.T) {
	var calls atomic.Int32
	act := double(&calls)
	wf := api.NewWorkflow("napper", func(c *api.WorkflowCtx, n int) (int, error) {
		x, err := act.Run(c, n)
		if err != nil {
			return 0, err
		}
		if err := c.Sleep(time.Hour); err != nil {
			return 0, err
		}
		return x + 1, nil
	})

	enginetest.ForEachBackend(t, engine.Config{}, []api.Definition{wf}, func(t *testing.T, env *enginetest.Env) {
		calls.Store(0)
		id := env.Dispatch(t, "napper", 5, nil)

		if got := env.Step(t)[id]; got != engine.OutcomeSleeping {
			t.Fatalf("first run = %s, want sleeping", got)
		}
		w := env.Workflow(t, id)
		if w.State != persistence.StateSleeping || w.WakeDeadlineTS == nil {
			t.Fatalf("expected sleeping with a deadline, got %s", w.State)
		}
		if want := env.Clock.Now().Add(time.Hour).UnixMilli(); *w.WakeDeadlineTS != want {
			t.Fatalf("wake deadline = %d, want %d", *w.WakeDeadlineTS, want)
		}

		env.Clock.Advance(59 * time.Minute)
		if got := env.Step(t); len(got) != 0 {
			t.Fatalf("woke before the deadline: %v", got)
		}

		env.Clock.Advance(time.Minute)
		if got := env.Step(t)[id]; got != engine.OutcomeCompleted {
			t.Fatalf("second run = %s, want completed", got)
		}
		var out int
		env.Output(t, id, &out)
		if out != 11 {
			t.Fatalf("output = %d, want 11", out)
		}
		if calls.Load() != 1 {
			t.Fatalf("activity ran %d times, want 1", calls.Load())
		}
	})
}

func TestExecutor_RetriesWithBackoffThenDies(t *testing.T) {
	var calls atomic.Int32
	flaky := api.Activity[int, int]{
		Name:        "flaky",
		MaxAttempts: 1,
		Fn: func(ctx *api.ActivityCtx, n int) (int, error) {
			calls.Add(1)
			return 0, errors.New("upstream unavailable")
		},
	}
	wf := api.NewWorkflow("fragile", func(c *api.WorkflowCtx, n int) (int, error) {
		return flaky.Run(c, n)
	})
	cfg := engine.Config{MaxRetries: 2, BackoffBase: time.Second, BackoffMax: time.Minute}

	enginetest.ForEachBackend(t, cfg, []api.Definition{wf}, func(t *testing.T, env *enginetest.Env) {
		calls.Store(0)
		id := env.Dispatch(t, "fragile", 1, nil)

		if got := env.Step(t)[id]; got != engine.OutcomeRetrying {
			t.Fatalf("first run = %s, want retrying", got)
		}
		w := env.Workflow(t, id)
		require.Equal(t, 1, w.Retries)
		require.Equal(t, persistence.StateSleeping, w.State)
		require.Equal(t, env.Clock.Now().Add(time.Second).UnixMilli(), *w.WakeDeadlineTS)
		require.Contains(t, w.Error, "upstream unavailable")

		env.Clock.Advance(time.Second)
		if got := env.Step(t)[id]; got != engine.OutcomeRetrying {
			t.Fatalf("second run = %s, want retrying", got)
		}
		w = env.Workflow(t, id)
		require.Equal(t, 2, w.Retries)
		require.Equal(t, env.Clock.Now().Add(2*time.Second).UnixMilli(), *w.WakeDeadlineTS)

		env.Clock.Advance(2 * time.Second)
		if got := env.Step(t)[id]; got != engine.OutcomeDead {
			t.Fatalf("third run = %s, want dead", got)
		}
		w = env.Workflow(t, id)
		require.Equal(t, persistence.StateDead, w.State)
		require.Contains(t, w.Error, api.ErrActivityFailed.Error())
		require.EqualValues(t, 3, calls.Load())

		env.Clock.Advance(time.Hour)
		if got := env.Step(t); len(got) != 0 {
			t.Fatalf("dead workflow was pulled: %v", got)
		}
	})
}

func TestExecutor_DivergedHistoryKillsWorkflow(t *testing.T) {
	var renamed atomic.Bool
	var calls atomic.Int32
	first := double(&calls)
	second := api.Activity[int, int]{
		Name: "triple",
		Fn:   func(ctx *api.ActivityCtx, n int) (int, error) { return n * 3, nil },
	}
	wf := api.NewWorkflow("shifty", func(c *api.WorkflowCtx, n int) (int, error) {
		act := first
		if renamed.Load() {
			act = second
		}
		x, err := act.Run(c, n)
		if err != nil {
			return 0, err
		}
		if err := c.Sleep(time.Minute); err != nil {
			return 0, err
		}
		return x, nil
	})

	enginetest.ForEachBackend(t, engine.Config{}, []api.Definition{wf}, func(t *testing.T, env *enginetest.Env) {
		renamed.Store(false)
		id := env.Dispatch(t, "shifty", 2, nil)
		if got := env.Step(t)[id]; got != engine.OutcomeSleeping {
			t.Fatalf("first run = %s, want sleeping", got)
		}

		renamed.Store(true)
		env.Clock.Advance(time.Minute)
		if got := env.Step(t)[id]; got != engine.OutcomeDead {
			t.Fatalf("diverged run = %s, want dead", got)
		}

		w := env.Workflow(t, id)
		if w.State != persistence.StateDead {
			t.Fatalf("state = %s, want dead", w.State)
		}
		if !strings.Contains(w.Error, "history diverged") {
			t.Fatalf("error = %q, want history diverged", w.Error)
		}
		events, err := env.DB.GetWorkflowHistory(context.Background(), id, false)
		require.NoError(t, err)
		require.Len(t, events, 2, "a diverged run must not append history")
	})
}

func TestExecutor_FailedCommitLeavesWorkflowToAnotherWorker(t *testing.T) {
	var calls atomic.Int32
	act := double(&calls)
	wf := api.NewWorkflow("fragile-commit", func(c *api.WorkflowCtx, n int) (int, error) {
		return act.Run(c, n)
	})
	env := enginetest.New(t, engine.Config{}, wf)
	ctx := context.Background()
	id := env.Dispatch(t, "fragile-commit", 21, nil)

	pulled := env.Pull(t)
	require.Len(t, pulled, 1)

	// Both the commit and the error-only fallback fail.
	env.Store.InjectCommitError(kv.BackendError(errors.New("disk full")), false)
	env.Store.InjectCommitError(kv.BackendError(errors.New("disk full")), false)
	outcome, err := env.Executor.Run(ctx, pulled[0])
	require.Error(t, err)
	require.Equal(t, engine.OutcomeDiscarded, outcome)

	// The lease is still held by a live worker.
	require.Empty(t, env.Pull(t))

	env.Clock.Advance(persistence.DefaultLeaseTTL + time.Second)
	released, err := env.DB.ClearExpiredLeases(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, released)

	other, err := engine.NewExecutor(engine.Config{DB: env.DB, Bus: env.Bus, Registry: env.Registry})
	require.NoError(t, err)
	pulled, err = env.DB.PullWorkflows(ctx, other.WorkerID(), env.Registry.Names(), 10)
	require.NoError(t, err)
	require.Len(t, pulled, 1)
	outcome, err = other.Run(ctx, pulled[0])
	require.NoError(t, err)
	require.Equal(t, engine.OutcomeCompleted, outcome)

	var out int
	env.Output(t, id, &out)
	require.Equal(t, 42, out)
	require.EqualValues(t, 2, calls.Load(), "the activity reruns because its first result was never committed")
}

func TestExecutor_LostLeaseDiscardsRun(t *testing.T) {
	var env *enginetest.Env
	var stolenBy uuid.UUID
	stall := api.Activity[int, int]{
		Name: "stall",
		Fn: func(ctx *api.ActivityCtx, n int) (int, error) {
			env.Clock.Advance(persistence.DefaultLeaseTTL + time.Second)
			if _, err := env.DB.ClearExpiredLeases(ctx); err != nil {
				return 0, err
			}
			stolenBy = uuid.New()
			pulled, err := env.DB.PullWorkflows(ctx, stolenBy, []string{"stalled"}, 1)
			if err != nil {
				return 0, err
			}
			if len(pulled) != 1 {
				return 0, errors.New("expected the workflow to be pulled by another worker")
			}
			return n, nil
		},
	}
	wf := api.NewWorkflow("stalled", func(c *api.WorkflowCtx, n int) (int, error) {
		return stall.Run(c, n)
	})
	env = enginetest.New(t, engine.Config{}, wf)
	id := env.Dispatch(t, "stalled", 1, nil)

	outcomes := env.Step(t)
	if outcomes[id] != engine.OutcomeDiscarded {
		t.Fatalf("outcome = %s, want discarded", outcomes[id])
	}
	w := env.Workflow(t, id)
	if w.Output != nil {
		t.Fatalf("a run without a lease committed output %s", w.Output)
	}
	if w.LeaseWorkerID == nil || *w.LeaseWorkerID != stolenBy {
		t.Fatalf("lease holder = %v, want %s", w.LeaseWorkerID, stolenBy)
	}
}

func TestExecutor_ShutdownDoesNotCommit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	block := api.Activity[int, int]{
		Name: "block",
		Fn: func(actx *api.ActivityCtx, n int) (int, error) {
			cancel()
			<-actx.Done()
			return 0, actx.Err()
		},
	}
	wf := api.NewWorkflow("interrupted", func(c *api.WorkflowCtx, n int) (int, error) {
		return block.Run(c, n)
	})
	env := enginetest.New(t, engine.Config{}, wf)
	id := env.Dispatch(t, "interrupted", 1, nil)

	pulled := env.Pull(t)
	require.Len(t, pulled, 1)
	outcome, err := env.Executor.Run(ctx, pulled[0])
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, engine.OutcomeDiscarded, outcome)

	w := env.Workflow(t, id)
	require.Empty(t, w.Error)
	require.Equal(t, 0, w.Retries)
	require.NotNil(t, w.LeaseWorkerID)
}

func TestExecutor_PublishesMessagesAfterCommit(t *testing.T) {
	type done struct {
		N int `json:"n"`
	}
	wf := api.NewWorkflow("announcer", func(c *api.WorkflowCtx, n int) (int, error) {
		if err := c.Msg("done", done{N: n}).Tag("job", "a").Send(); err != nil {
			return 0, err
		}
		return n, nil
	})
	env := enginetest.New(t, engine.Config{}, wf)
	ctx := context.Background()

	sub, err := api.SubscribeMessages[done](ctx, env.Bus, "done", map[string]any{"job": "a"})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	env.Dispatch(t, "announcer", 7, nil)
	pulled := env.Pull(t)
	require.Len(t, pulled, 1)
	env.Store.InjectCommitError(kv.BackendError(errors.New("disk full")), false)
	env.Store.InjectCommitError(kv.BackendError(errors.New("disk full")), false)
	outcome, _ := env.Executor.Run(ctx, pulled[0])
	require.Equal(t, engine.OutcomeDiscarded, outcome)

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	_, err = sub.Next(short)
	cancel()
	require.Error(t, err, "a message was published for an uncommitted run")

	env.Clock.Advance(persistence.DefaultLeaseTTL + time.Second)
	_, err = env.DB.ClearExpiredLeases(ctx)
	require.NoError(t, err)
	env.Drain(t, 3)

	wait, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msg, err := sub.Next(wait)
	require.NoError(t, err)
	require.Equal(t, 7, msg.N)
}

func TestExecutor_SubWorkflowWakesParent(t *testing.T) {
	child := api.NewWorkflow("child", func(c *api.WorkflowCtx, n int) (int, error) {
		return n * n, nil
	})
	parent := api.NewWorkflow("parent", func(c *api.WorkflowCtx, n int) (int, error) {
		var sq int
		if err := c.SubWorkflow("child", n).Output(&sq); err != nil {
			return 0, err
		}
		return sq + 1, nil
	})

	enginetest.ForEachBackend(t, engine.Config{}, []api.Definition{child, parent}, func(t *testing.T, env *enginetest.Env) {
		id := env.Dispatch(t, "parent", 4, nil)
		if got := env.Step(t)[id]; got != engine.OutcomeSleeping {
			t.Fatalf("parent first run = %s, want sleeping", got)
		}
		w := env.Workflow(t, id)
		require.Len(t, w.WakeSubWorkflows, 1)

		kid := env.Workflow(t, w.WakeSubWorkflows[0])
		require.Equal(t, "child", kid.Name)
		require.NotNil(t, kid.ParentID)
		require.Equal(t, id, *kid.ParentID)
		require.Equal(t, w.RayID, kid.RayID)

		env.Drain(t, 5)
		var out int
		env.Output(t, id, &out)
		require.Equal(t, 17, out)
	})
}

func TestExecutor_NotifiesObserver(t *testing.T) {
	var calls atomic.Int32
	act := double(&calls)
	wf := api.NewWorkflow("observed", func(c *api.WorkflowCtx, n int) (int, error) {
		x, err := act.Run(c, n)
		if err != nil {
			return 0, err
		}
		if err := c.Sleep(time.Second); err != nil {
			return 0, err
		}
		return x, nil
	})
	metrics := &api.BasicMetrics{}
	env := enginetest.New(t, engine.Config{Observer: metrics}, wf)

	env.Dispatch(t, "observed", 1, nil)
	env.Step(t)
	env.Clock.Advance(time.Second)
	env.Step(t)

	snap := metrics.Snapshot()
	require.EqualValues(t, 2, snap.RunsStarted)
	require.EqualValues(t, 1, snap.WorkflowsSleeping)
	require.EqualValues(t, 1, snap.WorkflowsCompleted)
	require.EqualValues(t, 1, snap.ActivitiesCompleted)
	require.Zero(t, snap.RunsFailed)
}

type outcomeCounter struct {
	counts map[string]int
}

func (o *outcomeCounter) RecordOutcome(workflow, outcome string, d time.Duration) {
	o.counts[workflow+"/"+outcome]++
}

func TestExecutor_RecordsOutcomes(t *testing.T) {
	wf := api.NewWorkflow("noop", func(c *api.WorkflowCtx, _ struct{}) (struct{}, error) {
		return struct{}{}, nil
	})
	rec := &outcomeCounter{counts: make(map[string]int)}
	env := enginetest.New(t, engine.Config{Outcomes: rec}, wf)
	env.Dispatch(t, "noop", struct{}{}, nil)
	env.Dispatch(t, "noop", struct{}{}, nil)
	env.Drain(t, 2)

	if rec.counts["noop/completed"] != 2 {
		t.Fatalf("recorded outcomes %v", rec.counts)
	}
}

func TestNewExecutor_RequiresDatabaseAndRegistry(t *testing.T) {
	if _, err := engine.NewExecutor(engine.Config{Registry: engine.NewRegistry()}); err == nil {
		t.Fatalf("expected an error without a database")
	}
	env := enginetest.New(t, engine.Config{})
	if _, err := engine.NewExecutor(engine.Config{DB: env.DB}); err == nil {
		t.Fatalf("expected an error without a registry")
	}
}

func TestBackoff(t *testing.T) {
	base, limit := 30*time.Second, 30*time.Minute
	cases := []struct {
		retries int
		want    time.Duration
	}{
		{0, 30 * time.Second},
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{6, 16 * time.Minute},
		{7, 30 * time.Minute},
		{50, 30 * time.Minute},
	}
	for _, tc := range cases {
		if got := engine.Backoff(base, limit, tc.retries); got != tc.want {
			t.Errorf("Backoff(%d) = %s, want %s", tc.retries, got, tc.want)
		}
	}
}

func TestOutcome_String(t *testing.T) {
	want := map[engine.Outcome]string{
		engine.OutcomeCompleted: "completed",
		engine.OutcomeSleeping:  "sleeping",
		engine.OutcomeRetrying:  "retrying",
		engine.OutcomeDead:      "dead",
		engine.OutcomeDiscarded: "discarded",
		engine.Outcome(99):      "unknown",
	}
	for o, s := range want {
		if o.String() != s {
			t.Errorf("%d.String() = %q, want %q", int(o), o.String(), s)
		}
	}
}
