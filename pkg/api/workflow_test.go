package api_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/gasoline/internal/engine"
	"github.com/petrijr/gasoline/internal/engine/enginetest"
	"github.com/petrijr/gasoline/internal/history"
	"github.com/petrijr/gasoline/internal/persistence"
	"github.com/petrijr/gasoline/pkg/api"
)

type counter struct {
	N int `json:"n"`
}

func identity(calls *atomic.Int32) api.Activity[int, int] {
	return api.Activity[int, int]{
		Name: "identity",
		Fn: func(ctx *api.ActivityCtx, n int) (int, error) {
			calls.Add(1)
			return n, nil
		},
	}
}

func TestWorkflow_ActivityRerunsAfterCrashButIsRecordedOnce(t *testing.T) {
	var calls atomic.Int32
	addOne := api.Activity[counter, counter]{
		Name: "add_one",
		Fn: func(ctx *api.ActivityCtx, in counter) (counter, error) {
			calls.Add(1)
			return counter{N: in.N + 1}, nil
		},
	}
	wf := api.NewWorkflow("counter", func(c *api.WorkflowCtx, in counter) (counter, error) {
		return addOne.Run(c, in)
	})

	enginetest.ForEachBackend(t, engine.Config{}, []api.Definition{wf}, func(t *testing.T, env *enginetest.Env) {
		calls.Store(0)
		ctx := context.Background()
		id := env.Dispatch(t, "counter", counter{N: 1}, nil)

		// The worker runs the activity and dies before committing.
		pulled := env.Pull(t)
		require.Len(t, pulled, 1)
		crashed := api.NewRun(api.RunConfig{Workflow: pulled[0], DB: env.DB})
		_, err := crashed.Execute(ctx, wf)
		require.NoError(t, err)
		require.EqualValues(t, 1, calls.Load())

		env.Clock.Advance(persistence.DefaultLeaseTTL + time.Second)
		_, err = env.DB.ClearExpiredLeases(ctx)
		require.NoError(t, err)
		env.Drain(t, 2)

		var out counter
		env.Output(t, id, &out)
		require.Equal(t, 2, out.N)
		require.EqualValues(t, 2, calls.Load())

		events, err := env.DB.GetWorkflowHistory(ctx, id, false)
		require.NoError(t, err)
		require.Len(t, events, 1)
		require.Equal(t, history.EventActivity, events[0].Type)
	})
}

func TestWorkflow_ListenWithTimeoutReceivesSignal(t *testing.T) {
	wf := api.NewWorkflow("waiter", func(c *api.WorkflowCtx, _ struct{}) (map[string]int, error) {
		sig, ok, err := c.ListenWithTimeout(100*time.Millisecond, "go")
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		var body map[string]int
		return body, sig.Decode(&body)
	})

	enginetest.ForEachBackend(t, engine.Config{}, []api.Definition{wf}, func(t *testing.T, env *enginetest.Env) {
		id := env.Dispatch(t, "waiter", struct{}{}, nil)
		if got := env.Step(t)[id]; got != engine.OutcomeSleeping {
			t.Fatalf("first run = %s, want sleeping", got)
		}
		w := env.Workflow(t, id)
		require.Equal(t, []string{"go"}, w.WakeSignals)
		require.NotNil(t, w.WakeDeadlineTS)

		env.Clock.Advance(50 * time.Millisecond)
		env.Signal(t, id, "go", map[string]int{"x": 1})
		if got := env.Step(t)[id]; got != engine.OutcomeCompleted {
			t.Fatalf("second run = %s, want completed", got)
		}

		var out map[string]int
		env.Output(t, id, &out)
		require.Equal(t, map[string]int{"x": 1}, out)

		events, err := env.DB.GetWorkflowHistory(context.Background(), id, false)
		require.NoError(t, err)
		var receives int
		for _, e := range events {
			switch e.Type {
			case history.EventSignalReceive:
				receives++
				require.Equal(t, "go", e.Signal.Name)
			case history.EventSleep:
				require.Equal(t, history.SleepInterrupted, e.Sleep.State)
			}
		}
		require.Equal(t, 1, receives)
	})
}

func TestWorkflow_ListenWithTimeoutExpires(t *testing.T) {
	wf := api.NewWorkflow("impatient", func(c *api.WorkflowCtx, _ struct{}) (string, error) {
		_, ok, err := c.ListenWithTimeout(100*time.Millisecond, "go")
		if err != nil {
			return "", err
		}
		if !ok {
			return "timeout", nil
		}
		return "signal", nil
	})
	env := enginetest.New(t, engine.Config{}, wf)
	id := env.Dispatch(t, "impatient", struct{}{}, nil)
	env.Step(t)

	env.Clock.Advance(100 * time.Millisecond)
	if got := env.Step(t)[id]; got != engine.OutcomeCompleted {
		t.Fatalf("run after deadline = %s, want completed", got)
	}
	var out string
	env.Output(t, id, &out)
	if out != "timeout" {
		t.Fatalf("output = %q, want timeout", out)
	}
}

func TestWorkflow_SleepSurvivesRestart(t *testing.T) {
	wf := api.NewWorkflow("sleeper", func(c *api.WorkflowCtx, _ struct{}) (string, error) {
		if err := c.Sleep(time.Hour); err != nil {
			return "", err
		}
		return "done", nil
	})

	enginetest.ForEachBackend(t, engine.Config{}, []api.Definition{wf}, func(t *testing.T, env *enginetest.Env) {
		id := env.Dispatch(t, "sleeper", struct{}{}, nil)
		if got := env.Step(t)[id]; got != engine.OutcomeSleeping {
			t.Fatalf("first run = %s, want sleeping", got)
		}

		// A new worker comes up long after the deadline.
		env.Clock.Advance(time.Hour + time.Minute)
		restarted, err := engine.NewExecutor(engine.Config{DB: env.DB, Registry: env.Registry})
		require.NoError(t, err)
		pulled, err := env.DB.PullWorkflows(context.Background(), restarted.WorkerID(), env.Registry.Names(), 10)
		require.NoError(t, err)
		require.Len(t, pulled, 1)
		outcome, err := restarted.Run(context.Background(), pulled[0])
		require.NoError(t, err)
		require.Equal(t, engine.OutcomeCompleted, outcome)

		var out string
		env.Output(t, id, &out)
		require.Equal(t, "done", out)
	})
}

func TestStandaloneCtx_UniqueDispatchByTags(t *testing.T) {
	wf := api.NewWorkflow("provision", func(c *api.WorkflowCtx, _ struct{}) (string, error) {
		return "ok", nil
	})
	enginetest.ForEachBackend(t, engine.Config{}, []api.Definition{wf}, func(t *testing.T, env *enginetest.Env) {
		sctx := api.NewStandaloneCtx(context.Background(), api.StandaloneConfig{DB: env.DB, Bus: env.Bus})
		dispatch := func() string {
			id, err := sctx.Dispatch("provision", nil).Tag("dc", "a").Unique().Dispatch()
			require.NoError(t, err)
			return id.String()
		}

		w1 := dispatch()
		require.Equal(t, w1, dispatch())

		env.Drain(t, 2)
		w2 := dispatch()
		require.NotEqual(t, w1, w2)
	})
}

func TestJoin_RunsBranchesAndWaitsForAll(t *testing.T) {
	var calls atomic.Int32
	act := identity(&calls)
	wf := api.NewWorkflow("fanout", func(c *api.WorkflowCtx, n int) ([]int, error) {
		var a, b int
		err := api.Join(c,
			func(c *api.WorkflowCtx) error {
				var err error
				a, err = act.Run(c, n)
				return err
			},
			func(c *api.WorkflowCtx) error {
				var err error
				b, err = api.ListenAs[int](c, "bonus")
				return err
			},
		)
		if err != nil {
			return nil, err
		}
		return []int{a, b}, nil
	})

	enginetest.ForEachBackend(t, engine.Config{}, []api.Definition{wf}, func(t *testing.T, env *enginetest.Env) {
		calls.Store(0)
		id := env.Dispatch(t, "fanout", 4, nil)
		if got := env.Step(t)[id]; got != engine.OutcomeSleeping {
			t.Fatalf("first run = %s, want sleeping", got)
		}
		require.Equal(t, []string{"bonus"}, env.Workflow(t, id).WakeSignals)

		env.Signal(t, id, "bonus", 9)
		if got := env.Step(t)[id]; got != engine.OutcomeCompleted {
			t.Fatalf("second run = %s, want completed", got)
		}
		var out []int
		env.Output(t, id, &out)
		require.Equal(t, []int{4, 9}, out)
		require.EqualValues(t, 1, calls.Load())

		events, err := env.DB.GetWorkflowHistory(context.Background(), id, false)
		require.NoError(t, err)
		var locs []string
		for _, e := range events {
			locs = append(locs, e.Location.String())
		}
		require.ElementsMatch(t, []string{"{1}", "{2}", "{1, 1}", "{2, 1}"}, locs)
	})
}

func TestJoin_FirstErrorWins(t *testing.T) {
	boom := errors.New("boom")
	wf := api.NewWorkflow("broken-join", func(c *api.WorkflowCtx, _ struct{}) (struct{}, error) {
		err := api.Join(c,
			func(c *api.WorkflowCtx) error { return boom },
			nil,
			func(c *api.WorkflowCtx) error { panic("branch exploded") },
		)
		return struct{}{}, err
	})
	env := enginetest.New(t, engine.Config{MaxRetries: 1}, wf)
	id := env.Dispatch(t, "broken-join", struct{}{}, nil)
	env.Step(t)

	w := env.Workflow(t, id)
	require.Contains(t, w.Error, "boom")
}

type sumState struct {
	I   int `json:"i"`
	Sum int `json:"sum"`
}

func TestRepeat_PersistsStateAndForgetsIterations(t *testing.T) {
	var calls atomic.Int32
	act := identity(&calls)
	wf := api.NewWorkflow("summer", func(c *api.WorkflowCtx, n int) (int, error) {
		return api.Repeat(c, sumState{}, func(c *api.WorkflowCtx, s *sumState) (api.Loop[int], error) {
			s.I++
			v, err := act.Run(c, s.I)
			if err != nil {
				return api.Loop[int]{}, err
			}
			s.Sum += v
			if s.I == 3 {
				if err := c.Sleep(time.Minute); err != nil {
					return api.Loop[int]{}, err
				}
			}
			if s.I == n {
				return api.Break(s.Sum), nil
			}
			return api.Continue[int](), nil
		})
	})

	enginetest.ForEachBackend(t, engine.Config{}, []api.Definition{wf}, func(t *testing.T, env *enginetest.Env) {
		calls.Store(0)
		ctx := context.Background()
		id := env.Dispatch(t, "summer", 5, nil)
		if got := env.Step(t)[id]; got != engine.OutcomeSleeping {
			t.Fatalf("first run = %s, want sleeping", got)
		}

		events, err := env.DB.GetWorkflowHistory(ctx, id, false)
		require.NoError(t, err)
		require.Equal(t, history.EventLoop, events[0].Type)
		require.EqualValues(t, 2, events[0].Loop.Iteration)
		require.JSONEq(t, `{"i":2,"sum":3}`, string(events[0].Loop.State))

		env.Clock.Advance(time.Minute)
		if got := env.Step(t)[id]; got != engine.OutcomeCompleted {
			t.Fatalf("second run = %s, want completed", got)
		}
		var out int
		env.Output(t, id, &out)
		require.Equal(t, 15, out)
		require.EqualValues(t, 5, calls.Load())

		active, err := env.DB.GetWorkflowHistory(ctx, id, false)
		require.NoError(t, err)
		require.Len(t, active, 1, "finished iterations stay in active history")
		require.Equal(t, "15", string(active[0].Loop.Output))

		all, err := env.DB.GetWorkflowHistory(ctx, id, true)
		require.NoError(t, err)
		require.Greater(t, len(all), len(active))
	})
}

func TestWorkflowCtx_CheckVersion(t *testing.T) {
	var current atomic.Uint32
	wf := api.NewWorkflow("versioned", func(c *api.WorkflowCtx, _ struct{}) (uint, error) {
		v, err := c.CheckVersion(uint(current.Load()))
		if err != nil {
			return 0, err
		}
		if err := c.Sleep(time.Minute); err != nil {
			return 0, err
		}
		return v, nil
	})
	env := enginetest.New(t, engine.Config{}, wf)

	current.Store(1)
	old := env.Dispatch(t, "versioned", struct{}{}, nil)
	env.Step(t)

	current.Store(2)
	fresh := env.Dispatch(t, "versioned", struct{}{}, nil)
	env.Step(t)

	env.Clock.Advance(time.Minute)
	env.Drain(t, 2)

	var v uint
	env.Output(t, old, &v)
	require.EqualValues(t, 1, v)
	env.Output(t, fresh, &v)
	require.EqualValues(t, 2, v)
}

func TestWorkflowCtx_NewerHistoryVersionKillsWorkflow(t *testing.T) {
	var version atomic.Uint32
	var calls atomic.Int32
	act := identity(&calls)
	wf := api.NewWorkflow("downgraded", func(c *api.WorkflowCtx, n int) (int, error) {
		x, err := act.Run(c.V(uint(version.Load())), n)
		if err != nil {
			return 0, err
		}
		if err := c.Sleep(time.Minute); err != nil {
			return 0, err
		}
		return x, nil
	})
	env := enginetest.New(t, engine.Config{}, wf)

	version.Store(2)
	id := env.Dispatch(t, "downgraded", 1, nil)
	env.Step(t)

	version.Store(1)
	env.Clock.Advance(time.Minute)
	if got := env.Step(t)[id]; got != engine.OutcomeDead {
		t.Fatalf("outcome = %s, want dead", got)
	}
	w := env.Workflow(t, id)
	if !strings.Contains(w.Error, api.ErrVersionMismatch.Error()) {
		t.Fatalf("error = %q, want version mismatch", w.Error)
	}
}

func TestWorkflowCtx_CompareVersion(t *testing.T) {
	wf := api.NewWorkflow("compare", func(c *api.WorkflowCtx, _ struct{}) (bool, error) {
		if err := c.V(2).CompareVersion("step", 2); err != nil {
			return false, err
		}
		err := c.V(3).CompareVersion("step", 2)
		return errors.Is(err, api.ErrVersionMismatch), nil
	})
	env := enginetest.New(t, engine.Config{}, wf)
	id := env.Dispatch(t, "compare", struct{}{}, nil)
	env.Step(t)

	var mismatch bool
	env.Output(t, id, &mismatch)
	if !mismatch {
		t.Fatalf("expected a newer context to reject an older step")
	}
}

func TestWorkflowCtx_RemovedKeepsLaterStepsInPlace(t *testing.T) {
	var removed atomic.Bool
	var calls atomic.Int32
	act := identity(&calls)
	wf := api.NewWorkflow("slimmed", func(c *api.WorkflowCtx, n int) (string, error) {
		if removed.Load() {
			if err := c.Removed(api.EventActivity, "identity"); err != nil {
				return "", err
			}
		} else if _, err := act.Run(c, n); err != nil {
			return "", err
		}
		if err := c.Sleep(time.Minute); err != nil {
			return "", err
		}
		return "done", nil
	})

	enginetest.ForEachBackend(t, engine.Config{}, []api.Definition{wf}, func(t *testing.T, env *enginetest.Env) {
		calls.Store(0)
		removed.Store(false)
		old := env.Dispatch(t, "slimmed", 1, nil)
		env.Step(t)

		removed.Store(true)
		fresh := env.Dispatch(t, "slimmed", 1, nil)
		env.Step(t)

		env.Clock.Advance(time.Minute)
		env.Drain(t, 2)

		var out string
		env.Output(t, old, &out)
		env.Output(t, fresh, &out)
		require.EqualValues(t, 1, calls.Load())

		events, err := env.DB.GetWorkflowHistory(context.Background(), fresh, false)
		require.NoError(t, err)
		require.Equal(t, history.EventRemoved, events[0].Type)
		require.Equal(t, "identity", events[0].Removed.Name)
	})
}

func TestWorkflowCtx_SignalByTagsBetweenWorkflows(t *testing.T) {
	receiver := api.NewWorkflow("receiver", func(c *api.WorkflowCtx, _ struct{}) (string, error) {
		return api.ListenAs[string](c, "hello")
	})
	sender := api.NewWorkflow("sender", func(c *api.WorkflowCtx, _ struct{}) (struct{}, error) {
		_, err := c.Signal("hello", "hi there").ToTags(map[string]any{"user": "u1"}).Send()
		return struct{}{}, err
	})

	enginetest.ForEachBackend(t, engine.Config{}, []api.Definition{receiver, sender}, func(t *testing.T, env *enginetest.Env) {
		id := env.Dispatch(t, "receiver", struct{}{}, map[string]any{"user": "u1", "plan": "pro"})
		env.Step(t)

		env.Dispatch(t, "sender", struct{}{}, nil)
		env.Drain(t, 3)

		var out string
		env.Output(t, id, &out)
		require.Equal(t, "hi there", out)

		signals, err := env.DB.ListSignals(context.Background(), id)
		require.NoError(t, err)
		require.Len(t, signals, 1)
		require.NotNil(t, signals[0].AckTS)
	})
}

func TestWorkflowCtx_SignalWithoutTarget(t *testing.T) {
	wf := api.NewWorkflow("shouter", func(c *api.WorkflowCtx, _ struct{}) (bool, error) {
		_, err := c.Signal("hello", nil).Send()
		return errors.Is(err, api.ErrSignalUnknown), nil
	})
	env := enginetest.New(t, engine.Config{}, wf)
	id := env.Dispatch(t, "shouter", struct{}{}, nil)
	env.Step(t)

	var unknown bool
	env.Output(t, id, &unknown)
	require.True(t, unknown)
}

func TestWorkflowCtx_ListenManyTakesQueuedSignals(t *testing.T) {
	wf := api.NewWorkflow("batcher", func(c *api.WorkflowCtx, _ struct{}) ([]int, error) {
		sigs, err := c.ListenMany(10, "item")
		if err != nil {
			return nil, err
		}
		out := make([]int, 0, len(sigs))
		for _, s := range sigs {
			var n int
			if err := s.Decode(&n); err != nil {
				return nil, err
			}
			out = append(out, n)
		}
		return out, nil
	})
	env := enginetest.New(t, engine.Config{}, wf)
	id := env.Dispatch(t, "batcher", struct{}{}, nil)
	for i := 1; i <= 3; i++ {
		env.Signal(t, id, "item", i)
		env.Clock.Advance(time.Millisecond)
	}
	env.Step(t)

	var out []int
	env.Output(t, id, &out)
	require.Equal(t, []int{1, 2, 3}, out)
}

func TestActivity_RetriesWithinRun(t *testing.T) {
	var attempts atomic.Int32
	flaky := api.Activity[int, int]{
		Name:        "flaky",
		MaxAttempts: 3,
		Fn: func(ctx *api.ActivityCtx, n int) (int, error) {
			attempts.Add(1)
			if ctx.Attempt() < 2 {
				return 0, errors.New("transient")
			}
			return n, nil
		},
	}
	wf := api.NewWorkflow("persistent", func(c *api.WorkflowCtx, n int) (int, error) {
		return flaky.Run(c, n)
	})
	env := enginetest.New(t, engine.Config{}, wf)
	id := env.Dispatch(t, "persistent", 8, nil)
	if got := env.Step(t)[id]; got != engine.OutcomeCompleted {
		t.Fatalf("outcome = %s, want completed", got)
	}

	events, err := env.DB.GetWorkflowHistory(context.Background(), id, false)
	require.NoError(t, err)
	require.Equal(t, 2, events[0].Activity.Attempts)
	require.EqualValues(t, 2, attempts.Load())
}

func TestActivity_ChangedInputDiverges(t *testing.T) {
	var input atomic.Int32
	var calls atomic.Int32
	act := identity(&calls)
	wf := api.NewWorkflow("drifting", func(c *api.WorkflowCtx, _ struct{}) (int, error) {
		x, err := act.Run(c, int(input.Load()))
		if err != nil {
			return 0, err
		}
		return x, c.Sleep(time.Minute)
	})
	env := enginetest.New(t, engine.Config{}, wf)

	input.Store(1)
	id := env.Dispatch(t, "drifting", struct{}{}, nil)
	env.Step(t)

	input.Store(2)
	env.Clock.Advance(time.Minute)
	if got := env.Step(t)[id]; got != engine.OutcomeDead {
		t.Fatalf("outcome = %s, want dead", got)
	}
	require.Contains(t, env.Workflow(t, id).Error, api.ErrHistoryDiverged.Error())
}

func TestSubWorkflow_UniqueReusesRunningChild(t *testing.T) {
	child := api.NewWorkflow("singleton", func(c *api.WorkflowCtx, _ struct{}) (string, error) {
		return api.ListenAs[string](c, "release")
	})
	parent := api.NewWorkflow("spawner", func(c *api.WorkflowCtx, _ struct{}) (string, error) {
		id, err := c.SubWorkflow("singleton", nil).Tag("pool", "p1").Unique().Dispatch()
		return id.String(), err
	})
	env := enginetest.New(t, engine.Config{}, child, parent)

	first := env.Dispatch(t, "spawner", struct{}{}, nil)
	env.Step(t)
	second := env.Dispatch(t, "spawner", struct{}{}, nil)
	env.Step(t)

	var a, b string
	env.Output(t, first, &a)
	env.Output(t, second, &b)
	require.Equal(t, a, b)
}
