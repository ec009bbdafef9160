package api_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/gasoline/internal/engine"
	"github.com/petrijr/gasoline/internal/engine/enginetest"
	"github.com/petrijr/gasoline/internal/history"
	"github.com/petrijr/gasoline/internal/persistence"
	"github.com/petrijr/gasoline/pkg/api"
)

func TestSignal_TagsWithoutTargetFailSend(t *testing.T) {
	wf := api.NewWorkflow("notifier", func(c *api.WorkflowCtx, _ struct{}) (bool, error) {
		_, err := c.Signal("hello", "anyone?").Tag("user", "ghost").Send()
		if errors.Is(err, persistence.ErrWorkflowNotFound) {
			return true, nil
		}
		return false, err
	})

	enginetest.ForEachBackend(t, engine.Config{}, []api.Definition{wf}, func(t *testing.T, env *enginetest.Env) {
		id := env.Dispatch(t, "notifier", struct{}{}, nil)
		if got := env.Step(t)[id]; got != engine.OutcomeCompleted {
			t.Fatalf("outcome = %s, want completed", got)
		}

		var missing bool
		env.Output(t, id, &missing)
		require.True(t, missing)

		events, err := env.DB.GetWorkflowHistory(context.Background(), id, false)
		require.NoError(t, err)
		require.Empty(t, events)
	})
}

func TestSignal_TagsResolvedWhenSent(t *testing.T) {
	receiver := api.NewWorkflow("inbox", func(c *api.WorkflowCtx, _ struct{}) (string, error) {
		return api.ListenAs[string](c, "hello")
	})
	sender := api.NewWorkflow("outbox", func(c *api.WorkflowCtx, _ struct{}) (struct{}, error) {
		_, err := c.Signal("hello", "hi").Tag("user", "u7").Send()
		return struct{}{}, err
	})

	enginetest.ForEachBackend(t, engine.Config{}, []api.Definition{receiver, sender}, func(t *testing.T, env *enginetest.Env) {
		ctx := context.Background()
		target := env.Dispatch(t, "inbox", struct{}{}, map[string]any{"user": "u7"})
		env.Step(t)

		from := env.Dispatch(t, "outbox", struct{}{}, nil)
		env.Drain(t, 3)

		events, err := env.DB.GetWorkflowHistory(ctx, from, false)
		require.NoError(t, err)
		require.Len(t, events, 1)
		require.Equal(t, history.EventSignalSend, events[0].Type)
		require.NotNil(t, events[0].SignalSend.WorkflowID)
		require.Equal(t, target, *events[0].SignalSend.WorkflowID)

		var out string
		env.Output(t, target, &out)
		require.Equal(t, "hi", out)
	})
}

func TestJoin_BranchesClaimDistinctSignals(t *testing.T) {
	wf := api.NewWorkflow("pair", func(c *api.WorkflowCtx, _ struct{}) ([]int, error) {
		got := make([]int, 2)
		err := api.Join(c,
			func(c *api.WorkflowCtx) (err error) { got[0], err = api.ListenAs[int](c, "item"); return },
			func(c *api.WorkflowCtx) (err error) { got[1], err = api.ListenAs[int](c, "item"); return },
		)
		return got, err
	})

	enginetest.ForEachBackend(t, engine.Config{}, []api.Definition{wf}, func(t *testing.T, env *enginetest.Env) {
		id := env.Dispatch(t, "pair", struct{}{}, nil)
		env.Signal(t, id, "item", 1)
		env.Signal(t, id, "item", 2)
		if got := env.Step(t)[id]; got != engine.OutcomeCompleted {
			t.Fatalf("outcome = %s, want completed", got)
		}

		var out []int
		env.Output(t, id, &out)
		require.ElementsMatch(t, []int{1, 2}, out)

		signals, err := env.DB.ListSignals(context.Background(), id)
		require.NoError(t, err)
		for _, s := range signals {
			require.NotNil(t, s.AckTS)
		}
	})
}
