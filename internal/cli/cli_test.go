package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/gasoline/internal/history"
	"github.com/petrijr/gasoline/internal/persistence"
	"github.com/petrijr/gasoline/internal/testutil"
	"github.com/petrijr/gasoline/pkg/kv"
	"github.com/petrijr/gasoline/pkg/kv/memkv"
)

var (
	coordinatorID = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	learningID    = uuid.MustParse("22222222-2222-2222-2222-222222222222")
)

func newGoldie(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func newTestDB(t *testing.T) *persistence.Database {
	t.Helper()
	clock := testutil.NewClock()
	db := persistence.New(memkv.NewDatabase(kv.Config{}), persistence.Options{Now: clock.Now})

	tags, err := persistence.NewTags(map[string]any{"epoxy": "coordinator"})
	require.NoError(t, err)
	_, err = db.DispatchWorkflow(context.Background(), persistence.DispatchOpts{
		WorkflowID: coordinatorID,
		Name:       "epoxy_coordinator",
		Tags:       tags,
		Input:      json.RawMessage(`{"config":{"epoch":1}}`),
	})
	require.NoError(t, err)

	tags, err = persistence.NewTags(map[string]any{"replica_id": 4})
	require.NoError(t, err)
	_, err = db.DispatchWorkflow(context.Background(), persistence.DispatchOpts{
		WorkflowID: learningID,
		Name:       "epoxy_replica_learning",
		Tags:       tags,
		Input:      json.RawMessage(`{"replica":4}`),
	})
	require.NoError(t, err)
	return db
}

func execute(t *testing.T, db *persistence.Database, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand(&RootOptions{DB: db})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestRootInvalidFormat(t *testing.T) {
	_, err := execute(t, newTestDB(t), "--format", "xml", "wf", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestWorkflowGet(t *testing.T) {
	db := newTestDB(t)

	out, err := execute(t, db, "wf", "get", coordinatorID.String())
	require.NoError(t, err)
	newGoldie(t).Assert(t, "wf_get", []byte(out))

	_, err = execute(t, db, "wf", "get", coordinatorID.String(), uuid.NewString())
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	_, err = execute(t, db, "wf", "get", "not-a-uuid")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestWorkflowListFilters(t *testing.T) {
	db := newTestDB(t)

	out, err := execute(t, db, "--format", "json", "wf", "list", "--tags", "replica_id=4")
	require.NoError(t, err)
	var listed []persistence.Workflow
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, learningID, listed[0].ID)

	out, err = execute(t, db, "wf", "list", "--name", "epoxy_coordinator")
	require.NoError(t, err)
	assert.Contains(t, out, coordinatorID.String())
	assert.NotContains(t, out, learningID.String())
	assert.Contains(t, out, "1 workflows")

	out, err = execute(t, db, "wf", "list", "--state", "complete")
	require.NoError(t, err)
	assert.Contains(t, out, "0 workflows")

	_, err = execute(t, db, "wf", "list", "--state", "asleep")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestWorkflowListYAML(t *testing.T) {
	out, err := execute(t, newTestDB(t), "--format", "yaml", "wf", "list", "--name", "epoxy_coordinator")
	require.NoError(t, err)
	assert.Contains(t, out, "workflow_name: epoxy_coordinator")
	assert.Contains(t, out, "create_ts: 1704067200000")
	assert.Contains(t, out, "epoch: 1")
}

func TestWorkflowSilenceAndWake(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	out, err := execute(t, db, "wf", "silence", learningID.String())
	require.NoError(t, err)
	assert.Equal(t, "1 workflows silenced\n", out)
	wf, err := db.GetWorkflow(ctx, learningID)
	require.NoError(t, err)
	assert.Equal(t, persistence.StateSilenced, wf.State)

	_, err = execute(t, db, "wf", "wake", learningID.String())
	require.NoError(t, err)
	wf, err = db.GetWorkflow(ctx, learningID)
	require.NoError(t, err)
	assert.Equal(t, persistence.StateRunning, wf.State)

	_, err = execute(t, db, "wf", "wake", uuid.NewString())
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestSignalSendListSilence(t *testing.T) {
	db := newTestDB(t)

	out, err := execute(t, db, "--format", "json", "wf", "signal", "send",
		"--tags", "epoxy=coordinator", "--name", "epoxy_remove_replica", "--body", `{"replica_id":3}`)
	require.NoError(t, err)
	var sent struct {
		SignalID uuid.UUID `json:"signal_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &sent))

	out, err = execute(t, db, "wf", "signal", "list", coordinatorID.String())
	require.NoError(t, err)
	assert.Contains(t, out, sent.SignalID.String())
	assert.Contains(t, out, "pending")
	assert.Contains(t, out, `{"replica_id":3}`)

	_, err = execute(t, db, "wf", "signal", "silence", sent.SignalID.String())
	require.NoError(t, err)
	out, err = execute(t, db, "wf", "signal", "list", coordinatorID.String())
	require.NoError(t, err)
	assert.Contains(t, out, "silenced")

	// No workflow carries the tags.
	_, err = execute(t, db, "wf", "signal", "send", "--tags", "epoxy=none", "--name", "x")
	assert.Equal(t, ExitFailure, GetExitCode(err))

	_, err = execute(t, db, "wf", "signal", "send", "--name", "x")
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, db, "wf", "signal", "send", "--workflow-id", coordinatorID.String(), "--name", "x", "--body", "{")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestHistoryRender(t *testing.T) {
	coord := uuid.MustParse("44444444-4444-4444-4444-444444444444")
	const ts = int64(1704067200000)
	wf := &persistence.Workflow{
		ID:    learningID,
		Name:  "epoxy_replica_learning",
		Input: json.RawMessage(`{"replica":4}`),
	}
	events := []*history.Event{
		{
			Location: history.Location{1}, Type: history.EventActivity, Version: 1, CreateTS: ts,
			Activity: &history.ActivityEvent{
				Name:     "epoxy_download_chunk",
				Input:    json.RawMessage(`{"after":0}`),
				Output:   json.RawMessage(`{"last":5,"count":5}`),
				Attempts: 1,
			},
		},
		{
			Location: history.Location{2}, Type: history.EventLoop, Version: 1, CreateTS: ts,
			Loop: &history.LoopEvent{Iteration: 2, State: json.RawMessage(`{"after":5}`)},
		},
		{
			Location: history.Location{2, 1}, Forgotten: true, Type: history.EventActivity, Version: 1, CreateTS: ts,
			Activity: &history.ActivityEvent{
				Name:   "epoxy_download_chunk",
				Input:  json.RawMessage(`{"after":0}`),
				Output: json.RawMessage(`5`),
			},
		},
		{
			Location: history.Location{3}, Type: history.EventSignalSend, Version: 1, CreateTS: ts,
			SignalSend: &history.SignalSendEvent{
				SignalID:   uuid.MustParse("33333333-3333-3333-3333-333333333333"),
				WorkflowID: &coord,
				Name:       "epoxy_replica_status_change",
				Body:       json.RawMessage(`{"replica_id":4,"status":"active"}`),
			},
		},
		{
			Location: history.Location{4}, Type: history.EventSleep, Version: 1, CreateTS: ts,
			Sleep: &history.SleepEvent{DeadlineTS: ts + 60_000, State: history.SleepCompleted},
		},
	}

	var buf bytes.Buffer
	renderHistory(&buf, wf, events, &historyOptions{PrintLocation: true})
	newGoldie(t).Assert(t, "wf_history", buf.Bytes())

	buf.Reset()
	renderHistory(&buf, wf, events, &historyOptions{ExcludeJSON: true, PrintTimestamps: true})
	assert.NotContains(t, buf.String(), "input")
	assert.Contains(t, buf.String(), "2024-01-01 00:00:00 activity epoxy_download_chunk")
	assert.Contains(t, buf.String(), "until 2024-01-01 00:01:00 (completed)")
}

func TestHistoryCommand(t *testing.T) {
	db := newTestDB(t)

	out, err := execute(t, db, "--format", "json", "wf", "history", coordinatorID.String())
	require.NoError(t, err)
	var view struct {
		Workflow persistence.Workflow `json:"workflow"`
		Events   []json.RawMessage    `json:"events"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, coordinatorID, view.Workflow.ID)
	assert.Empty(t, view.Events)

	_, err = execute(t, db, "wf", "history", uuid.NewString())
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestParseTags(t *testing.T) {
	tags, err := parseTags([]string{"replica_id=4", "name=coordinator", "ok=true"})
	require.NoError(t, err)
	assert.JSONEq(t, "4", string(tags["replica_id"]))
	assert.JSONEq(t, `"coordinator"`, string(tags["name"]))
	assert.JSONEq(t, "true", string(tags["ok"]))

	_, err = parseTags([]string{"novalue"})
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
