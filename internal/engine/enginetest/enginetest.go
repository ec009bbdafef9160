// Package enginetest drives workflows through a real executor without a
// worker loop: tests dispatch, then step the database by hand with a
// manual clock.
package enginetest

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/gasoline/internal/engine"
	"github.com/petrijr/gasoline/internal/persistence"
	"github.com/petrijr/gasoline/internal/testutil"
	"github.com/petrijr/gasoline/pkg/api"
	"github.com/petrijr/gasoline/pkg/kv"
	"github.com/petrijr/gasoline/pkg/kv/memkv"
	"github.com/petrijr/gasoline/pkg/kv/sqlitekv"
	"github.com/petrijr/gasoline/pkg/pubsub"
)

// Env is one database with an executor over it.
type Env struct {
	DB       *persistence.Database
	Clock    *testutil.Clock
	Bus      *pubsub.Client
	Registry *engine.Registry
	Executor *engine.Executor
	// Store is set for the in-memory backend, for fault injection.
	Store *memkv.Store
}

// Factory builds the persistence layer of an Env.
type Factory func(t *testing.T, clock *testutil.Clock, bus *pubsub.Client) (*persistence.Database, *memkv.Store)

// Backends are the stores every engine test runs against.
func Backends() map[string]Factory {
	return map[string]Factory{
		"in-memory": func(t *testing.T, clock *testutil.Clock, bus *pubsub.Client) (*persistence.Database, *memkv.Store) {
			store := memkv.New()
			return persistence.New(kv.New(store, kv.Config{}), persistence.Options{Bus: bus, Now: clock.Now}), store
		},
		"sqlite": func(t *testing.T, clock *testutil.Clock, bus *pubsub.Client) (*persistence.Database, *memkv.Store) {
			store, err := sqlitekv.Open(filepath.Join(t.TempDir(), "wf.db"))
			if err != nil {
				t.Fatalf("sqlitekv.Open: %v", err)
			}
			t.Cleanup(func() { _ = store.Close() })
			return persistence.New(kv.New(store, kv.Config{}), persistence.Options{Bus: bus, Now: clock.Now}), nil
		},
	}
}

// New builds an Env over the in-memory backend.
func New(t *testing.T, cfg engine.Config, defs ...api.Definition) *Env {
	t.Helper()
	return newEnv(t, Backends()["in-memory"], cfg, defs)
}

// ForEachBackend runs fn once per backend with a fresh Env. Fields of
// cfg that the Env owns are overwritten.
func ForEachBackend(t *testing.T, cfg engine.Config, defs []api.Definition, fn func(t *testing.T, env *Env)) {
	for name, factory := range Backends() {
		t.Run(name, func(t *testing.T) {
			fn(t, newEnv(t, factory, cfg, defs))
		})
	}
}

func newEnv(t *testing.T, factory Factory, cfg engine.Config, defs []api.Definition) *Env {
	t.Helper()
	clock := testutil.NewClock()
	bus := pubsub.NewMemory()
	t.Cleanup(func() { _ = bus.Close() })
	db, store := factory(t, clock, bus)

	reg := engine.NewRegistry()
	for _, d := range defs {
		if err := reg.Register(d); err != nil {
			t.Fatalf("Register(%s): %v", d.Name(), err)
		}
	}
	cfg.DB = db
	cfg.Bus = bus
	cfg.Registry = reg
	if cfg.ActivityBackoff == 0 {
		cfg.ActivityBackoff = time.Millisecond
	}
	exec, err := engine.NewExecutor(cfg)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	return &Env{DB: db, Clock: clock, Bus: bus, Registry: reg, Executor: exec, Store: store}
}

// Dispatch starts a workflow and returns its id.
func (e *Env) Dispatch(t *testing.T, name string, input any, tags map[string]any) uuid.UUID {
	t.Helper()
	raw, err := json.Marshal(input)
	if err != nil {
		t.Fatalf("marshal input: %v", err)
	}
	pt, err := persistence.NewTags(tags)
	if err != nil {
		t.Fatalf("NewTags: %v", err)
	}
	id, err := e.DB.DispatchWorkflow(context.Background(), persistence.DispatchOpts{
		RayID: uuid.New(),
		Name:  name,
		Tags:  pt,
		Input: raw,
	})
	if err != nil {
		t.Fatalf("DispatchWorkflow(%s): %v", name, err)
	}
	return id
}

// Signal sends a signal to a workflow as outside code would.
func (e *Env) Signal(t *testing.T, id uuid.UUID, name string, body any) uuid.UUID {
	t.Helper()
	sctx := api.NewStandaloneCtx(context.Background(), api.StandaloneConfig{DB: e.DB, Bus: e.Bus})
	sid, err := sctx.Signal(name, body).ToWorkflow(id).Send()
	if err != nil {
		t.Fatalf("send signal %s: %v", name, err)
	}
	return sid
}

// Pull leases every due workflow for the executor's worker.
func (e *Env) Pull(t *testing.T) []*persistence.PulledWorkflow {
	t.Helper()
	pulled, err := e.DB.PullWorkflows(context.Background(), e.Executor.WorkerID(), e.Registry.Names(), 64)
	if err != nil {
		t.Fatalf("PullWorkflows: %v", err)
	}
	return pulled
}

// Step pulls and runs every due workflow once. It returns the outcome of
// each run by workflow id.
func (e *Env) Step(t *testing.T) map[uuid.UUID]engine.Outcome {
	t.Helper()
	out := make(map[uuid.UUID]engine.Outcome)
	for _, wf := range e.Pull(t) {
		outcome, _ := e.Executor.Run(context.Background(), wf)
		out[wf.ID] = outcome
	}
	return out
}

// Drain steps until nothing is due, failing after limit rounds.
func (e *Env) Drain(t *testing.T, limit int) {
	t.Helper()
	for range limit {
		if len(e.Step(t)) == 0 {
			return
		}
	}
	t.Fatalf("workflows still due after %d rounds", limit)
}

// Workflow loads a workflow row.
func (e *Env) Workflow(t *testing.T, id uuid.UUID) *persistence.Workflow {
	t.Helper()
	w, err := e.DB.GetWorkflow(context.Background(), id)
	if err != nil {
		t.Fatalf("GetWorkflow(%s): %v", id, err)
	}
	return w
}

// Output decodes the output of a completed workflow.
func (e *Env) Output(t *testing.T, id uuid.UUID, v any) {
	t.Helper()
	w := e.Workflow(t, id)
	if w.State != persistence.StateComplete {
		t.Fatalf("workflow %s is %s (error %q), want complete", id, w.State, w.Error)
	}
	if err := json.Unmarshal(w.Output, v); err != nil {
		t.Fatalf("decode output: %v", err)
	}
}
