package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/gasoline/internal/config"
	"github.com/petrijr/gasoline/internal/history"
	"github.com/petrijr/gasoline/internal/persistence"
	"github.com/petrijr/gasoline/pkg/pubsub"
)

// Defaults for activities run by a Run.
const (
	DefaultActivityTimeout  = 60 * time.Second
	DefaultActivityAttempts = 3
	DefaultActivityBackoff  = 250 * time.Millisecond
)

// RunConfig describes one leased run of a workflow.
type RunConfig struct {
	Workflow *persistence.PulledWorkflow
	DB       *persistence.Database
	Bus      *pubsub.Client
	Config   *config.Config
	Logger   *slog.Logger
	Observer Observer

	ActivityTimeout  time.Duration
	ActivityAttempts int
	// ActivityBackoff is the delay before the second attempt; it doubles
	// for every further attempt.
	ActivityBackoff time.Duration
}

// Message is a bus message sent by a run. It is published only after the
// run committed.
type Message struct {
	Subject string
	Body    json.RawMessage
}

// Run holds the state of one execution of a workflow: the replayed
// history and everything forward execution produced.
type Run struct {
	cfg    RunConfig
	wf     *persistence.PulledWorkflow
	db     *persistence.Database
	logger *slog.Logger
	info   *RunInfo
	replay *history.Replay
	cache  *Cache

	mu         sync.Mutex
	pending    []*history.Event
	pendingIdx map[string]int
	forget     []history.Location
	acks       []uuid.UUID
	claimed    map[uuid.UUID]bool
	signals    []persistence.SignalOpts
	subs       []persistence.DispatchOpts
	messages   []Message
}

// NewRun prepares a run of cfg.Workflow.
func NewRun(cfg RunConfig) *Run {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = NoopObserver{}
	}
	if cfg.ActivityTimeout <= 0 {
		cfg.ActivityTimeout = DefaultActivityTimeout
	}
	if cfg.ActivityAttempts <= 0 {
		cfg.ActivityAttempts = DefaultActivityAttempts
	}
	if cfg.ActivityBackoff <= 0 {
		cfg.ActivityBackoff = DefaultActivityBackoff
	}
	wf := cfg.Workflow
	return &Run{
		cfg: cfg,
		wf:  wf,
		db:  cfg.DB,
		logger: cfg.Logger.With(
			slog.String("workflow_id", wf.ID.String()),
			slog.String("workflow_name", wf.Name),
		),
		info: &RunInfo{
			WorkflowID: wf.ID,
			RayID:      wf.RayID,
			Name:       wf.Name,
			Retries:    wf.Retries,
		},
		replay:     history.NewReplay(wf.Events),
		cache:      NewCache(cfg.DB),
		pendingIdx: make(map[string]int),
		claimed:    make(map[uuid.UUID]bool),
	}
}

// Info describes the run for observers.
func (r *Run) Info() *RunInfo { return r.info }

// Execute runs def from the root of the history. A run that returns
// successfully while recorded events were never reached no longer matches
// its history and fails with ErrHistoryDiverged.
func (r *Run) Execute(ctx context.Context, def Definition) (out json.RawMessage, err error) {
	wctx := &WorkflowCtx{ctx: ctx, run: r, cursor: history.NewCursor(nil), version: 1}

	defer func() {
		if p := recover(); p != nil {
			out, err = nil, fmt.Errorf("workflow %s panicked: %v", r.wf.Name, p)
		}
	}()

	out, err = def.Execute(wctx, r.wf.Input)
	if err != nil {
		return nil, err
	}
	if left := r.replay.Unvisited(); len(left) > 0 {
		return nil, divergedErr(fmt.Errorf("workflow finished with %d unreplayed events, first at %s (%s)",
			len(left), left[0].Location, left[0].Describe()))
	}
	return out, nil
}

// Commit returns what the run produced so far. The caller sets the
// worker, the outcome and the wake conditions.
func (r *Run) Commit() *persistence.RunCommit {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &persistence.RunCommit{
		WorkflowID:   r.wf.ID,
		Events:       append([]*history.Event(nil), r.pending...),
		Forget:       append([]history.Location(nil), r.forget...),
		AckSignals:   append([]uuid.UUID(nil), r.acks...),
		Signals:      append([]persistence.SignalOpts(nil), r.signals...),
		SubWorkflows: append([]persistence.DispatchOpts(nil), r.subs...),
	}
}

// Messages returns the bus messages to publish once the commit landed.
func (r *Run) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

func (r *Run) nowMillis() int64 { return r.db.Now().UnixMilli() }

func (r *Run) lookup(loc history.Location) (*history.Event, bool) {
	return r.replay.Lookup(loc)
}

// record buffers an event for the commit. An event at a location that
// already has one replaces it.
func (r *Run) record(e *history.Event) {
	if e.CreateTS == 0 {
		e.CreateTS = r.nowMillis()
	}
	r.replay.Record(e)

	r.mu.Lock()
	defer r.mu.Unlock()
	k := e.Location.String()
	if i, ok := r.pendingIdx[k]; ok {
		r.pending[i] = e
		return
	}
	r.pendingIdx[k] = len(r.pending)
	r.pending = append(r.pending, e)
}

func (r *Run) forgetBranch(loc history.Location) {
	r.replay.Forget(loc)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forget = append(r.forget, loc)
}

// claimSignals takes up to n of the oldest pending signals the run has
// not consumed yet. Concurrent branches never get the same signal.
func (r *Run) claimSignals(ctx context.Context, names []string, n int) ([]*persistence.Signal, error) {
	for {
		r.mu.Lock()
		seen := len(r.claimed)
		r.mu.Unlock()

		limit := seen + n
		pending, err := r.db.ListPendingSignals(ctx, r.wf.ID, names, limit)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		// Another branch claimed while we read; the page may be short.
		if len(r.claimed) != seen && len(pending) == limit {
			r.mu.Unlock()
			continue
		}
		var out []*persistence.Signal
		for _, s := range pending {
			if len(out) == n {
				break
			}
			if r.claimed[s.ID] {
				continue
			}
			r.claimed[s.ID] = true
			r.acks = append(r.acks, s.ID)
			out = append(out, s)
		}
		r.mu.Unlock()
		return out, nil
	}
}

func (r *Run) queueSignal(opts persistence.SignalOpts) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, opts)
}

func (r *Run) queueSubWorkflow(opts persistence.DispatchOpts) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, opts)
}

func (r *Run) dispatchedHere(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs {
		if s.WorkflowID == id {
			return true
		}
	}
	return false
}

func (r *Run) queueMessage(m Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, m)
}

func (r *Run) operationCtx(ctx context.Context) *OperationCtx {
	return &OperationCtx{
		Context: ctx,
		db:      r.db,
		bus:     r.cfg.Bus,
		config:  r.cfg.Config,
		logger:  r.logger,
		rayID:   r.wf.RayID,
	}
}
