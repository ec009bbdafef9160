package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/gasoline/internal/config"
	"github.com/petrijr/gasoline/internal/persistence"
	"github.com/petrijr/gasoline/pkg/kv"
	"github.com/petrijr/gasoline/pkg/pubsub"
)

// OperationCtx runs non-durable work: operations, activities and code
// outside any workflow. Signals, messages and dispatches take effect
// immediately.
type OperationCtx struct {
	context.Context

	db     *persistence.Database
	bus    *pubsub.Client
	config *config.Config
	logger *slog.Logger
	rayID  uuid.UUID
}

// Operator is anything that can run an operation.
type Operator interface {
	OperationCtx() *OperationCtx
}

func (o *OperationCtx) OperationCtx() *OperationCtx { return o }
func (o *OperationCtx) KV() *kv.Database           { return o.db.KV() }
func (o *OperationCtx) Bus() *pubsub.Client        { return o.bus }
func (o *OperationCtx) Config() *config.Config     { return o.config }
func (o *OperationCtx) Logger() *slog.Logger       { return o.logger }
func (o *OperationCtx) RayID() uuid.UUID           { return o.rayID }

func (o *OperationCtx) GetWorkflow(id uuid.UUID) (*persistence.Workflow, error) {
	return o.db.GetWorkflow(o, id)
}

// FindWorkflow returns an unfinished workflow named name whose tags
// contain tags.
func (o *OperationCtx) FindWorkflow(name string, tags map[string]any) (uuid.UUID, bool, error) {
	t, err := persistence.NewTags(tags)
	if err != nil {
		return uuid.Nil, false, err
	}
	return o.db.FindWorkflow(o, name, t)
}

func (o *OperationCtx) Signal(name string, body any) *SignalBuilder {
	return &SignalBuilder{op: o, name: name, body: body}
}

func (o *OperationCtx) Msg(name string, body any) *MessageBuilder {
	return &MessageBuilder{op: o, name: name, body: body}
}

// Dispatch starts a top-level workflow in the operation's ray.
func (o *OperationCtx) Dispatch(name string, input any) *DispatchBuilder {
	return &DispatchBuilder{op: o, name: name, input: input}
}

// DispatchBuilder creates a workflow immediately.
type DispatchBuilder struct {
	op     *OperationCtx
	name   string
	input  any
	tags   map[string]any
	unique bool
}

func (b *DispatchBuilder) Tag(key string, value any) *DispatchBuilder {
	if b.tags == nil {
		b.tags = make(map[string]any)
	}
	b.tags[key] = value
	return b
}

func (b *DispatchBuilder) Tags(tags map[string]any) *DispatchBuilder {
	for k, v := range tags {
		b.Tag(k, v)
	}
	return b
}

// Unique returns an unfinished workflow with the same name and a superset
// of the tags instead of creating one.
func (b *DispatchBuilder) Unique() *DispatchBuilder {
	b.unique = true
	return b
}

func (b *DispatchBuilder) Dispatch() (uuid.UUID, error) {
	if b.name == "" {
		return uuid.Nil, ErrMissingName
	}
	input, err := json.Marshal(b.input)
	if err != nil {
		return uuid.Nil, serializeErr("input of workflow "+b.name, err)
	}
	tags, err := persistence.NewTags(b.tags)
	if err != nil {
		return uuid.Nil, err
	}
	return b.op.db.DispatchWorkflow(b.op, persistence.DispatchOpts{
		RayID:  b.op.rayID,
		Name:   b.name,
		Tags:   tags,
		Input:  input,
		Unique: b.unique,
	})
}

// StandaloneCtx is an OperationCtx for code outside the worker, such as
// API handlers and the admin tool. Each one starts a new ray.
type StandaloneCtx struct {
	*OperationCtx
}

// StandaloneConfig configures NewStandaloneCtx.
type StandaloneConfig struct {
	DB     *persistence.Database
	Bus    *pubsub.Client
	Config *config.Config
	Logger *slog.Logger
}

func NewStandaloneCtx(ctx context.Context, cfg StandaloneConfig) *StandaloneCtx {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ray := uuid.New()
	return &StandaloneCtx{OperationCtx: &OperationCtx{
		Context: ctx,
		db:      cfg.DB,
		bus:     cfg.Bus,
		config:  cfg.Config,
		logger:  logger.With(slog.String("ray_id", ray.String())),
		rayID:   ray,
	}}
}

// Operation is a named, non-durable unit of work. Operations are retried
// only as part of whatever called them.
type Operation[I, O any] struct {
	Name string
	Fn   func(ctx *OperationCtx, input I) (O, error)
}

// Run calls the operation with a context derived from op.
func (p Operation[I, O]) Run(op Operator, input I) (O, error) {
	parent := op.OperationCtx()
	ctx := &OperationCtx{
		Context: parent.Context,
		db:      parent.db,
		bus:     parent.bus,
		config:  parent.config,
		logger:  parent.logger.With(slog.String("operation", p.Name)),
		rayID:   parent.rayID,
	}
	start := time.Now()
	out, err := p.Fn(ctx, input)
	ctx.logger.DebugContext(ctx, "operation_completed",
		slog.Duration("duration", time.Since(start)),
		slog.Any("error", err),
	)
	if err != nil {
		return out, fmt.Errorf("operation %s: %w", p.Name, err)
	}
	return out, nil
}
