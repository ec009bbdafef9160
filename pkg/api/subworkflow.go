package api

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/petrijr/gasoline/internal/history"
	"github.com/petrijr/gasoline/internal/persistence"
)

// SubWorkflowBuilder dispatches a child workflow from workflow code. The
// child is created together with the run's commit and wakes its parent
// when it finishes.
type SubWorkflowBuilder struct {
	c      *WorkflowCtx
	name   string
	input  any
	tags   map[string]any
	unique bool
}

func (c *WorkflowCtx) SubWorkflow(name string, input any) *SubWorkflowBuilder {
	return &SubWorkflowBuilder{c: c, name: name, input: input}
}

func (b *SubWorkflowBuilder) Tag(key string, value any) *SubWorkflowBuilder {
	if b.tags == nil {
		b.tags = make(map[string]any)
	}
	b.tags[key] = value
	return b
}

func (b *SubWorkflowBuilder) Tags(tags map[string]any) *SubWorkflowBuilder {
	for k, v := range tags {
		b.Tag(k, v)
	}
	return b
}

// Unique reuses an unfinished workflow with the same name whose tags
// contain the builder's tags. A unique child is created when Dispatch runs
// instead of with the run's commit.
func (b *SubWorkflowBuilder) Unique() *SubWorkflowBuilder {
	b.unique = true
	return b
}

// Dispatch records the child and returns its id.
func (b *SubWorkflowBuilder) Dispatch() (uuid.UUID, error) {
	c := b.c
	if b.name == "" {
		return uuid.Nil, ErrMissingName
	}
	if err := c.ctx.Err(); err != nil {
		return uuid.Nil, err
	}
	input, err := json.Marshal(b.input)
	if err != nil {
		return uuid.Nil, serializeErr("input of sub workflow "+b.name, err)
	}
	tags, err := persistence.NewTags(b.tags)
	if err != nil {
		return uuid.Nil, err
	}

	loc := c.cursor.Advance()
	if e, ok := c.run.lookup(loc); ok {
		if err := c.check(e, history.EventSubWorkflow, b.name); err != nil {
			return uuid.Nil, err
		}
		return e.SubWorkflow.SubWorkflowID, nil
	}

	record := func(id uuid.UUID) {
		e := c.newEvent(loc, history.EventSubWorkflow)
		e.SubWorkflow = &history.SubWorkflowEvent{SubWorkflowID: id, Name: b.name, Tags: tags, Input: input}
		c.run.record(e)
	}

	parent := c.WorkflowID()
	opts := persistence.DispatchOpts{
		RayID:    c.RayID(),
		Name:     b.name,
		Tags:     tags,
		Input:    input,
		Unique:   b.unique,
		ParentID: &parent,
	}

	// The lookup and the insert of a unique child share one transaction,
	// so it is dispatched now rather than with the run's commit. A rerun
	// after a lost commit finds the same child again.
	if b.unique {
		id, err := c.run.db.DispatchWorkflow(c.ctx, opts)
		if err != nil {
			return uuid.Nil, err
		}
		record(id)
		return id, nil
	}

	opts.WorkflowID = uuid.New()
	record(opts.WorkflowID)
	c.run.queueSubWorkflow(opts)
	return opts.WorkflowID, nil
}

// Output dispatches the child and waits for its output.
func (b *SubWorkflowBuilder) Output(out any) error {
	id, err := b.Dispatch()
	if err != nil {
		return err
	}
	return b.c.WaitForSubWorkflow(id, out)
}

// WaitForSubWorkflow decodes the output of a finished workflow into out,
// or yields until it finishes.
func (c *WorkflowCtx) WaitForSubWorkflow(id uuid.UUID, out any) error {
	if c.run.dispatchedHere(id) {
		return &Yield{SubWorkflows: []uuid.UUID{id}}
	}
	wf, err := c.run.db.GetWorkflow(c.ctx, id)
	if errors.Is(err, persistence.ErrWorkflowNotFound) {
		return fmt.Errorf("%w: %s", ErrSubWorkflowNotFound, id)
	}
	if err != nil {
		return err
	}
	switch wf.State {
	case persistence.StateComplete:
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(wf.Output, out); err != nil {
			return serializeErr("output of sub workflow "+wf.Name, err)
		}
		return nil
	case persistence.StateDead:
		return fmt.Errorf("%w: %s %s: %s", ErrSubWorkflowDead, wf.Name, id, wf.Error)
	default:
		return &Yield{SubWorkflows: []uuid.UUID{id}}
	}
}
