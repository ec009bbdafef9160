package api

import (
	"encoding/json"
	"fmt"
)

// Definition is a registered workflow.
type Definition interface {
	Name() string
	// Execute decodes input, runs the workflow and encodes its output.
	Execute(ctx *WorkflowCtx, input json.RawMessage) (json.RawMessage, error)
}

// Workflow is a typed workflow definition.
type Workflow[I, O any] struct {
	name string
	fn   func(ctx *WorkflowCtx, input I) (O, error)
}

// NewWorkflow defines a workflow. fn must be deterministic: everything
// that touches the outside world goes through ctx.
func NewWorkflow[I, O any](name string, fn func(ctx *WorkflowCtx, input I) (O, error)) *Workflow[I, O] {
	return &Workflow[I, O]{name: name, fn: fn}
}

func (w *Workflow[I, O]) Name() string { return w.name }

func (w *Workflow[I, O]) Execute(ctx *WorkflowCtx, input json.RawMessage) (json.RawMessage, error) {
	var in I
	if len(input) > 0 {
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, serializeErr(fmt.Sprintf("input of %s", w.name), err)
		}
	}
	out, err := w.fn(ctx, in)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, serializeErr(fmt.Sprintf("output of %s", w.name), err)
	}
	return raw, nil
}
