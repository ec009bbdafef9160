package api

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/petrijr/gasoline/internal/history"
)

// Join runs branches concurrently, each in its own nested location, and
// waits for all of them. The first real error in branch order wins; when
// branches only yielded, the workflow sleeps until any of their wake
// conditions holds. Nil branches are skipped.
func Join(c *WorkflowCtx, branches ...func(c *WorkflowCtx) error) error {
	ctxs := make([]*WorkflowCtx, len(branches))
	for i, fn := range branches {
		if fn == nil {
			continue
		}
		b, err := c.Branch()
		if err != nil {
			return err
		}
		ctxs[i] = b
	}

	errs := make([]error, len(branches))
	var wg sync.WaitGroup
	for i, fn := range branches {
		if fn == nil {
			continue
		}
		wg.Go(func() {
			defer func() {
				if p := recover(); p != nil {
					errs[i] = fmt.Errorf("join branch %d panicked: %v", i, p)
				}
			}()
			errs[i] = fn(ctxs[i])
		})
	}
	wg.Wait()
	return joinErrors(errs)
}

// Loop is the result of one Repeat iteration.
type Loop[T any] struct {
	done  bool
	value T
}

// Continue runs another iteration.
func Continue[T any]() Loop[T] { return Loop[T]{} }

// Break ends the loop with v.
func Break[T any](v T) Loop[T] { return Loop[T]{done: true, value: v} }

// Repeat runs body until it breaks. state is persisted after every
// iteration and the history of finished iterations is forgotten, so a
// loop can run indefinitely without growing the active history.
func Repeat[S, T any](c *WorkflowCtx, state S, body func(c *WorkflowCtx, state *S) (Loop[T], error)) (T, error) {
	var out T
	if err := c.ctx.Err(); err != nil {
		return out, err
	}
	loc := c.cursor.Advance()

	var iteration uint64
	var createTS int64
	if e, ok := c.run.lookup(loc); ok {
		if err := c.check(e, history.EventLoop, ""); err != nil {
			return out, err
		}
		createTS = e.CreateTS
		if len(e.Loop.Output) > 0 {
			if err := json.Unmarshal(e.Loop.Output, &out); err != nil {
				return out, serializeErr(fmt.Sprintf("loop output at %s", loc), err)
			}
			return out, nil
		}
		iteration = e.Loop.Iteration
		if len(e.Loop.State) > 0 {
			if err := json.Unmarshal(e.Loop.State, &state); err != nil {
				return out, serializeErr(fmt.Sprintf("loop state at %s", loc), err)
			}
		}
	} else {
		createTS = c.run.nowMillis()
		if err := c.recordLoop(loc, 0, state, false, out, createTS); err != nil {
			return out, err
		}
	}

	for {
		if err := c.ctx.Err(); err != nil {
			return out, err
		}
		iterLoc := loc.Child(iteration + 1)
		res, err := body(c.branchAt(iterLoc), &state)
		if err != nil {
			return out, err
		}
		c.run.forgetBranch(iterLoc)
		iteration++

		if err := c.recordLoop(loc, iteration, state, res.done, res.value, createTS); err != nil {
			return out, err
		}
		if res.done {
			return res.value, nil
		}
	}
}

func (c *WorkflowCtx) recordLoop(loc history.Location, iteration uint64, state any, done bool, output any, createTS int64) error {
	rawState, err := json.Marshal(state)
	if err != nil {
		return serializeErr(fmt.Sprintf("loop state at %s", loc), err)
	}
	var rawOut json.RawMessage
	if done {
		if rawOut, err = json.Marshal(output); err != nil {
			return serializeErr(fmt.Sprintf("loop output at %s", loc), err)
		}
	}
	e := c.newEvent(loc, history.EventLoop)
	e.CreateTS = createTS
	e.Loop = &history.LoopEvent{Iteration: iteration, State: rawState, Output: rawOut}
	c.run.record(e)
	return nil
}
