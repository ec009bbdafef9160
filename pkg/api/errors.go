package api

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrHistoryDiverged means the workflow asked for a different operation
	// than the one recorded at the same location. The workflow is killed.
	ErrHistoryDiverged = errors.New("history diverged")

	// ErrActivityFailed wraps the last error of an activity whose in-run
	// attempts are exhausted.
	ErrActivityFailed = errors.New("activity failed")

	// ErrSerializeFailed is returned when an input, output or body cannot
	// be converted to or from JSON.
	ErrSerializeFailed = errors.New("serialization failed")

	// ErrVersionMismatch means history was written by a newer version of
	// the workflow than the running code.
	ErrVersionMismatch = errors.New("workflow version mismatch")

	// ErrInvalidVersion is returned for version 0.
	ErrInvalidVersion = errors.New("versions start at 1")

	// ErrSignalUnknown is returned by a signal send without a target.
	ErrSignalUnknown = errors.New("signal has no target")

	// ErrSubWorkflowNotFound is returned when waiting on a sub workflow that
	// does not exist.
	ErrSubWorkflowNotFound = errors.New("sub workflow not found")

	// ErrSubWorkflowDead is returned when waiting on a sub workflow that
	// died.
	ErrSubWorkflowDead = errors.New("sub workflow dead")

	// ErrMissingName is returned by definitions, activities and signals
	// without a name.
	ErrMissingName = errors.New("name is required")
)

// Yield is returned through workflow code when the run cannot make
// progress until one of its wake conditions holds. Workflow code must
// return it unchanged; the executor commits the history written so far
// and puts the workflow to sleep.
type Yield struct {
	DeadlineTS   *int64
	Signals      []string
	SubWorkflows []uuid.UUID
}

func (y *Yield) Error() string {
	var parts []string
	if y.DeadlineTS != nil {
		parts = append(parts, fmt.Sprintf("deadline %d", *y.DeadlineTS))
	}
	if len(y.Signals) > 0 {
		parts = append(parts, "signals "+strings.Join(y.Signals, ","))
	}
	for _, id := range y.SubWorkflows {
		parts = append(parts, "sub workflow "+id.String())
	}
	return "workflow yielded: " + strings.Join(parts, ", ")
}

// AsYield reports whether err asks the workflow to sleep.
func AsYield(err error) (*Yield, bool) {
	var y *Yield
	if errors.As(err, &y) {
		return y, true
	}
	return nil, false
}

// merge combines the wake conditions of concurrent branches: the workflow
// wakes on the earliest deadline or any signal or sub workflow.
func (y *Yield) merge(o *Yield) {
	if o.DeadlineTS != nil && (y.DeadlineTS == nil || *o.DeadlineTS < *y.DeadlineTS) {
		ts := *o.DeadlineTS
		y.DeadlineTS = &ts
	}
	for _, s := range o.Signals {
		if !slices.Contains(y.Signals, s) {
			y.Signals = append(y.Signals, s)
		}
	}
	for _, id := range o.SubWorkflows {
		if !slices.Contains(y.SubWorkflows, id) {
			y.SubWorkflows = append(y.SubWorkflows, id)
		}
	}
}

// joinErrors surfaces the first real error of a join in branch order; if
// every failing branch only yielded, their conditions are merged.
func joinErrors(errs []error) error {
	var merged *Yield
	for _, err := range errs {
		if err == nil {
			continue
		}
		y, ok := AsYield(err)
		if !ok {
			return err
		}
		if merged == nil {
			merged = &Yield{}
		}
		merged.merge(y)
	}
	if merged == nil {
		return nil
	}
	return merged
}

func serializeErr(what string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrSerializeFailed, what, err)
}

func divergedErr(err error) error {
	return fmt.Errorf("%w: %w", ErrHistoryDiverged, err)
}
