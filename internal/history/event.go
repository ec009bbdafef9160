package history

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// EventType identifies a history event.
type EventType string

const (
	EventActivity      EventType = "activity"
	EventSignalReceive EventType = "signal_receive"
	EventSignalSend    EventType = "signal_send"
	EventMessageSend   EventType = "message_send"
	EventSubWorkflow   EventType = "sub_workflow"
	EventSleep         EventType = "sleep"
	EventLoop          EventType = "loop"
	EventBranch        EventType = "branch"
	EventRemoved       EventType = "removed"
	EventVersionCheck  EventType = "version_check"
	EventSignals       EventType = "signals"
)

// SleepState tracks a sleep, or the timer half of a listen with timeout.
type SleepState string

const (
	SleepNormal      SleepState = "normal"
	SleepInterrupted SleepState = "interrupted"
	SleepCompleted   SleepState = "completed"
)

// Event is one history entry. Exactly one payload pointer matching Type is
// set; Branch and VersionCheck carry none.
type Event struct {
	Location  Location  `json:"-"`
	Forgotten bool      `json:"-"`
	Type      EventType `json:"type"`
	Version   uint      `json:"version"`
	CreateTS  int64     `json:"create_ts"`

	Activity    *ActivityEvent    `json:"activity,omitempty"`
	Signal      *SignalEvent      `json:"signal,omitempty"`
	SignalSend  *SignalSendEvent  `json:"signal_send,omitempty"`
	Message     *MessageSendEvent `json:"message,omitempty"`
	SubWorkflow *SubWorkflowEvent `json:"sub_workflow,omitempty"`
	Sleep       *SleepEvent       `json:"sleep,omitempty"`
	Loop        *LoopEvent        `json:"loop,omitempty"`
	Removed     *RemovedEvent     `json:"removed,omitempty"`
	Signals     *SignalsEvent     `json:"signals,omitempty"`
}

type ActivityEvent struct {
	Name      string          `json:"name"`
	InputHash string          `json:"input_hash"`
	Input     json.RawMessage `json:"input"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	Attempts  int             `json:"attempts"`
}

type SignalEvent struct {
	SignalID uuid.UUID       `json:"signal_id"`
	Name     string          `json:"name"`
	Body     json.RawMessage `json:"body"`
}

type SignalSendEvent struct {
	SignalID   uuid.UUID                  `json:"signal_id"`
	WorkflowID *uuid.UUID                 `json:"workflow_id,omitempty"`
	Tags       map[string]json.RawMessage `json:"tags,omitempty"`
	Name       string                     `json:"name"`
	Body       json.RawMessage            `json:"body"`
}

type MessageSendEvent struct {
	Tags map[string]json.RawMessage `json:"tags,omitempty"`
	Name string                     `json:"name"`
	Body json.RawMessage            `json:"body"`
}

type SubWorkflowEvent struct {
	SubWorkflowID uuid.UUID                  `json:"sub_workflow_id"`
	Name          string                     `json:"name"`
	Tags          map[string]json.RawMessage `json:"tags,omitempty"`
	Input         json.RawMessage            `json:"input"`
}

type SleepEvent struct {
	DeadlineTS int64      `json:"deadline_ts"`
	State      SleepState `json:"state"`
}

// LoopEvent is rewritten after every iteration. Events of finished
// iterations are moved to the forgotten history.
type LoopEvent struct {
	Iteration uint64          `json:"iteration"`
	State     json.RawMessage `json:"state,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
}

type RemovedEvent struct {
	OriginalType EventType `json:"original_type"`
	Name         string    `json:"name,omitempty"`
}

// SignalsEvent records a listen that consumed several signals at once.
type SignalsEvent struct {
	SignalIDs []uuid.UUID       `json:"signal_ids"`
	Names     []string          `json:"names"`
	Bodies    []json.RawMessage `json:"bodies"`
}

// Name is the identity an event is matched on during replay, next to its
// type and version.
func (e *Event) Name() string {
	switch {
	case e.Activity != nil:
		return e.Activity.Name
	case e.Signal != nil:
		return e.Signal.Name
	case e.SignalSend != nil:
		return e.SignalSend.Name
	case e.Message != nil:
		return e.Message.Name
	case e.SubWorkflow != nil:
		return e.SubWorkflow.Name
	case e.Removed != nil:
		return e.Removed.Name
	default:
		return ""
	}
}

// Describe is a one line summary for logs and the admin tool.
func (e *Event) Describe() string {
	switch e.Type {
	case EventActivity:
		if e.Activity.Error != "" {
			return fmt.Sprintf("activity %s (attempts %d, error %q)", e.Activity.Name, e.Activity.Attempts, e.Activity.Error)
		}
		return fmt.Sprintf("activity %s", e.Activity.Name)
	case EventSignalReceive:
		return fmt.Sprintf("signal receive %s %s", e.Signal.Name, e.Signal.SignalID)
	case EventSignalSend:
		return fmt.Sprintf("signal send %s %s", e.SignalSend.Name, e.SignalSend.SignalID)
	case EventMessageSend:
		return fmt.Sprintf("message send %s", e.Message.Name)
	case EventSubWorkflow:
		return fmt.Sprintf("sub workflow %s %s", e.SubWorkflow.Name, e.SubWorkflow.SubWorkflowID)
	case EventSleep:
		return fmt.Sprintf("sleep until %d (%s)", e.Sleep.DeadlineTS, e.Sleep.State)
	case EventLoop:
		return fmt.Sprintf("loop iteration %d", e.Loop.Iteration)
	case EventRemoved:
		return fmt.Sprintf("removed %s %s", e.Removed.OriginalType, e.Removed.Name)
	case EventSignals:
		return fmt.Sprintf("signals %v", e.Signals.Names)
	default:
		return string(e.Type)
	}
}

// DivergedError reports that replay found a different event than the one
// the workflow asked for.
type DivergedError struct {
	Location Location
	Expected string
	Found    string
}

func (e *DivergedError) Error() string {
	return fmt.Sprintf("history diverged at %s: expected %s, found %s", e.Location, e.Expected, e.Found)
}

// Check compares e against the operation replay is performing.
func (e *Event) Check(typ EventType, name string, version uint) error {
	if e.Type == typ && e.Name() == name && e.Version == version {
		return nil
	}
	return &DivergedError{
		Location: e.Location,
		Expected: describeExpected(typ, name, version),
		Found:    describeExpected(e.Type, e.Name(), e.Version),
	}
}

func describeExpected(typ EventType, name string, version uint) string {
	if name == "" {
		return fmt.Sprintf("%s v%d", typ, version)
	}
	return fmt.Sprintf("%s %q v%d", typ, name, version)
}
