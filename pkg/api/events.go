package api

import "github.com/petrijr/gasoline/internal/history"

// EventType identifies a history event. It is used with Removed.
type EventType = history.EventType

const (
	EventActivity      = history.EventActivity
	EventSignalReceive = history.EventSignalReceive
	EventSignalSend    = history.EventSignalSend
	EventMessageSend   = history.EventMessageSend
	EventSubWorkflow   = history.EventSubWorkflow
	EventSleep         = history.EventSleep
	EventLoop          = history.EventLoop
	EventBranch        = history.EventBranch
	EventVersionCheck  = history.EventVersionCheck
	EventSignals       = history.EventSignals
)
