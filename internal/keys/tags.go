// Package keys lays out the tuple keyspace shared by the workflow database
// and the epoxy replica.
//
// Every key starts with a subsystem tag. Tags are persisted and must never
// be renumbered; new columns take an unused number.
package keys

const (
	Rivet            = 0
	Gasoline         = 1
	Data             = 2
	Name             = 3
	CreateTS         = 4
	Workflow         = 5
	Signal           = 6
	Input            = 7
	Lease            = 8
	Tag              = 9
	Output           = 10
	Error            = 11
	RayID            = 12
	WakeDeadline     = 13
	WakeSignal       = 14
	WakeSubWorkflow  = 15
	WakeImmediate    = 16
	Pending          = 17
	Silence          = 18
	AckTS            = 19
	Body             = 20
	Wake             = 21
	Worker           = 22
	LastPingTS       = 23
	ByName           = 24
	Retries          = 25
	SubWorkflowWake  = 26
	Active           = 27
	ByNameAndTag     = 28
	HasWakeCondition = 29
	Forgotten        = 30
	Parent           = 31
	History          = 55
	EventType        = 58
	Epoxy            = 70
	PeerState        = 71
	Instance         = 72
	Replica          = 73
	KeyInstance      = 74
	LastSlot         = 75
	Committed        = 76
	StateMachine     = 77
	Log              = 85
	Entry            = 86
	Config           = 90
	Metric           = 91
	CurrentBallot    = 92
	InstanceBallot   = 93
	Cache            = 94
)
