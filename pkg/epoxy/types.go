package epoxy

import (
	"bytes"
	"cmp"
	"fmt"
	"slices"
)

// ReplicaID identifies a replica. Zero is never a valid id.
type ReplicaID uint64

// Instance is one command slot owned by a replica.
type Instance struct {
	Replica ReplicaID `json:"replica_id"`
	Slot    uint64    `json:"slot_id"`
}

func (i Instance) String() string { return fmt.Sprintf("(%d, %d)", i.Replica, i.Slot) }

// Compare orders instances by replica, then slot.
func (i Instance) Compare(o Instance) int {
	if c := cmp.Compare(i.Replica, o.Replica); c != 0 {
		return c
	}
	return cmp.Compare(i.Slot, o.Slot)
}

// Ballot is ordered lexicographically by epoch, number and replica.
type Ballot struct {
	Epoch   uint64    `json:"epoch"`
	Number  uint64    `json:"ballot"`
	Replica ReplicaID `json:"replica_id"`
}

func (b Ballot) Compare(o Ballot) int {
	if c := cmp.Compare(b.Epoch, o.Epoch); c != 0 {
		return c
	}
	if c := cmp.Compare(b.Number, o.Number); c != 0 {
		return c
	}
	return cmp.Compare(b.Replica, o.Replica)
}

func (b Ballot) String() string { return fmt.Sprintf("%d.%d.%d", b.Epoch, b.Number, b.Replica) }

// Status is how far an instance progressed at one replica.
type Status int

const (
	StatusPreAccepted Status = iota + 1
	StatusAccepted
	StatusCommitted
	StatusExecuted
)

func (s Status) String() string {
	switch s {
	case StatusPreAccepted:
		return "pre_accepted"
	case StatusAccepted:
		return "accepted"
	case StatusCommitted:
		return "committed"
	case StatusExecuted:
		return "executed"
	default:
		return "unknown"
	}
}

// CommandKind selects what a command does to the state machine.
type CommandKind string

const (
	KindSet         CommandKind = "set"
	KindCheckAndSet CommandKind = "check_and_set"
	KindNoop        CommandKind = "noop"
)

// Command is one state machine operation. A nil Value clears the key. In
// ExpectOneOf a nil entry matches an absent key.
type Command struct {
	Kind        CommandKind `json:"kind"`
	Key         string      `json:"key,omitempty"`
	Value       []byte      `json:"value"`
	ExpectOneOf [][]byte    `json:"expect_one_of,omitempty"`
}

func Set(key string, value []byte) Command {
	return Command{Kind: KindSet, Key: key, Value: value}
}

// Delete clears key.
func Delete(key string) Command { return Command{Kind: KindSet, Key: key} }

// CheckAndSet writes value only if the current value of key is one of
// expectOneOf.
func CheckAndSet(key string, expectOneOf [][]byte, value []byte) Command {
	return Command{Kind: KindCheckAndSet, Key: key, Value: value, ExpectOneOf: expectOneOf}
}

func Noop() Command { return Command{Kind: KindNoop} }

func (c Command) validate() error {
	switch c.Kind {
	case KindSet, KindCheckAndSet:
		if c.Key == "" {
			return fmt.Errorf("%w: %s without key", ErrInvalidCommand, c.Kind)
		}
	case KindNoop:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidCommand, c.Kind)
	}
	return nil
}

// Interferes reports whether a and b touch the same key. Noop never
// interferes.
func Interferes(a, b Command) bool {
	if a.Kind == KindNoop || b.Kind == KindNoop {
		return false
	}
	return a.Key == b.Key
}

// commandKeys lists the distinct keys touched by cmds in order.
func commandKeys(cmds []Command) []string {
	var out []string
	for _, c := range cmds {
		if c.Kind == KindNoop || slices.Contains(out, c.Key) {
			continue
		}
		out = append(out, c.Key)
	}
	return out
}

// Result is what executing one command did.
type Result struct {
	Applied  bool   `json:"applied"`
	Previous []byte `json:"previous"`
}

// LogEntry is the state of one instance at one replica.
type LogEntry struct {
	Commands []Command  `json:"commands"`
	Seq      uint64     `json:"seq"`
	Deps     []Instance `json:"deps"`
	Status   Status     `json:"status"`
	Ballot   Ballot     `json:"ballot"`
	// Results is set once the entry is executed.
	Results []Result `json:"results,omitempty"`
}

// Payload is the proposal carried by PreAccept, Accept and Commit.
type Payload struct {
	Instance Instance   `json:"instance"`
	Ballot   Ballot     `json:"ballot"`
	Commands []Command  `json:"commands"`
	Seq      uint64     `json:"seq"`
	Deps     []Instance `json:"deps"`
}

func (p Payload) entry(status Status) LogEntry {
	return LogEntry{
		Commands: p.Commands,
		Seq:      p.Seq,
		Deps:     p.Deps,
		Status:   status,
		Ballot:   p.Ballot,
	}
}

func payloadOf(inst Instance, e LogEntry) Payload {
	return Payload{Instance: inst, Ballot: e.Ballot, Commands: e.Commands, Seq: e.Seq, Deps: e.Deps}
}

// sortDeps sorts and deduplicates deps in place.
func sortDeps(deps []Instance) []Instance {
	slices.SortFunc(deps, Instance.Compare)
	return slices.Compact(deps)
}

func unionDeps(a, b []Instance) []Instance {
	out := make([]Instance, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	return sortDeps(out)
}

func sameDeps(a, b []Instance) bool {
	return slices.Equal(sortDeps(slices.Clone(a)), sortDeps(slices.Clone(b)))
}

func sameCommands(a, b []Command) bool {
	return slices.EqualFunc(a, b, func(x, y Command) bool {
		return x.Kind == y.Kind && x.Key == y.Key && bytes.Equal(x.Value, y.Value) &&
			slices.EqualFunc(x.ExpectOneOf, y.ExpectOneOf, func(p, q []byte) bool {
				return (p == nil) == (q == nil) && bytes.Equal(p, q)
			})
	})
}

// ReplicaStatus is the membership state of a replica.
type ReplicaStatus string

const (
	ReplicaJoining  ReplicaStatus = "joining"
	ReplicaLearning ReplicaStatus = "learning"
	ReplicaActive   ReplicaStatus = "active"
)

// ReplicaConfig is one member of the cluster.
type ReplicaConfig struct {
	ID     ReplicaID     `json:"replica_id"`
	URL    string        `json:"url"`
	Status ReplicaStatus `json:"status"`
}

// ClusterConfig is the membership every replica agrees on. The
// coordinator bumps Epoch on every change.
type ClusterConfig struct {
	Epoch         uint64          `json:"epoch"`
	CoordinatorID ReplicaID       `json:"coordinator_replica_id"`
	Replicas      []ReplicaConfig `json:"replicas"`
}

func (c ClusterConfig) Replica(id ReplicaID) (ReplicaConfig, bool) {
	for _, r := range c.Replicas {
		if r.ID == id {
			return r, true
		}
	}
	return ReplicaConfig{}, false
}

// Active lists the replicas that take part in quorums, ordered by id.
func (c ClusterConfig) Active() []ReplicaConfig {
	var out []ReplicaConfig
	for _, r := range c.Replicas {
		if r.Status == ReplicaActive {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b ReplicaConfig) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Receivers lists the replicas that receive commits: every active and
// learning replica.
func (c ClusterConfig) Receivers() []ReplicaConfig {
	var out []ReplicaConfig
	for _, r := range c.Replicas {
		if r.Status == ReplicaActive || r.Status == ReplicaLearning {
			out = append(out, r)
		}
	}
	return out
}

func (c ClusterConfig) Clone() ClusterConfig {
	c.Replicas = slices.Clone(c.Replicas)
	return c
}

// MinActiveReplicas is the smallest cluster that serves proposals.
const MinActiveReplicas = 3

// FastQuorum is floor(N/2) + floor((floor(N/2)+1)/2), the replicas
// (leader included) that must agree for a one round trip commit.
func FastQuorum(n int) int {
	q := n/2 + (n/2+1)/2
	return min(max(q, 1), n)
}

// SlowQuorum is a simple majority.
func SlowQuorum(n int) int { return n/2 + 1 }

// CommandResult is returned to the proposer once its command executed
// locally.
type CommandResult struct {
	Instance Instance   `json:"instance"`
	Path     string     `json:"path"`
	Seq      uint64     `json:"seq"`
	Deps     []Instance `json:"deps"`
	// Applied is false when a CheckAndSet found an unexpected value.
	Applied  bool   `json:"applied"`
	Previous []byte `json:"previous"`
}
