package keys

import (
	"github.com/petrijr/gasoline/pkg/tuple"
)

// EpoxyKeyspace is the replica-local layout of one epoxy replica:
//
//	(RIVET, EPOXY, replica, LOG, owner, slot, ENTRY)           log entry
//	(RIVET, EPOXY, replica, LOG, owner, slot, INSTANCE_BALLOT) ballot
//	(RIVET, EPOXY, replica, KEY_INSTANCE, key, owner, slot)    interference
//	(RIVET, EPOXY, replica, COMMITTED, owner, slot)            not yet executed
//	(RIVET, EPOXY, replica, STATE_MACHINE, key)                applied values
//	(RIVET, EPOXY, replica, CONFIG)                            cluster config
type EpoxyKeyspace struct {
	root tuple.Subspace
}

// NewEpoxy returns the layout for replica under a raw namespace prefix.
func NewEpoxy(namespace []byte, replica uint64) EpoxyKeyspace {
	return EpoxyKeyspace{root: tuple.SubspaceFromBytes(namespace).Sub(Rivet, Epoxy, replica)}
}

func (k EpoxyKeyspace) Root() tuple.Subspace { return k.root }

func (k EpoxyKeyspace) Log() tuple.Subspace { return k.root.Sub(Log) }

// LogOwner holds every instance led by owner.
func (k EpoxyKeyspace) LogOwner(owner uint64) tuple.Subspace {
	return k.root.Sub(Log, owner)
}

func (k EpoxyKeyspace) Entry(owner, slot uint64) []byte {
	return k.root.Pack(Log, owner, slot, Entry)
}

func (k EpoxyKeyspace) InstanceBallot(owner, slot uint64) []byte {
	return k.root.Pack(Log, owner, slot, InstanceBallot)
}

func (k EpoxyKeyspace) CurrentBallot() []byte { return k.root.Pack(CurrentBallot) }

func (k EpoxyKeyspace) Config() []byte { return k.root.Pack(Config) }

// LastSlot is a little-endian counter bumped with an atomic add.
func (k EpoxyKeyspace) LastSlot() []byte { return k.root.Pack(LastSlot) }

func (k EpoxyKeyspace) KeyInstances(key string) tuple.Subspace {
	return k.root.Sub(KeyInstance, key)
}

func (k EpoxyKeyspace) Committed() tuple.Subspace { return k.root.Sub(Committed) }

func (k EpoxyKeyspace) StateMachine(key string) []byte {
	return k.root.Pack(StateMachine, key)
}
