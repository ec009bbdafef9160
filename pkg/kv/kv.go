// Package kv is the transactional store driver: an ordered key-value
// database with FoundationDB transaction semantics (read-your-writes,
// key selectors, atomic mutations, versionstamps and conflict ranges)
// layered over pluggable backends.
//
// Backends only provide point reads, ordered scans and an atomic commit of
// a mutation log. Everything else, including the retry loop, lives here so
// that every backend behaves identically.
package kv

import (
	"bytes"
	"context"
)

const (
	// MaxKeySize is the largest key accepted by Set and friends.
	MaxKeySize = 10_000
	// MaxValueSize is the largest value accepted by Set and friends.
	MaxValueSize = 100_000
)

// KeyValue is a single row.
type KeyValue struct {
	Key   []byte
	Value []byte
}

// KeyRange is a half-open range [Begin, End).
type KeyRange struct {
	Begin []byte
	End   []byte
}

// Overlaps reports whether two half-open ranges intersect.
func (r KeyRange) Overlaps(o KeyRange) bool {
	return bytes.Compare(r.Begin, o.End) < 0 && bytes.Compare(o.Begin, r.End) < 0
}

// Contains reports whether key lies inside the range.
func (r KeyRange) Contains(key []byte) bool {
	return bytes.Compare(r.Begin, key) <= 0 && bytes.Compare(key, r.End) < 0
}

// SingleKeyRange returns the range containing exactly key.
func SingleKeyRange(key []byte) KeyRange {
	return KeyRange{Begin: clone(key), End: KeyAfter(key)}
}

// KeyAfter returns the smallest key strictly greater than key.
func KeyAfter(key []byte) []byte {
	out := make([]byte, len(key)+1)
	copy(out, key)
	return out
}

// Strinc returns the first key that does not have prefix as a prefix, used
// as the exclusive end of a prefix range.
func Strinc(prefix []byte) []byte {
	p := bytes.TrimRight(prefix, "\xff")
	if len(p) == 0 {
		return []byte{0xff}
	}
	out := clone(p)
	out[len(out)-1]++
	return out
}

// PrefixRange returns the range covering every key starting with prefix.
func PrefixRange(prefix []byte) KeyRange {
	return KeyRange{Begin: clone(prefix), End: Strinc(prefix)}
}

// Backend is the storage engine under a Database.
type Backend interface {
	Begin(ctx context.Context) (BackendTx, error)
	Close() error
}

// BackendTx is one backend transaction. Reads observe the latest committed
// state or a snapshot, depending on the backend; Commit is responsible for
// detecting conflicts between ReadConflicts and writes committed after
// ReadVersion.
type BackendTx interface {
	ReadVersion() uint64
	Get(ctx context.Context, key []byte) ([]byte, bool, error)
	// Scan returns up to limit rows in [begin, end), descending when reverse
	// is set. limit <= 0 means unlimited.
	Scan(ctx context.Context, begin, end []byte, limit int, reverse bool) ([]KeyValue, error)
	Commit(ctx context.Context, req *CommitRequest) error
	Rollback(ctx context.Context) error
}

// CommitRequest is the mutation log of a transaction and its conflict
// ranges.
type CommitRequest struct {
	Mutations      []Mutation
	ReadConflicts  []KeyRange
	WriteConflicts []KeyRange
	// Explicit lists the ranges added with AddConflictRange. They are also
	// part of ReadConflicts/WriteConflicts; backends that detect data
	// conflicts natively only need to materialise these.
	Explicit []ExplicitConflict
}

// ExplicitConflict is a conflict range added by AddConflictRange.
type ExplicitConflict struct {
	Range KeyRange
	Kind  ConflictKind
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}
