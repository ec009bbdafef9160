package kv

import "bytes"

// KeySelector addresses a key relative to another key: the last key less
// than Key (or less than or equal when OrEqual is set), moved Offset keys
// forward. The usual forms have constructors below.
type KeySelector struct {
	Key     []byte
	OrEqual bool
	Offset  int
}

// FirstGreaterOrEqual selects the first key >= key.
func FirstGreaterOrEqual(key []byte) KeySelector { return KeySelector{Key: key, Offset: 1} }

// FirstGreaterThan selects the first key > key.
func FirstGreaterThan(key []byte) KeySelector {
	return KeySelector{Key: key, OrEqual: true, Offset: 1}
}

// LastLessThan selects the last key < key.
func LastLessThan(key []byte) KeySelector { return KeySelector{Key: key} }

// LastLessOrEqual selects the last key <= key.
func LastLessOrEqual(key []byte) KeySelector { return KeySelector{Key: key, OrEqual: true} }

// Add moves the selector n keys forward (or backward for negative n).
func (s KeySelector) Add(n int) KeySelector {
	s.Offset += n
	return s
}

var (
	keyspaceBegin = []byte{}
	keyspaceEnd   = []byte{0xff}
)

// selectorConflict is the range that has to stay unchanged for sel to keep
// resolving to resolved.
func selectorConflict(sel KeySelector, resolved []byte) KeyRange {
	lo, hi := sel.Key, KeyAfter(sel.Key)
	if bytes.Compare(resolved, lo) < 0 {
		lo = resolved
	}
	if r := KeyAfter(resolved); bytes.Compare(r, hi) > 0 {
		hi = r
	}
	return KeyRange{Begin: clone(lo), End: hi}
}
