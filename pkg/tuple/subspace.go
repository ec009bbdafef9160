package tuple

import (
	"bytes"
	"fmt"
)

// Subspace is a key prefix formed by packing a tuple. Keys inside a
// subspace are the prefix followed by another packed tuple.
type Subspace struct {
	prefix []byte
}

// NewSubspace returns the subspace for the packed elements.
func NewSubspace(elems ...Element) Subspace {
	return Subspace{prefix: Tuple(elems).Pack()}
}

// SubspaceFromBytes wraps a raw prefix.
func SubspaceFromBytes(prefix []byte) Subspace {
	return Subspace{prefix: append([]byte(nil), prefix...)}
}

// Sub returns a nested subspace extended by elems.
func (s Subspace) Sub(elems ...Element) Subspace {
	return Subspace{prefix: s.Pack(elems...)}
}

// Bytes returns a copy of the prefix.
func (s Subspace) Bytes() []byte {
	return append([]byte(nil), s.prefix...)
}

// Pack returns the prefix followed by the packed elements.
func (s Subspace) Pack(elems ...Element) []byte {
	packed := Tuple(elems).Pack()
	out := make([]byte, 0, len(s.prefix)+len(packed))
	out = append(out, s.prefix...)
	return append(out, packed...)
}

// PackWithVersionstamp packs elems containing one incomplete versionstamp.
func (s Subspace) PackWithVersionstamp(elems ...Element) ([]byte, error) {
	return Tuple(elems).PackWithVersionstamp(s.prefix)
}

// Unpack strips the prefix and decodes the remainder.
func (s Subspace) Unpack(key []byte) (Tuple, error) {
	if !s.Contains(key) {
		return nil, fmt.Errorf("tuple: key %x is not in subspace %x", key, s.prefix)
	}
	return Unpack(key[len(s.prefix):])
}

// Contains reports whether key starts with the prefix.
func (s Subspace) Contains(key []byte) bool {
	return bytes.HasPrefix(key, s.prefix)
}

// Range returns the range covering every packed tuple in the subspace:
// prefix+0x00 inclusive to prefix+0xff exclusive. The prefix itself is not
// included.
func (s Subspace) Range() (begin, end []byte) {
	begin = append(append([]byte(nil), s.prefix...), 0x00)
	end = append(append([]byte(nil), s.prefix...), 0xff)
	return begin, end
}
