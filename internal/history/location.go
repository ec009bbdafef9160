// Package history models the event log a workflow is replayed from.
package history

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/petrijr/gasoline/pkg/tuple"
)

// Location names an event's position in the branch tree. Coordinates are
// 1-based: the first root event is {1}, the first event of a branch opened
// at {3} is {3, 1}.
type Location []uint64

// Child returns a copy of l extended by i.
func (l Location) Child(i uint64) Location {
	out := make(Location, len(l), len(l)+1)
	copy(out, l)
	return append(out, i)
}

// Parent returns l without its last coordinate.
func (l Location) Parent() Location {
	if len(l) == 0 {
		return nil
	}
	return slices.Clone(l[:len(l)-1])
}

// Last returns the innermost coordinate.
func (l Location) Last() uint64 {
	if len(l) == 0 {
		return 0
	}
	return l[len(l)-1]
}

func (l Location) Equal(o Location) bool { return slices.Equal(l, o) }

// HasPrefix reports whether l lies inside the branch p (or is p).
func (l Location) HasPrefix(p Location) bool {
	return len(l) >= len(p) && slices.Equal(l[:len(p)], p)
}

// Compare orders locations the way they are stored: pre-order, parents
// before children.
func (l Location) Compare(o Location) int {
	return slices.Compare(l, o)
}

// Tuple packs the location as a nested tuple element.
func (l Location) Tuple() tuple.Tuple {
	t := make(tuple.Tuple, len(l))
	for i, c := range l {
		t[i] = c
	}
	return t
}

// LocationFromTuple reverses Tuple.
func LocationFromTuple(t tuple.Tuple) (Location, error) {
	out := make(Location, len(t))
	for i, el := range t {
		c, err := tuple.Uint64(el)
		if err != nil {
			return nil, fmt.Errorf("location coordinate %d: %w", i, err)
		}
		out[i] = c
	}
	return out, nil
}

func (l Location) String() string {
	parts := make([]string, len(l))
	for i, c := range l {
		parts[i] = strconv.FormatUint(c, 10)
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// key is a map key for l.
func (l Location) key() string {
	return string(l.Tuple().Pack())
}
