package history

import (
	"slices"
	"sync"
)

// Cursor walks one branch of the history tree. Each operation takes the
// location Current returns and then calls Advance; a nested branch gets its
// own Cursor rooted at the location of the operation that opened it.
type Cursor struct {
	root Location
	next uint64
}

// NewCursor starts at the first child of root. The root cursor of a run is
// NewCursor(nil), positioned at {1}.
func NewCursor(root Location) *Cursor {
	return &Cursor{root: slices.Clone(root), next: 1}
}

// Root is the branch the cursor walks.
func (c *Cursor) Root() Location { return c.root }

// Current is the location of the next operation.
func (c *Cursor) Current() Location { return c.root.Child(c.next) }

// Advance moves past the current location and returns it.
func (c *Cursor) Advance() Location {
	loc := c.Current()
	c.next++
	return loc
}

// Branch opens a nested branch at the current location and advances past
// it.
func (c *Cursor) Branch() *Cursor {
	return NewCursor(c.Advance())
}

// Replay indexes the active history of a run by location and tracks which
// events the run has visited. It is safe for concurrent use by the
// branches of a join.
type Replay struct {
	mu      sync.Mutex
	events  map[string]*Event
	visited map[string]bool
}

// NewReplay indexes events. Forgotten events are ignored.
func NewReplay(events []*Event) *Replay {
	r := &Replay{
		events:  make(map[string]*Event, len(events)),
		visited: make(map[string]bool, len(events)),
	}
	for _, e := range events {
		if e.Forgotten {
			continue
		}
		r.events[e.Location.key()] = e
	}
	return r
}

// Lookup returns the event at loc and marks it visited.
func (r *Replay) Lookup(loc Location) (*Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := loc.key()
	e, ok := r.events[k]
	if ok {
		r.visited[k] = true
	}
	return e, ok
}

// Record adds an event produced by forward execution, or replaces the one
// at the same location (loops rewrite their event each iteration).
func (r *Replay) Record(e *Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := e.Location.key()
	r.events[k] = e
	r.visited[k] = true
}

// Forget drops every event strictly inside the branch at prefix.
func (r *Replay) Forget(prefix Location) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, e := range r.events {
		if len(e.Location) > len(prefix) && e.Location.HasPrefix(prefix) {
			delete(r.events, k)
			delete(r.visited, k)
		}
	}
}

// Unvisited returns the events the run never reached, in location order.
// A run that finishes with unvisited events no longer matches its history.
func (r *Replay) Unvisited() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Event
	for k, e := range r.events {
		if !r.visited[k] {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b *Event) int { return a.Location.Compare(b.Location) })
	return out
}

// HasEventsUnder reports whether any event lies strictly inside prefix.
func (r *Replay) HasEventsUnder(prefix Location) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if len(e.Location) > len(prefix) && e.Location.HasPrefix(prefix) {
			return true
		}
	}
	return false
}
