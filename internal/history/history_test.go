package history

import (
	"bytes"
	"errors"
	"slices"
	"testing"

	"github.com/petrijr/gasoline/pkg/tuple"
)

func TestLocation_PackedOrderIsPreOrder(t *testing.T) {
	locs := []Location{
		{1},
		{1, 1},
		{1, 2},
		{1, 10},
		{2},
		{2, 1, 1},
		{10},
	}
	for i := 1; i < len(locs); i++ {
		a := locs[i-1].Tuple().Pack()
		b := locs[i].Tuple().Pack()
		if bytes.Compare(a, b) >= 0 {
			t.Fatalf("%s should sort before %s", locs[i-1], locs[i])
		}
		if locs[i-1].Compare(locs[i]) >= 0 {
			t.Fatalf("Compare disagrees for %s and %s", locs[i-1], locs[i])
		}
	}
}

func TestLocation_TupleRoundTrip(t *testing.T) {
	loc := Location{3, 1, 42}
	packed := tuple.Tuple{loc.Tuple()}.Pack()
	back, err := tuple.Unpack(packed)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	nested, err := tuple.Nested(back[0])
	if err != nil {
		t.Fatalf("Nested: %v", err)
	}
	got, err := LocationFromTuple(nested)
	if err != nil {
		t.Fatalf("LocationFromTuple: %v", err)
	}
	if !got.Equal(loc) {
		t.Fatalf("got %s, want %s", got, loc)
	}
}

func TestCursor_BranchesNest(t *testing.T) {
	c := NewCursor(nil)
	if got := c.Advance(); !got.Equal(Location{1}) {
		t.Fatalf("first location = %s", got)
	}
	inner := c.Branch()
	if got := inner.Advance(); !got.Equal(Location{2, 1}) {
		t.Fatalf("first branch location = %s", got)
	}
	if got := inner.Advance(); !got.Equal(Location{2, 2}) {
		t.Fatalf("second branch location = %s", got)
	}
	if got := c.Current(); !got.Equal(Location{3}) {
		t.Fatalf("root cursor after branch = %s", got)
	}
}

func TestReplay_TracksVisitedAndForgotten(t *testing.T) {
	events := []*Event{
		{Location: Location{1}, Type: EventActivity, Activity: &ActivityEvent{Name: "a"}},
		{Location: Location{2}, Type: EventLoop, Loop: &LoopEvent{Iteration: 1}},
		{Location: Location{2, 1, 1}, Type: EventActivity, Activity: &ActivityEvent{Name: "b"}},
		{Location: Location{3}, Type: EventActivity, Activity: &ActivityEvent{Name: "old"}, Forgotten: true},
	}
	r := NewReplay(events)

	if _, ok := r.Lookup(Location{3}); ok {
		t.Fatalf("forgotten events must not replay")
	}
	if _, ok := r.Lookup(Location{1}); !ok {
		t.Fatalf("expected event at {1}")
	}

	unvisited := r.Unvisited()
	if len(unvisited) != 2 || !unvisited[0].Location.Equal(Location{2}) {
		t.Fatalf("unexpected unvisited: %v", unvisited)
	}

	r.Forget(Location{2})
	if r.HasEventsUnder(Location{2}) {
		t.Fatalf("iteration events should be forgotten")
	}
	if _, ok := r.Lookup(Location{2}); !ok {
		t.Fatalf("loop event itself must survive Forget")
	}
	if got := r.Unvisited(); len(got) != 0 {
		t.Fatalf("unexpected unvisited after forget: %v", got)
	}
}

func TestEvent_CheckReportsDivergence(t *testing.T) {
	e := &Event{Location: Location{4}, Type: EventActivity, Version: 1, Activity: &ActivityEvent{Name: "charge"}}
	if err := e.Check(EventActivity, "charge", 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := e.Check(EventActivity, "refund", 1)
	var div *DivergedError
	if !errors.As(err, &div) {
		t.Fatalf("expected DivergedError, got %v", err)
	}
	if !div.Location.Equal(Location{4}) {
		t.Fatalf("divergence location = %s", div.Location)
	}

	if err := e.Check(EventActivity, "charge", 2); err == nil {
		t.Fatalf("version change must diverge")
	}
	if err := e.Check(EventSleep, "", 1); err == nil {
		t.Fatalf("type change must diverge")
	}
}

func TestLocation_ChildDoesNotAlias(t *testing.T) {
	base := make(Location, 1, 4)
	base[0] = 1
	a := base.Child(1)
	b := base.Child(2)
	if !slices.Equal(a, Location{1, 1}) || !slices.Equal(b, Location{1, 2}) {
		t.Fatalf("children alias: %s %s", a, b)
	}
}
