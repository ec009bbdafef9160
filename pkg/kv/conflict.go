package kv

import (
	"sync"
	"time"
)

// ConflictTracker provides optimistic concurrency control for backends that
// cannot detect conflicts themselves (single process stores). It keeps the
// write ranges of recently committed transactions; a commit fails with
// not_committed when one of its read ranges overlaps a write committed after
// its read version, and with transaction_too_old when its read version is
// older than the retained window.
type ConflictTracker struct {
	mu        sync.Mutex
	version   uint64
	oldest    uint64
	retention time.Duration
	now       func() time.Time
	log       []committedWrites
}

type committedWrites struct {
	version uint64
	at      time.Time
	ranges  []KeyRange
}

// DefaultConflictRetention matches the five second transaction lifetime of
// FoundationDB.
const DefaultConflictRetention = 5 * time.Second

// NewConflictTracker creates a tracker starting at version 1. retention <= 0
// uses DefaultConflictRetention.
func NewConflictTracker(retention time.Duration) *ConflictTracker {
	return NewConflictTrackerAt(1, retention)
}

// NewConflictTrackerAt creates a tracker whose next read version is start,
// for backends that persist their commit version across restarts.
func NewConflictTrackerAt(start uint64, retention time.Duration) *ConflictTracker {
	if retention <= 0 {
		retention = DefaultConflictRetention
	}
	return &ConflictTracker{version: start, oldest: start, retention: retention, now: time.Now}
}

// ReadVersion returns the version new transactions read at.
func (t *ConflictTracker) ReadVersion() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.version
}

// Commit checks reads against writes committed after readVersion and, when
// there is no conflict, assigns the next version and calls apply while still
// holding the tracker lock, so that applies happen in version order. apply
// may return extra write ranges (versionstamped keys) to record.
func (t *ConflictTracker) Commit(readVersion uint64, reads, writes []KeyRange, apply func(version uint64) ([]KeyRange, error)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if readVersion < t.oldest {
		return ErrTransactionTooOld
	}
	for _, c := range t.log {
		if c.version <= readVersion {
			continue
		}
		for _, w := range c.ranges {
			for _, r := range reads {
				if w.Overlaps(r) {
					return ErrNotCommitted
				}
			}
		}
	}

	next := t.version + 1
	extra, err := apply(next)
	if err != nil {
		return err
	}
	t.version = next

	recorded := make([]KeyRange, 0, len(writes)+len(extra))
	recorded = append(recorded, writes...)
	recorded = append(recorded, extra...)
	now := t.now()
	if len(recorded) > 0 {
		t.log = append(t.log, committedWrites{version: next, at: now, ranges: recorded})
	}
	t.prune(now)
	return nil
}

func (t *ConflictTracker) prune(now time.Time) {
	cut := 0
	for cut < len(t.log) && now.Sub(t.log[cut].at) > t.retention {
		t.oldest = t.log[cut].version
		cut++
	}
	if cut > 0 {
		t.log = append(t.log[:0], t.log[cut:]...)
	}
}
