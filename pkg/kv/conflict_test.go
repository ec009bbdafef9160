package kv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func noop(uint64) ([]KeyRange, error) { return nil, nil }

func TestConflictTrackerDetectsOverlap(t *testing.T) {
	tr := NewConflictTracker(0)
	rv := tr.ReadVersion()

	require.NoError(t, tr.Commit(rv, nil, []KeyRange{SingleKeyRange([]byte("k"))}, noop))

	err := tr.Commit(rv, []KeyRange{PrefixRange([]byte("k"))}, nil, noop)
	require.ErrorIs(t, err, ErrNotCommitted)

	// Reads taken after the write are fine.
	require.NoError(t, tr.Commit(tr.ReadVersion(), []KeyRange{PrefixRange([]byte("k"))}, nil, noop))
}

func TestConflictTrackerTransactionTooOld(t *testing.T) {
	now := time.Unix(0, 0)
	tr := NewConflictTracker(5 * time.Second)
	tr.now = func() time.Time { return now }

	old := tr.ReadVersion()
	require.NoError(t, tr.Commit(old, nil, []KeyRange{SingleKeyRange([]byte("a"))}, noop))

	now = now.Add(6 * time.Second)
	require.NoError(t, tr.Commit(tr.ReadVersion(), nil, []KeyRange{SingleKeyRange([]byte("b"))}, noop))

	err := tr.Commit(old, nil, nil, noop)
	require.ErrorIs(t, err, ErrTransactionTooOld)
	require.True(t, IsRetryable(err))
}

func TestConflictTrackerApplyFailureKeepsVersion(t *testing.T) {
	tr := NewConflictTracker(0)
	before := tr.ReadVersion()
	err := tr.Commit(before, nil, nil, func(uint64) ([]KeyRange, error) {
		return nil, ErrKeyTooLarge
	})
	require.ErrorIs(t, err, ErrKeyTooLarge)
	require.Equal(t, before, tr.ReadVersion())
}
