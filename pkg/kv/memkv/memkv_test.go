package memkv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/gasoline/pkg/kv"
	"github.com/petrijr/gasoline/pkg/kv/kvtest"
)

func TestConformance(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) *kv.Database {
		return NewDatabase(kv.Config{})
	})
}

func TestRunRetriesNotCommitted(t *testing.T) {
	store := New()
	db := kv.New(store, kv.Config{})
	store.InjectCommitError(kv.NewError(kv.CodeNotCommitted, nil), false)

	attempts := 0
	err := db.Run(context.Background(), func(tx *kv.Transaction) error {
		attempts++
		return tx.Set([]byte("k"), []byte("v"))
	})
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
	require.Equal(t, 1, store.Len())
}

func TestRunReportsMaybeCommitted(t *testing.T) {
	store := New()
	db := kv.New(store, kv.Config{})
	store.InjectCommitError(kv.NewError(kv.CodeCommitUnknownResult, nil), true)

	var seen []bool
	err := db.Run(context.Background(), func(tx *kv.Transaction) error {
		seen = append(seen, tx.MaybeCommitted())
		if tx.MaybeCommitted() {
			v, ok, err := tx.Get(context.Background(), []byte("once"))
			require.NoError(t, err)
			require.True(t, ok, "first attempt landed")
			require.Equal(t, "1", string(v))
			return nil
		}
		return tx.Set([]byte("once"), []byte("1"))
	})
	require.NoError(t, err)
	require.Equal(t, []bool{false, true}, seen)
}

func TestRunGivesUpAfterMaxRetries(t *testing.T) {
	store := New()
	db := kv.New(store, kv.Config{MaxRetries: 3})
	for i := 0; i < 3; i++ {
		store.InjectCommitError(kv.NewError(kv.CodeNotCommitted, nil), false)
	}

	attempts := 0
	err := db.Run(context.Background(), func(tx *kv.Transaction) error {
		attempts++
		return tx.Set([]byte("k"), []byte("v"))
	})
	require.ErrorIs(t, err, kv.ErrNotCommitted)
	require.Equal(t, 3, attempts)
	require.Zero(t, store.Len())
}

func TestRunDoesNotRetryFatalErrors(t *testing.T) {
	store := New()
	db := kv.New(store, kv.Config{})
	store.InjectCommitError(kv.NewError(kv.CodeBackendFailure, nil), false)

	attempts := 0
	err := db.Run(context.Background(), func(tx *kv.Transaction) error {
		attempts++
		return tx.Set([]byte("k"), []byte("v"))
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestReadsAreSnapshots(t *testing.T) {
	ctx := context.Background()
	db := NewDatabase(kv.Config{})
	require.NoError(t, db.Run(ctx, func(tx *kv.Transaction) error {
		return tx.Set([]byte("a"), []byte("1"))
	}))

	reader, err := db.CreateTransaction(ctx)
	require.NoError(t, err)

	require.NoError(t, db.Run(ctx, func(tx *kv.Transaction) error {
		if err := tx.Set([]byte("a"), []byte("2")); err != nil {
			return err
		}
		return tx.Set([]byte("b"), []byte("2"))
	}))

	v, _, err := reader.Get(ctx, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, "1", string(v))
	_, ok, err := reader.Get(ctx, []byte("b"))
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, reader.Commit(ctx), "read-only transactions always commit")
}

func TestClosedStore(t *testing.T) {
	store := New()
	require.NoError(t, store.Close())
	_, err := store.Begin(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}
