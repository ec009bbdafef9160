// Package kvtest is a conformance suite for kv.Backend implementations.
//
// Backend packages call Run from their own tests:
//
//	func TestConformance(t *testing.T) {
//		kvtest.Run(t, func(t *testing.T) *kv.Database {
//			return kv.New(newEmptyBackend(t), kv.Config{})
//		})
//	}
package kvtest

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/gasoline/pkg/kv"
	"github.com/petrijr/gasoline/pkg/tuple"
)

// Factory returns a database over an empty backend.
type Factory func(t *testing.T) *kv.Database

// Run executes every conformance test against databases built by newDB.
func Run(t *testing.T, newDB Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, db *kv.Database)
	}{
		{"SetGetClear", testSetGetClear},
		{"ReadYourWrites", testReadYourWrites},
		{"RangeOrderAndLimit", testRangeOrderAndLimit},
		{"RangeMergesLocalWrites", testRangeMergesLocalWrites},
		{"ClearRange", testClearRange},
		{"KeySelectors", testKeySelectors},
		{"AtomicAdd", testAtomicAdd},
		{"AtomicCompareAndClear", testAtomicCompareAndClear},
		{"AtomicMinMax", testAtomicMinMax},
		{"VersionstampedKeys", testVersionstampedKeys},
		{"VersionstampedValueUnreadable", testVersionstampedValueUnreadable},
		{"ReadModifyWriteConflict", testReadModifyWriteConflict},
		{"ExplicitConflictRanges", testExplicitConflictRanges},
		{"RunRetriesConflicts", testRunRetriesConflicts},
		{"UseAfterCommit", testUseAfterCommit},
		{"Limits", testLimits},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := newDB(t)
			tt.fn(t, db)
		})
	}
}

func key(parts ...tuple.Element) []byte {
	return tuple.Tuple(parts).Pack()
}

func set(t *testing.T, db *kv.Database, kvs ...string) {
	t.Helper()
	err := db.Run(context.Background(), func(tx *kv.Transaction) error {
		for i := 0; i+1 < len(kvs); i += 2 {
			if err := tx.Set([]byte(kvs[i]), []byte(kvs[i+1])); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func get(t *testing.T, db *kv.Database, k []byte) ([]byte, bool) {
	t.Helper()
	type res struct {
		v  []byte
		ok bool
	}
	r, err := kv.Transact(context.Background(), db, func(tx *kv.Transaction) (res, error) {
		v, ok, err := tx.Get(context.Background(), k)
		return res{v, ok}, err
	})
	require.NoError(t, err)
	return r.v, r.ok
}

func keys(rows []kv.KeyValue) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = string(r.Key)
	}
	return out
}

func testSetGetClear(t *testing.T, db *kv.Database) {
	set(t, db, "a", "1", "b", "")

	v, ok := get(t, db, []byte("a"))
	require.True(t, ok)
	require.Equal(t, "1", string(v))

	v, ok = get(t, db, []byte("b"))
	require.True(t, ok, "empty values exist")
	require.Empty(t, v)

	_, ok = get(t, db, []byte("missing"))
	require.False(t, ok)

	require.NoError(t, db.Run(context.Background(), func(tx *kv.Transaction) error {
		return tx.Clear([]byte("a"))
	}))
	_, ok = get(t, db, []byte("a"))
	require.False(t, ok)
}

func testReadYourWrites(t *testing.T, db *kv.Database) {
	ctx := context.Background()
	set(t, db, "k", "old")

	tx, err := db.CreateTransaction(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Set([]byte("k"), []byte("new")))

	v, ok, err := tx.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "new", string(v))

	require.NoError(t, tx.Clear([]byte("k")))
	_, ok, err = tx.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.False(t, ok)

	// Nothing is visible outside before commit.
	v, ok = get(t, db, []byte("k"))
	require.True(t, ok)
	require.Equal(t, "old", string(v))

	require.NoError(t, tx.Cancel(ctx))
}

func testRangeOrderAndLimit(t *testing.T, db *kv.Database) {
	ctx := context.Background()
	set(t, db, "r/c", "3", "r/a", "1", "r/b", "2", "r/d", "4", "s", "x")

	r := kv.PrefixRange([]byte("r/"))
	err := db.Run(ctx, func(tx *kv.Transaction) error {
		rows, err := tx.GetRangeAll(ctx, r, kv.RangeOptions{})
		require.NoError(t, err)
		require.Equal(t, []string{"r/a", "r/b", "r/c", "r/d"}, keys(rows))

		rows, err = tx.GetRangeAll(ctx, r, kv.RangeOptions{Limit: 2})
		require.NoError(t, err)
		require.Equal(t, []string{"r/a", "r/b"}, keys(rows))

		rows, err = tx.GetRangeAll(ctx, r, kv.RangeOptions{Reverse: true, Limit: 3})
		require.NoError(t, err)
		require.Equal(t, []string{"r/d", "r/c", "r/b"}, keys(rows))

		rows, err = tx.GetRangeAll(ctx, r, kv.RangeOptions{BatchSize: 1})
		require.NoError(t, err)
		require.Len(t, rows, 4)
		return nil
	})
	require.NoError(t, err)
}

func testRangeMergesLocalWrites(t *testing.T, db *kv.Database) {
	ctx := context.Background()
	set(t, db, "m/1", "a", "m/3", "c", "m/5", "e")

	err := db.Run(ctx, func(tx *kv.Transaction) error {
		require.NoError(t, tx.Set([]byte("m/2"), []byte("b")))
		require.NoError(t, tx.Clear([]byte("m/3")))
		require.NoError(t, tx.Set([]byte("m/5"), []byte("E")))

		rows, err := tx.GetRangeAll(ctx, kv.PrefixRange([]byte("m/")), kv.RangeOptions{})
		require.NoError(t, err)
		require.Equal(t, []string{"m/1", "m/2", "m/5"}, keys(rows))
		require.Equal(t, "E", string(rows[2].Value))

		rows, err = tx.GetRangeAll(ctx, kv.PrefixRange([]byte("m/")), kv.RangeOptions{Reverse: true})
		require.NoError(t, err)
		require.Equal(t, []string{"m/5", "m/2", "m/1"}, keys(rows))
		return nil
	})
	require.NoError(t, err)
}

func testClearRange(t *testing.T, db *kv.Database) {
	ctx := context.Background()
	set(t, db, "c/1", "x", "c/2", "x", "c/3", "x", "d", "x")

	err := db.Run(ctx, func(tx *kv.Transaction) error {
		if err := tx.ClearRange([]byte("c/"), []byte("c/3")); err != nil {
			return err
		}
		_, ok, err := tx.Get(ctx, []byte("c/2"))
		require.NoError(t, err)
		require.False(t, ok)

		// A write after the clear is visible again.
		require.NoError(t, tx.Set([]byte("c/1"), []byte("y")))
		rows, err := tx.GetRangeAll(ctx, kv.PrefixRange([]byte("c/")), kv.RangeOptions{})
		require.NoError(t, err)
		require.Equal(t, []string{"c/1", "c/3"}, keys(rows))
		return nil
	})
	require.NoError(t, err)

	_, ok := get(t, db, []byte("c/2"))
	require.False(t, ok)
	v, ok := get(t, db, []byte("c/1"))
	require.True(t, ok)
	require.Equal(t, "y", string(v))
	_, ok = get(t, db, []byte("d"))
	require.True(t, ok)
}

func testKeySelectors(t *testing.T, db *kv.Database) {
	ctx := context.Background()
	set(t, db, "b", "", "d", "", "f", "")

	cases := []struct {
		sel  kv.KeySelector
		want string
	}{
		{kv.FirstGreaterOrEqual([]byte("d")), "d"},
		{kv.FirstGreaterOrEqual([]byte("c")), "d"},
		{kv.FirstGreaterThan([]byte("d")), "f"},
		{kv.LastLessThan([]byte("d")), "b"},
		{kv.LastLessOrEqual([]byte("d")), "d"},
		{kv.FirstGreaterOrEqual([]byte("b")).Add(1), "d"},
		{kv.FirstGreaterThan([]byte("f")), "\xff"},
		{kv.LastLessThan([]byte("b")), ""},
	}
	err := db.Run(ctx, func(tx *kv.Transaction) error {
		for _, c := range cases {
			got, err := tx.GetKey(ctx, c.sel)
			require.NoError(t, err)
			require.Equal(t, c.want, string(got), "selector %+v", c.sel)
		}

		it := tx.GetRange(ctx, kv.FirstGreaterThan([]byte("b")), kv.FirstGreaterOrEqual([]byte("z")), kv.RangeOptions{})
		var rows []kv.KeyValue
		for it.Next() {
			rows = append(rows, it.KeyValue())
		}
		require.NoError(t, it.Err())
		require.Equal(t, []string{"d", "f"}, keys(rows))
		return nil
	})
	require.NoError(t, err)
}

func le64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func testAtomicAdd(t *testing.T, db *kv.Database) {
	ctx := context.Background()
	k := key("counter")
	for i := 0; i < 3; i++ {
		require.NoError(t, db.Run(ctx, func(tx *kv.Transaction) error {
			return tx.Atomic(k, le64(5), kv.MutationAdd)
		}))
	}
	v, ok := get(t, db, k)
	require.True(t, ok)
	require.Equal(t, uint64(15), binary.LittleEndian.Uint64(v))

	// Reading inside the same transaction applies pending ops to the
	// stored value.
	require.NoError(t, db.Run(ctx, func(tx *kv.Transaction) error {
		require.NoError(t, tx.Atomic(k, le64(1), kv.MutationAdd))
		v, ok, err := tx.Get(ctx, k)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, uint64(16), binary.LittleEndian.Uint64(v))
		return nil
	}))
}

func testAtomicCompareAndClear(t *testing.T, db *kv.Database) {
	ctx := context.Background()
	set(t, db, "cac", "same")

	require.NoError(t, db.Run(ctx, func(tx *kv.Transaction) error {
		return tx.Atomic([]byte("cac"), []byte("other"), kv.MutationCompareAndClear)
	}))
	_, ok := get(t, db, []byte("cac"))
	require.True(t, ok)

	require.NoError(t, db.Run(ctx, func(tx *kv.Transaction) error {
		return tx.Atomic([]byte("cac"), []byte("same"), kv.MutationCompareAndClear)
	}))
	_, ok = get(t, db, []byte("cac"))
	require.False(t, ok)
}

func testAtomicMinMax(t *testing.T, db *kv.Database) {
	ctx := context.Background()
	require.NoError(t, db.Run(ctx, func(tx *kv.Transaction) error {
		if err := tx.Atomic([]byte("max"), le64(7), kv.MutationMax); err != nil {
			return err
		}
		if err := tx.Atomic([]byte("min"), le64(7), kv.MutationMin); err != nil {
			return err
		}
		return tx.Atomic([]byte("bmin"), []byte("m"), kv.MutationByteMin)
	}))
	require.NoError(t, db.Run(ctx, func(tx *kv.Transaction) error {
		if err := tx.Atomic([]byte("max"), le64(300), kv.MutationMax); err != nil {
			return err
		}
		if err := tx.Atomic([]byte("min"), le64(300), kv.MutationMin); err != nil {
			return err
		}
		return tx.Atomic([]byte("bmin"), []byte("a"), kv.MutationByteMin)
	}))

	v, _ := get(t, db, []byte("max"))
	require.Equal(t, uint64(300), binary.LittleEndian.Uint64(v))
	v, _ = get(t, db, []byte("min"))
	require.Equal(t, uint64(7), binary.LittleEndian.Uint64(v))
	v, _ = get(t, db, []byte("bmin"))
	require.Equal(t, "a", string(v))
}

func testVersionstampedKeys(t *testing.T, db *kv.Database) {
	ctx := context.Background()
	prefix := tuple.NewSubspace("vs")
	for i := 0; i < 3; i++ {
		k, err := prefix.PackWithVersionstamp(tuple.IncompleteVersionstamp(0))
		require.NoError(t, err)
		require.NoError(t, db.Run(ctx, func(tx *kv.Transaction) error {
			return tx.SetVersionstampedKey(k, []byte(fmt.Sprint(i)))
		}))
	}

	rows, err := kv.Transact(ctx, db, func(tx *kv.Transaction) ([]kv.KeyValue, error) {
		begin, end := prefix.Range()
		return tx.GetRangeAll(ctx, kv.KeyRange{Begin: begin, End: end}, kv.RangeOptions{})
	})
	require.NoError(t, err)
	require.Len(t, rows, 3)

	var prev tuple.Versionstamp
	for i, r := range rows {
		require.Equal(t, fmt.Sprint(i), string(r.Value), "commit order is key order")
		tup, err := prefix.Unpack(r.Key)
		require.NoError(t, err)
		vs, ok := tup[0].(tuple.Versionstamp)
		require.True(t, ok)
		require.True(t, vs.IsComplete())
		if i > 0 {
			require.Positive(t, vs.Compare(prev))
		}
		prev = vs
	}
}

func testVersionstampedValueUnreadable(t *testing.T, db *kv.Database) {
	ctx := context.Background()
	placeholder := append(make([]byte, 10), 0, 0, 0, 0)

	err := db.Run(ctx, func(tx *kv.Transaction) error {
		require.NoError(t, tx.SetVersionstampedValue([]byte("vv"), placeholder))
		_, _, err := tx.Get(ctx, []byte("vv"))
		require.ErrorIs(t, err, kv.ErrAccessedUnreadable)
		return nil
	})
	require.NoError(t, err)

	v, ok := get(t, db, []byte("vv"))
	require.True(t, ok)
	require.Len(t, v, 10)
	require.NotEqual(t, make([]byte, 10), v)
}

func testReadModifyWriteConflict(t *testing.T, db *kv.Database) {
	ctx := context.Background()
	set(t, db, "rmw", "0")

	tx1, err := db.CreateTransaction(ctx)
	require.NoError(t, err)
	_, _, err = tx1.Get(ctx, []byte("rmw"))
	require.NoError(t, err)

	set(t, db, "rmw", "2")

	require.NoError(t, tx1.Set([]byte("rmw"), []byte("1")))
	err = tx1.Commit(ctx)
	require.ErrorIs(t, err, kv.ErrNotCommitted)

	v, _ := get(t, db, []byte("rmw"))
	require.Equal(t, "2", string(v))
}

func testExplicitConflictRanges(t *testing.T, db *kv.Database) {
	ctx := context.Background()
	a := kv.PrefixRange([]byte("range/a/"))
	b := kv.PrefixRange([]byte("range/b/"))

	tx1, err := db.CreateTransaction(ctx)
	require.NoError(t, err)
	tx2, err := db.CreateTransaction(ctx)
	require.NoError(t, err)
	for _, tx := range []*kv.Transaction{tx1, tx2} {
		_, _, err := tx.Snapshot().Get(ctx, []byte("range/start"))
		require.NoError(t, err)
	}

	// Classic write skew: each reads what the other writes.
	require.NoError(t, tx1.AddConflictRange(a.Begin, a.End, kv.ConflictRead))
	require.NoError(t, tx1.AddConflictRange(b.Begin, b.End, kv.ConflictWrite))
	require.NoError(t, tx2.AddConflictRange(b.Begin, b.End, kv.ConflictRead))
	require.NoError(t, tx2.AddConflictRange(a.Begin, a.End, kv.ConflictWrite))

	require.NoError(t, tx1.Commit(ctx))
	err = tx2.Commit(ctx)
	require.ErrorIs(t, err, kv.ErrNotCommitted)
}

func testRunRetriesConflicts(t *testing.T, db *kv.Database) {
	ctx := context.Background()
	set(t, db, "retry", "0")

	attempts := 0
	err := db.Run(ctx, func(tx *kv.Transaction) error {
		attempts++
		if _, _, err := tx.Get(ctx, []byte("retry")); err != nil {
			return err
		}
		if attempts == 1 {
			set(t, db, "retry", "interloper")
		}
		return tx.Set([]byte("retry"), []byte(fmt.Sprint(attempts)))
	})
	require.NoError(t, err)
	require.Equal(t, 2, attempts)

	v, _ := get(t, db, []byte("retry"))
	require.Equal(t, "2", string(v))

	sentinel := errors.New("boom")
	err = db.Run(ctx, func(tx *kv.Transaction) error { return sentinel })
	require.ErrorIs(t, err, sentinel)
}

func testUseAfterCommit(t *testing.T, db *kv.Database) {
	ctx := context.Background()
	tx, err := db.CreateTransaction(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Set([]byte("once"), []byte("1")))
	require.NoError(t, tx.Commit(ctx))

	require.ErrorIs(t, tx.Set([]byte("once"), []byte("2")), kv.ErrTransactionCancelled)
	_, _, err = tx.Get(ctx, []byte("once"))
	require.ErrorIs(t, err, kv.ErrTransactionCancelled)
}

func testLimits(t *testing.T, db *kv.Database) {
	ctx := context.Background()
	tx, err := db.CreateTransaction(ctx)
	require.NoError(t, err)
	defer tx.Cancel(ctx) //nolint:errcheck

	require.ErrorIs(t, tx.Set(make([]byte, kv.MaxKeySize+1), nil), kv.ErrKeyTooLarge)
	require.ErrorIs(t, tx.Set([]byte("v"), make([]byte, kv.MaxValueSize+1)), kv.ErrValueTooLarge)
	require.ErrorIs(t, tx.Atomic([]byte("v"), nil, kv.MutationSet), kv.ErrInvalidMutationType)
}
