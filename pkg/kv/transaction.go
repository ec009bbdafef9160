package kv

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/google/btree"
)

type entryKind uint8

const (
	entrySet entryKind = iota
	entryClear
	entryAtomic
	entryUnreadable
)

// overlayEntry is the transaction-local state of one key.
type overlayEntry struct {
	key   []byte
	kind  entryKind
	value []byte
	ops   []Mutation
}

func overlayLess(a, b *overlayEntry) bool { return bytes.Compare(a.key, b.key) < 0 }

type txState uint8

const (
	txOpen txState = iota
	txCommitting
	txDone
)

// ConflictKind selects the side of an explicit conflict range.
type ConflictKind uint8

const (
	ConflictRead ConflictKind = iota
	ConflictWrite
)

// scanPageSize bounds a single backend scan while merging with local
// writes.
const scanPageSize = 256

// Transaction is a read-your-writes transaction. Reads observe the
// transaction's own uncommitted writes; non-snapshot reads register read
// conflict ranges checked at commit. A Transaction is safe for concurrent
// use but must not be used after Commit or Cancel.
type Transaction struct {
	mu sync.Mutex

	db       *Database
	btx      BackendTx
	overlay  *btree.BTreeG[*overlayEntry]
	cleared  []KeyRange
	log      []Mutation
	reads    []KeyRange
	writes   []KeyRange
	explicit []ExplicitConflict

	maybeCommitted bool
	state          txState
}

func newTransaction(db *Database, btx BackendTx, maybeCommitted bool) *Transaction {
	return &Transaction{
		db:             db,
		btx:            btx,
		overlay:        btree.NewG[*overlayEntry](16, overlayLess),
		maybeCommitted: maybeCommitted,
	}
}

// MaybeCommitted reports whether a previous attempt of the same Run call
// failed with commit_unknown_result and may have been applied.
func (t *Transaction) MaybeCommitted() bool {
	return t.maybeCommitted
}

// ReadVersion is the backend version the transaction reads at.
func (t *Transaction) ReadVersion() uint64 {
	return t.btx.ReadVersion()
}

func (t *Transaction) checkOpen() error {
	switch t.state {
	case txCommitting:
		return ErrUsedDuringCommit
	case txDone:
		return ErrTransactionCancelled
	}
	return nil
}

func (t *Transaction) inCleared(key []byte) bool {
	for _, r := range t.cleared {
		if r.Contains(key) {
			return true
		}
	}
	return false
}

// Get returns the value of key. found is false when the key does not exist.
func (t *Transaction) Get(ctx context.Context, key []byte) (value []byte, found bool, err error) {
	return t.get(ctx, key, false)
}

func (t *Transaction) get(ctx context.Context, key []byte, snapshot bool) ([]byte, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpen(); err != nil {
		return nil, false, err
	}

	if e, ok := t.overlay.Get(&overlayEntry{key: key}); ok {
		switch e.kind {
		case entrySet:
			return clone(e.value), true, nil
		case entryClear:
			return nil, false, nil
		case entryUnreadable:
			return nil, false, ErrAccessedUnreadable
		}
	} else if t.inCleared(key) {
		return nil, false, nil
	}

	base, ok, err := t.btx.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !snapshot {
		t.reads = append(t.reads, SingleKeyRange(key))
	}
	if e, hit := t.overlay.Get(&overlayEntry{key: key}); hit && e.kind == entryAtomic {
		return applyOps(e.ops, base, ok)
	}
	return base, ok, nil
}

func applyOps(ops []Mutation, base []byte, present bool) ([]byte, bool, error) {
	cur, ok := base, present
	for _, op := range ops {
		next, keep, err := ApplyAtomic(op.Type, cur, ok, op.Param)
		if err != nil {
			return nil, false, err
		}
		cur, ok = next, keep
	}
	if !ok {
		return nil, false, nil
	}
	return cur, true, nil
}

func validateKey(key []byte) error {
	if len(key) > MaxKeySize {
		return NewError(CodeKeyTooLarge, fmt.Errorf("key of %d bytes", len(key)))
	}
	return nil
}

func validateValue(value []byte) error {
	if len(value) > MaxValueSize {
		return NewError(CodeValueTooLarge, fmt.Errorf("value of %d bytes", len(value)))
	}
	return nil
}

// Set writes value at key.
func (t *Transaction) Set(key, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := validateValue(value); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpen(); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	t.overlay.ReplaceOrInsert(&overlayEntry{key: clone(key), kind: entrySet, value: clone(value)})
	t.log = append(t.log, Mutation{Type: MutationSet, Key: clone(key), Param: clone(value)})
	t.writes = append(t.writes, SingleKeyRange(key))
	return nil
}

// Clear removes key.
func (t *Transaction) Clear(key []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpen(); err != nil {
		return err
	}
	t.overlay.ReplaceOrInsert(&overlayEntry{key: clone(key), kind: entryClear})
	t.log = append(t.log, Mutation{Type: MutationClear, Key: clone(key)})
	t.writes = append(t.writes, SingleKeyRange(key))
	return nil
}

// ClearRange removes every key in [begin, end).
func (t *Transaction) ClearRange(begin, end []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpen(); err != nil {
		return err
	}
	if bytes.Compare(begin, end) >= 0 {
		return nil
	}

	var doomed []*overlayEntry
	t.overlay.AscendRange(&overlayEntry{key: begin}, &overlayEntry{key: end}, func(e *overlayEntry) bool {
		doomed = append(doomed, e)
		return true
	})
	for _, e := range doomed {
		t.overlay.Delete(e)
	}
	r := KeyRange{Begin: clone(begin), End: clone(end)}
	t.cleared = append(t.cleared, r)
	t.log = append(t.log, Mutation{Type: MutationClearRange, Key: r.Begin, End: r.End})
	t.writes = append(t.writes, r)
	return nil
}

// Atomic applies an atomic mutation at commit time without adding a read
// conflict.
func (t *Transaction) Atomic(key, param []byte, op MutationType) error {
	if !op.IsAtomic() {
		return ErrInvalidMutationType
	}
	if err := validateKey(key); err != nil {
		return err
	}
	if err := validateValue(param); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpen(); err != nil {
		return err
	}

	m := Mutation{Type: op, Key: clone(key), Param: clone(param)}
	e, ok := t.overlay.Get(&overlayEntry{key: key})
	switch {
	case ok && (e.kind == entrySet || e.kind == entryClear):
		next, keep, err := ApplyAtomic(op, e.value, e.kind == entrySet, param)
		if err != nil {
			return err
		}
		if keep {
			t.overlay.ReplaceOrInsert(&overlayEntry{key: m.Key, kind: entrySet, value: next})
		} else {
			t.overlay.ReplaceOrInsert(&overlayEntry{key: m.Key, kind: entryClear})
		}
	case ok:
		e.ops = append(e.ops, m)
	case t.inCleared(key):
		next, keep, err := ApplyAtomic(op, nil, false, param)
		if err != nil {
			return err
		}
		if keep {
			t.overlay.ReplaceOrInsert(&overlayEntry{key: m.Key, kind: entrySet, value: next})
		}
	default:
		t.overlay.ReplaceOrInsert(&overlayEntry{key: m.Key, kind: entryAtomic, ops: []Mutation{m}})
	}
	t.log = append(t.log, m)
	t.writes = append(t.writes, SingleKeyRange(key))
	return nil
}

// SetVersionstampedKey writes value at a key whose 10 byte placeholder, at
// the offset given by the trailing 4 bytes of key, is replaced with the
// commit versionstamp. The key is not visible to reads of this transaction.
func (t *Transaction) SetVersionstampedKey(key, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := validateValue(value); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpen(); err != nil {
		return err
	}
	t.log = append(t.log, Mutation{Type: MutationSetVersionstampedKey, Key: clone(key), Param: clone(value)})
	return nil
}

// SetVersionstampedValue writes a value whose placeholder is replaced with
// the commit versionstamp. Reading the key in this transaction fails with
// accessed_unreadable.
func (t *Transaction) SetVersionstampedValue(key, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := validateValue(value); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpen(); err != nil {
		return err
	}
	t.overlay.ReplaceOrInsert(&overlayEntry{key: clone(key), kind: entryUnreadable})
	t.log = append(t.log, Mutation{Type: MutationSetVersionstampedValue, Key: clone(key), Param: clone(value)})
	t.writes = append(t.writes, SingleKeyRange(key))
	return nil
}

// AddConflictRange registers an explicit read or write conflict range.
func (t *Transaction) AddConflictRange(begin, end []byte, kind ConflictKind) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpen(); err != nil {
		return err
	}
	if bytes.Compare(begin, end) >= 0 {
		return nil
	}
	r := KeyRange{Begin: clone(begin), End: clone(end)}
	t.explicit = append(t.explicit, ExplicitConflict{Range: r, Kind: kind})
	if kind == ConflictWrite {
		t.writes = append(t.writes, r)
	} else {
		t.reads = append(t.reads, r)
	}
	return nil
}

// GetKey resolves a key selector.
func (t *Transaction) GetKey(ctx context.Context, sel KeySelector) ([]byte, error) {
	return t.getKey(ctx, sel, false)
}

func (t *Transaction) getKey(ctx context.Context, sel KeySelector, snapshot bool) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	key, err := t.resolveSelector(ctx, sel)
	if err != nil {
		return nil, err
	}
	if !snapshot {
		t.reads = append(t.reads, selectorConflict(sel, key))
	}
	return key, nil
}

func (t *Transaction) resolveSelector(ctx context.Context, sel KeySelector) ([]byte, error) {
	if sel.Offset >= 1 {
		start := sel.Key
		if sel.OrEqual {
			start = KeyAfter(sel.Key)
		}
		rows, err := t.scanMerged(ctx, start, keyspaceEnd, sel.Offset, false)
		if err != nil {
			return nil, err
		}
		if len(rows) == sel.Offset {
			return rows[len(rows)-1].Key, nil
		}
		return clone(keyspaceEnd), nil
	}

	end := sel.Key
	if sel.OrEqual {
		end = KeyAfter(sel.Key)
	}
	n := 1 - sel.Offset
	rows, err := t.scanMerged(ctx, keyspaceBegin, end, n, true)
	if err != nil {
		return nil, err
	}
	if len(rows) == n {
		return rows[n-1].Key, nil
	}
	return clone(keyspaceBegin), nil
}

// scanMerged reads [begin, end) from the backend and merges the local
// write overlay. The caller holds t.mu.
func (t *Transaction) scanMerged(ctx context.Context, begin, end []byte, limit int, reverse bool) ([]KeyValue, error) {
	if bytes.Compare(begin, end) >= 0 {
		return nil, nil
	}
	page := scanPageSize
	if limit > 0 && limit < page {
		page = limit
	}

	var out []KeyValue
	lo, hi := begin, end
	for {
		rows, err := t.btx.Scan(ctx, lo, hi, page, reverse)
		if err != nil {
			return nil, err
		}
		exhausted := len(rows) < page

		segLo, segHi := lo, hi
		if !exhausted {
			last := rows[len(rows)-1].Key
			if reverse {
				segLo = last
			} else {
				segHi = KeyAfter(last)
			}
		}

		merged, err := t.mergeSegment(rows, segLo, segHi, reverse)
		if err != nil {
			return nil, err
		}
		for _, kv := range merged {
			out = append(out, kv)
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
		if exhausted {
			return out, nil
		}
		if reverse {
			hi = segLo
		} else {
			lo = segHi
		}
	}
}

// mergeSegment merges backend rows covering exactly [lo, hi) with overlay
// entries in the same range.
func (t *Transaction) mergeSegment(rows []KeyValue, lo, hi []byte, reverse bool) ([]KeyValue, error) {
	var entries []*overlayEntry
	t.overlay.AscendRange(&overlayEntry{key: lo}, &overlayEntry{key: hi}, func(e *overlayEntry) bool {
		entries = append(entries, e)
		return true
	})
	if reverse {
		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
	}

	cmp := func(a, b []byte) int {
		c := bytes.Compare(a, b)
		if reverse {
			return -c
		}
		return c
	}

	out := make([]KeyValue, 0, len(rows)+len(entries))
	i, j := 0, 0
	for i < len(rows) || j < len(entries) {
		switch {
		case j >= len(entries) || (i < len(rows) && cmp(rows[i].Key, entries[j].key) < 0):
			if !t.inCleared(rows[i].Key) {
				out = append(out, rows[i])
			}
			i++
		case i >= len(rows) || cmp(rows[i].Key, entries[j].key) > 0:
			kv, ok, err := resolveEntry(entries[j], nil, false)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, kv)
			}
			j++
		default:
			kv, ok, err := resolveEntry(entries[j], rows[i].Value, true)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, kv)
			}
			i++
			j++
		}
	}
	return out, nil
}

func resolveEntry(e *overlayEntry, base []byte, present bool) (KeyValue, bool, error) {
	switch e.kind {
	case entrySet:
		return KeyValue{Key: clone(e.key), Value: clone(e.value)}, true, nil
	case entryClear:
		return KeyValue{}, false, nil
	case entryUnreadable:
		return KeyValue{}, false, ErrAccessedUnreadable
	default:
		v, ok, err := applyOps(e.ops, base, present)
		if err != nil || !ok {
			return KeyValue{}, false, err
		}
		return KeyValue{Key: clone(e.key), Value: v}, true, nil
	}
}

// RangeOptions tunes a range read.
type RangeOptions struct {
	// Limit caps the number of rows; 0 is unlimited.
	Limit int
	// Reverse returns rows in descending key order.
	Reverse bool
	// Snapshot skips read conflict ranges.
	Snapshot bool
	// BatchSize is the number of rows fetched per round trip.
	BatchSize int
}

// GetRange streams the rows between two key selectors.
func (t *Transaction) GetRange(ctx context.Context, begin, end KeySelector, opts RangeOptions) *RangeIterator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = scanPageSize
	}
	return &RangeIterator{tx: t, ctx: ctx, beginSel: begin, endSel: end, opts: opts}
}

// Range streams the rows of a half-open key range.
func (t *Transaction) Range(ctx context.Context, r KeyRange, opts RangeOptions) *RangeIterator {
	return t.GetRange(ctx, FirstGreaterOrEqual(r.Begin), FirstGreaterOrEqual(r.End), opts)
}

// GetRangeAll collects a whole range read into a slice.
func (t *Transaction) GetRangeAll(ctx context.Context, r KeyRange, opts RangeOptions) ([]KeyValue, error) {
	it := t.Range(ctx, r, opts)
	var out []KeyValue
	for it.Next() {
		out = append(out, it.KeyValue())
	}
	return out, it.Err()
}

// Commit applies the transaction. Read-only transactions commit trivially.
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	if err := t.checkOpen(); err != nil {
		t.mu.Unlock()
		return err
	}
	t.state = txCommitting
	req := &CommitRequest{Mutations: t.log, ReadConflicts: t.reads, WriteConflicts: t.writes, Explicit: t.explicit}
	t.mu.Unlock()

	var err error
	if len(req.Mutations) == 0 && len(req.WriteConflicts) == 0 {
		err = t.btx.Rollback(ctx)
	} else {
		err = t.btx.Commit(ctx, req)
	}

	t.mu.Lock()
	t.state = txDone
	t.mu.Unlock()
	return err
}

// Cancel abandons the transaction.
func (t *Transaction) Cancel(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == txDone {
		return nil
	}
	t.state = txDone
	return t.btx.Rollback(ctx)
}

// Snapshot returns a view whose reads do not add read conflict ranges.
func (t *Transaction) Snapshot() *Snapshot {
	return &Snapshot{tx: t}
}

// Snapshot is a conflict-free read view of a Transaction.
type Snapshot struct {
	tx *Transaction
}

// Get reads key without a read conflict.
func (s *Snapshot) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	return s.tx.get(ctx, key, true)
}

// GetKey resolves sel without a read conflict.
func (s *Snapshot) GetKey(ctx context.Context, sel KeySelector) ([]byte, error) {
	return s.tx.getKey(ctx, sel, true)
}

// GetRange streams rows without a read conflict.
func (s *Snapshot) GetRange(ctx context.Context, begin, end KeySelector, opts RangeOptions) *RangeIterator {
	opts.Snapshot = true
	return s.tx.GetRange(ctx, begin, end, opts)
}

// Range streams a half-open range without a read conflict.
func (s *Snapshot) Range(ctx context.Context, r KeyRange, opts RangeOptions) *RangeIterator {
	opts.Snapshot = true
	return s.tx.Range(ctx, r, opts)
}

// RangeIterator streams rows in batches. Use it like bufio.Scanner:
//
//	it := tx.Range(ctx, r, kv.RangeOptions{})
//	for it.Next() {
//		row := it.KeyValue()
//	}
//	if err := it.Err(); err != nil { ... }
type RangeIterator struct {
	tx       *Transaction
	ctx      context.Context
	beginSel KeySelector
	endSel   KeySelector
	opts     RangeOptions

	resolved bool
	lo, hi   []byte
	buf      []KeyValue
	idx      int
	cur      KeyValue
	emitted  int
	done     bool
	err      error
}

// Next advances to the next row.
func (it *RangeIterator) Next() bool {
	if it.err != nil {
		return false
	}
	if it.opts.Limit > 0 && it.emitted >= it.opts.Limit {
		return false
	}
	if it.idx >= len(it.buf) {
		if it.done {
			return false
		}
		if err := it.fetch(); err != nil {
			it.err = err
			return false
		}
		if len(it.buf) == 0 {
			return false
		}
	}
	it.cur = it.buf[it.idx]
	it.idx++
	it.emitted++
	return true
}

// KeyValue returns the current row.
func (it *RangeIterator) KeyValue() KeyValue { return it.cur }

// Err returns the first error encountered.
func (it *RangeIterator) Err() error { return it.err }

func (it *RangeIterator) fetch() error {
	t := it.tx
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpen(); err != nil {
		return err
	}

	if !it.resolved {
		lo, err := t.resolveSelector(it.ctx, it.beginSel)
		if err != nil {
			return err
		}
		hi, err := t.resolveSelector(it.ctx, it.endSel)
		if err != nil {
			return err
		}
		it.lo, it.hi, it.resolved = lo, hi, true
		if !it.opts.Snapshot {
			t.reads = append(t.reads,
				selectorConflict(it.beginSel, lo),
				selectorConflict(it.endSel, hi),
			)
			if bytes.Compare(lo, hi) < 0 {
				t.reads = append(t.reads, KeyRange{Begin: clone(lo), End: clone(hi)})
			}
		}
	}

	batch := it.opts.BatchSize
	if it.opts.Limit > 0 {
		if remaining := it.opts.Limit - it.emitted; remaining < batch {
			batch = remaining
		}
	}
	rows, err := t.scanMerged(it.ctx, it.lo, it.hi, batch, it.opts.Reverse)
	if err != nil {
		return err
	}
	it.buf, it.idx = rows, 0
	if len(rows) < batch {
		it.done = true
	}
	if len(rows) > 0 {
		last := rows[len(rows)-1].Key
		if it.opts.Reverse {
			it.hi = clone(last)
		} else {
			it.lo = KeyAfter(last)
		}
	}
	return nil
}
