// Package memkv is an in-memory kv.Backend backed by a copy-on-write
// B-tree, for tests and single process deployments.
package memkv

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"github.com/google/btree"

	"github.com/petrijr/gasoline/pkg/kv"
)

type item struct {
	key   []byte
	value []byte
}

func itemLess(a, b item) bool { return bytes.Compare(a.key, b.key) < 0 }

// Store is the backend. The zero value is not usable; call New.
type Store struct {
	mu      sync.RWMutex
	tree    *btree.BTreeG[item]
	tracker *kv.ConflictTracker
	closed  bool

	faultMu sync.Mutex
	faults  []fault
}

type fault struct {
	err     *kv.Error
	applied bool
}

var _ kv.Backend = (*Store)(nil)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("memkv: store closed")

// New creates an empty store.
func New() *Store {
	return &Store{
		tree:    btree.NewG[item](32, itemLess),
		tracker: kv.NewConflictTracker(0),
	}
}

// NewDatabase is a shortcut for kv.New(New(), cfg).
func NewDatabase(cfg kv.Config) *kv.Database {
	return kv.New(New(), cfg)
}

// InjectCommitError makes the next commit fail with err. When applied is
// true the mutations are still written, which simulates a lost commit
// acknowledgement (commit_unknown_result).
func (s *Store) InjectCommitError(err *kv.Error, applied bool) {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	s.faults = append(s.faults, fault{err: err, applied: applied})
}

func (s *Store) nextFault() (fault, bool) {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	if len(s.faults) == 0 {
		return fault{}, false
	}
	f := s.faults[0]
	s.faults = s.faults[1:]
	return f, true
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}

// Begin implements kv.Backend.
func (s *Store) Begin(ctx context.Context) (kv.BackendTx, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	// The version is taken before the tree: a commit landing in between
	// can only cause a spurious conflict, never a missed one. Committed
	// trees are never mutated in place, so the tree is a consistent
	// snapshot for the lifetime of the transaction.
	readVersion := s.tracker.ReadVersion()
	s.mu.RLock()
	tree := s.tree
	s.mu.RUnlock()
	return &tx{s: s, tree: tree, readVersion: readVersion}, nil
}

// Close implements kv.Backend.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type tx struct {
	s           *Store
	tree        *btree.BTreeG[item]
	readVersion uint64
}

func (t *tx) ReadVersion() uint64 { return t.readVersion }

func (t *tx) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	it, ok := t.tree.Get(item{key: key})
	if !ok {
		return nil, false, nil
	}
	return append([]byte{}, it.value...), true, nil
}

func (t *tx) Scan(ctx context.Context, begin, end []byte, limit int, reverse bool) ([]kv.KeyValue, error) {
	return scan(t.tree, begin, end, limit, reverse), nil
}

func scan(tree *btree.BTreeG[item], begin, end []byte, limit int, reverse bool) []kv.KeyValue {
	var out []kv.KeyValue
	visit := func(it item) bool {
		out = append(out, kv.KeyValue{Key: append([]byte{}, it.key...), Value: append([]byte{}, it.value...)})
		return limit <= 0 || len(out) < limit
	}
	if !reverse {
		tree.AscendRange(item{key: begin}, item{key: end}, visit)
		return out
	}
	tree.DescendLessOrEqual(item{key: end}, func(it item) bool {
		if bytes.Equal(it.key, end) {
			return true
		}
		if bytes.Compare(it.key, begin) < 0 {
			return false
		}
		return visit(it)
	})
	return out
}

func (t *tx) Commit(ctx context.Context, req *kv.CommitRequest) error {
	f, faulty := t.s.nextFault()
	if faulty && !f.applied {
		return f.err
	}

	err := t.s.tracker.Commit(t.readVersion, req.ReadConflicts, req.WriteConflicts, func(version uint64) ([]kv.KeyRange, error) {
		t.s.mu.Lock()
		defer t.s.mu.Unlock()
		if t.s.closed {
			return nil, ErrClosed
		}
		next := t.s.tree.Clone()
		stamped, err := kv.ApplyMutations(ctx, treeWriter{next}, req.Mutations, kv.StampFromVersion(version))
		if err != nil {
			return nil, err
		}
		t.s.tree = next
		return stamped, nil
	})
	if err != nil {
		return err
	}
	if faulty {
		return f.err
	}
	return nil
}

func (t *tx) Rollback(ctx context.Context) error { return nil }

type treeWriter struct {
	tree *btree.BTreeG[item]
}

func (w treeWriter) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	it, ok := w.tree.Get(item{key: key})
	return it.value, ok, nil
}

func (w treeWriter) Put(ctx context.Context, key, value []byte) error {
	w.tree.ReplaceOrInsert(item{key: append([]byte{}, key...), value: append([]byte{}, value...)})
	return nil
}

func (w treeWriter) Delete(ctx context.Context, key []byte) error {
	w.tree.Delete(item{key: key})
	return nil
}

func (w treeWriter) DeleteRange(ctx context.Context, begin, end []byte) error {
	var doomed []item
	w.tree.AscendRange(item{key: begin}, item{key: end}, func(it item) bool {
		doomed = append(doomed, it)
		return true
	})
	for _, it := range doomed {
		w.tree.Delete(it)
	}
	return nil
}
