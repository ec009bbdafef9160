package keys

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/petrijr/gasoline/pkg/kv"
	"github.com/petrijr/gasoline/pkg/tuple"
)

// payloadVersion prefixes every serialized value so the encoding can change
// without rewriting existing rows.
const payloadVersion = 1

// ErrPayloadVersion is returned for values written by an unknown encoding.
var ErrPayloadVersion = errors.New("keys: unsupported payload version")

// Key is a packed tuple key whose value has type T.
type Key[T any] struct {
	packed []byte
}

// NewKey packs elems inside s.
func NewKey[T any](s tuple.Subspace, elems ...tuple.Element) Key[T] {
	return Key[T]{packed: s.Pack(elems...)}
}

// KeyFrom types an already packed key.
func KeyFrom[T any](packed []byte) Key[T] {
	return Key[T]{packed: packed}
}

// Pack returns the raw key.
func (k Key[T]) Pack() []byte { return k.packed }

// Serialize encodes v as a versioned JSON payload.
func (k Key[T]) Serialize(v T) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("serialize %x: %w", k.packed, err)
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, payloadVersion)
	return append(out, body...), nil
}

// Deserialize decodes a value written by Serialize.
func (k Key[T]) Deserialize(b []byte) (T, error) {
	var v T
	if len(b) == 0 || b[0] != payloadVersion {
		return v, fmt.Errorf("%w: key %x", ErrPayloadVersion, k.packed)
	}
	if err := json.Unmarshal(b[1:], &v); err != nil {
		return v, fmt.Errorf("deserialize %x: %w", k.packed, err)
	}
	return v, nil
}

// Reader is satisfied by *kv.Transaction and *kv.Snapshot.
type Reader interface {
	Get(ctx context.Context, key []byte) ([]byte, bool, error)
}

// Get reads and decodes k.
func Get[T any](ctx context.Context, r Reader, k Key[T]) (T, bool, error) {
	var zero T
	raw, ok, err := r.Get(ctx, k.Pack())
	if err != nil || !ok {
		return zero, false, err
	}
	v, err := k.Deserialize(raw)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// Set encodes v and writes it under k.
func Set[T any](tx *kv.Transaction, k Key[T], v T) error {
	raw, err := k.Serialize(v)
	if err != nil {
		return err
	}
	return tx.Set(k.Pack(), raw)
}

// Clear removes k.
func Clear[T any](tx *kv.Transaction, k Key[T]) error {
	return tx.Clear(k.Pack())
}

// Marker is the value of presence-only index keys.
var Marker = []byte{}

// Range returns the key range of a subspace.
func Range(s tuple.Subspace) kv.KeyRange {
	begin, end := s.Range()
	return kv.KeyRange{Begin: begin, End: end}
}
