package kv

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
)

// MutationType selects how a mutation combines with the stored value.
type MutationType uint8

const (
	MutationSet MutationType = iota
	MutationClear
	MutationClearRange
	MutationAdd
	MutationBitAnd
	MutationBitOr
	MutationBitXor
	MutationAppendIfFits
	MutationMax
	MutationMin
	MutationByteMax
	MutationByteMin
	MutationCompareAndClear
	MutationSetVersionstampedKey
	MutationSetVersionstampedValue
)

var mutationNames = map[MutationType]string{
	MutationSet:                    "set",
	MutationClear:                  "clear",
	MutationClearRange:             "clear_range",
	MutationAdd:                    "add",
	MutationBitAnd:                 "bit_and",
	MutationBitOr:                  "bit_or",
	MutationBitXor:                 "bit_xor",
	MutationAppendIfFits:           "append_if_fits",
	MutationMax:                    "max",
	MutationMin:                    "min",
	MutationByteMax:                "byte_max",
	MutationByteMin:                "byte_min",
	MutationCompareAndClear:        "compare_and_clear",
	MutationSetVersionstampedKey:   "set_versionstamped_key",
	MutationSetVersionstampedValue: "set_versionstamped_value",
}

func (m MutationType) String() string {
	if s, ok := mutationNames[m]; ok {
		return s
	}
	return fmt.Sprintf("mutation(%d)", uint8(m))
}

// IsAtomic reports whether the mutation reads the stored value at commit.
func (m MutationType) IsAtomic() bool {
	switch m {
	case MutationAdd, MutationBitAnd, MutationBitOr, MutationBitXor, MutationAppendIfFits,
		MutationMax, MutationMin, MutationByteMax, MutationByteMin, MutationCompareAndClear:
		return true
	default:
		return false
	}
}

// Mutation is one entry of a transaction's mutation log. For ClearRange,
// Key and End bound the range; for everything else Param is the operand.
type Mutation struct {
	Type  MutationType
	Key   []byte
	End   []byte
	Param []byte
}

// ApplyAtomic combines an existing value with param. present is false when
// the key does not exist; the returned ok is false when the result is that
// the key should not exist.
func ApplyAtomic(op MutationType, existing []byte, present bool, param []byte) ([]byte, bool, error) {
	switch op {
	case MutationAdd:
		if !present {
			return clone(param), true, nil
		}
		a := resize(existing, len(param))
		out := make([]byte, len(param))
		var carry uint16
		for i := range param {
			sum := uint16(a[i]) + uint16(param[i]) + carry
			out[i] = byte(sum)
			carry = sum >> 8
		}
		return out, true, nil
	case MutationBitAnd, MutationBitOr, MutationBitXor:
		if !present {
			return clone(param), true, nil
		}
		a := resize(existing, len(param))
		out := make([]byte, len(param))
		for i := range param {
			switch op {
			case MutationBitAnd:
				out[i] = a[i] & param[i]
			case MutationBitOr:
				out[i] = a[i] | param[i]
			default:
				out[i] = a[i] ^ param[i]
			}
		}
		return out, true, nil
	case MutationAppendIfFits:
		if !present {
			return clone(param), true, nil
		}
		if len(existing)+len(param) > MaxValueSize {
			return clone(existing), true, nil
		}
		return append(clone(existing), param...), true, nil
	case MutationMax, MutationMin:
		if !present {
			return clone(param), true, nil
		}
		a := resize(existing, len(param))
		cmp := compareLittleEndian(a, param)
		if (op == MutationMax && cmp >= 0) || (op == MutationMin && cmp <= 0) {
			return a, true, nil
		}
		return clone(param), true, nil
	case MutationByteMax, MutationByteMin:
		if !present {
			return clone(param), true, nil
		}
		cmp := bytes.Compare(existing, param)
		if (op == MutationByteMax && cmp >= 0) || (op == MutationByteMin && cmp <= 0) {
			return clone(existing), true, nil
		}
		return clone(param), true, nil
	case MutationCompareAndClear:
		if !present {
			return nil, false, nil
		}
		if bytes.Equal(existing, param) {
			return nil, false, nil
		}
		return clone(existing), true, nil
	default:
		return nil, false, ErrInvalidMutationType
	}
}

func resize(b []byte, n int) []byte {
	out := make([]byte, n)
	copy(out, b)
	return out
}

// compareLittleEndian compares two equal length little-endian unsigned
// integers.
func compareLittleEndian(a, b []byte) int {
	for i := len(a) - 1; i >= 0; i-- {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// substituteVersionstamp replaces the 10 byte placeholder addressed by the
// trailing 4 byte little-endian offset of b and strips the offset.
func substituteVersionstamp(b []byte, stamp [10]byte) ([]byte, error) {
	if len(b) < 4 {
		return nil, NewError(CodeInvalidMutationType, fmt.Errorf("versionstamped operand too short"))
	}
	body := clone(b[:len(b)-4])
	off := int(binary.LittleEndian.Uint32(b[len(b)-4:]))
	if off+10 > len(body) {
		return nil, NewError(CodeInvalidMutationType, fmt.Errorf("versionstamp offset %d out of bounds", off))
	}
	copy(body[off:off+10], stamp[:])
	return body, nil
}

// Writer is the view of a backend that ApplyMutations writes through while
// a commit is in progress.
type Writer interface {
	Get(ctx context.Context, key []byte) ([]byte, bool, error)
	Put(ctx context.Context, key, value []byte) error
	Delete(ctx context.Context, key []byte) error
	DeleteRange(ctx context.Context, begin, end []byte) error
}

// ApplyMutations replays a mutation log against w. stamp is the 10 byte
// transaction version assigned to this commit. It returns the ranges of
// keys produced by versionstamped key mutations, which the caller adds to
// its write conflicts.
func ApplyMutations(ctx context.Context, w Writer, muts []Mutation, stamp [10]byte) ([]KeyRange, error) {
	var stamped []KeyRange
	for _, m := range muts {
		switch m.Type {
		case MutationSet:
			if err := w.Put(ctx, m.Key, m.Param); err != nil {
				return nil, err
			}
		case MutationClear:
			if err := w.Delete(ctx, m.Key); err != nil {
				return nil, err
			}
		case MutationClearRange:
			if err := w.DeleteRange(ctx, m.Key, m.End); err != nil {
				return nil, err
			}
		case MutationSetVersionstampedKey:
			key, err := substituteVersionstamp(m.Key, stamp)
			if err != nil {
				return nil, err
			}
			if err := w.Put(ctx, key, m.Param); err != nil {
				return nil, err
			}
			stamped = append(stamped, SingleKeyRange(key))
		case MutationSetVersionstampedValue:
			val, err := substituteVersionstamp(m.Param, stamp)
			if err != nil {
				return nil, err
			}
			if err := w.Put(ctx, m.Key, val); err != nil {
				return nil, err
			}
		default:
			if !m.Type.IsAtomic() {
				return nil, ErrInvalidMutationType
			}
			cur, ok, err := w.Get(ctx, m.Key)
			if err != nil {
				return nil, err
			}
			next, keep, err := ApplyAtomic(m.Type, cur, ok, m.Param)
			if err != nil {
				return nil, err
			}
			if keep {
				err = w.Put(ctx, m.Key, next)
			} else if ok {
				err = w.Delete(ctx, m.Key)
			}
			if err != nil {
				return nil, err
			}
		}
	}
	return stamped, nil
}

// StampFromVersion encodes a commit version as the 10 byte transaction
// version of a versionstamp (8 byte version, 2 byte batch order 0).
func StampFromVersion(version uint64) [10]byte {
	var s [10]byte
	binary.BigEndian.PutUint64(s[:8], version)
	return s
}
