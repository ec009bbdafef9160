package kv

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplyAtomic(t *testing.T) {
	u16 := func(v uint16) []byte {
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, v)
		return b
	}

	tests := []struct {
		name     string
		op       MutationType
		existing []byte
		present  bool
		param    []byte
		want     []byte
		keep     bool
	}{
		{"add missing", MutationAdd, nil, false, u16(3), u16(3), true},
		{"add carries", MutationAdd, u16(0x00ff), true, u16(1), u16(0x0100), true},
		{"add wraps", MutationAdd, u16(0xffff), true, u16(2), u16(1), true},
		{"add truncates existing", MutationAdd, []byte{1, 0, 9}, true, u16(1), u16(2), true},
		{"bit and", MutationBitAnd, []byte{0x0f}, true, []byte{0x3c}, []byte{0x0c}, true},
		{"bit or", MutationBitOr, []byte{0x0f}, true, []byte{0x30}, []byte{0x3f}, true},
		{"bit xor", MutationBitXor, []byte{0x0f}, true, []byte{0xff}, []byte{0xf0}, true},
		{"append", MutationAppendIfFits, []byte("ab"), true, []byte("c"), []byte("abc"), true},
		{"max little endian", MutationMax, u16(0x0100), true, u16(0x00ff), u16(0x0100), true},
		{"min little endian", MutationMin, u16(0x0100), true, u16(0x00ff), u16(0x00ff), true},
		{"byte max", MutationByteMax, []byte("b"), true, []byte("ab"), []byte("b"), true},
		{"byte min", MutationByteMin, []byte("b"), true, []byte("ab"), []byte("ab"), true},
		{"compare and clear equal", MutationCompareAndClear, []byte("x"), true, []byte("x"), nil, false},
		{"compare and clear differs", MutationCompareAndClear, []byte("x"), true, []byte("y"), []byte("x"), true},
		{"compare and clear missing", MutationCompareAndClear, nil, false, []byte("y"), nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, keep, err := ApplyAtomic(tt.op, tt.existing, tt.present, tt.param)
			require.NoError(t, err)
			require.Equal(t, tt.keep, keep)
			if tt.keep {
				require.Equal(t, tt.want, got)
			}
		})
	}
}

func TestApplyAtomicRejectsPlainMutations(t *testing.T) {
	_, _, err := ApplyAtomic(MutationSet, nil, false, nil)
	require.ErrorIs(t, err, ErrInvalidMutationType)
}

func TestSubstituteVersionstamp(t *testing.T) {
	body := append([]byte("pre"), make([]byte, 10)...)
	body = append(body, 'x')
	operand := binary.LittleEndian.AppendUint32(body, 3)

	stamp := StampFromVersion(42)
	got, err := substituteVersionstamp(operand, stamp)
	require.NoError(t, err)
	require.Equal(t, "pre", string(got[:3]))
	require.Equal(t, stamp[:], got[3:13])
	require.Equal(t, byte('x'), got[13])

	_, err = substituteVersionstamp(binary.LittleEndian.AppendUint32([]byte("short"), 2), stamp)
	require.Error(t, err)
}
