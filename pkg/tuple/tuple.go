// Package tuple implements an order-preserving encoding of typed tuples,
// compatible with the FoundationDB tuple layer.
//
// Packed tuples sort bytewise in the same order as their logical values,
// which makes them suitable as keys in an ordered key-value store: every
// tuple that shares a prefix of elements sorts contiguously and can be
// scanned with a single range read.
//
// Supported element types are nil, []byte, string, Tuple (nested), the
// signed and unsigned integer types, bool, uuid.UUID and Versionstamp.
package tuple

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// Element is a single tuple element. See the package documentation for the
// set of supported dynamic types.
type Element any

// Tuple is an ordered list of elements.
type Tuple []Element

// Type codes. Values match the FoundationDB tuple layer.
const (
	nilCode          = 0x00
	bytesCode        = 0x01
	stringCode       = 0x02
	nestedCode       = 0x05
	intZeroCode      = 0x14
	posIntEnd        = 0x1c
	negIntStart      = 0x0c
	falseCode        = 0x26
	trueCode         = 0x27
	uuidCode         = 0x30
	versionstampCode = 0x33
)

// ErrInvalidEncoding is returned when a byte string is not a valid packed
// tuple.
var ErrInvalidEncoding = errors.New("tuple: invalid encoding")

// ErrUnsupportedType is returned when packing an element whose dynamic type
// has no encoding.
var ErrUnsupportedType = errors.New("tuple: unsupported element type")

// Pack encodes the tuple. It panics if the tuple contains an unsupported
// element or an incomplete versionstamp; use PackWithVersionstamp for the
// latter.
func (t Tuple) Pack() []byte {
	b, err := t.pack(false)
	if err != nil {
		panic(err)
	}
	return b
}

// TryPack is like Pack but returns an error instead of panicking.
func (t Tuple) TryPack() ([]byte, error) {
	return t.pack(false)
}

// PackWithVersionstamp encodes a tuple containing exactly one incomplete
// versionstamp. The returned key carries a trailing 4-byte little-endian
// offset pointing at the versionstamp, the format expected by
// SetVersionstampedKey.
func (t Tuple) PackWithVersionstamp(prefix []byte) ([]byte, error) {
	enc := &encoder{vsPos: -1}
	enc.buf.Write(prefix)
	if err := enc.encodeTuple(t, false, true); err != nil {
		return nil, err
	}
	if enc.vsPos < 0 {
		return nil, errors.New("tuple: no incomplete versionstamp found")
	}
	var off [4]byte
	binary.LittleEndian.PutUint32(off[:], uint32(enc.vsPos))
	enc.buf.Write(off[:])
	return enc.buf.Bytes(), nil
}

// HasIncompleteVersionstamp reports whether any element (including nested
// ones) is an incomplete versionstamp.
func (t Tuple) HasIncompleteVersionstamp() bool {
	for _, e := range t {
		switch v := e.(type) {
		case Versionstamp:
			if !v.IsComplete() {
				return true
			}
		case Tuple:
			if v.HasIncompleteVersionstamp() {
				return true
			}
		}
	}
	return false
}

func (t Tuple) pack(allowIncomplete bool) ([]byte, error) {
	enc := &encoder{vsPos: -1}
	if err := enc.encodeTuple(t, false, allowIncomplete); err != nil {
		return nil, err
	}
	if enc.vsPos >= 0 && !allowIncomplete {
		return nil, errors.New("tuple: incomplete versionstamp requires PackWithVersionstamp")
	}
	return enc.buf.Bytes(), nil
}

type encoder struct {
	buf   bytes.Buffer
	vsPos int
}

func (e *encoder) encodeTuple(t Tuple, nested bool, allowIncomplete bool) error {
	if nested {
		e.buf.WriteByte(nestedCode)
	}
	for _, el := range t {
		if el == nil && nested {
			e.buf.Write([]byte{nilCode, 0xff})
			continue
		}
		if err := e.encodeElement(el, allowIncomplete); err != nil {
			return err
		}
	}
	if nested {
		e.buf.WriteByte(0x00)
	}
	return nil
}

func (e *encoder) encodeElement(el Element, allowIncomplete bool) error {
	switch v := el.(type) {
	case nil:
		e.buf.WriteByte(nilCode)
	case []byte:
		e.encodeBytes(bytesCode, v)
	case string:
		e.encodeBytes(stringCode, []byte(v))
	case Tuple:
		return e.encodeTuple(v, true, allowIncomplete)
	case bool:
		if v {
			e.buf.WriteByte(trueCode)
		} else {
			e.buf.WriteByte(falseCode)
		}
	case int:
		e.encodeInt(int64(v))
	case int8:
		e.encodeInt(int64(v))
	case int16:
		e.encodeInt(int64(v))
	case int32:
		e.encodeInt(int64(v))
	case int64:
		e.encodeInt(v)
	case uint:
		e.encodeUint(uint64(v))
	case uint8:
		e.encodeUint(uint64(v))
	case uint16:
		e.encodeUint(uint64(v))
	case uint32:
		e.encodeUint(uint64(v))
	case uint64:
		e.encodeUint(v)
	case uuid.UUID:
		e.buf.WriteByte(uuidCode)
		e.buf.Write(v[:])
	case Versionstamp:
		if !v.IsComplete() {
			if !allowIncomplete {
				return errors.New("tuple: incomplete versionstamp requires PackWithVersionstamp")
			}
			if e.vsPos >= 0 {
				return errors.New("tuple: multiple incomplete versionstamps")
			}
			e.vsPos = e.buf.Len() + 1
		}
		e.buf.WriteByte(versionstampCode)
		e.buf.Write(v.Bytes())
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedType, el)
	}
	return nil
}

func (e *encoder) encodeBytes(code byte, b []byte) {
	e.buf.WriteByte(code)
	for _, c := range b {
		e.buf.WriteByte(c)
		if c == 0x00 {
			e.buf.WriteByte(0xff)
		}
	}
	e.buf.WriteByte(0x00)
}

func (e *encoder) encodeUint(v uint64) {
	if v == 0 {
		e.buf.WriteByte(intZeroCode)
		return
	}
	n := byteLen(v)
	e.buf.WriteByte(byte(intZeroCode + n))
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	e.buf.Write(tmp[8-n:])
}

func (e *encoder) encodeInt(v int64) {
	if v >= 0 {
		e.encodeUint(uint64(v))
		return
	}
	var mag uint64
	if v == math.MinInt64 {
		mag = 1 << 63
	} else {
		mag = uint64(-v)
	}
	n := byteLen(mag)
	e.buf.WriteByte(byte(intZeroCode - n))
	// one's complement within n bytes
	comp := ^mag
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], comp)
	e.buf.Write(tmp[8-n:])
}

func byteLen(v uint64) int {
	n := 0
	for v > 0 {
		n++
		v >>= 8
	}
	return n
}

// Unpack decodes a packed tuple.
func Unpack(b []byte) (Tuple, error) {
	t, rest, err := decodeTuple(b, false)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidEncoding, len(rest))
	}
	return t, nil
}

func decodeTuple(b []byte, nested bool) (Tuple, []byte, error) {
	t := Tuple{}
	for len(b) > 0 {
		if nested && b[0] == 0x00 {
			if len(b) > 1 && b[1] == 0xff {
				t = append(t, nil)
				b = b[2:]
				continue
			}
			return t, b[1:], nil
		}
		el, rest, err := decodeElement(b)
		if err != nil {
			return nil, nil, err
		}
		t = append(t, el)
		b = rest
	}
	if nested {
		return nil, nil, fmt.Errorf("%w: unterminated nested tuple", ErrInvalidEncoding)
	}
	return t, b, nil
}

func decodeElement(b []byte) (Element, []byte, error) {
	code := b[0]
	switch {
	case code == nilCode:
		return nil, b[1:], nil
	case code == bytesCode:
		v, rest, err := decodeBytes(b[1:])
		return v, rest, err
	case code == stringCode:
		v, rest, err := decodeBytes(b[1:])
		if err != nil {
			return nil, nil, err
		}
		return string(v), rest, nil
	case code == nestedCode:
		return decodeTuple(b[1:], true)
	case code >= negIntStart && code <= posIntEnd:
		return decodeInt(b)
	case code == falseCode:
		return false, b[1:], nil
	case code == trueCode:
		return true, b[1:], nil
	case code == uuidCode:
		if len(b) < 17 {
			return nil, nil, fmt.Errorf("%w: short uuid", ErrInvalidEncoding)
		}
		var u uuid.UUID
		copy(u[:], b[1:17])
		return u, b[17:], nil
	case code == versionstampCode:
		if len(b) < 13 {
			return nil, nil, fmt.Errorf("%w: short versionstamp", ErrInvalidEncoding)
		}
		vs, err := VersionstampFromBytes(b[1:13])
		if err != nil {
			return nil, nil, err
		}
		return vs, b[13:], nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown type code 0x%02x", ErrInvalidEncoding, code)
	}
}

func decodeBytes(b []byte) ([]byte, []byte, error) {
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] != 0x00 {
			out = append(out, b[i])
			continue
		}
		if i+1 < len(b) && b[i+1] == 0xff {
			out = append(out, 0x00)
			i++
			continue
		}
		return out, b[i+1:], nil
	}
	return nil, nil, fmt.Errorf("%w: unterminated byte string", ErrInvalidEncoding)
}

func decodeInt(b []byte) (Element, []byte, error) {
	code := int(b[0])
	if code == intZeroCode {
		return int64(0), b[1:], nil
	}
	n := code - intZeroCode
	neg := n < 0
	if neg {
		n = -n
	}
	if len(b) < n+1 {
		return nil, nil, fmt.Errorf("%w: short integer", ErrInvalidEncoding)
	}
	var tmp [8]byte
	copy(tmp[8-n:], b[1:n+1])
	rest := b[n+1:]
	if !neg {
		v := binary.BigEndian.Uint64(tmp[:])
		if v > math.MaxInt64 {
			return v, rest, nil
		}
		return int64(v), rest, nil
	}
	// undo the one's complement within n bytes
	for i := 0; i < 8-n; i++ {
		tmp[i] = 0xff
	}
	mag := ^binary.BigEndian.Uint64(tmp[:])
	if mag > 1<<63 {
		return nil, nil, fmt.Errorf("%w: integer out of range", ErrInvalidEncoding)
	}
	if mag == 1<<63 {
		return int64(math.MinInt64), rest, nil
	}
	return -int64(mag), rest, nil
}

// String renders the tuple in a human readable form.
func (t Tuple) String() string {
	var sb bytes.Buffer
	sb.WriteByte('(')
	for i, el := range t {
		if i > 0 {
			sb.WriteString(", ")
		}
		switch v := el.(type) {
		case nil:
			sb.WriteString("nil")
		case string:
			fmt.Fprintf(&sb, "%q", v)
		case []byte:
			fmt.Fprintf(&sb, "b%q", v)
		case Tuple:
			sb.WriteString(v.String())
		default:
			fmt.Fprintf(&sb, "%v", v)
		}
	}
	sb.WriteByte(')')
	return sb.String()
}
