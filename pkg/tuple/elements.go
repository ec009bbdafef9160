package tuple

import (
	"fmt"

	"github.com/google/uuid"
)

// Uint64 converts an unpacked integer element to uint64.
func Uint64(el Element) (uint64, error) {
	switch v := el.(type) {
	case uint64:
		return v, nil
	case int64:
		if v < 0 {
			return 0, fmt.Errorf("tuple: negative integer %d where unsigned expected", v)
		}
		return uint64(v), nil
	default:
		return 0, fmt.Errorf("tuple: expected integer, got %T", el)
	}
}

// Int64 converts an unpacked integer element to int64.
func Int64(el Element) (int64, error) {
	switch v := el.(type) {
	case int64:
		return v, nil
	case uint64:
		return 0, fmt.Errorf("tuple: integer %d overflows int64", v)
	default:
		return 0, fmt.Errorf("tuple: expected integer, got %T", el)
	}
}

// String converts an unpacked string element.
func String(el Element) (string, error) {
	s, ok := el.(string)
	if !ok {
		return "", fmt.Errorf("tuple: expected string, got %T", el)
	}
	return s, nil
}

// UUID converts an unpacked uuid element.
func UUID(el Element) (uuid.UUID, error) {
	u, ok := el.(uuid.UUID)
	if !ok {
		return uuid.Nil, fmt.Errorf("tuple: expected uuid, got %T", el)
	}
	return u, nil
}

// Nested converts an unpacked nested tuple element.
func Nested(el Element) (Tuple, error) {
	t, ok := el.(Tuple)
	if !ok {
		return nil, fmt.Errorf("tuple: expected nested tuple, got %T", el)
	}
	return t, nil
}
