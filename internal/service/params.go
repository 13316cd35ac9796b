package service

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidParams is returned when call params do not match a method.
var ErrInvalidParams = errors.New("invalid params")

// Param returns params[i] or nil when absent.
func Param(params []any, i int) any {
	if i < 0 || i >= len(params) {
		return nil
	}
	return params[i]
}

// Int64 converts a decoded wire number. JSON yields float64, msgpack any
// sized integer.
func Int64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("%w: %d overflows int64", ErrInvalidParams, n)
		}
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%w: %v is not an integer", ErrInvalidParams, n)
		}
		return int64(n), nil
	case float32:
		return Int64(float64(n))
	default:
		return 0, fmt.Errorf("%w: %T is not a number", ErrInvalidParams, v)
	}
}

// String returns params[i] as a string, or "" when absent.
func String(params []any, i int) (string, error) {
	v := Param(params, i)
	if v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: param %d: %T is not a string", ErrInvalidParams, i, v)
	}
	return s, nil
}

// Object returns params[i] as a map, or nil when absent.
func Object(params []any, i int) (map[string]any, error) {
	v := Param(params, i)
	if v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: param %d: %T is not an object", ErrInvalidParams, i, v)
	}
	return m, nil
}
