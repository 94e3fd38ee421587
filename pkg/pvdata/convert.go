package pvdata

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
)

// ErrTypeMismatch is returned when a value cannot be converted to a type.
var ErrTypeMismatch = errors.New("type mismatch")

// ToFloat64 converts any numeric value to float64.
func ToFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// ToInt64 converts any integral value to int64. Floats are truncated.
func ToInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float32, float64:
		f, _ := ToFloat64(n)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return int64(f), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// ToBool converts bools, numbers and the strings accepted by
// strconv.ParseBool.
func ToBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		p, err := strconv.ParseBool(b)
		return p, err == nil
	}
	if f, ok := ToFloat64(v); ok {
		return f != 0, true
	}
	return false, false
}

// ToString formats scalars as strings.
func ToString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	case bool:
		return strconv.FormatBool(s), true
	case float32:
		return strconv.FormatFloat(float64(s), 'g', -1, 32), true
	case float64:
		return strconv.FormatFloat(s, 'g', -1, 64), true
	}
	if i, ok := ToInt64(v); ok {
		return strconv.FormatInt(i, 10), true
	}
	return "", false
}

// Elements returns the elements of any slice or array value.
func Elements(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if s, ok := v.([]any); ok {
		return s, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	if rv.Type().Elem().Kind() == reflect.Uint8 && rv.Kind() == reflect.Slice {
		// []byte is a byte array, not a string
		b := rv.Bytes()
		out := make([]any, len(b))
		for i, x := range b {
			out[i] = x
		}
		return out, true
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// Coerce converts data to the canonical Go representation of t. It follows
// pvData conversion rules: numbers convert between widths with truncation,
// numeric strings parse into numbers and scalars format into strings.
func Coerce(t ScalarType, data any) (any, error) {
	if t == TypeStructure {
		return ToStructure(data)
	}
	if t.IsArray() {
		elems, ok := Elements(data)
		if !ok {
			// A scalar put to an array PV becomes a one-element array.
			elems = []any{data}
		}
		return coerceArray(t.Elem(), elems)
	}
	if _, isSlice := Elements(data); isSlice {
		return nil, fmt.Errorf("%w: array for scalar %s", ErrTypeMismatch, t)
	}
	return coerceScalar(t, data)
}

// ToStructure converts a map with string keys to map[string]any, nested
// maps included. CBOR decodes maps as map[any]any.
func ToStructure(data any) (map[string]any, error) {
	var out map[string]any
	switch m := data.(type) {
	case map[string]any:
		out = make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
	case map[any]any:
		out = make(map[string]any, len(m))
		for k, v := range m {
			key, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("%w: structure field %v is not a string", ErrTypeMismatch, k)
			}
			out[key] = v
		}
	default:
		return nil, fmt.Errorf("%w: %T is not a structure", ErrTypeMismatch, data)
	}
	for k, v := range out {
		switch v.(type) {
		case map[string]any, map[any]any:
			s, err := ToStructure(v)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", k, err)
			}
			out[k] = s
		}
	}
	return out, nil
}

func coerceScalar(t ScalarType, data any) (any, error) {
	if s, ok := data.(string); ok && t.IsNumeric() {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a number", ErrTypeMismatch, s)
		}
		data = f
	}

	switch t {
	case TypeBoolean:
		if b, ok := ToBool(data); ok {
			return b, nil
		}
	case TypeString:
		if s, ok := ToString(data); ok {
			return s, nil
		}
	case TypeFloat:
		if f, ok := ToFloat64(data); ok {
			return float32(f), nil
		}
	case TypeDouble:
		if f, ok := ToFloat64(data); ok {
			return f, nil
		}
	case TypeEnum, TypeInt:
		if i, ok := ToInt64(data); ok {
			return int32(i), nil
		}
	case TypeByte:
		if i, ok := ToInt64(data); ok {
			return int8(i), nil
		}
	case TypeShort:
		if i, ok := ToInt64(data); ok {
			return int16(i), nil
		}
	case TypeLong:
		if i, ok := ToInt64(data); ok {
			return i, nil
		}
	case TypeUByte:
		if i, ok := ToInt64(data); ok {
			return uint8(i), nil
		}
	case TypeUShort:
		if i, ok := ToInt64(data); ok {
			return uint16(i), nil
		}
	case TypeUInt:
		if i, ok := ToInt64(data); ok {
			return uint32(i), nil
		}
	case TypeULong:
		if u, ok := data.(uint64); ok {
			return u, nil
		}
		if i, ok := ToInt64(data); ok {
			return uint64(i), nil
		}
	default:
		return nil, fmt.Errorf("%w: unsupported type %s", ErrTypeMismatch, t)
	}
	return nil, fmt.Errorf("%w: cannot convert %T to %s", ErrTypeMismatch, data, t)
}

func coerceArray(elem ScalarType, elems []any) (any, error) {
	conv := make([]any, len(elems))
	for i, e := range elems {
		c, err := coerceScalar(elem, e)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		conv[i] = c
	}

	switch elem {
	case TypeBoolean:
		return typedSlice[bool](conv), nil
	case TypeByte:
		return typedSlice[int8](conv), nil
	case TypeShort:
		return typedSlice[int16](conv), nil
	case TypeInt:
		return typedSlice[int32](conv), nil
	case TypeLong:
		return typedSlice[int64](conv), nil
	case TypeUByte:
		return typedSlice[uint8](conv), nil
	case TypeUShort:
		return typedSlice[uint16](conv), nil
	case TypeUInt:
		return typedSlice[uint32](conv), nil
	case TypeULong:
		return typedSlice[uint64](conv), nil
	case TypeFloat:
		return typedSlice[float32](conv), nil
	case TypeDouble:
		return typedSlice[float64](conv), nil
	case TypeString:
		return typedSlice[string](conv), nil
	}
	return nil, fmt.Errorf("%w: unsupported array type %s", ErrTypeMismatch, elem)
}

func typedSlice[T any](elems []any) []T {
	out := make([]T, len(elems))
	for i, e := range elems {
		out[i] = e.(T)
	}
	return out
}
