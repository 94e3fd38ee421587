package pvdata

import (
	"fmt"
	"math"
	"reflect"
	"slices"
)

// Codec maps PV values to a Go type T.
type Codec[T any] interface {
	// Decode extracts a T from a PV value. A value without data (a PV that
	// was never written) decodes to the zero value of T.
	Decode(v Value) (T, error)

	// Coerce converts an untyped value (from config, a CLI or a device
	// set map) to T.
	Coerce(x any) (T, error)

	// Encode returns the data to put to the PV.
	Encode(x T) any

	// Equal reports whether a readback b confirms a write of a.
	Equal(a, b T) bool

	// DType is the event-model descriptor dtype.
	DType() string
}

// Float64Codec decodes numeric PVs as float64.
type Float64Codec struct {
	// Tolerance is the absolute difference accepted by Equal.
	Tolerance float64
}

// Float64 returns a float64 codec with exact comparison.
func Float64() Float64Codec { return Float64Codec{} }

// Float64Within returns a float64 codec comparing within tol.
func Float64Within(tol float64) Float64Codec { return Float64Codec{Tolerance: tol} }

func (c Float64Codec) Decode(v Value) (float64, error) {
	if v.Data == nil {
		return 0, nil
	}
	return c.Coerce(v.Data)
}

func (Float64Codec) Coerce(x any) (float64, error) {
	if f, ok := ToFloat64(x); ok {
		return f, nil
	}
	if s, ok := x.(string); ok {
		d, err := coerceScalar(TypeDouble, s)
		if err != nil {
			return 0, err
		}
		return d.(float64), nil
	}
	return 0, fmt.Errorf("%w: %T is not numeric", ErrTypeMismatch, x)
}

func (Float64Codec) Encode(x float64) any { return x }

func (c Float64Codec) Equal(a, b float64) bool {
	if math.IsNaN(a) && math.IsNaN(b) {
		return true
	}
	return math.Abs(a-b) <= c.Tolerance
}

func (Float64Codec) DType() string { return "number" }

// IntCodec decodes integer and enum index PVs as int.
type IntCodec struct{}

// Int returns the int codec.
func Int() IntCodec { return IntCodec{} }

func (c IntCodec) Decode(v Value) (int, error) {
	if v.Data == nil {
		return 0, nil
	}
	return c.Coerce(v.Data)
}

func (IntCodec) Coerce(x any) (int, error) {
	if s, ok := x.(string); ok {
		d, err := coerceScalar(TypeLong, s)
		if err != nil {
			return 0, err
		}
		x = d
	}
	if i, ok := ToInt64(x); ok {
		return int(i), nil
	}
	return 0, fmt.Errorf("%w: %T is not an integer", ErrTypeMismatch, x)
}

func (IntCodec) Encode(x int) any    { return int64(x) }
func (IntCodec) Equal(a, b int) bool { return a == b }
func (IntCodec) DType() string       { return "integer" }

// BoolCodec decodes boolean PVs and two-state enums (bo/bi records).
type BoolCodec struct{}

// Bool returns the bool codec.
func Bool() BoolCodec { return BoolCodec{} }

func (c BoolCodec) Decode(v Value) (bool, error) {
	if v.Data == nil {
		return false, nil
	}
	return c.Coerce(v.Data)
}

func (BoolCodec) Coerce(x any) (bool, error) {
	if b, ok := ToBool(x); ok {
		return b, nil
	}
	return false, fmt.Errorf("%w: %T is not a boolean", ErrTypeMismatch, x)
}

func (BoolCodec) Encode(x bool) any    { return x }
func (BoolCodec) Equal(a, b bool) bool { return a == b }
func (BoolCodec) DType() string        { return "boolean" }

// StringCodec decodes any scalar as its string form. Enums decode to the
// selected choice.
type StringCodec struct{}

// String returns the string codec.
func String() StringCodec { return StringCodec{} }

func (c StringCodec) Decode(v Value) (string, error) {
	if v.Data == nil {
		return "", nil
	}
	if s, ok := v.EnumString(); ok {
		return s, nil
	}
	return c.Coerce(v.Data)
}

func (StringCodec) Coerce(x any) (string, error) {
	if s, ok := ToString(x); ok {
		return s, nil
	}
	return "", fmt.Errorf("%w: %T is not a string", ErrTypeMismatch, x)
}

func (StringCodec) Encode(x string) any    { return x }
func (StringCodec) Equal(a, b string) bool { return a == b }
func (StringCodec) DType() string          { return "string" }

// EnumCodec decodes an NTEnum to a string-based Go enum type and checks
// that the selected choice is one of the declared values.
type EnumCodec[E ~string] struct {
	choices []E
}

// Enum returns a codec accepting the given choices. With no choices any
// string the IOC reports is accepted.
func Enum[E ~string](choices ...E) EnumCodec[E] {
	return EnumCodec[E]{choices: choices}
}

func (c EnumCodec[E]) Decode(v Value) (E, error) {
	if v.Data == nil {
		var zero E
		if len(c.choices) > 0 {
			zero = c.choices[0]
		}
		return zero, nil
	}
	if s, ok := v.EnumString(); ok {
		return c.Coerce(s)
	}
	if s, ok := v.Data.(string); ok {
		return c.Coerce(s)
	}
	return "", fmt.Errorf("%w: %s is not an enum", ErrTypeMismatch, v.Type)
}

func (c EnumCodec[E]) Coerce(x any) (E, error) {
	var s string
	switch t := x.(type) {
	case E:
		s = string(t)
	case string:
		s = t
	default:
		return "", fmt.Errorf("%w: %T is not an enum choice", ErrTypeMismatch, x)
	}
	if len(c.choices) > 0 && !slices.Contains(c.choices, E(s)) {
		return "", fmt.Errorf("%w: %q not in %v", ErrTypeMismatch, s, c.choices)
	}
	return E(s), nil
}

func (EnumCodec[E]) Encode(x E) any    { return string(x) }
func (EnumCodec[E]) Equal(a, b E) bool { return a == b }
func (EnumCodec[E]) DType() string     { return "string" }

// SliceCodec decodes array PVs element by element.
type SliceCodec[T any] struct {
	Elem Codec[T]
}

// Slice returns an array codec over an element codec.
func Slice[T any](elem Codec[T]) SliceCodec[T] {
	return SliceCodec[T]{Elem: elem}
}

func (c SliceCodec[T]) Decode(v Value) ([]T, error) {
	if v.Data == nil {
		return nil, nil
	}
	return c.Coerce(v.Data)
}

func (c SliceCodec[T]) Coerce(x any) ([]T, error) {
	if t, ok := x.([]T); ok {
		return t, nil
	}
	elems, ok := Elements(x)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not an array", ErrTypeMismatch, x)
	}
	out := make([]T, len(elems))
	for i, e := range elems {
		d, err := c.Elem.Coerce(e)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out[i] = d
	}
	return out, nil
}

func (c SliceCodec[T]) Encode(x []T) any {
	out := make([]any, len(x))
	for i, e := range x {
		out[i] = c.Elem.Encode(e)
	}
	return out
}

func (c SliceCodec[T]) Equal(a, b []T) bool {
	return slices.EqualFunc(a, b, c.Elem.Equal)
}

func (SliceCodec[T]) DType() string { return "array" }

// StructureCodec decodes structure PVs to their field map.
type StructureCodec struct{}

// Structure returns a codec for structure PVs.
func Structure() StructureCodec { return StructureCodec{} }

func (c StructureCodec) Decode(v Value) (map[string]any, error) {
	if v.Data == nil {
		return nil, nil
	}
	return c.Coerce(v.Data)
}

func (StructureCodec) Coerce(x any) (map[string]any, error) { return ToStructure(x) }
func (StructureCodec) Encode(x map[string]any) any          { return x }

func (StructureCodec) Equal(a, b map[string]any) bool {
	return reflect.DeepEqual(a, b)
}

func (StructureCodec) DType() string { return "object" }

// RawCodec passes PV data through untyped, for signals whose type is only
// known once the PV is served. Enums decode to the selected choice.
type RawCodec struct{}

// Raw returns the untyped codec.
func Raw() RawCodec { return RawCodec{} }

func (RawCodec) Decode(v Value) (any, error) {
	if s, ok := v.EnumString(); ok {
		return s, nil
	}
	return v.Data, nil
}

func (RawCodec) Coerce(x any) (any, error) { return x, nil }
func (RawCodec) Encode(x any) any          { return x }

func (RawCodec) Equal(a, b any) bool {
	if fa, ok := ToFloat64(a); ok {
		if fb, ok := ToFloat64(b); ok {
			return fa == fb
		}
	}
	return reflect.DeepEqual(a, b)
}

func (RawCodec) DType() string { return "object" }
