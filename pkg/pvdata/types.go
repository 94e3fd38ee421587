// Package pvdata models EPICS process variable values.
//
// A Value mirrors the normative types served by PVAccess IOCs: NTScalar,
// NTScalarArray and NTEnum, each with alarm and timeStamp substructures.
// Scalar type codes follow the pvData type-code table so values can be
// relayed to and from real EPICS servers without translation.
//
// Codecs convert between a Value and a typed Go value and decide when two
// values are equal enough to count as a confirmed readback.
package pvdata

import "fmt"

// ScalarType is a pvData scalar type code.
type ScalarType uint8

// pvData type codes. Arrays set the 0x08 bit.
const (
	TypeBoolean ScalarType = 0x00
	TypeByte    ScalarType = 0x20
	TypeShort   ScalarType = 0x21
	TypeInt     ScalarType = 0x22
	TypeLong    ScalarType = 0x23
	TypeUByte   ScalarType = 0x24
	TypeUShort  ScalarType = 0x25
	TypeUInt    ScalarType = 0x26
	TypeULong   ScalarType = 0x27
	TypeFloat   ScalarType = 0x42
	TypeDouble  ScalarType = 0x43
	TypeString  ScalarType = 0x60

	// TypeEnum marks an NTEnum structure {index, choices}. It is not a
	// pvData scalar code and never has the array bit set.
	TypeEnum ScalarType = 0x80

	// TypeStructure marks a structure such as an NTTable or a PVI
	// listing. Its data is a map[string]any of fields.
	TypeStructure ScalarType = 0x81

	arrayBit ScalarType = 0x08
)

func (t ScalarType) composite() bool {
	return t == TypeEnum || t == TypeStructure
}

// Array returns the array type code for t.
func (t ScalarType) Array() ScalarType {
	if t.composite() {
		return t
	}
	return t | arrayBit
}

// IsArray reports whether t is an array type code.
func (t ScalarType) IsArray() bool {
	return !t.composite() && t&arrayBit != 0
}

// Elem returns the element type of an array type code.
func (t ScalarType) Elem() ScalarType {
	if t.composite() {
		return t
	}
	return t &^ arrayBit
}

// IsNumeric reports whether the element type is an integer or float.
func (t ScalarType) IsNumeric() bool {
	return t.IsInteger() || t.IsFloat()
}

// IsInteger reports whether the element type is a signed or unsigned integer.
func (t ScalarType) IsInteger() bool {
	e := t.Elem()
	return e >= TypeByte && e <= TypeULong
}

// IsFloat reports whether the element type is float or double.
func (t ScalarType) IsFloat() bool {
	e := t.Elem()
	return e == TypeFloat || e == TypeDouble
}

// IsUnsigned reports whether the element type is an unsigned integer.
func (t ScalarType) IsUnsigned() bool {
	e := t.Elem()
	return e >= TypeUByte && e <= TypeULong
}

var typeNames = map[ScalarType]string{
	TypeBoolean: "boolean",
	TypeByte:    "byte",
	TypeShort:   "short",
	TypeInt:     "int",
	TypeLong:    "long",
	TypeUByte:   "ubyte",
	TypeUShort:  "ushort",
	TypeUInt:    "uint",
	TypeULong:   "ulong",
	TypeFloat:   "float",
	TypeDouble:  "double",
	TypeString:  "string",
	TypeEnum:    "enum_t",

	TypeStructure: "structure",
}

// String returns the pvData type name ("double", "int[]", ...).
func (t ScalarType) String() string {
	name, ok := typeNames[t.Elem()]
	if !ok {
		return fmt.Sprintf("unknown(0x%02x)", uint8(t))
	}
	if t.IsArray() {
		return name + "[]"
	}
	return name
}

// ParseScalarType parses a pvData type name as produced by String.
func ParseScalarType(s string) (ScalarType, error) {
	array := false
	if len(s) > 2 && s[len(s)-2:] == "[]" {
		array = true
		s = s[:len(s)-2]
	}
	for t, name := range typeNames {
		if name == s {
			if array {
				return t.Array(), nil
			}
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown pvData type %q", s)
}

// DType returns the event-model descriptor dtype for values of type t.
func (t ScalarType) DType() string {
	switch {
	case t.IsArray():
		return "array"
	case t == TypeBoolean:
		return "boolean"
	case t.IsInteger(), t == TypeEnum:
		return "integer"
	case t.IsFloat():
		return "number"
	default:
		return "string"
	}
}

// TypeOf infers the pvData type of a Go value: float64 is double, int and
// int64 are long, and slices map to the array of their element type.
func TypeOf(x any) (ScalarType, bool) {
	switch x.(type) {
	case bool:
		return TypeBoolean, true
	case int8:
		return TypeByte, true
	case int16:
		return TypeShort, true
	case int32:
		return TypeInt, true
	case int, int64:
		return TypeLong, true
	case uint8:
		return TypeUByte, true
	case uint16:
		return TypeUShort, true
	case uint32:
		return TypeUInt, true
	case uint, uint64:
		return TypeULong, true
	case float32:
		return TypeFloat, true
	case float64:
		return TypeDouble, true
	case string:
		return TypeString, true
	case map[string]any, map[any]any:
		return TypeStructure, true
	}
	elems, ok := Elements(x)
	if !ok {
		return 0, false
	}
	if len(elems) == 0 {
		return TypeDouble.Array(), true
	}
	t, ok := TypeOf(elems[0])
	if !ok || t.IsArray() {
		return 0, false
	}
	return t.Array(), true
}
