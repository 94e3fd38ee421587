package pvdata

import "fmt"

// Value is a PV value with its metadata, equivalent to the value, alarm
// and timeStamp fields of an NTScalar, NTScalarArray or NTEnum.
//
// Data holds the canonical Go type for Type: bool, int8 ... uint64,
// float32, float64, string, a slice of one of those for arrays, or the
// int32 index for TypeEnum.
type Value struct {
	Type      ScalarType `cbor:"1,keyasint"`
	Data      any        `cbor:"2,keyasint"`
	Choices   []string   `cbor:"3,keyasint,omitempty"`
	Alarm     Alarm      `cbor:"4,keyasint"`
	TimeStamp TimeStamp  `cbor:"5,keyasint"`
}

// NewValue builds a value of type t, coercing data and stamping it with the
// current time.
func NewValue(t ScalarType, data any) (Value, error) {
	d, err := Coerce(t, data)
	if err != nil {
		return Value{}, err
	}
	return Value{Type: t, Data: d, TimeStamp: Now()}, nil
}

// NewEnum builds an NTEnum value.
func NewEnum(index int32, choices ...string) Value {
	return Value{Type: TypeEnum, Data: index, Choices: choices, TimeStamp: Now()}
}

// Normalize converts Data to the canonical Go type for Type. Values decoded
// from CBOR carry generic types (uint64, []any) until normalized.
func (v *Value) Normalize() error {
	if v.Data == nil {
		return nil
	}
	d, err := Coerce(v.Type, v.Data)
	if err != nil {
		return err
	}
	v.Data = d
	return nil
}

// EnumString returns the choice selected by an enum value.
func (v Value) EnumString() (string, bool) {
	if v.Type != TypeEnum {
		return "", false
	}
	idx, ok := ToInt64(v.Data)
	if !ok || idx < 0 || int(idx) >= len(v.Choices) {
		return "", false
	}
	return v.Choices[idx], true
}

// EnumIndex returns the index of choice, or -1.
func (v Value) EnumIndex(choice string) int32 {
	for i, c := range v.Choices {
		if c == choice {
			return int32(i)
		}
	}
	return -1
}

// String formats the value the way pvget prints it.
func (v Value) String() string {
	data := fmt.Sprint(v.Data)
	if s, ok := v.EnumString(); ok {
		data = s
	}
	ts := v.TimeStamp.Time().UTC().Format("2006-01-02 15:04:05.000")
	if v.Alarm.OK() {
		return fmt.Sprintf("%s %s", ts, data)
	}
	return fmt.Sprintf("%s %s %s", ts, data, v.Alarm)
}
