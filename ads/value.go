package ads

import (
	"fmt"
	"math"
)

// Value is a decoded PLC value tagged with its ADS type.
// The tag of a Value always matches the data type it was decoded from or
// constructed for; the codec never coerces across types.
type Value struct {
	typ Type
	raw any // bool, int64, uint64, float64 or string, per typ.Kind()
}

// Type returns the value's type tag.
func (v Value) Type() Type {
	return v.typ
}

// IsZero reports whether v is the zero Value (no type, no payload).
func (v Value) IsZero() bool {
	return v.typ == TypeInvalid && v.raw == nil
}

// Bool returns the payload of a KindBool value, false otherwise.
func (v Value) Bool() bool {
	b, _ := v.raw.(bool)
	return b
}

// Int returns the payload of a KindInt value, 0 otherwise.
func (v Value) Int() int64 {
	i, _ := v.raw.(int64)
	return i
}

// Uint returns the payload of a KindUint value, 0 otherwise.
func (v Value) Uint() uint64 {
	u, _ := v.raw.(uint64)
	return u
}

// Float returns the payload of a KindFloat value, 0 otherwise.
func (v Value) Float() float64 {
	f, _ := v.raw.(float64)
	return f
}

// Text returns the payload of a KindString value, "" otherwise.
func (v Value) Text() string {
	s, _ := v.raw.(string)
	return s
}

// Interface returns the native Go payload for JSON-friendly output.
func (v Value) Interface() any {
	return v.raw
}

// Equal reports whether two values have the same tag and payload.
func (v Value) Equal(o Value) bool {
	return v.typ == o.typ && v.raw == o.raw
}

// String implements fmt.Stringer.
func (v Value) String() string {
	if v.IsZero() {
		return "<none>"
	}
	return fmt.Sprintf("%v(%v)", v.typ, v.raw)
}

// Float64Value returns the payload widened to float64 regardless of kind.
// Bool maps to 0/1; strings return 0 and ok=false.
func (v Value) Float64Value() (float64, bool) {
	switch v.typ.Kind() {
	case KindBool:
		if v.Bool() {
			return 1, true
		}
		return 0, true
	case KindInt:
		return float64(v.Int()), true
	case KindUint:
		return float64(v.Uint()), true
	case KindFloat:
		return v.Float(), true
	default:
		return 0, false
	}
}

// Bool returns a BOOL value.
func Bool(b bool) Value {
	return Value{typ: TypeBool, raw: b}
}

// String returns a STRING value.
func String(s string) Value {
	return Value{typ: TypeString, raw: s}
}

// intRange returns the inclusive bounds for a KindInt type.
func intRange(t Type) (int64, int64) {
	switch t {
	case TypeSint:
		return math.MinInt8, math.MaxInt8
	case TypeInt:
		return math.MinInt16, math.MaxInt16
	default: // DINT and the 32-bit time counts
		return math.MinInt32, math.MaxInt32
	}
}

// uintMax returns the upper bound for a KindUint type.
func uintMax(t Type) uint64 {
	switch t {
	case TypeByte, TypeUsint:
		return math.MaxUint8
	case TypeUint, TypeWord:
		return math.MaxUint16
	default: // UDINT, DWORD
		return math.MaxUint32
	}
}

// NewValue builds a Value of type t from a native Go value.
// It accepts the types produced by JSON and YAML decoding (bool, int,
// int64, uint64, float64, string) plus Value itself, and rejects values
// that fall outside the target type's range. It never converts across
// kinds except for the integral numeric cases listed here.
func NewValue(t Type, native any) (Value, error) {
	if !t.Valid() {
		return Value{}, fmt.Errorf("unsupported type %v", t)
	}

	if v, ok := native.(Value); ok {
		if v.typ != t {
			return Value{}, &CodecError{Kind: ErrTypeMismatch, Type: t, Got: v.typ.String()}
		}
		return v, nil
	}

	switch t.Kind() {
	case KindBool:
		switch n := native.(type) {
		case bool:
			return Value{typ: t, raw: n}, nil
		case int:
			return Value{typ: t, raw: n != 0}, nil
		case int64:
			return Value{typ: t, raw: n != 0}, nil
		case float64:
			return Value{typ: t, raw: n != 0}, nil
		}

	case KindInt:
		i, ok := toInt64(native)
		if !ok {
			break
		}
		lo, hi := intRange(t)
		if i < lo || i > hi {
			return Value{}, fmt.Errorf("value %d out of range for %v", i, t)
		}
		return Value{typ: t, raw: i}, nil

	case KindUint:
		i, ok := toInt64(native)
		if !ok || i < 0 {
			break
		}
		if uint64(i) > uintMax(t) {
			return Value{}, fmt.Errorf("value %d out of range for %v", i, t)
		}
		return Value{typ: t, raw: uint64(i)}, nil

	case KindFloat:
		switch n := native.(type) {
		case float64:
			return Value{typ: t, raw: n}, nil
		case float32:
			return Value{typ: t, raw: float64(n)}, nil
		case int:
			return Value{typ: t, raw: float64(n)}, nil
		case int64:
			return Value{typ: t, raw: float64(n)}, nil
		}

	case KindString:
		if s, ok := native.(string); ok {
			return Value{typ: t, raw: s}, nil
		}
	}

	return Value{}, fmt.Errorf("cannot convert %T to %v", native, t)
}

// toInt64 converts integral native values, including whole float64s as
// produced by JSON decoding.
func toInt64(native any) (int64, bool) {
	switch n := native.(type) {
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
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	}
	return 0, false
}

// MustValue is NewValue for constant inputs; it panics on error.
func MustValue(t Type, native any) Value {
	v, err := NewValue(t, native)
	if err != nil {
		panic(err)
	}
	return v
}
