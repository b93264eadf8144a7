package ads

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// DefaultStringLength is the encoded size of a TwinCAT STRING with the
// default declaration STRING(80): 80 characters plus the null terminator.
const DefaultStringLength = 81

// CodecErrorKind classifies codec failures. They are caller or
// configuration errors and are never retried.
type CodecErrorKind int

const (
	// ErrLengthMismatch: a fixed-width type was decoded from a buffer of
	// the wrong size.
	ErrLengthMismatch CodecErrorKind = iota
	// ErrTooLong: an encoded STRING would exceed the declared buffer.
	ErrTooLong
	// ErrTypeMismatch: a value's tag does not match the requested type.
	ErrTypeMismatch
)

func (k CodecErrorKind) String() string {
	switch k {
	case ErrLengthMismatch:
		return "length mismatch"
	case ErrTooLong:
		return "too long"
	case ErrTypeMismatch:
		return "type mismatch"
	default:
		return "codec error"
	}
}

// CodecError reports an encode or decode failure.
type CodecError struct {
	Kind CodecErrorKind
	Type Type   // the requested data type
	Got  string // what was seen instead (byte count, other tag)
}

func (e *CodecError) Error() string {
	if e.Got != "" {
		return fmt.Sprintf("codec: %v for %v (got %s)", e.Kind, e.Type, e.Got)
	}
	return fmt.Sprintf("codec: %v for %v", e.Kind, e.Type)
}

// IsCodecError reports whether err is a CodecError of the given kind.
func IsCodecError(err error, kind CodecErrorKind) bool {
	var ce *CodecError
	return errors.As(err, &ce) && ce.Kind == kind
}

// Encode serializes v for transmission as type t, little-endian.
// STRING values are bounded by DefaultStringLength; use EncodeN to bound
// against a different declared size. Encoding fails with ErrTypeMismatch
// when v's tag differs from t; no conversion is attempted.
func Encode(t Type, v Value) ([]byte, error) {
	return EncodeN(t, v, 0)
}

// EncodeN is Encode with an explicit maximum encoded size for STRING
// values (declared string length plus terminator). max <= 0 selects
// DefaultStringLength. max is ignored for fixed-width types.
func EncodeN(t Type, v Value, max int) ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("encode: unsupported type %v", t)
	}
	if v.typ != t {
		return nil, &CodecError{Kind: ErrTypeMismatch, Type: t, Got: v.typ.String()}
	}

	switch t.Kind() {
	case KindBool:
		if v.Bool() {
			return []byte{1}, nil
		}
		return []byte{0}, nil

	case KindInt:
		return putUint(t.Size(), uint64(v.Int())), nil

	case KindUint:
		return putUint(t.Size(), v.Uint()), nil

	case KindFloat:
		if t == TypeReal {
			return putUint(4, uint64(math.Float32bits(float32(v.Float())))), nil
		}
		return putUint(8, math.Float64bits(v.Float())), nil

	default: // KindString
		if max <= 0 {
			max = DefaultStringLength
		}
		s := v.Text()
		if len(s)+1 > max {
			return nil, &CodecError{Kind: ErrTooLong, Type: t,
				Got: fmt.Sprintf("%d bytes, max %d", len(s)+1, max)}
		}
		return append([]byte(s), 0), nil
	}
}

// Decode interprets b as a value of type t, little-endian.
// Fixed-width types require b to be exactly t.Size() bytes; anything else
// fails with ErrLengthMismatch. STRING decoding stops at the first null
// byte or the end of the buffer, whichever comes first.
func Decode(t Type, b []byte) (Value, error) {
	if !t.Valid() {
		return Value{}, fmt.Errorf("decode: unsupported type %v", t)
	}

	if t == TypeString {
		for i, c := range b {
			if c == 0 {
				return Value{typ: t, raw: string(b[:i])}, nil
			}
		}
		return Value{typ: t, raw: string(b)}, nil
	}

	size := t.Size()
	if len(b) != size {
		return Value{}, &CodecError{Kind: ErrLengthMismatch, Type: t,
			Got: fmt.Sprintf("%d bytes, want %d", len(b), size)}
	}

	switch t.Kind() {
	case KindBool:
		return Value{typ: t, raw: b[0] != 0}, nil

	case KindInt:
		// Two's-complement via sign extension from the fixed width.
		switch size {
		case 1:
			return Value{typ: t, raw: int64(int8(b[0]))}, nil
		case 2:
			return Value{typ: t, raw: int64(int16(binary.LittleEndian.Uint16(b)))}, nil
		default:
			return Value{typ: t, raw: int64(int32(binary.LittleEndian.Uint32(b)))}, nil
		}

	case KindUint:
		switch size {
		case 1:
			return Value{typ: t, raw: uint64(b[0])}, nil
		case 2:
			return Value{typ: t, raw: uint64(binary.LittleEndian.Uint16(b))}, nil
		default:
			return Value{typ: t, raw: uint64(binary.LittleEndian.Uint32(b))}, nil
		}

	default: // KindFloat
		if t == TypeReal {
			bits := binary.LittleEndian.Uint32(b)
			return Value{typ: t, raw: float64(math.Float32frombits(bits))}, nil
		}
		bits := binary.LittleEndian.Uint64(b)
		return Value{typ: t, raw: math.Float64frombits(bits)}, nil
	}
}

func putUint(size int, u uint64) []byte {
	buf := make([]byte, size)
	switch size {
	case 1:
		buf[0] = byte(u)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(u))
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(u))
	default:
		binary.LittleEndian.PutUint64(buf, u)
	}
	return buf
}
