// Package ads provides the typed value model and binary codec for Beckhoff
// TwinCAT PLC variables accessed over the ADS protocol.
package ads

import (
	"fmt"
	"strings"
)

// Type identifies a PLC data type.
// ADS uses little-endian byte order (native x86 format) for all of them.
type Type uint8

const (
	TypeInvalid   Type = iota
	TypeBool           // BOOL, 1 byte
	TypeByte           // BYTE, 1 byte unsigned
	TypeSint           // SINT, 1 byte signed
	TypeUsint          // USINT, 1 byte unsigned
	TypeInt            // INT, 2 bytes signed
	TypeUint           // UINT, 2 bytes unsigned
	TypeWord           // WORD, 2 bytes unsigned
	TypeDint           // DINT, 4 bytes signed
	TypeUdint          // UDINT, 4 bytes unsigned
	TypeDword          // DWORD, 4 bytes unsigned
	TypeReal           // REAL, IEEE-754 binary32
	TypeLreal          // LREAL, IEEE-754 binary64
	TypeString         // STRING, variable length, null-terminated
	TypeTime           // TIME, 4 bytes, milliseconds duration
	TypeDate           // DATE, 4 bytes, seconds since epoch
	TypeDateTime       // DT, 4 bytes, seconds since epoch
	TypeTimeOfDay      // TOD, 4 bytes, milliseconds since midnight
)

// typeNames uses the lowercase spellings accepted in configuration and in
// write commands ("adstype").
var typeNames = map[Type]string{
	TypeBool:      "bool",
	TypeByte:      "byte",
	TypeSint:      "sint",
	TypeUsint:     "usint",
	TypeInt:       "int",
	TypeUint:      "uint",
	TypeWord:      "word",
	TypeDint:      "dint",
	TypeUdint:     "udint",
	TypeDword:     "dword",
	TypeReal:      "real",
	TypeLreal:     "lreal",
	TypeString:    "string",
	TypeTime:      "time",
	TypeDate:      "date",
	TypeDateTime:  "dt",
	TypeTimeOfDay: "tod",
}

// String returns the configuration name for the type.
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// ParseType returns the type for a configuration name.
// Names are matched case-insensitively; "date_and_time" and "time_of_day"
// are accepted as aliases for "dt" and "tod".
func ParseType(name string) (Type, bool) {
	switch strings.ToLower(name) {
	case "date_and_time":
		return TypeDateTime, true
	case "time_of_day":
		return TypeTimeOfDay, true
	}
	for t, n := range typeNames {
		if strings.EqualFold(name, n) {
			return t, true
		}
	}
	return TypeInvalid, false
}

// SupportedTypeNames returns the list of accepted type names.
func SupportedTypeNames() []string {
	return []string{
		"bool", "byte", "sint", "usint",
		"int", "uint", "word",
		"dint", "udint", "dword",
		"real", "lreal", "string",
		"time", "date", "dt", "tod",
	}
}

// Size returns the fixed byte width of the type, or 0 for STRING.
func (t Type) Size() int {
	switch t {
	case TypeBool, TypeByte, TypeSint, TypeUsint:
		return 1
	case TypeInt, TypeUint, TypeWord:
		return 2
	case TypeDint, TypeUdint, TypeDword, TypeReal,
		TypeTime, TypeDate, TypeDateTime, TypeTimeOfDay:
		return 4
	case TypeLreal:
		return 8
	default:
		return 0
	}
}

// Kind buckets types by the native representation their values carry.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBool         // bool
	KindInt          // int64 (signed integers and the 32-bit time counts)
	KindUint         // uint64
	KindFloat        // float64
	KindString       // string
)

// Kind returns the value kind for the type.
// The time family (TIME, DATE, DT, TOD) carries signed 32-bit counts, the
// same treatment TwinCAT gives a DINT.
func (t Type) Kind() Kind {
	switch t {
	case TypeBool:
		return KindBool
	case TypeSint, TypeInt, TypeDint,
		TypeTime, TypeDate, TypeDateTime, TypeTimeOfDay:
		return KindInt
	case TypeByte, TypeUsint, TypeUint, TypeWord, TypeUdint, TypeDword:
		return KindUint
	case TypeReal, TypeLreal:
		return KindFloat
	case TypeString:
		return KindString
	default:
		return KindInvalid
	}
}

// Valid reports whether t is one of the supported types.
func (t Type) Valid() bool {
	return t.Kind() != KindInvalid
}
