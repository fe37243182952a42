package rowtable

import (
	"fmt"
	"math"
)

// ColumnType declares how a column's bits are interpreted.
type ColumnType uint8

// Column types. String columns hold a 32-bit offset into the string block.
const (
	TypeString ColumnType = iota + 1
	TypeInt8
	TypeUint8
	TypeInt16
	TypeUint16
	TypeInt32
	TypeUint32
	TypeInt64
	TypeUint64
	TypeFloat32
)

func (t ColumnType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeInt8:
		return "int8"
	case TypeUint8:
		return "uint8"
	case TypeInt16:
		return "int16"
	case TypeUint16:
		return "uint16"
	case TypeInt32:
		return "int32"
	case TypeUint32:
		return "uint32"
	case TypeInt64:
		return "int64"
	case TypeUint64:
		return "uint64"
	case TypeFloat32:
		return "float32"
	default:
		return fmt.Sprintf("ColumnType(%d)", uint8(t))
	}
}

// Bits returns the storage width of the type in bits, or 0 if t is invalid.
func (t ColumnType) Bits() int {
	switch t {
	case TypeInt8, TypeUint8:
		return 8
	case TypeInt16, TypeUint16:
		return 16
	case TypeString, TypeInt32, TypeUint32, TypeFloat32:
		return 32
	case TypeInt64, TypeUint64:
		return 64
	default:
		return 0
	}
}

func (t ColumnType) signed() bool {
	switch t {
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		return true
	default:
		return false
	}
}

// integer reports whether values of t may be bit-packed.
func (t ColumnType) integer() bool {
	return t != TypeString && t != TypeFloat32 && t.Bits() > 0
}

// Schema lists the declared type of each leading column of a table.
//
// A schema may be shorter than the table's field count; trailing fields are
// then outside the schema and cannot be read.
type Schema []ColumnType

// Value is a decoded field. Exactly one of the accessors matching Type
// reports ok.
type Value struct {
	typ ColumnType
	str string
	num uint64
}

// StringValue returns a string Value.
func StringValue(s string) Value {
	return Value{typ: TypeString, str: s}
}

// IntValue returns a signed integer Value of type t.
func IntValue(t ColumnType, v int64) Value {
	return Value{typ: t, num: uint64(v)} //nolint:gosec // two's complement storage
}

// UintValue returns an unsigned integer Value of type t.
func UintValue(t ColumnType, v uint64) Value {
	return Value{typ: t, num: v}
}

// FloatValue returns a float32 Value.
func FloatValue(v float32) Value {
	return Value{typ: TypeFloat32, num: uint64(math.Float32bits(v))}
}

// Type returns the column type of the value.
func (v Value) Type() ColumnType {
	return v.typ
}

// Str returns the string payload.
func (v Value) Str() (string, bool) {
	return v.str, v.typ == TypeString
}

// Int returns the payload of a signed integer value.
func (v Value) Int() (int64, bool) {
	if !v.typ.signed() {
		return 0, false
	}
	return int64(v.num), true //nolint:gosec // two's complement storage
}

// Uint returns the payload of an unsigned integer value.
func (v Value) Uint() (uint64, bool) {
	if v.typ.signed() || !v.typ.integer() {
		return 0, false
	}
	return v.num, true
}

// Float returns the payload of a float32 value.
func (v Value) Float() (float32, bool) {
	if v.typ != TypeFloat32 {
		return 0, false
	}
	return math.Float32frombits(uint32(v.num)), true //nolint:gosec // float32 bits
}

func (v Value) GoString() string {
	switch {
	case v.typ == TypeString:
		return fmt.Sprintf("%s(%q)", v.typ, v.str)
	case v.typ == TypeFloat32:
		f, _ := v.Float()
		return fmt.Sprintf("%s(%g)", v.typ, f)
	case v.typ.signed():
		return fmt.Sprintf("%s(%d)", v.typ, int64(v.num)) //nolint:gosec // two's complement storage
	default:
		return fmt.Sprintf("%s(%d)", v.typ, v.num)
	}
}
