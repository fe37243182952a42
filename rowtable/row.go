package rowtable

import (
	"bytes"
	"fmt"
	"math"
)

// Row is a view over one record.
//
// A Row is only valid while its Reader is open.
type Row struct {
	r      *Reader
	index  int
	id     uint32
	key    uint32 // id of the stored record, for common data
	record []byte
}

// Index returns the record's position in the table.
func (row Row) Index() int {
	return row.index
}

// ID returns the record id.
func (row Row) ID() uint32 {
	return row.id
}

// Field decodes column i according to the schema. Pallet array columns
// decode to their first element; use Values for the whole array.
func (row Row) Field(i int) (Value, error) {
	f, typ, err := row.column(i)
	if err != nil {
		return Value{}, err
	}
	if row.r.isSparse() {
		return row.inline(i)
	}

	switch f.storageType {
	case storageCommonData:
		return value32(typ, row.common(i, f)), nil
	case storageBitpackedPallet, storagePalletArray:
		v, err := row.r.palletValue(i, row.r.bits(row.record, f), 0, row.section(i))
		if err != nil {
			return Value{}, err
		}
		return value32(typ, v), nil
	}

	raw := row.r.bits(row.record, f)
	if typ == TypeString {
		s, err := row.r.str(uint32(raw), row.section(i)) //nolint:gosec // string offsets are 32-bit
		if err != nil {
			return Value{}, err
		}
		return StringValue(s), nil
	}
	return row.decode(i, typ, f, raw)
}

// Values decodes every element of column i. Columns other than pallet
// arrays hold a single element.
func (row Row) Values(i int) ([]Value, error) {
	f, typ, err := row.column(i)
	if err != nil {
		return nil, err
	}
	if row.r.isSparse() || f.storageType != storagePalletArray {
		v, err := row.Field(i)
		if err != nil {
			return nil, err
		}
		return []Value{v}, nil
	}

	index := row.r.bits(row.record, f)
	out := make([]Value, f.cardinality())
	for e := range out {
		v, err := row.r.palletValue(i, index, e, row.section(i))
		if err != nil {
			return nil, err
		}
		out[e] = value32(typ, v)
	}
	return out, nil
}

// decode interprets the raw bits of an inline or bit-packed field.
func (row Row) decode(i int, typ ColumnType, f fieldStorage, raw uint64) (Value, error) {
	switch {
	case typ == TypeFloat32:
		return FloatValue(math.Float32frombits(uint32(raw))), nil //nolint:gosec // 32-bit field
	case typ.signed() && f.storageType == storageBitpacked:
		return IntValue(typ, int64(raw)), nil //nolint:gosec // unsigned packing fits the column
	case typ.signed():
		return IntValue(typ, signExtend(raw, int(f.sizeBits))), nil
	case f.storageType == storageBitpackedSigned:
		return Value{}, &FormatError{Section: row.section(i), Offset: -1,
			Reason: fmt.Sprintf("signed packed field declared as %s", typ)}
	default:
		return UintValue(typ, raw), nil
	}
}

// common returns the common data value of field f for the stored record.
func (row Row) common(i int, f fieldStorage) uint32 {
	if v, ok := row.r.common[i][row.key]; ok {
		return v
	}
	return f.compression[0]
}

// inline decodes column i of an offset map record. Fields are laid out in
// order with strings stored NUL-terminated in place.
func (row Row) inline(i int) (Value, error) {
	rec := row.record
	pos := 0
	for j := 0; ; j++ {
		typ := row.r.schema[j]
		f := row.r.fields[j]
		if typ == TypeString {
			end := bytes.IndexByte(rec[pos:], 0)
			if end < 0 {
				return Value{}, formatErr(row.section(j), int64(pos), "unterminated string")
			}
			if j == i {
				return StringValue(string(rec[pos : pos+end])), nil
			}
			pos += end + 1
			continue
		}

		size := int(f.sizeBits) / 8
		if pos+size > len(rec) {
			return Value{}, formatErr(row.section(j), int64(pos), "%d-byte field past %d-byte record", size, len(rec))
		}
		if j == i {
			var raw uint64
			for b := size - 1; b >= 0; b-- {
				raw = raw<<8 | uint64(rec[pos+b])
			}
			return row.decode(i, typ, f, raw)
		}
		pos += size
	}
}

// value32 converts a pallet or common data value to a column value.
func value32(typ ColumnType, v uint32) Value {
	switch {
	case typ == TypeFloat32:
		return FloatValue(math.Float32frombits(v))
	case typ.signed():
		return IntValue(typ, signExtend(uint64(v), min(typ.Bits(), 32)))
	default:
		mask := uint64(1)<<typ.Bits() - 1
		return UintValue(typ, uint64(v)&mask)
	}
}

// Str returns string column i.
func (row Row) Str(i int) (string, error) {
	if err := row.expect(i, TypeString); err != nil {
		return "", err
	}
	v, err := row.Field(i)
	if err != nil {
		return "", err
	}
	s, _ := v.Str()
	return s, nil
}

// Int32 returns int32 column i.
func (row Row) Int32(i int) (int32, error) {
	v, err := row.signed(i, TypeInt32)
	return int32(v), err //nolint:gosec // width checked by schema
}

// Int64 returns int64 column i.
func (row Row) Int64(i int) (int64, error) {
	return row.signed(i, TypeInt64)
}

// Uint8 returns uint8 column i.
func (row Row) Uint8(i int) (uint8, error) {
	v, err := row.unsigned(i, TypeUint8)
	return uint8(v), err //nolint:gosec // width checked by schema
}

// Uint16 returns uint16 column i.
func (row Row) Uint16(i int) (uint16, error) {
	v, err := row.unsigned(i, TypeUint16)
	return uint16(v), err //nolint:gosec // width checked by schema
}

// Uint32 returns uint32 column i.
func (row Row) Uint32(i int) (uint32, error) {
	v, err := row.unsigned(i, TypeUint32)
	return uint32(v), err //nolint:gosec // width checked by schema
}

// Uint64 returns uint64 column i.
func (row Row) Uint64(i int) (uint64, error) {
	return row.unsigned(i, TypeUint64)
}

// Float32 returns float32 column i.
func (row Row) Float32(i int) (float32, error) {
	if err := row.expect(i, TypeFloat32); err != nil {
		return 0, err
	}
	v, err := row.Field(i)
	if err != nil {
		return 0, err
	}
	f, _ := v.Float()
	return f, nil
}

func (row Row) signed(i int, want ColumnType) (int64, error) {
	if err := row.expect(i, want); err != nil {
		return 0, err
	}
	v, err := row.Field(i)
	if err != nil {
		return 0, err
	}
	n, _ := v.Int()
	return n, nil
}

func (row Row) unsigned(i int, want ColumnType) (uint64, error) {
	if err := row.expect(i, want); err != nil {
		return 0, err
	}
	v, err := row.Field(i)
	if err != nil {
		return 0, err
	}
	n, _ := v.Uint()
	return n, nil
}

// expect fails unless column i exists in the schema with type want.
func (row Row) expect(i int, want ColumnType) error {
	_, typ, err := row.column(i)
	if err != nil {
		return err
	}
	if typ != want {
		return &FormatError{Section: row.section(i), Offset: -1,
			Reason: fmt.Sprintf("column %d is %s, not %s", i, typ, want)}
	}
	return nil
}

func (row Row) column(i int) (fieldStorage, ColumnType, error) {
	if row.r == nil {
		return fieldStorage{}, 0, formatErr("row", -1, "zero row")
	}
	if row.r.closed.Load() {
		return fieldStorage{}, 0, ErrClosed
	}
	if i < 0 || i >= len(row.r.schema) {
		return fieldStorage{}, 0, &FormatError{Section: row.section(i), Offset: -1,
			Reason: fmt.Sprintf("column %d outside %d-column schema", i, len(row.r.schema))}
	}
	return row.r.fields[i], row.r.schema[i], nil
}

func (row Row) section(col int) string {
	return fmt.Sprintf("row %d column %d", row.index, col)
}

func signExtend(v uint64, bits int) int64 {
	if bits >= 64 {
		return int64(v) //nolint:gosec // two's complement reinterpretation
	}
	shift := 64 - bits
	return int64(v<<shift) >> shift //nolint:gosec // two's complement reinterpretation
}
