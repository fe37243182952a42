package rowtable

import (
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/bits"
	"slices"
)

// maxOffsetMapSlots bounds the id range of an offset map table.
const maxOffsetMapSlots = 1 << 24

// Storage selects how Encode stores a column.
type Storage uint8

const (
	// StorageInline stores the value in every record at its declared width.
	StorageInline Storage = iota

	// StorageCommon stores the most frequent value once and lists the ids
	// whose value differs from it.
	StorageCommon

	// StoragePallet stores each distinct value once and a bit-packed index
	// in every record.
	StoragePallet
)

// Record is one row to encode.
type Record struct {
	ID     uint32
	Values []Value
}

// Copy duplicates the stored record with id Source under a new id.
type Copy struct {
	ID     uint32
	Source uint32
}

// Table is an in-memory table for Encode.
type Table struct {
	Schema     Schema
	Records    []Record
	TableHash  uint32
	LayoutHash uint32
	Locale     uint32

	// Storage selects the storage of each column. Columns without an entry
	// are stored inline. Only 32-bit or narrower numeric columns may use
	// common data or pallet storage.
	Storage []Storage

	// Copies are written to the copy table.
	Copies []Copy

	// Sparse writes an offset map table: records in id order with strings
	// inline. Every column must be stored inline.
	Sparse bool
}

// Encode writes t as a WDC1 table.
//
// Inline fields are stored unpacked at their declared width ahead of any
// pallet indexes, and record ids are written to the id list. In dense
// tables string values are deduplicated in the string block, which always
// starts with the empty string.
func Encode(w io.Writer, t *Table) error {
	if t == nil {
		return errors.New("rowtable: nil table")
	}
	if err := t.check(); err != nil {
		return err
	}

	var buf []byte
	var err error
	if t.Sparse {
		buf, err = t.encodeSparse()
	} else {
		buf, err = t.encodeDense()
	}
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("rowtable: write table: %w", err)
	}
	return nil
}

func (t *Table) storage(i int) Storage {
	if i < len(t.Storage) {
		return t.Storage[i]
	}
	return StorageInline
}

func (t *Table) check() error {
	if len(t.Schema) == 0 && len(t.Records) > 0 {
		return errors.New("rowtable: records without schema")
	}
	if len(t.Storage) > len(t.Schema) {
		return fmt.Errorf("rowtable: %d storage entries for %d columns", len(t.Storage), len(t.Schema))
	}
	for i, typ := range t.Schema {
		if typ.Bits() == 0 {
			return fmt.Errorf("rowtable: column %d has invalid type %s", i, typ)
		}
		s := t.storage(i)
		switch {
		case s > StoragePallet:
			return fmt.Errorf("rowtable: column %d has invalid storage %d", i, s)
		case s != StorageInline && t.Sparse:
			return fmt.Errorf("rowtable: column %d: sparse tables store every column inline", i)
		case s != StorageInline && (typ == TypeString || typ.Bits() > 32):
			return fmt.Errorf("rowtable: column %d: %s cannot use common or pallet storage", i, typ)
		}
	}

	ids := make(map[uint32]bool, len(t.Records))
	for n, rec := range t.Records {
		if len(rec.Values) != len(t.Schema) {
			return fmt.Errorf("rowtable: record %d has %d values, schema has %d columns",
				n, len(rec.Values), len(t.Schema))
		}
		for i, v := range rec.Values {
			if v.typ != t.Schema[i] {
				return fmt.Errorf("rowtable: record %d column %d is %s, schema declares %s", n, i, v.typ, t.Schema[i])
			}
		}
		if ids[rec.ID] && (t.Sparse || len(t.Copies) > 0 || t.hasCommon()) {
			return fmt.Errorf("rowtable: record %d repeats id %d", n, rec.ID)
		}
		ids[rec.ID] = true
	}
	for n, c := range t.Copies {
		if !ids[c.Source] {
			return fmt.Errorf("rowtable: copy %d references missing id %d", n, c.Source)
		}
	}
	return nil
}

func (t *Table) hasCommon() bool {
	return slices.Contains(t.Storage, StorageCommon)
}

// idRange returns the smallest and largest record id.
func (t *Table) idRange() (uint32, uint32) {
	var lo, hi uint32
	for n, rec := range t.Records {
		if n == 0 || rec.ID < lo {
			lo = rec.ID
		}
		if n == 0 || rec.ID > hi {
			hi = rec.ID
		}
	}
	return lo, hi
}

func (t *Table) header() Header {
	lo, hi := t.idRange()
	nfield := uint32(len(t.Schema)) //nolint:gosec // bounded by memory
	h := Header{
		RecordCount:          uint32(len(t.Records)), //nolint:gosec // bounded by memory
		FieldCount:           nfield,
		TableHash:            t.TableHash,
		LayoutHash:           t.LayoutHash,
		MinID:                lo,
		MaxID:                hi,
		Locale:               t.Locale,
		CopyTableSize:        uint32(len(t.Copies)) * copyEntrySize, //nolint:gosec // bounded by memory
		TotalFieldCount:      nfield,
		IDListSize:           uint32(len(t.Records)) * 4, //nolint:gosec // bounded by memory
		FieldStorageInfoSize: nfield * storageInfoSize,
	}
	copy(h.Magic[:], Magic)
	return h
}

func (t *Table) encodeDense() ([]byte, error) {
	le := binary.LittleEndian
	fields := make([]fieldStorage, len(t.Schema))
	offset := 0
	for i, typ := range t.Schema {
		if t.storage(i) != StorageInline {
			continue
		}
		fields[i] = fieldStorage{
			offsetBits: uint16(offset),     //nolint:gosec // record size bounded by column count
			sizeBits:   uint16(typ.Bits()), //nolint:gosec // width <= 64
		}
		offset += typ.Bits()
	}
	inlineBytes := offset / 8

	var pallet, common []byte
	indexes := make([]map[uint32]uint64, len(t.Schema))
	for i := range t.Schema {
		switch t.storage(i) {
		case StoragePallet:
			values, index := t.palletValues(i)
			width := 1
			if len(values) > 1 {
				width = bits.Len(uint(len(values) - 1))
			}
			fields[i] = fieldStorage{
				offsetBits:     uint16(offset),          //nolint:gosec // record size bounded by column count
				sizeBits:       uint16(width),           //nolint:gosec // width <= 32
				additionalSize: uint32(len(values)) * 4, //nolint:gosec // bounded by memory
				storageType:    storageBitpackedPallet,
			}
			for _, v := range values {
				pallet = le.AppendUint32(pallet, v)
			}
			indexes[i] = index
			offset += width
		case StorageCommon:
			def := t.commonDefault(i)
			start := len(common)
			for _, rec := range t.Records {
				if v := uint32(rec.Values[i].num); v != def { //nolint:gosec // 32-bit column
					common = le.AppendUint32(common, rec.ID)
					common = le.AppendUint32(common, v)
				}
			}
			fields[i] = fieldStorage{
				offsetBits:     uint16(offset),              //nolint:gosec // record size bounded by column count
				additionalSize: uint32(len(common) - start), //nolint:gosec // bounded by memory
				storageType:    storageCommonData,
				compression:    [3]uint32{def},
			}
		}
	}
	recordSize := (offset + 7) / 8

	st := newStringBlock()
	records := make([]byte, recordSize*len(t.Records))
	ids := make([]byte, 0, 4*len(t.Records))
	for n, rec := range t.Records {
		record := records[n*recordSize : (n+1)*recordSize]
		for i, v := range rec.Values {
			f := fields[i]
			switch t.storage(i) {
			case StorageInline:
				raw := v.num
				if t.Schema[i] == TypeString {
					raw = uint64(st.offset(v.str))
				}
				setBits(record, int(f.offsetBits), int(f.sizeBits), raw)
			case StoragePallet:
				setBits(record, int(f.offsetBits), int(f.sizeBits), indexes[i][uint32(v.num)]) //nolint:gosec // 32-bit column
			}
		}
		ids = le.AppendUint32(ids, rec.ID)
	}

	h := t.header()
	h.RecordSize = uint32(recordSize)           //nolint:gosec // bounded by column count
	h.StringTableSize = uint32(len(st.data))    //nolint:gosec // bounded by memory
	h.BitpackedDataOffset = uint32(inlineBytes) //nolint:gosec // bounded by column count
	h.PalletDataSize = uint32(len(pallet))      //nolint:gosec // bounded by memory
	h.CommonDataSize = uint32(len(common))      //nolint:gosec // bounded by memory

	buf := h.appendTo(make([]byte, 0, headerSize))
	buf = appendFieldStructs(buf, fields)
	buf = append(buf, records...)
	buf = append(buf, st.data...)
	buf = append(buf, ids...)
	buf = t.appendTrailer(buf, fields)
	buf = append(buf, pallet...)
	buf = append(buf, common...)
	return buf, nil
}

func (t *Table) encodeSparse() ([]byte, error) {
	le := binary.LittleEndian
	h := t.header()
	h.Flags |= flagOffsetMap
	slots := uint64(h.MaxID) - uint64(h.MinID) + 1
	if slots > maxOffsetMapSlots {
		return nil, fmt.Errorf("rowtable: id range [%d,%d] too wide for an offset map", h.MinID, h.MaxID)
	}

	fields := make([]fieldStorage, len(t.Schema))
	offset := 0
	for i, typ := range t.Schema {
		fields[i] = fieldStorage{
			offsetBits: uint16(offset),     //nolint:gosec // bounded by column count
			sizeBits:   uint16(typ.Bits()), //nolint:gosec // width <= 64
		}
		offset += typ.Bits()
	}

	records := slices.Clone(t.Records)
	slices.SortFunc(records, func(a, b Record) int { return cmp.Compare(a.ID, b.ID) })

	base := headerSize + len(fields)*fieldStructSize
	var body []byte
	offsetMap := make([]byte, slots*offsetMapEntrySize)
	ids := make([]byte, 0, 4*len(records))
	maxSize := 0
	for n, rec := range records {
		start := len(body)
		for i, v := range rec.Values {
			if t.Schema[i] == TypeString {
				body = append(body, v.str...)
				body = append(body, 0)
				continue
			}
			body = appendUint(body, v.num, t.Schema[i].Bits()/8)
		}
		size := len(body) - start
		if size > 0xffff {
			return nil, fmt.Errorf("rowtable: record %d is %d bytes, offset maps hold at most 65535", n, size)
		}
		maxSize = max(maxSize, size)
		slot := offsetMap[(rec.ID-h.MinID)*offsetMapEntrySize:]
		le.PutUint32(slot, uint32(base+start)) //nolint:gosec // bounded by memory
		le.PutUint16(slot[4:], uint16(size))   //nolint:gosec // checked above
		ids = le.AppendUint32(ids, rec.ID)
	}
	h.RecordSize = uint32(maxSize)               //nolint:gosec // at most 65535
	h.OffsetMapOffset = uint32(base + len(body)) //nolint:gosec // bounded by memory

	buf := h.appendTo(make([]byte, 0, headerSize))
	buf = appendFieldStructs(buf, fields)
	buf = append(buf, body...)
	buf = append(buf, offsetMap...)
	buf = append(buf, ids...)
	return t.appendTrailer(buf, fields), nil
}

// appendTrailer appends the copy table and field storage info.
func (t *Table) appendTrailer(buf []byte, fields []fieldStorage) []byte {
	for _, c := range t.Copies {
		buf = binary.LittleEndian.AppendUint32(buf, c.ID)
		buf = binary.LittleEndian.AppendUint32(buf, c.Source)
	}
	for _, f := range fields {
		buf = f.appendTo(buf)
	}
	return buf
}

// palletValues returns the distinct values of column i in first-seen order
// and the index of each.
func (t *Table) palletValues(i int) ([]uint32, map[uint32]uint64) {
	var values []uint32
	index := make(map[uint32]uint64)
	for _, rec := range t.Records {
		v := uint32(rec.Values[i].num) //nolint:gosec // 32-bit column
		if _, ok := index[v]; !ok {
			index[v] = uint64(len(values))
			values = append(values, v)
		}
	}
	return values, index
}

// commonDefault returns the most frequent value of column i, preferring
// the first seen on ties.
func (t *Table) commonDefault(i int) uint32 {
	counts := make(map[uint32]int)
	var def uint32
	best := 0
	for _, rec := range t.Records {
		v := uint32(rec.Values[i].num) //nolint:gosec // 32-bit column
		counts[v]++
		if counts[v] > best {
			def, best = v, counts[v]
		}
	}
	return def
}

func appendFieldStructs(buf []byte, fields []fieldStorage) []byte {
	for _, f := range fields {
		// Field structures store 32 minus the width, then the byte offset.
		buf = binary.LittleEndian.AppendUint16(buf, uint16(stringOffsetBits-int(f.sizeBits))) //nolint:gosec // two's complement int16
		buf = binary.LittleEndian.AppendUint16(buf, f.offsetBits/8)
	}
	return buf
}

// setBits stores the low size bits of v at bit offset in record.
func setBits(record []byte, offset, size int, v uint64) {
	for i := range size {
		if v>>i&1 != 0 {
			bit := offset + i
			record[bit/8] |= 1 << (bit % 8)
		}
	}
}

func appendUint(b []byte, v uint64, size int) []byte {
	for i := range size {
		b = append(b, byte(v>>(8*i)))
	}
	return b
}

// stringBlock accumulates NUL-terminated strings.
type stringBlock struct {
	data    []byte
	offsets map[string]uint32
}

func newStringBlock() *stringBlock {
	return &stringBlock{data: []byte{0}, offsets: map[string]uint32{"": 0}}
}

func (s *stringBlock) offset(str string) uint32 {
	if off, ok := s.offsets[str]; ok {
		return off
	}
	off := uint32(len(s.data)) //nolint:gosec // bounded by memory
	s.data = append(s.data, str...)
	s.data = append(s.data, 0)
	s.offsets[str] = off
	return off
}
