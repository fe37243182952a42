// Package rowtable decodes WDC1 client database tables.
//
// A WDC1 table is a fixed header followed by field structures, the record
// data and trailing metadata blocks (id list, copy table, field storage info,
// pallet and common data). Dense tables hold fixed-size records and a string
// block; string fields are 32-bit offsets into it. Tables flagged with an
// offset map hold variable-size records with strings stored inline.
//
// Fields are stored inline, bit-packed, as an index into a pallet of 32-bit
// values, or as common data (a default value plus per-id exceptions). Rows
// listed in the copy table are yielded after the stored records under their
// own ids.
//
// WDC1 does not record field types, so callers declare them with a [Schema].
// [NewReader] validates the header and the schema against the field storage
// info before any row is produced, and [Row] accessors fail with a
// [FormatError] when the requested type does not match the schema. Fields
// past the schema are never decoded.
package rowtable

import (
	"encoding/binary"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync/atomic"
)

// Reader decodes one table held in memory.
//
// Rows produced by a Reader alias its buffer and become invalid after Close.
type Reader struct {
	header   Header
	schema   Schema
	fields   []fieldStorage
	data     []byte
	records  []byte
	strings  []byte
	ids      []byte
	sparse   []sparseRecord
	copies   []Copy
	pallets  [][]byte
	common   []map[uint32]uint32
	consumed atomic.Bool
	closed   atomic.Bool
	maxSize  int64
	logger   *slog.Logger
}

// sparseRecord is one present entry of an offset map.
type sparseRecord struct {
	id   uint32
	data []byte
}

// Option configures a Reader.
type Option func(*Reader)

// WithMaxSize limits how many bytes are read from the stream.
// Use a value <= 0 to disable the limit. Defaults to 256 MiB.
func WithMaxSize(n int64) Option {
	return func(r *Reader) {
		r.maxSize = n
	}
}

// WithLogger sets the logger for decode diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reader) {
		r.logger = logger
	}
}

// log returns the logger, falling back to a discard logger if nil.
func (r *Reader) log() *slog.Logger {
	if r.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.logger
}

// NewReader reads a table from src and validates it against schema.
//
// Malformed headers, unsupported storage and schema mismatches are reported
// here, before any row is produced. Only schema columns and the id field
// are checked; other fields may use any storage.
func NewReader(src io.Reader, schema Schema, opts ...Option) (*Reader, error) {
	r := &Reader{
		schema:  schema,
		maxSize: defaultMaxTable,
	}
	for _, opt := range opts {
		opt(r)
	}

	var reader io.Reader = src
	if r.maxSize > 0 {
		reader = io.LimitReader(src, r.maxSize+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("rowtable: read table: %w", err)
	}
	if r.maxSize > 0 && int64(len(data)) > r.maxSize {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, r.maxSize)
	}

	if err := r.parse(data); err != nil {
		return nil, err
	}
	r.log().Debug("table loaded",
		"records", r.stored(),
		"copies", len(r.copies),
		"fields", r.header.FieldCount,
		"record_size", r.header.RecordSize,
		"strings", r.header.StringTableSize,
		"offset_map", r.isSparse(),
	)
	return r, nil
}

// Header returns the table header.
func (r *Reader) Header() Header {
	return r.header
}

// Schema returns the schema the reader was validated against.
func (r *Reader) Schema() Schema {
	return r.schema
}

// Len returns the number of rows Rows yields, copies included.
func (r *Reader) Len() int {
	return r.stored() + len(r.copies)
}

// Close releases the table buffer. Rows obtained earlier report ErrClosed.
func (r *Reader) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	r.data, r.records, r.strings, r.ids = nil, nil, nil, nil
	r.sparse, r.pallets, r.common = nil, nil, nil
	return nil
}

// Rows returns a single-pass iterator over the stored records in file order,
// followed by one row per copy table entry.
//
// A second call yields ErrConsumed; reopen the stream to iterate again.
// Iteration stops early if the reader is closed.
func (r *Reader) Rows() iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		if r.consumed.Swap(true) {
			yield(Row{}, ErrConsumed)
			return
		}
		n := r.stored()
		var byID map[uint32]int
		if len(r.copies) > 0 {
			byID = make(map[uint32]int, n)
		}
		for i := range n {
			if r.closed.Load() {
				yield(Row{}, ErrClosed)
				return
			}
			row, err := r.row(i)
			if err != nil {
				yield(Row{}, err)
				return
			}
			if byID != nil {
				byID[row.id] = i
			}
			if !yield(row, nil) {
				return
			}
		}

		for k, c := range r.copies {
			if r.closed.Load() {
				yield(Row{}, ErrClosed)
				return
			}
			src, ok := byID[c.Source]
			if !ok {
				yield(Row{}, formatErr("copy table", int64(k)*copyEntrySize,
					"id %d copies missing id %d", c.ID, c.Source))
				return
			}
			row, err := r.row(src)
			if err != nil {
				yield(Row{}, err)
				return
			}
			row.index = n + k
			row.id = c.ID
			if !yield(row, nil) {
				return
			}
		}
	}
}

// stored returns the number of records held in the record data.
func (r *Reader) stored() int {
	if r.isSparse() {
		return len(r.sparse)
	}
	return int(r.header.RecordCount)
}

func (r *Reader) isSparse() bool {
	return r.header.Flags&flagOffsetMap != 0
}

// row builds the view of stored record i.
func (r *Reader) row(i int) (Row, error) {
	row := Row{r: r, index: i}
	if r.isSparse() {
		row.record = r.sparse[i].data
		row.id = r.sparse[i].id
		if len(r.ids) > 0 {
			row.id = binary.LittleEndian.Uint32(r.ids[i*4:])
		}
		row.key = row.id
		return row, nil
	}
	size := int(r.header.RecordSize)
	row.record = r.records[i*size : (i+1)*size]
	id, err := r.rowID(&row)
	if err != nil {
		return Row{}, err
	}
	row.id = id
	row.key = id
	return row, nil
}

func (r *Reader) parse(data []byte) error {
	if len(data) < headerSize {
		return formatErr("header", 0, "truncated: %d bytes", len(data))
	}
	if string(data[:4]) != Magic {
		return formatErr("header", 0, "bad magic %q", data[:4])
	}
	h := parseHeader(data)
	r.header = h

	if h.FieldCount == 0 && h.RecordCount > 0 {
		return formatErr("header", 8, "records without fields")
	}
	if uint64(h.FieldStorageInfoSize) != uint64(h.FieldCount)*storageInfoSize {
		return formatErr("header", 68, "field storage info size %d does not cover %d fields",
			h.FieldStorageInfoSize, h.FieldCount)
	}
	if h.CopyTableSize%copyEntrySize != 0 {
		return formatErr("header", 40, "copy table size %d is not a multiple of %d", h.CopyTableSize, copyEntrySize)
	}

	// Section layout: field structures, then either records and the string
	// block or variable records and the offset map, then id list, copy
	// table, field storage info, pallet, common, relationship.
	off := uint64(headerSize) + uint64(h.FieldCount)*fieldStructSize
	recordsStart := off
	var stringsStart, idsStart, mapStart uint64
	var slots uint64
	if r.isSparse() {
		if h.MaxID < h.MinID {
			return formatErr("header", 28, "id range [%d,%d] is empty", h.MinID, h.MaxID)
		}
		if uint64(h.OffsetMapOffset) < recordsStart {
			return formatErr("header", 60, "offset map at %d overlaps field structures", h.OffsetMapOffset)
		}
		slots = uint64(h.MaxID) - uint64(h.MinID) + 1
		mapStart = uint64(h.OffsetMapOffset)
		stringsStart = mapStart
		off = mapStart + slots*offsetMapEntrySize
		idsStart = off
	} else {
		off += uint64(h.RecordCount) * uint64(h.RecordSize)
		stringsStart = off
		off += uint64(h.StringTableSize)
		idsStart = off
	}
	off += uint64(h.IDListSize)
	copyStart := off
	off += uint64(h.CopyTableSize)
	storageStart := off
	off += uint64(h.FieldStorageInfoSize)
	palletStart := off
	off += uint64(h.PalletDataSize)
	commonStart := off
	off += uint64(h.CommonDataSize) + uint64(h.RelationshipDataSize)
	if off > uint64(len(data)) {
		return formatErr("header", -1, "sections need %d bytes, table has %d", off, len(data))
	}

	r.data = data
	r.ids = data[idsStart : idsStart+uint64(h.IDListSize)]
	if r.isSparse() {
		r.records = data[recordsStart:mapStart]
		if err := r.parseOffsetMap(data[mapStart:idsStart], recordsStart); err != nil {
			return err
		}
	} else {
		r.records = data[recordsStart:stringsStart]
		r.strings = data[stringsStart:idsStart]
	}
	if h.IDListSize != 0 && uint64(h.IDListSize) != uint64(r.stored())*4 {
		return formatErr("header", 64, "id list size %d does not match %d records", h.IDListSize, r.stored())
	}
	r.parseCopies(data[copyStart:storageStart])

	r.fields = make([]fieldStorage, h.FieldCount)
	for i := range r.fields {
		start := storageStart + uint64(i)*storageInfoSize
		r.fields[i] = parseFieldStorage(data[start : start+storageInfoSize])
	}
	if err := r.parseStorageData(data[palletStart:commonStart], data[commonStart:commonStart+uint64(h.CommonDataSize)]); err != nil {
		return err
	}

	for i := range r.schema {
		if i >= len(r.fields) {
			break
		}
		if err := r.checkField(i); err != nil {
			return err
		}
	}
	if r.idFromField() {
		if int(h.IDIndex) >= len(r.fields) {
			return formatErr("header", 46, "id index %d out of %d fields", h.IDIndex, len(r.fields))
		}
		if err := r.checkField(int(h.IDIndex)); err != nil {
			return err
		}
		if r.fields[h.IDIndex].storageType == storageCommonData {
			return formatErr(fmt.Sprintf("field %d", h.IDIndex), -1, "id field uses common data storage")
		}
	}
	return r.checkSchema()
}

// idFromField reports whether row ids are read from the id field.
func (r *Reader) idFromField() bool {
	return !r.isSparse() && len(r.ids) == 0 && r.header.RecordCount > 0
}

// parseOffsetMap collects the present records of an offset map table.
// Slot i holds the record with id MinID+i.
func (r *Reader) parseOffsetMap(entries []byte, recordsStart uint64) error {
	le := binary.LittleEndian
	mapStart := uint64(r.header.OffsetMapOffset)
	for s := 0; s*offsetMapEntrySize < len(entries); s++ {
		e := entries[s*offsetMapEntrySize:]
		offset := uint64(le.Uint32(e))
		size := uint64(le.Uint16(e[4:]))
		if offset == 0 || size == 0 {
			continue
		}
		if offset < recordsStart || offset+size > mapStart {
			return formatErr("offset map", int64(mapStart)+int64(s)*offsetMapEntrySize, //nolint:gosec // bounded by table size
				"record [%d,+%d) outside record data [%d,%d)", offset, size, recordsStart, mapStart)
		}
		r.sparse = append(r.sparse, sparseRecord{
			id:   r.header.MinID + uint32(s), //nolint:gosec // slots bounded by the id range
			data: r.data[offset : offset+size],
		})
	}
	return nil
}

func (r *Reader) parseCopies(b []byte) {
	le := binary.LittleEndian
	for i := 0; i+copyEntrySize <= len(b); i += copyEntrySize {
		r.copies = append(r.copies, Copy{ID: le.Uint32(b[i:]), Source: le.Uint32(b[i+4:])})
	}
}

// parseStorageData splits the pallet and common blocks between the fields
// that own them, in field order.
func (r *Reader) parseStorageData(pallet, common []byte) error {
	le := binary.LittleEndian
	r.pallets = make([][]byte, len(r.fields))
	r.common = make([]map[uint32]uint32, len(r.fields))
	var p, c uint64
	for i, f := range r.fields {
		section := fmt.Sprintf("field %d", i)
		size := uint64(f.additionalSize)
		switch f.storageType {
		case storageBitpackedPallet, storagePalletArray:
			if size%4 != 0 {
				return formatErr(section, -1, "pallet size %d is not a multiple of 4", size)
			}
			if p+size > uint64(len(pallet)) {
				return formatErr(section, -1, "pallet [%d,+%d) outside %d-byte pallet block", p, size, len(pallet))
			}
			r.pallets[i] = pallet[p : p+size]
			p += size
		case storageCommonData:
			if size%commonEntrySize != 0 {
				return formatErr(section, -1, "common data size %d is not a multiple of %d", size, commonEntrySize)
			}
			if c+size > uint64(len(common)) {
				return formatErr(section, -1, "common data [%d,+%d) outside %d-byte common block", c, size, len(common))
			}
			values := make(map[uint32]uint32, size/commonEntrySize)
			for e := c; e < c+size; e += commonEntrySize {
				values[le.Uint32(common[e:])] = le.Uint32(common[e+4:])
			}
			r.common[i] = values
			c += size
		}
	}
	return nil
}

func (r *Reader) checkField(i int) error {
	f := r.fields[i]
	section := fmt.Sprintf("field %d", i)
	switch f.storageType {
	case storageNone, storageBitpacked, storageBitpackedSigned, storageBitpackedPallet, storagePalletArray:
	case storageCommonData:
		if r.isSparse() {
			return unsupportedErr(section, "common data storage in offset map table")
		}
		return nil
	default:
		return formatErr(section, -1, "unknown storage type %d", f.storageType)
	}
	if f.sizeBits == 0 || f.sizeBits > maxFieldBits {
		return formatErr(section, -1, "field width %d bits", f.sizeBits)
	}
	if r.isSparse() {
		if f.storageType != storageNone {
			return unsupportedErr(section, "packed storage in offset map table")
		}
		if f.sizeBits%8 != 0 {
			return formatErr(section, -1, "%d-bit field in offset map table", f.sizeBits)
		}
		return nil
	}
	if uint64(f.offsetBits)+uint64(f.sizeBits) > uint64(r.header.RecordSize)*8 {
		return formatErr(section, -1, "bits [%d,+%d) exceed %d-byte record",
			f.offsetBits, f.sizeBits, r.header.RecordSize)
	}
	if f.storageType == storagePalletArray {
		n := f.cardinality()
		if n == 0 {
			return formatErr(section, -1, "pallet array without elements")
		}
		if uint64(len(r.pallets[i]))%(uint64(n)*4) != 0 {
			return formatErr(section, -1, "%d-byte pallet does not hold %d-element arrays", len(r.pallets[i]), n)
		}
	}
	return nil
}

func (r *Reader) checkSchema() error {
	if len(r.schema) > len(r.fields) {
		return formatErr("schema", -1, "schema declares %d columns, table has %d fields",
			len(r.schema), len(r.fields))
	}
	for i, typ := range r.schema {
		f := r.fields[i]
		width := typ.Bits()
		section := fmt.Sprintf("field %d", i)
		if width == 0 {
			return formatErr("schema", -1, "column %d has invalid type %s", i, typ)
		}
		switch f.storageType {
		case storageCommonData, storageBitpackedPallet, storagePalletArray:
			if typ == TypeString || width > 32 {
				return formatErr(section, -1, "32-bit %s field declared as %s", storageName(f.storageType), typ)
			}
			continue
		}
		switch {
		case r.isSparse() && typ == TypeString:
		case f.storageType == storageNone && int(f.sizeBits) != width:
			return formatErr(section, -1, "%d-bit field declared as %s", f.sizeBits, typ)
		case f.storageType != storageNone && !typ.integer():
			return formatErr(section, -1, "packed field declared as %s", typ)
		case int(f.sizeBits) > width:
			return formatErr(section, -1, "%d-bit field does not fit %s", f.sizeBits, typ)
		}
	}
	return nil
}

// rowID returns the record id from the id list or the id field.
func (r *Reader) rowID(row *Row) (uint32, error) {
	if len(r.ids) > 0 {
		return binary.LittleEndian.Uint32(r.ids[row.index*4:]), nil
	}
	f := r.fields[r.header.IDIndex]
	raw := r.bits(row.record, f)
	if f.storageType == storageBitpackedPallet || f.storageType == storagePalletArray {
		return r.palletValue(int(r.header.IDIndex), raw, 0, fmt.Sprintf("row %d id", row.index))
	}
	return uint32(raw), nil //nolint:gosec // ids are 32-bit
}

// palletValue returns element elem of pallet entry index for field i.
func (r *Reader) palletValue(i int, index uint64, elem int, section string) (uint32, error) {
	n := uint64(r.fields[i].cardinality())
	if n == 0 {
		n = 1
	}
	pallet := r.pallets[i]
	pos := (index*n + uint64(elem)) * 4 //nolint:gosec // elem < cardinality
	if index >= uint64(len(pallet))/(n*4) {
		return 0, formatErr(section, -1, "pallet index %d outside %d entries", index, uint64(len(pallet))/(n*4))
	}
	return binary.LittleEndian.Uint32(pallet[pos:]), nil
}

// bits extracts a little-endian bit field from record.
func (r *Reader) bits(record []byte, f fieldStorage) uint64 {
	offset := int(f.offsetBits)
	size := int(f.sizeBits)
	if offset%8 == 0 && size%8 == 0 {
		var v uint64
		start := offset / 8
		for i := size/8 - 1; i >= 0; i-- {
			v = v<<8 | uint64(record[start+i])
		}
		return v
	}

	var v uint64
	for i := range size {
		bit := offset + i
		if record[bit/8]>>(bit%8)&1 != 0 {
			v |= 1 << i
		}
	}
	return v
}

// str reads the NUL-terminated string at offset in the string block.
func (r *Reader) str(offset uint32, section string) (string, error) {
	if uint64(offset) >= uint64(len(r.strings)) {
		if offset == 0 && len(r.strings) == 0 {
			return "", nil
		}
		return "", formatErr(section, int64(offset), "string offset outside %d-byte string block", len(r.strings))
	}
	block := r.strings[offset:]
	for i, b := range block {
		if b == 0 {
			return string(block[:i]), nil
		}
	}
	return "", formatErr(section, int64(offset), "unterminated string")
}
