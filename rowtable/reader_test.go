package rowtable

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeTable(t *testing.T, tbl *Table) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, tbl))
	return buf.Bytes()
}

// rawTable assembles a table from hand-built sections. Counts and section
// sizes in h are derived from the arguments.
func rawTable(h Header, fields []fieldStorage, records, strs, ids []byte) []byte {
	copy(h.Magic[:], Magic)
	h.FieldCount = uint32(len(fields))
	h.TotalFieldCount = h.FieldCount
	h.FieldStorageInfoSize = uint32(len(fields)) * storageInfoSize
	h.StringTableSize = uint32(len(strs))
	h.IDListSize = uint32(len(ids))
	if h.RecordSize > 0 {
		h.RecordCount = uint32(len(records)) / h.RecordSize
	}

	b := h.appendTo(nil)
	for _, f := range fields {
		b = append(b, byte(32-f.sizeBits), 0, byte(f.offsetBits/8), 0)
	}
	b = append(b, records...)
	b = append(b, strs...)
	b = append(b, ids...)
	for _, f := range fields {
		b = f.appendTo(b)
	}
	return b
}

func fileDataTable() *Table {
	return &Table{
		Schema:    Schema{TypeString, TypeString, TypeInt32, TypeUint16, TypeInt8, TypeFloat32, TypeUint64},
		TableHash: 0xcafe,
		Records: []Record{
			{ID: 7, Values: []Value{
				StringValue(`world\maps\`), StringValue("azeroth.wdt"),
				IntValue(TypeInt32, -42), UintValue(TypeUint16, 65535), IntValue(TypeInt8, -1),
				FloatValue(1.5), UintValue(TypeUint64, 1<<63),
			}},
			{ID: 3, Values: []Value{
				StringValue(`world\maps\`), StringValue(""),
				IntValue(TypeInt32, 1<<30), UintValue(TypeUint16, 0), IntValue(TypeInt8, 127),
				FloatValue(-0.25), UintValue(TypeUint64, 0),
			}},
		},
	}
}

func TestEncode_RoundTrip(t *testing.T) {
	t.Parallel()

	tbl := fileDataTable()
	r, err := NewReader(bytes.NewReader(encodeTable(t, tbl)), tbl.Schema)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	h := r.Header()
	assert.Equal(t, Magic, string(h.Magic[:]))
	assert.Equal(t, uint32(len(tbl.Records)), h.RecordCount)
	assert.Equal(t, uint32(len(tbl.Schema)), h.FieldCount)
	assert.Equal(t, uint32(0xcafe), h.TableHash)
	assert.Equal(t, uint32(3), h.MinID)
	assert.Equal(t, uint32(7), h.MaxID)
	assert.Equal(t, tbl.Schema, r.Schema())
	assert.Equal(t, len(tbl.Records), r.Len())

	var n int
	for row, err := range r.Rows() {
		require.NoError(t, err)
		want := tbl.Records[n]
		assert.Equal(t, n, row.Index())
		assert.Equal(t, want.ID, row.ID())
		for i, v := range want.Values {
			got, err := row.Field(i)
			require.NoError(t, err, "column %d", i)
			assert.Equal(t, v, got, "row %d column %d", n, i)
		}
		n++
	}
	assert.Equal(t, len(tbl.Records), n)
}

func TestRow_TypedAccessors(t *testing.T) {
	t.Parallel()

	tbl := fileDataTable()
	r, err := NewReader(bytes.NewReader(encodeTable(t, tbl)), tbl.Schema)
	require.NoError(t, err)

	for row, err := range r.Rows() {
		require.NoError(t, err)

		path, err := row.Str(0)
		require.NoError(t, err)
		name, err := row.Str(1)
		require.NoError(t, err)
		assert.Equal(t, `world\maps\azeroth.wdt`, path+name)

		i32, err := row.Int32(2)
		require.NoError(t, err)
		assert.Equal(t, int32(-42), i32)

		u16, err := row.Uint16(3)
		require.NoError(t, err)
		assert.Equal(t, uint16(65535), u16)

		f, err := row.Float32(5)
		require.NoError(t, err)
		assert.Equal(t, float32(1.5), f)

		u64, err := row.Uint64(6)
		require.NoError(t, err)
		assert.Equal(t, uint64(1<<63), u64)
		break
	}
}

func TestRow_FieldErrors(t *testing.T) {
	t.Parallel()

	tbl := fileDataTable()
	r, err := NewReader(bytes.NewReader(encodeTable(t, tbl)), tbl.Schema)
	require.NoError(t, err)

	var row Row
	for rr, err := range r.Rows() {
		require.NoError(t, err)
		row = rr
		break
	}

	tests := []struct {
		name string
		call func() error
	}{
		{"string as int", func() error { _, err := row.Int32(0); return err }},
		{"int as string", func() error { _, err := row.Str(2); return err }},
		{"unsigned as signed", func() error { _, err := row.Int64(6); return err }},
		{"negative column", func() error { _, err := row.Field(-1); return err }},
		{"column past schema", func() error { _, err := row.Field(len(tbl.Schema)); return err }},
		{"zero row", func() error { _, err := Row{}.Field(0); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.call()
			require.ErrorIs(t, err, ErrFormat)
			var fe *FormatError
			require.ErrorAs(t, err, &fe)
			assert.NotEmpty(t, fe.Reason)
		})
	}
}

func TestReader_ShortSchema(t *testing.T) {
	t.Parallel()

	tbl := fileDataTable()
	r, err := NewReader(bytes.NewReader(encodeTable(t, tbl)), tbl.Schema[:2])
	require.NoError(t, err)

	for row, err := range r.Rows() {
		require.NoError(t, err)
		_, err = row.Field(2)
		require.ErrorIs(t, err, ErrFormat)
	}
}

func TestReader_Rows_SinglePass(t *testing.T) {
	t.Parallel()

	tbl := fileDataTable()
	r, err := NewReader(bytes.NewReader(encodeTable(t, tbl)), tbl.Schema)
	require.NoError(t, err)

	var n int
	for _, err := range r.Rows() {
		require.NoError(t, err)
		n++
	}
	assert.Equal(t, 2, n)

	var errs []error
	for _, err := range r.Rows() {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrConsumed)
}

func TestReader_Close(t *testing.T) {
	t.Parallel()

	tbl := fileDataTable()
	r, err := NewReader(bytes.NewReader(encodeTable(t, tbl)), tbl.Schema)
	require.NoError(t, err)

	var first Row
	var errs []error
	for row, err := range r.Rows() {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		first = row
		require.NoError(t, r.Close())
	}
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], ErrClosed)

	_, err = first.Str(0)
	require.ErrorIs(t, err, ErrClosed)
	require.NoError(t, r.Close())
}

func TestReader_Empty(t *testing.T) {
	t.Parallel()

	tbl := &Table{Schema: Schema{TypeString, TypeString}}
	r, err := NewReader(bytes.NewReader(encodeTable(t, tbl)), tbl.Schema)
	require.NoError(t, err)
	assert.Equal(t, 0, r.Len())
	for range r.Rows() {
		t.Fatal("empty table yielded a row")
	}
}

func TestReader_MaxSize(t *testing.T) {
	t.Parallel()

	tbl := fileDataTable()
	data := encodeTable(t, tbl)
	_, err := NewReader(bytes.NewReader(data), tbl.Schema, WithMaxSize(int64(len(data)-1)))
	require.ErrorIs(t, err, ErrTooLarge)

	_, err = NewReader(bytes.NewReader(data), tbl.Schema, WithMaxSize(int64(len(data))))
	require.NoError(t, err)
}

func TestReader_Bitpacked(t *testing.T) {
	t.Parallel()

	// Field 0: 3 unsigned bits holding 5. Field 1: 5 signed bits holding -3.
	fields := []fieldStorage{
		{offsetBits: 0, sizeBits: 3, storageType: storageBitpacked},
		{offsetBits: 3, sizeBits: 5, storageType: storageBitpackedSigned},
		{offsetBits: 8, sizeBits: 16, storageType: storageNone},
	}
	record := []byte{5 | 29<<3, 0x34, 0x12}
	data := rawTable(Header{RecordSize: 3}, fields, record, nil, nil)

	r, err := NewReader(bytes.NewReader(data), Schema{TypeUint8, TypeInt8, TypeUint16})
	require.NoError(t, err)
	for row, err := range r.Rows() {
		require.NoError(t, err)
		assert.Equal(t, uint32(5), row.ID())

		u, err := row.Uint8(0)
		require.NoError(t, err)
		assert.Equal(t, uint8(5), u)

		v, err := row.Field(1)
		require.NoError(t, err)
		n, ok := v.Int()
		require.True(t, ok)
		assert.Equal(t, int64(-3), n)

		u16, err := row.Uint16(2)
		require.NoError(t, err)
		assert.Equal(t, uint16(0x1234), u16)
	}

	r, err = NewReader(bytes.NewReader(data), Schema{TypeUint8, TypeUint8})
	require.NoError(t, err)
	for row, err := range r.Rows() {
		require.NoError(t, err)
		_, err = row.Field(1)
		require.ErrorIs(t, err, ErrFormat)
	}
}

func sparseTable() *Table {
	return &Table{
		Schema: Schema{TypeString, TypeUint32, TypeString, TypeInt16},
		Sparse: true,
		Records: []Record{
			{ID: 12, Values: []Value{
				StringValue(`sound\music\`), UintValue(TypeUint32, 0xdeadbeef),
				StringValue("zone.mp3"), IntValue(TypeInt16, -7),
			}},
			{ID: 10, Values: []Value{
				StringValue(""), UintValue(TypeUint32, 1),
				StringValue(`interface\glues\login.blp`), IntValue(TypeInt16, 300),
			}},
		},
	}
}

func readAll(t *testing.T, r *Reader) []Row {
	t.Helper()
	var rows []Row
	for row, err := range r.Rows() {
		require.NoError(t, err)
		rows = append(rows, row)
	}
	return rows
}

func TestReader_FieldsOutsideSchema(t *testing.T) {
	t.Parallel()

	tbl := &Table{
		Schema: Schema{TypeString, TypeString, TypeUint32},
		Records: []Record{
			{ID: 1, Values: []Value{StringValue(`world\`), StringValue("a.wdt"), UintValue(TypeUint32, 0)}},
			{ID: 2, Values: []Value{StringValue(`world\`), StringValue("b.wdt"), UintValue(TypeUint32, 0)}},
		},
	}
	data := encodeTable(t, tbl)

	// fullErr reports whether the field is invalid as a uint32 column.
	tests := []struct {
		name    string
		storage uint32
		fullErr bool
	}{
		{name: "pallet", storage: storageBitpackedPallet},
		{name: "pallet array", storage: storagePalletArray, fullErr: true},
		{name: "common data", storage: storageCommonData},
		{name: "unknown", storage: 9, fullErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			patched := bytes.Clone(data)
			// Storage type of field 2, the last storage info entry.
			binary.LittleEndian.PutUint32(patched[len(patched)-storageInfoSize+8:], tt.storage)

			r, err := NewReader(bytes.NewReader(patched), Schema{TypeString, TypeString})
			require.NoError(t, err)

			var got []string
			for _, row := range readAll(t, r) {
				path, err := row.Str(0)
				require.NoError(t, err)
				name, err := row.Str(1)
				require.NoError(t, err)
				got = append(got, path+name)
			}
			assert.Equal(t, []string{`world\a.wdt`, `world\b.wdt`}, got)

			_, err = NewReader(bytes.NewReader(patched), tbl.Schema)
			if tt.fullErr {
				require.ErrorIs(t, err, ErrFormat)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestEncode_Storage(t *testing.T) {
	t.Parallel()

	tbl := &Table{
		Schema:  Schema{TypeString, TypeUint32, TypeInt8, TypeFloat32, TypeUint16, TypeInt32},
		Storage: []Storage{StorageInline, StoragePallet, StorageCommon, StoragePallet, StorageCommon},
	}
	for id, v := range []struct {
		pallet uint32
		common int8
		f      float32
		u16    uint16
		i32    int32
	}{
		{7, 0, 0.5, 9, -1},
		{7, -3, 0.5, 9, 2},
		{100000, 0, -2, 9, 3},
		{42, 0, 0.5, 65535, 4},
		{7, 127, 8, 9, 5},
	} {
		tbl.Records = append(tbl.Records, Record{ID: uint32(id) + 20, Values: []Value{
			StringValue("row"), UintValue(TypeUint32, uint64(v.pallet)), IntValue(TypeInt8, int64(v.common)),
			FloatValue(v.f), UintValue(TypeUint16, uint64(v.u16)), IntValue(TypeInt32, int64(v.i32)),
		}})
	}

	r, err := NewReader(bytes.NewReader(encodeTable(t, tbl)), tbl.Schema)
	require.NoError(t, err)

	h := r.Header()
	assert.Equal(t, uint32((3+3)*4), h.PalletDataSize, "two pallets of three values")
	// Int8 has two exceptions, uint16 has one.
	assert.Equal(t, uint32(3*commonEntrySize), h.CommonDataSize)
	assert.Equal(t, uint32(8), h.BitpackedDataOffset)
	assert.Equal(t, storageBitpackedPallet, r.fields[1].storageType)
	assert.Equal(t, storageCommonData, r.fields[2].storageType)
	assert.Equal(t, uint32(9), r.fields[4].compression[0])

	rows := readAll(t, r)
	require.Len(t, rows, len(tbl.Records))
	for n, row := range rows {
		want := tbl.Records[n]
		assert.Equal(t, want.ID, row.ID())
		for i, v := range want.Values {
			got, err := row.Field(i)
			require.NoError(t, err, "row %d column %d", n, i)
			assert.Equal(t, v, got, "row %d column %d", n, i)
		}
	}

	u, err := rows[2].Uint32(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(100000), u)
}

func TestEncode_StorageErrors(t *testing.T) {
	t.Parallel()

	row := func(vs ...Value) []Record { return []Record{{ID: 1, Values: vs}} }
	tests := []struct {
		name string
		tbl  *Table
	}{
		{
			name: "pallet string",
			tbl:  &Table{Schema: Schema{TypeString}, Storage: []Storage{StoragePallet}},
		},
		{
			name: "common uint64",
			tbl:  &Table{Schema: Schema{TypeUint64}, Storage: []Storage{StorageCommon}},
		},
		{
			name: "storage past schema",
			tbl:  &Table{Schema: Schema{TypeUint8}, Storage: []Storage{StorageInline, StoragePallet}},
		},
		{
			name: "packed sparse column",
			tbl:  &Table{Schema: Schema{TypeUint8}, Storage: []Storage{StoragePallet}, Sparse: true},
		},
		{
			name: "copy of missing id",
			tbl: &Table{
				Schema:  Schema{TypeUint8},
				Records: row(UintValue(TypeUint8, 1)),
				Copies:  []Copy{{ID: 2, Source: 3}},
			},
		},
		{
			name: "repeated sparse id",
			tbl: &Table{
				Schema:  Schema{TypeUint8},
				Sparse:  true,
				Records: append(row(UintValue(TypeUint8, 1)), row(UintValue(TypeUint8, 2))...),
			},
		},
		{
			name: "sparse id range",
			tbl: &Table{
				Schema: Schema{TypeUint8},
				Sparse: true,
				Records: []Record{
					{ID: 0, Values: []Value{UintValue(TypeUint8, 1)}},
					{ID: 1 << 30, Values: []Value{UintValue(TypeUint8, 1)}},
				},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Error(t, Encode(&bytes.Buffer{}, tt.tbl))
		})
	}
}

func TestReader_PalletArray(t *testing.T) {
	t.Parallel()

	// Three-element arrays. Row 0 uses entry 1, row 1 entry 0, row 2 the
	// missing entry 2.
	fields := []fieldStorage{{
		sizeBits:       2,
		additionalSize: 24,
		storageType:    storagePalletArray,
		compression:    [3]uint32{0, 0, 3},
	}}
	var pallet []byte
	for _, v := range []uint32{1, 2, 3, 10, 20, 0xffffffff} {
		pallet = binary.LittleEndian.AppendUint32(pallet, v)
	}
	ids := []byte{1, 0, 0, 0, 2, 0, 0, 0, 3, 0, 0, 0}
	data := rawTable(Header{RecordSize: 1, PalletDataSize: 24}, fields, []byte{1, 0, 2}, nil, ids)
	data = append(data, pallet...)

	r, err := NewReader(bytes.NewReader(data), Schema{TypeInt32})
	require.NoError(t, err)
	rows := readAll(t, r)
	require.Len(t, rows, 3)

	vs, err := rows[0].Values(0)
	require.NoError(t, err)
	assert.Equal(t, []Value{IntValue(TypeInt32, 10), IntValue(TypeInt32, 20), IntValue(TypeInt32, -1)}, vs)

	first, err := rows[1].Int32(0)
	require.NoError(t, err)
	assert.Equal(t, int32(1), first)

	_, err = rows[2].Values(0)
	require.ErrorIs(t, err, ErrFormat)
	_, err = rows[2].Field(0)
	require.ErrorIs(t, err, ErrFormat)
}

func TestReader_PalletID(t *testing.T) {
	t.Parallel()

	// No id list: the id comes from the pallet-backed field 0.
	fields := []fieldStorage{
		{sizeBits: 1, additionalSize: 8, storageType: storageBitpackedPallet},
		{offsetBits: 8, sizeBits: 8},
	}
	pallet := []byte{0x10, 0x27, 0, 0, 0x11, 0x27, 0, 0}
	data := rawTable(Header{RecordSize: 2, PalletDataSize: 8}, fields, []byte{1, 'b', 0, 'a'}, nil, nil)
	data = append(data, pallet...)

	r, err := NewReader(bytes.NewReader(data), Schema{TypeUint32, TypeUint8})
	require.NoError(t, err)

	var ids []uint32
	for _, row := range readAll(t, r) {
		ids = append(ids, row.ID())
	}
	assert.Equal(t, []uint32{10001, 10000}, ids)
}

func TestReader_OffsetMap(t *testing.T) {
	t.Parallel()

	tbl := sparseTable()
	tbl.Records = append(tbl.Records, Record{ID: 14, Values: []Value{
		StringValue("x"), UintValue(TypeUint32, 2), StringValue(""), IntValue(TypeInt16, 0),
	}})
	r, err := NewReader(bytes.NewReader(encodeTable(t, tbl)), tbl.Schema)
	require.NoError(t, err)

	h := r.Header()
	assert.NotZero(t, h.Flags&flagOffsetMap)
	assert.Zero(t, h.StringTableSize)
	assert.Equal(t, uint32(10), h.MinID)
	assert.Equal(t, uint32(14), h.MaxID)
	assert.Equal(t, 3, r.Len())

	// Rows come back in id order; slots 11 and 13 are empty.
	want := []Record{tbl.Records[1], tbl.Records[0], tbl.Records[2]}
	rows := readAll(t, r)
	require.Len(t, rows, len(want))
	for n, row := range rows {
		assert.Equal(t, n, row.Index())
		assert.Equal(t, want[n].ID, row.ID())
		for i := len(want[n].Values) - 1; i >= 0; i-- {
			got, err := row.Field(i)
			require.NoError(t, err, "row %d column %d", n, i)
			assert.Equal(t, want[n].Values[i], got, "row %d column %d", n, i)
		}
	}

	name, err := rows[0].Str(2)
	require.NoError(t, err)
	assert.Equal(t, `interface\glues\login.blp`, name)
}

func TestReader_OffsetMapPartialSchema(t *testing.T) {
	t.Parallel()

	tbl := sparseTable()
	r, err := NewReader(bytes.NewReader(encodeTable(t, tbl)), tbl.Schema[:1])
	require.NoError(t, err)
	for _, row := range readAll(t, r) {
		_, err := row.Str(0)
		require.NoError(t, err)
		_, err = row.Field(1)
		require.ErrorIs(t, err, ErrFormat)
	}
}

func TestReader_OffsetMapTruncatedRecord(t *testing.T) {
	t.Parallel()

	data := encodeTable(t, sparseTable())
	// Shrink the first record so its last column runs past the end.
	mapStart := binary.LittleEndian.Uint32(data[60:])
	size := binary.LittleEndian.Uint16(data[mapStart+4:])
	binary.LittleEndian.PutUint16(data[mapStart+4:], size-1)

	r, err := NewReader(bytes.NewReader(data), sparseTable().Schema)
	require.NoError(t, err)
	for row, err := range r.Rows() {
		require.NoError(t, err)
		_, err = row.Field(0)
		require.NoError(t, err)
		_, err = row.Field(3)
		require.ErrorIs(t, err, ErrFormat)
		break
	}
}

func TestReader_CopyTable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		tbl  *Table
	}{
		{name: "dense", tbl: fileDataTable()},
		{name: "offset map", tbl: sparseTable()},
		{
			name: "common data",
			tbl: &Table{
				Schema:  Schema{TypeString, TypeUint16},
				Storage: []Storage{StorageInline, StorageCommon},
				Records: []Record{
					{ID: 3, Values: []Value{StringValue("a"), UintValue(TypeUint16, 1)}},
					{ID: 7, Values: []Value{StringValue("b"), UintValue(TypeUint16, 5)}},
					{ID: 8, Values: []Value{StringValue("c"), UintValue(TypeUint16, 1)}},
				},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			src := tt.tbl.Records[0]
			for _, rec := range tt.tbl.Records {
				if rec.ID == 7 || rec.ID == 12 {
					src = rec
				}
			}
			tt.tbl.Copies = []Copy{{ID: 500, Source: src.ID}, {ID: 501, Source: src.ID}}

			r, err := NewReader(bytes.NewReader(encodeTable(t, tt.tbl)), tt.tbl.Schema)
			require.NoError(t, err)
			stored := len(tt.tbl.Records)
			assert.Equal(t, stored+2, r.Len())

			rows := readAll(t, r)
			require.Len(t, rows, stored+2)
			for k, row := range rows[stored:] {
				assert.Equal(t, stored+k, row.Index())
				assert.Equal(t, uint32(500+k), row.ID())
				for i, v := range src.Values {
					got, err := row.Field(i)
					require.NoError(t, err)
					assert.Equal(t, v, got, "copy %d column %d", k, i)
				}
			}
		})
	}
}

func TestReader_CopyOfMissingID(t *testing.T) {
	t.Parallel()

	tbl := fileDataTable()
	tbl.Copies = []Copy{{ID: 9, Source: 7}}
	data := encodeTable(t, tbl)
	// The copy table precedes the field storage info.
	start := len(data) - len(tbl.Schema)*storageInfoSize - copyEntrySize
	binary.LittleEndian.PutUint32(data[start+4:], 99)

	r, err := NewReader(bytes.NewReader(data), tbl.Schema)
	require.NoError(t, err)

	var n int
	var last error
	for _, err := range r.Rows() {
		if err != nil {
			last = err
			break
		}
		n++
	}
	assert.Equal(t, len(tbl.Records), n)
	require.ErrorIs(t, last, ErrFormat)
	assert.Contains(t, last.Error(), "missing id 99")
}

func TestNewReader_Errors(t *testing.T) {
	t.Parallel()

	valid := encodeTable(t, fileDataTable())
	schema := fileDataTable().Schema
	one := func(f fieldStorage) []byte {
		return rawTable(Header{RecordSize: 4}, []fieldStorage{f}, make([]byte, 4), nil, nil)
	}

	tests := []struct {
		name        string
		data        []byte
		schema      Schema
		unsupported bool
	}{
		{name: "empty", data: nil, schema: schema},
		{name: "truncated header", data: valid[:headerSize-1], schema: schema},
		{name: "bad magic", data: append([]byte("WDC2"), valid[4:]...), schema: schema},
		{name: "truncated sections", data: valid[:len(valid)-1], schema: schema},
		{
			name:   "schema longer than table",
			data:   valid,
			schema: append(append(Schema{}, schema...), TypeUint32),
		},
		{
			name:   "schema width mismatch",
			data:   valid,
			schema: Schema{TypeString, TypeString, TypeUint16},
		},
		{
			name:   "invalid column type",
			data:   valid,
			schema: Schema{ColumnType(0)},
		},
		{
			name:   "packed string",
			data:   one(fieldStorage{sizeBits: 32, storageType: storageBitpacked}),
			schema: Schema{TypeString},
		},
		{
			name:   "packed field wider than type",
			data:   one(fieldStorage{sizeBits: 12, storageType: storageBitpacked}),
			schema: Schema{TypeUint8},
		},
		{
			name:   "field past record",
			data:   one(fieldStorage{offsetBits: 16, sizeBits: 32}),
			schema: Schema{TypeUint32},
		},
		{
			name:   "zero width field",
			data:   one(fieldStorage{sizeBits: 0}),
			schema: Schema{},
		},
		{
			name:   "unknown storage type",
			data:   one(fieldStorage{sizeBits: 32, storageType: 9}),
			schema: Schema{TypeUint32},
		},
		{
			name:   "pallet past pallet block",
			data:   one(fieldStorage{sizeBits: 2, additionalSize: 8, storageType: storageBitpackedPallet}),
			schema: Schema{TypeUint32},
		},
		{
			name:   "common data size",
			data:   one(fieldStorage{additionalSize: 6, storageType: storageCommonData}),
			schema: Schema{TypeUint32},
		},
		{
			name:   "pallet declared as string",
			data:   one(fieldStorage{sizeBits: 2, storageType: storageBitpackedPallet}),
			schema: Schema{TypeString},
		},
		{
			name:   "pallet array without elements",
			data:   one(fieldStorage{sizeBits: 2, storageType: storagePalletArray}),
			schema: Schema{TypeUint32},
		},
		{
			name: "copy table size",
			data: func() []byte {
				d := encodeTable(t, fileDataTable())
				binary.LittleEndian.PutUint32(d[40:], 4)
				return d
			}(),
			schema: schema,
		},
		{
			name: "offset map past table",
			data: func() []byte {
				d := encodeTable(t, sparseTable())
				binary.LittleEndian.PutUint32(d[60:], uint32(len(d)))
				return d
			}(),
			schema: sparseTable().Schema,
		},
		{
			name: "offset map record outside record data",
			data: func() []byte {
				d := encodeTable(t, sparseTable())
				mapStart := binary.LittleEndian.Uint32(d[60:])
				binary.LittleEndian.PutUint32(d[mapStart:], mapStart+1)
				return d
			}(),
			schema: sparseTable().Schema,
		},
		{
			name: "packed column in offset map table",
			data: func() []byte {
				d := encodeTable(t, sparseTable())
				// Field 1 storage type.
				binary.LittleEndian.PutUint32(d[len(d)-4*storageInfoSize+storageInfoSize+8:], storageBitpacked)
				return d
			}(),
			schema:      sparseTable().Schema,
			unsupported: true,
		},
		{
			name:   "id list size mismatch",
			data:   rawTable(Header{RecordSize: 4}, []fieldStorage{{sizeBits: 32}}, make([]byte, 4), nil, make([]byte, 8)),
			schema: Schema{TypeUint32},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r, err := NewReader(bytes.NewReader(tt.data), tt.schema)
			require.Error(t, err)
			assert.Nil(t, r)
			assert.ErrorIs(t, err, ErrFormat)
			assert.Equal(t, tt.unsupported, errors.Is(err, ErrUnsupported))
		})
	}
}

func TestReader_StringOffsetOutOfBlock(t *testing.T) {
	t.Parallel()

	record := []byte{0x40, 0, 0, 0}
	data := rawTable(Header{RecordSize: 4}, []fieldStorage{{sizeBits: 32}}, record, []byte("x\x00"), []byte{1, 0, 0, 0})
	r, err := NewReader(bytes.NewReader(data), Schema{TypeString})
	require.NoError(t, err)

	for row, err := range r.Rows() {
		require.NoError(t, err)
		_, err = row.Str(0)
		require.ErrorIs(t, err, ErrFormat)
	}
}

func TestFormatError_Error(t *testing.T) {
	t.Parallel()

	err := formatErr("header", 0, "bad magic %q", "XXXX")
	assert.Equal(t, `rowtable: header at offset 0: bad magic "XXXX"`, err.Error())

	err = unsupportedErr("field 2", "pallet storage")
	assert.Equal(t, "rowtable: field 2: pallet storage: rowtable: unsupported feature", err.Error())
}
