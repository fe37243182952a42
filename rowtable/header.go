package rowtable

import (
	"encoding/binary"
	"fmt"
)

// Magic identifies the only supported table version.
const Magic = "WDC1"

const (
	headerSize         = 84
	fieldStructSize    = 4
	storageInfoSize    = 24
	offsetMapEntrySize = 6
	copyEntrySize      = 8
	commonEntrySize    = 8
	flagOffsetMap      = 0x01
	maxFieldBits       = 64
	defaultMaxTable    = 256 << 20
	stringOffsetBits   = 32
)

// Storage types from the field storage info block.
const (
	storageNone            uint32 = 0
	storageBitpacked       uint32 = 1
	storageCommonData      uint32 = 2
	storageBitpackedPallet uint32 = 3
	storagePalletArray     uint32 = 4
	storageBitpackedSigned uint32 = 5
)

// Header is the fixed-size table header.
type Header struct {
	Magic                [4]byte
	RecordCount          uint32
	FieldCount           uint32
	RecordSize           uint32
	StringTableSize      uint32
	TableHash            uint32
	LayoutHash           uint32
	MinID                uint32
	MaxID                uint32
	Locale               uint32
	CopyTableSize        uint32
	Flags                uint16
	IDIndex              uint16
	TotalFieldCount      uint32
	BitpackedDataOffset  uint32
	LookupColumnCount    uint32
	OffsetMapOffset      uint32
	IDListSize           uint32
	FieldStorageInfoSize uint32
	CommonDataSize       uint32
	PalletDataSize       uint32
	RelationshipDataSize uint32
}

func parseHeader(b []byte) Header {
	le := binary.LittleEndian
	var h Header
	copy(h.Magic[:], b[0:4])
	h.RecordCount = le.Uint32(b[4:])
	h.FieldCount = le.Uint32(b[8:])
	h.RecordSize = le.Uint32(b[12:])
	h.StringTableSize = le.Uint32(b[16:])
	h.TableHash = le.Uint32(b[20:])
	h.LayoutHash = le.Uint32(b[24:])
	h.MinID = le.Uint32(b[28:])
	h.MaxID = le.Uint32(b[32:])
	h.Locale = le.Uint32(b[36:])
	h.CopyTableSize = le.Uint32(b[40:])
	h.Flags = le.Uint16(b[44:])
	h.IDIndex = le.Uint16(b[46:])
	h.TotalFieldCount = le.Uint32(b[48:])
	h.BitpackedDataOffset = le.Uint32(b[52:])
	h.LookupColumnCount = le.Uint32(b[56:])
	h.OffsetMapOffset = le.Uint32(b[60:])
	h.IDListSize = le.Uint32(b[64:])
	h.FieldStorageInfoSize = le.Uint32(b[68:])
	h.CommonDataSize = le.Uint32(b[72:])
	h.PalletDataSize = le.Uint32(b[76:])
	h.RelationshipDataSize = le.Uint32(b[80:])
	return h
}

func (h *Header) appendTo(b []byte) []byte {
	le := binary.LittleEndian
	b = append(b, h.Magic[:]...)
	for _, v := range []uint32{
		h.RecordCount, h.FieldCount, h.RecordSize, h.StringTableSize,
		h.TableHash, h.LayoutHash, h.MinID, h.MaxID, h.Locale, h.CopyTableSize,
	} {
		b = le.AppendUint32(b, v)
	}
	b = le.AppendUint16(b, h.Flags)
	b = le.AppendUint16(b, h.IDIndex)
	for _, v := range []uint32{
		h.TotalFieldCount, h.BitpackedDataOffset, h.LookupColumnCount,
		h.OffsetMapOffset, h.IDListSize, h.FieldStorageInfoSize,
		h.CommonDataSize, h.PalletDataSize, h.RelationshipDataSize,
	} {
		b = le.AppendUint32(b, v)
	}
	return b
}

func storageName(t uint32) string {
	switch t {
	case storageNone:
		return "inline"
	case storageBitpacked, storageBitpackedSigned:
		return "bitpacked"
	case storageCommonData:
		return "common data"
	case storageBitpackedPallet:
		return "pallet"
	case storagePalletArray:
		return "pallet array"
	default:
		return fmt.Sprintf("storage type %d", t)
	}
}

// fieldStorage is one entry of the field storage info block.
//
// The compression words hold the default value for common data and the
// element count in the last word for pallet arrays.
type fieldStorage struct {
	offsetBits     uint16
	sizeBits       uint16
	additionalSize uint32
	storageType    uint32
	compression    [3]uint32
}

func parseFieldStorage(b []byte) fieldStorage {
	le := binary.LittleEndian
	return fieldStorage{
		offsetBits:     le.Uint16(b[0:]),
		sizeBits:       le.Uint16(b[2:]),
		additionalSize: le.Uint32(b[4:]),
		storageType:    le.Uint32(b[8:]),
		compression:    [3]uint32{le.Uint32(b[12:]), le.Uint32(b[16:]), le.Uint32(b[20:])},
	}
}

// cardinality returns the element count of a pallet array field.
func (fs fieldStorage) cardinality() uint32 {
	if fs.storageType != storagePalletArray {
		return 0
	}
	return fs.compression[2]
}

func (fs fieldStorage) appendTo(b []byte) []byte {
	le := binary.LittleEndian
	b = le.AppendUint16(b, fs.offsetBits)
	b = le.AppendUint16(b, fs.sizeBits)
	b = le.AppendUint32(b, fs.additionalSize)
	b = le.AppendUint32(b, fs.storageType)
	for _, v := range fs.compression {
		b = le.AppendUint32(b, v)
	}
	return b
}
