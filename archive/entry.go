package archive

import (
	"github.com/meigma/casc/archive/internal/fb"
	"github.com/meigma/casc/storage"
)

// Compression identifies the compression algorithm used for a file.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZstd
)

// String returns the human-readable name of the compression algorithm.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// Entry is one stored file variant.
type Entry struct {
	// NameHash is jenkins.HashPath of the file's path.
	NameHash uint64

	// FileID is the numeric file id.
	FileID uint32

	// Locale is the set of locales the variant serves.
	Locale storage.LocaleFlags

	// Content holds the variant's content flags.
	Content storage.ContentFlags

	// Key is the SHA256 hash of the uncompressed content.
	Key []byte

	// DataOffset is the byte offset of the content in the data blob.
	DataOffset uint64

	// DataSize is the stored size, compressed if Compression is set.
	DataSize uint64

	// OriginalSize is the uncompressed size.
	OriginalSize uint64

	// Compression is the algorithm the content is stored with.
	Compression Compression
}

// entryFromFlatBuffers copies an index entry. Key aliases the index buffer.
func entryFromFlatBuffers(e *fb.Entry) Entry {
	return Entry{
		NameHash:     e.NameHash(),
		FileID:       e.FileId(),
		Locale:       storage.LocaleFlags(e.Locale()),
		Content:      storage.ContentFlags(e.Content()),
		Key:          e.KeyBytes(),
		DataOffset:   e.DataOffset(),
		DataSize:     e.DataSize(),
		OriginalSize: e.OriginalSize(),
		Compression:  Compression(e.Compression()),
	}
}

// InstallEntry is a named file of the base install.
type InstallEntry struct {
	Name     string
	NameHash uint64
}
