package archive

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"math"
)

// ByteSource provides random access to the data blob.
//
// Implementations exist for local files and HTTP range requests.
// SourceID must return a stable identifier for the underlying content.
type ByteSource interface {
	io.ReaderAt
	Size() int64
	SourceID() string
}

type rangeReader interface {
	ReadRange(off, length int64) (io.ReadCloser, error)
}

// contentReader reads and verifies entry content from a ByteSource.
type contentReader struct {
	source      ByteSource
	maxFileSize uint64
	pool        *decompressPool
}

// validate checks that an entry is safe to read from the source.
func (r *contentReader) validate(e *Entry) error {
	if r.maxFileSize > 0 && (e.DataSize > r.maxFileSize || e.OriginalSize > r.maxFileSize) {
		return ErrSizeOverflow
	}
	if e.DataOffset > math.MaxInt64 || e.DataSize > math.MaxInt64 || e.OriginalSize > math.MaxInt32 {
		return ErrSizeOverflow
	}
	end := e.DataOffset + e.DataSize
	if end < e.DataOffset || end > uint64(r.source.Size()) { //nolint:gosec // source sizes are non-negative
		return ErrSizeOverflow
	}
	if len(e.Key) != sha256.Size {
		return fmt.Errorf("archive: invalid key length %d", len(e.Key))
	}
	if e.Compression == CompressionNone && e.DataSize != e.OriginalSize {
		return fmt.Errorf("%w: size mismatch", ErrDecompression)
	}
	return nil
}

// ReadAll reads an entry's content, decompresses it if needed and verifies
// it against the entry key.
func (r *contentReader) ReadAll(e *Entry) ([]byte, error) {
	if err := r.validate(e); err != nil {
		return nil, err
	}

	reader, release, err := r.entryReader(e)
	if err != nil {
		return nil, err
	}
	defer release()

	content := make([]byte, e.OriginalSize)
	n, err := io.ReadFull(reader, content)
	if err != nil {
		return nil, mapReadError(e, n, err)
	}
	if err := ensureNoExtra(reader); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(content)
	if !bytes.Equal(sum[:], e.Key) {
		return nil, ErrHashMismatch
	}
	return content, nil
}

// entryReader returns a reader over the stored bytes, decompressing if needed.
func (r *contentReader) entryReader(e *Entry) (io.Reader, func(), error) {
	offset := int64(e.DataOffset) //nolint:gosec // validated above
	length := int64(e.DataSize)   //nolint:gosec // validated above
	section := io.NewSectionReader(r.source, offset, length)

	switch e.Compression {
	case CompressionNone:
		return section, func() {}, nil
	case CompressionZstd:
		var src io.Reader = section
		closeSrc := func() {}
		if rr, ok := r.source.(rangeReader); ok && length > 0 {
			body, err := rr.ReadRange(offset, length)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: %v", ErrDecompression, err)
			}
			src = body
			closeSrc = func() { _ = body.Close() }
		}
		dec, release, err := r.pool.Get(src)
		if err != nil {
			closeSrc()
			return nil, nil, fmt.Errorf("%w: %v", ErrDecompression, err)
		}
		return dec, func() {
			release()
			closeSrc()
		}, nil
	default:
		return nil, nil, fmt.Errorf("archive: unknown compression %d", e.Compression)
	}
}

// ensureNoExtra fails if the reader holds more data than the entry declares.
func ensureNoExtra(r io.Reader) error {
	var buf [1]byte
	n, err := r.Read(buf[:])
	if n > 0 {
		return fmt.Errorf("%w: content longer than declared", ErrDecompression)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", ErrDecompression, err)
	}
	return nil
}

// mapReadError converts read errors to the archive's error types.
func mapReadError(e *Entry, n int, err error) error {
	short := errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
	if e.Compression == CompressionNone {
		if short {
			return fmt.Errorf("archive: short read (%d of %d bytes)", n, e.OriginalSize)
		}
		return fmt.Errorf("archive: read: %w", err)
	}
	if short {
		return fmt.Errorf("%w: unexpected EOF", ErrDecompression)
	}
	return fmt.Errorf("%w: %v", ErrDecompression, err)
}
