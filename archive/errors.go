package archive

import "errors"

// Sentinel errors.
var (
	// ErrHashMismatch is returned when file content does not match its key.
	ErrHashMismatch = errors.New("archive: hash mismatch")

	// ErrDecompression is returned when decompression fails.
	ErrDecompression = errors.New("archive: decompression failed")

	// ErrSizeOverflow is returned when byte counts exceed supported limits.
	ErrSizeOverflow = errors.New("archive: size overflow")

	// ErrInvalidIndex is returned when the index blob cannot be parsed.
	ErrInvalidIndex = errors.New("archive: invalid index")

	// ErrClosed is returned when reading from a closed archive.
	ErrClosed = errors.New("archive: closed")

	// ErrTooManyFiles is returned when the file count exceeds the configured limit.
	ErrTooManyFiles = errors.New("archive: too many files")

	// ErrNoRemote is returned when an online config is opened without a remote.
	ErrNoRemote = errors.New("archive: no remote configured")
)
