package archive

import (
	"io"
	"log/slog"
)

// Option configures an Archive.
type Option func(*Archive)

// WithLogger sets the logger for archive operations.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Archive) {
		a.logger = logger
	}
}

// WithMaxFileSize limits the maximum per-file size (compressed and uncompressed).
// Set limit to 0 to disable the limit.
func WithMaxFileSize(limit uint64) Option {
	return func(a *Archive) {
		a.maxFileSize = limit
	}
}

// WithMaxDecoderMemory limits the maximum memory used by the zstd decoder.
// Set limit to 0 to disable the limit.
func WithMaxDecoderMemory(limit uint64) Option {
	return func(a *Archive) {
		a.maxDecoderMemory = limit
	}
}

// WithDecoderLowmem sets whether the zstd decoder should use low-memory mode (default: false).
func WithDecoderLowmem(enabled bool) Option {
	return func(a *Archive) {
		a.decoderLowmem = enabled
	}
}

// withCloser hands ownership of c to the archive; Close closes it.
func withCloser(c io.Closer) Option {
	return func(a *Archive) {
		a.closer = c
	}
}
