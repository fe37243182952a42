package rowtable

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrFormat matches every *FormatError.
	ErrFormat = errors.New("rowtable: malformed table")

	// ErrUnsupported is wrapped by FormatErrors for valid tables that use a
	// storage feature this reader does not decode.
	ErrUnsupported = errors.New("rowtable: unsupported feature")

	// ErrConsumed is yielded when Rows is called more than once.
	ErrConsumed = errors.New("rowtable: rows already consumed")

	// ErrClosed is returned by row accessors after the reader is closed.
	ErrClosed = errors.New("rowtable: reader closed")

	// ErrTooLarge is returned when the table exceeds the configured size limit.
	ErrTooLarge = errors.New("rowtable: table too large")
)

// FormatError describes a malformed header, schema, row or field.
type FormatError struct {
	// Section names the part of the table that failed ("header", "schema",
	// "field 3", "row 17", ...).
	Section string

	// Offset is the byte offset within the table, or -1 when not applicable.
	Offset int64

	// Reason is a short description of the problem.
	Reason string

	// Err is an optional underlying error such as ErrUnsupported.
	Err error
}

func (e *FormatError) Error() string {
	msg := "rowtable: " + e.Section + ": " + e.Reason
	if e.Offset >= 0 {
		msg = fmt.Sprintf("rowtable: %s at offset %d: %s", e.Section, e.Offset, e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is reports whether target is ErrFormat.
func (e *FormatError) Is(target error) bool {
	return target == ErrFormat
}

// Unwrap returns the underlying error.
func (e *FormatError) Unwrap() error {
	return e.Err
}

func formatErr(section string, offset int64, format string, args ...any) *FormatError {
	return &FormatError{Section: section, Offset: offset, Reason: fmt.Sprintf(format, args...)}
}

func unsupportedErr(section, format string, args ...any) *FormatError {
	return &FormatError{Section: section, Offset: -1, Reason: fmt.Sprintf(format, args...), Err: ErrUnsupported}
}
