package casc

import (
	"errors"
	"fmt"

	"github.com/meigma/casc/rowtable"
	"github.com/meigma/casc/storage"
)

var (
	// ErrConfig is returned when the storage configuration cannot be loaded.
	ErrConfig = errors.New("casc: config")

	// ErrOpen is returned when the storage engine fails to open.
	ErrOpen = errors.New("casc: open storage")

	// ErrCancelled is returned when a run is cancelled. It is never combined
	// with a failure.
	ErrCancelled = errors.New("casc: cancelled")

	// ErrSelectionCancelled is returned when no build was selected. It
	// matches ErrCancelled.
	ErrSelectionCancelled = fmt.Errorf("%w: no build selected", ErrCancelled)

	// ErrBusy is returned when a loader is asked to run while a run is active.
	ErrBusy = errors.New("casc: a load is already running")
)

// Errors re-exported from the table decoder and the storage contract.
var (
	// ErrFormat matches every malformed table error.
	ErrFormat = rowtable.ErrFormat

	// ErrNotFound is returned when a requested file is absent.
	ErrNotFound = storage.ErrNotFound
)

// StageError reports the stage a run ended in.
type StageError struct {
	State State
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("casc: %s: %v", e.State, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
