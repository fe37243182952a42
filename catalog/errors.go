package catalog

import (
	"errors"
	"fmt"
	"net/http"

	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry/remote/errcode"
)

// Sentinel errors for catalog operations.
var (
	// ErrNotFound is returned when a repository, build or blob does not exist.
	ErrNotFound = errors.New("catalog: not found")

	// ErrUnauthorized is returned when authentication fails.
	ErrUnauthorized = errors.New("catalog: unauthorized")

	// ErrForbidden is returned when access is denied.
	ErrForbidden = errors.New("catalog: forbidden")

	// ErrInvalidReference is returned when a repository or tag is malformed.
	ErrInvalidReference = errors.New("catalog: invalid reference")

	// ErrInvalidManifest is returned when a manifest is not a build manifest.
	ErrInvalidManifest = errors.New("catalog: invalid build manifest")

	// ErrInvalidDescriptor is returned when a descriptor is nil or has invalid fields.
	ErrInvalidDescriptor = errors.New("catalog: invalid descriptor")

	// ErrDigestMismatch is returned when content does not match its digest.
	ErrDigestMismatch = errors.New("catalog: digest mismatch")

	// ErrIndexTooLarge is returned when an index blob exceeds the size limit.
	ErrIndexTooLarge = errors.New("catalog: index blob too large")

	// ErrNoBuilds is returned when a repository lists no builds.
	ErrNoBuilds = errors.New("catalog: no builds")
)

// mapError maps ORAS errors to the catalog sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errdef.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	var errResp *errcode.ErrorResponse
	if errors.As(err, &errResp) {
		switch errResp.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		case http.StatusForbidden:
			return fmt.Errorf("%w: %v", ErrForbidden, err)
		}
	}
	return err
}
