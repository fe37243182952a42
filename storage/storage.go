// Package storage defines the contract between the loading pipeline and a
// storage engine.
//
// An [Engine] opens a [Handle] from a resolved [Config]. Handles address
// files by the 64-bit name hash produced by jenkins.HashPath, select the
// active locale variant of each file, and build the namespace tree.
package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/meigma/casc/tree"
)

// ErrNotFound is returned when a requested file is not in storage.
var ErrNotFound = errors.New("storage: file not found")

// Build is one versioned snapshot of a product.
type Build struct {
	// Name identifies the build, for example "11.0.2.56421".
	Name string

	// Version is the product version string.
	Version string

	// Key locates the build's content (an archive key or manifest digest).
	Key string

	// Branch names the release channel.
	Branch string

	// Created is when the build was published. Zero when unknown.
	Created time.Time
}

// Config describes which storage to open.
type Config struct {
	// Product is the product code, for example "wow".
	Product string

	// Region is the remote region, for example "eu". Empty for local storage.
	Region string

	// Online reports whether content is read from a remote catalog.
	Online bool

	// BasePath is the local installation directory.
	BasePath string

	// Repository is the remote repository holding the product's builds.
	Repository string

	// Builds lists the builds available for the product.
	Builds []Build

	// ActiveBuild indexes Builds.
	ActiveBuild int
}

// Build returns the active build.
func (c *Config) Build() (Build, bool) {
	if c == nil || c.ActiveBuild < 0 || c.ActiveBuild >= len(c.Builds) {
		return Build{}, false
	}
	return c.Builds[c.ActiveBuild], true
}

// ProgressFunc receives engine progress as a percentage of the open step.
type ProgressFunc func(percent int, message string)

// Engine opens storage.
type Engine interface {
	Open(ctx context.Context, cfg *Config, progress ProgressFunc) (Handle, error)
}

// NameSource resolves name hashes to paths.
type NameSource interface {
	Lookup(hash uint64) (string, bool)
}

// Handle is an opened storage.
//
// Handles are used by one loader goroutine until the load finishes and are
// safe for concurrent reads afterwards.
type Handle interface {
	// FileExists reports whether any variant of the file with hash exists.
	FileExists(hash uint64) bool

	// FileExistsPath reports whether the file at path exists.
	FileExistsPath(path string) bool

	// OpenFile opens the active variant of the file with hash.
	// It returns ErrNotFound when the file is absent.
	OpenFile(hash uint64) (io.ReadCloser, error)

	// OpenPath opens the file at path.
	OpenPath(path string) (io.ReadCloser, error)

	// SetFlags selects the active variant of each file.
	SetFlags(locale LocaleFlags, override bool)

	// Folder builds the namespace of active files, naming them through names.
	Folder(names NameSource) *tree.Folder

	// MergeInstall merges the install manifest into root.
	MergeInstall(root *tree.Folder)

	// Close releases the handle.
	Close() error
}
