// Package names maps archive name hashes back to human-readable paths.
//
// Archive entries are keyed by [jenkins.HashPath] of their path. A [Registry]
// collects the paths whose hash the storage engine confirmed, from two
// sources: a plain list file ([LoadListFile]) and the FileDataComplete table
// ([Resolve]). Candidates the engine does not know are skipped without error.
package names

import (
	"iter"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
)

// Entry is a resolved name.
type Entry struct {
	Hash uint64
	Path string
}

// Registry maps name hashes to paths for one opened storage handle.
//
// Entries are only added during a load; the registry is safe for concurrent
// readers once loading finishes. A registry whose handle was closed reports
// Stale and answers no lookups.
type Registry struct {
	mu      sync.RWMutex
	entries map[uint64]string
	stale   atomic.Bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[uint64]string)}
}

// Add records path for hash, replacing any earlier path.
func (r *Registry) Add(hash uint64, path string) {
	if r.stale.Load() {
		return
	}
	r.mu.Lock()
	r.entries[hash] = path
	r.mu.Unlock()
}

// Lookup returns the path recorded for hash.
func (r *Registry) Lookup(hash uint64) (string, bool) {
	if r == nil || r.stale.Load() {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.entries[hash]
	return p, ok
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	if r == nil || r.stale.Load() {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// All returns the entries ordered by hash.
func (r *Registry) All() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		if r == nil || r.stale.Load() {
			return
		}
		r.mu.RLock()
		hashes := slices.Sorted(maps.Keys(r.entries))
		snapshot := make([]Entry, len(hashes))
		for i, h := range hashes {
			snapshot[i] = Entry{Hash: h, Path: r.entries[h]}
		}
		r.mu.RUnlock()

		for _, e := range snapshot {
			if !yield(e) {
				return
			}
		}
	}
}

// Invalidate marks the registry stale and drops its entries.
func (r *Registry) Invalidate() {
	if r == nil || r.stale.Swap(true) {
		return
	}
	r.mu.Lock()
	r.entries = nil
	r.mu.Unlock()
}

// Stale reports whether Invalidate was called.
func (r *Registry) Stale() bool {
	return r != nil && r.stale.Load()
}
