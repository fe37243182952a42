// Package testutil holds in-memory storage fakes and fixtures for tests.
package testutil

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/meigma/casc/jenkins"
	"github.com/meigma/casc/storage"
	"github.com/meigma/casc/tree"
)

// MockByteSource implements an in-memory byte source for tests.
type MockByteSource struct {
	data     []byte
	sourceID string
}

// NewMockByteSource returns a byte source backed by the provided data.
func NewMockByteSource(data []byte) *MockByteSource {
	sum := sha256.Sum256(data)
	return &MockByteSource{
		data:     data,
		sourceID: "mock:" + hex.EncodeToString(sum[:]),
	}
}

// ReadAt implements io.ReaderAt semantics over the backing slice.
func (m *MockByteSource) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if off+int64(n) >= int64(len(m.data)) {
		return n, io.EOF
	}
	return n, nil
}

// Size returns the total size of the backing data.
func (m *MockByteSource) Size() int64 {
	return int64(len(m.data))
}

// SourceID returns a stable identifier for the source data.
func (m *MockByteSource) SourceID() string {
	return m.sourceID
}

// Handle is an in-memory storage.Handle.
//
// It records the calls made to it so tests can assert ordering, and counts
// the readers opened through it that were not closed yet.
type Handle struct {
	mu       sync.Mutex
	files    map[uint64][]byte
	install  []installFile
	locale   storage.LocaleFlags
	override bool
	calls    []string

	open   atomic.Int32
	closed atomic.Bool
}

type installFile struct {
	path string
	hash uint64
}

// NewHandle returns an empty handle.
func NewHandle() *Handle {
	return &Handle{files: make(map[uint64][]byte)}
}

// AddFile stores content under the hash of path and returns the hash.
func (h *Handle) AddFile(path string, content []byte) uint64 {
	hash := jenkins.HashPath(path)
	h.AddHash(hash, content)
	return hash
}

// AddHash stores content under hash.
func (h *Handle) AddHash(hash uint64, content []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.files[hash] = content
}

// AddInstall stores content under path and lists path in the install manifest.
func (h *Handle) AddInstall(path string, content []byte) uint64 {
	hash := h.AddFile(path, content)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.install = append(h.install, installFile{path: path, hash: hash})
	return hash
}

// Calls returns the names of the handle methods called so far, in order.
// Existence checks and reads are not recorded.
func (h *Handle) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

// Flags returns the arguments of the last SetFlags call.
func (h *Handle) Flags() (storage.LocaleFlags, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.locale, h.override
}

// OpenReaders returns the number of readers not closed yet.
func (h *Handle) OpenReaders() int {
	return int(h.open.Load())
}

// Closed reports whether Close was called.
func (h *Handle) Closed() bool {
	return h.closed.Load()
}

func (h *Handle) record(call string) {
	h.mu.Lock()
	h.calls = append(h.calls, call)
	h.mu.Unlock()
}

// FileExists implements storage.Handle.
func (h *Handle) FileExists(hash uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.files[hash]
	return ok
}

// FileExistsPath implements storage.Handle.
func (h *Handle) FileExistsPath(path string) bool {
	return h.FileExists(jenkins.HashPath(path))
}

// OpenFile implements storage.Handle.
func (h *Handle) OpenFile(hash uint64) (io.ReadCloser, error) {
	h.mu.Lock()
	content, ok := h.files[hash]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%016x: %w", hash, storage.ErrNotFound)
	}
	h.open.Add(1)
	return &trackedReader{Reader: bytes.NewReader(content), open: &h.open}, nil
}

// OpenPath implements storage.Handle.
func (h *Handle) OpenPath(path string) (io.ReadCloser, error) {
	return h.OpenFile(jenkins.HashPath(path))
}

// SetFlags implements storage.Handle.
func (h *Handle) SetFlags(locale storage.LocaleFlags, override bool) {
	h.record("SetFlags")
	h.mu.Lock()
	defer h.mu.Unlock()
	h.locale, h.override = locale, override
}

// Folder implements storage.Handle. Unnamed files go under "unknown".
func (h *Handle) Folder(names storage.NameSource) *tree.Folder {
	h.record("Folder")
	h.mu.Lock()
	defer h.mu.Unlock()
	root := tree.NewFolder("")
	for hash, content := range h.files {
		path, ok := "", false
		if names != nil {
			path, ok = names.Lookup(hash)
		}
		if !ok {
			path = UnknownPath(hash)
		}
		root.AddFile(path, hash, int64(len(content)))
	}
	return root
}

// MergeInstall implements storage.Handle.
func (h *Handle) MergeInstall(root *tree.Folder) {
	h.record("MergeInstall")
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, f := range h.install {
		root.AddFile(f.path, f.hash, int64(len(h.files[f.hash])))
		root.Remove(UnknownPath(f.hash))
	}
}

// Close implements storage.Handle.
func (h *Handle) Close() error {
	h.record("Close")
	h.closed.Store(true)
	return nil
}

// UnknownPath is where Handle.Folder places an unnamed file.
func UnknownPath(hash uint64) string {
	return fmt.Sprintf(`unknown\%016x.dat`, hash)
}

type trackedReader struct {
	*bytes.Reader
	open *atomic.Int32
	once sync.Once
}

func (r *trackedReader) Close() error {
	r.once.Do(func() { r.open.Add(-1) })
	return nil
}

var _ storage.Handle = (*Handle)(nil)

// Engine is a storage.Engine serving one Handle.
type Engine struct {
	// Handle is returned by Open.
	Handle *Handle

	// Err fails Open when set.
	Err error

	// OnOpen runs at the start of Open. A non-nil error fails Open.
	OnOpen func(ctx context.Context) error

	opens atomic.Int32
}

// Open implements storage.Engine.
func (e *Engine) Open(ctx context.Context, _ *storage.Config, progress storage.ProgressFunc) (storage.Handle, error) {
	e.opens.Add(1)
	if e.OnOpen != nil {
		if err := e.OnOpen(ctx); err != nil {
			return nil, err
		}
	}
	if e.Err != nil {
		return nil, e.Err
	}
	if progress != nil {
		progress(0, "opening")
		progress(100, "opened")
	}
	return e.Handle, nil
}

// Opens returns the number of Open calls.
func (e *Engine) Opens() int {
	return int(e.opens.Load())
}

var _ storage.Engine = (*Engine)(nil)
