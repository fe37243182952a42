// Package archive is a reference storage engine for the loading pipeline.
//
// An archive is two blobs: a FlatBuffers index listing every stored file
// variant by name hash, and a data blob holding the concatenated,
// optionally zstd-compressed contents. Names are not stored with entries;
// only the install manifest carries paths. Everything else must be named
// by a list file or the FileDataComplete table.
//
// Archives are built with [Create] or laid out as a local install with
// [WriteLocal], and opened with [New], [OpenLocal] or through an [Engine].
package archive

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"math/bits"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/meigma/casc/jenkins"
	"github.com/meigma/casc/storage"
	"github.com/meigma/casc/tree"
)

const (
	// DefaultMaxFileSize is the default maximum file size (256MB).
	DefaultMaxFileSize = 256 << 20

	// DefaultMaxDecoderMemory is the default maximum decoder memory (256MB).
	DefaultMaxDecoderMemory = 256 << 20
)

// UnknownFolder holds files no name source could name.
const UnknownFolder = "unknown"

// Archive provides access to the files of one archive. It implements
// storage.Handle.
type Archive struct {
	idx              *index
	reader           *contentReader
	maxFileSize      uint64
	maxDecoderMemory uint64
	decoderLowmem    bool
	closer           io.Closer
	closed           atomic.Bool
	readGroup        singleflight.Group

	mu       sync.RWMutex
	active   map[uint64]int
	locale   storage.LocaleFlags
	override bool

	logger *slog.Logger
}

// log returns the logger, falling back to a discard logger if nil.
func (a *Archive) log() *slog.Logger {
	if a.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return a.logger
}

// New creates an Archive from an index blob and a data source.
//
// The index data is retained; callers must not modify it. All variants
// start active for every locale, as if SetFlags(LocaleAll, false) was called.
func New(indexData []byte, source ByteSource, opts ...Option) (*Archive, error) {
	a := &Archive{
		maxFileSize:      DefaultMaxFileSize,
		maxDecoderMemory: DefaultMaxDecoderMemory,
	}
	for _, opt := range opts {
		opt(a)
	}

	idx, err := loadIndex(indexData)
	if err != nil {
		return nil, err
	}
	if size := idx.DataSize(); source.Size() < int64(size) { //nolint:gosec // compared as sizes
		return nil, fmt.Errorf("%w: data source holds %d bytes, index expects %d", ErrInvalidIndex, source.Size(), size)
	}
	a.idx = idx
	a.reader = &contentReader{
		source:      source,
		maxFileSize: a.maxFileSize,
		pool:        newDecompressPool(a.maxDecoderMemory, a.decoderLowmem),
	}
	a.SetFlags(storage.LocaleAll, false)

	a.log().Debug("archive opened", "build", idx.Build(), "entries", idx.Len(), "source", source.SourceID())
	return a, nil
}

// Build returns the build name recorded in the index.
func (a *Archive) Build() string {
	return a.idx.Build()
}

// IndexData returns the raw index blob. Callers must not modify it.
func (a *Archive) IndexData() []byte {
	return a.idx.data
}

// DataHash returns the SHA256 hash of the data blob.
func (a *Archive) DataHash() ([]byte, bool) {
	return a.idx.DataHash()
}

// DataSize returns the size of the data blob in bytes.
func (a *Archive) DataSize() uint64 {
	return a.idx.DataSize()
}

// Stream returns a reader over the whole data blob.
func (a *Archive) Stream() io.Reader {
	return io.NewSectionReader(a.reader.source, 0, int64(a.idx.DataSize())) //nolint:gosec // checked against source size in New
}

// Len returns the number of stored file variants.
func (a *Archive) Len() int {
	return a.idx.Len()
}

// Entries yields every stored variant in name hash order.
func (a *Archive) Entries() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		for _, e := range a.idx.Entries() {
			if !yield(e) {
				return
			}
		}
	}
}

// Install returns the install manifest.
func (a *Archive) Install() []InstallEntry {
	var out []InstallEntry
	for e := range a.idx.Install() {
		out = append(out, e)
	}
	return out
}

// FileExists reports whether any variant of the file with hash is stored.
func (a *Archive) FileExists(hash uint64) bool {
	return a.idx.Contains(hash)
}

// FileExistsPath reports whether the file at path is stored.
func (a *Archive) FileExistsPath(path string) bool {
	return a.FileExists(jenkins.HashPath(path))
}

// Entry returns the active variant for hash. When no variant is active the
// first stored variant is returned.
func (a *Archive) Entry(hash uint64) (Entry, bool) {
	a.mu.RLock()
	pos, ok := a.active[hash]
	a.mu.RUnlock()
	if ok {
		return a.idx.entry(pos), true
	}
	if pos, ok := a.idx.lookup(hash); ok {
		return a.idx.entry(pos), true
	}
	return Entry{}, false
}

// ReadFile returns the verified content of the file with hash.
func (a *Archive) ReadFile(hash uint64) ([]byte, error) {
	if a.closed.Load() {
		return nil, ErrClosed
	}
	e, ok := a.Entry(hash)
	if !ok {
		return nil, fmt.Errorf("%016x: %w", hash, storage.ErrNotFound)
	}

	// Offsets are not unique: an empty file shares one with the next file.
	key := hex.EncodeToString(e.Key) + ":" + strconv.FormatUint(e.DataSize, 10)
	v, err, _ := a.readGroup.Do(key, func() (any, error) {
		return a.reader.ReadAll(&e)
	})
	if err != nil {
		return nil, fmt.Errorf("read %016x: %w", hash, err)
	}
	content, _ := v.([]byte)
	// Callers sharing a flight get their own copy.
	return bytes.Clone(content), nil
}

// OpenFile opens the file with hash.
func (a *Archive) OpenFile(hash uint64) (io.ReadCloser, error) {
	content, err := a.ReadFile(hash)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

// OpenPath opens the file at path.
func (a *Archive) OpenPath(path string) (io.ReadCloser, error) {
	rc, err := a.OpenFile(jenkins.HashPath(path))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return rc, nil
}

// SetFlags selects the active variant of each file.
//
// A variant is eligible when its locale intersects locale. Alternate
// variants are eligible only with override set, and then win over regular
// ones. Among the remaining candidates the variant serving the fewest
// locales wins, then the first stored.
func (a *Archive) SetFlags(locale storage.LocaleFlags, override bool) {
	active := make(map[uint64]int)
	best := make(map[uint64]Entry)
	for pos, e := range a.idx.Entries() {
		if e.Locale&locale == 0 {
			continue
		}
		alt := e.Content&storage.ContentAlternate != 0
		if alt && !override {
			continue
		}
		cur, ok := best[e.NameHash]
		if ok && !better(e, cur) {
			continue
		}
		best[e.NameHash] = e
		active[e.NameHash] = pos
	}

	a.mu.Lock()
	a.active = active
	a.locale = locale
	a.override = override
	a.mu.Unlock()

	a.log().Debug("flags set", "locale", locale.String(), "override", override, "active", len(active))
}

// Flags returns the locale and override set by the last SetFlags.
func (a *Archive) Flags() (storage.LocaleFlags, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.locale, a.override
}

// better reports whether e should replace cur as the active variant.
func better(e, cur Entry) bool {
	eAlt := e.Content&storage.ContentAlternate != 0
	curAlt := cur.Content&storage.ContentAlternate != 0
	if eAlt != curAlt {
		return eAlt
	}
	return bits.OnesCount32(uint32(e.Locale)) < bits.OnesCount32(uint32(cur.Locale))
}

// Folder builds the tree of active files. Files that names cannot resolve
// are placed under UnknownFolder.
func (a *Archive) Folder(names storage.NameSource) *tree.Folder {
	a.mu.RLock()
	defer a.mu.RUnlock()

	root := tree.NewFolder("")
	var unnamed int
	for hash, pos := range a.active {
		e := a.idx.entry(pos)
		size := int64(e.OriginalSize) //nolint:gosec // bounded by maxFileSize on read
		if names != nil {
			if p, ok := names.Lookup(hash); ok {
				root.AddFile(p, hash, size)
				continue
			}
		}
		root.AddFile(UnknownPath(hash), hash, size)
		unnamed++
	}
	a.log().Debug("folder built", "files", len(a.active), "unnamed", unnamed)
	return root
}

// UnknownPath returns the placeholder path of an unnamed file.
func UnknownPath(hash uint64) string {
	return fmt.Sprintf("%s%s%016x.dat", UnknownFolder, tree.Separator, hash)
}

// MergeInstall adds the install manifest to root, replacing the unknown
// placeholder of each listed file.
func (a *Archive) MergeInstall(root *tree.Folder) {
	var n int
	for e := range a.idx.Install() {
		var size int64
		if entry, ok := a.Entry(e.NameHash); ok {
			size = int64(entry.OriginalSize) //nolint:gosec // bounded by maxFileSize on read
		}
		root.AddFile(e.Name, e.NameHash, size)
		root.Remove(UnknownPath(e.NameHash))
		n++
	}
	a.log().Debug("install merged", "files", n)
}

// Close releases the data source when the archive owns it.
func (a *Archive) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	if a.closer != nil {
		return a.closer.Close()
	}
	return nil
}

// Interface compliance.
var _ storage.Handle = (*Archive)(nil)
