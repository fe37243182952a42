package archive

import (
	"fmt"
	"iter"
	"sort"

	flatbuffers "github.com/google/flatbuffers/go"

	"github.com/meigma/casc/archive/internal/fb"
)

// indexVersion is the index format version written by Create.
const indexVersion = 1

// index provides access to archive entries.
//
// Entries are sorted by name hash, so variants of one file are adjacent and
// lookups are O(log n).
type index struct {
	data []byte
	root *fb.Index
}

// loadIndex parses a FlatBuffers-encoded index blob.
//
// The provided data is retained by the index; callers must not modify it.
func loadIndex(data []byte) (idx *index, err error) {
	defer func() {
		if r := recover(); r != nil {
			idx = nil
			err = fmt.Errorf("%w: %v", ErrInvalidIndex, r)
		}
	}()
	if len(data) < flatbuffers.SizeUOffsetT {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidIndex, len(data))
	}

	root := fb.GetRootAsIndex(data, 0)
	if v := root.Version(); v != indexVersion {
		return nil, fmt.Errorf("%w: version %d", ErrInvalidIndex, v)
	}
	idx = &index{data: data, root: root}
	if err := idx.checkSorted(); err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx *index) checkSorted() error {
	var prev uint64
	var e fb.Entry
	for i := range idx.root.EntriesLength() {
		idx.root.Entries(&e, i)
		h := e.NameHash()
		if i > 0 && h < prev {
			return fmt.Errorf("%w: entries not sorted at %d", ErrInvalidIndex, i)
		}
		prev = h
	}
	return nil
}

// DataHash returns the hash of the data blob. The slice aliases the index buffer.
func (idx *index) DataHash() ([]byte, bool) {
	hash := idx.root.DataHashBytes()
	if len(hash) == 0 {
		return nil, false
	}
	return hash, true
}

// DataSize returns the size of the data blob in bytes.
func (idx *index) DataSize() uint64 {
	return idx.root.DataSize()
}

// Build returns the build name recorded at creation.
func (idx *index) Build() string {
	return string(idx.root.Build())
}

// Len returns the number of entries.
func (idx *index) Len() int {
	return idx.root.EntriesLength()
}

// entry returns entry i.
func (idx *index) entry(i int) Entry {
	var e fb.Entry
	idx.root.Entries(&e, i)
	return entryFromFlatBuffers(&e)
}

// first returns the position of the first entry with name hash >= hash.
func (idx *index) first(hash uint64) int {
	var e fb.Entry
	return sort.Search(idx.root.EntriesLength(), func(i int) bool {
		idx.root.Entries(&e, i)
		return e.NameHash() >= hash
	})
}

// lookup returns the position of the first entry with the name hash.
func (idx *index) lookup(hash uint64) (int, bool) {
	i := idx.first(hash)
	if i >= idx.root.EntriesLength() {
		return 0, false
	}
	var e fb.Entry
	idx.root.Entries(&e, i)
	return i, e.NameHash() == hash
}

// Contains reports whether any entry has the name hash.
func (idx *index) Contains(hash uint64) bool {
	_, ok := idx.lookup(hash)
	return ok
}

// Variants yields the positions and entries sharing a name hash.
func (idx *index) Variants(hash uint64) iter.Seq2[int, Entry] {
	return func(yield func(int, Entry) bool) {
		n := idx.root.EntriesLength()
		var e fb.Entry
		for i := idx.first(hash); i < n; i++ {
			idx.root.Entries(&e, i)
			if e.NameHash() != hash {
				return
			}
			if !yield(i, entryFromFlatBuffers(&e)) {
				return
			}
		}
	}
}

// Entries yields every entry in name hash order.
func (idx *index) Entries() iter.Seq2[int, Entry] {
	return func(yield func(int, Entry) bool) {
		var e fb.Entry
		for i := range idx.root.EntriesLength() {
			idx.root.Entries(&e, i)
			if !yield(i, entryFromFlatBuffers(&e)) {
				return
			}
		}
	}
}

// Install yields the install manifest.
func (idx *index) Install() iter.Seq[InstallEntry] {
	return func(yield func(InstallEntry) bool) {
		var e fb.InstallEntry
		for i := range idx.root.InstallLength() {
			idx.root.Install(&e, i)
			if !yield(InstallEntry{Name: string(e.Name()), NameHash: e.NameHash()}) {
				return
			}
		}
	}
}

// buildIndex serializes entries, sorted by name hash, to FlatBuffers format.
func buildIndex(build string, entries []Entry, install []InstallEntry, dataSize uint64, dataHash []byte) []byte {
	builder := flatbuffers.NewBuilder(1024)

	// Build entries in reverse order (FlatBuffers requirement)
	entryOffsets := make([]flatbuffers.UOffsetT, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]

		keyOffset := builder.CreateByteVector(e.Key)

		fb.EntryStart(builder)
		fb.EntryAddNameHash(builder, e.NameHash)
		fb.EntryAddFileId(builder, e.FileID)
		fb.EntryAddLocale(builder, uint32(e.Locale))
		fb.EntryAddContent(builder, uint32(e.Content))
		fb.EntryAddKey(builder, keyOffset)
		fb.EntryAddDataOffset(builder, e.DataOffset)
		fb.EntryAddDataSize(builder, e.DataSize)
		fb.EntryAddOriginalSize(builder, e.OriginalSize)
		fb.EntryAddCompression(builder, fb.Compression(e.Compression))
		entryOffsets[i] = fb.EntryEnd(builder)
	}

	fb.IndexStartEntriesVector(builder, len(entries))
	for i := len(entryOffsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(entryOffsets[i])
	}
	entriesOffset := builder.EndVector(len(entries))

	installOffsets := make([]flatbuffers.UOffsetT, len(install))
	for i := len(install) - 1; i >= 0; i-- {
		nameOffset := builder.CreateString(install[i].Name)
		fb.InstallEntryStart(builder)
		fb.InstallEntryAddName(builder, nameOffset)
		fb.InstallEntryAddNameHash(builder, install[i].NameHash)
		installOffsets[i] = fb.InstallEntryEnd(builder)
	}
	fb.IndexStartInstallVector(builder, len(install))
	for i := len(installOffsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(installOffsets[i])
	}
	installOffset := builder.EndVector(len(install))

	var dataHashOffset flatbuffers.UOffsetT
	if len(dataHash) > 0 {
		dataHashOffset = builder.CreateByteVector(dataHash)
	}
	buildOffset := builder.CreateString(build)

	fb.IndexStart(builder)
	fb.IndexAddVersion(builder, indexVersion)
	fb.IndexAddEntries(builder, entriesOffset)
	fb.IndexAddInstall(builder, installOffset)
	fb.IndexAddDataSize(builder, dataSize)
	if dataHashOffset != 0 {
		fb.IndexAddDataHash(builder, dataHashOffset)
	}
	fb.IndexAddBuild(builder, buildOffset)
	indexOffset := fb.IndexEnd(builder)

	builder.Finish(indexOffset)
	return builder.FinishedBytes()
}
