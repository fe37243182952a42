// Package tree holds the navigable namespace built over an opened archive.
//
// Paths use '\' as separator; '/' is accepted on input. Names compare
// case-insensitively and keep the spelling of the first insertion.
package tree

import (
	"iter"
	"slices"
	"strings"
)

// Separator joins path components in paths produced by this package.
const Separator = `\`

// File is a leaf of the tree.
type File struct {
	Name string
	Hash uint64
	Size int64
}

// Folder is a directory node.
type Folder struct {
	name    string
	folders map[string]*Folder
	files   map[string]*File
}

// NewFolder returns an empty folder.
func NewFolder(name string) *Folder {
	return &Folder{name: name}
}

// Name returns the folder name. The root folder's name is empty.
func (f *Folder) Name() string {
	return f.name
}

func key(name string) string {
	return strings.ToUpper(name)
}

// Split breaks a path into its non-empty components.
func Split(path string) []string {
	return strings.FieldsFunc(path, func(r rune) bool {
		return r == '\\' || r == '/'
	})
}

// AddFile inserts a file at path, creating intermediate folders. An existing
// file at the same path is replaced.
func (f *Folder) AddFile(path string, hash uint64, size int64) *File {
	parts := Split(path)
	if len(parts) == 0 {
		return nil
	}
	dir := f
	for _, p := range parts[:len(parts)-1] {
		dir = dir.child(p)
	}
	name := parts[len(parts)-1]
	file := &File{Name: name, Hash: hash, Size: size}
	if dir.files == nil {
		dir.files = make(map[string]*File)
	}
	if old, ok := dir.files[key(name)]; ok {
		file.Name = old.Name
	}
	dir.files[key(name)] = file
	return file
}

func (f *Folder) child(name string) *Folder {
	if sub, ok := f.folders[key(name)]; ok {
		return sub
	}
	if f.folders == nil {
		f.folders = make(map[string]*Folder)
	}
	sub := NewFolder(name)
	f.folders[key(name)] = sub
	return sub
}

// Folder returns the folder at path. An empty path returns f.
func (f *Folder) Folder(path string) (*Folder, bool) {
	dir := f
	for _, p := range Split(path) {
		sub, ok := dir.folders[key(p)]
		if !ok {
			return nil, false
		}
		dir = sub
	}
	return dir, true
}

// File returns the file at path.
func (f *Folder) File(path string) (*File, bool) {
	parts := Split(path)
	if len(parts) == 0 {
		return nil, false
	}
	dir, ok := f.Folder(strings.Join(parts[:len(parts)-1], Separator))
	if !ok {
		return nil, false
	}
	file, ok := dir.files[key(parts[len(parts)-1])]
	return file, ok
}

// Remove deletes the file at path and prunes folders left empty.
func (f *Folder) Remove(path string) bool {
	parts := Split(path)
	if len(parts) == 0 {
		return false
	}
	return f.remove(parts)
}

func (f *Folder) remove(parts []string) bool {
	if len(parts) == 1 {
		k := key(parts[0])
		if _, ok := f.files[k]; !ok {
			return false
		}
		delete(f.files, k)
		return true
	}
	sub, ok := f.folders[key(parts[0])]
	if !ok || !sub.remove(parts[1:]) {
		return false
	}
	if sub.empty() {
		delete(f.folders, key(parts[0]))
	}
	return true
}

func (f *Folder) empty() bool {
	return len(f.files) == 0 && len(f.folders) == 0
}

// Folders returns the subfolders sorted by name.
func (f *Folder) Folders() []*Folder {
	out := make([]*Folder, 0, len(f.folders))
	for _, sub := range f.folders {
		out = append(out, sub)
	}
	slices.SortFunc(out, func(a, b *Folder) int { return strings.Compare(key(a.name), key(b.name)) })
	return out
}

// Files returns the files directly in f sorted by name.
func (f *Folder) Files() []*File {
	out := make([]*File, 0, len(f.files))
	for _, file := range f.files {
		out = append(out, file)
	}
	slices.SortFunc(out, func(a, b *File) int { return strings.Compare(key(a.Name), key(b.Name)) })
	return out
}

// Walk yields every file below f with its path relative to f, folders
// before files at each level, both in name order.
func (f *Folder) Walk() iter.Seq2[string, *File] {
	return func(yield func(string, *File) bool) {
		f.walk("", yield)
	}
}

func (f *Folder) walk(prefix string, yield func(string, *File) bool) bool {
	for _, sub := range f.Folders() {
		if !sub.walk(prefix+sub.name+Separator, yield) {
			return false
		}
	}
	for _, file := range f.Files() {
		if !yield(prefix+file.Name, file) {
			return false
		}
	}
	return true
}

// FileCount returns the number of files below f.
func (f *Folder) FileCount() int {
	n := len(f.files)
	for _, sub := range f.folders {
		n += sub.FileCount()
	}
	return n
}

// Merge copies every file of other into f. Files in other win on conflict.
func (f *Folder) Merge(other *Folder) {
	if other == nil {
		return
	}
	for p, file := range other.Walk() {
		f.AddFile(p, file.Hash, file.Size)
	}
}
