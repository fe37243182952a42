package tree

import (
	"io"
	"io/fs"
	"strings"
	"time"
)

// OpenFunc opens the content of a file in the tree.
type OpenFunc func(*File) (io.ReadCloser, error)

// FS exposes a folder as an fs.FS. Names use '/' and match case-insensitively.
type FS struct {
	root *Folder
	open OpenFunc
}

// NewFS returns an fs.FS over root that reads content through open.
func NewFS(root *Folder, open OpenFunc) *FS {
	return &FS{root: root, open: open}
}

func fsPath(name string) string {
	if name == "." {
		return ""
	}
	return strings.ReplaceAll(name, "/", Separator)
}

// Open implements fs.FS.
func (t *FS) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	if file, ok := t.root.File(fsPath(name)); ok {
		rc, err := t.open(file)
		if err != nil {
			return nil, &fs.PathError{Op: "open", Path: name, Err: err}
		}
		return &openFile{ReadCloser: rc, info: fileInfo{name: file.Name, size: file.Size}}, nil
	}
	if dir, ok := t.root.Folder(fsPath(name)); ok {
		return &openDir{dir: dir, name: name}, nil
	}
	return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
}

// ReadDir implements fs.ReadDirFS.
func (t *FS) ReadDir(name string) ([]fs.DirEntry, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: fs.ErrInvalid}
	}
	dir, ok := t.root.Folder(fsPath(name))
	if !ok {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: fs.ErrNotExist}
	}
	return dirEntries(dir), nil
}

// Stat implements fs.StatFS.
func (t *FS) Stat(name string) (fs.FileInfo, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrInvalid}
	}
	if file, ok := t.root.File(fsPath(name)); ok {
		return fileInfo{name: file.Name, size: file.Size}, nil
	}
	if dir, ok := t.root.Folder(fsPath(name)); ok {
		return dirInfo(dir, name), nil
	}
	return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrNotExist}
}

func dirInfo(dir *Folder, name string) fileInfo {
	if name == "." {
		return fileInfo{name: ".", dir: true}
	}
	return fileInfo{name: dir.name, dir: true}
}

func dirEntries(dir *Folder) []fs.DirEntry {
	subs := dir.Folders()
	files := dir.Files()
	out := make([]fs.DirEntry, 0, len(subs)+len(files))
	for _, sub := range subs {
		out = append(out, fs.FileInfoToDirEntry(fileInfo{name: sub.name, dir: true}))
	}
	for _, f := range files {
		out = append(out, fs.FileInfoToDirEntry(fileInfo{name: f.Name, size: f.Size}))
	}
	return out
}

type openFile struct {
	io.ReadCloser
	info fileInfo
}

func (f *openFile) Stat() (fs.FileInfo, error) {
	return f.info, nil
}

type openDir struct {
	dir     *Folder
	name    string
	entries []fs.DirEntry
	read    bool
}

func (d *openDir) Read(_ []byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: d.name, Err: fs.ErrInvalid}
}

func (d *openDir) Stat() (fs.FileInfo, error) {
	return dirInfo(d.dir, d.name), nil
}

func (d *openDir) Close() error {
	return nil
}

func (d *openDir) ReadDir(n int) ([]fs.DirEntry, error) {
	if !d.read {
		d.entries = dirEntries(d.dir)
		d.read = true
	}
	if n <= 0 {
		out := d.entries
		d.entries = nil
		return out, nil
	}
	if len(d.entries) == 0 {
		return nil, io.EOF
	}
	n = min(n, len(d.entries))
	out := d.entries[:n]
	d.entries = d.entries[n:]
	return out, nil
}

type fileInfo struct {
	name string
	size int64
	dir  bool
}

func (i fileInfo) Name() string       { return i.name }
func (i fileInfo) Size() int64        { return i.size }
func (i fileInfo) ModTime() time.Time { return time.Time{} }
func (i fileInfo) IsDir() bool        { return i.dir }
func (i fileInfo) Sys() any           { return nil }

func (i fileInfo) Mode() fs.FileMode {
	if i.dir {
		return fs.ModeDir | 0o555
	}
	return 0o444
}

var (
	_ fs.ReadDirFS   = (*FS)(nil)
	_ fs.StatFS      = (*FS)(nil)
	_ fs.ReadDirFile = (*openDir)(nil)
)
