package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/meigma/casc/buildinfo"
	"github.com/meigma/casc/storage"
)

// File name extensions of a local archive.
const (
	IndexExt = ".index"
	DataExt  = ".data"
)

// DataDir returns the directory holding the archives of a local install.
func DataDir(baseDir string) string {
	return filepath.Join(baseDir, "Data", "archive")
}

// LocalPaths returns the index and data paths of the archive with key.
func LocalPaths(baseDir, key string) (indexPath, dataPath string) {
	dir := DataDir(baseDir)
	return filepath.Join(dir, key+IndexExt), filepath.Join(dir, key+DataExt)
}

// Key returns the archive key of an index blob.
func Key(indexData []byte) string {
	sum := sha256.Sum256(indexData)
	return hex.EncodeToString(sum[:16])
}

// fileSource wraps *os.File to implement ByteSource.
// os.File has ReadAt but not Size, so we cache the size at construction.
type fileSource struct {
	file     *os.File
	size     int64
	sourceID string
}

// newFileSource creates a fileSource from an open file.
func newFileSource(f *os.File, sourceID string) (*fileSource, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat data file: %w", err)
	}
	if sourceID == "" {
		sourceID = fmt.Sprintf("file:%s:%d:%d", f.Name(), info.Size(), info.ModTime().UnixNano())
	}
	return &fileSource{file: f, size: info.Size(), sourceID: sourceID}, nil
}

// ReadAt implements io.ReaderAt.
func (s *fileSource) ReadAt(p []byte, off int64) (int, error) {
	return s.file.ReadAt(p, off)
}

// Size returns the total size of the file.
func (s *fileSource) Size() int64 {
	return s.size
}

// SourceID returns a stable identifier for the file content.
func (s *fileSource) SourceID() string {
	return s.sourceID
}

// OpenFile opens an archive from index and data files.
//
// The index file is read into memory; the data file is opened for random
// access and closed by Archive.Close.
func OpenFile(indexPath, dataPath string, opts ...Option) (*Archive, error) {
	indexData, err := os.ReadFile(indexPath) //nolint:gosec // User-provided path is intentional
	if err != nil {
		return nil, fmt.Errorf("read index file: %w", err)
	}

	dataFile, err := os.Open(dataPath) //nolint:gosec // User-provided path is intentional
	if err != nil {
		return nil, fmt.Errorf("open data file: %w", err)
	}

	sourceID := ""
	if idx, loadErr := loadIndex(indexData); loadErr == nil {
		if hash, ok := idx.DataHash(); ok {
			sourceID = "sha256:" + hex.EncodeToString(hash)
		}
	}
	source, err := newFileSource(dataFile, sourceID)
	if err != nil {
		dataFile.Close()
		return nil, err
	}

	a, err := New(indexData, source, append(append([]Option(nil), opts...), withCloser(dataFile))...)
	if err != nil {
		dataFile.Close()
		return nil, fmt.Errorf("open archive: %w", err)
	}
	return a, nil
}

// OpenLocal opens the archive with key from a local install.
func OpenLocal(baseDir, key string, opts ...Option) (*Archive, error) {
	if key == "" {
		return nil, errors.New("archive: empty build key")
	}
	indexPath, dataPath := LocalPaths(baseDir, key)
	return OpenFile(indexPath, dataPath, opts...)
}

// WriteLocal creates an archive from srcDir and installs it into baseDir as
// the active build of product.
//
// The archive is written to Data/archive/<key>.index and <key>.data, where
// key is derived from the index, and .build.info is updated. The returned
// build carries the key.
func WriteLocal(ctx context.Context, srcDir, baseDir, product string, build storage.Build, opts ...CreateOption) (storage.Build, error) {
	dir := DataDir(baseDir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return storage.Build{}, fmt.Errorf("create data directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".data-*")
	if err != nil {
		return storage.Build{}, fmt.Errorf("create data file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	var index bytes.Buffer
	createOpts := append([]CreateOption{CreateWithBuild(build.Name)}, opts...)
	if err := Create(ctx, srcDir, &index, tmp, createOpts...); err != nil {
		cleanup()
		return storage.Build{}, fmt.Errorf("create archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return storage.Build{}, fmt.Errorf("close data file: %w", err)
	}

	build.Key = Key(index.Bytes())
	indexPath, dataPath := LocalPaths(baseDir, build.Key)
	if err := os.Rename(tmpPath, dataPath); err != nil {
		os.Remove(tmpPath)
		return storage.Build{}, fmt.Errorf("write data file: %w", err)
	}
	if err := writeFileAtomic(indexPath, index.Bytes()); err != nil {
		os.Remove(dataPath)
		return storage.Build{}, fmt.Errorf("write index file: %w", err)
	}

	if err := buildinfo.Activate(filepath.Join(baseDir, buildinfo.FileName), product, build); err != nil {
		return storage.Build{}, fmt.Errorf("update %s: %w", buildinfo.FileName, err)
	}
	return build, nil
}

// writeFileAtomic writes data to a temp file then renames to target,
// ensuring atomic replacement of the target file.
func writeFileAtomic(target string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), ".index-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// Interface compliance for fileSource.
var _ ByteSource = (*fileSource)(nil)
