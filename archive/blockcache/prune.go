package blockcache

import (
	"cmp"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"
)

type blockFile struct {
	path    string
	size    int64
	modTime time.Time
}

// walkBlocks lists the regular files under root. A missing root is empty.
func walkBlocks(root string) ([]blockFile, int64, error) {
	var (
		files []blockFile
		total int64
	)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		files = append(files, blockFile{path: path, size: info.Size(), modTime: info.ModTime()})
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	return files, total, err
}

func dirSize(root string) (int64, error) {
	_, total, err := walkBlocks(root)
	return total, err
}

// pruneDir removes the oldest files under root until at most target bytes
// remain.
func pruneDir(root string, target int64) (freed, remaining int64, err error) {
	files, remaining, err := walkBlocks(root)
	if err != nil || remaining <= target {
		return 0, remaining, err
	}

	slices.SortFunc(files, func(a, b blockFile) int {
		if c := a.modTime.Compare(b.modTime); c != 0 {
			return c
		}
		return cmp.Compare(a.path, b.path)
	})
	for _, f := range files {
		if remaining <= target {
			break
		}
		if err := os.Remove(f.path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return freed, remaining, err
		}
		remaining -= f.size
		freed += f.size
	}
	return freed, remaining, nil
}
