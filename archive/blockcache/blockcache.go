// Package blockcache caches reads of remote archive data on disk.
//
// Data blobs are read in fixed-size blocks. Each block is stored as one file
// named by the hash of the source id, block size and block index, so blocks of
// different builds never collide. The data blob is itself verified per entry
// by the archive, so cached blocks need no further checks.
package blockcache

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/meigma/casc/archive"
)

const (
	// DefaultBlockSize is the size of one cached block.
	DefaultBlockSize int64 = 64 << 10

	// DefaultMaxBlocksPerRead caps the blocks cached for one ReadAt. Larger
	// reads go straight to the source.
	DefaultMaxBlocksPerRead = 16

	defaultShardPrefixLen = 2
	defaultDirPerm        = 0o700
)

// Cache is a disk-backed block cache. It is safe for concurrent use.
type Cache struct {
	dir              string
	shardPrefixLen   int
	dirPerm          os.FileMode
	maxBytes         int64
	blockSize        int64
	maxBlocksPerRead int
	logger           *slog.Logger

	bytes   atomic.Int64
	fetches singleflight.Group
	pruneMu sync.Mutex
}

// Option configures a Cache.
type Option func(*Cache)

// WithMaxBytes bounds the cache size. Oldest blocks are pruned first.
// Values <= 0 disable the limit.
func WithMaxBytes(n int64) Option {
	return func(c *Cache) {
		c.maxBytes = n
	}
}

// WithBlockSize sets the block size.
func WithBlockSize(n int64) Option {
	return func(c *Cache) {
		c.blockSize = n
	}
}

// WithMaxBlocksPerRead bypasses the cache for reads spanning more than n
// blocks. Values <= 0 disable the limit.
func WithMaxBlocksPerRead(n int) Option {
	return func(c *Cache) {
		c.maxBlocksPerRead = n
	}
}

// WithShardPrefixLen sets the number of key characters naming the shard
// directory. Zero disables sharding.
func WithShardPrefixLen(n int) Option {
	return func(c *Cache) {
		c.shardPrefixLen = n
	}
}

// WithLogger sets the logger for cache diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// New creates a cache rooted at dir, creating it if needed. The size of
// blocks already in dir counts against the limit.
func New(dir string, opts ...Option) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("blockcache: dir is empty")
	}
	c := &Cache{
		dir:              dir,
		shardPrefixLen:   defaultShardPrefixLen,
		dirPerm:          defaultDirPerm,
		blockSize:        DefaultBlockSize,
		maxBlocksPerRead: DefaultMaxBlocksPerRead,
	}
	for _, opt := range opts {
		opt(c)
	}
	switch {
	case c.shardPrefixLen < 0:
		return nil, errors.New("blockcache: shard prefix length must be >= 0")
	case c.blockSize <= 0 || c.blockSize > math.MaxInt32:
		return nil, fmt.Errorf("blockcache: invalid block size %d", c.blockSize)
	}
	if err := os.MkdirAll(dir, c.dirPerm); err != nil {
		return nil, err
	}
	size, err := dirSize(dir)
	if err != nil {
		return nil, err
	}
	c.bytes.Store(size)
	return c, nil
}

// log returns the logger, falling back to a discard logger if nil.
func (c *Cache) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// Wrap returns src with its reads served from the cache. The source id keys
// the blocks and must identify the content.
func (c *Cache) Wrap(src archive.ByteSource) (archive.ByteSource, error) {
	if src == nil {
		return nil, errors.New("blockcache: source is nil")
	}
	id := src.SourceID()
	if id == "" {
		return nil, errors.New("blockcache: source id is empty")
	}
	return &source{src: src, cache: c, id: id}, nil
}

// MaxBytes returns the size limit (0 = unlimited).
func (c *Cache) MaxBytes() int64 {
	return c.maxBytes
}

// SizeBytes returns the current size of cached blocks.
func (c *Cache) SizeBytes() int64 {
	return c.bytes.Load()
}

// Prune removes the oldest blocks until the cache holds at most target
// bytes, and returns the bytes freed.
func (c *Cache) Prune(target int64) (int64, error) {
	c.pruneMu.Lock()
	defer c.pruneMu.Unlock()

	freed, remaining, err := pruneDir(c.dir, max(target, 0))
	if err != nil {
		return 0, err
	}
	c.bytes.Store(remaining)
	if freed > 0 {
		c.log().Debug("pruned block cache", "freed", freed, "remaining", remaining)
	}
	return freed, nil
}

// block returns the block at index of the source id, fetching and storing
// it on a miss. Concurrent misses of one block share a fetch.
func (c *Cache) block(id string, index, length int64, fetch func() ([]byte, error)) ([]byte, error) {
	key := c.key(id, index)
	v, err, _ := c.fetches.Do(key, func() (any, error) {
		path := c.path(key)
		data, err := os.ReadFile(path) //nolint:gosec // path is derived from a hash
		switch {
		case err == nil && int64(len(data)) == length:
			return data, nil
		case err == nil:
			// Truncated by a crash or a concurrent prune.
			c.bytes.Add(-int64(len(data)))
			_ = os.Remove(path)
		case !errors.Is(err, os.ErrNotExist):
			return nil, err
		}

		data, err = fetch()
		if err != nil {
			return nil, err
		}
		if int64(len(data)) != length {
			return nil, io.ErrUnexpectedEOF
		}
		if err := c.store(path, data); err != nil {
			c.log().Warn("store block", "path", path, "error", err)
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	data, _ := v.([]byte)
	return data, nil
}

// store writes a block atomically. A block larger than the whole cache is
// not stored.
func (c *Cache) store(path string, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	ok, err := c.reserve(int64(len(data)))
	if err != nil || !ok {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, c.dirPerm); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "block-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		if _, statErr := os.Stat(path); statErr == nil {
			return nil
		}
		return err
	}
	c.bytes.Add(int64(len(data)))
	return nil
}

// reserve makes room for need bytes, pruning if the limit requires it.
func (c *Cache) reserve(need int64) (bool, error) {
	if c.maxBytes <= 0 {
		return true, nil
	}
	if need > c.maxBytes {
		return false, nil
	}
	if c.SizeBytes()+need <= c.maxBytes {
		return true, nil
	}
	if _, err := c.Prune(c.maxBytes - need); err != nil {
		return false, err
	}
	return c.SizeBytes()+need <= c.maxBytes, nil
}

func (c *Cache) key(id string, index int64) string {
	h := sha256.New()
	h.Write([]byte(id))
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(c.blockSize)) //nolint:gosec // validated > 0
	binary.BigEndian.PutUint64(buf[8:], uint64(index))       //nolint:gosec // never negative
	h.Write(buf[:])
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Cache) path(key string) string {
	if c.shardPrefixLen <= 0 {
		return filepath.Join(c.dir, key)
	}
	n := min(c.shardPrefixLen, len(key))
	return filepath.Join(c.dir, key[:n], key)
}

// source is a ByteSource reading through the cache.
type source struct {
	src   archive.ByteSource
	cache *Cache
	id    string
}

func (s *source) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("blockcache: read at %d: negative offset", off)
	}
	size := s.src.Size()
	if off >= size {
		return 0, io.EOF
	}
	want := min(int64(len(p)), size-off)

	bs := s.cache.blockSize
	first, last := off/bs, (off+want-1)/bs
	if limit := s.cache.maxBlocksPerRead; limit > 0 && last-first+1 > int64(limit) {
		return s.src.ReadAt(p, off)
	}

	var n int64
	for i := first; i <= last; i++ {
		start := i * bs
		end := min(start+bs, size)
		data, err := s.cache.block(s.id, i, end-start, func() ([]byte, error) {
			return s.fetch(start, end-start)
		})
		if err != nil {
			return int(n), err
		}
		from, to := max(off, start), min(off+want, end)
		copy(p[from-off:to-off], data[from-start:to-start])
		n += to - from
	}
	if want < int64(len(p)) {
		return int(n), io.EOF
	}
	return int(n), nil
}

// ReadRange serves a range through ReadAt so every block lands in the cache.
func (s *source) ReadRange(off, length int64) (io.ReadCloser, error) {
	if off < 0 || length < 0 {
		return nil, fmt.Errorf("blockcache: invalid range %d+%d", off, length)
	}
	size := s.src.Size()
	if length == 0 || off >= size {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	return io.NopCloser(io.NewSectionReader(s, off, min(length, size-off))), nil
}

func (s *source) Size() int64 {
	return s.src.Size()
}

func (s *source) SourceID() string {
	return s.id
}

// fetch reads one block from the underlying source, preferring a range read.
func (s *source) fetch(off, length int64) ([]byte, error) {
	if rr, ok := s.src.(interface {
		ReadRange(off, length int64) (io.ReadCloser, error)
	}); ok {
		rc, err := rr.ReadRange(off, length)
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, err
		}
		if int64(len(data)) != length {
			return nil, io.ErrUnexpectedEOF
		}
		return data, nil
	}

	buf := make([]byte, length)
	n, err := s.src.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if int64(n) != length {
		return nil, io.ErrUnexpectedEOF
	}
	return buf, nil
}

var _ archive.ByteSource = (*source)(nil)
