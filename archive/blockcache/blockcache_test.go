package blockcache

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	data  []byte
	id    string
	reads atomic.Int64
}

func (s *countingSource) ReadAt(p []byte, off int64) (int, error) {
	s.reads.Add(1)
	if off >= int64(len(s.data)) {
		return 0, io.EOF
	}
	n := copy(p, s.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (s *countingSource) Size() int64      { return int64(len(s.data)) }
func (s *countingSource) SourceID() string { return s.id }

func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestReadAt(t *testing.T) {
	t.Parallel()

	src := &countingSource{data: pattern(1000), id: "src"}
	c, err := New(t.TempDir(), WithBlockSize(100))
	require.NoError(t, err)
	cached, err := c.Wrap(src)
	require.NoError(t, err)

	tests := []struct {
		name string
		off  int64
		n    int
		eof  bool
	}{
		{"inside one block", 10, 20, false},
		{"across blocks", 90, 120, false},
		{"block aligned", 200, 100, false},
		{"tail", 950, 50, false},
		{"past end", 990, 20, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := make([]byte, tt.n)
			n, err := cached.ReadAt(p, tt.off)
			want := src.data[tt.off:min(tt.off+int64(tt.n), int64(len(src.data)))]
			if tt.eof {
				require.ErrorIs(t, err, io.EOF)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, len(want), n)
			assert.Equal(t, want, p[:n])
		})
	}

	_, err = cached.ReadAt(make([]byte, 1), 1000)
	require.ErrorIs(t, err, io.EOF)
	_, err = cached.ReadAt(make([]byte, 1), -1)
	require.Error(t, err)
}

func TestReadAt_HitsSkipSource(t *testing.T) {
	t.Parallel()

	src := &countingSource{data: pattern(500), id: "src"}
	dir := t.TempDir()
	c, err := New(dir, WithBlockSize(100))
	require.NoError(t, err)
	cached, err := c.Wrap(src)
	require.NoError(t, err)

	p := make([]byte, 150)
	_, err = cached.ReadAt(p, 50)
	require.NoError(t, err)
	reads := src.reads.Load()
	assert.Equal(t, int64(2), reads)
	assert.Equal(t, int64(200), c.SizeBytes())

	_, err = cached.ReadAt(p, 50)
	require.NoError(t, err)
	assert.Equal(t, reads, src.reads.Load())

	// A second cache over the same directory sees the stored blocks.
	again, err := New(dir, WithBlockSize(100))
	require.NoError(t, err)
	assert.Equal(t, int64(200), again.SizeBytes())
	wrapped, err := again.Wrap(src)
	require.NoError(t, err)
	_, err = wrapped.ReadAt(p, 50)
	require.NoError(t, err)
	assert.Equal(t, reads, src.reads.Load())
}

func TestReadAt_LargeReadsBypass(t *testing.T) {
	t.Parallel()

	src := &countingSource{data: pattern(1000), id: "src"}
	c, err := New(t.TempDir(), WithBlockSize(100), WithMaxBlocksPerRead(2))
	require.NoError(t, err)
	cached, err := c.Wrap(src)
	require.NoError(t, err)

	p := make([]byte, 500)
	n, err := cached.ReadAt(p, 0)
	require.NoError(t, err)
	assert.Equal(t, 500, n)
	assert.Equal(t, src.data[:500], p)
	assert.Zero(t, c.SizeBytes())
}

func TestReadAt_ConcurrentMissesShareFetch(t *testing.T) {
	t.Parallel()

	src := &countingSource{data: pattern(100), id: "src"}
	c, err := New(t.TempDir(), WithBlockSize(100))
	require.NoError(t, err)
	cached, err := c.Wrap(src)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			p := make([]byte, 10)
			_, err := cached.ReadAt(p, 5)
			assert.NoError(t, err)
			assert.Equal(t, src.data[5:15], p)
		})
	}
	wg.Wait()
	assert.LessOrEqual(t, src.reads.Load(), int64(8))
	assert.Equal(t, int64(100), c.SizeBytes())
}

func TestReadRange(t *testing.T) {
	t.Parallel()

	src := &countingSource{data: pattern(300), id: "src"}
	c, err := New(t.TempDir(), WithBlockSize(100))
	require.NoError(t, err)
	cached, err := c.Wrap(src)
	require.NoError(t, err)
	rr, ok := cached.(interface {
		ReadRange(off, length int64) (io.ReadCloser, error)
	})
	require.True(t, ok)

	rc, err := rr.ReadRange(250, 100)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, src.data[250:], got)

	rc, err = rr.ReadRange(300, 10)
	require.NoError(t, err)
	got, err = io.ReadAll(rc)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSourcesDoNotCollide(t *testing.T) {
	t.Parallel()

	c, err := New(t.TempDir(), WithBlockSize(64))
	require.NoError(t, err)
	a, err := c.Wrap(&countingSource{data: bytes.Repeat([]byte("a"), 64), id: "a"})
	require.NoError(t, err)
	b, err := c.Wrap(&countingSource{data: bytes.Repeat([]byte("b"), 64), id: "b"})
	require.NoError(t, err)

	p := make([]byte, 4)
	_, err = a.ReadAt(p, 0)
	require.NoError(t, err)
	assert.Equal(t, "aaaa", string(p))
	_, err = b.ReadAt(p, 0)
	require.NoError(t, err)
	assert.Equal(t, "bbbb", string(p))
}

func TestMaxBytesPrunesOldest(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := New(dir, WithBlockSize(100), WithMaxBytes(250), WithShardPrefixLen(0))
	require.NoError(t, err)
	cached, err := c.Wrap(&countingSource{data: pattern(1000), id: "src"})
	require.NoError(t, err)

	p := make([]byte, 1)
	for i := range 5 {
		_, err := cached.ReadAt(p, int64(i)*100)
		require.NoError(t, err)
		// Distinct modification times order the prune.
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		for _, e := range entries {
			info, err := e.Info()
			require.NoError(t, err)
			if time.Since(info.ModTime()) < time.Minute {
				old := time.Now().Add(-time.Duration(10-i) * time.Minute)
				require.NoError(t, os.Chtimes(filepath.Join(dir, e.Name()), old, old))
			}
		}
	}
	assert.LessOrEqual(t, c.SizeBytes(), int64(250))
	assert.Equal(t, int64(250), c.MaxBytes())

	freed, err := c.Prune(0)
	require.NoError(t, err)
	assert.Positive(t, freed)
	assert.Zero(t, c.SizeBytes())
}

func TestNew_Errors(t *testing.T) {
	t.Parallel()

	_, err := New("")
	require.Error(t, err)
	_, err = New(t.TempDir(), WithBlockSize(0))
	require.Error(t, err)
	_, err = New(t.TempDir(), WithShardPrefixLen(-1))
	require.Error(t, err)

	c, err := New(t.TempDir())
	require.NoError(t, err)
	_, err = c.Wrap(nil)
	require.Error(t, err)
	_, err = c.Wrap(&countingSource{})
	require.Error(t, err)
}
