package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/casc/buildinfo"
	"github.com/meigma/casc/storage"
)

func TestWriteLocal_OpenLocal(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	writeTree(t, src, map[string]string{"Data/a.txt": "alpha", "Wow.exe": "exe"})
	base := t.TempDir()

	build, err := WriteLocal(context.Background(), src, base, "wow",
		storage.Build{Name: "1.0.1", Version: "1.0.1", Branch: "eu"},
		CreateWithCompression(CompressionZstd),
	)
	require.NoError(t, err)
	require.Len(t, build.Key, 32)

	indexPath, dataPath := LocalPaths(base, build.Key)
	indexData, err := os.ReadFile(indexPath)
	require.NoError(t, err)
	assert.Equal(t, build.Key, Key(indexData))
	assert.FileExists(t, dataPath)

	entries, err := os.ReadDir(DataDir(base))
	require.NoError(t, err)
	assert.Len(t, entries, 2, "temp files must be renamed away")

	cfg, err := buildinfo.LoadLocal(context.Background(), base, "wow")
	require.NoError(t, err)
	active, ok := cfg.Build()
	require.True(t, ok)
	assert.Equal(t, build.Key, active.Key)
	assert.Equal(t, "1.0.1", active.Name)

	a, err := OpenLocal(base, build.Key)
	require.NoError(t, err)
	defer a.Close()
	assert.Equal(t, "1.0.1", a.Build())
	assert.Equal(t, "alpha", readPath(t, a, `Data\a.txt`))

	_, err = OpenLocal(base, "")
	require.Error(t, err)
	_, err = OpenLocal(base, "0123456789abcdef0123456789abcdef")
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestEngine_OpenLocal(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	writeTree(t, src, map[string]string{"a.txt": "alpha"})
	base := t.TempDir()
	_, err := WriteLocal(context.Background(), src, base, "wow", storage.Build{Name: "b1"})
	require.NoError(t, err)

	cfg, err := buildinfo.LoadLocal(context.Background(), base, "wow")
	require.NoError(t, err)

	var percents []int
	h, err := NewEngine().Open(context.Background(), cfg, func(p int, _ string) {
		percents = append(percents, p)
	})
	require.NoError(t, err)
	defer h.Close()

	assert.True(t, h.FileExistsPath("a.txt"))
	assert.Equal(t, []int{0, 100}, percents)
}

func TestEngine_OpenErrors(t *testing.T) {
	t.Parallel()

	e := NewEngine()

	_, err := e.Open(context.Background(), &storage.Config{}, nil)
	require.Error(t, err)

	cfg := &storage.Config{Online: true, Builds: []storage.Build{{Name: "b"}}}
	_, err = e.Open(context.Background(), cfg, nil)
	require.ErrorIs(t, err, ErrNoRemote)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Open(ctx, cfg, nil)
	require.ErrorIs(t, err, context.Canceled)
}

// fakeRemote serves archives from memory.
type fakeRemote struct {
	index   []byte
	data    []byte
	pullErr error
	closed  bool
}

type closingSource struct {
	*memSource
	remote *fakeRemote
}

func (c *closingSource) Close() error {
	c.remote.closed = true
	return nil
}

func (f *fakeRemote) PullIndex(context.Context, *storage.Config, storage.Build) ([]byte, error) {
	return f.index, f.pullErr
}

func (f *fakeRemote) DataSource(context.Context, *storage.Config, storage.Build) (ByteSource, error) {
	return &closingSource{memSource: newMemSource(f.data), remote: f}, nil
}

func TestEngine_OpenRemote(t *testing.T) {
	t.Parallel()

	indexData, data := createBlobs(t, map[string]string{"a.txt": "remote"}, CreateWithBuild("r1"))
	remote := &fakeRemote{index: indexData, data: data}
	cfg := &storage.Config{Online: true, Product: "wow", Repository: "example/eu/wow", Builds: []storage.Build{{Name: "r1"}}}

	h, err := NewEngine(EngineWithRemote(remote)).Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	a, ok := h.(*Archive)
	require.True(t, ok)
	assert.Equal(t, "r1", a.Build())
	assert.Equal(t, "remote", readPath(t, a, "a.txt"))

	require.NoError(t, h.Close())
	assert.True(t, remote.closed)
}

func TestEngine_OpenRemoteErrors(t *testing.T) {
	t.Parallel()

	cfg := &storage.Config{Online: true, Builds: []storage.Build{{Name: "r1"}}}
	pullErr := errors.New("registry down")

	_, err := NewEngine(EngineWithRemote(&fakeRemote{pullErr: pullErr})).Open(context.Background(), cfg, nil)
	require.ErrorIs(t, err, pullErr)

	remote := &fakeRemote{index: []byte("garbage!")}
	_, err = NewEngine(EngineWithRemote(remote)).Open(context.Background(), cfg, nil)
	require.ErrorIs(t, err, ErrInvalidIndex)
	assert.True(t, remote.closed)
}

// blockCacheFunc adapts a function to a BlockCache.
type blockCacheFunc func(ByteSource) (ByteSource, error)

func (f blockCacheFunc) Wrap(src ByteSource) (ByteSource, error) {
	return f(src)
}

func TestEngine_BlockCache(t *testing.T) {
	t.Parallel()

	indexData, data := createBlobs(t, map[string]string{"a.txt": "cached"})
	cfg := &storage.Config{Online: true, Builds: []storage.Build{{Name: "r1"}}}

	var wrapped int
	remote := &fakeRemote{index: indexData, data: data}
	e := NewEngine(EngineWithRemote(remote), EngineWithBlockCache(blockCacheFunc(func(src ByteSource) (ByteSource, error) {
		wrapped++
		return src, nil
	})))
	h, err := e.Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, wrapped)
	assert.Equal(t, "cached", readPath(t, h.(*Archive), "a.txt"))
	require.NoError(t, h.Close())
	assert.True(t, remote.closed, "the uncached source is still closed")

	wrapErr := errors.New("cache dir gone")
	remote = &fakeRemote{index: indexData, data: data}
	e = NewEngine(EngineWithRemote(remote), EngineWithBlockCache(blockCacheFunc(func(ByteSource) (ByteSource, error) {
		return nil, wrapErr
	})))
	_, err = e.Open(context.Background(), cfg, nil)
	require.ErrorIs(t, err, wrapErr)
	assert.True(t, remote.closed)
}

func TestEngine_ArchiveOptions(t *testing.T) {
	t.Parallel()

	indexData, data := createBlobs(t, map[string]string{"a.txt": "hello"})
	cfg := &storage.Config{Online: true, Builds: []storage.Build{{Name: "r1"}}}
	e := NewEngine(EngineWithRemote(&fakeRemote{index: indexData, data: data}), EngineWithArchiveOptions(WithMaxFileSize(1)))

	h, err := e.Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer h.Close()
	_, err = h.OpenPath("a.txt")
	require.ErrorIs(t, err, ErrSizeOverflow)
}

func TestDataDir(t *testing.T) {
	t.Parallel()
	assert.Equal(t, filepath.Join("base", "Data", "archive"), DataDir("base"))
	i, d := LocalPaths("base", "k")
	assert.Equal(t, filepath.Join("base", "Data", "archive", "k.index"), i)
	assert.Equal(t, filepath.Join("base", "Data", "archive", "k.data"), d)
}
