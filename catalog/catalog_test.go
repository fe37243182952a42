package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry/remote/errcode"

	"github.com/meigma/casc/archive"
	"github.com/meigma/casc/storage"
)

// memOCI is an in-memory registry. Blobs are also served over HTTP for
// range reads.
type memOCI struct {
	mu        sync.Mutex
	blobs     map[digest.Digest][]byte
	refs      map[string]map[string]ocispec.Descriptor
	server    *httptest.Server
	manifests atomic.Int32
}

func newMemOCI(t *testing.T) *memOCI {
	t.Helper()
	m := &memOCI{
		blobs: make(map[digest.Digest][]byte),
		refs:  make(map[string]map[string]ocispec.Descriptor),
	}
	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		data, ok := m.blobs[digest.Digest(strings.TrimPrefix(r.URL.Path, "/blobs/"))]
		m.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, "blob", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(m.server.Close)
	return m
}

func (m *memOCI) Tags(_ context.Context, repo string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	refs, ok := m.refs[repo]
	if !ok {
		return nil, errdef.ErrNotFound
	}
	var tags []string
	for ref := range refs {
		if !isDigest(ref) {
			tags = append(tags, ref)
		}
	}
	slices.Sort(tags)
	return tags, nil
}

func (m *memOCI) Resolve(_ context.Context, repo, ref string) (ocispec.Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	desc, ok := m.refs[repo][ref]
	if !ok {
		return ocispec.Descriptor{}, errdef.ErrNotFound
	}
	return desc, nil
}

func (m *memOCI) FetchManifest(_ context.Context, _ string, desc *ocispec.Descriptor) (ocispec.Manifest, error) {
	m.manifests.Add(1)
	m.mu.Lock()
	body, ok := m.blobs[desc.Digest]
	m.mu.Unlock()
	if !ok {
		return ocispec.Manifest{}, errdef.ErrNotFound
	}
	var manifest ocispec.Manifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		return ocispec.Manifest{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	return manifest, nil
}

func (m *memOCI) FetchBlob(_ context.Context, _ string, desc *ocispec.Descriptor) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[desc.Digest]
	if !ok {
		return nil, errdef.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memOCI) PushBlob(_ context.Context, _ string, desc *ocispec.Descriptor, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if digest.FromBytes(data) != desc.Digest || int64(len(data)) != desc.Size {
		return fmt.Errorf("pushed blob does not match %s", desc.Digest)
	}
	m.mu.Lock()
	m.blobs[desc.Digest] = data
	m.mu.Unlock()
	return nil
}

func (m *memOCI) PushManifest(_ context.Context, repo, tag string, manifest *ocispec.Manifest) (ocispec.Descriptor, error) {
	body, err := json.Marshal(manifest)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	desc := ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageManifest,
		Digest:    digest.FromBytes(body),
		Size:      int64(len(body)),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[desc.Digest] = body
	if m.refs[repo] == nil {
		m.refs[repo] = make(map[string]ocispec.Descriptor)
	}
	m.refs[repo][tag] = desc
	m.refs[repo][desc.Digest.String()] = desc
	return desc, nil
}

func (m *memOCI) BlobURL(_ string, dgst digest.Digest) (string, error) {
	return m.server.URL + "/blobs/" + dgst.String(), nil
}

func (m *memOCI) HTTPClient(string) (*http.Client, error) {
	return m.server.Client(), nil
}

// corrupt replaces the content of a stored blob.
func (m *memOCI) corrupt(dgst digest.Digest, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[dgst] = data
}

var _ OCI = (*memOCI)(nil)

// testArchive builds an archive from files.
func testArchive(t *testing.T, files map[string]string) *archive.Archive {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}
	var index, data bytes.Buffer
	require.NoError(t, archive.Create(context.Background(), dir, &index, &data, archive.CreateWithCompression(archive.CompressionZstd)))
	a, err := archive.New(index.Bytes(), &memSource{Reader: bytes.NewReader(data.Bytes())})
	require.NoError(t, err)
	return a
}

type memSource struct {
	*bytes.Reader
}

func (*memSource) SourceID() string { return "mem" }

func TestRepository(t *testing.T) {
	t.Parallel()
	c := New("registry.example.com/", WithOCI(newMemOCI(t)))
	assert.Equal(t, "registry.example.com/eu/wow", c.Repository("WoW", "EU"))
}

func TestPushBuildsPull(t *testing.T) {
	t.Parallel()

	oci := newMemOCI(t)
	c := New("reg.test", WithOCI(oci))
	repo := c.Repository("wow", "eu")
	ctx := context.Background()

	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(24 * time.Hour)

	a1 := testArchive(t, map[string]string{"a.txt": "first"})
	pushed, err := c.Push(ctx, repo, storage.Build{Name: "1.0.0", Version: "1.0.0.1", Branch: "eu", Created: older}, a1)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(pushed.Key, "sha256:"))
	assert.Equal(t, "1.0.0", pushed.Name)

	a2 := testArchive(t, map[string]string{"a.txt": "second", "b.txt": "extra"})
	_, err = c.Push(ctx, repo, storage.Build{Name: "0.9.0", Created: newer}, a2, PushWithTags("latest"))
	require.NoError(t, err)

	builds, err := c.Builds(ctx, "wow", "eu")
	require.NoError(t, err)
	require.Len(t, builds, 3)
	assert.Equal(t, []string{"latest", "0.9.0", "1.0.0"}, []string{builds[0].Name, builds[1].Name, builds[2].Name})
	assert.Equal(t, newer, builds[1].Created)
	assert.Equal(t, "0.9.0", builds[1].Version)
	assert.Equal(t, pushed, builds[2])

	cfg, err := c.LoadRemote(ctx, "wow", "eu")
	require.NoError(t, err)
	assert.True(t, cfg.Online)
	assert.Equal(t, repo, cfg.Repository)
	assert.Equal(t, 0, cfg.ActiveBuild)

	indexData, err := c.PullIndex(ctx, cfg, builds[2])
	require.NoError(t, err)
	assert.Equal(t, a1.IndexData(), indexData)

	source, err := c.DataSource(ctx, cfg, builds[2])
	require.NoError(t, err)
	assert.Equal(t, int64(a1.DataSize()), source.Size())

	pulled, err := archive.New(indexData, source)
	require.NoError(t, err)
	rc, err := pulled.OpenPath("a.txt")
	require.NoError(t, err)
	content, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "first", string(content))
}

func TestEngineOverCatalog(t *testing.T) {
	t.Parallel()

	c := New("reg.test", WithOCI(newMemOCI(t)))
	ctx := context.Background()
	_, err := c.Push(ctx, c.Repository("wow", "us"), storage.Build{Name: "b1"}, testArchive(t, map[string]string{"x/y.txt": "remote"}))
	require.NoError(t, err)

	cfg, err := c.LoadRemote(ctx, "wow", "us")
	require.NoError(t, err)

	h, err := archive.NewEngine(archive.EngineWithRemote(c)).Open(ctx, cfg, nil)
	require.NoError(t, err)
	defer h.Close()
	assert.True(t, h.FileExistsPath(`x\y.txt`))
}

func TestBuilds_ManifestCache(t *testing.T) {
	t.Parallel()

	oci := newMemOCI(t)
	c := New("reg.test", WithOCI(oci), WithConcurrency(1))
	ctx := context.Background()
	_, err := c.Push(ctx, c.Repository("wow", "eu"), storage.Build{Name: "b1"}, testArchive(t, map[string]string{"a": "a"}))
	require.NoError(t, err)

	cfg, err := c.LoadRemote(ctx, "wow", "eu")
	require.NoError(t, err)
	_, err = c.PullIndex(ctx, cfg, cfg.Builds[0])
	require.NoError(t, err)
	_, err = c.DataSource(ctx, cfg, cfg.Builds[0])
	require.NoError(t, err)
	assert.Equal(t, int32(1), oci.manifests.Load())
}

func TestBuilds_Errors(t *testing.T) {
	t.Parallel()

	oci := newMemOCI(t)
	c := New("reg.test", WithOCI(oci))
	ctx := context.Background()

	_, err := c.Builds(ctx, "wow", "eu")
	require.ErrorIs(t, err, ErrNotFound)

	// A foreign artifact is skipped; with nothing else the listing is empty.
	repo := c.Repository("wow", "kr")
	foreign := ocispec.Manifest{MediaType: ocispec.MediaTypeImageManifest, ArtifactType: "application/vnd.other"}
	_, err = oci.PushManifest(ctx, repo, "other", &foreign)
	require.NoError(t, err)
	_, err = c.Builds(ctx, "wow", "kr")
	require.ErrorIs(t, err, ErrNoBuilds)

	_, err = c.LoadRemote(ctx, "wow", "kr")
	require.ErrorIs(t, err, ErrNoBuilds)
}

func TestPullIndex_Errors(t *testing.T) {
	t.Parallel()

	oci := newMemOCI(t)
	c := New("reg.test", WithOCI(oci))
	ctx := context.Background()
	a := testArchive(t, map[string]string{"a": "a"})
	build, err := c.Push(ctx, c.Repository("wow", "eu"), storage.Build{Name: "b1"}, a)
	require.NoError(t, err)
	cfg := &storage.Config{Online: true, Repository: c.Repository("wow", "eu"), Builds: []storage.Build{build}}

	t.Run("no repository", func(t *testing.T) {
		t.Parallel()
		_, err := c.PullIndex(ctx, &storage.Config{}, build)
		require.ErrorIs(t, err, ErrInvalidReference)
	})

	t.Run("unknown build", func(t *testing.T) {
		t.Parallel()
		_, err := c.PullIndex(ctx, cfg, storage.Build{Name: "nope"})
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("too large", func(t *testing.T) {
		t.Parallel()
		small := New("reg.test", WithOCI(oci), WithMaxIndexSize(8))
		_, err := small.PullIndex(ctx, cfg, build)
		require.ErrorIs(t, err, ErrIndexTooLarge)
	})

	t.Run("digest mismatch", func(t *testing.T) {
		t.Parallel()
		other := newMemOCI(t)
		oc := New("reg.test", WithOCI(other))
		b, err := oc.Push(ctx, oc.Repository("wow", "eu"), storage.Build{Name: "b1"}, a)
		require.NoError(t, err)
		bad := bytes.Clone(a.IndexData())
		bad[len(bad)-1] ^= 0xff
		other.corrupt(digest.FromBytes(a.IndexData()), bad)

		_, err = oc.PullIndex(ctx, &storage.Config{Repository: oc.Repository("wow", "eu")}, b)
		require.ErrorIs(t, err, ErrDigestMismatch)
	})
}

func TestPush_InvalidTag(t *testing.T) {
	t.Parallel()

	c := New("reg.test", WithOCI(newMemOCI(t)))
	a := testArchive(t, map[string]string{"a": "a"})
	for _, name := range []string{"", "bad tag", "-leading"} {
		_, err := c.Push(context.Background(), c.Repository("wow", "eu"), storage.Build{Name: name}, a)
		require.ErrorIs(t, err, ErrInvalidReference, name)
	}
}

func TestLayers(t *testing.T) {
	t.Parallel()

	index := ocispec.Descriptor{MediaType: MediaTypeIndex, Digest: digest.FromString("i"), Size: 1}
	data := ocispec.Descriptor{MediaType: MediaTypeData, Digest: digest.FromString("d"), Size: 1}

	tests := []struct {
		name     string
		manifest ocispec.Manifest
		wantErr  bool
	}{
		{"valid", ocispec.Manifest{ArtifactType: ArtifactType, Layers: []ocispec.Descriptor{index, data}}, false},
		{"wrong artifact", ocispec.Manifest{ArtifactType: "x", Layers: []ocispec.Descriptor{index, data}}, true},
		{"wrong media type", ocispec.Manifest{MediaType: ocispec.MediaTypeImageIndex, ArtifactType: ArtifactType}, true},
		{"missing index", ocispec.Manifest{ArtifactType: ArtifactType, Layers: []ocispec.Descriptor{data}}, true},
		{"missing data", ocispec.Manifest{ArtifactType: ArtifactType, Layers: []ocispec.Descriptor{index}}, true},
		{"bad digest", ocispec.Manifest{ArtifactType: ArtifactType, Layers: []ocispec.Descriptor{{MediaType: MediaTypeIndex, Digest: "sha256:xyz"}, data}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, _, err := layers(&tt.manifest)
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidManifest) || errors.Is(err, ErrInvalidDescriptor))
		})
	}
}

func TestMapError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"not found", errdef.ErrNotFound, ErrNotFound},
		{"404", &errcode.ErrorResponse{StatusCode: http.StatusNotFound}, ErrNotFound},
		{"401", &errcode.ErrorResponse{StatusCode: http.StatusUnauthorized}, ErrUnauthorized},
		{"403", &errcode.ErrorResponse{StatusCode: http.StatusForbidden}, ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.ErrorIs(t, mapError(tt.err), tt.want)
		})
	}

	assert.NoError(t, mapError(nil))
	other := errors.New("other")
	assert.Equal(t, other, mapError(other))
}

func TestStaticCredentials(t *testing.T) {
	t.Parallel()

	store := StaticCredentials("https://reg.test/", "user", "pass")
	cred, err := store.Get(context.Background(), "reg.test")
	require.NoError(t, err)
	assert.Equal(t, "user", cred.Username)

	cred, err = store.Get(context.Background(), "other.test")
	require.NoError(t, err)
	assert.Empty(t, cred.Username)

	token := StaticToken("reg.test", "tok")
	cred, err = token.Get(context.Background(), "reg.test")
	require.NoError(t, err)
	assert.Equal(t, "tok", cred.AccessToken)
	require.Error(t, token.Delete(context.Background(), "reg.test"))
}

func TestORASClient_BlobURL(t *testing.T) {
	t.Parallel()

	dgst := digest.FromString("x")
	url, err := newORASClient(false, "ua", nil).BlobURL("reg.test:5000/eu/wow", dgst)
	require.NoError(t, err)
	assert.Equal(t, "https://reg.test:5000/v2/eu/wow/blobs/"+dgst.String(), url)

	url, err = newORASClient(true, "ua", nil).BlobURL("localhost/eu/wow", dgst)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost/v2/eu/wow/blobs/"+dgst.String(), url)

	_, err = newORASClient(false, "ua", nil).BlobURL("::bad", dgst)
	require.ErrorIs(t, err, ErrInvalidReference)
}
