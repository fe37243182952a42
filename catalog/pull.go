package catalog

import (
	"context"
	"fmt"
	"io"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/meigma/casc/archive"
	archivehttp "github.com/meigma/casc/archive/http"
	"github.com/meigma/casc/storage"
)

// buildLayers returns the layers of build from the config's repository.
// The build key, a manifest digest, is preferred over the tag.
func (c *Client) buildLayers(ctx context.Context, cfg *storage.Config, build storage.Build) (index, data ocispec.Descriptor, err error) {
	if cfg == nil || cfg.Repository == "" {
		return index, data, fmt.Errorf("%w: config has no repository", ErrInvalidReference)
	}
	ref := build.Name
	if isDigest(build.Key) {
		ref = build.Key
	}
	_, m, err := c.manifest(ctx, cfg.Repository, ref)
	if err != nil {
		return index, data, err
	}
	return layers(&m)
}

// PullIndex downloads and digest-verifies the index blob of build.
func (c *Client) PullIndex(ctx context.Context, cfg *storage.Config, build storage.Build) ([]byte, error) {
	indexDesc, _, err := c.buildLayers(ctx, cfg, build)
	if err != nil {
		return nil, err
	}
	if c.maxIndexSize > 0 && indexDesc.Size > c.maxIndexSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrIndexTooLarge, indexDesc.Size, c.maxIndexSize)
	}

	c.log().Info("pulling index", "repository", cfg.Repository, "build", build.Name, "size", indexDesc.Size)
	rc, err := c.oci.FetchBlob(ctx, cfg.Repository, &indexDesc)
	if err != nil {
		return nil, fmt.Errorf("fetch index blob: %w", mapError(err))
	}
	defer rc.Close()

	indexData, err := readIndexData(rc, c.maxIndexSize)
	if err != nil {
		return nil, fmt.Errorf("read index blob: %w", err)
	}
	if int64(len(indexData)) != indexDesc.Size {
		return nil, fmt.Errorf("%w: index size %d, want %d", ErrDigestMismatch, len(indexData), indexDesc.Size)
	}
	if computed := indexDesc.Digest.Algorithm().FromBytes(indexData); computed != indexDesc.Digest {
		c.log().Warn("index digest verification failed", "expected", indexDesc.Digest.String(), "computed", computed.String())
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrDigestMismatch, indexDesc.Digest, computed)
	}
	return indexData, nil
}

// DataSource returns lazy random access to the data blob of build. Content
// is fetched with HTTP range requests as files are read.
func (c *Client) DataSource(ctx context.Context, cfg *storage.Config, build storage.Build) (archive.ByteSource, error) {
	_, dataDesc, err := c.buildLayers(ctx, cfg, build)
	if err != nil {
		return nil, err
	}
	url, err := c.oci.BlobURL(cfg.Repository, dataDesc.Digest)
	if err != nil {
		return nil, fmt.Errorf("build data blob URL: %w", err)
	}
	client, err := c.oci.HTTPClient(cfg.Repository)
	if err != nil {
		return nil, fmt.Errorf("data blob client: %w", err)
	}

	source, err := archivehttp.NewSource(ctx, url,
		archivehttp.WithClient(client),
		archivehttp.WithSize(dataDesc.Size),
		archivehttp.WithSourceID(dataDesc.Digest.String()),
	)
	if err != nil {
		return nil, fmt.Errorf("create data source: %w", err)
	}
	c.log().Debug("created data source", "url", url, "size", dataDesc.Size)
	return source, nil
}

// readIndexData reads r, failing once maxSize is exceeded. Zero disables the limit.
func readIndexData(r io.Reader, maxSize int64) ([]byte, error) {
	reader := r
	if maxSize > 0 {
		reader = io.LimitReader(r, maxSize+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if maxSize > 0 && int64(len(data)) > maxSize {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrIndexTooLarge, maxSize)
	}
	return data, nil
}

// Interface compliance.
var _ archive.Remote = (*Client)(nil)
