package catalog

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/registry"

	"github.com/meigma/casc/archive"
	"github.com/meigma/casc/storage"
)

type pushConfig struct {
	tags        []string
	annotations map[string]string
}

// PushOption configures Push.
type PushOption func(*pushConfig)

// PushWithTags applies additional tags to the pushed manifest.
func PushWithTags(tags ...string) PushOption {
	return func(cfg *pushConfig) {
		cfg.tags = append(cfg.tags, tags...)
	}
}

// PushWithAnnotations adds manifest annotations.
func PushWithAnnotations(annotations map[string]string) PushOption {
	return func(cfg *pushConfig) {
		if cfg.annotations == nil {
			cfg.annotations = make(map[string]string, len(annotations))
		}
		for k, v := range annotations {
			cfg.annotations[k] = v
		}
	}
}

// Push publishes an archive as build to repo, tagged with the build name.
//
// The archive is pushed as two blobs (index and data) with a manifest
// linking them. The returned build carries the manifest digest as its key.
func (c *Client) Push(ctx context.Context, repo string, build storage.Build, a *archive.Archive, opts ...PushOption) (storage.Build, error) {
	cfg := pushConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	tag := build.Name
	if _, err := registry.ParseReference(repo + ":" + tag); err != nil || tag == "" {
		return storage.Build{}, fmt.Errorf("%w: build name %q is not a valid tag", ErrInvalidReference, tag)
	}
	c.log().Info("pushing build", "repository", repo, "build", tag, "data_size", a.DataSize())

	// The empty JSON config is required by OCI manifests.
	config := []byte("{}")
	configDesc := ocispec.Descriptor{
		MediaType: ocispec.MediaTypeEmptyJSON,
		Digest:    digest.FromBytes(config),
		Size:      int64(len(config)),
	}
	if err := c.oci.PushBlob(ctx, repo, &configDesc, bytes.NewReader(config)); err != nil {
		return storage.Build{}, fmt.Errorf("push config: %w", mapError(err))
	}

	indexData := a.IndexData()
	indexDesc := ocispec.Descriptor{
		MediaType: MediaTypeIndex,
		Digest:    digest.FromBytes(indexData),
		Size:      int64(len(indexData)),
	}
	if err := c.oci.PushBlob(ctx, repo, &indexDesc, bytes.NewReader(indexData)); err != nil {
		return storage.Build{}, fmt.Errorf("push index blob: %w", mapError(err))
	}

	dataDesc, err := dataDescriptor(a)
	if err != nil {
		return storage.Build{}, err
	}
	if err := c.oci.PushBlob(ctx, repo, &dataDesc, a.Stream()); err != nil {
		return storage.Build{}, fmt.Errorf("push data blob: %w", mapError(err))
	}

	manifest := buildManifest(build, &configDesc, &indexDesc, &dataDesc, cfg.annotations)
	manifestDesc, err := c.oci.PushManifest(ctx, repo, tag, &manifest)
	if err != nil {
		return storage.Build{}, fmt.Errorf("push manifest: %w", mapError(err))
	}
	for _, extra := range cfg.tags {
		if _, err := c.oci.PushManifest(ctx, repo, extra, &manifest); err != nil {
			return storage.Build{}, fmt.Errorf("tag %q: %w", extra, mapError(err))
		}
	}

	return buildFromManifest(tag, manifestDesc, &manifest), nil
}

// dataDescriptor builds the data blob descriptor from the hash and size
// recorded in the index.
func dataDescriptor(a *archive.Archive) (ocispec.Descriptor, error) {
	hash, ok := a.DataHash()
	if !ok {
		return ocispec.Descriptor{}, errors.New("push: archive missing data hash in index")
	}
	size := a.DataSize()
	if size > math.MaxInt64 {
		return ocispec.Descriptor{}, errors.New("push: data size exceeds maximum int64")
	}
	dgst := digest.NewDigestFromEncoded(digest.SHA256, hex.EncodeToString(hash))
	if err := dgst.Validate(); err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("push: invalid data hash: %w", err)
	}
	return ocispec.Descriptor{
		MediaType: MediaTypeData,
		Digest:    dgst,
		Size:      int64(size), //nolint:gosec // overflow checked above
	}, nil
}
