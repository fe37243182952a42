package catalog

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/casc/storage"
)

// Builds lists the builds of product in region, newest first.
//
// Manifests are fetched concurrently. Tags whose manifest is not a build
// manifest are skipped; any other failure aborts the listing.
func (c *Client) Builds(ctx context.Context, product, region string) ([]storage.Build, error) {
	repo := c.Repository(product, region)
	tags, err := c.oci.Tags(ctx, repo)
	if err != nil {
		return nil, fmt.Errorf("list tags of %s: %w", repo, mapError(err))
	}
	c.log().Debug("listed tags", "repository", repo, "count", len(tags))

	builds := make([]storage.Build, len(tags))
	valid := make([]bool, len(tags))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, tag := range tags {
		g.Go(func() error {
			b, err := c.build(gctx, repo, tag)
			switch {
			case errors.Is(err, ErrInvalidManifest):
				c.log().Debug("skipped tag", "repository", repo, "tag", tag, "error", err)
				return nil
			case err != nil:
				return fmt.Errorf("build %s: %w", tag, err)
			}
			builds[i], valid[i] = b, true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := builds[:0]
	for i, b := range builds {
		if valid[i] {
			out = append(out, b)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoBuilds, repo)
	}
	slices.SortStableFunc(out, func(a, b storage.Build) int {
		if d := b.Created.Compare(a.Created); d != 0 {
			return d
		}
		return cmp.Compare(b.Name, a.Name)
	})
	return out, nil
}

// build resolves a tag and describes its build.
func (c *Client) build(ctx context.Context, repo, tag string) (storage.Build, error) {
	desc, m, err := c.manifest(ctx, repo, tag)
	if err != nil {
		return storage.Build{}, err
	}
	return buildFromManifest(tag, desc, &m), nil
}

// manifest resolves ref and fetches its build manifest.
func (c *Client) manifest(ctx context.Context, repo, ref string) (ocispec.Descriptor, ocispec.Manifest, error) {
	desc, err := c.oci.Resolve(ctx, repo, ref)
	if err != nil {
		return ocispec.Descriptor{}, ocispec.Manifest{}, mapError(err)
	}
	key := repo + "@" + desc.Digest.String()
	if cached, ok := c.manifests.Load(key); ok {
		m, _ := cached.(ocispec.Manifest)
		return desc, m, nil
	}

	m, err := c.oci.FetchManifest(ctx, repo, &desc)
	if err != nil {
		return ocispec.Descriptor{}, ocispec.Manifest{}, mapError(err)
	}
	if _, _, err := layers(&m); err != nil {
		return ocispec.Descriptor{}, ocispec.Manifest{}, err
	}
	c.manifests.Store(key, m)
	return desc, m, nil
}

// LoadRemote resolves the storage configuration of product in region. The
// newest build is preselected.
func (c *Client) LoadRemote(ctx context.Context, product, region string) (*storage.Config, error) {
	builds, err := c.Builds(ctx, product, region)
	if err != nil {
		return nil, err
	}
	return &storage.Config{
		Product:    product,
		Region:     region,
		Online:     true,
		Repository: c.Repository(product, region),
		Builds:     builds,
	}, nil
}
