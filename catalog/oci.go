package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/registry"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/credentials"
	"oras.land/oras-go/v2/registry/remote/retry"
)

// OCI is the registry access the catalog needs. Repositories are given as
// "<host>/<path>" without tag or digest.
type OCI interface {
	// Tags lists the tags of a repository.
	Tags(ctx context.Context, repo string) ([]string, error)

	// Resolve resolves a tag or digest to a manifest descriptor.
	Resolve(ctx context.Context, repo, ref string) (ocispec.Descriptor, error)

	// FetchManifest fetches the image manifest described by desc.
	FetchManifest(ctx context.Context, repo string, desc *ocispec.Descriptor) (ocispec.Manifest, error)

	// FetchBlob fetches a blob. The caller closes the returned reader.
	FetchBlob(ctx context.Context, repo string, desc *ocispec.Descriptor) (io.ReadCloser, error)

	// PushBlob pushes a blob whose digest and size are in desc.
	PushBlob(ctx context.Context, repo string, desc *ocispec.Descriptor, r io.Reader) error

	// PushManifest pushes a manifest and tags it.
	PushManifest(ctx context.Context, repo, tag string, m *ocispec.Manifest) (ocispec.Descriptor, error)

	// BlobURL returns the URL for direct blob access via HTTP range requests.
	BlobURL(repo string, dgst digest.Digest) (string, error)

	// HTTPClient returns a client authorized to pull from repo.
	HTTPClient(repo string) (*http.Client, error)
}

// orasClient implements OCI with ORAS.
type orasClient struct {
	plainHTTP  bool
	authClient *auth.Client
}

// newORASClient builds the default OCI implementation. A nil store means
// anonymous access.
func newORASClient(plainHTTP bool, userAgent string, store credentials.Store) *orasClient {
	return &orasClient{
		plainHTTP: plainHTTP,
		authClient: &auth.Client{
			Client: retry.DefaultClient,
			Cache:  auth.NewCache(),
			Credential: func(ctx context.Context, hostport string) (auth.Credential, error) {
				if store == nil {
					return auth.EmptyCredential, nil
				}
				return store.Get(ctx, hostport)
			},
			Header: http.Header{
				"User-Agent": []string{userAgent},
			},
		},
	}
}

// repository creates a Repository sharing the auth client and its token cache.
func (c *orasClient) repository(repo string) (*remote.Repository, error) {
	r, err := remote.NewRepository(repo)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidReference, repo, err)
	}
	r.PlainHTTP = c.plainHTTP
	r.Client = c.authClient
	return r, nil
}

func (c *orasClient) Tags(ctx context.Context, repo string) ([]string, error) {
	r, err := c.repository(repo)
	if err != nil {
		return nil, err
	}
	var tags []string
	err = r.Tags(ctx, "", func(page []string) error {
		tags = append(tags, page...)
		return nil
	})
	if err != nil {
		return nil, mapError(err)
	}
	return tags, nil
}

func (c *orasClient) Resolve(ctx context.Context, repo, ref string) (ocispec.Descriptor, error) {
	r, err := c.repository(repo)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	desc, err := r.Resolve(ctx, ref)
	if err != nil {
		return ocispec.Descriptor{}, mapError(err)
	}
	return desc, nil
}

func (c *orasClient) FetchManifest(ctx context.Context, repo string, desc *ocispec.Descriptor) (ocispec.Manifest, error) {
	if err := validateDescriptor(desc); err != nil {
		return ocispec.Manifest{}, err
	}
	if desc.MediaType != "" && desc.MediaType != ocispec.MediaTypeImageManifest {
		return ocispec.Manifest{}, fmt.Errorf("%w: unsupported media type %s", ErrInvalidManifest, desc.MediaType)
	}
	r, err := c.repository(repo)
	if err != nil {
		return ocispec.Manifest{}, err
	}
	_, rc, err := r.FetchReference(ctx, desc.Digest.String())
	if err != nil {
		return ocispec.Manifest{}, mapError(err)
	}
	defer rc.Close()

	var m ocispec.Manifest
	if err := json.NewDecoder(io.LimitReader(rc, desc.Size)).Decode(&m); err != nil {
		return ocispec.Manifest{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	return m, nil
}

func (c *orasClient) FetchBlob(ctx context.Context, repo string, desc *ocispec.Descriptor) (io.ReadCloser, error) {
	if err := validateDescriptor(desc); err != nil {
		return nil, err
	}
	r, err := c.repository(repo)
	if err != nil {
		return nil, err
	}
	rc, err := r.Fetch(ctx, *desc)
	if err != nil {
		return nil, mapError(err)
	}
	return rc, nil
}

func (c *orasClient) PushBlob(ctx context.Context, repo string, desc *ocispec.Descriptor, content io.Reader) error {
	if err := validateDescriptor(desc); err != nil {
		return err
	}
	r, err := c.repository(repo)
	if err != nil {
		return err
	}
	return mapError(r.Push(ctx, *desc, content))
}

func (c *orasClient) PushManifest(ctx context.Context, repo, tag string, m *ocispec.Manifest) (ocispec.Descriptor, error) {
	if m == nil {
		return ocispec.Descriptor{}, fmt.Errorf("%w: manifest is nil", ErrInvalidManifest)
	}
	r, err := c.repository(repo)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	body, err := json.Marshal(m)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("marshal manifest: %w", err)
	}
	desc := ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageManifest,
		Digest:    digest.FromBytes(body),
		Size:      int64(len(body)),
	}
	if err := r.PushReference(ctx, desc, bytes.NewReader(body), tag); err != nil {
		return ocispec.Descriptor{}, mapError(err)
	}
	return desc, nil
}

func (c *orasClient) BlobURL(repo string, dgst digest.Digest) (string, error) {
	ref, err := registry.ParseReference(repo)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	scheme := "https"
	if c.plainHTTP {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s/v2/%s/blobs/%s", scheme, ref.Host(), ref.Repository, dgst), nil
}

// HTTPClient returns a client that handles registry auth, including token
// exchange, scoped to pulling from repo.
func (c *orasClient) HTTPClient(repo string) (*http.Client, error) {
	ref, err := registry.ParseReference(repo)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	return &http.Client{
		Transport: &authTransport{client: c.authClient, ref: ref},
	}, nil
}

// authTransport adds the repository pull scope to each request and
// delegates to the auth client.
type authTransport struct {
	client *auth.Client
	ref    registry.Reference
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := auth.AppendRepositoryScope(req.Context(), t.ref, auth.ActionPull)
	return t.client.Do(req.Clone(ctx))
}

// Interface compliance.
var _ OCI = (*orasClient)(nil)
