// Package catalog is the remote build catalog.
//
// Builds live in OCI registries: each product and region has a repository
// "<registry>/<region>/<product>" and every tag in it is one build. A build
// manifest carries two layers, the archive index and the archive data.
// The Client lists builds, resolves the remote half of a loader config and
// serves archives to archive.Engine through the archive.Remote interface.
package catalog

import (
	"log/slog"
	"strings"
	"sync"

	"oras.land/oras-go/v2/registry/remote/credentials"
)

const (
	// DefaultConcurrency bounds concurrent manifest fetches in Builds.
	DefaultConcurrency = 8

	// DefaultMaxIndexSize is the default index blob size limit (64MB).
	DefaultMaxIndexSize = 64 << 20
)

// Client provides build catalog operations against an OCI registry.
type Client struct {
	oci          OCI
	registry     string
	concurrency  int
	maxIndexSize int64
	logger       *slog.Logger

	// Settings for the default ORAS client.
	plainHTTP bool
	userAgent string
	credStore credentials.Store

	// Manifests are immutable by digest.
	manifests sync.Map
}

// Option configures a Client.
type Option func(*Client)

// WithOCI sets the registry access implementation. The ORAS options below
// are ignored when it is set.
func WithOCI(oci OCI) Option {
	return func(c *Client) {
		c.oci = oci
	}
}

// WithPlainHTTP enables plain HTTP (no TLS) for registries.
// This is useful for local development registries.
func WithPlainHTTP(enabled bool) Option {
	return func(c *Client) {
		c.plainHTTP = enabled
	}
}

// WithCredentials sets the credential store used for authentication.
// Without it the client is anonymous.
func WithCredentials(store credentials.Store) Option {
	return func(c *Client) {
		c.credStore = store
	}
}

// WithUserAgent sets the User-Agent header for requests.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithConcurrency bounds concurrent manifest fetches. Values < 1 use
// DefaultConcurrency.
func WithConcurrency(n int) Option {
	return func(c *Client) {
		c.concurrency = n
	}
}

// WithMaxIndexSize limits the index blob size. Zero disables the limit.
func WithMaxIndexSize(limit int64) Option {
	return func(c *Client) {
		c.maxIndexSize = limit
	}
}

// WithLogger sets the logger for catalog operations.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a Client for the registry host, for example "ghcr.io/meigma".
func New(registry string, opts ...Option) *Client {
	c := &Client{
		registry:     strings.TrimSuffix(registry, "/"),
		concurrency:  DefaultConcurrency,
		maxIndexSize: DefaultMaxIndexSize,
		userAgent:    "cascload/1.0",
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.concurrency < 1 {
		c.concurrency = DefaultConcurrency
	}
	if c.oci == nil {
		c.oci = newORASClient(c.plainHTTP, c.userAgent, c.credStore)
	}
	return c
}

// log returns the logger, falling back to a discard logger if nil.
func (c *Client) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// Repository returns the repository holding the builds of product in region.
func (c *Client) Repository(product, region string) string {
	return c.registry + "/" + strings.ToLower(region) + "/" + strings.ToLower(product)
}
