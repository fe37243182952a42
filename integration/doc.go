//go:build integration

// Package integration exercises the catalog and the loader against a real
// OCI registry.
//
// These tests require Docker and start a registry:2 container using
// testcontainers. Run with: go test -tags=integration ./integration/...
package integration
