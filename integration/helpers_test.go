//go:build integration

package integration

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/meigma/casc/archive"
	"github.com/meigma/casc/catalog"
	"github.com/meigma/casc/internal/testutil"
	"github.com/meigma/casc/storage"
)

var (
	registryOnce sync.Once
	registryAddr string
	registryErr  error
)

// getRegistry returns the shared registry address, starting the container
// on first use.
func getRegistry(tb testing.TB) string {
	tb.Helper()

	if os.Getenv("SKIP_DOCKER_TESTS") == "1" {
		tb.Skip("SKIP_DOCKER_TESTS is set")
	}

	registryOnce.Do(func() {
		registryAddr, registryErr = startRegistryContainer(context.Background())
	})
	if registryErr != nil {
		tb.Fatalf("start registry container: %v", registryErr)
	}
	return registryAddr
}

// startRegistryContainer starts a registry:2 container and returns the host:port address.
func startRegistryContainer(ctx context.Context) (string, error) {
	req := testcontainers.ContainerRequest{
		Image:        "registry:2",
		ExposedPorts: []string{"5000/tcp"},
		WaitingFor:   wait.ForHTTP("/v2/").WithPort("5000/tcp").WithStatusCodeMatcher(isOKStatus),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", fmt.Errorf("start registry container: %w", err)
	}

	// Cleanup is left to the testcontainers reaper.
	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve registry host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5000/tcp")
	if err != nil {
		return "", fmt.Errorf("resolve registry port: %w", err)
	}
	return fmt.Sprintf("%s:%s", host, port.Port()), nil
}

func isOKStatus(status int) bool {
	return status >= 200 && status < 300
}

// newTestClient creates a catalog client for a per-test namespace of the
// local registry.
func newTestClient(tb testing.TB, testName string, opts ...catalog.Option) *catalog.Client {
	tb.Helper()
	ns := getRegistry(tb) + "/" + strings.ToLower(testName)
	return catalog.New(ns, append([]catalog.Option{catalog.WithPlainHTTP(true)}, opts...)...)
}

// buildArchive packs files into an in-memory archive.
func buildArchive(tb testing.TB, files map[string]string, opts ...archive.CreateOption) *archive.Archive {
	tb.Helper()

	dir := tb.TempDir()
	testutil.WriteTree(tb, dir, files)

	var indexBuf, dataBuf bytes.Buffer
	err := archive.Create(context.Background(), dir, &indexBuf, &dataBuf, opts...)
	require.NoError(tb, err, "create archive")

	a, err := archive.New(indexBuf.Bytes(), testutil.NewMockByteSource(dataBuf.Bytes()))
	require.NoError(tb, err, "open archive")
	tb.Cleanup(func() { a.Close() })
	return a
}

// pushBuild packs files and pushes them as build to the product's repository.
func pushBuild(tb testing.TB, client *catalog.Client, product string, build storage.Build, files map[string]string, opts ...archive.CreateOption) storage.Build {
	tb.Helper()

	a := buildArchive(tb, files, append([]archive.CreateOption{archive.CreateWithBuild(build.Name)}, opts...)...)
	pushed, err := client.Push(context.Background(), client.Repository(product, "eu"), build, a)
	require.NoError(tb, err, "push %s", build.Name)
	return pushed
}
