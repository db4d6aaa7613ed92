//go:build integration

package integration

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"oras.land/oras-go/v2/registry/remote"

	"github.com/meigma/modkit"
	"github.com/meigma/modkit/oci"
)

// --- Registry Container Setup ---

var (
	registryOnce sync.Once
	registryAddr string
	registryErr  error
)

// getRegistry returns the shared registry address, starting the container if needed.
// The container is shared across all tests for performance.
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

	// Cleanup is handled by the testcontainers reaper.
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

// --- Test Reference Helpers ---

// testRepo generates a unique repository for a test to avoid collisions.
func testRepo(registryAddr, testName string) string {
	return fmt.Sprintf("%s/test/%s", registryAddr, testName)
}

// --- Registry Helpers ---

// pushArchive uploads data as a blob of repo and returns the source archive
// describing it.
func pushArchive(tb testing.TB, repoRef, name string, data []byte) modkit.SourceArchive {
	tb.Helper()

	repo, err := remote.NewRepository(repoRef)
	require.NoError(tb, err)
	repo.PlainHTTP = true

	desc := ocispec.Descriptor{
		MediaType: oci.ArchiveMediaType,
		Digest:    digest.FromBytes(data),
		Size:      int64(len(data)),
	}
	require.NoError(tb, repo.Push(context.Background(), desc, bytes.NewReader(data)), "push archive blob")

	return modkit.SourceArchive{
		Hash:   modkit.HashBytes(data),
		Size:   uint64(len(data)),
		Name:   name,
		Digest: desc.Digest,
		Descriptor: modkit.Descriptor{
			"type":     oci.DescriptorType,
			oci.RefKey: repoRef,
		},
	}
}

// newTestDownloader creates a downloader configured for the local test registry.
func newTestDownloader(opts ...oci.Option) *oci.Downloader {
	// Always use plain HTTP for the local registry.
	return oci.New(append([]oci.Option{oci.WithPlainHTTP(true), oci.WithAnonymous()}, opts...)...)
}

// --- Test Data Helpers ---

// makeCompressibleContent creates content that benefits from compression.
func makeCompressibleContent(size int) []byte {
	pattern := []byte("This is a repeating pattern for compression testing. ")
	result := make([]byte, 0, size)
	for len(result) < size {
		result = append(result, pattern...)
	}
	return result[:size]
}
