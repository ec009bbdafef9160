// Package testutil starts throwaway service containers for integration
// tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
)

// startupTimeout is generous for CI environments.
const startupTimeout = 3 * time.Minute

// runContainer starts image with opts and returns its host:port endpoint.
// The container is removed when t finishes. Integration tests are skipped
// in -short mode.
func runContainer(t *testing.T, image string, opts ...testcontainers.ContainerCustomizer) string {
	t.Helper()
	if testing.Short() {
		t.Skipf("skipping %s container in short mode", image)
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	t.Cleanup(cancel)

	c, err := testcontainers.Run(ctx, image, opts...)
	testcontainers.CleanupContainer(t, c)
	require.NoError(t, err)

	endpoint, err := c.Endpoint(ctx, "")
	require.NoError(t, err)
	return endpoint
}
