package testutil

import (
	"fmt"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// StartNATS starts a NATS server and returns its URL.
func StartNATS(t *testing.T) string {
	t.Helper()
	endpoint := runContainer(t, "nats:2.10",
		testcontainers.WithExposedPorts("4222/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("4222/tcp"),
			wait.ForLog("Server is ready"),
		),
	)
	return fmt.Sprintf("nats://%s", endpoint)
}
