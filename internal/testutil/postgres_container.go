package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// StartPostgres starts PostgreSQL and returns a DSN. Callers that rely on
// the SQL readiness probe must import the pgx stdlib driver.
func StartPostgres(t *testing.T) string {
	t.Helper()
	endpoint := runContainer(t, "postgres:16",
		testcontainers.WithExposedPorts("5432/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				wait.ForListeningPort("5432/tcp"),
				wait.ForLog("ready to accept connections"),
				wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
					return fmt.Sprintf("postgres://gasoline:gasoline@%s:%s/gasoline_test?sslmode=disable", host, port.Port())
				}).WithQuery("SELECT 1"),
			).WithDeadline(2*time.Minute),
		),
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_USER":     "gasoline",
			"POSTGRES_PASSWORD": "gasoline",
			"POSTGRES_DB":       "gasoline_test",
		}),
	)
	return fmt.Sprintf("postgres://gasoline:gasoline@%s/gasoline_test?sslmode=disable", endpoint)
}
