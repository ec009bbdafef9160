package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	c, err := FromViper(New())
	require.NoError(t, err)

	require.Equal(t, "memory://", c.DatabaseURL)
	require.Equal(t, DefaultWorkerConcurrency, c.WorkerConcurrency)
	require.Equal(t, DefaultPollInterval, c.PollInterval())
	require.Equal(t, DefaultLeaseTTL, c.LeaseTTL())
	require.Equal(t, DefaultActivityTimeout, c.ActivityTimeout())
	require.Equal(t, slog.LevelInfo, c.SlogLevel())
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("DATABASE_URL", "sqlite:///tmp/x.db")
	t.Setenv("WORKFLOW_WORKER_POLL_INTERVAL_MS", "250")
	t.Setenv("TOKIO_WORKER_THREADS", "8")
	t.Setenv("EPOXY_REPLICA_ID", "3")
	t.Setenv("LOG_LEVEL", "debug")

	c, err := FromViper(New())
	require.NoError(t, err)
	require.Equal(t, "sqlite:///tmp/x.db", c.DatabaseURL)
	require.Equal(t, 250*time.Millisecond, c.PollInterval())
	require.Equal(t, 8, c.WorkerConcurrency)
	require.Equal(t, uint64(3), c.EpoxyReplicaID)
	require.Equal(t, slog.LevelDebug, c.SlogLevel())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "pubsub_url: nats://localhost:4222\nworkflow_lease_ttl_ms: 9000\nepoxy_peers: 1=http://a:7070/, 2=http://b:7070\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	c, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, "nats://localhost:4222", c.PubSubURL)
	require.Equal(t, 9*time.Second, c.LeaseTTL())

	peers, err := c.Peers()
	require.NoError(t, err)
	require.Equal(t, map[uint64]string{1: "http://a:7070", 2: "http://b:7070"}, peers)
}

func TestValidateRejectsZeroConcurrency(t *testing.T) {
	v := New()
	v.Set("tokio_worker_threads", 0)
	_, err := FromViper(v)
	require.Error(t, err)
}

func TestPeersRejectsGarbage(t *testing.T) {
	c := &Config{EpoxyPeers: "nope"}
	_, err := c.Peers()
	require.Error(t, err)
}

func TestOpenKVAndBus(t *testing.T) {
	ctx := context.Background()

	db, err := OpenKV(ctx, "memory://", nil)
	require.NoError(t, err)
	require.NotNil(t, db)

	db, err = OpenKV(ctx, "sqlite://"+filepath.Join(t.TempDir(), "kv.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = OpenKV(ctx, "rocksdb://x", nil)
	require.Error(t, err)

	bus, err := OpenBus(ctx, "memory://", nil)
	require.NoError(t, err)
	require.NoError(t, bus.Close())

	_, err = OpenBus(ctx, "carrier-pigeon://x", nil)
	require.Error(t, err)
}
