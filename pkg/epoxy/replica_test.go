package epoxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/gasoline/pkg/kv"
	"github.com/petrijr/gasoline/pkg/kv/memkv"
	"github.com/petrijr/gasoline/pkg/kv/sqlitekv"
)

type dbFactory func(t *testing.T) *kv.Database

func backends() map[string]dbFactory {
	return map[string]dbFactory{
		"in-memory": func(t *testing.T) *kv.Database {
			return memkv.NewDatabase(kv.Config{})
		},
		"sqlite": func(t *testing.T) *kv.Database {
			store, err := sqlitekv.Open(filepath.Join(t.TempDir(), "epoxy.db"))
			if err != nil {
				t.Fatalf("sqlitekv.Open: %v", err)
			}
			t.Cleanup(func() { _ = store.Close() })
			return kv.New(store, kv.Config{})
		},
	}
}

type cluster struct {
	tr       *LocalTransport
	replicas map[ReplicaID]*Replica
	config   ClusterConfig
}

// newReplica creates a replica with its executor running until the test
// ends. It is reachable through tr but holds no config.
func newReplica(t *testing.T, newDB dbFactory, tr Transport, id ReplicaID) *Replica {
	t.Helper()
	r, err := NewReplica(Config{
		ID:              id,
		DB:              newDB(t),
		Transport:       tr,
		RequestTimeout:  2 * time.Second,
		RecoveryTimeout: time.Hour,
		ExecuteInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewReplica(%d): %v", id, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		r.Close()
	})
	return r
}

func newCluster(t *testing.T, newDB dbFactory, n int) *cluster {
	t.Helper()
	c := &cluster{tr: NewLocalTransport(), replicas: make(map[ReplicaID]*Replica)}
	c.config = ClusterConfig{Epoch: 1, CoordinatorID: 1}
	for i := 1; i <= n; i++ {
		id := ReplicaID(i)
		r := newReplica(t, newDB, c.tr, id)
		c.tr.Add(r)
		c.replicas[id] = r
		c.config.Replicas = append(c.config.Replicas, ReplicaConfig{ID: id, URL: fmt.Sprintf("local://%d", i), Status: ReplicaActive})
	}
	for _, r := range c.replicas {
		if err := r.HandleUpdateConfig(context.Background(), &c.config); err != nil {
			t.Fatalf("HandleUpdateConfig: %v", err)
		}
	}
	return c
}

func (c *cluster) requireValue(t *testing.T, key, want string) {
	t.Helper()
	for id, r := range c.replicas {
		require.Eventually(t, func() bool {
			v, ok, err := r.Get(context.Background(), key)
			return err == nil && ok && string(v) == want
		}, 5*time.Second, 10*time.Millisecond, "replica %d never converged on %s=%s", id, key, want)
	}
}

func TestPropose_FastPath(t *testing.T) {
	for name, newDB := range backends() {
		t.Run(name, func(t *testing.T) {
			c := newCluster(t, newDB, 3)
			res, err := c.replicas[1].Propose(context.Background(), Set("foo", []byte("1")))
			require.NoError(t, err)
			require.Equal(t, pathFast, res.Path)
			require.Equal(t, Instance{Replica: 1, Slot: 1}, res.Instance)
			require.Equal(t, uint64(1), res.Seq)
			require.Empty(t, res.Deps)
			require.True(t, res.Applied)

			c.requireValue(t, "foo", "1")
		})
	}
}

func TestPropose_SequentialDependencies(t *testing.T) {
	c := newCluster(t, backends()["in-memory"], 3)
	ctx := context.Background()

	first, err := c.replicas[1].Propose(ctx, Set("k", []byte("a")))
	require.NoError(t, err)
	c.requireValue(t, "k", "a")

	second, err := c.replicas[2].Propose(ctx, Set("k", []byte("b")))
	require.NoError(t, err)
	require.Equal(t, []Instance{first.Instance}, second.Deps)
	require.Greater(t, second.Seq, first.Seq)
	c.requireValue(t, "k", "b")

	// Commands on other keys do not depend on k.
	other, err := c.replicas[3].Propose(ctx, Set("other", []byte("x")))
	require.NoError(t, err)
	require.Empty(t, other.Deps)
}

func TestPropose_ConcurrentConflict(t *testing.T) {
	c := newCluster(t, backends()["in-memory"], 3)

	// Both leaders pre-accept locally before either peer sees the other's
	// proposal, and replica 3 misses every pre-accept. Each leader then
	// learns of the other instance from its single fast quorum reply.
	release := make(chan struct{})
	var seen atomic.Int32
	dropped := errors.New("dropped")
	c.tr.Intercept = func(ctx context.Context, to ReplicaID, msg any) error {
		if _, ok := msg.(*PreAcceptRequest); !ok {
			return nil
		}
		if to == 3 {
			return dropped
		}
		if seen.Add(1) == 2 {
			close(release)
		}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var wg sync.WaitGroup
	results := make([]CommandResult, 2)
	errs := make([]error, 2)
	for i, v := range []string{"A", "B"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.replicas[ReplicaID(i+1)].Propose(context.Background(), Set("k", []byte(v)))
		}()
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	a, b := results[0], results[1]
	require.Equal(t, pathSlow, a.Path)
	require.Equal(t, pathSlow, b.Path)
	require.Contains(t, a.Deps, b.Instance)
	require.Contains(t, b.Deps, a.Instance)

	for id, r := range c.replicas {
		for _, inst := range []Instance{a.Instance, b.Instance} {
			require.Eventually(t, func() bool {
				e, ok, err := r.Entry(context.Background(), inst)
				return err == nil && ok && e.Status == StatusExecuted
			}, 5*time.Second, 10*time.Millisecond, "replica %d did not execute %s", id, inst)
		}
	}

	// Both commands sit in one dependency cycle; every replica applies
	// them in the same order and ends on the same value.
	v, ok, err := c.replicas[1].Get(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, []string{"A", "B"}, string(v))
	c.requireValue(t, "k", string(v))
}

func TestPropose_CheckAndSet(t *testing.T) {
	c := newCluster(t, backends()["in-memory"], 3)
	r := c.replicas[1]
	ctx := context.Background()

	res, err := r.Propose(ctx, CheckAndSet("foo", [][]byte{nil}, []byte("1")))
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.Nil(t, res.Previous)

	res, err = r.Propose(ctx, CheckAndSet("foo", [][]byte{[]byte("0"), []byte("1")}, []byte("2")))
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.Equal(t, []byte("1"), res.Previous)

	res, err = r.Propose(ctx, CheckAndSet("foo", [][]byte{nil}, []byte("3")))
	require.NoError(t, err)
	require.False(t, res.Applied)
	require.Equal(t, []byte("2"), res.Previous)

	c.requireValue(t, "foo", "2")

	_, err = r.Propose(ctx, Delete("foo"))
	require.NoError(t, err)
	for _, rep := range c.replicas {
		require.Eventually(t, func() bool {
			_, ok, err := rep.Get(ctx, "foo")
			return err == nil && !ok
		}, 5*time.Second, 10*time.Millisecond)
	}
}

func TestPropose_RequiresActiveCluster(t *testing.T) {
	ctx := context.Background()
	newDB := backends()["in-memory"]
	tr := NewLocalTransport()
	r := newReplica(t, newDB, tr, 1)

	_, err := r.Propose(ctx, Set("k", nil))
	require.ErrorIs(t, err, ErrNoConfig)

	cfg := ClusterConfig{Epoch: 1, Replicas: []ReplicaConfig{
		{ID: 1, Status: ReplicaActive},
		{ID: 2, Status: ReplicaActive},
	}}
	require.NoError(t, r.HandleUpdateConfig(ctx, &cfg))
	_, err = r.Propose(ctx, Set("k", nil))
	require.ErrorIs(t, err, ErrClusterTooSmall)
	after, ok := RetryAfter(err)
	require.True(t, ok)
	require.Equal(t, DefaultRetryAfter, after)

	cfg = ClusterConfig{Epoch: 2, Replicas: []ReplicaConfig{
		{ID: 1, Status: ReplicaLearning},
		{ID: 2, Status: ReplicaActive},
		{ID: 3, Status: ReplicaActive},
		{ID: 4, Status: ReplicaActive},
	}}
	require.NoError(t, r.HandleUpdateConfig(ctx, &cfg))
	_, err = r.Propose(ctx, Set("k", nil))
	require.ErrorIs(t, err, ErrNotActive)

	_, err = r.Propose(ctx, Command{Kind: KindSet})
	require.ErrorIs(t, err, ErrInvalidCommand)
}

func TestPropose_QuorumLost(t *testing.T) {
	c := newCluster(t, backends()["in-memory"], 3)
	c.tr.Remove(2)
	c.tr.Remove(3)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.replicas[1].Propose(ctx, Set("k", []byte("v")))
	require.ErrorIs(t, err, ErrQuorumLost)
	_, ok := RetryAfter(err)
	require.True(t, ok)
}

func TestRecover_StalledInstance(t *testing.T) {
	for name, newDB := range backends() {
		t.Run(name, func(t *testing.T) {
			c := newCluster(t, newDB, 3)
			ctx := context.Background()

			// Replica 1 pre-accepts locally and then stops.
			p, err := c.replicas[1].preAcceptLocal(ctx, c.config.Epoch, []Command{Set("x", []byte("v"))})
			require.NoError(t, err)

			require.NoError(t, c.replicas[2].Recover(ctx, p.Instance))
			c.requireValue(t, "x", "v")

			e, ok, err := c.replicas[3].Entry(ctx, p.Instance)
			require.NoError(t, err)
			require.True(t, ok)
			require.GreaterOrEqual(t, e.Status, StatusCommitted)
			require.Equal(t, ReplicaID(2), e.Ballot.Replica)
		})
	}
}

func TestRecover_UnknownInstanceBecomesNoop(t *testing.T) {
	c := newCluster(t, backends()["in-memory"], 3)
	ctx := context.Background()
	inst := Instance{Replica: 3, Slot: 1}

	require.NoError(t, c.replicas[1].Recover(ctx, inst))
	for _, r := range c.replicas {
		require.Eventually(t, func() bool {
			e, ok, err := r.Entry(ctx, inst)
			return err == nil && ok && e.Status == StatusExecuted &&
				len(e.Commands) == 1 && e.Commands[0].Kind == KindNoop
		}, 5*time.Second, 10*time.Millisecond)
	}

	// The owner skips the slot taken over by recovery.
	res, err := c.replicas[3].Propose(ctx, Set("y", []byte("1")))
	require.NoError(t, err)
	require.Equal(t, uint64(2), res.Instance.Slot)
}

func TestRecover_BlockedExecutionTriggersPrepare(t *testing.T) {
	newDB := backends()["in-memory"]
	tr := NewLocalTransport()
	var replicas []*Replica
	cfg := ClusterConfig{Epoch: 1, CoordinatorID: 1}
	for i := 1; i <= 3; i++ {
		r, err := NewReplica(Config{
			ID:              ReplicaID(i),
			DB:              newDB(t),
			Transport:       tr,
			RecoveryTimeout: 50 * time.Millisecond,
			ExecuteInterval: 10 * time.Millisecond,
		})
		require.NoError(t, err)
		tr.Add(r)
		replicas = append(replicas, r)
		cfg.Replicas = append(cfg.Replicas, ReplicaConfig{ID: ReplicaID(i), Status: ReplicaActive})
	}
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	t.Cleanup(func() {
		cancel()
		wg.Wait()
		for _, r := range replicas {
			r.Close()
		}
	})
	for _, r := range replicas {
		require.NoError(t, r.HandleUpdateConfig(ctx, &cfg))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Run(ctx)
		}()
	}

	// Replica 2 commits an instance depending on one only replica 1
	// pre-accepted. Execution blocks until replica 2 recovers (1, 1), which
	// then depends on (2, 1) with a higher seq and is applied last.
	stalled, err := replicas[0].preAcceptLocal(ctx, cfg.Epoch, []Command{Set("z", []byte("first"))})
	require.NoError(t, err)
	blocked := Payload{
		Instance: Instance{Replica: 2, Slot: 1},
		Ballot:   Ballot{Epoch: 1, Replica: 2},
		Commands: []Command{Set("z", []byte("second"))},
		Seq:      stalled.Seq + 1,
		Deps:     []Instance{stalled.Instance},
	}
	require.NoError(t, replicas[1].HandleCommit(ctx, &CommitRequest{Header: Header{From: 2, Epoch: 1}, Payload: blocked}))

	for _, r := range replicas {
		require.Eventually(t, func() bool {
			v, ok, err := r.Get(ctx, "z")
			return err == nil && ok && string(v) == "first"
		}, 10*time.Second, 10*time.Millisecond, "replica %d", r.ID())
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRecover_BackgroundFailureIsLogged(t *testing.T) {
	var logs lockedBuffer
	tr := NewLocalTransport()
	r, err := NewReplica(Config{
		ID:              1,
		DB:              backends()["in-memory"](t),
		Transport:       tr,
		RequestTimeout:  100 * time.Millisecond,
		RecoveryTimeout: 20 * time.Millisecond,
		ExecuteInterval: 10 * time.Millisecond,
		Logger:          slog.New(slog.NewTextHandler(&logs, nil)),
	})
	require.NoError(t, err)
	tr.Add(r)

	// Replicas 2 and 3 are configured but unreachable, so prepare can
	// never reach a quorum.
	cfg := ClusterConfig{Epoch: 1, CoordinatorID: 1}
	for i := 1; i <= 3; i++ {
		cfg.Replicas = append(cfg.Replicas, ReplicaConfig{ID: ReplicaID(i), Status: ReplicaActive})
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.Cleanup(func() {
		cancel()
		<-done
		r.Close()
	})
	require.NoError(t, r.HandleUpdateConfig(ctx, &cfg))
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()

	missing := Instance{Replica: 3, Slot: 1}
	require.NoError(t, r.HandleCommit(ctx, &CommitRequest{
		Header: Header{From: 2, Epoch: 1},
		Payload: Payload{
			Instance: Instance{Replica: 2, Slot: 1},
			Ballot:   Ballot{Epoch: 1, Replica: 2},
			Commands: []Command{Set("w", []byte("v"))},
			Seq:      1,
			Deps:     []Instance{missing},
		},
	}))

	require.Eventually(t, func() bool {
		out := logs.String()
		return strings.Contains(out, "epoxy_recover_failed") && strings.Contains(out, missing.String())
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHandlers_EpochAndBallot(t *testing.T) {
	c := newCluster(t, backends()["in-memory"], 3)
	r := c.replicas[1]
	ctx := context.Background()

	next := c.config.Clone()
	next.Epoch = 2
	require.NoError(t, r.HandleUpdateConfig(ctx, &next))
	// Older configs are ignored.
	require.NoError(t, r.HandleUpdateConfig(ctx, &c.config))
	got, err := r.Config(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), got.Epoch)

	inst := Instance{Replica: 2, Slot: 1}
	_, err = r.HandlePreAccept(ctx, &PreAcceptRequest{
		Header:  Header{From: 2, Epoch: 1},
		Payload: Payload{Instance: inst, Ballot: Ballot{Epoch: 1, Replica: 2}, Commands: []Command{Noop()}},
	})
	require.ErrorIs(t, err, ErrStaleEpoch)

	b := Ballot{Epoch: 2, Number: 1, Replica: 3}
	_, err = r.HandlePrepare(ctx, &PrepareRequest{Header: Header{From: 3, Epoch: 2}, Instance: inst, Ballot: b})
	require.NoError(t, err)
	_, err = r.HandlePrepare(ctx, &PrepareRequest{Header: Header{From: 3, Epoch: 2}, Instance: inst, Ballot: b})
	var rejected *BallotRejectedError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, b, rejected.Highest)
	require.ErrorIs(t, err, ErrBallotRejected)

	err = r.HandleAccept(ctx, &AcceptRequest{
		Header:  Header{From: 2, Epoch: 2},
		Payload: Payload{Instance: inst, Ballot: Ballot{Epoch: 2, Replica: 2}, Commands: []Command{Noop()}},
	})
	require.ErrorIs(t, err, ErrBallotRejected)
}

func TestHandleDownloadInstances_Paging(t *testing.T) {
	c := newCluster(t, backends()["in-memory"], 3)
	ctx := context.Background()
	for i := range 5 {
		_, err := c.replicas[1].Propose(ctx, Set(fmt.Sprintf("k%d", i), []byte("v")))
		require.NoError(t, err)
	}
	// Only pre-accepted, must not be downloaded.
	_, err := c.replicas[1].preAcceptLocal(ctx, 1, []Command{Set("pending", nil)})
	require.NoError(t, err)

	var got []Instance
	var after *Instance
	for pages := 0; ; pages++ {
		require.Less(t, pages, 10)
		reply, err := c.replicas[1].HandleDownloadInstances(ctx, &DownloadRequest{After: after, Count: 2})
		require.NoError(t, err)
		for _, ie := range reply.Instances {
			require.Equal(t, StatusCommitted, ie.Entry.Status)
			require.Empty(t, ie.Entry.Results)
			got = append(got, ie.Instance)
		}
		if len(reply.Instances) < 2 {
			break
		}
		last := reply.Instances[len(reply.Instances)-1].Instance
		after = &last
	}
	require.Equal(t, []Instance{{1, 1}, {1, 2}, {1, 3}, {1, 4}, {1, 5}}, got)
}

func TestClient_FailsOver(t *testing.T) {
	c := newCluster(t, backends()["in-memory"], 3)
	down := ReplicaConfig{ID: 9, URL: "local://9", Status: ReplicaActive}
	client := NewClient(c.tr, down, c.config.Replicas[1])

	res, err := client.Propose(context.Background(), Set("foo", []byte("bar")))
	require.NoError(t, err)
	require.Equal(t, ReplicaID(2), res.Instance.Replica)
	c.requireValue(t, "foo", "bar")

	_, err = client.Propose(context.Background(), Command{Kind: "bogus"})
	require.ErrorIs(t, err, ErrInvalidCommand)
}
