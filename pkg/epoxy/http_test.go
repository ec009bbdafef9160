package epoxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/gasoline/pkg/kv"
	"github.com/petrijr/gasoline/pkg/kv/memkv"
)

func newHTTPCluster(t *testing.T, n int) ([]*Replica, ClusterConfig) {
	t.Helper()
	tr := NewHTTPTransport(&http.Client{Timeout: 5 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	var replicas []*Replica
	cfg := ClusterConfig{Epoch: 1, CoordinatorID: 1}
	for i := 1; i <= n; i++ {
		r, err := NewReplica(Config{
			ID:              ReplicaID(i),
			DB:              memkv.NewDatabase(kv.Config{}),
			Transport:       tr,
			RecoveryTimeout: time.Hour,
			ExecuteInterval: 10 * time.Millisecond,
		})
		require.NoError(t, err)
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = r.Run(ctx)
		}()
		reg := prometheus.NewRegistry()
		srv := httptest.NewServer(NewHandler(r, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
		t.Cleanup(func() {
			srv.Close()
			cancel()
			<-done
			r.Close()
		})
		replicas = append(replicas, r)
		cfg.Replicas = append(cfg.Replicas, ReplicaConfig{ID: ReplicaID(i), URL: srv.URL, Status: ReplicaActive})
	}
	for _, r := range replicas {
		require.NoError(t, r.HandleUpdateConfig(ctx, &cfg))
	}
	return replicas, cfg
}

func TestHTTP_ProposeAndRead(t *testing.T) {
	replicas, cfg := newHTTPCluster(t, 3)
	client := NewClient(NewHTTPTransport(nil), cfg.Replicas[0])

	res, err := client.Propose(context.Background(), Set("foo", []byte("1")))
	require.NoError(t, err)
	require.Equal(t, pathFast, res.Path)
	require.Equal(t, uint64(1), res.Seq)

	for i, rc := range cfg.Replicas {
		require.Eventually(t, func() bool {
			v, ok, err := replicas[i].Get(context.Background(), "foo")
			return err == nil && ok && string(v) == "1"
		}, 5*time.Second, 10*time.Millisecond)

		resp, err := http.Get(rc.URL + "/epoxy/v1/kv/foo")
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "1", string(body))
	}

	resp, err := http.Get(cfg.Replicas[0].URL + "/epoxy/v1/kv/missing")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(cfg.Replicas[0].URL + "/epoxy/v1/config")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Contains(t, string(body), `"epoch":1`)

	resp, err = http.Get(cfg.Replicas[0].URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHTTP_ErrorsRoundTrip(t *testing.T) {
	_, cfg := newHTTPCluster(t, 3)
	tr := NewHTTPTransport(nil)
	ctx := context.Background()
	to := cfg.Replicas[1]
	inst := Instance{Replica: 3, Slot: 4}

	b := Ballot{Epoch: 1, Number: 5, Replica: 1}
	_, err := tr.Prepare(ctx, to, &PrepareRequest{Header: Header{From: 1, Epoch: 1}, Instance: inst, Ballot: b})
	require.NoError(t, err)

	_, err = tr.Prepare(ctx, to, &PrepareRequest{Header: Header{From: 1, Epoch: 1}, Instance: inst, Ballot: b})
	var rejected *BallotRejectedError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, b, rejected.Highest)

	next := cfg.Clone()
	next.Epoch = 3
	require.NoError(t, tr.UpdateConfig(ctx, to, &next))
	err = tr.Accept(ctx, to, &AcceptRequest{Header: Header{From: 1, Epoch: 2}, Payload: Payload{Instance: inst, Ballot: Ballot{Epoch: 2, Number: 9}}})
	require.ErrorIs(t, err, ErrStaleEpoch)

	_, err = tr.Propose(ctx, to, &ProposeRequest{Command: Command{Kind: "bogus"}})
	require.ErrorIs(t, err, ErrInvalidCommand)

	resp, err := http.Post(to.URL+"/epoxy/v1/commit", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTP_RetryAfterHeader(t *testing.T) {
	r, err := NewReplica(Config{ID: 1, DB: memkv.NewDatabase(kv.Config{}), Transport: NewLocalTransport()})
	require.NoError(t, err)
	cfg := ClusterConfig{Epoch: 1, Replicas: []ReplicaConfig{{ID: 1, Status: ReplicaActive}}}
	require.NoError(t, r.HandleUpdateConfig(context.Background(), &cfg))
	srv := httptest.NewServer(NewHandler(r, nil))
	defer srv.Close()

	_, err = NewHTTPTransport(nil).Propose(context.Background(), ReplicaConfig{ID: 1, URL: srv.URL}, &ProposeRequest{Command: Noop()})
	require.ErrorIs(t, err, ErrClusterTooSmall)
	after, ok := RetryAfter(err)
	require.True(t, ok)
	require.Equal(t, time.Second, after)
}
