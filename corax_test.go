package corax

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/squareup/corax/cluster"
	"github.com/squareup/corax/conf"
	"github.com/squareup/corax/errors"
	"github.com/squareup/corax/transport"
	"github.com/stretchr/testify/require"
	uatomic "go.uber.org/atomic"
)

// fakeNode is an httptest server standing in for one cluster member. It
// serves a canned topology document on the topology endpoint and canned data
// on everything else.
type fakeNode struct {
	mu         sync.Mutex
	srv        *httptest.Server
	topology   string
	dataStatus int
	dataBody   string
	redirectTo string
	dataHits   int
}

func newFakeNode(t *testing.T) *fakeNode {
	t.Helper()
	n := &fakeNode{dataStatus: http.StatusOK}
	n.srv = httptest.NewServer(n)
	t.Cleanup(n.srv.Close)
	return n
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if strings.HasSuffix(r.URL.Path, "/replication/topology") {
		if n.topology == "" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, n.topology) //nolint:errcheck
		return
	}
	n.dataHits++
	if n.redirectTo != "" {
		w.Header().Set("Location", n.redirectTo)
		w.Header().Set(transport.HeaderLeaderRedirect, "true")
		w.WriteHeader(http.StatusFound)
		return
	}
	w.WriteHeader(n.dataStatus)
	io.WriteString(w, n.dataBody) //nolint:errcheck
}

func (n *fakeNode) URL() string {
	return n.srv.URL
}

func (n *fakeNode) setTopology(doc string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.topology = doc
}

func (n *fakeNode) setData(status int, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dataStatus = status
	n.dataBody = body
}

func (n *fakeNode) setRedirect(to string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.redirectTo = to
}

func (n *fakeNode) hits() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dataHits
}

func topologyJSON(t *testing.T, term int64, isLeader bool, destinations ...string) string {
	t.Helper()
	doc := cluster.TopologyDocument{
		Term:               term,
		ClusterCommitIndex: 1,
		ClusterInfo:        cluster.ClusterInfo{IsLeader: isLeader},
	}
	for _, d := range destinations {
		doc.Destinations = append(doc.Destinations, cluster.ReplicationDestination{URL: d, CanBeFailover: true})
	}
	b, err := json.Marshal(&doc)
	require.NoError(t, err)
	return string(b)
}

func newTestClient(t *testing.T, cfg *conf.Config) *Client {
	t.Helper()
	client, err := NewClient(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestClientDiscoversLeaderAndExecutes(t *testing.T) {
	a, b, c := newFakeNode(t), newFakeNode(t), newFakeNode(t)
	a.setTopology(topologyJSON(t, 1, true, b.URL(), c.URL()))
	a.setData(http.StatusOK, `{"id":"docs/1"}`)

	cfg := conf.NewDefaultConfig()
	cfg.ServerURL = a.URL()
	client := newTestClient(t, cfg)

	resp, err := client.Get(context.Background(), "/docs/1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, `{"id":"docs/1"}`, string(resp.Body))

	require.Equal(t, a.URL(), client.Leader())
	topology := client.Topology()
	require.Equal(t, 3, len(topology))
	require.True(t, topology[0].IsLeader)
	require.Equal(t, a.URL(), topology[0].URL)

	stats := client.Stats()
	require.Equal(t, a.URL(), stats.Leader)
	require.Equal(t, 3, stats.Nodes)
	require.Equal(t, "FailImmediately", stats.FailoverBehavior)

	require.Equal(t, 1, a.hits())
	require.Equal(t, 0, b.hits())
	require.Equal(t, 0, c.hits())
}

func TestClientFollowsLeaderRedirect(t *testing.T) {
	a, b := newFakeNode(t), newFakeNode(t)
	// The topology still names a as leader, but a has since stepped down
	// and points writes at b.
	a.setTopology(topologyJSON(t, 1, true, b.URL()))
	a.setRedirect(b.URL())
	b.setData(http.StatusCreated, `{"saved":true}`)

	cfg := conf.NewDefaultConfig()
	cfg.ServerURL = a.URL()
	client := newTestClient(t, cfg)

	resp, err := client.Put(context.Background(), "/docs/1", []byte(`{"v":1}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, `{"saved":true}`, string(resp.Body))

	// The redirect target is the leader now.
	require.Equal(t, b.URL(), client.Leader())
	require.Equal(t, 1, a.hits())
	require.Equal(t, 1, b.hits())
}

func TestClientWalksFailoversWhenClusterHasNoLeader(t *testing.T) {
	a, b, c := newFakeNode(t), newFakeNode(t), newFakeNode(t)
	deadURL := b.URL()
	b.srv.Close()

	// Nobody claims leadership, and the would-be coordinator refuses data
	// requests.
	a.setTopology(topologyJSON(t, 1, false, deadURL, c.URL()))
	a.setData(http.StatusServiceUnavailable, "no leader here")
	c.setData(http.StatusOK, `{"id":"docs/1"}`)

	cfg := conf.NewDefaultConfig()
	cfg.ServerURL = a.URL()
	cfg.FailoverBehavior = "ReadFromLeaderWriteToLeaderWithFailovers"
	cfg.PromotePrimaryWhenNoTopology = false
	cfg.WaitForLeaderTimeout = 100 * time.Millisecond
	cfg.TopologyRetryBackoff = 10 * time.Millisecond
	client := newTestClient(t, cfg)

	resp, err := client.Get(context.Background(), "/docs/1")
	require.NoError(t, err)
	require.Equal(t, `{"id":"docs/1"}`, string(resp.Body))

	require.Equal(t, "", client.Leader())
	require.Equal(t, 1, a.hits())
	require.Equal(t, 1, c.hits())
	// The dead node was tried and is now counted against.
	require.Equal(t, int64(1), client.Stats().FailureCounts[deadURL])
}

func TestClientStripesReadsAcrossNodes(t *testing.T) {
	a, b, c := newFakeNode(t), newFakeNode(t), newFakeNode(t)
	a.setTopology(topologyJSON(t, 1, true, b.URL(), c.URL()))
	for _, n := range []*fakeNode{a, b, c} {
		n.setData(http.StatusOK, `{}`)
	}

	cfg := conf.NewDefaultConfig()
	cfg.ServerURL = a.URL()
	cfg.FailoverBehavior = "ReadFromAllWriteToLeader"
	client := newTestClient(t, cfg)

	for i := 0; i < 6; i++ {
		_, err := client.Get(context.Background(), "/docs/1")
		require.NoError(t, err)
	}

	// Six reads across three healthy nodes land evenly.
	require.Equal(t, 2, a.hits())
	require.Equal(t, 2, b.hits())
	require.Equal(t, 2, c.hits())

	// Pinning to the leader diverts every read to it.
	release := client.ForceReadFromMaster()
	for i := 0; i < 3; i++ {
		_, err := client.Get(context.Background(), "/docs/1")
		require.NoError(t, err)
	}
	release()
	require.Equal(t, 5, a.hits())
}

func TestClientTopologyCachePrimesNextClient(t *testing.T) {
	cacheDir := t.TempDir()
	a, b := newFakeNode(t), newFakeNode(t)
	a.setTopology(topologyJSON(t, 1, true, b.URL()))

	cfg := conf.NewDefaultConfig()
	cfg.ServerURL = a.URL()
	cfg.TopologyCacheDir = cacheDir

	client1 := newTestClient(t, cfg)
	require.NoError(t, client1.RefreshTopology(context.Background(), true))
	require.Equal(t, a.URL(), client1.Leader())
	client1.Close()

	// The whole cluster goes dark.
	a.srv.Close()
	b.srv.Close()

	cfg2 := conf.NewDefaultConfig()
	cfg2.ServerURL = a.URL()
	cfg2.TopologyCacheDir = cacheDir
	cfg2.PromotePrimaryWhenNoTopology = false
	client2 := newTestClient(t, cfg2)

	// The first refresh request consults the cache synchronously, so the
	// leader is routable before (and despite) any network probe.
	client2.executor.RequestTopologyRefresh(false)
	require.Equal(t, a.URL(), client2.Leader())
	require.Equal(t, 2, len(client2.Topology()))
}

func TestClientExecuteOperation(t *testing.T) {
	a := newFakeNode(t)
	a.setTopology(topologyJSON(t, 1, true))

	cfg := conf.NewDefaultConfig()
	cfg.ServerURL = a.URL()
	client := newTestClient(t, cfg)

	var calls uatomic.Int64
	op := func(ctx context.Context, call *cluster.Call) (interface{}, error) {
		calls.Inc()
		return call.Node.URL(), nil
	}
	result, err := client.ExecuteOperation(context.Background(), http.MethodGet, op)
	require.NoError(t, err)
	require.Equal(t, a.URL(), result)
	require.Equal(t, int64(1), calls.Load())
}

func TestNewClientValidatesConfig(t *testing.T) {
	_, err := NewClient(conf.NewDefaultConfig(), nil)
	require.Error(t, err)
	require.True(t, errors.HasCode(err, errors.InvalidConfiguration))
}

func TestNewClientFromConnectionString(t *testing.T) {
	a := newFakeNode(t)
	a.setTopology(topologyJSON(t, 1, true))
	a.setData(http.StatusOK, `{}`)

	client, err := NewClientFromConnectionString("Url="+a.URL()+";ApiKey=abc/123", nil)
	require.NoError(t, err)
	defer client.Close()

	resp, err := client.Get(context.Background(), "/docs/1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = NewClientFromConnectionString("Database=orders", nil)
	require.Error(t, err)
	require.True(t, errors.HasCode(err, errors.InvalidConnectionString))
}
