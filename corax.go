// Package corax is a cluster-aware client for a replicated document
// database. It hides the cluster behind a single request-issuing interface:
// it discovers the topology and the current leader, routes each operation to
// an appropriate node according to the configured failover behavior, retries
// on surviving nodes, and keeps a durable local snapshot of the topology so
// startup works even when no node is initially reachable.
package corax

import (
	"context"
	"net/http"

	"github.com/squareup/corax/cluster"
	"github.com/squareup/corax/conf"
	"github.com/squareup/corax/errors"
	"github.com/squareup/corax/storage"
	"github.com/squareup/corax/transport"
	"go.uber.org/zap"
)

// Client is the public entry point. It is safe for concurrent use; one
// instance per primary server is intended to live for the whole session.
type Client struct {
	cfg         *conf.Config
	conventions *conf.Conventions
	transport   *transport.Transport
	executor    *cluster.Executor
}

// NewClient builds a client from the config. A nil logger disables logging.
func NewClient(cfg *conf.Config, logger *zap.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	conventions, err := cfg.Conventions()
	if err != nil {
		return nil, err
	}
	tp, err := transport.NewTransport(cfg.TLS, cfg.RequestTimeout)
	if err != nil {
		return nil, err
	}
	var store cluster.TopologyStore
	if cfg.TopologyCacheDir != "" {
		fileStore, err := storage.NewFileTopologyStore(cfg.TopologyCacheDir)
		if err != nil {
			return nil, err
		}
		store = fileStore
	}
	primary := cluster.NewNode(cluster.RootDatabaseURL(cfg.ServerURL), cluster.Credentials{APIKey: cfg.APIKey})
	if cfg.Database != "" {
		primary = primary.ForDatabase(cfg.Database)
	}
	return &Client{
		cfg:         cfg,
		conventions: conventions,
		transport:   tp,
		executor:    cluster.NewExecutor(primary, tp.FetchTopology, conventions, store, logger),
	}, nil
}

// NewClientFromConnectionString builds a client from a connection string
// like "Url=http://db1:8080;Database=orders;ApiKey=abc/123".
func NewClientFromConnectionString(cs string, logger *zap.Logger) (*Client, error) {
	cfg, err := conf.FromConnectionString(cs)
	if err != nil {
		return nil, err
	}
	return NewClient(cfg, logger)
}

// Close stops background topology refreshes. In-flight requests are not
// interrupted.
func (c *Client) Close() {
	c.executor.Close()
}

// Execute dispatches one HTTP request against the cluster. The path is
// relative to the database endpoint of whichever node is chosen.
func (c *Client) Execute(ctx context.Context, method, path string, body []byte) (*transport.Response, error) {
	result, err := c.executor.Execute(ctx, method, c.transport.Operation(path, body))
	if err != nil {
		return nil, err
	}
	resp, ok := result.(*transport.Response)
	if !ok {
		return nil, errors.Errorf("unexpected operation result %T", result)
	}
	return resp, nil
}

func (c *Client) Get(ctx context.Context, path string) (*transport.Response, error) {
	return c.Execute(ctx, http.MethodGet, path, nil)
}

func (c *Client) Put(ctx context.Context, path string, body []byte) (*transport.Response, error) {
	return c.Execute(ctx, http.MethodPut, path, body)
}

func (c *Client) Post(ctx context.Context, path string, body []byte) (*transport.Response, error) {
	return c.Execute(ctx, http.MethodPost, path, body)
}

func (c *Client) Delete(ctx context.Context, path string) (*transport.Response, error) {
	return c.Execute(ctx, http.MethodDelete, path, nil)
}

// ExecuteOperation dispatches a caller-built operation closure, for requests
// the plain HTTP helpers cannot express.
func (c *Client) ExecuteOperation(ctx context.Context, method string, op cluster.Operation) (interface{}, error) {
	return c.executor.Execute(ctx, method, op)
}

// RefreshTopology triggers a topology refresh and waits for it to resolve.
// Unforced refreshes may be throttled, which is not an error.
func (c *Client) RefreshTopology(ctx context.Context, force bool) error {
	refresh := c.executor.RequestTopologyRefresh(force)
	if refresh == nil {
		return nil
	}
	select {
	case <-refresh.Done():
		return nil
	case <-ctx.Done():
		return errors.NewCancelledError(ctx.Err())
	}
}

// ForceReadFromMaster pins striped reads to the leader until the returned
// release func runs.
func (c *Client) ForceReadFromMaster() func() {
	return c.executor.ForceReadFromMaster()
}

// Conventions exposes the live behavioral configuration. The failover
// behavior seen here may change when the server pushes a client
// configuration.
func (c *Client) Conventions() *conf.Conventions {
	return c.conventions
}

// NodeStatus describes one known cluster member.
type NodeStatus struct {
	URL      string
	Database string
	IsLeader bool
	Failures int64
}

// Topology returns the currently known membership. The leader flag reflects
// what each node last reported about itself, not necessarily the leader the
// client dispatches to.
func (c *Client) Topology() []NodeStatus {
	failures := c.executor.FailureCounts()
	nodes := c.executor.Nodes()
	statuses := make([]NodeStatus, 0, len(nodes))
	for _, node := range nodes {
		statuses = append(statuses, NodeStatus{
			URL:      node.URL(),
			Database: node.Database(),
			IsLeader: node.IsLeader(),
			Failures: failures[node.URL()],
		})
	}
	return statuses
}

// Leader returns the URL of the node currently believed to be leader, or ""
// when none is known.
func (c *Client) Leader() string {
	if leader := c.executor.Leader(); leader != nil {
		return leader.URL()
	}
	return ""
}

// Stats is a point-in-time diagnostic snapshot of the client.
type Stats struct {
	Leader           string
	Nodes            int
	FailureCounts    map[string]int64
	ReadStripingBase int32
	FailoverBehavior string
}

func (c *Client) Stats() Stats {
	return Stats{
		Leader:           c.Leader(),
		Nodes:            len(c.executor.Nodes()),
		FailureCounts:    c.executor.FailureCounts(),
		ReadStripingBase: c.executor.ReadStripingBase(),
		FailoverBehavior: c.conventions.FailoverBehavior().String(),
	}
}
