package cluster

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/squareup/corax/conf"
	"github.com/squareup/corax/errors"
	"go.uber.org/zap"
)

// defaultNumberOfRetries is how many additional attempts a dispatch gets
// after its first real failure. Retries caused by leader churn are free and
// do not count against it.
const defaultNumberOfRetries = 2

// slowOperationThreshold is how long one attempt may take before it is
// logged as slow.
const slowOperationThreshold = time.Second

// Call is everything the transport needs to aim one attempt of an operation
// at a node. The header flags travel here, per attempt, rather than on the
// descriptor, so descriptors stay immutable while retries flip the hints.
type Call struct {
	Node   *NodeDescriptor
	Method string

	// ReadBehaviorAll asks the node to serve the read even if it is not the
	// leader. Set for every request while the behavior is
	// ReadFromAllWriteToLeader.
	ReadBehaviorAll bool
	// FailoverHeader tells the node the client is knowingly dispatching
	// without a stable leader.
	FailoverHeader bool
}

// Operation is the user-supplied closure the executor dispatches. The
// executor never inspects a successful result, it only classifies errors.
type Operation func(ctx context.Context, call *Call) (interface{}, error)

// ResponseError is how operations report a non-success HTTP status. The
// executor reads the status code and the leader redirect hint off it;
// everything else is for the caller.
type ResponseError struct {
	StatusCode     int
	Status         string
	URL            string
	Location       string
	LeaderRedirect bool
	Body           string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("request to %s failed: %s", e.URL, e.Status)
}

// callResult is the structured outcome of one TryCall attempt that did not
// propagate. err is the classified, retryable failure; wasTimeout marks
// timeouts apart from plain connection failures.
type callResult struct {
	success    bool
	result     interface{}
	err        error
	wasTimeout bool
}

// Executor is the public entry point of the cluster client. It owns the
// leader cell, the membership, the failure counters and the topology
// refresher, and orchestrates them for every dispatched operation.
type Executor struct {
	conventions *conf.Conventions
	leader      *LeaderCell
	nodes       *NodeList
	failures    *FailureCounters
	router      *Router
	refresher   *Refresher
	logger      *zap.Logger
	cancel      context.CancelFunc
}

// NewExecutor creates an executor that discovers the cluster starting from
// primary. The store may be nil to run without a topology cache; a nil
// logger disables logging.
func NewExecutor(primary *NodeDescriptor, fetch FetchFunc, conventions *conf.Conventions,
	store TopologyStore, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	leader := NewLeaderCell(logger)
	nodes := NewNodeList()
	failures := NewFailureCounters()
	return &Executor{
		conventions: conventions,
		leader:      leader,
		nodes:       nodes,
		failures:    failures,
		router:      NewRouter(conventions, nodes, failures),
		refresher:   NewRefresher(ctx, primary, fetch, conventions, leader, nodes, failures, store, logger),
		logger:      logger,
		cancel:      cancel,
	}
}

// Close stops background topology refreshes. In-flight requests keep their
// own contexts and are not interrupted.
func (e *Executor) Close() {
	e.cancel()
}

// Execute dispatches an operation to the cluster, discovering topology and
// failing over as the configured behavior allows. It retries after node
// failures up to the retry budget; retries forced by leader churn are free.
func (e *Executor) Execute(ctx context.Context, method string, op Operation) (interface{}, error) {
	start := time.Now()
	result, err := e.execute(ctx, method, op, defaultNumberOfRetries, false)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	requestsTotal.WithLabelValues(method, outcome).Inc()
	requestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	return result, err
}

func (e *Executor) execute(ctx context.Context, method string, op Operation, retriesLeft int, failoverHeader bool) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelledError(err)
	}
	behavior := e.conventions.FailoverBehavior()
	node := e.leader.Get()
	if node == nil {
		e.refresher.RequestRefresh(failoverHeader)
		if _, err := e.leader.AwaitLeader(ctx, e.conventions.WaitForLeaderTimeout); err != nil {
			if errors.HasCode(err, errors.Cancelled) {
				return nil, err
			}
			// No leader emerged in time. Behaviors with failovers go on and
			// walk the membership instead; the rest give up here.
			if !behavior.ToleratesNoLeader() {
				return nil, err
			}
		}
		node = e.leader.Get()
	}
	target, decision := e.router.route(node, method)
	switch decision {
	case routeFailoverWalk:
		return e.handleWithFailovers(ctx, method, op)
	case routeNoLeader:
		return nil, errors.NewNoStableLeaderError(e.conventions.WaitForLeaderTimeout)
	}
	res, err := e.tryCall(ctx, target, method, op, failoverHeader, false)
	if err != nil {
		return nil, err
	}
	if res.success {
		return res.result, nil
	}
	if !e.leader.CompareAndClear(target) {
		// Leadership rotated while we were talking to the old node. Retry
		// against whatever is installed now without consuming the budget.
		e.logger.Debug("retrying after leader churn", zap.String("node", target.URL()))
		requestRetries.Inc()
		return e.execute(ctx, method, op, retriesLeft, failoverHeader)
	}
	e.failures.Increment(target.URL())
	if behavior == conf.ReadFromAllWriteToLeaderWithFailovers ||
		behavior == conf.ReadFromLeaderWriteToLeaderWithFailovers {
		failoverHeader = true
	}
	if retriesLeft <= 0 {
		return nil, errors.NewClusterUnreachableError("Out of retries, aborting.", res.err)
	}
	e.logger.Debug("retrying after node failure",
		zap.String("node", target.URL()),
		zap.Bool("timeout", res.wasTimeout),
		zap.Int("retries_left", retriesLeft-1))
	requestRetries.Inc()
	return e.execute(ctx, method, op, retriesLeft-1, failoverHeader)
}

// handleWithFailovers walks the membership in order when no leader is known,
// trying every node that has not recently failed. The last node is tried
// without error suppression so a non-retryable failure from it surfaces
// as-is.
func (e *Executor) handleWithFailovers(ctx context.Context, method string, op Operation) (interface{}, error) {
	failoverWalks.Inc()
	nodes := e.nodes.Get()
	var lastErr error
	for i, node := range nodes {
		if !e.failures.Eligible(node.URL()) {
			continue
		}
		moreNodes := i+1 < len(nodes)
		res, err := e.tryCall(ctx, node, method, op, true, moreNodes)
		if err != nil {
			return nil, err
		}
		if res.success {
			return res.result, nil
		}
		e.failures.Increment(node.URL())
		lastErr = res.err
	}
	return nil, errors.NewClusterUnreachableError("Executing operation on any of the nodes failed, aborting.", lastErr)
}

// tryCall runs one attempt against one node and classifies the outcome.
// Retryable failures (unreachable node, timeout, 417) come back as a
// callResult; non-retryable errors propagate unless avoidThrowing is set,
// which the failover walk uses while it still has nodes left to try.
func (e *Executor) tryCall(ctx context.Context, node *NodeDescriptor, method string, op Operation,
	failoverHeader, avoidThrowing bool) (callResult, error) {
	if err := ctx.Err(); err != nil {
		return callResult{}, errors.NewCancelledError(err)
	}
	call := &Call{
		Node:            node,
		Method:          method,
		ReadBehaviorAll: e.conventions.FailoverBehavior() == conf.ReadFromAllWriteToLeader,
		FailoverHeader:  failoverHeader,
	}
	start := time.Now()
	result, err := op(ctx, call)
	if took := time.Since(start); took > slowOperationThreshold {
		e.logger.Warn("slow operation",
			zap.String("node", node.URL()), zap.String("method", method), zap.Duration("took", took))
	}
	if err == nil {
		e.failures.Reset(node.URL())
		return callResult{success: true, result: result}, nil
	}
	if errors.Is(err, context.Canceled) {
		return callResult{}, errors.NewCancelledError(err)
	}
	var respErr *ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusFound:
			return e.followRedirect(ctx, node, respErr, method, op, failoverHeader, avoidThrowing)
		case http.StatusExpectationFailed:
			return callResult{err: err}, nil
		}
		if avoidThrowing {
			return callResult{err: err}, nil
		}
		return callResult{}, err
	}
	if down, wasTimeout := isServerDown(err); down {
		if wasTimeout {
			requestTimeouts.Inc()
		}
		e.logger.Debug("node unreachable",
			zap.String("node", node.URL()), zap.Bool("timeout", wasTimeout), zap.Error(err))
		return callResult{err: err, wasTimeout: wasTimeout}, nil
	}
	if avoidThrowing {
		return callResult{err: err}, nil
	}
	return callResult{}, err
}

// followRedirect handles a 302 from a node that knows who the leader is. The
// redirect target becomes the known leader and the attempt is replayed
// against it. A 302 without the leader hint is treated as fatal rather than
// silently following what may be a proxy.
func (e *Executor) followRedirect(ctx context.Context, node *NodeDescriptor, respErr *ResponseError,
	method string, op Operation, failoverHeader, avoidThrowing bool) (callResult, error) {
	if !respErr.LeaderRedirect || respErr.Location == "" {
		err := errors.NewBadRedirectError(respErr.Location)
		if avoidThrowing {
			return callResult{err: err}, nil
		}
		return callResult{}, err
	}
	target := e.nodes.FindByURL(respErr.Location)
	if target == nil {
		target = nodeFromURL(respErr.Location, node.Credentials()).WithClusterInfo(ClusterInfo{IsLeader: true})
	}
	e.logger.Info("following leader redirect",
		zap.String("from", node.URL()), zap.String("to", target.URL()))
	e.leader.SetKnownLeader(target)
	return e.tryCall(ctx, target, method, op, failoverHeader, avoidThrowing)
}

// isServerDown classifies transport-level failures that mean the node never
// produced a response: refused or reset connections, DNS failures, and
// timeouts of any kind.
func isServerDown(err error) (down bool, wasTimeout bool) {
	if errors.Is(err, context.DeadlineExceeded) {
		return true, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true, netErr.Timeout()
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EHOSTUNREACH) {
		return true, false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true, false
	}
	return false, false
}

// Leader returns the currently believed leader, or nil.
func (e *Executor) Leader() *NodeDescriptor {
	return e.leader.Get()
}

// Nodes returns the current membership snapshot.
func (e *Executor) Nodes() []*NodeDescriptor {
	return e.nodes.Get()
}

// FailureCounts returns the non-zero failure counters by node URL.
func (e *Executor) FailureCounts() map[string]int64 {
	return e.failures.Snapshot()
}

// ReadStripingBase returns the striping base without advancing it.
func (e *Executor) ReadStripingBase() int32 {
	return e.router.GetReadStripingBase(false)
}

// ForceReadFromMaster pins striped reads to the leader until the returned
// release func runs.
func (e *Executor) ForceReadFromMaster() func() {
	return e.router.ForceReadFromMaster()
}

// RequestTopologyRefresh triggers a topology refresh and returns its handle,
// or the handle of the refresh already in flight. A nil handle means the
// request was throttled.
func (e *Executor) RequestTopologyRefresh(force bool) *Refresh {
	return e.refresher.RequestRefresh(force)
}
