package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/squareup/corax/conf"
	"go.uber.org/zap"
)

// FetchFunc asks one node for its view of the cluster topology. It must
// honor the context deadline; probe failures are reported as errors and are
// never fatal to the refresh.
type FetchFunc func(ctx context.Context, node *NodeDescriptor) (*TopologyDocument, error)

// Refresh is the handle to an in-flight topology refresh. Concurrent
// requesters share the same handle.
type Refresh struct {
	ID   string
	done chan struct{}
}

// Done is closed when the refresh has resolved, whether or not it found a
// leader.
func (r *Refresh) Done() <-chan struct{} {
	return r.done
}

// Refresher discovers the cluster topology. At most one refresh runs per
// instance at any time; requesters while one is in flight join it. The very
// first request also consults the topology store synchronously so a fresh
// client can route before any probe answers.
type Refresher struct {
	mu         sync.Mutex
	inFlight   *Refresh
	firstTime  bool
	lastUpdate time.Time

	ctx         context.Context
	primary     *NodeDescriptor
	fetch       FetchFunc
	conventions *conf.Conventions
	leader      *LeaderCell
	nodes       *NodeList
	failures    *FailureCounters
	store       TopologyStore
	serverHash  uint64
	logger      *zap.Logger
	now         func() time.Time
}

// NewRefresher creates a refresher probing from primary. The store may be
// nil, in which case bootstrap and persistence are skipped. Background work
// stops when ctx is cancelled.
func NewRefresher(ctx context.Context, primary *NodeDescriptor, fetch FetchFunc, conventions *conf.Conventions,
	leader *LeaderCell, nodes *NodeList, failures *FailureCounters, store TopologyStore, logger *zap.Logger) *Refresher {
	return &Refresher{
		firstTime:   true,
		ctx:         ctx,
		primary:     primary,
		fetch:       fetch,
		conventions: conventions,
		leader:      leader,
		nodes:       nodes,
		failures:    failures,
		store:       store,
		serverHash:  ServerHash(primary.ServerURL(), primary.Database()),
		logger:      logger,
		now:         time.Now,
	}
}

// RequestRefresh starts a refresh or returns the one already in flight.
// Unforced requests are throttled while a leader is known and the last
// refresh is recent; a nil handle means the request was a no-op.
func (r *Refresher) RequestRefresh(force bool) *Refresh {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight != nil {
		return r.inFlight
	}
	first := r.firstTime
	r.firstTime = false
	if first {
		r.bootstrapFromCacheLocked()
	}
	if !force && !first && r.throttledLocked() {
		return nil
	}
	refresh := &Refresh{
		ID:   uuid.New().String(),
		done: make(chan struct{}),
	}
	r.inFlight = refresh
	go r.run(refresh)
	return refresh
}

func (r *Refresher) throttledLocked() bool {
	throttle := r.conventions.TopologyRefreshThrottle
	if throttle <= 0 || r.leader.Get() == nil {
		return false
	}
	return r.now().Sub(r.lastUpdate) < throttle
}

// bootstrapFromCacheLocked installs the persisted membership, if any. A
// cached leader raises the latch right away; a cached topology without one
// clears any stale leader so callers wait for the network refresh.
func (r *Refresher) bootstrapFromCacheLocked() {
	if r.store == nil {
		return
	}
	nodes, err := r.store.Load(r.serverHash)
	if err != nil {
		r.logger.Warn("failed to load cached topology", zap.Error(err))
		return
	}
	if len(nodes) == 0 {
		return
	}
	r.nodes.Set(nodes)
	var cachedLeader *NodeDescriptor
	for _, node := range nodes {
		if node.IsLeader() {
			cachedLeader = node
			break
		}
	}
	if cachedLeader != nil {
		r.leader.SetKnownLeader(cachedLeader)
	} else {
		r.leader.ForceClear()
	}
	r.logger.Info("bootstrapped topology from cache",
		zap.Int("nodes", len(nodes)), zap.Bool("has_leader", cachedLeader != nil))
}

func (r *Refresher) run(refresh *Refresh) {
	defer func() {
		r.mu.Lock()
		r.inFlight = nil
		r.lastUpdate = r.now()
		r.mu.Unlock()
		close(refresh.done)
	}()
	logger := r.logger.With(zap.String("refresh_id", refresh.ID))
	failoverMode := false
	failoverTried := false
	for {
		if r.ctx.Err() != nil {
			topologyRefreshes.WithLabelValues("cancelled").Inc()
			return
		}
		prevLeader := r.leader.Get()
		probes := r.probeSet(failoverMode)
		if failoverMode {
			failoverTried = true
		}
		docs := r.fanOut(probes, logger)
		for i, doc := range docs {
			if doc != nil {
				r.failures.Reset(probes[i].URL())
			}
		}
		winner := selectWinner(docs)
		if winner == -1 {
			if !failoverTried && len(r.conventions.FailoverServers) > 0 {
				logger.Info("no node returned a topology, probing failover servers")
				failoverMode = true
				continue
			}
			r.promotePrimary(logger)
			return
		}
		winnerNode, winnerDoc := probes[winner], docs[winner]
		if err := r.conventions.UpdateFrom(winnerDoc.ClientConfiguration); err != nil {
			logger.Warn("ignoring invalid client configuration from server", zap.Error(err))
		}
		newNodes := buildNodeList(winnerNode, winnerDoc)
		r.nodes.Set(newNodes)
		r.persist(newNodes, logger)
		logger.Info("installed topology",
			zap.String("from", winnerNode.URL()),
			zap.Int64("term", winnerDoc.Term),
			zap.Int64("commit_index", winnerDoc.ClusterCommitIndex),
			zap.Bool("is_leader", winnerDoc.ClusterInfo.IsLeader),
			zap.Int("nodes", len(newNodes)))
		if winnerDoc.ClusterInfo.IsLeader {
			// The winner sits first in the list it produced.
			r.leader.SetKnownLeader(newNodes[0])
			topologyRefreshes.WithLabelValues("leader_installed").Inc()
			return
		}
		// The freshest answer came from a follower. Drop the leader we
		// started from unless some other path has already replaced it, then
		// back off and probe again until a leader emerges.
		if !r.leader.CompareAndClear(prevLeader) {
			topologyRefreshes.WithLabelValues("superseded").Inc()
			return
		}
		select {
		case <-time.After(r.conventions.TopologyRetryBackoff):
		case <-r.ctx.Done():
			topologyRefreshes.WithLabelValues("cancelled").Inc()
			return
		}
	}
}

// probeSet picks which nodes to ask this round: the known membership (or
// just the primary) normally, the primary plus the configured failover
// servers once the membership has been exhausted.
func (r *Refresher) probeSet(failoverMode bool) []*NodeDescriptor {
	if !failoverMode {
		if nodes := r.nodes.Get(); len(nodes) > 0 {
			return nodes
		}
		return []*NodeDescriptor{r.primary}
	}
	probes := []*NodeDescriptor{r.primary}
	seen := map[string]struct{}{r.primary.URL(): {}}
	for _, node := range convertFailoverServers(r.conventions.FailoverServers) {
		if _, ok := seen[node.URL()]; ok {
			continue
		}
		seen[node.URL()] = struct{}{}
		probes = append(probes, node)
	}
	return probes
}

// fanOut asks every probe node concurrently, bounded by the topology
// timeout. The result slice is positional so ties in freshness resolve in
// probe order.
func (r *Refresher) fanOut(probes []*NodeDescriptor, logger *zap.Logger) []*TopologyDocument {
	ctx, cancel := context.WithTimeout(r.ctx, r.conventions.ReplicationDestinationsTopologyTimeout)
	defer cancel()
	docs := make([]*TopologyDocument, len(probes))
	var wg sync.WaitGroup
	for i, node := range probes {
		wg.Add(1)
		go func(i int, node *NodeDescriptor) {
			defer wg.Done()
			doc, err := r.fetch(ctx, node)
			if err != nil {
				logger.Debug("topology probe failed", zap.String("node", node.URL()), zap.Error(err))
				return
			}
			docs[i] = doc
		}(i, node)
	}
	wg.Wait()
	return docs
}

// promotePrimary is the last resort when no probe produced a topology: keep
// at least the primary in the membership and, unless disabled, install it as
// leader so strict callers are not stuck waiting for an election that will
// never be observed.
func (r *Refresher) promotePrimary(logger *zap.Logger) {
	if len(r.nodes.Get()) == 0 {
		r.nodes.Set([]*NodeDescriptor{r.primary})
	}
	if !r.conventions.PromotePrimaryWhenNoTopology {
		logger.Warn("no node returned a topology and primary promotion is disabled")
		topologyRefreshes.WithLabelValues("no_topology").Inc()
		return
	}
	if r.leader.SetIfNil(r.primary, true) {
		logger.Warn("no node returned a topology, promoting primary to leader",
			zap.String("node", r.primary.URL()))
	}
	topologyRefreshes.WithLabelValues("primary_promoted").Inc()
}

func (r *Refresher) persist(nodes []*NodeDescriptor, logger *zap.Logger) {
	if r.store == nil {
		return
	}
	if err := r.store.Save(r.serverHash, nodes); err != nil {
		logger.Warn("failed to persist topology", zap.Error(err))
	}
}
