package cluster

import (
	"context"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/squareup/corax/conf"
	"github.com/squareup/corax/errors"
	"github.com/squareup/corax/internal/testutil"
	uatomic "go.uber.org/atomic"
	"go.uber.org/zap"
)

// Conventions with timeouts short enough for tests but long enough that a
// refresh that is expected to succeed always beats the leader wait.
func testConventions() *conf.Conventions {
	conventions := conf.NewDefaultConventions()
	conventions.WaitForLeaderTimeout = 2 * time.Second
	conventions.ReplicationDestinationsTopologyTimeout = 500 * time.Millisecond
	conventions.TopologyRetryBackoff = 10 * time.Millisecond
	conventions.TopologyRefreshThrottle = 0
	return conventions
}

func testNode(url string) *NodeDescriptor {
	return NewNode(url, Credentials{})
}

func serverDownErr() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
}

// failingFetch never returns a topology and counts how often it was asked.
type failingFetch struct {
	calls uatomic.Int64
}

func (f *failingFetch) fetch(ctx context.Context, node *NodeDescriptor) (*TopologyDocument, error) {
	f.calls.Inc()
	return nil, serverDownErr()
}

// scriptedFetch serves canned topology documents by node URL. Nodes with no
// document behave as unreachable.
type scriptedFetch struct {
	mu    sync.Mutex
	docs  map[string]*TopologyDocument
	calls map[string]int
}

func newScriptedFetch() *scriptedFetch {
	return &scriptedFetch{docs: map[string]*TopologyDocument{}, calls: map[string]int{}}
}

func (f *scriptedFetch) set(url string, doc *TopologyDocument) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[url] = doc
}

func (f *scriptedFetch) fetch(ctx context.Context, node *NodeDescriptor) (*TopologyDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[node.URL()]++
	doc, ok := f.docs[node.URL()]
	if !ok {
		return nil, serverDownErr()
	}
	return doc, nil
}

func (f *scriptedFetch) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func leaderDoc(term int64, commitIndex int64, destinations ...ReplicationDestination) *TopologyDocument {
	return &TopologyDocument{
		Term:               term,
		ClusterCommitIndex: commitIndex,
		ClusterInfo:        ClusterInfo{IsLeader: true},
		Destinations:       destinations,
	}
}

func followerDoc(term int64, commitIndex int64, destinations ...ReplicationDestination) *TopologyDocument {
	return &TopologyDocument{
		Term:               term,
		ClusterCommitIndex: commitIndex,
		Destinations:       destinations,
	}
}

func dest(url string) ReplicationDestination {
	return ReplicationDestination{URL: url, CanBeFailover: true}
}

// fakeStore is an in-memory TopologyStore recording saves.
type fakeStore struct {
	mu      sync.Mutex
	nodes   map[uint64][]*NodeDescriptor
	loadErr error
	saveErr error
	saves   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{nodes: map[uint64][]*NodeDescriptor{}}
}

func (s *fakeStore) Load(serverHash uint64) ([]*NodeDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return s.nodes[serverHash], nil
}

func (s *fakeStore) Save(serverHash uint64, nodes []*NodeDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.nodes[serverHash] = nodes
	s.saves++
	return nil
}

func (s *fakeStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *fakeStore) saved(serverHash uint64) []*NodeDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodes[serverHash]
}

// scriptedOp dispenses canned results per node URL in FIFO order and records
// every call it receives.
type scriptedOp struct {
	mu      sync.Mutex
	results map[string][]opResult
	calls   []*Call
}

type opResult struct {
	value interface{}
	err   error
}

func newScriptedOp() *scriptedOp {
	return &scriptedOp{results: map[string][]opResult{}}
}

func (s *scriptedOp) succeed(url string, value interface{}) {
	s.push(url, opResult{value: value})
}

func (s *scriptedOp) fail(url string, err error) {
	s.push(url, opResult{err: err})
}

func (s *scriptedOp) push(url string, result opResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[url] = append(s.results[url], result)
}

func (s *scriptedOp) op(ctx context.Context, call *Call) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	queue := s.results[call.Node.URL()]
	if len(queue) == 0 {
		return nil, errors.Errorf("unexpected call to %s", call.Node.URL())
	}
	head := queue[0]
	s.results[call.Node.URL()] = queue[1:]
	return head.value, head.err
}

func (s *scriptedOp) recordedCalls() []*Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	calls := make([]*Call, len(s.calls))
	copy(calls, s.calls)
	return calls
}

func (s *scriptedOp) calledURLs() []string {
	urls := []string{}
	for _, call := range s.recordedCalls() {
		urls = append(urls, call.Node.URL())
	}
	return urls
}

func waitDone(t *testing.T, refresh *Refresh) {
	t.Helper()
	testutil.WaitUntil(t, func() (bool, error) {
		select {
		case <-refresh.Done():
			return true, nil
		default:
			return false, nil
		}
	})
}

func testLogger() *zap.Logger {
	return zap.NewNop()
}
