package cluster

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/squareup/corax/errors"
	"go.uber.org/zap"
)

// LeaderCell holds the node currently believed to be the cluster leader,
// paired with a latch callers can wait on until some leader is installed.
// The latch is set exactly while the cell is non-nil; both transition
// together under the cell's mutex. Reads never take the mutex.
//
// The three conditional primitives (SetKnownLeader, CompareAndClear,
// SetIfNil) are the only ways leadership transitions happen, which makes
// concurrent transitions linearizable with respect to request dispatch.
type LeaderCell struct {
	mu      sync.Mutex
	current atomic.Value // *NodeDescriptor, typed nil when no leader
	latch   chan struct{}
	logger  *zap.Logger
}

func NewLeaderCell(logger *zap.Logger) *LeaderCell {
	c := &LeaderCell{
		latch:  make(chan struct{}),
		logger: logger,
	}
	c.current.Store((*NodeDescriptor)(nil))
	return c
}

// Get returns the current leader or nil. It never blocks.
func (c *LeaderCell) Get() *NodeDescriptor {
	node, _ := c.current.Load().(*NodeDescriptor)
	return node
}

// SetKnownLeader installs node as the leader and raises the latch. A nil
// node is a no-op.
func (c *LeaderCell) SetKnownLeader(node *NodeDescriptor) {
	if node == nil {
		c.logger.Warn("ignoring attempt to install nil leader")
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current.Store(node)
	c.raiseLatchLocked()
	leaderChanges.Inc()
}

// SetIfNil installs node only when no leader is currently known. When
// raiseLatch is false the node is installed without declaring stable
// leadership, so waiters keep blocking. Returns whether the install
// happened.
func (c *LeaderCell) SetIfNil(node *NodeDescriptor, raiseLatch bool) bool {
	if node == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Get() != nil {
		return false
	}
	c.current.Store(node)
	if raiseLatch {
		c.raiseLatchLocked()
		leaderChanges.Inc()
	}
	return true
}

// CompareAndClear clears the cell only if it still holds prev. It also
// returns true when the cell is already empty, so a caller that observed
// prev and lost a race with another clear does not treat it as churn. It
// returns false only when a different leader has been installed since.
func (c *LeaderCell) CompareAndClear(prev *NodeDescriptor) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.Get()
	if cur == nil {
		return true
	}
	if prev == nil || !cur.Equals(prev) {
		return false
	}
	c.current.Store((*NodeDescriptor)(nil))
	c.resetLatchLocked()
	return true
}

// ForceClear unconditionally empties the cell and resets the latch. Only the
// topology refresher uses it, when a cached topology turns out to have no
// leader.
func (c *LeaderCell) ForceClear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Get() == nil {
		return
	}
	c.current.Store((*NodeDescriptor)(nil))
	c.resetLatchLocked()
}

// AwaitLeader blocks until a leader is installed, the timeout elapses, or
// ctx is cancelled. The timeout yields a NoStableLeader error, cancellation
// a Cancelled error.
func (c *LeaderCell) AwaitLeader(ctx context.Context, timeout time.Duration) (*NodeDescriptor, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		c.mu.Lock()
		node := c.Get()
		latch := c.latch
		c.mu.Unlock()
		if node != nil {
			return node, nil
		}
		select {
		case <-ctx.Done():
			return nil, errors.NewCancelledError(ctx.Err())
		case <-timer.C:
			return nil, errors.NewNoStableLeaderError(timeout)
		case <-latch:
			// The latch was raised; loop to re-read the cell. It may have
			// been cleared and re-armed in between, in which case we go
			// back to waiting on the new latch.
		}
	}
}

func (c *LeaderCell) raiseLatchLocked() {
	select {
	case <-c.latch:
	default:
		close(c.latch)
	}
}

func (c *LeaderCell) resetLatchLocked() {
	select {
	case <-c.latch:
		c.latch = make(chan struct{})
	default:
	}
}
