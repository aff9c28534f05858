package cluster

import (
	"net/http"
	"sync"

	"github.com/squareup/corax/conf"
	uatomic "go.uber.org/atomic"
)

// forcedToMaster is the striping base value that pins every read to the
// leader.
const forcedToMaster = -1

type routeDecision int

const (
	// routeDispatch means a target node was chosen.
	routeDispatch routeDecision = iota
	// routeFailoverWalk means no leader is known and the policy allows
	// walking the membership instead.
	routeFailoverWalk
	// routeNoLeader means no leader is known and the policy does not permit
	// dispatch without one.
	routeNoLeader
)

// Router picks the node an operation is sent to, given the current leader,
// the request method and the failover behavior.
type Router struct {
	conventions  *conf.Conventions
	nodes        *NodeList
	failures     *FailureCounters
	stripingBase uatomic.Int32
}

func NewRouter(conventions *conf.Conventions, nodes *NodeList, failures *FailureCounters) *Router {
	return &Router{
		conventions: conventions,
		nodes:       nodes,
		failures:    failures,
	}
}

// GetReadStripingBase returns the striping base, atomically incrementing it
// first when increment is set. A forced base is returned as is and never
// incremented, otherwise a force-master scope could be silently undone by a
// concurrent read.
func (r *Router) GetReadStripingBase(increment bool) int32 {
	for {
		base := r.stripingBase.Load()
		if base == forcedToMaster || !increment {
			return base
		}
		if r.stripingBase.CAS(base, base+1) {
			return base + 1
		}
	}
}

// ForceReadFromMaster pins striped reads to the leader until the returned
// release func runs. The release is idempotent and restores the base that
// was current at acquisition, so scopes must be released in reverse order.
func (r *Router) ForceReadFromMaster() func() {
	prev := r.stripingBase.Swap(forcedToMaster)
	var once sync.Once
	return func() {
		once.Do(func() {
			r.stripingBase.Store(prev)
		})
	}
}

func (r *Router) route(leader *NodeDescriptor, method string) (*NodeDescriptor, routeDecision) {
	behavior := r.conventions.FailoverBehavior()
	switch behavior {
	case conf.ReadFromAllWriteToLeader, conf.ReadFromAllWriteToLeaderWithFailovers:
		if leader == nil {
			if behavior.ToleratesNoLeader() {
				return nil, routeFailoverWalk
			}
			return nil, routeNoLeader
		}
		if method == http.MethodGet {
			return r.readNode(leader), routeDispatch
		}
		return leader, routeDispatch
	case conf.ReadFromLeaderWriteToLeaderWithFailovers:
		if leader == nil {
			return nil, routeFailoverWalk
		}
		return leader, routeDispatch
	default:
		if leader == nil {
			return nil, routeNoLeader
		}
		return leader, routeDispatch
	}
}

// readNode picks the striped read target. The stripe falls back to the
// leader when it lands on a node that recently failed or when the membership
// is empty.
func (r *Router) readNode(leader *NodeDescriptor) *NodeDescriptor {
	base := r.GetReadStripingBase(true)
	if base == forcedToMaster {
		return leader
	}
	nodes := r.nodes.Get()
	if len(nodes) == 0 {
		return leader
	}
	idx := int(base) % len(nodes)
	if idx < 0 {
		idx += len(nodes)
	}
	candidate := nodes[idx]
	if r.failures.Eligible(candidate.URL()) {
		return candidate
	}
	return leader
}
