package cluster

import (
	"strings"

	"github.com/squareup/corax/conf"
	"github.com/twmb/murmur3"
)

// ReplicationDestination is one replication target listed in a topology
// document, as a node reports it on the wire.
type ReplicationDestination struct {
	URL              string      `json:"Url"`
	ClientVisibleURL string      `json:"ClientVisibleUrl,omitempty"`
	Database         string      `json:"Database,omitempty"`
	APIKey           string      `json:"ApiKey,omitempty"`
	CanBeFailover    bool        `json:"CanBeFailover,omitempty"`
	ClusterInfo      ClusterInfo `json:"ClusterInformation,omitempty"`
}

// TopologyDocument is a node's answer to "what is the cluster topology?".
// Term and ClusterCommitIndex order documents by freshness.
type TopologyDocument struct {
	Term                int64                     `json:"Term"`
	ClusterCommitIndex  int64                     `json:"ClusterCommitIndex"`
	ClusterInfo         ClusterInfo               `json:"ClusterInformation"`
	Destinations        []ReplicationDestination  `json:"Destinations,omitempty"`
	ClientConfiguration *conf.ClientConfiguration `json:"ClientConfiguration,omitempty"`
}

// freshness is the sort key for picking the newest topology. A document from
// the leader itself outranks one with the same term and commit index coming
// from a follower.
func (d *TopologyDocument) freshness() (int64, int64) {
	progress := d.ClusterCommitIndex
	if d.ClusterInfo.IsLeader {
		progress++
	}
	return d.Term, progress
}

func fresherThan(a, b *TopologyDocument) bool {
	aTerm, aProgress := a.freshness()
	bTerm, bProgress := b.freshness()
	if aTerm != bTerm {
		return aTerm > bTerm
	}
	return aProgress > bProgress
}

// selectWinner picks the freshest document. Ties keep the earliest candidate,
// so the probe order decides between equally fresh answers. Returns -1 when
// no candidate is non-nil.
func selectWinner(docs []*TopologyDocument) int {
	winner := -1
	for i, doc := range docs {
		if doc == nil {
			continue
		}
		if winner == -1 || fresherThan(doc, docs[winner]) {
			winner = i
		}
	}
	return winner
}

// convertDestinations turns the replication destinations of a topology
// document into node descriptors. Destinations that cannot serve as failover
// targets, or that have no usable URL, are dropped. The client visible URL
// wins over the internal one.
func convertDestinations(destinations []ReplicationDestination) []*NodeDescriptor {
	nodes := make([]*NodeDescriptor, 0, len(destinations))
	for _, dest := range destinations {
		rawURL := dest.ClientVisibleURL
		if rawURL == "" {
			rawURL = dest.URL
		}
		if rawURL == "" || !dest.CanBeFailover {
			continue
		}
		var node *NodeDescriptor
		if dest.Database != "" {
			node = NewNode(RootDatabaseURL(rawURL), Credentials{APIKey: dest.APIKey}).ForDatabase(dest.Database)
		} else {
			node = NewNode(rawURL, Credentials{APIKey: dest.APIKey})
		}
		nodes = append(nodes, node.WithClusterInfo(dest.ClusterInfo))
	}
	return nodes
}

// convertFailoverServers builds probe descriptors from the statically
// configured failover servers. The URL may already be database-scoped; an
// explicit Database only applies when it is not.
func convertFailoverServers(servers []conf.FailoverServer) []*NodeDescriptor {
	nodes := make([]*NodeDescriptor, 0, len(servers))
	for _, fs := range servers {
		if fs.URL == "" {
			continue
		}
		node := nodeFromURL(fs.URL, Credentials{APIKey: fs.APIKey})
		if fs.Database != "" && node.Database() == "" {
			node = node.ForDatabase(fs.Database)
		}
		nodes = append(nodes, node)
	}
	return nodes
}

// buildNodeList assembles the new membership from a winning probe: the
// winner first, carrying the cluster info it reported about itself, then the
// converted destinations, deduplicated by endpoint URL.
func buildNodeList(winner *NodeDescriptor, doc *TopologyDocument) []*NodeDescriptor {
	nodes := []*NodeDescriptor{winner.WithClusterInfo(doc.ClusterInfo)}
	seen := map[string]struct{}{winner.URL(): {}}
	for _, node := range convertDestinations(doc.Destinations) {
		if _, ok := seen[node.URL()]; ok {
			continue
		}
		seen[node.URL()] = struct{}{}
		nodes = append(nodes, node)
	}
	return nodes
}

// TopologyStore persists the last observed membership per primary server so
// a fresh client can route before its first probe completes. Load returns
// (nil, nil) when nothing is stored. Implementations are best-effort, the
// refresher logs and carries on when they fail.
type TopologyStore interface {
	Load(serverHash uint64) ([]*NodeDescriptor, error)
	Save(serverHash uint64, nodes []*NodeDescriptor) error
}

// ServerHash derives the stable key that namespaces cached topology for a
// primary server and database pair.
func ServerHash(serverURL, database string) uint64 {
	key := strings.ToLower(strings.TrimRight(serverURL, "/")) + "\x00" + strings.ToLower(database)
	return murmur3.Sum64([]byte(key))
}
