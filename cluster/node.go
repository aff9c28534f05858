package cluster

import (
	"encoding/json"
	"strings"

	uatomic "go.uber.org/atomic"
)

// Credentials is the opaque authentication handle attached to every node.
// The executor never inspects it, it only passes it through to the transport.
type Credentials struct {
	APIKey string
}

// ClusterInfo is the cluster metadata a node reported about itself.
type ClusterInfo struct {
	IsLeader bool `json:"IsLeader"`
}

// NodeDescriptor is one addressable cluster member, optionally scoped to a
// database. Descriptors are immutable once created. Deriving a different
// endpoint returns a new descriptor, so a descriptor read from the leader
// cell or the node list can be used without locking.
type NodeDescriptor struct {
	url         string
	database    string
	credentials Credentials
	clusterInfo ClusterInfo
}

// NewNode creates a descriptor for the root database of a server.
func NewNode(serverURL string, credentials Credentials) *NodeDescriptor {
	return &NodeDescriptor{
		url:         strings.TrimRight(serverURL, "/"),
		credentials: credentials,
	}
}

// ForDatabase derives a descriptor addressing a named database on the same
// server with the same credentials.
func (n *NodeDescriptor) ForDatabase(database string) *NodeDescriptor {
	copied := *n
	copied.database = database
	return &copied
}

// WithClusterInfo derives a descriptor carrying the given cluster metadata.
func (n *NodeDescriptor) WithClusterInfo(info ClusterInfo) *NodeDescriptor {
	copied := *n
	copied.clusterInfo = info
	return &copied
}

// URL returns the full endpoint URL including the database segment. It is
// the canonical identity of the node - descriptors with equal URLs address
// the same endpoint.
func (n *NodeDescriptor) URL() string {
	if n.database == "" {
		return n.url
	}
	return n.url + "/databases/" + n.database
}

// ServerURL returns the root URL of the server without any database segment.
func (n *NodeDescriptor) ServerURL() string {
	return n.url
}

func (n *NodeDescriptor) Database() string {
	return n.database
}

func (n *NodeDescriptor) Credentials() Credentials {
	return n.credentials
}

func (n *NodeDescriptor) IsLeader() bool {
	return n.clusterInfo.IsLeader
}

func (n *NodeDescriptor) Equals(other *NodeDescriptor) bool {
	if other == nil {
		return n == nil
	}
	return n.URL() == other.URL()
}

func (n *NodeDescriptor) String() string {
	return n.URL()
}

// RootDatabaseURL strips a database segment from a URL, giving the root URL
// of the server it addresses.
func RootDatabaseURL(rawURL string) string {
	rawURL = strings.TrimRight(rawURL, "/")
	if i := strings.Index(rawURL, "/databases/"); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}

type nodeJSON struct {
	URL      string `json:"Url"`
	Database string `json:"Database,omitempty"`
	APIKey   string `json:"ApiKey,omitempty"`
	IsLeader bool   `json:"IsLeader,omitempty"`
}

// MarshalJSON lets node lists round-trip through the topology cache with the
// attributes the executor reads.
func (n *NodeDescriptor) MarshalJSON() ([]byte, error) {
	return json.Marshal(nodeJSON{
		URL:      n.url,
		Database: n.database,
		APIKey:   n.credentials.APIKey,
		IsLeader: n.clusterInfo.IsLeader,
	})
}

func (n *NodeDescriptor) UnmarshalJSON(b []byte) error {
	var nj nodeJSON
	if err := json.Unmarshal(b, &nj); err != nil {
		return err
	}
	n.url = strings.TrimRight(nj.URL, "/")
	n.database = nj.Database
	n.credentials = Credentials{APIKey: nj.APIKey}
	n.clusterInfo = ClusterInfo{IsLeader: nj.IsLeader}
	return nil
}

// NodeList holds the currently known cluster membership. The slice is
// replaced as a whole on topology refresh, readers always see a consistent
// snapshot and must not mutate it.
type NodeList struct {
	nodes uatomic.Value
}

func NewNodeList() *NodeList {
	l := &NodeList{}
	l.nodes.Store([]*NodeDescriptor{})
	return l
}

// Get returns the current membership snapshot.
func (l *NodeList) Get() []*NodeDescriptor {
	return l.nodes.Load().([]*NodeDescriptor)
}

// Set atomically replaces the membership.
func (l *NodeList) Set(nodes []*NodeDescriptor) {
	if nodes == nil {
		nodes = []*NodeDescriptor{}
	}
	l.nodes.Store(nodes)
}

func (l *NodeList) Len() int {
	return len(l.Get())
}

// FindByURL returns the first node whose endpoint URL matches, or nil.
func (l *NodeList) FindByURL(rawURL string) *NodeDescriptor {
	target := strings.TrimRight(rawURL, "/")
	for _, node := range l.Get() {
		if node.URL() == target {
			return node
		}
	}
	return nil
}

// nodeFromURL builds a descriptor from a full endpoint URL, splitting out
// the database segment if one is present.
func nodeFromURL(rawURL string, credentials Credentials) *NodeDescriptor {
	node := NewNode(RootDatabaseURL(rawURL), credentials)
	trimmed := strings.TrimRight(rawURL, "/")
	if i := strings.Index(trimmed, "/databases/"); i >= 0 {
		if db := trimmed[i+len("/databases/"):]; db != "" {
			node = node.ForDatabase(db)
		}
	}
	return node
}
