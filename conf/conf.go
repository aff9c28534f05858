package conf

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/squareup/corax/errors"
	uatomic "go.uber.org/atomic"
)

const (
	DefaultWaitForLeaderTimeout                   = 5 * time.Second
	DefaultReplicationDestinationsTopologyTimeout = 2 * time.Second
	DefaultTopologyRetryBackoff                   = 500 * time.Millisecond
	DefaultTopologyRefreshThrottle                = 5 * time.Minute
)

// FailoverBehavior governs where reads and writes go when the leader is
// unknown or unreachable.
type FailoverBehavior int32

const (
	// FailImmediately sends everything to the leader and fails fatally when
	// there is none.
	FailImmediately FailoverBehavior = iota
	ReadFromLeaderWriteToLeaderWithFailovers
	ReadFromAllWriteToLeader
	ReadFromAllWriteToLeaderWithFailovers
)

var failoverBehaviorNames = map[FailoverBehavior]string{
	FailImmediately:                          "FailImmediately",
	ReadFromLeaderWriteToLeaderWithFailovers: "ReadFromLeaderWriteToLeaderWithFailovers",
	ReadFromAllWriteToLeader:                 "ReadFromAllWriteToLeader",
	ReadFromAllWriteToLeaderWithFailovers:    "ReadFromAllWriteToLeaderWithFailovers",
}

func (f FailoverBehavior) String() string {
	if name, ok := failoverBehaviorNames[f]; ok {
		return name
	}
	return fmt.Sprintf("FailoverBehavior(%d)", int32(f))
}

// ReadsFromAll reports whether GET requests are striped across all known
// nodes rather than pinned to the leader.
func (f FailoverBehavior) ReadsFromAll() bool {
	return f == ReadFromAllWriteToLeader || f == ReadFromAllWriteToLeaderWithFailovers
}

// ToleratesNoLeader reports whether dispatch may proceed without a known
// leader by walking the failover candidates.
func (f FailoverBehavior) ToleratesNoLeader() bool {
	return f == ReadFromAllWriteToLeaderWithFailovers || f == ReadFromLeaderWriteToLeaderWithFailovers
}

// ParseFailoverBehavior converts the symbolic name used in config files and
// in the server-pushed client configuration.
func ParseFailoverBehavior(s string) (FailoverBehavior, error) {
	for behavior, name := range failoverBehaviorNames {
		if strings.EqualFold(s, name) {
			return behavior, nil
		}
	}
	return FailImmediately, errors.NewInvalidConfigurationError(fmt.Sprintf("unknown failover behavior: %s", s))
}

// FailoverServer is a statically configured fallback the topology refresher
// probes when no cluster node can be reached.
type FailoverServer struct {
	URL      string `json:"url,omitempty" yaml:"url"`
	Database string `json:"database,omitempty" yaml:"database"`
	APIKey   string `json:"api_key,omitempty" yaml:"api_key"`
}

// ClientConfiguration is pushed by the server inside topology documents and
// overrides the failover behavior for every client that sees it.
type ClientConfiguration struct {
	FailoverBehavior string `json:"FailoverBehavior,omitempty"`
}

// Conventions is the read-mostly behavioral configuration shared by the
// executor, the router and the topology refresher. The failover behavior is
// the only field that changes after construction - the server can override it
// via ClientConfiguration - so it is held atomically. Everything else is
// immutable once the conventions are built.
type Conventions struct {
	failoverBehavior uatomic.Int32

	WaitForLeaderTimeout                   time.Duration
	ReplicationDestinationsTopologyTimeout time.Duration
	TopologyRetryBackoff                   time.Duration
	TopologyRefreshThrottle                time.Duration
	FailoverServers                        []FailoverServer
	PromotePrimaryWhenNoTopology           bool
}

// NewDefaultConventions returns conventions with the documented defaults and
// the strict failover behavior.
func NewDefaultConventions() *Conventions {
	c := &Conventions{
		WaitForLeaderTimeout:                   DefaultWaitForLeaderTimeout,
		ReplicationDestinationsTopologyTimeout: DefaultReplicationDestinationsTopologyTimeout,
		TopologyRetryBackoff:                   DefaultTopologyRetryBackoff,
		TopologyRefreshThrottle:                DefaultTopologyRefreshThrottle,
		PromotePrimaryWhenNoTopology:           true,
	}
	c.failoverBehavior.Store(int32(FailImmediately))
	return c
}

func (c *Conventions) FailoverBehavior() FailoverBehavior {
	return FailoverBehavior(c.failoverBehavior.Load())
}

func (c *Conventions) SetFailoverBehavior(behavior FailoverBehavior) {
	c.failoverBehavior.Store(int32(behavior))
}

// UpdateFrom applies a server-pushed client configuration.
func (c *Conventions) UpdateFrom(cc *ClientConfiguration) error {
	if cc == nil || cc.FailoverBehavior == "" {
		return nil
	}
	behavior, err := ParseFailoverBehavior(cc.FailoverBehavior)
	if err != nil {
		return err
	}
	c.SetFailoverBehavior(behavior)
	return nil
}

// TLSConfig carries the client side TLS settings for talking to the cluster.
type TLSConfig struct {
	ServerCertPath          string `json:"server_cert_path,omitempty" yaml:"server_cert_path" help:"Path of a PEM file with the trusted server certificate(s)."`
	DisableCertVerification bool   `json:"disable_cert_verification,omitempty" yaml:"disable_cert_verification" help:"Skip verification of the server certificate. Only use this in testing."`
}

// Config is the bootstrap configuration for a client instance.
type Config struct {
	ServerURL        string           `json:"server_url,omitempty" yaml:"server_url" help:"URL of the primary server, e.g. http://db1:8080."`
	Database         string           `json:"database,omitempty" yaml:"database" help:"Database to address requests to."`
	APIKey           string           `json:"api_key,omitempty" yaml:"api_key" help:"API key presented to every node."`
	FailoverBehavior string           `json:"failover_behavior,omitempty" yaml:"failover_behavior" help:"One of FailImmediately, ReadFromLeaderWriteToLeaderWithFailovers, ReadFromAllWriteToLeader or ReadFromAllWriteToLeaderWithFailovers."`
	FailoverServers  []FailoverServer `json:"failover_servers,omitempty" yaml:"failover_servers" kong:"-"`

	WaitForLeaderTimeout                   time.Duration `json:"wait_for_leader_timeout,omitempty" yaml:"wait_for_leader_timeout" default:"5s" help:"How long a request waits for a leader to be elected."`
	ReplicationDestinationsTopologyTimeout time.Duration `json:"replication_destinations_topology_timeout,omitempty" yaml:"replication_destinations_topology_timeout" default:"2s" help:"Overall deadline for one round of topology probes."`
	TopologyRetryBackoff                   time.Duration `json:"topology_retry_backoff,omitempty" yaml:"topology_retry_backoff" default:"500ms" help:"Pause between topology refresh rounds while no leader emerges."`
	TopologyRefreshThrottle                time.Duration `json:"topology_refresh_throttle,omitempty" yaml:"topology_refresh_throttle" default:"5m" help:"Minimum interval between unforced topology refreshes."`
	PromotePrimaryWhenNoTopology           bool          `json:"promote_primary_when_no_topology,omitempty" yaml:"promote_primary_when_no_topology" default:"true" negatable:"" help:"Install the primary as leader when no node returns a topology."`

	TopologyCacheDir string        `json:"topology_cache_dir,omitempty" yaml:"topology_cache_dir" help:"Directory for the on-disk topology snapshots. Empty disables the cache."`
	RequestTimeout   time.Duration `json:"request_timeout,omitempty" yaml:"request_timeout" help:"Per request timeout applied by the HTTP transport. Zero means no timeout."`
	TLS              TLSConfig     `json:"tls,omitempty" yaml:"tls" embed:"" prefix:"tls-"`
}

// NewDefaultConfig returns a config pre-populated with defaults. Loading a
// file or applying flags overlays it.
func NewDefaultConfig() *Config {
	return &Config{
		WaitForLeaderTimeout:                   DefaultWaitForLeaderTimeout,
		ReplicationDestinationsTopologyTimeout: DefaultReplicationDestinationsTopologyTimeout,
		TopologyRetryBackoff:                   DefaultTopologyRetryBackoff,
		TopologyRefreshThrottle:                DefaultTopologyRefreshThrottle,
		PromotePrimaryWhenNoTopology:           true,
	}
}

func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return errors.NewInvalidConfigurationError("ServerURL must be specified")
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.NewInvalidConfigurationError(fmt.Sprintf("ServerURL is not a valid URL: %s", c.ServerURL))
	}
	if c.FailoverBehavior != "" {
		if _, err := ParseFailoverBehavior(c.FailoverBehavior); err != nil {
			return err
		}
	}
	for _, fs := range c.FailoverServers {
		if fs.URL == "" {
			return errors.NewInvalidConfigurationError("FailoverServers entries must have a url")
		}
	}
	if c.WaitForLeaderTimeout < 0 {
		return errors.NewInvalidConfigurationError("WaitForLeaderTimeout must be >= 0")
	}
	if c.ReplicationDestinationsTopologyTimeout <= 0 {
		return errors.NewInvalidConfigurationError("ReplicationDestinationsTopologyTimeout must be > 0")
	}
	if c.TopologyRetryBackoff <= 0 {
		return errors.NewInvalidConfigurationError("TopologyRetryBackoff must be > 0")
	}
	if c.TopologyRefreshThrottle < 0 {
		return errors.NewInvalidConfigurationError("TopologyRefreshThrottle must be >= 0")
	}
	return nil
}

// Conventions materializes the behavioral part of the config.
func (c *Config) Conventions() (*Conventions, error) {
	conventions := NewDefaultConventions()
	if c.FailoverBehavior != "" {
		behavior, err := ParseFailoverBehavior(c.FailoverBehavior)
		if err != nil {
			return nil, err
		}
		conventions.SetFailoverBehavior(behavior)
	}
	if c.WaitForLeaderTimeout != 0 {
		conventions.WaitForLeaderTimeout = c.WaitForLeaderTimeout
	}
	if c.ReplicationDestinationsTopologyTimeout != 0 {
		conventions.ReplicationDestinationsTopologyTimeout = c.ReplicationDestinationsTopologyTimeout
	}
	if c.TopologyRetryBackoff != 0 {
		conventions.TopologyRetryBackoff = c.TopologyRetryBackoff
	}
	conventions.TopologyRefreshThrottle = c.TopologyRefreshThrottle
	conventions.FailoverServers = c.FailoverServers
	conventions.PromotePrimaryWhenNoTopology = c.PromotePrimaryWhenNoTopology
	return conventions, nil
}
