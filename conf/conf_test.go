package conf

import (
	"testing"
	"time"

	"github.com/squareup/corax/errors"
	"github.com/stretchr/testify/require"
)

type configPair struct {
	errMsg string
	conf   Config
}

func missingServerURLConf() Config {
	cnf := confAllFields
	cnf.ServerURL = ""
	return cnf
}

func invalidServerURLConf() Config {
	cnf := confAllFields
	cnf.ServerURL = "not a url"
	return cnf
}

func invalidFailoverBehaviorConf() Config {
	cnf := confAllFields
	cnf.FailoverBehavior = "Bogus"
	return cnf
}

func failoverServerMissingURLConf() Config {
	cnf := confAllFields
	cnf.FailoverServers = []FailoverServer{{Database: "orders"}}
	return cnf
}

func negativeWaitForLeaderTimeoutConf() Config {
	cnf := confAllFields
	cnf.WaitForLeaderTimeout = -1
	return cnf
}

func zeroTopologyTimeoutConf() Config {
	cnf := confAllFields
	cnf.ReplicationDestinationsTopologyTimeout = 0
	return cnf
}

func zeroRetryBackoffConf() Config {
	cnf := confAllFields
	cnf.TopologyRetryBackoff = 0
	return cnf
}

func negativeThrottleConf() Config {
	cnf := confAllFields
	cnf.TopologyRefreshThrottle = -1
	return cnf
}

var invalidConfigs = []configPair{
	{"CRX0001 - Invalid configuration: ServerURL must be specified", missingServerURLConf()},
	{"CRX0001 - Invalid configuration: ServerURL is not a valid URL: not a url", invalidServerURLConf()},
	{"CRX0001 - Invalid configuration: unknown failover behavior: Bogus", invalidFailoverBehaviorConf()},
	{"CRX0001 - Invalid configuration: FailoverServers entries must have a url", failoverServerMissingURLConf()},
	{"CRX0001 - Invalid configuration: WaitForLeaderTimeout must be >= 0", negativeWaitForLeaderTimeoutConf()},
	{"CRX0001 - Invalid configuration: ReplicationDestinationsTopologyTimeout must be > 0", zeroTopologyTimeoutConf()},
	{"CRX0001 - Invalid configuration: TopologyRetryBackoff must be > 0", zeroRetryBackoffConf()},
	{"CRX0001 - Invalid configuration: TopologyRefreshThrottle must be >= 0", negativeThrottleConf()},
}

func TestValidate(t *testing.T) {
	for _, cp := range invalidConfigs {
		err := cp.conf.Validate()
		require.Error(t, err)
		ce, ok := err.(errors.CoraxError)
		require.True(t, ok)
		require.Equal(t, errors.InvalidConfiguration, ce.Code)
		require.Equal(t, cp.errMsg, ce.Msg)
	}
}

func TestValidateAllFieldsConfig(t *testing.T) {
	require.NoError(t, confAllFields.Validate())
}

func TestParseFailoverBehavior(t *testing.T) {
	behavior, err := ParseFailoverBehavior("ReadFromAllWriteToLeader")
	require.NoError(t, err)
	require.Equal(t, ReadFromAllWriteToLeader, behavior)

	// Names are matched without regard to case.
	behavior, err = ParseFailoverBehavior("readfromallwritetoleaderwithfailovers")
	require.NoError(t, err)
	require.Equal(t, ReadFromAllWriteToLeaderWithFailovers, behavior)

	behavior, err = ParseFailoverBehavior("FAILIMMEDIATELY")
	require.NoError(t, err)
	require.Equal(t, FailImmediately, behavior)

	_, err = ParseFailoverBehavior("Bogus")
	require.Error(t, err)
	require.True(t, errors.HasCode(err, errors.InvalidConfiguration))
}

func TestFailoverBehaviorPredicates(t *testing.T) {
	require.False(t, FailImmediately.ReadsFromAll())
	require.False(t, FailImmediately.ToleratesNoLeader())

	require.False(t, ReadFromLeaderWriteToLeaderWithFailovers.ReadsFromAll())
	require.True(t, ReadFromLeaderWriteToLeaderWithFailovers.ToleratesNoLeader())

	require.True(t, ReadFromAllWriteToLeader.ReadsFromAll())
	require.False(t, ReadFromAllWriteToLeader.ToleratesNoLeader())

	require.True(t, ReadFromAllWriteToLeaderWithFailovers.ReadsFromAll())
	require.True(t, ReadFromAllWriteToLeaderWithFailovers.ToleratesNoLeader())
}

func TestConventionsFromConfig(t *testing.T) {
	conventions, err := confAllFields.Conventions()
	require.NoError(t, err)
	require.Equal(t, ReadFromAllWriteToLeaderWithFailovers, conventions.FailoverBehavior())
	require.Equal(t, 6*time.Second, conventions.WaitForLeaderTimeout)
	require.Equal(t, 3*time.Second, conventions.ReplicationDestinationsTopologyTimeout)
	require.Equal(t, 250*time.Millisecond, conventions.TopologyRetryBackoff)
	require.Equal(t, time.Minute, conventions.TopologyRefreshThrottle)
	require.Equal(t, confAllFields.FailoverServers, conventions.FailoverServers)
	require.True(t, conventions.PromotePrimaryWhenNoTopology)
}

func TestConventionsDefaults(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.ServerURL = "http://db1:8080"
	conventions, err := cfg.Conventions()
	require.NoError(t, err)
	require.Equal(t, FailImmediately, conventions.FailoverBehavior())
	require.Equal(t, DefaultWaitForLeaderTimeout, conventions.WaitForLeaderTimeout)
	require.Equal(t, DefaultReplicationDestinationsTopologyTimeout, conventions.ReplicationDestinationsTopologyTimeout)
	require.Equal(t, DefaultTopologyRetryBackoff, conventions.TopologyRetryBackoff)
	require.Equal(t, DefaultTopologyRefreshThrottle, conventions.TopologyRefreshThrottle)
	require.True(t, conventions.PromotePrimaryWhenNoTopology)
}

func TestConventionsZeroThrottleDisablesThrottling(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.ServerURL = "http://db1:8080"
	cfg.TopologyRefreshThrottle = 0
	conventions, err := cfg.Conventions()
	require.NoError(t, err)
	require.Equal(t, time.Duration(0), conventions.TopologyRefreshThrottle)
}

func TestUpdateFromClientConfiguration(t *testing.T) {
	conventions := NewDefaultConventions()

	require.NoError(t, conventions.UpdateFrom(nil))
	require.Equal(t, FailImmediately, conventions.FailoverBehavior())

	require.NoError(t, conventions.UpdateFrom(&ClientConfiguration{}))
	require.Equal(t, FailImmediately, conventions.FailoverBehavior())

	require.NoError(t, conventions.UpdateFrom(&ClientConfiguration{FailoverBehavior: "ReadFromAllWriteToLeader"}))
	require.Equal(t, ReadFromAllWriteToLeader, conventions.FailoverBehavior())

	// A bad override is reported and the previous behavior kept.
	err := conventions.UpdateFrom(&ClientConfiguration{FailoverBehavior: "Bogus"})
	require.Error(t, err)
	require.Equal(t, ReadFromAllWriteToLeader, conventions.FailoverBehavior())
}

func TestFailoverBehaviorString(t *testing.T) {
	require.Equal(t, "ReadFromAllWriteToLeader", ReadFromAllWriteToLeader.String())
	require.Equal(t, "FailoverBehavior(99)", FailoverBehavior(99).String())
}

var confAllFields = Config{
	ServerURL:        "http://db1:8080",
	Database:         "orders",
	APIKey:           "apikey/secret",
	FailoverBehavior: "ReadFromAllWriteToLeaderWithFailovers",
	FailoverServers: []FailoverServer{
		{URL: "http://db4:8080", Database: "orders", APIKey: "failover/key"},
	},
	WaitForLeaderTimeout:                   6 * time.Second,
	ReplicationDestinationsTopologyTimeout: 3 * time.Second,
	TopologyRetryBackoff:                   250 * time.Millisecond,
	TopologyRefreshThrottle:                time.Minute,
	PromotePrimaryWhenNoTopology:           true,
	TopologyCacheDir:                       "/var/lib/corax/topology",
	RequestTimeout:                         30 * time.Second,
	TLS: TLSConfig{
		ServerCertPath: "/etc/corax/server.pem",
	},
}
