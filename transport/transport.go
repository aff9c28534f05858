package transport

import (
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"os"
	"time"

	"github.com/squareup/corax/conf"
	"github.com/squareup/corax/errors"
	"golang.org/x/net/http2"
)

// Request headers the cluster protocol relies on.
const (
	// HeaderClusterAware is attached to every request to tell the node the
	// client understands leader redirects.
	HeaderClusterAware = "Raven-Cluster-Aware"
	// HeaderReadBehavior carries "All" when a follower may serve the read.
	HeaderReadBehavior = "Raven-Cluster-Read-Behavior"
	// HeaderFailoverBehavior marks a request knowingly dispatched without a
	// stable leader.
	HeaderFailoverBehavior = "Raven-Cluster-Failover-Behavior"
	// HeaderLeaderRedirect distinguishes a leader hint from an ordinary 302.
	HeaderLeaderRedirect = "Raven-Leader-Redirect"
	// HeaderAPIKey carries the node credentials.
	HeaderAPIKey = "Raven-Api-Key"
)

// Transport issues the HTTP requests the executor dispatches. It never
// follows redirects itself - leader redirects must come back to the executor
// for classification.
type Transport struct {
	client *http.Client
}

// NewTransport builds the HTTP client. With TLS settings present the client
// negotiates HTTP/2 where the server supports it. requestTimeout of zero
// means no per-request timeout.
func NewTransport(tlsConf conf.TLSConfig, requestTimeout time.Duration) (*Transport, error) {
	tlsConfig, err := createClientTLSConfig(tlsConf)
	if err != nil {
		return nil, err
	}
	httpTransport := &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		TLSClientConfig: tlsConfig,
	}
	if tlsConfig != nil {
		if err := http2.ConfigureTransport(httpTransport); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	return &Transport{
		client: &http.Client{
			Transport: httpTransport,
			Timeout:   requestTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

func createClientTLSConfig(config conf.TLSConfig) (*tls.Config, error) {
	if config.ServerCertPath == "" && !config.DisableCertVerification {
		return nil, nil
	}
	tlsConfig := &tls.Config{ // nolint: gosec
		MinVersion: tls.VersionTLS12,
	}
	if config.DisableCertVerification {
		tlsConfig.InsecureSkipVerify = true // nolint: gosec
	}
	if config.ServerCertPath != "" {
		serverCerts, err := os.ReadFile(config.ServerCertPath)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		trustedCertPool := x509.NewCertPool()
		if ok := trustedCertPool.AppendCertsFromPEM(serverCerts); !ok {
			return nil, errors.Errorf("failed to append trusted certs PEM (invalid PEM block?)")
		}
		tlsConfig.RootCAs = trustedCertPool
	}
	return tlsConfig, nil
}
