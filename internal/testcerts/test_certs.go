// Package testcerts generates throwaway certificates for TLS transport
// tests: a CA plus localhost server certificates signed by it, written out
// as PEM files a client config can point at.
package testcerts

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Test-only keys, kept short so cert generation does not dominate test time.
const keyBits = 2048

// CA is a throwaway certificate authority for signing test server certs.
// PEM holds the CA certificate in the form a client trusts as its root.
type CA struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey
	PEM  []byte
}

func NewCA(orgName string) (*CA, error) {
	cert := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{orgName}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(1, 0, 0),
		IsCA:                  true,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, err
	}
	der, err := x509.CreateCertificate(rand.Reader, cert, cert, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	pemBytes, err := encodePEM(der, "CERTIFICATE")
	if err != nil {
		return nil, err
	}
	return &CA{cert: cert, key: key, PEM: pemBytes}, nil
}

// IssueServerCert creates a certificate valid for localhost and the
// loopback addresses, signed by the CA, returned as cert and key PEM.
func (ca *CA) IssueServerCert(orgName string) (certPEM, keyPEM []byte, err error) {
	cert := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{Organization: []string{orgName}},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		DNSNames:     []string{"localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		SubjectKeyId: []byte{1, 2, 3, 4},
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, nil, err
	}
	der, err := x509.CreateCertificate(rand.Reader, cert, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return nil, nil, err
	}
	certPEM, err = encodePEM(der, "CERTIFICATE")
	if err != nil {
		return nil, nil, err
	}
	keyPEM, err = encodePEM(x509.MarshalPKCS1PrivateKey(key), "RSA PRIVATE KEY")
	if err != nil {
		return nil, nil, err
	}
	return certPEM, keyPEM, nil
}

// WritePEM writes PEM bytes to a uniquely named file under dir and returns
// its path.
func WritePEM(dir string, pemBytes []byte) (string, error) {
	path := filepath.Join(dir, fmt.Sprintf("pem-%s.pem", uuid.New().String()))
	if err := os.WriteFile(path, pemBytes, 0644); err != nil {
		return "", err
	}
	return path, nil
}

func encodePEM(der []byte, blockType string) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := pem.Encode(buf, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
