// Package security adapts the teacher's CA and certificate lifecycle code
// (pkg/security) to the broker's narrower need: issuing and verifying the
// leaf certificates internal/transport uses to TLS-wrap overlay
// connections, plus the credential-to-role mapping Connection.Cred and the
// AuthDenied error kind depend on. Secret encryption and the gRPC mTLS
// integration points the teacher's package also carries are out of scope
// here; nothing in the broker persists user secrets.
package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"
)

const (
	rootCAValidity   = 10 * 365 * 24 * time.Hour
	leafCertValidity = 90 * 24 * time.Hour
	rootKeySize      = 4096
	leafKeySize      = 2048
)

// CA is a minimal certificate authority: a self-signed root plus leaf
// issuance for broker and client TLS identities. Grounded on the teacher's
// CertAuthority, trimmed of the BoltDB persistence and node/client-specific
// issuance split (the broker treats overlay peers and local clients
// identically: every leaf is just a TLS identity for one node).
type CA struct {
	mu       sync.RWMutex
	rootCert *x509.Certificate
	rootKey  *rsa.PrivateKey
}

// NewCA generates a fresh self-signed root certificate.
func NewCA(commonName string) (*CA, error) {
	key, err := rsa.GenerateKey(rand.Reader, rootKeySize)
	if err != nil {
		return nil, fmt.Errorf("security: generate root key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("security: generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(rootCAValidity),
		KeyUsage:     x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:         true,

		BasicConstraintsValid: true,
		MaxPathLen:            1,
		MaxPathLenZero:        false,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("security: create root certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("security: parse root certificate: %w", err)
	}

	return &CA{rootCert: cert, rootKey: key}, nil
}

// RootCertDER returns the root certificate in DER form, for distribution to
// peers as a trust anchor.
func (ca *CA) RootCertDER() []byte {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return ca.rootCert.Raw
}

// IssueLeaf issues a TLS identity for one overlay node or local client,
// valid for both server and client auth so the same certificate works on
// either end of a TCP or Unix-socket TLS handshake.
func (ca *CA) IssueLeaf(commonName string, dnsNames []string, ips []net.IP) (*tls.Certificate, error) {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	key, err := rsa.GenerateKey(rand.Reader, leafKeySize)
	if err != nil {
		return nil, fmt.Errorf("security: generate leaf key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("security: generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(leafCertValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		DNSNames:     dnsNames,
		IPAddresses:  ips,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.rootCert, &key.PublicKey, ca.rootKey)
	if err != nil {
		return nil, fmt.Errorf("security: create leaf certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("security: parse leaf certificate: %w", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

// Verify checks cert against the root, for use in a tls.Config's
// VerifyPeerCertificate when internal/transport wants mTLS.
func (ca *CA) Verify(cert *x509.Certificate) error {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	roots := x509.NewCertPool()
	roots.AddCert(ca.rootCert)
	opts := x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("security: verify certificate: %w", err)
	}
	return nil
}

// ServerTLSConfig builds a tls.Config suitable for an overlay listener: it
// presents leaf, and if requireClientCert is set, verifies the peer's
// certificate against the root.
func (ca *CA) ServerTLSConfig(leaf *tls.Certificate, requireClientCert bool) *tls.Config {
	cfg := &tls.Config{
		Certificates: []tls.Certificate{*leaf},
		MinVersion:   tls.VersionTLS12,
	}
	if requireClientCert {
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		pool := x509.NewCertPool()
		pool.AddCert(ca.rootCert)
		cfg.ClientCAs = pool
	}
	return cfg
}

// ClientTLSConfig builds a tls.Config suitable for dialing an overlay peer.
func (ca *CA) ClientTLSConfig(leaf *tls.Certificate) *tls.Config {
	pool := x509.NewCertPool()
	pool.AddCert(ca.rootCert)
	return &tls.Config{
		Certificates: []tls.Certificate{*leaf},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}
}
