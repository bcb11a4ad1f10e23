package credential

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
)

// Store holds the server's own certificate and the trust anchors used to
// verify client certificates. It is read-only after NewStore and safe to share
// across connections without locking.
type Store struct {
	cert    *Certificate
	tlsCert tls.Certificate
	roots   *x509.CertPool
	nroots  int
}

// NewStore builds a Store around a loaded certificate. Trust anchors are the
// CA certificates packaged in the bundle plus any extra anchors given.
func NewStore(cert *Certificate, extraRoots ...*x509.Certificate) (*Store, error) {
	if cert == nil {
		return nil, errors.New("certificate cannot be nil")
	}

	tlsCert, err := cert.TLSCertificate()
	if err != nil {
		return nil, fmt.Errorf("failed to build server certificate: %w", err)
	}

	roots := x509.NewCertPool()
	n := 0
	for _, ca := range append(append([]*x509.Certificate{}, cert.CACerts()...), extraRoots...) {
		roots.AddCert(ca)
		n++
	}

	return &Store{
		cert:    cert,
		tlsCert: tlsCert,
		roots:   roots,
		nroots:  n,
	}, nil
}

// Certificate returns the server certificate.
func (s *Store) Certificate() *Certificate { return s.cert }

// GetTLSCertificate returns the certificate presented during handshakes. It
// serves from memory and never blocks.
func (s *Store) GetTLSCertificate(context.Context) (tls.Certificate, error) {
	return s.tlsCert, nil
}

// GetRootCAs returns the pool client certificate chains are verified against.
func (s *Store) GetRootCAs(context.Context) (*x509.CertPool, error) {
	if s.nroots == 0 {
		return nil, errors.New("no trust anchors configured for client certificate verification")
	}
	return s.roots, nil
}

// HasTrustAnchors reports whether strict client verification is possible.
func (s *Store) HasTrustAnchors() bool { return s.nroots > 0 }
