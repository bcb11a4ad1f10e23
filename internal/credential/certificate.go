// Package credential loads password protected PKCS#12 bundles into certificates
// with their private keys bound, and exposes the read-only attributes the rest
// of the service derives identities from.
package credential

import (
	"crypto"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/mr-tron/base58"
	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/svid/x509svid"
)

// ErrNoPrivateKey is returned when a TLS certificate is requested from a peer
// certificate, which never carries key material.
var ErrNoPrivateKey = errors.New("certificate has no private key")

// Certificate is an immutable X.509 certificate, optionally bound to its
// private key. Values are shared by pointer and never copied with their key.
type Certificate struct {
	leaf       *x509.Certificate
	chain      []*x509.Certificate
	caCerts    []*x509.Certificate
	key        crypto.PrivateKey
	thumbprint [sha256.Size]byte
}

func newCertificate(leaf *x509.Certificate, chain, caCerts []*x509.Certificate, key crypto.PrivateKey) *Certificate {
	return &Certificate{
		leaf:       leaf,
		chain:      chain,
		caCerts:    caCerts,
		key:        key,
		thumbprint: sha256.Sum256(leaf.Raw),
	}
}

// FromX509 wraps a certificate presented by a remote peer. The result has no
// private key.
func FromX509(leaf *x509.Certificate, intermediates ...*x509.Certificate) *Certificate {
	if leaf == nil {
		return nil
	}
	return newCertificate(leaf, intermediates, nil, nil)
}

// Subject returns the distinguished name of the subject, e.g. "CN=TestClient".
func (c *Certificate) Subject() string { return c.leaf.Subject.String() }

// Issuer returns the distinguished name of the issuer.
func (c *Certificate) Issuer() string { return c.leaf.Issuer.String() }

// CommonName returns the subject common name.
func (c *Certificate) CommonName() string { return c.leaf.Subject.CommonName }

// Thumbprint returns the uppercase hex SHA-256 digest of the DER encoding.
func (c *Certificate) Thumbprint() string {
	return strings.ToUpper(hex.EncodeToString(c.thumbprint[:]))
}

// ThumbprintBytes returns the raw SHA-256 digest of the DER encoding.
func (c *Certificate) ThumbprintBytes() [sha256.Size]byte { return c.thumbprint }

// KeyID returns the Base58-encoded SHA-256 of the subject public key info.
// Certificates reissued for the same key share a KeyID.
func (c *Certificate) KeyID() string {
	sum := sha256.Sum256(c.leaf.RawSubjectPublicKeyInfo)
	return base58.Encode(sum[:])
}

func (c *Certificate) NotBefore() time.Time { return c.leaf.NotBefore }

func (c *Certificate) NotAfter() time.Time { return c.leaf.NotAfter }

// ValidAt reports whether t falls inside the validity window.
func (c *Certificate) ValidAt(t time.Time) bool {
	return !t.Before(c.leaf.NotBefore) && !t.After(c.leaf.NotAfter)
}

// SPIFFEID returns the SPIFFE ID carried in the URI SAN, if any.
func (c *Certificate) SPIFFEID() (spiffeid.ID, bool) {
	id, err := x509svid.IDFromCert(c.leaf)
	if err != nil {
		return spiffeid.ID{}, false
	}
	return id, true
}

// Leaf returns the parsed leaf certificate. Callers must not modify it.
func (c *Certificate) Leaf() *x509.Certificate { return c.leaf }

// CACerts returns the CA certificates that were packaged with the bundle.
func (c *Certificate) CACerts() []*x509.Certificate { return c.caCerts }

func (c *Certificate) HasPrivateKey() bool { return c.key != nil }

// TLSCertificate returns the certificate and key in the form crypto/tls
// presents during a handshake.
func (c *Certificate) TLSCertificate() (tls.Certificate, error) {
	if c.key == nil {
		return tls.Certificate{}, ErrNoPrivateKey
	}

	raw := make([][]byte, 0, 1+len(c.chain))
	raw = append(raw, c.leaf.Raw)
	for _, cert := range c.chain {
		raw = append(raw, cert.Raw)
	}

	return tls.Certificate{
		Certificate: raw,
		PrivateKey:  c.key,
		Leaf:        c.leaf,
	}, nil
}
