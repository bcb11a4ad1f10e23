// Package certtest issues throwaway certificates and PKCS#12 bundles for tests.
package certtest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"software.sslmate.com/src/go-pkcs12"
)

// Authority is a self-signed CA used to issue leaf certificates.
type Authority struct {
	Cert *x509.Certificate
	Key  *ecdsa.PrivateKey
}

// Leaf is an issued certificate with its key.
type Leaf struct {
	Cert   *x509.Certificate
	Key    *ecdsa.PrivateKey
	Issuer *Authority
}

// Option customises a leaf template before it is signed.
type Option func(*x509.Certificate)

// WithSPIFFEID adds a SPIFFE URI SAN.
func WithSPIFFEID(id string) Option {
	return func(tmpl *x509.Certificate) {
		u, err := url.Parse(id)
		if err == nil {
			tmpl.URIs = append(tmpl.URIs, u)
		}
	}
}

// WithValidity overrides the validity window.
func WithValidity(notBefore, notAfter time.Time) Option {
	return func(tmpl *x509.Certificate) {
		tmpl.NotBefore = notBefore
		tmpl.NotAfter = notAfter
	}
}

// NewAuthority creates a self-signed ECDSA P-256 CA.
func NewAuthority(t testing.TB, commonName string) *Authority {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          serial(t),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &Authority{Cert: cert, Key: key}
}

// IssueServer issues a certificate valid for localhost and 127.0.0.1.
func (a *Authority) IssueServer(t testing.TB, commonName string, opts ...Option) *Leaf {
	t.Helper()
	opts = append([]Option{func(tmpl *x509.Certificate) {
		tmpl.DNSNames = []string{"localhost"}
		tmpl.IPAddresses = []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
	}}, opts...)
	return a.issue(t, commonName, x509.ExtKeyUsageServerAuth, opts...)
}

// IssueClient issues a certificate with the client auth extended key usage.
func (a *Authority) IssueClient(t testing.TB, commonName string, opts ...Option) *Leaf {
	t.Helper()
	return a.issue(t, commonName, x509.ExtKeyUsageClientAuth, opts...)
}

func (a *Authority) issue(t testing.TB, commonName string, usage x509.ExtKeyUsage, opts ...Option) *Leaf {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: serial(t),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(12 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
	}
	for _, opt := range opts {
		opt(tmpl)
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, a.Cert, &key.PublicKey, a.Key)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &Leaf{Cert: cert, Key: key, Issuer: a}
}

// Bundle encodes the leaf, its key and the issuing CA as a PKCS#12 bundle.
func (l *Leaf) Bundle(t testing.TB, password string) []byte {
	t.Helper()
	pfx, err := pkcs12.Modern.Encode(l.Key, l.Cert, []*x509.Certificate{l.Issuer.Cert}, password)
	require.NoError(t, err)
	return pfx
}

// WriteBundle writes Bundle to dir/name and returns the path.
func (l *Leaf) WriteBundle(t testing.TB, dir, name, password string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, l.Bundle(t, password), 0o600))
	return path
}

// WritePEM writes the CA certificate to dir/name and returns the path.
func (a *Authority) WritePEM(t testing.TB, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: a.Cert.Raw})
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

// Pool returns a cert pool containing only the CA.
func (a *Authority) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(a.Cert)
	return pool
}

func serial(t testing.TB) *big.Int {
	t.Helper()
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	require.NoError(t, err)
	return n
}
