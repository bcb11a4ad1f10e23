package credential

import (
	"context"
	"crypto/x509"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/mtlsgreeter/internal/testutil/certtest"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	ca := certtest.NewAuthority(t, "Test CA")
	client := ca.IssueClient(t, "TestClient", certtest.WithSPIFFEID("spiffe://example.org/client"))
	path := client.WriteBundle(t, dir, "client.pfx", "password")

	t.Run("valid bundle", func(t *testing.T) {
		cert, err := Load(path, "password")
		require.NoError(t, err)
		require.Equal(t, "CN=TestClient", cert.Subject())
		require.Equal(t, "CN=Test CA", cert.Issuer())
		require.Equal(t, "TestClient", cert.CommonName())
		require.True(t, cert.HasPrivateKey())
		require.Len(t, cert.Thumbprint(), 64)
		require.Equal(t, strings.ToUpper(cert.Thumbprint()), cert.Thumbprint())
		require.NotEmpty(t, cert.KeyID())
		require.Len(t, cert.CACerts(), 1)
		require.True(t, cert.ValidAt(time.Now()))

		id, ok := cert.SPIFFEID()
		require.True(t, ok)
		require.Equal(t, "spiffe://example.org/client", id.String())

		tlsCert, err := cert.TLSCertificate()
		require.NoError(t, err)
		require.Len(t, tlsCert.Certificate, 1)
		require.Same(t, cert.Leaf(), tlsCert.Leaf)
	})

	t.Run("deterministic", func(t *testing.T) {
		first, err := Load(path, "password")
		require.NoError(t, err)
		second, err := Load(path, "password")
		require.NoError(t, err)

		require.Equal(t, first.Subject(), second.Subject())
		require.Equal(t, first.Issuer(), second.Issuer())
		require.Equal(t, first.Thumbprint(), second.Thumbprint())
		require.Equal(t, first.ThumbprintBytes(), second.ThumbprintBytes())
		require.Equal(t, first.KeyID(), second.KeyID())
	})

	t.Run("missing file", func(t *testing.T) {
		cert, err := Load(filepath.Join(dir, "nope.pfx"), "password")
		require.Nil(t, cert)
		requireReason(t, err, ReasonNotFound)
		require.ErrorIs(t, err, ErrNotFound)
		require.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("wrong password", func(t *testing.T) {
		cert, err := Load(path, "wrong")
		require.Nil(t, cert)
		requireReason(t, err, ReasonBadPassword)
		require.ErrorIs(t, err, ErrBadPassword)
	})

	t.Run("garbage contents", func(t *testing.T) {
		garbage := filepath.Join(dir, "garbage.pfx")
		require.NoError(t, os.WriteFile(garbage, []byte("not a pkcs12 bundle"), 0o600))

		cert, err := Load(garbage, "password")
		require.Nil(t, cert)
		requireReason(t, err, ReasonMalformed)
		require.ErrorIs(t, err, ErrMalformed)
	})
}

func requireReason(t *testing.T, err error, want Reason) {
	t.Helper()
	var loadErr *LoadError
	require.True(t, errors.As(err, &loadErr), "expected *LoadError, got %T", err)
	require.Equal(t, want, loadErr.Reason)
	require.Contains(t, err.Error(), want.String())
}

func TestFromX509(t *testing.T) {
	ca := certtest.NewAuthority(t, "Test CA")
	leaf := ca.IssueClient(t, "peer")

	cert := FromX509(leaf.Cert)
	require.False(t, cert.HasPrivateKey())
	require.Equal(t, "CN=peer", cert.Subject())

	_, err := cert.TLSCertificate()
	require.ErrorIs(t, err, ErrNoPrivateKey)

	_, ok := cert.SPIFFEID()
	require.False(t, ok)

	require.Nil(t, FromX509(nil))
}

func TestStore(t *testing.T) {
	dir := t.TempDir()
	ca := certtest.NewAuthority(t, "Test CA")
	other := certtest.NewAuthority(t, "Other CA")
	server := ca.IssueServer(t, "localhost")

	cert, err := Decode("server", server.Bundle(t, ""), "")
	require.NoError(t, err)

	store, err := NewStore(cert, other.Cert)
	require.NoError(t, err)
	require.True(t, store.HasTrustAnchors())
	require.Same(t, cert, store.Certificate())

	tlsCert, err := store.GetTLSCertificate(context.Background())
	require.NoError(t, err)
	require.Equal(t, cert.Leaf().Raw, tlsCert.Certificate[0])

	roots, err := store.GetRootCAs(context.Background())
	require.NoError(t, err)

	for _, issuer := range []*certtest.Authority{ca, other} {
		leaf := issuer.IssueClient(t, "client")
		_, err := leaf.Cert.Verify(x509.VerifyOptions{
			Roots:     roots,
			KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		})
		require.NoError(t, err)
	}

	caPath := other.WritePEM(t, dir, "ca.pem")
	certs, err := LoadPEMCertificates(caPath)
	require.NoError(t, err)
	require.Len(t, certs, 1)
	require.True(t, certs[0].Equal(other.Cert))

	_, err = LoadPEMCertificates(filepath.Join(dir, "missing.pem"))
	require.ErrorIs(t, err, ErrNotFound)

	_, err = NewStore(nil)
	require.Error(t, err)

	_, err = NewStore(FromX509(server.Cert))
	require.ErrorIs(t, err, ErrNoPrivateKey)
}
