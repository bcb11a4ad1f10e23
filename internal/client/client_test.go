package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/mtlsgreeter/internal/auth"
	"github.com/wolfeidau/mtlsgreeter/internal/credential"
	"github.com/wolfeidau/mtlsgreeter/internal/endpoint"
	"github.com/wolfeidau/mtlsgreeter/internal/server"
	"github.com/wolfeidau/mtlsgreeter/internal/testutil/certtest"
	"github.com/wolfeidau/mtlsgreeter/internal/transport"
)

const password = "password"

type env struct {
	ca        *certtest.Authority
	dir       string
	plainPort int
	tlsPort   int
}

func startServer(t *testing.T) *env {
	t.Helper()

	dir := t.TempDir()
	ca := certtest.NewAuthority(t, "Test CA")
	cert, err := credential.Load(ca.IssueServer(t, "localhost").WriteBundle(t, dir, "server.pfx", password), password)
	require.NoError(t, err)
	store, err := credential.NewStore(cert)
	require.NoError(t, err)

	handler := server.NewServer(zerolog.Nop()).Handler()

	e := &env{ca: ca, dir: dir}
	for _, desc := range (endpoint.Set{
		{Name: "plain", Host: "127.0.0.1", Scheme: endpoint.SchemePlain, ClientCertPolicy: endpoint.PolicyNone},
		{Name: "tls", Host: "127.0.0.1", Scheme: endpoint.SchemeTLS, ClientCertPolicy: endpoint.PolicyRequired},
	}) {
		term, err := transport.NewTerminator(desc, store, zerolog.Nop())
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		require.NoError(t, term.Listen(ctx))
		done := make(chan error, 1)
		go func() { done <- term.Serve(ctx, handler) }()
		t.Cleanup(func() {
			cancel()
			<-done
		})

		port := term.Addr().(*net.TCPAddr).Port
		if desc.Scheme == endpoint.SchemeTLS {
			e.tlsPort = port
		} else {
			e.plainPort = port
		}
	}

	return e
}

func (e *env) config(t *testing.T, scheme endpoint.Scheme, clientCN string) Config {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Scheme = scheme
	cfg.PlainPort = e.plainPort
	cfg.TLSPort = e.tlsPort
	cfg.Timeout = 5 * time.Second
	cfg.Retries = 0
	if clientCN != "" {
		cfg.CertPath = e.ca.IssueClient(t, clientCN).WriteBundle(t, e.dir, clientCN+".pfx", password)
		cfg.CertPassword = password
	}
	return cfg
}

func TestClientTLSEndpoint(t *testing.T) {
	e := startServer(t)

	c, err := New(e.config(t, endpoint.SchemeTLS, "Mutual TLS Client"), zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, c.Certificate())

	msg, err := c.Greet(context.Background(), "Mutual TLS Client")
	require.NoError(t, err)
	require.Contains(t, msg, "Your client certificate subject is: CN=Mutual TLS Client")

	msg, err = c.SecureInfo(context.Background())
	require.NoError(t, err)
	require.Contains(t, msg, c.Certificate().Thumbprint())
}

func TestClientPlainEndpoint(t *testing.T) {
	e := startServer(t)

	c, err := New(e.config(t, endpoint.SchemePlain, "Mutual TLS Client"), zerolog.Nop())
	require.NoError(t, err)

	msg, err := c.Greet(context.Background(), "Alice")
	require.NoError(t, err)
	require.Equal(t, "Hello Alice! No client certificate provided.", msg)

	_, err = c.SecureInfo(context.Background())
	require.True(t, auth.IsAuthenticationRequired(err))

	var authErr *auth.AuthenticationRequiredError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, "SecureInfo", authErr.Operation)
}

func TestClientServerVerification(t *testing.T) {
	e := startServer(t)

	t.Run("server signed by unknown authority", func(t *testing.T) {
		other := certtest.NewAuthority(t, "Other CA")
		cfg := e.config(t, endpoint.SchemeTLS, "")
		cfg.CertPath = other.IssueClient(t, "outsider").WriteBundle(t, e.dir, "outsider.pfx", password)
		cfg.CertPassword = password

		c, err := New(cfg, zerolog.Nop())
		require.NoError(t, err)

		_, err = c.Greet(context.Background(), "Alice")
		require.Error(t, err)
		require.False(t, auth.IsAuthenticationRequired(err))
	})

	t.Run("ca file trusts the server", func(t *testing.T) {
		other := certtest.NewAuthority(t, "Other CA")
		cfg := e.config(t, endpoint.SchemeTLS, "")
		cfg.CertPath = other.IssueClient(t, "outsider").WriteBundle(t, e.dir, "outsider2.pfx", password)
		cfg.CertPassword = password
		cfg.CAFile = e.ca.WritePEM(t, e.dir, "ca.pem")

		c, err := New(cfg, zerolog.Nop())
		require.NoError(t, err)

		// server is trusted now, but the server does not trust our certificate
		_, err = c.Greet(context.Background(), "Alice")
		require.True(t, auth.IsAuthenticationRequired(err))
	})

	t.Run("insecure skip verify", func(t *testing.T) {
		other := certtest.NewAuthority(t, "Other CA")
		cfg := e.config(t, endpoint.SchemeTLS, "")
		cfg.CertPath = other.IssueClient(t, "outsider").WriteBundle(t, e.dir, "outsider3.pfx", password)
		cfg.CertPassword = password
		cfg.InsecureSkipVerify = true

		c, err := New(cfg, zerolog.Nop())
		require.NoError(t, err)

		// the handshake still fails server side: the server validates strictly
		_, err = c.Greet(context.Background(), "Alice")
		require.True(t, auth.IsAuthenticationRequired(err))
	})
}

func TestClientRejectedCertificateIsNotRetried(t *testing.T) {
	e := startServer(t)

	tests := []struct {
		name     string
		certPath func(t *testing.T) string
	}{
		{
			name: "untrusted client certificate",
			certPath: func(t *testing.T) string {
				other := certtest.NewAuthority(t, "Other CA")
				return other.IssueClient(t, "stranger").WriteBundle(t, e.dir, "stranger.pfx", password)
			},
		},
		{
			name:     "no client certificate",
			certPath: func(t *testing.T) string { return "" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := e.config(t, endpoint.SchemeTLS, "")
			cfg.CertPath = tt.certPath(t)
			cfg.CertPassword = password
			cfg.CAFile = e.ca.WritePEM(t, e.dir, "ca.pem")
			cfg.Retries = 3

			var logs bytes.Buffer
			c, err := New(cfg, zerolog.New(&logs))
			require.NoError(t, err)

			_, err = c.SecureInfo(context.Background())
			require.True(t, auth.IsAuthenticationRequired(err), "got %v", err)

			var authErr *auth.AuthenticationRequiredError
			require.ErrorAs(t, err, &authErr)
			require.Equal(t, "SecureInfo", authErr.Operation)
			require.NotContains(t, logs.String(), "retrying")
		})
	}
}

func TestCertificateRejected(t *testing.T) {
	remote := func(alert tls.AlertError) error {
		return &net.OpError{Op: "remote error", Net: "tcp", Err: alert}
	}

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "bad certificate", err: remote(42), want: true},
		{name: "unknown ca", err: remote(48), want: true},
		{name: "certificate required", err: remote(116), want: true},
		{name: "wrapped by connect", err: connect.NewError(connect.CodeUnavailable, remote(42)), want: true},
		{name: "flattened text", err: errors.New("unavailable: remote error: tls: bad certificate"), want: true},
		{name: "internal error alert", err: remote(80), want: false},
		{name: "local verification failure", err: x509.UnknownAuthorityError{}, want: false},
		{name: "connection refused", err: connect.NewError(connect.CodeUnavailable, errors.New("dial tcp: connection refused")), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, certificateRejected(tt.err))
		})
	}
}

func TestClientPlainEndpointSkipsCertificate(t *testing.T) {
	e := startServer(t)

	cfg := e.config(t, endpoint.SchemePlain, "")
	cfg.CertPath = e.dir + "/missing.pfx"

	c, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.Nil(t, c.Certificate())

	msg, err := c.Greet(context.Background(), "Alice")
	require.NoError(t, err)
	require.Equal(t, "Hello Alice! No client certificate provided.", msg)
}

func TestClientRetriesOnlyWhenUnavailable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Scheme = endpoint.SchemePlain
	cfg.PlainPort = port
	cfg.Retries = 2
	cfg.Timeout = time.Second

	c, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, "http://127.0.0.1:"+strconv.Itoa(port), cfg.BaseURL())

	started := time.Now()
	_, err = c.Greet(context.Background(), "Alice")
	require.Error(t, err)
	require.Equal(t, connect.CodeUnavailable, connect.CodeOf(err))
	require.False(t, auth.IsAuthenticationRequired(err))
	// two waits of at least half the initial interval
	require.GreaterOrEqual(t, time.Since(started), 200*time.Millisecond)
}

func TestNewErrors(t *testing.T) {
	e := startServer(t)

	cfg := e.config(t, endpoint.SchemeTLS, "client")
	cfg.CertPassword = "wrong"
	_, err := New(cfg, zerolog.Nop())
	require.ErrorIs(t, err, credential.ErrBadPassword)

	cfg = e.config(t, endpoint.SchemeTLS, "")
	cfg.CertPath = e.dir + "/missing.pfx"
	_, err = New(cfg, zerolog.Nop())
	require.ErrorIs(t, err, credential.ErrNotFound)

	cfg = e.config(t, endpoint.SchemeTLS, "")
	cfg.Host = ""
	_, err = New(cfg, zerolog.Nop())
	require.Error(t, err)
}
