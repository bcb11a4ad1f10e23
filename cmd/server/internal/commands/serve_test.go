package commands

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/mtlsgreeter/internal/credential"
	"github.com/wolfeidau/mtlsgreeter/internal/endpoint"
	"github.com/wolfeidau/mtlsgreeter/internal/testutil/certtest"
)

func TestLoadConfigOverrides(t *testing.T) {
	cmd := &ServeCmd{
		Host:                        "127.0.0.1",
		Cert:                        "/tmp/server.pfx",
		CertPassword:                "secret",
		InsecureAcceptAnyClientCert: true,
	}

	cfg, err := cmd.loadConfig()
	require.NoError(t, err)
	require.Equal(t, "/tmp/server.pfx", cfg.ServerCertificate.Path)
	require.Equal(t, "secret", cfg.ServerCertificate.Password)

	plain, ok := cfg.Endpoints.Lookup("plain")
	require.True(t, ok)
	require.Equal(t, "127.0.0.1", plain.Host)
	require.Equal(t, endpoint.ValidationStrict, plain.Validation)

	secure, ok := cfg.Endpoints.Lookup("tls")
	require.True(t, ok)
	require.Equal(t, endpoint.ValidationInsecureAcceptAny, secure.Validation)
	require.Equal(t, []string{"tls"}, cfg.InsecureEndpoints())

	// the default set is left untouched
	require.Equal(t, endpoint.ValidationStrict, endpoint.DefaultSet()[1].Validation)
}

func TestRunFailsWithoutCertificate(t *testing.T) {
	cmd := &ServeCmd{Cert: filepath.Join(t.TempDir(), "missing.pfx"), CertPassword: "password"}

	err := cmd.Run(context.Background(), &Globals{Version: "test"})
	require.ErrorIs(t, err, credential.ErrNotFound)
}

func TestRunFailsWithWrongPassword(t *testing.T) {
	dir := t.TempDir()
	ca := certtest.NewAuthority(t, "Test CA")
	path := ca.IssueServer(t, "localhost").WriteBundle(t, dir, "server.pfx", "password")

	cmd := &ServeCmd{Cert: path, CertPassword: "nope"}
	err := cmd.Run(context.Background(), &Globals{Version: "test"})
	require.ErrorIs(t, err, credential.ErrBadPassword)
}

func TestRunStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	ca := certtest.NewAuthority(t, "Test CA")
	bundle := ca.IssueServer(t, "localhost").WriteBundle(t, dir, "server.pfx", "password")

	configPath := filepath.Join(dir, "greeter.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
server_certificate:
  path: `+bundle+`
handshake_timeout: 2s
endpoints:
  - name: plain
    host: 127.0.0.1
    port: 0
    scheme: plain
    client_cert_policy: none
  - name: tls
    host: 127.0.0.1
    port: 0
    scheme: tls
    client_cert_policy: required
`), 0o600))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	cmd := &ServeCmd{Config: configPath, CertPassword: "password"}
	require.NoError(t, cmd.Run(ctx, &Globals{Version: "test"}))
}
