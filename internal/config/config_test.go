package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/mtlsgreeter/internal/endpoint"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "greeter.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, endpoint.DefaultSet(), cfg.Endpoints)

	d, err := cfg.HandshakeTimeoutDuration()
	require.NoError(t, err)
	require.Equal(t, 10*time.Second, d)
	require.Empty(t, cfg.InsecureEndpoints())
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
version: 1
server_certificate:
  path: /etc/greeter/server.pfx
client_ca_file: /etc/greeter/clients.pem
handshake_timeout: 3s
cors_origins:
  - https://example.com
endpoints:
  - name: public
    port: 9080
    scheme: plain
    client_cert_policy: none
  - name: demo
    port: 9443
    scheme: tls
    client_cert_policy: required
    validation: insecure-accept-any
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, "/etc/greeter/server.pfx", cfg.ServerCertificate.Path)
	require.Empty(t, cfg.ServerCertificate.Password)
	require.Equal(t, "/etc/greeter/clients.pem", cfg.ClientCAFile)
	require.Equal(t, []string{"https://example.com"}, cfg.CORSOrigins)
	require.Len(t, cfg.Endpoints, 2)
	require.Equal(t, endpoint.PolicyRequired, cfg.Endpoints[1].ClientCertPolicy)
	require.Equal(t, []string{"demo"}, cfg.InsecureEndpoints())

	d, err := cfg.HandshakeTimeoutDuration()
	require.NoError(t, err)
	require.Equal(t, 3*time.Second, d)
}

func TestLoadPlainEndpointWithoutPolicy(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
endpoints:
  - name: public
    port: 9080
    scheme: plain
`))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Equal(t, endpoint.PolicyNone, cfg.Endpoints[0].ClientCertPolicy)
}

func TestLoadKeepsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server_certificate:\n  path: server.pfx\n"))
	require.NoError(t, err)
	require.Equal(t, endpoint.DefaultSet(), cfg.Endpoints)
	require.Equal(t, "10s", cfg.HandshakeTimeout)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "failed to read config file")

	_, err = Load(writeConfig(t, "endpoints: [\n"))
	require.ErrorContains(t, err, "failed to parse config file")

	_, err = Load(writeConfig(t, "endpoints:\n  - name: x\n    scheme: carrier-pigeon\n"))
	require.ErrorContains(t, err, "unknown scheme")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*FileConfig)
		wantErr string
	}{
		{
			name:    "bad version",
			mutate:  func(c *FileConfig) { c.Version = 2 },
			wantErr: "unsupported version",
		},
		{
			name:    "no endpoints",
			mutate:  func(c *FileConfig) { c.Endpoints = nil },
			wantErr: "at least one endpoint",
		},
		{
			name:    "tls without certificate",
			mutate:  func(c *FileConfig) { c.ServerCertificate.Path = "" },
			wantErr: "server_certificate.path is required",
		},
		{
			name: "plain only without certificate",
			mutate: func(c *FileConfig) {
				c.ServerCertificate.Path = ""
				c.Endpoints = endpoint.Set{{Name: "plain", Port: 8080, Scheme: endpoint.SchemePlain, ClientCertPolicy: endpoint.PolicyNone}}
			},
		},
		{
			name:    "bad handshake timeout",
			mutate:  func(c *FileConfig) { c.HandshakeTimeout = "soon" },
			wantErr: "handshake_timeout",
		},
		{
			name:    "negative handshake timeout",
			mutate:  func(c *FileConfig) { c.HandshakeTimeout = "-1s" },
			wantErr: "must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidConfig)
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}
