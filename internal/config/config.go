// Package config loads the server configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/wolfeidau/mtlsgreeter/internal/endpoint"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when configuration validation fails
var ErrInvalidConfig = errors.New("invalid config")

const DefaultHandshakeTimeout = 10 * time.Second

// CertificateSection locates a PKCS#12 bundle.
type CertificateSection struct {
	Path string `yaml:"path"`
	// Password is usually supplied through GREETER_CERT_PASSWORD instead.
	Password string `yaml:"password,omitempty"`
}

// FileConfig represents a greeter server configuration file.
type FileConfig struct {
	// Version is the config file format version (optional, currently always 1)
	Version int `yaml:"version,omitempty"`

	ServerCertificate CertificateSection `yaml:"server_certificate"`

	// ClientCAFile is a PEM file of extra anchors for client certificates,
	// added to the CA certificates in the server bundle.
	ClientCAFile string `yaml:"client_ca_file,omitempty"`

	Endpoints endpoint.Set `yaml:"endpoints"`

	// HandshakeTimeout uses Go duration format: "5s", "1m".
	HandshakeTimeout string `yaml:"handshake_timeout,omitempty"`

	CORSOrigins []string `yaml:"cors_origins,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() FileConfig {
	return FileConfig{
		Version: 1,
		ServerCertificate: CertificateSection{
			Path: "certificates/server.pfx",
		},
		Endpoints:        endpoint.DefaultSet(),
		HandshakeTimeout: DefaultHandshakeTimeout.String(),
	}
}

// Load reads a configuration file. Fields absent from the file keep their
// Default values; a present endpoints list replaces the default set.
func Load(path string) (FileConfig, error) {
	cfg := Default()

	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 - Config file path is trusted (from admin/user)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.Endpoints = cfg.Endpoints.WithDefaults()

	return cfg, nil
}

// HandshakeTimeoutDuration parses HandshakeTimeout, falling back to the default.
func (c FileConfig) HandshakeTimeoutDuration() (time.Duration, error) {
	if c.HandshakeTimeout == "" {
		return DefaultHandshakeTimeout, nil
	}

	d, err := time.ParseDuration(c.HandshakeTimeout)
	if err != nil {
		return 0, fmt.Errorf("%w: handshake_timeout %q: %w", ErrInvalidConfig, c.HandshakeTimeout, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: handshake_timeout must be positive, got %s", ErrInvalidConfig, d)
	}

	return d, nil
}

// Validate checks the configuration is complete.
func (c FileConfig) Validate() error {
	if c.Version != 0 && c.Version != 1 {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidConfig, c.Version)
	}

	if err := c.Endpoints.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if c.Endpoints.NeedsTLS() && c.ServerCertificate.Path == "" {
		return fmt.Errorf("%w: server_certificate.path is required for tls endpoints", ErrInvalidConfig)
	}

	if _, err := c.HandshakeTimeoutDuration(); err != nil {
		return err
	}

	return nil
}

// InsecureEndpoints returns the endpoints that accept client certificates
// without validation.
func (c FileConfig) InsecureEndpoints() []string {
	var names []string
	for _, d := range c.Endpoints {
		if d.RequestsClientCert() && d.Validation == endpoint.ValidationInsecureAcceptAny {
			names = append(names, d.Name)
		}
	}
	return names
}
