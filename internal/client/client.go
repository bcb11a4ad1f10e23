package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/mtlsgreeter/api/greeter/v1/greeterv1connect"
	"github.com/wolfeidau/mtlsgreeter/internal/auth"
	"github.com/wolfeidau/mtlsgreeter/internal/credential"
	"github.com/wolfeidau/mtlsgreeter/internal/endpoint"
	"github.com/wolfeidau/mtlsgreeter/internal/logger"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Config holds common client configuration
type Config struct {
	Host      string
	Scheme    endpoint.Scheme
	PlainPort int
	TLSPort   int

	// CertPath is the PKCS#12 client bundle presented on TLS endpoints. It is
	// not loaded for plaintext endpoints.
	CertPath     string
	CertPassword string

	// CAFile adds PEM trust anchors for the server certificate.
	CAFile string
	// InsecureSkipVerify disables server certificate verification.
	InsecureSkipVerify bool

	Timeout time.Duration
	Retries uint
}

// DefaultConfig returns a default client configuration
func DefaultConfig() Config {
	return Config{
		Host:      "localhost",
		Scheme:    endpoint.SchemeTLS,
		PlainPort: 8080,
		TLSPort:   8443,
		Timeout:   30 * time.Second,
		Retries:   3,
	}
}

// BaseURL returns the URL of the configured endpoint.
func (c Config) BaseURL() string {
	if c.Scheme == endpoint.SchemePlain {
		return "http://" + net.JoinHostPort(c.Host, strconv.Itoa(c.PlainPort))
	}
	return "https://" + net.JoinHostPort(c.Host, strconv.Itoa(c.TLSPort))
}

// Client calls the greeter service on one endpoint.
type Client struct {
	cfg    Config
	logger zerolog.Logger
	cert   *credential.Certificate
	rpc    greeterv1connect.GreeterServiceClient
}

// New loads the client certificate, if configured, and builds the RPC client.
func New(cfg Config, log zerolog.Logger, opts ...connect.ClientOption) (*Client, error) {
	if cfg.Host == "" {
		return nil, errors.New("server host must be set")
	}

	c := &Client{cfg: cfg, logger: log}

	if cfg.CertPath != "" && cfg.Scheme != endpoint.SchemePlain {
		cert, err := credential.Load(cfg.CertPath, cfg.CertPassword)
		if err != nil {
			return nil, err
		}
		c.cert = cert
		log.Debug().
			Str("subject", cert.Subject()).
			Str("thumbprint", cert.Thumbprint()).
			Time("not_after", cert.NotAfter()).
			Msg("Loaded client certificate")
	}

	httpClient, err := c.httpClient()
	if err != nil {
		return nil, err
	}

	opts = append([]connect.ClientOption{connect.WithInterceptors(logger.NewConnectRequests(log))}, opts...)
	c.rpc = greeterv1connect.NewGreeterServiceClient(httpClient, cfg.BaseURL(), opts...)

	return c, nil
}

func (c *Client) httpClient() (*http.Client, error) {
	if c.cfg.Scheme == endpoint.SchemePlain {
		return &http.Client{Timeout: c.cfg.Timeout}, nil
	}

	tlsCfg, err := c.tlsConfig()
	if err != nil {
		return nil, err
	}

	return &http.Client{
		Timeout: c.cfg.Timeout,
		Transport: &http.Transport{
			TLSClientConfig:   tlsCfg,
			ForceAttemptHTTP2: true,
		},
	}, nil
}

func (c *Client) tlsConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: c.cfg.Host,
	}

	if c.cert != nil {
		tlsCert, err := c.cert.TLSCertificate()
		if err != nil {
			return nil, fmt.Errorf("failed to use client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{tlsCert}
	}

	if c.cfg.InsecureSkipVerify {
		c.logger.Warn().
			Str("host", c.cfg.Host).
			Msg("Server certificate verification is DISABLED (--insecure-skip-verify). Do not use outside local testing")
		cfg.InsecureSkipVerify = true // #nosec G402 - explicit operator opt-in
		return cfg, nil
	}

	roots, err := x509.SystemCertPool()
	if err != nil {
		roots = x509.NewCertPool()
	}
	if c.cert != nil {
		for _, ca := range c.cert.CACerts() {
			roots.AddCert(ca)
		}
	}
	if c.cfg.CAFile != "" {
		certs, err := credential.LoadPEMCertificates(c.cfg.CAFile)
		if err != nil {
			return nil, err
		}
		for _, ca := range certs {
			roots.AddCert(ca)
		}
	}
	cfg.RootCAs = roots

	return cfg, nil
}

// Certificate returns the loaded client certificate, or nil.
func (c *Client) Certificate() *credential.Certificate { return c.cert }

// Greet calls the Greet operation.
func (c *Client) Greet(ctx context.Context, name string) (string, error) {
	resp, err := call(ctx, c, "Greet", func(ctx context.Context) (*connect.Response[wrapperspb.StringValue], error) {
		return c.rpc.Greet(ctx, connect.NewRequest(wrapperspb.String(name)))
	})
	if err != nil {
		return "", err
	}
	return resp.Msg.GetValue(), nil
}

// SecureInfo calls the SecureInfo operation. Without an accepted client
// certificate it fails with *auth.AuthenticationRequiredError.
func (c *Client) SecureInfo(ctx context.Context) (string, error) {
	resp, err := call(ctx, c, "SecureInfo", func(ctx context.Context) (*connect.Response[wrapperspb.StringValue], error) {
		return c.rpc.SecureInfo(ctx, connect.NewRequest(&emptypb.Empty{}))
	})
	if err != nil {
		return "", err
	}
	return resp.Msg.GetValue(), nil
}

// call retries only while the server is unreachable. Faults from the server,
// including a TLS handshake that rejected the client certificate, are
// returned on the first attempt.
func call[T any](ctx context.Context, c *Client, operation string, fn func(context.Context) (T, error)) (T, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	res, err := backoff.Retry(ctx, func() (T, error) {
		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}
		if certificateRejected(err) {
			c.logger.Debug().Err(err).Str("operation", operation).Msg("Server rejected the client certificate")
			return res, backoff.Permanent(&auth.AuthenticationRequiredError{Operation: operation})
		}
		if connect.CodeOf(err) == connect.CodeUnavailable {
			return res, err
		}
		return res, backoff.Permanent(err)
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(c.cfg.Retries+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn().Err(err).Str("operation", operation).Dur("retry_in", next).Msg("Server unavailable, retrying")
		}),
	)
	if err != nil {
		var zero T
		return zero, auth.FromConnectError(operation, err)
	}

	return res, nil
}

// rejectedCertificateAlerts are the alerts a server sends when it refuses the
// client certificate during the handshake.
var rejectedCertificateAlerts = []tls.AlertError{
	42,  // bad_certificate
	46,  // certificate_unknown
	48,  // unknown_ca
	116, // certificate_required
}

func certificateRejected(err error) bool {
	var alertErr tls.AlertError
	if errors.As(err, &alertErr) {
		return slices.Contains(rejectedCertificateAlerts, alertErr)
	}

	// crypto/tls reports a received alert as a "remote error" with an
	// unexported alert type; http2 transports may only keep its text
	for _, alert := range rejectedCertificateAlerts {
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "remote error" && opErr.Err != nil && opErr.Err.Error() == alert.Error() {
			return true
		}
		if strings.Contains(err.Error(), "remote error: "+alert.Error()) {
			return true
		}
	}

	return false
}
