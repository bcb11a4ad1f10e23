package commands

import (
	"context"
	"crypto/x509"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"connectrpc.com/connect"
	"connectrpc.com/otelconnect"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/mtlsgreeter/internal/config"
	"github.com/wolfeidau/mtlsgreeter/internal/credential"
	"github.com/wolfeidau/mtlsgreeter/internal/endpoint"
	"github.com/wolfeidau/mtlsgreeter/internal/logger"
	"github.com/wolfeidau/mtlsgreeter/internal/server"
	"github.com/wolfeidau/mtlsgreeter/internal/telemetry"
	"github.com/wolfeidau/mtlsgreeter/internal/transport"
	"golang.org/x/sync/errgroup"
)

// certificateExpiryWarning is how close to expiry the server certificate may
// get before startup logs a warning.
const certificateExpiryWarning = 30 * 24 * time.Hour

type ServeCmd struct {
	Config string `help:"path to YAML config file" default:"" env:"GREETER_CONFIG"`

	// Overrides for the config file
	Host         string `help:"listen host for every endpoint" default:"" env:"GREETER_LISTEN_HOST"`
	Cert         string `help:"server PKCS#12 bundle" default:"" env:"GREETER_CERT"`
	CertPassword string `help:"server bundle password" default:"" env:"GREETER_CERT_PASSWORD"`
	ClientCAFile string `help:"PEM file of additional client certificate trust anchors" default:"" env:"GREETER_CLIENT_CA_FILE"`

	InsecureAcceptAnyClientCert bool `help:"accept any client certificate without chain validation on every endpoint that requests one (local demos only)" default:"false" env:"GREETER_INSECURE_ACCEPT_ANY_CLIENT_CERT"`

	CORSOrigins []string `help:"allowed CORS origins for browser callers" env:"GREETER_CORS_ORIGINS"`
	Tracing     bool     `help:"enable OpenTelemetry export" default:"false" env:"GREETER_TRACING"`
}

func (s *ServeCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting server")

	cfg, err := s.loadConfig()
	if err != nil {
		return err
	}

	for _, name := range cfg.InsecureEndpoints() {
		log.Warn().Str("endpoint", name).Msg("Client certificate validation is configured as insecure-accept-any")
	}

	var store *credential.Store
	if cfg.Endpoints.NeedsTLS() {
		store, err = loadStore(cfg)
		if err != nil {
			return err
		}
		logCertificateSummary(log, store.Certificate())
	}

	interceptors := []connect.Interceptor{logger.NewConnectRequests(log)}
	if s.Tracing {
		log.Info().Msg("Tracing is enabled")
		shutdown, err := telemetry.Init(ctx, telemetry.Config{ServiceName: "mtlsgreeter-server", Version: globals.Version, SampleRatio: 1}, log)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
			shutdown = func(context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
		otelInterceptor, err := otelconnect.NewInterceptor()
		if err != nil {
			return fmt.Errorf("failed to create OTEL interceptor: %w", err)
		}
		interceptors = append(interceptors, otelInterceptor)
	}

	handler := server.NewServer(log, server.WithCORSOrigins(cfg.CORSOrigins...)).Handler(interceptors...)

	handshakeTimeout, err := cfg.HandshakeTimeoutDuration()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// bind every port before serving so a busy port fails startup
	terminators := make([]*transport.Terminator, 0, len(cfg.Endpoints))
	for _, desc := range cfg.Endpoints {
		var source transport.CertSource
		if store != nil {
			source = store
		}
		term, err := transport.NewTerminator(desc, source, log, transport.WithHandshakeTimeout(handshakeTimeout))
		if err != nil {
			return err
		}
		if err := term.Listen(ctx); err != nil {
			return err
		}
		terminators = append(terminators, term)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, term := range terminators {
		g.Go(func() error {
			return term.Serve(gctx, handler)
		})
	}

	err = g.Wait()
	if err != nil {
		return err
	}

	log.Info().Msg("Server stopped")
	return nil
}

func (s *ServeCmd) loadConfig() (config.FileConfig, error) {
	cfg := config.Default()
	if s.Config != "" {
		var err error
		cfg, err = config.Load(s.Config)
		if err != nil {
			return cfg, err
		}
	}

	if s.Cert != "" {
		cfg.ServerCertificate.Path = s.Cert
	}
	if s.CertPassword != "" {
		cfg.ServerCertificate.Password = s.CertPassword
	}
	if s.ClientCAFile != "" {
		cfg.ClientCAFile = s.ClientCAFile
	}
	if len(s.CORSOrigins) > 0 {
		cfg.CORSOrigins = s.CORSOrigins
	}

	endpoints := make(endpoint.Set, len(cfg.Endpoints))
	for i, desc := range cfg.Endpoints {
		if s.Host != "" {
			desc.Host = s.Host
		}
		if s.InsecureAcceptAnyClientCert && desc.RequestsClientCert() {
			desc.Validation = endpoint.ValidationInsecureAcceptAny
		}
		endpoints[i] = desc
	}
	cfg.Endpoints = endpoints

	return cfg, cfg.Validate()
}

func loadStore(cfg config.FileConfig) (*credential.Store, error) {
	cert, err := credential.Load(cfg.ServerCertificate.Path, cfg.ServerCertificate.Password)
	if err != nil {
		return nil, err
	}

	var extra []*x509.Certificate
	if cfg.ClientCAFile != "" {
		extra, err = credential.LoadPEMCertificates(cfg.ClientCAFile)
		if err != nil {
			return nil, err
		}
	}

	return credential.NewStore(cert, extra...)
}

func logCertificateSummary(log zerolog.Logger, cert *credential.Certificate) {
	log.Info().
		Str("subject", cert.Subject()).
		Str("issuer", cert.Issuer()).
		Str("thumbprint", cert.Thumbprint()).
		Time("not_after", cert.NotAfter()).
		Int("ca_certs", len(cert.CACerts())).
		Msg("Loaded server certificate")

	now := time.Now()
	switch {
	case !cert.ValidAt(now):
		log.Warn().Time("not_before", cert.NotBefore()).Time("not_after", cert.NotAfter()).
			Msg("Server certificate is outside its validity window")
	case cert.NotAfter().Sub(now) < certificateExpiryWarning:
		log.Warn().Dur("remaining", cert.NotAfter().Sub(now)).Msg("Server certificate expires soon")
	}
}
