// Package transport terminates client connections for one endpoint: it runs
// the accept loop, performs TLS handshakes with the endpoint's client
// certificate policy, and hands established connections to an HTTP server
// with the resulting Connection attached to every request context.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	stdlog "log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/mtlsgreeter/internal/credential"
	"github.com/wolfeidau/mtlsgreeter/internal/endpoint"
	"github.com/wolfeidau/mtlsgreeter/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultShutdownTimeout  = 10 * time.Second
)

// CertSource provides the server certificate and the client trust anchors.
// Implementations must serve from memory: both methods are called during
// handshakes.
type CertSource interface {
	GetTLSCertificate(ctx context.Context) (tls.Certificate, error)
	GetRootCAs(ctx context.Context) (*x509.CertPool, error)
}

// Option configures a Terminator.
type Option func(*Terminator)

// WithHandshakeTimeout bounds each TLS handshake.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(t *Terminator) {
		if d > 0 {
			t.handshakeTimeout = d
		}
	}
}

// WithShutdownTimeout bounds the drain performed when the serve context ends.
func WithShutdownTimeout(d time.Duration) Option {
	return func(t *Terminator) {
		if d > 0 {
			t.shutdownTimeout = d
		}
	}
}

// WithMetrics records transport metrics on m instead of the global instruments.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(t *Terminator) { t.metrics = m }
}

// WithHandshakeErrorHandler is called for every failed handshake after it is logged.
func WithHandshakeErrorHandler(fn func(*HandshakeError)) Option {
	return func(t *Terminator) { t.onHandshakeError = fn }
}

// WithClock overrides the time used to check client certificate validity.
func WithClock(now func() time.Time) Option {
	return func(t *Terminator) { t.now = now }
}

// Terminator owns the listening socket of one endpoint.
type Terminator struct {
	desc             endpoint.Descriptor
	source           CertSource
	logger           zerolog.Logger
	metrics          *telemetry.Metrics
	handshakeTimeout time.Duration
	shutdownTimeout  time.Duration
	onHandshakeError func(*HandshakeError)
	now              func() time.Time

	tlsConfig *tls.Config
	verifier  *peerVerifier

	// established connections waiting for the HTTP server to pick them up
	pending    sync.Map
	handshakes sync.WaitGroup

	mu       sync.Mutex
	ln       net.Listener
	srv      *http.Server
	cancel   context.CancelFunc
	shutdown bool
}

// NewTerminator validates desc and prepares the TLS configuration for it.
// source may be nil for plaintext endpoints.
func NewTerminator(desc endpoint.Descriptor, source CertSource, logger zerolog.Logger, opts ...Option) (*Terminator, error) {
	desc = desc.WithDefaults()
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	t := &Terminator{
		desc:             desc,
		source:           source,
		logger:           logger.With().Str("endpoint", desc.Name).Logger(),
		handshakeTimeout: DefaultHandshakeTimeout,
		shutdownTimeout:  DefaultShutdownTimeout,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.metrics == nil {
		t.metrics = telemetry.GetMetrics()
	}

	if desc.Scheme != endpoint.SchemeTLS {
		return t, nil
	}

	if source == nil {
		return nil, fmt.Errorf("endpoint %s: tls endpoints need a certificate source", desc.Name)
	}

	t.verifier = &peerVerifier{
		endpoint: desc.Name,
		mode:     desc.Validation,
		source:   source,
		now:      func() time.Time { return t.now() },
		logger:   t.logger,
		metrics:  t.metrics,
	}

	if desc.RequestsClientCert() {
		switch desc.Validation {
		case endpoint.ValidationStrict:
			if _, err := source.GetRootCAs(context.Background()); err != nil {
				return nil, fmt.Errorf("endpoint %s: strict client certificate validation: %w", desc.Name, err)
			}
		case endpoint.ValidationInsecureAcceptAny:
			t.logger.Warn().
				Stringer("policy", desc.ClientCertPolicy).
				Msg("Client certificate validation is DISABLED on this endpoint; any certificate will be accepted. Do not use outside local testing")
		}
	}

	t.tlsConfig = t.newTLSConfig()

	return t, nil
}

func (t *Terminator) newTLSConfig() *tls.Config {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{http2.NextProtoTLS, "http/1.1"},
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			cert, err := t.source.GetTLSCertificate(hello.Context())
			if err != nil {
				return nil, fmt.Errorf("failed to get certificate during handshake: %w", err)
			}
			return &cert, nil
		},
	}

	switch t.desc.ClientCertPolicy {
	case endpoint.PolicyNone:
		cfg.ClientAuth = tls.NoClientCert
	case endpoint.PolicyOptional:
		// the chain is checked after the handshake so a bad certificate
		// downgrades the caller to anonymous rather than failing
		cfg.ClientAuth = tls.RequestClientCert
	case endpoint.PolicyRequired:
		// presence is enforced by the verifier so a missing certificate
		// surfaces as ErrNoClientCertificate
		cfg.ClientAuth = tls.RequestClientCert
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			_, err := t.verifier.verify(rawCerts)
			return err
		}
	}

	return cfg
}

// Descriptor returns the endpoint this terminator serves.
func (t *Terminator) Descriptor() endpoint.Descriptor { return t.desc }

// Listen binds the endpoint's port. It is called by Serve when needed;
// calling it first lets callers learn an ephemeral port before serving.
func (t *Terminator) Listen(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ln != nil {
		return nil
	}
	if t.shutdown {
		return http.ErrServerClosed
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", t.desc.Addr())
	if err != nil {
		return fmt.Errorf("endpoint %s: failed to listen on %s: %w", t.desc.Name, t.desc.Addr(), err)
	}
	t.ln = ln

	return nil
}

// Addr returns the bound address, or nil before Listen.
func (t *Terminator) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ln == nil {
		return nil
	}
	return t.ln.Addr()
}

// Serve accepts connections until ctx is cancelled or Shutdown is called.
// When ctx ends, in-flight requests are drained for up to the shutdown
// timeout. Handshake failures never stop the loop.
func (t *Terminator) Serve(ctx context.Context, handler http.Handler) error {
	if err := t.Listen(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv, err := t.newHTTPServer(handler)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.shutdown {
		t.mu.Unlock()
		return http.ErrServerClosed
	}
	if t.srv != nil {
		t.mu.Unlock()
		return fmt.Errorf("endpoint %s: already serving", t.desc.Name)
	}
	ln := t.ln
	t.srv = srv
	t.cancel = cancel
	t.mu.Unlock()

	handoff := newHandoffListener(ln.Addr())

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(handoff) }()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	t.logger.Info().
		Str("addr", ln.Addr().String()).
		Stringer("scheme", t.desc.Scheme).
		Stringer("client_cert_policy", t.desc.ClientCertPolicy).
		Stringer("validation", t.desc.Validation).
		Msg("Endpoint listening")

	acceptErr := t.acceptLoop(ctx, ln, handoff)

	cancel()
	t.handshakes.Wait()

	if acceptErr != nil {
		_ = srv.Close()
	} else {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), t.shutdownTimeout)
		defer cancelShutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			t.logger.Warn().Err(err).Msg("Endpoint did not drain before the shutdown timeout")
			_ = srv.Close()
		}
	}

	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) && acceptErr == nil {
		return fmt.Errorf("endpoint %s: %w", t.desc.Name, err)
	}

	t.logger.Info().Msg("Endpoint stopped")

	return acceptErr
}

// Shutdown stops accepting, abandons pending handshakes and waits for
// in-flight requests to finish or ctx to end.
func (t *Terminator) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	t.shutdown = true
	ln, srv, cancel := t.ln, t.srv, t.cancel
	t.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	if cancel != nil {
		cancel()
	}
	if srv == nil {
		return nil
	}

	return srv.Shutdown(ctx)
}

func (t *Terminator) acceptLoop(ctx context.Context, ln net.Listener, handoff *handoffListener) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond
	bo.MaxInterval = time.Second

	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if !isTemporary(err) {
				return fmt.Errorf("endpoint %s: accept failed: %w", t.desc.Name, err)
			}

			delay := bo.NextBackOff()
			t.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Temporary accept error")
			t.metrics.AcceptRetriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", t.desc.Name)))

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		bo.Reset()

		t.handshakes.Add(1)
		go func() {
			defer t.handshakes.Done()
			t.establish(ctx, raw, handoff)
		}()
	}
}

// establish runs on its own goroutine per accepted socket.
func (t *Terminator) establish(ctx context.Context, raw net.Conn, handoff *handoffListener) {
	remote := raw.RemoteAddr().String()

	var (
		netConn net.Conn = raw
		conn    *Connection
	)

	if t.desc.Scheme == endpoint.SchemeTLS {
		tlsConn, peer, err := t.handshake(ctx, raw)
		if err != nil {
			_ = raw.Close()
			t.handshakeFailed(ctx, &HandshakeError{Endpoint: t.desc.Name, RemoteAddr: remote, Err: err})
			return
		}

		state := tlsConn.ConnectionState()
		conn = NewConnection(t.desc, remote, peer)
		conn.TLSVersion = state.Version
		conn.NegotiatedProtocol = state.NegotiatedProtocol
		netConn = tlsConn
	} else {
		conn = NewConnection(t.desc, remote, nil)
	}

	t.logger.Debug().Object("conn", conn).Msg("Connection established")

	t.pending.Store(netConn, conn)
	if err := handoff.deliver(ctx, netConn); err != nil {
		t.pending.Delete(netConn)
		_ = netConn.Close()
	}
}

func (t *Terminator) handshake(ctx context.Context, raw net.Conn) (*tls.Conn, *credential.Certificate, error) {
	ctx, cancel := context.WithTimeout(ctx, t.handshakeTimeout)
	defer cancel()

	started := time.Now()

	tlsConn := tls.Server(raw, t.tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, nil, err
	}

	peer := t.peerCertificate(tlsConn.ConnectionState())
	t.metrics.HandshakeCompleted(ctx, t.desc.Name, peer != nil, time.Since(started))

	return tlsConn, peer, nil
}

// peerCertificate extracts the client identity from a completed handshake.
// Required endpoints were already verified in VerifyPeerCertificate.
func (t *Terminator) peerCertificate(state tls.ConnectionState) *credential.Certificate {
	if len(state.PeerCertificates) == 0 {
		return nil
	}

	switch t.desc.ClientCertPolicy {
	case endpoint.PolicyRequired:
		return credential.FromX509(state.PeerCertificates[0], state.PeerCertificates[1:]...)

	case endpoint.PolicyOptional:
		rawCerts := make([][]byte, 0, len(state.PeerCertificates))
		for _, cert := range state.PeerCertificates {
			rawCerts = append(rawCerts, cert.Raw)
		}
		peer, err := t.verifier.verify(rawCerts)
		if err != nil {
			t.logger.Info().Err(err).
				Str("subject", state.PeerCertificates[0].Subject.String()).
				Msg("Ignoring client certificate that failed validation, continuing as anonymous")
			return nil
		}
		return peer

	default:
		return nil
	}
}

func (t *Terminator) handshakeFailed(ctx context.Context, herr *HandshakeError) {
	t.logger.Warn().
		Err(herr.Err).
		Str("remote_addr", herr.RemoteAddr).
		Str("reason", herr.Reason()).
		Msg("TLS handshake failed")

	t.metrics.HandshakeFailed(context.WithoutCancel(ctx), t.desc.Name, herr.Reason())

	if t.onHandshakeError != nil {
		t.onHandshakeError(herr)
	}
}

func (t *Terminator) newHTTPServer(handler http.Handler) (*http.Server, error) {
	h2s := &http2.Server{}
	if t.desc.Scheme == endpoint.SchemePlain {
		handler = h2c.NewHandler(handler, h2s)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Minute,
		WriteTimeout:      time.Minute,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    8 * 1024, // 8KiB
		ErrorLog:          stdlog.New(t.logger.With().Str("component", "http").Logger(), "", 0),
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			if conn, ok := t.pending.LoadAndDelete(c); ok {
				return ContextWithConnection(ctx, conn.(*Connection))
			}
			return ctx
		},
		ConnState: func(_ net.Conn, state http.ConnState) {
			attrs := metric.WithAttributes(attribute.String("endpoint", t.desc.Name))
			switch state {
			case http.StateNew:
				t.metrics.ActiveConnections.Add(context.Background(), 1, attrs)
			case http.StateClosed, http.StateHijacked:
				t.metrics.ActiveConnections.Add(context.Background(), -1, attrs)
			}
		},
	}

	if t.desc.Scheme == endpoint.SchemeTLS {
		if err := http2.ConfigureServer(srv, h2s); err != nil {
			return nil, fmt.Errorf("endpoint %s: failed to configure http2: %w", t.desc.Name, err)
		}
	}

	return srv, nil
}

func isTemporary(err error) bool {
	var te interface{ Temporary() bool }
	return errors.As(err, &te) && te.Temporary()
}
