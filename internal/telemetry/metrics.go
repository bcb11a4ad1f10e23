package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/mtlsgreeter"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Transport metrics
	HandshakesTotal        metric.Int64Counter
	HandshakeFailuresTotal metric.Int64Counter
	HandshakeDuration      metric.Float64Histogram
	ActiveConnections      metric.Int64UpDownCounter
	AcceptRetriesTotal     metric.Int64Counter
	InsecureAcceptedTotal  metric.Int64Counter

	// Dispatch metrics
	RPCCallsTotal       metric.Int64Counter
	AuthRejectionsTotal metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance bound to the global meter provider
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = NewMetrics(otel.GetMeterProvider().Meter(meterName))
	})
	return metrics
}

// NewMetrics creates all metric instruments on meter.
func NewMetrics(meter metric.Meter) *Metrics {
	m := &Metrics{}

	m.HandshakesTotal, _ = meter.Int64Counter(
		"greeter.transport.handshakes.total",
		metric.WithDescription("Total number of completed TLS handshakes"),
		metric.WithUnit("{handshake}"),
	)

	m.HandshakeFailuresTotal, _ = meter.Int64Counter(
		"greeter.transport.handshake_failures.total",
		metric.WithDescription("Total number of TLS handshakes rejected or failed"),
		metric.WithUnit("{handshake}"),
	)

	m.HandshakeDuration, _ = meter.Float64Histogram(
		"greeter.transport.handshake.duration",
		metric.WithDescription("Duration of TLS handshakes"),
		metric.WithUnit("ms"),
	)

	m.ActiveConnections, _ = meter.Int64UpDownCounter(
		"greeter.transport.connections.active",
		metric.WithDescription("Number of established connections handed to the RPC server"),
		metric.WithUnit("{connection}"),
	)

	m.AcceptRetriesTotal, _ = meter.Int64Counter(
		"greeter.transport.accept_retries.total",
		metric.WithDescription("Total number of temporary accept errors retried"),
		metric.WithUnit("{retry}"),
	)

	m.InsecureAcceptedTotal, _ = meter.Int64Counter(
		"greeter.transport.insecure_accepted.total",
		metric.WithDescription("Total number of client certificates accepted without chain validation"),
		metric.WithUnit("{certificate}"),
	)

	m.RPCCallsTotal, _ = meter.Int64Counter(
		"greeter.rpc.calls.total",
		metric.WithDescription("Total number of operation calls by outcome"),
		metric.WithUnit("{call}"),
	)

	m.AuthRejectionsTotal, _ = meter.Int64Counter(
		"greeter.rpc.auth_rejections.total",
		metric.WithDescription("Total number of calls rejected by the operation gate"),
		metric.WithUnit("{call}"),
	)

	return m
}

// HandshakeCompleted records a successful handshake on endpoint.
func (m *Metrics) HandshakeCompleted(ctx context.Context, endpoint string, peerCert bool, took time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.Bool("peer_certificate", peerCert),
	)
	m.HandshakesTotal.Add(ctx, 1, attrs)
	m.HandshakeDuration.Record(ctx, float64(took.Microseconds())/1000, attrs)
}

// HandshakeFailed records a rejected or failed handshake on endpoint.
func (m *Metrics) HandshakeFailed(ctx context.Context, endpoint, reason string) {
	m.HandshakeFailuresTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("reason", reason),
	))
}

// CallCompleted records an operation call and its outcome code.
func (m *Metrics) CallCompleted(ctx context.Context, operation, endpoint, code string, authenticated bool) {
	m.RPCCallsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("endpoint", endpoint),
		attribute.String("code", code),
		attribute.Bool("authenticated", authenticated),
	))
}

// AuthRejected records a call refused by the operation gate.
func (m *Metrics) AuthRejected(ctx context.Context, operation, endpoint string) {
	m.AuthRejectionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("endpoint", endpoint),
	))
}
