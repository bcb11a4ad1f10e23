package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	return sums
}

func TestMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m := NewMetrics(provider.Meter(meterName))
	ctx := context.Background()

	m.HandshakeCompleted(ctx, "tls", true, 3*time.Millisecond)
	m.HandshakeFailed(ctx, "tls", "no_certificate")
	m.HandshakeFailed(ctx, "tls", "untrusted")
	m.CallCompleted(ctx, "Greet", "plain", "ok", false)
	m.AuthRejected(ctx, "SecureInfo", "plain")

	sums := collect(t, reader)
	require.Equal(t, int64(1), sums["greeter.transport.handshakes.total"])
	require.Equal(t, int64(2), sums["greeter.transport.handshake_failures.total"])
	require.Equal(t, int64(1), sums["greeter.rpc.calls.total"])
	require.Equal(t, int64(1), sums["greeter.rpc.auth_rejections.total"])
}

func TestGetMetricsSingleton(t *testing.T) {
	require.Same(t, GetMetrics(), GetMetrics())
}
