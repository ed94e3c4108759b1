package relay

import (
	"context"
	"errors"
	"testing"

	"github.com/rmacdonaldsmith/eventrelay/pkg/registry"
	relaypkg "github.com/rmacdonaldsmith/eventrelay/pkg/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupMetricsNode creates a started node whose instruments report to a manual reader.
func setupMetricsNode(t *testing.T) (*Node, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down meter provider: %v", err)
		}
	})

	node, err := NewNode(NewConfig("metrics-relay").WithLogger(quietLogger()).WithMeterProvider(provider))
	require.NoError(t, err)
	t.Cleanup(func() { node.Close() })
	require.NoError(t, node.Start(context.Background()))
	return node, reader
}

// collectMetrics collects all metrics from the reader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	var rm metricdata.ResourceMetrics
	err := reader.Collect(context.Background(), &rm)
	require.NoError(t, err)
	return &rm
}

// findMetric finds a metric by name in the collected data.
func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumWhere adds the int64 sum data points carrying attribute key=value ("" matches all).
func sumWhere(t *testing.T, m *metricdata.Metrics, key, value string) int64 {
	t.Helper()
	require.NotNil(t, m)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "Expected Sum type")

	var total int64
	for _, dp := range sum.DataPoints {
		if key == "" {
			total += dp.Value
			continue
		}
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			total += dp.Value
		}
	}
	return total
}

type brokenConnection struct {
	*registry.BufferedConnection
	greeted bool
}

func (b *brokenConnection) Send(ctx context.Context, msg registry.Message) error {
	if !b.greeted {
		b.greeted = true
		return nil
	}
	return errors.New("reset by peer")
}

func TestMetrics_IngestAndBroadcast(t *testing.T) {
	node, reader := setupMetricsNode(t)
	ctx := context.Background()

	subscribe(t, node)
	require.NoError(t, node.Subscribe(ctx, &brokenConnection{BufferedConnection: registry.NewBufferedConnection("test", 4)}))

	_, _, err := node.Ingest(ctx, relaypkg.IngestRequest{Key: "r2d2", Name: "move", Source: relaypkg.SourceRequest})
	require.NoError(t, err)
	_, _, err = node.Ingest(ctx, relaypkg.IngestRequest{Key: "r2d2", Name: "move", Source: relaypkg.SourceRPC})
	require.NoError(t, err)

	rm := collectMetrics(t, reader)

	ingested := findMetric(rm, "eventrelay.events.ingested")
	assert.Equal(t, int64(1), sumWhere(t, ingested, "source", "request"))
	assert.Equal(t, int64(1), sumWhere(t, ingested, "source", "rpc"))

	assert.Equal(t, int64(2), sumWhere(t, findMetric(rm, "eventrelay.broadcast.deliveries"), "", ""))
	assert.Equal(t, int64(1), sumWhere(t, findMetric(rm, "eventrelay.broadcast.failures"), "class", "terminal"))
	assert.Equal(t, int64(1), sumWhere(t, findMetric(rm, "eventrelay.connections.evicted"), "", ""))

	latency := findMetric(rm, "eventrelay.ingest.latency_ms")
	require.NotNil(t, latency)
	hist, ok := latency.Data.(metricdata.Histogram[float64])
	require.True(t, ok, "Expected Histogram type")
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(2), count)
}

func TestMetrics_LiveConnectionsGauge(t *testing.T) {
	node, reader := setupMetricsNode(t)

	subscribe(t, node)
	subscribe(t, node)

	rm := collectMetrics(t, reader)
	live := findMetric(rm, "eventrelay.connections.live")
	require.NotNil(t, live)

	gauge, ok := live.Data.(metricdata.Gauge[int64])
	require.True(t, ok, "Expected Gauge type")
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(2), gauge.DataPoints[0].Value)
}

func TestMetrics_InboundRejections(t *testing.T) {
	node, reader := setupMetricsNode(t)
	sender := subscribe(t, node)

	require.NoError(t, node.HandleInbound(context.Background(), sender, []byte(`oops`)))
	require.NoError(t, node.HandleInbound(context.Background(), sender, []byte(`{"x":1}`)))

	rm := collectMetrics(t, reader)
	rejected := findMetric(rm, "eventrelay.inbound.rejected")
	assert.Equal(t, int64(1), sumWhere(t, rejected, "error", relaypkg.ErrorMalformedMessage))
	assert.Equal(t, int64(1), sumWhere(t, rejected, "error", relaypkg.ErrorInvalidEvent))
}
