package relay

import (
	"context"
	"time"

	"github.com/rmacdonaldsmith/eventrelay/pkg/registry"
	relaypkg "github.com/rmacdonaldsmith/eventrelay/pkg/relay"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/rmacdonaldsmith/eventrelay"

// relayMetrics holds the node's OTel instruments.
type relayMetrics struct {
	eventsIngested    metric.Int64Counter
	ingestLatency     metric.Float64Histogram
	deliveries        metric.Int64Counter
	deliveryFailures  metric.Int64Counter
	evictions         metric.Int64Counter
	inboundRejections metric.Int64Counter
	liveConnections   metric.Int64ObservableGauge
}

// newRelayMetrics creates the instruments on provider's meter. A nil
// provider uses the global one. live is observed for the connection gauge.
func newRelayMetrics(provider metric.MeterProvider, live func() int) (*relayMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)

	eventsIngested, err := meter.Int64Counter("eventrelay.events.ingested",
		metric.WithDescription("Number of events stored"),
	)
	if err != nil {
		return nil, err
	}

	ingestLatency, err := meter.Float64Histogram("eventrelay.ingest.latency_ms",
		metric.WithDescription("Store plus broadcast latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	deliveries, err := meter.Int64Counter("eventrelay.broadcast.deliveries",
		metric.WithDescription("Number of frames delivered to subscriber connections"),
	)
	if err != nil {
		return nil, err
	}

	deliveryFailures, err := meter.Int64Counter("eventrelay.broadcast.failures",
		metric.WithDescription("Number of failed deliveries by failure class"),
	)
	if err != nil {
		return nil, err
	}

	evictions, err := meter.Int64Counter("eventrelay.connections.evicted",
		metric.WithDescription("Number of connections removed after delivery failures"),
	)
	if err != nil {
		return nil, err
	}

	inboundRejections, err := meter.Int64Counter("eventrelay.inbound.rejected",
		metric.WithDescription("Number of inbound frames answered with an error frame"),
	)
	if err != nil {
		return nil, err
	}

	liveConnections, err := meter.Int64ObservableGauge("eventrelay.connections.live",
		metric.WithDescription("Number of registered subscriber connections"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(live()))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return &relayMetrics{
		eventsIngested:    eventsIngested,
		ingestLatency:     ingestLatency,
		deliveries:        deliveries,
		deliveryFailures:  deliveryFailures,
		evictions:         evictions,
		inboundRejections: inboundRejections,
		liveConnections:   liveConnections,
	}, nil
}

// recordIngest records a stored event and the time taken to store and broadcast it.
func (m *relayMetrics) recordIngest(ctx context.Context, source relaypkg.Source, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("source", string(source)))
	m.eventsIngested.Add(ctx, 1, attrs)
	m.ingestLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
}

// recordBroadcast records the outcome of one broadcast.
func (m *relayMetrics) recordBroadcast(ctx context.Context, result registry.BroadcastResult) {
	if result.Delivered > 0 {
		m.deliveries.Add(ctx, int64(result.Delivered))
	}
	if result.Transient > 0 {
		m.deliveryFailures.Add(ctx, int64(result.Transient), metric.WithAttributes(attribute.String("class", "transient")))
	}
	if result.Terminal > 0 {
		m.deliveryFailures.Add(ctx, int64(result.Terminal), metric.WithAttributes(attribute.String("class", "terminal")))
	}
	if result.Evicted > 0 {
		m.evictions.Add(ctx, int64(result.Evicted))
	}
}

// recordInboundRejection records an inbound frame answered with an error.
func (m *relayMetrics) recordInboundRejection(ctx context.Context, code string) {
	m.inboundRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("error", code)))
}
