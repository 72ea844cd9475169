package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records engine metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordEventProcessed records one pass through the pipeline.
	RecordEventProcessed(ctx context.Context, eventType, outcome string, duration time.Duration)

	// RecordStageError records a failure in a named pipeline stage.
	RecordStageError(ctx context.Context, stage string)

	// RecordBusPublish records fan-out results of a single publish.
	RecordBusPublish(ctx context.Context, delivered, dropped int)

	// RecordDeliveryTimeout records a block-policy delivery that timed out.
	RecordDeliveryTimeout(ctx context.Context, subscription string)

	// RecordDerived records an event emitted by an engine component.
	RecordDerived(ctx context.Context, eventType string)

	// RecordStoreAppend records a store append and whether it failed.
	RecordStoreAppend(ctx context.Context, duration time.Duration, err error)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	eventsProcessed  metric.Int64Counter
	processLatency   metric.Float64Histogram
	stageErrors      metric.Int64Counter
	busDelivered     metric.Int64Counter
	busDropped       metric.Int64Counter
	deliveryTimeouts metric.Int64Counter
	derivedEvents    metric.Int64Counter
	storeAppends     metric.Int64Counter
	storeLatency     metric.Float64Histogram
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("eventengine")
	m := &otelMetrics{}
	var err error

	if m.eventsProcessed, err = meter.Int64Counter("eventengine.events.processed",
		metric.WithDescription("Events that completed the pipeline, by outcome"),
	); err != nil {
		return nil, err
	}
	if m.processLatency, err = meter.Float64Histogram("eventengine.events.latency_ms",
		metric.WithDescription("Pipeline latency per event in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.stageErrors, err = meter.Int64Counter("eventengine.stage.errors",
		metric.WithDescription("Pipeline stage failures"),
	); err != nil {
		return nil, err
	}
	if m.busDelivered, err = meter.Int64Counter("eventengine.bus.delivered",
		metric.WithDescription("Events accepted into subscriber inboxes"),
	); err != nil {
		return nil, err
	}
	if m.busDropped, err = meter.Int64Counter("eventengine.bus.dropped",
		metric.WithDescription("Events discarded by full subscriber inboxes"),
	); err != nil {
		return nil, err
	}
	if m.deliveryTimeouts, err = meter.Int64Counter("eventengine.bus.delivery_timeouts",
		metric.WithDescription("Block-policy deliveries that timed out"),
	); err != nil {
		return nil, err
	}
	if m.derivedEvents, err = meter.Int64Counter("eventengine.events.derived",
		metric.WithDescription("Events emitted by engine components"),
	); err != nil {
		return nil, err
	}
	if m.storeAppends, err = meter.Int64Counter("eventengine.store.appends",
		metric.WithDescription("Store append attempts"),
	); err != nil {
		return nil, err
	}
	if m.storeLatency, err = meter.Float64Histogram("eventengine.store.latency_ms",
		metric.WithDescription("Store append latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func (m *otelMetrics) RecordEventProcessed(ctx context.Context, eventType, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("outcome", outcome),
	)
	m.eventsProcessed.Add(ctx, 1, attrs)
	m.processLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
}

func (m *otelMetrics) RecordStageError(ctx context.Context, stage string) {
	m.stageErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

func (m *otelMetrics) RecordBusPublish(ctx context.Context, delivered, dropped int) {
	if delivered > 0 {
		m.busDelivered.Add(ctx, int64(delivered))
	}
	if dropped > 0 {
		m.busDropped.Add(ctx, int64(dropped))
	}
}

func (m *otelMetrics) RecordDeliveryTimeout(ctx context.Context, subscription string) {
	m.deliveryTimeouts.Add(ctx, 1, metric.WithAttributes(attribute.String("subscription", subscription)))
}

func (m *otelMetrics) RecordDerived(ctx context.Context, eventType string) {
	m.derivedEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

func (m *otelMetrics) RecordStoreAppend(ctx context.Context, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.Bool("success", err == nil))
	m.storeAppends.Add(ctx, 1, attrs)
	m.storeLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
}
