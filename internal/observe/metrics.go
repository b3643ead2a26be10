// Package observe provides application-wide observability primitives for
// voxgate: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxgate metrics.
const meterName = "github.com/MrWong99/voxgate"

// Metrics holds all OpenTelemetry metric instruments for the gateway.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Histograms ---

	// SessionDuration tracks how long device sessions last.
	SessionDuration metric.Float64Histogram

	// ProviderConnectDuration tracks upstream provider dial and
	// configuration latency.
	ProviderConnectDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderConnects counts upstream connection attempts. Use with
	// attributes: attribute.String("provider", ...), attribute.String("status", ...)
	ProviderConnects metric.Int64Counter

	// ProviderErrors counts upstream errors after connection. Use with
	// attribute: attribute.String("provider", ...)
	ProviderErrors metric.Int64Counter

	// TurnsPersisted counts finalised conversation turns written to the
	// store. Use with attribute: attribute.String("role", ...)
	TurnsPersisted metric.Int64Counter

	// AudioPacketsOut counts encoded audio packets sent to devices.
	AudioPacketsOut metric.Int64Counter

	// RejectedUpgrades counts refused WebSocket upgrade attempts. Use with
	// attribute: attribute.String("reason", ...)
	RejectedUpgrades metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live device sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// connectBuckets covers upstream dial latencies up to the connect timeout.
var connectBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets covers device session lifetimes (in seconds).
var sessionBuckets = []float64{
	1, 5, 15, 60, 300, 900, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SessionDuration, err = m.Float64Histogram("voxgate.session.duration",
		metric.WithDescription("Lifetime of device sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderConnectDuration, err = m.Float64Histogram("voxgate.provider.connect.duration",
		metric.WithDescription("Latency of upstream provider connect and session configuration."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(connectBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxgate.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderConnects, err = m.Int64Counter("voxgate.provider.connects",
		metric.WithDescription("Total upstream connection attempts by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("voxgate.provider.errors",
		metric.WithDescription("Total upstream errors after connection, by provider."),
	); err != nil {
		return nil, err
	}
	if met.TurnsPersisted, err = m.Int64Counter("voxgate.turns.persisted",
		metric.WithDescription("Total conversation turns written to the store, by role."),
	); err != nil {
		return nil, err
	}
	if met.AudioPacketsOut, err = m.Int64Counter("voxgate.audio.packets.out",
		metric.WithDescription("Total encoded audio packets sent to devices."),
	); err != nil {
		return nil, err
	}
	if met.RejectedUpgrades, err = m.Int64Counter("voxgate.upgrades.rejected",
		metric.WithDescription("Total refused WebSocket upgrade attempts, by reason."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxgate.active_sessions",
		metric.WithDescription("Number of live device sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderConnect records one upstream connection attempt.
func (m *Metrics) RecordProviderConnect(ctx context.Context, provider, status string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("status", status),
	)
	m.ProviderConnects.Add(ctx, 1, attrs)
	m.ProviderConnectDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordProviderError records one upstream error after connection.
func (m *Metrics) RecordProviderError(ctx context.Context, provider string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordTurnPersisted records one finalised conversation turn.
func (m *Metrics) RecordTurnPersisted(ctx context.Context, role string) {
	m.TurnsPersisted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("role", role)))
}

// RecordRejectedUpgrade records one refused upgrade attempt.
func (m *Metrics) RecordRejectedUpgrade(ctx context.Context, reason string) {
	m.RejectedUpgrades.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)))
}

// SessionStarted marks a session as live.
func (m *Metrics) SessionStarted(ctx context.Context) {
	m.ActiveSessions.Add(ctx, 1)
}

// SessionEnded marks a session as finished and records its lifetime.
func (m *Metrics) SessionEnded(ctx context.Context, seconds float64) {
	m.ActiveSessions.Add(ctx, -1)
	m.SessionDuration.Record(ctx, seconds)
}
