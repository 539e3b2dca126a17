// Package telemetry wraps the OpenTelemetry instruments the broker exports:
// connection and client counts, subscription churn, and frame throughput.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the broker's instrument set. A nil *Metrics is valid and
// every method on it is a no-op, so callers never need to guard on whether
// metrics are enabled.
type Metrics struct {
	meter metric.Meter

	clientsRegistered   metric.Int64Counter
	clientsEvicted      metric.Int64Counter
	clientsActive       metric.Int64UpDownCounter
	connectionsOpened    metric.Int64Counter
	connectionsClosed    metric.Int64Counter
	connectionsActive    metric.Int64UpDownCounter
	subscriptionsActive  metric.Int64UpDownCounter
	framesFromUpstream   metric.Int64Counter
	framesToClients      metric.Int64Counter
	bytesFromUpstream    metric.Int64Counter
	upstreamOpenDuration metric.Float64Histogram
}

// New creates a broker metrics instance. serviceName names the meter.
func New(serviceName string) (*Metrics, error) {
	m := &Metrics{meter: otel.Meter(serviceName)}
	var err error

	if m.clientsRegistered, err = m.meter.Int64Counter(
		"wsproxy.clients.registered",
		metric.WithDescription("Total client registrations accepted"),
	); err != nil {
		return nil, fmt.Errorf("telemetry: create clientsRegistered: %w", err)
	}
	if m.clientsEvicted, err = m.meter.Int64Counter(
		"wsproxy.clients.evicted",
		metric.WithDescription("Clients evicted for a stale heartbeat"),
	); err != nil {
		return nil, fmt.Errorf("telemetry: create clientsEvicted: %w", err)
	}
	if m.clientsActive, err = m.meter.Int64UpDownCounter(
		"wsproxy.clients.active",
		metric.WithDescription("Currently registered clients"),
	); err != nil {
		return nil, fmt.Errorf("telemetry: create clientsActive: %w", err)
	}
	if m.connectionsOpened, err = m.meter.Int64Counter(
		"wsproxy.connections.opened",
		metric.WithDescription("Upstream connections successfully opened"),
	); err != nil {
		return nil, fmt.Errorf("telemetry: create connectionsOpened: %w", err)
	}
	if m.connectionsClosed, err = m.meter.Int64Counter(
		"wsproxy.connections.closed",
		metric.WithDescription("Upstream connections closed"),
	); err != nil {
		return nil, fmt.Errorf("telemetry: create connectionsClosed: %w", err)
	}
	if m.connectionsActive, err = m.meter.Int64UpDownCounter(
		"wsproxy.connections.active",
		metric.WithDescription("Currently open upstream connections"),
	); err != nil {
		return nil, fmt.Errorf("telemetry: create connectionsActive: %w", err)
	}
	if m.subscriptionsActive, err = m.meter.Int64UpDownCounter(
		"wsproxy.subscriptions.active",
		metric.WithDescription("Currently active symbol subscriptions"),
	); err != nil {
		return nil, fmt.Errorf("telemetry: create subscriptionsActive: %w", err)
	}
	if m.framesFromUpstream, err = m.meter.Int64Counter(
		"wsproxy.frames.from_upstream",
		metric.WithDescription("Data frames received from upstream connections"),
	); err != nil {
		return nil, fmt.Errorf("telemetry: create framesFromUpstream: %w", err)
	}
	if m.framesToClients, err = m.meter.Int64Counter(
		"wsproxy.frames.to_clients",
		metric.WithDescription("Frames published onto the server-to-client ring"),
	); err != nil {
		return nil, fmt.Errorf("telemetry: create framesToClients: %w", err)
	}
	if m.bytesFromUpstream, err = m.meter.Int64Counter(
		"wsproxy.bytes.from_upstream",
		metric.WithDescription("Payload bytes received from upstream connections"),
	); err != nil {
		return nil, fmt.Errorf("telemetry: create bytesFromUpstream: %w", err)
	}
	if m.upstreamOpenDuration, err = m.meter.Float64Histogram(
		"wsproxy.upstream.open_duration_ms",
		metric.WithDescription("Time from OpenWs dispatch to the upstream connection reaching CONNECTED or failing"),
	); err != nil {
		return nil, fmt.Errorf("telemetry: create upstreamOpenDuration: %w", err)
	}
	return m, nil
}

func (m *Metrics) ClientRegistered() {
	if m == nil {
		return
	}
	m.clientsRegistered.Add(context.Background(), 1)
	m.clientsActive.Add(context.Background(), 1)
}

func (m *Metrics) ClientRemoved(evicted bool) {
	if m == nil {
		return
	}
	if evicted {
		m.clientsEvicted.Add(context.Background(), 1)
	}
	m.clientsActive.Add(context.Background(), -1)
}

func (m *Metrics) ConnectionOpened(url string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("url", url))
	m.connectionsOpened.Add(context.Background(), 1, attrs)
	m.connectionsActive.Add(context.Background(), 1, attrs)
}

func (m *Metrics) ConnectionClosed(url string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("url", url))
	m.connectionsClosed.Add(context.Background(), 1, attrs)
	m.connectionsActive.Add(context.Background(), -1, attrs)
}

func (m *Metrics) SubscriptionAdded() {
	if m == nil {
		return
	}
	m.subscriptionsActive.Add(context.Background(), 1)
}

func (m *Metrics) SubscriptionRemoved() {
	if m == nil {
		return
	}
	m.subscriptionsActive.Add(context.Background(), -1)
}

func (m *Metrics) FrameFromUpstream(bytes int) {
	if m == nil {
		return
	}
	m.framesFromUpstream.Add(context.Background(), 1)
	m.bytesFromUpstream.Add(context.Background(), int64(bytes))
}

func (m *Metrics) FrameToClients(n int) {
	if m == nil || n == 0 {
		return
	}
	m.framesToClients.Add(context.Background(), int64(n))
}

func (m *Metrics) UpstreamOpenDuration(ms float64) {
	if m == nil {
		return
	}
	m.upstreamOpenDuration.Record(context.Background(), ms)
}
