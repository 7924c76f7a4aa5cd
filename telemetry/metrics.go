// Package telemetry bootstraps OpenTelemetry metrics for the optional
// observability surface described by spec_full §4.J: live address count,
// message throughput, and broadcast tick count. It is a no-op until an
// OTLP endpoint is configured, matching the ambient opt-in pattern.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// Meter bundles every instrument PostTroll components record against.
type Meter struct {
	AddressesLive   metric.Int64UpDownCounter
	MessagesSent    metric.Int64Counter
	MessagesRecv    metric.Int64Counter
	BroadcastTicks  metric.Int64Counter
}

// InitMeterProvider bootstraps the OpenTelemetry MeterProvider with an
// OTLP/gRPC metric exporter targeting endpoint. The caller must defer
// mp.Shutdown(ctx) to flush pending metrics.
func InitMeterProvider(ctx context.Context, serviceName, endpoint string) (*sdkmetric.MeterProvider, error) {
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		)),
	)

	otel.SetMeterProvider(mp)
	return mp, nil
}

// NewMeter builds the named instruments against the process's current
// MeterProvider (the global no-op provider if InitMeterProvider was never
// called, so instrumentation calls are always safe).
func NewMeter() (*Meter, error) {
	m := otel.Meter("posttroll")

	live, err := m.Int64UpDownCounter("posttroll.addresses.live",
		metric.WithDescription("Number of live publisher advertisements currently tracked."))
	if err != nil {
		return nil, err
	}
	sent, err := m.Int64Counter("posttroll.messages.sent",
		metric.WithDescription("Messages sent by publishers."))
	if err != nil {
		return nil, err
	}
	recv, err := m.Int64Counter("posttroll.messages.received",
		metric.WithDescription("Messages delivered to subscribers."))
	if err != nil {
		return nil, err
	}
	ticks, err := m.Int64Counter("posttroll.broadcast.ticks",
		metric.WithDescription("Advertisement emissions sent by broadcasters."))
	if err != nil {
		return nil, err
	}

	return &Meter{
		AddressesLive:  live,
		MessagesSent:   sent,
		MessagesRecv:   recv,
		BroadcastTicks: ticks,
	}, nil
}
