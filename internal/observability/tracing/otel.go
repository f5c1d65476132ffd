// Package tracing wires OpenTelemetry for the API and the reminder daemon.
// Spans cross process boundaries twice in this system: HTTP requests into the
// API, and dispatch events published to the broker, so trace context
// propagation is configured alongside the exporter.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Config holds exporter and sampling settings for one process.
type Config struct {
	// ServiceName distinguishes the API from the reminder daemon in traces.
	ServiceName    string
	ServiceVersion string
	Environment    string
	// OTLPEndpoint is the collector's gRPC address, host:port without scheme.
	OTLPEndpoint string
	// SampleRate is the fraction of traces to keep; values >= 1 keep all.
	SampleRate float64
	// ExportInterval is how long spans may sit in the batch before export.
	ExportInterval time.Duration
}

// DefaultConfig returns settings sized for this workload: three reminder runs
// a day plus interactive API traffic is low volume, so every trace is kept
// and batches are flushed quickly rather than waiting to fill.
func DefaultConfig(serviceName string) Config {
	return Config{
		ServiceName:    serviceName,
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		ExportInterval: 5 * time.Second,
	}
}

// Provider owns the installed tracer provider.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// Init builds the OTLP exporter, installs the global tracer provider and the
// W3C trace-context propagator, and returns a handle for shutdown. Callers
// treat a failure here as degraded, not fatal: the system runs untraced.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.ExportInterval <= 0 {
		cfg.ExportInterval = DefaultConfig(cfg.ServiceName).ExportInterval
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(cfg.ExportInterval),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{tp: tp}, nil
}

func sampler(rate float64) sdktrace.Sampler {
	if rate >= 1.0 {
		return sdktrace.AlwaysSample()
	}
	// Respect an upstream sampling decision; ratio-sample only new roots.
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// Shutdown flushes pending spans and stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
