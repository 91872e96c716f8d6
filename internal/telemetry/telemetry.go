// Package telemetry sets up OpenTelemetry tracing and metrics for the answer
// service and hands out scoped tracers and meters.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Shutdown flushes and stops the exporters.
type Shutdown func(ctx context.Context) error

// Options configures Init. An empty Endpoint disables export.
type Options struct {
	Endpoint    string
	Insecure    bool
	ServiceName string
	Version     string
	Environment string

	// Collection is the vector collection this process serves. It is
	// attached to every span and metric so several deployments can share
	// one collector.
	Collection string

	// SampleRatio is the fraction of new traces recorded. Spans under a
	// sampled remote parent are always recorded.
	SampleRatio float64
}

const (
	batchTimeout   = 5 * time.Second
	exportInterval = 15 * time.Second
)

// Init installs global tracer and meter providers exporting over OTLP/HTTP,
// plus W3C trace context propagation so provider and vector store calls
// continue the inbound trace. Without an endpoint the global no-op providers
// stay in place.
func Init(ctx context.Context, opts Options) (Shutdown, error) {
	if opts.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(resourceAttributes(opts)...))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	tp, err := newTracerProvider(ctx, opts, res)
	if err != nil {
		return nil, err
	}
	mp, err := newMeterProvider(ctx, opts, res)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

func resourceAttributes(opts Options) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(opts.ServiceName),
		semconv.ServiceVersionKey.String(opts.Version),
	}
	if opts.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironmentKey.String(opts.Environment))
	}
	if opts.Collection != "" {
		attrs = append(attrs, attribute.String("pagecontext.collection", opts.Collection))
	}
	return attrs
}

// sampler honours the parent's decision and samples root spans by ratio.
func sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case ratio <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

func newTracerProvider(ctx context.Context, opts Options, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	exportOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(opts.Endpoint)}
	if opts.Insecure {
		exportOpts = append(exportOpts, otlptracehttp.WithInsecure())
	}
	exp, err := otlptracehttp.New(ctx, exportOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(batchTimeout)),
		sdktrace.WithSampler(sampler(opts.SampleRatio)),
		sdktrace.WithResource(res),
	), nil
}

func newMeterProvider(ctx context.Context, opts Options, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	exportOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(opts.Endpoint)}
	if opts.Insecure {
		exportOpts = append(exportOpts, otlpmetrichttp.WithInsecure())
	}
	exp, err := otlpmetrichttp.New(ctx, exportOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(exportInterval))),
		sdkmetric.WithResource(res),
	), nil
}

// Meter returns the global meter for an instrumentation scope.
func Meter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

// Tracer returns the global tracer for an instrumentation scope.
func Tracer(name string) trace.Tracer {
	return otel.GetTracerProvider().Tracer(name)
}
