// Package telemetry provides OpenTelemetry tracing and metrics behind an
// explicit registry. Providers are injected into components rather than set
// globally, so two servers in one process never share instrumentation.
package telemetry

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Config holds the telemetry configuration.
type Config struct {
	// ServiceName is the name of the service.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// Environment is the deployment environment (e.g., "production", "staging").
	Environment string

	// EnableTracing enables distributed tracing.
	EnableTracing bool

	// EnableMetrics enables metrics collection.
	EnableMetrics bool

	// SampleRate is the sampling rate for traces (0.0 to 1.0).
	SampleRate float64

	// OTLPEndpoint is the OTLP collector endpoint (e.g., "localhost:4317").
	OTLPEndpoint string

	// UseConsoleExporter uses console exporters for development.
	UseConsoleExporter bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	serviceName := "agentserver"
	if name := os.Getenv("OTEL_SERVICE_NAME"); name != "" {
		serviceName = name
	}

	return &Config{
		ServiceName:        serviceName,
		ServiceVersion:     "1.0.0",
		Environment:        "development",
		EnableTracing:      true,
		EnableMetrics:      true,
		SampleRate:         1.0,
		OTLPEndpoint:       "localhost:4317",
		UseConsoleExporter: os.Getenv("OTEL_EXPORTER_CONSOLE") == "true",
	}
}

// Registry bundles the tracer, meter, and the server's instruments. It owns
// the providers and shuts them down when the server stops.
type Registry struct {
	tracer trace.Tracer
	meter  metric.Meter

	runsStarted    metric.Int64Counter
	runsFinished   metric.Int64Counter
	eventsAppended metric.Int64Counter
	streamClients  metric.Int64UpDownCounter

	shutdownFuncs []func(context.Context) error
}

// Noop returns a registry whose tracer and meter discard everything. It is
// the zero-config choice for tests.
func Noop() *Registry {
	r := &Registry{
		tracer: tracenoop.NewTracerProvider().Tracer("agentserver"),
		meter:  metricnoop.NewMeterProvider().Meter("agentserver"),
	}
	if err := r.initInstruments(); err != nil {
		panic(err)
	}
	return r
}

// New initializes telemetry with the given configuration.
func New(ctx context.Context, cfg *Config) (*Registry, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		semconv.DeploymentEnvironmentNameKey.String(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	r := &Registry{
		tracer: tracenoop.NewTracerProvider().Tracer("agentserver"),
		meter:  metricnoop.NewMeterProvider().Meter("agentserver"),
	}

	if cfg.EnableTracing {
		if err := r.initTracing(ctx, cfg, res); err != nil {
			return nil, err
		}
	}
	if cfg.EnableMetrics {
		if err := r.initMetrics(cfg, res); err != nil {
			r.Shutdown(ctx)
			return nil, err
		}
	}
	if err := r.initInstruments(); err != nil {
		r.Shutdown(ctx)
		return nil, err
	}
	return r, nil
}

func (r *Registry) initTracing(ctx context.Context, cfg *Config, res *resource.Resource) error {
	var exporter sdktrace.SpanExporter
	var err error
	if cfg.UseConsoleExporter {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	} else {
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
	}
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRate)),
	)
	r.tracer = provider.Tracer("agentserver")
	r.shutdownFuncs = append(r.shutdownFuncs, provider.Shutdown)
	return nil
}

func (r *Registry) initMetrics(cfg *Config, res *resource.Resource) error {
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	r.meter = provider.Meter("agentserver")
	r.shutdownFuncs = append(r.shutdownFuncs, provider.Shutdown)
	return nil
}

func (r *Registry) initInstruments() error {
	var err error
	if r.runsStarted, err = r.meter.Int64Counter("runs.started",
		metric.WithDescription("Runs picked up by the execution driver")); err != nil {
		return err
	}
	if r.runsFinished, err = r.meter.Int64Counter("runs.finished",
		metric.WithDescription("Runs that reached a stopping point, by status")); err != nil {
		return err
	}
	if r.eventsAppended, err = r.meter.Int64Counter("events.appended",
		metric.WithDescription("Events appended to the durable log")); err != nil {
		return err
	}
	if r.streamClients, err = r.meter.Int64UpDownCounter("stream.clients",
		metric.WithDescription("Currently connected streaming subscribers")); err != nil {
		return err
	}
	return nil
}

// StartSpan starts a span on the registry's tracer.
func (r *Registry) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RunStarted counts a run pickup.
func (r *Registry) RunStarted(ctx context.Context) {
	r.runsStarted.Add(ctx, 1)
}

// RunFinished counts a run stopping point, labeled with its status.
func (r *Registry) RunFinished(ctx context.Context, status string) {
	r.runsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// EventAppended counts a durable log append.
func (r *Registry) EventAppended(ctx context.Context) {
	r.eventsAppended.Add(ctx, 1)
}

// StreamClientConnected tracks a subscriber attach/detach.
func (r *Registry) StreamClientConnected(ctx context.Context, delta int64) {
	r.streamClients.Add(ctx, delta)
}

// Shutdown flushes and stops the providers.
func (r *Registry) Shutdown(ctx context.Context) error {
	var lastErr error
	for _, fn := range r.shutdownFuncs {
		if err := fn(ctx); err != nil {
			lastErr = err
		}
	}
	r.shutdownFuncs = nil
	return lastErr
}
