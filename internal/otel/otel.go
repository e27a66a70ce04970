// Package otel wires OpenTelemetry traces and metrics for the bridge. With
// telemetry disabled every tracer and meter it hands out is a no-op.
package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	// ScopeName names both the tracer and the meter.
	ScopeName = "agent-channels"
	// Version is reported in telemetry resources.
	Version = "v0.3-dev"

	ExporterOTLPHTTP = "otlp-http"
	ExporterStdout   = "stdout"
	ExporterNone     = "none"

	defaultOTLPEndpoint = "localhost:4318"
	metricInterval      = 30 * time.Second
)

// ErrUnknownExporter is returned by Validate for an unsupported exporter name.
var ErrUnknownExporter = errors.New("unknown exporter")

// agentDurationBuckets covers agent calls from a fast health probe up to a
// long generation hitting the request timeout.
var agentDurationBuckets = []float64{0.05, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 80, 120}

// Config holds OTel configuration. Keys are read from config.yaml under
// "otel" and from OTEL_* environment variables.
type Config struct {
	Enabled     bool    `yaml:"enabled" envconfig:"ENABLED"`
	Exporter    string  `yaml:"exporter" envconfig:"EXPORTER"`
	Endpoint    string  `yaml:"endpoint" envconfig:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" envconfig:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate" envconfig:"SAMPLE_RATE"`
}

// Validate checks the settings Init depends on. A disabled config is always
// valid.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch c.Exporter {
	case "", ExporterOTLPHTTP, ExporterStdout, ExporterNone:
	default:
		return fmt.Errorf("%w %q (supported: %s, %s, %s)", ErrUnknownExporter, c.Exporter, ExporterOTLPHTTP, ExporterStdout, ExporterNone)
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("sample rate %v outside [0, 1]", c.SampleRate)
	}
	return nil
}

// Provider hands out the bridge tracer and meter.
type Provider struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// Init builds the trace and metric pipelines. attrs are added to the
// resource, e.g. the agent id the bridge talks to. The returned Provider must
// be Shutdown on exit.
func Init(ctx context.Context, cfg Config, attrs ...attribute.KeyValue) (*Provider, error) {
	if !cfg.Enabled {
		return NoopProvider(), nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = ScopeName
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(append([]attribute.KeyValue{
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(Version),
		}, attrs...)...),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	spanExporter, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create span exporter: %w", err)
	}
	sampleRate := cfg.SampleRate
	if sampleRate == 0 {
		sampleRate = 1.0
	}
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	}
	if spanExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(spanExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)

	metricExporter, err := newMetricExporter(ctx, cfg)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	mpOpts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithView(agentDurationView()),
	}
	if metricExporter != nil {
		mpOpts = append(mpOpts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(metricInterval)),
		))
	}
	mp := sdkmetric.NewMeterProvider(mpOpts...)

	return &Provider{
		Tracer: tp.Tracer(ScopeName),
		Meter:  mp.Meter(ScopeName),
		tp:     tp,
		mp:     mp,
	}, nil
}

func agentDurationView() sdkmetric.View {
	return sdkmetric.NewView(
		sdkmetric.Instrument{Name: instrumentAgentDuration},
		sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: agentDurationBuckets}},
	)
}

// NoopProvider returns a provider whose tracer and meter discard everything.
func NoopProvider() *Provider {
	return &Provider{
		Tracer: nooptrace.NewTracerProvider().Tracer(ScopeName),
		Meter:  noop.NewMeterProvider().Meter(ScopeName),
	}
}

// Shutdown flushes pending spans and metrics.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.tp != nil {
		errs = append(errs, p.tp.Shutdown(ctx))
	}
	if p.mp != nil {
		errs = append(errs, p.mp.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

func otlpEndpoint(cfg Config) string {
	if cfg.Endpoint == "" {
		return defaultOTLPEndpoint
	}
	return cfg.Endpoint
}

// newSpanExporter returns nil for the "none" exporter.
func newSpanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterOTLPHTTP, "":
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(otlpEndpoint(cfg)),
			otlptracehttp.WithInsecure(),
		)
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, nil
	}
}

// newMetricExporter returns nil for the "none" exporter.
func newMetricExporter(ctx context.Context, cfg Config) (sdkmetric.Exporter, error) {
	switch cfg.Exporter {
	case ExporterOTLPHTTP, "":
		return otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(otlpEndpoint(cfg)),
			otlpmetrichttp.WithInsecure(),
		)
	case ExporterStdout:
		return stdoutmetric.New()
	default:
		return nil, nil
	}
}
