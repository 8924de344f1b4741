// Package observability wires OpenTelemetry tracing and metrics for foxiles.
//
// Telemetry is off unless enabled in config. A disabled Provider still hands
// out working instruments backed by the global no-op providers, so callers
// never nil-check.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/Mindburn-Labs/foxiles"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string        `yaml:"service_name"`
	ServiceVersion string        `yaml:"service_version"`
	Environment    string        `yaml:"environment"`
	OTLPEndpoint   string        `yaml:"otlp_endpoint"` // gRPC, e.g. localhost:4317
	SampleRate     float64       `yaml:"sample_rate"`
	BatchTimeout   time.Duration `yaml:"batch_timeout"`
	Enabled        bool          `yaml:"enabled"`
	Insecure       bool          `yaml:"insecure"`
}

// DefaultConfig returns telemetry disabled with sane export settings.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "foxiles",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
	}
}

// Provider owns the trace and metric providers and the foxiles instruments.
type Provider struct {
	config         Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	requests       metric.Int64Counter
	errors         metric.Int64Counter
	duration       metric.Float64Histogram
	watchOutcomes  metric.Int64Counter
	releaseResults metric.Int64Counter
	ledgerErrors   metric.Int64Counter
}

// New creates a provider. With cfg.Enabled false nothing is exported.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	p := &Provider{
		config: cfg,
		logger: slog.Default().With("component", "observability"),
	}

	if cfg.Enabled {
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
			return nil, fmt.Errorf("observability: resource: %w", err)
		}
		if err := p.initTraceProvider(ctx, res); err != nil {
			return nil, fmt.Errorf("observability: trace provider: %w", err)
		}
		if err := p.initMetricProvider(ctx, res); err != nil {
			return nil, fmt.Errorf("observability: metric provider: %w", err)
		}
		p.logger.InfoContext(ctx, "observability initialized",
			"service", cfg.ServiceName, "endpoint", cfg.OTLPEndpoint, "sample_rate", cfg.SampleRate)
	} else {
		p.logger.DebugContext(ctx, "observability disabled")
	}

	p.tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(cfg.ServiceVersion))
	p.meter = otel.Meter(instrumentationName, metric.WithInstrumentationVersion(cfg.ServiceVersion))
	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("observability: instruments: %w", err)
	}
	return p, nil
}

// Disabled returns a provider that exports nothing. It never fails.
func Disabled() *Provider {
	p, err := New(context.Background(), Config{})
	if err != nil {
		panic(err)
	}
	return p
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return err
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return err
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	if p.requests, err = p.meter.Int64Counter("foxiles.requests.total",
		metric.WithDescription("HTTP requests handled"), metric.WithUnit("{request}")); err != nil {
		return err
	}
	if p.errors, err = p.meter.Int64Counter("foxiles.errors.total",
		metric.WithDescription("Requests that ended in a server error"), metric.WithUnit("{error}")); err != nil {
		return err
	}
	if p.duration, err = p.meter.Float64Histogram("foxiles.request.duration",
		metric.WithDescription("Request duration"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)); err != nil {
		return err
	}
	if p.watchOutcomes, err = p.meter.Int64Counter("foxiles.watch.outcomes",
		metric.WithDescription("Terminal purchase watch outcomes by state"), metric.WithUnit("{outcome}")); err != nil {
		return err
	}
	if p.releaseResults, err = p.meter.Int64Counter("foxiles.release.results",
		metric.WithDescription("Release attempts by result"), metric.WithUnit("{release}")); err != nil {
		return err
	}
	if p.ledgerErrors, err = p.meter.Int64Counter("foxiles.ledger.errors",
		metric.WithDescription("Failed ledger queries"), metric.WithUnit("{error}")); err != nil {
		return err
	}
	return nil
}

// Shutdown flushes and stops exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

func (p *Provider) Tracer() trace.Tracer { return p.tracer }

func (p *Provider) Meter() metric.Meter { return p.meter }

// StartSpan starts a span on the foxiles tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, opts...)
}

// RecordWatchOutcome counts a terminal watch state.
func (p *Provider) RecordWatchOutcome(ctx context.Context, state, reason string) {
	attrs := []attribute.KeyValue{attribute.String("state", state)}
	if reason != "" {
		attrs = append(attrs, attribute.String("reason", reason))
	}
	p.watchOutcomes.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRelease counts a release attempt by result ("released" or "destroyed").
func (p *Provider) RecordRelease(ctx context.Context, result, reason string) {
	p.releaseResults.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result), attribute.String("reason", reason)))
}

// RecordLedgerError counts a failed ledger query.
func (p *Provider) RecordLedgerError(ctx context.Context, transient bool) {
	p.ledgerErrors.Add(ctx, 1, metric.WithAttributes(attribute.Bool("transient", transient)))
}

// TrackOperation starts a span and request metrics; call the returned func
// with the operation's error when it finishes.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.StartSpan(ctx, name, trace.WithSpanKind(trace.SpanKindServer), trace.WithAttributes(attrs...))
	p.requests.Add(ctx, 1, metric.WithAttributes(attrs...))

	return ctx, func(err error) {
		p.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		if err != nil {
			span.RecordError(err)
			p.errors.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("error.type", fmt.Sprintf("%T", err)))...))
		}
		span.End()
	}
}
