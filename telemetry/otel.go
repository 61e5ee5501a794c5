package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/itsneelabh/callrelay/core"
)

const instrumentationName = "github.com/itsneelabh/callrelay"

// Exporter names accepted in TelemetryConfig.Exporter
const (
	ExporterOTLP   = "otlp"
	ExporterStdout = "stdout"
	ExporterNone   = "none"
)

// Provider implements core.Telemetry with OpenTelemetry.
// Spans go to the configured exporter; metrics are recorded through a
// MeterProvider and reach whatever readers were supplied with WithMetricReader.
type Provider struct {
	tracer        trace.Tracer
	metrics       *MetricInstruments
	limiter       *CardinalityLimiter
	traceProvider *sdktrace.TracerProvider
	meterProvider *sdkmetric.MeterProvider
	logger        core.Logger
}

type providerOptions struct {
	spanExporter sdktrace.SpanExporter
	traceWriter  io.Writer
	readers      []sdkmetric.Reader
	labelLimits  map[string]int
	setGlobal    bool
}

// ProviderOption customizes NewProvider.
type ProviderOption func(*providerOptions)

// WithSpanExporter uses exp instead of the exporter named in the config.
func WithSpanExporter(exp sdktrace.SpanExporter) ProviderOption {
	return func(o *providerOptions) { o.spanExporter = exp }
}

// WithTraceWriter sets the destination of the stdout exporter.
func WithTraceWriter(w io.Writer) ProviderOption {
	return func(o *providerOptions) { o.traceWriter = w }
}

// WithMetricReader attaches a reader (periodic exporter or manual reader)
// to the meter provider.
func WithMetricReader(r sdkmetric.Reader) ProviderOption {
	return func(o *providerOptions) { o.readers = append(o.readers, r) }
}

// WithLabelLimits replaces DefaultLabelLimits.
func WithLabelLimits(limits map[string]int) ProviderOption {
	return func(o *providerOptions) { o.labelLimits = limits }
}

// WithoutGlobal keeps the provider out of the otel globals.
func WithoutGlobal() ProviderOption {
	return func(o *providerOptions) { o.setGlobal = false }
}

// NewProvider creates a telemetry provider from cfg. Unless WithoutGlobal
// is given it also installs itself as the global tracer provider, so that
// clients from NewTracedHTTPClient join the call spans.
func NewProvider(ctx context.Context, cfg core.TelemetryConfig, opts ...ProviderOption) (*Provider, error) {
	o := &providerOptions{traceWriter: os.Stdout, labelLimits: DefaultLabelLimits(), setGlobal: true}
	for _, opt := range opts {
		opt(o)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "callrelay"
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter := o.spanExporter
	if exporter == nil {
		exporter, err = newSpanExporter(ctx, cfg, o.traceWriter)
		if err != nil {
			return nil, err
		}
	}

	rate := cfg.SamplingRate
	if rate <= 0 || rate > 1 {
		rate = 1
	}
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	}
	if exporter != nil {
		if o.spanExporter != nil {
			tpOpts = append(tpOpts, sdktrace.WithSyncer(exporter))
		} else {
			tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
		}
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	mpOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range o.readers {
		mpOpts = append(mpOpts, sdkmetric.WithReader(r))
	}
	mp := sdkmetric.NewMeterProvider(mpOpts...)

	if o.setGlobal {
		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
	}

	return &Provider{
		tracer:        tp.Tracer(instrumentationName),
		metrics:       NewMetricInstruments(mp.Meter(instrumentationName)),
		limiter:       NewCardinalityLimiter(o.labelLimits),
		traceProvider: tp,
		meterProvider: mp,
		logger:        &core.NoOpLogger{},
	}, nil
}

func newSpanExporter(ctx context.Context, cfg core.TelemetryConfig, w io.Writer) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(cfg.Exporter) {
	case "", ExporterOTLP:
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		}
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		endpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "http://"), "https://")

		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}
		return exp, nil
	case ExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		return exp, nil
	case ExporterNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown telemetry exporter %q: %w", cfg.Exporter, core.ErrInvalidConfiguration)
	}
}

// SetLogger sets the logger used to report metric recording failures.
func (p *Provider) SetLogger(logger core.Logger) {
	if logger == nil {
		p.logger = &core.NoOpLogger{}
	} else {
		p.logger = logger
	}
}

// StartSpan starts a new telemetry span
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	ctx, span := p.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric records name as a histogram when it is a duration
// ("*_ms" or containing "duration") and as a counter otherwise. Label
// values beyond the configured limits are recorded as "other".
func (p *Provider) RecordMetric(name string, value float64, labels map[string]string) {
	labels = p.limiter.Limit(name, labels)
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}

	var err error
	if isDurationMetric(name) {
		err = p.metrics.RecordHistogram(context.Background(), name, value, attrs...)
	} else {
		err = p.metrics.RecordCounter(context.Background(), name, value, attrs...)
	}
	if err != nil {
		p.logger.Warn("Failed to record metric", map[string]interface{}{
			"operation": "record_metric",
			"metric":    name,
			"error":     err.Error(),
		})
	}
}

// Shutdown flushes and stops the trace and meter providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	return errors.Join(
		p.traceProvider.Shutdown(ctx),
		p.meterProvider.Shutdown(ctx),
	)
}

func isDurationMetric(name string) bool {
	return strings.HasSuffix(name, "_ms") || strings.Contains(name, "duration")
}

// otelSpan wraps an OpenTelemetry span to implement core.Span
type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() {
	s.span.End()
}

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *otelSpan) RecordError(err error) {
	s.span.RecordError(err)
}
