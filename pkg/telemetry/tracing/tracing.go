// Package tracing installs the process-wide OpenTelemetry tracer provider.
//
// Spans are exported over OTLP/gRPC. A collector outage never reaches the
// request path: failed batches are logged, counted and dropped.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/goclaw/mnemos/config"
	"github.com/goclaw/mnemos/pkg/logger"
)

// ShutdownFunc flushes and releases tracing resources.
type ShutdownFunc func(ctx context.Context) error

// Service identifies the process in exported spans.
type Service struct {
	Name        string
	Version     string
	Environment string
}

// ServiceFrom builds the service identity from the app config.
func ServiceFrom(app config.AppConfig) Service {
	return Service{Name: app.Name, Version: app.Version, Environment: app.Environment}
}

// FailureRecorder is told about every span batch that could not be exported.
type FailureRecorder interface {
	RecordTraceExportFailure(spans int)
}

type settings struct {
	exporter sdktrace.SpanExporter
	recorder FailureRecorder
	log      logger.Logger
}

// Option customizes Init.
type Option func(*settings)

// WithExporter replaces the OTLP exporter.
func WithExporter(exp sdktrace.SpanExporter) Option {
	return func(s *settings) { s.exporter = exp }
}

// WithFailureRecorder counts failed exports, usually into Prometheus.
func WithFailureRecorder(r FailureRecorder) Option {
	return func(s *settings) { s.recorder = r }
}

// WithLogger sets the logger for export failures.
func WithLogger(l logger.Logger) Option {
	return func(s *settings) { s.log = l }
}

// Init installs the W3C propagators and the tracer provider described by
// cfg. With tracing disabled the provider is a no-op and the returned
// shutdown does nothing.
func Init(ctx context.Context, cfg config.TracingConfig, svc Service, opts ...Option) (ShutdownFunc, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	s := settings{log: logger.Global()}
	for _, opt := range opts {
		opt(&s)
	}
	endpoint := normalizeEndpoint(cfg.Endpoint)
	if s.exporter == nil {
		exp, err := otlpExporter(ctx, endpoint, cfg)
		if err != nil {
			return nil, fmt.Errorf("create tracing exporter: %w", err)
		}
		s.exporter = exp
	}
	guarded := &guardedExporter{
		SpanExporter: s.exporter,
		endpoint:     endpoint,
		recorder:     s.recorder,
		log:          s.log,
	}

	res, err := newResource(ctx, svc)
	if err != nil {
		_ = guarded.Shutdown(ctx)
		return nil, fmt.Errorf("create tracing resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(guarded),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(selectSampler(cfg)),
	)
	otel.SetTracerProvider(tp)
	s.log.Info("tracing enabled", "endpoint", endpoint, "sampler", cfg.Sampler, "sample_rate", cfg.SampleRate)

	return func(ctx context.Context) error {
		flushErr := tp.ForceFlush(ctx)
		if err := tp.Shutdown(ctx); err != nil {
			return errors.Join(flushErr, fmt.Errorf("shutdown tracer provider: %w", err))
		}
		if flushErr != nil {
			return fmt.Errorf("flush tracer provider: %w", flushErr)
		}
		return nil
	}, nil
}

func validate(cfg config.TracingConfig) error {
	var errs []error
	if exp := strings.ToLower(strings.TrimSpace(cfg.Exporter)); exp != "otlp" {
		errs = append(errs, fmt.Errorf("unsupported tracing exporter %q", cfg.Exporter))
	}
	if normalizeEndpoint(cfg.Endpoint) == "" {
		errs = append(errs, errors.New("tracing endpoint cannot be empty"))
	}
	if cfg.Timeout <= 0 {
		errs = append(errs, errors.New("tracing timeout must be > 0"))
	}
	return errors.Join(errs...)
}

func otlpExporter(ctx context.Context, endpoint string, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithTimeout(cfg.Timeout),
		otlptracegrpc.WithInsecure(),
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	return otlptracegrpc.New(ctx, opts...)
}

// guardedExporter reports and swallows export errors so the batch
// processor keeps running while the collector is down.
type guardedExporter struct {
	sdktrace.SpanExporter
	endpoint string
	recorder FailureRecorder
	log      logger.Logger
}

func (e *guardedExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	err := e.SpanExporter.ExportSpans(ctx, spans)
	if err == nil {
		return nil
	}
	e.log.Warn("span export failed", "error", err, "endpoint", e.endpoint, "span_count", len(spans))
	if e.recorder != nil {
		e.recorder.RecordTraceExportFailure(len(spans))
	}
	return nil
}

func newResource(ctx context.Context, svc Service) (*resource.Resource, error) {
	name := svc.Name
	if name == "" {
		name = "mnemos"
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(name),
		semconv.ServiceVersion(svc.Version),
	}
	if svc.Environment != "" {
		attrs = append(attrs, attribute.String("deployment.environment.name", svc.Environment))
	}
	return resource.New(ctx,
		resource.WithAttributes(attrs...),
		resource.WithHost(),
		resource.WithProcessPID(),
	)
}

func selectSampler(cfg config.TracingConfig) sdktrace.Sampler {
	switch strings.ToLower(strings.TrimSpace(cfg.Sampler)) {
	case "always_on":
		return sdktrace.AlwaysSample()
	case "always_off":
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))
	}
}

// normalizeEndpoint reduces a collector URL such as
// http://otel:4317/v1/traces to the host:port the gRPC exporter dials.
func normalizeEndpoint(endpoint string) string {
	raw := strings.TrimSpace(endpoint)
	if !strings.Contains(raw, "://") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}
