// Package telemetry traces runs and iterations with OpenTelemetry.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Exporter selects where spans go.
type Exporter string

const (
	ExporterNone     Exporter = "none"
	ExporterStdout   Exporter = "stdout"
	ExporterOTLPGRPC Exporter = "otlp-grpc"
	ExporterOTLPHTTP Exporter = "otlp-http"
)

// Config holds tracer settings. Tracing is a no-op unless Enabled is set and
// Exporter is not "none".
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Exporter       Exporter
	Endpoint       string
	Insecure       bool
	// SampleRate in [0, 1]; 1 samples everything.
	SampleRate float64
	Attributes map[string]string
}

// Tracer starts run and iteration spans.
type Tracer struct {
	enabled  bool
	provider trace.TracerProvider
	tracer   trace.Tracer
	shutdown func(context.Context) error
}

// NewTracer builds a tracer from cfg.
func NewTracer(ctx context.Context, cfg Config) (*Tracer, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "sentient-sequencer"
	}
	if !cfg.Enabled || cfg.Exporter == "" || cfg.Exporter == ExporterNone {
		return Noop(), nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	for k, v := range cfg.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes("", attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1.0 || cfg.SampleRate == 0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate < 0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return &Tracer{
		enabled:  true,
		provider: tp,
		tracer:   tp.Tracer(cfg.ServiceName),
		shutdown: tp.Shutdown,
	}, nil
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case ExporterOTLPGRPC:
		var opts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	case ExporterOTLPHTTP:
		var opts []otlptracehttp.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.Exporter)
	}
}

// Noop returns a tracer that records nothing.
func Noop() *Tracer {
	tp := noop.NewTracerProvider()
	return &Tracer{
		provider: tp,
		tracer:   tp.Tracer("sentient-sequencer"),
		shutdown: func(context.Context) error { return nil },
	}
}

// Enabled reports whether spans are exported.
func (t *Tracer) Enabled() bool {
	return t != nil && t.enabled
}

// Shutdown flushes pending spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.shutdown == nil {
		return nil
	}
	return t.shutdown(ctx)
}

// StartRunSpan starts the span covering one run invocation.
func (t *Tracer) StartRunSpan(ctx context.Context, runID, ordering string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "sequencer.run",
		trace.WithAttributes(
			attribute.String("sequencer.run_id", runID),
			attribute.String("sequencer.ordering", ordering),
		),
	)
}

// IterationSpanOptions describes an iteration span.
type IterationSpanOptions struct {
	RunID       string
	Iteration   int
	Calibration bool
	Sequence    string
}

// StartIterationSpan starts the span covering one iteration.
func (t *Tracer) StartIterationSpan(ctx context.Context, opts IterationSpanOptions) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "sequencer.iteration",
		trace.WithAttributes(
			attribute.String("sequencer.run_id", opts.RunID),
			attribute.Int("sequencer.iteration", opts.Iteration),
			attribute.Bool("sequencer.calibration", opts.Calibration),
			attribute.String("sequencer.sequence", opts.Sequence),
		),
	)
}

// RecordStep adds a protocol step event to span.
func RecordStep(span trace.Span, step, status string) {
	if span == nil {
		return
	}
	span.AddEvent("step", trace.WithAttributes(
		attribute.String("step", step),
		attribute.String("status", status),
	))
}

// RecordError marks span failed with err and its kind.
func RecordError(span trace.Span, err error, kind string) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String("error.kind", kind))
}
