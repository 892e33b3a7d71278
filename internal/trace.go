package internal

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"runtime/trace"

	"go.opentelemetry.io/contrib/propagators/jaeger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	otrace "go.opentelemetry.io/otel/trace"
)

const tracerName = "background-sync"

// Task is a combined runtime/trace task and OTLP span. Start one per unit of
// queued resolution work so the per-phase spans underneath have a parent in
// both systems.
type Task struct {
	task *trace.Task
	span otrace.Span
}

func (s *Task) End() {
	s.task.End()
	s.span.End()
}

// RuntimeTraceOTLPSpan is a combined runtime/trace region and OTLP span.
type RuntimeTraceOTLPSpan struct {
	region *trace.Region
	span   otrace.Span
}

func (s *RuntimeTraceOTLPSpan) End() {
	s.region.End()
	s.span.End()
}

// Logf records a log event against both trace systems.
func Logf(ctx context.Context, category, format string, args ...interface{}) {
	trace.Logf(ctx, category, format, args...)
	s := otrace.SpanFromContext(ctx)
	s.AddEvent(fmt.Sprintf(format, args...), otrace.WithAttributes(
		attribute.String("category", category),
	))
}

// StartSpan opens a region and span under whatever task is on ctx. Same
// shape as StartTask so callers can nest either.
func StartSpan(ctx context.Context, name string) (context.Context, *RuntimeTraceOTLPSpan) {
	region := trace.StartRegion(ctx, name)
	newCtx, ospan := otel.Tracer(tracerName).Start(ctx, name)
	return newCtx, &RuntimeTraceOTLPSpan{
		region: region,
		span:   ospan,
	}
}

func StartTask(ctx context.Context, name string) (context.Context, *Task) {
	ctx, task := trace.NewTask(ctx, name)
	newCtx, ospan := otel.Tracer(tracerName).Start(ctx, name)
	return newCtx, &Task{
		task: task,
		span: ospan,
	}
}

// ConfigureOTLP points the global tracer provider at an OTLP collector.
// Spans are batched; http URLs skip TLS, which is only suitable for testing.
func ConfigureOTLP(otlpURL, otlpUser, otlpPass, version string) error {
	parsed, err := url.Parse(otlpURL)
	if err != nil {
		return err
	}
	if parsed.Path != "" {
		return fmt.Errorf("OTLP URL %s cannot contain any path segments", otlpURL)
	}
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(parsed.Host),
	}
	if parsed.Scheme == "http" {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if otlpUser != "" && otlpPass != "" {
		basic := base64.StdEncoding.EncodeToString([]byte(otlpUser + ":" + otlpPass))
		opts = append(opts, otlptracehttp.WithHeaders(map[string]string{
			"Authorization": "Basic " + basic,
		}))
	}
	exp, err := otlptrace.New(context.Background(), otlptracehttp.NewClient(opts...))
	if err != nil {
		return err
	}
	otel.SetTracerProvider(tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("background-sync"),
			attribute.String("version", version),
		)),
	))
	// traceparent (TraceContext) plus Baggage and legacy uber-trace-id headers
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.Baggage{}, propagation.TraceContext{}, jaeger.Jaeger{},
	))
	return nil
}
