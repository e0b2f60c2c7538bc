// Package tracing initializes OpenTelemetry tracing for the engine. The
// exporter is chosen by the configured trace mode: "none" installs a no-op
// tracer, "stdout" pretty-prints spans, "otlp" ships them over OTLP/HTTP.
package tracing

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const serviceName = "companion"

var (
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
)

// Init sets up the global tracer for the given mode. Mode "none" is valid
// and leaves a no-op tracer in place.
func Init(mode string) error {
	if mode == "" || mode == "none" {
		tracer = otel.GetTracerProvider().Tracer(serviceName)
		return nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return fmt.Errorf("create resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch mode {
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("create stdout exporter: %w", err)
		}
		log.Printf("[tracing] initialized with stdout exporter")

	case "otlp":
		exporter, err = newOTLPExporter()
		if err != nil {
			return fmt.Errorf("create otlp exporter: %w", err)
		}
		log.Printf("[tracing] initialized with otlp exporter")

	default:
		return fmt.Errorf("unknown trace mode: %q", mode)
	}

	tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tracerProvider)
	tracer = tracerProvider.Tracer(serviceName)
	return nil
}

// Shutdown flushes pending spans. Safe to call when Init was never run.
func Shutdown(ctx context.Context) error {
	if tracerProvider == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	return tracerProvider.Shutdown(ctx)
}

// Start opens a span. Before Init runs this falls back to the global no-op
// tracer, so library code can call it unconditionally.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tr := tracer
	if tr == nil {
		tr = otel.GetTracerProvider().Tracer(serviceName)
	}
	spanCtx, span := tr.Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return spanCtx, span
}

// newOTLPExporter builds the OTLP/HTTP exporter from the standard
// OTEL_EXPORTER_OTLP_ENDPOINT and OTEL_EXPORTER_OTLP_HEADERS variables.
func newOTLPExporter() (sdktrace.SpanExporter, error) {
	var opts []otlptracehttp.Option
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(endpoint))
	}
	if headers := parseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")); len(headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(headers))
	}
	client := otlptracehttp.NewClient(opts...)
	return otlptrace.New(context.Background(), client)
}

// parseHeaders splits a "key1=value1,key2=value2" header list.
func parseHeaders(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	headers := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			continue
		}
		headers[k] = v
	}
	return headers
}
