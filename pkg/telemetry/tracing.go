// Package telemetry wires per-invocation tracing. Each agent run produces one
// root span with children for the probe, decision, prompt, and enforcement
// phases; spans go to an OTLP endpoint, the zerolog exporter, or nowhere.
package telemetry

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/haasonsaas/compel"

// Setup configures the global tracer provider. With an endpoint, spans are
// exported over OTLP HTTP; with logSpans, completed spans are written to the
// diagnostic log instead. Returns the provider so callers can shut it down
// before the process exits (invocations are short; flushing matters).
func Setup(ctx context.Context, serviceName, serviceVersion, endpoint string, insecure, logSpans bool, sampleRatio float64) (*sdktrace.TracerProvider, error) {
	if sampleRatio <= 0 || sampleRatio > 1 {
		sampleRatio = 1
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio))),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		)),
	}

	if endpoint != "" {
		// The OTLP HTTP exporter wants a schemeless endpoint; a plain http
		// scheme additionally marks the connection insecure.
		ep := endpoint
		if strings.HasPrefix(endpoint, "https://") {
			ep = strings.TrimPrefix(endpoint, "https://")
		} else if strings.HasPrefix(endpoint, "http://") {
			ep = strings.TrimPrefix(endpoint, "http://")
			insecure = true
		}
		if ep == "" {
			return nil, errors.New("invalid OTLP endpoint")
		}
		clientOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(ep)}
		if insecure {
			clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(ctx, clientOpts...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	} else if logSpans {
		opts = append(opts, sdktrace.WithSpanProcessor(
			sdktrace.NewSimpleSpanProcessor(newLoggingExporter())))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return provider, nil
}

// StartInvocation opens the root span for one agent pass.
func StartInvocation(ctx context.Context, name string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name)
}

// StartPhase opens a child span for one phase of the pass.
func StartPhase(ctx context.Context, phase string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, phase)
}
