// Package telemetry provides OpenTelemetry tracing setup and the run span
// helpers used by workers.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/JakeFAU/chapterd"

// Config controls the tracer provider.
type Config struct {
	ServiceName string
	Version     string
	// SampleRatio is the fraction of root spans kept; <= 0 disables sampling
	// and >= 1 keeps everything.
	SampleRatio float64
}

// InitTracerProvider installs the global trace provider and the W3C trace
// context propagator used to stamp handoff messages. Exporters are attached
// through opts; without one, spans are sampled but never leave the process.
func InitTracerProvider(ctx context.Context, cfg Config, opts ...sdktrace.TracerProviderOption) (*sdktrace.TracerProvider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "chapterd"
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
	if cfg.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.Version))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	all := append([]sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(cfg.SampleRatio))),
	}, opts...)
	tp := sdktrace.NewTracerProvider(all...)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio <= 0:
		return sdktrace.NeverSample()
	case ratio >= 1:
		return sdktrace.AlwaysSample()
	default:
		return sdktrace.TraceIDRatioBased(ratio)
	}
}

// StartRun opens the span covering one ticket run. It uses the global
// provider, so it is a no-op until InitTracerProvider has been called.
func StartRun(ctx context.Context, work, ticketID string) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, "download.run",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("chapterd.work", work),
			attribute.String("chapterd.ticket_id", ticketID),
		),
	)
}

// EndRun records the run outcome on span and ends it. A non-empty errMsg
// marks the span as failed.
func EndRun(span trace.Span, status, reason string, chapters int, errMsg string) {
	span.SetAttributes(
		attribute.String("chapterd.status", status),
		attribute.String("chapterd.reason", reason),
		attribute.Int("chapterd.chapters_completed", chapters),
	)
	if errMsg != "" {
		span.SetStatus(codes.Error, errMsg)
	}
	span.End()
}
