/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       OpenTelemetry tracer provider setup (OTLP gRPC exporter,
             no-op fallback when unconfigured) and a chi-compatible
             tracing middleware that starts one span per request.
Root Cause:  Sprint task T145 — OpenTelemetry tracing.
Context:     Enables distributed tracing across gateway→provider
             hops when an OTLP collector endpoint is configured;
             degrades to a no-op tracer otherwise so the middleware
             chain is unconditional.
Suitability: L3 — tracer provider lifecycle + span attribute design.
──────────────────────────────────────────────────────────────
*/

package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerProvider wraps an OpenTelemetry tracer provider and its
// associated shutdown function.
type TracerProvider struct {
	logger   zerolog.Logger
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracerProvider builds an OTLP-exporting tracer provider when
// endpoint is non-empty, ratio-sampled at sampleRatio (clamped to
// [0,1]); returns a tracer backed by OpenTelemetry's global no-op
// implementation when endpoint is empty, so callers never need a nil
// check.
func NewTracerProvider(ctx context.Context, logger zerolog.Logger, serviceName, endpoint string, sampleRatio float64) (*TracerProvider, error) {
	logger = logger.With().Str("component", "tracing").Logger()

	if endpoint == "" {
		logger.Info().Msg("no OTLP endpoint configured, tracing disabled")
		return &TracerProvider{logger: logger, tracer: otel.Tracer("gateway")}, nil
	}
	if sampleRatio < 0 {
		sampleRatio = 0
	}
	if sampleRatio > 1 {
		sampleRatio = 1
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceNameKey.String(serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("merge resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	return &TracerProvider{
		logger:   logger,
		provider: provider,
		tracer:   provider.Tracer("gateway"),
	}, nil
}

// Shutdown flushes and stops the underlying tracer provider. Safe to
// call on a no-op provider.
func (t *TracerProvider) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// Middleware returns a chi-compatible middleware that starts one span
// per request named "{method} {path}", propagates incoming trace
// context via the standard `traceparent`/`tracestate` headers, and
// records the resolved HTTP status on the span.
func (t *TracerProvider) Middleware(next http.Handler) http.Handler {
	propagator := otel.GetTextMapPropagator()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		spanName := fmt.Sprintf("%s %s", r.Method, r.URL.Path)
		ctx, span := t.tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		span.SetAttributes(
			semconv.HTTPMethodKey.String(r.Method),
			semconv.HTTPTargetKey.String(r.URL.Path),
			attribute.String("http.host", r.Host),
		)
		if reqID := chimw.GetReqID(ctx); reqID != "" {
			span.SetAttributes(attribute.String("gateway.request_id", reqID))
		}

		start := time.Now()
		rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(rw, r.WithContext(ctx))

		span.SetAttributes(
			semconv.HTTPStatusCodeKey.Int(rw.Status()),
			attribute.Int64("http.duration_ms", time.Since(start).Milliseconds()),
		)
		if rw.Status() >= 500 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", rw.Status()))
		} else {
			span.SetStatus(codes.Ok, "")
		}
	})
}

// SpanFromContext returns the active span from ctx, or a no-op span if
// none is active.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}
