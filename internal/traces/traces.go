// Package traces wires OpenTelemetry tracing for HTTP requests, risk
// evaluations and tracking scans.
package traces

import (
	"context"
	"log/slog"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/prateushsharma/amlbot"

// Settings configures the exporter.
type Settings struct {
	Endpoint    string  // OTLP/gRPC host:port; empty disables export
	Version     string  // service.version resource attribute
	SampleRatio float64 // fraction of root spans kept, 0..1
}

// Init installs the W3C trace-context propagator and, when an endpoint is
// set, an OTLP tracer provider sampling root spans at SampleRatio. The
// returned func flushes and stops the exporter.
func Init(ctx context.Context, s Settings, logger *slog.Logger) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	if s.Endpoint == "" {
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(s.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName("amlbot"),
			semconv.ServiceVersion(s.Version),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(s.SampleRatio))),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", s.Endpoint, "sampleRatio", s.SampleRatio)
	return tp.Shutdown, nil
}

// StartSpan starts a span on the package tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// Fail records err on span and marks it failed. A nil err is a no-op.
func Fail(span trace.Span, err error, msg string) {
	if err == nil {
		return
	}
	span.RecordError(err)
	if msg == "" {
		msg = err.Error()
	}
	span.SetStatus(codes.Error, msg)
}

// Middleware continues an incoming W3C trace and wraps the request in a
// server span named after the matched route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := otel.Tracer(tracerName).Start(ctx, c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(c.Request.Method),
				semconv.HTTPRoute(route),
			))
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(semconv.HTTPResponseStatusCode(status))
		if status >= 500 {
			span.SetStatus(codes.Error, "server error")
		}
	}
}

func Chain(id string) attribute.KeyValue {
	return attribute.String("chain", id)
}

func Address(addr string) attribute.KeyValue {
	return attribute.String("address", addr)
}

func TrackedID(id string) attribute.KeyValue {
	return attribute.String("tracked.id", id)
}

func Mode(mode string) attribute.KeyValue {
	return attribute.String("tracked.mode", mode)
}

func BlockRange(from, to uint64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64("block.from", int64(from)), //nolint:gosec // block heights fit in int64
		attribute.Int64("block.to", int64(to)),     //nolint:gosec // block heights fit in int64
	}
}
