package observability

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/odvcencio/sessiontap"

// TracerProvider holds the OpenTelemetry tracer provider.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
}

// NewTracerProvider installs a global tracer provider exporting spans as
// JSON to w.
func NewTracerProvider(serviceName, version string, w io.Writer) (*TracerProvider, error) {
	opts := []stdouttrace.Option{}
	if w != nil {
		opts = append(opts, stdouttrace.WithWriter(w))
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(provider)

	return &TracerProvider{provider: provider}, nil
}

// Shutdown flushes pending spans and stops the provider.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp == nil || tp.provider == nil {
		return nil
	}
	return tp.provider.Shutdown(ctx)
}

// Tracer returns the sessiontap tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span with the given name.
func StartSpan(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, spanName, opts...)
}

// RecordError records an error on the current span.
func RecordError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	trace.SpanFromContext(ctx).RecordError(err)
}

// Span attribute keys.
var (
	AttrSessionID    = attribute.Key("sessiontap.session.id")
	AttrURL          = attribute.Key("sessiontap.url")
	AttrQueryTarget  = attribute.Key("sessiontap.query.target")
	AttrQueryOutcome = attribute.Key("sessiontap.query.outcome")
	AttrEventKind    = attribute.Key("sessiontap.event.kind")
)
