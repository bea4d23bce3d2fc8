package tracing

import (
	"context"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation name for this application
const TracerName = "github.com/austindbirch/jobhook"

// InitTracing installs a global OTLP/HTTP tracer provider. An empty endpoint
// disables export but still installs the propagator, so trace headers keep
// flowing through NSQ messages.
func InitTracing(ctx context.Context, serviceName, endpoint string) (func(), error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if endpoint == "" {
		return func() {}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(getVersion()),
			attribute.String("service.instance.id", getInstanceID()),
		),
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(trimScheme(endpoint)),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.AlwaysSample())),
	)
	otel.SetTracerProvider(tp)

	return func() {
		_ = tp.Shutdown(ctx)
	}, nil
}

// GetTracer returns the application tracer
func GetTracer() oteltrace.Tracer {
	return otel.Tracer(TracerName)
}

// StartSpan starts a new span with the given name and attributes
func StartSpan(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	ctx, span := GetTracer().Start(ctx, spanName)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// Span attribute keys for delivery work
const (
	AttrJobID      = attribute.Key("job.id")
	AttrDeliveryID = attribute.Key("delivery.id")
	AttrTargetID   = attribute.Key("target.id")
	AttrTargetURL  = attribute.Key("target.url")
	AttrAttempt    = attribute.Key("delivery.attempt")
)

// StartJobSpan starts a span tagged with the job it operates on
func StartJobSpan(ctx context.Context, spanName, jobID string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return StartSpan(ctx, spanName, append([]attribute.KeyValue{AttrJobID.String(jobID)}, attrs...)...)
}

// AnnotateDelivery tags the current span with the delivery and attempt once they are known
func AnnotateDelivery(ctx context.Context, deliveryID string, attempt int) {
	span := oteltrace.SpanFromContext(ctx)
	span.SetAttributes(AttrDeliveryID.String(deliveryID))
	if attempt > 0 {
		span.SetAttributes(AttrAttempt.Int(attempt))
	}
}

// AddSpanEvent adds an event to the current span
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	oteltrace.SpanFromContext(ctx).AddEvent(name, oteltrace.WithAttributes(attrs...))
}

// SetSpanError records an error on the current span
func SetSpanError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := oteltrace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// GetTraceID extracts the trace ID from the context
func GetTraceID(ctx context.Context) string {
	sc := oteltrace.SpanFromContext(ctx).SpanContext()
	if sc.IsValid() {
		return sc.TraceID().String()
	}
	return ""
}

// PropagateTraceToNSQ serialises the trace context into a map carried inside NSQ message bodies
func PropagateTraceToNSQ(ctx context.Context) map[string]string {
	headers := make(map[string]string)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
	return headers
}

// ExtractTraceFromNSQ restores a trace context written by PropagateTraceToNSQ
func ExtractTraceFromNSQ(ctx context.Context, headers map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}

func getVersion() string {
	if v := os.Getenv("SERVICE_VERSION"); v != "" {
		return v
	}
	return "dev"
}

func getInstanceID() string {
	if id := os.Getenv("HOSTNAME"); id != "" {
		return id
	}
	if id := os.Getenv("POD_NAME"); id != "" {
		return id
	}
	return "unknown"
}

// trimScheme strips http:// or https:// since otlptracehttp.WithEndpoint expects host:port
func trimScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "http://")
	return strings.TrimPrefix(endpoint, "https://")
}
