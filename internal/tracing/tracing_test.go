package tracing

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func installTestProvider(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})
	return exporter
}

func TestGetVersion(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		expected string
	}{
		{name: "with SERVICE_VERSION set", envValue: "v1.2.3", expected: "v1.2.3"},
		{name: "without SERVICE_VERSION", envValue: "", expected: "dev"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SERVICE_VERSION", tt.envValue)
			if got := getVersion(); got != tt.expected {
				t.Errorf("getVersion() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestGetInstanceID(t *testing.T) {
	tests := []struct {
		name     string
		hostname string
		podName  string
		expected string
	}{
		{name: "hostname wins", hostname: "worker-1", podName: "pod-1", expected: "worker-1"},
		{name: "pod name fallback", hostname: "", podName: "pod-1", expected: "pod-1"},
		{name: "unknown", hostname: "", podName: "", expected: "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HOSTNAME", tt.hostname)
			t.Setenv("POD_NAME", tt.podName)
			if got := getInstanceID(); got != tt.expected {
				t.Errorf("getInstanceID() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestTrimScheme(t *testing.T) {
	tests := map[string]string{
		"http://jaeger:4318": "jaeger:4318",
		"https://otel:4318":  "otel:4318",
		"localhost:4318":     "localhost:4318",
	}
	for in, want := range tests {
		if got := trimScheme(in); got != want {
			t.Errorf("trimScheme(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestInitTracing_NoEndpoint(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), "jobhook-test", "")
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	shutdown()
	if otel.GetTextMapPropagator() == nil {
		t.Error("InitTracing() did not install a propagator")
	}
}

func TestStartSpan_RecordsAttributes(t *testing.T) {
	exporter := installTestProvider(t)

	_, span := StartSpan(context.Background(), "delivery.execute",
		attribute.String("job.id", "job-1"),
		attribute.Int("attempt", 2),
	)
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("exported %d spans, want 1", len(spans))
	}
	if spans[0].Name != "delivery.execute" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "delivery.execute")
	}
	if len(spans[0].Attributes) != 2 {
		t.Errorf("span attributes = %v, want 2 entries", spans[0].Attributes)
	}
}

func TestStartJobSpan_Annotate(t *testing.T) {
	exporter := installTestProvider(t)

	ctx, span := StartJobSpan(context.Background(), "engine.deliver", "job-7", AttrTargetID.String("hook-1"))
	AnnotateDelivery(ctx, "d-7", 0)
	AnnotateDelivery(ctx, "d-7", 3)
	span.End()

	got := make(map[attribute.Key]attribute.Value)
	for _, kv := range exporter.GetSpans()[0].Attributes {
		got[kv.Key] = kv.Value
	}
	tests := []struct {
		key  attribute.Key
		want string
	}{
		{AttrJobID, "job-7"},
		{AttrTargetID, "hook-1"},
		{AttrDeliveryID, "d-7"},
		{AttrAttempt, "3"},
	}
	for _, tt := range tests {
		v, ok := got[tt.key]
		if !ok {
			t.Errorf("attribute %s missing", tt.key)
			continue
		}
		if v.Emit() != tt.want {
			t.Errorf("attribute %s = %q, want %q", tt.key, v.Emit(), tt.want)
		}
	}
}

func TestAddSpanEventAndError(t *testing.T) {
	exporter := installTestProvider(t)

	ctx, span := StartSpan(context.Background(), "retry.schedule")
	AddSpanEvent(ctx, "retry.scheduled", attribute.Int("delay_ms", 2000))
	SetSpanError(ctx, errors.New("boom"))
	SetSpanError(ctx, nil)
	span.End()

	s := exporter.GetSpans()[0]
	var sawScheduled bool
	for _, ev := range s.Events {
		if ev.Name == "retry.scheduled" {
			sawScheduled = true
		}
	}
	if !sawScheduled {
		t.Errorf("span events = %v, want retry.scheduled", s.Events)
	}
	if s.Status.Code != codes.Error {
		t.Errorf("span status = %v, want Error", s.Status.Code)
	}
}

func TestGetTraceID(t *testing.T) {
	installTestProvider(t)

	if got := GetTraceID(context.Background()); got != "" {
		t.Errorf("GetTraceID() without span = %q, want empty", got)
	}

	ctx, span := StartSpan(context.Background(), "op")
	defer span.End()
	if got := GetTraceID(ctx); len(got) != 32 {
		t.Errorf("GetTraceID() = %q, want 32 hex chars", got)
	}
}

func TestTraceRoundTrip(t *testing.T) {
	installTestProvider(t)

	ctx, span := StartSpan(context.Background(), "publish")
	defer span.End()
	original := GetTraceID(ctx)

	headers := PropagateTraceToNSQ(ctx)
	var hasTraceparent bool
	for k := range headers {
		if strings.EqualFold(k, "traceparent") {
			hasTraceparent = true
		}
	}
	if !hasTraceparent {
		t.Fatalf("PropagateTraceToNSQ() = %v, want traceparent", headers)
	}

	remote := ExtractTraceFromNSQ(context.Background(), headers)
	remote, child := StartSpan(remote, "consume")
	defer child.End()

	if got := GetTraceID(remote); got != original {
		t.Errorf("trace id after round trip = %s, want %s", got, original)
	}
}

func TestExtractTraceFromNSQ_Garbage(t *testing.T) {
	installTestProvider(t)
	for _, headers := range []map[string]string{nil, {}, {"traceparent": "not-a-trace"}} {
		ctx := ExtractTraceFromNSQ(context.Background(), headers)
		if got := GetTraceID(ctx); got != "" {
			t.Errorf("ExtractTraceFromNSQ(%v) trace id = %q, want empty", headers, got)
		}
	}
}

func TestTracerNameConstant(t *testing.T) {
	if TracerName != "github.com/austindbirch/jobhook" {
		t.Errorf("TracerName = %q, want %q", TracerName, "github.com/austindbirch/jobhook")
	}
}
