package tracing

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return exporter
}

func TestGetVersion(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		expected string
	}{
		{name: "with SERVICE_VERSION set", envValue: "v1.2.3", expected: "v1.2.3"},
		{name: "with SERVICE_VERSION empty", envValue: "", expected: "dev"},
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

func TestGetOTLPEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		expected string
	}{
		{name: "default", envValue: "", expected: "tempo:4318"},
		{name: "strips http scheme", envValue: "http://collector:4318", expected: "collector:4318"},
		{name: "strips https scheme and slash", envValue: "https://collector:4318/", expected: "collector:4318"},
		{name: "bare host port", envValue: "collector:4318", expected: "collector:4318"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", tt.envValue)
			if got := getOTLPEndpoint(); got != tt.expected {
				t.Errorf("getOTLPEndpoint() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestInitTracingDisabled(t *testing.T) {
	t.Setenv("OTEL_SDK_DISABLED", "true")

	shutdown, err := InitTracing(context.Background(), "hookgate-test")
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	shutdown()
}

func TestStartSpanAndEvents(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "publisher.deliver",
		attribute.String("subscription_id", "sub-1"),
	)
	AddSpanEvent(ctx, "breaker.allowed")
	SetSpanError(ctx, errors.New("http 500"))
	SetSpanError(ctx, nil)
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	got := spans[0]
	if got.Name != "publisher.deliver" {
		t.Errorf("span name = %q", got.Name)
	}
	if got.Status.Code != codes.Error {
		t.Errorf("span status = %v, want Error", got.Status.Code)
	}
	var sawEvent bool
	for _, ev := range got.Events {
		if ev.Name == "breaker.allowed" {
			sawEvent = true
		}
	}
	if !sawEvent {
		t.Error("breaker.allowed event not recorded")
	}
}

func TestGetTraceID(t *testing.T) {
	setupTestTracer(t)

	if got := GetTraceID(context.Background()); got != "" {
		t.Errorf("GetTraceID(background) = %q, want empty", got)
	}

	ctx, span := StartSpan(context.Background(), "x")
	defer span.End()
	if got := GetTraceID(ctx); len(got) != 32 {
		t.Errorf("GetTraceID() = %q, want 32 hex chars", got)
	}
}

func TestJobHeadersRoundTrip(t *testing.T) {
	setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "emitter.emit")
	defer span.End()
	original := GetTraceID(ctx)

	headers := InjectJobHeaders(ctx)
	if _, ok := headers["traceparent"]; !ok {
		t.Fatalf("InjectJobHeaders() = %v, want traceparent", headers)
	}

	restored := ExtractJobHeaders(context.Background(), headers)
	restored, child := StartSpan(restored, "worker.publish")
	defer child.End()

	if got := GetTraceID(restored); got != original {
		t.Errorf("trace id after round trip = %s, want %s", got, original)
	}
}

func TestExtractJobHeadersEmpty(t *testing.T) {
	setupTestTracer(t)

	ctx := context.Background()
	if got := ExtractJobHeaders(ctx, nil); got != ctx {
		t.Error("ExtractJobHeaders(nil) should return the input context")
	}
}

func TestExtractHTTPHeaders(t *testing.T) {
	setupTestTracer(t)

	h := http.Header{}
	h.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")

	ctx := ExtractHTTPHeaders(context.Background(), h)
	ctx, span := StartSpan(ctx, "receiver.accept")
	defer span.End()

	if got := GetTraceID(ctx); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("GetTraceID() = %q, want propagated trace id", got)
	}
}
