package tracing

import (
	"context"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestInjectExtract_RoundTrip(t *testing.T) {
	provider := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	ctx, span := provider.Tracer("test").Start(context.Background(), "confirm")
	defer span.End()

	headers := Inject(ctx)
	if headers["traceparent"] == "" {
		t.Fatalf("expected traceparent header, got %v", headers)
	}

	restored := trace.SpanContextFromContext(Extract(context.Background(), headers))
	if !restored.IsRemote() {
		t.Fatalf("expected remote span context")
	}
	if restored.TraceID() != span.SpanContext().TraceID() {
		t.Fatalf("trace id mismatch: %s != %s", restored.TraceID(), span.SpanContext().TraceID())
	}
}

func TestInject_NoSpan(t *testing.T) {
	if headers := Inject(context.Background()); headers != nil {
		t.Fatalf("expected nil headers without span, got %v", headers)
	}
}

func TestExtract_EmptyHeadersKeepsContext(t *testing.T) {
	ctx := context.Background()
	if got := Extract(ctx, nil); got != ctx {
		t.Fatalf("expected same context")
	}
}
