package memory

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setMemoryTracingProvider(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()

	prev := otel.GetTracerProvider()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})
	return recorder
}

func findSpan(spans []sdktrace.ReadOnlySpan, name string) sdktrace.ReadOnlySpan {
	for _, span := range spans {
		if span.Name() == name {
			return span
		}
	}
	return nil
}

func TestTracing_EngineOperations(t *testing.T) {
	recorder := setMemoryTracingProvider(t)
	te := newTestEngine(t, nil)
	ctx := context.Background()

	id := te.add(t, "user listens to podcasts while running", "s1", 0.5)
	te.Search(ctx, "podcasts", 3, Filter{})
	if _, err := te.Update(ctx, id, UpdateRequest{Importance: ptr(0.9)}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if _, err := te.Cleanup(ctx, 30, 0.1); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if _, err := te.ValidateAndRepair(ctx); err != nil {
		t.Fatalf("ValidateAndRepair() error = %v", err)
	}
	if err := te.Delete(ctx, id); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	spans := recorder.Ended()
	for _, name := range []string{spanAdd, spanSearch, spanUpdate, spanCleanup, spanValidate, spanDelete} {
		if findSpan(spans, name) == nil {
			t.Fatalf("expected span %q", name)
		}
	}

	search := findSpan(spans, spanSearch)
	if got := search.InstrumentationScope().Name; got != memoryTracerName {
		t.Fatalf("tracer name = %q, want %q", got, memoryTracerName)
	}
	paths := 0
	for _, span := range spans {
		if span.Name() == "memory.path.lexical" || span.Name() == "memory.path.vector" {
			paths++
			if span.Parent().SpanID() != search.SpanContext().SpanID() {
				t.Fatalf("path span %q is not a child of the search span", span.Name())
			}
		}
	}
	if paths != 2 {
		t.Fatalf("path spans = %d, want 2", paths)
	}
}

func TestTracing_FailedDeleteRecordsError(t *testing.T) {
	recorder := setMemoryTracingProvider(t)
	te := newTestEngine(t, nil)

	if err := te.Delete(context.Background(), 404); err == nil {
		t.Fatal("expected not found error")
	}
	span := findSpan(recorder.Ended(), spanDelete)
	if span == nil {
		t.Fatalf("expected span %q", spanDelete)
	}
	if span.Status().Code != codes.Error {
		t.Fatalf("status = %v, want error", span.Status().Code)
	}
}
