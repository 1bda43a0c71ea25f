package memory

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const memoryTracerName = "mnemos.memory"

const (
	spanAdd      = "memory.add"
	spanSearch   = "memory.search"
	spanUpdate   = "memory.update"
	spanDelete   = "memory.delete"
	spanCleanup  = "memory.cleanup"
	spanDecay    = "memory.decay"
	spanValidate = "memory.validate"
	spanBackup   = "memory.backup"

	spanPathPrefix = "memory.path."
)

func memoryTracer() trace.Tracer {
	return otel.Tracer(memoryTracerName)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
