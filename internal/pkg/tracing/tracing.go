// Package tracing wraps the global OpenTelemetry tracer. Nothing here
// installs an exporter; spans are dropped unless the binary registers an
// SDK provider before the first span is started.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentation = "framefarm"

// Disable resets the global provider to a no-op one.
func Disable() {
	otel.SetTracerProvider(noop.NewTracerProvider())
}

func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, name, trace.WithAttributes(attrs...))
}

// End records err on span (if any) and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func JobID(id string) attribute.KeyValue { return attribute.String("framefarm.job_id", id) }
func Frame(frame int) attribute.KeyValue { return attribute.Int("framefarm.frame", frame) }
func LeaseID(id string) attribute.KeyValue { return attribute.String("framefarm.lease_id", id) }
func Provider(n string) attribute.KeyValue { return attribute.String("framefarm.provider", n) }
func Frames(count int) attribute.KeyValue { return attribute.Int("framefarm.frames", count) }
