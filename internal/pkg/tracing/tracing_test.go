package tracing

import (
	"context"
	"errors"
	"testing"
)

func TestStartSpanNoop(t *testing.T) {
	Disable()

	ctx, span := StartSpan(context.Background(), "render.job", JobID("job-1"), Frames(3))
	if ctx == nil {
		t.Fatal("expected context")
	}
	if span.SpanContext().IsValid() {
		t.Error("no-op provider should produce invalid span contexts")
	}
	End(span, errors.New("boom"))
	End(span, nil)
}
