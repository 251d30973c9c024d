package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TracerName is the name of the tracer for triage operations.
	TracerName = "triage"
)

// Span attribute keys
const (
	AttrOwnerID    = "owner_id"
	AttrInstanceID = "instance_id"
	AttrItemID     = "item_id"
	AttrStep       = "step"
	AttrCategory   = "category"
	AttrIsPriority = "is_priority"
	AttrDecision   = "decision"
)

// Span names
const (
	SpanStartInstance  = "triage.start_instance"
	SpanResumeInstance = "triage.resume_instance"
	SpanBatchCycle     = "triage.batch_cycle"
	SpanOwnerBatch     = "triage.owner_batch"
)

// Tracer provides distributed tracing for triage operations. It resolves to
// a noop tracer unless an OpenTelemetry provider is installed.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new triage tracer.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(TracerName),
	}
}

// StartInstanceSpan starts a root span for driving one workflow instance.
func (t *Tracer) StartInstanceSpan(ctx context.Context, name, instanceID, ownerID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name,
		trace.WithAttributes(
			attribute.String(AttrInstanceID, instanceID),
			attribute.String(AttrOwnerID, ownerID),
		),
	)
}

// StartStepSpan starts a span for one workflow step.
func (t *Tracer) StartStepSpan(ctx context.Context, step string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, fmt.Sprintf("triage.step.%s", step),
		trace.WithAttributes(
			attribute.String(AttrStep, step),
		),
	)
}

// StartBatchSpan starts a span for a batch delivery cycle.
func (t *Tracer) StartBatchSpan(ctx context.Context) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanBatchCycle)
}

// StartOwnerBatchSpan starts a span for one owner within a batch cycle.
func (t *Tracer) StartOwnerBatchSpan(ctx context.Context, ownerID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanOwnerBatch,
		trace.WithAttributes(
			attribute.String(AttrOwnerID, ownerID),
		),
	)
}

// EndSpan records the error (if any) and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
