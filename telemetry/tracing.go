// OpenTelemetry tracing for collective runs.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Attribute keys shared by every ftcoll span.
const (
	AttrRun  = attribute.Key("ftcoll.run")
	AttrRank = attribute.Key("ftcoll.rank")
	AttrSize = attribute.Key("ftcoll.size")
	AttrTask = attribute.Key("ftcoll.task")
)

// Tracer wraps OpenTelemetry tracing with collective-specific helpers.
type Tracer struct {
	tracer trace.Tracer
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
	}
	return globalTracer
}

// NewTracer creates a new tracer with the given name.
func NewTracer(name string) *Tracer {
	return &Tracer{tracer: otel.Tracer(name)}
}

// NewTracerFrom wraps an existing trace.Tracer.
func NewTracerFrom(t trace.Tracer) *Tracer {
	return &Tracer{tracer: t}
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Reduction Spans ---

// ReduceSpanOptions describes the outcome of one rank's reduction.
type ReduceSpanOptions struct {
	Sum          float64
	Contributors int
	Missing      []int
	Faulted      []int
	Rounds       uint64
}

// StartReduceSpan starts a span for one rank taking part in a reduction.
func (t *Tracer) StartReduceSpan(ctx context.Context, run string, rank, size int) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "reduce.node", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		AttrRun.String(run),
		AttrRank.Int(rank),
		AttrSize.Int(size),
	)
	return ctx, span
}

// EndReduceSpan ends a reduction span with attributes.
func (t *Tracer) EndReduceSpan(span trace.Span, opts ReduceSpanOptions, err error) {
	span.SetAttributes(
		attribute.Float64("reduce.sum", opts.Sum),
		attribute.Int("reduce.contributors", opts.Contributors),
		attribute.IntSlice("reduce.missing", opts.Missing),
		attribute.IntSlice("reduce.faulted", opts.Faulted),
		attribute.Int64("reduce.rounds", int64(opts.Rounds)),
	)
	endSpan(span, err)
}

// --- Scheduling Spans ---

// ScheduleSpanOptions describes the outcome of a coordinator run.
type ScheduleSpanOptions struct {
	Tasks     int
	Completed int
	Requeued  int
	Stale     int
}

// StartScheduleSpan starts a span for a coordinator run.
func (t *Tracer) StartScheduleSpan(ctx context.Context, run string, workers int) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "schedule.coordinator", trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(
		AttrRun.String(run),
		attribute.Int("schedule.workers", workers),
	)
	return ctx, span
}

// EndScheduleSpan ends a coordinator span with attributes.
func (t *Tracer) EndScheduleSpan(span trace.Span, opts ScheduleSpanOptions, err error) {
	span.SetAttributes(
		attribute.Int("schedule.tasks", opts.Tasks),
		attribute.Int("schedule.completed", opts.Completed),
		attribute.Int("schedule.requeued", opts.Requeued),
		attribute.Int("schedule.stale", opts.Stale),
	)
	endSpan(span, err)
}

// StartTaskSpan starts a span for one task execution on a worker.
func (t *Tracer) StartTaskSpan(ctx context.Context, rank, task int) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "schedule.task", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		AttrRank.Int(rank),
		AttrTask.Int(task),
	)
	return ctx, span
}

// EndTaskSpan ends a task span.
func (t *Tracer) EndTaskSpan(span trace.Span, err error) {
	endSpan(span, err)
}

// AddEvent records a protocol event (reroute, requeue) on the span in ctx.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
