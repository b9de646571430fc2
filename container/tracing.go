package container

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "collab.container"

// Tracer wraps the OpenTelemetry tracer with container span helpers. When
// disabled it hands out noop spans.
type Tracer struct {
	tracer  trace.Tracer
	logger  *slog.Logger
	enabled bool
}

// NewTracer creates a tracer. A nil logger means slog.Default().
func NewTracer(logger *slog.Logger, enabled bool) *Tracer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracer{
		tracer:  otel.Tracer(tracerName),
		logger:  logger,
		enabled: enabled,
	}
}

// StartFanOut starts a span covering one UpdateSharedModel call.
func (t *Tracer) StartFanOut(ctx context.Context, entryID, sourceTreeID string) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, "container.update_shared_model",
		trace.WithAttributes(
			attribute.String("history.entry_id", entryID),
			attribute.String("history.source_tree_id", sourceTreeID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndFanOut completes a fan-out span.
func (t *Tracer) EndFanOut(span trace.Span, targets int, err error) {
	defer span.End()
	span.SetAttributes(attribute.Int("history.fanout_targets", targets))
	t.setStatus(span, "update_shared_model", err)
}

// StartReplay starts a span covering an undo or redo.
func (t *Tracer) StartReplay(ctx context.Context, op string) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, "container."+op, trace.WithSpanKind(trace.SpanKindInternal))
}

// EndReplay completes a replay span.
func (t *Tracer) EndReplay(span trace.Span, op string, err error) {
	defer span.End()
	t.setStatus(span, op, err)
}

func (t *Tracer) setStatus(span trace.Span, op string, err error) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if t.enabled {
		t.logger.Debug("span failed",
			slog.String("op", op),
			slog.String("trace_id", span.SpanContext().TraceID().String()),
			slog.Any("error", err),
		)
	}
}
