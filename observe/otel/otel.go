// Package otel bridges observe.Sink to OpenTelemetry.
//
// Events become spans (Sink) and counters (MetricsSink) so turn processing,
// evaluator fallbacks and tier failures show up in any OTel backend.
package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/PipeOpsHQ/checkpoint-engine/observe"
)

const instrumentationName = "github.com/PipeOpsHQ/checkpoint-engine"

// Sink implements observe.Sink by emitting OpenTelemetry spans.
type Sink struct {
	tracer trace.Tracer
}

// NewSink creates an OTel sink using the given TracerProvider.
// If tp is nil, it uses a noop tracer provider.
func NewSink(tp trace.TracerProvider) *Sink {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Sink{tracer: tp.Tracer(instrumentationName)}
}

// Emit converts an observe.Event into a span that starts at the event
// timestamp and lasts DurationMs.
func (s *Sink) Emit(ctx context.Context, event observe.Event) error {
	event.Normalize()
	if ctx == nil {
		ctx = context.Background()
	}
	startTime := event.Timestamp
	_, span := s.tracer.Start(ctx, spanNameFor(event), trace.WithTimestamp(startTime))

	attrs := []attribute.KeyValue{
		attribute.String("checkpoint.event.kind", string(event.Kind)),
	}
	str := func(key, val string) {
		if val != "" {
			attrs = append(attrs, attribute.String(key, val))
		}
	}
	str("checkpoint.conversation.id", event.ConversationID)
	str("checkpoint.task.id", event.TaskID)
	str("checkpoint.checkpoint.id", event.CheckpointID)
	str("checkpoint.provider", event.Provider)
	str("checkpoint.tier", event.Tier)
	str("checkpoint.event.name", event.Name)
	str("checkpoint.status", string(event.Status))
	if event.Message != "" {
		attrs = append(attrs, attribute.String("checkpoint.message", truncate(event.Message, 1024)))
	}
	if event.DurationMs > 0 {
		attrs = append(attrs, attribute.Int64("checkpoint.duration_ms", event.DurationMs))
	}
	for k, v := range event.Attributes {
		attrs = append(attrs, attribute.String("checkpoint.attr."+k, fmt.Sprintf("%v", v)))
	}
	span.SetAttributes(attrs...)

	switch event.Status {
	case observe.StatusFailed:
		span.SetStatus(codes.Error, event.Error)
		if event.Error != "" {
			span.RecordError(fmt.Errorf("%s", event.Error))
		}
	case observe.StatusCompleted, observe.StatusDegraded:
		span.SetStatus(codes.Ok, "")
	}

	endTime := startTime
	if event.DurationMs > 0 {
		endTime = startTime.Add(time.Duration(event.DurationMs) * time.Millisecond)
	}
	span.End(trace.WithTimestamp(endTime))
	return nil
}

func spanNameFor(event observe.Event) string {
	switch event.Kind {
	case observe.KindTurn:
		return "checkpoint.turn"
	case observe.KindEvaluator:
		return "checkpoint.evaluate"
	case observe.KindGenerator:
		if event.Provider != "" {
			return "checkpoint.generate." + event.Provider
		}
		return "checkpoint.generate"
	case observe.KindMemory:
		if event.Name != "" {
			return "checkpoint.memory." + event.Name
		}
		return "checkpoint.memory"
	case observe.KindMonitor:
		return "checkpoint.monitor"
	default:
		if event.Name != "" {
			return "checkpoint." + event.Name
		}
		return "checkpoint.event"
	}
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}
