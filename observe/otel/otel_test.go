package otel

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/PipeOpsHQ/checkpoint-engine/observe"
)

func TestSinkEmitsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer tp.Shutdown(context.Background())

	sink := NewSink(tp)
	err := sink.Emit(context.Background(), observe.Event{
		Kind:           observe.KindTurn,
		ConversationID: "conv-123",
		TaskID:         "task-456",
		Status:         observe.StatusCompleted,
		Timestamp:      time.Now(),
		DurationMs:     150,
	})
	if err != nil {
		t.Fatal(err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != "checkpoint.turn" {
		t.Errorf("expected span name 'checkpoint.turn', got %q", span.Name)
	}
	attrMap := attrToMap(span.Attributes)
	if v := attrMap["checkpoint.conversation.id"]; v != "conv-123" {
		t.Errorf("missing or wrong conversation id: %v", attrMap)
	}
	if v := attrMap["checkpoint.task.id"]; v != "task-456" {
		t.Errorf("missing or wrong task id: %v", attrMap)
	}
	if got := span.EndTime.Sub(span.StartTime); got != 150*time.Millisecond {
		t.Errorf("expected 150ms span, got %v", got)
	}
}

func TestSpanNaming(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer tp.Shutdown(context.Background())

	sink := NewSink(tp)
	now := time.Now()
	tests := []struct {
		event    observe.Event
		wantName string
	}{
		{observe.Event{Kind: observe.KindEvaluator, Timestamp: now}, "checkpoint.evaluate"},
		{observe.Event{Kind: observe.KindGenerator, Provider: "gemini", Timestamp: now}, "checkpoint.generate.gemini"},
		{observe.Event{Kind: observe.KindMemory, Name: "save_state", Timestamp: now}, "checkpoint.memory.save_state"},
		{observe.Event{Kind: observe.KindMonitor, Timestamp: now}, "checkpoint.monitor"},
		{observe.Event{Kind: observe.KindCustom, Name: "custom_event", Timestamp: now}, "checkpoint.custom_event"},
	}
	for _, tt := range tests {
		exporter.Reset()
		_ = sink.Emit(context.Background(), tt.event)
		spans := exporter.GetSpans()
		if len(spans) != 1 {
			t.Errorf("expected 1 span for %s, got %d", tt.wantName, len(spans))
			continue
		}
		if spans[0].Name != tt.wantName {
			t.Errorf("expected span name %q, got %q", tt.wantName, spans[0].Name)
		}
	}
}

func TestSinkErrorStatus(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer tp.Shutdown(context.Background())

	sink := NewSink(tp)
	_ = sink.Emit(context.Background(), observe.Event{
		Kind:      observe.KindMemory,
		Status:    observe.StatusFailed,
		Tier:      "durable",
		Error:     "disk full",
		Timestamp: time.Now(),
	})
	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if len(spans[0].Events) == 0 {
		t.Error("expected error event recorded on span")
	}
}

func TestNilTracerProvider(t *testing.T) {
	sink := NewSink(nil)
	if err := sink.Emit(context.Background(), observe.Event{Kind: observe.KindTurn}); err != nil {
		t.Errorf("expected no error with nil provider, got: %v", err)
	}
}

func TestMetricsSinkCounts(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	sink, err := NewMetricsSink(mp)
	if err != nil {
		t.Fatalf("NewMetricsSink failed: %v", err)
	}
	ctx := context.Background()
	_ = sink.Emit(ctx, observe.Event{Kind: observe.KindMemory, Status: observe.StatusFailed, Tier: "fast", Name: "save_state"})
	_ = sink.Emit(ctx, observe.Event{Kind: observe.KindMemory, Status: observe.StatusCompleted, Tier: "fast"})
	_ = sink.Emit(ctx, observe.Event{Kind: observe.KindEvaluator, Attributes: map[string]any{"source": "timeout_fallback"}})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	totals := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					totals[m.Name] += dp.Value
				}
			}
		}
	}
	if totals["checkpoint.memory.tier_failures"] != 1 {
		t.Fatalf("expected 1 tier failure, got %v", totals)
	}
	if totals["checkpoint.evaluator.verdicts"] != 1 {
		t.Fatalf("expected 1 evaluator verdict, got %v", totals)
	}
}

func TestInit_EmptyEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "checkpointd", true)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
}

func attrToMap(attrs []attribute.KeyValue) map[string]string {
	m := make(map[string]string, len(attrs))
	for _, a := range attrs {
		m[string(a.Key)] = a.Value.Emit()
	}
	return m
}
