package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/PipeOpsHQ/checkpoint-engine/observe"
)

// MetricsSink counts events by outcome: tier write failures, evaluator
// verdicts by source, and turn latencies.
type MetricsSink struct {
	tierFailures  metric.Int64Counter
	evaluations   metric.Int64Counter
	generations   metric.Int64Counter
	turnDurations metric.Float64Histogram
}

func NewMetricsSink(mp metric.MeterProvider) (*MetricsSink, error) {
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	meter := mp.Meter(instrumentationName)
	var (
		s   MetricsSink
		err error
	)
	if s.tierFailures, err = meter.Int64Counter("checkpoint.memory.tier_failures",
		metric.WithDescription("Per-tier write or read failures")); err != nil {
		return nil, fmt.Errorf("failed to create tier failure counter: %w", err)
	}
	if s.evaluations, err = meter.Int64Counter("checkpoint.evaluator.verdicts",
		metric.WithDescription("Evaluator verdicts by source")); err != nil {
		return nil, fmt.Errorf("failed to create evaluator counter: %w", err)
	}
	if s.generations, err = meter.Int64Counter("checkpoint.generator.runs",
		metric.WithDescription("Checkpoint generation runs by status")); err != nil {
		return nil, fmt.Errorf("failed to create generator counter: %w", err)
	}
	if s.turnDurations, err = meter.Float64Histogram("checkpoint.turn.duration",
		metric.WithDescription("Turn processing latency"), metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("failed to create turn histogram: %w", err)
	}
	return &s, nil
}

func (s *MetricsSink) Emit(ctx context.Context, event observe.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	switch event.Kind {
	case observe.KindMemory:
		if event.Status == observe.StatusFailed {
			s.tierFailures.Add(ctx, 1, metric.WithAttributes(
				attribute.String("tier", event.Tier),
				attribute.String("op", event.Name),
			))
		}
	case observe.KindEvaluator:
		source, _ := event.Attributes["source"].(string)
		s.evaluations.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
	case observe.KindGenerator:
		s.generations.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(event.Status))))
	case observe.KindTurn:
		if event.Status != observe.StatusStarted {
			s.turnDurations.Record(ctx, float64(event.DurationMs))
		}
	}
	return nil
}
