package observe

import (
	"context"
	"log/slog"
	"sort"
)

// LogSink writes events as structured log records. Failed events log at
// warn, degraded ones at info, everything else at debug.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(ctx context.Context, event Event) error {
	event.Normalize()
	s.logger.LogAttrs(ctx, levelFor(event.Status), "event", attrsFor(event)...)
	return nil
}

func levelFor(status Status) slog.Level {
	switch status {
	case StatusFailed:
		return slog.LevelWarn
	case StatusDegraded:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

func attrsFor(e Event) []slog.Attr {
	attrs := []slog.Attr{slog.String("kind", string(e.Kind))}
	add := func(key, val string) {
		if val != "" {
			attrs = append(attrs, slog.String(key, val))
		}
	}
	add("name", e.Name)
	add("status", string(e.Status))
	add("conversation_id", e.ConversationID)
	add("task_id", e.TaskID)
	add("checkpoint_id", e.CheckpointID)
	add("provider", e.Provider)
	add("tier", e.Tier)
	add("message", e.Message)
	add("error", e.Error)
	if e.DurationMs > 0 {
		attrs = append(attrs, slog.Int64("duration_ms", e.DurationMs))
	}
	keys := make([]string, 0, len(e.Attributes))
	for k := range e.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, e.Attributes[k]))
	}
	return attrs
}
