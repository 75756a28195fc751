package observe

import "time"

type Kind string

type Status string

const (
	KindTurn      Kind = "turn"
	KindEvaluator Kind = "evaluator"
	KindGenerator Kind = "generator"
	KindMemory    Kind = "memory"
	KindMonitor   Kind = "monitor"
	KindCustom    Kind = "custom"
)

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	// StatusDegraded marks an operation that finished on a fallback path.
	StatusDegraded Status = "degraded"
)

type Event struct {
	ID             string         `json:"id,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	ConversationID string         `json:"conversationId,omitempty"`
	TaskID         string         `json:"taskId,omitempty"`
	CheckpointID   string         `json:"checkpointId,omitempty"`
	Kind           Kind           `json:"kind"`
	Status         Status         `json:"status,omitempty"`
	Name           string         `json:"name,omitempty"`
	Provider       string         `json:"provider,omitempty"`
	Tier           string         `json:"tier,omitempty"`
	Message        string         `json:"message,omitempty"`
	Error          string         `json:"error,omitempty"`
	DurationMs     int64          `json:"durationMs,omitempty"`
	Attributes     map[string]any `json:"attributes,omitempty"`
}

func (e *Event) Normalize() {
	if e == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Kind == "" {
		e.Kind = KindCustom
	}
	if e.Attributes == nil {
		e.Attributes = map[string]any{}
	}
}
