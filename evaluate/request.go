package evaluate

import (
	"context"

	"github.com/PipeOpsHQ/checkpoint-engine/types"
)

// Request is the wire form of an evaluation call.
type Request struct {
	Text       string            `json:"text"`
	Checkpoint *types.Checkpoint `json:"checkpoint,omitempty"`
	Context    []types.Turn      `json:"context,omitempty"`
}

// Response is the wire form of a verdict.
type Response struct {
	CheckpointComplete bool    `json:"checkpoint_complete"`
	ProgressPercentage float64 `json:"progress_percentage"`
	Confidence         float64 `json:"confidence"`
	Source             Source  `json:"source,omitempty"`
	LatencyMs          int64   `json:"latency_ms"`
}

func (r Result) Response() Response {
	return Response{
		CheckpointComplete: r.CheckpointComplete,
		ProgressPercentage: r.ProgressPercentage,
		Confidence:         r.Confidence,
		Source:             r.Source,
		LatencyMs:          r.Latency.Milliseconds(),
	}
}

func (e *Evaluator) Handle(ctx context.Context, req Request) Response {
	return e.Evaluate(ctx, req.Text, req.Checkpoint, req.Context).Response()
}
