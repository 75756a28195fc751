// Package checklist derives checkpoint status from collected fields and
// moves the task pointer through a checklist.
package checklist

import "github.com/PipeOpsHQ/checkpoint-engine/types"

const (
	CompleteRate   = 0.7
	InProgressRate = 0.3
)

// CompletionRate is the share of expected tags with a non-empty value.
// It is zero when nothing is expected.
func CompletionRate(expected []string, collected map[string]string) float64 {
	if len(expected) == 0 {
		return 0
	}
	filled := 0
	for _, tag := range expected {
		if collected[tag] != "" {
			filled++
		}
	}
	return float64(filled) / float64(len(expected))
}

// Aggregate maps the completion rate onto a status. Checkpoints that expect
// nothing keep their current status.
func Aggregate(expected []string, collected map[string]string, current types.CheckpointStatus) types.CheckpointStatus {
	if len(expected) == 0 {
		return current
	}
	rate := CompletionRate(expected, collected)
	switch {
	case rate == 0:
		return types.StatusPending
	case rate >= CompleteRate:
		return types.StatusComplete
	case rate >= InProgressRate:
		return types.StatusInProgress
	default:
		return types.StatusPending
	}
}

// AggregateCheckpoint aggregates over the checkpoint's own expected tags,
// merging values already collected on earlier turns with the new ones.
func AggregateCheckpoint(cp *types.Checkpoint, collected map[string]string) types.CheckpointStatus {
	if cp == nil {
		return types.StatusPending
	}
	merged := make(map[string]string, len(cp.CollectedInputs)+len(collected))
	for k, v := range cp.CollectedInputs {
		merged[k] = v
	}
	for k, v := range collected {
		if v != "" {
			merged[k] = v
		}
	}
	return Aggregate(cp.ExpectedInputs, merged, cp.Status)
}
