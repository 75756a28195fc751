package checklist

import (
	"errors"
	"strings"
	"time"

	"github.com/PipeOpsHQ/checkpoint-engine/types"
)

var (
	ErrNoActiveTask        = errors.New("checklist: no active task")
	ErrNoCurrentCheckpoint = errors.New("checklist: active task has no current checkpoint")
)

// Signals are the per-turn inputs the machine reconciles.
type Signals struct {
	Text              string
	Collected         map[string]string
	EvaluatorComplete bool
	AggregatedStatus  types.CheckpointStatus
}

// Resolver picks the status a checkpoint should move to from the turn's
// signals.
type Resolver func(Signals) types.CheckpointStatus

// EvaluatorFirst lets only the evaluator complete a checkpoint. The
// aggregated status still moves it to in_progress.
func EvaluatorFirst(s Signals) types.CheckpointStatus {
	if s.EvaluatorComplete {
		return types.StatusComplete
	}
	if s.AggregatedStatus == types.StatusComplete {
		return types.StatusInProgress
	}
	return s.AggregatedStatus
}

// AggregateOnly ignores the evaluator.
func AggregateOnly(s Signals) types.CheckpointStatus {
	return s.AggregatedStatus
}

// EitherSignal completes on either the evaluator or the aggregate.
func EitherSignal(s Signals) types.CheckpointStatus {
	if s.EvaluatorComplete {
		return types.StatusComplete
	}
	return s.AggregatedStatus
}

type Transition struct {
	TaskID        string                 `json:"task_id"`
	Checkpoint    types.Checkpoint       `json:"checkpoint"`
	Previous      types.CheckpointStatus `json:"previous_status"`
	Next          *types.Checkpoint      `json:"next,omitempty"`
	Advanced      bool                   `json:"advanced"`
	TaskCompleted bool                   `json:"task_completed"`
	// IsFinalSummary is set when the last checkpoint of the task was just
	// completed.
	IsFinalSummary bool `json:"is_final_summary"`
	// NeedsMoreCheckpoints is set when the pointer sits on the
	// second-to-last checkpoint of a still active task.
	NeedsMoreCheckpoints bool `json:"needs_more_checkpoints"`
}

type Machine struct {
	resolve Resolver
	now     func() time.Time
}

type Option func(*Machine)

func WithResolver(r Resolver) Option {
	return func(m *Machine) {
		if r != nil {
			m.resolve = r
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

func NewMachine(opts ...Option) *Machine {
	m := &Machine{resolve: EvaluatorFirst, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Apply updates the current checkpoint of the active task in stack in
// place. Status only moves forward; a completed checkpoint advances the
// pointer to the next incomplete one or deactivates the task.
func (m *Machine) Apply(stack []types.Task, sig Signals) (Transition, error) {
	task := activeTask(stack)
	if task == nil {
		return Transition{}, ErrNoActiveTask
	}
	idx := task.CurrentCheckpointIndex
	cp := task.Current()
	if cp == nil {
		return Transition{TaskID: task.TaskID}, ErrNoCurrentCheckpoint
	}

	now := m.now().UTC()
	tr := Transition{TaskID: task.TaskID, Previous: cp.Status}
	cp.Collect(sig.Collected)
	cp.Promote(m.resolve(sig), now)

	if cp.Status == types.StatusComplete {
		last := idx == len(task.Checklist)-1
		advance(task, idx, now)
		tr.Advanced = true
		tr.IsFinalSummary = last && tr.Previous != types.StatusComplete
	}
	task.UpdatedAt = now

	tr.Checkpoint = task.Checklist[idx]
	tr.TaskCompleted = !task.IsActive
	tr.NeedsMoreCheckpoints = task.IsActive && len(task.Checklist) > 1 &&
		task.CurrentCheckpointIndex == len(task.Checklist)-2
	if next := task.Current(); next != nil && task.IsActive {
		n := *next
		tr.Next = &n
	}
	return tr, nil
}

// advance moves the pointer past idx. Completing the final checkpoint
// closes the task even if earlier ones were skipped.
func advance(task *types.Task, idx int, now time.Time) {
	n := len(task.Checklist)
	if idx == n-1 {
		task.CurrentCheckpointIndex = n
		task.IsActive = false
		return
	}
	for j := idx + 1; j < n; j++ {
		if task.Checklist[j].Status != types.StatusComplete {
			task.CurrentCheckpointIndex = j
			task.Checklist[j].Promote(types.StatusInProgress, now)
			return
		}
	}
	task.CurrentCheckpointIndex = n
	task.IsActive = false
}

// IsLastCheckpoint reports whether checkpointID is the final entry of the
// active task's checklist.
func IsLastCheckpoint(stack []types.Task, checkpointID string) bool {
	task := activeTask(stack)
	if task == nil || len(task.Checklist) == 0 {
		return false
	}
	return task.IndexOf(checkpointID) == len(task.Checklist)-1
}

// IsLastCheckpointByName matches on trimmed, lowercased names for records
// written before checkpoints carried IDs.
func IsLastCheckpointByName(stack []types.Task, name string) bool {
	task := activeTask(stack)
	want := normalizeName(name)
	if task == nil || want == "" {
		return false
	}
	for i := range task.Checklist {
		if normalizeName(task.Checklist[i].Name) == want {
			return i == len(task.Checklist)-1
		}
	}
	return false
}

func activeTask(stack []types.Task) *types.Task {
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i].IsActive {
			return &stack[i]
		}
	}
	return nil
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
