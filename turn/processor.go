// Package turn runs one user utterance through the checkpoint pipeline:
// load, evaluate, advance, persist.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/PipeOpsHQ/checkpoint-engine/checklist"
	"github.com/PipeOpsHQ/checkpoint-engine/checkpointgen"
	"github.com/PipeOpsHQ/checkpoint-engine/evaluate"
	"github.com/PipeOpsHQ/checkpoint-engine/extract"
	"github.com/PipeOpsHQ/checkpoint-engine/observe"
	"github.com/PipeOpsHQ/checkpoint-engine/state"
	"github.com/PipeOpsHQ/checkpoint-engine/state/tiered"
	"github.com/PipeOpsHQ/checkpoint-engine/types"
)

const (
	AgentChecklist = "checklist"
	AgentProgress  = "checkpoint_progress"

	initialCheckpoints  = 2
	extendedCheckpoints = 1
)

// Memory is the slice of the tiered manager a turn needs.
type Memory interface {
	WithConversationLock(ctx context.Context, conversationID string, fn func(context.Context) error) error
	GetConversationState(ctx context.Context, conversationID string) (types.Conversation, error)
	SaveConversationState(ctx context.Context, conv types.Conversation) (tiered.WriteOutcome, error)
	UpdateConversationContext(ctx context.Context, conversationID string, turns []types.Turn, participantID string) (tiered.WriteOutcome, error)
	UpdateTaskStack(ctx context.Context, conversationID string, stack []types.Task) (tiered.WriteOutcome, error)
	SaveAgentResult(ctx context.Context, conversationID, agentName string, result types.AgentResult) (tiered.WriteOutcome, error)
	SaveSyncAgentResult(ctx context.Context, conversationID, agentName string, result types.AgentResult) (tiered.WriteOutcome, error)
}

type Evaluator interface {
	Evaluate(ctx context.Context, text string, cp *types.Checkpoint, history []types.Turn) evaluate.Result
}

// Planner produces and extends checklists.
type Planner interface {
	Generate(ctx context.Context, req checkpointgen.Request) (checkpointgen.Result, error)
	Drafts(ctx context.Context, req checkpointgen.Request) ([]checkpointgen.Draft, bool)
	Extend(task *types.Task, drafts []checkpointgen.Draft) []types.Checkpoint
}

type Input struct {
	ConversationID string `json:"conversation_id"`
	ParticipantID  string `json:"participant_id,omitempty"`
	Text           string `json:"text"`
	Specialty      string `json:"specialty,omitempty"`
}

func (in Input) Validate() error {
	if strings.TrimSpace(in.ConversationID) == "" {
		return fmt.Errorf("%w: conversation_id is required", types.ErrInvalidConversation)
	}
	if strings.TrimSpace(in.Text) == "" {
		return fmt.Errorf("text is required")
	}
	return nil
}

type Output struct {
	Evaluation evaluate.Result        `json:"evaluation"`
	Aggregated types.CheckpointStatus `json:"aggregated_status,omitempty"`
	Transition checklist.Transition   `json:"transition"`
	// Checkpoint is the checkpoint the next question should address, nil
	// once the task is finished.
	Checkpoint      *types.Checkpoint     `json:"checkpoint,omitempty"`
	IsFinalSummary  bool                  `json:"is_final_summary"`
	Collected       map[string]string     `json:"collected,omitempty"`
	Generated       bool                  `json:"generated"`
	NewConversation bool                  `json:"new_conversation"`
	WriteOutcomes   []tiered.WriteOutcome `json:"-"`
}

type Processor struct {
	memory    Memory
	evaluator Evaluator
	planner   Planner
	machine   *checklist.Machine
	fanout    *FanOut
	logger    *slog.Logger
	sink      observe.Sink
	now       func() time.Time
}

type Option func(*Processor)

func WithMachine(m *checklist.Machine) Option {
	return func(p *Processor) {
		if m != nil {
			p.machine = m
		}
	}
}

func WithFanOut(f *FanOut) Option {
	return func(p *Processor) {
		if f != nil {
			p.fanout = f
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithSink(s observe.Sink) Option {
	return func(p *Processor) { p.sink = observe.OrNoop(s) }
}

func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

func New(memory Memory, evaluator Evaluator, planner Planner, opts ...Option) *Processor {
	p := &Processor{
		memory:    memory,
		evaluator: evaluator,
		planner:   planner,
		machine:   checklist.NewMachine(),
		logger:    slog.Default(),
		sink:      observe.NoopSink{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.fanout == nil {
		p.fanout = NewFanOut(DefaultBackgroundTimeout, p.logger)
	}
	return p
}

// Wait blocks until background work started by earlier turns is done.
func (p *Processor) Wait() { p.fanout.Wait() }

// ProcessTurn handles one utterance under the conversation lock. A brand
// new conversation, or one without an active task, gets a fresh checklist
// and the utterance is not evaluated against it. Otherwise the current
// checkpoint is judged and the pointer moves on when it completes.
func (p *Processor) ProcessTurn(ctx context.Context, in Input) (Output, error) {
	if err := in.Validate(); err != nil {
		return Output{}, err
	}
	start := time.Now()
	var out Output
	err := p.memory.WithConversationLock(ctx, in.ConversationID, func(ctx context.Context) error {
		var err error
		out, err = p.process(ctx, in)
		return err
	})

	event := observe.Event{
		Kind:           observe.KindTurn,
		Status:         observe.StatusCompleted,
		ConversationID: in.ConversationID,
		TaskID:         out.Transition.TaskID,
		CheckpointID:   out.Transition.Checkpoint.ID,
		DurationMs:     time.Since(start).Milliseconds(),
		Attributes: map[string]any{
			"generated":   out.Generated,
			"advanced":    out.Transition.Advanced,
			"final":       out.IsFinalSummary,
			"eval_source": string(out.Evaluation.Source),
		},
	}
	for _, o := range out.WriteOutcomes {
		if o.Degraded() {
			event.Status = observe.StatusDegraded
		}
	}
	if err != nil {
		event.Status = observe.StatusFailed
		event.Error = err.Error()
	}
	_ = p.sink.Emit(ctx, event)
	return out, err
}

func (p *Processor) process(ctx context.Context, in Input) (Output, error) {
	conv, err := p.memory.GetConversationState(ctx, in.ConversationID)
	isNew := false
	switch {
	case errors.Is(err, state.ErrNotFound):
		isNew = true
		conv = types.NewConversation(in.ConversationID, in.ParticipantID, p.now())
	case err != nil:
		return Output{}, fmt.Errorf("load conversation: %w", err)
	}
	if conv.ParticipantID == "" {
		conv.ParticipantID = in.ParticipantID
	}

	out := Output{NewConversation: isNew}
	if isNew || conv.ActiveTask() == nil {
		gen, err := p.planner.Generate(ctx, checkpointgen.Request{
			Text:           in.Text,
			ConversationID: in.ConversationID,
			Context:        conv.Context,
			Limit:          initialCheckpoints,
			Specialty:      in.Specialty,
		})
		if err != nil {
			return Output{}, fmt.Errorf("generate checkpoints: %w", err)
		}
		gen.Task.TaskID = uniqueTaskID(conv.TaskStack, gen.Task.TaskID)
		conv.PushTask(gen.Task)
		out.Generated = true
		out.Transition.TaskID = gen.Task.TaskID
	} else if err := p.evaluate(ctx, in, &conv, &out); err != nil {
		return Output{}, err
	}

	active := conv.ActiveTask()
	out.Transition.NeedsMoreCheckpoints = needsMore(active)
	if cp := conv.CurrentCheckpoint(); cp != nil {
		c := *cp
		out.Checkpoint = &c
	}

	conv.Context = append(conv.Context, types.Turn{Role: types.RoleUser, Content: in.Text})
	conv.UpdatedAt = p.now().UTC()
	checklistResult := p.checklistResult(in.ConversationID, out)

	if isNew {
		state.MergeResult(&conv, state.BucketSync, checklistResult)
		o, err := p.memory.SaveConversationState(ctx, conv)
		out.WriteOutcomes = append(out.WriteOutcomes, o)
		if err != nil {
			return out, fmt.Errorf("save conversation: %w", err)
		}
	} else if err := p.persist(ctx, conv, checklistResult, &out); err != nil {
		return out, err
	}

	if out.Transition.NeedsMoreCheckpoints && active != nil {
		p.extendInBackground(ctx, in, active.TaskID, conv.Context)
	}
	if !out.Generated {
		p.progressInBackground(ctx, in.ConversationID, out)
	}
	return out, nil
}

// evaluate runs the extractor and the evaluator side by side, then lets
// the machine reconcile their signals.
func (p *Processor) evaluate(ctx context.Context, in Input, conv *types.Conversation, out *Output) error {
	cp := conv.CurrentCheckpoint()
	if cp == nil {
		return checklist.ErrNoCurrentCheckpoint
	}
	snapshot := *cp
	history := conv.Context

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		out.Collected = extract.Fields(in.Text, snapshot.ExpectedInputs)
		return nil
	})
	g.Go(func() error {
		out.Evaluation = p.evaluator.Evaluate(gctx, in.Text, &snapshot, history)
		return nil
	})
	_ = g.Wait()

	out.Aggregated = checklist.AggregateCheckpoint(cp, out.Collected)
	tr, err := p.machine.Apply(conv.TaskStack, checklist.Signals{
		Text:              in.Text,
		Collected:         out.Collected,
		EvaluatorComplete: out.Evaluation.CheckpointComplete,
		AggregatedStatus:  out.Aggregated,
	})
	if err != nil {
		return fmt.Errorf("apply checkpoint transition: %w", err)
	}
	out.Transition = tr
	out.IsFinalSummary = tr.IsFinalSummary
	return nil
}

// persist writes the context, the task stack and the checklist verdict
// concurrently. The first policy error wins; every outcome is kept.
func (p *Processor) persist(ctx context.Context, conv types.Conversation, result types.AgentResult, out *Output) error {
	outcomes := make([]tiered.WriteOutcome, 3)
	var g errgroup.Group
	g.Go(func() error {
		o, err := p.memory.UpdateConversationContext(ctx, conv.ConversationID, conv.Context, conv.ParticipantID)
		outcomes[0] = o
		if err != nil {
			return fmt.Errorf("update context: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		o, err := p.memory.UpdateTaskStack(ctx, conv.ConversationID, conv.TaskStack)
		outcomes[1] = o
		if err != nil {
			return fmt.Errorf("update task stack: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		o, err := p.memory.SaveSyncAgentResult(ctx, conv.ConversationID, AgentChecklist, result)
		outcomes[2] = o
		if err != nil {
			return fmt.Errorf("save checklist result: %w", err)
		}
		return nil
	})
	err := g.Wait()
	out.WriteOutcomes = append(out.WriteOutcomes, outcomes...)
	return err
}

func (p *Processor) checklistResult(conversationID string, out Output) types.AgentResult {
	payload := map[string]any{
		"checkpoint_complete": out.Evaluation.CheckpointComplete,
		"progress_percentage": out.Evaluation.ProgressPercentage,
		"confidence":          out.Evaluation.Confidence,
		"source":              string(out.Evaluation.Source),
		"generated":           out.Generated,
		"is_final_summary":    out.IsFinalSummary,
	}
	if out.Checkpoint != nil {
		payload["current_checkpoint_id"] = out.Checkpoint.ID
		payload["current_checkpoint"] = out.Checkpoint.Name
	}
	if out.Transition.Checkpoint.ID != "" {
		payload["checkpoint_id"] = out.Transition.Checkpoint.ID
		payload["status"] = string(out.Transition.Checkpoint.Status)
	}
	if len(out.Collected) > 0 {
		payload["collected_inputs"] = out.Collected
	}
	return types.AgentResult{
		ConversationID: conversationID,
		AgentName:      AgentChecklist,
		Status:         types.AgentSuccess,
		ResultPayload:  payload,
		Consumed:       true,
		Timestamp:      p.now().UTC(),
	}
}

// extendInBackground appends one checkpoint to taskID. Generation runs
// outside the lock; the append reloads the task stack under it.
func (p *Processor) extendInBackground(ctx context.Context, in Input, taskID string, history []types.Turn) {
	history = append([]types.Turn(nil), history...)
	p.fanout.Go(ctx, "extend_checkpoints", in.ConversationID, func(ctx context.Context) error {
		drafts, degraded := p.planner.Drafts(ctx, checkpointgen.Request{
			Text:           in.Text,
			ConversationID: in.ConversationID,
			Context:        history,
			Limit:          extendedCheckpoints,
			ExistingTaskID: taskID,
			Specialty:      in.Specialty,
		})
		if degraded {
			return fmt.Errorf("checkpoint generation degraded, task %s not extended", taskID)
		}
		return p.memory.WithConversationLock(ctx, in.ConversationID, func(ctx context.Context) error {
			conv, err := p.memory.GetConversationState(ctx, in.ConversationID)
			if err != nil {
				return err
			}
			var task *types.Task
			for i := range conv.TaskStack {
				if conv.TaskStack[i].TaskID == taskID {
					task = &conv.TaskStack[i]
				}
			}
			// Only extend while at most two checkpoints remain.
			if task == nil || !task.IsActive || len(task.Checklist)-task.CurrentCheckpointIndex > 2 {
				return nil
			}
			if added := p.planner.Extend(task, drafts); len(added) == 0 {
				return nil
			}
			_, err = p.memory.UpdateTaskStack(ctx, in.ConversationID, conv.TaskStack)
			return err
		})
	})
}

// progressInBackground records the per-checkpoint progress in the async
// bucket for consumers that poll it.
func (p *Processor) progressInBackground(ctx context.Context, conversationID string, out Output) {
	cp := out.Transition.Checkpoint
	if cp.ID == "" {
		return
	}
	result := types.AgentResult{
		AgentName: AgentProgress,
		Status:    types.AgentSuccess,
		ResultPayload: map[string]any{
			"task_id":         out.Transition.TaskID,
			"checkpoint_id":   cp.ID,
			"status":          string(cp.Status),
			"completion_rate": checklist.CompletionRate(cp.ExpectedInputs, cp.CollectedInputs),
			"advanced":        out.Transition.Advanced,
			"task_completed":  out.Transition.TaskCompleted,
		},
		Timestamp: p.now().UTC(),
	}
	p.fanout.Go(ctx, "persist_progress", conversationID, func(ctx context.Context) error {
		_, err := p.memory.SaveAgentResult(ctx, conversationID, AgentProgress, result)
		return err
	})
}

// uniqueTaskID suffixes id when a task generated within the same second
// already holds it.
func uniqueTaskID(stack []types.Task, id string) string {
	taken := make(map[string]bool, len(stack))
	for _, t := range stack {
		taken[t.TaskID] = true
	}
	candidate := id
	for n := 2; taken[candidate]; n++ {
		candidate = fmt.Sprintf("%s_%d", id, n)
	}
	return candidate
}

// needsMore is true when the pointer of an active task sits on its
// second-to-last checkpoint.
func needsMore(task *types.Task) bool {
	if task == nil || !task.IsActive {
		return false
	}
	n := len(task.Checklist)
	return n > 1 && task.CurrentCheckpointIndex == n-2
}
