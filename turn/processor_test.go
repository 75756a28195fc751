package turn

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PipeOpsHQ/checkpoint-engine/checkpointgen"
	"github.com/PipeOpsHQ/checkpoint-engine/evaluate"
	"github.com/PipeOpsHQ/checkpoint-engine/observe"
	"github.com/PipeOpsHQ/checkpoint-engine/state/inmem"
	"github.com/PipeOpsHQ/checkpoint-engine/state/tiered"
	"github.com/PipeOpsHQ/checkpoint-engine/types"
)

type reply struct {
	text string
	err  error
}

// scriptLLM answers with replies in order and repeats the last one.
type scriptLLM struct {
	mu      sync.Mutex
	replies []reply
	calls   int
}

func (s *scriptLLM) Name() string { return "script" }

func (s *scriptLLM) Generate(context.Context, string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i >= len(s.replies) {
		i = len(s.replies) - 1
	}
	return s.replies[i].text, s.replies[i].err
}

func (s *scriptLLM) set(replies ...reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies, s.calls = replies, 0
}

const twoDrafts = `[
  {"text": "Where is the pain?", "expected_inputs": ["pain_location"]},
  {"text": "How long has it lasted?", "expected_inputs": ["duration"]}
]`

type harness struct {
	proc    *Processor
	fast    *inmem.Store
	durable *inmem.Store
	manager *tiered.Manager
	evalLLM *scriptLLM
	planLLM *scriptLLM
	events  *eventLog
}

type eventLog struct {
	mu     sync.Mutex
	events []observe.Event
}

func (l *eventLog) Emit(_ context.Context, e observe.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

func (l *eventLog) last(kind observe.Kind) observe.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Kind == kind {
			return l.events[i]
		}
	}
	return observe.Event{}
}

func newHarness(t *testing.T, managerOpts ...tiered.Option) *harness {
	t.Helper()
	h := &harness{
		fast:    inmem.New(inmem.WithName("fast")),
		durable: inmem.New(inmem.WithName("durable")),
		evalLLM: &scriptLLM{replies: []reply{{text: "Complete: No\nConfidence: 10"}}},
		planLLM: &scriptLLM{replies: []reply{{text: twoDrafts}}},
		events:  &eventLog{},
	}
	h.manager = tiered.New(tiered.Static(h.fast, h.durable), managerOpts...)
	evaluator := evaluate.New(h.evalLLM, evaluate.WithCache(nil))
	planner := checkpointgen.New(h.planLLM)
	h.proc = New(h.manager, evaluator, planner, WithSink(h.events))
	t.Cleanup(func() {
		h.proc.Wait()
		_ = h.manager.Close()
	})
	return h
}

func (h *harness) turn(t *testing.T, text string) Output {
	t.Helper()
	out, err := h.proc.ProcessTurn(context.Background(), Input{
		ConversationID: "conv-1",
		ParticipantID:  "patient-1",
		Text:           text,
	})
	if err != nil {
		t.Fatalf("ProcessTurn(%q) failed: %v", text, err)
	}
	h.proc.Wait()
	return out
}

func (h *harness) stored(t *testing.T) types.Conversation {
	t.Helper()
	conv, err := h.durable.LoadConversation(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("durable load failed: %v", err)
	}
	return conv
}

func TestProcessTurn_NewConversationGeneratesChecklist(t *testing.T) {
	h := newHarness(t)
	out := h.turn(t, "my back hurts")

	if !out.NewConversation || !out.Generated {
		t.Fatalf("expected generated checklist for new conversation, got %+v", out)
	}
	if out.Evaluation.Source != "" {
		t.Fatalf("opening turn must not be evaluated, got %+v", out.Evaluation)
	}
	if out.Checkpoint == nil || out.Checkpoint.Name != "Where is the pain?" {
		t.Fatalf("unexpected current checkpoint %+v", out.Checkpoint)
	}
	if !out.Transition.NeedsMoreCheckpoints {
		t.Fatalf("two-checkpoint task starts on its second-to-last checkpoint")
	}

	conv := h.stored(t)
	if conv.ParticipantID != "patient-1" || len(conv.Context) != 1 || conv.Context[0].Content != "my back hurts" {
		t.Fatalf("unexpected stored conversation %+v", conv)
	}
	task := conv.ActiveTask()
	if task == nil || len(task.Checklist) != 3 {
		t.Fatalf("expected background extension to a third checkpoint, got %+v", task)
	}
	if res, ok := conv.SyncAgentResults[AgentChecklist]; !ok || !res.Consumed {
		t.Fatalf("expected checklist result in the sync bucket, got %+v", conv.SyncAgentResults)
	}
	if e := h.events.last(observe.KindTurn); e.Status != observe.StatusCompleted || e.ConversationID != "conv-1" {
		t.Fatalf("unexpected turn event %+v", e)
	}
}

func TestProcessTurn_PartialAnswerStaysInProgress(t *testing.T) {
	h := newHarness(t)
	h.turn(t, "my back hurts")

	out := h.turn(t, "it hurts in my lower back")
	if out.Generated || out.Transition.Advanced {
		t.Fatalf("unexpected transition %+v", out.Transition)
	}
	if out.Collected["pain_location"] == "" || out.Aggregated != types.StatusComplete {
		t.Fatalf("expected extracted pain location, got %+v / %s", out.Collected, out.Aggregated)
	}
	if out.Transition.Checkpoint.Status != types.StatusInProgress {
		t.Fatalf("aggregate alone must not complete, got %s", out.Transition.Checkpoint.Status)
	}

	conv := h.stored(t)
	cp := conv.ActiveTask().Checklist[0]
	if cp.CollectedInputs["pain_location"] == "" || cp.Status != types.StatusInProgress {
		t.Fatalf("unexpected stored checkpoint %+v", cp)
	}
	if len(conv.Context) != 2 {
		t.Fatalf("expected two turns of context, got %d", len(conv.Context))
	}
	if _, ok := conv.AsyncAgentResults[AgentProgress]; !ok {
		t.Fatalf("expected background progress result, got %+v", conv.AsyncAgentResults)
	}
}

func TestProcessTurn_CompletionAdvancesAndExtends(t *testing.T) {
	h := newHarness(t)
	h.turn(t, "my back hurts")

	h.evalLLM.set(reply{text: "Complete: Yes\nConfidence: 90"})
	out := h.turn(t, "lower back, left side")
	if !out.Transition.Advanced || out.Evaluation.Source != evaluate.SourceLLM {
		t.Fatalf("expected evaluator completion to advance, got %+v", out)
	}
	if out.Checkpoint == nil || out.Checkpoint.Name != "How long has it lasted?" {
		t.Fatalf("unexpected next checkpoint %+v", out.Checkpoint)
	}
	if !out.Transition.NeedsMoreCheckpoints {
		t.Fatalf("pointer 1 of 3 is second-to-last")
	}
	stored := h.stored(t)
	task := stored.ActiveTask()
	if task.CurrentCheckpointIndex != 1 || len(task.Checklist) != 4 {
		t.Fatalf("expected pointer 1 over four checkpoints, got %d/%d", task.CurrentCheckpointIndex, len(task.Checklist))
	}
	if task.Checklist[0].Status != types.StatusComplete || task.Checklist[0].CompletedAt == nil {
		t.Fatalf("first checkpoint not completed: %+v", task.Checklist[0])
	}
}

func TestProcessTurn_FinalSummaryWhenExtensionDegrades(t *testing.T) {
	h := newHarness(t)
	h.planLLM.set(reply{text: twoDrafts}, reply{err: errors.New("upstream unavailable")})
	h.turn(t, "my back hurts")
	stored := h.stored(t)
	if n := len(stored.ActiveTask().Checklist); n != 2 {
		t.Fatalf("degraded extension must not append, got %d checkpoints", n)
	}

	h.evalLLM.set(reply{text: "Complete: Yes\nConfidence: 95"})
	if out := h.turn(t, "lower back"); out.IsFinalSummary || !out.Transition.Advanced {
		t.Fatalf("unexpected second turn %+v", out.Transition)
	}
	out := h.turn(t, "about three days")
	if !out.IsFinalSummary || !out.Transition.TaskCompleted || out.Checkpoint != nil {
		t.Fatalf("expected final summary on last checkpoint, got %+v", out)
	}
	stored = h.stored(t)
	if stored.ActiveTask() != nil {
		t.Fatalf("completed task must be deactivated")
	}

	// A turn after completion starts a new task on the same conversation.
	h.planLLM.set(reply{text: twoDrafts})
	next := h.turn(t, "I also have a headache")
	if !next.Generated || next.NewConversation {
		t.Fatalf("expected new task on existing conversation, got %+v", next)
	}
	if n := len(h.stored(t).TaskStack); n != 2 {
		t.Fatalf("expected two tasks on the stack, got %d", n)
	}
}

func TestProcessTurn_DegradedWriteIsReported(t *testing.T) {
	h := newHarness(t)
	h.turn(t, "my back hurts")

	h.fast.FailWrites(true)
	out := h.turn(t, "lower back")
	degraded := false
	for _, o := range out.WriteOutcomes {
		degraded = degraded || o.Degraded()
	}
	if !degraded {
		t.Fatalf("expected a degraded write outcome, got %+v", out.WriteOutcomes)
	}
	if e := h.events.last(observe.KindTurn); e.Status != observe.StatusDegraded {
		t.Fatalf("expected degraded turn event, got %+v", e)
	}
	if len(h.stored(t).Context) != 2 {
		t.Fatalf("durable tier must still hold the turn")
	}
}

func TestProcessTurn_StrictPolicySurfacesDurableFailure(t *testing.T) {
	h := newHarness(t, tiered.WithPolicy(tiered.StrictPolicy))
	h.durable.FailWrites(true)
	_, err := h.proc.ProcessTurn(context.Background(), Input{ConversationID: "conv-1", Text: "hello"})
	if !errors.Is(err, tiered.ErrDurableWriteFailed) {
		t.Fatalf("expected durable write failure, got %v", err)
	}
	if e := h.events.last(observe.KindTurn); e.Status != observe.StatusFailed {
		t.Fatalf("expected failed turn event, got %+v", e)
	}
}

func TestProcessTurn_InvalidInput(t *testing.T) {
	h := newHarness(t)
	if _, err := h.proc.ProcessTurn(context.Background(), Input{Text: "hi"}); !errors.Is(err, types.ErrInvalidConversation) {
		t.Fatalf("expected invalid conversation error, got %v", err)
	}
	if _, err := h.proc.ProcessTurn(context.Background(), Input{ConversationID: "c", Text: "  "}); err == nil {
		t.Fatalf("expected empty text error")
	}
}

func TestFanOut_CancelsStragglers(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	f := NewFanOut(20*time.Millisecond, logger)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan error, 1)
	f.Go(ctx, "slow", "conv-9", func(ctx context.Context) error {
		<-ctx.Done()
		done <- ctx.Err()
		return ctx.Err()
	})
	f.Go(ctx, "broken", "conv-9", func(context.Context) error {
		return errors.New("boom")
	})
	f.Wait()

	if err := <-done; !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("job must outlive the request and stop at its own deadline, got %v", err)
	}
	logs := buf.String()
	if !strings.Contains(logs, "background job cancelled at deadline") || !strings.Contains(logs, "job=slow") {
		t.Fatalf("expected straggler warning, got %q", logs)
	}
	if !strings.Contains(logs, "background job failed") || !strings.Contains(logs, "boom") {
		t.Fatalf("expected failure warning, got %q", logs)
	}
}
