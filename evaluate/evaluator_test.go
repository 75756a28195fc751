package evaluate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PipeOpsHQ/checkpoint-engine/llm"
	"github.com/PipeOpsHQ/checkpoint-engine/types"
)

type scriptedGenerator struct {
	reply   string
	err     error
	delay   time.Duration
	calls   atomic.Int32
	prompts []string
}

func (g *scriptedGenerator) Name() string { return "scripted" }

func (g *scriptedGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	g.calls.Add(1)
	g.prompts = append(g.prompts, prompt)
	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return g.reply, g.err
}

func checkpoint() *types.Checkpoint {
	return &types.Checkpoint{
		ID:             "cp-1",
		Name:           "Are you taking your medication daily?",
		Status:         types.StatusPending,
		ExpectedInputs: []string{"medication_compliance"},
	}
}

func approx(a, b float64) bool {
	d := a - b
	return d < 1e-9 && d > -1e-9
}

func TestEvaluate_YesWithHighConfidenceCompletes(t *testing.T) {
	gen := &scriptedGenerator{reply: "Complete: Yes\nConfidence: 80"}
	res := New(gen).Evaluate(context.Background(), "yes every morning", checkpoint(), nil)
	if !res.CheckpointComplete || res.ProgressPercentage != 100 {
		t.Fatalf("expected complete at 100, got %+v", res)
	}
	if !approx(res.Confidence, 0.8) || res.Source != SourceLLM {
		t.Fatalf("unexpected confidence/source: %+v", res)
	}
}

func TestEvaluate_NoWithLowConfidenceProgresses(t *testing.T) {
	gen := &scriptedGenerator{reply: "Complete: No\nConfidence: 40"}
	res := New(gen).Evaluate(context.Background(), "not sure", checkpoint(), nil)
	if res.CheckpointComplete {
		t.Fatalf("expected incomplete, got %+v", res)
	}
	if !approx(res.ProgressPercentage, 55.0) {
		t.Fatalf("expected progress 55.0, got %v", res.ProgressPercentage)
	}
}

func TestEvaluate_TimeoutFallbackWithKeyword(t *testing.T) {
	gen := &scriptedGenerator{reply: "Complete: Yes\nConfidence: 99", delay: time.Second}
	text := "yes I take it always"
	if len(text) != 20 {
		t.Fatalf("fixture must be 20 chars, got %d", len(text))
	}
	res := New(gen, WithTimeout(20*time.Millisecond)).Evaluate(context.Background(), text, checkpoint(), nil)
	if !res.CheckpointComplete || res.ProgressPercentage != 90 || res.Confidence != 0.75 {
		t.Fatalf("expected timeout fallback complete/90/0.75, got %+v", res)
	}
	if res.Source != SourceTimeoutFallback {
		t.Fatalf("expected timeout source, got %s", res.Source)
	}
}

func TestEvaluate_TimeoutFallbackShortUtterance(t *testing.T) {
	gen := &scriptedGenerator{err: fmt.Errorf("wrapped: %w", llm.ErrTimeout)}
	for _, text := range []string{"yes", "no", "  yes  ", "12345"} {
		res := New(gen).Evaluate(context.Background(), text, checkpoint(), nil)
		if res.CheckpointComplete {
			t.Fatalf("utterance %q of <=5 chars must never complete on timeout, got %+v", text, res)
		}
		if res.ProgressPercentage != 40 || res.Confidence != 0.45 {
			t.Fatalf("unexpected fallback numbers for %q: %+v", text, res)
		}
	}
}

func TestEvaluate_TimeoutFallbackLongWithoutKeyword(t *testing.T) {
	gen := &scriptedGenerator{err: llm.ErrTimeout}
	e := New(gen)
	if res := e.Evaluate(context.Background(), "a bit tired", checkpoint(), nil); res.CheckpointComplete {
		t.Fatalf("11 chars without keyword should not complete: %+v", res)
	}
	if res := e.Evaluate(context.Background(), "a bit tired lately", checkpoint(), nil); !res.CheckpointComplete {
		t.Fatalf("more than 15 chars should complete: %+v", res)
	}
}

func TestEvaluate_ErrorFallback(t *testing.T) {
	gen := &scriptedGenerator{err: fmt.Errorf("gemini: %w", llm.ErrQuotaExceeded)}
	e := New(gen)
	res := e.Evaluate(context.Background(), "twice a day", checkpoint(), nil)
	if !res.CheckpointComplete || res.ProgressPercentage != 85 || res.Confidence != 0.65 || res.Source != SourceErrorFallback {
		t.Fatalf("expected error fallback complete/85/0.65, got %+v", res)
	}
	res = e.Evaluate(context.Background(), "yes", checkpoint(), nil)
	if res.CheckpointComplete || res.ProgressPercentage != 35 || res.Confidence != 0.65 {
		t.Fatalf("expected error fallback incomplete/35/0.65, got %+v", res)
	}
}

func TestEvaluate_EmptyReplyUsesErrorFallback(t *testing.T) {
	gen := &scriptedGenerator{reply: "   "}
	res := New(gen).Evaluate(context.Background(), "twice a day", checkpoint(), nil)
	if res.Source != SourceErrorFallback {
		t.Fatalf("expected error fallback for empty reply, got %+v", res)
	}
}

func TestEvaluate_NilCheckpoint(t *testing.T) {
	gen := &scriptedGenerator{}
	res := New(gen).Evaluate(context.Background(), "anything", nil, nil)
	if !res.CheckpointComplete || res.ProgressPercentage != 100 || res.Confidence != 1.0 {
		t.Fatalf("expected trivially complete result, got %+v", res)
	}
	if gen.calls.Load() != 0 {
		t.Fatalf("generator must not be called without a checkpoint")
	}
}

func TestEvaluate_CachesOnlyGeneratorVerdicts(t *testing.T) {
	gen := &scriptedGenerator{reply: "Complete: Yes\nConfidence: 90"}
	e := New(gen)
	first := e.Evaluate(context.Background(), "yes daily", checkpoint(), nil)
	second := e.Evaluate(context.Background(), "yes daily", checkpoint(), nil)
	if gen.calls.Load() != 1 {
		t.Fatalf("expected one generator call, got %d", gen.calls.Load())
	}
	if second.Source != SourceCache || second.CheckpointComplete != first.CheckpointComplete {
		t.Fatalf("expected cached copy of first verdict, got %+v", second)
	}

	failing := &scriptedGenerator{err: errors.New("boom")}
	e = New(failing)
	e.Evaluate(context.Background(), "yes daily", checkpoint(), nil)
	e.Evaluate(context.Background(), "yes daily", checkpoint(), nil)
	if failing.calls.Load() != 2 {
		t.Fatalf("fallback verdicts must not be cached, got %d calls", failing.calls.Load())
	}
}

func TestEvaluate_PromptCarriesLastTwoTurns(t *testing.T) {
	gen := &scriptedGenerator{reply: "Complete: No\nConfidence: 10"}
	history := []types.Turn{
		{Role: types.RoleUser, Content: "oldest turn"},
		{Role: types.RoleAssistant, Content: strings.Repeat("a", 150)},
		{Role: types.RoleUser, Content: "latest turn"},
	}
	cp := checkpoint()
	cp.ExpectedInputs = nil
	New(gen).Evaluate(context.Background(), "hello", cp, history)
	if len(gen.prompts) != 1 {
		t.Fatalf("expected one prompt")
	}
	p := gen.prompts[0]
	if strings.Contains(p, "oldest turn") {
		t.Fatalf("prompt must only carry the last two turns:\n%s", p)
	}
	if !strings.Contains(p, "Assistant: "+strings.Repeat("a", 100)+"\n") {
		t.Fatalf("assistant turn should be cut to 100 chars:\n%s", p)
	}
	if !strings.Contains(p, "Patient: latest turn") || !strings.Contains(p, "EXPECTED: Any response") {
		t.Fatalf("prompt missing labelled turn or default expectation:\n%s", p)
	}
}

func TestParseVerdict(t *testing.T) {
	cases := []struct {
		raw      string
		yes      bool
		conf     float64
		complete bool
		progress float64
	}{
		{"Complete: Yes\nConfidence: 80", true, 0.8, true, 100},
		{"Complete: No\nConfidence: 40", false, 0.4, false, 55},
		{"Complete: Yes\nConfidence: 59", true, 0.59, false, 74},
		{"Complete: Yes\nConfidence: 85%", true, 0.85, true, 100},
		{"Complete: Yes\nConfidence: high", true, 0.6, true, 100},
		{"Complete: Yes", true, 0, false, 15},
		{"Complete: No\nConfidence: 95", false, 0.95, false, 95},
		{"garbage", false, 0, false, 15},
	}
	for _, tc := range cases {
		v := parseVerdict(tc.raw)
		if v.yes != tc.yes || !approx(v.confidence, tc.conf) {
			t.Fatalf("parseVerdict(%q) = %+v, want yes=%v conf=%v", tc.raw, v, tc.yes, tc.conf)
		}
		complete, progress := decide(v)
		if complete != tc.complete || !approx(progress, tc.progress) {
			t.Fatalf("decide(%q) = %v/%v, want %v/%v", tc.raw, complete, progress, tc.complete, tc.progress)
		}
	}
}
