package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recordingSink) Emit(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestMultiSink_DeliversToAllOnError(t *testing.T) {
	failing := &recordingSink{err: errors.New("boom")}
	ok := &recordingSink{}
	sink := NewMultiSink(failing, nil, ok)

	err := sink.Emit(context.Background(), Event{Kind: KindTurn})
	if err == nil {
		t.Fatalf("expected first error to surface")
	}
	if failing.count() != 1 || ok.count() != 1 {
		t.Fatalf("expected both sinks to receive the event, got %d and %d", failing.count(), ok.count())
	}
	if _, isNoop := NewMultiSink(nil, nil).(NoopSink); !isNoop {
		t.Fatalf("expected NoopSink for empty input")
	}
}

func TestAsyncSink_DrainsOnClose(t *testing.T) {
	down := &recordingSink{}
	sink := NewAsyncSink(down, 16)
	for i := 0; i < 10; i++ {
		if err := sink.Emit(context.Background(), Event{Kind: KindMemory}); err != nil {
			t.Fatalf("Emit failed: %v", err)
		}
	}
	sink.Close()
	if got := down.count() + int(sink.Dropped()); got != 10 {
		t.Fatalf("expected 10 delivered or dropped events, got %d", got)
	}
	for _, e := range down.events {
		if e.Timestamp.IsZero() || e.Attributes == nil {
			t.Fatalf("expected normalized event, got %#v", e)
		}
	}
}

func TestLogSink_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	sink := NewLogSink(logger)

	_ = sink.Emit(context.Background(), Event{Kind: KindEvaluator, Status: StatusCompleted})
	if buf.Len() != 0 {
		t.Fatalf("completed events should log at debug, got %q", buf.String())
	}
	_ = sink.Emit(context.Background(), Event{
		Kind:           KindMemory,
		Status:         StatusFailed,
		ConversationID: "c1",
		Tier:           "fast",
		Error:          "connection refused",
		Attributes:     map[string]any{"op": "save_state"},
	})
	out := buf.String()
	for _, want := range []string{"level=WARN", "conversation_id=c1", "tier=fast", "op=save_state"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output missing %q: %s", want, out)
		}
	}
}
