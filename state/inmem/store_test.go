package inmem

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/PipeOpsHQ/checkpoint-engine/state"
	"github.com/PipeOpsHQ/checkpoint-engine/types"
)

func TestStore_WritesCreateAndCopies(t *testing.T) {
	s := New()
	ctx := context.Background()

	turns := []types.Turn{{Role: types.RoleUser, Content: "hello"}}
	if err := s.SaveContext(ctx, "c1", "p1", turns); err != nil {
		t.Fatalf("SaveContext failed: %v", err)
	}
	turns[0].Content = "mutated"

	conv, err := s.LoadConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("LoadConversation failed: %v", err)
	}
	if conv.ParticipantID != "p1" || len(conv.Context) != 1 || conv.Context[0].Content != "hello" {
		t.Fatalf("unexpected conversation %+v", conv)
	}

	conv.Context[0].Content = "mutated again"
	again, _ := s.LoadConversation(ctx, "c1")
	if again.Context[0].Content != "hello" {
		t.Fatalf("loaded conversation must not alias stored state")
	}

	if _, err := s.LoadConversation(ctx, "missing"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_FailureInjection(t *testing.T) {
	s := New(WithName("fast"))
	ctx := context.Background()

	s.FailWrites(true)
	if err := s.SaveTaskStack(ctx, "c1", nil); !errors.Is(err, state.ErrTierUnavailable) {
		t.Fatalf("expected unavailable write, got %v", err)
	}
	if err := s.Ping(ctx); err == nil {
		t.Fatalf("ping must fail while writes fail")
	}
	s.FailWrites(false)

	s.FailReads(true)
	if _, err := s.LoadConversation(ctx, "c1"); !errors.Is(err, state.ErrTierUnavailable) {
		t.Fatalf("expected unavailable read, got %v", err)
	}
	s.FailReads(false)
	if s.Reads() != 1 || s.Writes() != 1 {
		t.Fatalf("unexpected counters reads=%d writes=%d", s.Reads(), s.Writes())
	}
}

func TestStore_ListNewestFirstAndSummaries(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := New(WithClock(func() time.Time { return now }))
	ctx := context.Background()

	for _, id := range []string{"old", "new"} {
		if err := s.SaveContext(ctx, id, "p1", nil); err != nil {
			t.Fatalf("SaveContext failed: %v", err)
		}
		now = now.Add(time.Minute)
	}
	if err := s.SaveContext(ctx, "other", "p2", nil); err != nil {
		t.Fatalf("SaveContext failed: %v", err)
	}

	list, err := s.ListConversations(ctx, "p1")
	if err != nil {
		t.Fatalf("ListConversations failed: %v", err)
	}
	if len(list) != 2 || list[0].ConversationID != "new" || list[1].ConversationID != "old" {
		t.Fatalf("unexpected order %+v", list)
	}

	if err := s.SaveSummary(ctx, types.Summary{ConversationID: "old", Summary: "short", KeyPoints: []string{"a"}}); err != nil {
		t.Fatalf("SaveSummary failed: %v", err)
	}
	if err := s.SetVerified(ctx, "old", true); err != nil {
		t.Fatalf("SetVerified failed: %v", err)
	}
	sum, err := s.LoadSummary(ctx, "old")
	if err != nil || sum.Summary != "short" || sum.CreatedAt.IsZero() {
		t.Fatalf("unexpected summary %+v (%v)", sum, err)
	}
	conv, _ := s.LoadConversation(ctx, "old")
	if !conv.HasSummary || !conv.IsVerified || conv.Summary != "short" {
		t.Fatalf("summary flags not folded into conversation: %+v", conv)
	}

	if err := s.Evict(ctx, "old"); err != nil {
		t.Fatalf("Evict failed: %v", err)
	}
	if _, err := s.LoadConversation(ctx, "old"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected eviction, got %v", err)
	}
}
