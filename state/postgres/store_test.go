package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"

	"github.com/PipeOpsHQ/checkpoint-engine/state"
	"github.com/PipeOpsHQ/checkpoint-engine/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := New(ctx, dsn, WithMaxConns(4))
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresStore_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	id := "conv-" + uuid.NewString()
	participant := "participant-" + uuid.NewString()
	conv := types.NewConversation(id, participant, now)
	conv.Context = []types.Turn{{Role: types.RoleUser, Content: "my knee is swollen"}}
	conv.PushTask(types.Task{
		TaskID:    "task_" + id,
		Source:    types.SourceMain,
		Checklist: []types.Checkpoint{{ID: "cp-1", Name: "Which knee?", Status: types.StatusPending}},
		CreatedAt: now,
		UpdatedAt: now,
	})
	conv.SyncAgentResults["checklist"] = types.AgentResult{AgentName: "checklist", Status: types.AgentSuccess, Consumed: true, Timestamp: now}

	if err := s.SaveConversation(ctx, conv); err != nil {
		t.Fatalf("SaveConversation failed: %v", err)
	}
	got, err := s.LoadConversation(ctx, id)
	if err != nil {
		t.Fatalf("LoadConversation failed: %v", err)
	}
	if diff := cmp.Diff(conv, got, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}

	async := types.AgentResult{AgentName: "triage", Status: types.AgentPartial}
	if err := s.SaveAgentResult(ctx, id, state.BucketAsync, async); err != nil {
		t.Fatalf("SaveAgentResult failed: %v", err)
	}
	if err := s.SetVerified(ctx, id, true); err != nil {
		t.Fatalf("SetVerified failed: %v", err)
	}
	list, err := s.ListConversations(ctx, participant)
	if err != nil {
		t.Fatalf("ListConversations failed: %v", err)
	}
	if len(list) != 1 || !list[0].IsVerified || len(list[0].AsyncAgentResults) != 1 {
		t.Fatalf("unexpected listing: %+v", list)
	}

	rec, err := s.FindTask(ctx, "task_"+id)
	if err != nil {
		t.Fatalf("FindTask failed: %v", err)
	}
	if rec.ConversationID != id || rec.Position != 0 || rec.Task.Checklist[0].Name != "Which knee?" {
		t.Fatalf("unexpected task record: %+v", rec)
	}
	if _, err := s.FindTask(ctx, "task_missing_"+id); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStore_Summary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := "conv-" + uuid.NewString()
	if _, err := s.LoadSummary(ctx, id); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.SaveSummary(ctx, types.Summary{ConversationID: id, Summary: "short", KeyPoints: []string{"a"}}); err != nil {
		t.Fatalf("SaveSummary failed: %v", err)
	}
	conv, err := s.LoadConversation(ctx, id)
	if err != nil {
		t.Fatalf("LoadConversation failed: %v", err)
	}
	if !conv.HasSummary || conv.Summary != "short" {
		t.Fatalf("expected summary flag, got %+v", conv)
	}
}
