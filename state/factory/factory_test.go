package factory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/PipeOpsHQ/checkpoint-engine/state"
	"github.com/PipeOpsHQ/checkpoint-engine/types"
)

func TestSettingsFromEnv_Defaults(t *testing.T) {
	t.Setenv("STATE_BACKEND", "")
	t.Setenv("CONTEXT_TTL", "5m")
	t.Setenv("REDIS_POOL_SIZE", "nope")

	s := SettingsFromEnv()
	if s.Backend != BackendHybrid || s.DurableBackend != BackendSQLite {
		t.Fatalf("unexpected backends: %q/%q", s.Backend, s.DurableBackend)
	}
	if s.TTLs.Context != 5*time.Minute || s.TTLs.State != 30*time.Minute {
		t.Fatalf("unexpected ttls: %+v", s.TTLs)
	}
	if s.RedisPoolSize != 10 {
		t.Fatalf("invalid int should fall back, got %d", s.RedisPoolSize)
	}
}

func TestSettingsValidate(t *testing.T) {
	cases := []struct {
		name    string
		s       Settings
		wantErr bool
	}{
		{name: "memory", s: Settings{Backend: BackendMemory}},
		{name: "sqlite needs path", s: Settings{Backend: BackendSQLite}, wantErr: true},
		{name: "postgres needs dsn", s: Settings{Backend: BackendPostgres}, wantErr: true},
		{name: "hybrid over memory", s: Settings{Backend: BackendHybrid, DurableBackend: BackendMemory, RedisAddr: "x:1"}},
		{name: "hybrid needs redis", s: Settings{Backend: BackendHybrid, DurableBackend: BackendMemory}, wantErr: true},
		{name: "hybrid bad durable", s: Settings{Backend: BackendHybrid, DurableBackend: "mongo", RedisAddr: "x:1"}, wantErr: true},
		{name: "unknown", s: Settings{Backend: "nope"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.s.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() err=%v, wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

func TestNewManager_SQLite(t *testing.T) {
	s := Settings{Backend: BackendSQLite, SQLitePath: filepath.Join(t.TempDir(), "state.db")}
	m := NewManager(s, nil)
	defer m.Close()

	ctx := context.Background()
	conv := types.NewConversation("conv-1", "p1", time.Now().UTC())
	if _, err := m.SaveConversationState(ctx, conv); err != nil {
		t.Fatalf("SaveConversationState failed: %v", err)
	}
	got, err := m.GetConversationState(ctx, "conv-1")
	if err != nil {
		t.Fatalf("GetConversationState failed: %v", err)
	}
	if got.ParticipantID != "p1" {
		t.Fatalf("unexpected conversation %+v", got)
	}
	if h := m.HealthCheck(ctx); h.Fast.Configured || !h.Durable.Healthy {
		t.Fatalf("expected durable-only healthy manager, got %+v", h)
	}
}

func TestOpener_HybridFallsBackWhenRedisUnavailable(t *testing.T) {
	s := Settings{
		Backend:        BackendHybrid,
		DurableBackend: BackendMemory,
		RedisAddr:      "127.0.0.1:1",
	}
	fast, durable, err := Opener(s, nil)(context.Background())
	if err != nil {
		t.Fatalf("hybrid open failed unexpectedly: %v", err)
	}
	if fast != nil {
		t.Fatalf("expected no fast tier, got %s", fast.Name())
	}
	if durable == nil || durable.Name() != "memory" {
		t.Fatalf("expected memory durable tier")
	}
	defer durable.Close()
}

func TestNewManager_HybridRetriesFastTierOnHealthCheck(t *testing.T) {
	if FastOpener(Settings{Backend: BackendSQLite}) != nil {
		t.Fatalf("single-tier backends must not retry a fast tier")
	}
	m := NewManager(Settings{
		Backend:        BackendHybrid,
		DurableBackend: BackendMemory,
		RedisAddr:      "127.0.0.1:1",
	}, nil)
	defer m.Close()

	h := m.HealthCheck(context.Background())
	if !h.Initialized || !h.Healthy() || h.Fast.Configured {
		t.Fatalf("expected durable-only health while redis is down, got %+v", h)
	}
}

func TestNewManager_InvalidBackendFailsInit(t *testing.T) {
	m := NewManager(Settings{Backend: "nope"}, nil)
	err := m.Init(context.Background())
	if err == nil {
		t.Fatalf("expected error for invalid backend")
	}
	if _, err := m.GetConversationState(context.Background(), "c"); err == nil || errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected init error, got %v", err)
	}
}
