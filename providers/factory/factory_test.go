package factory

import (
	"context"
	"testing"
)

func TestFromEnv_Ollama(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "ollama")
	t.Setenv("OLLAMA_MODEL", "llama3.1:8b")
	t.Setenv("OLLAMA_BASE_URL", "http://127.0.0.1:11434")

	g, err := FromEnv(context.Background())
	if err != nil {
		t.Fatalf("FromEnv returned error: %v", err)
	}
	if g.Name() != "ollama" {
		t.Fatalf("expected ollama generator, got %q", g.Name())
	}
}

func TestFromEnv_GeminiRequiresKey(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "gemini")
	t.Setenv("GEMINI_API_KEY", "")

	if _, err := FromEnv(context.Background()); err == nil {
		t.Fatalf("expected missing key error")
	}
}

func TestNew_None(t *testing.T) {
	g, err := New(context.Background(), Settings{Provider: "none"})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if g.Name() != "none" {
		t.Fatalf("expected disabled generator, got %q", g.Name())
	}
}

func TestNew_UnsupportedProvider(t *testing.T) {
	if _, err := New(context.Background(), Settings{Provider: "unknown-provider"}); err == nil {
		t.Fatalf("expected unsupported provider error")
	}
}

func TestSettingsFromEnv_MaxAttempts(t *testing.T) {
	t.Setenv("LLM_MAX_ATTEMPTS", "")
	if got := SettingsFromEnv().MaxAttempts; got != 2 {
		t.Fatalf("expected default 2, got %d", got)
	}
	t.Setenv("LLM_MAX_ATTEMPTS", "4")
	if got := SettingsFromEnv().MaxAttempts; got != 4 {
		t.Fatalf("expected 4, got %d", got)
	}
}
