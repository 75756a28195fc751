package factory

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/PipeOpsHQ/checkpoint-engine/llm"
	geminiprov "github.com/PipeOpsHQ/checkpoint-engine/providers/gemini"
	ollamaprov "github.com/PipeOpsHQ/checkpoint-engine/providers/ollama"
)

type Settings struct {
	Provider      string
	GeminiAPIKey  string
	GeminiModel   string
	OllamaBaseURL string
	OllamaModel   string
	OllamaAPIKey  string
	// MaxAttempts bounds retries for callers that opt in via llm.WithRetry.
	MaxAttempts int
}

func SettingsFromEnv() Settings {
	return Settings{
		Provider:      getenv("LLM_PROVIDER", "gemini"),
		GeminiAPIKey:  strings.TrimSpace(os.Getenv("GEMINI_API_KEY")),
		GeminiModel:   getenv("GEMINI_MODEL", "gemini-2.5-flash"),
		OllamaBaseURL: getenv("OLLAMA_BASE_URL", "http://127.0.0.1:11434"),
		OllamaModel:   getenv("OLLAMA_MODEL", "llama3.1:8b"),
		OllamaAPIKey:  strings.TrimSpace(os.Getenv("OLLAMA_API_KEY")),
		MaxAttempts:   getenvInt("LLM_MAX_ATTEMPTS", 2),
	}
}

func FromEnv(ctx context.Context) (llm.Generator, error) {
	return New(ctx, SettingsFromEnv())
}

// New builds the configured generator. Provider "none" yields a generator
// that always fails so evaluation and generation run on their fallbacks.
func New(ctx context.Context, s Settings) (llm.Generator, error) {
	provider := strings.ToLower(strings.TrimSpace(s.Provider))
	switch provider {
	case "gemini":
		if strings.TrimSpace(s.GeminiAPIKey) == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY is required when LLM_PROVIDER=gemini")
		}
		return geminiprov.New(ctx, s.GeminiAPIKey, geminiprov.WithModel(s.GeminiModel))

	case "ollama":
		opts := []ollamaprov.Option{ollamaprov.WithAPIKey(s.OllamaAPIKey)}
		if s.OllamaModel != "" {
			opts = append(opts, ollamaprov.WithModel(s.OllamaModel))
		}
		if s.OllamaBaseURL != "" {
			opts = append(opts, ollamaprov.WithBaseURL(s.OllamaBaseURL))
		}
		return ollamaprov.New(opts...)

	case "none", "disabled":
		return llm.Disabled{}, nil
	}

	return nil, fmt.Errorf("unsupported LLM_PROVIDER %q (use gemini, ollama, or none)", provider)
}

func getenv(key, fallback string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	return val
}

func getenvInt(key string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return fallback
	}
	return n
}
