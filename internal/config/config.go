// Package config loads the process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	robcron "github.com/robfig/cron/v3"

	"github.com/PipeOpsHQ/checkpoint-engine/checkpointgen"
	"github.com/PipeOpsHQ/checkpoint-engine/evaluate"
	"github.com/PipeOpsHQ/checkpoint-engine/monitor"
	providerfactory "github.com/PipeOpsHQ/checkpoint-engine/providers/factory"
	statefactory "github.com/PipeOpsHQ/checkpoint-engine/state/factory"
	"github.com/PipeOpsHQ/checkpoint-engine/state/tiered"
	"github.com/PipeOpsHQ/checkpoint-engine/turn"
)

const (
	PolicyDegraded   = "degraded"
	PolicyStrictNew  = "strict-new"
	PolicyStrict     = "strict"
	LogFormatText    = "text"
	LogFormatJSON    = "json"
	defaultLogLevel  = "info"
	defaultService   = "checkpoint-engine"
	defaultCacheTTL  = 10 * time.Minute
	defaultSpecialty = checkpointgen.DefaultSpecialty
	defaultPromptDir = "./.checkpoint/prompts"
	defaultStreamLen = 10000
)

type Config struct {
	State statefactory.Settings
	LLM   providerfactory.Settings

	EvaluatorTimeout   time.Duration
	GeneratorTimeout   time.Duration
	BackgroundTimeout  time.Duration
	EvaluatorCacheSize int
	EvaluatorCacheTTL  time.Duration
	// WritePolicy is degraded, strict-new or strict.
	WritePolicy string
	Specialty   string
	// PromptDir holds *.json templates overriding the built-ins.
	PromptDir string

	HealthSchedule string
	LogLevel       string
	LogFormat      string
	OTELEndpoint   string
	OTELInsecure   bool
	ServiceName    string

	// EventStream mirrors observer events into a capped Redis stream on
	// REDIS_ADDR.
	EventStream       bool
	EventStreamMaxLen int
}

// Load reads the environment, after merging any .env files, and validates
// the result.
func Load(dotenv ...string) (Config, error) {
	if err := LoadDotenv(dotenv...); err != nil {
		return Config{}, fmt.Errorf("config: load dotenv: %w", err)
	}
	cfg := FromEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv reads the environment without validating.
func FromEnv() Config {
	return Config{
		State:              statefactory.SettingsFromEnv(),
		LLM:                providerfactory.SettingsFromEnv(),
		EvaluatorTimeout:   ParseDurationEnv("EVALUATOR_TIMEOUT", evaluate.DefaultTimeout),
		GeneratorTimeout:   ParseDurationEnv("GENERATOR_TIMEOUT", checkpointgen.DefaultTimeout),
		BackgroundTimeout:  ParseDurationEnv("BACKGROUND_TIMEOUT", turn.DefaultBackgroundTimeout),
		EvaluatorCacheSize: ParseIntEnv("EVALUATOR_CACHE_SIZE", evaluate.DefaultCacheSize),
		EvaluatorCacheTTL:  ParseDurationEnv("EVALUATOR_CACHE_TTL", defaultCacheTTL),
		WritePolicy:        strings.ToLower(Getenv("WRITE_POLICY", PolicyDegraded)),
		Specialty:          Getenv("DEFAULT_SPECIALTY", defaultSpecialty),
		PromptDir:          Getenv("PROMPT_DIR", defaultPromptDir),
		HealthSchedule:     Getenv("HEALTH_SCHEDULE", monitor.DefaultSchedule),
		LogLevel:           strings.ToLower(Getenv("LOG_LEVEL", defaultLogLevel)),
		LogFormat:          strings.ToLower(Getenv("LOG_FORMAT", LogFormatText)),
		OTELEndpoint:       Getenv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:       ParseBoolEnv("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:        Getenv("OTEL_SERVICE_NAME", defaultService),
		EventStream:        ParseBoolEnv("EVENT_STREAM", false),
		EventStreamMaxLen:  ParseIntEnv("EVENT_STREAM_MAXLEN", defaultStreamLen),
	}
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	errs := c.memoryErrors()
	switch strings.ToLower(c.LLM.Provider) {
	case "gemini":
		if strings.TrimSpace(c.LLM.GeminiAPIKey) == "" {
			errs = append(errs, fmt.Errorf("GEMINI_API_KEY is required when LLM_PROVIDER=gemini"))
		}
	case "ollama", "none", "disabled":
	default:
		errs = append(errs, fmt.Errorf("unsupported LLM_PROVIDER %q (use gemini, ollama, or none)", c.LLM.Provider))
	}
	for name, d := range map[string]time.Duration{
		"EVALUATOR_TIMEOUT":  c.EvaluatorTimeout,
		"GENERATOR_TIMEOUT":  c.GeneratorTimeout,
		"BACKGROUND_TIMEOUT": c.BackgroundTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.LLM.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("LLM_MAX_ATTEMPTS must be at least 1"))
	}
	if c.EvaluatorCacheSize <= 0 {
		errs = append(errs, fmt.Errorf("EVALUATOR_CACHE_SIZE must be positive"))
	}
	return joinErrors(errs)
}

// ValidateMemory checks only what commands that never call the LLM need.
func (c Config) ValidateMemory() error {
	return joinErrors(c.memoryErrors())
}

func (c Config) memoryErrors() []error {
	var errs []error
	if err := c.State.Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Policy(); err != nil {
		errs = append(errs, err)
	}
	if _, err := robcron.ParseStandard(c.HealthSchedule); err != nil {
		errs = append(errs, fmt.Errorf("invalid HEALTH_SCHEDULE %q: %w", c.HealthSchedule, err))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != LogFormatText && c.LogFormat != LogFormatJSON {
		errs = append(errs, fmt.Errorf("unsupported LOG_FORMAT %q (use text or json)", c.LogFormat))
	}
	if c.EventStream {
		if strings.TrimSpace(c.State.RedisAddr) == "" {
			errs = append(errs, fmt.Errorf("REDIS_ADDR is required when EVENT_STREAM is on"))
		}
		if c.EventStreamMaxLen <= 0 {
			errs = append(errs, fmt.Errorf("EVENT_STREAM_MAXLEN must be positive"))
		}
	}
	return errs
}

func joinErrors(errs []error) error {
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func (c Config) Policy() (tiered.WritePolicy, error) {
	switch c.WritePolicy {
	case PolicyDegraded, "":
		return tiered.DegradedPolicy, nil
	case PolicyStrictNew:
		return tiered.StrictNewConversationPolicy, nil
	case PolicyStrict:
		return tiered.StrictPolicy, nil
	}
	return nil, fmt.Errorf("unsupported WRITE_POLICY %q (use degraded, strict-new, or strict)", c.WritePolicy)
}

func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// NewLogger builds the process logger for the configured level and format.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	level, _ := c.Level()
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
