// Package evaluate decides whether an utterance answers the current
// checkpoint. Evaluation never fails: generator errors degrade to
// heuristic verdicts.
package evaluate

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/PipeOpsHQ/checkpoint-engine/llm"
	"github.com/PipeOpsHQ/checkpoint-engine/observe"
	"github.com/PipeOpsHQ/checkpoint-engine/prompt"
	"github.com/PipeOpsHQ/checkpoint-engine/types"
)

const (
	DefaultTimeout = 1500 * time.Millisecond
	slowThreshold  = 300 * time.Millisecond
	contextTurns   = 2
	contextRunes   = 100
)

type Source string

const (
	SourceLLM             Source = "llm"
	SourceCache           Source = "cache"
	SourceTimeoutFallback Source = "timeout_fallback"
	SourceErrorFallback   Source = "error_fallback"
	SourceNoCheckpoint    Source = "no_checkpoint"
)

type Result struct {
	CheckpointComplete bool          `json:"checkpoint_complete"`
	ProgressPercentage float64       `json:"progress_percentage"`
	Confidence         float64       `json:"confidence"`
	Source             Source        `json:"source"`
	Latency            time.Duration `json:"-"`
}

type Evaluator struct {
	gen     llm.Generator
	prompts *prompt.Registry
	cache   *Cache
	timeout time.Duration
	logger  *slog.Logger
	sink    observe.Sink
}

type Option func(*Evaluator)

func WithTimeout(d time.Duration) Option {
	return func(e *Evaluator) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithCache replaces the default cache; nil disables caching.
func WithCache(c *Cache) Option {
	return func(e *Evaluator) { e.cache = c }
}

func WithPrompts(r *prompt.Registry) Option {
	return func(e *Evaluator) {
		if r != nil {
			e.prompts = r
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Evaluator) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithSink(s observe.Sink) Option {
	return func(e *Evaluator) { e.sink = observe.OrNoop(s) }
}

func New(gen llm.Generator, opts ...Option) *Evaluator {
	if gen == nil {
		gen = llm.Disabled{}
	}
	e := &Evaluator{
		gen:     gen,
		prompts: prompt.Default(),
		cache:   NewCache(DefaultCacheSize, 0),
		timeout: DefaultTimeout,
		logger:  slog.Default(),
		sink:    observe.NoopSink{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate judges text against cp. A nil checkpoint means there is nothing
// left to collect and is always complete.
func (e *Evaluator) Evaluate(ctx context.Context, text string, cp *types.Checkpoint, history []types.Turn) Result {
	start := time.Now()
	if cp == nil {
		return Result{CheckpointComplete: true, ProgressPercentage: 100, Confidence: 1.0, Source: SourceNoCheckpoint}
	}

	key := CacheKey(text, cp.Name)
	if cached, ok := e.cache.Get(key); ok {
		cached.Source = SourceCache
		cached.Latency = time.Since(start)
		e.emit(ctx, cp, cached, nil)
		return cached
	}

	res, err := e.generate(ctx, text, cp, history)
	res.Latency = time.Since(start)
	if err == nil {
		e.cache.Add(key, res)
	}
	if res.Latency > slowThreshold {
		e.logger.Warn("slow checkpoint evaluation",
			slog.String("checkpoint_id", cp.ID),
			slog.Duration("latency", res.Latency),
			slog.String("source", string(res.Source)))
	}
	e.emit(ctx, cp, res, err)
	return res
}

func (e *Evaluator) generate(ctx context.Context, text string, cp *types.Checkpoint, history []types.Turn) (Result, error) {
	rendered, err := e.prompts.Execute(prompt.CheckpointEvaluator, map[string]string{
		"checkpoint": cp.Name,
		"expected":   expectedList(cp.ExpectedInputs),
		"context":    formatContext(history),
		"text":       text,
	})
	if err != nil {
		e.logger.Error("failed to render evaluator prompt", slog.Any("error", err))
		return errorFallback(text), err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	raw, err := e.gen.Generate(callCtx, rendered)
	if err == nil && strings.TrimSpace(raw) == "" {
		err = llm.ErrEmptyResponse
	}
	if err != nil {
		err = llm.Classify(err)
		if errors.Is(err, llm.ErrTimeout) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			e.logger.Warn("checkpoint evaluation timed out, using fallback", slog.String("checkpoint_id", cp.ID))
			return timeoutFallback(text), err
		}
		e.logger.Error("checkpoint evaluation failed, using fallback",
			slog.String("checkpoint_id", cp.ID), slog.Any("error", err))
		return errorFallback(text), err
	}

	v := parseVerdict(raw)
	complete, progress := decide(v)
	return Result{
		CheckpointComplete: complete,
		ProgressPercentage: progress,
		Confidence:         v.confidence,
		Source:             SourceLLM,
	}, nil
}

func (e *Evaluator) emit(ctx context.Context, cp *types.Checkpoint, res Result, err error) {
	event := observe.Event{
		Kind:         observe.KindEvaluator,
		Status:       observe.StatusCompleted,
		CheckpointID: cp.ID,
		Provider:     e.gen.Name(),
		DurationMs:   res.Latency.Milliseconds(),
		Attributes: map[string]any{
			"source":   string(res.Source),
			"complete": res.CheckpointComplete,
		},
	}
	if err != nil {
		event.Status = observe.StatusDegraded
		event.Error = err.Error()
	}
	_ = e.sink.Emit(ctx, event)
}

func expectedList(tags []string) string {
	if len(tags) == 0 {
		return "Any response"
	}
	return strings.Join(tags, ", ")
}

// formatContext renders the last two turns, each cut to 100 runes.
func formatContext(history []types.Turn) string {
	if len(history) > contextTurns {
		history = history[len(history)-contextTurns:]
	}
	var b strings.Builder
	for _, turn := range history {
		role := "Assistant"
		if turn.Role == types.RoleUser {
			role = "Patient"
		}
		b.WriteString(role)
		b.WriteString(": ")
		b.WriteString(prefix(turn.Content, contextRunes))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
