// Package checkpointgen produces the checklist of questions that drives a
// guided conversation.
package checkpointgen

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/PipeOpsHQ/checkpoint-engine/llm"
	"github.com/PipeOpsHQ/checkpoint-engine/observe"
	"github.com/PipeOpsHQ/checkpoint-engine/prompt"
	"github.com/PipeOpsHQ/checkpoint-engine/types"
)

const (
	DefaultLimit     = 2
	DefaultTimeout   = 8 * time.Second
	DefaultSpecialty = "care"
)

type Request struct {
	Text           string           `json:"text"`
	ConversationID string           `json:"conversation_id"`
	Source         types.TaskSource `json:"task_type,omitempty"`
	Context        []types.Turn     `json:"context,omitempty"`
	Limit          int              `json:"limit,omitempty"`
	ExistingTaskID string           `json:"existing_task_id,omitempty"`
	Specialty      string           `json:"specialty,omitempty"`
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.ConversationID) == "" {
		return fmt.Errorf("conversation_id is required")
	}
	if r.Source != "" && !r.Source.Valid() {
		return fmt.Errorf("unknown task_type %q", r.Source)
	}
	if r.Limit < 0 {
		return fmt.Errorf("limit must not be negative")
	}
	return nil
}

type Result struct {
	Task        types.Task         `json:"task"`
	Checkpoints []types.Checkpoint `json:"checkpoints"`
	IsNewTask   bool               `json:"is_new_task"`
	// Degraded is set when the checklist came from the generic fallback
	// because generation failed.
	Degraded bool `json:"degraded,omitempty"`
}

type Generator struct {
	gen     llm.Generator
	prompts *prompt.Registry
	timeout time.Duration
	logger  *slog.Logger
	sink    observe.Sink
	now     func() time.Time
	newID   func() string
}

type Option func(*Generator)

func WithTimeout(d time.Duration) Option {
	return func(g *Generator) {
		if d > 0 {
			g.timeout = d
		}
	}
}

func WithPrompts(r *prompt.Registry) Option {
	return func(g *Generator) {
		if r != nil {
			g.prompts = r
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Generator) {
		if l != nil {
			g.logger = l
		}
	}
}

func WithSink(s observe.Sink) Option {
	return func(g *Generator) { g.sink = observe.OrNoop(s) }
}

func WithClock(now func() time.Time) Option {
	return func(g *Generator) {
		if now != nil {
			g.now = now
		}
	}
}

func New(gen llm.Generator, opts ...Option) *Generator {
	if gen == nil {
		gen = llm.Disabled{}
	}
	g := &Generator{
		gen:     gen,
		prompts: prompt.Default(),
		timeout: DefaultTimeout,
		logger:  slog.Default(),
		sink:    observe.NoopSink{},
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate builds a task from freshly generated drafts. With an existing
// task id the result carries that id and IsNewTask is false. Generation
// failures degrade to the generic checkpoint; only an invalid request
// returns an error.
func (g *Generator) Generate(ctx context.Context, req Request) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, fmt.Errorf("invalid generation request: %w", err)
	}
	if req.Limit == 0 {
		req.Limit = DefaultLimit
	}
	if req.Source == "" {
		req.Source = types.SourceMain
	}

	drafts, degraded := g.Drafts(ctx, req)
	now := g.now().UTC()
	checkpoints := g.checkpoints(drafts)

	res := Result{Checkpoints: checkpoints, IsNewTask: true, Degraded: degraded}
	taskID := "task_" + req.ConversationID + "_" + now.Format("20060102150405")
	label := "Task generated from: " + req.Text
	if req.ExistingTaskID != "" {
		taskID = req.ExistingTaskID
		label = "Task updated with context at: " + now.Format("15:04:05")
		res.IsNewTask = false
	}
	res.Task = types.Task{
		TaskID:    taskID,
		Label:     label,
		Source:    req.Source,
		Checklist: append([]types.Checkpoint(nil), checkpoints...),
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return res, nil
}

// Drafts asks the generator for up to req.Limit drafts. The bool reports
// whether the generic fallback was used because generation failed.
func (g *Generator) Drafts(ctx context.Context, req Request) ([]Draft, bool) {
	start := time.Now()
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	event := observe.Event{
		Kind:           observe.KindGenerator,
		Status:         observe.StatusCompleted,
		ConversationID: req.ConversationID,
		TaskID:         req.ExistingTaskID,
		Provider:       g.gen.Name(),
		Attributes:     map[string]any{"limit": limit},
	}
	defer func() {
		event.DurationMs = time.Since(start).Milliseconds()
		_ = g.sink.Emit(ctx, event)
	}()

	rendered, err := g.render(req, limit)
	if err == nil {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		var raw string
		raw, err = g.gen.Generate(callCtx, rendered)
		cancel()
		if err == nil {
			drafts := ParseDrafts(raw)
			if len(drafts) > limit {
				drafts = drafts[:limit]
			}
			event.Attributes["drafts"] = len(drafts)
			return drafts, false
		}
		err = llm.Classify(err)
	}
	g.logger.Error("checkpoint generation failed, using generic checkpoint",
		slog.String("conversation_id", req.ConversationID), slog.Any("error", err))
	event.Status = observe.StatusDegraded
	event.Error = err.Error()
	return Generic(), true
}

func (g *Generator) render(req Request, limit int) (string, error) {
	specialty := strings.TrimSpace(req.Specialty)
	if specialty == "" {
		specialty = DefaultSpecialty
	}
	vars := map[string]string{
		"specialty": specialty,
		"limit":     strconv.Itoa(limit),
		"text":      req.Text,
	}
	ref := prompt.CheckpointsInitial
	if len(req.Context) > 0 {
		ref = prompt.CheckpointsFollowUp
		vars["context"] = formatHistory(req.Context)
	}
	return g.prompts.Execute(ref, vars)
}

func (g *Generator) checkpoints(drafts []Draft) []types.Checkpoint {
	out := make([]types.Checkpoint, 0, len(drafts))
	for _, d := range drafts {
		out = append(out, types.Checkpoint{
			ID:             g.newID(),
			Name:           d.Text,
			Status:         types.StatusPending,
			ExpectedInputs: append([]string(nil), d.ExpectedInputs...),
		})
	}
	return out
}

// Extend appends checkpoints built from drafts to task and returns them.
// The task pointer is left where it is.
func (g *Generator) Extend(task *types.Task, drafts []Draft) []types.Checkpoint {
	if task == nil {
		return nil
	}
	added := g.checkpoints(Normalize(drafts))
	if len(added) == 0 {
		return nil
	}
	task.Checklist = append(task.Checklist, added...)
	task.UpdatedAt = g.now().UTC()
	return added
}

func formatHistory(history []types.Turn) string {
	var b strings.Builder
	for _, turn := range history {
		if turn.Role == types.RoleUser {
			b.WriteString("Patient: ")
		} else {
			b.WriteString("Assistant: ")
		}
		b.WriteString(turn.Content)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
