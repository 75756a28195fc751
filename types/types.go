package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidConversation = errors.New("types: invalid conversation")
	ErrInvalidTask         = errors.New("types: invalid task")
	ErrInvalidCheckpoint   = errors.New("types: invalid checkpoint")
	ErrInvalidAgentResult  = errors.New("types: invalid agent result")
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one utterance in the conversation context.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type CheckpointStatus string

const (
	StatusPending    CheckpointStatus = "pending"
	StatusInProgress CheckpointStatus = "in_progress"
	StatusComplete   CheckpointStatus = "complete"
)

// Rank orders statuses along pending -> in_progress -> complete.
func (s CheckpointStatus) Rank() int {
	switch s {
	case StatusInProgress:
		return 1
	case StatusComplete:
		return 2
	default:
		return 0
	}
}

func (s CheckpointStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusComplete:
		return true
	}
	return false
}

type TaskSource string

const (
	SourceMain         TaskSource = "Main"
	SourceSupportAgent TaskSource = "SupportAgent"
	SourceInterrupt    TaskSource = "Interrupt"
)

func (s TaskSource) Valid() bool {
	switch s {
	case SourceMain, SourceSupportAgent, SourceInterrupt:
		return true
	}
	return false
}

type AgentStatus string

const (
	AgentSuccess AgentStatus = "success"
	AgentError   AgentStatus = "error"
	AgentPartial AgentStatus = "partial"
)

type Checkpoint struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Status          CheckpointStatus  `json:"status"`
	ExpectedInputs  []string          `json:"expected_inputs"`
	CollectedInputs map[string]string `json:"collected_inputs"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
}

// Expects reports whether tag is one of the checkpoint's expected inputs.
func (c *Checkpoint) Expects(tag string) bool {
	for _, t := range c.ExpectedInputs {
		if t == tag {
			return true
		}
	}
	return false
}

// Collect merges values into CollectedInputs, dropping tags the checkpoint
// does not expect and empty values. It returns the tags that were stored.
func (c *Checkpoint) Collect(values map[string]string) []string {
	if len(values) == 0 {
		return nil
	}
	stored := make([]string, 0, len(values))
	for _, tag := range c.ExpectedInputs {
		v, ok := values[tag]
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if c.CollectedInputs == nil {
			c.CollectedInputs = map[string]string{}
		}
		c.CollectedInputs[tag] = v
		stored = append(stored, tag)
	}
	return stored
}

// Promote moves the status forward and stamps transition times. Backward
// moves are ignored; the returned bool reports whether the status changed.
func (c *Checkpoint) Promote(next CheckpointStatus, at time.Time) bool {
	if !next.Valid() || next.Rank() <= c.Status.Rank() {
		return false
	}
	if c.StartedAt == nil {
		t := at.UTC()
		c.StartedAt = &t
	}
	if next == StatusComplete {
		t := at.UTC()
		c.CompletedAt = &t
	}
	c.Status = next
	return true
}

func (c Checkpoint) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidCheckpoint)
	}
	if c.Status != "" && !c.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidCheckpoint, c.Status)
	}
	for tag := range c.CollectedInputs {
		if !c.Expects(tag) {
			return fmt.Errorf("%w: collected input %q is not expected", ErrInvalidCheckpoint, tag)
		}
	}
	return nil
}

type Task struct {
	TaskID                 string       `json:"task_id"`
	Label                  string       `json:"label"`
	Source                 TaskSource   `json:"source"`
	Checklist              []Checkpoint `json:"checklist"`
	CurrentCheckpointIndex int          `json:"current_checkpoint_index"`
	IsActive               bool         `json:"is_active"`
	CreatedAt              time.Time    `json:"created_at"`
	UpdatedAt              time.Time    `json:"updated_at"`
}

// Current returns the checkpoint under the task pointer, or nil once the
// pointer has run past the checklist.
func (t *Task) Current() *Checkpoint {
	if t == nil || t.CurrentCheckpointIndex < 0 || t.CurrentCheckpointIndex >= len(t.Checklist) {
		return nil
	}
	return &t.Checklist[t.CurrentCheckpointIndex]
}

func (t *Task) IndexOf(checkpointID string) int {
	if t == nil || checkpointID == "" {
		return -1
	}
	for i := range t.Checklist {
		if t.Checklist[i].ID == checkpointID {
			return i
		}
	}
	return -1
}

func (t Task) Validate() error {
	if strings.TrimSpace(t.TaskID) == "" {
		return fmt.Errorf("%w: task_id is required", ErrInvalidTask)
	}
	if t.Source != "" && !t.Source.Valid() {
		return fmt.Errorf("%w: unknown source %q", ErrInvalidTask, t.Source)
	}
	if t.CurrentCheckpointIndex < 0 || t.CurrentCheckpointIndex > len(t.Checklist) {
		return fmt.Errorf("%w: current_checkpoint_index %d out of range", ErrInvalidTask, t.CurrentCheckpointIndex)
	}
	seen := make(map[string]struct{}, len(t.Checklist))
	for i, cp := range t.Checklist {
		if err := cp.Validate(); err != nil {
			return fmt.Errorf("%w: checklist[%d]: %v", ErrInvalidTask, i, err)
		}
		if cp.ID == "" {
			continue
		}
		if _, dup := seen[cp.ID]; dup {
			return fmt.Errorf("%w: duplicate checkpoint id %q", ErrInvalidTask, cp.ID)
		}
		seen[cp.ID] = struct{}{}
	}
	return nil
}

type AgentResult struct {
	ConversationID string         `json:"conversation_id,omitempty"`
	AgentName      string         `json:"agent_name"`
	Status         AgentStatus    `json:"status"`
	ResultPayload  map[string]any `json:"result_payload,omitempty"`
	MessageToUser  string         `json:"message_to_user,omitempty"`
	ActionRequired bool           `json:"action_required"`
	Consumed       bool           `json:"consumed"`
	Timestamp      time.Time      `json:"timestamp"`
}

func (r AgentResult) Validate() error {
	if strings.TrimSpace(r.AgentName) == "" {
		return fmt.Errorf("%w: agent_name is required", ErrInvalidAgentResult)
	}
	switch r.Status {
	case AgentSuccess, AgentError, AgentPartial, "":
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidAgentResult, r.Status)
	}
	return nil
}

type Conversation struct {
	ConversationID    string                 `json:"conversation_id"`
	ParticipantID     string                 `json:"participant_id,omitempty"`
	Context           []Turn                 `json:"context"`
	TaskStack         []Task                 `json:"task_stack"`
	SyncAgentResults  map[string]AgentResult `json:"sync_agent_results"`
	AsyncAgentResults map[string]AgentResult `json:"async_agent_results"`
	IsVerified        bool                   `json:"is_verified"`
	HasSummary        bool                   `json:"has_summary"`
	Summary           string                 `json:"summary,omitempty"`
	KeyPoints         []string               `json:"key_points,omitempty"`
	Tags              []string               `json:"tags,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

// NewConversation returns an empty conversation with initialized maps.
func NewConversation(id, participantID string, now time.Time) Conversation {
	now = now.UTC()
	return Conversation{
		ConversationID:    id,
		ParticipantID:     participantID,
		Context:           []Turn{},
		TaskStack:         []Task{},
		SyncAgentResults:  map[string]AgentResult{},
		AsyncAgentResults: map[string]AgentResult{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// ActiveTask returns the most recently pushed active task.
func (c *Conversation) ActiveTask() *Task {
	if c == nil {
		return nil
	}
	for i := len(c.TaskStack) - 1; i >= 0; i-- {
		if c.TaskStack[i].IsActive {
			return &c.TaskStack[i]
		}
	}
	return nil
}

func (c *Conversation) CurrentCheckpoint() *Checkpoint {
	return c.ActiveTask().Current()
}

// PushTask deactivates every other task so at most one stays active.
func (c *Conversation) PushTask(task Task) {
	for i := range c.TaskStack {
		c.TaskStack[i].IsActive = false
	}
	task.IsActive = true
	c.TaskStack = append(c.TaskStack, task)
}

// ValidateStack checks every task, that task ids are unique within the
// stack and that at most one task is active.
func ValidateStack(stack []Task) error {
	active := 0
	seen := make(map[string]struct{}, len(stack))
	for i, task := range stack {
		if err := task.Validate(); err != nil {
			return fmt.Errorf("task_stack[%d]: %w", i, err)
		}
		if _, dup := seen[task.TaskID]; dup {
			return fmt.Errorf("%w: task_stack[%d]: duplicate task id %q", ErrInvalidTask, i, task.TaskID)
		}
		seen[task.TaskID] = struct{}{}
		if task.IsActive {
			active++
		}
	}
	if active > 1 {
		return fmt.Errorf("%w: %d active tasks, at most one allowed", ErrInvalidTask, active)
	}
	return nil
}

func (c Conversation) Validate() error {
	if strings.TrimSpace(c.ConversationID) == "" {
		return fmt.Errorf("%w: conversation_id is required", ErrInvalidConversation)
	}
	if err := ValidateStack(c.TaskStack); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConversation, err)
	}
	for name, r := range c.SyncAgentResults {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("%w: sync result %q: %v", ErrInvalidConversation, name, err)
		}
	}
	for name, r := range c.AsyncAgentResults {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("%w: async result %q: %v", ErrInvalidConversation, name, err)
		}
	}
	return nil
}

type Summary struct {
	ConversationID string    `json:"conversation_id"`
	ParticipantID  string    `json:"participant_id,omitempty"`
	Summary        string    `json:"summary"`
	KeyPoints      []string  `json:"key_points,omitempty"`
	Tags           []string  `json:"tags,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
