// Package inmem is a process-local tier. It backs the memory state backend
// and doubles as a test fake with failure injection.
package inmem

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PipeOpsHQ/checkpoint-engine/state"
	"github.com/PipeOpsHQ/checkpoint-engine/types"
)

type Store struct {
	name string
	now  func() time.Time

	mu            sync.RWMutex
	conversations map[string]types.Conversation
	summaries     map[string]types.Summary

	failReads  atomic.Bool
	failWrites atomic.Bool
	reads      atomic.Int64
	writes     atomic.Int64
}

type Option func(*Store)

func WithName(name string) Option {
	return func(s *Store) {
		if name != "" {
			s.name = name
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		name:          "memory",
		now:           time.Now,
		conversations: map[string]types.Conversation{},
		summaries:     map[string]types.Summary{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FailReads makes every read return state.ErrTierUnavailable.
func (s *Store) FailReads(fail bool) { s.failReads.Store(fail) }

// FailWrites makes every save return state.ErrTierUnavailable. Evict
// still succeeds.
func (s *Store) FailWrites(fail bool) { s.failWrites.Store(fail) }

// Reads counts conversation and summary reads, including failed ones.
func (s *Store) Reads() int64 { return s.reads.Load() }

func (s *Store) Writes() int64 { return s.writes.Load() }

func (s *Store) Name() string { return s.name }

func (s *Store) read() error {
	s.reads.Add(1)
	if s.failReads.Load() {
		return fmt.Errorf("%s: %w", s.name, state.ErrTierUnavailable)
	}
	return nil
}

func (s *Store) write() error {
	s.writes.Add(1)
	if s.failWrites.Load() {
		return fmt.Errorf("%s: %w", s.name, state.ErrTierUnavailable)
	}
	return nil
}

func (s *Store) LoadConversation(ctx context.Context, conversationID string) (types.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return types.Conversation{}, err
	}
	if err := s.read(); err != nil {
		return types.Conversation{}, err
	}
	s.mu.RLock()
	conv, ok := s.conversations[conversationID]
	s.mu.RUnlock()
	if !ok {
		return types.Conversation{}, state.ErrNotFound
	}
	return clone(conv)
}

func (s *Store) SaveConversation(ctx context.Context, conv types.Conversation) error {
	if conv.ConversationID == "" {
		return fmt.Errorf("conversation_id is required")
	}
	return s.update(ctx, conv.ConversationID, conv.ParticipantID, func(stored *types.Conversation) {
		created := stored.CreatedAt
		*stored = conv
		if conv.CreatedAt.IsZero() {
			stored.CreatedAt = created
		}
	})
}

func (s *Store) SaveContext(ctx context.Context, conversationID, participantID string, turns []types.Turn) error {
	return s.update(ctx, conversationID, participantID, func(stored *types.Conversation) {
		stored.Context = append([]types.Turn{}, turns...)
		if participantID != "" {
			stored.ParticipantID = participantID
		}
	})
}

func (s *Store) SaveTaskStack(ctx context.Context, conversationID string, stack []types.Task) error {
	return s.update(ctx, conversationID, "", func(stored *types.Conversation) {
		stored.TaskStack = append([]types.Task{}, stack...)
	})
}

func (s *Store) SaveAgentResult(ctx context.Context, conversationID string, bucket state.Bucket, result types.AgentResult) error {
	if !bucket.Valid() {
		return fmt.Errorf("unknown bucket %q", bucket)
	}
	return s.update(ctx, conversationID, "", func(stored *types.Conversation) {
		state.MergeResult(stored, bucket, result)
	})
}

func (s *Store) Evict(ctx context.Context, conversationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.conversations, conversationID)
	s.mu.Unlock()
	return nil
}

func (s *Store) ListConversations(ctx context.Context, participantID string) ([]types.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.read(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var out []types.Conversation
	for _, conv := range s.conversations {
		if conv.ParticipantID != participantID {
			continue
		}
		c, err := clone(conv)
		if err != nil {
			s.mu.RUnlock()
			return nil, err
		}
		out = append(out, c)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *Store) FindTask(ctx context.Context, taskID string) (state.TaskRecord, error) {
	if err := ctx.Err(); err != nil {
		return state.TaskRecord{}, err
	}
	if err := s.read(); err != nil {
		return state.TaskRecord{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		rec     state.TaskRecord
		updated time.Time
		found   bool
	)
	for id, conv := range s.conversations {
		for i, task := range conv.TaskStack {
			if task.TaskID != taskID || (found && !conv.UpdatedAt.After(updated)) {
				continue
			}
			rec = state.TaskRecord{ConversationID: id, Position: i, Task: task}
			updated, found = conv.UpdatedAt, true
		}
	}
	if !found {
		return state.TaskRecord{}, state.ErrNotFound
	}
	task, err := cloneTask(rec.Task)
	if err != nil {
		return state.TaskRecord{}, err
	}
	rec.Task = task
	return rec, nil
}

func (s *Store) SaveSummary(ctx context.Context, summary types.Summary) error {
	if summary.ConversationID == "" {
		return fmt.Errorf("conversation_id is required")
	}
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = s.now().UTC()
	}
	err := s.update(ctx, summary.ConversationID, summary.ParticipantID, func(stored *types.Conversation) {
		stored.HasSummary = true
		stored.Summary = summary.Summary
		stored.KeyPoints = append([]string(nil), summary.KeyPoints...)
		stored.Tags = append([]string(nil), summary.Tags...)
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.summaries[summary.ConversationID] = summary
	s.mu.Unlock()
	return nil
}

func (s *Store) LoadSummary(ctx context.Context, conversationID string) (types.Summary, error) {
	if err := ctx.Err(); err != nil {
		return types.Summary{}, err
	}
	if err := s.read(); err != nil {
		return types.Summary{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	summary, ok := s.summaries[conversationID]
	if !ok {
		return types.Summary{}, state.ErrNotFound
	}
	return summary, nil
}

func (s *Store) SetVerified(ctx context.Context, conversationID string, verified bool) error {
	return s.update(ctx, conversationID, "", func(stored *types.Conversation) {
		stored.IsVerified = verified
	})
}

func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.failReads.Load() || s.failWrites.Load() {
		return fmt.Errorf("%s: %w", s.name, state.ErrTierUnavailable)
	}
	return nil
}

func (s *Store) Close() error { return nil }

func (s *Store) update(ctx context.Context, conversationID, participantID string, fn func(*types.Conversation)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if conversationID == "" {
		return fmt.Errorf("conversation_id is required")
	}
	if err := s.write(); err != nil {
		return err
	}
	now := s.now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		conv = types.NewConversation(conversationID, participantID, now)
	}
	fn(&conv)
	conv.UpdatedAt = now
	stored, err := clone(conv)
	if err != nil {
		return err
	}
	s.conversations[conversationID] = stored
	return nil
}

// clone deep-copies through JSON so callers never share maps or slices
// with the store.
func clone(conv types.Conversation) (types.Conversation, error) {
	raw, err := json.Marshal(conv)
	if err != nil {
		return types.Conversation{}, fmt.Errorf("failed to encode conversation: %w", err)
	}
	var out types.Conversation
	if err := json.Unmarshal(raw, &out); err != nil {
		return types.Conversation{}, fmt.Errorf("failed to decode conversation: %w", err)
	}
	return out, nil
}

func cloneTask(task types.Task) (types.Task, error) {
	raw, err := json.Marshal(task)
	if err != nil {
		return types.Task{}, fmt.Errorf("failed to encode task: %w", err)
	}
	var out types.Task
	if err := json.Unmarshal(raw, &out); err != nil {
		return types.Task{}, fmt.Errorf("failed to decode task: %w", err)
	}
	return out, nil
}

var (
	_ state.Fast    = (*Store)(nil)
	_ state.Durable = (*Store)(nil)
)
