// Package postgres is the server-backed durable tier.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/PipeOpsHQ/checkpoint-engine/state"
	"github.com/PipeOpsHQ/checkpoint-engine/types"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	pool     *pgxpool.Pool
	maxConns int32
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Store)

func WithMaxConns(n int32) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxConns = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
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

// New opens a pool, pings it and applies the schema.
func New(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres: dsn is required")
	}
	s := &Store{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if s.maxConns > 0 {
		cfg.MaxConns = s.maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping pool: %w: %v", state.ErrTierUnavailable, err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: apply schema: %w", err)
	}
	s.pool = pool
	s.logger.Debug("postgres: pool ready", slog.Int("max_conns", int(cfg.MaxConns)))
	return s, nil
}

func (s *Store) Name() string { return "postgres" }

const conversationColumns = `conversation_id, participant_id, context, is_verified, has_summary, summary, key_points, tags, created_at, updated_at`

func (s *Store) LoadConversation(ctx context.Context, conversationID string) (types.Conversation, error) {
	if conversationID == "" {
		return types.Conversation{}, fmt.Errorf("postgres: conversation_id is required")
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE conversation_id = $1`, conversationID)
	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Conversation{}, state.ErrNotFound
		}
		return types.Conversation{}, fmt.Errorf("postgres: load conversation: %w", err)
	}
	if err := s.loadChildren(ctx, &conv); err != nil {
		return types.Conversation{}, err
	}
	return conv, nil
}

func (s *Store) loadChildren(ctx context.Context, conv *types.Conversation) error {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM tasks WHERE conversation_id = $1 ORDER BY position`, conv.ConversationID)
	if err != nil {
		return fmt.Errorf("postgres: load task stack: %w", err)
	}
	stack, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Task, error) {
		var raw []byte
		var task types.Task
		if err := row.Scan(&raw); err != nil {
			return task, err
		}
		return task, json.Unmarshal(raw, &task)
	})
	if err != nil {
		return fmt.Errorf("postgres: decode task stack: %w", err)
	}
	conv.TaskStack = stack
	if conv.TaskStack == nil {
		conv.TaskStack = []types.Task{}
	}

	rows, err = s.pool.Query(ctx,
		`SELECT bucket, agent_name, payload FROM agent_results WHERE conversation_id = $1`, conv.ConversationID)
	if err != nil {
		return fmt.Errorf("postgres: load agent results: %w", err)
	}
	defer rows.Close()
	conv.SyncAgentResults = map[string]types.AgentResult{}
	conv.AsyncAgentResults = map[string]types.AgentResult{}
	for rows.Next() {
		var (
			bucket, name string
			raw          []byte
		)
		if err := rows.Scan(&bucket, &name, &raw); err != nil {
			return fmt.Errorf("postgres: scan agent result: %w", err)
		}
		var r types.AgentResult
		if err := json.Unmarshal(raw, &r); err != nil {
			return fmt.Errorf("postgres: decode agent result %q: %w", name, err)
		}
		state.MergeResult(conv, state.Bucket(bucket), r)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("postgres: iterate agent results: %w", err)
	}
	return nil
}

func (s *Store) SaveConversation(ctx context.Context, conv types.Conversation) error {
	if conv.ConversationID == "" {
		return fmt.Errorf("postgres: conversation_id is required")
	}
	now := s.now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = now
	}
	contextRaw, err := jsonArray(conv.Context)
	if err != nil {
		return err
	}
	keyPoints, err := jsonArray(conv.KeyPoints)
	if err != nil {
		return err
	}
	tags, err := jsonArray(conv.Tags)
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
INSERT INTO conversations (`+conversationColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (conversation_id) DO UPDATE SET
  participant_id = EXCLUDED.participant_id,
  context = EXCLUDED.context,
  is_verified = EXCLUDED.is_verified,
  has_summary = EXCLUDED.has_summary,
  summary = EXCLUDED.summary,
  key_points = EXCLUDED.key_points,
  tags = EXCLUDED.tags,
  updated_at = EXCLUDED.updated_at`,
			conv.ConversationID, conv.ParticipantID, contextRaw, conv.IsVerified, conv.HasSummary,
			conv.Summary, keyPoints, tags, conv.CreatedAt, conv.UpdatedAt,
		); err != nil {
			return fmt.Errorf("postgres: save conversation: %w", err)
		}
		if err := replaceTasks(ctx, tx, conv.ConversationID, conv.TaskStack, conv.UpdatedAt); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM agent_results WHERE conversation_id = $1`, conv.ConversationID); err != nil {
			return fmt.Errorf("postgres: clear agent results: %w", err)
		}
		batch := &pgx.Batch{}
		for bucket, results := range map[state.Bucket]map[string]types.AgentResult{
			state.BucketSync:  conv.SyncAgentResults,
			state.BucketAsync: conv.AsyncAgentResults,
		} {
			for _, r := range results {
				if err := queueResult(batch, conv.ConversationID, bucket, r, conv.UpdatedAt); err != nil {
					return err
				}
			}
		}
		if batch.Len() > 0 {
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return fmt.Errorf("postgres: save agent results: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) SaveContext(ctx context.Context, conversationID, participantID string, turns []types.Turn) error {
	if conversationID == "" {
		return fmt.Errorf("postgres: conversation_id is required")
	}
	raw, err := jsonArray(turns)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	if _, err := s.pool.Exec(ctx, `
INSERT INTO conversations (conversation_id, participant_id, context, created_at, updated_at)
VALUES ($1, $2, $3, $4, $4)
ON CONFLICT (conversation_id) DO UPDATE SET
  context = EXCLUDED.context,
  participant_id = CASE WHEN EXCLUDED.participant_id <> '' THEN EXCLUDED.participant_id ELSE conversations.participant_id END,
  updated_at = EXCLUDED.updated_at`,
		conversationID, participantID, raw, now,
	); err != nil {
		return fmt.Errorf("postgres: save context: %w", err)
	}
	return nil
}

func (s *Store) SaveTaskStack(ctx context.Context, conversationID string, stack []types.Task) error {
	if conversationID == "" {
		return fmt.Errorf("postgres: conversation_id is required")
	}
	now := s.now().UTC()
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := ensureConversation(ctx, tx, conversationID, "", now); err != nil {
			return err
		}
		return replaceTasks(ctx, tx, conversationID, stack, now)
	})
}

func (s *Store) SaveAgentResult(ctx context.Context, conversationID string, bucket state.Bucket, result types.AgentResult) error {
	if conversationID == "" {
		return fmt.Errorf("postgres: conversation_id is required")
	}
	if !bucket.Valid() {
		return fmt.Errorf("postgres: unknown bucket %q", bucket)
	}
	now := s.now().UTC()
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := ensureConversation(ctx, tx, conversationID, "", now); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		if err := queueResult(batch, conversationID, bucket, result, now); err != nil {
			return err
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("postgres: save agent result: %w", err)
		}
		return nil
	})
}

func (s *Store) ListConversations(ctx context.Context, participantID string) ([]types.Conversation, error) {
	if strings.TrimSpace(participantID) == "" {
		return nil, fmt.Errorf("postgres: participant_id is required")
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE participant_id = $1 ORDER BY updated_at DESC`,
		participantID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list conversations: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Conversation, error) {
		return scanConversation(row)
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan conversations: %w", err)
	}
	for i := range out {
		if err := s.loadChildren(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) SaveSummary(ctx context.Context, summary types.Summary) error {
	if summary.ConversationID == "" {
		return fmt.Errorf("postgres: conversation_id is required")
	}
	now := s.now().UTC()
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = now
	}
	keyPoints, err := jsonArray(summary.KeyPoints)
	if err != nil {
		return err
	}
	tags, err := jsonArray(summary.Tags)
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
INSERT INTO summaries (conversation_id, participant_id, summary, key_points, tags, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (conversation_id) DO UPDATE SET
  participant_id = EXCLUDED.participant_id,
  summary = EXCLUDED.summary,
  key_points = EXCLUDED.key_points,
  tags = EXCLUDED.tags,
  created_at = EXCLUDED.created_at`,
			summary.ConversationID, summary.ParticipantID, summary.Summary, keyPoints, tags, summary.CreatedAt,
		); err != nil {
			return fmt.Errorf("postgres: save summary: %w", err)
		}
		if err := ensureConversation(ctx, tx, summary.ConversationID, summary.ParticipantID, now); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
UPDATE conversations
SET has_summary = TRUE, summary = $1, key_points = $2, tags = $3, updated_at = $4
WHERE conversation_id = $5`,
			summary.Summary, keyPoints, tags, now, summary.ConversationID,
		); err != nil {
			return fmt.Errorf("postgres: flag conversation summary: %w", err)
		}
		return nil
	})
}

func (s *Store) FindTask(ctx context.Context, taskID string) (state.TaskRecord, error) {
	if taskID == "" {
		return state.TaskRecord{}, fmt.Errorf("postgres: task_id is required")
	}
	var (
		rec state.TaskRecord
		raw []byte
	)
	err := s.pool.QueryRow(ctx, `
SELECT conversation_id, position, payload
FROM tasks WHERE task_id = $1
ORDER BY updated_at DESC
LIMIT 1`, taskID).Scan(&rec.ConversationID, &rec.Position, &raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return state.TaskRecord{}, state.ErrNotFound
		}
		return state.TaskRecord{}, fmt.Errorf("postgres: find task: %w", err)
	}
	if err := json.Unmarshal(raw, &rec.Task); err != nil {
		return state.TaskRecord{}, fmt.Errorf("postgres: decode task %q: %w", taskID, err)
	}
	return rec, nil
}

func (s *Store) LoadSummary(ctx context.Context, conversationID string) (types.Summary, error) {
	var (
		summary         types.Summary
		keyPoints, tags []byte
	)
	err := s.pool.QueryRow(ctx, `
SELECT conversation_id, participant_id, summary, key_points, tags, created_at
FROM summaries WHERE conversation_id = $1`, conversationID).Scan(
		&summary.ConversationID, &summary.ParticipantID, &summary.Summary, &keyPoints, &tags, &summary.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Summary{}, state.ErrNotFound
		}
		return types.Summary{}, fmt.Errorf("postgres: load summary: %w", err)
	}
	if err := json.Unmarshal(keyPoints, &summary.KeyPoints); err != nil {
		return types.Summary{}, fmt.Errorf("postgres: decode summary key points: %w", err)
	}
	if err := json.Unmarshal(tags, &summary.Tags); err != nil {
		return types.Summary{}, fmt.Errorf("postgres: decode summary tags: %w", err)
	}
	summary.CreatedAt = summary.CreatedAt.UTC()
	return summary, nil
}

func (s *Store) SetVerified(ctx context.Context, conversationID string, verified bool) error {
	if conversationID == "" {
		return fmt.Errorf("postgres: conversation_id is required")
	}
	now := s.now().UTC()
	if _, err := s.pool.Exec(ctx, `
INSERT INTO conversations (conversation_id, is_verified, created_at, updated_at)
VALUES ($1, $2, $3, $3)
ON CONFLICT (conversation_id) DO UPDATE SET
  is_verified = EXCLUDED.is_verified,
  updated_at = EXCLUDED.updated_at`,
		conversationID, verified, now,
	); err != nil {
		return fmt.Errorf("postgres: update verification: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", state.ErrTierUnavailable, err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func ensureConversation(ctx context.Context, tx pgx.Tx, conversationID, participantID string, now time.Time) error {
	if _, err := tx.Exec(ctx, `
INSERT INTO conversations (conversation_id, participant_id, created_at, updated_at)
VALUES ($1, $2, $3, $3)
ON CONFLICT (conversation_id) DO NOTHING`,
		conversationID, participantID, now,
	); err != nil {
		return fmt.Errorf("postgres: ensure conversation: %w", err)
	}
	return nil
}

func replaceTasks(ctx context.Context, tx pgx.Tx, conversationID string, stack []types.Task, now time.Time) error {
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM tasks WHERE conversation_id = $1`, conversationID)
	for i, task := range stack {
		raw, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("postgres: marshal task %q: %w", task.TaskID, err)
		}
		batch.Queue(`
INSERT INTO tasks (conversation_id, position, task_id, is_active, payload, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
			conversationID, i, task.TaskID, task.IsActive, string(raw), now)
	}
	batch.Queue(`UPDATE conversations SET updated_at = $1 WHERE conversation_id = $2`, now, conversationID)
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres: replace task stack: %w", err)
	}
	return nil
}

func queueResult(batch *pgx.Batch, conversationID string, bucket state.Bucket, r types.AgentResult, now time.Time) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("postgres: marshal agent result: %w", err)
	}
	batch.Queue(`
INSERT INTO agent_results (conversation_id, bucket, agent_name, payload, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (conversation_id, bucket, agent_name) DO UPDATE SET
  payload = EXCLUDED.payload,
  updated_at = EXCLUDED.updated_at`,
		conversationID, string(bucket), r.AgentName, string(raw), now)
	return nil
}

func scanConversation(row pgx.Row) (types.Conversation, error) {
	var (
		conv                        types.Conversation
		contextRaw, keyPoints, tags []byte
	)
	if err := row.Scan(
		&conv.ConversationID,
		&conv.ParticipantID,
		&contextRaw,
		&conv.IsVerified,
		&conv.HasSummary,
		&conv.Summary,
		&keyPoints,
		&tags,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	); err != nil {
		return types.Conversation{}, err
	}
	if err := json.Unmarshal(contextRaw, &conv.Context); err != nil {
		return types.Conversation{}, fmt.Errorf("decode context: %w", err)
	}
	if err := json.Unmarshal(keyPoints, &conv.KeyPoints); err != nil {
		return types.Conversation{}, fmt.Errorf("decode key points: %w", err)
	}
	if err := json.Unmarshal(tags, &conv.Tags); err != nil {
		return types.Conversation{}, fmt.Errorf("decode tags: %w", err)
	}
	if len(conv.KeyPoints) == 0 {
		conv.KeyPoints = nil
	}
	if len(conv.Tags) == 0 {
		conv.Tags = nil
	}
	conv.CreatedAt = conv.CreatedAt.UTC()
	conv.UpdatedAt = conv.UpdatedAt.UTC()
	return conv, nil
}

func jsonArray(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("postgres: marshal %T: %w", v, err)
	}
	if string(raw) == "null" {
		return "[]", nil
	}
	return string(raw), nil
}

var _ state.Durable = (*Store)(nil)
