// Package sqlite is the embedded durable tier.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/PipeOpsHQ/checkpoint-engine/state"
	"github.com/PipeOpsHQ/checkpoint-engine/types"
)

//go:embed schema.sql
var schemaSQL string

const defaultBusyTimeout = 5 * time.Second

type Store struct {
	db          *sql.DB
	busyTimeout time.Duration
	enableWAL   bool
	maxOpenConn int
	now         func() time.Time
}

type Option func(*Store)

func WithBusyTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout >= 0 {
			s.busyTimeout = timeout
		}
	}
}

func WithWAL(enabled bool) Option {
	return func(s *Store) {
		s.enableWAL = enabled
	}
}

func WithMaxOpenConns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxOpenConn = n
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

func New(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	s := &Store{
		busyTimeout: defaultBusyTimeout,
		enableWAL:   true,
		maxOpenConn: 1,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(s.maxOpenConn)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s.db = db
	if err := s.initialize(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	if s.busyTimeout > 0 {
		ms := int(s.busyTimeout / time.Millisecond)
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", ms)); err != nil {
			return fmt.Errorf("failed to set busy_timeout: %w", err)
		}
	}
	if s.enableWAL {
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("failed to enable wal: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (s *Store) Name() string { return "sqlite" }

func (s *Store) LoadConversation(ctx context.Context, conversationID string) (types.Conversation, error) {
	if strings.TrimSpace(conversationID) == "" {
		return types.Conversation{}, fmt.Errorf("conversation_id is required")
	}
	const q = `
SELECT conversation_id, participant_id, context, is_verified, has_summary, summary, key_points, tags, created_at, updated_at
FROM conversations
WHERE conversation_id = ?;
`
	conv, err := scanConversation(s.db.QueryRowContext(ctx, q, conversationID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Conversation{}, state.ErrNotFound
		}
		return types.Conversation{}, fmt.Errorf("failed to load conversation: %w", err)
	}
	if err := s.loadChildren(ctx, &conv); err != nil {
		return types.Conversation{}, err
	}
	return conv, nil
}

// loadChildren fills the task stack and result buckets. Each cursor is
// closed before the next query; the pool may hold a single connection.
func (s *Store) loadChildren(ctx context.Context, conv *types.Conversation) error {
	stack, err := s.loadTasks(ctx, conv.ConversationID)
	if err != nil {
		return err
	}
	conv.TaskStack = stack
	conv.SyncAgentResults = map[string]types.AgentResult{}
	conv.AsyncAgentResults = map[string]types.AgentResult{}
	return s.loadResults(ctx, conv)
}

func (s *Store) loadTasks(ctx context.Context, conversationID string) ([]types.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM tasks WHERE conversation_id = ? ORDER BY position ASC;`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load task stack: %w", err)
	}
	defer rows.Close()
	stack := []types.Task{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		var task types.Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			return nil, fmt.Errorf("failed to decode task: %w", err)
		}
		stack = append(stack, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", err)
	}
	return stack, nil
}

func (s *Store) loadResults(ctx context.Context, conv *types.Conversation) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT bucket, agent_name, payload FROM agent_results WHERE conversation_id = ?;`, conv.ConversationID)
	if err != nil {
		return fmt.Errorf("failed to load agent results: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var bucket, name, raw string
		if err := rows.Scan(&bucket, &name, &raw); err != nil {
			return fmt.Errorf("failed to scan agent result row: %w", err)
		}
		var r types.AgentResult
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return fmt.Errorf("failed to decode agent result %q: %w", name, err)
		}
		state.MergeResult(conv, state.Bucket(bucket), r)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate agent results: %w", err)
	}
	return nil
}

// SaveConversation replaces the conversation row, its task stack and both
// result buckets in one transaction.
func (s *Store) SaveConversation(ctx context.Context, conv types.Conversation) error {
	if conv.ConversationID == "" {
		return fmt.Errorf("conversation_id is required")
	}
	now := s.now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = now
	}
	contextRaw, err := marshalJSON(conv.Context, "[]")
	if err != nil {
		return err
	}
	keyPoints, err := marshalJSON(conv.KeyPoints, "[]")
	if err != nil {
		return err
	}
	tags, err := marshalJSON(conv.Tags, "[]")
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		const q = `
INSERT INTO conversations (
  conversation_id, participant_id, context, is_verified, has_summary, summary, key_points, tags, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(conversation_id) DO UPDATE SET
  participant_id=excluded.participant_id,
  context=excluded.context,
  is_verified=excluded.is_verified,
  has_summary=excluded.has_summary,
  summary=excluded.summary,
  key_points=excluded.key_points,
  tags=excluded.tags,
  updated_at=excluded.updated_at;
`
		if _, err := tx.ExecContext(ctx, q,
			conv.ConversationID,
			conv.ParticipantID,
			contextRaw,
			boolInt(conv.IsVerified),
			boolInt(conv.HasSummary),
			conv.Summary,
			keyPoints,
			tags,
			formatTime(conv.CreatedAt),
			formatTime(conv.UpdatedAt),
		); err != nil {
			return fmt.Errorf("failed to save conversation: %w", err)
		}
		if err := replaceTasks(ctx, tx, conv.ConversationID, conv.TaskStack, conv.UpdatedAt); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM agent_results WHERE conversation_id = ?;`, conv.ConversationID); err != nil {
			return fmt.Errorf("failed to clear agent results: %w", err)
		}
		for bucket, results := range map[state.Bucket]map[string]types.AgentResult{
			state.BucketSync:  conv.SyncAgentResults,
			state.BucketAsync: conv.AsyncAgentResults,
		} {
			for _, r := range results {
				if err := upsertResult(ctx, tx, conv.ConversationID, bucket, r, conv.UpdatedAt); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *Store) SaveContext(ctx context.Context, conversationID, participantID string, turns []types.Turn) error {
	if conversationID == "" {
		return fmt.Errorf("conversation_id is required")
	}
	raw, err := marshalJSON(turns, "[]")
	if err != nil {
		return err
	}
	now := s.now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureConversation(ctx, tx, conversationID, participantID, now); err != nil {
			return err
		}
		const q = `
UPDATE conversations
SET context = ?,
    participant_id = CASE WHEN ? <> '' THEN ? ELSE participant_id END,
    updated_at = ?
WHERE conversation_id = ?;
`
		if _, err := tx.ExecContext(ctx, q, raw, participantID, participantID, formatTime(now), conversationID); err != nil {
			return fmt.Errorf("failed to save context: %w", err)
		}
		return nil
	})
}

func (s *Store) SaveTaskStack(ctx context.Context, conversationID string, stack []types.Task) error {
	if conversationID == "" {
		return fmt.Errorf("conversation_id is required")
	}
	now := s.now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureConversation(ctx, tx, conversationID, "", now); err != nil {
			return err
		}
		return replaceTasks(ctx, tx, conversationID, stack, now)
	})
}

func (s *Store) SaveAgentResult(ctx context.Context, conversationID string, bucket state.Bucket, result types.AgentResult) error {
	if conversationID == "" {
		return fmt.Errorf("conversation_id is required")
	}
	if !bucket.Valid() {
		return fmt.Errorf("unknown bucket %q", bucket)
	}
	now := s.now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureConversation(ctx, tx, conversationID, "", now); err != nil {
			return err
		}
		return upsertResult(ctx, tx, conversationID, bucket, result, now)
	})
}

func (s *Store) ListConversations(ctx context.Context, participantID string) ([]types.Conversation, error) {
	if strings.TrimSpace(participantID) == "" {
		return nil, fmt.Errorf("participant_id is required")
	}
	const q = `
SELECT conversation_id, participant_id, context, is_verified, has_summary, summary, key_points, tags, created_at, updated_at
FROM conversations
WHERE participant_id = ?
ORDER BY updated_at DESC;
`
	rows, err := s.db.QueryContext(ctx, q, participantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	var out []types.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		out = append(out, conv)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to iterate conversations: %w", err)
	}
	for i := range out {
		if err := s.loadChildren(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) FindTask(ctx context.Context, taskID string) (state.TaskRecord, error) {
	if strings.TrimSpace(taskID) == "" {
		return state.TaskRecord{}, fmt.Errorf("task_id is required")
	}
	const q = `
SELECT conversation_id, position, payload
FROM tasks
WHERE task_id = ?
ORDER BY updated_at DESC
LIMIT 1;
`
	var (
		rec state.TaskRecord
		raw string
	)
	err := s.db.QueryRowContext(ctx, q, taskID).Scan(&rec.ConversationID, &rec.Position, &raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.TaskRecord{}, state.ErrNotFound
		}
		return state.TaskRecord{}, fmt.Errorf("failed to find task: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &rec.Task); err != nil {
		return state.TaskRecord{}, fmt.Errorf("failed to decode task %q: %w", taskID, err)
	}
	return rec, nil
}

func (s *Store) SaveSummary(ctx context.Context, summary types.Summary) error {
	if summary.ConversationID == "" {
		return fmt.Errorf("conversation_id is required")
	}
	now := s.now().UTC()
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = now
	}
	keyPoints, err := marshalJSON(summary.KeyPoints, "[]")
	if err != nil {
		return err
	}
	tags, err := marshalJSON(summary.Tags, "[]")
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		const insert = `
INSERT INTO summaries (conversation_id, participant_id, summary, key_points, tags, created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(conversation_id) DO UPDATE SET
  participant_id=excluded.participant_id,
  summary=excluded.summary,
  key_points=excluded.key_points,
  tags=excluded.tags,
  created_at=excluded.created_at;
`
		if _, err := tx.ExecContext(ctx, insert, summary.ConversationID, summary.ParticipantID,
			summary.Summary, keyPoints, tags, formatTime(summary.CreatedAt)); err != nil {
			return fmt.Errorf("failed to save summary: %w", err)
		}
		if err := ensureConversation(ctx, tx, summary.ConversationID, summary.ParticipantID, now); err != nil {
			return err
		}
		const update = `
UPDATE conversations
SET has_summary = 1, summary = ?, key_points = ?, tags = ?, updated_at = ?
WHERE conversation_id = ?;
`
		if _, err := tx.ExecContext(ctx, update, summary.Summary, keyPoints, tags, formatTime(now), summary.ConversationID); err != nil {
			return fmt.Errorf("failed to flag conversation summary: %w", err)
		}
		return nil
	})
}

func (s *Store) LoadSummary(ctx context.Context, conversationID string) (types.Summary, error) {
	const q = `
SELECT conversation_id, participant_id, summary, key_points, tags, created_at
FROM summaries
WHERE conversation_id = ?;
`
	var (
		summary                       types.Summary
		keyPoints, tags, createdAtRaw string
	)
	err := s.db.QueryRowContext(ctx, q, conversationID).Scan(
		&summary.ConversationID,
		&summary.ParticipantID,
		&summary.Summary,
		&keyPoints,
		&tags,
		&createdAtRaw,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Summary{}, state.ErrNotFound
		}
		return types.Summary{}, fmt.Errorf("failed to load summary: %w", err)
	}
	if err := json.Unmarshal([]byte(keyPoints), &summary.KeyPoints); err != nil {
		return types.Summary{}, fmt.Errorf("failed to decode summary key points: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &summary.Tags); err != nil {
		return types.Summary{}, fmt.Errorf("failed to decode summary tags: %w", err)
	}
	if summary.CreatedAt, err = parseRequiredTime(createdAtRaw); err != nil {
		return types.Summary{}, fmt.Errorf("failed to parse summary created_at: %w", err)
	}
	return summary, nil
}

func (s *Store) SetVerified(ctx context.Context, conversationID string, verified bool) error {
	if conversationID == "" {
		return fmt.Errorf("conversation_id is required")
	}
	now := s.now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureConversation(ctx, tx, conversationID, "", now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations SET is_verified = ?, updated_at = ? WHERE conversation_id = ?;`,
			boolInt(verified), formatTime(now), conversationID); err != nil {
			return fmt.Errorf("failed to update verification: %w", err)
		}
		return nil
	})
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", state.ErrTierUnavailable, err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func ensureConversation(ctx context.Context, tx *sql.Tx, conversationID, participantID string, now time.Time) error {
	const q = `
INSERT INTO conversations (conversation_id, participant_id, created_at, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(conversation_id) DO NOTHING;
`
	ts := formatTime(now)
	if _, err := tx.ExecContext(ctx, q, conversationID, participantID, ts, ts); err != nil {
		return fmt.Errorf("failed to ensure conversation: %w", err)
	}
	return nil
}

func replaceTasks(ctx context.Context, tx *sql.Tx, conversationID string, stack []types.Task, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE conversation_id = ?;`, conversationID); err != nil {
		return fmt.Errorf("failed to clear task stack: %w", err)
	}
	const q = `
INSERT INTO tasks (conversation_id, position, task_id, is_active, payload, updated_at)
VALUES (?, ?, ?, ?, ?, ?);
`
	for i, task := range stack {
		raw, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("failed to marshal task %q: %w", task.TaskID, err)
		}
		if _, err := tx.ExecContext(ctx, q, conversationID, i, task.TaskID, boolInt(task.IsActive), string(raw), formatTime(now)); err != nil {
			return fmt.Errorf("failed to save task %q: %w", task.TaskID, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE conversation_id = ?;`,
		formatTime(now), conversationID); err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	return nil
}

func upsertResult(ctx context.Context, tx *sql.Tx, conversationID string, bucket state.Bucket, r types.AgentResult, now time.Time) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal agent result: %w", err)
	}
	const q = `
INSERT INTO agent_results (conversation_id, bucket, agent_name, payload, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(conversation_id, bucket, agent_name) DO UPDATE SET
  payload=excluded.payload,
  updated_at=excluded.updated_at;
`
	if _, err := tx.ExecContext(ctx, q, conversationID, string(bucket), r.AgentName, string(raw), formatTime(now)); err != nil {
		return fmt.Errorf("failed to save agent result %q: %w", r.AgentName, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (types.Conversation, error) {
	var (
		conv                        types.Conversation
		contextRaw, keyPoints, tags string
		verified, hasSummary        int
		createdAtRaw, updatedAtRaw  string
	)
	if err := row.Scan(
		&conv.ConversationID,
		&conv.ParticipantID,
		&contextRaw,
		&verified,
		&hasSummary,
		&conv.Summary,
		&keyPoints,
		&tags,
		&createdAtRaw,
		&updatedAtRaw,
	); err != nil {
		return types.Conversation{}, err
	}
	conv.IsVerified = verified != 0
	conv.HasSummary = hasSummary != 0
	if err := json.Unmarshal([]byte(contextRaw), &conv.Context); err != nil {
		return types.Conversation{}, fmt.Errorf("failed to decode context: %w", err)
	}
	if err := json.Unmarshal([]byte(keyPoints), &conv.KeyPoints); err != nil {
		return types.Conversation{}, fmt.Errorf("failed to decode key points: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &conv.Tags); err != nil {
		return types.Conversation{}, fmt.Errorf("failed to decode tags: %w", err)
	}
	if len(conv.KeyPoints) == 0 {
		conv.KeyPoints = nil
	}
	if len(conv.Tags) == 0 {
		conv.Tags = nil
	}
	var err error
	if conv.CreatedAt, err = parseRequiredTime(createdAtRaw); err != nil {
		return types.Conversation{}, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if conv.UpdatedAt, err = parseRequiredTime(updatedAtRaw); err != nil {
		return types.Conversation{}, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return conv, nil
}

func marshalJSON(v any, empty string) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %T: %w", v, err)
	}
	if string(raw) == "null" {
		return empty, nil
	}
	return string(raw), nil
}

func parseRequiredTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ state.Durable = (*Store)(nil)
