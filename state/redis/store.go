// Package redis is the fast tier. A conversation is spread over five keys
// so that context, task stack and results can be written without
// rewriting the whole record.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/PipeOpsHQ/checkpoint-engine/state"
	"github.com/PipeOpsHQ/checkpoint-engine/types"
)

const (
	defaultTTL     = 30 * time.Minute
	defaultPrefix  = "checkpoint"
	defaultLockTTL = 15 * time.Second
	lockPoll       = 25 * time.Millisecond
	presentField   = "_"
	pingTimeout    = 3 * time.Second
	stateKeySuffix = "state"
	contextSuffix  = "context"
	tasksSuffix    = "tasks"
	syncSuffix     = "results:sync"
	asyncSuffix    = "results:async"
	lockSuffix     = "lock"
)

var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// TTLs holds the expiry of each key family. Zero values fall back to the
// 30 minute default.
type TTLs struct {
	State   time.Duration
	Context time.Duration
	Tasks   time.Duration
	Results time.Duration
}

func (t TTLs) withDefaults() TTLs {
	for _, d := range []*time.Duration{&t.State, &t.Context, &t.Tasks, &t.Results} {
		if *d <= 0 {
			*d = defaultTTL
		}
	}
	return t
}

type Store struct {
	client   *goredis.Client
	ttl      TTLs
	prefix   string
	addr     string
	db       int
	password string
	poolSize int
	now      func() time.Time
}

type Option func(*Store)

func WithPassword(password string) Option {
	return func(s *Store) {
		s.password = password
	}
}

func WithDB(db int) Option {
	return func(s *Store) {
		s.db = db
	}
}

func WithTTLs(ttl TTLs) Option {
	return func(s *Store) {
		s.ttl = ttl.withDefaults()
	}
}

func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if strings.TrimSpace(prefix) != "" {
			s.prefix = strings.TrimSpace(prefix)
		}
	}
}

func WithPoolSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.poolSize = n
		}
	}
}

func WithClient(client *goredis.Client) Option {
	return func(s *Store) {
		if client != nil {
			s.client = client
		}
	}
}

func New(addr string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	s := &Store{
		ttl:    TTLs{}.withDefaults(),
		prefix: defaultPrefix,
		addr:   addr,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = goredis.NewClient(&goredis.Options{
			Addr:     s.addr,
			Password: s.password,
			DB:       s.db,
			PoolSize: s.poolSize,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		_ = s.client.Close()
		return nil, fmt.Errorf("redis ping failed: %w: %v", state.ErrTierUnavailable, err)
	}
	return s, nil
}

func (s *Store) Name() string { return "redis" }

// LoadConversation returns state.ErrNotFound unless the base record and
// every collection key are present, so a partially expired entry reads
// as a miss.
func (s *Store) LoadConversation(ctx context.Context, conversationID string) (types.Conversation, error) {
	if conversationID == "" {
		return types.Conversation{}, fmt.Errorf("conversation_id is required")
	}
	pipe := s.client.Pipeline()
	stateCmd := pipe.Get(ctx, s.key(conversationID, stateKeySuffix))
	contextCmd := pipe.Get(ctx, s.key(conversationID, contextSuffix))
	tasksCmd := pipe.Get(ctx, s.key(conversationID, tasksSuffix))
	syncCmd := pipe.HGetAll(ctx, s.key(conversationID, syncSuffix))
	asyncCmd := pipe.HGetAll(ctx, s.key(conversationID, asyncSuffix))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return types.Conversation{}, fmt.Errorf("failed to load conversation from redis: %w", err)
	}

	var conv types.Conversation
	for _, part := range []struct {
		cmd *goredis.StringCmd
		dst any
	}{
		{stateCmd, &conv},
		{contextCmd, &conv.Context},
		{tasksCmd, &conv.TaskStack},
	} {
		raw, err := part.cmd.Result()
		if errors.Is(err, goredis.Nil) {
			return types.Conversation{}, state.ErrNotFound
		}
		if err != nil {
			return types.Conversation{}, fmt.Errorf("failed to load conversation from redis: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), part.dst); err != nil {
			return types.Conversation{}, fmt.Errorf("failed to decode conversation from redis: %w", err)
		}
	}
	var err error
	if conv.SyncAgentResults, err = decodeResults(syncCmd); err != nil {
		return types.Conversation{}, err
	}
	if conv.AsyncAgentResults, err = decodeResults(asyncCmd); err != nil {
		return types.Conversation{}, err
	}
	return conv, nil
}

func decodeResults(cmd *goredis.MapStringStringCmd) (map[string]types.AgentResult, error) {
	fields, err := cmd.Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load agent results from redis: %w", err)
	}
	if _, ok := fields[presentField]; !ok {
		return nil, state.ErrNotFound
	}
	out := make(map[string]types.AgentResult, len(fields)-1)
	for name, raw := range fields {
		if name == presentField {
			continue
		}
		var r types.AgentResult
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("failed to decode agent result %q: %w", name, err)
		}
		out[name] = r
	}
	return out, nil
}

// SaveConversation replaces every key of the conversation.
func (s *Store) SaveConversation(ctx context.Context, conv types.Conversation) error {
	id := conv.ConversationID
	if id == "" {
		return fmt.Errorf("conversation_id is required")
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = s.now().UTC()
	}
	base := conv
	base.Context, base.TaskStack = nil, nil
	base.SyncAgentResults, base.AsyncAgentResults = nil, nil
	baseRaw, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	contextRaw, err := marshalList(conv.Context)
	if err != nil {
		return err
	}
	tasksRaw, err := marshalList(conv.TaskStack)
	if err != nil {
		return err
	}
	syncFields, err := resultFields(conv.SyncAgentResults)
	if err != nil {
		return err
	}
	asyncFields, err := resultFields(conv.AsyncAgentResults)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(id, stateKeySuffix), string(baseRaw), s.ttl.State)
	pipe.Set(ctx, s.key(id, contextSuffix), contextRaw, s.ttl.Context)
	pipe.Set(ctx, s.key(id, tasksSuffix), tasksRaw, s.ttl.Tasks)
	for key, fields := range map[string][]any{
		s.key(id, syncSuffix):  syncFields,
		s.key(id, asyncSuffix): asyncFields,
	} {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, fields...)
		pipe.Expire(ctx, key, s.ttl.Results)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save conversation in redis: %w", err)
	}
	return nil
}

// SaveContext overwrites the context key. The participant id lives in the
// base record and is left to SaveConversation.
func (s *Store) SaveContext(ctx context.Context, conversationID, _ string, turns []types.Turn) error {
	if conversationID == "" {
		return fmt.Errorf("conversation_id is required")
	}
	raw, err := marshalList(turns)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(conversationID, contextSuffix), raw, s.ttl.Context).Err(); err != nil {
		return fmt.Errorf("failed to save context in redis: %w", err)
	}
	return nil
}

func (s *Store) SaveTaskStack(ctx context.Context, conversationID string, stack []types.Task) error {
	if conversationID == "" {
		return fmt.Errorf("conversation_id is required")
	}
	raw, err := marshalList(stack)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(conversationID, tasksSuffix), raw, s.ttl.Tasks).Err(); err != nil {
		return fmt.Errorf("failed to save task stack in redis: %w", err)
	}
	return nil
}

// SaveAgentResult merges result into the bucket hash under its agent name.
func (s *Store) SaveAgentResult(ctx context.Context, conversationID string, bucket state.Bucket, result types.AgentResult) error {
	if conversationID == "" {
		return fmt.Errorf("conversation_id is required")
	}
	if !bucket.Valid() {
		return fmt.Errorf("unknown bucket %q", bucket)
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal agent result: %w", err)
	}
	key := s.key(conversationID, resultsSuffix(bucket))
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, result.AgentName, string(raw))
	pipe.Expire(ctx, key, s.ttl.Results)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save agent result in redis: %w", err)
	}
	return nil
}

func (s *Store) Evict(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("conversation_id is required")
	}
	keys := []string{
		s.key(conversationID, stateKeySuffix),
		s.key(conversationID, contextSuffix),
		s.key(conversationID, tasksSuffix),
		s.key(conversationID, syncSuffix),
		s.key(conversationID, asyncSuffix),
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to evict conversation from redis: %w", err)
	}
	return nil
}

// Lock takes the conversation lock, polling until it is free or ctx ends.
func (s *Store) Lock(ctx context.Context, conversationID string, ttl time.Duration) (func(context.Context) error, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("conversation_id is required")
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	key := s.key(conversationID, lockSuffix)
	owner := uuid.NewString()
	ticker := time.NewTicker(lockPoll)
	defer ticker.Stop()
	for {
		ok, err := s.client.SetNX(ctx, key, owner, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire conversation lock: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", state.ErrLocked, conversationID, ctx.Err())
		case <-ticker.C:
		}
	}
	return func(ctx context.Context) error {
		if _, err := releaseScript.Run(ctx, s.client, []string{key}, owner).Result(); err != nil {
			return fmt.Errorf("failed to release conversation lock: %w", err)
		}
		return nil
	}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", state.ErrTierUnavailable, err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) key(conversationID, suffix string) string {
	return fmt.Sprintf("%s:conv:%s:%s", s.prefix, conversationID, suffix)
}

func resultsSuffix(bucket state.Bucket) string {
	if bucket == state.BucketSync {
		return syncSuffix
	}
	return asyncSuffix
}

func marshalList[T any](items []T) (string, error) {
	if items == nil {
		items = []T{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %T: %w", items, err)
	}
	return string(raw), nil
}

func resultFields(results map[string]types.AgentResult) ([]any, error) {
	fields := make([]any, 0, 2+2*len(results))
	fields = append(fields, presentField, "1")
	for name, r := range results {
		raw, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal agent result %q: %w", name, err)
		}
		fields = append(fields, name, string(raw))
	}
	return fields, nil
}

var (
	_ state.Fast   = (*Store)(nil)
	_ state.Locker = (*Store)(nil)
)
