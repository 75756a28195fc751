// Package stream appends observer events to a capped Redis stream so other
// processes can tail turn, tier and monitor activity.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/PipeOpsHQ/checkpoint-engine/observe"
)

const (
	defaultPrefix = "checkpoint"
	defaultMaxLen = 10000
)

// Entry is one stored event with its stream id.
type Entry struct {
	ID    string        `json:"id"`
	Event observe.Event `json:"event"`
}

type Stream struct {
	client   *goredis.Client
	owned    bool
	addr     string
	password string
	db       int
	prefix   string
	maxLen   int64
	key      string
}

type Option func(*Stream)

// WithClient shares an existing client; Close leaves it open.
func WithClient(client *goredis.Client) Option {
	return func(s *Stream) {
		if client != nil {
			s.client = client
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(s *Stream) {
		prefix = strings.TrimSpace(prefix)
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

func WithPassword(password string) Option {
	return func(s *Stream) { s.password = password }
}

func WithDB(db int) Option {
	return func(s *Stream) { s.db = db }
}

// WithMaxLen caps the stream, trimmed approximately on every append.
func WithMaxLen(n int64) Option {
	return func(s *Stream) {
		if n > 0 {
			s.maxLen = n
		}
	}
}

func New(addr string, opts ...Option) (*Stream, error) {
	s := &Stream{
		addr:   strings.TrimSpace(addr),
		prefix: defaultPrefix,
		maxLen: defaultMaxLen,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		if s.addr == "" {
			return nil, fmt.Errorf("redis addr is required")
		}
		s.client = goredis.NewClient(&goredis.Options{Addr: s.addr, Password: s.password, DB: s.db})
		s.owned = true
	}
	if err := s.client.Ping(context.Background()).Err(); err != nil {
		if s.owned {
			_ = s.client.Close()
		}
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	s.key = s.prefix + ":events"
	return s, nil
}

func (s *Stream) Key() string { return s.key }

// Emit implements observe.Sink.
func (s *Stream) Emit(ctx context.Context, event observe.Event) error {
	event.Normalize()
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	err = s.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: s.key,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"payload":         string(payload),
			"kind":            string(event.Kind),
			"status":          string(event.Status),
			"conversation_id": event.ConversationID,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (s *Stream) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	msgs, err := s.client.XRevRangeN(ctx, s.key, "+", "-", int64(limit)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return []Entry{}, nil
		}
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return decode(msgs), nil
}

// Follow calls fn for every event appended after lastID ("$" for new events
// only) until ctx ends or fn fails. Each read blocks for at most block.
func (s *Stream) Follow(ctx context.Context, lastID string, block time.Duration, fn func(Entry) error) error {
	if lastID == "" {
		lastID = "$"
	}
	if block <= 0 {
		block = time.Second
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		res, err := s.client.XRead(ctx, &goredis.XReadArgs{
			Streams: []string{s.key, lastID},
			Block:   block,
			Count:   100,
		}).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to follow events: %w", err)
		}
		for _, st := range res {
			for _, entry := range decode(st.Messages) {
				lastID = entry.ID
				if err := fn(entry); err != nil {
					return err
				}
			}
		}
	}
}

func (s *Stream) Len(ctx context.Context) (int64, error) {
	n, err := s.client.XLen(ctx, s.key).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return 0, fmt.Errorf("failed to read stream length: %w", err)
	}
	return n, nil
}

func (s *Stream) Close() error {
	if s == nil || s.client == nil || !s.owned {
		return nil
	}
	return s.client.Close()
}

func decode(msgs []goredis.XMessage) []Entry {
	out := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		payload, _ := msg.Values["payload"].(string)
		if payload == "" {
			continue
		}
		var event observe.Event
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			continue
		}
		out = append(out, Entry{ID: msg.ID, Event: event})
	}
	return out
}

var _ observe.Sink = (*Stream)(nil)
