// Package state defines the storage tiers behind conversation memory.
package state

import (
	"context"
	"errors"
	"time"

	"github.com/PipeOpsHQ/checkpoint-engine/types"
)

var (
	ErrNotFound = errors.New("state: not found")
	// ErrTierUnavailable marks a tier that could not be reached.
	ErrTierUnavailable = errors.New("state: tier unavailable")
	ErrLocked          = errors.New("state: conversation locked")
)

// Bucket selects which agent-result map a result is written to.
type Bucket string

const (
	BucketSync  Bucket = "sync"
	BucketAsync Bucket = "async"
)

func (b Bucket) Valid() bool { return b == BucketSync || b == BucketAsync }

// BucketFor routes consumed results to the sync bucket and everything else
// to the async bucket.
func BucketFor(r types.AgentResult) Bucket {
	if r.Consumed {
		return BucketSync
	}
	return BucketAsync
}

// TaskRecord places a task within its conversation's stack.
type TaskRecord struct {
	ConversationID string     `json:"conversation_id"`
	Position       int        `json:"position"`
	Task           types.Task `json:"task"`
}

// Tier is one storage layer holding conversation state. Writes that target
// a conversation which does not exist yet create it.
type Tier interface {
	Name() string
	LoadConversation(ctx context.Context, conversationID string) (types.Conversation, error)
	SaveConversation(ctx context.Context, conv types.Conversation) error
	SaveContext(ctx context.Context, conversationID, participantID string, turns []types.Turn) error
	SaveTaskStack(ctx context.Context, conversationID string, stack []types.Task) error
	SaveAgentResult(ctx context.Context, conversationID string, bucket Bucket, result types.AgentResult) error
	Ping(ctx context.Context) error
	Close() error
}

// Fast is a cache tier. Evict drops everything cached for a conversation.
type Fast interface {
	Tier
	Evict(ctx context.Context, conversationID string) error
}

// Durable is the system of record.
type Durable interface {
	Tier
	ListConversations(ctx context.Context, participantID string) ([]types.Conversation, error)
	// FindTask looks a task up by id. When several conversations hold the
	// id the most recently updated one wins.
	FindTask(ctx context.Context, taskID string) (TaskRecord, error)
	SaveSummary(ctx context.Context, summary types.Summary) error
	LoadSummary(ctx context.Context, conversationID string) (types.Summary, error)
	SetVerified(ctx context.Context, conversationID string, verified bool) error
}

// Locker is implemented by tiers that can serialize writers across
// processes. The returned release func is safe to call once.
type Locker interface {
	Lock(ctx context.Context, conversationID string, ttl time.Duration) (release func(context.Context) error, err error)
}

// MergeResult stores result under its agent name in the selected bucket.
func MergeResult(conv *types.Conversation, bucket Bucket, result types.AgentResult) {
	if bucket == BucketSync {
		if conv.SyncAgentResults == nil {
			conv.SyncAgentResults = map[string]types.AgentResult{}
		}
		conv.SyncAgentResults[result.AgentName] = result
		return
	}
	if conv.AsyncAgentResults == nil {
		conv.AsyncAgentResults = map[string]types.AgentResult{}
	}
	conv.AsyncAgentResults[result.AgentName] = result
}
