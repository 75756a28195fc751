// Package tiered layers a fast cache tier over a durable system of record.
// Reads go fast first and repair the cache from the durable tier on a
// miss; writes go to both tiers concurrently.
package tiered

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/PipeOpsHQ/checkpoint-engine/observe"
	"github.com/PipeOpsHQ/checkpoint-engine/state"
	"github.com/PipeOpsHQ/checkpoint-engine/types"
)

const (
	opGetConversation    = "get_conversation"
	opSaveConversation   = "save_conversation"
	opUpdateContext      = "update_context"
	opUpdateTaskStack    = "update_task_stack"
	opSaveAgentResult    = "save_agent_result"
	opSaveSyncResult     = "save_sync_agent_result"
	opSaveSummary        = "save_summary"
	opUpdateVerification = "update_verification"
	opRepair             = "repair"

	defaultLockTTL   = 15 * time.Second
	newConvTracking  = 1024
	repairTimeout    = 5 * time.Second
	detachedTracking = 4096
)

// Opener opens the tiers. fast may be nil when no cache is configured.
type Opener func(ctx context.Context) (fast state.Fast, durable state.Durable, err error)

// FastOpener opens the fast tier alone. HealthCheck uses it to attach a
// fast tier that was unreachable when the manager opened.
type FastOpener func(ctx context.Context) (state.Fast, error)

// Static returns an Opener handing out already open tiers.
func Static(fast state.Fast, durable state.Durable) Opener {
	return func(context.Context) (state.Fast, state.Durable, error) {
		if durable == nil {
			return nil, nil, fmt.Errorf("durable tier is required")
		}
		return fast, durable, nil
	}
}

type Manager struct {
	open    Opener
	policy  WritePolicy
	logger  *slog.Logger
	sink    observe.Sink
	lockTTL time.Duration
	// distributed enables the fast tier's cross-process lock when it
	// implements state.Locker.
	distributed bool
	reopenFast  FastOpener

	mu          sync.Mutex
	initialized bool
	fast        state.Fast
	durable     state.Durable
	// missed holds ids written while the fast tier was detached. Their
	// cached entries are evicted before the tier is attached again.
	missed         map[string]struct{}
	missedOverflow bool

	repairs singleflight.Group
	locks   *keyedMutex
	writes  *writeTracker

	newMu sync.Mutex
	fresh *lru.Cache
}

type Option func(*Manager)

func WithPolicy(p WritePolicy) Option {
	return func(m *Manager) {
		if p != nil {
			m.policy = p
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithSink(s observe.Sink) Option {
	return func(m *Manager) { m.sink = observe.OrNoop(s) }
}

// WithDistributedLock makes WithConversationLock also take the fast
// tier's lock, held for at most ttl.
func WithDistributedLock(ttl time.Duration) Option {
	return func(m *Manager) {
		m.distributed = true
		if ttl > 0 {
			m.lockTTL = ttl
		}
	}
}

// WithFastReopen lets HealthCheck retry a fast tier that was unreachable
// at open.
func WithFastReopen(open FastOpener) Option {
	return func(m *Manager) { m.reopenFast = open }
}

func New(open Opener, opts ...Option) *Manager {
	m := &Manager{
		open:    open,
		policy:  DegradedPolicy,
		logger:  slog.Default(),
		sink:    observe.NoopSink{},
		lockTTL: defaultLockTTL,
		locks:   newKeyedMutex(),
		writes:  newWriteTracker(),
		fresh:   lru.New(newConvTracking),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Init opens the tiers once. Concurrent callers wait for the first.
func (m *Manager) Init(ctx context.Context) error {
	_, _, err := m.tiers(ctx)
	return err
}

func (m *Manager) tiers(ctx context.Context) (state.Fast, state.Durable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return m.fast, m.durable, nil
	}
	if m.open == nil {
		return nil, nil, fmt.Errorf("tiered: no opener configured")
	}
	fast, durable, err := m.open(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("tiered: open tiers: %w", err)
	}
	if durable == nil {
		if fast != nil {
			_ = fast.Close()
		}
		return nil, nil, fmt.Errorf("tiered: durable tier is required")
	}
	m.fast, m.durable, m.initialized = fast, durable, true
	attrs := []any{slog.String("durable", durable.Name())}
	if fast != nil {
		attrs = append(attrs, slog.String("fast", fast.Name()))
	}
	m.logger.Info("memory tiers initialized", attrs...)
	return fast, durable, nil
}

// Initialized reports whether the tiers are currently open.
func (m *Manager) Initialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

// Close closes both tiers. A later call re-opens them.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return nil
	}
	var errs []error
	if m.fast != nil {
		if err := m.fast.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", m.fast.Name(), err))
		}
	}
	if err := m.durable.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close %s: %w", m.durable.Name(), err))
	}
	m.fast, m.durable, m.initialized = nil, nil, false
	m.missed, m.missedOverflow = nil, false
	return errors.Join(errs...)
}

// GetConversationState reads the fast tier, falls back to the durable tier
// and repairs the cache from it. Concurrent misses for one id share a
// single durable read.
func (m *Manager) GetConversationState(ctx context.Context, conversationID string) (types.Conversation, error) {
	if conversationID == "" {
		return types.Conversation{}, fmt.Errorf("%w: conversation_id is required", types.ErrInvalidConversation)
	}
	fast, durable, err := m.tiers(ctx)
	if err != nil {
		return types.Conversation{}, err
	}
	if fast != nil {
		conv, err := fast.LoadConversation(ctx, conversationID)
		if err == nil {
			return conv, nil
		}
		if !errors.Is(err, state.ErrNotFound) {
			m.tierFailed(ctx, fast.Name(), opGetConversation, conversationID, err)
		}
	}

	ch := m.repairs.DoChan(conversationID, func() (any, error) {
		// Waiters share this read; one caller's cancellation must not fail the rest.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), repairTimeout)
		defer cancel()
		return m.repair(rctx, fast, durable, conversationID)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return types.Conversation{}, ctx.Err()
	}
	v, err, shared := res.Val, res.Err, res.Shared
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			m.markNew(conversationID)
			return types.Conversation{}, state.ErrNotFound
		}
		m.tierFailed(ctx, durable.Name(), opGetConversation, conversationID, err)
		return types.Conversation{}, fmt.Errorf("tiered: load %s: %w", conversationID, err)
	}
	conv := v.(types.Conversation)
	if shared {
		return cloneConversation(conv)
	}
	return conv, nil
}

// repair loads the durable copy and writes it back to the fast tier. When
// a write to the conversation overlapped the durable read the cached entry
// is evicted instead, leaving the next read to repair from newer state.
func (m *Manager) repair(ctx context.Context, fast state.Fast, durable state.Durable, conversationID string) (types.Conversation, error) {
	if fast == nil {
		return durable.LoadConversation(ctx, conversationID)
	}
	e, gen := m.writes.watch(conversationID)
	defer m.writes.release(conversationID, e)

	conv, err := durable.LoadConversation(ctx, conversationID)
	if err != nil {
		return types.Conversation{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.moved(gen) {
		if err := fast.Evict(ctx, conversationID); err != nil {
			m.tierFailed(ctx, fast.Name(), opRepair, conversationID, err)
		}
		return conv, nil
	}
	if err := fast.SaveConversation(ctx, conv); err != nil {
		m.tierFailed(ctx, fast.Name(), opRepair, conversationID, err)
	}
	return conv, nil
}

func (m *Manager) SaveConversationState(ctx context.Context, conv types.Conversation) (WriteOutcome, error) {
	if err := conv.Validate(); err != nil {
		return WriteOutcome{}, err
	}
	return m.write(ctx, opSaveConversation, conv.ConversationID,
		func(ctx context.Context, t state.Tier) error { return t.SaveConversation(ctx, conv) })
}

func (m *Manager) UpdateConversationContext(ctx context.Context, conversationID string, turns []types.Turn, participantID string) (WriteOutcome, error) {
	if conversationID == "" {
		return WriteOutcome{}, fmt.Errorf("%w: conversation_id is required", types.ErrInvalidConversation)
	}
	return m.write(ctx, opUpdateContext, conversationID,
		func(ctx context.Context, t state.Tier) error {
			return t.SaveContext(ctx, conversationID, participantID, turns)
		})
}

func (m *Manager) UpdateTaskStack(ctx context.Context, conversationID string, stack []types.Task) (WriteOutcome, error) {
	if conversationID == "" {
		return WriteOutcome{}, fmt.Errorf("%w: conversation_id is required", types.ErrInvalidConversation)
	}
	if err := types.ValidateStack(stack); err != nil {
		return WriteOutcome{}, err
	}
	return m.write(ctx, opUpdateTaskStack, conversationID,
		func(ctx context.Context, t state.Tier) error { return t.SaveTaskStack(ctx, conversationID, stack) })
}

// SaveAgentResult routes consumed results to the sync bucket and the rest
// to the async bucket, keyed by agentName.
func (m *Manager) SaveAgentResult(ctx context.Context, conversationID, agentName string, result types.AgentResult) (WriteOutcome, error) {
	result, err := prepareResult(conversationID, agentName, result)
	if err != nil {
		return WriteOutcome{}, err
	}
	bucket := state.BucketFor(result)
	return m.write(ctx, opSaveAgentResult, conversationID,
		func(ctx context.Context, t state.Tier) error {
			return t.SaveAgentResult(ctx, conversationID, bucket, result)
		})
}

// SaveSyncAgentResult always writes the sync bucket.
func (m *Manager) SaveSyncAgentResult(ctx context.Context, conversationID, agentName string, result types.AgentResult) (WriteOutcome, error) {
	result, err := prepareResult(conversationID, agentName, result)
	if err != nil {
		return WriteOutcome{}, err
	}
	return m.write(ctx, opSaveSyncResult, conversationID,
		func(ctx context.Context, t state.Tier) error {
			return t.SaveAgentResult(ctx, conversationID, state.BucketSync, result)
		})
}

func prepareResult(conversationID, agentName string, result types.AgentResult) (types.AgentResult, error) {
	if conversationID == "" {
		return result, fmt.Errorf("%w: conversation_id is required", types.ErrInvalidConversation)
	}
	if agentName != "" {
		result.AgentName = agentName
	}
	result.ConversationID = conversationID
	if result.Timestamp.IsZero() {
		result.Timestamp = time.Now().UTC()
	}
	return result, result.Validate()
}

// GetIndividualConversations lists a participant's conversations from the
// durable tier only.
func (m *Manager) GetIndividualConversations(ctx context.Context, participantID string) ([]types.Conversation, error) {
	if participantID == "" {
		return nil, fmt.Errorf("participant_id is required")
	}
	_, durable, err := m.tiers(ctx)
	if err != nil {
		return nil, err
	}
	convs, err := durable.ListConversations(ctx, participantID)
	if err != nil {
		m.tierFailed(ctx, durable.Name(), "list_conversations", "", err)
		return nil, fmt.Errorf("tiered: list conversations: %w", err)
	}
	return convs, nil
}

// FindTask looks a task up by id in the durable tier.
func (m *Manager) FindTask(ctx context.Context, taskID string) (state.TaskRecord, error) {
	if taskID == "" {
		return state.TaskRecord{}, fmt.Errorf("%w: task_id is required", types.ErrInvalidTask)
	}
	_, durable, err := m.tiers(ctx)
	if err != nil {
		return state.TaskRecord{}, err
	}
	rec, err := durable.FindTask(ctx, taskID)
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		m.tierFailed(ctx, durable.Name(), "find_task", "", err)
		return state.TaskRecord{}, fmt.Errorf("tiered: find task %s: %w", taskID, err)
	}
	return rec, err
}

// SaveSummary stores the summary durably and evicts the cached
// conversation so the next read picks up the summary flag.
func (m *Manager) SaveSummary(ctx context.Context, summary types.Summary) (WriteOutcome, error) {
	if summary.ConversationID == "" {
		return WriteOutcome{}, fmt.Errorf("%w: conversation_id is required", types.ErrInvalidConversation)
	}
	return m.durableThenEvict(ctx, opSaveSummary, summary.ConversationID,
		func(ctx context.Context, d state.Durable) error { return d.SaveSummary(ctx, summary) })
}

func (m *Manager) GetSummary(ctx context.Context, conversationID string) (types.Summary, error) {
	_, durable, err := m.tiers(ctx)
	if err != nil {
		return types.Summary{}, err
	}
	return durable.LoadSummary(ctx, conversationID)
}

func (m *Manager) UpdateVerification(ctx context.Context, conversationID string, verified bool) (WriteOutcome, error) {
	if conversationID == "" {
		return WriteOutcome{}, fmt.Errorf("%w: conversation_id is required", types.ErrInvalidConversation)
	}
	return m.durableThenEvict(ctx, opUpdateVerification, conversationID,
		func(ctx context.Context, d state.Durable) error { return d.SetVerified(ctx, conversationID, verified) })
}

// HealthCheck probes each tier on its own. It never returns early on a
// failing tier.
func (m *Manager) HealthCheck(ctx context.Context) Health {
	m.reattachFast(ctx)
	fast, durable, err := m.tiers(ctx)
	if err != nil {
		return Health{Durable: TierHealth{Configured: true, Error: err.Error()}}
	}
	h := Health{Initialized: true}
	var g errgroup.Group
	g.Go(func() error {
		h.Durable = probe(ctx, durable)
		return nil
	})
	if fast != nil {
		g.Go(func() error {
			h.Fast = probe(ctx, fast)
			return nil
		})
	}
	_ = g.Wait()
	return h
}

func probe(ctx context.Context, t state.Tier) TierHealth {
	start := time.Now()
	err := t.Ping(ctx)
	th := TierHealth{
		Name:       t.Name(),
		Configured: true,
		Healthy:    err == nil,
		LatencyMs:  time.Since(start).Milliseconds(),
	}
	if err != nil {
		th.Error = err.Error()
	}
	return th
}

// write runs fn against both tiers concurrently. A failed fast write
// evicts the cached entry so later reads repair from the durable tier.
func (m *Manager) write(ctx context.Context, op, conversationID string, fn func(context.Context, state.Tier) error) (WriteOutcome, error) {
	fast, durable, err := m.tiers(ctx)
	if err != nil {
		return WriteOutcome{}, err
	}
	out := WriteOutcome{Op: op, ConversationID: conversationID, NewConversation: m.takeNew(conversationID)}
	done := m.writes.begin(conversationID)
	defer done()
	if fast == nil {
		defer m.noteDetached(ctx, conversationID)
	}

	var g errgroup.Group
	g.Go(func() error {
		out.Durable = runTier(ctx, durable, fn)
		return nil
	})
	if fast != nil {
		g.Go(func() error {
			out.Fast = runTier(ctx, fast, fn)
			if out.Fast.Failed() {
				_ = fast.Evict(ctx, conversationID)
			}
			return nil
		})
	}
	_ = g.Wait()
	return out, m.finish(ctx, out)
}

func (m *Manager) durableThenEvict(ctx context.Context, op, conversationID string, fn func(context.Context, state.Durable) error) (WriteOutcome, error) {
	fast, durable, err := m.tiers(ctx)
	if err != nil {
		return WriteOutcome{}, err
	}
	out := WriteOutcome{Op: op, ConversationID: conversationID}
	done := m.writes.begin(conversationID)
	defer done()
	if fast == nil {
		defer m.noteDetached(ctx, conversationID)
	}
	start := time.Now()
	out.Durable = TierOutcome{Tier: durable.Name(), Attempted: true, Err: fn(ctx, durable), Duration: time.Since(start)}
	if fast != nil {
		start = time.Now()
		out.Fast = TierOutcome{Tier: fast.Name(), Attempted: true, Err: fast.Evict(ctx, conversationID), Duration: time.Since(start)}
	}
	return out, m.finish(ctx, out)
}

func runTier(ctx context.Context, t state.Tier, fn func(context.Context, state.Tier) error) TierOutcome {
	start := time.Now()
	err := fn(ctx, t)
	return TierOutcome{Tier: t.Name(), Attempted: true, Err: err, Duration: time.Since(start)}
}

func (m *Manager) finish(ctx context.Context, out WriteOutcome) error {
	for _, o := range []TierOutcome{out.Fast, out.Durable} {
		if o.Failed() {
			m.tierFailed(ctx, o.Tier, out.Op, out.ConversationID, o.Err)
		}
	}
	return m.policy(out)
}

func (m *Manager) tierFailed(ctx context.Context, tier, op, conversationID string, err error) {
	m.logger.Warn("memory tier operation failed",
		slog.String("conversation_id", conversationID),
		slog.String("tier", tier),
		slog.String("op", op),
		slog.Any("error", err),
	)
	_ = m.sink.Emit(ctx, observe.Event{
		Kind:           observe.KindMemory,
		Status:         observe.StatusFailed,
		ConversationID: conversationID,
		Tier:           tier,
		Name:           op,
		Error:          err.Error(),
	})
}

func (m *Manager) markNew(conversationID string) {
	m.newMu.Lock()
	m.fresh.Add(conversationID, struct{}{})
	m.newMu.Unlock()
}

func (m *Manager) takeNew(conversationID string) bool {
	m.newMu.Lock()
	defer m.newMu.Unlock()
	if _, ok := m.fresh.Get(conversationID); !ok {
		return false
	}
	m.fresh.Remove(conversationID)
	return true
}

func cloneConversation(conv types.Conversation) (types.Conversation, error) {
	raw, err := json.Marshal(conv)
	if err != nil {
		return types.Conversation{}, fmt.Errorf("tiered: copy conversation: %w", err)
	}
	var out types.Conversation
	if err := json.Unmarshal(raw, &out); err != nil {
		return types.Conversation{}, fmt.Errorf("tiered: copy conversation: %w", err)
	}
	return out, nil
}
