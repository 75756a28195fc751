package tiered

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/PipeOpsHQ/checkpoint-engine/state"
)

// keyedMutex hands out one lock per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[string]*keyLock{}}
}

func (k *keyedMutex) lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			k.release(key, l)
		}, nil
	case <-ctx.Done():
		k.release(key, l)
		return nil, ctx.Err()
	}
}

func (k *keyedMutex) release(key string, l *keyLock) {
	k.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

// WithConversationLock runs fn while holding the conversation's lock, so
// read-modify-write cycles on its task stack and context do not interleave.
// With WithDistributedLock the fast tier's lock is taken as well; if that
// tier cannot be reached fn still runs under the local lock.
func (m *Manager) WithConversationLock(ctx context.Context, conversationID string, fn func(context.Context) error) error {
	if conversationID == "" {
		return fmt.Errorf("conversation_id is required")
	}
	unlock, err := m.locks.lock(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", state.ErrLocked, conversationID, err)
	}
	defer unlock()

	if m.distributed {
		fast, _, err := m.tiers(ctx)
		if err != nil {
			return err
		}
		if locker, ok := fast.(state.Locker); ok {
			release, err := locker.Lock(ctx, conversationID, m.lockTTL)
			switch {
			case err == nil:
				defer func() {
					if err := release(context.WithoutCancel(ctx)); err != nil {
						m.logger.Warn("failed to release conversation lock",
							slog.String("conversation_id", conversationID), slog.Any("error", err))
					}
				}()
			case errors.Is(err, state.ErrLocked):
				return err
			default:
				m.tierFailed(ctx, fast.Name(), "lock", conversationID, err)
			}
		}
	}
	return fn(ctx)
}
