package tiered

import (
	"context"
	"log/slog"

	"github.com/PipeOpsHQ/checkpoint-engine/state"
)

// noteDetached records a write that skipped the fast tier. If the tier was
// attached while the write ran, the cached entry is evicted right away.
func (m *Manager) noteDetached(ctx context.Context, conversationID string) {
	if m.reopenFast == nil {
		return
	}
	m.mu.Lock()
	fast := m.fast
	if fast == nil && m.initialized && !m.missedOverflow {
		if _, ok := m.missed[conversationID]; !ok && len(m.missed) >= detachedTracking {
			m.missedOverflow = true
			m.missed = nil
			m.logger.Warn("too many writes while the fast tier was unreachable, it stays detached until restart",
				slog.Int("tracked", detachedTracking))
		} else {
			if m.missed == nil {
				m.missed = map[string]struct{}{}
			}
			m.missed[conversationID] = struct{}{}
		}
	}
	m.mu.Unlock()

	if fast != nil {
		if err := fast.Evict(ctx, conversationID); err != nil {
			m.tierFailed(ctx, fast.Name(), "evict", conversationID, err)
		}
	}
}

// reattachFast retries a fast tier that was unreachable at open. Entries
// for conversations written in the meantime are evicted first so the tier
// never serves state older than the durable copy.
func (m *Manager) reattachFast(ctx context.Context) {
	if m.reopenFast == nil {
		return
	}
	m.mu.Lock()
	detached := m.initialized && m.fast == nil && !m.missedOverflow
	m.mu.Unlock()
	if !detached {
		return
	}

	fast, err := m.reopenFast(ctx)
	if err != nil || fast == nil {
		m.logger.Debug("fast tier still unavailable", slog.Any("error", err))
		return
	}

	m.mu.Lock()
	ids := m.takeMissed()
	m.mu.Unlock()
	if err := evictAll(ctx, fast, ids); err != nil {
		m.abandonFast(fast, ids, err)
		return
	}

	m.mu.Lock()
	if !m.initialized || m.fast != nil || m.missedOverflow {
		m.mu.Unlock()
		_ = fast.Close()
		return
	}
	// Writes that landed during the first pass; m.mu holds off new ones.
	rest := m.takeMissed()
	err = evictAll(ctx, fast, rest)
	if err == nil {
		m.fast = fast
	}
	m.mu.Unlock()
	if err != nil {
		m.abandonFast(fast, rest, err)
		return
	}
	m.logger.Info("fast tier attached", slog.String("fast", fast.Name()), slog.Int("evicted", len(ids)+len(rest)))
}

// takeMissed empties the detached set. Callers hold m.mu.
func (m *Manager) takeMissed() map[string]struct{} {
	ids := m.missed
	m.missed = map[string]struct{}{}
	return ids
}

func (m *Manager) abandonFast(fast state.Fast, ids map[string]struct{}, err error) {
	m.mu.Lock()
	if m.missed == nil {
		m.missed = map[string]struct{}{}
	}
	for id := range ids {
		m.missed[id] = struct{}{}
	}
	m.mu.Unlock()
	_ = fast.Close()
	m.logger.Warn("fast tier reachable but eviction failed, staying detached",
		slog.String("fast", fast.Name()), slog.Any("error", err))
}

func evictAll(ctx context.Context, fast state.Fast, ids map[string]struct{}) error {
	for id := range ids {
		if err := fast.Evict(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
