// Package monitor probes the memory tiers on a cron schedule and logs
// when a tier flips between healthy and degraded.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	robcron "github.com/robfig/cron/v3"

	"github.com/PipeOpsHQ/checkpoint-engine/observe"
	"github.com/PipeOpsHQ/checkpoint-engine/state/tiered"
)

const (
	DefaultSchedule = "@every 30s"
	defaultTimeout  = 5 * time.Second
	defaultHistory  = 100
)

type TierState string

const (
	StateUnknown      TierState = "unknown"
	StateHealthy      TierState = "healthy"
	StateDegraded     TierState = "degraded"
	StateUnconfigured TierState = "unconfigured"
)

// Prober is satisfied by *tiered.Manager.
type Prober interface {
	HealthCheck(ctx context.Context) tiered.Health
}

type Transition struct {
	Role string    `json:"role"`
	Tier string    `json:"tier,omitempty"`
	From TierState `json:"from"`
	To   TierState `json:"to"`
}

// Check is one recorded probe.
type Check struct {
	At          time.Time     `json:"at"`
	DurationMS  int64         `json:"durationMs"`
	Trigger     string        `json:"trigger"`
	Health      tiered.Health `json:"health"`
	Transitions []Transition  `json:"transitions,omitempty"`
}

type Monitor struct {
	prober  Prober
	logger  *slog.Logger
	sink    observe.Sink
	timeout time.Duration
	maxRuns int
	now     func() time.Time

	mu      sync.Mutex
	cron    *robcron.Cron
	entryID robcron.EntryID
	started bool
	states  map[string]TierState
	history []Check
}

type Option func(*Monitor)

func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithSink(s observe.Sink) Option {
	return func(m *Monitor) { m.sink = observe.OrNoop(s) }
}

// WithTimeout bounds a single probe.
func WithTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.timeout = d
		}
	}
}

func WithHistory(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.maxRuns = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

func New(prober Prober, opts ...Option) *Monitor {
	m := &Monitor{
		prober:  prober,
		logger:  slog.Default(),
		sink:    observe.NoopSink{},
		timeout: defaultTimeout,
		maxRuns: defaultHistory,
		now:     time.Now,
		// Probes never overlap.
		cron:   robcron.New(robcron.WithChain(robcron.SkipIfStillRunning(robcron.DiscardLogger))),
		states: map[string]TierState{"fast": StateUnknown, "durable": StateUnknown},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Schedule registers the periodic probe. It replaces an earlier schedule.
func (m *Monitor) Schedule(expr string) error {
	if expr == "" {
		expr = DefaultSchedule
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entryID, err := m.cron.AddFunc(expr, func() { m.probe(context.Background(), "schedule") })
	if err != nil {
		return fmt.Errorf("invalid health schedule %q: %w", expr, err)
	}
	if m.entryID != 0 {
		m.cron.Remove(m.entryID)
	}
	m.entryID = entryID
	return nil
}

// Next reports when the scheduled probe runs next; zero when not started
// or not scheduled.
func (m *Monitor) Next() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entryID == 0 {
		return time.Time{}
	}
	return m.cron.Entry(m.entryID).Next
}

// Start begins the cron loop. Non-blocking.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		m.cron.Start()
		m.started = true
	}
}

// Stop halts the loop and waits for a running probe to finish or ctx to
// end.
func (m *Monitor) Stop(ctx context.Context) {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	done := m.cron.Stop()
	m.mu.Unlock()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Probe runs one health check immediately.
func (m *Monitor) Probe(ctx context.Context) Check {
	return m.probe(ctx, "manual")
}

func (m *Monitor) probe(ctx context.Context, trigger string) Check {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	started := time.Now()
	health := m.prober.HealthCheck(ctx)
	check := Check{
		At:         m.now().UTC(),
		DurationMS: time.Since(started).Milliseconds(),
		Trigger:    trigger,
		Health:     health,
	}

	m.mu.Lock()
	for _, role := range []struct {
		name string
		th   tiered.TierHealth
	}{{"fast", health.Fast}, {"durable", health.Durable}} {
		next := stateOf(role.th)
		prev := m.states[role.name]
		if prev == next {
			continue
		}
		m.states[role.name] = next
		check.Transitions = append(check.Transitions, Transition{Role: role.name, Tier: role.th.Name, From: prev, To: next})
	}
	m.history = append(m.history, check)
	if len(m.history) > m.maxRuns {
		m.history = m.history[len(m.history)-m.maxRuns:]
	}
	m.mu.Unlock()

	for _, tr := range check.Transitions {
		m.report(ctx, tr, health)
	}
	return check
}

func (m *Monitor) report(ctx context.Context, tr Transition, health tiered.Health) {
	th := health.Fast
	if tr.Role == "durable" {
		th = health.Durable
	}
	attrs := []any{
		slog.String("role", tr.Role),
		slog.String("tier", tr.Tier),
		slog.String("from", string(tr.From)),
		slog.String("to", string(tr.To)),
		slog.Int64("latency_ms", th.LatencyMs),
	}
	event := observe.Event{
		Kind:       observe.KindMonitor,
		Status:     observe.StatusCompleted,
		Name:       tr.Role,
		Tier:       tr.Tier,
		DurationMs: th.LatencyMs,
		Attributes: map[string]any{"from": string(tr.From), "to": string(tr.To)},
	}
	switch tr.To {
	case StateDegraded:
		m.logger.Warn("memory tier degraded", append(attrs, slog.String("error", th.Error))...)
		event.Status = observe.StatusDegraded
		event.Error = th.Error
	case StateHealthy:
		m.logger.Info("memory tier healthy", attrs...)
	default:
		m.logger.Info("memory tier state", attrs...)
	}
	_ = m.sink.Emit(ctx, event)
}

// States returns the last known state per role.
func (m *Monitor) States() map[string]TierState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]TierState, len(m.states))
	for k, v := range m.states {
		out[k] = v
	}
	return out
}

// History returns up to limit recent checks, newest first.
func (m *Monitor) History(limit int) []Check {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.history) {
		limit = len(m.history)
	}
	out := make([]Check, 0, limit)
	for i := len(m.history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.history[i])
	}
	return out
}

func stateOf(th tiered.TierHealth) TierState {
	switch {
	case !th.Configured:
		return StateUnconfigured
	case th.Healthy:
		return StateHealthy
	default:
		return StateDegraded
	}
}
