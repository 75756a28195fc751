// Package factory assembles the memory tiers from settings.
package factory

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/PipeOpsHQ/checkpoint-engine/state"
	"github.com/PipeOpsHQ/checkpoint-engine/state/inmem"
	postgresstore "github.com/PipeOpsHQ/checkpoint-engine/state/postgres"
	redisstore "github.com/PipeOpsHQ/checkpoint-engine/state/redis"
	sqlitestore "github.com/PipeOpsHQ/checkpoint-engine/state/sqlite"
	"github.com/PipeOpsHQ/checkpoint-engine/state/tiered"
)

const (
	BackendHybrid   = "hybrid"
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

type Settings struct {
	// Backend is hybrid (redis over a durable tier) or one of the
	// durable-only backends memory, sqlite and postgres.
	Backend string
	// DurableBackend picks the durable tier under hybrid.
	DurableBackend string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	RedisPoolSize int
	TTLs          redisstore.TTLs

	SQLitePath         string
	SQLiteMaxOpenConns int

	PostgresDSN      string
	PostgresMaxConns int32

	DistributedLock bool
	LockTTL         time.Duration
}

func SettingsFromEnv() Settings {
	return Settings{
		Backend:        strings.ToLower(getenv("STATE_BACKEND", BackendHybrid)),
		DurableBackend: strings.ToLower(getenv("DURABLE_BACKEND", BackendSQLite)),
		RedisAddr:      getenv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:  strings.TrimSpace(os.Getenv("REDIS_PASSWORD")),
		RedisDB:        getenvInt("REDIS_DB", 0),
		RedisPrefix:    getenv("REDIS_PREFIX", "checkpoint"),
		RedisPoolSize:  getenvInt("REDIS_POOL_SIZE", 10),
		TTLs: redisstore.TTLs{
			State:   getenvDuration("STATE_TTL", 30*time.Minute),
			Context: getenvDuration("CONTEXT_TTL", 30*time.Minute),
			Tasks:   getenvDuration("TASKS_TTL", 30*time.Minute),
			Results: getenvDuration("RESULTS_TTL", 30*time.Minute),
		},
		SQLitePath:         getenv("SQLITE_PATH", "./.checkpoint/state.db"),
		SQLiteMaxOpenConns: getenvInt("SQLITE_MAX_OPEN_CONNS", 1),
		PostgresDSN:        strings.TrimSpace(os.Getenv("POSTGRES_DSN")),
		PostgresMaxConns:   int32(getenvInt("POSTGRES_MAX_CONNS", 10)),
		DistributedLock:    getenvBool("DISTRIBUTED_LOCK", false),
		LockTTL:            getenvDuration("LOCK_TTL", 15*time.Second),
	}
}

func (s Settings) Validate() error {
	switch s.Backend {
	case BackendHybrid:
		switch s.DurableBackend {
		case BackendSQLite, BackendPostgres, BackendMemory:
		default:
			return fmt.Errorf("unsupported DURABLE_BACKEND %q (use sqlite, postgres, or memory)", s.DurableBackend)
		}
		if strings.TrimSpace(s.RedisAddr) == "" {
			return fmt.Errorf("REDIS_ADDR is required when STATE_BACKEND=hybrid")
		}
	case BackendMemory, BackendSQLite, BackendPostgres:
	default:
		return fmt.Errorf("unsupported STATE_BACKEND %q (use hybrid, memory, sqlite, or postgres)", s.Backend)
	}
	if s.durable() == BackendPostgres && strings.TrimSpace(s.PostgresDSN) == "" {
		return fmt.Errorf("POSTGRES_DSN is required for the postgres tier")
	}
	if s.durable() == BackendSQLite && strings.TrimSpace(s.SQLitePath) == "" {
		return fmt.Errorf("SQLITE_PATH is required for the sqlite tier")
	}
	return nil
}

func (s Settings) durable() string {
	if s.Backend == BackendHybrid {
		return s.DurableBackend
	}
	return s.Backend
}

// Opener returns a tiered.Opener for the settings. Under hybrid an
// unreachable redis is not fatal: the manager runs durable-only, the
// failure is logged and HealthCheck retries through FastOpener.
func Opener(s Settings, logger *slog.Logger) tiered.Opener {
	if logger == nil {
		logger = slog.Default()
	}
	openFast := FastOpener(s)
	return func(ctx context.Context) (state.Fast, state.Durable, error) {
		if err := s.Validate(); err != nil {
			return nil, nil, err
		}
		durable, err := openDurable(ctx, s, logger)
		if err != nil {
			return nil, nil, err
		}
		if s.Backend != BackendHybrid {
			return nil, durable, nil
		}
		fast, err := openFast(ctx)
		if err != nil {
			logger.Warn("fast tier unavailable, running durable-only",
				slog.String("tier", "redis"), slog.String("addr", s.RedisAddr), slog.Any("error", err))
			return nil, durable, nil
		}
		return fast, durable, nil
	}
}

// FastOpener dials the redis tier. It is nil unless the backend is hybrid.
func FastOpener(s Settings) tiered.FastOpener {
	if s.Backend != BackendHybrid {
		return nil
	}
	return func(context.Context) (state.Fast, error) {
		store, err := redisstore.New(s.RedisAddr,
			redisstore.WithPassword(s.RedisPassword),
			redisstore.WithDB(s.RedisDB),
			redisstore.WithPrefix(s.RedisPrefix),
			redisstore.WithPoolSize(s.RedisPoolSize),
			redisstore.WithTTLs(s.TTLs),
		)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}

func openDurable(ctx context.Context, s Settings, logger *slog.Logger) (state.Durable, error) {
	switch s.durable() {
	case BackendSQLite:
		store, err := sqlitestore.New(s.SQLitePath, sqlitestore.WithMaxOpenConns(s.SQLiteMaxOpenConns))
		if err != nil {
			return nil, err
		}
		return store, nil
	case BackendPostgres:
		store, err := postgresstore.New(ctx, s.PostgresDSN,
			postgresstore.WithMaxConns(s.PostgresMaxConns),
			postgresstore.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		return store, nil
	case BackendMemory:
		return inmem.New(inmem.WithName("memory")), nil
	}
	return nil, fmt.Errorf("unsupported durable backend %q", s.durable())
}

// NewManager builds a lazily initialized manager for the settings. Extra
// options are applied after the ones derived from s.
func NewManager(s Settings, logger *slog.Logger, opts ...tiered.Option) *tiered.Manager {
	base := []tiered.Option{tiered.WithLogger(logger)}
	if open := FastOpener(s); open != nil {
		base = append(base, tiered.WithFastReopen(open))
	}
	if s.DistributedLock {
		base = append(base, tiered.WithDistributedLock(s.LockTTL))
	}
	return tiered.New(Opener(s, logger), append(base, opts...)...)
}

func getenv(key, fallback string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	return val
}

func getenvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
