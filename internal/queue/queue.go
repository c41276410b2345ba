// Package queue selects and wires a work queue backend from configuration.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/queue/memory"
	"github.com/JakeFAU/crawlcore/internal/queue/postgres"
	redisqueue "github.com/JakeFAU/crawlcore/internal/queue/redis"
)

// Backend names accepted in Config.Backend.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config selects a backend and carries its connection settings.
type Config struct {
	Backend      string
	MaxSize      int
	PollInterval time.Duration
	// PersistSeen returns a durable SeenStore for shared backends.
	PersistSeen bool

	Redis    RedisConfig
	Postgres postgres.Config
}

// RedisConfig holds connection settings for the Redis backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// Backend bundles the queue, an optional seen store, and the connections
// that must be released on shutdown.
type Backend struct {
	Queue crawler.WorkQueue
	Seen  crawler.SeenStore
	// Shared reports whether other processes may add entries, in which case
	// waiting consumers must poll.
	Shared  bool
	release func() error
}

// Release closes client connections held by the backend.
func (b *Backend) Release() error {
	if b == nil || b.release == nil {
		return nil
	}
	return b.release()
}

// New builds the backend named by cfg.Backend.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendMemory:
		if cfg.PersistSeen {
			logger.Warn("dedup persistence requested with the memory backend; seen set will not survive restarts")
		}
		return &Backend{Queue: memory.NewQueue(cfg.MaxSize)}, nil
	case BackendRedis:
		return newRedis(ctx, cfg, logger)
	case BackendPostgres:
		return newPostgres(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}

func newRedis(ctx context.Context, cfg Config, logger *zap.Logger) (*Backend, error) {
	if cfg.Redis.Addr == "" {
		return nil, errors.New("redis.addr is required for the redis backend")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	q, err := redisqueue.New(client, redisqueue.Config{
		Key:          cfg.Redis.Key,
		MaxSize:      cfg.MaxSize,
		PollInterval: cfg.PollInterval,
	})
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	backend := &Backend{
		Queue:  q,
		Shared: true,
		release: func() error {
			if err := client.Close(); err != nil {
				return fmt.Errorf("close redis client: %w", err)
			}
			return nil
		},
	}
	if cfg.PersistSeen {
		backend.Seen = q.SeenStore()
	}
	logger.Info("redis queue backend ready", zap.String("addr", cfg.Redis.Addr))
	return backend, nil
}

func newPostgres(ctx context.Context, cfg Config, logger *zap.Logger) (*Backend, error) {
	pgCfg := cfg.Postgres
	pgCfg.MaxSize = cfg.MaxSize
	pgCfg.PollInterval = cfg.PollInterval
	q, err := postgres.Connect(ctx, pgCfg)
	if err != nil {
		return nil, err
	}
	if err := q.EnsureSchema(ctx); err != nil {
		q.Release()
		return nil, err
	}
	backend := &Backend{
		Queue:  q,
		Shared: true,
		release: func() error {
			q.Release()
			return nil
		},
	}
	if cfg.PersistSeen {
		backend.Seen = q.SeenStore()
	}
	logger.Info("postgres queue backend ready")
	return backend, nil
}
