package payments

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// guardTTL bounds how long receipts are remembered. Providers do not
// replay callbacks weeks later.
const guardTTL = 7 * 24 * time.Hour

// RedisConfig holds connection settings for the Redis guard.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RedisGuard deduplicates receipts across replicas with SET NX.
type RedisGuard struct {
	client *redis.Client
	ttl    time.Duration
}

var _ IdempotencyGuard = (*RedisGuard)(nil)

// NewRedisGuard connects to Redis and verifies the connection.
func NewRedisGuard(cfg RedisConfig, logger *zap.Logger) (*RedisGuard, error) {
	if cfg.Address == "" {
		cfg.Address = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	if logger != nil {
		logger.Info("connected to redis", zap.String("address", cfg.Address))
	}
	return &RedisGuard{client: client, ttl: guardTTL}, nil
}

// FirstSeen claims the key atomically. Only the first caller per key
// gets true, across every replica sharing the Redis instance.
func (g *RedisGuard) FirstSeen(ctx context.Context, key string) (bool, error) {
	return g.client.SetNX(ctx, key, 1, g.ttl).Result()
}

// Release drops a claimed key.
func (g *RedisGuard) Release(ctx context.Context, key string) error {
	return g.client.Del(ctx, key).Err()
}

// Close releases the Redis connection.
func (g *RedisGuard) Close() error {
	return g.client.Close()
}

// MemoryGuard is a process-local IdempotencyGuard for tests and
// single-node deployments without Redis.
type MemoryGuard struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMemoryGuard creates an empty in-memory guard.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{seen: make(map[string]struct{})}
}

var _ IdempotencyGuard = (*MemoryGuard)(nil)

func (g *MemoryGuard) FirstSeen(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.seen[key]; ok {
		return false, nil
	}
	g.seen[key] = struct{}{}
	return true, nil
}

func (g *MemoryGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.seen, key)
	return nil
}
