package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/matrixise/ethbalance/internal/cache"
	"github.com/matrixise/ethbalance/internal/config"
	"github.com/matrixise/ethbalance/internal/events"
	"github.com/matrixise/ethbalance/internal/lock"
)

func needsRedis(cfg *config.Config) bool {
	return cfg.Cache.Backend == "redis" || cfg.Lock.Backend == "redis"
}

// newRedisClient connects the client shared by the cache and the lock
func newRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis %s: %w", cfg.Addr, err)
	}
	return client, nil
}

func newCache(cfg config.CacheConfig, client redis.UniversalClient) *cache.Cache {
	var backend cache.Backend
	switch cfg.Backend {
	case "memory":
		backend = cache.NewMemoryBackend()
	default:
		backend = cache.NewRedisBackend(client)
	}
	return cache.New(backend, cfg.TTL, cfg.Jitter)
}

func newLocker(cfg config.LockConfig, client redis.UniversalClient) *lock.Locker {
	var store lock.Store
	switch cfg.Backend {
	case "memory":
		// Exclusion only holds within this process
		slog.Warn("Using in-process lock, do not run more than one instance")
		store = lock.NewMemoryStore()
	default:
		store = lock.NewRedisStore(client)
	}
	return lock.New(store, lock.Options{
		TTL:           cfg.TTL,
		WaitTimeout:   cfg.WaitTimeout,
		RetryInterval: cfg.RetryInterval,
	})
}

func newBus(cfg *config.Config, logger *slog.Logger) (events.Bus, error) {
	switch cfg.Bus.Backend {
	case "amqp":
		return events.NewAMQPBus(events.AMQPOptions{
			URL:      cfg.Bus.URL,
			Exchange: cfg.Bus.Exchange,
			Queue:    cfg.Bus.Queue,
			Prefetch: cfg.Reconcile.Workers * 4,
			Logger:   logger,
		})
	default:
		return events.NewMemoryBus(cfg.Bus.Buffer), nil
	}
}
