package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const memoryCleanupInterval = time.Minute

// MemoryBackend is a process-local backend for single-instance deployments
// and tests
type MemoryBackend struct {
	cache *gocache.Cache
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		cache: gocache.New(gocache.NoExpiration, memoryCleanupInterval),
	}
}

func (b *MemoryBackend) Get(_ context.Context, key string) (string, error) {
	obj, found := b.cache.Get(key)
	if !found {
		return "", ErrMiss
	}
	return obj.(string), nil
}

func (b *MemoryBackend) SetWithTTL(_ context.Context, key, value string, ttl time.Duration) error {
	b.cache.Set(key, value, ttl)
	return nil
}

// Ping always succeeds
func (b *MemoryBackend) Ping(context.Context) error {
	return nil
}
