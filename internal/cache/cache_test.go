package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisBackend(t *testing.T) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisBackend(client), mr
}

func TestJitteredTTL(t *testing.T) {
	tests := []struct {
		name   string
		base   time.Duration
		jitter time.Duration
	}{
		{name: "default window", base: 30 * time.Second, jitter: 10 * time.Second},
		{name: "negative jitter is symmetric", base: 30 * time.Second, jitter: -10 * time.Second},
		{name: "narrow window", base: time.Second, jitter: 5 * time.Millisecond},
		{name: "wide window", base: time.Hour, jitter: 59 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := tt.jitter
			if j < 0 {
				j = -j
			}
			low, high := tt.base-j, tt.base+j
			for range 1000 {
				ttl := JitteredTTL(tt.base, tt.jitter)
				assert.GreaterOrEqual(t, ttl, low)
				assert.LessOrEqual(t, ttl, high)
			}
		})
	}

	t.Run("zero jitter returns base", func(t *testing.T) {
		assert.Equal(t, 30*time.Second, JitteredTTL(30*time.Second, 0))
	})

	t.Run("draws are spread out", func(t *testing.T) {
		seen := make(map[time.Duration]struct{})
		for range 200 {
			seen[JitteredTTL(30*time.Second, 10*time.Second)] = struct{}{}
		}
		assert.Greater(t, len(seen), 1)
	})
}

func TestKey(t *testing.T) {
	assert.Equal(t, "eth_balance:0xabcdef", Key("0xABCDEF"))
}

func TestCacheRedis(t *testing.T) {
	backend, mr := newRedisBackend(t)
	c := New(backend, 30*time.Second, 10*time.Second)
	ctx := context.Background()

	t.Run("miss on empty cache", func(t *testing.T) {
		_, err := c.Get(ctx, "0xA")
		assert.ErrorIs(t, err, ErrMiss)
	})

	t.Run("set then get", func(t *testing.T) {
		require.NoError(t, c.Set(ctx, "0xA", "1000"))

		got, err := c.Get(ctx, "0xa")
		require.NoError(t, err)
		assert.Equal(t, "1000", got)

		stored, err := mr.Get("eth_balance:0xa")
		require.NoError(t, err)
		assert.Equal(t, "1000", stored)
	})

	t.Run("ttl stays within jitter window", func(t *testing.T) {
		for range 50 {
			require.NoError(t, c.Set(ctx, "0xB", "1"))
			ttl := mr.TTL("eth_balance:0xb")
			assert.GreaterOrEqual(t, ttl, 20*time.Second)
			assert.LessOrEqual(t, ttl, 40*time.Second)
		}
	})

	t.Run("entry expires", func(t *testing.T) {
		require.NoError(t, c.SetWithTTL(ctx, "0xC", "5", 2*time.Second))
		mr.FastForward(3 * time.Second)

		_, err := c.Get(ctx, "0xC")
		assert.ErrorIs(t, err, ErrMiss)
	})

	t.Run("non-positive ttl is rejected", func(t *testing.T) {
		assert.Error(t, c.SetWithTTL(ctx, "0xD", "5", 0))
	})

	t.Run("backend failure is not a miss", func(t *testing.T) {
		mr.SetError("ERR backend unavailable")
		defer mr.SetError("")

		_, err := c.Get(ctx, "0xA")
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrMiss))
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, backend.Ping(ctx))
	})
}

func TestCacheMemory(t *testing.T) {
	c := New(NewMemoryBackend(), 30*time.Second, 10*time.Second)
	ctx := context.Background()

	_, err := c.Get(ctx, "0xA")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, c.Set(ctx, "0xA", "900"))
	got, err := c.Get(ctx, "0xA")
	require.NoError(t, err)
	assert.Equal(t, "900", got)

	require.NoError(t, c.SetWithTTL(ctx, "0xB", "1", 20*time.Millisecond))
	assert.Eventually(t, func() bool {
		_, err := c.Get(ctx, "0xB")
		return errors.Is(err, ErrMiss)
	}, time.Second, 10*time.Millisecond)
}
