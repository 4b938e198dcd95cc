// Package cache holds short-lived address balances in front of the ledger
// and the durable store. A miss is never authoritative.
package cache

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
)

// KeyPrefix namespaces balance entries in the backing store
const KeyPrefix = "eth_balance:"

// ErrMiss is returned when no live entry exists for a key
var ErrMiss = errors.New("cache miss")

// Backend is a key/value store with per-entry expiry
type Backend interface {
	Get(ctx context.Context, key string) (string, error)
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
}

// Cache stores balances keyed by address with a jittered TTL
type Cache struct {
	backend Backend
	ttl     time.Duration
	jitter  time.Duration
}

// New returns a Cache whose entries live ttl ± jitter
func New(backend Backend, ttl, jitter time.Duration) *Cache {
	if jitter < 0 {
		jitter = -jitter
	}
	return &Cache{backend: backend, ttl: ttl, jitter: jitter}
}

// Key returns the backend key for address
func Key(address string) string {
	return KeyPrefix + strings.ToLower(address)
}

// Get returns the cached balance for address or ErrMiss
func (c *Cache) Get(ctx context.Context, address string) (string, error) {
	value, err := c.backend.Get(ctx, Key(address))
	if err != nil {
		if errors.Is(err, ErrMiss) {
			return "", ErrMiss
		}
		return "", fmt.Errorf("cache get %s: %w", address, err)
	}
	return value, nil
}

// Set stores balance for address with a freshly drawn jittered TTL
func (c *Cache) Set(ctx context.Context, address, balance string) error {
	return c.SetWithTTL(ctx, address, balance, JitteredTTL(c.ttl, c.jitter))
}

// SetWithTTL stores balance for address with an explicit TTL
func (c *Cache) SetWithTTL(ctx context.Context, address, balance string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("cache set %s: non-positive ttl %s", address, ttl)
	}
	if err := c.backend.SetWithTTL(ctx, Key(address), balance, ttl); err != nil {
		return fmt.Errorf("cache set %s: %w", address, err)
	}
	return nil
}

// JitteredTTL returns a duration drawn uniformly from [base-jitter, base+jitter],
// at millisecond granularity. Results never drop below one millisecond.
func JitteredTTL(base, jitter time.Duration) time.Duration {
	if jitter < 0 {
		jitter = -jitter
	}
	if jitter == 0 {
		return base
	}
	span := int64(2 * jitter / time.Millisecond)
	offset := time.Duration(rand.Int64N(span+1))*time.Millisecond - jitter
	ttl := base + offset
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	return ttl
}
