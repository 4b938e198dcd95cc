package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client), mr
}

func stores(t *testing.T) map[string]Store {
	redisStore, _ := newRedisStore(t)
	return map[string]Store{
		"redis":  redisStore,
		"memory": NewMemoryStore(),
	}
}

func TestLockerAcquireRelease(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			locker := New(store, Options{TTL: 10 * time.Second, RetryInterval: 5 * time.Millisecond})

			lease, err := locker.Acquire(ctx, "0xABC")
			require.NoError(t, err)
			assert.Equal(t, []string{"address_lock:0xabc"}, lease.Keys())
			assert.NotEmpty(t, lease.Token())

			// Held: a second attempt with no wait fails immediately
			_, err = locker.Acquire(ctx, "0xabc")
			assert.ErrorIs(t, err, ErrLockTimeout)

			require.NoError(t, locker.Release(ctx, lease))

			again, err := locker.Acquire(ctx, "0xabc")
			require.NoError(t, err)
			require.NoError(t, locker.Release(ctx, again))
		})
	}
}

func TestLockerAcquireManyIsAllOrNothing(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			locker := New(store, Options{TTL: 10 * time.Second, RetryInterval: 5 * time.Millisecond})

			held, err := locker.Acquire(ctx, "0xb")
			require.NoError(t, err)

			_, err = locker.AcquireMany(ctx, "0xa", "0xb")
			assert.ErrorIs(t, err, ErrLockTimeout)

			// 0xa was rolled back
			a, err := locker.Acquire(ctx, "0xa")
			require.NoError(t, err)
			require.NoError(t, locker.Release(ctx, a))
			require.NoError(t, locker.Release(ctx, held))
		})
	}
}

func TestLockerAcquireManyDeduplicates(t *testing.T) {
	locker := New(NewMemoryStore(), Options{TTL: time.Second})

	lease, err := locker.AcquireMany(context.Background(), "0xB", "0xa", "0xb")
	require.NoError(t, err)
	assert.Equal(t, []string{"address_lock:0xa", "address_lock:0xb"}, lease.Keys())
}

func TestLockerWaitsForRelease(t *testing.T) {
	ctx := context.Background()
	locker := New(NewMemoryStore(), Options{TTL: 10 * time.Second, WaitTimeout: 2 * time.Second, RetryInterval: 5 * time.Millisecond})

	lease, err := locker.Acquire(ctx, "0xa")
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		locker.Release(ctx, lease)
	}()

	second, err := locker.Acquire(ctx, "0xa")
	require.NoError(t, err)
	assert.NotEqual(t, lease.Token(), second.Token())
}

func TestLockerContextCanceled(t *testing.T) {
	locker := New(NewMemoryStore(), Options{TTL: 10 * time.Second, WaitTimeout: time.Minute, RetryInterval: 5 * time.Millisecond})

	_, err := locker.Acquire(context.Background(), "0xa")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(ctx, "0xa")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// hookStore runs before on every TryAcquire call and can fail a call after
// the inner store applied it
type hookStore struct {
	Store
	calls     int
	before    func(call int)
	failAfter func(call int) error
}

func (s *hookStore) TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	s.calls++
	if s.before != nil {
		s.before(s.calls)
	}
	ok, err := s.Store.TryAcquire(ctx, key, token, ttl)
	if err == nil && s.failAfter != nil {
		if ferr := s.failAfter(s.calls); ferr != nil {
			return false, ferr
		}
	}
	return ok, err
}

func TestLockerAcquireManyRollback(t *testing.T) {
	tests := []struct {
		name  string
		setup func(store *hookStore, cancel context.CancelFunc)
	}{
		{
			name: "context canceled between keys",
			setup: func(store *hookStore, cancel context.CancelFunc) {
				store.before = func(call int) {
					if call == 2 {
						cancel()
					}
				}
			},
		},
		{
			name: "reply lost after the write applied",
			setup: func(store *hookStore, _ context.CancelFunc) {
				store.failAfter = func(call int) error {
					if call == 2 {
						return errors.New("connection reset")
					}
					return nil
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			redisStore, mr := newRedisStore(t)
			store := &hookStore{Store: redisStore}
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			tt.setup(store, cancel)

			locker := New(store, Options{TTL: 10 * time.Second, RetryInterval: time.Millisecond})
			_, err := locker.AcquireMany(ctx, "0xaa", "0xbb")
			require.Error(t, err)

			assert.Empty(t, mr.Keys(), "no lock key may outlive a failed acquisition")
		})
	}
}

func TestLockerReleaseExpiredLease(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()
	locker := New(store, Options{TTL: time.Second})

	lease, err := locker.Acquire(ctx, "0xa")
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	// Another holder takes over after expiry
	other, err := locker.Acquire(ctx, "0xa")
	require.NoError(t, err)

	err = locker.Release(ctx, lease)
	assert.ErrorIs(t, err, ErrNotHeld)

	// The new holder's key is untouched
	value, err := mr.Get("address_lock:0xa")
	require.NoError(t, err)
	assert.Equal(t, other.Token(), value)
}

func TestLockerMutualExclusion(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			locker := New(store, Options{TTL: 10 * time.Second, WaitTimeout: 10 * time.Second, RetryInterval: time.Millisecond})

			var (
				inside  atomic.Int32
				maxSeen atomic.Int32
				wg      sync.WaitGroup
			)
			for i := range 16 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					// Alternate key order to exercise sorted acquisition
					addrs := []string{"0xa", "0xb"}
					if i%2 == 1 {
						addrs = []string{"0xb", "0xa"}
					}
					lease, err := locker.AcquireMany(ctx, addrs...)
					if !assert.NoError(t, err) {
						return
					}
					n := inside.Add(1)
					for {
						cur := maxSeen.Load()
						if n <= cur || maxSeen.CompareAndSwap(cur, n) {
							break
						}
					}
					time.Sleep(2 * time.Millisecond)
					inside.Add(-1)
					assert.NoError(t, locker.Release(ctx, lease))
				}()
			}
			wg.Wait()

			assert.Equal(t, int32(1), maxSeen.Load())
		})
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	store.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := store.TryAcquire(ctx, "k", "t1", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = store.TryAcquire(ctx, "k", "t2", time.Second)
	assert.False(t, ok)

	now = now.Add(2 * time.Second)
	ok, _ = store.TryAcquire(ctx, "k", "t2", time.Second)
	assert.True(t, ok)

	released, _ := store.Release(ctx, "k", "t1")
	assert.False(t, released)
	released, _ = store.Release(ctx, "k", "t2")
	assert.True(t, released)
}
