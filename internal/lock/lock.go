// Package lock serializes balance refreshes per address across processes.
//
// A lease is bound to a TTL and is not extended: a holder whose critical
// section outlives the TTL loses exclusivity.
package lock

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// KeyPrefix namespaces lock entries in the backing store
const KeyPrefix = "address_lock:"

var (
	// ErrLockTimeout is returned when exclusivity could not be obtained in time
	ErrLockTimeout = errors.New("lock acquisition timed out")
	// ErrNotHeld is returned when releasing a lease that expired or was taken over
	ErrNotHeld = errors.New("lock not held")
	// ErrLeaseExpired is returned when a critical section outlived its lease.
	// It matches ErrLockTimeout so callers retry it the same way.
	ErrLeaseExpired = fmt.Errorf("%w: lease expired", ErrLockTimeout)
)

// Store is any backend with atomic set-if-not-exists with expiry and
// compare-and-delete
type Store interface {
	TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) (bool, error)
}

// Options tunes a Locker
type Options struct {
	TTL           time.Duration
	WaitTimeout   time.Duration
	RetryInterval time.Duration
}

// Locker hands out leases on addresses
type Locker struct {
	store Store
	opts  Options
}

// Lease is a held lock on one or more addresses
type Lease struct {
	keys       []string
	token      string
	acquiredAt time.Time
	ttl        time.Duration
}

// Token is the unique value written under every key of the lease
func (l *Lease) Token() string { return l.token }

// Keys returns the locked keys in acquisition order
func (l *Lease) Keys() []string { return slices.Clone(l.keys) }

// ExpiresAt is when the backend drops the lease on its own
func (l *Lease) ExpiresAt() time.Time { return l.acquiredAt.Add(l.ttl) }

// New creates a Locker on store. TTL defaults to 10s and RetryInterval to 50ms.
func New(store Store, opts Options) *Locker {
	if opts.TTL <= 0 {
		opts.TTL = 10 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 50 * time.Millisecond
	}
	return &Locker{store: store, opts: opts}
}

// Key returns the backend key for address
func Key(address string) string {
	return KeyPrefix + strings.ToLower(address)
}

// Acquire locks a single address
func (l *Locker) Acquire(ctx context.Context, address string) (*Lease, error) {
	return l.AcquireMany(ctx, address)
}

// AcquireMany locks every address or none. Keys are taken in sorted order
// so two callers locking overlapping sets cannot deadlock. It retries until
// WaitTimeout elapses (a zero WaitTimeout tries exactly once).
func (l *Locker) AcquireMany(ctx context.Context, addresses ...string) (*Lease, error) {
	if len(addresses) == 0 {
		return nil, errors.New("no addresses to lock")
	}

	keys := make([]string, 0, len(addresses))
	for _, a := range addresses {
		keys = append(keys, Key(a))
	}
	slices.Sort(keys)
	keys = slices.Compact(keys)

	lease := &Lease{keys: keys, token: uuid.NewString(), ttl: l.opts.TTL}
	deadline := time.Now().Add(l.opts.WaitTimeout)

	for {
		lease.acquiredAt = time.Now()
		ok, err := l.tryAll(ctx, lease)
		if err != nil {
			return nil, err
		}
		if ok {
			return lease, nil
		}

		if !time.Now().Add(l.opts.RetryInterval).Before(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, strings.Join(keys, ","))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.opts.RetryInterval):
		}
	}
}

// tryAll takes every key of lease, rolling back on the first contended key
func (l *Locker) tryAll(ctx context.Context, lease *Lease) (bool, error) {
	for i, key := range lease.keys {
		ok, err := l.store.TryAcquire(ctx, key, lease.token, lease.ttl)
		if err == nil && ok {
			continue
		}
		taken := lease.keys[:i]
		if err != nil {
			// The write may have landed before the reply was lost
			taken = lease.keys[:i+1]
		}
		rollbackErr := l.rollback(ctx, taken, lease.token)
		if err != nil {
			return false, errors.Join(fmt.Errorf("acquire %s: %w", key, err), rollbackErr)
		}
		if rollbackErr != nil {
			return false, rollbackErr
		}
		return false, nil
	}
	return true, nil
}

// rollback frees keys taken by a failed attempt. It outlives ctx so a
// cancellation mid-acquire does not strand keys until their TTL.
func (l *Locker) rollback(ctx context.Context, keys []string, token string) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	for _, key := range keys {
		if _, err := l.store.Release(ctx, key, token); err != nil {
			errs = append(errs, fmt.Errorf("roll back %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func (l *Locker) releaseKeys(ctx context.Context, keys []string, token string) error {
	var errs []error
	for _, key := range keys {
		ok, err := l.store.Release(ctx, key, token)
		if err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", key, err))
			continue
		}
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrNotHeld, key))
		}
	}
	return errors.Join(errs...)
}

// Release frees every key of lease still owned by it. Keys that expired or
// now belong to another holder are left alone and reported as ErrNotHeld.
func (l *Locker) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	return l.releaseKeys(ctx, lease.keys, lease.token)
}
