// Package reconcile re-derives balances from the ledger after a transaction
// settles and writes them to the durable store and the cache.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/matrixise/ethbalance/internal/balance"
	"github.com/matrixise/ethbalance/internal/lock"
	"github.com/matrixise/ethbalance/internal/metrics"
	"github.com/matrixise/ethbalance/internal/storage"
)

// Ledger returns the authoritative balance of an address
type Ledger interface {
	GetBalance(ctx context.Context, address string) (string, error)
}

// Store is the durable tier. UpsertMany writes all rows or none.
type Store interface {
	FindByAddress(ctx context.Context, address string) (*storage.AddressBalance, error)
	UpsertMany(ctx context.Context, rows []storage.AddressBalance) error
}

// Cache is the ephemeral tier
type Cache interface {
	Set(ctx context.Context, address, balance string) error
}

// Locker grants exclusive leases on a set of addresses
type Locker interface {
	AcquireMany(ctx context.Context, addresses ...string) (*lock.Lease, error)
	Release(ctx context.Context, lease *lock.Lease) error
}

// Applier is the only write path for balances: every write happens under
// the address locks, goes to the store in one transaction, then to the cache
type Applier struct {
	ledger  Ledger
	store   Store
	cache   Cache
	locker  Locker
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewApplier creates an Applier writing ledger balances to store and cache
// under locker's leases
func NewApplier(ledger Ledger, store Store, c Cache, locker Locker, logger *slog.Logger, m *metrics.Metrics) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{ledger: ledger, store: store, cache: c, locker: locker, logger: logger, metrics: m}
}

// Refresh fetches the current balance of every address from the ledger and
// writes them. Nothing is written if any fetch fails. A store failure is
// returned as balance.ErrStoreFailure after the cache writes ran.
func (a *Applier) Refresh(ctx context.Context, addresses ...string) ([]storage.AddressBalance, error) {
	addrs, err := normalizeAll(addresses)
	if err != nil {
		return nil, err
	}

	var rows []storage.AddressBalance
	err = a.withLock(ctx, addrs, func(ctx context.Context) error {
		rows = make([]storage.AddressBalance, len(addrs))
		g, gctx := errgroup.WithContext(ctx)
		for i, addr := range addrs {
			g.Go(func() error {
				bal, err := a.ledger.GetBalance(gctx, addr)
				if err != nil {
					return fmt.Errorf("%w: %s: %w", balance.ErrUpstreamUnavailable, addr, err)
				}
				rows[i] = storage.AddressBalance{Address: addr, Balance: bal}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		return a.write(ctx, rows)
	})
	if err != nil && !errors.Is(err, balance.ErrStoreFailure) {
		return nil, err
	}
	return rows, err
}

// Apply writes externally asserted balances through the same lock, store
// and cache discipline as Refresh
func (a *Applier) Apply(ctx context.Context, rows ...storage.AddressBalance) error {
	if len(rows) == 0 {
		return nil
	}

	byAddr := make(map[string]int, len(rows))
	normalized := make([]storage.AddressBalance, 0, len(rows))
	for _, row := range rows {
		addr, err := balance.NormalizeAddress(row.Address)
		if err != nil {
			return err
		}
		row.Address = addr
		// Last assertion for an address wins
		if i, ok := byAddr[addr]; ok {
			normalized[i] = row
			continue
		}
		byAddr[addr] = len(normalized)
		normalized = append(normalized, row)
	}

	addrs := make([]string, len(normalized))
	for i, row := range normalized {
		addrs[i] = row.Address
	}
	return a.withLock(ctx, addrs, func(ctx context.Context) error {
		return a.write(ctx, normalized)
	})
}

// Tracked reports whether the store already holds a row for address
func (a *Applier) Tracked(ctx context.Context, address string) (bool, error) {
	_, err := a.store.FindByAddress(ctx, address)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("%w: %w", balance.ErrStoreFailure, err)
	}
}

func (a *Applier) withLock(ctx context.Context, addrs []string, fn func(ctx context.Context) error) error {
	lease, err := a.locker.AcquireMany(ctx, addrs...)
	if err != nil {
		return err
	}
	defer func() {
		// Release must run even if ctx was canceled inside the critical section
		if err := a.locker.Release(context.WithoutCancel(ctx), lease); err != nil {
			a.logger.Warn("Lock release failed, lease may have expired during write", "keys", lease.Keys(), "error", err)
		}
	}()

	// Exclusivity ends with the lease
	leaseCtx, cancel := context.WithDeadline(ctx, lease.ExpiresAt())
	defer cancel()
	err = fn(leaseCtx)
	if err != nil && ctx.Err() == nil && errors.Is(leaseCtx.Err(), context.DeadlineExceeded) {
		a.logger.Warn("Lease expired before the write completed", "keys", lease.Keys(), "error", err)
		return fmt.Errorf("%w: %s", lock.ErrLeaseExpired, strings.Join(lease.Keys(), ","))
	}
	return err
}

// write stores rows atomically, then caches each one. The two tiers fail
// independently.
func (a *Applier) write(ctx context.Context, rows []storage.AddressBalance) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var storeErr error
	if err := a.store.UpsertMany(ctx, rows); err != nil {
		storeErr = fmt.Errorf("%w: %w", balance.ErrStoreFailure, err)
		a.metrics.SideWriteFailure(balance.OpStoreUpsert)
		a.logger.Error("Durable write failed", "addresses", addressesOf(rows), "error", err)
	}

	for _, row := range rows {
		if err := a.cache.Set(ctx, row.Address, row.Balance); err != nil {
			a.metrics.SideWriteFailure(balance.OpCacheSet)
			a.logger.Error("Cache write failed", "address", row.Address, "error", err)
		}
	}
	return storeErr
}

func normalizeAll(addresses []string) ([]string, error) {
	if len(addresses) == 0 {
		return nil, errors.New("no addresses to refresh")
	}
	seen := make(map[string]struct{}, len(addresses))
	out := make([]string, 0, len(addresses))
	for _, a := range addresses {
		addr, err := balance.NormalizeAddress(a)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out, nil
}

func addressesOf(rows []storage.AddressBalance) []string {
	out := make([]string, len(rows))
	for i, row := range rows {
		out[i] = row.Address
	}
	return out
}
