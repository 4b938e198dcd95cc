package balance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/matrixise/ethbalance/internal/cache"
	"github.com/matrixise/ethbalance/internal/metrics"
	"github.com/matrixise/ethbalance/internal/storage"
)

const (
	defaultSideWriteTimeout = 5 * time.Second
	sideWriteBuffer         = 64
)

// Side-write operation names, used in logs and metrics
const (
	OpCacheSet    = "cache_set"
	OpStoreUpsert = "store_upsert"
)

// Result is a resolved balance and the tier that produced it
type Result struct {
	Address string
	Balance string
	Source  string
}

// sideWriteError is a failed background write
type sideWriteError struct {
	op      string
	address string
	err     error
}

// Resolver implements the cache-aside read path. Writes triggered by a read
// run in the background and never fail the read.
type Resolver struct {
	ledger  Ledger
	store   Store
	cache   Cache
	logger  *slog.Logger
	metrics *metrics.Metrics

	sideWriteTimeout time.Duration
	pending          sync.WaitGroup
	reported         sync.WaitGroup
	errc             chan sideWriteError
	stop             chan struct{}
	drained          chan struct{}
	closeOnce        sync.Once
}

// NewResolver wires the three tiers. logger and m may be nil.
func NewResolver(ledger Ledger, store Store, c Cache, logger *slog.Logger, m *metrics.Metrics) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		ledger:           ledger,
		store:            store,
		cache:            c,
		logger:           logger,
		metrics:          m,
		sideWriteTimeout: defaultSideWriteTimeout,
		errc:             make(chan sideWriteError, sideWriteBuffer),
		stop:             make(chan struct{}),
		drained:          make(chan struct{}),
	}
	go r.drain()
	return r
}

// Resolve returns the balance of address from the first tier that has it:
// cache, then ledger, then durable store. ErrNotFound is returned only when
// the ledger failed and the store has no row.
func (r *Resolver) Resolve(ctx context.Context, address string) (Result, error) {
	addr, err := NormalizeAddress(address)
	if err != nil {
		return Result{}, err
	}

	cached, err := r.cache.Get(ctx, addr)
	switch {
	case err == nil:
		r.metrics.Resolve(metrics.SourceCache)
		return Result{Address: addr, Balance: cached, Source: metrics.SourceCache}, nil
	case !errors.Is(err, cache.ErrMiss):
		// A broken cache only costs latency
		r.logger.Warn("Cache read failed, treating as miss", "address", addr, "error", err)
	}

	fetched, ledgerErr := r.ledger.GetBalance(ctx, addr)
	if ledgerErr == nil {
		r.background(ctx, OpStoreUpsert, addr, func(ctx context.Context) error {
			return r.store.Upsert(ctx, storage.AddressBalance{Address: addr, Balance: fetched})
		})
		r.background(ctx, OpCacheSet, addr, func(ctx context.Context) error {
			return r.cache.Set(ctx, addr, fetched)
		})
		r.metrics.Resolve(metrics.SourceLedger)
		return Result{Address: addr, Balance: fetched, Source: metrics.SourceLedger}, nil
	}
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	r.logger.Warn("Ledger balance query failed, falling back to store",
		"address", addr, "error", fmt.Errorf("%w: %w", ErrUpstreamUnavailable, ledgerErr))

	row, err := r.store.FindByAddress(ctx, addr)
	if errors.Is(err, storage.ErrNotFound) {
		r.metrics.Resolve(metrics.SourceNotFound)
		return Result{}, fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	if err != nil {
		return Result{}, fmt.Errorf("%w: ledger: %w, store: %w", ErrUpstreamUnavailable, ledgerErr, errors.Join(ErrStoreFailure, err))
	}

	stored := row.Balance
	r.background(ctx, OpCacheSet, addr, func(ctx context.Context) error {
		return r.cache.Set(ctx, addr, stored)
	})
	r.metrics.Resolve(metrics.SourceStore)
	return Result{Address: addr, Balance: stored, Source: metrics.SourceStore}, nil
}

// background runs fn detached from the caller's cancellation. Failures go
// to the error channel and end up in the log.
func (r *Resolver) background(parent context.Context, op, address string, fn func(ctx context.Context) error) {
	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), r.sideWriteTimeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			r.report(sideWriteError{op: op, address: address, err: err})
		}
	}()
}

func (r *Resolver) report(e sideWriteError) {
	r.reported.Add(1)
	select {
	case r.errc <- e:
	case <-r.stop:
		r.logSideWriteError(e)
	}
}

func (r *Resolver) drain() {
	defer close(r.drained)
	for {
		select {
		case e := <-r.errc:
			r.logSideWriteError(e)
		case <-r.stop:
			for {
				select {
				case e := <-r.errc:
					r.logSideWriteError(e)
				default:
					return
				}
			}
		}
	}
}

func (r *Resolver) logSideWriteError(e sideWriteError) {
	defer r.reported.Done()
	r.metrics.SideWriteFailure(e.op)
	r.logger.Error("Background write failed", "op", e.op, "address", e.address, "error", e.err)
}

// Wait blocks until every background write started so far has finished and
// its failure, if any, has been handed to the logger
func (r *Resolver) Wait() {
	r.pending.Wait()
	r.reported.Wait()
}

// Close waits for background writes and stops the error drain
func (r *Resolver) Close() {
	r.closeOnce.Do(func() {
		r.pending.Wait()
		close(r.stop)
		<-r.drained
	})
}
