package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/matrixise/ethbalance/internal/lock"
)

// StaleSource lists tracked addresses not refreshed since before
type StaleSource interface {
	StaleAddresses(ctx context.Context, before time.Time, limit int) ([]string, error)
}

// Sweeper refreshes durable rows that no transaction touched recently
type Sweeper struct {
	stale      StaleSource
	applier    *Applier
	staleAfter time.Duration
	batchSize  int
	logger     *slog.Logger
	now        func() time.Time
}

// NewSweeper creates a Sweeper refreshing at most batchSize rows older
// than staleAfter per run
func NewSweeper(stale StaleSource, applier *Applier, staleAfter time.Duration, batchSize int, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if batchSize < 1 {
		batchSize = 100
	}
	return &Sweeper{
		stale:      stale,
		applier:    applier,
		staleAfter: staleAfter,
		batchSize:  batchSize,
		logger:     logger,
		now:        time.Now,
	}
}

// Run refreshes one batch of stale addresses, one at a time. Addresses
// locked by a concurrent reconciliation are skipped. It fails when the
// batch cannot be selected or when any refresh failed.
func (s *Sweeper) Run(ctx context.Context) error {
	before := s.now().Add(-s.staleAfter)
	addresses, err := s.stale.StaleAddresses(ctx, before, s.batchSize)
	if err != nil {
		return fmt.Errorf("select stale addresses: %w", err)
	}
	if len(addresses) == 0 {
		s.logger.Debug("No stale balances")
		return nil
	}

	s.logger.Info("Refreshing stale balances", "count", len(addresses), "stale_before", before)
	var refreshed, skipped, failed int
	for _, addr := range addresses {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		_, err := s.applier.Refresh(ctx, addr)
		switch {
		case err == nil:
			refreshed++
		case errors.Is(err, lock.ErrLockTimeout):
			skipped++
		default:
			failed++
			s.logger.Warn("Stale balance refresh failed", "address", addr, "error", err)
		}
	}

	s.logger.Info("Stale sweep completed", "refreshed", refreshed, "skipped", skipped, "failed", failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d stale balances failed to refresh", failed, len(addresses))
	}
	return nil
}
