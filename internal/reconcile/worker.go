package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/matrixise/ethbalance/internal/balance"
	"github.com/matrixise/ethbalance/internal/blockchain"
	"github.com/matrixise/ethbalance/internal/events"
	"github.com/matrixise/ethbalance/internal/lock"
	"github.com/matrixise/ethbalance/internal/metrics"
	"github.com/matrixise/ethbalance/internal/storage"
)

// Outcome is the terminal state of one pending transaction
type Outcome string

const (
	OutcomeSettled     Outcome = "settled"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeLockTimeout Outcome = "lock_timeout"
	OutcomeFailed      Outcome = "failed"
	OutcomeCanceled    Outcome = "canceled"
)

var errPending = errors.New("transaction pending")

// ReceiptSource returns nil while a transaction is pending
type ReceiptSource interface {
	GetTransactionReceipt(ctx context.Context, hash string) (*blockchain.Receipt, error)
}

// WorkerConfig bounds polling and sets concurrency
type WorkerConfig struct {
	PollInterval           time.Duration
	MaxAttempts            int
	MaxDuration            time.Duration
	Workers                int
	LockRetries            int
	TrackUnknownRecipients bool
}

// Worker turns pending-transaction events into balance refreshes
type Worker struct {
	receipts ReceiptSource
	applier  *Applier
	cfg      WorkerConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewWorker creates a Worker polling receipts and refreshing balances
// through applier. Zero bounds in cfg fall back to one worker, one attempt
// and a one second poll interval.
func NewWorker(receipts ReceiptSource, applier *Applier, cfg WorkerConfig, logger *slog.Logger, m *metrics.Metrics) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.LockRetries < 0 {
		cfg.LockRetries = 0
	}
	return &Worker{receipts: receipts, applier: applier, cfg: cfg, logger: logger, metrics: m}
}

// Run consumes deliveries with cfg.Workers goroutines until ctx is done.
// Each delivery is acked once its outcome is final; lock timeouts and
// cancellations are requeued. A delivery stream that ends while ctx is
// still live is reported as events.ErrClosed.
func (w *Worker) Run(ctx context.Context, consumer events.Consumer) error {
	deliveries, err := consumer.Consume(ctx)
	if err != nil {
		return err
	}

	w.logger.Info("Reconciliation workers started", "workers", w.cfg.Workers)
	var wg sync.WaitGroup
	for range w.cfg.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				w.handle(ctx, d)
			}
		}()
	}
	wg.Wait()
	if ctx.Err() == nil {
		w.logger.Error("Delivery stream ended, reconciliation stopped")
		return fmt.Errorf("consume pending transactions: %w", events.ErrClosed)
	}
	w.logger.Info("Reconciliation workers stopped")
	return nil
}

func (w *Worker) handle(ctx context.Context, d events.Delivery) {
	ev := d.Event()
	outcome := w.Process(ctx, ev)
	w.metrics.Reconcile(string(outcome))

	var err error
	switch outcome {
	case OutcomeLockTimeout, OutcomeCanceled:
		err = d.Nack(true)
	default:
		err = d.Ack()
	}
	if err != nil {
		w.logger.Error("Failed to settle delivery", "tx_hash", ev.TransactionHash, "outcome", outcome, "error", err)
	}
}

// Process polls for the receipt of ev's transaction, bounded by MaxAttempts
// and MaxDuration, then refreshes both parties under lock
func (w *Worker) Process(ctx context.Context, ev events.PendingTransactionEvent) Outcome {
	logger := w.logger.With("tx_hash", ev.TransactionHash, "source", ev.Source, "sequence", ev.Sequence)

	receipt, outcome := w.poll(ctx, ev.TransactionHash, logger)
	if receipt == nil {
		if outcome == OutcomeTimeout {
			logger.Info("Transaction did not settle in time", "max_attempts", w.cfg.MaxAttempts, "max_duration", w.cfg.MaxDuration)
		}
		return outcome
	}

	addresses, err := w.parties(ctx, receipt)
	if err != nil {
		logger.Error("Failed to check recipient", "to", receipt.To, "error", err)
		return OutcomeFailed
	}

	var rows []storage.AddressBalance
	backoff := retry.WithMaxRetries(uint64(w.cfg.LockRetries), retry.NewConstant(w.cfg.PollInterval))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		rows, err = w.applier.Refresh(ctx, addresses...)
		if errors.Is(err, lock.ErrLockTimeout) {
			return retry.RetryableError(err)
		}
		return err
	})

	switch {
	case err == nil:
		logger.Info("Transaction reconciled", "addresses", addressesOf(rows), "block", receipt.BlockNumber)
		return OutcomeSettled
	case errors.Is(err, balance.ErrStoreFailure):
		// Cache holds the fresh values; the next read-through heals the store
		logger.Warn("Transaction reconciled without durable write", "addresses", addressesOf(rows), "error", err)
		return OutcomeSettled
	case ctx.Err() != nil:
		return OutcomeCanceled
	case errors.Is(err, lock.ErrLockTimeout):
		logger.Warn("Could not lock addresses, requeueing", "addresses", addresses, "attempts", w.cfg.LockRetries+1, "error", err)
		return OutcomeLockTimeout
	default:
		logger.Error("Reconciliation failed", "addresses", addresses, "error", err)
		return OutcomeFailed
	}
}

// poll returns the receipt, or nil with the reason polling stopped
func (w *Worker) poll(ctx context.Context, hash string, logger *slog.Logger) (*blockchain.Receipt, Outcome) {
	pollCtx := ctx
	if w.cfg.MaxDuration > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, w.cfg.MaxDuration)
		defer cancel()
	}

	attempt := 0
	backoff := retry.WithMaxRetries(uint64(w.cfg.MaxAttempts-1), retry.NewConstant(w.cfg.PollInterval))
	receipt, err := retry.DoValue(pollCtx, backoff, func(ctx context.Context) (*blockchain.Receipt, error) {
		attempt++
		receipt, err := w.receipts.GetTransactionReceipt(ctx, hash)
		switch {
		case receipt != nil:
			return receipt, nil
		case errors.Is(err, blockchain.ErrInvalidHash):
			return nil, err
		case err != nil:
			if ctx.Err() == nil {
				logger.Debug("Receipt query failed, will retry", "attempt", attempt, "error", err)
			}
			return nil, retry.RetryableError(err)
		}
		return nil, retry.RetryableError(errPending)
	})

	switch {
	case err == nil:
		return receipt, OutcomeSettled
	case errors.Is(err, blockchain.ErrInvalidHash):
		logger.Error("Dropping event with malformed hash", "error", err)
		return nil, OutcomeFailed
	case ctx.Err() != nil:
		return nil, OutcomeCanceled
	}
	return nil, OutcomeTimeout
}

// parties returns the addresses to refresh for a settled transaction
func (w *Worker) parties(ctx context.Context, receipt *blockchain.Receipt) ([]string, error) {
	addresses := []string{receipt.From}
	if receipt.To == "" || receipt.To == receipt.From {
		return addresses, nil
	}
	if w.cfg.TrackUnknownRecipients {
		return append(addresses, receipt.To), nil
	}

	tracked, err := w.applier.Tracked(ctx, receipt.To)
	if err != nil {
		return nil, err
	}
	if tracked {
		addresses = append(addresses, receipt.To)
	}
	return addresses, nil
}
