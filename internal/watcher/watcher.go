// Package watcher keeps a pending-transaction subscription open and publishes
// every observed hash on the event bus.
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/matrixise/ethbalance/internal/events"
	"github.com/matrixise/ethbalance/internal/metrics"
)

const (
	defaultMinBackoff = time.Second
	defaultMaxBackoff = 30 * time.Second
	hashBuffer        = 256
)

var errSubscriptionClosed = errors.New("subscription closed")

// Source opens a subscription that streams pending transaction hashes into ch
type Source interface {
	SubscribePending(ctx context.Context, ch chan<- string) (ethereum.Subscription, error)
}

// Watcher turns a pending-transaction feed into PendingTransactionEvents
type Watcher struct {
	source    Source
	publisher events.Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics

	id         string
	sequence   atomic.Uint64
	connected  atomic.Bool
	lastEvent  atomic.Int64
	minBackoff time.Duration
	maxBackoff time.Duration
}

// New creates a Watcher publishing source's hashes to publisher under a
// fresh source id
func New(source Source, publisher events.Publisher, logger *slog.Logger, m *metrics.Metrics) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &Watcher{
		source:     source,
		publisher:  publisher,
		logger:     logger.With("watcher", id),
		metrics:    m,
		id:         id,
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
	}
}

// ID is the source stamped on every event of this instance
func (w *Watcher) ID() string { return w.id }

// Connected reports whether a subscription is currently open
func (w *Watcher) Connected() bool { return w.connected.Load() }

// LastEvent is when the last hash was published, zero if none yet
func (w *Watcher) LastEvent() time.Time {
	ns := w.lastEvent.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Run subscribes and resubscribes until ctx is done. Transport errors are
// logged and retried with capped exponential backoff. It returns an error
// only when the bus is closed.
func (w *Watcher) Run(ctx context.Context) error {
	backoff := w.backoff()
	for {
		established, err := w.session(ctx)
		if ctx.Err() != nil {
			w.logger.Info("Watcher stopped", "published", w.sequence.Load())
			return nil
		}
		if errors.Is(err, events.ErrClosed) {
			return err
		}
		if established {
			backoff = w.backoff()
		}

		delay, _ := backoff.Next()
		w.logger.Warn("Pending transaction subscription lost, resubscribing", "error", err, "backoff", delay)
		w.metrics.Resubscribe()
		if !sleep(ctx, delay) {
			return nil
		}
	}
}

// backoff doubles from minBackoff up to maxBackoff
func (w *Watcher) backoff() retry.Backoff {
	return retry.WithCappedDuration(w.maxBackoff, retry.NewExponential(w.minBackoff))
}

// session runs one subscription until it fails. established is true when
// the subscription was opened.
func (w *Watcher) session(ctx context.Context) (established bool, err error) {
	hashes := make(chan string, hashBuffer)
	sub, err := w.source.SubscribePending(ctx, hashes)
	if err != nil {
		return false, err
	}
	defer sub.Unsubscribe()

	w.connected.Store(true)
	defer w.connected.Store(false)
	w.logger.Info("Subscribed to pending transactions")

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case err, ok := <-sub.Err():
			if !ok || err == nil {
				return true, errSubscriptionClosed
			}
			return true, err
		case hash := <-hashes:
			if err := w.publish(ctx, hash); err != nil {
				return true, err
			}
		}
	}
}

func (w *Watcher) publish(ctx context.Context, hash string) error {
	ev := events.PendingTransactionEvent{
		TransactionHash: hash,
		Source:          w.id,
		Sequence:        w.sequence.Add(1),
		ObservedAt:      time.Now().UTC(),
	}
	if err := w.publisher.Publish(ctx, ev); err != nil {
		if errors.Is(err, events.ErrClosed) || ctx.Err() != nil {
			return err
		}
		// A lost hash is recovered by the stale sweep
		w.logger.Error("Failed to publish pending transaction", "tx_hash", hash, "error", err)
		return nil
	}
	w.lastEvent.Store(ev.ObservedAt.UnixNano())
	w.metrics.WatcherEvent()
	w.logger.Debug("Pending transaction published", "tx_hash", hash, "sequence", ev.Sequence)
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
