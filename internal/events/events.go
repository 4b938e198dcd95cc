// Package events carries pending-transaction notifications from the watcher
// to reconciliation workers. Delivery is at-least-once and unordered.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned when publishing to or consuming from a closed bus
var ErrClosed = errors.New("event bus closed")

var errMissingHash = errors.New("event without transaction hash")

// PendingTransactionEvent announces a transaction seen in the mempool. It
// carries no balances; those are re-derived once the transaction settles.
// Source identifies the emitting watcher and Sequence orders events from
// that watcher only.
type PendingTransactionEvent struct {
	TransactionHash string    `json:"transaction_hash"`
	Source          string    `json:"source"`
	Sequence        uint64    `json:"sequence"`
	ObservedAt      time.Time `json:"observed_at"`
}

// Delivery is one received event. Exactly one of Ack or Nack must be called.
type Delivery interface {
	Event() PendingTransactionEvent
	Ack() error
	// Nack rejects the event; with requeue it is delivered again later
	Nack(requeue bool) error
}

type Publisher interface {
	Publish(ctx context.Context, ev PendingTransactionEvent) error
}

type Consumer interface {
	// Consume streams deliveries until ctx is done or the bus closes
	Consume(ctx context.Context) (<-chan Delivery, error)
}

// Bus is both ends of the event pipe
type Bus interface {
	Publisher
	Consumer
	Close() error
}

func encode(ev PendingTransactionEvent) ([]byte, error) {
	if ev.TransactionHash == "" {
		return nil, errMissingHash
	}
	return json.Marshal(ev)
}

func decode(body []byte) (PendingTransactionEvent, error) {
	var ev PendingTransactionEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return ev, fmt.Errorf("decode event: %w", err)
	}
	if ev.TransactionHash == "" {
		return ev, fmt.Errorf("decode event: %w", errMissingHash)
	}
	return ev, nil
}
