package events

import (
	"context"
	"sync"
)

// MemoryBus is an in-process bus backed by a buffered channel
type MemoryBus struct {
	events chan PendingTransactionEvent
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewMemoryBus creates a bus holding up to buffer undelivered events
func NewMemoryBus(buffer int) *MemoryBus {
	if buffer < 0 {
		buffer = 0
	}
	return &MemoryBus{
		events: make(chan PendingTransactionEvent, buffer),
		done:   make(chan struct{}),
	}
}

// Publish blocks while the buffer is full
func (b *MemoryBus) Publish(ctx context.Context, ev PendingTransactionEvent) error {
	if ev.TransactionHash == "" {
		return errMissingHash
	}
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	select {
	case b.events <- ev:
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume hands out deliveries; multiple consumers share the stream
func (b *MemoryBus) Consume(ctx context.Context) (<-chan Delivery, error) {
	select {
	case <-b.done:
		return nil, ErrClosed
	default:
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case ev := <-b.events:
				select {
				case out <- &memoryDelivery{bus: b, ev: ev}:
				case <-ctx.Done():
					b.requeue(ev)
					return
				case <-b.done:
					return
				}
			case <-ctx.Done():
				return
			case <-b.done:
				return
			}
		}
	}()
	return out, nil
}

// requeue puts ev back without blocking the caller
func (b *MemoryBus) requeue(ev PendingTransactionEvent) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		select {
		case b.events <- ev:
		case <-b.done:
		}
	}()
}

// Close stops consumers and drops undelivered events
func (b *MemoryBus) Close() error {
	b.once.Do(func() { close(b.done) })
	b.wg.Wait()
	return nil
}

type memoryDelivery struct {
	bus  *MemoryBus
	ev   PendingTransactionEvent
	once sync.Once
}

func (d *memoryDelivery) Event() PendingTransactionEvent { return d.ev }

func (d *memoryDelivery) Ack() error {
	d.once.Do(func() {})
	return nil
}

func (d *memoryDelivery) Nack(requeue bool) error {
	d.once.Do(func() {
		if requeue {
			d.bus.requeue(d.ev)
		}
	})
	return nil
}
