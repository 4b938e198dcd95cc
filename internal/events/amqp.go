package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/streadway/amqp"
)

const (
	routingPrefix = "pending."
	bindingKey    = "pending.#"
)

// AMQPBus publishes events to a durable topic exchange and consumes them
// from a durable queue bound to it, so several instances share the work
type AMQPBus struct {
	conn     *amqp.Connection
	pubCh    *amqp.Channel
	pubMu    sync.Mutex
	exchange string
	queue    string
	prefetch int
	logger   *slog.Logger
}

// AMQPOptions configures the broker topology
type AMQPOptions struct {
	URL      string
	Exchange string
	Queue    string
	Prefetch int
	Logger   *slog.Logger
}

// NewAMQPBus connects to the broker and declares the exchange, queue and binding
func NewAMQPBus(opts AMQPOptions) (*AMQPBus, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 16
	}

	conn, err := amqp.Dial(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	b := &AMQPBus{
		conn:     conn,
		exchange: opts.Exchange,
		queue:    opts.Queue,
		prefetch: opts.Prefetch,
		logger:   opts.Logger,
	}
	if err := b.setup(); err != nil {
		conn.Close()
		return nil, err
	}
	opts.Logger.Info("Connected to message broker", "exchange", opts.Exchange, "queue", opts.Queue)
	return b, nil
}

// setup declares the topology on a one-use channel and opens the publish channel
func (b *AMQPBus) setup() error {
	channel, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer channel.Close()

	if err := channel.ExchangeDeclare(b.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", b.exchange, err)
	}
	if _, err := channel.QueueDeclare(b.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", b.queue, err)
	}
	if err := channel.QueueBind(b.queue, bindingKey, b.exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", b.queue, err)
	}

	if b.pubCh, err = b.conn.Channel(); err != nil {
		return fmt.Errorf("open publish channel: %w", err)
	}
	return nil
}

// Publish sends ev as a persistent JSON message routed by its hash
func (b *AMQPBus) Publish(ctx context.Context, ev PendingTransactionEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := encode(ev)
	if err != nil {
		return err
	}

	msg := amqp.Publishing{
		Headers:      amqp.Table{"x-source": ev.Source},
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.TransactionHash,
		Timestamp:    ev.ObservedAt,
		Body:         body,
	}

	// amqp.Channel is not safe for concurrent publishing
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	if b.pubCh == nil {
		return ErrClosed
	}
	if err := b.pubCh.Publish(b.exchange, routingPrefix+ev.TransactionHash, false, false, msg); err != nil {
		if err == amqp.ErrClosed {
			return ErrClosed
		}
		return fmt.Errorf("publish %s: %w", ev.TransactionHash, err)
	}
	return nil
}

// Consume opens a dedicated channel with a prefetch window. Messages that do
// not decode are rejected without requeue.
func (b *AMQPBus) Consume(ctx context.Context) (<-chan Delivery, error) {
	channel, err := b.conn.Channel()
	if err != nil {
		if err == amqp.ErrClosed {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("open consume channel: %w", err)
	}
	if err := channel.Qos(b.prefetch, 0, false); err != nil {
		channel.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}

	msgs, err := channel.Consume(b.queue, "", false, false, false, false, nil)
	if err != nil {
		channel.Close()
		return nil, fmt.Errorf("consume %s: %w", b.queue, err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		defer channel.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				ev, err := decode(m.Body)
				if err != nil {
					b.logger.Error("Dropping malformed event", "message_id", m.MessageId, "error", err)
					m.Nack(false, false)
					continue
				}
				select {
				case out <- &amqpDelivery{msg: m, ev: ev}:
				case <-ctx.Done():
					m.Nack(false, true)
					return
				}
			}
		}
	}()
	return out, nil
}

// Close closes the publish channel and the connection
func (b *AMQPBus) Close() error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	if b.pubCh != nil {
		if err := b.pubCh.Close(); err != nil && err != amqp.ErrClosed {
			b.logger.Warn("Error closing publish channel", "error", err)
		}
		b.pubCh = nil
	}
	if err := b.conn.Close(); err != nil && err != amqp.ErrClosed {
		return err
	}
	return nil
}

type amqpDelivery struct {
	msg amqp.Delivery
	ev  PendingTransactionEvent
}

func (d *amqpDelivery) Event() PendingTransactionEvent { return d.ev }

func (d *amqpDelivery) Ack() error { return d.msg.Ack(false) }

func (d *amqpDelivery) Nack(requeue bool) error { return d.msg.Nack(false, requeue) }
