package events

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestAMQPBus needs a RabbitMQ broker at TEST_AMQP_URL
func TestAMQPBus(t *testing.T) {
	url := os.Getenv("TEST_AMQP_URL")
	if url == "" {
		t.Skip("TEST_AMQP_URL not set")
	}

	suffix := uuid.NewString()
	bus, err := NewAMQPBus(AMQPOptions{
		URL:      url,
		Exchange: "ethbalance-test-" + suffix,
		Queue:    "ethbalance-test-" + suffix,
	})
	require.NoError(t, err)
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	deliveries, err := bus.Consume(ctx)
	require.NoError(t, err)

	ev := PendingTransactionEvent{TransactionHash: hash1, Source: suffix, Sequence: 7, ObservedAt: time.Now().UTC().Truncate(time.Second)}
	require.NoError(t, bus.Publish(ctx, ev))

	first := receive(t, deliveries)
	assert.Equal(t, ev.TransactionHash, first.Event().TransactionHash)
	assert.Equal(t, uint64(7), first.Event().Sequence)
	require.NoError(t, first.Nack(true))

	second := receive(t, deliveries)
	assert.Equal(t, ev.TransactionHash, second.Event().TransactionHash)
	require.NoError(t, second.Ack())
}
