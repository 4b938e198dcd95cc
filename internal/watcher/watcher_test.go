package watcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixise/ethbalance/internal/events"
	"github.com/matrixise/ethbalance/internal/metrics"
)

type fakeSubscription struct {
	errc chan error
	once sync.Once
	done chan struct{}
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{errc: make(chan error, 1), done: make(chan struct{})}
}

func (s *fakeSubscription) Err() <-chan error { return s.errc }

func (s *fakeSubscription) Unsubscribe() {
	s.once.Do(func() { close(s.done) })
}

// fakeSource fails the first dials, then hands each session to the test
type fakeSource struct {
	mu       sync.Mutex
	dialErrs int
	dials    int
	sessions chan session
}

type session struct {
	sub *fakeSubscription
	ch  chan<- string
}

func (s *fakeSource) SubscribePending(_ context.Context, ch chan<- string) (ethereum.Subscription, error) {
	s.mu.Lock()
	s.dials++
	if s.dialErrs > 0 {
		s.dialErrs--
		s.mu.Unlock()
		return nil, errors.New("dial tcp: connection refused")
	}
	s.mu.Unlock()

	sub := newFakeSubscription()
	s.sessions <- session{sub: sub, ch: ch}
	return sub, nil
}

func newWatcher(t *testing.T, src Source, pub events.Publisher) (*Watcher, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	w := New(src, pub, nil, metrics.New(reg))
	w.minBackoff = time.Millisecond
	w.maxBackoff = 4 * time.Millisecond
	return w, reg
}

func receive(t *testing.T, ch <-chan events.Delivery) events.PendingTransactionEvent {
	t.Helper()
	select {
	case d := <-ch:
		require.NoError(t, d.Ack())
		return d.Event()
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return events.PendingTransactionEvent{}
	}
}

func TestWatcherPublishesAndResubscribes(t *testing.T) {
	src := &fakeSource{dialErrs: 2, sessions: make(chan session, 4)}
	bus := events.NewMemoryBus(16)
	defer bus.Close()
	w, reg := newWatcher(t, src, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deliveries, err := bus.Consume(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	first := <-src.sessions
	require.Eventually(t, w.Connected, time.Second, time.Millisecond)
	assert.True(t, w.LastEvent().IsZero())

	first.ch <- "0xaa"
	first.ch <- "0xbb"
	ev1 := receive(t, deliveries)
	ev2 := receive(t, deliveries)
	assert.Equal(t, "0xaa", ev1.TransactionHash)
	assert.Equal(t, "0xbb", ev2.TransactionHash)
	assert.Equal(t, w.ID(), ev1.Source)
	assert.Equal(t, uint64(1), ev1.Sequence)
	assert.Equal(t, uint64(2), ev2.Sequence)
	assert.False(t, w.LastEvent().IsZero())

	// Transport error: the watcher resubscribes and keeps the sequence going
	first.sub.errc <- errors.New("websocket: close 1006")
	second := <-src.sessions
	second.ch <- "0xcc"
	ev3 := receive(t, deliveries)
	assert.Equal(t, uint64(3), ev3.Sequence)
	assert.Equal(t, w.ID(), ev3.Source)

	select {
	case <-first.sub.done:
	default:
		t.Fatal("failed subscription was not unsubscribed")
	}

	assert.Equal(t, 3.0, counter(t, reg, "ethbalance_watcher_events_total"))
	assert.Equal(t, 3.0, counter(t, reg, "ethbalance_watcher_resubscribes_total"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
	assert.False(t, w.Connected())
	src.mu.Lock()
	assert.Equal(t, 4, src.dials)
	src.mu.Unlock()
}

func TestWatcherClosedSubscriptionResubscribes(t *testing.T) {
	src := &fakeSource{sessions: make(chan session, 4)}
	bus := events.NewMemoryBus(4)
	defer bus.Close()
	w, _ := newWatcher(t, src, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	first := <-src.sessions
	close(first.sub.errc)

	select {
	case <-src.sessions:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not resubscribe")
	}
}

func TestWatcherStopsOnClosedBus(t *testing.T) {
	src := &fakeSource{sessions: make(chan session, 1)}
	bus := events.NewMemoryBus(1)
	w, _ := newWatcher(t, src, bus)

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	s := <-src.sessions
	require.NoError(t, bus.Close())
	s.ch <- "0xaa"

	select {
	case err := <-done:
		assert.ErrorIs(t, err, events.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher kept running on a closed bus")
	}
}

func TestWatcherBackoffIsCapped(t *testing.T) {
	src := &fakeSource{dialErrs: 1000, sessions: make(chan session)}
	w, _ := newWatcher(t, src, events.NewMemoryBus(1))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, w.Run(ctx))

	src.mu.Lock()
	defer src.mu.Unlock()
	// 1ms, 2ms, then 4ms between dials: far more than a handful in 100ms
	assert.Greater(t, src.dials, 10)
}

func counter(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() == name {
			return fam.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}
