package blockchain

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient/gethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// pendingBuffer absorbs bursts while the consumer is busy
const pendingBuffer = 256

// Subscriber opens pending-transaction subscriptions over a websocket endpoint
type Subscriber struct {
	url string
}

// NewSubscriber creates a Subscriber dialing wsURL on every subscription
func NewSubscriber(wsURL string) *Subscriber {
	return &Subscriber{url: wsURL}
}

// SubscribePending dials the endpoint and streams lowercase hashes of newly
// seen pending transactions into ch until the subscription fails or is
// unsubscribed. Each call uses its own connection.
func (s *Subscriber) SubscribePending(ctx context.Context, ch chan<- string) (ethereum.Subscription, error) {
	rc, err := rpc.DialContext(ctx, s.url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.url, err)
	}

	hashes := make(chan common.Hash, pendingBuffer)
	sub, err := gethclient.New(rc).SubscribePendingTransactions(ctx, hashes)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("subscribe pending transactions: %w", err)
	}

	ps := &pendingSubscription{
		sub:  sub,
		rc:   rc,
		errc: make(chan error, 1),
		quit: make(chan struct{}),
	}
	go ps.forward(hashes, ch)
	return ps, nil
}

// pendingSubscription converts hashes to strings and owns the connection
type pendingSubscription struct {
	sub  ethereum.Subscription
	rc   *rpc.Client
	errc chan error
	quit chan struct{}
	once sync.Once
}

func (ps *pendingSubscription) forward(hashes <-chan common.Hash, out chan<- string) {
	defer close(ps.errc)
	for {
		select {
		case h := <-hashes:
			select {
			case out <- strings.ToLower(h.Hex()):
			case <-ps.quit:
				return
			}
		case err, ok := <-ps.sub.Err():
			if ok && err != nil {
				ps.errc <- err
			}
			return
		case <-ps.quit:
			return
		}
	}
}

// Err delivers at most one transport error, then closes
func (ps *pendingSubscription) Err() <-chan error {
	return ps.errc
}

func (ps *pendingSubscription) Unsubscribe() {
	ps.once.Do(func() {
		close(ps.quit)
		ps.sub.Unsubscribe()
		ps.rc.Close()
	})
}
