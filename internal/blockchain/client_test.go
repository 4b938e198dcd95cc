package blockchain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	addrA  = "0x00000000000000000000000000000000000000aa"
	addrB  = "0x00000000000000000000000000000000000000bb"
	txHash = "0x1111111111111111111111111111111111111111111111111111111111111111"
)

// fakeNode is a minimal JSON-RPC endpoint answering the calls the client makes
type fakeNode struct {
	mu       sync.Mutex
	balances map[string]string // address -> hex wei
	receipts map[string]any    // tx hash -> receipt JSON
	failing  atomic.Bool
	calls    atomic.Int32
}

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params []any           `json:"params"`
}

func newFakeNode(t *testing.T) (*fakeNode, *httptest.Server) {
	t.Helper()
	node := &fakeNode{balances: map[string]string{}, receipts: map[string]any{}}
	srv := httptest.NewServer(http.HandlerFunc(node.serve))
	t.Cleanup(srv.Close)
	return node, srv
}

func (n *fakeNode) serve(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	n.mu.Lock()
	switch {
	case req.Method == "eth_chainId":
		resp["result"] = "0x1"
	case n.failing.Load():
		n.calls.Add(1)
		resp["error"] = map[string]any{"code": -32000, "message": "node unavailable"}
	case req.Method == "eth_getBalance":
		n.calls.Add(1)
		bal, ok := n.balances[strings.ToLower(req.Params[0].(string))]
		if !ok {
			bal = "0x0"
		}
		resp["result"] = bal
	case req.Method == "eth_getTransactionReceipt":
		n.calls.Add(1)
		resp["result"] = n.receipts[strings.ToLower(req.Params[0].(string))]
	default:
		resp["error"] = map[string]any{"code": -32601, "message": "method not found"}
	}
	n.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func newTestClient(t *testing.T, urls ...string) *Client {
	t.Helper()
	client, err := NewClient(urls, nil)
	require.NoError(t, err)
	client.retryInterval = time.Millisecond
	t.Cleanup(client.Close)
	return client
}

func TestClientGetBalance(t *testing.T) {
	node, srv := newFakeNode(t)
	node.balances[addrA] = "0x3e8" // 1000 wei
	client := newTestClient(t, srv.URL)
	ctx := context.Background()

	tests := []struct {
		name    string
		address string
		want    string
		wantErr error
	}{
		{name: "known balance", address: addrA, want: "1000"},
		{name: "uppercase hex is accepted", address: addrA[:2] + strings.ToUpper(addrA[2:]), want: "1000"},
		{name: "untouched account is zero", address: addrB, want: "0"},
		{name: "malformed address", address: "0xA", wantErr: ErrInvalidAddress},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := client.GetBalance(ctx, tt.address)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClientFailover(t *testing.T) {
	primary, primarySrv := newFakeNode(t)
	secondary, secondarySrv := newFakeNode(t)
	secondary.balances[addrA] = "0x384" // 900 wei

	client := newTestClient(t, primarySrv.URL, secondarySrv.URL)
	primary.failing.Store(true)

	got, err := client.GetBalance(context.Background(), addrA)
	require.NoError(t, err)
	assert.Equal(t, "900", got)

	health := client.EndpointsHealth()
	assert.False(t, health[primarySrv.URL])
	assert.True(t, health[secondarySrv.URL])
	assert.Equal(t, int32(1), primary.calls.Load())
}

func TestClientUnreachable(t *testing.T) {
	node, srv := newFakeNode(t)
	client := newTestClient(t, srv.URL)
	node.failing.Store(true)

	_, err := client.GetBalance(context.Background(), addrA)
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestClientGetTransactionReceipt(t *testing.T) {
	node, srv := newFakeNode(t)
	client := newTestClient(t, srv.URL)
	ctx := context.Background()

	t.Run("pending transaction has no receipt", func(t *testing.T) {
		receipt, err := client.GetTransactionReceipt(ctx, txHash)
		require.NoError(t, err)
		assert.Nil(t, receipt)
	})

	t.Run("settled transfer", func(t *testing.T) {
		node.mu.Lock()
		node.receipts[txHash] = map[string]any{
			"transactionHash": txHash,
			"from":            "0x00000000000000000000000000000000000000AA",
			"to":              addrB,
			"blockNumber":     "0x10",
			"status":          "0x1",
		}
		node.mu.Unlock()

		receipt, err := client.GetTransactionReceipt(ctx, txHash)
		require.NoError(t, err)
		require.NotNil(t, receipt)
		assert.Equal(t, txHash, receipt.TransactionHash)
		assert.Equal(t, addrA, receipt.From)
		assert.Equal(t, addrB, receipt.To)
		assert.Equal(t, uint64(16), receipt.BlockNumber)
		assert.True(t, receipt.Success)
	})

	t.Run("contract creation has empty recipient", func(t *testing.T) {
		hash := "0x2222222222222222222222222222222222222222222222222222222222222222"
		node.mu.Lock()
		node.receipts[hash] = map[string]any{
			"transactionHash": hash,
			"from":            addrA,
			"to":              nil,
			"blockNumber":     "0x11",
			"status":          "0x0",
		}
		node.mu.Unlock()

		receipt, err := client.GetTransactionReceipt(ctx, hash)
		require.NoError(t, err)
		require.NotNil(t, receipt)
		assert.Empty(t, receipt.To)
		assert.False(t, receipt.Success)
	})

	t.Run("malformed hash", func(t *testing.T) {
		_, err := client.GetTransactionReceipt(ctx, "0x1234")
		assert.ErrorIs(t, err, ErrInvalidHash)
	})
}

func TestClientPing(t *testing.T) {
	_, srv := newFakeNode(t)
	client := newTestClient(t, srv.URL)
	assert.NoError(t, client.Ping(context.Background()))
}

func TestNewFailoverClient(t *testing.T) {
	t.Run("requires at least one url", func(t *testing.T) {
		_, err := NewFailoverClient(nil, nil)
		assert.Error(t, err)
	})

	t.Run("fails when no endpoint answers", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()

		_, err := NewFailoverClient([]string{srv.URL}, nil)
		assert.ErrorIs(t, err, ErrNoHealthyEndpoint)
	})

	t.Run("starts with one unreachable endpoint", func(t *testing.T) {
		_, srv := newFakeNode(t)
		down := httptest.NewServer(http.NotFoundHandler())
		down.Close()

		fc, err := NewFailoverClient([]string{down.URL, srv.URL}, nil)
		require.NoError(t, err)
		defer fc.Close()

		_, url, err := fc.GetClient()
		require.NoError(t, err)
		assert.Equal(t, srv.URL, url)
		assert.Equal(t, map[string]bool{down.URL: false, srv.URL: true}, fc.EndpointsHealth())
	})
}
