package blockchain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
)

const (
	rpcTimeout    = 10 * time.Second
	maxRetries    = 3
	retryInterval = 500 * time.Millisecond

	// MaxCallDuration bounds one ledger call through every retry and backoff
	MaxCallDuration = maxRetries*rpcTimeout + (1<<(maxRetries-1)-1)*retryInterval
)

var (
	// ErrInvalidAddress is returned for strings that are not 20-byte hex addresses
	ErrInvalidAddress = errors.New("invalid address")
	// ErrInvalidHash is returned for strings that are not 32-byte hex hashes
	ErrInvalidHash = errors.New("invalid transaction hash")
	// ErrUnreachable is returned once every retry against every endpoint failed
	ErrUnreachable = errors.New("ledger unreachable")
)

// Receipt is the settled form of a transaction. To is empty for contract
// creation.
type Receipt struct {
	TransactionHash string
	From            string
	To              string
	BlockNumber     uint64
	Success         bool
}

// rpcReceipt is the subset of eth_getTransactionReceipt we read. from and to
// are part of the JSON-RPC receipt but not of types.Receipt.
type rpcReceipt struct {
	TransactionHash common.Hash     `json:"transactionHash"`
	From            common.Address  `json:"from"`
	To              *common.Address `json:"to"`
	BlockNumber     *hexutil.Big    `json:"blockNumber"`
	Status          hexutil.Uint64  `json:"status"`
}

// Client wraps Ethereum RPC client functionality with failover support
type Client struct {
	failoverClient *FailoverClient
	logger         *slog.Logger
	maxRetries     int
	retryInterval  time.Duration
	rpcTimeout     time.Duration
}

// NewClient creates a new blockchain client with failover support
func NewClient(rpcURLs []string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	failoverClient, err := NewFailoverClient(rpcURLs, logger)
	if err != nil {
		return nil, err
	}

	return &Client{
		failoverClient: failoverClient,
		logger:         logger,
		maxRetries:     maxRetries,
		retryInterval:  retryInterval,
		rpcTimeout:     rpcTimeout,
	}, nil
}

// Close closes all RPC client connections
func (c *Client) Close() {
	c.failoverClient.Close()
}

// GetBalance returns the latest balance of address in wei as a base-10 string
func (c *Client) GetBalance(ctx context.Context, address string) (string, error) {
	if !common.IsHexAddress(address) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	account := common.HexToAddress(address)

	var balance string
	err := c.retryWithBackoff(ctx, func(ctx context.Context, client *ethclient.Client) error {
		wei, err := client.BalanceAt(ctx, account, nil)
		if err != nil {
			return err
		}
		balance = wei.String()
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("get balance %s: %w", address, err)
	}
	return balance, nil
}

// GetTransactionReceipt returns the receipt for hash, or nil while the
// transaction is still pending
func (c *Client) GetTransactionReceipt(ctx context.Context, hash string) (*Receipt, error) {
	raw, err := hexutil.Decode(hash)
	if err != nil || len(raw) != common.HashLength {
		return nil, fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}

	var result *rpcReceipt
	err = c.retryWithBackoff(ctx, func(ctx context.Context, client *ethclient.Client) error {
		result = nil
		return client.Client().CallContext(ctx, &result, "eth_getTransactionReceipt", common.BytesToHash(raw))
	})
	if err != nil {
		return nil, fmt.Errorf("get receipt %s: %w", hash, err)
	}
	if result == nil {
		return nil, nil
	}

	receipt := &Receipt{
		TransactionHash: strings.ToLower(result.TransactionHash.Hex()),
		From:            strings.ToLower(result.From.Hex()),
		Success:         result.Status == 1,
	}
	if result.To != nil {
		receipt.To = strings.ToLower(result.To.Hex())
	}
	if result.BlockNumber != nil {
		receipt.BlockNumber = result.BlockNumber.ToInt().Uint64()
	}
	return receipt, nil
}

// Ping asks the current endpoint for its chain id
func (c *Client) Ping(ctx context.Context) error {
	client, url, err := c.failoverClient.GetClient()
	if err != nil {
		return err
	}
	if _, err := client.ChainID(ctx); err != nil {
		return fmt.Errorf("RPC endpoint %s not responding: %w", url, err)
	}
	return nil
}

// EndpointsHealth reports the health flag of every configured endpoint
func (c *Client) EndpointsHealth() map[string]bool {
	return c.failoverClient.EndpointsHealth()
}

// retryWithBackoff executes fn with exponential backoff and automatic
// failover. Each attempt gets its own rpcTimeout.
func (c *Client) retryWithBackoff(ctx context.Context, fn func(ctx context.Context, client *ethclient.Client) error) error {
	var lastErr error

	for attempt := range c.maxRetries {
		if attempt > 0 {
			backoff := c.retryInterval * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		client, currentURL, err := c.failoverClient.GetClient()
		if err != nil {
			lastErr = err
			continue
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.rpcTimeout)
		err = fn(attemptCtx, client)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		lastErr = err
		c.failoverClient.MarkUnhealthy(currentURL, err)
		c.logger.Debug("RPC call failed", "url", currentURL, "attempt", attempt+1, "error", err)
	}

	return fmt.Errorf("%w: failed after %d retries: %w", ErrUnreachable, c.maxRetries, lastErr)
}
