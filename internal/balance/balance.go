// Package balance resolves address balances through the cache, the live
// ledger and the durable store, in that order.
package balance

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/matrixise/ethbalance/internal/storage"
)

var (
	// ErrNotFound means neither the ledger nor the store could supply a balance
	ErrNotFound = errors.New("balance not found")
	// ErrInvalidAddress is returned for input that is not a hex address
	ErrInvalidAddress = errors.New("invalid address")
	// ErrUpstreamUnavailable means the ledger could not be queried
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrStoreFailure means the durable store rejected a read or write
	ErrStoreFailure = errors.New("store failure")
)

// Ledger is the authoritative balance source
type Ledger interface {
	GetBalance(ctx context.Context, address string) (string, error)
}

// Store is the durable record of last known balances
type Store interface {
	FindByAddress(ctx context.Context, address string) (*storage.AddressBalance, error)
	Upsert(ctx context.Context, row storage.AddressBalance) error
}

// Cache is the short-lived tier in front of Ledger and Store
type Cache interface {
	Get(ctx context.Context, address string) (string, error)
	Set(ctx context.Context, address, balance string) error
}

// NormalizeAddress validates a hex address and returns it lowercased with
// a 0x prefix
func NormalizeAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	return strings.ToLower(common.HexToAddress(address).Hex()), nil
}
