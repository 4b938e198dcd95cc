package blockchain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
)

const (
	unhealthyDuration  = 5 * time.Minute // Cooldown before retry
	healthCheckTimeout = 5 * time.Second
)

// ErrNoHealthyEndpoint is returned when every RPC endpoint is down
var ErrNoHealthyEndpoint = errors.New("no healthy RPC endpoints available")

type endpointStatus struct {
	url           string
	client        *ethclient.Client
	healthy       bool
	lastError     error
	lastErrorTime time.Time
	mu            sync.RWMutex
}

// FailoverClient manages multiple RPC endpoints with automatic failover
type FailoverClient struct {
	endpoints    []*endpointStatus
	currentIndex int
	cooldown     time.Duration
	logger       *slog.Logger
	mu           sync.RWMutex
}

// dialVerified connects to url and confirms it answers eth_chainId
func dialVerified(url string) (*ethclient.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	if _, err := client.ChainID(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// NewFailoverClient creates a new failover client with multiple endpoints.
// At least one endpoint must answer at startup.
func NewFailoverClient(urls []string, logger *slog.Logger) (*FailoverClient, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("at least one RPC URL is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	fc := &FailoverClient{
		endpoints: make([]*endpointStatus, 0, len(urls)),
		cooldown:  unhealthyDuration,
		logger:    logger,
	}

	healthyCount := 0
	for _, url := range urls {
		client, err := dialVerified(url)

		fc.endpoints = append(fc.endpoints, &endpointStatus{
			url:           url,
			client:        client,
			healthy:       err == nil,
			lastError:     err,
			lastErrorTime: time.Now(),
		})

		if err == nil {
			healthyCount++
			logger.Info("Connected to RPC endpoint", "url", url)
		} else {
			logger.Warn("Failed to connect to RPC endpoint, will retry later", "url", url, "error", err)
		}
	}

	if healthyCount == 0 {
		return nil, ErrNoHealthyEndpoint
	}

	return fc, nil
}

// GetClient returns a healthy client, automatically failing over if needed
func (fc *FailoverClient) GetClient() (*ethclient.Client, string, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	startIndex := fc.currentIndex

	// Try all endpoints in round-robin
	for i := 0; i < len(fc.endpoints); i++ {
		idx := (startIndex + i) % len(fc.endpoints)
		ep := fc.endpoints[idx]

		ep.mu.RLock()
		healthy := ep.healthy
		client := ep.client
		url := ep.url
		canRetry := time.Since(ep.lastErrorTime) > fc.cooldown
		ep.mu.RUnlock()

		if healthy && client != nil {
			fc.currentIndex = idx
			return client, url, nil
		}

		// Try to reconnect unhealthy endpoint if cooldown expired
		if !healthy && canRetry {
			newClient, err := dialVerified(url)
			if err != nil {
				ep.mu.Lock()
				ep.lastError = err
				ep.lastErrorTime = time.Now()
				ep.mu.Unlock()
				continue
			}

			ep.mu.Lock()
			if ep.client != nil {
				ep.client.Close()
			}
			ep.client = newClient
			ep.healthy = true
			ep.lastError = nil
			ep.mu.Unlock()

			fc.currentIndex = idx
			fc.logger.Info("Reconnected to RPC endpoint", "url", url)
			return newClient, url, nil
		}
	}

	return nil, "", ErrNoHealthyEndpoint
}

// MarkUnhealthy marks an endpoint as unhealthy and closes its connection
func (fc *FailoverClient) MarkUnhealthy(url string, err error) {
	fc.mu.RLock()
	defer fc.mu.RUnlock()

	for _, ep := range fc.endpoints {
		if ep.url != url {
			continue
		}
		ep.mu.Lock()
		ep.healthy = false
		ep.lastError = err
		ep.lastErrorTime = time.Now()
		if ep.client != nil {
			ep.client.Close()
			ep.client = nil
		}
		ep.mu.Unlock()

		fc.logger.Warn("Marked RPC endpoint as unhealthy, will retry after cooldown",
			"url", url,
			"error", err,
			"retry_after", fc.cooldown)
		return
	}
}

// EndpointsHealth reports the health flag of every endpoint keyed by URL
func (fc *FailoverClient) EndpointsHealth() map[string]bool {
	fc.mu.RLock()
	defer fc.mu.RUnlock()

	status := make(map[string]bool, len(fc.endpoints))
	for _, ep := range fc.endpoints {
		ep.mu.RLock()
		status[ep.url] = ep.healthy
		ep.mu.RUnlock()
	}
	return status
}

// Close closes all endpoint connections
func (fc *FailoverClient) Close() {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	for _, ep := range fc.endpoints {
		ep.mu.Lock()
		if ep.client != nil {
			ep.client.Close()
			ep.client = nil
		}
		ep.mu.Unlock()
	}
}
