package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Pinger is any dependency reachable with a round trip
type Pinger interface {
	Ping(ctx context.Context) error
}

// RPC is the ledger client as seen by the health check
type RPC interface {
	Pinger
	EndpointsHealth() map[string]bool
}

// Watcher exposes the pending-transaction subscription state
type Watcher interface {
	Connected() bool
	LastEvent() time.Time
}

// Dependencies lists what the checker checks. Nil entries are skipped.
type Dependencies struct {
	Database Pinger
	Redis    Pinger
	RPC      RPC
	Watcher  Watcher
}

// Checker performs health checks on application dependencies
type Checker struct {
	deps           Dependencies
	lastRunTime    time.Time
	lastRunSuccess bool
	interval       time.Duration
	mu             sync.RWMutex
}

// NewChecker creates a new health checker. interval is the expected sweep
// period; zero disables the sweep check.
func NewChecker(deps Dependencies, interval time.Duration) *Checker {
	return &Checker{
		deps:     deps,
		interval: interval,
	}
}

// UpdateLastRun updates the timestamp and status of the last sweep
func (c *Checker) UpdateLastRun(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastRunTime = time.Now()
	c.lastRunSuccess = success
}

// CheckStatus represents the health status of a component
type CheckStatus string

const (
	StatusOK       CheckStatus = "ok"
	StatusDegraded CheckStatus = "degraded"
	StatusError    CheckStatus = "error"
)

// HealthResponse is the JSON response structure
type HealthResponse struct {
	Status    CheckStatus            `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckDetail `json:"checks"`
	Uptime    string                 `json:"uptime,omitempty"`
}

// CheckDetail contains details about a specific health check
type CheckDetail struct {
	Status  CheckStatus `json:"status"`
	Message string      `json:"message,omitempty"`
}

var startTime = time.Now()

// Check performs all health checks and returns the aggregated status
func (c *Checker) Check(ctx context.Context) HealthResponse {
	checks := make(map[string]CheckDetail)
	overallStatus := StatusOK

	merge := func(name string, detail CheckDetail, critical bool) {
		checks[name] = detail
		switch {
		case detail.Status == StatusOK:
		case detail.Status == StatusError && critical:
			overallStatus = StatusError
		case overallStatus == StatusOK:
			overallStatus = StatusDegraded
		}
	}

	if c.deps.Database != nil {
		merge("database", c.ping(ctx, "database", c.deps.Database), true)
	}
	// The cache is optional on the read path, the lock is not
	if c.deps.Redis != nil {
		merge("redis", c.ping(ctx, "redis", c.deps.Redis), true)
	}
	if c.deps.RPC != nil {
		merge("rpc_endpoints", c.checkRPC(ctx), true)
	}
	if c.deps.Watcher != nil {
		merge("watcher", c.checkWatcher(), false)
	}
	if c.interval > 0 {
		merge("sweep", c.checkSweep(), false)
	}

	return HealthResponse{
		Status:    overallStatus,
		Timestamp: time.Now(),
		Checks:    checks,
		Uptime:    time.Since(startTime).Round(time.Second).String(),
	}
}

func (c *Checker) ping(ctx context.Context, name string, p Pinger) CheckDetail {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := p.Ping(ctx); err != nil {
		slog.Error("Health check: ping failed", "component", name, "error", err)
		return CheckDetail{
			Status:  StatusError,
			Message: name + " unreachable: " + err.Error(),
		}
	}

	return CheckDetail{
		Status:  StatusOK,
		Message: name + " connection healthy",
	}
}

// checkRPC verifies that at least one RPC endpoint is available
func (c *Checker) checkRPC(ctx context.Context) CheckDetail {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := c.deps.RPC.Ping(ctx); err != nil {
		slog.Error("Health check: RPC endpoint failed", "error", err)
		return CheckDetail{
			Status:  StatusError,
			Message: "RPC endpoint not responding: " + err.Error(),
		}
	}

	healthStatus := c.deps.RPC.EndpointsHealth()
	healthyCount := 0
	totalCount := len(healthStatus)

	for _, healthy := range healthStatus {
		if healthy {
			healthyCount++
		}
	}

	if healthyCount == totalCount {
		return CheckDetail{
			Status:  StatusOK,
			Message: "all RPC endpoints healthy",
		}
	}

	return CheckDetail{
		Status:  StatusDegraded,
		Message: fmt.Sprintf("%d/%d RPC endpoints healthy", healthyCount, totalCount),
	}
}

// checkWatcher reports whether the pending-transaction feed is subscribed
func (c *Checker) checkWatcher() CheckDetail {
	if !c.deps.Watcher.Connected() {
		return CheckDetail{
			Status:  StatusDegraded,
			Message: "pending transaction subscription down",
		}
	}

	last := c.deps.Watcher.LastEvent()
	if last.IsZero() {
		return CheckDetail{
			Status:  StatusOK,
			Message: "subscribed, no pending transaction seen yet",
		}
	}
	return CheckDetail{
		Status:  StatusOK,
		Message: fmt.Sprintf("last pending transaction %s ago", time.Since(last).Round(time.Second)),
	}
}

// checkSweep verifies the stale sweep is executing at expected intervals
func (c *Checker) checkSweep() CheckDetail {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// If we've never run, that's OK (might be starting up)
	if c.lastRunTime.IsZero() {
		return CheckDetail{
			Status:  StatusOK,
			Message: "sweep not yet executed (startup)",
		}
	}

	if !c.lastRunSuccess {
		return CheckDetail{
			Status:  StatusDegraded,
			Message: "last sweep failed",
		}
	}

	// Allow 2x interval grace period
	timeSinceLastRun := time.Since(c.lastRunTime)
	graceThreshold := c.interval * 2

	if timeSinceLastRun > graceThreshold {
		return CheckDetail{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("no sweep in %s (expected every %s)", timeSinceLastRun.Round(time.Second), c.interval),
		}
	}

	return CheckDetail{
		Status:  StatusOK,
		Message: fmt.Sprintf("last swept %s ago", timeSinceLastRun.Round(time.Second)),
	}
}

// Handler returns an http.HandlerFunc for the health endpoint
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Only support GET
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		ctx := r.Context()
		status := c.Check(ctx)

		// Set status code based on health
		statusCode := http.StatusOK
		if status.Status == StatusError {
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)

		if err := json.NewEncoder(w).Encode(status); err != nil {
			slog.Error("Failed to encode health response", "error", err)
		}
	}
}
