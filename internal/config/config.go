package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/matrixise/ethbalance/internal/blockchain"
	"github.com/matrixise/ethbalance/internal/scheduler"
)

// MinLockTTL is the shortest lease that covers one retried ledger read plus
// the store and cache writes after it
const MinLockTTL = blockchain.MaxCallDuration + 5*time.Second

// Config represents the application configuration
type Config struct {
	RPCUrl    string          `mapstructure:"rpc_url" validate:"omitempty,url"`
	RPCUrls   []string        `mapstructure:"rpc_urls" validate:"required,min=1,dive,url"`
	WSUrl     string          `mapstructure:"ws_url" validate:"required,url"`
	LogLevel  string          `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
	HTTPPort  int             `mapstructure:"http_port" validate:"omitempty,min=1024,max=65535"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Lock      LockConfig      `mapstructure:"lock"`
	Bus       BusConfig       `mapstructure:"bus"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Sweep     SweepConfig     `mapstructure:"sweep"`
}

// RedisConfig holds the shared Redis connection used by the cache and the lock
type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"omitempty,hostname_port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"min=0,max=15"`
	PoolSize int    `mapstructure:"pool_size" validate:"omitempty,min=1"`
}

// CacheConfig configures the balance cache
type CacheConfig struct {
	Backend string        `mapstructure:"backend" validate:"required,oneof=redis memory"`
	TTL     time.Duration `mapstructure:"ttl" validate:"required"`
	Jitter  time.Duration `mapstructure:"jitter"`
}

// LockConfig configures the per-address lock
type LockConfig struct {
	Backend       string        `mapstructure:"backend" validate:"required,oneof=redis memory"`
	TTL           time.Duration `mapstructure:"ttl" validate:"required"`
	WaitTimeout   time.Duration `mapstructure:"wait_timeout" validate:"required"`
	RetryInterval time.Duration `mapstructure:"retry_interval" validate:"required"`
}

// BusConfig configures the pending-transaction event bus
type BusConfig struct {
	Backend  string `mapstructure:"backend" validate:"required,oneof=memory amqp"`
	URL      string `mapstructure:"url" validate:"required_if=Backend amqp,omitempty,url"`
	Exchange string `mapstructure:"exchange" validate:"required_if=Backend amqp"`
	Queue    string `mapstructure:"queue" validate:"required_if=Backend amqp"`
	Buffer   int    `mapstructure:"buffer" validate:"min=0"`
}

// ReconcileConfig bounds the settlement polling of each pending transaction
type ReconcileConfig struct {
	PollInterval           time.Duration `mapstructure:"poll_interval" validate:"required"`
	MaxAttempts            int           `mapstructure:"max_attempts" validate:"required,min=1"`
	MaxDuration            time.Duration `mapstructure:"max_duration" validate:"required"`
	Workers                int           `mapstructure:"workers" validate:"required,min=1,max=256"`
	LockRetries            int           `mapstructure:"lock_retries" validate:"min=0"`
	TrackUnknownRecipients bool          `mapstructure:"track_unknown_recipients"`
}

// SweepConfig configures the periodic refresh of stale durable rows
type SweepConfig struct {
	Interval       string        `mapstructure:"interval" validate:"omitempty,schedule"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	BatchSize      int           `mapstructure:"batch_size" validate:"omitempty,min=1,max=10000"`
	Timezone       string        `mapstructure:"timezone" validate:"omitempty,timezone"`
	RunImmediately *bool         `mapstructure:"run_immediately"`
}

// Normalize folds the single rpc_url into rpc_urls and derives ws_url
// from the first websocket endpoint when it is not set explicitly.
func (c *Config) Normalize() error {
	if c.RPCUrl != "" && len(c.RPCUrls) == 0 {
		c.RPCUrls = []string{c.RPCUrl}
	}
	c.RPCUrl = ""

	if len(c.RPCUrls) == 0 {
		return fmt.Errorf("either rpc_url or rpc_urls must be set")
	}

	if c.WSUrl == "" {
		for _, raw := range c.RPCUrls {
			u, err := url.Parse(raw)
			if err != nil {
				continue
			}
			if u.Scheme == "ws" || u.Scheme == "wss" {
				c.WSUrl = raw
				break
			}
		}
	}

	if c.Cache.Jitter < 0 {
		c.Cache.Jitter = -c.Cache.Jitter
	}
	if c.Cache.Jitter >= c.Cache.TTL && c.Cache.TTL > 0 {
		return fmt.Errorf("cache.jitter (%s) must be lower than cache.ttl (%s)", c.Cache.Jitter, c.Cache.TTL)
	}

	// A lease must outlive the slowest ledger read it protects
	if c.Lock.TTL > 0 && c.Lock.TTL < MinLockTTL {
		return fmt.Errorf("lock.ttl (%s) must be at least %s", c.Lock.TTL, MinLockTTL)
	}

	return nil
}

// GetTimezone returns the sweep timezone, UTC when unset or invalid
func (c *Config) GetTimezone() *time.Location {
	if c.Sweep.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Sweep.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ShouldRunImmediately reports whether the sweep runs once at startup
func (c *Config) ShouldRunImmediately() bool {
	if c.Sweep.RunImmediately == nil {
		return true
	}
	return *c.Sweep.RunImmediately
}

// SweepEnabled reports whether a sweep interval is configured
func (c *Config) SweepEnabled() bool {
	return c.Sweep.Interval != ""
}

// ethAddressValidator validates Ethereum addresses
func ethAddressValidator(fl validator.FieldLevel) bool {
	return common.IsHexAddress(fl.Field().String())
}

// durationValidator validates duration strings
func durationValidator(fl validator.FieldLevel) bool {
	if fl.Field().String() == "" {
		return true
	}
	_, err := time.ParseDuration(fl.Field().String())
	return err == nil
}

// scheduleValidator accepts clock-aligned durations and cron expressions
func scheduleValidator(fl validator.FieldLevel) bool {
	return scheduler.ValidateScheduleInterval(fl.Field().String()) == nil
}

func timezoneValidator(fl validator.FieldLevel) bool {
	tz := fl.Field().String()
	if tz == "" {
		return true
	}
	_, err := time.LoadLocation(tz)
	return err == nil
}

// NewValidator creates a validator with custom validation rules
func NewValidator() *validator.Validate {
	validate := validator.New()
	validate.RegisterValidation("eth_addr", ethAddressValidator)
	validate.RegisterValidation("duration", durationValidator)
	validate.RegisterValidation("schedule", scheduleValidator)
	validate.RegisterValidation("timezone", timezoneValidator)
	return validate
}
