package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// 1. Set defaults
	v.SetDefault("log_level", "info")
	v.SetDefault("http_port", 8080)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("cache.backend", "redis")
	v.SetDefault("cache.ttl", "30s")
	v.SetDefault("cache.jitter", "10s")
	v.SetDefault("lock.backend", "redis")
	v.SetDefault("lock.ttl", "45s")
	v.SetDefault("lock.wait_timeout", "5s")
	v.SetDefault("lock.retry_interval", "50ms")
	v.SetDefault("bus.backend", "memory")
	v.SetDefault("bus.exchange", "ethbalance")
	v.SetDefault("bus.queue", "ethbalance.pending")
	v.SetDefault("bus.buffer", 1024)
	v.SetDefault("reconcile.poll_interval", "1s")
	v.SetDefault("reconcile.max_attempts", 600)
	v.SetDefault("reconcile.max_duration", "10m")
	v.SetDefault("reconcile.workers", 4)
	v.SetDefault("reconcile.lock_retries", 3)
	v.SetDefault("reconcile.track_unknown_recipients", true)
	v.SetDefault("sweep.interval", "") // Sweep disabled by default
	v.SetDefault("sweep.stale_after", "1h")
	v.SetDefault("sweep.batch_size", 100)
	v.SetDefault("sweep.timezone", "UTC")
	v.SetDefault("sweep.run_immediately", true)

	// 2. Configure config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
	}

	// 3. Environment variables
	// ETHBALANCE_CACHE_TTL -> cache.ttl
	v.SetEnvPrefix("ETHBALANCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.BindEnv("rpc_url", "RPC_URL")
	v.BindEnv("rpc_urls", "RPC_URLS")
	v.BindEnv("ws_url", "WS_URL")
	v.BindEnv("log_level", "LOG_LEVEL")
	v.BindEnv("http_port", "HTTP_PORT")
	v.BindEnv("redis.addr", "REDIS_ADDR")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("bus.url", "AMQP_URL")

	// 4. Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	// 5. Unmarshal into struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Parse comma-separated RPC_URLS env var
	if rpcURLsEnv := v.GetString("rpc_urls"); rpcURLsEnv != "" {
		if strings.Contains(rpcURLsEnv, ",") {
			urls := strings.Split(rpcURLsEnv, ",")
			for i := range urls {
				urls[i] = strings.TrimSpace(urls[i])
			}
			cfg.RPCUrls = urls
		}
	}

	// 6. Normalize: convert single rpc_url to rpc_urls array, derive ws_url
	if err := cfg.Normalize(); err != nil {
		return nil, fmt.Errorf("config normalization failed: %w", err)
	}

	// 7. Validate with validator
	validate := NewValidator()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults loads config with DATABASE_URL from environment
func LoadWithDefaults(configPath string) (*Config, string, error) {
	cfg, err := Load(configPath)
	if err != nil {
		return nil, "", err
	}

	databaseURL, err := DatabaseURL()
	if err != nil {
		return nil, "", err
	}

	return cfg, databaseURL, nil
}

// DatabaseURL reads the mandatory DATABASE_URL from the environment
func DatabaseURL() (string, error) {
	v := viper.New()
	v.BindEnv("database_url", "DATABASE_URL")
	dsn := v.GetString("database_url")
	if dsn == "" {
		return "", fmt.Errorf("DATABASE_URL is required")
	}
	return dsn, nil
}
