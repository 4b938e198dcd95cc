package cmd

import (
	"log/slog"

	"github.com/matrixise/ethbalance/internal/config"
	"github.com/matrixise/ethbalance/internal/logger"
	"github.com/matrixise/ethbalance/internal/scheduler"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Validate configuration file",
	Long:  `Validate the configuration file syntax and values without running the application.`,
	RunE:  validateConfig,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func validateConfig(cmd *cobra.Command, args []string) error {
	// Setup logger
	logger.Setup(logLevel)

	// Load config
	cfg, databaseURL, err := config.LoadWithDefaults(cfgFile)
	if err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return err
	}

	sweep := "disabled"
	if cfg.SweepEnabled() {
		sweep = scheduler.DescribeSchedule(cfg.Sweep.Interval, cfg.GetTimezone())
	}

	slog.Info("✓ Configuration valid",
		"rpc_endpoints", len(cfg.RPCUrls),
		"ws_url", cfg.WSUrl,
		"cache_backend", cfg.Cache.Backend,
		"lock_backend", cfg.Lock.Backend,
		"bus_backend", cfg.Bus.Backend,
		"workers", cfg.Reconcile.Workers,
		"sweep", sweep,
		"log_level", cfg.LogLevel,
		"database_url_set", databaseURL != "",
	)

	return nil
}
