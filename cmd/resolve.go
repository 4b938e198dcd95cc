package cmd

import (
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/matrixise/ethbalance/internal/balance"
	"github.com/matrixise/ethbalance/internal/blockchain"
	"github.com/matrixise/ethbalance/internal/config"
	"github.com/matrixise/ethbalance/internal/logger"
	"github.com/matrixise/ethbalance/internal/storage"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <address>",
	Short: "Resolve the balance of an address",
	Long: `Resolve one balance through the cache, the ledger and the durable store,
exactly as the HTTP lookup does, and print it in wei and ether.`,
	Args: cobra.ExactArgs(1),
	RunE: resolveAddress,
}

func init() {
	rootCmd.AddCommand(resolveCmd)
}

func resolveAddress(cmd *cobra.Command, args []string) error {
	logger.Setup(logLevel)
	ctx := cmd.Context()

	cfg, databaseURL, err := config.LoadWithDefaults(cfgFile)
	if err != nil {
		slog.Error("Configuration error", "error", err)
		return err
	}

	store, err := storage.NewStore(ctx, databaseURL)
	if err != nil {
		slog.Error("Failed to connect to PostgreSQL", "error", err)
		return err
	}
	defer store.Close()

	var rdb *redis.Client
	if cfg.Cache.Backend == "redis" {
		if rdb, err = newRedisClient(ctx, cfg.Redis); err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			return err
		}
		defer rdb.Close()
	}

	client, err := blockchain.NewClient(cfg.RPCUrls, slog.Default())
	if err != nil {
		slog.Error("Failed to connect to RPC", "error", err)
		return err
	}
	defer client.Close()

	resolver := balance.NewResolver(client, store, newCache(cfg.Cache, rdb), slog.Default(), nil)
	// Flush the write-back before the connections close
	defer resolver.Close()

	res, err := resolver.Resolve(ctx, args[0])
	if err != nil {
		return err
	}
	ether, err := blockchain.FormatEther(res.Balance)
	if err != nil {
		return err
	}

	fmt.Printf("address: %s\n", res.Address)
	fmt.Printf("balance: %s wei (%s ETH)\n", res.Balance, ether)
	fmt.Printf("source:  %s\n", res.Source)
	return nil
}
