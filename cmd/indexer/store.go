package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"ownershipMirror/internal/config"
	"ownershipMirror/internal/storage"
	"ownershipMirror/internal/storage/postgres"
	"ownershipMirror/internal/storage/sqlite"
)

func addStoreFlags(cmd *cobra.Command) {
	cmd.Flags().String("store-driver", config.DriverPostgres, "store driver (postgres, sqlite)")
	cmd.Flags().String("store-dsn", "", "Postgres DSN or SQLite file path")
	cmd.Flags().Duration("store-timeout", 10*time.Second, "timeout for each store transaction")
	cmd.Flags().Int("dead-letter-ceiling", 5, "retries before a dead letter becomes terminal")
	cmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
}

func openStore(ctx context.Context, cfg config.Config) (storage.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		store, err := postgres.NewStore(ctx, cfg.StoreDSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.DriverSQLite:
		if dir := filepath.Dir(cfg.StoreDSN); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create store dir: %w", err)
			}
		}
		store, err := sqlite.Open(ctx, cfg.StoreDSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %q", cfg.StoreDriver)
	}
}

// loadStoreConfig loads config for commands that only talk to the store.
func loadStoreConfig(cmd *cobra.Command) (config.Config, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.ValidateStore(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
