package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ownershipMirror/internal/indexer"
	"ownershipMirror/internal/model"
)

func newOwnedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "owned",
		Short: "List the asset ids an address currently owns",
		RunE:  runOwned,
	}
	cmd.Flags().String("address", "", "owner address")
	addStoreFlags(cmd)
	return cmd
}

func runOwned(cmd *cobra.Command, _ []string) error {
	cfg, err := loadStoreConfig(cmd)
	if err != nil {
		return err
	}
	raw, _ := cmd.Flags().GetString("address")
	owner, err := indexer.NormalizeOwner(raw)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	assets, err := store.AssetsOwnedBy(ctx, owner)
	if err != nil {
		return fmt.Errorf("query owned assets: %w", err)
	}
	if assets == nil {
		assets = []string{}
	}
	return writeJSON(cmd, map[string]interface{}{
		"owner":  owner,
		"assets": assets,
		"count":  len(assets),
	})
}

func newDeadLettersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "List dead-lettered transfers",
		RunE:  runDeadLetters,
	}
	cmd.Flags().Bool("terminal", false, "only entries that exhausted their retries")
	addStoreFlags(cmd)
	return cmd
}

func runDeadLetters(cmd *cobra.Command, _ []string) error {
	cfg, err := loadStoreConfig(cmd)
	if err != nil {
		return err
	}
	terminal, _ := cmd.Flags().GetBool("terminal")

	ctx := cmd.Context()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	var entries []model.DeadLetter
	if terminal {
		entries, err = store.TerminalDeadLetters(ctx, cfg.DeadLetterCeiling)
	} else {
		entries, err = store.DueDeadLetters(ctx, time.Now(), cfg.DeadLetterCeiling, 1000)
	}
	if err != nil {
		return fmt.Errorf("query dead letters: %w", err)
	}
	if entries == nil {
		entries = []model.DeadLetter{}
	}
	return writeJSON(cmd, entries)
}

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the store schema",
		RunE:  runMigrate,
	}
	addStoreFlags(cmd)
	return cmd
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadStoreConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := cmd.Context()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("schema up to date", zap.String("store_driver", cfg.StoreDriver))
	return nil
}

func writeJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
