package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"ownershipMirror/internal/api"
	"ownershipMirror/internal/config"
	"ownershipMirror/internal/indexer"
	"ownershipMirror/internal/ledger"
	"ownershipMirror/internal/storage"
	"ownershipMirror/internal/supervisor"
)

func main() {
	root := &cobra.Command{
		Use:          "indexer",
		Short:        "ERC-721 ownership mirror",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Backfill, follow the chain and serve ownership queries",
		RunE:  runMirror,
	}

	runCmd.Flags().String("rpc", "", "ledger RPC URL (ws:// or wss:// for live subscriptions)")
	runCmd.Flags().String("contract", "", "ERC-721 contract address")
	runCmd.Flags().Uint64("start-block", 0, "first block to backfill when the store is empty")
	runCmd.Flags().Uint64("chunk-size", 2000, "blocks per backfill chunk")
	runCmd.Flags().Int("chunk-retries", 3, "retries per backfill chunk")
	runCmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	runCmd.Flags().Int("apply-retries", 3, "in-place retries for live apply conflicts")
	runCmd.Flags().Int("queue-size", 256, "live event queue capacity")
	runCmd.Flags().Duration("reconcile-interval", time.Hour, "time between reconciliation passes")
	runCmd.Flags().String("reconcile-mode", "store", "asset ids to reconcile (store, index)")
	runCmd.Flags().Bool("reconcile-on-start", false, "run a reconciliation pass as soon as the mirror is live")
	runCmd.Flags().Duration("sweep-interval", 5*time.Minute, "time between dead letter sweeps")
	runCmd.Flags().Duration("dead-letter-quiet", time.Minute, "minimum time between retries of one dead letter")
	runCmd.Flags().String("terminal-log", "./data/dead_letters_terminal.jsonl", "JSONL file for dead letters that exhausted retries")
	runCmd.Flags().Duration("connect-retry-interval", 5*time.Second, "time between connection attempts")
	runCmd.Flags().Duration("restart-delay", 2*time.Second, "pause before reconnecting after a failed session")
	runCmd.Flags().Duration("rpc-timeout", 30*time.Second, "timeout for each ledger call")
	runCmd.Flags().String("http-addr", ":8080", "query API listen address, empty to disable")
	addStoreFlags(runCmd)

	root.AddCommand(runCmd)
	root.AddCommand(newOwnedCmd(), newDeadLettersCmd(), newMigrateCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runMirror(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		return err
	}
	mode, err := indexer.ParseReconcileMode(cfg.ReconcileMode)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := indexer.NewMetrics(reg)

	var terminal indexer.TerminalSink
	if cfg.TerminalLog != "" {
		terminal = storage.NewTerminalLog(cfg.TerminalLog)
	}

	contract := common.HexToAddress(cfg.Contract)
	connector := supervisor.ConnectorFunc(func(ctx context.Context) (*supervisor.Session, error) {
		gateway, err := ledger.DialEth(ctx, ledger.EthConfig{
			RPCURL:   cfg.RPCURL,
			Contract: contract,
			Timeout:  cfg.RPCTimeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		store, err := openStore(ctx, cfg)
		if err != nil {
			gateway.Close()
			return nil, err
		}
		return &supervisor.Session{Gateway: gateway, Store: store}, nil
	})

	sv := supervisor.New(supervisor.Config{
		Backfill: indexer.BackfillConfig{
			StartBlock:   cfg.StartBlock,
			ChunkSize:    cfg.ChunkSize,
			ChunkRetries: cfg.ChunkRetries,
			RetryBackoff: cfg.RetryBackoff,
			StoreTimeout: cfg.StoreTimeout,
		},
		Subscriber: indexer.SubscriberConfig{
			QueueSize:    cfg.QueueSize,
			ApplyRetries: cfg.ApplyRetries,
			RetryBackoff: cfg.RetryBackoff,
		},
		Reconciler: indexer.ReconcilerConfig{
			Interval:     cfg.ReconcileInterval,
			Mode:         mode,
			OnStart:      cfg.ReconcileOnStart,
			StoreTimeout: cfg.StoreTimeout,
		},
		Sweeper: indexer.SweeperConfig{
			Interval:    cfg.SweepInterval,
			QuietPeriod: cfg.DeadLetterQuiet,
		},
		DeadLetterCeiling:    cfg.DeadLetterCeiling,
		StoreTimeout:         cfg.StoreTimeout,
		ConnectRetryInterval: cfg.ConnectRetryInterval,
		RestartDelay:         cfg.RestartDelay,
	}, connector, terminal, metrics, reg, logger)

	logger.Info("mirror start",
		zap.String("rpc", cfg.RPCURL),
		zap.String("contract", contract.Hex()),
		zap.String("store_driver", cfg.StoreDriver),
		zap.Uint64("start_block", cfg.StartBlock),
		zap.Uint64("chunk_size", cfg.ChunkSize),
		zap.String("reconcile_mode", string(mode)),
		zap.Int("dead_letter_ceiling", cfg.DeadLetterCeiling),
		zap.String("http_addr", cfg.HTTPAddr),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sv.Run(gctx) })
	if cfg.HTTPAddr != "" {
		g.Go(func() error { return serveHTTP(gctx, cfg, sv, reg, logger) })
	}
	return g.Wait()
}

// serveHTTP opens a query-only store handle and serves the API until ctx
// is done.
func serveHTTP(ctx context.Context, cfg config.Config, sv *supervisor.Supervisor, gatherer prometheus.Gatherer, logger *zap.Logger) error {
	var store storage.Store
	policy := backoff.WithContext(backoff.NewConstantBackOff(cfg.ConnectRetryInterval), ctx)
	err := backoff.RetryNotify(func() error {
		var err error
		store, err = openStore(ctx, cfg)
		return err
	}, policy, func(err error, d time.Duration) {
		logger.Warn("open query store failed", zap.Error(err), zap.Duration("retry_in", d))
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer store.Close()

	handlers := api.NewHandlers(store, cfg.DeadLetterCeiling, func() (string, bool) {
		state := sv.State()
		return state.String(), state == supervisor.Live
	}, gatherer, logger)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handlers.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
