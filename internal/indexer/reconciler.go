package indexer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"ownershipMirror/internal/ledger"
	"ownershipMirror/internal/model"
	"ownershipMirror/internal/storage"
)

// ReconcileMode selects which asset ids a reconciliation pass visits.
type ReconcileMode string

const (
	// ReconcileStore visits every asset id already in the store.
	ReconcileStore ReconcileMode = "store"
	// ReconcileIndex visits ids 0..totalSupply-1, for contracts with dense ids.
	ReconcileIndex ReconcileMode = "index"
)

// ParseReconcileMode validates a mode name.
func ParseReconcileMode(input string) (ReconcileMode, error) {
	switch ReconcileMode(input) {
	case ReconcileStore, ReconcileIndex:
		return ReconcileMode(input), nil
	case "":
		return ReconcileStore, nil
	default:
		return "", fmt.Errorf("unsupported reconcile mode: %s", input)
	}
}

// ReconcilerConfig holds runtime settings for reconciliation.
type ReconcilerConfig struct {
	Interval     time.Duration
	Mode         ReconcileMode
	OnStart      bool
	PageSize     int
	StoreTimeout time.Duration
}

// ReconcileReport summarizes one pass.
type ReconcileReport struct {
	Checked   int
	Corrected int
	Missing   int
	Failed    int
}

// Reconciler compares stored owners against the ledger and overwrites drift.
type Reconciler struct {
	cfg     ReconcilerConfig
	gateway ledger.Gateway
	store   storage.Store
	metrics *Metrics
	logger  *zap.Logger
}

// NewReconciler builds a Reconciler with its dependencies.
func NewReconciler(cfg ReconcilerConfig, gateway ledger.Gateway, store storage.Store, metrics *Metrics, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Mode == "" {
		cfg.Mode = ReconcileStore
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	return &Reconciler{
		cfg:     cfg,
		gateway: gateway,
		store:   store,
		metrics: metrics.orNop(),
		logger:  logger,
	}
}

// Run reconciles on every interval until ctx is done. Pass errors are
// logged; they never stop the schedule.
func (r *Reconciler) Run(ctx context.Context) error {
	runEvery(ctx, r.cfg.Interval, r.cfg.OnStart, func(ctx context.Context) {
		start := time.Now()
		report, err := r.Pass(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Error("reconcile pass failed", zap.Error(err))
			return
		}
		r.logger.Info("reconcile pass complete",
			zap.Int("checked", report.Checked),
			zap.Int("corrected", report.Corrected),
			zap.Int("missing", report.Missing),
			zap.Int("failed", report.Failed),
			zap.Duration("took", time.Since(start)),
		)
	})
	return nil
}

// Pass reconciles every asset once against a single ledger height.
func (r *Reconciler) Pass(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	height, err := r.gateway.CurrentHeight(ctx)
	if err != nil {
		return report, fmt.Errorf("get chain head: %w", err)
	}

	visit := func(id string) {
		r.reconcileOne(ctx, id, height, &report)
	}

	switch r.cfg.Mode {
	case ReconcileIndex:
		total, err := r.gateway.TotalAssetCount(ctx, height)
		if err != nil {
			return report, fmt.Errorf("get total asset count: %w", err)
		}
		for i := uint64(0); i < total; i++ {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			visit(strconv.FormatUint(i, 10))
		}
	default:
		after := ""
		for {
			ids, err := r.assetPage(ctx, after)
			if err != nil {
				return report, fmt.Errorf("list assets after %q: %w", after, err)
			}
			for _, id := range ids {
				if ctx.Err() != nil {
					return report, ctx.Err()
				}
				visit(id)
			}
			if len(ids) < r.cfg.PageSize {
				break
			}
			after = ids[len(ids)-1]
		}
	}

	return report, nil
}

func (r *Reconciler) assetPage(ctx context.Context, after string) ([]string, error) {
	ctx, cancel := r.storeContext(ctx)
	defer cancel()
	return r.store.AssetIDs(ctx, after, r.cfg.PageSize)
}

func (r *Reconciler) reconcileOne(ctx context.Context, id string, height uint64, report *ReconcileReport) {
	report.Checked++
	r.metrics.ReconcileChecked.Inc()

	owner, err := r.gateway.CurrentOwnerOf(ctx, id, height)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			report.Missing++
			r.logger.Debug("asset not found on ledger", zap.String("asset_id", id))
			return
		}
		r.fail(report, id, err)
		return
	}

	storeCtx, cancel := r.storeContext(ctx)
	defer cancel()

	stored, found, err := r.store.Asset(storeCtx, id)
	if err != nil {
		r.fail(report, id, err)
		return
	}
	if found && (stored.CurrentOwner == owner || stored.LastAppliedBlock > height) {
		return
	}

	var written bool
	err = r.store.InTx(storeCtx, func(tx storage.Tx) error {
		var err error
		written, err = tx.UpsertAsset(storeCtx, model.Asset{ID: id, CurrentOwner: owner, LastAppliedBlock: height})
		return err
	})
	if err != nil {
		r.fail(report, id, err)
		return
	}
	if !written {
		return
	}

	report.Corrected++
	r.metrics.ReconcileCorrected.Inc()
	r.logger.Info("ownership drift corrected",
		zap.String("asset_id", id),
		zap.String("stored_owner", stored.CurrentOwner),
		zap.String("ledger_owner", owner),
		zap.Uint64("stored_block", stored.LastAppliedBlock),
		zap.Uint64("height", height),
	)
}

func (r *Reconciler) fail(report *ReconcileReport, id string, err error) {
	report.Failed++
	r.metrics.ReconcileFailed.Inc()
	r.logger.Warn("reconcile asset failed", zap.String("asset_id", id), zap.Error(err))
}

func (r *Reconciler) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.cfg.StoreTimeout)
}
