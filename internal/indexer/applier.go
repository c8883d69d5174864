package indexer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"ownershipMirror/internal/model"
	"ownershipMirror/internal/storage"
)

// ApplyResult describes what an Apply call changed.
type ApplyResult int

const (
	// Applied inserted the transfer and advanced the asset's owner.
	Applied ApplyResult = iota + 1
	// Historical inserted the transfer but the asset was already at a later block.
	Historical
	// Duplicate found the transfer already recorded and changed nothing.
	Duplicate
)

func (r ApplyResult) String() string {
	switch r {
	case Applied:
		return "applied"
	case Historical:
		return "historical"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

var errInvalidTransfer = errors.New("invalid transfer")

// Applier writes transfer events to the store, one transaction per event.
type Applier struct {
	store   storage.Store
	timeout time.Duration
	metrics *Metrics
	logger  *zap.Logger
}

// NewApplier builds an Applier. timeout bounds each store transaction.
func NewApplier(store storage.Store, timeout time.Duration, metrics *Metrics, logger *zap.Logger) *Applier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Applier{
		store:   store,
		timeout: timeout,
		metrics: metrics.orNop(),
		logger:  logger,
	}
}

// Apply records the transfer and moves the asset to its new owner unless the
// asset already reflects a later block. Re-applying a recorded transfer is a
// no-op.
func (a *Applier) Apply(ctx context.Context, t model.Transfer) (ApplyResult, error) {
	if err := validateTransfer(t); err != nil {
		a.metrics.TransfersApplied.WithLabelValues("invalid").Inc()
		return 0, newError(KindPermanentApply, "apply "+t.Key().String(), err)
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	var result ApplyResult
	err := a.store.InTx(ctx, func(tx storage.Tx) error {
		inserted, err := tx.InsertTransfer(ctx, t)
		if err != nil {
			return fmt.Errorf("insert transfer: %w", err)
		}
		if !inserted {
			result = Duplicate
			return nil
		}

		current, found, err := tx.LockAsset(ctx, t.AssetID)
		if err != nil {
			return fmt.Errorf("lock asset: %w", err)
		}
		if found && t.BlockNumber < current.LastAppliedBlock {
			result = Historical
			return nil
		}

		written, err := tx.UpsertAsset(ctx, model.Asset{
			ID:               t.AssetID,
			CurrentOwner:     t.To,
			LastAppliedBlock: t.BlockNumber,
		})
		if err != nil {
			return fmt.Errorf("upsert asset: %w", err)
		}
		result = Applied
		if !written {
			result = Historical
		}
		return nil
	})
	if err != nil {
		a.metrics.TransfersApplied.WithLabelValues("conflict").Inc()
		return 0, newError(KindApplyConflict, "apply "+t.Key().String(), err)
	}

	a.metrics.TransfersApplied.WithLabelValues(result.String()).Inc()
	a.logger.Debug("transfer applied",
		zap.String("asset_id", t.AssetID),
		zap.Uint64("block_number", t.BlockNumber),
		zap.String("tx_hash", t.TxHash),
		zap.Stringer("result", result),
	)
	return result, nil
}

func validateTransfer(t model.Transfer) error {
	if strings.TrimSpace(t.AssetID) == "" {
		return fmt.Errorf("%w: missing asset id", errInvalidTransfer)
	}
	if strings.TrimSpace(t.TxHash) == "" {
		return fmt.Errorf("%w: missing tx hash", errInvalidTransfer)
	}
	if !common.IsHexAddress(t.From) {
		return fmt.Errorf("%w: invalid from address %q", errInvalidTransfer, t.From)
	}
	if !common.IsHexAddress(t.To) {
		return fmt.Errorf("%w: invalid to address %q", errInvalidTransfer, t.To)
	}
	return nil
}
