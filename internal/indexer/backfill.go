package indexer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"ownershipMirror/internal/erc721"
	"ownershipMirror/internal/ledger"
	"ownershipMirror/internal/model"
	"ownershipMirror/internal/storage"
)

// BackfillConfig holds runtime settings for historical ingestion.
type BackfillConfig struct {
	StartBlock   uint64
	ChunkSize    uint64
	ChunkRetries int
	RetryBackoff time.Duration
	StoreTimeout time.Duration
}

// Backfill walks historical blocks in fixed-size chunks and applies every
// transfer it finds.
type Backfill struct {
	cfg     BackfillConfig
	gateway ledger.Gateway
	store   storage.Store
	applier *Applier
	dlq     *DeadLetterQueue
	metrics *Metrics
	logger  *zap.Logger
}

// NewBackfill builds a Backfill with its dependencies.
func NewBackfill(cfg BackfillConfig, gateway ledger.Gateway, store storage.Store, applier *Applier, dlq *DeadLetterQueue, metrics *Metrics, logger *zap.Logger) *Backfill {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 2000
	}
	return &Backfill{
		cfg:     cfg,
		gateway: gateway,
		store:   store,
		applier: applier,
		dlq:     dlq,
		metrics: metrics.orNop(),
		logger:  logger,
	}
}

// Run ingests from the block of the newest stored transfer up to the chain
// head observed at start. It returns the last block covered.
//
// The newest block is walked again because a failed chunk may have committed
// only part of it; re-applied transfers are duplicates.
func (b *Backfill) Run(ctx context.Context) (uint64, error) {
	from, err := b.resumeBlock(ctx)
	if err != nil {
		return 0, err
	}
	return b.CatchUp(ctx, from)
}

// CatchUp ingests [from, current head] and returns the last block covered.
func (b *Backfill) CatchUp(ctx context.Context, from uint64) (uint64, error) {
	var head uint64
	err := withRetry(ctx, b.cfg.ChunkRetries, b.cfg.RetryBackoff, b.notify("current height", 0, 0), func(ctx context.Context) error {
		var err error
		head, err = b.gateway.CurrentHeight(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("get chain head: %w", err)
	}
	if from < b.cfg.StartBlock {
		from = b.cfg.StartBlock
	}

	if from > head {
		b.logger.Info("backfill up to date", zap.Uint64("from", from), zap.Uint64("head", head))
		return from - 1, nil
	}

	ranges, err := SplitRange(from, head, b.cfg.ChunkSize)
	if err != nil {
		return 0, err
	}

	b.logger.Info("backfill start", zap.Uint64("from", from), zap.Uint64("to", head), zap.Int("chunks", len(ranges)))
	for _, blockRange := range ranges {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}

		var applied int
		err := withRetry(ctx, b.cfg.ChunkRetries, b.cfg.RetryBackoff, b.notify("backfill chunk", blockRange.From, blockRange.To), func(ctx context.Context) error {
			var err error
			applied, err = b.processChunk(ctx, blockRange)
			return err
		})
		if err != nil {
			return 0, fmt.Errorf("backfill chunk %d-%d: %w", blockRange.From, blockRange.To, err)
		}

		b.metrics.BackfillBlocks.Add(float64(blockRange.Len()))
		b.metrics.BackfillHead.Set(float64(blockRange.To))
		b.logger.Info("chunk complete", zap.Int("transfers", applied), zap.Uint64("from", blockRange.From), zap.Uint64("to", blockRange.To))
	}

	return head, nil
}

func (b *Backfill) resumeBlock(ctx context.Context) (uint64, error) {
	if b.cfg.StoreTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.StoreTimeout)
		defer cancel()
	}

	latest, ok, err := b.store.LatestTransferBlock(ctx)
	if err != nil {
		return 0, fmt.Errorf("load latest transfer block: %w", err)
	}
	if !ok {
		return b.cfg.StartBlock, nil
	}
	b.logger.Info("resume from store", zap.Uint64("latest_transfer_block", latest))
	return latest, nil
}

// processChunk applies every transfer in the range in log order. Transfers
// that can never apply are dead-lettered once; anything else fails the chunk.
func (b *Backfill) processChunk(ctx context.Context, blockRange BlockRange) (int, error) {
	logs, err := b.gateway.RangeEvents(ctx, blockRange.From, blockRange.To)
	if err != nil {
		return 0, err
	}
	sortLogs(logs)

	applied := 0
	for _, log := range logs {
		if log.Removed {
			skipRemoved(b.logger, log)
			continue
		}
		transfer, err := erc721.DecodeTransfer(log)
		if err != nil {
			if _, dlqErr := b.dlq.Hold(ctx, transferFromLog(log), newError(KindPermanentApply, "decode", err)); dlqErr != nil {
				return applied, dlqErr
			}
			continue
		}

		if _, err := b.applier.Apply(ctx, transfer); err != nil {
			if KindOf(err) != KindPermanentApply {
				return applied, err
			}
			if _, dlqErr := b.dlq.Hold(ctx, transfer, err); dlqErr != nil {
				return applied, dlqErr
			}
			continue
		}
		applied++
	}
	return applied, nil
}

func (b *Backfill) notify(op string, from, to uint64) func(int, error, time.Duration) {
	return func(attempt int, err error, delay time.Duration) {
		b.logger.Warn(op+" failed",
			zap.Error(err),
			zap.Uint64("from", from),
			zap.Uint64("to", to),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
		)
	}
}

func sortLogs(logs []types.Log) {
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})
}

// skipRemoved drops a log the node retracted after a reorg.
func skipRemoved(logger *zap.Logger, log types.Log) {
	logger.Warn("removed log ignored",
		zap.Uint64("block_number", log.BlockNumber),
		zap.String("tx_hash", log.TxHash.Hex()),
		zap.Uint("log_index", log.Index),
	)
}

// transferFromLog keeps the identity of a log that failed to decode so it can
// be dead-lettered and inspected. Parties are left empty: the log was never a
// valid transfer, so a later retry must not apply it.
func transferFromLog(log types.Log) model.Transfer {
	t := model.Transfer{
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash.Hex(),
		LogIndex:    uint64(log.Index),
		ObservedAt:  time.Now().UTC(),
	}
	if len(log.Topics) > 3 {
		t.AssetID = erc721.AssetIDFromTopic(log.Topics[3])
	}
	return t
}
