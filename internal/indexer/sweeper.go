package indexer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"ownershipMirror/internal/model"
)

// SweeperConfig holds runtime settings for dead-letter retries.
type SweeperConfig struct {
	Interval    time.Duration
	QuietPeriod time.Duration
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Due       int
	Resolved  int
	Failed    int
	Exhausted int
}

// Sweeper periodically re-applies dead-lettered transfers.
type Sweeper struct {
	cfg     SweeperConfig
	applier *Applier
	dlq     *DeadLetterQueue
	metrics *Metrics
	logger  *zap.Logger
}

// NewSweeper builds a Sweeper with its dependencies.
func NewSweeper(cfg SweeperConfig, applier *Applier, dlq *DeadLetterQueue, metrics *Metrics, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &Sweeper{
		cfg:     cfg,
		applier: applier,
		dlq:     dlq,
		metrics: metrics.orNop(),
		logger:  logger,
	}
}

// Run sweeps on every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	runEvery(ctx, s.cfg.Interval, false, func(ctx context.Context) {
		report, err := s.SweepOnce(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error("dead letter sweep failed", zap.Error(err))
			}
			return
		}
		if report.Due > 0 {
			s.logger.Info("dead letter sweep complete",
				zap.Int("due", report.Due),
				zap.Int("resolved", report.Resolved),
				zap.Int("failed", report.Failed),
				zap.Int("exhausted", report.Exhausted),
			)
		}
	})
	return nil
}

// SweepOnce retries every due entry once. An entry is removed when its
// transfer applies (a duplicate counts as applied) and otherwise has its
// retry count bumped.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	entries, err := s.dlq.DueForRetry(ctx, s.cfg.QuietPeriod)
	if err != nil {
		return report, err
	}
	report.Due = len(entries)

	for _, entry := range entries {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		outcome, err := s.retry(ctx, entry)
		if err != nil {
			return report, err
		}
		switch outcome {
		case sweepResolved:
			report.Resolved++
		case sweepExhausted:
			report.Failed++
			report.Exhausted++
		default:
			report.Failed++
		}
	}
	return report, nil
}

type sweepOutcome int

const (
	sweepResolved sweepOutcome = iota
	sweepFailed
	sweepExhausted
)

func (s *Sweeper) retry(ctx context.Context, entry model.DeadLetter) (sweepOutcome, error) {
	result, applyErr := s.applier.Apply(ctx, entry.Transfer)
	if applyErr == nil {
		if err := s.dlq.Resolve(ctx, entry.Key()); err != nil {
			return sweepFailed, err
		}
		s.metrics.SweepResolved.Inc()
		s.logger.Info("dead letter resolved",
			zap.String("asset_id", entry.AssetID),
			zap.Uint64("block_number", entry.BlockNumber),
			zap.String("tx_hash", entry.TxHash),
			zap.Int("retry_count", entry.RetryCount),
			zap.Stringer("result", result),
		)
		return sweepResolved, nil
	}

	updated, err := s.dlq.Record(ctx, entry.Transfer, applyErr)
	if err != nil {
		return sweepFailed, err
	}
	if updated.Exhausted(s.dlq.Ceiling()) {
		return sweepExhausted, nil
	}
	return sweepFailed, nil
}
