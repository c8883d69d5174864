package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ownershipMirror/internal/erc721"
	"ownershipMirror/internal/ledger"
	"ownershipMirror/internal/model"
)

var errQueueOverflow = errors.New("live queue full")

// SubscriberConfig holds runtime settings for live ingestion.
type SubscriberConfig struct {
	QueueSize    int
	ApplyRetries int
	RetryBackoff time.Duration
}

// Subscriber applies transfers from the live event stream. Transfers that
// fail to apply are dead-lettered; the stream itself is never paused on them.
type Subscriber struct {
	cfg     SubscriberConfig
	applier *Applier
	dlq     *DeadLetterQueue
	metrics *Metrics
	logger  *zap.Logger
}

// NewSubscriber builds a Subscriber with its dependencies.
func NewSubscriber(cfg SubscriberConfig, applier *Applier, dlq *DeadLetterQueue, metrics *Metrics, logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	return &Subscriber{
		cfg:     cfg,
		applier: applier,
		dlq:     dlq,
		metrics: metrics.orNop(),
		logger:  logger,
	}
}

// Run consumes stream until ctx is cancelled (returns nil) or the stream
// reports transport loss (returns a KindTransientTransport error). Events
// already queued are applied or dead-lettered before Run returns.
func (s *Subscriber) Run(ctx context.Context, stream ledger.EventStream) error {
	queue := make(chan types.Log, s.cfg.QueueSize)
	readCtx, stopReading := context.WithCancel(ctx)
	defer stopReading()

	// Queued events outlive cancellation so none are lost between the
	// stream and the store.
	drainCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.Go(func() error {
		defer close(queue)
		return s.read(readCtx, drainCtx, stream, queue)
	})
	g.Go(func() error {
		var firstErr error
		for log := range queue {
			s.metrics.QueueDepth.Set(float64(len(queue)))
			if err := s.handle(drainCtx, ctx, log); err != nil && firstErr == nil {
				firstErr = err
				stopReading()
			}
		}
		return firstErr
	})

	err := g.Wait()
	s.metrics.QueueDepth.Set(0)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		s.logger.Info("live subscriber stopped")
	}
	return nil
}

func (s *Subscriber) read(ctx, drainCtx context.Context, stream ledger.EventStream, queue chan<- types.Log) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-stream.Err():
			if ctx.Err() != nil {
				return nil
			}
			return newError(KindTransientTransport, "live subscription", err)
		case log, ok := <-stream.Events():
			if !ok {
				return newError(KindTransientTransport, "live subscription", fmt.Errorf("event stream closed: %w", ledger.ErrUnavailable))
			}
			select {
			case queue <- log:
			default:
				if err := s.overflow(drainCtx, log); err != nil {
					return err
				}
			}
		}
	}
}

func (s *Subscriber) overflow(ctx context.Context, log types.Log) error {
	if log.Removed {
		skipRemoved(s.logger, log)
		return nil
	}
	transfer, err := erc721.DecodeTransfer(log)
	if err != nil {
		transfer = transferFromLog(log)
	}
	if _, err := s.dlq.Hold(ctx, transfer, fmt.Errorf("%w (capacity %d)", errQueueOverflow, s.cfg.QueueSize)); err != nil {
		return fmt.Errorf("dead-letter overflow: %w", err)
	}
	return nil
}

// handle applies one log. Only a failure to dead-letter is returned, since
// that is the one case where the event would otherwise be lost.
func (s *Subscriber) handle(ctx, liveCtx context.Context, log types.Log) error {
	if log.Removed {
		skipRemoved(s.logger, log)
		return nil
	}
	transfer, err := erc721.DecodeTransfer(log)
	if err != nil {
		if _, dlqErr := s.dlq.Hold(ctx, transferFromLog(log), newError(KindPermanentApply, "decode", err)); dlqErr != nil {
			return dlqErr
		}
		return nil
	}

	if err := s.applyWithRetry(ctx, liveCtx, transfer); err != nil {
		if _, dlqErr := s.dlq.Hold(ctx, transfer, err); dlqErr != nil {
			return dlqErr
		}
	}
	return nil
}

// applyWithRetry retries conflicts in place while liveCtx is open.
func (s *Subscriber) applyWithRetry(ctx, liveCtx context.Context, transfer model.Transfer) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(backoff.WithInitialInterval(s.cfg.RetryBackoff)),
			uint64(max(s.cfg.ApplyRetries, 0)),
		),
		liveCtx,
	)

	var lastErr error
	err := backoff.RetryNotify(
		func() error {
			_, err := s.applier.Apply(ctx, transfer)
			lastErr = err
			if err != nil && !IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		},
		policy,
		func(err error, d time.Duration) {
			s.logger.Warn("live apply failed",
				zap.Error(err),
				zap.String("asset_id", transfer.AssetID),
				zap.Uint64("block_number", transfer.BlockNumber),
				zap.Duration("retry_in", d),
			)
		},
	)
	if err != nil && liveCtx.Err() != nil && lastErr != nil {
		return lastErr
	}
	return err
}
