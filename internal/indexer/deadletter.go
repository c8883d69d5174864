package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ownershipMirror/internal/model"
	"ownershipMirror/internal/storage"
)

const defaultDueBatch = 500

// TerminalSink receives dead letters that reached the retry ceiling.
type TerminalSink interface {
	PutDeadLetters(entries []model.DeadLetter) error
}

// DeadLetterQueue keeps transfers that failed to apply until a retry succeeds
// or the retry ceiling is reached. Entries at the ceiling stay in the store.
type DeadLetterQueue struct {
	store    storage.Store
	ceiling  int
	timeout  time.Duration
	terminal TerminalSink
	metrics  *Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewDeadLetterQueue builds a queue. terminal may be nil.
func NewDeadLetterQueue(store storage.Store, ceiling int, timeout time.Duration, terminal TerminalSink, metrics *Metrics, logger *zap.Logger) *DeadLetterQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeadLetterQueue{
		store:    store,
		ceiling:  ceiling,
		timeout:  timeout,
		terminal: terminal,
		metrics:  metrics.orNop(),
		logger:   logger,
		now:      time.Now,
	}
}

// Ceiling returns the retry ceiling.
func (q *DeadLetterQueue) Ceiling() int {
	return q.ceiling
}

// Record stores the failed transfer, or bumps its retry count if already present.
// It counts as one attempt, so only retries of an existing entry should use it.
func (q *DeadLetterQueue) Record(ctx context.Context, t model.Transfer, cause error) (model.DeadLetter, error) {
	ctx, cancel := q.withTimeout(ctx)
	defer cancel()

	entry, err := q.store.RecordDeadLetter(ctx, t, errorText(cause), q.now())
	if err != nil {
		return model.DeadLetter{}, fmt.Errorf("record dead letter %s: %w", t.Key(), err)
	}
	q.recorded(entry, cause)
	return entry, nil
}

// Hold stores a transfer seen failing during ingestion. An entry that already
// exists is returned unchanged, so re-walking the same blocks does not spend
// its retries.
func (q *DeadLetterQueue) Hold(ctx context.Context, t model.Transfer, cause error) (model.DeadLetter, error) {
	ctx, cancel := q.withTimeout(ctx)
	defer cancel()

	entry, inserted, err := q.store.InsertDeadLetter(ctx, t, errorText(cause), q.now())
	if err != nil {
		return model.DeadLetter{}, fmt.Errorf("hold dead letter %s: %w", t.Key(), err)
	}
	if !inserted {
		q.logger.Debug("transfer already dead-lettered",
			zap.String("asset_id", t.AssetID),
			zap.Uint64("block_number", t.BlockNumber),
			zap.String("tx_hash", t.TxHash),
			zap.Int("retry_count", entry.RetryCount),
		)
		return entry, nil
	}
	q.recorded(entry, cause)
	return entry, nil
}

func (q *DeadLetterQueue) recorded(entry model.DeadLetter, cause error) {
	reason := KindOf(cause).String()
	if errors.Is(cause, errQueueOverflow) {
		reason = "overflow"
	}
	q.metrics.DeadLetters.WithLabelValues(reason).Inc()
	if entry.Exhausted(q.ceiling) {
		q.exhausted(entry)
		return
	}
	q.logger.Warn("transfer dead-lettered",
		zap.String("asset_id", entry.AssetID),
		zap.Uint64("block_number", entry.BlockNumber),
		zap.String("tx_hash", entry.TxHash),
		zap.Int("retry_count", entry.RetryCount),
		zap.Error(cause),
	)
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

// DueForRetry returns entries below the ceiling whose last attempt is older
// than quietPeriod.
func (q *DeadLetterQueue) DueForRetry(ctx context.Context, quietPeriod time.Duration) ([]model.DeadLetter, error) {
	ctx, cancel := q.withTimeout(ctx)
	defer cancel()

	entries, err := q.store.DueDeadLetters(ctx, q.now().Add(-quietPeriod), q.ceiling, defaultDueBatch)
	if err != nil {
		return nil, fmt.Errorf("load due dead letters: %w", err)
	}
	return entries, nil
}

// Resolve deletes an entry after its transfer was applied.
func (q *DeadLetterQueue) Resolve(ctx context.Context, key model.TransferKey) error {
	ctx, cancel := q.withTimeout(ctx)
	defer cancel()

	if err := q.store.ResolveDeadLetter(ctx, key); err != nil {
		return fmt.Errorf("resolve dead letter %s: %w", key, err)
	}
	return nil
}

// Terminal lists entries that reached the retry ceiling.
func (q *DeadLetterQueue) Terminal(ctx context.Context) ([]model.DeadLetter, error) {
	ctx, cancel := q.withTimeout(ctx)
	defer cancel()

	return q.store.TerminalDeadLetters(ctx, q.ceiling)
}

func (q *DeadLetterQueue) exhausted(entry model.DeadLetter) {
	q.metrics.DeadLetters.WithLabelValues("exhausted").Inc()
	q.logger.Error("dead letter exhausted retries; operator action required",
		zap.String("asset_id", entry.AssetID),
		zap.Uint64("block_number", entry.BlockNumber),
		zap.String("tx_hash", entry.TxHash),
		zap.Int("retry_count", entry.RetryCount),
		zap.String("last_error", entry.LastError),
		zap.Time("first_failed_at", entry.FirstFailedAt),
	)
	if q.terminal == nil {
		return
	}
	if err := q.terminal.PutDeadLetters([]model.DeadLetter{entry}); err != nil {
		q.logger.Error("write terminal failure log", zap.Error(err), zap.String("key", entry.Key().String()))
	}
}

func (q *DeadLetterQueue) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if q.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, q.timeout)
}
