package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ownershipMirror/internal/model"
	"ownershipMirror/internal/storage"
)

const (
	serializationFailure = "40001"
	deadlockDetected     = "40P01"
)

// Store provides Postgres persistence for the ownership mirror.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate creates tables and indexes if missing.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// InTx runs fn inside a transaction.
func (s *Store) InTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
	return mapError(err)
}

// LatestTransferBlock returns the highest block with a recorded transfer.
func (s *Store) LatestTransferBlock(ctx context.Context) (uint64, bool, error) {
	var block *int64
	row := s.pool.QueryRow(ctx, `SELECT max(block_number) FROM transfers`)
	if err := row.Scan(&block); err != nil {
		return 0, false, err
	}
	if block == nil {
		return 0, false, nil
	}
	return uint64(*block), true, nil
}

func (s *Store) Asset(ctx context.Context, id string) (model.Asset, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, current_owner, last_applied_block, updated_at FROM assets WHERE id=$1`, id)
	return scanAsset(row)
}

func (s *Store) AssetIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM assets WHERE id > $1 ORDER BY id LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// AssetsOwnedBy returns the ids of assets currently owned by owner.
func (s *Store) AssetsOwnedBy(ctx context.Context, owner string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM assets WHERE current_owner=$1 ORDER BY id`, owner)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Store) TransfersOf(ctx context.Context, assetID string) ([]model.Transfer, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT asset_id, from_address, to_address, block_number, tx_hash, log_index, observed_at
		FROM transfers WHERE asset_id=$1 ORDER BY block_number, log_index
	`, assetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Transfer
	for rows.Next() {
		var t model.Transfer
		var block, logIndex int64
		if err := rows.Scan(&t.AssetID, &t.From, &t.To, &block, &t.TxHash, &logIndex, &t.ObservedAt); err != nil {
			return nil, err
		}
		t.BlockNumber = uint64(block)
		t.LogIndex = uint64(logIndex)
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecordDeadLetter inserts a dead letter or bumps the retry count of an existing one.
func (s *Store) RecordDeadLetter(ctx context.Context, t model.Transfer, lastError string, now time.Time) (model.DeadLetter, error) {
	entry := model.DeadLetter{Transfer: t, LastError: lastError}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO dead_letters (
			asset_id, block_number, tx_hash, log_index, from_address, to_address,
			last_error, retry_count, first_failed_at, last_attempt_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $8)
		ON CONFLICT (asset_id, block_number, tx_hash)
		DO UPDATE SET
			retry_count = dead_letters.retry_count + 1,
			last_error = EXCLUDED.last_error,
			last_attempt_at = EXCLUDED.last_attempt_at
		RETURNING retry_count, first_failed_at, last_attempt_at
	`,
		t.AssetID,
		int64(t.BlockNumber),
		t.TxHash,
		int64(t.LogIndex),
		t.From,
		t.To,
		lastError,
		now.UTC(),
	)
	if err := row.Scan(&entry.RetryCount, &entry.FirstFailedAt, &entry.LastAttemptAt); err != nil {
		return model.DeadLetter{}, err
	}
	return entry, nil
}

// InsertDeadLetter inserts a dead letter with a zero retry count. An existing
// entry for the key is left untouched and returned.
func (s *Store) InsertDeadLetter(ctx context.Context, t model.Transfer, lastError string, now time.Time) (model.DeadLetter, bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO dead_letters (
			asset_id, block_number, tx_hash, log_index, from_address, to_address,
			last_error, retry_count, first_failed_at, last_attempt_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $8)
		ON CONFLICT (asset_id, block_number, tx_hash) DO NOTHING
	`,
		t.AssetID,
		int64(t.BlockNumber),
		t.TxHash,
		int64(t.LogIndex),
		t.From,
		t.To,
		lastError,
		now.UTC(),
	)
	if err != nil {
		return model.DeadLetter{}, false, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+deadLetterColumns+`
		FROM dead_letters
		WHERE asset_id=$1 AND block_number=$2 AND tx_hash=$3
	`, t.AssetID, int64(t.BlockNumber), t.TxHash)
	if err != nil {
		return model.DeadLetter{}, false, err
	}
	entries, err := collectDeadLetters(rows)
	if err != nil {
		return model.DeadLetter{}, false, err
	}
	if len(entries) == 0 {
		return model.DeadLetter{}, false, fmt.Errorf("dead letter %s vanished after insert", t.Key())
	}
	return entries[0], tag.RowsAffected() > 0, nil
}

func (s *Store) DueDeadLetters(ctx context.Context, attemptedBefore time.Time, ceiling int, limit int) ([]model.DeadLetter, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+deadLetterColumns+`
		FROM dead_letters
		WHERE retry_count < $1 AND last_attempt_at <= $2
		ORDER BY first_failed_at
		LIMIT $3
	`, ceiling, attemptedBefore.UTC(), limit)
	if err != nil {
		return nil, err
	}
	return collectDeadLetters(rows)
}

func (s *Store) TerminalDeadLetters(ctx context.Context, ceiling int) ([]model.DeadLetter, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+deadLetterColumns+`
		FROM dead_letters
		WHERE retry_count >= $1
		ORDER BY first_failed_at
	`, ceiling)
	if err != nil {
		return nil, err
	}
	return collectDeadLetters(rows)
}

func (s *Store) ResolveDeadLetter(ctx context.Context, key model.TransferKey) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM dead_letters WHERE asset_id=$1 AND block_number=$2 AND tx_hash=$3
	`, key.AssetID, int64(key.BlockNumber), key.TxHash)
	return err
}

// pgTx implements storage.Tx on a pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) InsertTransfer(ctx context.Context, tr model.Transfer) (bool, error) {
	observedAt := tr.ObservedAt
	if observedAt.IsZero() {
		observedAt = time.Now()
	}
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO transfers (
			asset_id, block_number, tx_hash, log_index, from_address, to_address, observed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (asset_id, block_number, tx_hash) DO NOTHING
	`,
		tr.AssetID,
		int64(tr.BlockNumber),
		tr.TxHash,
		int64(tr.LogIndex),
		tr.From,
		tr.To,
		observedAt.UTC(),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) LockAsset(ctx context.Context, id string) (model.Asset, bool, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT id, current_owner, last_applied_block, updated_at FROM assets WHERE id=$1 FOR UPDATE
	`, id)
	return scanAsset(row)
}

func (t *pgTx) UpsertAsset(ctx context.Context, a model.Asset) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO assets (id, current_owner, last_applied_block, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (id)
		DO UPDATE SET
			current_owner = EXCLUDED.current_owner,
			last_applied_block = EXCLUDED.last_applied_block,
			updated_at = now()
		WHERE assets.last_applied_block <= EXCLUDED.last_applied_block
	`, a.ID, a.CurrentOwner, int64(a.LastAppliedBlock))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

const deadLetterColumns = `asset_id, block_number, tx_hash, log_index, from_address, to_address,
			last_error, retry_count, first_failed_at, last_attempt_at`

func collectDeadLetters(rows pgx.Rows) ([]model.DeadLetter, error) {
	defer rows.Close()

	var out []model.DeadLetter
	for rows.Next() {
		var d model.DeadLetter
		var block, logIndex int64
		if err := rows.Scan(
			&d.AssetID, &block, &d.TxHash, &logIndex, &d.From, &d.To,
			&d.LastError, &d.RetryCount, &d.FirstFailedAt, &d.LastAttemptAt,
		); err != nil {
			return nil, err
		}
		d.BlockNumber = uint64(block)
		d.LogIndex = uint64(logIndex)
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanAsset(row pgx.Row) (model.Asset, bool, error) {
	var a model.Asset
	var block int64
	if err := row.Scan(&a.ID, &a.CurrentOwner, &block, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Asset{}, false, nil
		}
		return model.Asset{}, false, err
	}
	a.LastAppliedBlock = uint64(block)
	return a, true, nil
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == serializationFailure || pgErr.Code == deadlockDetected) {
		return fmt.Errorf("%w: %v", storage.ErrConflict, err)
	}
	return err
}
