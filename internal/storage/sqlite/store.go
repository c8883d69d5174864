// Package sqlite provides a single-node SQLite store for the ownership mirror.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"ownershipMirror/internal/model"
	"ownershipMirror/internal/storage"
)

// Store persists mirror state in SQLite. All access goes through a single
// connection, so transactions from concurrent activities are serialized.
type Store struct {
	sqlDB *sql.DB
}

var _ storage.Store = (*Store)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens the SQLite database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

func (s *Store) Close() {
	if s == nil || s.sqlDB == nil {
		return
	}
	_ = s.sqlDB.Close()
}

// Migrate creates tables and indexes if missing.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.sqlDB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// InTx runs fn inside a transaction.
func (s *Store) InTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return mapError(fmt.Errorf("begin: %w", err))
	}
	if err := fn(&sqlTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return mapError(err)
	}
	if err := tx.Commit(); err != nil {
		return mapError(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (s *Store) LatestTransferBlock(ctx context.Context) (uint64, bool, error) {
	var block sql.NullInt64
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT max(block_number) FROM transfers`).Scan(&block); err != nil {
		return 0, false, err
	}
	if !block.Valid {
		return 0, false, nil
	}
	return uint64(block.Int64), true, nil
}

func (s *Store) Asset(ctx context.Context, id string) (model.Asset, bool, error) {
	row := s.sqlDB.QueryRowContext(ctx, `SELECT id, current_owner, last_applied_block, updated_at FROM assets WHERE id = ?`, id)
	return scanAsset(row)
}

func (s *Store) AssetIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT id FROM assets WHERE id > ? ORDER BY id LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, err
	}
	return collectStrings(rows)
}

// AssetsOwnedBy returns the ids of assets currently owned by owner.
func (s *Store) AssetsOwnedBy(ctx context.Context, owner string) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT id FROM assets WHERE current_owner = ? ORDER BY id`, owner)
	if err != nil {
		return nil, err
	}
	return collectStrings(rows)
}

func (s *Store) TransfersOf(ctx context.Context, assetID string) ([]model.Transfer, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT asset_id, from_address, to_address, block_number, tx_hash, log_index, observed_at
		FROM transfers WHERE asset_id = ? ORDER BY block_number, log_index
	`, assetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Transfer
	for rows.Next() {
		var t model.Transfer
		var block, logIndex, observedAt int64
		if err := rows.Scan(&t.AssetID, &t.From, &t.To, &block, &t.TxHash, &logIndex, &observedAt); err != nil {
			return nil, err
		}
		t.BlockNumber = uint64(block)
		t.LogIndex = uint64(logIndex)
		t.ObservedAt = fromMillis(observedAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecordDeadLetter inserts a dead letter or bumps the retry count of an existing one.
func (s *Store) RecordDeadLetter(ctx context.Context, t model.Transfer, lastError string, now time.Time) (model.DeadLetter, error) {
	entry := model.DeadLetter{Transfer: t, LastError: lastError}
	var firstFailed, lastAttempt int64
	row := s.sqlDB.QueryRowContext(ctx, `
		INSERT INTO dead_letters (
			asset_id, block_number, tx_hash, log_index, from_address, to_address,
			last_error, retry_count, first_failed_at, last_attempt_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (asset_id, block_number, tx_hash)
		DO UPDATE SET
			retry_count = dead_letters.retry_count + 1,
			last_error = excluded.last_error,
			last_attempt_at = excluded.last_attempt_at
		RETURNING retry_count, first_failed_at, last_attempt_at
	`,
		t.AssetID,
		int64(t.BlockNumber),
		t.TxHash,
		int64(t.LogIndex),
		t.From,
		t.To,
		lastError,
		toMillis(now),
		toMillis(now),
	)
	if err := row.Scan(&entry.RetryCount, &firstFailed, &lastAttempt); err != nil {
		return model.DeadLetter{}, err
	}
	entry.FirstFailedAt = fromMillis(firstFailed)
	entry.LastAttemptAt = fromMillis(lastAttempt)
	return entry, nil
}

// InsertDeadLetter inserts a dead letter with a zero retry count. An existing
// entry for the key is left untouched and returned.
func (s *Store) InsertDeadLetter(ctx context.Context, t model.Transfer, lastError string, now time.Time) (model.DeadLetter, bool, error) {
	res, err := s.sqlDB.ExecContext(ctx, `
		INSERT INTO dead_letters (
			asset_id, block_number, tx_hash, log_index, from_address, to_address,
			last_error, retry_count, first_failed_at, last_attempt_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (asset_id, block_number, tx_hash) DO NOTHING
	`,
		t.AssetID,
		int64(t.BlockNumber),
		t.TxHash,
		int64(t.LogIndex),
		t.From,
		t.To,
		lastError,
		toMillis(now),
		toMillis(now),
	)
	if err != nil {
		return model.DeadLetter{}, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return model.DeadLetter{}, false, err
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT `+deadLetterColumns+`
		FROM dead_letters
		WHERE asset_id = ? AND block_number = ? AND tx_hash = ?
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
	return entries[0], affected > 0, nil
}

func (s *Store) DueDeadLetters(ctx context.Context, attemptedBefore time.Time, ceiling int, limit int) ([]model.DeadLetter, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT `+deadLetterColumns+`
		FROM dead_letters
		WHERE retry_count < ? AND last_attempt_at <= ?
		ORDER BY first_failed_at
		LIMIT ?
	`, ceiling, toMillis(attemptedBefore), limit)
	if err != nil {
		return nil, err
	}
	return collectDeadLetters(rows)
}

func (s *Store) TerminalDeadLetters(ctx context.Context, ceiling int) ([]model.DeadLetter, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT `+deadLetterColumns+`
		FROM dead_letters
		WHERE retry_count >= ?
		ORDER BY first_failed_at
	`, ceiling)
	if err != nil {
		return nil, err
	}
	return collectDeadLetters(rows)
}

func (s *Store) ResolveDeadLetter(ctx context.Context, key model.TransferKey) error {
	_, err := s.sqlDB.ExecContext(ctx, `
		DELETE FROM dead_letters WHERE asset_id = ? AND block_number = ? AND tx_hash = ?
	`, key.AssetID, int64(key.BlockNumber), key.TxHash)
	return err
}

// sqlTx implements storage.Tx on a database/sql transaction.
type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) InsertTransfer(ctx context.Context, tr model.Transfer) (bool, error) {
	observedAt := tr.ObservedAt
	if observedAt.IsZero() {
		observedAt = time.Now()
	}
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO transfers (
			asset_id, block_number, tx_hash, log_index, from_address, to_address, observed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (asset_id, block_number, tx_hash) DO NOTHING
	`,
		tr.AssetID,
		int64(tr.BlockNumber),
		tr.TxHash,
		int64(tr.LogIndex),
		tr.From,
		tr.To,
		toMillis(observedAt),
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// LockAsset reads the asset; the single-connection pool already excludes
// concurrent writers for the lifetime of the transaction.
func (t *sqlTx) LockAsset(ctx context.Context, id string) (model.Asset, bool, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT id, current_owner, last_applied_block, updated_at FROM assets WHERE id = ?`, id)
	return scanAsset(row)
}

func (t *sqlTx) UpsertAsset(ctx context.Context, a model.Asset) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO assets (id, current_owner, last_applied_block, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id)
		DO UPDATE SET
			current_owner = excluded.current_owner,
			last_applied_block = excluded.last_applied_block,
			updated_at = excluded.updated_at
		WHERE assets.last_applied_block <= excluded.last_applied_block
	`, a.ID, a.CurrentOwner, int64(a.LastAppliedBlock), toMillis(time.Now()))
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

const deadLetterColumns = `asset_id, block_number, tx_hash, log_index, from_address, to_address,
			last_error, retry_count, first_failed_at, last_attempt_at`

func collectDeadLetters(rows *sql.Rows) ([]model.DeadLetter, error) {
	defer rows.Close()

	var out []model.DeadLetter
	for rows.Next() {
		var d model.DeadLetter
		var block, logIndex, firstFailed, lastAttempt int64
		if err := rows.Scan(
			&d.AssetID, &block, &d.TxHash, &logIndex, &d.From, &d.To,
			&d.LastError, &d.RetryCount, &firstFailed, &lastAttempt,
		); err != nil {
			return nil, err
		}
		d.BlockNumber = uint64(block)
		d.LogIndex = uint64(logIndex)
		d.FirstFailedAt = fromMillis(firstFailed)
		d.LastAttemptAt = fromMillis(lastAttempt)
		out = append(out, d)
	}
	return out, rows.Err()
}

func collectStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()

	var out []string
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		out = append(out, value)
	}
	return out, rows.Err()
}

func scanAsset(row *sql.Row) (model.Asset, bool, error) {
	var a model.Asset
	var block, updatedAt int64
	if err := row.Scan(&a.ID, &a.CurrentOwner, &block, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Asset{}, false, nil
		}
		return model.Asset{}, false, err
	}
	a.LastAppliedBlock = uint64(block)
	a.UpdatedAt = fromMillis(updatedAt)
	return a, true, nil
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_BUSY, sqlite3lib.SQLITE_LOCKED:
			return fmt.Errorf("%w: %v", storage.ErrConflict, err)
		}
	}
	return err
}
