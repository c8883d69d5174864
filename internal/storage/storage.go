package storage

import (
	"context"
	"errors"
	"time"

	"ownershipMirror/internal/model"
)

// ErrConflict reports a transaction the store could not commit
// (serialization failure, deadlock, busy database). Callers may retry.
var ErrConflict = errors.New("store transaction conflict")

// Tx is the set of operations available inside one atomic unit.
type Tx interface {
	// InsertTransfer inserts a transfer record and reports whether it was new.
	InsertTransfer(ctx context.Context, transfer model.Transfer) (bool, error)
	// LockAsset reads an asset and holds it for the rest of the transaction.
	LockAsset(ctx context.Context, id string) (model.Asset, bool, error)
	// UpsertAsset writes an asset unless the stored record is at a later block.
	UpsertAsset(ctx context.Context, asset model.Asset) (bool, error)
}

// Store is the durable state of the mirror.
type Store interface {
	// InTx runs fn in a single transaction, committing when fn returns nil.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	LatestTransferBlock(ctx context.Context) (uint64, bool, error)
	Asset(ctx context.Context, id string) (model.Asset, bool, error)
	// AssetIDs pages through known asset ids in ascending order after afterID.
	AssetIDs(ctx context.Context, afterID string, limit int) ([]string, error)
	AssetsOwnedBy(ctx context.Context, owner string) ([]string, error)
	TransfersOf(ctx context.Context, assetID string) ([]model.Transfer, error)

	// RecordDeadLetter inserts a dead letter or bumps its retry count.
	RecordDeadLetter(ctx context.Context, transfer model.Transfer, lastError string, now time.Time) (model.DeadLetter, error)
	// InsertDeadLetter inserts a dead letter unless one exists for the same
	// key, returning the stored entry and whether it was new.
	InsertDeadLetter(ctx context.Context, transfer model.Transfer, lastError string, now time.Time) (model.DeadLetter, bool, error)
	DueDeadLetters(ctx context.Context, attemptedBefore time.Time, ceiling int, limit int) ([]model.DeadLetter, error)
	TerminalDeadLetters(ctx context.Context, ceiling int) ([]model.DeadLetter, error)
	ResolveDeadLetter(ctx context.Context, key model.TransferKey) error

	Migrate(ctx context.Context) error
	Close()
}
