// Package ledger is the typed contract over the ledger RPC node.
package ledger

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/core/types"
)

var (
	// ErrUnavailable reports a transport failure talking to the node.
	ErrUnavailable = errors.New("ledger unavailable")
	// ErrTimeout reports a call that exceeded its deadline.
	ErrTimeout = errors.New("ledger timeout")
	// ErrNotFound reports an asset the ledger does not know about.
	ErrNotFound = errors.New("asset not found on ledger")
)

// Gateway exposes the ledger operations the mirror relies on. No call is
// assumed idempotent; callers own retries and deduplication.
type Gateway interface {
	CurrentHeight(ctx context.Context) (uint64, error)
	RangeEvents(ctx context.Context, fromBlock, toBlock uint64) ([]types.Log, error)
	SubscribeEvents(ctx context.Context) (EventStream, error)
	// CurrentOwnerOf returns the checksum owner address. atBlock 0 means latest.
	CurrentOwnerOf(ctx context.Context, assetID string, atBlock uint64) (string, error)
	TotalAssetCount(ctx context.Context, atBlock uint64) (uint64, error)
	Close()
}

// EventStream is a live, non-restartable feed of transfer logs.
//
// Err delivers at most one error wrapping ErrUnavailable when the transport
// is lost. Close releases the underlying subscription and is safe to call
// more than once.
type EventStream interface {
	Events() <-chan types.Log
	Err() <-chan error
	Close()
}
