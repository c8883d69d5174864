package model

import (
	"fmt"
	"time"
)

// TransferKey is the logical identity of a transfer event.
type TransferKey struct {
	AssetID     string `json:"asset_id"`
	BlockNumber uint64 `json:"block_number"`
	TxHash      string `json:"tx_hash"`
}

func (k TransferKey) String() string {
	return fmt.Sprintf("%s:%d:%s", k.AssetID, k.BlockNumber, k.TxHash)
}

// Transfer is a normalized ownership transfer observed on the ledger.
type Transfer struct {
	AssetID     string    `json:"asset_id"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	BlockNumber uint64    `json:"block_number"`
	TxHash      string    `json:"tx_hash"`
	LogIndex    uint64    `json:"log_index"`
	ObservedAt  time.Time `json:"observed_at"`
}

// Key returns the uniqueness key of the transfer.
func (t Transfer) Key() TransferKey {
	return TransferKey{AssetID: t.AssetID, BlockNumber: t.BlockNumber, TxHash: t.TxHash}
}
