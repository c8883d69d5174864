package erc721

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"ownershipMirror/internal/model"
)

// ErrMalformedLog is returned for logs that are not ERC-721 Transfer events.
var ErrMalformedLog = errors.New("malformed transfer log")

// TransferTopic returns the Transfer event signature hash.
func TransferTopic() (common.Hash, error) {
	parsed, err := ABI()
	if err != nil {
		return common.Hash{}, err
	}
	return parsed.Events["Transfer"].ID, nil
}

// DecodeTransfer converts a raw Transfer log into a model.Transfer.
//
// ERC-20 shares the Transfer signature but indexes only two topics, so the
// topic count is what distinguishes the two.
func DecodeTransfer(log types.Log) (model.Transfer, error) {
	topic, err := TransferTopic()
	if err != nil {
		return model.Transfer{}, fmt.Errorf("parse erc721 abi: %w", err)
	}
	if log.Removed {
		return model.Transfer{}, fmt.Errorf("%w: removed log at block %d", ErrMalformedLog, log.BlockNumber)
	}
	if len(log.Topics) != 4 {
		return model.Transfer{}, fmt.Errorf("%w: expected 4 topics, got %d", ErrMalformedLog, len(log.Topics))
	}
	if log.Topics[0] != topic {
		return model.Transfer{}, fmt.Errorf("%w: unexpected topic0 %s", ErrMalformedLog, log.Topics[0].Hex())
	}
	if (log.TxHash == common.Hash{}) {
		return model.Transfer{}, fmt.Errorf("%w: missing tx hash", ErrMalformedLog)
	}

	return model.Transfer{
		AssetID:     AssetIDFromTopic(log.Topics[3]),
		From:        common.BytesToAddress(log.Topics[1].Bytes()).Hex(),
		To:          common.BytesToAddress(log.Topics[2].Bytes()).Hex(),
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash.Hex(),
		LogIndex:    uint64(log.Index),
		ObservedAt:  time.Now().UTC(),
	}, nil
}

// AssetIDFromTopic renders an indexed uint256 token id as a base-10 string.
func AssetIDFromTopic(topic common.Hash) string {
	return new(big.Int).SetBytes(topic.Bytes()).String()
}

// ParseAssetID parses a base-10 asset id into a token id.
func ParseAssetID(assetID string) (*big.Int, error) {
	id, ok := new(big.Int).SetString(assetID, 10)
	if !ok || id.Sign() < 0 {
		return nil, fmt.Errorf("invalid asset id: %q", assetID)
	}
	return id, nil
}
