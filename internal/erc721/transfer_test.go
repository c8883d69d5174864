package erc721

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

func TestDecodeTransfer(t *testing.T) {
	topic, err := TransferTopic()
	if err != nil {
		t.Fatalf("transfer topic: %v", err)
	}

	from := common.HexToAddress("0x2222222222222222222222222222222222222222")
	to := common.HexToAddress("0x3333333333333333333333333333333333333333")
	txHash := common.HexToHash("0xabc")

	log := types.Log{
		Address:     common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Topics:      []common.Hash{topic, topicFromAddress(from), topicFromAddress(to), common.BigToHash(big.NewInt(7))},
		BlockNumber: 100,
		TxHash:      txHash,
		Index:       3,
	}

	transfer, err := DecodeTransfer(log)
	if err != nil {
		t.Fatalf("decode transfer: %v", err)
	}
	if transfer.AssetID != "7" {
		t.Fatalf("asset id mismatch: %s", transfer.AssetID)
	}
	if transfer.From != from.Hex() || transfer.To != to.Hex() {
		t.Fatalf("address mismatch: %+v", transfer)
	}
	if transfer.BlockNumber != 100 || transfer.TxHash != txHash.Hex() || transfer.LogIndex != 3 {
		t.Fatalf("position mismatch: %+v", transfer)
	}
}

func TestDecodeTransferRejectsERC20(t *testing.T) {
	topic, err := TransferTopic()
	if err != nil {
		t.Fatalf("transfer topic: %v", err)
	}

	log := types.Log{
		Topics:      []common.Hash{topic, {}, {}},
		Data:        common.BigToHash(big.NewInt(1000)).Bytes(),
		BlockNumber: 1,
		TxHash:      common.HexToHash("0x1"),
	}
	if _, err := DecodeTransfer(log); !errors.Is(err, ErrMalformedLog) {
		t.Fatalf("expected malformed log error, got %v", err)
	}
}

func TestDecodeTransferRejectsRemoved(t *testing.T) {
	topic, err := TransferTopic()
	if err != nil {
		t.Fatalf("transfer topic: %v", err)
	}

	log := types.Log{
		Topics:  []common.Hash{topic, {}, {}, common.BigToHash(big.NewInt(1))},
		TxHash:  common.HexToHash("0x1"),
		Removed: true,
	}
	if _, err := DecodeTransfer(log); !errors.Is(err, ErrMalformedLog) {
		t.Fatalf("expected malformed log error, got %v", err)
	}
}

func TestOwnerOfRoundTrip(t *testing.T) {
	input, err := PackOwnerOf(big.NewInt(42))
	if err != nil {
		t.Fatalf("pack ownerOf: %v", err)
	}
	if len(input) != 4+32 {
		t.Fatalf("unexpected calldata length: %d", len(input))
	}

	owner := common.HexToAddress("0x4444444444444444444444444444444444444444")
	got, err := UnpackOwnerOf(common.LeftPadBytes(owner.Bytes(), 32))
	if err != nil {
		t.Fatalf("unpack ownerOf: %v", err)
	}
	if got != owner {
		t.Fatalf("owner mismatch: %s", got.Hex())
	}
}

func TestUnpackTotalSupply(t *testing.T) {
	got, err := UnpackTotalSupply(common.BigToHash(big.NewInt(1234)).Bytes())
	if err != nil {
		t.Fatalf("unpack totalSupply: %v", err)
	}
	if got != 1234 {
		t.Fatalf("total supply mismatch: %d", got)
	}
}

func TestParseAssetID(t *testing.T) {
	id, err := ParseAssetID("115792089237316195423570985008687907853269984665640564039457584007913129639935")
	if err != nil {
		t.Fatalf("parse asset id: %v", err)
	}
	if id.BitLen() != 256 {
		t.Fatalf("expected 256-bit id, got %d bits", id.BitLen())
	}
	if _, err := ParseAssetID("0xabc"); err == nil {
		t.Fatalf("expected error for hex id")
	}
	if _, err := ParseAssetID("-1"); err == nil {
		t.Fatalf("expected error for negative id")
	}
}

func topicFromAddress(addr common.Address) common.Hash {
	return common.BytesToHash(common.LeftPadBytes(addr.Bytes(), 32))
}
