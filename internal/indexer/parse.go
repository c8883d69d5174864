package indexer

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ParseAddress converts a hex string into common.Address.
func ParseAddress(input string) (common.Address, error) {
	input = strings.TrimSpace(input)
	if !common.IsHexAddress(input) {
		return common.Address{}, fmt.Errorf("invalid address: %s", input)
	}
	return common.HexToAddress(input), nil
}

// NormalizeOwner returns the checksum form the store keys owners by.
func NormalizeOwner(input string) (string, error) {
	addr, err := ParseAddress(input)
	if err != nil {
		return "", err
	}
	return addr.Hex(), nil
}
