package erc721

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// PackOwnerOf encodes an ownerOf(tokenId) call.
func PackOwnerOf(tokenID *big.Int) ([]byte, error) {
	parsed, err := ABI()
	if err != nil {
		return nil, err
	}
	return parsed.Pack("ownerOf", tokenID)
}

// UnpackOwnerOf decodes the ownerOf return value.
func UnpackOwnerOf(data []byte) (common.Address, error) {
	parsed, err := ABI()
	if err != nil {
		return common.Address{}, err
	}
	values, err := parsed.Unpack("ownerOf", data)
	if err != nil {
		return common.Address{}, err
	}
	if len(values) == 0 {
		return common.Address{}, fmt.Errorf("empty ownerOf result")
	}
	owner, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("unexpected ownerOf type %T", values[0])
	}
	return owner, nil
}

// PackTotalSupply encodes a totalSupply() call.
func PackTotalSupply() ([]byte, error) {
	parsed, err := ABI()
	if err != nil {
		return nil, err
	}
	return parsed.Pack("totalSupply")
}

// UnpackTotalSupply decodes the totalSupply return value.
func UnpackTotalSupply(data []byte) (uint64, error) {
	parsed, err := ABI()
	if err != nil {
		return 0, err
	}
	values, err := parsed.Unpack("totalSupply", data)
	if err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return 0, fmt.Errorf("empty totalSupply result")
	}
	supply, ok := values[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("unexpected totalSupply type %T", values[0])
	}
	if !supply.IsUint64() {
		return 0, fmt.Errorf("total supply does not fit in uint64: %s", supply)
	}
	return supply.Uint64(), nil
}
