package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// Client talks to one contract on an EVM node and only sees the logs of a
// single event signature.
//
// Subscriptions need a websocket or IPC endpoint; over plain HTTP every other
// call still works.
type Client struct {
	rpcClient *rpc.Client
	eth       *ethclient.Client
	contract  common.Address
	topic     common.Hash
}

// Dial connects to rpcURL and binds the client to contract and event topic.
func Dial(ctx context.Context, rpcURL string, contract common.Address, topic common.Hash) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}

	return &Client{
		rpcClient: rpcClient,
		eth:       ethclient.NewClient(rpcClient),
		contract:  contract,
		topic:     topic,
	}, nil
}

func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

// Head returns the latest block number.
func (c *Client) Head(ctx context.Context) (uint64, error) {
	return c.eth.BlockNumber(ctx)
}

// Logs returns the bound event's logs in [from, to].
func (c *Client) Logs(ctx context.Context, from, to uint64) ([]types.Log, error) {
	query := c.filter()
	query.FromBlock = new(big.Int).SetUint64(from)
	query.ToBlock = new(big.Int).SetUint64(to)
	return c.eth.FilterLogs(ctx, query)
}

// SubscribeLogs streams new logs of the bound event into ch.
func (c *Client) SubscribeLogs(ctx context.Context, ch chan<- types.Log) (ethereum.Subscription, error) {
	return c.eth.SubscribeFilterLogs(ctx, c.filter(), ch)
}

// Call runs a read-only call against the contract at block, or latest when
// block is 0.
func (c *Client) Call(ctx context.Context, input []byte, block uint64) ([]byte, error) {
	var at *big.Int
	if block > 0 {
		at = new(big.Int).SetUint64(block)
	}
	return c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: input}, at)
}

func (c *Client) filter() ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{c.topic}},
	}
}
