package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"ownershipMirror/internal/chain"
	"ownershipMirror/internal/erc721"
)

const defaultStreamBuffer = 1024

// EthConfig configures an EthGateway.
type EthConfig struct {
	RPCURL       string
	Contract     common.Address
	Timeout      time.Duration
	StreamBuffer int
}

// EthGateway implements Gateway against an EVM JSON-RPC node.
type EthGateway struct {
	cfg    EthConfig
	client *chain.Client
	logger *zap.Logger
}

// DialEth connects to the node and returns a ready gateway.
func DialEth(ctx context.Context, cfg EthConfig, logger *zap.Logger) (*EthGateway, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = defaultStreamBuffer
	}

	topic, err := erc721.TransferTopic()
	if err != nil {
		return nil, fmt.Errorf("parse erc721 abi: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	client, err := chain.Dial(dialCtx, cfg.RPCURL, cfg.Contract, topic)
	if err != nil {
		return nil, classify("dial rpc", err)
	}

	return &EthGateway{cfg: cfg, client: client, logger: logger}, nil
}

// Close closes the RPC connection.
func (g *EthGateway) Close() {
	if g.client != nil {
		g.client.Close()
	}
}

// CurrentHeight returns the latest block number.
func (g *EthGateway) CurrentHeight(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	height, err := g.client.Head(ctx)
	if err != nil {
		return 0, classify("block number", err)
	}
	return height, nil
}

// RangeEvents returns Transfer logs of the contract in [fromBlock, toBlock].
func (g *EthGateway) RangeEvents(ctx context.Context, fromBlock, toBlock uint64) ([]types.Log, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	logs, err := g.client.Logs(ctx, fromBlock, toBlock)
	if err != nil {
		return nil, classify(fmt.Sprintf("filter logs %d-%d", fromBlock, toBlock), err)
	}
	return logs, nil
}

// SubscribeEvents opens a live Transfer log subscription.
func (g *EthGateway) SubscribeEvents(ctx context.Context) (EventStream, error) {
	events := make(chan types.Log, g.cfg.StreamBuffer)

	subCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()
	sub, err := g.client.SubscribeLogs(subCtx, events)
	if err != nil {
		return nil, classify("subscribe logs", err)
	}

	g.logger.Info("log subscription open", zap.String("contract", g.cfg.Contract.Hex()))
	return newSubscriptionStream(sub, events), nil
}

// CurrentOwnerOf calls ownerOf(assetID) at atBlock, or latest when atBlock is 0.
func (g *EthGateway) CurrentOwnerOf(ctx context.Context, assetID string, atBlock uint64) (string, error) {
	tokenID, err := erc721.ParseAssetID(assetID)
	if err != nil {
		return "", fmt.Errorf("owner of %s: %w", assetID, ErrNotFound)
	}
	input, err := erc721.PackOwnerOf(tokenID)
	if err != nil {
		return "", fmt.Errorf("pack ownerOf: %w", err)
	}

	out, err := g.call(ctx, input, atBlock)
	if err != nil {
		if isRevert(err) {
			return "", fmt.Errorf("owner of %s: %w", assetID, ErrNotFound)
		}
		return "", classify(fmt.Sprintf("owner of %s", assetID), err)
	}
	if len(out) == 0 {
		return "", fmt.Errorf("owner of %s: %w", assetID, ErrNotFound)
	}

	owner, err := erc721.UnpackOwnerOf(out)
	if err != nil {
		return "", fmt.Errorf("unpack ownerOf %s: %w", assetID, err)
	}
	return owner.Hex(), nil
}

// TotalAssetCount calls totalSupply() at atBlock, or latest when atBlock is 0.
func (g *EthGateway) TotalAssetCount(ctx context.Context, atBlock uint64) (uint64, error) {
	input, err := erc721.PackTotalSupply()
	if err != nil {
		return 0, fmt.Errorf("pack totalSupply: %w", err)
	}

	out, err := g.call(ctx, input, atBlock)
	if err != nil {
		return 0, classify("total supply", err)
	}
	return erc721.UnpackTotalSupply(out)
}

func (g *EthGateway) call(ctx context.Context, input []byte, atBlock uint64) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	return g.client.Call(ctx, input, atBlock)
}

// subscriptionStream adapts an ethereum.Subscription to EventStream.
type subscriptionStream struct {
	sub    ethereum.Subscription
	events chan types.Log
	errs   chan error
	done   chan struct{}
	once   sync.Once
}

func newSubscriptionStream(sub ethereum.Subscription, events chan types.Log) *subscriptionStream {
	s := &subscriptionStream{
		sub:    sub,
		events: events,
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	go s.watch()
	return s
}

func (s *subscriptionStream) watch() {
	select {
	case err, ok := <-s.sub.Err():
		if !ok || err == nil {
			err = fmt.Errorf("subscription closed by node")
		}
		s.errs <- fmt.Errorf("log subscription: %w: %v", ErrUnavailable, err)
	case <-s.done:
	}
}

func (s *subscriptionStream) Events() <-chan types.Log { return s.events }

func (s *subscriptionStream) Err() <-chan error { return s.errs }

func (s *subscriptionStream) Close() {
	s.once.Do(func() {
		close(s.done)
		s.sub.Unsubscribe()
	})
}
