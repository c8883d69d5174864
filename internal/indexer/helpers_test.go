package indexer

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"ownershipMirror/internal/erc721"
	"ownershipMirror/internal/ledger"
	"ownershipMirror/internal/storage/sqlite"
)

var (
	alice = common.HexToAddress("0x52908400098527886E0F7030069857D2E4169EE7")
	bob   = common.HexToAddress("0x8617E340B3D01FA5F11F306F4090FD50E238070D")
	carol = common.HexToAddress("0xde709f2102306220921060314715629080e2fb77")
	mint  = common.Address{}
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()

	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "mirror.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(store.Close)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func counterValue(t *testing.T, counter prometheus.Counter) float64 {
	t.Helper()

	var metric dto.Metric
	if err := counter.Write(&metric); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	return metric.GetCounter().GetValue()
}

func transferLog(t *testing.T, assetID int64, from, to common.Address, block uint64, index uint, tx string) types.Log {
	t.Helper()

	topic, err := erc721.TransferTopic()
	if err != nil {
		t.Fatalf("transfer topic: %v", err)
	}
	return types.Log{
		Topics: []common.Hash{
			topic,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
			common.BigToHash(big.NewInt(assetID)),
		},
		BlockNumber: block,
		TxHash:      common.HexToHash(tx),
		Index:       index,
	}
}

// fakeGateway serves canned logs and owners. Failures are injected per call kind.
type fakeGateway struct {
	mu sync.Mutex

	height     uint64
	logs       []types.Log
	owners     map[string]string
	total      uint64
	rangeErrs  []error
	ownerErrs  map[string]error
	rangeCalls [][2]uint64
	stream     *fakeStream
}

func newFakeGateway(height uint64, logs ...types.Log) *fakeGateway {
	return &fakeGateway{
		height:    height,
		logs:      logs,
		owners:    map[string]string{},
		ownerErrs: map[string]error{},
	}
}

func (g *fakeGateway) CurrentHeight(context.Context) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.height, nil
}

func (g *fakeGateway) RangeEvents(_ context.Context, from, to uint64) ([]types.Log, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rangeCalls = append(g.rangeCalls, [2]uint64{from, to})
	if len(g.rangeErrs) > 0 {
		err := g.rangeErrs[0]
		g.rangeErrs = g.rangeErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	var out []types.Log
	// Reverse order so callers have to sort.
	for i := len(g.logs) - 1; i >= 0; i-- {
		if g.logs[i].BlockNumber >= from && g.logs[i].BlockNumber <= to {
			out = append(out, g.logs[i])
		}
	}
	return out, nil
}

func (g *fakeGateway) SubscribeEvents(context.Context) (ledger.EventStream, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stream == nil {
		return nil, ledger.ErrUnavailable
	}
	return g.stream, nil
}

func (g *fakeGateway) CurrentOwnerOf(_ context.Context, assetID string, _ uint64) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.ownerErrs[assetID]; err != nil {
		return "", err
	}
	owner, ok := g.owners[assetID]
	if !ok {
		return "", ledger.ErrNotFound
	}
	return owner, nil
}

func (g *fakeGateway) TotalAssetCount(context.Context, uint64) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.total, nil
}

func (g *fakeGateway) Close() {}

func (g *fakeGateway) ranges() [][2]uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([][2]uint64(nil), g.rangeCalls...)
}

type fakeStream struct {
	events chan types.Log
	errs   chan error
	once   sync.Once
	closed chan struct{}
}

func newFakeStream(buffer int) *fakeStream {
	return &fakeStream{
		events: make(chan types.Log, buffer),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (s *fakeStream) Events() <-chan types.Log { return s.events }
func (s *fakeStream) Err() <-chan error        { return s.errs }
func (s *fakeStream) Close()                   { s.once.Do(func() { close(s.closed) }) }

func (s *fakeStream) fail() {
	s.errs <- errors.Join(ledger.ErrUnavailable, errors.New("connection reset"))
}
