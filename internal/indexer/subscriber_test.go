package indexer

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"ownershipMirror/internal/storage"
)

func newTestSubscriber(store storage.Store, dlqStore storage.Store, cfg SubscriberConfig) (*Subscriber, *DeadLetterQueue, *Metrics) {
	metrics := NewMetrics(nil)
	dlq := NewDeadLetterQueue(dlqStore, 5, 0, nil, metrics, nil)
	applier := NewApplier(store, 0, metrics, nil)
	return NewSubscriber(cfg, applier, dlq, metrics, nil), dlq, metrics
}

func runSubscriber(ctx context.Context, s *Subscriber, stream *fakeStream) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, stream) }()
	return done
}

func TestSubscriberAppliesLiveEvents(t *testing.T) {
	store := openStore(t)
	subscriber, _, _ := newTestSubscriber(store, store, SubscriberConfig{QueueSize: 4})
	stream := newFakeStream(4)
	stream.events <- transferLog(t, 1, mint, alice, 100, 0, "0x100")
	stream.events <- transferLog(t, 1, alice, bob, 101, 0, "0x101")

	ctx, cancel := context.WithCancel(context.Background())
	done := runSubscriber(ctx, subscriber, stream)

	require.Eventually(t, func() bool {
		asset, ok, err := store.Asset(context.Background(), "1")
		return err == nil && ok && asset.LastAppliedBlock == 101
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not stop")
	}

	asset, _, err := store.Asset(context.Background(), "1")
	require.NoError(t, err)
	require.Equal(t, bob.Hex(), asset.CurrentOwner)
}

func TestSubscriberReportsTransportLoss(t *testing.T) {
	store := openStore(t)
	subscriber, _, _ := newTestSubscriber(store, store, SubscriberConfig{})
	stream := newFakeStream(1)
	stream.fail()

	err := subscriber.Run(context.Background(), stream)
	require.Error(t, err)
	require.Equal(t, KindTransientTransport, KindOf(err))
}

func TestSubscriberReportsClosedStream(t *testing.T) {
	store := openStore(t)
	subscriber, _, _ := newTestSubscriber(store, store, SubscriberConfig{})
	stream := newFakeStream(1)
	close(stream.events)

	err := subscriber.Run(context.Background(), stream)
	require.Equal(t, KindTransientTransport, KindOf(err))
}

func TestSubscriberDeadLettersMalformedEvent(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	subscriber, dlq, _ := newTestSubscriber(store, store, SubscriberConfig{})
	stream := newFakeStream(4)

	bad := transferLog(t, 2, alice, bob, 7, 0, "0x7")
	bad.Topics[0] = common.HexToHash("0xbeef")
	removed := transferLog(t, 4, mint, alice, 7, 1, "0x7")
	removed.Removed = true
	stream.events <- bad
	stream.events <- removed
	stream.events <- transferLog(t, 3, mint, carol, 8, 0, "0x8")
	close(stream.events)

	err := subscriber.Run(ctx, stream)
	require.Equal(t, KindTransientTransport, KindOf(err))

	entries, err := dlq.DueForRetry(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "2", entries[0].AssetID)
	require.Contains(t, entries[0].LastError, "unexpected topic0")

	_, ok, err := store.Asset(ctx, "4")
	require.NoError(t, err)
	require.False(t, ok, "removed log must not apply")
	_, ok, err = store.Asset(ctx, "3")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSubscriberRetriesConflicts(t *testing.T) {
	ctx := context.Background()
	base := openStore(t)
	failing := &conflictStore{Store: base}
	failing.failures.Store(2)
	subscriber, dlq, _ := newTestSubscriber(failing, base, SubscriberConfig{ApplyRetries: 3, RetryBackoff: time.Millisecond})
	stream := newFakeStream(1)
	stream.events <- transferLog(t, 5, mint, alice, 9, 0, "0x9")
	close(stream.events)

	_ = subscriber.Run(ctx, stream)

	_, ok, err := base.Asset(ctx, "5")
	require.NoError(t, err)
	require.True(t, ok)
	entries, err := dlq.DueForRetry(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestSubscriberDeadLettersExhaustedConflicts(t *testing.T) {
	ctx := context.Background()
	base := openStore(t)
	failing := &conflictStore{Store: base}
	failing.failures.Store(100)
	subscriber, dlq, _ := newTestSubscriber(failing, base, SubscriberConfig{ApplyRetries: 1, RetryBackoff: time.Millisecond})
	stream := newFakeStream(1)
	stream.events <- transferLog(t, 6, mint, alice, 10, 0, "0xa")
	close(stream.events)

	_ = subscriber.Run(ctx, stream)

	entries, err := dlq.DueForRetry(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "6", entries[0].AssetID)
	require.Contains(t, entries[0].LastError, storage.ErrConflict.Error())
}

func TestSubscriberOverflowDeadLetters(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	subscriber, dlq, metrics := newTestSubscriber(store, store, SubscriberConfig{QueueSize: 1})

	require.NoError(t, subscriber.overflow(ctx, transferLog(t, 11, mint, bob, 12, 0, "0xc")))

	entries, err := dlq.DueForRetry(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "11", entries[0].AssetID)
	require.Contains(t, entries[0].LastError, "live queue full")
	require.Equal(t, float64(1), counterValue(t, metrics.DeadLetters.WithLabelValues("overflow")))
}
