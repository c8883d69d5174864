// Package storagetest holds behaviour checks shared by every storage.Store
// implementation.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ownershipMirror/internal/model"
	"ownershipMirror/internal/storage"
)

// Factory returns an empty, migrated store. The store is closed by the suite.
type Factory func(t *testing.T) storage.Store

// Run executes the store conformance suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("InsertTransferIsIdempotent", func(t *testing.T) { testInsertTransferIsIdempotent(t, newStore(t)) })
	t.Run("UpsertAssetNeverRegresses", func(t *testing.T) { testUpsertAssetNeverRegresses(t, newStore(t)) })
	t.Run("RollbackDiscardsWrites", func(t *testing.T) { testRollbackDiscardsWrites(t, newStore(t)) })
	t.Run("OwnerQueries", func(t *testing.T) { testOwnerQueries(t, newStore(t)) })
	t.Run("DeadLetterLifecycle", func(t *testing.T) { testDeadLetterLifecycle(t, newStore(t)) })
	t.Run("InsertDeadLetterKeepsExisting", func(t *testing.T) { testInsertDeadLetterKeepsExisting(t, newStore(t)) })
	t.Run("MigrateIsRepeatable", func(t *testing.T) { testMigrateIsRepeatable(t, newStore(t)) })
}

func testInsertTransferIsIdempotent(t *testing.T, store storage.Store) {
	defer store.Close()
	ctx := context.Background()

	tr := model.Transfer{AssetID: "7", From: "0xA", To: "0xB", BlockNumber: 100, TxHash: "0x1", LogIndex: 2}
	var first, second bool
	require.NoError(t, store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		first, err = tx.InsertTransfer(ctx, tr)
		return err
	}))
	require.NoError(t, store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		second, err = tx.InsertTransfer(ctx, tr)
		return err
	}))
	require.True(t, first)
	require.False(t, second)

	transfers, err := store.TransfersOf(ctx, "7")
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	require.Equal(t, uint64(100), transfers[0].BlockNumber)
	require.Equal(t, "0xB", transfers[0].To)

	latest, ok, err := store.LatestTransferBlock(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(100), latest)
}

func testUpsertAssetNeverRegresses(t *testing.T, store storage.Store) {
	defer store.Close()
	ctx := context.Background()

	upsert := func(owner string, block uint64) bool {
		var written bool
		require.NoError(t, store.InTx(ctx, func(tx storage.Tx) error {
			var err error
			written, err = tx.UpsertAsset(ctx, model.Asset{ID: "7", CurrentOwner: owner, LastAppliedBlock: block})
			return err
		}))
		return written
	}

	require.True(t, upsert("0xB", 100))
	require.False(t, upsert("0xC", 50))
	require.True(t, upsert("0xD", 100))

	asset, ok, err := store.Asset(ctx, "7")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "0xD", asset.CurrentOwner)
	require.Equal(t, uint64(100), asset.LastAppliedBlock)

	require.NoError(t, store.InTx(ctx, func(tx storage.Tx) error {
		locked, found, err := tx.LockAsset(ctx, "7")
		require.True(t, found)
		require.Equal(t, "0xD", locked.CurrentOwner)
		return err
	}))
}

func testRollbackDiscardsWrites(t *testing.T, store storage.Store) {
	defer store.Close()
	ctx := context.Background()

	boom := errors.New("boom")
	err := store.InTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.InsertTransfer(ctx, model.Transfer{AssetID: "9", From: "0xA", To: "0xB", BlockNumber: 1, TxHash: "0x9"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	transfers, err := store.TransfersOf(ctx, "9")
	require.NoError(t, err)
	require.Empty(t, transfers)

	_, ok, err := store.LatestTransferBlock(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func testOwnerQueries(t *testing.T, store storage.Store) {
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.InTx(ctx, func(tx storage.Tx) error {
		for _, a := range []model.Asset{
			{ID: "1", CurrentOwner: "0xA", LastAppliedBlock: 10},
			{ID: "2", CurrentOwner: "0xB", LastAppliedBlock: 11},
			{ID: "3", CurrentOwner: "0xA", LastAppliedBlock: 12},
		} {
			if _, err := tx.UpsertAsset(ctx, a); err != nil {
				return err
			}
		}
		return nil
	}))

	owned, err := store.AssetsOwnedBy(ctx, "0xA")
	require.NoError(t, err)
	require.Equal(t, []string{"1", "3"}, owned)

	none, err := store.AssetsOwnedBy(ctx, "0xZ")
	require.NoError(t, err)
	require.Empty(t, none)

	page, err := store.AssetIDs(ctx, "", 2)
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2"}, page)

	page, err = store.AssetIDs(ctx, "2", 2)
	require.NoError(t, err)
	require.Equal(t, []string{"3"}, page)

	_, ok, err := store.Asset(ctx, "404")
	require.NoError(t, err)
	require.False(t, ok)
}

func testDeadLetterLifecycle(t *testing.T, store storage.Store) {
	defer store.Close()
	ctx := context.Background()

	base := time.Date(2026, time.January, 1, 12, 0, 0, 0, time.UTC)
	tr := model.Transfer{AssetID: "7", From: "0xA", To: "0xB", BlockNumber: 100, TxHash: "0x1"}

	entry, err := store.RecordDeadLetter(ctx, tr, "first", base)
	require.NoError(t, err)
	require.Equal(t, 0, entry.RetryCount)
	require.True(t, entry.FirstFailedAt.Equal(base))

	entry, err = store.RecordDeadLetter(ctx, tr, "second", base.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, entry.RetryCount)
	require.Equal(t, "second", entry.LastError)
	require.True(t, entry.FirstFailedAt.Equal(base))
	require.True(t, entry.LastAttemptAt.Equal(base.Add(time.Minute)))

	due, err := store.DueDeadLetters(ctx, base, 5, 10)
	require.NoError(t, err)
	require.Empty(t, due, "attempted after cutoff")

	due, err = store.DueDeadLetters(ctx, base.Add(2*time.Minute), 5, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, tr.Key(), due[0].Key())

	due, err = store.DueDeadLetters(ctx, base.Add(2*time.Minute), 1, 10)
	require.NoError(t, err)
	require.Empty(t, due, "at ceiling")

	terminal, err := store.TerminalDeadLetters(ctx, 1)
	require.NoError(t, err)
	require.Len(t, terminal, 1)
	require.Equal(t, "second", terminal[0].LastError)

	require.NoError(t, store.ResolveDeadLetter(ctx, tr.Key()))
	terminal, err = store.TerminalDeadLetters(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, terminal)
}

func testInsertDeadLetterKeepsExisting(t *testing.T, store storage.Store) {
	defer store.Close()
	ctx := context.Background()

	base := time.Date(2026, time.January, 1, 12, 0, 0, 0, time.UTC)
	tr := model.Transfer{AssetID: "9", From: "0xA", To: "0xB", BlockNumber: 42, TxHash: "0x9", LogIndex: 3}

	entry, inserted, err := store.InsertDeadLetter(ctx, tr, "first", base)
	require.NoError(t, err)
	require.True(t, inserted)
	require.Equal(t, 0, entry.RetryCount)
	require.Equal(t, uint64(3), entry.LogIndex)

	_, err = store.RecordDeadLetter(ctx, tr, "retried", base.Add(time.Minute))
	require.NoError(t, err)

	entry, inserted, err = store.InsertDeadLetter(ctx, tr, "again", base.Add(2*time.Minute))
	require.NoError(t, err)
	require.False(t, inserted)
	require.Equal(t, 1, entry.RetryCount)
	require.Equal(t, "retried", entry.LastError)
	require.True(t, entry.LastAttemptAt.Equal(base.Add(time.Minute)))
}

func testMigrateIsRepeatable(t *testing.T, store storage.Store) {
	defer store.Close()
	require.NoError(t, store.Migrate(context.Background()))
}
