package indexer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"ownershipMirror/internal/ledger"
	"ownershipMirror/internal/model"
	"ownershipMirror/internal/storage"
)

func seedAsset(t *testing.T, store storage.Store, asset model.Asset) {
	t.Helper()

	ctx := context.Background()
	require.NoError(t, store.InTx(ctx, func(tx storage.Tx) error {
		_, err := tx.UpsertAsset(ctx, asset)
		return err
	}))
}

func TestReconcileCorrectsStaleOwner(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	seedAsset(t, store, model.Asset{ID: "7", CurrentOwner: bob.Hex(), LastAppliedBlock: 100})
	seedAsset(t, store, model.Asset{ID: "8", CurrentOwner: alice.Hex(), LastAppliedBlock: 100})

	gateway := newFakeGateway(200)
	gateway.owners["7"] = carol.Hex()
	gateway.owners["8"] = alice.Hex()
	metrics := NewMetrics(nil)
	reconciler := NewReconciler(ReconcilerConfig{PageSize: 1}, gateway, store, metrics, nil)

	report, err := reconciler.Pass(ctx)
	require.NoError(t, err)
	require.Equal(t, ReconcileReport{Checked: 2, Corrected: 1}, report)

	asset, ok, err := store.Asset(ctx, "7")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, carol.Hex(), asset.CurrentOwner)
	require.Equal(t, uint64(200), asset.LastAppliedBlock)
	require.Equal(t, float64(1), counterValue(t, metrics.ReconcileCorrected))
}

func TestReconcileSkipsAssetsAheadOfSnapshot(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	seedAsset(t, store, model.Asset{ID: "7", CurrentOwner: bob.Hex(), LastAppliedBlock: 300})

	gateway := newFakeGateway(200)
	gateway.owners["7"] = carol.Hex()
	reconciler := NewReconciler(ReconcilerConfig{}, gateway, store, nil, nil)

	report, err := reconciler.Pass(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Corrected)

	asset, _, err := store.Asset(ctx, "7")
	require.NoError(t, err)
	require.Equal(t, bob.Hex(), asset.CurrentOwner)
}

func TestReconcileToleratesPerAssetFailures(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	seedAsset(t, store, model.Asset{ID: "1", CurrentOwner: bob.Hex(), LastAppliedBlock: 10})
	seedAsset(t, store, model.Asset{ID: "2", CurrentOwner: bob.Hex(), LastAppliedBlock: 10})
	seedAsset(t, store, model.Asset{ID: "3", CurrentOwner: bob.Hex(), LastAppliedBlock: 10})

	gateway := newFakeGateway(50)
	gateway.ownerErrs["1"] = ledger.ErrTimeout
	gateway.owners["3"] = alice.Hex()
	reconciler := NewReconciler(ReconcilerConfig{}, gateway, store, nil, nil)

	report, err := reconciler.Pass(ctx)
	require.NoError(t, err)
	require.Equal(t, ReconcileReport{Checked: 3, Corrected: 1, Missing: 1, Failed: 1}, report)

	asset, _, err := store.Asset(ctx, "2")
	require.NoError(t, err)
	require.Equal(t, bob.Hex(), asset.CurrentOwner)
}

func TestReconcileIndexModeFillsMissingAssets(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	gateway := newFakeGateway(80)
	gateway.total = 2
	gateway.owners["0"] = alice.Hex()
	gateway.owners["1"] = bob.Hex()
	reconciler := NewReconciler(ReconcilerConfig{Mode: ReconcileIndex}, gateway, store, nil, nil)

	report, err := reconciler.Pass(ctx)
	require.NoError(t, err)
	require.Equal(t, ReconcileReport{Checked: 2, Corrected: 2}, report)

	owned, err := store.AssetsOwnedBy(ctx, bob.Hex())
	require.NoError(t, err)
	require.Equal(t, []string{"1"}, owned)
}

func TestParseReconcileMode(t *testing.T) {
	mode, err := ParseReconcileMode("")
	require.NoError(t, err)
	require.Equal(t, ReconcileStore, mode)

	mode, err = ParseReconcileMode("index")
	require.NoError(t, err)
	require.Equal(t, ReconcileIndex, mode)

	_, err = ParseReconcileMode("sample")
	require.Error(t, err)
}
