package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"ownershipMirror/internal/model"
	"ownershipMirror/internal/storage"
	"ownershipMirror/internal/storage/sqlite"
)

const owner = "0x52908400098527886E0F7030069857D2E4169EE7"

func newTestHandlers(t *testing.T, state StateFunc) (*Handlers, *sqlite.Store) {
	t.Helper()

	ctx := context.Background()
	store, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "mirror.db"))
	require.NoError(t, err)
	t.Cleanup(store.Close)
	require.NoError(t, store.Migrate(ctx))

	for _, id := range []string{"7", "12"} {
		id := id
		require.NoError(t, store.InTx(ctx, func(tx storage.Tx) error {
			_, err := tx.UpsertAsset(ctx, model.Asset{ID: id, CurrentOwner: owner, LastAppliedBlock: 100})
			return err
		}))
	}

	reg := prometheus.NewRegistry()
	return NewHandlers(store, 2, state, reg, nil), store
}

func get(t *testing.T, h *Handlers, path string) *httptest.ResponseRecorder {
	t.Helper()

	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestOwnedAssetsNormalizesAddress(t *testing.T) {
	h, _ := newTestHandlers(t, nil)

	rec := get(t, h, "/v1/owners/"+strings.ToLower(owner)+"/assets")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp OwnedAssetsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, owner, resp.Owner)
	require.Equal(t, []string{"12", "7"}, resp.Assets)
	require.Equal(t, 2, resp.Count)
}

func TestOwnedAssetsEmpty(t *testing.T) {
	h, _ := newTestHandlers(t, nil)

	rec := get(t, h, "/v1/owners/0x0000000000000000000000000000000000000001/assets")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"assets":[]`)
}

func TestOwnedAssetsRejectsBadAddress(t *testing.T) {
	h, _ := newTestHandlers(t, nil)

	rec := get(t, h, "/v1/owners/not-an-address/assets")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAssetLookup(t *testing.T) {
	h, _ := newTestHandlers(t, nil)

	rec := get(t, h, "/v1/assets/7")
	require.Equal(t, http.StatusOK, rec.Code)
	var asset model.Asset
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &asset))
	require.Equal(t, owner, asset.CurrentOwner)
	require.Equal(t, uint64(100), asset.LastAppliedBlock)

	require.Equal(t, http.StatusNotFound, get(t, h, "/v1/assets/999").Code)
}

func TestTransferHistory(t *testing.T) {
	h, store := newTestHandlers(t, nil)
	ctx := context.Background()

	for _, tr := range []model.Transfer{
		{AssetID: "7", From: "0x0000000000000000000000000000000000000001", To: owner, BlockNumber: 90, TxHash: "0x90", LogIndex: 1},
		{AssetID: "7", From: "0x0000000000000000000000000000000000000000", To: "0x0000000000000000000000000000000000000001", BlockNumber: 80, TxHash: "0x80"},
	} {
		tr := tr
		require.NoError(t, store.InTx(ctx, func(tx storage.Tx) error {
			_, err := tx.InsertTransfer(ctx, tr)
			return err
		}))
	}

	rec := get(t, h, "/v1/assets/7/transfers")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp TransferHistoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "7", resp.AssetID)
	require.Equal(t, 2, resp.Count)
	require.Equal(t, uint64(80), resp.Transfers[0].BlockNumber)
	require.Equal(t, owner, resp.Transfers[1].To)

	rec = get(t, h, "/v1/assets/999/transfers")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"transfers":[]`)
}

func TestDeadLettersListing(t *testing.T) {
	h, store := newTestHandlers(t, nil)
	ctx := context.Background()
	now := time.Now().Add(-time.Minute)

	pending := model.Transfer{AssetID: "1", From: owner, To: owner, BlockNumber: 1, TxHash: "0x1"}
	_, err := store.RecordDeadLetter(ctx, pending, "conflict", now)
	require.NoError(t, err)

	stuck := model.Transfer{AssetID: "2", From: owner, To: owner, BlockNumber: 2, TxHash: "0x2"}
	for i := 0; i < 3; i++ {
		_, err := store.RecordDeadLetter(ctx, stuck, "conflict", now)
		require.NoError(t, err)
	}

	var resp DeadLettersResponse
	rec := get(t, h, "/v1/dead-letters")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	require.Equal(t, "1", resp.Entries[0].AssetID)

	rec = get(t, h, "/v1/dead-letters?terminal=true")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Terminal)
	require.Equal(t, 1, resp.Count)
	require.Equal(t, "2", resp.Entries[0].AssetID)
	require.Equal(t, 2, resp.Entries[0].RetryCount)

	require.Equal(t, http.StatusBadRequest, get(t, h, "/v1/dead-letters?terminal=maybe").Code)
}

func TestHealthReflectsState(t *testing.T) {
	live := false
	h, _ := newTestHandlers(t, func() (string, bool) {
		if live {
			return "live", true
		}
		return "backfilling", false
	})

	rec := get(t, h, "/healthz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "backfilling")

	live = true
	rec = get(t, h, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"live"`)
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := newTestHandlers(t, nil)

	rec := get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
}
