// Package api serves read-only queries over the mirrored ownership state.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"ownershipMirror/internal/indexer"
	"ownershipMirror/internal/model"
	"ownershipMirror/internal/storage"
)

// StateFunc reports the current supervisor state name and whether the
// mirror is serving live data.
type StateFunc func() (state string, live bool)

// Handlers holds the dependencies of the HTTP query surface.
type Handlers struct {
	store    storage.Store
	ceiling  int
	state    StateFunc
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

// NewHandlers builds the handlers. state and gatherer may be nil.
func NewHandlers(store storage.Store, ceiling int, state StateFunc, gatherer prometheus.Gatherer, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		store:    store,
		ceiling:  ceiling,
		state:    state,
		gatherer: gatherer,
		logger:   logger,
	}
}

// Router wires every route.
func (h *Handlers) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", h.HandleHealth).Methods(http.MethodGet)
	router.HandleFunc("/v1/owners/{address}/assets", h.HandleOwnedAssets).Methods(http.MethodGet)
	router.HandleFunc("/v1/assets/{id}", h.HandleAsset).Methods(http.MethodGet)
	router.HandleFunc("/v1/assets/{id}/transfers", h.HandleTransfers).Methods(http.MethodGet)
	router.HandleFunc("/v1/dead-letters", h.HandleDeadLetters).Methods(http.MethodGet)
	if h.gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return router
}

// OwnedAssetsResponse lists the assets an address currently owns.
type OwnedAssetsResponse struct {
	Owner  string   `json:"owner"`
	Assets []string `json:"assets"`
	Count  int      `json:"count"`
}

// HandleOwnedAssets answers tokensOwnedBy for one address.
func (h *Handlers) HandleOwnedAssets(w http.ResponseWriter, r *http.Request) {
	owner, err := indexer.NormalizeOwner(mux.Vars(r)["address"])
	if err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}

	assets, err := h.store.AssetsOwnedBy(r.Context(), owner)
	if err != nil {
		h.logger.Error("query owned assets", zap.String("owner", owner), zap.Error(err))
		respondError(w, "query failed", http.StatusInternalServerError)
		return
	}
	if assets == nil {
		assets = []string{}
	}
	respondJSON(w, http.StatusOK, OwnedAssetsResponse{Owner: owner, Assets: assets, Count: len(assets)})
}

// HandleAsset returns one asset record or 404.
func (h *Handlers) HandleAsset(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	asset, ok, err := h.store.Asset(r.Context(), id)
	if err != nil {
		h.logger.Error("query asset", zap.String("asset_id", id), zap.Error(err))
		respondError(w, "query failed", http.StatusInternalServerError)
		return
	}
	if !ok {
		respondError(w, "asset not found", http.StatusNotFound)
		return
	}
	respondJSON(w, http.StatusOK, asset)
}

// TransferHistoryResponse lists the recorded transfers of one asset.
type TransferHistoryResponse struct {
	AssetID   string           `json:"asset_id"`
	Transfers []model.Transfer `json:"transfers"`
	Count     int              `json:"count"`
}

// HandleTransfers returns the transfers recorded for an asset, oldest first.
func (h *Handlers) HandleTransfers(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	transfers, err := h.store.TransfersOf(r.Context(), id)
	if err != nil {
		h.logger.Error("query transfers", zap.String("asset_id", id), zap.Error(err))
		respondError(w, "query failed", http.StatusInternalServerError)
		return
	}
	if transfers == nil {
		transfers = []model.Transfer{}
	}
	respondJSON(w, http.StatusOK, TransferHistoryResponse{AssetID: id, Transfers: transfers, Count: len(transfers)})
}

// DeadLettersResponse lists dead letters.
type DeadLettersResponse struct {
	Terminal bool               `json:"terminal"`
	Ceiling  int                `json:"ceiling"`
	Entries  []model.DeadLetter `json:"entries"`
	Count    int                `json:"count"`
}

// HandleDeadLetters lists pending entries, or with ?terminal=true the ones
// that reached the retry ceiling.
func (h *Handlers) HandleDeadLetters(w http.ResponseWriter, r *http.Request) {
	terminal := false
	if raw := r.URL.Query().Get("terminal"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			respondError(w, "terminal must be true or false", http.StatusBadRequest)
			return
		}
		terminal = parsed
	}

	var (
		entries []model.DeadLetter
		err     error
	)
	if terminal {
		entries, err = h.store.TerminalDeadLetters(r.Context(), h.ceiling)
	} else {
		entries, err = h.store.DueDeadLetters(r.Context(), time.Now(), h.ceiling, 1000)
	}
	if err != nil {
		h.logger.Error("query dead letters", zap.Bool("terminal", terminal), zap.Error(err))
		respondError(w, "query failed", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.DeadLetter{}
	}
	respondJSON(w, http.StatusOK, DeadLettersResponse{Terminal: terminal, Ceiling: h.ceiling, Entries: entries, Count: len(entries)})
}

// HandleHealth reports the supervisor state; 503 unless live.
func (h *Handlers) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	if h.state == nil {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	state, live := h.state()
	status := http.StatusOK
	if !live {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, map[string]string{"status": state})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, message string, status int) {
	respondJSON(w, status, map[string]string{"error": message})
}
