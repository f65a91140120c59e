// Package api serves the marketplace over REST and a websocket event feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperbid/pkg/abci"
	"github.com/uhyunpark/hyperbid/pkg/app/core/asset"
	"github.com/uhyunpark/hyperbid/pkg/app/core/event"
	"github.com/uhyunpark/hyperbid/pkg/app/market"
	"github.com/uhyunpark/hyperbid/pkg/metrics"
)

const (
	maxTxBody         = 64 << 10
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

type Config struct {
	Addr           string
	AllowedOrigins []string
	// ReceiptCache bounds how many receipts are kept for /tx/{hash}.
	ReceiptCache int
}

// Server handles REST API and WebSocket connections
type Server struct {
	app      *market.App
	router   *mux.Router
	hub      *Hub
	metrics  *metrics.Metrics
	receipts *receiptCache
	cfg      Config
	log      *zap.SugaredLogger
	http     *http.Server
}

// NewServer builds the router. m may be nil.
func NewServer(app *market.App, m *metrics.Metrics, cfg Config, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	s := &Server{
		app:      app,
		router:   mux.NewRouter(),
		hub:      NewHub(log.Named("ws")),
		metrics:  m,
		receipts: newReceiptCache(cfg.ReceiptCache),
		cfg:      cfg,
		log:      log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.metrics.Middleware)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Sales
	api.HandleFunc("/listings", s.handleGetListings).Methods("GET")
	api.HandleFunc("/listings/{assetId}", s.handleGetListing).Methods("GET")

	// Auctions
	api.HandleFunc("/auctions", s.handleGetAuctions).Methods("GET")
	api.HandleFunc("/auctions/pending", s.handleGetPending).Methods("GET")
	api.HandleFunc("/auctions/{assetId}", s.handleGetAuction).Methods("GET")

	// Assets
	api.HandleFunc("/assets/{assetId}", s.handleGetAsset).Methods("GET")
	api.HandleFunc("/assets/{assetId}/events", s.handleGetEvents).Methods("GET")

	// Accounts
	api.HandleFunc("/accounts/{address}", s.handleGetAccount).Methods("GET")

	// Chain
	api.HandleFunc("/chain/status", s.handleGetChainStatus).Methods("GET")

	// Transactions
	api.HandleFunc("/tx", s.handleSubmitTx).Methods("POST")
	api.HandleFunc("/tx/{hash}", s.handleGetReceipt).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
}

// Handler returns the CORS-wrapped router.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(s.router)
}

// Start runs the websocket hub and serves HTTP until Shutdown.
func (s *Server) Start() error {
	go s.hub.Run()

	s.http = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Infow("api_listening", "addr", s.cfg.Addr, "origins", s.cfg.AllowedOrigins)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// ==============================
// Feed (called from the application)
// ==============================

// PublishEvent forwards a committed event to websocket subscribers of the
// asset channel and of events:all.
func (s *Server) PublishEvent(e event.Event) {
	ch := AssetChannel(e.AssetID)
	s.hub.BroadcastToChannel(ch, EventUpdate{Type: "event", Channel: ch, Event: e})
	s.hub.BroadcastToChannel(ChannelAllEvents, EventUpdate{Type: "event", Channel: ChannelAllEvents, Event: e})
}

// OnCommit records receipts for a committed block and announces it on the
// blocks channel.
func (s *Server) OnCommit(b abci.CommittedBlock) {
	failed := 0
	for i, raw := range b.Txs {
		if i >= len(b.Results) {
			break
		}
		res := b.Results[i]
		if !res.OK() {
			failed++
		}
		h := TxHash(raw)
		s.receipts.add(h, Receipt{
			TxHash: h.Hex(),
			Height: b.Height,
			Time:   b.Timestamp,
			Code:   res.Code,
			Kind:   res.Kind,
			Log:    res.Log,
		})
	}
	if len(b.Txs) == 0 {
		return
	}
	s.hub.BroadcastToChannel(ChannelBlocks, BlockUpdate{
		Type:      "block",
		Height:    b.Height,
		Time:      b.Timestamp,
		Txs:       len(b.Txs),
		Failed:    failed,
		StateHash: common.Hash(b.AppHash),
	})
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetListings(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.app.Listings())
}

func (s *Server) handleGetListing(w http.ResponseWriter, r *http.Request) {
	id, ok := assetParam(w, r)
	if !ok {
		return
	}
	listing, found := s.app.Listing(id)
	if !found {
		respondError(w, http.StatusNotFound, "listing not found", "asset "+id.String()+" is not listed")
		return
	}
	respondJSON(w, listing)
}

func (s *Server) handleGetAuctions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.app.Auctions())
}

func (s *Server) handleGetPending(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.app.PendingSettlements())
}

func (s *Server) handleGetAuction(w http.ResponseWriter, r *http.Request) {
	id, ok := assetParam(w, r)
	if !ok {
		return
	}
	au, found := s.app.Auction(id)
	if !found {
		respondError(w, http.StatusNotFound, "auction not found", "asset "+id.String()+" has no auction")
		return
	}
	respondJSON(w, au)
}

func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	id, ok := assetParam(w, r)
	if !ok {
		return
	}
	view, found := s.app.Asset(id)
	if !found {
		respondError(w, http.StatusNotFound, "asset not found", id.String())
		return
	}
	respondJSON(w, view)
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := assetParam(w, r)
	if !ok {
		return
	}
	if _, found := s.app.Asset(id); !found {
		respondError(w, http.StatusNotFound, "asset not found", id.String())
		return
	}

	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit", v)
			return
		}
		limit = min(n, maxEventLimit)
	}

	events, err := s.app.Events(id, limit)
	if err != nil {
		s.log.Errorw("load_events_failed", "asset", id, "err", err)
		respondError(w, http.StatusInternalServerError, "failed to load events", "")
		return
	}
	if events == nil {
		events = []event.Event{}
	}
	respondJSON(w, events)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	addressStr := mux.Vars(r)["address"]
	if !common.IsHexAddress(addressStr) {
		respondError(w, http.StatusBadRequest, "invalid address", addressStr)
		return
	}

	acc := s.app.Account(common.HexToAddress(addressStr))
	respondJSON(w, AccountInfo{
		Address:        acc.Address.Hex(),
		Nonce:          acc.Nonce,
		Balance:        acc.Balance,
		TotalDeposited: acc.TotalDeposited,
		TotalSent:      acc.TotalSent,
		TotalReceived:  acc.TotalReceived,
	})
}

func (s *Server) handleGetChainStatus(w http.ResponseWriter, r *http.Request) {
	head := s.app.Head()
	respondJSON(w, ChainStatus{
		Height:             head.Height,
		Time:               head.Time,
		StateHash:          head.StateHash.Hex(),
		MempoolSize:        s.app.MempoolLen(),
		PendingSettlements: len(s.app.PendingSettlements()),
		Escrow:             s.app.Escrow().Hex(),
		TimeBufferSeconds:  int64(s.app.TimeBuffer() / time.Second),
	})
}

func (s *Server) handleSubmitTx(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxTxBody+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body", err.Error())
		return
	}
	if len(body) > maxTxBody {
		respondError(w, http.StatusRequestEntityTooLarge, "transaction too large", "")
		return
	}

	tx, err := s.app.SubmitTx(body)
	if err != nil {
		respondError(w, statusForSubmit(err), "transaction rejected", err.Error())
		return
	}

	hash := TxHash(body)
	s.log.Debugw("tx_submitted", "hash", hash.Hex(), "type", tx.Type, "sender", tx.Action.Sender.Hex(), "nonce", tx.Action.Nonce)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(SubmitTxResponse{
		Status: "submitted",
		TxHash: hash.Hex(),
		Type:   string(tx.Type),
		Sender: tx.Action.Sender.Hex(),
	})
}

// handleGetReceipt answers with the receipt and a status code derived from
// its error kind, so clients can branch on HTTP status alone.
func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["hash"]
	b, err := decodeHash(raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid tx hash", raw)
		return
	}
	rec, ok := s.receipts.get(b)
	if !ok {
		respondError(w, http.StatusNotFound, "receipt not found", "transaction pending or unknown")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(StatusForKind(rec.Kind))
	json.NewEncoder(w).Encode(rec)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helper Functions
// ==============================

func assetParam(w http.ResponseWriter, r *http.Request) (asset.ID, bool) {
	id, err := asset.ParseID(mux.Vars(r)["assetId"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid asset id", err.Error())
		return 0, false
	}
	return id, true
}

func decodeHash(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return common.Hash{}, err
	}
	if len(b) != common.HashLength {
		return common.Hash{}, errors.New("hash must be 32 bytes")
	}
	return common.BytesToHash(b), nil
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
