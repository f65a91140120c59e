package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"

	"github.com/uhyunpark/hyperbid/params"
	"github.com/uhyunpark/hyperbid/pkg/abci"
	"github.com/uhyunpark/hyperbid/pkg/app/core/account"
	"github.com/uhyunpark/hyperbid/pkg/app/core/event"
	"github.com/uhyunpark/hyperbid/pkg/app/core/sale"
	"github.com/uhyunpark/hyperbid/pkg/app/core/transaction"
	"github.com/uhyunpark/hyperbid/pkg/app/market"
	"github.com/uhyunpark/hyperbid/pkg/crypto"
	"github.com/uhyunpark/hyperbid/pkg/metrics"
	"github.com/uhyunpark/hyperbid/pkg/storage"
)

var escrowAddr = common.HexToAddress("0x00000000000000000000000000000000000e5c40")

type fixture struct {
	t      *testing.T
	app    *market.App
	srv    *Server
	eip    *crypto.EIP712Signer
	alice  *crypto.Signer
	bob    *crypto.Signer
	nonces map[common.Address]uint64
	height int64
	now    int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	alice, _ := crypto.FromPrivateKeyHex(fmt.Sprintf("%064x", 1))
	bob, _ := crypto.FromPrivateKeyHex(fmt.Sprintf("%064x", 2))

	cfg := market.Config{
		Escrow:     escrowAddr,
		TimeBuffer: 10 * time.Minute,
		Domain:     crypto.DefaultDomain(),
		Faucet:     true,
	}
	m := metrics.New()
	app, err := market.New(cfg, account.NewAccountManager(), storage.NewMemoryStore(), m, nil)
	if err != nil {
		t.Fatal(err)
	}
	err = app.InitChain(&params.Genesis{
		Time:      1_700_000_000,
		Assets:    []params.GenesisAsset{{ID: 1, Owner: alice.Address()}},
		Balances:  []params.GenesisBalance{{Address: bob.Address(), Amount: 500}},
		Approvals: []params.GenesisApproval{{Owner: alice.Address(), Operator: escrowAddr}},
	})
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(app, m, Config{}, nil)
	if err := app.Subscribe(srv.PublishEvent); err != nil {
		t.Fatal(err)
	}
	return &fixture{
		t:      t,
		app:    app,
		srv:    srv,
		eip:    crypto.NewEIP712Signer(cfg.Domain),
		alice:  alice,
		bob:    bob,
		nonces: make(map[common.Address]uint64),
		now:    1_700_000_000,
	}
}

func (f *fixture) sign(s *crypto.Signer, typ transaction.TxType, p transaction.ActionPayload) []byte {
	f.t.Helper()
	f.nonces[s.Address()]++
	p.Nonce = f.nonces[s.Address()]
	p.Sender = s.Address()
	tx := &transaction.SignedTransaction{Type: typ, Action: &p}
	if err := tx.Sign(f.eip, s); err != nil {
		f.t.Fatal(err)
	}
	raw, err := tx.Serialize()
	if err != nil {
		f.t.Fatal(err)
	}
	return raw
}

// commit runs one block through the app the way the sequencer does.
func (f *fixture) commit(txs ...[]byte) {
	f.t.Helper()
	f.height++
	f.now++
	resp := f.app.FinalizeBlock(abci.RequestFinalizeBlock{Height: f.height, Timestamp: f.now, Txs: txs})
	f.srv.OnCommit(abci.CommittedBlock{
		Height:    f.height,
		Timestamp: f.now,
		Txs:       txs,
		Results:   resp.TxResults,
		AppHash:   resp.AppHash,
	})
}

func (f *fixture) do(method, path string, body []byte) *httptest.ResponseRecorder {
	f.t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestQueryEndpoints(t *testing.T) {
	f := newFixture(t)
	f.commit(f.sign(f.alice, transaction.TxTypeList, transaction.ActionPayload{AssetID: 1, Amount: 200}))

	tests := []struct {
		path   string
		status int
	}{
		{"/api/v1/listings", http.StatusOK},
		{"/api/v1/listings/1", http.StatusOK},
		{"/api/v1/listings/2", http.StatusNotFound},
		{"/api/v1/listings/abc", http.StatusBadRequest},
		{"/api/v1/auctions", http.StatusOK},
		{"/api/v1/auctions/1", http.StatusNotFound},
		{"/api/v1/auctions/pending", http.StatusOK},
		{"/api/v1/assets/1", http.StatusOK},
		{"/api/v1/assets/9", http.StatusNotFound},
		{"/api/v1/assets/1/events", http.StatusOK},
		{"/api/v1/assets/1/events?limit=0", http.StatusBadRequest},
		{"/api/v1/accounts/" + f.bob.Address().Hex(), http.StatusOK},
		{"/api/v1/accounts/not-an-address", http.StatusBadRequest},
		{"/api/v1/chain/status", http.StatusOK},
		{"/health", http.StatusOK},
		{"/metrics", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := f.do("GET", tt.path, nil)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.status, rec.Body.String())
			}
		})
	}

	listings := decode[[]sale.Listing](t, f.do("GET", "/api/v1/listings", nil))
	if len(listings) != 1 || listings[0].Price != 200 || listings[0].Seller != f.alice.Address() {
		t.Errorf("listings = %+v", listings)
	}
	events := decode[[]event.Event](t, f.do("GET", "/api/v1/assets/1/events", nil))
	if len(events) != 1 || events[0].Kind != event.Listed {
		t.Errorf("events = %+v", events)
	}
	status := decode[ChainStatus](t, f.do("GET", "/api/v1/chain/status", nil))
	if status.Height != 1 || status.TimeBufferSeconds != 600 || status.Escrow != escrowAddr.Hex() {
		t.Errorf("status = %+v", status)
	}
	acc := decode[AccountInfo](t, f.do("GET", "/api/v1/accounts/"+f.alice.Address().Hex(), nil))
	if acc.Nonce != 1 {
		t.Errorf("alice nonce = %d, want 1", acc.Nonce)
	}
}

func TestSubmitTxAndReceipt(t *testing.T) {
	f := newFixture(t)

	ok := f.sign(f.alice, transaction.TxTypeList, transaction.ActionPayload{AssetID: 1, Amount: 100})
	rec := f.do("POST", "/api/v1/tx", ok)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[SubmitTxResponse](t, rec)
	if resp.TxHash != TxHash(ok).Hex() || resp.Sender != f.alice.Address().Hex() {
		t.Errorf("response = %+v", resp)
	}

	// Bob lists an asset they do not own: admitted, rejected on execution.
	notOwner := f.sign(f.bob, transaction.TxTypeList, transaction.ActionPayload{AssetID: 1, Amount: 1})
	if rec := f.do("POST", "/api/v1/tx", notOwner); rec.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d", rec.Code)
	}

	forged, _ := transaction.Deserialize(f.sign(f.bob, transaction.TxTypeDeposit, transaction.ActionPayload{Amount: 1}))
	forged.Action.Sender = f.alice.Address()
	forgedRaw, _ := forged.Serialize()

	rejects := []struct {
		name   string
		body   []byte
		status int
	}{
		{"garbage", []byte("not json"), http.StatusBadRequest},
		{"unknown type", []byte(`{"type":"mint","action":{},"signature":"0x00"}`), http.StatusBadRequest},
		{"forged sender", forgedRaw, http.StatusUnauthorized},
		{"too large", bytes.Repeat([]byte("x"), maxTxBody+1), http.StatusRequestEntityTooLarge},
	}
	for _, tt := range rejects {
		t.Run(tt.name, func(t *testing.T) {
			if rec := f.do("POST", "/api/v1/tx", tt.body); rec.Code != tt.status {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.status, rec.Body.String())
			}
		})
	}

	pending := TxHash(ok).Hex()
	if rec := f.do("GET", "/api/v1/tx/"+pending, nil); rec.Code != http.StatusNotFound {
		t.Errorf("receipt before commit: %d", rec.Code)
	}

	prop := f.app.PrepareProposal(abci.RequestPrepareProposal{Height: 1})
	f.commit(prop.Txs...)

	rec = f.do("GET", "/api/v1/tx/"+pending, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("receipt status = %d: %s", rec.Code, rec.Body.String())
	}
	if r := decode[Receipt](t, rec); r.Height != 1 || r.Kind != "" {
		t.Errorf("receipt = %+v", r)
	}

	rec = f.do("GET", "/api/v1/tx/"+TxHash(notOwner).Hex(), nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("rejected receipt status = %d, want 403", rec.Code)
	}
	if r := decode[Receipt](t, rec); r.Kind != "NotOwner" {
		t.Errorf("receipt kind = %q", r.Kind)
	}

	if rec := f.do("GET", "/api/v1/tx/0x1234", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("short hash status = %d", rec.Code)
	}
}

func TestStatusForKind(t *testing.T) {
	tests := []struct {
		kind string
		want int
	}{
		{"", http.StatusOK},
		{"NotOwner", http.StatusForbidden},
		{"NotListed", http.StatusNotFound},
		{"HasBids", http.StatusConflict},
		{"StaleNonce", http.StatusConflict},
		{"BelowMinBid", http.StatusUnprocessableEntity},
		{"PaymentTransferFailed", http.StatusBadGateway},
		{"Rejected", http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		if got := StatusForKind(tt.kind); got != tt.want {
			t.Errorf("StatusForKind(%q) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestMetricsLabelRouteTemplates(t *testing.T) {
	f := newFixture(t)
	f.do("GET", "/api/v1/assets/1", nil)
	f.do("GET", "/api/v1/assets/9", nil)

	body := f.do("GET", "/metrics", nil).Body.String()
	want := `hyperbid_api_requests_total{method="GET",route="/api/v1/assets/{assetId}",status="404"} 1`
	if !strings.Contains(body, want) {
		t.Errorf("metrics missing %q", want)
	}
}

func TestWebSocketEventFeed(t *testing.T) {
	f := newFixture(t)
	go f.srv.hub.Run()
	defer f.srv.hub.Stop()

	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?channel=" + AssetChannel(1)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for f.srv.hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	f.commit(f.sign(f.alice, transaction.TxTypeList, transaction.ActionPayload{AssetID: 1, Amount: 42}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var up EventUpdate
	if err := json.Unmarshal(msg, &up); err != nil {
		t.Fatal(err)
	}
	if up.Channel != "events:1" || up.Event.Kind != event.Listed || up.Event.Amount != 42 || up.Event.Height != 1 {
		t.Errorf("update = %+v", up)
	}
}

func TestValidChannel(t *testing.T) {
	for ch, want := range map[string]bool{
		"events:all": true,
		"events:7":   true,
		"blocks":     true,
		"events:":    false,
		"events:-1":  false,
		"orderbook":  false,
	} {
		if got := validChannel(ch); got != want {
			t.Errorf("validChannel(%q) = %v, want %v", ch, got, want)
		}
	}
}
