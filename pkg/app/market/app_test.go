package market

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperbid/params"
	"github.com/uhyunpark/hyperbid/pkg/abci"
	"github.com/uhyunpark/hyperbid/pkg/app/core/account"
	"github.com/uhyunpark/hyperbid/pkg/app/core/asset"
	"github.com/uhyunpark/hyperbid/pkg/app/core/auction"
	"github.com/uhyunpark/hyperbid/pkg/app/core/event"
	"github.com/uhyunpark/hyperbid/pkg/app/core/transaction"
	"github.com/uhyunpark/hyperbid/pkg/crypto"
	"github.com/uhyunpark/hyperbid/pkg/metrics"
	"github.com/uhyunpark/hyperbid/pkg/storage"
)

const genesisTime = 1_700_000_000

var escrowAddr = common.HexToAddress("0x00000000000000000000000000000000000e5c40")

func key(t *testing.T, n int) *crypto.Signer {
	t.Helper()
	s, err := crypto.FromPrivateKeyHex(fmt.Sprintf("%064x", n))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

type harness struct {
	t       *testing.T
	app     *App
	store   storage.Store
	funds   *account.AccountManager
	eip     *crypto.EIP712Signer
	nonces  map[common.Address]uint64
	height  int64
	now     int64
	alice   *crypto.Signer
	bob     *crypto.Signer
	carol   *crypto.Signer
	creator common.Address
}

func testConfig() Config {
	return Config{
		Escrow:     escrowAddr,
		TimeBuffer: 600 * time.Second,
		Domain:     crypto.DefaultDomain(),
		Faucet:     true,
		Keeper:     true,
	}
}

func genesis(h *harness) *params.Genesis {
	return &params.Genesis{
		Time: genesisTime,
		Assets: []params.GenesisAsset{
			{ID: 1, Owner: h.alice.Address(), RoyaltyReceiver: h.creator, RoyaltyBps: 1000},
			{ID: 2, Owner: h.alice.Address()},
		},
		Balances: []params.GenesisBalance{
			{Address: h.bob.Address(), Amount: 1000},
			{Address: h.carol.Address(), Amount: 1000},
		},
		Approvals: []params.GenesisApproval{
			{Owner: h.alice.Address(), Operator: escrowAddr},
		},
	}
}

func newHarness(t *testing.T, cfg Config, store storage.Store, funds *account.AccountManager) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		store:   store,
		funds:   funds,
		eip:     crypto.NewEIP712Signer(cfg.Domain),
		nonces:  make(map[common.Address]uint64),
		now:     genesisTime,
		alice:   key(t, 1),
		bob:     key(t, 2),
		carol:   key(t, 3),
		creator: common.HexToAddress("0xDD00000000000000000000000000000000000000"),
	}
	app, err := New(cfg, funds, store, metrics.New(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := app.InitChain(genesis(h)); err != nil {
		t.Fatalf("InitChain: %v", err)
	}
	h.app = app
	return h
}

func newMemoryHarness(t *testing.T) *harness {
	return newHarness(t, testConfig(), storage.NewMemoryStore(), account.NewAccountManager())
}

func (h *harness) sign(s *crypto.Signer, typ transaction.TxType, p transaction.ActionPayload) []byte {
	h.t.Helper()
	h.nonces[s.Address()]++
	p.Nonce = h.nonces[s.Address()]
	p.Sender = s.Address()
	tx := &transaction.SignedTransaction{Type: typ, Action: &p}
	if err := tx.Sign(h.eip, s); err != nil {
		h.t.Fatalf("sign: %v", err)
	}
	raw, err := tx.Serialize()
	if err != nil {
		h.t.Fatal(err)
	}
	return raw
}

func (h *harness) block(advance time.Duration, txs ...[]byte) abci.ResponseFinalizeBlock {
	h.height++
	h.now += int64(advance / time.Second)
	return h.app.FinalizeBlock(abci.RequestFinalizeBlock{Height: h.height, Timestamp: h.now, Txs: txs})
}

func (h *harness) expect(resp abci.ResponseFinalizeBlock, kinds ...string) {
	h.t.Helper()
	if len(resp.TxResults) != len(kinds) {
		h.t.Fatalf("got %d results, want %d", len(resp.TxResults), len(kinds))
	}
	for i, want := range kinds {
		got := resp.TxResults[i]
		if want == "ok" {
			if !got.OK() {
				h.t.Errorf("tx %d failed: %s (%s)", i, got.Kind, got.Log)
			}
			continue
		}
		if got.Kind != want {
			h.t.Errorf("tx %d kind = %q (%s), want %q", i, got.Kind, got.Log, want)
		}
	}
}

func (h *harness) owner(id asset.ID) common.Address {
	h.t.Helper()
	view, ok := h.app.Asset(id)
	if !ok {
		h.t.Fatalf("asset %d unknown", id)
	}
	return view.Record.Owner
}

func TestFixedPriceSale(t *testing.T) {
	h := newMemoryHarness(t)
	alice, bob := h.alice, h.bob

	resp := h.block(time.Second,
		h.sign(alice, transaction.TxTypeList, transaction.ActionPayload{AssetID: 1, Amount: 100}),
		h.sign(bob, transaction.TxTypeList, transaction.ActionPayload{AssetID: 1, Amount: 5}),
	)
	h.expect(resp, "ok", "NotOwner")
	if l, ok := h.app.Listing(1); !ok || l.Price != 100 {
		t.Fatalf("listing = %+v, %v", l, ok)
	}

	resp = h.block(time.Second,
		h.sign(bob, transaction.TxTypePurchase, transaction.ActionPayload{AssetID: 1, Amount: 99}),
		h.sign(bob, transaction.TxTypePurchase, transaction.ActionPayload{AssetID: 1, Amount: 100}),
		h.sign(h.carol, transaction.TxTypePurchase, transaction.ActionPayload{AssetID: 1, Amount: 100}),
	)
	h.expect(resp, "InsufficientPayment", "ok", "NotListed")

	if got := h.owner(1); got != bob.Address() {
		t.Errorf("owner = %s, want bob", got.Hex())
	}
	if got := h.app.Account(alice.Address()).Balance; got != 90 {
		t.Errorf("seller balance = %d, want 90", got)
	}
	if got := h.app.Account(h.creator).Balance; got != 10 {
		t.Errorf("royalty = %d, want 10", got)
	}
	if got := h.app.Account(bob.Address()).Balance; got != 900 {
		t.Errorf("buyer balance = %d, want 900", got)
	}

	evs, err := h.app.Events(1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 2 || evs[0].Kind != event.Purchased || evs[1].Kind != event.Listed {
		t.Fatalf("events = %+v", evs)
	}
	if evs[0].Height != 2 || evs[0].Time != genesisTime+2 {
		t.Errorf("purchase event stamped h=%d t=%d", evs[0].Height, evs[0].Time)
	}
}

func TestAuctionLifecycle(t *testing.T) {
	h := newMemoryHarness(t)
	alice, bob, carol := h.alice, h.bob, h.carol

	h.expect(h.block(0,
		h.sign(alice, transaction.TxTypeStartAuction, transaction.ActionPayload{AssetID: 1, Amount: 100, Duration: 601}),
	), "ok")
	start := h.now
	if got := h.owner(1); got != escrowAddr {
		t.Fatalf("custody owner = %s", got.Hex())
	}

	// 590s in, 11s left: the bid pushes the deadline to bid time + 600.
	h.expect(h.block(590*time.Second,
		h.sign(bob, transaction.TxTypeBid, transaction.ActionPayload{AssetID: 1, Amount: 110}),
		h.sign(carol, transaction.TxTypeBid, transaction.ActionPayload{AssetID: 1, Amount: 110}),
		h.sign(alice, transaction.TxTypeCancelAuction, transaction.ActionPayload{AssetID: 1}),
	), "ok", "NotHighEnough", "HasBids")
	au, _ := h.app.Auction(1)
	if au.EndTime != start+590+600 {
		t.Errorf("EndTime = %d, want %d", au.EndTime, start+1190)
	}

	h.expect(h.block(10*time.Second,
		h.sign(carol, transaction.TxTypeBid, transaction.ActionPayload{AssetID: 1, Amount: 120}),
	), "ok")
	if got := h.app.Account(bob.Address()).Balance; got != 1000 {
		t.Errorf("outbid bidder balance = %d, want 1000", got)
	}
	if got := h.app.Account(escrowAddr).Balance; got != 120 {
		t.Errorf("escrow = %d, want 120", got)
	}

	h.expect(h.block(time.Minute,
		h.sign(bob, transaction.TxTypeEndAuction, transaction.ActionPayload{AssetID: 1}),
	), "NotYetEnded")
	if n := len(h.app.PendingSettlements()); n != 0 {
		t.Errorf("pending settlements = %d before deadline", n)
	}

	h.block(20 * time.Minute)
	if p := h.app.PendingSettlements(); len(p) != 1 || p[0].AssetID != 1 {
		t.Fatalf("pending settlements = %+v", p)
	}
	h.expect(h.block(time.Second,
		h.sign(bob, transaction.TxTypeBid, transaction.ActionPayload{AssetID: 1, Amount: 500}),
		h.sign(bob, transaction.TxTypeEndAuction, transaction.ActionPayload{AssetID: 1}),
	), "Expired", "ok")

	if got := h.owner(1); got != carol.Address() {
		t.Errorf("winner owner = %s", got.Hex())
	}
	if got := h.app.Account(alice.Address()).Balance; got != 108 {
		t.Errorf("seller = %d, want 108", got)
	}
	if got := h.app.Account(h.creator).Balance; got != 12 {
		t.Errorf("royalty = %d, want 12", got)
	}
	if got := h.app.Account(escrowAddr).Balance; got != 0 {
		t.Errorf("escrow = %d after settlement", got)
	}
	if au, _ := h.app.Auction(1); au.Status != auction.StatusSettled {
		t.Errorf("status = %s", au.Status)
	}
}

func TestStartAuctionPrunesListing(t *testing.T) {
	h := newMemoryHarness(t)
	h.expect(h.block(time.Second,
		h.sign(h.alice, transaction.TxTypeList, transaction.ActionPayload{AssetID: 2, Amount: 50}),
		h.sign(h.alice, transaction.TxTypeStartAuction, transaction.ActionPayload{AssetID: 2, Amount: 10, Duration: 3600}),
		h.sign(h.bob, transaction.TxTypePurchase, transaction.ActionPayload{AssetID: 2, Amount: 50}),
		h.sign(h.alice, transaction.TxTypeList, transaction.ActionPayload{AssetID: 2, Amount: 50}),
	), "ok", "ok", "NotListed", "NotOwner")

	if _, ok := h.app.Listing(2); ok {
		t.Error("listing survived auction start")
	}
}

func TestReplayAndSignatureChecks(t *testing.T) {
	h := newMemoryHarness(t)
	raw := h.sign(h.alice, transaction.TxTypeList, transaction.ActionPayload{AssetID: 1, Amount: 100})

	tampered := h.sign(h.bob, transaction.TxTypeDeposit, transaction.ActionPayload{Amount: 5})
	tx, _ := transaction.Deserialize(tampered)
	tx.Action.Amount = 5_000_000
	tamperedRaw, _ := tx.Serialize()

	h.expect(h.block(time.Second, raw, raw, tamperedRaw, []byte("garbage")),
		"ok", "StaleNonce", "BadSignature", "InvalidTx")
	if got := h.app.Account(h.bob.Address()).Balance; got != 1000 {
		t.Errorf("tampered deposit credited: %d", got)
	}

	if _, err := h.app.SubmitTx(tamperedRaw); err == nil {
		t.Error("SubmitTx accepted a bad signature")
	}
	if _, err := h.app.SubmitTx([]byte(`{"type":"bid"}`)); err == nil {
		t.Error("SubmitTx accepted a malformed tx")
	}
	good := h.sign(h.bob, transaction.TxTypeDeposit, transaction.ActionPayload{Amount: 5})
	if _, err := h.app.SubmitTx(good); err != nil {
		t.Fatalf("SubmitTx: %v", err)
	}
	if h.app.MempoolLen() != 1 {
		t.Errorf("mempool = %d", h.app.MempoolLen())
	}
	prop := h.app.PrepareProposal(abci.RequestPrepareProposal{Height: 2})
	h.expect(h.block(time.Second, prop.Txs...), "ok")
	if got := h.app.Account(h.bob.Address()).Balance; got != 1005 {
		t.Errorf("bob = %d after faucet", got)
	}
}

func TestFaucetDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Faucet = false
	h := newHarness(t, cfg, storage.NewMemoryStore(), account.NewAccountManager())
	h.expect(h.block(time.Second,
		h.sign(h.bob, transaction.TxTypeDeposit, transaction.ActionPayload{Amount: 5}),
	), "Rejected")
}

func TestApproveRevokesMarketplace(t *testing.T) {
	h := newMemoryHarness(t)
	h.expect(h.block(time.Second,
		h.sign(h.alice, transaction.TxTypeList, transaction.ActionPayload{AssetID: 1, Amount: 100}),
		h.sign(h.alice, transaction.TxTypeApprove, transaction.ActionPayload{Approved: false}),
		h.sign(h.bob, transaction.TxTypePurchase, transaction.ActionPayload{AssetID: 1, Amount: 100}),
	), "ok", "ok", "NotAuthorized")

	if view, _ := h.app.Asset(1); view.Approved || view.Listing == nil {
		t.Errorf("asset view = %+v", view)
	}
	if got := h.app.Account(h.bob.Address()).Balance; got != 1000 {
		t.Errorf("buyer charged for failed purchase: %d", got)
	}
}

func TestSubscribersSeeCommittedEvents(t *testing.T) {
	h := newMemoryHarness(t)

	var mu sync.Mutex
	var inline, async []event.Kind
	if err := h.app.Subscribe(func(e event.Event) { inline = append(inline, e.Kind) }); err != nil {
		t.Fatal(err)
	}
	if err := h.app.SubscribeAsync(func(e event.Event) {
		mu.Lock()
		async = append(async, e.Kind)
		mu.Unlock()
	}); err != nil {
		t.Fatal(err)
	}

	h.block(time.Second,
		h.sign(h.alice, transaction.TxTypeStartAuction, transaction.ActionPayload{AssetID: 1, Amount: 100, Duration: 60}),
		h.sign(h.bob, transaction.TxTypeBid, transaction.ActionPayload{AssetID: 1, Amount: 100}),
		h.sign(h.carol, transaction.TxTypeBid, transaction.ActionPayload{AssetID: 1, Amount: 150}),
	)
	h.app.Close()

	want := []event.Kind{
		event.AuctionStarted,
		event.BidPlaced, event.AuctionExtended,
		event.Refunded, event.BidPlaced,
	}
	mu.Lock()
	defer mu.Unlock()
	for name, got := range map[string][]event.Kind{"sync": inline, "async": async} {
		if fmt.Sprint(got) != fmt.Sprint(want) {
			t.Errorf("%s subscriber saw %v, want %v", name, got, want)
		}
	}
}

func TestDeterministicStateHash(t *testing.T) {
	run := func() [32]byte {
		h := newMemoryHarness(t)
		h.block(time.Second,
			h.sign(h.alice, transaction.TxTypeList, transaction.ActionPayload{AssetID: 1, Amount: 100}),
			h.sign(h.alice, transaction.TxTypeStartAuction, transaction.ActionPayload{AssetID: 2, Amount: 10, Duration: 60}),
		)
		return h.block(time.Second,
			h.sign(h.bob, transaction.TxTypePurchase, transaction.ActionPayload{AssetID: 1, Amount: 100}),
			h.sign(h.carol, transaction.TxTypeBid, transaction.ActionPayload{AssetID: 2, Amount: 10}),
		).AppHash
	}
	a, b := run(), run()
	if a != b {
		t.Errorf("app hash differs across replicas: %x vs %x", a, b)
	}

	h := newMemoryHarness(t)
	first := h.block(time.Second).AppHash
	second := h.block(time.Second).AppHash
	if first == second {
		t.Error("empty blocks at different heights share a hash")
	}
}

func TestRestartRestoresState(t *testing.T) {
	dir := t.TempDir()
	open := func() (*storage.PebbleStore, *account.AccountManager) {
		store, err := storage.NewPebbleStore(filepath.Join(dir, "state"))
		if err != nil {
			t.Fatal(err)
		}
		return store, account.NewAccountManager()
	}

	store, funds := open()
	h := newHarness(t, testConfig(), store, funds)
	h.expect(h.block(time.Second,
		h.sign(h.alice, transaction.TxTypeList, transaction.ActionPayload{AssetID: 1, Amount: 100}),
		h.sign(h.alice, transaction.TxTypeStartAuction, transaction.ActionPayload{AssetID: 2, Amount: 10, Duration: 3600}),
		h.sign(h.bob, transaction.TxTypeBid, transaction.ActionPayload{AssetID: 2, Amount: 25}),
	), "ok", "ok", "ok")
	head := h.app.Head()
	store.Close()

	store, funds = open()
	defer store.Close()
	app, err := New(testConfig(), funds, store, nil, nil)
	if err != nil {
		t.Fatalf("New after restart: %v", err)
	}
	// Genesis must not run twice.
	if err := app.InitChain(genesis(h)); err != nil {
		t.Fatal(err)
	}

	if got := app.Head(); got != head {
		t.Errorf("head = %+v, want %+v", got, head)
	}
	if got := app.computeStateHash(int64(head.Height), head.Time); got != head.StateHash {
		t.Errorf("restored state hash %s, committed %s", got.Hex(), head.StateHash.Hex())
	}
	if l, ok := app.Listing(1); !ok || l.Price != 100 {
		t.Errorf("listing = %+v, %v", l, ok)
	}
	if au, ok := app.Auction(2); !ok || au.HighestBid != 25 || au.HighestBidder != h.bob.Address() {
		t.Errorf("auction = %+v, %v", au, ok)
	}
	if got := app.Account(h.bob.Address()).Balance; got != 975 {
		t.Errorf("bob = %d, want 975", got)
	}
	if view, _ := app.Asset(2); view.Record.Owner != escrowAddr {
		t.Errorf("custody lost: %+v", view.Record)
	}
}

// flakyStore fails every Commit while failing is set.
type flakyStore struct {
	*storage.MemoryStore
	failing bool
}

func (s *flakyStore) Commit(b *storage.Batch) error {
	if s.failing {
		return errors.New("disk full")
	}
	return s.MemoryStore.Commit(b)
}

func TestFailedCommitRollsBack(t *testing.T) {
	store := &flakyStore{MemoryStore: storage.NewMemoryStore()}
	h := newHarness(t, testConfig(), store, account.NewAccountManager())
	head := h.app.Head()

	var published int
	if err := h.app.Subscribe(func(event.Event) { published++ }); err != nil {
		t.Fatal(err)
	}

	txs := [][]byte{
		h.sign(h.alice, transaction.TxTypeStartAuction, transaction.ActionPayload{AssetID: 2, Amount: 10, Duration: 3600}),
		h.sign(h.bob, transaction.TxTypeBid, transaction.ActionPayload{AssetID: 2, Amount: 25}),
	}
	store.failing = true
	resp := h.block(time.Second, txs...)
	if resp.Err == nil {
		t.Fatal("FinalizeBlock succeeded against a failing store")
	}

	check := func(name string, app *App) {
		t.Helper()
		if got := app.Head(); got != head {
			t.Errorf("%s: head = %+v, want %+v", name, got, head)
		}
		if _, ok := app.Auction(2); ok {
			t.Errorf("%s: uncommitted auction survived", name)
		}
		if view, _ := app.Asset(2); view.Record.Owner != h.alice.Address() {
			t.Errorf("%s: asset 2 owner = %s, want alice", name, view.Record.Owner.Hex())
		}
		if got := app.Account(h.bob.Address()); got.Balance != 1000 || got.Nonce != 0 {
			t.Errorf("%s: bob = %+v, want balance 1000 nonce 0", name, got)
		}
		if got := app.Account(escrowAddr).Balance; got != 0 {
			t.Errorf("%s: escrow holds %d", name, got)
		}
		if got := app.computeStateHash(int64(head.Height), head.Time); got != head.StateHash {
			t.Errorf("%s: state hash %s, committed %s", name, got.Hex(), head.StateHash.Hex())
		}
	}
	check("in memory", h.app)
	if published != 0 {
		t.Errorf("%d events published for a failed block", published)
	}

	restarted, err := New(testConfig(), account.NewAccountManager(), store.MemoryStore, nil, nil)
	if err != nil {
		t.Fatalf("New after failed commit: %v", err)
	}
	check("restarted", restarted)

	// The same transactions replay once the store recovers.
	store.failing = false
	h.height--
	h.expect(h.block(0, txs...), "ok", "ok")
	if au, ok := h.app.Auction(2); !ok || au.HighestBid != 25 {
		t.Errorf("auction after retry = %+v, %v", au, ok)
	}
	if published == 0 {
		t.Error("no events published after retry")
	}
}

func TestFailedGenesisCommitRollsBack(t *testing.T) {
	store := &flakyStore{MemoryStore: storage.NewMemoryStore(), failing: true}
	funds := account.NewAccountManager()
	app, err := New(testConfig(), funds, store, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		alice:   key(t, 1),
		bob:     key(t, 2),
		carol:   key(t, 3),
		creator: common.HexToAddress("0xDD00000000000000000000000000000000000000"),
	}
	if err := app.InitChain(genesis(h)); err == nil {
		t.Fatal("InitChain succeeded against a failing store")
	}
	if funds.Count() != 0 || funds.TotalSupply() != 0 {
		t.Errorf("genesis balances kept: count=%d supply=%d", funds.Count(), funds.TotalSupply())
	}
	if _, ok := app.Asset(1); ok {
		t.Error("genesis asset kept")
	}

	store.failing = false
	if err := app.InitChain(genesis(h)); err != nil {
		t.Fatalf("InitChain retry: %v", err)
	}
	if got := funds.Balance(h.bob.Address()); got != 1000 {
		t.Errorf("bob = %d after retry", got)
	}
}

func TestProposalKeepsSenderNonceOrder(t *testing.T) {
	h := newMemoryHarness(t)
	for _, raw := range [][]byte{
		h.sign(h.alice, transaction.TxTypeStartAuction, transaction.ActionPayload{AssetID: 2, Amount: 10, Duration: 60}),
		h.sign(h.alice, transaction.TxTypeCancelAuction, transaction.ActionPayload{AssetID: 2}),
		h.sign(h.alice, transaction.TxTypeList, transaction.ActionPayload{AssetID: 2, Amount: 40}),
	} {
		if _, err := h.app.SubmitTx(raw); err != nil {
			t.Fatalf("SubmitTx: %v", err)
		}
	}

	prop := h.app.PrepareProposal(abci.RequestPrepareProposal{Height: h.height + 1})
	h.expect(h.block(time.Second, prop.Txs...), "ok", "ok", "ok")

	if au, ok := h.app.Auction(2); !ok || au.Status != auction.StatusCancelled {
		t.Errorf("auction = %+v, %v", au, ok)
	}
	if l, ok := h.app.Listing(2); !ok || l.Price != 40 {
		t.Errorf("listing = %+v, %v", l, ok)
	}
	if got := h.app.Account(h.alice.Address()).Nonce; got != 3 {
		t.Errorf("alice nonce = %d, want 3", got)
	}
}
