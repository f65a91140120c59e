// Package market is the marketplace application: it executes signed
// transactions block by block against the sale ledger and auction engine,
// persists the result, and fans committed events out to subscribers.
package market

import (
	"errors"
	"fmt"
	"sync"
	"time"

	evbus "github.com/asaskevich/EventBus"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperbid/params"
	"github.com/uhyunpark/hyperbid/pkg/abci"
	"github.com/uhyunpark/hyperbid/pkg/app/core/account"
	"github.com/uhyunpark/hyperbid/pkg/app/core/asset"
	"github.com/uhyunpark/hyperbid/pkg/app/core/auction"
	"github.com/uhyunpark/hyperbid/pkg/app/core/event"
	"github.com/uhyunpark/hyperbid/pkg/app/core/mempool"
	"github.com/uhyunpark/hyperbid/pkg/app/core/sale"
	"github.com/uhyunpark/hyperbid/pkg/app/core/transaction"
	"github.com/uhyunpark/hyperbid/pkg/crypto"
	"github.com/uhyunpark/hyperbid/pkg/metrics"
	"github.com/uhyunpark/hyperbid/pkg/storage"
	"github.com/uhyunpark/hyperbid/pkg/util"
)

// TopicEvent is the bus topic committed events are published on. Handlers
// take a single event.Event.
const TopicEvent = "market:event"

var ErrMempoolFull = errors.New("mempool full")

type Config struct {
	// Escrow is the marketplace account and registry operator.
	Escrow      common.Address
	TimeBuffer  time.Duration
	Domain      crypto.EIP712Domain
	Faucet      bool
	Keeper      bool
	MempoolSize int
}

// ConfigFromParams maps node configuration onto the application.
func ConfigFromParams(p params.Config) Config {
	domain := crypto.DefaultDomain()
	domain.ChainID.SetInt64(p.Node.ChainID)
	domain.VerifyingContract = p.Market.Escrow
	return Config{
		Escrow:      p.Market.Escrow,
		TimeBuffer:  p.Market.TimeBuffer,
		Domain:      domain,
		Faucet:      p.Market.Faucet,
		Keeper:      p.Market.Keeper,
		MempoolSize: 100_000,
	}
}

type App struct {
	cfg Config

	registry *asset.MemoryRegistry
	funds    *account.AccountManager
	sales    *sale.Ledger
	auctions *auction.Engine
	mempool  *mempool.Mempool
	verifier *transaction.Verifier
	clock    *util.ManualClock
	bus      evbus.Bus
	store    storage.Store
	metrics  *metrics.Metrics
	log      *zap.SugaredLogger

	// execMu serializes block execution. Engines are safe for concurrent
	// reads, so queries never take it.
	execMu sync.Mutex
	block  *blockState

	headMu sync.RWMutex
	head   storage.Head
}

// New builds the application and restores any state found in store, balances
// included. funds is the in-memory ledger the engines pay through; its changes
// are written to store with each block. m may be nil.
func New(cfg Config, funds *account.AccountManager, store storage.Store, m *metrics.Metrics, log *zap.SugaredLogger) (*App, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.Domain.ChainID == nil {
		cfg.Domain = crypto.DefaultDomain()
	}

	a := &App{
		cfg:      cfg,
		registry: asset.NewMemoryRegistry(),
		funds:    funds,
		mempool:  mempool.NewMempool(cfg.MempoolSize),
		verifier: transaction.NewVerifier(cfg.Domain),
		clock:    util.NewManualClock(time.Unix(0, 0)),
		bus:      evbus.New(),
		store:    store,
		metrics:  m,
		log:      log,
	}
	emitter := event.EmitterFunc(a.collect)
	a.sales = sale.NewLedger(sale.Config{
		Registry:    a.registry,
		Funds:       funds,
		Marketplace: cfg.Escrow,
		Emitter:     emitter,
		Clock:       a.clock,
		Logger:      log.Named("sale"),
	})
	a.auctions = auction.NewEngine(auction.Config{
		Registry:    a.registry,
		Funds:       funds,
		Marketplace: cfg.Escrow,
		Emitter:     emitter,
		Clock:       a.clock,
		Logger:      log.Named("auction"),
		TimeBuffer:  cfg.TimeBuffer,
	})

	if m != nil {
		if err := a.bus.Subscribe(TopicEvent, func(e event.Event) { m.ObserveEvent(string(e.Kind)) }); err != nil {
			return nil, fmt.Errorf("subscribe metrics: %w", err)
		}
	}

	if err := a.restore(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) restore() error {
	head, ok, err := a.store.GetHead()
	if err != nil {
		return fmt.Errorf("load head: %w", err)
	}
	if !ok {
		return nil
	}

	records, err := a.store.LoadAssets()
	if err != nil {
		return fmt.Errorf("load assets: %w", err)
	}
	approvals, err := a.store.LoadApprovals()
	if err != nil {
		return fmt.Errorf("load approvals: %w", err)
	}
	listings, err := a.store.LoadListings()
	if err != nil {
		return fmt.Errorf("load listings: %w", err)
	}
	auctions, err := a.store.LoadAuctions()
	if err != nil {
		return fmt.Errorf("load auctions: %w", err)
	}
	accounts, err := a.store.LoadAccounts()
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}

	a.registry.Restore(records, approvals)
	a.sales.Restore(listings)
	a.auctions.Restore(auctions)
	a.funds.Restore(accounts)
	a.clock.Set(time.Unix(head.Time, 0))
	a.setHead(head)

	a.log.Infow("state_restored",
		"height", head.Height,
		"assets", len(records),
		"accounts", len(accounts),
		"listings", len(listings),
		"auctions", len(auctions))
	return nil
}

// rollback discards uncommitted in-memory changes by reloading the last
// committed state. Before genesis that is the empty state.
func (a *App) rollback() error {
	_, ok, err := a.store.GetHead()
	if err != nil {
		return fmt.Errorf("load head: %w", err)
	}
	if ok {
		return a.restore()
	}
	a.registry.Restore(nil, nil)
	a.sales.Restore(nil)
	a.auctions.Restore(nil)
	a.funds.Restore(nil)
	a.clock.Set(time.Unix(0, 0))
	a.setHead(storage.Head{})
	return nil
}

// InitChain seeds a fresh chain from genesis. It is a no-op once any block
// has been committed.
func (a *App) InitChain(g *params.Genesis) error {
	a.execMu.Lock()
	defer a.execMu.Unlock()

	if _, ok, err := a.store.GetHead(); err != nil {
		return err
	} else if ok {
		a.log.Infow("genesis_skipped", "reason", "state exists")
		return nil
	}

	b := storage.NewBatch()
	for _, ga := range g.Assets {
		id := asset.ID(ga.ID)
		royalty := asset.Royalty{Receiver: ga.RoyaltyReceiver, Bps: ga.RoyaltyBps}
		if err := a.registry.Issue(id, ga.Owner, royalty); err != nil {
			return fmt.Errorf("genesis asset %d: %w", ga.ID, err)
		}
		rec, _ := a.registry.Record(id)
		b.SaveAsset(rec)
	}
	for _, gb := range g.Balances {
		if err := a.funds.Deposit(gb.Address, gb.Amount); err != nil {
			return fmt.Errorf("genesis balance %s: %w", gb.Address.Hex(), err)
		}
	}
	owners := make(map[common.Address]bool)
	for _, ap := range g.Approvals {
		a.registry.SetApprovalForAll(ap.Owner, ap.Operator, true)
		owners[ap.Owner] = true
	}
	approvals := a.registry.Approvals()
	for owner := range owners {
		b.SaveApprovals(owner, approvals[owner])
	}

	for _, acc := range a.funds.TakeDirty() {
		b.SaveAccount(acc)
	}

	a.clock.Set(time.Unix(g.Time, 0))
	head := storage.Head{Height: 0, Time: g.Time, StateHash: a.computeStateHash(0, g.Time)}
	b.SetHead(head)
	if err := a.store.Commit(b); err != nil {
		if rerr := a.rollback(); rerr != nil {
			a.log.Errorw("rollback_failed", "height", 0, "err", rerr)
		}
		return fmt.Errorf("commit genesis: %w", err)
	}
	a.setHead(head)

	a.log.Infow("genesis_loaded",
		"assets", len(g.Assets),
		"balances", len(g.Balances),
		"approvals", len(g.Approvals),
		"state_hash", head.StateHash.Hex())
	return nil
}

// Subscribe runs fn synchronously for every committed event.
func (a *App) Subscribe(fn func(event.Event)) error {
	return a.bus.Subscribe(TopicEvent, fn)
}

// SubscribeAsync runs fn on a background goroutine, one event at a time in
// commit order.
func (a *App) SubscribeAsync(fn func(event.Event)) error {
	return a.bus.SubscribeAsync(TopicEvent, fn, true)
}

// Close waits for async subscribers to drain.
func (a *App) Close() {
	a.bus.WaitAsync()
}

// SubmitTx admits a signed transaction into the mempool after checking its
// structure and signature. Execution may still reject it.
func (a *App) SubmitTx(raw []byte) (*transaction.SignedTransaction, error) {
	tx, err := transaction.ParseTransaction(raw)
	if err != nil {
		return nil, err
	}
	if _, err := a.verifier.Verify(tx); err != nil {
		return nil, err
	}
	if !a.mempool.PushRaw(raw) {
		return nil, ErrMempoolFull
	}
	return tx, nil
}

func (a *App) PrepareProposal(req abci.RequestPrepareProposal) abci.ResponsePrepareProposal {
	return abci.ResponsePrepareProposal{Txs: a.mempool.SelectForProposal(req.MaxTxBytes)}
}

// FinalizeBlock executes txs at the block's timestamp, persists the touched
// state and publishes the block's events. If the commit fails, every
// in-memory change of the block is rolled back, no event is published and
// the response carries the error.
func (a *App) FinalizeBlock(req abci.RequestFinalizeBlock) abci.ResponseFinalizeBlock {
	a.execMu.Lock()
	defer a.execMu.Unlock()

	a.clock.Set(time.Unix(req.Timestamp, 0))
	a.block = newBlockState(req.Height, req.Timestamp)

	results := make([]abci.TxResult, 0, len(req.Txs))
	for _, raw := range req.Txs {
		results = append(results, a.deliverTx(raw))
	}

	hash := a.computeStateHash(req.Height, req.Timestamp)
	head := storage.Head{Height: uint64(req.Height), Time: req.Timestamp, StateHash: hash}
	if err := a.persist(head); err != nil {
		a.log.Errorw("persist_failed", "height", req.Height, "txs", len(req.Txs), "err", err)
		a.block = nil
		if rerr := a.rollback(); rerr != nil {
			a.log.Errorw("rollback_failed", "height", req.Height, "err", rerr)
			err = errors.Join(err, rerr)
		}
		return abci.ResponseFinalizeBlock{TxResults: results, Err: fmt.Errorf("persist block %d: %w", req.Height, err)}
	}
	a.setHead(head)

	events := a.block.events
	a.block = nil
	for _, e := range events {
		a.bus.Publish(TopicEvent, e)
	}

	pending := a.PendingSettlements()
	if a.cfg.Keeper && len(pending) > 0 && len(req.Txs) > 0 {
		a.log.Infow("settlements_pending", "height", req.Height, "count", len(pending))
	}
	a.metrics.ObserveBlock(req.Height, len(req.Txs), a.mempool.Len(), len(pending), a.funds.Balance(a.cfg.Escrow))

	return abci.ResponseFinalizeBlock{TxResults: results, Events: len(events), AppHash: hash}
}

// collect stamps an engine event with its block position.
func (a *App) collect(e event.Event) {
	if a.block == nil {
		return
	}
	e.Height = a.block.height
	e.Time = a.block.time
	e.Seq = len(a.block.events)
	a.block.events = append(a.block.events, e)
}

func (a *App) setHead(h storage.Head) {
	a.headMu.Lock()
	a.head = h
	a.headMu.Unlock()
}

var _ abci.Application = (*App)(nil)
