// Package sale is the fixed-price sale ledger: owners list assets at a price
// and buyers purchase them in one atomic step.
package sale

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperbid/pkg/app/core/asset"
	"github.com/uhyunpark/hyperbid/pkg/app/core/escrow"
	"github.com/uhyunpark/hyperbid/pkg/app/core/event"
	"github.com/uhyunpark/hyperbid/pkg/app/core/fault"
	"github.com/uhyunpark/hyperbid/pkg/app/core/guard"
	"github.com/uhyunpark/hyperbid/pkg/util"
)

// Listing is an asset offered at a fixed price. At most one per asset.
type Listing struct {
	AssetID  asset.ID       `json:"assetId"`
	Seller   common.Address `json:"seller"`
	Price    int64          `json:"price"`
	Active   bool           `json:"active"`
	ListedAt int64          `json:"listedAt"` // Unix seconds
}

// Config wires the ledger to its collaborators.
type Config struct {
	Registry asset.Registry
	Funds    escrow.Funds
	// Marketplace is the engine's own address: escrow account for payments
	// and the operator the registry must have approved.
	Marketplace common.Address
	Emitter     event.Emitter
	Clock       util.Clock
	Logger      *zap.SugaredLogger
}

// Ledger owns every Listing. Safe for concurrent use; operations on the same
// asset are refused while one is in flight.
type Ledger struct {
	mu       sync.RWMutex
	listings map[asset.ID]*Listing

	inflight guard.InFlight

	reg   asset.Registry
	funds escrow.Funds
	self  common.Address
	emit  event.Emitter
	clock util.Clock
	log   *zap.SugaredLogger
}

// NewLedger creates an empty ledger.
func NewLedger(cfg Config) *Ledger {
	l := &Ledger{
		listings: make(map[asset.ID]*Listing),
		reg:      cfg.Registry,
		funds:    cfg.Funds,
		self:     cfg.Marketplace,
		emit:     cfg.Emitter,
		clock:    cfg.Clock,
		log:      cfg.Logger,
	}
	if l.emit == nil {
		l.emit = event.Nop
	}
	if l.clock == nil {
		l.clock = util.RealClock{}
	}
	if l.log == nil {
		l.log = zap.NewNop().Sugar()
	}
	return l
}

// List offers id at price, replacing any earlier listing of the asset.
func (l *Ledger) List(id asset.ID, price int64, caller common.Address) error {
	release, err := l.inflight.Enter(id, "list")
	if err != nil {
		return err
	}
	defer release()

	if err := l.requireOwner(id, caller); err != nil {
		return err
	}
	if price <= 0 {
		return fmt.Errorf("list asset %s at %d: %w", id, price, fault.ErrInvalidPrice)
	}

	l.mu.Lock()
	l.listings[id] = &Listing{
		AssetID:  id,
		Seller:   caller,
		Price:    price,
		Active:   true,
		ListedAt: l.clock.Now().Unix(),
	}
	l.mu.Unlock()

	l.emit.Emit(event.Event{Kind: event.Listed, AssetID: id, Seller: caller, Amount: price})
	l.log.Infow("asset_listed", "asset", id, "seller", caller.Hex(), "price", price)
	return nil
}

// Cancel withdraws any listing of id. Idempotent for the owner.
func (l *Ledger) Cancel(id asset.ID, caller common.Address) error {
	release, err := l.inflight.Enter(id, "cancel_listing")
	if err != nil {
		return err
	}
	defer release()

	if err := l.requireOwner(id, caller); err != nil {
		return err
	}

	l.mu.Lock()
	delete(l.listings, id)
	l.mu.Unlock()

	l.emit.Emit(event.Event{Kind: event.SaleCancelled, AssetID: id, Seller: caller})
	l.log.Infow("listing_cancelled", "asset", id, "seller", caller.Hex())
	return nil
}

// Purchase buys a listed asset. payment is pulled from caller into escrow;
// anything above the price is refunded.
//
// The listing is cleared before the asset or any funds move. If the asset
// transfer fails the listing and payment are restored. If the payout fails
// afterwards the sale stands and the proceeds stay in escrow; the returned
// error wraps fault.ErrPaymentTransferFailed.
func (l *Ledger) Purchase(id asset.ID, payment int64, caller common.Address) error {
	release, err := l.inflight.Enter(id, "purchase")
	if err != nil {
		return err
	}
	defer release()

	l.mu.RLock()
	listing, ok := l.listings[id]
	var snapshot Listing
	if ok {
		snapshot = *listing
	}
	l.mu.RUnlock()

	if !ok || !snapshot.Active {
		return fmt.Errorf("purchase asset %s: %w", id, fault.ErrNotListed)
	}
	if payment < snapshot.Price {
		return fmt.Errorf("purchase asset %s: paid %d, price %d: %w", id, payment, snapshot.Price, fault.ErrInsufficientPayment)
	}
	// The lister must still own the asset; a stale listing never sells
	// someone else's asset.
	if err := l.requireOwner(id, snapshot.Seller); err != nil {
		return fmt.Errorf("purchase asset %s: stale listing: %w", id, err)
	}
	quote, err := escrow.QuoteFor(l.reg, id, snapshot.Price)
	if err != nil {
		return fmt.Errorf("purchase asset %s: royalty quote: %w", id, err)
	}

	if err := escrow.Collect(l.funds, caller, l.self, payment); err != nil {
		return fmt.Errorf("purchase asset %s: %w", id, err)
	}

	l.mu.Lock()
	delete(l.listings, id)
	l.mu.Unlock()

	if err := l.reg.Transfer(l.self, snapshot.Seller, caller, id); err != nil {
		l.mu.Lock()
		l.listings[id] = &snapshot
		l.mu.Unlock()
		if rerr := escrow.Release(l.funds, l.self, caller, payment); rerr != nil {
			l.log.Errorw("purchase_refund_failed", "asset", id, "buyer", caller.Hex(), "amount", payment, "err", rerr)
			return errors.Join(fmt.Errorf("purchase asset %s: transfer: %w", id, err), rerr)
		}
		return fmt.Errorf("purchase asset %s: transfer: %w", id, err)
	}

	if _, err := escrow.Settle(l.funds, l.self, snapshot.Price, quote, snapshot.Seller); err != nil {
		l.log.Errorw("purchase_payout_failed", "asset", id, "seller", snapshot.Seller.Hex(), "price", snapshot.Price, "err", err)
		return fmt.Errorf("purchase asset %s: %w", id, err)
	}
	if change := payment - snapshot.Price; change > 0 {
		if err := escrow.Release(l.funds, l.self, caller, change); err != nil {
			l.log.Errorw("purchase_change_failed", "asset", id, "buyer", caller.Hex(), "amount", change, "err", err)
			return fmt.Errorf("purchase asset %s: %w", id, err)
		}
	}

	l.emit.Emit(event.Event{
		Kind:    event.Purchased,
		AssetID: id,
		Seller:  snapshot.Seller,
		Buyer:   caller,
		Amount:  snapshot.Price,
	})
	l.log.Infow("asset_purchased",
		"asset", id,
		"buyer", caller.Hex(),
		"seller", snapshot.Seller.Hex(),
		"price", snapshot.Price,
		"royalty", quote.Amount)
	return nil
}

// Prune drops the listing of id if its seller no longer owns the asset, for
// example after the asset went into auction custody. It reports whether a
// listing was removed.
func (l *Ledger) Prune(id asset.ID) (bool, error) {
	release, err := l.inflight.Enter(id, "prune")
	if err != nil {
		return false, err
	}
	defer release()

	listing, ok := l.Listing(id)
	if !ok {
		return false, nil
	}
	owner, err := l.reg.OwnerOf(id)
	if err != nil {
		return false, err
	}
	if owner == listing.Seller {
		return false, nil
	}

	l.mu.Lock()
	delete(l.listings, id)
	l.mu.Unlock()

	l.emit.Emit(event.Event{Kind: event.SaleCancelled, AssetID: id, Seller: listing.Seller})
	l.log.Infow("stale_listing_pruned", "asset", id, "seller", listing.Seller.Hex(), "owner", owner.Hex())
	return true, nil
}

// Listing returns the active listing for id.
func (l *Ledger) Listing(id asset.ID) (Listing, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	listing, ok := l.listings[id]
	if !ok {
		return Listing{}, false
	}
	return *listing, true
}

// Listings returns all active listings sorted by asset id.
func (l *Ledger) Listings() []Listing {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Listing, 0, len(l.listings))
	for _, listing := range l.listings {
		out = append(out, *listing)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out
}

// Restore replaces the ledger contents with persisted listings.
func (l *Ledger) Restore(listings []Listing) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.listings = make(map[asset.ID]*Listing, len(listings))
	for i := range listings {
		listing := listings[i]
		if listing.Active {
			l.listings[listing.AssetID] = &listing
		}
	}
}

func (l *Ledger) requireOwner(id asset.ID, who common.Address) error {
	owner, err := l.reg.OwnerOf(id)
	if err != nil {
		return err
	}
	if owner != who {
		return fmt.Errorf("asset %s owned by %s, not %s: %w", id, owner.Hex(), who.Hex(), fault.ErrNotOwner)
	}
	return nil
}
