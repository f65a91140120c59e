package market

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperbid/pkg/app/core/account"
	"github.com/uhyunpark/hyperbid/pkg/app/core/asset"
	"github.com/uhyunpark/hyperbid/pkg/app/core/auction"
	"github.com/uhyunpark/hyperbid/pkg/app/core/event"
	"github.com/uhyunpark/hyperbid/pkg/app/core/sale"
	"github.com/uhyunpark/hyperbid/pkg/storage"
)

// AssetView is everything known about one asset.
type AssetView struct {
	Record   asset.Record     `json:"record"`
	Approved bool             `json:"marketplaceApproved"`
	Listing  *sale.Listing    `json:"listing,omitempty"`
	Auction  *auction.Auction `json:"auction,omitempty"`
}

func (a *App) Head() storage.Head {
	a.headMu.RLock()
	defer a.headMu.RUnlock()
	return a.head
}

func (a *App) Escrow() common.Address      { return a.cfg.Escrow }
func (a *App) TimeBuffer() time.Duration   { return a.auctions.TimeBuffer() }
func (a *App) MempoolLen() int             { return a.mempool.Len() }
func (a *App) Listings() []sale.Listing    { return a.sales.Listings() }
func (a *App) Auctions() []auction.Auction { return a.auctions.Auctions() }
func (a *App) Account(addr common.Address) account.Account {
	return a.funds.GetAccount(addr)
}

func (a *App) Listing(id asset.ID) (sale.Listing, bool) {
	return a.sales.Listing(id)
}

func (a *App) Auction(id asset.ID) (auction.Auction, bool) {
	return a.auctions.Auction(id)
}

func (a *App) Asset(id asset.ID) (AssetView, bool) {
	rec, ok := a.registry.Record(id)
	if !ok {
		return AssetView{}, false
	}
	view := AssetView{
		Record:   rec,
		Approved: rec.Owner == a.cfg.Escrow || a.registry.IsApprovedForAll(rec.Owner, a.cfg.Escrow),
	}
	if l, ok := a.sales.Listing(id); ok {
		view.Listing = &l
	}
	if au, ok := a.auctions.Auction(id); ok {
		view.Auction = &au
	}
	return view, true
}

// Events returns up to limit committed events for id, newest first.
func (a *App) Events(id asset.ID, limit int) ([]event.Event, error) {
	return a.store.LoadEvents(id, limit)
}

// PendingSettlements lists active auctions whose deadline has passed at the
// last block time. Anyone can settle them with end_auction.
func (a *App) PendingSettlements() []auction.Auction {
	return a.auctions.Expired(a.clock.Now())
}
