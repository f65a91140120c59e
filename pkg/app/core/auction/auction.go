// Package auction runs time-boxed ascending-bid auctions. The engine holds the
// asset in custody while an auction is active and escrows only the current
// highest bid; an outbid bidder is refunded as soon as they are outbid.
package auction

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperbid/pkg/app/core/asset"
	"github.com/uhyunpark/hyperbid/pkg/app/core/escrow"
	"github.com/uhyunpark/hyperbid/pkg/app/core/event"
	"github.com/uhyunpark/hyperbid/pkg/app/core/fault"
	"github.com/uhyunpark/hyperbid/pkg/app/core/guard"
	"github.com/uhyunpark/hyperbid/pkg/util"
)

// DefaultTimeBuffer is the anti-sniping window.
const DefaultTimeBuffer = 600 * time.Second

type Status string

const (
	StatusActive    Status = "active"
	StatusSettled   Status = "settled"
	StatusCancelled Status = "cancelled"
)

// Auction is the latest auction record for an asset. Times are Unix seconds.
type Auction struct {
	AssetID       asset.ID       `json:"assetId"`
	Seller        common.Address `json:"seller"`
	MinBid        int64          `json:"minBid"`
	HighestBid    int64          `json:"highestBid"`
	HighestBidder common.Address `json:"highestBidder"`
	StartTime     int64          `json:"startTime"`
	EndTime       int64          `json:"endTime"`
	Extensions    int            `json:"extensions"`
	Status        Status         `json:"status"`
}

func (a Auction) Active() bool { return a.Status == StatusActive }

// HasBids reports whether anyone has bid.
func (a Auction) HasBids() bool { return a.HighestBidder != (common.Address{}) }

type Config struct {
	Registry asset.Registry
	Funds    escrow.Funds
	// Marketplace holds custody of auctioned assets and escrows bids.
	Marketplace common.Address
	Emitter     event.Emitter
	Clock       util.Clock
	Logger      *zap.SugaredLogger
	// TimeBuffer defaults to DefaultTimeBuffer when zero.
	TimeBuffer time.Duration
}

type Engine struct {
	mu       sync.RWMutex
	auctions map[asset.ID]*Auction

	inflight guard.InFlight

	reg    asset.Registry
	funds  escrow.Funds
	self   common.Address
	emit   event.Emitter
	clock  util.Clock
	log    *zap.SugaredLogger
	buffer int64 // seconds
}

func NewEngine(cfg Config) *Engine {
	e := &Engine{
		auctions: make(map[asset.ID]*Auction),
		reg:      cfg.Registry,
		funds:    cfg.Funds,
		self:     cfg.Marketplace,
		emit:     cfg.Emitter,
		clock:    cfg.Clock,
		log:      cfg.Logger,
		buffer:   int64(cfg.TimeBuffer / time.Second),
	}
	if cfg.TimeBuffer <= 0 {
		e.buffer = int64(DefaultTimeBuffer / time.Second)
	}
	if e.emit == nil {
		e.emit = event.Nop
	}
	if e.clock == nil {
		e.clock = util.RealClock{}
	}
	if e.log == nil {
		e.log = zap.NewNop().Sugar()
	}
	return e
}

// TimeBuffer returns the configured anti-sniping window.
func (e *Engine) TimeBuffer() time.Duration {
	return time.Duration(e.buffer) * time.Second
}

// Start takes custody of id and opens an auction ending duration from now.
func (e *Engine) Start(id asset.ID, minBid int64, duration time.Duration, caller common.Address) (Auction, error) {
	release, err := e.inflight.Enter(id, "start_auction")
	if err != nil {
		return Auction{}, err
	}
	defer release()

	if a, ok := e.lookup(id); ok && a.Active() {
		return Auction{}, fmt.Errorf("start auction %s: %w", id, fault.ErrAlreadyActive)
	}
	owner, err := e.reg.OwnerOf(id)
	if err != nil {
		return Auction{}, fmt.Errorf("start auction %s: %w", id, err)
	}
	if owner != caller {
		return Auction{}, fmt.Errorf("start auction %s: owner is %s: %w", id, owner.Hex(), fault.ErrNotOwner)
	}
	secs := int64(duration / time.Second)
	if secs <= 0 {
		return Auction{}, fmt.Errorf("start auction %s: duration %s: %w", id, duration, fault.ErrInvalidDuration)
	}
	if minBid < 0 {
		return Auction{}, fmt.Errorf("start auction %s: min bid %d: %w", id, minBid, fault.ErrInvalidPrice)
	}

	if err := e.reg.Transfer(e.self, caller, e.self, id); err != nil {
		return Auction{}, fmt.Errorf("start auction %s: custody: %w", id, err)
	}

	now := e.clock.Now().Unix()
	a := &Auction{
		AssetID:   id,
		Seller:    caller,
		MinBid:    minBid,
		StartTime: now,
		EndTime:   now + secs,
		Status:    StatusActive,
	}
	e.mu.Lock()
	e.auctions[id] = a
	e.mu.Unlock()

	e.emit.Emit(event.Event{Kind: event.AuctionStarted, AssetID: id, Seller: caller, MinBid: minBid, EndTime: a.EndTime})
	e.log.Infow("auction_started", "asset", id, "seller", caller.Hex(), "min_bid", minBid, "end_time", a.EndTime)
	return *a, nil
}

// Bid escrows amount from caller as the new highest bid and refunds the
// previous highest bidder. A bid inside the final TimeBuffer pushes the end
// time out to now + TimeBuffer.
func (e *Engine) Bid(id asset.ID, amount int64, caller common.Address) (Auction, error) {
	release, err := e.inflight.Enter(id, "bid")
	if err != nil {
		return Auction{}, err
	}
	defer release()

	a, ok := e.lookup(id)
	if !ok || !a.Active() {
		return Auction{}, fmt.Errorf("bid on %s: %w", id, fault.ErrNotActive)
	}
	now := e.clock.Now().Unix()
	if now >= a.EndTime {
		return Auction{}, fmt.Errorf("bid on %s: ended at %d: %w", id, a.EndTime, fault.ErrExpired)
	}
	if amount < a.MinBid {
		return Auction{}, fmt.Errorf("bid on %s: %d < min %d: %w", id, amount, a.MinBid, fault.ErrBelowMinBid)
	}
	if amount <= a.HighestBid {
		return Auction{}, fmt.Errorf("bid on %s: %d <= highest %d: %w", id, amount, a.HighestBid, fault.ErrNotHighEnough)
	}

	if err := escrow.Collect(e.funds, caller, e.self, amount); err != nil {
		return Auction{}, fmt.Errorf("bid on %s: %w", id, err)
	}

	prior, priorAmount := a.HighestBidder, a.HighestBid
	if a.HasBids() {
		if err := escrow.Release(e.funds, e.self, prior, priorAmount); err != nil {
			if rerr := escrow.Release(e.funds, e.self, caller, amount); rerr != nil {
				e.log.Errorw("bid_rollback_failed", "asset", id, "bidder", caller.Hex(), "amount", amount, "err", rerr)
				err = errors.Join(err, rerr)
			}
			e.log.Errorw("outbid_refund_failed", "asset", id, "bidder", prior.Hex(), "amount", priorAmount, "err", err)
			return Auction{}, fmt.Errorf("bid on %s: refund previous bidder: %w", id, err)
		}
	}

	next := a
	next.HighestBid = amount
	next.HighestBidder = caller
	extended := false
	if next.EndTime-now < e.buffer {
		next.EndTime = now + e.buffer
		next.Extensions++
		extended = true
	}
	e.mu.Lock()
	e.auctions[id] = &next
	e.mu.Unlock()

	if prior != (common.Address{}) {
		e.emit.Emit(event.Event{Kind: event.Refunded, AssetID: id, Bidder: prior, Amount: priorAmount})
	}
	e.emit.Emit(event.Event{Kind: event.BidPlaced, AssetID: id, Bidder: caller, Amount: amount})
	if extended {
		e.emit.Emit(event.Event{Kind: event.AuctionExtended, AssetID: id, EndTime: next.EndTime})
	}
	e.log.Infow("bid_placed",
		"asset", id,
		"bidder", caller.Hex(),
		"amount", amount,
		"end_time", next.EndTime,
		"extended", extended)
	return next, nil
}

// End settles an auction whose deadline has passed. Anyone may call it.
//
// The auction is marked settled before anything moves. If the payout to the
// seller fails after the asset reached the winner, the auction stays settled
// and the proceeds remain in escrow; the error wraps
// fault.ErrPaymentTransferFailed.
func (e *Engine) End(id asset.ID, caller common.Address) (Auction, error) {
	release, err := e.inflight.Enter(id, "end_auction")
	if err != nil {
		return Auction{}, err
	}
	defer release()

	a, ok := e.lookup(id)
	if !ok || !a.Active() {
		return Auction{}, fmt.Errorf("end auction %s: %w", id, fault.ErrNotActive)
	}
	if now := e.clock.Now().Unix(); now < a.EndTime {
		return Auction{}, fmt.Errorf("end auction %s: ends at %d, now %d: %w", id, a.EndTime, now, fault.ErrNotYetEnded)
	}

	if !a.HasBids() {
		closed, err := e.finish(a, StatusCancelled)
		if err != nil {
			return Auction{}, fmt.Errorf("end auction %s: %w", id, err)
		}
		e.emit.Emit(event.Event{Kind: event.AuctionCancelled, AssetID: id, Seller: a.Seller})
		e.log.Infow("auction_closed_without_bids", "asset", id, "seller", a.Seller.Hex(), "caller", caller.Hex())
		return closed, nil
	}

	quote, err := escrow.QuoteFor(e.reg, id, a.HighestBid)
	if err != nil {
		return Auction{}, fmt.Errorf("end auction %s: royalty quote: %w", id, err)
	}

	settled := a
	settled.Status = StatusSettled
	e.mu.Lock()
	e.auctions[id] = &settled
	e.mu.Unlock()

	if err := e.reg.Transfer(e.self, e.self, a.HighestBidder, id); err != nil {
		e.mu.Lock()
		e.auctions[id] = &a
		e.mu.Unlock()
		return Auction{}, fmt.Errorf("end auction %s: deliver: %w", id, err)
	}
	if _, err := escrow.Settle(e.funds, e.self, a.HighestBid, quote, a.Seller); err != nil {
		e.log.Errorw("auction_payout_failed", "asset", id, "seller", a.Seller.Hex(), "amount", a.HighestBid, "err", err)
		return settled, fmt.Errorf("end auction %s: %w", id, err)
	}

	e.emit.Emit(event.Event{
		Kind:    event.AuctionEnded,
		AssetID: id,
		Seller:  a.Seller,
		Buyer:   a.HighestBidder,
		Amount:  a.HighestBid,
	})
	e.log.Infow("auction_settled",
		"asset", id,
		"winner", a.HighestBidder.Hex(),
		"seller", a.Seller.Hex(),
		"amount", a.HighestBid,
		"royalty", quote.Amount)
	return settled, nil
}

// Cancel lets the seller withdraw an auction nobody has bid on.
func (e *Engine) Cancel(id asset.ID, caller common.Address) (Auction, error) {
	release, err := e.inflight.Enter(id, "cancel_auction")
	if err != nil {
		return Auction{}, err
	}
	defer release()

	a, ok := e.lookup(id)
	if !ok || !a.Active() {
		return Auction{}, fmt.Errorf("cancel auction %s: %w", id, fault.ErrNotActive)
	}
	if a.Seller != caller {
		return Auction{}, fmt.Errorf("cancel auction %s: %w", id, fault.ErrNotSeller)
	}
	if a.HasBids() {
		return Auction{}, fmt.Errorf("cancel auction %s: highest bid %d: %w", id, a.HighestBid, fault.ErrHasBids)
	}

	closed, err := e.finish(a, StatusCancelled)
	if err != nil {
		return Auction{}, fmt.Errorf("cancel auction %s: %w", id, err)
	}
	e.emit.Emit(event.Event{Kind: event.AuctionCancelled, AssetID: id, Seller: caller})
	e.log.Infow("auction_cancelled", "asset", id, "seller", caller.Hex())
	return closed, nil
}

// finish marks a bid-less auction finished and returns custody to the seller.
func (e *Engine) finish(a Auction, status Status) (Auction, error) {
	closed := a
	closed.Status = status
	e.mu.Lock()
	e.auctions[a.AssetID] = &closed
	e.mu.Unlock()

	if err := e.reg.Transfer(e.self, e.self, a.Seller, a.AssetID); err != nil {
		e.mu.Lock()
		e.auctions[a.AssetID] = &a
		e.mu.Unlock()
		return Auction{}, fmt.Errorf("return custody: %w", err)
	}
	return closed, nil
}

// Auction returns the latest auction record for id, active or not.
func (e *Engine) Auction(id asset.ID) (Auction, bool) {
	return e.lookup(id)
}

// Auctions returns the active auctions sorted by asset id.
func (e *Engine) Auctions() []Auction {
	return e.filter(func(a *Auction) bool { return a.Active() })
}

// All returns every auction record, including finished ones.
func (e *Engine) All() []Auction {
	return e.filter(func(*Auction) bool { return true })
}

// Expired lists active auctions whose deadline is at or before now. Nothing
// changes state until End is called.
func (e *Engine) Expired(now time.Time) []Auction {
	ts := now.Unix()
	return e.filter(func(a *Auction) bool { return a.Active() && ts >= a.EndTime })
}

// Restore replaces the engine contents with persisted records.
func (e *Engine) Restore(auctions []Auction) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.auctions = make(map[asset.ID]*Auction, len(auctions))
	for i := range auctions {
		a := auctions[i]
		e.auctions[a.AssetID] = &a
	}
}

func (e *Engine) lookup(id asset.ID) (Auction, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.auctions[id]
	if !ok {
		return Auction{}, false
	}
	return *a, true
}

func (e *Engine) filter(keep func(*Auction) bool) []Auction {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Auction, 0, len(e.auctions))
	for _, a := range e.auctions {
		if keep(a) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out
}
