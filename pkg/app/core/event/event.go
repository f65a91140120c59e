// Package event defines the observable side effects of the marketplace.
// Indexers consume them through the API websocket feed and p2p gossip.
package event

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperbid/pkg/app/core/asset"
)

// Kind names an event type. Values are stable; indexers key on them.
type Kind string

const (
	Listed           Kind = "Listed"
	SaleCancelled    Kind = "SaleCancelled"
	Purchased        Kind = "Purchased"
	AuctionStarted   Kind = "AuctionStarted"
	BidPlaced        Kind = "BidPlaced"
	AuctionExtended  Kind = "AuctionExtended"
	AuctionEnded     Kind = "AuctionEnded"
	AuctionCancelled Kind = "AuctionCancelled"
	Refunded         Kind = "Refunded" // outbid escrow returned
)

// Event is a single marketplace side effect. Only the fields relevant to
// Kind are set:
//
//	Listed           Seller, Amount (price)
//	SaleCancelled    Seller
//	Purchased        Seller, Buyer, Amount (price)
//	AuctionStarted   Seller, MinBid, EndTime
//	BidPlaced        Bidder, Amount
//	AuctionExtended  EndTime
//	AuctionEnded     Seller, Buyer (winner), Amount
//	AuctionCancelled Seller
//	Refunded         Bidder, Amount
type Event struct {
	Kind    Kind           `json:"kind"`
	AssetID asset.ID       `json:"assetId"`
	Seller  common.Address `json:"seller"`
	Buyer   common.Address `json:"buyer"`
	Bidder  common.Address `json:"bidder"`
	Amount  int64          `json:"amount"`
	MinBid  int64          `json:"minBid,omitempty"`
	EndTime int64          `json:"endTime,omitempty"` // Unix seconds

	// Stamped by the application when the event is committed
	Height int64 `json:"height"`
	Time   int64 `json:"time"` // block timestamp, Unix seconds
	Seq    int   `json:"seq"`  // position within the block
}

// Emitter receives events from the engines. Emit must not call back into the
// engine that produced the event.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(e Event) { f(e) }

// Nop discards everything.
var Nop Emitter = EmitterFunc(func(Event) {})

// Recorder keeps every emitted event in order. Useful for tests and for
// collecting a block's events before they are published.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Kinds returns the recorded kinds in order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

// Drain returns the recorded events and resets the recorder.
func (r *Recorder) Drain() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.events
	r.events = nil
	return out
}
