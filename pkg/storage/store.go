// Package storage persists marketplace state between restarts: account
// balances, listings, auctions, the asset registry, the event log and the
// chain head. One block's writes land in a single atomic batch.
package storage

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperbid/pkg/app/core/account"
	"github.com/uhyunpark/hyperbid/pkg/app/core/asset"
	"github.com/uhyunpark/hyperbid/pkg/app/core/auction"
	"github.com/uhyunpark/hyperbid/pkg/app/core/event"
	"github.com/uhyunpark/hyperbid/pkg/app/core/sale"
)

// Head is the last committed block.
type Head struct {
	Height    uint64      `json:"height"`
	Time      int64       `json:"time"`
	StateHash common.Hash `json:"stateHash"`
}

// Store is implemented by PebbleStore and MemoryStore.
type Store interface {
	// Commit applies every write in b atomically.
	Commit(b *Batch) error
	LoadAccounts() ([]account.Account, error)
	LoadListings() ([]sale.Listing, error)
	LoadAuctions() ([]auction.Auction, error)
	LoadAssets() ([]asset.Record, error)
	LoadApprovals() (map[common.Address][]common.Address, error)
	// LoadEvents returns up to limit most recent events for id, newest first.
	LoadEvents(id asset.ID, limit int) ([]event.Event, error)
	GetHead() (Head, bool, error)
	Close() error
}

type opKind int

const (
	opSaveListing opKind = iota
	opDeleteListing
	opSaveAuction
	opSaveAsset
	opSaveApprovals
	opAppendEvent
	opSetHead
	opSaveAccount
)

type op struct {
	kind      opKind
	id        asset.ID
	listing   sale.Listing
	auction   auction.Auction
	record    asset.Record
	owner     common.Address
	operators []common.Address
	event     event.Event
	head      Head
	account   account.Account
}

// Batch collects one block's writes. It is not safe for concurrent use.
type Batch struct {
	ops []op
}

func NewBatch() *Batch { return &Batch{} }

func (b *Batch) SaveListing(l sale.Listing) {
	b.ops = append(b.ops, op{kind: opSaveListing, id: l.AssetID, listing: l})
}

func (b *Batch) DeleteListing(id asset.ID) {
	b.ops = append(b.ops, op{kind: opDeleteListing, id: id})
}

func (b *Batch) SaveAuction(a auction.Auction) {
	b.ops = append(b.ops, op{kind: opSaveAuction, id: a.AssetID, auction: a})
}

func (b *Batch) SaveAsset(r asset.Record) {
	b.ops = append(b.ops, op{kind: opSaveAsset, id: r.ID, record: r})
}

// SaveApprovals replaces owner's operator set.
func (b *Batch) SaveApprovals(owner common.Address, operators []common.Address) {
	b.ops = append(b.ops, op{kind: opSaveApprovals, owner: owner, operators: operators})
}

func (b *Batch) AppendEvent(e event.Event) {
	b.ops = append(b.ops, op{kind: opAppendEvent, id: e.AssetID, event: e})
}

func (b *Batch) SaveAccount(acc account.Account) {
	b.ops = append(b.ops, op{kind: opSaveAccount, account: acc})
}

func (b *Batch) SetHead(h Head) {
	b.ops = append(b.ops, op{kind: opSetHead, head: h})
}

func (b *Batch) Len() int { return len(b.ops) }
