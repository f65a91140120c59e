package market

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"

	"github.com/uhyunpark/hyperbid/pkg/storage"
)

// persist writes everything the block touched, including changed balances
// and nonces, its events and the new head in one batch.
func (a *App) persist(head storage.Head) error {
	b := storage.NewBatch()

	for _, acc := range a.funds.TakeDirty() {
		b.SaveAccount(acc)
	}
	for id := range a.block.assets {
		if l, ok := a.sales.Listing(id); ok {
			b.SaveListing(l)
		} else {
			b.DeleteListing(id)
		}
		if au, ok := a.auctions.Auction(id); ok {
			b.SaveAuction(au)
		}
		if rec, ok := a.registry.Record(id); ok {
			b.SaveAsset(rec)
		}
	}
	if len(a.block.owners) > 0 {
		approvals := a.registry.Approvals()
		for owner := range a.block.owners {
			b.SaveApprovals(owner, approvals[owner])
		}
	}
	for _, e := range a.block.events {
		b.AppendEvent(e)
	}
	b.SetHead(head)

	return a.store.Commit(b)
}

// computeStateHash is keccak256 over the whole marketplace state in a fixed
// order:
//
//  1. height and timestamp
//  2. assets by id: owner, royalty receiver, royalty bps
//  3. operator approvals by owner, operators sorted
//  4. listings by asset id: seller, price
//  5. auction records by asset id: seller, min bid, highest bid, bidder,
//     end time, status
//  6. accounts by address: nonce, balance
func (a *App) computeStateHash(height, timestamp int64) common.Hash {
	h := sha3.NewLegacyKeccak256()
	var buf [8]byte
	putInt := func(v int64) {
		binary.BigEndian.PutUint64(buf[:], uint64(v))
		h.Write(buf[:])
	}

	putInt(height)
	putInt(timestamp)

	for _, rec := range a.registry.Records() {
		putInt(int64(rec.ID))
		h.Write(rec.Owner.Bytes())
		h.Write(rec.Royalty.Receiver.Bytes())
		putInt(int64(rec.Royalty.Bps))
	}

	approvals := a.registry.Approvals()
	owners := make([]common.Address, 0, len(approvals))
	for owner := range approvals {
		owners = append(owners, owner)
	}
	sortAddresses(owners)
	for _, owner := range owners {
		ops := append([]common.Address(nil), approvals[owner]...)
		sortAddresses(ops)
		h.Write(owner.Bytes())
		for _, op := range ops {
			h.Write(op.Bytes())
		}
	}

	for _, l := range a.sales.Listings() {
		putInt(int64(l.AssetID))
		h.Write(l.Seller.Bytes())
		putInt(l.Price)
	}

	for _, au := range a.auctions.All() {
		putInt(int64(au.AssetID))
		h.Write(au.Seller.Bytes())
		putInt(au.MinBid)
		putInt(au.HighestBid)
		h.Write(au.HighestBidder.Bytes())
		putInt(au.EndTime)
		h.Write([]byte(au.Status))
	}

	for _, acc := range a.funds.ListAccounts() {
		h.Write(acc.Address.Bytes())
		putInt(int64(acc.Nonce))
		putInt(acc.Balance)
	}

	var out common.Hash
	h.Sum(out[:0])
	return out
}

func sortAddresses(addrs []common.Address) {
	sort.Slice(addrs, func(i, j int) bool { return bytes.Compare(addrs[i][:], addrs[j][:]) < 0 })
}
