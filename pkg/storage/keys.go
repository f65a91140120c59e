package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperbid/pkg/app/core/asset"
)

// Key schema. Asset ids and heights are zero-padded to 20 digits so
// lexicographic order is numeric order.
//
//	acc:{address}                    → account.Account
//	lst:{assetId}                    → sale.Listing
//	auc:{assetId}                    → auction.Auction (latest)
//	ast:{assetId}                    → asset.Record
//	apr:{owner}                      → []operator
//	evt:{assetId}:{height}:{seq}     → event.Event
//	meta:head                        → Head
const (
	prefixAccount  = "acc:"
	prefixListing  = "lst:"
	prefixAuction  = "auc:"
	prefixAsset    = "ast:"
	prefixApproval = "apr:"
	prefixEvent    = "evt:"
	keyHead        = "meta:head"
)

func accountKey(addr common.Address) []byte {
	return []byte(prefixAccount + addr.Hex())
}

func listingKey(id asset.ID) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixListing, uint64(id)))
}

func auctionKey(id asset.ID) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixAuction, uint64(id)))
}

func assetKey(id asset.ID) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixAsset, uint64(id)))
}

func approvalKey(owner common.Address) []byte {
	return []byte(prefixApproval + owner.Hex())
}

func eventKey(id asset.ID, height uint64, seq int) []byte {
	return []byte(fmt.Sprintf("%s%020d:%020d:%06d", prefixEvent, uint64(id), height, seq))
}

func eventPrefix(id asset.ID) []byte {
	return []byte(fmt.Sprintf("%s%020d:", prefixEvent, uint64(id)))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
