// Package asset describes the Asset Registry the marketplace consumes: who
// owns an asset, an atomic transfer primitive, and royalty quotes.
package asset

import (
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
)

// ID identifies a unique asset (ERC-721 style token id).
type ID uint64

func (id ID) String() string { return strconv.FormatUint(uint64(id), 10) }

// ParseID parses a decimal asset id.
func ParseID(s string) (ID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid asset id %q: %w", s, err)
	}
	return ID(v), nil
}

// Registry is the ownership collaborator. Implementations must make Transfer
// atomic: either ownership moves or the registry is unchanged.
type Registry interface {
	// OwnerOf fails with fault.ErrUnknownAsset for unknown ids.
	OwnerOf(id ID) (common.Address, error)

	// Transfer moves id from `from` to `to` on behalf of operator.
	// Fails with fault.ErrNotAuthorized if operator is neither `from` nor an
	// approved operator of `from`, and fault.ErrNotOwner if `from` is stale.
	Transfer(operator, from, to common.Address, id ID) error

	// RoyaltyInfo quotes the royalty owed on a sale. amount <= salePrice.
	// A zero receiver means no royalty.
	RoyaltyInfo(id ID, salePrice int64) (receiver common.Address, amount int64, err error)
}
