package asset

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/hyperbid/pkg/app/core/fault"
)

// MaxRoyaltyBps caps royalties at 100% of the sale price.
const MaxRoyaltyBps = 10000

// Royalty is an ERC-2981 style royalty: Bps basis points of every sale go to
// Receiver.
type Royalty struct {
	Receiver common.Address `json:"receiver"`
	Bps      uint16         `json:"bps"`
}

// Record is the persisted state of one asset.
type Record struct {
	ID      ID             `json:"id"`
	Owner   common.Address `json:"owner"`
	Royalty Royalty        `json:"royalty"`
}

// MemoryRegistry is an in-memory Registry used by the node and tests.
// Issuing assets is a genesis concern here; minting policy lives elsewhere.
type MemoryRegistry struct {
	mu        sync.RWMutex
	assets    map[ID]*Record
	operators map[common.Address]map[common.Address]bool // owner -> operator -> approved
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		assets:    make(map[ID]*Record),
		operators: make(map[common.Address]map[common.Address]bool),
	}
}

// Issue registers a new asset owned by owner.
func (r *MemoryRegistry) Issue(id ID, owner common.Address, royalty Royalty) error {
	if owner == (common.Address{}) {
		return fmt.Errorf("asset %s: zero owner", id)
	}
	if royalty.Bps > MaxRoyaltyBps {
		return fmt.Errorf("asset %s: royalty %d bps exceeds %d", id, royalty.Bps, MaxRoyaltyBps)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.assets[id]; exists {
		return fmt.Errorf("asset %s already issued", id)
	}
	r.assets[id] = &Record{ID: id, Owner: owner, Royalty: royalty}
	return nil
}

// SetApprovalForAll grants or revokes operator's right to transfer every
// asset of owner.
func (r *MemoryRegistry) SetApprovalForAll(owner, operator common.Address, approved bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ops := r.operators[owner]
	if ops == nil {
		ops = make(map[common.Address]bool)
		r.operators[owner] = ops
	}
	if approved {
		ops[operator] = true
	} else {
		delete(ops, operator)
	}
}

// IsApprovedForAll reports whether operator may transfer owner's assets.
func (r *MemoryRegistry) IsApprovedForAll(owner, operator common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.operators[owner][operator]
}

func (r *MemoryRegistry) OwnerOf(id ID) (common.Address, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.assets[id]
	if !ok {
		return common.Address{}, fmt.Errorf("asset %s: %w", id, fault.ErrUnknownAsset)
	}
	return rec.Owner, nil
}

func (r *MemoryRegistry) Transfer(operator, from, to common.Address, id ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.assets[id]
	if !ok {
		return fmt.Errorf("asset %s: %w", id, fault.ErrUnknownAsset)
	}
	if rec.Owner != from {
		return fmt.Errorf("asset %s owned by %s, not %s: %w", id, rec.Owner.Hex(), from.Hex(), fault.ErrNotOwner)
	}
	if operator != from && !r.operators[from][operator] {
		return fmt.Errorf("asset %s: operator %s: %w", id, operator.Hex(), fault.ErrNotAuthorized)
	}
	if to == (common.Address{}) {
		return fmt.Errorf("asset %s: transfer to zero address", id)
	}

	rec.Owner = to
	return nil
}

// RoyaltyInfo computes salePrice * bps / 10000 in 256-bit arithmetic so large
// prices never overflow before the division.
func (r *MemoryRegistry) RoyaltyInfo(id ID, salePrice int64) (common.Address, int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.assets[id]
	if !ok {
		return common.Address{}, 0, fmt.Errorf("asset %s: %w", id, fault.ErrUnknownAsset)
	}
	if salePrice < 0 {
		return common.Address{}, 0, fmt.Errorf("asset %s: negative sale price %d", id, salePrice)
	}
	if rec.Royalty.Receiver == (common.Address{}) || rec.Royalty.Bps == 0 {
		return common.Address{}, 0, nil
	}

	amount, overflow := new(uint256.Int).MulDivOverflow(
		uint256.NewInt(uint64(salePrice)),
		uint256.NewInt(uint64(rec.Royalty.Bps)),
		uint256.NewInt(MaxRoyaltyBps),
	)
	if overflow || !amount.IsUint64() {
		return common.Address{}, 0, fmt.Errorf("asset %s: royalty overflow", id)
	}
	return rec.Royalty.Receiver, int64(amount.Uint64()), nil
}

// Records returns every asset sorted by id.
func (r *MemoryRegistry) Records() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, 0, len(r.assets))
	for _, rec := range r.assets {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Record returns a copy of one asset's state.
func (r *MemoryRegistry) Record(id ID) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.assets[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Restore loads persisted records and approvals, replacing current state.
func (r *MemoryRegistry) Restore(records []Record, approvals map[common.Address][]common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.assets = make(map[ID]*Record, len(records))
	for i := range records {
		rec := records[i]
		r.assets[rec.ID] = &rec
	}
	r.operators = make(map[common.Address]map[common.Address]bool, len(approvals))
	for owner, ops := range approvals {
		m := make(map[common.Address]bool, len(ops))
		for _, op := range ops {
			m[op] = true
		}
		r.operators[owner] = m
	}
}

// Approvals returns owner -> approved operators.
func (r *MemoryRegistry) Approvals() map[common.Address][]common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[common.Address][]common.Address, len(r.operators))
	for owner, ops := range r.operators {
		for op := range ops {
			out[owner] = append(out[owner], op)
		}
	}
	return out
}

var _ Registry = (*MemoryRegistry)(nil)
