package storage

import (
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperbid/pkg/app/core/account"
	"github.com/uhyunpark/hyperbid/pkg/app/core/asset"
	"github.com/uhyunpark/hyperbid/pkg/app/core/auction"
	"github.com/uhyunpark/hyperbid/pkg/app/core/event"
	"github.com/uhyunpark/hyperbid/pkg/app/core/sale"
)

// MemoryStore is a Store for tests and throwaway devnets.
type MemoryStore struct {
	mu        sync.Mutex
	accounts  map[common.Address]account.Account
	listings  map[asset.ID]sale.Listing
	auctions  map[asset.ID]auction.Auction
	assets    map[asset.ID]asset.Record
	approvals map[common.Address][]common.Address
	events    map[asset.ID][]event.Event
	head      *Head
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[common.Address]account.Account),
		listings:  make(map[asset.ID]sale.Listing),
		auctions:  make(map[asset.ID]auction.Auction),
		assets:    make(map[asset.ID]asset.Record),
		approvals: make(map[common.Address][]common.Address),
		events:    make(map[asset.ID][]event.Event),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Commit(b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range b.ops {
		switch o.kind {
		case opSaveListing:
			s.listings[o.id] = o.listing
		case opDeleteListing:
			delete(s.listings, o.id)
		case opSaveAuction:
			s.auctions[o.id] = o.auction
		case opSaveAsset:
			s.assets[o.id] = o.record
		case opSaveApprovals:
			if len(o.operators) == 0 {
				delete(s.approvals, o.owner)
				continue
			}
			s.approvals[o.owner] = append([]common.Address(nil), o.operators...)
		case opAppendEvent:
			s.events[o.id] = append(s.events[o.id], o.event)
		case opSetHead:
			h := o.head
			s.head = &h
		case opSaveAccount:
			s.accounts[o.account.Address] = o.account
		}
	}
	return nil
}

func (s *MemoryStore) LoadAccounts() ([]account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]account.Account, 0, len(s.accounts))
	for _, acc := range s.accounts {
		out = append(out, acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.Cmp(out[j].Address) < 0 })
	return out, nil
}

func (s *MemoryStore) LoadListings() ([]sale.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sale.Listing, 0, len(s.listings))
	for _, l := range s.listings {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out, nil
}

func (s *MemoryStore) LoadAuctions() ([]auction.Auction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]auction.Auction, 0, len(s.auctions))
	for _, a := range s.auctions {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out, nil
}

func (s *MemoryStore) LoadAssets() ([]asset.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]asset.Record, 0, len(s.assets))
	for _, r := range s.assets {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) LoadApprovals() (map[common.Address][]common.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[common.Address][]common.Address, len(s.approvals))
	for owner, ops := range s.approvals {
		out[owner] = append([]common.Address(nil), ops...)
	}
	return out, nil
}

func (s *MemoryStore) LoadEvents(id asset.ID, limit int) ([]event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.events[id]
	var out []event.Event
	for i := len(all) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (s *MemoryStore) GetHead() (Head, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.head == nil {
		return Head{}, false, nil
	}
	return *s.head, true, nil
}

var _ Store = (*MemoryStore)(nil)
