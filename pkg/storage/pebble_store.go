package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperbid/pkg/app/core/account"
	"github.com/uhyunpark/hyperbid/pkg/app/core/asset"
	"github.com/uhyunpark/hyperbid/pkg/app/core/auction"
	"github.com/uhyunpark/hyperbid/pkg/app/core/event"
	"github.com/uhyunpark/hyperbid/pkg/app/core/sale"
)

type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	opts := &pebble.Options{
		Cache:                    pebble.NewCache(64 << 20), // 64MB cache
		MemTableSize:             32 << 20,                  // 32MB memtable
		MaxConcurrentCompactions: func() int { return 2 },
		MaxOpenFiles:             1000,
		BytesPerSync:             512 << 10,
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) Commit(b *Batch) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, o := range b.ops {
		var (
			key []byte
			val any
		)
		switch o.kind {
		case opSaveListing:
			key, val = listingKey(o.id), o.listing
		case opDeleteListing:
			if err := batch.Delete(listingKey(o.id), nil); err != nil {
				return fmt.Errorf("delete listing %s: %w", o.id, err)
			}
			continue
		case opSaveAuction:
			key, val = auctionKey(o.id), o.auction
		case opSaveAsset:
			key, val = assetKey(o.id), o.record
		case opSaveApprovals:
			if len(o.operators) == 0 {
				if err := batch.Delete(approvalKey(o.owner), nil); err != nil {
					return fmt.Errorf("delete approvals: %w", err)
				}
				continue
			}
			key, val = approvalKey(o.owner), o.operators
		case opAppendEvent:
			key, val = eventKey(o.id, uint64(o.event.Height), o.event.Seq), o.event
		case opSetHead:
			key, val = []byte(keyHead), o.head
		case opSaveAccount:
			key, val = accountKey(o.account.Address), o.account
		}

		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", key, err)
		}
		if err := batch.Set(key, data, nil); err != nil {
			return fmt.Errorf("failed to stage %s: %w", key, err)
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

func (s *PebbleStore) LoadAccounts() ([]account.Account, error) {
	var out []account.Account
	err := s.scan([]byte(prefixAccount), func(v []byte) error {
		var acc account.Account
		if err := json.Unmarshal(v, &acc); err != nil {
			return fmt.Errorf("failed to unmarshal account: %w", err)
		}
		out = append(out, acc)
		return nil
	})
	return out, err
}

func (s *PebbleStore) LoadListings() ([]sale.Listing, error) {
	var out []sale.Listing
	err := s.scan([]byte(prefixListing), func(v []byte) error {
		var l sale.Listing
		if err := json.Unmarshal(v, &l); err != nil {
			return fmt.Errorf("failed to unmarshal listing: %w", err)
		}
		out = append(out, l)
		return nil
	})
	return out, err
}

func (s *PebbleStore) LoadAuctions() ([]auction.Auction, error) {
	var out []auction.Auction
	err := s.scan([]byte(prefixAuction), func(v []byte) error {
		var a auction.Auction
		if err := json.Unmarshal(v, &a); err != nil {
			return fmt.Errorf("failed to unmarshal auction: %w", err)
		}
		out = append(out, a)
		return nil
	})
	return out, err
}

func (s *PebbleStore) LoadAssets() ([]asset.Record, error) {
	var out []asset.Record
	err := s.scan([]byte(prefixAsset), func(v []byte) error {
		var r asset.Record
		if err := json.Unmarshal(v, &r); err != nil {
			return fmt.Errorf("failed to unmarshal asset: %w", err)
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

func (s *PebbleStore) LoadApprovals() (map[common.Address][]common.Address, error) {
	out := make(map[common.Address][]common.Address)
	prefix := []byte(prefixApproval)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		owner := common.HexToAddress(string(iter.Key()[len(prefix):]))
		var ops []common.Address
		if err := json.Unmarshal(iter.Value(), &ops); err != nil {
			return nil, fmt.Errorf("failed to unmarshal approvals: %w", err)
		}
		out[owner] = ops
	}
	return out, iter.Error()
}

func (s *PebbleStore) LoadEvents(id asset.ID, limit int) ([]event.Event, error) {
	prefix := eventPrefix(id)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []event.Event
	for iter.Last(); iter.Valid() && (limit <= 0 || len(out) < limit); iter.Prev() {
		var e event.Event
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		out = append(out, e)
	}
	return out, iter.Error()
}

func (s *PebbleStore) GetHead() (Head, bool, error) {
	val, closer, err := s.db.Get([]byte(keyHead))
	if errors.Is(err, pebble.ErrNotFound) {
		return Head{}, false, nil
	}
	if err != nil {
		return Head{}, false, fmt.Errorf("failed to get head: %w", err)
	}
	defer closer.Close()

	var h Head
	if err := json.Unmarshal(val, &h); err != nil {
		return Head{}, false, fmt.Errorf("failed to unmarshal head: %w", err)
	}
	return h, true, nil
}

func (s *PebbleStore) scan(prefix []byte, fn func(v []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

var _ Store = (*PebbleStore)(nil)
