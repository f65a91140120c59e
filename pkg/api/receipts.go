package api

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// TxHash identifies a raw signed transaction.
func TxHash(raw []byte) common.Hash { return crypto.Keccak256Hash(raw) }

// receiptCache keeps the most recent receipts, evicting the oldest first.
type receiptCache struct {
	mu    sync.RWMutex
	limit int
	order []common.Hash
	byTx  map[common.Hash]Receipt
}

func newReceiptCache(limit int) *receiptCache {
	if limit <= 0 {
		limit = 10_000
	}
	return &receiptCache{limit: limit, byTx: make(map[common.Hash]Receipt)}
}

func (c *receiptCache) add(h common.Hash, r Receipt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// A replayed tx fails on its nonce; keep the original outcome.
	if _, ok := c.byTx[h]; ok {
		return
	}
	c.order = append(c.order, h)
	c.byTx[h] = r
	for len(c.order) > c.limit {
		delete(c.byTx, c.order[0])
		c.order = c.order[1:]
	}
}

func (c *receiptCache) get(h common.Hash) (Receipt, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.byTx[h]
	return r, ok
}
