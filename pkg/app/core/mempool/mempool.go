package mempool

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

// Bucket is a proposal priority class.
type Bucket int

const (
	// BucketControl: approvals and faucet deposits, so intent registered in a
	// block is visible to market actions in the same block.
	BucketControl Bucket = iota
	// BucketWithdraw: cancellations and settlements ahead of new market actions.
	BucketWithdraw
	// BucketMarket: list, purchase, start_auction, bid.
	BucketMarket
)

func (b Bucket) String() string {
	switch b {
	case BucketControl:
		return "control"
	case BucketWithdraw:
		return "withdraw"
	default:
		return "market"
	}
}

// ClassifyRaw buckets a raw JSON transaction by its "type". Anything that does
// not parse lands in BucketMarket and is rejected at execution.
func ClassifyRaw(b []byte) Bucket {
	return peek(b).bucket
}

// entry is a queued tx with the sender and nonce read from its action.
// hasSender is false when they could not be read.
type entry struct {
	raw       []byte
	bucket    Bucket
	sender    string
	nonce     uint64
	hasSender bool
}

func peek(b []byte) entry {
	e := entry{raw: b, bucket: BucketMarket}
	if len(b) == 0 || b[0] != '{' {
		return e
	}
	var envelope struct {
		Type   string          `json:"type"`
		Action json.RawMessage `json:"action"`
	}
	if err := json.Unmarshal(b, &envelope); err != nil {
		return e
	}
	switch envelope.Type {
	case "approve", "deposit":
		e.bucket = BucketControl
	case "cancel_listing", "cancel_auction", "end_auction":
		e.bucket = BucketWithdraw
	}

	var action struct {
		Sender string `json:"sender"`
		Nonce  uint64 `json:"nonce,string"`
	}
	if len(envelope.Action) > 0 && json.Unmarshal(envelope.Action, &action) == nil && action.Sender != "" {
		e.sender = strings.ToLower(action.Sender)
		e.nonce = action.Nonce
		e.hasSender = true
	}
	return e
}

// Mempool keeps one FIFO queue per bucket. Proposals drain control, then
// withdraw, then market, except that one sender's txs always run in nonce
// order: they swap places among the slots that sender holds.
type Mempool struct {
	mu      sync.Mutex
	queues  [3][]entry
	maxSize int
}

// NewMempool returns a mempool holding at most maxSize txs (0 = unbounded).
func NewMempool(maxSize int) *Mempool {
	return &Mempool{maxSize: maxSize}
}

// PushRaw classifies and enqueues a copy of b. It reports false when full.
func (m *Mempool) PushRaw(b []byte) bool {
	e := peek(append([]byte(nil), b...))

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maxSize > 0 && m.lenLocked() >= m.maxSize {
		return false
	}
	m.queues[e.bucket] = append(m.queues[e.bucket], e)
	return true
}

// SelectForProposal removes and returns up to maxBytes of txs in bucket
// order (maxBytes <= 0 means no limit). A tx whose sender still has a lower
// nonce waiting in the mempool stays behind for a later proposal.
func (m *Mempool) SelectForProposal(maxBytes int64) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	var picked []entry
	var used int64
	for i := range m.queues {
		q := m.queues[i]
		n := 0
		for ; n < len(q); n++ {
			size := int64(len(q[n].raw))
			if maxBytes > 0 && used+size > maxBytes {
				break
			}
			picked = append(picked, q[n])
			used += size
		}
		m.queues[i] = q[n:]
		if n < len(q) {
			break
		}
	}

	lowest := make(map[string]uint64)
	for _, q := range m.queues {
		for _, e := range q {
			if n, ok := lowest[e.sender]; e.hasSender && (!ok || e.nonce < n) {
				lowest[e.sender] = e.nonce
			}
		}
	}
	if len(lowest) > 0 {
		var held [3][]entry
		kept := picked[:0]
		for _, e := range picked {
			if n, ok := lowest[e.sender]; e.hasSender && ok && e.nonce > n {
				held[e.bucket] = append(held[e.bucket], e)
				continue
			}
			kept = append(kept, e)
		}
		picked = kept
		for i := range held {
			if len(held[i]) > 0 {
				m.queues[i] = append(held[i], m.queues[i]...)
			}
		}
	}

	orderBySenderNonce(picked)

	out := make([][]byte, len(picked))
	for i, e := range picked {
		out[i] = e.raw
	}
	return out
}

// orderBySenderNonce reorders each sender's txs by nonce within the positions
// that sender already occupies. Txs without a sender keep their place.
func orderBySenderNonce(txs []entry) {
	slots := make(map[string][]int)
	for i, e := range txs {
		if e.hasSender {
			slots[e.sender] = append(slots[e.sender], i)
		}
	}
	for _, idx := range slots {
		if len(idx) < 2 {
			continue
		}
		group := make([]entry, len(idx))
		for j, i := range idx {
			group[j] = txs[i]
		}
		sort.SliceStable(group, func(a, b int) bool { return group[a].nonce < group[b].nonce })
		for j, i := range idx {
			txs[i] = group[j]
		}
	}
}

func (m *Mempool) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lenLocked()
}

// BucketLen returns the pending count of one bucket.
func (m *Mempool) BucketLen(b Bucket) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[b])
}

func (m *Mempool) lenLocked() int {
	return len(m.queues[BucketControl]) + len(m.queues[BucketWithdraw]) + len(m.queues[BucketMarket])
}
