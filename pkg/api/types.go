package api

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperbid/pkg/app/core/event"
)

// ==============================
// REST Response Types
// ==============================

// AccountInfo is the payment ledger entry of an address.
type AccountInfo struct {
	Address        string `json:"address"`
	Nonce          uint64 `json:"nonce,string"` // last applied; sign the next tx with nonce+1
	Balance        int64  `json:"balance"`
	TotalDeposited int64  `json:"totalDeposited"`
	TotalSent      int64  `json:"totalSent"`
	TotalReceived  int64  `json:"totalReceived"`
}

// ChainStatus reports the last committed block.
type ChainStatus struct {
	Height             uint64 `json:"height"`
	Time               int64  `json:"time"` // block timestamp, Unix seconds
	StateHash          string `json:"stateHash"`
	MempoolSize        int    `json:"mempoolSize"`
	PendingSettlements int    `json:"pendingSettlements"` // expired auctions awaiting end_auction
	Escrow             string `json:"escrow"`
	TimeBufferSeconds  int64  `json:"timeBufferSeconds"`
}

// SubmitTxResponse acknowledges admission to the mempool. Execution happens
// in a later block; poll /api/v1/tx/{hash} for the receipt.
type SubmitTxResponse struct {
	Status string `json:"status"` // "submitted"
	TxHash string `json:"txHash"`
	Type   string `json:"type"`
	Sender string `json:"sender"`
}

// Receipt is the outcome of a committed transaction.
type Receipt struct {
	TxHash string `json:"txHash"`
	Height int64  `json:"height"`
	Time   int64  `json:"time"`
	Code   uint32 `json:"code"`
	Kind   string `json:"kind,omitempty"` // error kind, empty on success
	Log    string `json:"log,omitempty"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g. ["events:all", "events:7", "blocks"]
}

// EventUpdate carries one committed marketplace event.
type EventUpdate struct {
	Type    string      `json:"type"` // "event"
	Channel string      `json:"channel"`
	Event   event.Event `json:"event"`
}

// BlockUpdate is broadcast on every committed block that carried txs.
type BlockUpdate struct {
	Type      string      `json:"type"` // "block"
	Height    int64       `json:"height"`
	Time      int64       `json:"time"`
	Txs       int         `json:"txs"`
	Failed    int         `json:"failed"`
	StateHash common.Hash `json:"stateHash"`
}
