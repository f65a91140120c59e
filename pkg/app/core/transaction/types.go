package transaction

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/uhyunpark/hyperbid/pkg/crypto"
)

// TxType names the marketplace operation a transaction performs.
type TxType string

const (
	TxTypeApprove       TxType = "approve"        // grant/revoke the marketplace as operator
	TxTypeList          TxType = "list"           // fixed-price listing
	TxTypeCancelListing TxType = "cancel_listing" // withdraw listing
	TxTypePurchase      TxType = "purchase"       // buy a listed asset
	TxTypeStartAuction  TxType = "start_auction"  // open an auction
	TxTypeBid           TxType = "bid"            // bid on an auction
	TxTypeEndAuction    TxType = "end_auction"    // settle an expired auction (anyone)
	TxTypeCancelAuction TxType = "cancel_auction" // seller withdraws a bid-less auction
	TxTypeDeposit       TxType = "deposit"        // devnet faucet credit
)

var knownTypes = map[TxType]bool{
	TxTypeApprove:       true,
	TxTypeList:          true,
	TxTypeCancelListing: true,
	TxTypePurchase:      true,
	TxTypeStartAuction:  true,
	TxTypeBid:           true,
	TxTypeEndAuction:    true,
	TxTypeCancelAuction: true,
	TxTypeDeposit:       true,
}

func (t TxType) Known() bool { return knownTypes[t] }

// SignedTransaction is the wire envelope accepted by POST /api/v1/tx.
//
//	{
//	  "type": "bid",
//	  "action": {"assetId": "7", "amount": "120", "nonce": "3", "sender": "0x..."},
//	  "signature": "0x..."
//	}
type SignedTransaction struct {
	Type      TxType         `json:"type"`
	Action    *ActionPayload `json:"action"`
	Signature string         `json:"signature"`
}

// ActionPayload mirrors crypto.MarketAction; Action comes from the envelope type.
type ActionPayload struct {
	AssetID  uint64         `json:"assetId,string"`
	Amount   uint64         `json:"amount,string"`
	Duration uint64         `json:"duration,string"`
	Approved bool           `json:"approved,omitempty"`
	Nonce    uint64         `json:"nonce,string"`
	Sender   common.Address `json:"sender"`
}

// ToMarketAction builds the typed-data message the sender signed.
func (tx *SignedTransaction) ToMarketAction() *crypto.MarketAction {
	p := tx.Action
	return &crypto.MarketAction{
		Action:   string(tx.Type),
		AssetID:  p.AssetID,
		Amount:   p.Amount,
		Duration: p.Duration,
		Approved: p.Approved,
		Nonce:    p.Nonce,
		Sender:   p.Sender,
	}
}

// Sign fills in the signature for tx using s.
func (tx *SignedTransaction) Sign(eip *crypto.EIP712Signer, s *crypto.Signer) error {
	sig, err := eip.SignAction(s, tx.ToMarketAction())
	if err != nil {
		return err
	}
	tx.Signature = hexutil.Encode(sig)
	return nil
}

func (tx *SignedTransaction) Serialize() ([]byte, error) {
	return json.Marshal(tx)
}

func Deserialize(data []byte) (*SignedTransaction, error) {
	var tx SignedTransaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transaction: %w", err)
	}
	return &tx, nil
}

// Validate checks envelope structure only. Ownership, prices and auction
// state are checked when the transaction executes.
func (tx *SignedTransaction) Validate() error {
	if tx.Type == "" {
		return fmt.Errorf("missing transaction type")
	}
	if !tx.Type.Known() {
		return fmt.Errorf("unknown transaction type: %s", tx.Type)
	}
	if tx.Signature == "" {
		return fmt.Errorf("missing signature")
	}
	if tx.Action == nil {
		return fmt.Errorf("%s requires action payload", tx.Type)
	}
	if tx.Action.Sender == (common.Address{}) {
		return fmt.Errorf("missing sender")
	}
	if tx.Action.Amount > math.MaxInt64 {
		return fmt.Errorf("amount %d out of range", tx.Action.Amount)
	}
	if tx.Action.Duration > math.MaxInt32 {
		return fmt.Errorf("duration %d out of range", tx.Action.Duration)
	}

	switch tx.Type {
	case TxTypeList, TxTypePurchase, TxTypeBid, TxTypeDeposit:
		if tx.Action.Amount == 0 {
			return fmt.Errorf("%s requires amount", tx.Type)
		}
	}
	return nil
}

// ParseTransaction decodes and structurally validates a raw transaction.
func ParseTransaction(data []byte) (*SignedTransaction, error) {
	tx, err := Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse transaction: %w", err)
	}
	if err := tx.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transaction: %w", err)
	}
	return tx, nil
}
