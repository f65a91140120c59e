package market

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperbid/pkg/abci"
	"github.com/uhyunpark/hyperbid/pkg/app/core/asset"
	"github.com/uhyunpark/hyperbid/pkg/app/core/event"
	"github.com/uhyunpark/hyperbid/pkg/app/core/fault"
	"github.com/uhyunpark/hyperbid/pkg/app/core/transaction"
)

// Result codes carried in abci.TxResult.Code.
const (
	CodeOK uint32 = iota
	CodeInvalidTx
	CodeBadSignature
	CodeBadNonce
	CodeRejected
)

var ErrFaucetDisabled = errors.New("deposit faucet disabled")

type blockState struct {
	height int64
	time   int64
	events []event.Event
	assets map[asset.ID]struct{}
	owners map[common.Address]struct{}
}

func newBlockState(height, ts int64) *blockState {
	return &blockState{
		height: height,
		time:   ts,
		assets: make(map[asset.ID]struct{}),
		owners: make(map[common.Address]struct{}),
	}
}

// deliverTx authenticates and executes one transaction. A transaction that
// passes the signature and nonce checks consumes its nonce even if the
// marketplace rejects it.
func (a *App) deliverTx(raw []byte) abci.TxResult {
	tx, err := transaction.ParseTransaction(raw)
	if err != nil {
		a.metrics.ObserveTx("unknown", "InvalidTx")
		return abci.TxResult{Code: CodeInvalidTx, Kind: "InvalidTx", Log: err.Error()}
	}
	typ := string(tx.Type)

	sender, err := a.verifier.Verify(tx)
	if err != nil {
		a.metrics.ObserveTx(typ, "BadSignature")
		return abci.TxResult{Code: CodeBadSignature, Kind: "BadSignature", Log: err.Error()}
	}
	if err := a.funds.UseNonce(sender, tx.Action.Nonce); err != nil {
		a.metrics.ObserveTx(typ, "StaleNonce")
		return abci.TxResult{Code: CodeBadNonce, Kind: "StaleNonce", Log: err.Error()}
	}

	if err := a.dispatch(tx, sender); err != nil {
		kind := fault.Kind(err)
		if kind == "" {
			kind = "Rejected"
		}
		if errors.Is(err, fault.ErrPaymentTransferFailed) {
			a.log.Errorw("payment_transfer_failed", "type", typ, "asset", tx.Action.AssetID, "sender", sender.Hex(), "err", err)
		} else {
			a.log.Debugw("tx_rejected", "type", typ, "asset", tx.Action.AssetID, "sender", sender.Hex(), "kind", kind, "err", err)
		}
		a.metrics.ObserveTx(typ, kind)
		return abci.TxResult{Code: CodeRejected, Kind: kind, Log: err.Error()}
	}

	a.metrics.ObserveTx(typ, "ok")
	return abci.TxResult{Code: CodeOK}
}

func (a *App) dispatch(tx *transaction.SignedTransaction, sender common.Address) error {
	p := tx.Action
	id := asset.ID(p.AssetID)
	amount := int64(p.Amount)

	switch tx.Type {
	case transaction.TxTypeApprove:
		a.registry.SetApprovalForAll(sender, a.cfg.Escrow, p.Approved)
		a.block.owners[sender] = struct{}{}
		return nil

	case transaction.TxTypeDeposit:
		if !a.cfg.Faucet {
			return ErrFaucetDisabled
		}
		return a.funds.Deposit(sender, amount)

	case transaction.TxTypeList:
		a.touch(id)
		return a.sales.List(id, amount, sender)

	case transaction.TxTypeCancelListing:
		a.touch(id)
		return a.sales.Cancel(id, sender)

	case transaction.TxTypePurchase:
		a.touch(id)
		return a.sales.Purchase(id, amount, sender)

	case transaction.TxTypeStartAuction:
		a.touch(id)
		if _, err := a.auctions.Start(id, amount, time.Duration(p.Duration)*time.Second, sender); err != nil {
			return err
		}
		// The seller no longer owns the asset, so any listing is dead.
		_, err := a.sales.Prune(id)
		return err

	case transaction.TxTypeBid:
		a.touch(id)
		_, err := a.auctions.Bid(id, amount, sender)
		return err

	case transaction.TxTypeEndAuction:
		a.touch(id)
		_, err := a.auctions.End(id, sender)
		return err

	case transaction.TxTypeCancelAuction:
		a.touch(id)
		_, err := a.auctions.Cancel(id, sender)
		return err
	}
	return fmt.Errorf("unsupported transaction type: %s", tx.Type)
}

func (a *App) touch(id asset.ID) {
	a.block.assets[id] = struct{}{}
}
