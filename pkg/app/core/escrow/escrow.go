// Package escrow apportions sale proceeds between a royalty receiver and a
// payee, and moves funds in and out of the marketplace escrow account.
//
// Split is pure. The other helpers act on a Funds ledger and report every
// ledger failure as fault.ErrPaymentTransferFailed.
package escrow

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperbid/pkg/app/core/account"
	"github.com/uhyunpark/hyperbid/pkg/app/core/asset"
	"github.com/uhyunpark/hyperbid/pkg/app/core/fault"
)

// Funds is the payment collaborator. TransferMany must apply every leg or
// none.
type Funds interface {
	Transfer(from, to common.Address, amount int64) error
	TransferMany(from common.Address, legs []account.Transfer) error
}

// Quote is a royalty quote: Amount of the sale goes to Receiver.
type Quote struct {
	Receiver common.Address
	Amount   int64
}

// QuoteFor asks the registry for the royalty owed on a sale of id at price.
func QuoteFor(reg asset.Registry, id asset.ID, price int64) (Quote, error) {
	receiver, amount, err := reg.RoyaltyInfo(id, price)
	if err != nil {
		return Quote{}, err
	}
	return Quote{Receiver: receiver, Amount: amount}, nil
}

// Split returns the payout legs for a sale. The royalty leg is present only
// when the quote is positive and names a receiver; the payee gets the rest.
// Zero-amount legs are omitted, so a zero price yields no legs.
func Split(price int64, quote Quote, payee common.Address) ([]account.Transfer, error) {
	if price < 0 {
		return nil, fmt.Errorf("negative price %d", price)
	}
	if quote.Amount < 0 || quote.Amount > price {
		return nil, fmt.Errorf("royalty %d outside [0, %d]", quote.Amount, price)
	}

	royalty := quote.Amount
	if quote.Receiver == (common.Address{}) {
		royalty = 0
	}

	legs := make([]account.Transfer, 0, 2)
	if royalty > 0 {
		legs = append(legs, account.Transfer{To: quote.Receiver, Amount: royalty})
	}
	if rest := price - royalty; rest > 0 {
		legs = append(legs, account.Transfer{To: payee, Amount: rest})
	}
	return legs, nil
}

// Settle pays price out of the escrow account `from` according to Split.
// Both legs land or neither does.
func Settle(funds Funds, from common.Address, price int64, quote Quote, payee common.Address) ([]account.Transfer, error) {
	legs, err := Split(price, quote, payee)
	if err != nil {
		return nil, fmt.Errorf("split: %v: %w", err, fault.ErrPaymentTransferFailed)
	}
	if err := funds.TransferMany(from, legs); err != nil {
		return nil, fmt.Errorf("payout: %v: %w", err, fault.ErrPaymentTransferFailed)
	}
	return legs, nil
}

// Collect pulls amount from payer into the escrow account.
func Collect(funds Funds, payer, escrowAddr common.Address, amount int64) error {
	if amount == 0 {
		return nil
	}
	if err := funds.Transfer(payer, escrowAddr, amount); err != nil {
		return fmt.Errorf("collect %d from %s: %v: %w", amount, payer.Hex(), err, fault.ErrPaymentTransferFailed)
	}
	return nil
}

// Release returns amount from the escrow account to `to` (refunds, change).
func Release(funds Funds, escrowAddr, to common.Address, amount int64) error {
	if amount == 0 {
		return nil
	}
	if err := funds.Transfer(escrowAddr, to, amount); err != nil {
		return fmt.Errorf("release %d to %s: %v: %w", amount, to.Hex(), err, fault.ErrPaymentTransferFailed)
	}
	return nil
}
