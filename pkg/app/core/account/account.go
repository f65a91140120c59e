package account

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Account is a payment ledger entry keyed by EVM address.
// Amounts are integer base units (wei-like); the ledger never goes negative.
type Account struct {
	Address common.Address // EVM 20-byte address (0x...)
	Nonce   uint64         // Highest transaction nonce applied (replay protection)

	Balance int64 // Spendable funds

	// Cumulative statistics
	TotalDeposited int64
	TotalWithdrawn int64
	TotalSent      int64 // Transfers out (purchases, bids, payouts from escrow)
	TotalReceived  int64 // Transfers in (sale proceeds, royalties, refunds)
}

// Transfer is one leg of a multi-recipient payment.
type Transfer struct {
	To     common.Address
	Amount int64
}

// NewAccount creates an account with zero balance
func NewAccount(addr common.Address) *Account {
	return &Account{Address: addr}
}

// Validate checks account invariants
func (a *Account) Validate() error {
	if a.Balance < 0 {
		return fmt.Errorf("negative balance: %d", a.Balance)
	}
	if a.TotalDeposited < 0 || a.TotalWithdrawn < 0 || a.TotalSent < 0 || a.TotalReceived < 0 {
		return fmt.Errorf("negative cumulative totals for %s", a.Address.Hex())
	}
	// Conservation: everything that entered minus everything that left
	if in, out := a.TotalDeposited+a.TotalReceived, a.TotalWithdrawn+a.TotalSent; in-out != a.Balance {
		return fmt.Errorf("balance %d does not match flows (in=%d out=%d)", a.Balance, in, out)
	}
	return nil
}
