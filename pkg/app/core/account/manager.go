package account

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// ErrInsufficientFunds is returned when an account cannot cover a debit.
var ErrInsufficientFunds = errors.New("insufficient funds")

// ErrStaleNonce is returned when a transaction nonce does not advance the
// account nonce.
var ErrStaleNonce = errors.New("nonce too low")

// AccountManager is the payment ledger. Thread-safe.
// Mutations are computed on copies and published together, so a failed
// TransferMany leaves balances untouched. Changed accounts are tracked until
// TakeDirty hands them to the block commit.
type AccountManager struct {
	mu       sync.RWMutex
	accounts map[common.Address]*Account
	dirty    map[common.Address]struct{}
}

// NewAccountManager creates an empty ledger.
func NewAccountManager() *AccountManager {
	return &AccountManager{
		accounts: make(map[common.Address]*Account),
		dirty:    make(map[common.Address]struct{}),
	}
}

// Restore replaces every account with accs and clears the dirty set.
func (am *AccountManager) Restore(accs []Account) {
	am.mu.Lock()
	defer am.mu.Unlock()

	am.accounts = make(map[common.Address]*Account, len(accs))
	am.dirty = make(map[common.Address]struct{})
	for i := range accs {
		acc := accs[i]
		am.accounts[acc.Address] = &acc
	}
}

// TakeDirty returns copies of the accounts changed since the last call,
// sorted by address, and clears the dirty set.
func (am *AccountManager) TakeDirty() []Account {
	am.mu.Lock()
	defer am.mu.Unlock()

	out := make([]Account, 0, len(am.dirty))
	for addr := range am.dirty {
		out = append(out, *am.accounts[addr])
	}
	am.dirty = make(map[common.Address]struct{})
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.Cmp(out[j].Address) < 0
	})
	return out
}

// GetAccount returns a copy of the account; zero account if unknown
func (am *AccountManager) GetAccount(addr common.Address) Account {
	am.mu.RLock()
	defer am.mu.RUnlock()
	if acc, ok := am.accounts[addr]; ok {
		return *acc
	}
	return *NewAccount(addr)
}

// Balance returns the spendable balance of addr
func (am *AccountManager) Balance(addr common.Address) int64 {
	am.mu.RLock()
	defer am.mu.RUnlock()
	if acc, ok := am.accounts[addr]; ok {
		return acc.Balance
	}
	return 0
}

// Deposit credits addr (bridge inflow or genesis allocation)
func (am *AccountManager) Deposit(addr common.Address, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("deposit amount must be positive: %d", amount)
	}

	am.mu.Lock()
	defer am.mu.Unlock()

	acc := am.copyLocked(addr)
	if acc.Balance > math.MaxInt64-amount {
		return fmt.Errorf("deposit overflows balance of %s", addr.Hex())
	}
	acc.Balance += amount
	acc.TotalDeposited += amount
	return am.commitLocked(acc)
}

// Withdraw debits addr (bridge outflow)
func (am *AccountManager) Withdraw(addr common.Address, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("withdraw amount must be positive: %d", amount)
	}

	am.mu.Lock()
	defer am.mu.Unlock()

	acc := am.copyLocked(addr)
	if acc.Balance < amount {
		return fmt.Errorf("withdraw %d from %s (balance %d): %w", amount, addr.Hex(), acc.Balance, ErrInsufficientFunds)
	}
	acc.Balance -= amount
	acc.TotalWithdrawn += amount
	return am.commitLocked(acc)
}

// Transfer moves amount from one account to another
func (am *AccountManager) Transfer(from, to common.Address, amount int64) error {
	return am.TransferMany(from, []Transfer{{To: to, Amount: amount}})
}

// TransferMany pays every leg out of `from` atomically: all legs are
// validated against the balance first, then applied and persisted together.
// Zero-amount legs are skipped.
func (am *AccountManager) TransferMany(from common.Address, legs []Transfer) error {
	var total int64
	for _, leg := range legs {
		if leg.Amount < 0 {
			return fmt.Errorf("transfer amount cannot be negative: %d", leg.Amount)
		}
		if leg.To == (common.Address{}) && leg.Amount > 0 {
			return fmt.Errorf("transfer to zero address")
		}
		if total > math.MaxInt64-leg.Amount {
			return fmt.Errorf("transfer total overflows")
		}
		total += leg.Amount
	}
	if total == 0 {
		return nil
	}

	am.mu.Lock()
	defer am.mu.Unlock()

	touched := map[common.Address]*Account{from: am.copyLocked(from)}
	src := touched[from]
	if src.Balance < total {
		return fmt.Errorf("debit %d from %s (balance %d): %w", total, from.Hex(), src.Balance, ErrInsufficientFunds)
	}
	src.Balance -= total
	src.TotalSent += total

	for _, leg := range legs {
		if leg.Amount == 0 {
			continue
		}
		dst, ok := touched[leg.To]
		if !ok {
			dst = am.copyLocked(leg.To)
			touched[leg.To] = dst
		}
		if dst.Balance > math.MaxInt64-leg.Amount {
			return fmt.Errorf("transfer overflows balance of %s", leg.To.Hex())
		}
		dst.Balance += leg.Amount
		dst.TotalReceived += leg.Amount
	}

	accs := make([]*Account, 0, len(touched))
	for _, acc := range touched {
		accs = append(accs, acc)
	}
	return am.commitLocked(accs...)
}

// UseNonce advances the account nonce; nonce must be strictly greater than
// the last one used.
func (am *AccountManager) UseNonce(addr common.Address, nonce uint64) error {
	am.mu.Lock()
	defer am.mu.Unlock()

	acc := am.copyLocked(addr)
	if nonce <= acc.Nonce {
		return fmt.Errorf("nonce %d for %s (last %d): %w", nonce, addr.Hex(), acc.Nonce, ErrStaleNonce)
	}
	acc.Nonce = nonce
	return am.commitLocked(acc)
}

// ListAccounts returns copies of all accounts sorted by address
func (am *AccountManager) ListAccounts() []Account {
	am.mu.RLock()
	defer am.mu.RUnlock()

	out := make([]Account, 0, len(am.accounts))
	for _, acc := range am.accounts {
		out = append(out, *acc)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.Cmp(out[j].Address) < 0
	})
	return out
}

// Count returns the total number of accounts
func (am *AccountManager) Count() int {
	am.mu.RLock()
	defer am.mu.RUnlock()
	return len(am.accounts)
}

// TotalSupply returns the sum of all balances. Transfers never change it.
func (am *AccountManager) TotalSupply() int64 {
	am.mu.RLock()
	defer am.mu.RUnlock()

	var total int64
	for _, acc := range am.accounts {
		total += acc.Balance
	}
	return total
}

// ValidateAccount checks account invariants
func (am *AccountManager) ValidateAccount(addr common.Address) error {
	am.mu.RLock()
	defer am.mu.RUnlock()

	acc, exists := am.accounts[addr]
	if !exists {
		return fmt.Errorf("account not found: %s", addr.Hex())
	}
	return acc.Validate()
}

// copyLocked returns a mutable copy of the account (assumes lock is held)
func (am *AccountManager) copyLocked(addr common.Address) *Account {
	if acc, ok := am.accounts[addr]; ok {
		cp := *acc
		return &cp
	}
	return NewAccount(addr)
}

// commitLocked publishes the copies and marks them dirty (assumes lock is held)
func (am *AccountManager) commitLocked(accs ...*Account) error {
	for _, acc := range accs {
		am.accounts[acc.Address] = acc
		am.dirty[acc.Address] = struct{}{}
	}
	return nil
}
