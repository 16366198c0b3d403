package ledger

import (
	"fmt"
	"sort"

	"PredictLedger/internal/apperr"
	"PredictLedger/internal/money"
)

// BalanceTracker maintains in-memory balances keyed by address (or by a
// system account such as BridgeVault).
// Not thread-safe: only accessed under the engine lock.
type BalanceTracker struct {
	balances map[string]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[string]int64),
	}
}

// GetBalance returns the balance, 0 for unknown accounts.
func (bt *BalanceTracker) GetBalance(key string) int64 {
	return bt.balances[key]
}

// ValidateSufficient checks key can be debited by amount.
func (bt *BalanceTracker) ValidateSufficient(key string, amount int64) error {
	if amount <= 0 {
		return apperr.New(apperr.CodeInvalidAmount, "amount must be positive, got %d", amount)
	}
	have := bt.balances[key]
	if have < amount {
		return apperr.New(apperr.CodeInsufficientFunds, "insufficient balance: have=%s, need=%s",
			money.Format(have), money.Format(amount))
	}
	return nil
}

// Credit adds a positive amount.
func (bt *BalanceTracker) Credit(key string, amount int64) {
	if amount <= 0 {
		panic(fmt.Sprintf("FATAL: credit of non-positive amount %d to %s", amount, key))
	}
	bt.balances[key] += amount
}

// Debit removes a positive amount. Callers validate first; a debit that
// would go negative is an invariant violation.
func (bt *BalanceTracker) Debit(key string, amount int64) error {
	if err := bt.ValidateSufficient(key, amount); err != nil {
		return err
	}
	if bt.balances[key] == amount {
		delete(bt.balances, key)
		return nil
	}
	bt.balances[key] -= amount
	return nil
}

// SetBalance overwrites a balance (admin writes and restore).
func (bt *BalanceTracker) SetBalance(key string, v int64) {
	if v == 0 {
		delete(bt.balances, key)
		return
	}
	bt.balances[key] = v
}

// Total sums every balance, including system accounts.
func (bt *BalanceTracker) Total() int64 {
	var total int64
	for _, v := range bt.balances {
		total += v
	}
	return total
}

// ValidateNonNegative checks every balance is >= 0.
func (bt *BalanceTracker) ValidateNonNegative() error {
	for key, v := range bt.balances {
		if v < 0 {
			return fmt.Errorf("account %s has negative balance: %d", key, v)
		}
	}
	return nil
}

// Keys returns the accounts with a non-zero balance, sorted.
func (bt *BalanceTracker) Keys() []string {
	keys := make([]string, 0, len(bt.balances))
	for k := range bt.balances {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a copy of all balances.
func (bt *BalanceTracker) Snapshot() map[string]int64 {
	snapshot := make(map[string]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

// Restore replaces every balance.
func (bt *BalanceTracker) Restore(balances map[string]int64) {
	bt.balances = make(map[string]int64, len(balances))
	for k, v := range balances {
		if v != 0 {
			bt.balances[k] = v
		}
	}
}
