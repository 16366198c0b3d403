// Package ledger owns accounts, balances and the two append-only logs.
// Not thread-safe: only accessed under the engine lock.
package ledger

import (
	"math"

	"github.com/google/uuid"

	"PredictLedger/internal/apperr"
	"PredictLedger/internal/money"
)

// Ledger is the authoritative balance map plus its audit trail.
type Ledger struct {
	accounts  *AccountRegistry
	balances  *BalanceTracker
	validator *InvariantValidator
	txs       []TxRecord
	recipes   []Recipe
	supply    Supply
	newID     func() string
}

func NewLedger() *Ledger {
	balances := NewBalanceTracker()
	return &Ledger{
		accounts:  NewAccountRegistry(),
		balances:  balances,
		validator: NewInvariantValidator(balances),
		newID:     uuid.NewString,
	}
}

// SetIDGenerator replaces the recipe id source (tests use a counter).
func (l *Ledger) SetIDGenerator(fn func() string) {
	l.newID = fn
}

func (l *Ledger) Accounts() *AccountRegistry { return l.accounts }

// Balance returns the balance of addr, 0 when unknown.
func (l *Ledger) Balance(addr string) int64 {
	return l.balances.GetBalance(addr)
}

func (l *Ledger) Supply() Supply { return l.supply }

// CheckDebit reports whether addr can pay amount.
func (l *Ledger) CheckDebit(addr string, amount int64) error {
	return l.balances.ValidateSufficient(addr, amount)
}

// CheckSupplyIncrease reports INVALID_AMOUNT when minting amount would
// overflow the total supply. Every balance and escrow pool is bounded by
// the supply, so this guard covers them too.
func (l *Ledger) CheckSupplyIncrease(amount int64) error {
	if amount > math.MaxInt64-l.supply.Total {
		return apperr.New(apperr.CodeInvalidAmount, "minting %s would overflow the supply of %s",
			money.Format(amount), money.Format(l.supply.Total))
	}
	return nil
}

// Transfer moves amount between two addresses and writes one transfer
// record and one recipe.
func (l *Ledger) Transfer(from, to string, amount, ts int64) (Recipe, error) {
	if from == to {
		return Recipe{}, apperr.New(apperr.CodeValidation, "cannot transfer to self")
	}
	if err := l.balances.Debit(from, amount); err != nil {
		return Recipe{}, err
	}
	l.balances.Credit(to, amount)
	l.appendTx(TxRecord{From: from, To: to, Amount: amount, Timestamp: ts, Kind: TxKindTransfer})

	return l.AppendRecipe(Recipe{
		Kind:        RecipeTransfer,
		Address:     from,
		Amount:      -amount,
		Description: "Transfer of " + money.Format(amount) + " to " + l.accounts.DisplayName(to),
		Timestamp:   ts,
		Metadata:    map[string]string{"counterparty": to},
	}), nil
}

// DebitToEscrow moves amount from an address into a market's pool. The
// caller locks the same amount in escrow under the same critical section.
func (l *Ledger) DebitToEscrow(from, marketID string, amount, ts int64, kind TxKind) error {
	if err := l.balances.Debit(from, amount); err != nil {
		return err
	}
	l.appendTx(TxRecord{From: from, To: EscrowAccount(marketID), Amount: amount, Timestamp: ts, Kind: kind})
	return nil
}

// CreditFromEscrow credits an amount released or refunded by escrow.
func (l *Ledger) CreditFromEscrow(to, marketID string, amount, ts int64, kind TxKind) error {
	if amount <= 0 {
		return apperr.New(apperr.CodeInvalidAmount, "escrow credit must be positive, got %d", amount)
	}
	l.balances.Credit(to, amount)
	l.appendTx(TxRecord{From: EscrowAccount(marketID), To: to, Amount: amount, Timestamp: ts, Kind: kind})
	return nil
}

// AdminMint creates amount new tokens at to.
func (l *Ledger) AdminMint(to string, amount, ts int64, actor string) (Recipe, error) {
	if amount <= 0 {
		return Recipe{}, apperr.New(apperr.CodeInvalidAmount, "mint amount must be positive")
	}
	if err := l.CheckSupplyIncrease(amount); err != nil {
		return Recipe{}, err
	}
	l.balances.Credit(to, amount)
	l.supply.Total += amount
	l.supply.Minted += amount
	l.appendTx(TxRecord{From: SentinelAdminMint, To: to, Amount: amount, Timestamp: ts, Kind: TxKindAdminMint})

	return l.AppendRecipe(Recipe{
		Kind:        RecipeAdminAction,
		Address:     to,
		Amount:      amount,
		Description: "Admin mint of " + money.Format(amount),
		Timestamp:   ts,
		Metadata:    map[string]string{"action": "mint", "actor": actor},
	}), nil
}

// AdminSet overwrites addr's balance and adjusts supply by the difference.
func (l *Ledger) AdminSet(addr string, newBalance, ts int64, actor string) (Recipe, error) {
	if newBalance < 0 {
		return Recipe{}, apperr.New(apperr.CodeNegativeBalance, "balance %s is negative", money.Format(newBalance))
	}
	old := l.balances.GetBalance(addr)
	delta := newBalance - old
	if delta > 0 {
		if err := l.CheckSupplyIncrease(delta); err != nil {
			return Recipe{}, err
		}
	}

	l.balances.SetBalance(addr, newBalance)
	l.supply.Total += delta
	switch {
	case delta > 0:
		l.supply.AdjustedUp += delta
		l.appendTx(TxRecord{From: SentinelAdminSetUp, To: addr, Amount: delta, Timestamp: ts, Kind: TxKindAdminSet})
	case delta < 0:
		l.supply.AdjustedDown += -delta
		l.appendTx(TxRecord{From: addr, To: SentinelAdminSetDown, Amount: -delta, Timestamp: ts, Kind: TxKindAdminSet})
	}

	return l.AppendRecipe(Recipe{
		Kind:        RecipeAdminAction,
		Address:     addr,
		Amount:      delta,
		Description: "Admin set balance to " + money.Format(newBalance),
		Timestamp:   ts,
		Metadata: map[string]string{
			"action": "set_balance",
			"actor":  actor,
			"old":    money.Format(old),
			"new":    money.Format(newBalance),
		},
	}), nil
}

// SeedMint credits a newly connected wallet. It is a privileged mint.
func (l *Ledger) SeedMint(addr string, amount, ts int64) Recipe {
	if amount > 0 {
		l.balances.Credit(addr, amount)
		l.supply.Total += amount
		l.supply.Seeded += amount
		l.appendTx(TxRecord{From: SentinelWalletSeed, To: addr, Amount: amount, Timestamp: ts, Kind: TxKindWalletSeed})
	}
	return l.AppendRecipe(Recipe{
		Kind:        RecipeWalletSeed,
		Address:     addr,
		Amount:      amount,
		Description: "Wallet connected with " + money.Format(amount),
		Timestamp:   ts,
	})
}

// BridgeWithdraw moves tokens from an address into the bridge vault.
func (l *Ledger) BridgeWithdraw(from string, amount, ts int64, ref string) (Recipe, error) {
	if err := l.balances.Debit(from, amount); err != nil {
		return Recipe{}, err
	}
	l.balances.Credit(BridgeVault, amount)
	l.appendTx(TxRecord{From: from, To: BridgeVault, Amount: amount, Timestamp: ts, Kind: TxKindBridgeWithdraw})

	return l.AppendRecipe(Recipe{
		Kind:        RecipeBridge,
		Address:     from,
		Amount:      -amount,
		Description: "Bridge withdrawal of " + money.Format(amount),
		RelatedID:   ref,
		Timestamp:   ts,
		Metadata:    map[string]string{"direction": "withdraw"},
	}), nil
}

// BridgeDeposit releases tokens from the bridge vault to an address.
func (l *Ledger) BridgeDeposit(to string, amount, ts int64, ref string) (Recipe, error) {
	if err := l.balances.Debit(BridgeVault, amount); err != nil {
		return Recipe{}, err
	}
	l.balances.Credit(to, amount)
	l.appendTx(TxRecord{From: BridgeVault, To: to, Amount: amount, Timestamp: ts, Kind: TxKindBridgeDeposit})

	return l.AppendRecipe(Recipe{
		Kind:        RecipeBridge,
		Address:     to,
		Amount:      amount,
		Description: "Bridge deposit of " + money.Format(amount),
		RelatedID:   ref,
		Timestamp:   ts,
		Metadata:    map[string]string{"direction": "deposit"},
	}), nil
}

// AppendRecipe assigns an id and display name and appends the recipe.
func (l *Ledger) AppendRecipe(r Recipe) Recipe {
	if r.ID == "" {
		r.ID = l.newID()
	}
	if r.Account == "" {
		r.Account = l.accounts.DisplayName(r.Address)
	}
	l.recipes = append(l.recipes, r)
	return r
}

func (l *Ledger) appendTx(rec TxRecord) {
	l.txs = append(l.txs, rec)
}

// TxCount and RecipeCount mark log positions for TxSince / RecipesSince.
func (l *Ledger) TxCount() int     { return len(l.txs) }
func (l *Ledger) RecipeCount() int { return len(l.recipes) }

// TxSince copies the records appended after position n.
func (l *Ledger) TxSince(n int) []TxRecord {
	return append([]TxRecord(nil), l.txs[n:]...)
}

// RecipesSince copies the recipes appended after position n.
func (l *Ledger) RecipesSince(n int) []Recipe {
	out := make([]Recipe, 0, len(l.recipes)-n)
	for _, r := range l.recipes[n:] {
		out = append(out, cloneRecipe(r))
	}
	return out
}

// Transactions returns the records touching addr, or all when addr is "".
func (l *Ledger) Transactions(addr string) []TxRecord {
	out := make([]TxRecord, 0)
	for _, t := range l.txs {
		if addr == "" || t.From == addr || t.To == addr {
			out = append(out, t)
		}
	}
	return out
}

// Recipes returns the recipes for addr (as owner or counterparty), or all
// when addr is "".
func (l *Ledger) Recipes(addr string) []Recipe {
	out := make([]Recipe, 0)
	for _, r := range l.recipes {
		if addr == "" || r.Address == addr || r.Metadata["counterparty"] == addr {
			out = append(out, cloneRecipe(r))
		}
	}
	return out
}

// ValidateConservation checks balances plus escrow against supply.
func (l *Ledger) ValidateConservation(escrowTotal int64) error {
	if err := l.validator.ValidateNonNegative(); err != nil {
		return err
	}
	if err := l.validator.ValidateSupplyCounters(l.supply); err != nil {
		return err
	}
	return l.validator.ValidateConservation(escrowTotal, l.supply)
}

func cloneRecipe(r Recipe) Recipe {
	if r.Metadata != nil {
		md := make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			md[k] = v
		}
		r.Metadata = md
	}
	return r
}

// State is the serialisable content of a ledger.
type State struct {
	Accounts     []Account        `json:"accounts"`
	Balances     map[string]int64 `json:"balances"`
	Transactions []TxRecord       `json:"transactions"`
	Recipes      []Recipe         `json:"recipes"`
	Supply       Supply           `json:"supply"`
}

// Export copies the full ledger state.
func (l *Ledger) Export() State {
	return State{
		Accounts:     l.accounts.All(),
		Balances:     l.balances.Snapshot(),
		Transactions: append([]TxRecord{}, l.txs...),
		Recipes:      l.Recipes(""),
		Supply:       l.supply,
	}
}

// Import builds a ledger from exported state.
func Import(s State) (*Ledger, error) {
	l := NewLedger()
	for _, a := range s.Accounts {
		created, err := l.accounts.Register(a)
		if err != nil {
			return nil, err
		}
		if !created {
			return nil, apperr.New(apperr.CodeSnapshotInvalid, "duplicate account %s", a.Address)
		}
	}
	l.balances.Restore(s.Balances)
	l.txs = append([]TxRecord{}, s.Transactions...)
	for _, r := range s.Recipes {
		l.recipes = append(l.recipes, cloneRecipe(r))
	}
	l.supply = s.Supply
	return l, nil
}
