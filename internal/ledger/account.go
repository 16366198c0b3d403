package ledger

import (
	"sort"
	"strings"

	"PredictLedger/internal/apperr"
	"PredictLedger/internal/crypto"
)

// Well-known counterparties that appear in transaction records in place of
// an address. Only BridgeVault carries a balance.
const (
	SentinelAdminMint    = "ADMIN_MINT"
	SentinelAdminSetUp   = "ADMIN_SET+"
	SentinelAdminSetDown = "ADMIN_SET-"
	SentinelWalletSeed   = "WALLET_SEED"
	EscrowPrefix         = "ESCROW_"

	// BridgeVault holds tokens bridged out of the ledger. It is part of the
	// conserved supply.
	BridgeVault = "BRIDGE_VAULT"
)

// EscrowAccount returns the sentinel for a market's escrow pool.
func EscrowAccount(marketID string) string {
	return EscrowPrefix + marketID
}

// Account is a registered wallet.
type Account struct {
	DisplayName string `json:"display_name"`
	Address     string `json:"address"`
	PublicKey   string `json:"public_key,omitempty"`
	IsTest      bool   `json:"is_test"`
}

// AccountRegistry maps display names and addresses. Names are unique after
// upper-case folding and never collide with the address space.
type AccountRegistry struct {
	byAddress map[string]*Account
	byName    map[string]string // folded name -> address
	order     []string          // addresses in registration order
}

func NewAccountRegistry() *AccountRegistry {
	return &AccountRegistry{
		byAddress: make(map[string]*Account),
		byName:    make(map[string]string),
	}
}

func foldName(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// Register adds an account. Registering an address that already exists is a
// no-op and returns created=false.
func (r *AccountRegistry) Register(acct Account) (created bool, err error) {
	if !crypto.IsAddress(acct.Address) {
		return false, apperr.New(apperr.CodeValidation, "invalid address %q", acct.Address)
	}
	if _, exists := r.byAddress[acct.Address]; exists {
		return false, nil
	}
	if err := r.CheckName(acct.DisplayName); err != nil {
		return false, err
	}

	stored := acct
	stored.DisplayName = strings.TrimSpace(acct.DisplayName)
	r.byAddress[acct.Address] = &stored
	if stored.DisplayName != "" {
		r.byName[foldName(stored.DisplayName)] = acct.Address
	}
	r.order = append(r.order, acct.Address)
	return true, nil
}

// CheckName reports NAME_TAKEN or VALIDATION for a prospective display name.
// An empty name is allowed; the account is then addressable only by address.
func (r *AccountRegistry) CheckName(name string) error {
	folded := foldName(name)
	if folded == "" {
		return nil
	}
	if crypto.IsAddress(folded) || strings.HasPrefix(folded, crypto.AddressPrefix) {
		return apperr.New(apperr.CodeValidation, "display name %q is in the address namespace", name)
	}
	if _, taken := r.byName[folded]; taken {
		return apperr.New(apperr.CodeNameTaken, "display name %q is taken", name)
	}
	return nil
}

// Get returns a copy of the account at addr.
func (r *AccountRegistry) Get(addr string) (Account, bool) {
	a, ok := r.byAddress[addr]
	if !ok {
		return Account{}, false
	}
	return *a, true
}

func (r *AccountRegistry) Exists(addr string) bool {
	_, ok := r.byAddress[addr]
	return ok
}

// DisplayName returns the account's name, or the address when it has none.
func (r *AccountRegistry) DisplayName(addr string) string {
	if a, ok := r.byAddress[addr]; ok && a.DisplayName != "" {
		return a.DisplayName
	}
	return addr
}

// Resolve maps a display name (any case) or an address to an address.
// Names are tried first; a well-formed address is returned as-is even if no
// account holds it yet.
func (r *AccountRegistry) Resolve(s string) (string, bool) {
	if addr, ok := r.byName[foldName(s)]; ok {
		return addr, true
	}
	if crypto.IsAddress(s) {
		return s, true
	}
	return "", false
}

// All returns every account in registration order.
func (r *AccountRegistry) All() []Account {
	out := make([]Account, 0, len(r.order))
	for _, addr := range r.order {
		out = append(out, *r.byAddress[addr])
	}
	return out
}

func (r *AccountRegistry) Len() int {
	return len(r.order)
}

// Addresses returns every registered address, sorted.
func (r *AccountRegistry) Addresses() []string {
	out := append([]string(nil), r.order...)
	sort.Strings(out)
	return out
}
