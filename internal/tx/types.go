// Package tx defines the signed transaction envelope, its payloads and the
// byte-exact signing input.
package tx

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// TxType discriminates envelope payloads. The numeric value is the u8 that
// leads the signing input.
type TxType uint8

const (
	TxUnknown TxType = iota
	TxTransfer
	TxBridge
	TxBetPlacement
	TxBetResolution
	TxMarketLaunch
	TxAddLiquidity
	TxRemoveLiquidity
	TxAdminMint
	TxAdminSetBalance
	TxMarketCancel
)

var txTypeNames = map[TxType]string{
	TxTransfer:        "transfer",
	TxBridge:          "bridge",
	TxBetPlacement:    "bet_placement",
	TxBetResolution:   "bet_resolution",
	TxMarketLaunch:    "market_launch",
	TxAddLiquidity:    "add_liquidity",
	TxRemoveLiquidity: "remove_liquidity",
	TxAdminMint:       "admin_mint",
	TxAdminSetBalance: "admin_set_balance",
	TxMarketCancel:    "market_cancel",
}

var txTypeByName = func() map[string]TxType {
	m := make(map[string]TxType, len(txTypeNames))
	for t, n := range txTypeNames {
		m[n] = t
	}
	return m
}()

func (t TxType) String() string {
	if n, ok := txTypeNames[t]; ok {
		return n
	}
	return "unknown"
}

// Valid reports whether t is a known type.
func (t TxType) Valid() bool {
	_, ok := txTypeNames[t]
	return ok
}

// IsAdmin reports whether t is restricted to the admin key.
func (t TxType) IsAdmin() bool {
	return t == TxAdminMint || t == TxAdminSetBalance
}

// ParseTxType accepts a wire name ("bet_placement") or its numeric code.
func ParseTxType(s string) (TxType, error) {
	if t, ok := txTypeByName[s]; ok {
		return t, nil
	}
	if n, err := strconv.ParseUint(s, 10, 8); err == nil && TxType(n).Valid() {
		return TxType(n), nil
	}
	return TxUnknown, fmt.Errorf("unknown tx_type %q", s)
}

// AllTxTypes lists every known type in code order.
func AllTxTypes() []TxType {
	out := make([]TxType, 0, len(txTypeNames))
	for t := TxTransfer; t <= TxMarketCancel; t++ {
		out = append(out, t)
	}
	return out
}

func (t TxType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TxType) UnmarshalJSON(b []byte) error {
	var s string
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	} else {
		s = string(b)
	}
	if s == "unknown" || s == "0" {
		*t = TxUnknown
		return nil
	}
	parsed, err := ParseTxType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
