package tx

import (
	"bytes"
	"encoding/json"
	"strings"

	"PredictLedger/internal/apperr"
	"PredictLedger/internal/market"
	"PredictLedger/internal/money"
)

const (
	BridgeWithdraw = "withdraw"
	BridgeDeposit  = "deposit"
)

// Payload is the tagged union carried by an envelope. Canonical returns the
// value tree whose canonical JSON is signed.
type Payload interface {
	Kind() TxType
	Validate() error
	Canonical() map[string]any
}

// Transfer moves tokens to a display name or address.
type Transfer struct {
	To     string       `json:"to"`
	Amount money.Amount `json:"amount"`
}

func (p *Transfer) Kind() TxType { return TxTransfer }

func (p *Transfer) Validate() error {
	if strings.TrimSpace(p.To) == "" {
		return apperr.New(apperr.CodeMalformedPayload, "transfer: to is required")
	}
	return requirePositive(p.Amount)
}

func (p *Transfer) Canonical() map[string]any {
	return map[string]any{
		"kind":   p.Kind().String(),
		"to":     p.To,
		"amount": p.Amount.String(),
	}
}

// Bridge moves tokens between a wallet and the external bridge vault.
type Bridge struct {
	Direction   string       `json:"direction"`
	Amount      money.Amount `json:"amount"`
	ExternalRef string       `json:"external_ref"`
	Recipient   string       `json:"recipient"`
}

func (p *Bridge) Kind() TxType { return TxBridge }

func (p *Bridge) Validate() error {
	switch p.Direction {
	case BridgeWithdraw:
	case BridgeDeposit:
		if p.Recipient == "" {
			return apperr.New(apperr.CodeMalformedPayload, "bridge: deposit requires a recipient")
		}
	default:
		return apperr.New(apperr.CodeMalformedPayload, "bridge: unknown direction %q", p.Direction)
	}
	return requirePositive(p.Amount)
}

func (p *Bridge) Canonical() map[string]any {
	return map[string]any{
		"kind":         p.Kind().String(),
		"direction":    p.Direction,
		"amount":       p.Amount.String(),
		"external_ref": p.ExternalRef,
		"recipient":    p.Recipient,
	}
}

// BetPlacement stakes an amount on one outcome of a market.
type BetPlacement struct {
	MarketID string       `json:"market_id"`
	Outcome  int64        `json:"outcome"`
	Amount   money.Amount `json:"amount"`
}

func (p *BetPlacement) Kind() TxType { return TxBetPlacement }

func (p *BetPlacement) Validate() error {
	if p.MarketID == "" {
		return apperr.New(apperr.CodeMalformedPayload, "bet_placement: market_id is required")
	}
	if p.Outcome < 0 {
		return apperr.New(apperr.CodeInvalidOutcomeIndex, "bet_placement: outcome %d is negative", p.Outcome)
	}
	return requirePositive(p.Amount)
}

func (p *BetPlacement) Canonical() map[string]any {
	return map[string]any{
		"kind":      p.Kind().String(),
		"market_id": p.MarketID,
		"outcome":   p.Outcome,
		"amount":    p.Amount.String(),
	}
}

// BetResolution settles a market on a winning outcome.
type BetResolution struct {
	MarketID       string `json:"market_id"`
	WinningOutcome int64  `json:"winning_outcome"`
}

func (p *BetResolution) Kind() TxType { return TxBetResolution }

func (p *BetResolution) Validate() error {
	if p.MarketID == "" {
		return apperr.New(apperr.CodeMalformedPayload, "bet_resolution: market_id is required")
	}
	if p.WinningOutcome < 0 {
		return apperr.New(apperr.CodeInvalidOutcomeIndex, "bet_resolution: outcome %d is negative", p.WinningOutcome)
	}
	return nil
}

func (p *BetResolution) Canonical() map[string]any {
	return map[string]any{
		"kind":            p.Kind().String(),
		"market_id":       p.MarketID,
		"winning_outcome": p.WinningOutcome,
	}
}

// MarketLaunch creates a market owned by the sender. Liquidity, if non-zero,
// is debited from the sender and locked in the new market's escrow.
type MarketLaunch struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Category    string       `json:"category"`
	Options     []string     `json:"options"`
	ClosesAt    int64        `json:"closes_at"`
	Liquidity   money.Amount `json:"liquidity"`
}

func (p *MarketLaunch) Kind() TxType { return TxMarketLaunch }

func (p *MarketLaunch) Validate() error {
	return market.ValidateSpec(p.Title, p.Options, p.ClosesAt)
}

func (p *MarketLaunch) Canonical() map[string]any {
	opts := p.Options
	if opts == nil {
		opts = []string{}
	}
	return map[string]any{
		"kind":        p.Kind().String(),
		"title":       p.Title,
		"description": p.Description,
		"category":    p.Category,
		"options":     opts,
		"closes_at":   p.ClosesAt,
		"liquidity":   p.Liquidity.String(),
	}
}

// AddLiquidity locks extra tokens in an open market's pool.
type AddLiquidity struct {
	MarketID string       `json:"market_id"`
	Amount   money.Amount `json:"amount"`
}

func (p *AddLiquidity) Kind() TxType { return TxAddLiquidity }

func (p *AddLiquidity) Validate() error {
	if p.MarketID == "" {
		return apperr.New(apperr.CodeMalformedPayload, "add_liquidity: market_id is required")
	}
	return requirePositive(p.Amount)
}

func (p *AddLiquidity) Canonical() map[string]any {
	return map[string]any{
		"kind":      p.Kind().String(),
		"market_id": p.MarketID,
		"amount":    p.Amount.String(),
	}
}

// RemoveLiquidity withdraws part of the sender's own liquidity.
type RemoveLiquidity struct {
	MarketID string       `json:"market_id"`
	Amount   money.Amount `json:"amount"`
}

func (p *RemoveLiquidity) Kind() TxType { return TxRemoveLiquidity }

func (p *RemoveLiquidity) Validate() error {
	if p.MarketID == "" {
		return apperr.New(apperr.CodeMalformedPayload, "remove_liquidity: market_id is required")
	}
	return requirePositive(p.Amount)
}

func (p *RemoveLiquidity) Canonical() map[string]any {
	return map[string]any{
		"kind":      p.Kind().String(),
		"market_id": p.MarketID,
		"amount":    p.Amount.String(),
	}
}

// AdminMint creates tokens.
type AdminMint struct {
	To     string       `json:"to"`
	Amount money.Amount `json:"amount"`
}

func (p *AdminMint) Kind() TxType { return TxAdminMint }

func (p *AdminMint) Validate() error {
	if strings.TrimSpace(p.To) == "" {
		return apperr.New(apperr.CodeMalformedPayload, "admin_mint: to is required")
	}
	return requirePositive(p.Amount)
}

func (p *AdminMint) Canonical() map[string]any {
	return map[string]any{
		"kind":   p.Kind().String(),
		"to":     p.To,
		"amount": p.Amount.String(),
	}
}

// AdminSetBalance overwrites a balance. A negative balance is carried to
// the engine, which rejects it.
type AdminSetBalance struct {
	Address string             `json:"address"`
	Balance money.SignedAmount `json:"balance"`
}

func (p *AdminSetBalance) Kind() TxType { return TxAdminSetBalance }

func (p *AdminSetBalance) Validate() error {
	if strings.TrimSpace(p.Address) == "" {
		return apperr.New(apperr.CodeMalformedPayload, "admin_set_balance: address is required")
	}
	return nil
}

func (p *AdminSetBalance) Canonical() map[string]any {
	return map[string]any{
		"kind":    p.Kind().String(),
		"address": p.Address,
		"balance": p.Balance.String(),
	}
}

// MarketCancel voids a market and refunds its pool.
type MarketCancel struct {
	MarketID string `json:"market_id"`
	Reason   string `json:"reason"`
}

func (p *MarketCancel) Kind() TxType { return TxMarketCancel }

func (p *MarketCancel) Validate() error {
	if p.MarketID == "" {
		return apperr.New(apperr.CodeMalformedPayload, "market_cancel: market_id is required")
	}
	return nil
}

func (p *MarketCancel) Canonical() map[string]any {
	return map[string]any{
		"kind":      p.Kind().String(),
		"market_id": p.MarketID,
		"reason":    p.Reason,
	}
}

func requirePositive(a money.Amount) error {
	if a.Cents() <= 0 {
		return apperr.New(apperr.CodeInvalidAmount, "amount must be positive")
	}
	return nil
}

// CanonicalPayload returns the canonical JSON bytes of a payload.
func CanonicalPayload(p Payload) ([]byte, error) {
	b, err := MarshalCanonical(p.Canonical())
	if err != nil {
		return nil, apperr.New(apperr.CodeMalformedPayload, "canonical encoding: %v", err)
	}
	return b, nil
}

// DecodePayload parses a tagged payload object. Unknown fields and unknown
// kinds fail MALFORMED_PAYLOAD; bad amounts keep their INVALID_AMOUNT code.
func DecodePayload(raw []byte) (Payload, error) {
	var head struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, apperr.New(apperr.CodeMalformedPayload, "payload is not an object: %v", err)
	}
	if head.Kind == "" {
		return nil, apperr.New(apperr.CodeMalformedPayload, "payload kind is missing")
	}
	kind, ok := txTypeByName[head.Kind]
	if !ok {
		return nil, apperr.New(apperr.CodeMalformedPayload, "unknown payload kind %q", head.Kind)
	}

	var (
		p      Payload
		target any
	)
	switch kind {
	case TxTransfer:
		v := &Transfer{}
		p, target = v, &struct {
			Kind string `json:"kind"`
			*Transfer
		}{Transfer: v}
	case TxBridge:
		v := &Bridge{}
		p, target = v, &struct {
			Kind string `json:"kind"`
			*Bridge
		}{Bridge: v}
	case TxBetPlacement:
		v := &BetPlacement{}
		p, target = v, &struct {
			Kind string `json:"kind"`
			*BetPlacement
		}{BetPlacement: v}
	case TxBetResolution:
		v := &BetResolution{}
		p, target = v, &struct {
			Kind string `json:"kind"`
			*BetResolution
		}{BetResolution: v}
	case TxMarketLaunch:
		v := &MarketLaunch{}
		p, target = v, &struct {
			Kind string `json:"kind"`
			*MarketLaunch
		}{MarketLaunch: v}
	case TxAddLiquidity:
		v := &AddLiquidity{}
		p, target = v, &struct {
			Kind string `json:"kind"`
			*AddLiquidity
		}{AddLiquidity: v}
	case TxRemoveLiquidity:
		v := &RemoveLiquidity{}
		p, target = v, &struct {
			Kind string `json:"kind"`
			*RemoveLiquidity
		}{RemoveLiquidity: v}
	case TxAdminMint:
		v := &AdminMint{}
		p, target = v, &struct {
			Kind string `json:"kind"`
			*AdminMint
		}{AdminMint: v}
	case TxAdminSetBalance:
		v := &AdminSetBalance{}
		p, target = v, &struct {
			Kind string `json:"kind"`
			*AdminSetBalance
		}{AdminSetBalance: v}
	case TxMarketCancel:
		v := &MarketCancel{}
		p, target = v, &struct {
			Kind string `json:"kind"`
			*MarketCancel
		}{MarketCancel: v}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		if apperr.CodeOf(err) != "" {
			return nil, err
		}
		return nil, apperr.New(apperr.CodeMalformedPayload, "%s payload: %v", kind, err)
	}
	return p, nil
}
