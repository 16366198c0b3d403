package core

import (
	"PredictLedger/internal/ledger"
	"PredictLedger/internal/money"
	"PredictLedger/internal/tx"
)

// Receipt is returned for every applied transaction. Per-kind fields are
// omitted when they do not apply.
type Receipt struct {
	TxID               string       `json:"tx_id"`
	TxType             tx.TxType    `json:"tx_type"`
	Sender             string       `json:"sender"`
	NonceUsed          uint64       `json:"nonce_used"`
	Sequence           int64        `json:"sequence"`
	StateHash          string       `json:"state_hash"`
	Digest             string       `json:"digest,omitempty"`
	Timestamp          int64        `json:"timestamp"`
	NewBalanceOfSender money.Amount `json:"new_balance_of_sender"`

	BetID        string       `json:"bet_id,omitempty"`
	MarketID     string       `json:"market_id,omitempty"`
	Outcome      *int         `json:"outcome,omitempty"`
	OddsAtBet    *int64       `json:"odds_at_bet,omitempty"`
	Amount       money.Amount `json:"amount,omitempty"`
	Payout       money.Amount `json:"payout,omitempty"`
	SettledCount *int         `json:"settled_count,omitempty"`
	Dust         money.Amount `json:"dust,omitempty"`
	Unclaimed    bool         `json:"unclaimed,omitempty"`
	Recipient    string       `json:"recipient,omitempty"`
}

func (r *Receipt) clone() *Receipt {
	c := *r
	if r.Outcome != nil {
		v := *r.Outcome
		c.Outcome = &v
	}
	if r.OddsAtBet != nil {
		v := *r.OddsAtBet
		c.OddsAtBet = &v
	}
	if r.SettledCount != nil {
		v := *r.SettledCount
		c.SettledCount = &v
	}
	return &c
}

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }

// EventKind labels an engine event fanned out alongside a receipt.
type EventKind string

const (
	EventMarketCreated   EventKind = "market_created"
	EventBetPlaced       EventKind = "bet_placed"
	EventMarketResolved  EventKind = "market_resolved"
	EventUnclaimedPool   EventKind = "unclaimed_pool"
	EventMarketCancelled EventKind = "market_cancelled"
	EventMarketClosed    EventKind = "market_closed"
	EventWalletConnected EventKind = "wallet_connected"
)

// Event is an observable side effect of a transaction.
type Event struct {
	Kind     EventKind `json:"kind"`
	MarketID string    `json:"market_id,omitempty"`
	Address  string    `json:"address,omitempty"`
	Amount   int64     `json:"amount,omitempty"`
	Sequence int64     `json:"sequence"`
}

// CoreOutput is everything one applied transaction produced. Envelope is
// nil for direct administrative operations.
type CoreOutput struct {
	Receipt      *Receipt
	Envelope     *tx.SignedEnvelope
	Transactions []ledger.TxRecord
	Recipes      []ledger.Recipe
	Events       []Event
	StateHash    [32]byte
	StateDelta   []byte
}

// Outputs are the engine's fan-out channels. Persist receives with a
// blocking send; Projection and Publish drop when full. Nil channels are
// skipped.
type Outputs struct {
	Persist    chan<- CoreOutput
	Projection chan<- CoreOutput
	Publish    chan<- CoreOutput
}
