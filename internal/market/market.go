// Package market is the market book: markets, bets, CPMM-lite odds and
// resolution planning.
// Not thread-safe: only accessed under the engine lock.
package market

import (
	"sort"

	"PredictLedger/internal/money"
)

type BetStatus string

const (
	BetPending  BetStatus = "pending"
	BetWon      BetStatus = "won"
	BetLost     BetStatus = "lost"
	BetRefunded BetStatus = "refunded"
)

// Bet is one stake on one outcome. OddsAtBet is in parts per million and
// is the quote the bettor saw, i.e. before this bet's volume is counted.
type Bet struct {
	ID         string    `json:"id"`
	MarketID   string    `json:"market_id"`
	Bettor     string    `json:"bettor_address"`
	Outcome    int       `json:"outcome_index"`
	Amount     int64     `json:"amount"`
	OddsAtBet  int64     `json:"odds_at_bet"`
	Status     BetStatus `json:"status"`
	Payout     *int64    `json:"payout,omitempty"`
	CreatedAt  int64     `json:"created_at"`
	ResolvedAt *int64    `json:"resolved_at,omitempty"`
}

// OptionStats aggregates bets on one outcome. UniqueBettors is kept sorted.
type OptionStats struct {
	Volume        int64    `json:"volume"`
	BetCount      int64    `json:"bet_count"`
	UniqueBettors []string `json:"unique_bettors"`
}

// Market is a prediction market. EscrowID names its pool in the escrow
// book; the market holds no reference to the pool itself.
type Market struct {
	ID            string        `json:"id"`
	Title         string        `json:"title"`
	Description   string        `json:"description"`
	Category      string        `json:"category"`
	Options       []string      `json:"options"`
	Creator       string        `json:"creator"`
	CreatedAt     int64         `json:"created_at"`
	ClosesAt      int64         `json:"closes_at"`
	Closed        bool          `json:"closed"`
	Cancelled     bool          `json:"cancelled"`
	Resolved      bool          `json:"resolved"`
	WinningOption *int          `json:"winning_option,omitempty"`
	ResolvedAt    *int64        `json:"resolved_at,omitempty"`
	EscrowID      string        `json:"escrow_id"`
	TotalVolume   int64         `json:"total_volume"`
	BetCount      int64         `json:"bet_count"`
	UniqueBettors []string      `json:"unique_bettors"`
	Stats         []OptionStats `json:"per_option_stats"`
	Odds          []int64       `json:"odds"`
	Bets          []Bet         `json:"bets"`
	OnLeaderboard bool          `json:"on_leaderboard"`
}

// AcceptingBets reports whether the market is open at tx time ts.
func (m *Market) AcceptingBets(ts int64) bool {
	if m.Resolved || m.Cancelled || m.Closed {
		return false
	}
	return m.ClosesAt == 0 || ts < m.ClosesAt
}

// Status is the lifecycle label shown to clients.
func (m *Market) Status() string {
	switch {
	case m.Resolved:
		return "resolved"
	case m.Cancelled:
		return "cancelled"
	case m.Closed:
		return "closed"
	default:
		return "open"
	}
}

// Volumes returns per-option volumes in option order.
func (m *Market) Volumes() []int64 {
	v := make([]int64, len(m.Stats))
	for i, s := range m.Stats {
		v[i] = s.Volume
	}
	return v
}

func (m *Market) recomputeOdds() {
	m.Odds = money.Odds(m.Volumes())
}

// Clone deep-copies a market.
func (m *Market) Clone() *Market {
	c := *m
	c.Options = append([]string{}, m.Options...)
	c.UniqueBettors = append([]string{}, m.UniqueBettors...)
	c.Odds = append([]int64{}, m.Odds...)
	c.Stats = make([]OptionStats, len(m.Stats))
	for i, s := range m.Stats {
		c.Stats[i] = OptionStats{
			Volume:        s.Volume,
			BetCount:      s.BetCount,
			UniqueBettors: append([]string{}, s.UniqueBettors...),
		}
	}
	c.Bets = make([]Bet, len(m.Bets))
	for i, b := range m.Bets {
		c.Bets[i] = cloneBet(b)
	}
	if m.WinningOption != nil {
		w := *m.WinningOption
		c.WinningOption = &w
	}
	if m.ResolvedAt != nil {
		r := *m.ResolvedAt
		c.ResolvedAt = &r
	}
	return &c
}

func cloneBet(b Bet) Bet {
	if b.Payout != nil {
		p := *b.Payout
		b.Payout = &p
	}
	if b.ResolvedAt != nil {
		r := *b.ResolvedAt
		b.ResolvedAt = &r
	}
	return b
}

// insertSorted adds s to a sorted set and reports whether it was new.
func insertSorted(set []string, s string) ([]string, bool) {
	i := sort.SearchStrings(set, s)
	if i < len(set) && set[i] == s {
		return set, false
	}
	set = append(set, "")
	copy(set[i+1:], set[i:])
	set[i] = s
	return set, true
}
