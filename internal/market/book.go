package market

import (
	"fmt"
	"sort"
	"strings"

	"PredictLedger/internal/apperr"
	"PredictLedger/internal/money"
)

const (
	MinOptions = 2
	MaxOptions = 5

	DefaultLeaderboardThreshold = 10
)

// Spec describes a market to create.
type Spec struct {
	ID          string
	Title       string
	Description string
	Category    string
	Options     []string
	Creator     string
	CreatedAt   int64
	ClosesAt    int64
}

// ValidateSpec checks the fields shared by signed launches and direct
// market creation.
func ValidateSpec(title string, options []string, closesAt int64) error {
	if strings.TrimSpace(title) == "" {
		return apperr.New(apperr.CodeValidation, "market title is required")
	}
	if len(options) < MinOptions || len(options) > MaxOptions {
		return apperr.New(apperr.CodeValidation, "market needs %d-%d options, got %d", MinOptions, MaxOptions, len(options))
	}
	seen := make(map[string]struct{}, len(options))
	for i, o := range options {
		key := strings.ToUpper(strings.TrimSpace(o))
		if key == "" {
			return apperr.New(apperr.CodeValidation, "option %d is empty", i)
		}
		if _, dup := seen[key]; dup {
			return apperr.New(apperr.CodeValidation, "option %q is duplicated", o)
		}
		seen[key] = struct{}{}
	}
	if closesAt < 0 {
		return apperr.New(apperr.CodeValidation, "closes_at must not be negative")
	}
	return nil
}

// Book owns every market.
type Book struct {
	markets              map[string]*Market
	order                []string
	leaderboardThreshold int
}

func NewBook(leaderboardThreshold int) *Book {
	if leaderboardThreshold <= 0 {
		leaderboardThreshold = DefaultLeaderboardThreshold
	}
	return &Book{
		markets:              make(map[string]*Market),
		leaderboardThreshold: leaderboardThreshold,
	}
}

// CheckCreate reports whether Create(spec) would succeed.
func (b *Book) CheckCreate(spec Spec) error {
	if spec.ID == "" {
		return apperr.New(apperr.CodeValidation, "market id is required")
	}
	if _, exists := b.markets[spec.ID]; exists {
		return apperr.New(apperr.CodeValidation, "market %s already exists", spec.ID)
	}
	return ValidateSpec(spec.Title, spec.Options, spec.ClosesAt)
}

// Create adds an open market with uniform odds.
func (b *Book) Create(spec Spec) (*Market, error) {
	if err := b.CheckCreate(spec); err != nil {
		return nil, err
	}
	options := make([]string, len(spec.Options))
	for i, o := range spec.Options {
		options[i] = strings.TrimSpace(o)
	}
	m := &Market{
		ID:            spec.ID,
		Title:         strings.TrimSpace(spec.Title),
		Description:   spec.Description,
		Category:      spec.Category,
		Options:       options,
		Creator:       spec.Creator,
		CreatedAt:     spec.CreatedAt,
		ClosesAt:      spec.ClosesAt,
		EscrowID:      spec.ID,
		UniqueBettors: []string{},
		Stats:         make([]OptionStats, len(options)),
		Bets:          []Bet{},
	}
	for i := range m.Stats {
		m.Stats[i].UniqueBettors = []string{}
	}
	m.recomputeOdds()

	b.markets[m.ID] = m
	b.order = append(b.order, m.ID)
	return m.Clone(), nil
}

func (b *Book) get(id string) (*Market, error) {
	m, ok := b.markets[id]
	if !ok {
		return nil, apperr.New(apperr.CodeMarketNotFound, "market %s not found", id)
	}
	return m, nil
}

// Get returns a copy of a market.
func (b *Book) Get(id string) (*Market, error) {
	m, err := b.get(id)
	if err != nil {
		return nil, err
	}
	return m.Clone(), nil
}

// Creator returns a market's creator without copying the market.
func (b *Book) Creator(id string) (string, error) {
	m, err := b.get(id)
	if err != nil {
		return "", err
	}
	return m.Creator, nil
}

// CheckOpen reports MARKET_CLOSED unless the market accepts activity at ts.
func (b *Book) CheckOpen(id string, ts int64) error {
	m, err := b.get(id)
	if err != nil {
		return err
	}
	if !m.AcceptingBets(ts) {
		return apperr.New(apperr.CodeMarketClosed, "market %s is %s", id, closedReason(m, ts))
	}
	return nil
}

func closedReason(m *Market, ts int64) string {
	if m.Status() != "open" {
		return m.Status()
	}
	return fmt.Sprintf("past closes_at %d (tx at %d)", m.ClosesAt, ts)
}

// CheckBet validates a bet without mutating anything.
func (b *Book) CheckBet(id string, outcome, amount, ts int64) error {
	if err := b.CheckOpen(id, ts); err != nil {
		return err
	}
	m := b.markets[id]
	if outcome < 0 || outcome >= int64(len(m.Options)) {
		return apperr.New(apperr.CodeInvalidOutcomeIndex, "outcome %d out of range [0,%d)", outcome, len(m.Options))
	}
	if amount <= 0 {
		return apperr.New(apperr.CodeInvalidAmount, "bet amount must be positive")
	}
	return nil
}

// RecordBet appends a pending bet. The bettor has already been debited and
// the stake locked. The bet is quoted at the odds before its own volume.
func (b *Book) RecordBet(id, betID, bettor string, outcome int, amount, ts int64) (Bet, error) {
	if err := b.CheckBet(id, int64(outcome), amount, ts); err != nil {
		return Bet{}, err
	}
	m := b.markets[id]

	bet := Bet{
		ID:        betID,
		MarketID:  id,
		Bettor:    bettor,
		Outcome:   outcome,
		Amount:    amount,
		OddsAtBet: m.Odds[outcome],
		Status:    BetPending,
		CreatedAt: ts,
	}
	m.Bets = append(m.Bets, bet)

	stats := &m.Stats[outcome]
	stats.Volume += amount
	stats.BetCount++
	stats.UniqueBettors, _ = insertSorted(stats.UniqueBettors, bettor)

	m.TotalVolume += amount
	m.BetCount++
	m.UniqueBettors, _ = insertSorted(m.UniqueBettors, bettor)

	m.recomputeOdds()
	if len(m.UniqueBettors) >= b.leaderboardThreshold {
		m.OnLeaderboard = true
	}
	return bet, nil
}

// BetSettlement is the outcome of one bet.
type BetSettlement struct {
	BetID   string
	Bettor  string
	Outcome int
	Amount  int64
	Payout  int64
	Won     bool
}

// Settlement is a planned resolution. Planning does not mutate the book.
type Settlement struct {
	MarketID       string
	WinningOutcome int
	TotalVolume    int64
	WinningVolume  int64
	LosingVolume   int64
	Bets           []BetSettlement
	TotalPaid      int64
	// Dust is TotalVolume - TotalPaid: the truncation remainder, or the whole
	// pool when no one backed the winning outcome.
	Dust      int64
	Unclaimed bool
}

// Claims aggregates winning payouts per bettor.
func (s *Settlement) Claims() map[string]int64 {
	claims := make(map[string]int64)
	for _, bs := range s.Bets {
		if bs.Payout > 0 {
			claims[bs.Bettor] += bs.Payout
		}
	}
	return claims
}

// SettledCount is the number of bets that reached a terminal status.
func (s *Settlement) SettledCount() int {
	return len(s.Bets)
}

// PlanResolution computes pro-rata payouts for resolving id on winning.
// A winning bet receives amt + amt*losing/winning, truncated.
func (b *Book) PlanResolution(id string, winning int64) (*Settlement, error) {
	m, err := b.get(id)
	if err != nil {
		return nil, err
	}
	if m.Resolved {
		return nil, apperr.New(apperr.CodeMarketAlreadyResolved, "market %s is already resolved", id)
	}
	if m.Cancelled {
		return nil, apperr.New(apperr.CodeMarketClosed, "market %s was cancelled", id)
	}
	if winning < 0 || winning >= int64(len(m.Options)) {
		return nil, apperr.New(apperr.CodeInvalidOutcomeIndex, "winning outcome %d out of range [0,%d)", winning, len(m.Options))
	}

	w := int(winning)
	s := &Settlement{
		MarketID:       id,
		WinningOutcome: w,
		TotalVolume:    m.TotalVolume,
		WinningVolume:  m.Stats[w].Volume,
		LosingVolume:   m.TotalVolume - m.Stats[w].Volume,
		Bets:           make([]BetSettlement, 0, len(m.Bets)),
	}

	for _, bet := range m.Bets {
		if bet.Status != BetPending {
			continue
		}
		bs := BetSettlement{BetID: bet.ID, Bettor: bet.Bettor, Outcome: bet.Outcome, Amount: bet.Amount}
		if bet.Outcome == w && s.WinningVolume > 0 {
			bs.Won = true
			bs.Payout = bet.Amount + money.MulDiv(bet.Amount, s.LosingVolume, s.WinningVolume, money.RoundDown)
			s.TotalPaid += bs.Payout
		}
		s.Bets = append(s.Bets, bs)
	}

	s.Dust = s.TotalVolume - s.TotalPaid
	s.Unclaimed = s.WinningVolume == 0 && s.TotalVolume > 0
	return s, nil
}

// ApplyResolution freezes the market with a planned settlement.
func (b *Book) ApplyResolution(s *Settlement, ts int64) error {
	m, err := b.get(s.MarketID)
	if err != nil {
		return err
	}
	if m.Resolved {
		return apperr.New(apperr.CodeMarketAlreadyResolved, "market %s is already resolved", s.MarketID)
	}

	byID := make(map[string]BetSettlement, len(s.Bets))
	for _, bs := range s.Bets {
		byID[bs.BetID] = bs
	}
	for i := range m.Bets {
		bet := &m.Bets[i]
		bs, ok := byID[bet.ID]
		if !ok {
			continue
		}
		payout := bs.Payout
		resolvedAt := ts
		bet.Payout = &payout
		bet.ResolvedAt = &resolvedAt
		if bs.Won {
			bet.Status = BetWon
		} else {
			bet.Status = BetLost
		}
	}

	w := s.WinningOutcome
	resolvedAt := ts
	m.Resolved = true
	m.Closed = true
	m.WinningOption = &w
	m.ResolvedAt = &resolvedAt
	return nil
}

// CheckCancel reports whether Cancel(id) would succeed.
func (b *Book) CheckCancel(id string) error {
	m, err := b.get(id)
	if err != nil {
		return err
	}
	if m.Resolved {
		return apperr.New(apperr.CodeMarketAlreadyResolved, "market %s is already resolved", id)
	}
	if m.Cancelled {
		return apperr.New(apperr.CodeMarketClosed, "market %s is already cancelled", id)
	}
	return nil
}

// Cancel voids a market and marks its pending bets refunded.
func (b *Book) Cancel(id string, ts int64) error {
	if err := b.CheckCancel(id); err != nil {
		return err
	}
	m := b.markets[id]
	for i := range m.Bets {
		bet := &m.Bets[i]
		if bet.Status == BetPending {
			refund := bet.Amount
			at := ts
			bet.Status = BetRefunded
			bet.Payout = &refund
			bet.ResolvedAt = &at
		}
	}
	m.Cancelled = true
	m.Closed = true
	return nil
}

// Close stops a market from accepting bets ahead of resolution.
func (b *Book) Close(id string) error {
	m, err := b.get(id)
	if err != nil {
		return err
	}
	if m.Resolved || m.Cancelled {
		return apperr.New(apperr.CodeMarketClosed, "market %s is %s", id, m.Status())
	}
	m.Closed = true
	return nil
}

// List returns copies of every market in creation order.
func (b *Book) List() []*Market {
	out := make([]*Market, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.markets[id].Clone())
	}
	return out
}

// Leaderboard returns markets past the unique-bettor threshold, by volume.
func (b *Book) Leaderboard(limit int) []*Market {
	out := make([]*Market, 0)
	for _, id := range b.order {
		if m := b.markets[id]; m.OnLeaderboard {
			out = append(out, m.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TotalVolume > out[j].TotalVolume
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Validate checks every market's aggregate invariants.
func (b *Book) Validate() error {
	for _, id := range b.order {
		m := b.markets[id]
		var sum int64
		for _, s := range m.Stats {
			sum += s.Volume
		}
		if sum != m.TotalVolume {
			return fmt.Errorf("market %s: option volumes %d != total %d", id, sum, m.TotalVolume)
		}
		if m.BetCount != int64(len(m.Bets)) {
			return fmt.Errorf("market %s: bet_count %d != bets %d", id, m.BetCount, len(m.Bets))
		}
		if len(m.UniqueBettors) >= b.leaderboardThreshold && !m.OnLeaderboard {
			return fmt.Errorf("market %s: %d bettors but not on leaderboard", id, len(m.UniqueBettors))
		}
		if len(m.Stats) != len(m.Options) || len(m.Odds) != len(m.Options) {
			return fmt.Errorf("market %s: stats/odds do not match options", id)
		}
	}
	return nil
}

// Export copies every market in creation order.
func (b *Book) Export() []*Market {
	return b.List()
}

// Import rebuilds a book from exported markets.
func Import(markets []*Market, leaderboardThreshold int) (*Book, error) {
	b := NewBook(leaderboardThreshold)
	for _, m := range markets {
		if m == nil || m.ID == "" {
			return nil, apperr.New(apperr.CodeSnapshotInvalid, "market entry without id")
		}
		if _, dup := b.markets[m.ID]; dup {
			return nil, apperr.New(apperr.CodeSnapshotInvalid, "duplicate market %s", m.ID)
		}
		b.markets[m.ID] = m.Clone()
		b.order = append(b.order, m.ID)
	}
	if err := b.Validate(); err != nil {
		return nil, apperr.New(apperr.CodeSnapshotInvalid, "%v", err)
	}
	return b, nil
}
