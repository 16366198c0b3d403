// Package escrow holds per-market pools of locked funds.
// Not thread-safe: only accessed under the engine lock.
package escrow

import (
	"sort"

	"PredictLedger/internal/apperr"
)

type State string

const (
	StateActive   State = "active"
	StateResolved State = "resolved"
	StateRefunded State = "refunded"
)

// DustKey holds the undistributed remainder of a resolved pool.
const DustKey = "DUST"

// Pool is the custody of one market's at-risk funds.
//
// While active, PerAccount holds stakes and Liquidity holds provider
// liquidity, and Total == Σ PerAccount + Σ Liquidity. Resolution restates
// PerAccount as settlement claims (payouts, liquidity returns and the
// DustKey remainder) and empties Liquidity.
type Pool struct {
	MarketID   string           `json:"market_id"`
	State      State            `json:"state"`
	PerAccount map[string]int64 `json:"per_account"`
	Liquidity  map[string]int64 `json:"liquidity"`
	Total      int64            `json:"total"`
}

func newPool(marketID string) *Pool {
	return &Pool{
		MarketID:   marketID,
		State:      StateActive,
		PerAccount: make(map[string]int64),
		Liquidity:  make(map[string]int64),
	}
}

// Dust is the amount no one can claim.
func (p *Pool) Dust() int64 {
	if p.State != StateResolved {
		return 0
	}
	return p.PerAccount[DustKey]
}

// Stakes sums PerAccount excluding dust.
func (p *Pool) Stakes() int64 {
	var s int64
	for k, v := range p.PerAccount {
		if k != DustKey {
			s += v
		}
	}
	return s
}

// LiquidityTotal sums provider liquidity.
func (p *Pool) LiquidityTotal() int64 {
	var s int64
	for _, v := range p.Liquidity {
		s += v
	}
	return s
}

func (p *Pool) requireState(want State) error {
	if p.State != want {
		return apperr.New(apperr.CodeEscrowStateInvalid, "escrow %s is %s, want %s", p.MarketID, p.State, want)
	}
	return nil
}

func (p *Pool) clone() *Pool {
	c := newPool(p.MarketID)
	c.State = p.State
	c.Total = p.Total
	for k, v := range p.PerAccount {
		c.PerAccount[k] = v
	}
	for k, v := range p.Liquidity {
		c.Liquidity[k] = v
	}
	return c
}

// Book owns every pool, keyed by market id.
type Book struct {
	pools map[string]*Pool
	order []string
}

func NewBook() *Book {
	return &Book{pools: make(map[string]*Pool)}
}

// Open creates an active pool for a market.
func (b *Book) Open(marketID string) (*Pool, error) {
	if _, exists := b.pools[marketID]; exists {
		return nil, apperr.New(apperr.CodeEscrowStateInvalid, "escrow %s already exists", marketID)
	}
	p := newPool(marketID)
	b.pools[marketID] = p
	b.order = append(b.order, marketID)
	return p, nil
}

func (b *Book) pool(marketID string) (*Pool, error) {
	p, ok := b.pools[marketID]
	if !ok {
		return nil, apperr.New(apperr.CodeMarketNotFound, "no escrow for market %s", marketID)
	}
	return p, nil
}

// Get returns a copy of a pool.
func (b *Book) Get(marketID string) (*Pool, bool) {
	p, ok := b.pools[marketID]
	if !ok {
		return nil, false
	}
	return p.clone(), true
}

// CheckLock reports whether Lock(marketID, ...) would succeed.
func (b *Book) CheckLock(marketID string, amount int64) error {
	p, err := b.pool(marketID)
	if err != nil {
		return err
	}
	if amount <= 0 {
		return apperr.New(apperr.CodeInvalidAmount, "lock amount must be positive")
	}
	return p.requireState(StateActive)
}

// Lock adds a stake. Requires an active pool.
func (b *Book) Lock(marketID, addr string, amount int64) error {
	if err := b.CheckLock(marketID, amount); err != nil {
		return err
	}
	p := b.pools[marketID]
	p.PerAccount[addr] += amount
	p.Total += amount
	return nil
}

// LockLiquidity adds provider liquidity. Requires an active pool.
func (b *Book) LockLiquidity(marketID, addr string, amount int64) error {
	if err := b.CheckLock(marketID, amount); err != nil {
		return err
	}
	p := b.pools[marketID]
	p.Liquidity[addr] += amount
	p.Total += amount
	return nil
}

// CheckUnlockLiquidity reports whether addr can withdraw amount of its own
// liquidity.
func (b *Book) CheckUnlockLiquidity(marketID, addr string, amount int64) error {
	p, err := b.pool(marketID)
	if err != nil {
		return err
	}
	if err := p.requireState(StateActive); err != nil {
		return err
	}
	if amount <= 0 {
		return apperr.New(apperr.CodeInvalidAmount, "unlock amount must be positive")
	}
	if p.Liquidity[addr] < amount {
		return apperr.New(apperr.CodeInsufficientFunds, "liquidity of %s in %s is %d, want %d",
			addr, marketID, p.Liquidity[addr], amount)
	}
	return nil
}

// UnlockLiquidity removes provider liquidity from an active pool.
func (b *Book) UnlockLiquidity(marketID, addr string, amount int64) error {
	if err := b.CheckUnlockLiquidity(marketID, addr, amount); err != nil {
		return err
	}
	p := b.pools[marketID]
	p.Liquidity[addr] -= amount
	if p.Liquidity[addr] == 0 {
		delete(p.Liquidity, addr)
	}
	p.Total -= amount
	return nil
}

// CheckMarkResolved reports whether MarkResolved(marketID, claims) would
// succeed.
func (b *Book) CheckMarkResolved(marketID string, claims map[string]int64) error {
	p, err := b.pool(marketID)
	if err != nil {
		return err
	}
	if err := p.requireState(StateActive); err != nil {
		return err
	}
	var sum int64
	for k, v := range claims {
		if k == DustKey || v < 0 {
			return apperr.New(apperr.CodeEscrowStateInvalid, "invalid claim %s=%d", k, v)
		}
		sum += v
	}
	if sum > p.Total {
		return apperr.New(apperr.CodeEscrowStateInvalid, "claims %d exceed pool %d", sum, p.Total)
	}
	return nil
}

// MarkResolved transitions active → resolved. The pool's contents are
// restated as claims; whatever is not claimed is recorded as dust.
// Returns the dust.
func (b *Book) MarkResolved(marketID string, claims map[string]int64) (int64, error) {
	if err := b.CheckMarkResolved(marketID, claims); err != nil {
		return 0, err
	}
	p := b.pools[marketID]

	var sum int64
	restated := make(map[string]int64, len(claims)+1)
	for k, v := range claims {
		if v > 0 {
			restated[k] = v
			sum += v
		}
	}
	dust := p.Total - sum
	if dust > 0 {
		restated[DustKey] = dust
	}
	p.PerAccount = restated
	p.Liquidity = make(map[string]int64)
	p.State = StateResolved
	return dust, nil
}

// Release pays out part of a claim. Requires a resolved pool.
func (b *Book) Release(marketID, addr string, amount int64) (int64, error) {
	p, err := b.pool(marketID)
	if err != nil {
		return 0, err
	}
	if err := p.requireState(StateResolved); err != nil {
		return 0, err
	}
	if addr == DustKey {
		return 0, apperr.New(apperr.CodeEscrowStateInvalid, "dust cannot be released")
	}
	if amount <= 0 || p.PerAccount[addr] < amount {
		return 0, apperr.New(apperr.CodeEscrowStateInvalid, "release of %d exceeds claim %d for %s",
			amount, p.PerAccount[addr], addr)
	}
	p.PerAccount[addr] -= amount
	if p.PerAccount[addr] == 0 {
		delete(p.PerAccount, addr)
	}
	p.Total -= amount
	return amount, nil
}

// Refund is one account's restitution from a cancelled market.
type Refund struct {
	Address   string
	Stake     int64
	Liquidity int64
}

func (r Refund) Total() int64 { return r.Stake + r.Liquidity }

// CheckRefundAll reports whether RefundAll would succeed.
func (b *Book) CheckRefundAll(marketID string) error {
	p, err := b.pool(marketID)
	if err != nil {
		return err
	}
	return p.requireState(StateActive)
}

// RefundAll transitions active → refunded and returns every locked amount,
// sorted by address. The pool is empty afterwards.
func (b *Book) RefundAll(marketID string) ([]Refund, error) {
	if err := b.CheckRefundAll(marketID); err != nil {
		return nil, err
	}
	p := b.pools[marketID]

	byAddr := make(map[string]*Refund)
	get := func(addr string) *Refund {
		r, ok := byAddr[addr]
		if !ok {
			r = &Refund{Address: addr}
			byAddr[addr] = r
		}
		return r
	}
	for addr, v := range p.PerAccount {
		get(addr).Stake += v
	}
	for addr, v := range p.Liquidity {
		get(addr).Liquidity += v
	}

	out := make([]Refund, 0, len(byAddr))
	for _, r := range byAddr {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })

	p.PerAccount = make(map[string]int64)
	p.Liquidity = make(map[string]int64)
	p.Total = 0
	p.State = StateRefunded
	return out, nil
}

// Total sums every pool, dust included.
func (b *Book) Total() int64 {
	var t int64
	for _, p := range b.pools {
		t += p.Total
	}
	return t
}

// Validate checks each pool's total against its sub-ledgers.
func (b *Book) Validate() error {
	for _, id := range b.order {
		p := b.pools[id]
		var sum int64
		for _, v := range p.PerAccount {
			if v < 0 {
				return apperr.New(apperr.CodeInvariantViolation, "escrow %s has a negative entry", id)
			}
			sum += v
		}
		for _, v := range p.Liquidity {
			if v < 0 {
				return apperr.New(apperr.CodeInvariantViolation, "escrow %s has negative liquidity", id)
			}
			sum += v
		}
		if sum != p.Total {
			return apperr.New(apperr.CodeInvariantViolation, "escrow %s total %d != entries %d", id, p.Total, sum)
		}
	}
	return nil
}

// Export copies every pool in creation order.
func (b *Book) Export() []*Pool {
	out := make([]*Pool, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.pools[id].clone())
	}
	return out
}

// Import rebuilds a book from exported pools.
func Import(pools []*Pool) (*Book, error) {
	b := NewBook()
	for _, p := range pools {
		if p == nil || p.MarketID == "" {
			return nil, apperr.New(apperr.CodeSnapshotInvalid, "escrow entry without market id")
		}
		if _, dup := b.pools[p.MarketID]; dup {
			return nil, apperr.New(apperr.CodeSnapshotInvalid, "duplicate escrow %s", p.MarketID)
		}
		switch p.State {
		case StateActive, StateResolved, StateRefunded:
		default:
			return nil, apperr.New(apperr.CodeSnapshotInvalid, "escrow %s has unknown state %q", p.MarketID, p.State)
		}
		c := p.clone()
		b.pools[p.MarketID] = c
		b.order = append(b.order, p.MarketID)
	}
	if err := b.Validate(); err != nil {
		return nil, apperr.New(apperr.CodeSnapshotInvalid, "%v", err)
	}
	return b, nil
}
