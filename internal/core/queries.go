package core

import (
	"context"
	"encoding/hex"

	"PredictLedger/internal/apperr"
	"PredictLedger/internal/escrow"
	"PredictLedger/internal/ledger"
	"PredictLedger/internal/market"
)

// Queries copy under the engine lock and never mutate.

func (e *Engine) GetBalance(addr string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Balance(addr)
}

func (e *Engine) GetNonce(addr string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nonces.Last(addr)
}

func (e *Engine) GetAccount(addr string) (ledger.Account, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Accounts().Get(addr)
}

// Resolve maps a display name or address to an address.
func (e *Engine) Resolve(nameOrAddress string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resolveAccount(nameOrAddress)
}

func (e *Engine) GetMarket(id string) (*market.Market, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.markets.Get(id)
}

func (e *Engine) ListMarkets() []*market.Market {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.markets.List()
}

func (e *Engine) Leaderboard(limit int) []*market.Market {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.markets.Leaderboard(limit)
}

// EscrowPool returns a copy of a market's pool.
func (e *Engine) EscrowPool(marketID string) (*escrow.Pool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.escrow.Get(marketID)
	if !ok {
		return nil, apperr.New(apperr.CodeMarketNotFound, "no escrow for market %s", marketID)
	}
	return p, nil
}

// EscrowTotal sums every pool, dust included.
func (e *Engine) EscrowTotal() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.escrow.Total()
}

// Transactions returns the records touching addr, or all when addr is "".
func (e *Engine) Transactions(addr string) []ledger.TxRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Transactions(addr)
}

// Recipes returns the audit recipes for addr, or all when addr is "".
func (e *Engine) Recipes(addr string) []ledger.Recipe {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Recipes(addr)
}

func (e *Engine) Supply() ledger.Supply {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Supply()
}

// Sequence returns the sequence of the last applied transaction.
func (e *Engine) Sequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// StateHash returns the current chain tip.
func (e *Engine) StateHash() [32]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasher.GetPrevHash()
}

func (e *Engine) StateHashHex() string {
	h := e.StateHash()
	return hex.EncodeToString(h[:])
}

// LookupReceipt finds the receipt of an accepted envelope by signing
// digest. The persisted tier is queried without holding the engine lock.
func (e *Engine) LookupReceipt(ctx context.Context, digest string) (*Receipt, error) {
	r, ok, err := e.receipts.Lookup(ctx, digest)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.New(apperr.CodeReceiptNotFound, "no receipt for digest %s", digest)
	}
	if e.metrics != nil {
		e.metrics.ReplayCacheHits.WithLabelValues("any").Inc()
	}
	return r, nil
}

// WarmReceipts loads persisted receipts into the replay cache after a
// restart.
func (e *Engine) WarmReceipts(receipts []*Receipt) {
	e.receipts.Warm(receipts)
}
