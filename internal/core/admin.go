package core

import (
	"context"

	"PredictLedger/internal/apperr"
	"PredictLedger/internal/crypto"
	"PredictLedger/internal/ledger"
	"PredictLedger/internal/market"
	"PredictLedger/internal/tx"
)

// SystemActor stands in for the sender of direct operations when no admin
// key is configured.
const SystemActor = "SYSTEM"

// MarketSpec describes a market created by an operator rather than a
// signed launch.
type MarketSpec struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Options     []string `json:"options"`
	ClosesAt    int64    `json:"closes_at"`
	Creator     string   `json:"creator,omitempty"`
}

// direct builds the context of an unsigned operation. Timestamps come from
// the engine clock.
func (e *Engine) direct(label string) *txContext {
	actor := e.adminAddress
	if actor == "" {
		actor = SystemActor
	}
	return &txContext{
		label:  label,
		sender: actor,
		ts:     e.now().Unix(),
	}
}

func (e *Engine) runDirect(ctx context.Context, label string, fn func(tc *txContext) (*Receipt, error)) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.halted {
		return nil, e.haltedError()
	}
	tc := e.direct(label)
	return e.execute(tc, fn)
}

// CreateMarket opens a market and returns its id.
func (e *Engine) CreateMarket(ctx context.Context, spec MarketSpec) (string, error) {
	if err := market.ValidateSpec(spec.Title, spec.Options, spec.ClosesAt); err != nil {
		return "", err
	}
	rec, err := e.runDirect(ctx, "create_market", func(tc *txContext) (*Receipt, error) {
		creator := spec.Creator
		if creator == "" {
			creator = tc.sender
		} else if addr, ok := e.ledger.Accounts().Resolve(creator); ok {
			creator = addr
		}
		tc.txType = tx.TxMarketLaunch
		return e.createMarketLocked(tc, market.Spec{
			ID:          e.newID(),
			Title:       spec.Title,
			Description: spec.Description,
			Category:    spec.Category,
			Options:     spec.Options,
			Creator:     creator,
			CreatedAt:   tc.ts,
			ClosesAt:    spec.ClosesAt,
		}, 0)
	})
	if err != nil {
		return "", err
	}
	return rec.MarketID, nil
}

// ResolveMarket settles a market on winning and reports how many bets
// reached a terminal status and the dust left in escrow.
func (e *Engine) ResolveMarket(ctx context.Context, marketID string, winning int) (settled int, dust int64, err error) {
	rec, err := e.runDirect(ctx, "resolve_market", func(tc *txContext) (*Receipt, error) {
		tc.txType = tx.TxBetResolution
		return e.resolveLocked(tc, marketID, int64(winning))
	})
	if err != nil {
		return 0, 0, err
	}
	return *rec.SettledCount, rec.Dust.Cents(), nil
}

// CancelMarket voids a market and refunds everything locked in it.
func (e *Engine) CancelMarket(ctx context.Context, marketID, reason string) error {
	_, err := e.runDirect(ctx, "cancel_market", func(tc *txContext) (*Receipt, error) {
		tc.txType = tx.TxMarketCancel
		return e.cancelLocked(tc, marketID, reason)
	})
	return err
}

// CloseMarket stops a market from taking bets ahead of resolution.
func (e *Engine) CloseMarket(ctx context.Context, marketID string) error {
	_, err := e.runDirect(ctx, "close_market", func(tc *txContext) (*Receipt, error) {
		if err := e.markets.Close(marketID); err != nil {
			return nil, err
		}
		e.ledger.AppendRecipe(ledger.Recipe{
			Kind:        ledger.RecipeAdminAction,
			Address:     tc.sender,
			Description: "Closed market " + marketID,
			RelatedID:   marketID,
			Timestamp:   tc.ts,
			Metadata:    map[string]string{"action": "market_close"},
		})
		tc.emit(Event{Kind: EventMarketClosed, MarketID: marketID})
		return &Receipt{MarketID: marketID}, nil
	})
	return err
}

// ConnectWallet registers the address derived from pubkeyHex and credits
// the initial wallet balance. Connecting a known address is idempotent and
// mints nothing.
func (e *Engine) ConnectWallet(ctx context.Context, pubkeyHex, displayName string) (ledger.Account, bool, error) {
	return e.connect(ctx, pubkeyHex, displayName, e.cfg.InitialWalletBalance, false)
}

// SeedAccount registers a boot-time test account. A zero balance uses the
// initial wallet balance.
func (e *Engine) SeedAccount(ctx context.Context, pubkeyHex, displayName string, balance int64) (ledger.Account, bool, error) {
	if balance <= 0 {
		balance = e.cfg.InitialWalletBalance
	}
	return e.connect(ctx, pubkeyHex, displayName, balance, true)
}

func (e *Engine) connect(ctx context.Context, pubkeyHex, displayName string, seed int64, isTest bool) (ledger.Account, bool, error) {
	// Key parsing is pure; keep it outside the lock.
	pub, err := crypto.ParsePublicKey(pubkeyHex)
	if err != nil {
		return ledger.Account{}, false, err
	}
	addr := crypto.DeriveAddress(pub)
	if err := ctx.Err(); err != nil {
		return ledger.Account{}, false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.halted {
		return ledger.Account{}, false, e.haltedError()
	}

	if acct, ok := e.ledger.Accounts().Get(addr); ok {
		return acct, false, nil
	}
	if err := e.ledger.Accounts().CheckName(displayName); err != nil {
		return ledger.Account{}, false, err
	}
	if err := e.ledger.CheckSupplyIncrease(seed); err != nil {
		return ledger.Account{}, false, err
	}

	tc := e.direct("connect_wallet")
	tc.sender = addr
	acct := ledger.Account{
		DisplayName: displayName,
		Address:     addr,
		PublicKey:   crypto.EncodeHex(pub),
		IsTest:      isTest,
	}
	_, err = e.execute(tc, func(tc *txContext) (*Receipt, error) {
		created, err := e.ledger.Accounts().Register(acct)
		if err != nil {
			return nil, err
		}
		if !created {
			return nil, apperr.New(apperr.CodeValidation, "account %s already exists", addr)
		}
		e.ledger.SeedMint(addr, seed, tc.ts)
		tc.emit(Event{Kind: EventWalletConnected, Address: addr, Amount: seed})
		if e.metrics != nil {
			e.metrics.WalletsConnected.Inc()
		}
		return &Receipt{Recipient: addr, Amount: amountOf(seed)}, nil
	})
	if err != nil {
		return ledger.Account{}, false, err
	}
	stored, _ := e.ledger.Accounts().Get(addr)
	return stored, true, nil
}
