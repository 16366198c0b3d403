package core

import (
	"fmt"
	"sort"
	"strconv"

	"PredictLedger/internal/apperr"
	"PredictLedger/internal/ledger"
	"PredictLedger/internal/market"
	"PredictLedger/internal/money"
	"PredictLedger/internal/tx"
)

// Every handler checks all preconditions before its first mutation. Errors
// returned before that point leave state untouched; failures after it go
// through must and halt the engine.

func amountOf(cents int64) money.Amount { return money.Amount(cents) }

func (e *Engine) resolveAccount(s string) (string, error) {
	addr, ok := e.ledger.Accounts().Resolve(s)
	if !ok {
		return "", apperr.New(apperr.CodeUnknownAccount, "no account named %q", s)
	}
	return addr, nil
}

func (e *Engine) requireAdmin(sender string) error {
	if !e.isAdmin(sender) {
		return apperr.New(apperr.CodeNotAuthorized, "%s is not the admin", sender)
	}
	return nil
}

// requireAdminOrCreator also reports MARKET_NOT_FOUND for unknown markets.
func (e *Engine) requireAdminOrCreator(sender, marketID string) error {
	creator, err := e.markets.Creator(marketID)
	if err != nil {
		return err
	}
	if e.isAdmin(sender) || (creator != "" && sender == creator) {
		return nil
	}
	return apperr.New(apperr.CodeNotAuthorized, "%s is neither the admin nor the creator of %s", sender, marketID)
}

func (e *Engine) handleTransfer(tc *txContext, p *tx.Transfer) (*Receipt, error) {
	to, err := e.resolveAccount(p.To)
	if err != nil {
		return nil, err
	}
	amount := p.Amount.Cents()
	if to == tc.sender {
		return nil, apperr.New(apperr.CodeValidation, "cannot transfer to self")
	}
	if err := e.ledger.CheckDebit(tc.sender, amount); err != nil {
		return nil, err
	}

	_, err = e.ledger.Transfer(tc.sender, to, amount, tc.ts)
	e.must(err, "transfer")

	return &Receipt{Recipient: to, Amount: p.Amount}, nil
}

func (e *Engine) handleBridge(tc *txContext, p *tx.Bridge) (*Receipt, error) {
	amount := p.Amount.Cents()

	switch p.Direction {
	case tx.BridgeWithdraw:
		if err := e.ledger.CheckDebit(tc.sender, amount); err != nil {
			return nil, err
		}
		_, err := e.ledger.BridgeWithdraw(tc.sender, amount, tc.ts, p.ExternalRef)
		e.must(err, "bridge withdraw")
		return &Receipt{Recipient: ledger.BridgeVault, Amount: p.Amount}, nil

	case tx.BridgeDeposit:
		if err := e.requireAdmin(tc.sender); err != nil {
			return nil, err
		}
		to, err := e.resolveAccount(p.Recipient)
		if err != nil {
			return nil, err
		}
		if err := e.ledger.CheckDebit(ledger.BridgeVault, amount); err != nil {
			return nil, err
		}
		_, err = e.ledger.BridgeDeposit(to, amount, tc.ts, p.ExternalRef)
		e.must(err, "bridge deposit")
		return &Receipt{Recipient: to, Amount: p.Amount}, nil
	}
	return nil, apperr.New(apperr.CodeMalformedPayload, "bridge: unknown direction %q", p.Direction)
}

func (e *Engine) handleBetPlacement(tc *txContext, p *tx.BetPlacement) (*Receipt, error) {
	amount := p.Amount.Cents()
	if err := e.markets.CheckBet(p.MarketID, p.Outcome, amount, tc.ts); err != nil {
		return nil, err
	}
	if err := e.escrow.CheckLock(p.MarketID, amount); err != nil {
		return nil, err
	}
	if err := e.ledger.CheckDebit(tc.sender, amount); err != nil {
		return nil, err
	}

	outcome := int(p.Outcome)
	e.must(e.ledger.DebitToEscrow(tc.sender, p.MarketID, amount, tc.ts, ledger.TxKindBetEscrow), "bet debit")
	e.must(e.escrow.Lock(p.MarketID, tc.sender, amount), "bet lock")
	bet, err := e.markets.RecordBet(p.MarketID, e.newID(), tc.sender, outcome, amount, tc.ts)
	e.must(err, "record bet")

	m, err := e.markets.Get(p.MarketID)
	e.must(err, "bet market")
	e.ledger.AppendRecipe(ledger.Recipe{
		Kind:        ledger.RecipeBetPlaced,
		Address:     tc.sender,
		Amount:      -amount,
		Description: fmt.Sprintf("Bet %s on %q in %q", money.Format(amount), m.Options[outcome], m.Title),
		RelatedID:   bet.ID,
		Timestamp:   tc.ts,
		Metadata: map[string]string{
			"market_id":   p.MarketID,
			"outcome":     strconv.Itoa(outcome),
			"odds_at_bet": strconv.FormatInt(bet.OddsAtBet, 10),
		},
	})
	tc.emit(Event{Kind: EventBetPlaced, MarketID: p.MarketID, Address: tc.sender, Amount: amount})

	if e.metrics != nil {
		e.metrics.BetsPlaced.WithLabelValues(p.MarketID).Inc()
		e.metrics.BetVolumeCents.Add(float64(amount))
	}

	return &Receipt{
		BetID:     bet.ID,
		MarketID:  p.MarketID,
		Outcome:   intPtr(outcome),
		OddsAtBet: int64Ptr(bet.OddsAtBet),
		Amount:    p.Amount,
	}, nil
}

func (e *Engine) handleBetResolution(tc *txContext, p *tx.BetResolution) (*Receipt, error) {
	if err := e.requireAdminOrCreator(tc.sender, p.MarketID); err != nil {
		return nil, err
	}
	return e.resolveLocked(tc, p.MarketID, p.WinningOutcome)
}

// resolveLocked settles a market: pro-rata payouts to winners, liquidity
// back to providers, the truncation remainder left in escrow as dust.
func (e *Engine) resolveLocked(tc *txContext, marketID string, winning int64) (*Receipt, error) {
	plan, err := e.markets.PlanResolution(marketID, winning)
	if err != nil {
		return nil, err
	}
	pool, ok := e.escrow.Get(marketID)
	if !ok {
		return nil, apperr.New(apperr.CodeEscrowStateInvalid, "market %s has no escrow", marketID)
	}

	liquidity := pool.Liquidity
	claims := plan.Claims()
	for addr, amt := range liquidity {
		claims[addr] += amt
	}
	if err := e.escrow.CheckMarkResolved(marketID, claims); err != nil {
		return nil, err
	}
	if plan.TotalVolume+pool.LiquidityTotal() != pool.Total {
		panic(fatalError{err: apperr.New(apperr.CodeInvariantViolation,
			"market %s volume %d + liquidity %d != escrow %d", marketID, plan.TotalVolume, pool.LiquidityTotal(), pool.Total)})
	}

	e.must(e.markets.ApplyResolution(plan, tc.ts), "apply resolution")
	dust, err := e.escrow.MarkResolved(marketID, claims)
	e.must(err, "mark resolved")

	m, err := e.markets.Get(marketID)
	e.must(err, "resolved market")
	winner := m.Options[plan.WinningOutcome]

	payouts := plan.Claims()
	for _, addr := range sortedKeys(payouts) {
		amt := payouts[addr]
		_, err := e.escrow.Release(marketID, addr, amt)
		e.must(err, "release payout")
		e.must(e.ledger.CreditFromEscrow(addr, marketID, amt, tc.ts, ledger.TxKindPayout), "credit payout")
	}
	for _, addr := range sortedKeys(liquidity) {
		amt := liquidity[addr]
		_, err := e.escrow.Release(marketID, addr, amt)
		e.must(err, "release liquidity")
		e.must(e.ledger.CreditFromEscrow(addr, marketID, amt, tc.ts, ledger.TxKindLiquidityReturn), "credit liquidity")
		e.ledger.AppendRecipe(ledger.Recipe{
			Kind:        ledger.RecipeLiquidityReturn,
			Address:     addr,
			Amount:      amt,
			Description: fmt.Sprintf("Liquidity %s returned from %q", money.Format(amt), m.Title),
			RelatedID:   marketID,
			Timestamp:   tc.ts,
		})
	}

	for _, bs := range plan.Bets {
		r := ledger.Recipe{
			Address:   bs.Bettor,
			Amount:    bs.Payout,
			RelatedID: bs.BetID,
			Timestamp: tc.ts,
			Metadata:  map[string]string{"market_id": marketID, "stake": money.Format(bs.Amount)},
		}
		if bs.Won {
			r.Kind = ledger.RecipeBetWon
			r.Description = fmt.Sprintf("Won %s on %q in %q", money.Format(bs.Payout), winner, m.Title)
		} else {
			r.Kind = ledger.RecipeBetLost
			r.Description = fmt.Sprintf("Lost %s on %q; %q won", money.Format(bs.Amount), m.Options[bs.Outcome], winner)
		}
		e.ledger.AppendRecipe(r)
	}

	e.ledger.AppendRecipe(ledger.Recipe{
		Kind:        ledger.RecipeMarketResolved,
		Address:     tc.sender,
		Description: fmt.Sprintf("Resolved %q as %q", m.Title, winner),
		RelatedID:   marketID,
		Timestamp:   tc.ts,
		Metadata: map[string]string{
			"winning_outcome": strconv.Itoa(plan.WinningOutcome),
			"settled":         strconv.Itoa(plan.SettledCount()),
			"dust":            money.Format(dust),
		},
	})

	tc.emit(Event{Kind: EventMarketResolved, MarketID: marketID, Amount: plan.TotalPaid})
	if plan.Unclaimed {
		tc.emit(Event{Kind: EventUnclaimedPool, MarketID: marketID, Amount: dust})
	}

	e.log.Info().
		Str("market_id", marketID).
		Int("winning_outcome", plan.WinningOutcome).
		Int("settled", plan.SettledCount()).
		Int64("dust", dust).
		Bool("unclaimed", plan.Unclaimed).
		Msg("market resolved")
	if e.metrics != nil {
		e.metrics.MarketsResolved.Inc()
		e.metrics.ResolutionDust.Add(float64(dust))
		if plan.Unclaimed {
			e.metrics.UnclaimedPools.Inc()
		}
	}

	return &Receipt{
		MarketID:     marketID,
		Outcome:      intPtr(plan.WinningOutcome),
		Payout:       amountOf(plan.TotalPaid),
		SettledCount: intPtr(plan.SettledCount()),
		Dust:         amountOf(dust),
		Unclaimed:    plan.Unclaimed,
	}, nil
}

func (e *Engine) handleMarketLaunch(tc *txContext, p *tx.MarketLaunch) (*Receipt, error) {
	spec := market.Spec{
		ID:          e.newID(),
		Title:       p.Title,
		Description: p.Description,
		Category:    p.Category,
		Options:     p.Options,
		Creator:     tc.sender,
		CreatedAt:   tc.ts,
		ClosesAt:    p.ClosesAt,
	}
	return e.createMarketLocked(tc, spec, p.Liquidity.Cents())
}

func (e *Engine) createMarketLocked(tc *txContext, spec market.Spec, liquidity int64) (*Receipt, error) {
	if err := e.markets.CheckCreate(spec); err != nil {
		return nil, err
	}
	if spec.ClosesAt != 0 && spec.ClosesAt <= tc.ts {
		return nil, apperr.New(apperr.CodeValidation, "closes_at %d is not after %d", spec.ClosesAt, tc.ts)
	}
	if liquidity > 0 {
		if err := e.ledger.CheckDebit(tc.sender, liquidity); err != nil {
			return nil, err
		}
	}

	m, err := e.markets.Create(spec)
	e.must(err, "create market")
	_, err = e.escrow.Open(m.ID)
	e.must(err, "open escrow")
	if liquidity > 0 {
		e.must(e.ledger.DebitToEscrow(tc.sender, m.ID, liquidity, tc.ts, ledger.TxKindLiquidityLock), "liquidity debit")
		e.must(e.escrow.LockLiquidity(m.ID, tc.sender, liquidity), "liquidity lock")
	}

	e.ledger.AppendRecipe(ledger.Recipe{
		Kind:        ledger.RecipeMarketLaunch,
		Address:     tc.sender,
		Amount:      -liquidity,
		Description: fmt.Sprintf("Launched %q with %d options", m.Title, len(m.Options)),
		RelatedID:   m.ID,
		Timestamp:   tc.ts,
		Metadata:    map[string]string{"liquidity": money.Format(liquidity)},
	})
	tc.emit(Event{Kind: EventMarketCreated, MarketID: m.ID, Address: tc.sender, Amount: liquidity})
	if e.metrics != nil {
		e.metrics.MarketsCreated.Inc()
	}

	return &Receipt{MarketID: m.ID, Amount: amountOf(liquidity)}, nil
}

func (e *Engine) handleAddLiquidity(tc *txContext, p *tx.AddLiquidity) (*Receipt, error) {
	amount := p.Amount.Cents()
	if err := e.markets.CheckOpen(p.MarketID, tc.ts); err != nil {
		return nil, err
	}
	if err := e.escrow.CheckLock(p.MarketID, amount); err != nil {
		return nil, err
	}
	if err := e.ledger.CheckDebit(tc.sender, amount); err != nil {
		return nil, err
	}

	e.must(e.ledger.DebitToEscrow(tc.sender, p.MarketID, amount, tc.ts, ledger.TxKindLiquidityLock), "liquidity debit")
	e.must(e.escrow.LockLiquidity(p.MarketID, tc.sender, amount), "liquidity lock")
	e.ledger.AppendRecipe(ledger.Recipe{
		Kind:        ledger.RecipeLiquidityAdd,
		Address:     tc.sender,
		Amount:      -amount,
		Description: "Added liquidity of " + money.Format(amount),
		RelatedID:   p.MarketID,
		Timestamp:   tc.ts,
	})

	return &Receipt{MarketID: p.MarketID, Amount: p.Amount}, nil
}

func (e *Engine) handleRemoveLiquidity(tc *txContext, p *tx.RemoveLiquidity) (*Receipt, error) {
	amount := p.Amount.Cents()
	if err := e.markets.CheckOpen(p.MarketID, tc.ts); err != nil {
		return nil, err
	}
	if err := e.escrow.CheckUnlockLiquidity(p.MarketID, tc.sender, amount); err != nil {
		return nil, err
	}

	e.must(e.escrow.UnlockLiquidity(p.MarketID, tc.sender, amount), "liquidity unlock")
	e.must(e.ledger.CreditFromEscrow(tc.sender, p.MarketID, amount, tc.ts, ledger.TxKindLiquidityUnlock), "liquidity credit")
	e.ledger.AppendRecipe(ledger.Recipe{
		Kind:        ledger.RecipeLiquidityRemove,
		Address:     tc.sender,
		Amount:      amount,
		Description: "Removed liquidity of " + money.Format(amount),
		RelatedID:   p.MarketID,
		Timestamp:   tc.ts,
	})

	return &Receipt{MarketID: p.MarketID, Amount: p.Amount}, nil
}

func (e *Engine) handleAdminMint(tc *txContext, p *tx.AdminMint) (*Receipt, error) {
	if err := e.requireAdmin(tc.sender); err != nil {
		return nil, err
	}
	to, err := e.resolveAccount(p.To)
	if err != nil {
		return nil, err
	}
	if err := e.ledger.CheckSupplyIncrease(p.Amount.Cents()); err != nil {
		return nil, err
	}

	_, err = e.ledger.AdminMint(to, p.Amount.Cents(), tc.ts, tc.sender)
	e.must(err, "admin mint")

	return &Receipt{Recipient: to, Amount: p.Amount}, nil
}

func (e *Engine) handleAdminSetBalance(tc *txContext, p *tx.AdminSetBalance) (*Receipt, error) {
	if err := e.requireAdmin(tc.sender); err != nil {
		return nil, err
	}
	addr, err := e.resolveAccount(p.Address)
	if err != nil {
		return nil, err
	}
	balance := p.Balance.Cents()
	if balance < 0 {
		return nil, apperr.New(apperr.CodeNegativeBalance, "balance %s is negative", money.Format(balance))
	}
	if delta := balance - e.ledger.Balance(addr); delta > 0 {
		if err := e.ledger.CheckSupplyIncrease(delta); err != nil {
			return nil, err
		}
	}

	_, err = e.ledger.AdminSet(addr, balance, tc.ts, tc.sender)
	e.must(err, "admin set")

	return &Receipt{Recipient: addr, Amount: amountOf(balance)}, nil
}

func (e *Engine) handleMarketCancel(tc *txContext, p *tx.MarketCancel) (*Receipt, error) {
	if err := e.requireAdminOrCreator(tc.sender, p.MarketID); err != nil {
		return nil, err
	}
	return e.cancelLocked(tc, p.MarketID, p.Reason)
}

// cancelLocked voids a market and refunds every stake and liquidity
// deposit.
func (e *Engine) cancelLocked(tc *txContext, marketID, reason string) (*Receipt, error) {
	if err := e.markets.CheckCancel(marketID); err != nil {
		return nil, err
	}
	if err := e.escrow.CheckRefundAll(marketID); err != nil {
		return nil, err
	}

	e.must(e.markets.Cancel(marketID, tc.ts), "cancel market")
	refunds, err := e.escrow.RefundAll(marketID)
	e.must(err, "refund escrow")

	m, err := e.markets.Get(marketID)
	e.must(err, "cancelled market")

	var total int64
	for _, r := range refunds {
		amt := r.Total()
		if amt == 0 {
			continue
		}
		total += amt
		e.must(e.ledger.CreditFromEscrow(r.Address, marketID, amt, tc.ts, ledger.TxKindRefund), "credit refund")
		e.ledger.AppendRecipe(ledger.Recipe{
			Kind:        ledger.RecipeRefund,
			Address:     r.Address,
			Amount:      amt,
			Description: fmt.Sprintf("Refund of %s from cancelled %q", money.Format(amt), m.Title),
			RelatedID:   marketID,
			Timestamp:   tc.ts,
			Metadata: map[string]string{
				"stake":     money.Format(r.Stake),
				"liquidity": money.Format(r.Liquidity),
			},
		})
	}

	e.ledger.AppendRecipe(ledger.Recipe{
		Kind:        ledger.RecipeAdminAction,
		Address:     tc.sender,
		Description: fmt.Sprintf("Cancelled %q", m.Title),
		RelatedID:   marketID,
		Timestamp:   tc.ts,
		Metadata:    map[string]string{"action": "market_cancel", "reason": reason, "refunded": money.Format(total)},
	})
	tc.emit(Event{Kind: EventMarketCancelled, MarketID: marketID, Amount: total})

	e.log.Info().Str("market_id", marketID).Int("refunds", len(refunds)).Int64("refunded", total).Msg("market cancelled")
	if e.metrics != nil {
		e.metrics.MarketsCancelled.Inc()
	}

	return &Receipt{MarketID: marketID, Payout: amountOf(total), SettledCount: intPtr(len(refunds))}, nil
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
