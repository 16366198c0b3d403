package ledger

import (
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateConservation verifies Σ balances + Σ escrow == total supply.
func (v *InvariantValidator) ValidateConservation(escrowTotal int64, supply Supply) error {
	balances := v.tracker.Total()
	if balances+escrowTotal != supply.Total {
		return fmt.Errorf("conservation violated: balances=%d escrow=%d supply=%d",
			balances, escrowTotal, supply.Total)
	}
	return nil
}

// ValidateSupplyCounters verifies the total agrees with its components.
func (v *InvariantValidator) ValidateSupplyCounters(supply Supply) error {
	want := supply.Minted + supply.Seeded + supply.AdjustedUp - supply.AdjustedDown
	if supply.Total != want {
		return fmt.Errorf("supply counters disagree: total=%d components=%d", supply.Total, want)
	}
	return nil
}

// ValidateNonNegative checks no balance went below zero.
func (v *InvariantValidator) ValidateNonNegative() error {
	return v.tracker.ValidateNonNegative()
}
