package projection_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PredictLedger/internal/core"
	"PredictLedger/internal/ledger"
	"PredictLedger/internal/projection"
	"PredictLedger/internal/testutil"
	"PredictLedger/internal/tx"
)

func TestUpdateFrom_NetsTransfers(t *testing.T) {
	u := projection.UpdateFrom(core.CoreOutput{
		Receipt: &core.Receipt{Sequence: 9},
		Transactions: []ledger.TxRecord{
			{From: "A", To: "B", Amount: 100},
			{From: "B", To: "A", Amount: 100},
			{From: "A", To: "C", Amount: 5},
		},
	})
	assert.Equal(t, int64(9), u.Sequence)
	assert.Equal(t, map[string]int64{"A": -5, "C": 5}, u.BalanceDeltas)
	assert.Empty(t, u.Markets)
}

func TestUpdateFrom_EngineOutputs(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	out := make(chan core.CoreOutput, 16)
	e, err := core.NewEngine(core.DefaultConfig(), core.Deps{
		Outputs: core.Outputs{Projection: out},
		Clock:   func() time.Time { return now },
	})
	require.NoError(t, err)

	alice := testutil.Key(t, 1)
	_, _, err = e.ConnectWallet(ctx, alice.PublicHex(), "alice")
	require.NoError(t, err)
	marketID, err := e.CreateMarket(ctx, core.MarketSpec{Title: "Rain?", Options: []string{"yes", "no"}})
	require.NoError(t, err)
	env, err := tx.Sign(alice, 1, now.Unix(), &tx.BetPlacement{MarketID: marketID, Outcome: 0, Amount: 700})
	require.NoError(t, err)
	_, err = e.ApplySigned(ctx, env)
	require.NoError(t, err)
	require.NoError(t, e.CancelMarket(ctx, marketID, "void"))

	seed := projection.UpdateFrom(<-out)
	assert.Equal(t, int64(core.DefaultInitialWalletBalance), seed.BalanceDeltas[alice.Address()])

	created := projection.UpdateFrom(<-out)
	require.Len(t, created.Markets, 1)
	assert.Equal(t, projection.MarketDelta{MarketID: marketID, Status: "open"}, created.Markets[0])

	bet := projection.UpdateFrom(<-out)
	require.Len(t, bet.Markets, 1)
	assert.Equal(t, projection.MarketDelta{MarketID: marketID, Bets: 1, Volume: 700}, bet.Markets[0])
	assert.Equal(t, int64(-700), bet.BalanceDeltas[alice.Address()])

	cancelled := projection.UpdateFrom(<-out)
	require.Len(t, cancelled.Markets, 1)
	assert.Equal(t, "cancelled", cancelled.Markets[0].Status)
	assert.Equal(t, int64(700), cancelled.BalanceDeltas[alice.Address()])
	assert.Equal(t, int64(4), cancelled.Sequence)
}
