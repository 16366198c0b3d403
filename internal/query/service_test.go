package query_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PredictLedger/internal/apperr"
	"PredictLedger/internal/core"
	"PredictLedger/internal/persistence"
	"PredictLedger/internal/projection"
	"PredictLedger/internal/query"
	"PredictLedger/internal/testutil"
	"PredictLedger/internal/tx"
)

var tables = []string{
	"ledger.applied_tx", "ledger.tx_records", "ledger.recipes",
	"projections.balances", "projections.market_stats", "projections.watermark",
}

// ============================================================================
// Test: history paging over the persisted log (integration)
// ============================================================================

func TestHistoryService_PagesAndProjects(t *testing.T) {
	db := testutil.SetupTestDB(t, tables...)
	ctx := context.Background()
	_, err := persistence.NewMigrator(db, zerolog.Nop()).Up(ctx)
	require.NoError(t, err)
	for _, table := range tables {
		_, err := db.Exec("TRUNCATE " + table)
		require.NoError(t, err)
	}

	now := time.Unix(1_700_000_000, 0)
	persist := make(chan core.CoreOutput, 64)
	proj := make(chan core.CoreOutput, 64)
	e, err := core.NewEngine(core.DefaultConfig(), core.Deps{
		Outputs: core.Outputs{Persist: persist, Projection: proj},
		Clock:   func() time.Time { return now },
	})
	require.NoError(t, err)

	alice, bob := testutil.Key(t, 1), testutil.Key(t, 2)
	_, _, err = e.ConnectWallet(ctx, alice.PublicHex(), "alice")
	require.NoError(t, err)
	_, _, err = e.ConnectWallet(ctx, bob.PublicHex(), "bob")
	require.NoError(t, err)
	for nonce := uint64(1); nonce <= 3; nonce++ {
		env, err := tx.Sign(alice, nonce, now.Unix(), &tx.Transfer{To: "bob", Amount: 100})
		require.NoError(t, err)
		_, err = e.ApplySigned(ctx, env)
		require.NoError(t, err)
	}
	close(persist)
	close(proj)

	worker := persistence.NewPersistenceWorker(persistence.NewAuditLogWriter(db), persist, 100, time.Hour, nil, zerolog.Nop())
	require.NoError(t, worker.Run(ctx))
	require.NoError(t, projection.NewProjectionWorker(db, proj, nil, zerolog.Nop()).Run(ctx))

	hs := query.NewHistoryService(db)

	first, err := hs.History(ctx, alice.Address(), 2, "")
	require.NoError(t, err)
	assert.Equal(t, int64(5), first.AsOfSequence)
	require.Len(t, first.Entries, 2)
	assert.Equal(t, int64(5), first.Entries[0].Sequence, "newest first")
	require.NotEmpty(t, first.NextCursor)

	second, err := hs.History(ctx, alice.Address(), 2, first.NextCursor)
	require.NoError(t, err)
	require.Len(t, second.Entries, 2)
	assert.Empty(t, second.NextCursor)
	assert.Equal(t, "wallet_seed", second.Entries[1].Kind)

	_, err = hs.History(ctx, alice.Address(), 2, "not-a-cursor")
	assert.True(t, apperr.Is(err, apperr.CodeValidation))

	bal, err := hs.ProjectedBalance(ctx, bob.Address())
	require.NoError(t, err)
	assert.Equal(t, e.GetBalance(bob.Address()), bal.Balance)
	assert.Equal(t, int64(5), bal.AsOfSequence)

	report, err := hs.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.IsHealthy)

	_, err = hs.MarketStats(ctx, "missing")
	assert.True(t, apperr.Is(err, apperr.CodeMarketNotFound))
}
