package escrow_test

import (
	"PredictLedger/internal/apperr"
	"PredictLedger/internal/escrow"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBook(t *testing.T) *escrow.Book {
	t.Helper()
	b := escrow.NewBook()
	_, err := b.Open("m1")
	require.NoError(t, err)
	return b
}

// ============================================================================
// Test: Lock
// ============================================================================

func TestLock(t *testing.T) {
	b := newTestBook(t)
	require.NoError(t, b.Lock("m1", "A", 100))
	require.NoError(t, b.Lock("m1", "A", 50))
	require.NoError(t, b.LockLiquidity("m1", "L", 500))

	p, ok := b.Get("m1")
	require.True(t, ok)
	assert.Equal(t, int64(150), p.PerAccount["A"])
	assert.Equal(t, int64(650), p.Total)
	assert.Equal(t, int64(650), b.Total())
	require.NoError(t, b.Validate())
}

func TestLock_Errors(t *testing.T) {
	b := newTestBook(t)
	assert.True(t, apperr.Is(b.Lock("nope", "A", 1), apperr.CodeMarketNotFound))
	assert.True(t, apperr.Is(b.Lock("m1", "A", 0), apperr.CodeInvalidAmount))

	_, err := b.RefundAll("m1")
	require.NoError(t, err)
	assert.True(t, apperr.Is(b.Lock("m1", "A", 1), apperr.CodeEscrowStateInvalid))
}

func TestGetReturnsCopy(t *testing.T) {
	b := newTestBook(t)
	require.NoError(t, b.Lock("m1", "A", 100))
	p, _ := b.Get("m1")
	p.PerAccount["A"] = 1
	q, _ := b.Get("m1")
	assert.Equal(t, int64(100), q.PerAccount["A"])
}

// ============================================================================
// Test: Resolve and release
// ============================================================================

func TestMarkResolvedAndRelease(t *testing.T) {
	b := newTestBook(t)
	require.NoError(t, b.Lock("m1", "A", 10000))
	require.NoError(t, b.Lock("m1", "B", 20000))
	require.NoError(t, b.Lock("m1", "C", 5000))

	_, err := b.Release("m1", "A", 1)
	assert.True(t, apperr.Is(err, apperr.CodeEscrowStateInvalid), "release requires resolved")

	dust, err := b.MarkResolved("m1", map[string]int64{"A": 23333, "C": 11666})
	require.NoError(t, err)
	assert.Equal(t, int64(1), dust)

	_, err = b.Release("m1", "A", 23334)
	assert.True(t, apperr.Is(err, apperr.CodeEscrowStateInvalid))

	got, err := b.Release("m1", "A", 23333)
	require.NoError(t, err)
	assert.Equal(t, int64(23333), got)
	_, err = b.Release("m1", "C", 11666)
	require.NoError(t, err)

	p, _ := b.Get("m1")
	assert.Equal(t, int64(1), p.Total)
	assert.Equal(t, int64(1), p.Dust())
	require.NoError(t, b.Validate())

	_, err = b.Release("m1", escrow.DustKey, 1)
	assert.Error(t, err)
	assert.True(t, apperr.Is(b.Lock("m1", "A", 1), apperr.CodeEscrowStateInvalid))
}

func TestMarkResolved_ClaimsExceedPool(t *testing.T) {
	b := newTestBook(t)
	require.NoError(t, b.Lock("m1", "A", 100))
	_, err := b.MarkResolved("m1", map[string]int64{"A": 101})
	assert.True(t, apperr.Is(err, apperr.CodeEscrowStateInvalid))

	p, _ := b.Get("m1")
	assert.Equal(t, escrow.StateActive, p.State)
}

func TestMarkResolved_NoClaimsIsAllDust(t *testing.T) {
	b := newTestBook(t)
	require.NoError(t, b.Lock("m1", "B", 20000))
	dust, err := b.MarkResolved("m1", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(20000), dust)
}

// ============================================================================
// Test: Liquidity and refund
// ============================================================================

func TestUnlockLiquidity(t *testing.T) {
	b := newTestBook(t)
	require.NoError(t, b.LockLiquidity("m1", "L", 500))

	assert.True(t, apperr.Is(b.UnlockLiquidity("m1", "L", 501), apperr.CodeInsufficientFunds))
	assert.True(t, apperr.Is(b.UnlockLiquidity("m1", "X", 1), apperr.CodeInsufficientFunds))
	require.NoError(t, b.UnlockLiquidity("m1", "L", 500))
	assert.Equal(t, int64(0), b.Total())
}

func TestRefundAll(t *testing.T) {
	b := newTestBook(t)
	require.NoError(t, b.Lock("m1", "B", 200))
	require.NoError(t, b.Lock("m1", "A", 100))
	require.NoError(t, b.LockLiquidity("m1", "A", 50))

	refunds, err := b.RefundAll("m1")
	require.NoError(t, err)
	require.Len(t, refunds, 2)
	assert.Equal(t, escrow.Refund{Address: "A", Stake: 100, Liquidity: 50}, refunds[0])
	assert.Equal(t, int64(200), refunds[1].Total())

	p, _ := b.Get("m1")
	assert.Equal(t, escrow.StateRefunded, p.State)
	assert.Equal(t, int64(0), p.Total)

	_, err = b.RefundAll("m1")
	assert.True(t, apperr.Is(err, apperr.CodeEscrowStateInvalid))
}

func TestImport_Rejects(t *testing.T) {
	_, err := escrow.Import([]*escrow.Pool{{MarketID: "m", State: "weird"}})
	assert.True(t, apperr.Is(err, apperr.CodeSnapshotInvalid))

	_, err = escrow.Import([]*escrow.Pool{{
		MarketID: "m", State: escrow.StateActive,
		PerAccount: map[string]int64{"A": 5}, Total: 6,
	}})
	assert.True(t, apperr.Is(err, apperr.CodeSnapshotInvalid))
}
