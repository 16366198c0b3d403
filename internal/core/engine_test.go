package core_test

import (
	"PredictLedger/internal/apperr"
	"PredictLedger/internal/core"
	"PredictLedger/internal/crypto"
	"PredictLedger/internal/escrow"
	"PredictLedger/internal/market"
	"PredictLedger/internal/money"
	"PredictLedger/internal/observability"
	"PredictLedger/internal/tx"
	"bytes"
	"context"
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	seedAlice = "9d61b19deffd5a60ba844af492ec2cc44449c5697b326919703bac031cae7f60"
	seedBob   = "4ccd089b28ff96da9db6c346ec114e0f5b8a319f35aba624da8cf6ed4fb8a6fb"
)

var testNow = time.Unix(1_700_000_000, 0)

// --- Test helpers ---

type testEnv struct {
	engine  *core.Engine
	admin   *crypto.KeyPair
	persist chan core.CoreOutput
	metrics *observability.Metrics
	nonces  map[string]uint64
	clock   *time.Time
}

func mustKey(t *testing.T, seedHex string) *crypto.KeyPair {
	t.Helper()
	kp, err := crypto.KeyPairFromSeedHex(seedHex)
	require.NoError(t, err)
	return kp
}

// mustIndexedKey derives a deterministic key from a small integer.
func mustIndexedKey(t *testing.T, i int) *crypto.KeyPair {
	t.Helper()
	kp, err := crypto.KeyPairFromSeed(bytes.Repeat([]byte{byte(i + 1)}, 32))
	require.NoError(t, err)
	return kp
}

func counterIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id-%04d", n)
	}
}

// newTestEngine builds an engine with a fixed clock, sequential ids, an
// admin key and a buffered persist channel.
func newTestEngine(t *testing.T, initialBalance int64) *testEnv {
	t.Helper()
	admin := mustIndexedKey(t, 200)
	clock := testNow
	persist := make(chan core.CoreOutput, 1024)
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())

	cfg := core.DefaultConfig()
	cfg.InitialWalletBalance = initialBalance
	cfg.AdminPubkey = admin.PublicHex()
	cfg.DiagnosticDumpDir = t.TempDir()

	e, err := core.NewEngine(cfg, core.Deps{
		Outputs: core.Outputs{Persist: persist},
		Metrics: metrics,
		Clock:   func() time.Time { return clock },
		NewID:   counterIDs(),
	})
	require.NoError(t, err)
	return &testEnv{
		engine:  e,
		admin:   admin,
		persist: persist,
		metrics: metrics,
		nonces:  make(map[string]uint64),
		clock:   &clock,
	}
}

func (te *testEnv) connect(t *testing.T, kp *crypto.KeyPair, name string) {
	t.Helper()
	_, created, err := te.engine.ConnectWallet(context.Background(), kp.PublicHex(), name)
	require.NoError(t, err)
	require.True(t, created)
}

// sign builds an envelope with the sender's next nonce, stamped now.
func (te *testEnv) sign(t *testing.T, kp *crypto.KeyPair, p tx.Payload) *tx.SignedEnvelope {
	t.Helper()
	te.nonces[kp.Address()]++
	env, err := tx.Sign(kp, te.nonces[kp.Address()], te.clock.Unix(), p)
	require.NoError(t, err)
	return env
}

func (te *testEnv) apply(t *testing.T, kp *crypto.KeyPair, p tx.Payload) *core.Receipt {
	t.Helper()
	rec, err := te.engine.ApplySigned(context.Background(), te.sign(t, kp, p))
	require.NoError(t, err)
	return rec
}

func (te *testEnv) applyErr(t *testing.T, kp *crypto.KeyPair, p tx.Payload) error {
	t.Helper()
	_, err := te.engine.ApplySigned(context.Background(), te.sign(t, kp, p))
	require.Error(t, err)
	return err
}

func (te *testEnv) createMarket(t *testing.T, options ...string) string {
	t.Helper()
	id, err := te.engine.CreateMarket(context.Background(), core.MarketSpec{
		Title:    "Will it rain?",
		Options:  options,
		ClosesAt: te.clock.Unix() + 3600,
	})
	require.NoError(t, err)
	return id
}

func (te *testEnv) requireConserved(t *testing.T) {
	t.Helper()
	snap := te.engine.CreateSnapshotState()
	var sum int64
	for _, b := range snap.Balances {
		sum += b
	}
	assert.Equal(t, snap.Supply.Total, sum+te.engine.EscrowTotal(), "balances + escrow must equal supply")
}

func drain(ch chan core.CoreOutput) []core.CoreOutput {
	var out []core.CoreOutput
	for {
		select {
		case o := <-ch:
			out = append(out, o)
		default:
			return out
		}
	}
}

// ============================================================================
// Test: S1 transfer happy path
// ============================================================================

func TestTransfer_HappyPath(t *testing.T) {
	te := newTestEngine(t, 100000)
	alice, bob := mustKey(t, seedAlice), mustKey(t, seedBob)
	te.connect(t, alice, "alice")
	te.connect(t, bob, "bob")
	te.apply(t, te.admin, &tx.AdminSetBalance{Address: bob.Address(), Balance: 0})

	txsBefore := len(te.engine.Transactions(""))
	recipesBefore := len(te.engine.Recipes(""))
	drain(te.persist)

	rec := te.apply(t, alice, &tx.Transfer{To: "bob", Amount: 25000})

	assert.Equal(t, int64(75000), te.engine.GetBalance(alice.Address()))
	assert.Equal(t, int64(25000), te.engine.GetBalance(bob.Address()))
	assert.Equal(t, uint64(1), te.engine.GetNonce(alice.Address()))
	assert.Len(t, te.engine.Transactions(""), txsBefore+1)
	assert.Len(t, te.engine.Recipes(""), recipesBefore+1)

	assert.Equal(t, tx.TxTransfer, rec.TxType)
	assert.Equal(t, alice.Address(), rec.Sender)
	assert.Equal(t, uint64(1), rec.NonceUsed)
	assert.Equal(t, money.Amount(75000), rec.NewBalanceOfSender)
	assert.Equal(t, bob.Address(), rec.Recipient)
	assert.Equal(t, te.engine.Sequence(), rec.Sequence)
	assert.Equal(t, te.engine.StateHashHex(), rec.StateHash)

	outs := drain(te.persist)
	require.Len(t, outs, 1)
	assert.Equal(t, rec.TxID, outs[0].Receipt.TxID)
	assert.NotNil(t, outs[0].Envelope)
	require.Len(t, outs[0].Transactions, 1)
	te.requireConserved(t)
}

func TestTransfer_Rejections(t *testing.T) {
	te := newTestEngine(t, 100000)
	alice, bob := mustKey(t, seedAlice), mustKey(t, seedBob)
	te.connect(t, alice, "alice")
	te.connect(t, bob, "bob")
	seq := te.engine.Sequence()

	err := te.applyErr(t, alice, &tx.Transfer{To: "bob", Amount: 100001})
	assert.True(t, apperr.Is(err, apperr.CodeInsufficientFunds))

	err = te.applyErr(t, alice, &tx.Transfer{To: "nobody", Amount: 1})
	assert.True(t, apperr.Is(err, apperr.CodeUnknownAccount))

	err = te.applyErr(t, alice, &tx.Transfer{To: "ALICE", Amount: 1})
	assert.True(t, apperr.Is(err, apperr.CodeValidation))

	assert.Equal(t, seq, te.engine.Sequence(), "rejections must not advance the sequence")
	assert.Equal(t, uint64(0), te.engine.GetNonce(alice.Address()), "rejections must not consume the nonce")
	assert.Equal(t, int64(100000), te.engine.GetBalance(alice.Address()))
}

// ============================================================================
// Test: S2 expiry and S3 replay
// ============================================================================

func TestExpiredEnvelope(t *testing.T) {
	te := newTestEngine(t, 100000)
	alice, bob := mustKey(t, seedAlice), mustKey(t, seedBob)
	te.connect(t, alice, "alice")
	te.connect(t, bob, "bob")
	before := te.engine.StateHashHex()

	env, err := tx.Sign(alice, 1, te.clock.Unix()-400, &tx.Transfer{To: "bob", Amount: 25000})
	require.NoError(t, err)
	_, err = te.engine.ApplySigned(context.Background(), env)
	assert.True(t, apperr.Is(err, apperr.CodeExpired))

	future, err := tx.Sign(alice, 1, te.clock.Unix()+61, &tx.Transfer{To: "bob", Amount: 25000})
	require.NoError(t, err)
	_, err = te.engine.ApplySigned(context.Background(), future)
	assert.True(t, apperr.Is(err, apperr.CodeExpired))

	assert.Equal(t, before, te.engine.StateHashHex())
	assert.Equal(t, int64(100000), te.engine.GetBalance(bob.Address()))
	assert.Equal(t, uint64(0), te.engine.GetNonce(alice.Address()))
}

func TestReplay_IsRejectedAndCounted(t *testing.T) {
	te := newTestEngine(t, 100000)
	alice, bob := mustKey(t, seedAlice), mustKey(t, seedBob)
	te.connect(t, alice, "alice")
	te.connect(t, bob, "bob")

	env := te.sign(t, alice, &tx.Transfer{To: "bob", Amount: 25000})
	first, err := te.engine.ApplySigned(context.Background(), env)
	require.NoError(t, err)
	seq := te.engine.Sequence()

	_, err = te.engine.ApplySigned(context.Background(), env)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeNonceNotMonotonic))
	assert.Equal(t, int64(125000), te.engine.GetBalance(bob.Address()))
	assert.Equal(t, seq, te.engine.Sequence())
	assert.Equal(t, 1.0, testutil.ToFloat64(te.metrics.NonceRejections.WithLabelValues(core.NonceReasonReplay)))

	// The original receipt is still retrievable by digest.
	got, err := te.engine.LookupReceipt(context.Background(), first.Digest)
	require.NoError(t, err)
	assert.Equal(t, first.TxID, got.TxID)
}

func TestStaleNonce_IsNotAReplay(t *testing.T) {
	te := newTestEngine(t, 100000)
	alice, bob := mustKey(t, seedAlice), mustKey(t, seedBob)
	te.connect(t, alice, "alice")
	te.connect(t, bob, "bob")

	env, err := tx.Sign(alice, 5, te.clock.Unix(), &tx.Transfer{To: "bob", Amount: 100})
	require.NoError(t, err)
	_, err = te.engine.ApplySigned(context.Background(), env)
	require.NoError(t, err)

	// Gaps are allowed, going backwards is not.
	stale, err := tx.Sign(alice, 3, te.clock.Unix(), &tx.Transfer{To: "bob", Amount: 100})
	require.NoError(t, err)
	_, err = te.engine.ApplySigned(context.Background(), stale)
	assert.True(t, apperr.Is(err, apperr.CodeNonceNotMonotonic))
	assert.Equal(t, 1.0, testutil.ToFloat64(te.metrics.NonceRejections.WithLabelValues(core.NonceReasonStale)))
	assert.Equal(t, uint64(5), te.engine.GetNonce(alice.Address()))
}

func TestUnknownSender(t *testing.T) {
	te := newTestEngine(t, 100000)
	alice, bob := mustKey(t, seedAlice), mustKey(t, seedBob)
	te.connect(t, bob, "bob")

	err := te.applyErr(t, alice, &tx.Transfer{To: "bob", Amount: 1})
	assert.True(t, apperr.Is(err, apperr.CodeUnknownSender))
}

func TestSignatureMismatch(t *testing.T) {
	te := newTestEngine(t, 100000)
	alice, bob := mustKey(t, seedAlice), mustKey(t, seedBob)
	te.connect(t, alice, "alice")
	te.connect(t, bob, "bob")

	env := te.sign(t, alice, &tx.Transfer{To: "bob", Amount: 100})
	env.Payload = &tx.Transfer{To: "bob", Amount: 10000}
	_, err := te.engine.ApplySigned(context.Background(), env)
	assert.True(t, apperr.Is(err, apperr.CodeSignatureMismatch))
	assert.Equal(t, int64(100000), te.engine.GetBalance(bob.Address()))
}

func TestApplySigned_CancelledContext(t *testing.T) {
	te := newTestEngine(t, 100000)
	alice := mustKey(t, seedAlice)
	te.connect(t, alice, "alice")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := te.engine.ApplySigned(ctx, te.sign(t, alice, &tx.Transfer{To: "alice", Amount: 1}))
	assert.ErrorIs(t, err, context.Canceled)
}

// ============================================================================
// Test: S4 bet and resolve
// ============================================================================

func TestBetAndResolve_ProRata(t *testing.T) {
	te := newTestEngine(t, 100000)
	a, b, c := mustIndexedKey(t, 1), mustIndexedKey(t, 2), mustIndexedKey(t, 3)
	te.connect(t, a, "a")
	te.connect(t, b, "b")
	te.connect(t, c, "c")
	id := te.createMarket(t, "Yes", "No")

	recA := te.apply(t, a, &tx.BetPlacement{MarketID: id, Outcome: 0, Amount: 10000})
	te.apply(t, b, &tx.BetPlacement{MarketID: id, Outcome: 1, Amount: 20000})
	te.apply(t, c, &tx.BetPlacement{MarketID: id, Outcome: 0, Amount: 5000})

	require.NotNil(t, recA.OddsAtBet)
	assert.Equal(t, int64(500000), *recA.OddsAtBet)
	assert.NotEmpty(t, recA.BetID)
	assert.Equal(t, int64(35000), te.engine.EscrowTotal())
	te.requireConserved(t)

	settled, dust, err := te.engine.ResolveMarket(context.Background(), id, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, settled)
	assert.Equal(t, int64(1), dust)

	assert.Equal(t, int64(113333), te.engine.GetBalance(a.Address()))
	assert.Equal(t, int64(80000), te.engine.GetBalance(b.Address()))
	assert.Equal(t, int64(106666), te.engine.GetBalance(c.Address()))

	pool, err := te.engine.EscrowPool(id)
	require.NoError(t, err)
	assert.Equal(t, escrow.StateResolved, pool.State)
	assert.Equal(t, int64(1), pool.Total)
	assert.Equal(t, map[string]int64{escrow.DustKey: 1}, pool.PerAccount)

	m, err := te.engine.GetMarket(id)
	require.NoError(t, err)
	assert.Equal(t, "resolved", m.Status())
	for _, bet := range m.Bets {
		assert.NotEqual(t, market.BetPending, bet.Status)
		require.NotNil(t, bet.Payout)
	}
	te.requireConserved(t)

	_, _, err = te.engine.ResolveMarket(context.Background(), id, 1)
	assert.True(t, apperr.Is(err, apperr.CodeMarketAlreadyResolved))

	err = te.applyErr(t, a, &tx.BetPlacement{MarketID: id, Outcome: 0, Amount: 100})
	assert.True(t, apperr.Is(err, apperr.CodeMarketClosed))
}

// ============================================================================
// Test: S5 no-winner pool
// ============================================================================

func TestResolve_NoWinner(t *testing.T) {
	te := newTestEngine(t, 100000)
	a, b, c := mustIndexedKey(t, 1), mustIndexedKey(t, 2), mustIndexedKey(t, 3)
	te.connect(t, a, "a")
	te.connect(t, b, "b")
	te.connect(t, c, "c")
	id := te.createMarket(t, "Yes", "No")
	drain(te.persist)

	te.apply(t, a, &tx.BetPlacement{MarketID: id, Outcome: 1, Amount: 10000})
	te.apply(t, b, &tx.BetPlacement{MarketID: id, Outcome: 1, Amount: 20000})
	drain(te.persist)

	rec := te.apply(t, te.admin, &tx.BetResolution{MarketID: id, WinningOutcome: 0})
	assert.True(t, rec.Unclaimed)
	assert.Equal(t, money.Amount(30000), rec.Dust)
	assert.Equal(t, money.Amount(0), rec.Payout)

	assert.Equal(t, int64(90000), te.engine.GetBalance(a.Address()))
	assert.Equal(t, int64(80000), te.engine.GetBalance(b.Address()))
	assert.Equal(t, int64(30000), te.engine.EscrowTotal())

	m, err := te.engine.GetMarket(id)
	require.NoError(t, err)
	for _, bet := range m.Bets {
		assert.Equal(t, market.BetLost, bet.Status)
	}

	outs := drain(te.persist)
	require.Len(t, outs, 1)
	var kinds []core.EventKind
	for _, ev := range outs[0].Events {
		kinds = append(kinds, ev.Kind)
		assert.Equal(t, rec.Sequence, ev.Sequence)
	}
	assert.Equal(t, []core.EventKind{core.EventMarketResolved, core.EventUnclaimedPool}, kinds)
	te.requireConserved(t)
}

// ============================================================================
// Test: S6 leaderboard threshold
// ============================================================================

func TestLeaderboard_StickyThreshold(t *testing.T) {
	te := newTestEngine(t, 100000)
	id := te.createMarket(t, "Yes", "No")

	bettors := make([]*crypto.KeyPair, 11)
	for i := range bettors {
		bettors[i] = mustIndexedKey(t, 10+i)
		te.connect(t, bettors[i], fmt.Sprintf("bettor%d", i))
	}

	for i := 0; i < 9; i++ {
		te.apply(t, bettors[i], &tx.BetPlacement{MarketID: id, Outcome: int64(i % 2), Amount: 100})
	}
	// A repeat bettor does not count twice.
	te.apply(t, bettors[0], &tx.BetPlacement{MarketID: id, Outcome: 0, Amount: 100})
	m, err := te.engine.GetMarket(id)
	require.NoError(t, err)
	assert.False(t, m.OnLeaderboard)
	assert.Len(t, m.UniqueBettors, 9)
	assert.Empty(t, te.engine.Leaderboard(10))

	te.apply(t, bettors[9], &tx.BetPlacement{MarketID: id, Outcome: 1, Amount: 100})
	m, err = te.engine.GetMarket(id)
	require.NoError(t, err)
	assert.True(t, m.OnLeaderboard)
	require.Len(t, te.engine.Leaderboard(10), 1)

	_, _, err = te.engine.ResolveMarket(context.Background(), id, 0)
	require.NoError(t, err)
	m, err = te.engine.GetMarket(id)
	require.NoError(t, err)
	assert.True(t, m.OnLeaderboard, "leaderboard membership is sticky")
}

// ============================================================================
// Test: Market launch, liquidity and cancel
// ============================================================================

func TestMarketLaunch_WithLiquidity(t *testing.T) {
	te := newTestEngine(t, 100000)
	alice, bob := mustKey(t, seedAlice), mustKey(t, seedBob)
	te.connect(t, alice, "alice")
	te.connect(t, bob, "bob")

	rec := te.apply(t, alice, &tx.MarketLaunch{
		Title:     "Launch day",
		Options:   []string{"Yes", "No", "Maybe"},
		ClosesAt:  te.clock.Unix() + 600,
		Liquidity: 30000,
	})
	id := rec.MarketID
	require.NotEmpty(t, id)
	assert.Equal(t, int64(70000), te.engine.GetBalance(alice.Address()))

	m, err := te.engine.GetMarket(id)
	require.NoError(t, err)
	assert.Equal(t, alice.Address(), m.Creator)
	assert.Equal(t, []int64{333333, 333333, 333333}, m.Odds)

	te.apply(t, alice, &tx.AddLiquidity{MarketID: id, Amount: 5000})
	te.apply(t, alice, &tx.RemoveLiquidity{MarketID: id, Amount: 15000})
	err = te.applyErr(t, bob, &tx.RemoveLiquidity{MarketID: id, Amount: 1})
	assert.Error(t, err)

	te.apply(t, bob, &tx.BetPlacement{MarketID: id, Outcome: 2, Amount: 1000})
	pool, err := te.engine.EscrowPool(id)
	require.NoError(t, err)
	assert.Equal(t, int64(21000), pool.Total)

	// Bob is neither creator nor admin.
	err = te.applyErr(t, bob, &tx.BetResolution{MarketID: id, WinningOutcome: 2})
	assert.True(t, apperr.Is(err, apperr.CodeNotAuthorized))

	// The creator may resolve; liquidity goes back to the provider.
	te.apply(t, alice, &tx.BetResolution{MarketID: id, WinningOutcome: 2})
	assert.Equal(t, int64(100000), te.engine.GetBalance(alice.Address()))
	assert.Equal(t, int64(100000), te.engine.GetBalance(bob.Address()))
	assert.Equal(t, int64(0), te.engine.EscrowTotal())
	te.requireConserved(t)
}

func TestMarketLaunch_Rejections(t *testing.T) {
	te := newTestEngine(t, 100000)
	alice := mustKey(t, seedAlice)
	te.connect(t, alice, "alice")

	err := te.applyErr(t, alice, &tx.MarketLaunch{Title: "x", Options: []string{"only"}})
	assert.True(t, apperr.Is(err, apperr.CodeValidation))

	err = te.applyErr(t, alice, &tx.MarketLaunch{
		Title: "past", Options: []string{"a", "b"}, ClosesAt: te.clock.Unix() - 1,
	})
	assert.True(t, apperr.Is(err, apperr.CodeValidation))

	err = te.applyErr(t, alice, &tx.MarketLaunch{
		Title: "rich", Options: []string{"a", "b"}, Liquidity: 100001,
	})
	assert.True(t, apperr.Is(err, apperr.CodeInsufficientFunds))
	assert.Empty(t, te.engine.ListMarkets())
}

func TestCancel_RefundsEverything(t *testing.T) {
	te := newTestEngine(t, 100000)
	alice, bob := mustKey(t, seedAlice), mustKey(t, seedBob)
	te.connect(t, alice, "alice")
	te.connect(t, bob, "bob")

	id := te.apply(t, alice, &tx.MarketLaunch{
		Title: "Cancelled", Options: []string{"a", "b"}, Liquidity: 5000,
	}).MarketID
	te.apply(t, bob, &tx.BetPlacement{MarketID: id, Outcome: 0, Amount: 2000})
	te.apply(t, bob, &tx.BetPlacement{MarketID: id, Outcome: 1, Amount: 3000})

	err := te.applyErr(t, bob, &tx.MarketCancel{MarketID: id, Reason: "mine now"})
	assert.True(t, apperr.Is(err, apperr.CodeNotAuthorized))

	rec := te.apply(t, te.admin, &tx.MarketCancel{MarketID: id, Reason: "duplicate"})
	assert.Equal(t, money.Amount(10000), rec.Payout)
	assert.Equal(t, int64(100000), te.engine.GetBalance(alice.Address()))
	assert.Equal(t, int64(100000), te.engine.GetBalance(bob.Address()))

	m, err := te.engine.GetMarket(id)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", m.Status())
	for _, bet := range m.Bets {
		assert.Equal(t, market.BetRefunded, bet.Status)
	}

	err = te.applyErr(t, te.admin, &tx.MarketCancel{MarketID: id})
	assert.True(t, apperr.Is(err, apperr.CodeMarketClosed))
	_, _, err = te.engine.ResolveMarket(context.Background(), id, 0)
	assert.True(t, apperr.Is(err, apperr.CodeMarketClosed))

	err = te.applyErr(t, te.admin, &tx.MarketCancel{MarketID: "missing"})
	assert.True(t, apperr.Is(err, apperr.CodeMarketNotFound))
	te.requireConserved(t)
}

func TestCloseMarket_StopsBets(t *testing.T) {
	te := newTestEngine(t, 100000)
	alice := mustKey(t, seedAlice)
	te.connect(t, alice, "alice")
	id := te.createMarket(t, "Yes", "No")

	require.NoError(t, te.engine.CloseMarket(context.Background(), id))
	err := te.applyErr(t, alice, &tx.BetPlacement{MarketID: id, Outcome: 0, Amount: 100})
	assert.True(t, apperr.Is(err, apperr.CodeMarketClosed))

	_, _, err = te.engine.ResolveMarket(context.Background(), id, 1)
	require.NoError(t, err)
}

func TestBet_Rejections(t *testing.T) {
	te := newTestEngine(t, 100000)
	alice := mustKey(t, seedAlice)
	te.connect(t, alice, "alice")
	id := te.createMarket(t, "Yes", "No")

	err := te.applyErr(t, alice, &tx.BetPlacement{MarketID: "nope", Outcome: 0, Amount: 100})
	assert.True(t, apperr.Is(err, apperr.CodeMarketNotFound))

	err = te.applyErr(t, alice, &tx.BetPlacement{MarketID: id, Outcome: 2, Amount: 100})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidOutcomeIndex))

	err = te.applyErr(t, alice, &tx.BetPlacement{MarketID: id, Outcome: 0, Amount: 100001})
	assert.True(t, apperr.Is(err, apperr.CodeInsufficientFunds))

	// Past closes_at the market no longer accepts bets.
	*te.clock = te.clock.Add(2 * time.Hour)
	err = te.applyErr(t, alice, &tx.BetPlacement{MarketID: id, Outcome: 0, Amount: 100})
	assert.True(t, apperr.Is(err, apperr.CodeMarketClosed))
	assert.Equal(t, int64(100000), te.engine.GetBalance(alice.Address()))
}

// ============================================================================
// Test: Administrative transactions
// ============================================================================

func TestAdmin_MintAndSetBalance(t *testing.T) {
	te := newTestEngine(t, 100000)
	alice := mustKey(t, seedAlice)
	te.connect(t, alice, "alice")
	supply := te.engine.Supply().Total

	te.apply(t, te.admin, &tx.AdminMint{To: "alice", Amount: 5000})
	assert.Equal(t, int64(105000), te.engine.GetBalance(alice.Address()))
	assert.Equal(t, supply+5000, te.engine.Supply().Total)

	te.apply(t, te.admin, &tx.AdminSetBalance{Address: alice.Address(), Balance: 1000})
	assert.Equal(t, int64(1000), te.engine.GetBalance(alice.Address()))
	assert.Equal(t, supply-99000, te.engine.Supply().Total)

	err := te.applyErr(t, te.admin, &tx.AdminSetBalance{Address: alice.Address(), Balance: -1})
	assert.True(t, apperr.Is(err, apperr.CodeNegativeBalance))

	err = te.applyErr(t, alice, &tx.AdminMint{To: "alice", Amount: 5000})
	assert.True(t, apperr.Is(err, apperr.CodeNotAuthorized))
	te.requireConserved(t)
}

func TestBridge_WithdrawAndDeposit(t *testing.T) {
	te := newTestEngine(t, 100000)
	alice := mustKey(t, seedAlice)
	te.connect(t, alice, "alice")

	te.apply(t, alice, &tx.Bridge{Direction: tx.BridgeWithdraw, Amount: 40000, ExternalRef: "0xabc"})
	assert.Equal(t, int64(60000), te.engine.GetBalance(alice.Address()))

	err := te.applyErr(t, alice, &tx.Bridge{Direction: tx.BridgeDeposit, Amount: 100, Recipient: "alice"})
	assert.True(t, apperr.Is(err, apperr.CodeNotAuthorized))

	te.apply(t, te.admin, &tx.Bridge{Direction: tx.BridgeDeposit, Amount: 10000, Recipient: "alice"})
	assert.Equal(t, int64(70000), te.engine.GetBalance(alice.Address()))
	te.requireConserved(t)
}

// ============================================================================
// Test: Wallets
// ============================================================================

func TestConnectWallet(t *testing.T) {
	te := newTestEngine(t, 100000)
	alice, bob := mustKey(t, seedAlice), mustKey(t, seedBob)
	ctx := context.Background()

	acct, created, err := te.engine.ConnectWallet(ctx, alice.PublicHex(), "Alice")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, alice.Address(), acct.Address)
	supply := te.engine.Supply().Total

	_, created, err = te.engine.ConnectWallet(ctx, alice.PublicHex(), "Someone else")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, supply, te.engine.Supply().Total, "reconnecting mints nothing")

	_, _, err = te.engine.ConnectWallet(ctx, bob.PublicHex(), "ALICE")
	assert.True(t, apperr.Is(err, apperr.CodeNameTaken))

	_, _, err = te.engine.ConnectWallet(ctx, "zz", "bad")
	assert.True(t, apperr.Is(err, apperr.CodeInvalidPubkey))

	addr, err := te.engine.Resolve("alice")
	require.NoError(t, err)
	assert.Equal(t, alice.Address(), addr)
}

func TestSeedAccount(t *testing.T) {
	te := newTestEngine(t, 100000)
	bob := mustKey(t, seedBob)

	acct, created, err := te.engine.SeedAccount(context.Background(), bob.PublicHex(), "tester", 777)
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, acct.IsTest)
	assert.Equal(t, int64(777), te.engine.GetBalance(bob.Address()))
}

// ============================================================================
// Test: Hash chain and queries
// ============================================================================

func TestStateHash_DeterministicAcrossEngines(t *testing.T) {
	run := func() (string, int64) {
		te := newTestEngine(t, 100000)
		alice, bob := mustKey(t, seedAlice), mustKey(t, seedBob)
		te.connect(t, alice, "alice")
		te.connect(t, bob, "bob")
		id := te.createMarket(t, "Yes", "No")
		te.apply(t, alice, &tx.BetPlacement{MarketID: id, Outcome: 0, Amount: 500})
		te.apply(t, bob, &tx.Transfer{To: "alice", Amount: 700})
		return te.engine.StateHashHex(), te.engine.Sequence()
	}

	h1, s1 := run()
	h2, s2 := run()
	assert.Equal(t, h1, h2)
	assert.Equal(t, s1, s2)
	assert.NotEqual(t, fmt.Sprintf("%x", core.GenesisHash()), h1)
}

func TestQueries_DoNotMutate(t *testing.T) {
	te := newTestEngine(t, 100000)
	alice := mustKey(t, seedAlice)
	te.connect(t, alice, "alice")
	id := te.createMarket(t, "Yes", "No")
	hash, seq := te.engine.StateHashHex(), te.engine.Sequence()

	m, err := te.engine.GetMarket(id)
	require.NoError(t, err)
	m.Title = "changed"
	m.Options[0] = "changed"
	_ = te.engine.ListMarkets()
	_ = te.engine.Recipes(alice.Address())
	_ = te.engine.GetNonce(alice.Address())

	again, err := te.engine.GetMarket(id)
	require.NoError(t, err)
	assert.Equal(t, "Will it rain?", again.Title)
	assert.Equal(t, "Yes", again.Options[0])
	assert.Equal(t, hash, te.engine.StateHashHex())
	assert.Equal(t, seq, te.engine.Sequence())

	_, err = te.engine.LookupReceipt(context.Background(), "00")
	assert.True(t, apperr.Is(err, apperr.CodeReceiptNotFound))
}

// ============================================================================
// Test: Snapshot and halt
// ============================================================================

func TestSnapshot_RoundTrip(t *testing.T) {
	te := newTestEngine(t, 100000)
	alice, bob := mustKey(t, seedAlice), mustKey(t, seedBob)
	te.connect(t, alice, "alice")
	te.connect(t, bob, "bob")
	id := te.createMarket(t, "Yes", "No")
	te.apply(t, alice, &tx.BetPlacement{MarketID: id, Outcome: 0, Amount: 500})
	te.apply(t, bob, &tx.BetPlacement{MarketID: id, Outcome: 1, Amount: 800})

	data, err := te.engine.Snapshot()
	require.NoError(t, err)

	fresh := newTestEngine(t, 100000)
	require.NoError(t, fresh.engine.Restore(data))

	again, err := fresh.engine.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, string(data), string(again))
	assert.Equal(t, te.engine.StateHashHex(), fresh.engine.StateHashHex())
	assert.Equal(t, te.engine.Sequence(), fresh.engine.Sequence())
	assert.Equal(t, uint64(1), fresh.engine.GetNonce(alice.Address()))

	// The restored engine continues the chain identically.
	fresh.nonces[alice.Address()] = te.nonces[alice.Address()]
	te.apply(t, alice, &tx.Transfer{To: "bob", Amount: 1})
	fresh.apply(t, alice, &tx.Transfer{To: "bob", Amount: 1})
	assert.Equal(t, te.engine.StateHashHex(), fresh.engine.StateHashHex())
}

func TestSnapshot_RejectsInvalid(t *testing.T) {
	te := newTestEngine(t, 100000)
	alice := mustKey(t, seedAlice)
	te.connect(t, alice, "alice")
	hash := te.engine.StateHashHex()

	cases := map[string]string{
		"not json":       `{`,
		"unknown format": `{"format":"other","version":1,"state_hash":""}`,
		"bad version":    `{"format":"predictledger/snapshot","version":2,"state_hash":""}`,
		"unknown field":  `{"format":"predictledger/snapshot","version":1,"extra":true}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			err := te.engine.Restore([]byte(raw))
			assert.True(t, apperr.Is(err, apperr.CodeSnapshotInvalid), "got %v", err)
		})
	}

	// A container whose balances do not add up to supply is rejected.
	snap := te.engine.CreateSnapshotState()
	snap.Balances[alice.Address()] += 1
	err := te.engine.RestoreFromSnapshot(snap)
	assert.True(t, apperr.Is(err, apperr.CodeSnapshotInvalid))

	assert.Equal(t, hash, te.engine.StateHashHex(), "failed restore leaves the engine unchanged")
	assert.Equal(t, int64(100000), te.engine.GetBalance(alice.Address()))
}

func TestHalted_RefusesWrites(t *testing.T) {
	te := newTestEngine(t, 100000)
	alice, bob := mustKey(t, seedAlice), mustKey(t, seedBob)
	te.connect(t, alice, "alice")
	te.connect(t, bob, "bob")

	snap := te.engine.CreateSnapshotState()
	snap.Halted = true
	snap.HaltReason = "post-check: conservation violated"
	require.NoError(t, te.engine.RestoreFromSnapshot(snap))

	halted, reason := te.engine.Halted()
	assert.True(t, halted)
	assert.Contains(t, reason, "conservation")

	err := te.applyErr(t, alice, &tx.Transfer{To: "bob", Amount: 1})
	assert.True(t, apperr.Is(err, apperr.CodeInvariantViolation))
	_, err = te.engine.CreateMarket(context.Background(), core.MarketSpec{Title: "t", Options: []string{"a", "b"}})
	assert.True(t, apperr.Is(err, apperr.CodeInvariantViolation))
	assert.Equal(t, 1.0, testutil.ToFloat64(te.metrics.CoreHalted))

	// Reads keep working.
	assert.Equal(t, int64(100000), te.engine.GetBalance(alice.Address()))
}

func TestSnapshot_RoundTripAfterDrainingAccount(t *testing.T) {
	te := newTestEngine(t, 100000)
	alice, bob := mustKey(t, seedAlice), mustKey(t, seedBob)
	te.connect(t, alice, "alice")
	te.connect(t, bob, "bob")

	te.apply(t, alice, &tx.Transfer{To: "bob", Amount: 100000})
	require.Equal(t, int64(0), te.engine.GetBalance(alice.Address()))
	_, present := te.engine.CreateSnapshotState().Balances[alice.Address()]
	assert.False(t, present, "a drained account has no balance entry")

	data, err := te.engine.Snapshot()
	require.NoError(t, err)
	fresh := newTestEngine(t, 100000)
	require.NoError(t, fresh.engine.Restore(data))
	again, err := fresh.engine.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, string(data), string(again))
}

func TestResolve_EscrowMismatchHalts(t *testing.T) {
	te := newTestEngine(t, 100000)
	alice := mustKey(t, seedAlice)
	te.connect(t, alice, "alice")
	id := te.createMarket(t, "Yes", "No")
	te.apply(t, alice, &tx.BetPlacement{MarketID: id, Outcome: 0, Amount: 500})

	// Market aggregates stay self-consistent but no longer match the escrow.
	snap := te.engine.CreateSnapshotState()
	snap.Markets[0].TotalVolume -= 100
	snap.Markets[0].Stats[0].Volume -= 100
	require.NoError(t, te.engine.RestoreFromSnapshot(snap))

	_, _, err := te.engine.ResolveMarket(context.Background(), id, 0)
	assert.True(t, apperr.Is(err, apperr.CodeInvariantViolation), "got %v", err)
	halted, reason := te.engine.Halted()
	assert.True(t, halted)
	assert.Contains(t, reason, "escrow")
	assert.Equal(t, 1.0, testutil.ToFloat64(te.metrics.CoreHalted))

	m, err := te.engine.GetMarket(id)
	require.NoError(t, err)
	assert.False(t, m.Resolved, "a halted resolution leaves the market open")
	assert.Equal(t, int64(500), te.engine.EscrowTotal())
}

// ============================================================================
// Test: Supply overflow
// ============================================================================

func TestAdmin_SupplyOverflowIsRejected(t *testing.T) {
	te := newTestEngine(t, 100000)
	alice, bob, carol := mustKey(t, seedAlice), mustKey(t, seedBob), mustIndexedKey(t, 3)
	te.connect(t, alice, "alice")
	te.connect(t, bob, "bob")

	headroom := math.MaxInt64 - te.engine.Supply().Total
	te.apply(t, te.admin, &tx.AdminMint{To: "alice", Amount: money.Amount(headroom)})
	assert.Equal(t, int64(math.MaxInt64), te.engine.Supply().Total)
	hash, seq := te.engine.StateHashHex(), te.engine.Sequence()

	err := te.applyErr(t, te.admin, &tx.AdminMint{To: "bob", Amount: 1})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidAmount), "got %v", err)

	err = te.applyErr(t, te.admin, &tx.AdminSetBalance{Address: bob.Address(), Balance: math.MaxInt64 - 50000})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidAmount), "got %v", err)

	_, _, err = te.engine.ConnectWallet(context.Background(), carol.PublicHex(), "carol")
	assert.True(t, apperr.Is(err, apperr.CodeInvalidAmount), "got %v", err)
	_, err = te.engine.Resolve("carol")
	assert.Error(t, err, "a rejected connect registers nothing")

	halted, _ := te.engine.Halted()
	assert.False(t, halted)
	assert.Equal(t, hash, te.engine.StateHashHex())
	assert.Equal(t, seq, te.engine.Sequence())
	assert.Equal(t, int64(100000), te.engine.GetBalance(bob.Address()))
	te.requireConserved(t)

	// Lowering a balance still works at the ceiling.
	te.apply(t, te.admin, &tx.AdminSetBalance{Address: alice.Address(), Balance: 0})
	assert.Equal(t, int64(100000), te.engine.Supply().Total)
	te.requireConserved(t)
}

// ============================================================================
// Test: Randomized ledger properties
// ============================================================================

// TestRandomizedOperations_KeepInvariants drives a seeded mix of signed and
// admin operations and checks conservation, nonce ordering, replay
// rejection and snapshot stability after every step.
func TestRandomizedOperations_KeepInvariants(t *testing.T) {
	for _, seed := range []int64{1, 7, 42, 2024} {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			runRandomizedOperations(t, seed, 300)
		})
	}
}

func runRandomizedOperations(t *testing.T, seed int64, steps int) {
	rng := rand.New(rand.NewSource(seed))
	te := newTestEngine(t, 100000)
	ctx := context.Background()

	users := make([]*crypto.KeyPair, 4)
	names := make([]string, len(users))
	for i := range users {
		users[i] = mustIndexedKey(t, i+1)
		names[i] = fmt.Sprintf("user%d", i)
		te.connect(t, users[i], names[i])
	}
	var markets []string
	lastNonce := make(map[string]uint64)

	randomAmount := func(kp *crypto.KeyPair) money.Amount {
		// Occasionally overshoot so rejections are exercised too.
		limit := te.engine.GetBalance(kp.Address()) + 100
		return money.Amount(rng.Int63n(limit) + 1)
	}
	pickMarket := func() string {
		if len(markets) == 0 || rng.Intn(10) == 0 {
			return "missing"
		}
		return markets[rng.Intn(len(markets))]
	}

	for step := 0; step < steps; step++ {
		i := rng.Intn(len(users))
		kp := users[i]

		var p tx.Payload
		switch op := rng.Intn(9); op {
		case 0, 1:
			p = &tx.Transfer{To: names[rng.Intn(len(names))], Amount: randomAmount(kp)}
		case 2, 3:
			p = &tx.BetPlacement{MarketID: pickMarket(), Outcome: int64(rng.Intn(3)), Amount: randomAmount(kp)}
		case 4:
			p = &tx.MarketLaunch{
				Title:     fmt.Sprintf("market %d", step),
				Options:   []string{"Yes", "No"},
				ClosesAt:  te.clock.Unix() + 3600,
				Liquidity: money.Amount(rng.Int63n(2000)),
			}
		case 5:
			p = &tx.AddLiquidity{MarketID: pickMarket(), Amount: money.Amount(rng.Int63n(2000) + 1)}
		case 6:
			p = &tx.RemoveLiquidity{MarketID: pickMarket(), Amount: money.Amount(rng.Int63n(2000) + 1)}
		case 7:
			_, _, _ = te.engine.ResolveMarket(ctx, pickMarket(), rng.Intn(2))
		case 8:
			_ = te.engine.CancelMarket(ctx, pickMarket(), "random")
		}

		if p != nil {
			env := te.sign(t, kp, p)
			rec, err := te.engine.ApplySigned(ctx, env)
			if err == nil {
				addr := kp.Address()
				assert.Greater(t, env.Nonce, lastNonce[addr], "accepted nonces strictly increase")
				assert.Equal(t, env.Nonce, te.engine.GetNonce(addr))
				lastNonce[addr] = env.Nonce
				if rec.MarketID != "" && p.Kind() == tx.TxMarketLaunch {
					markets = append(markets, rec.MarketID)
				}

				hash, seqBefore := te.engine.StateHashHex(), te.engine.Sequence()
				_, err = te.engine.ApplySigned(ctx, env)
				assert.True(t, apperr.Is(err, apperr.CodeNonceNotMonotonic), "replay got %v", err)
				assert.Equal(t, hash, te.engine.StateHashHex())
				assert.Equal(t, seqBefore, te.engine.Sequence())
			} else {
				assert.Equal(t, lastNonce[kp.Address()], te.engine.GetNonce(kp.Address()),
					"a rejected envelope does not advance the nonce")
			}
		}

		te.requireConserved(t)
		halted, reason := te.engine.Halted()
		require.False(t, halted, "step %d halted: %s", step, reason)
		for _, u := range users {
			require.GreaterOrEqual(t, te.engine.GetBalance(u.Address()), int64(0))
		}

		if step%50 == 49 {
			data, err := te.engine.Snapshot()
			require.NoError(t, err)
			fresh := newTestEngine(t, 100000)
			require.NoError(t, fresh.engine.Restore(data))
			again, err := fresh.engine.Snapshot()
			require.NoError(t, err)
			require.Equal(t, string(data), string(again), "step %d snapshot is not byte-stable", step)
		}
	}
}
