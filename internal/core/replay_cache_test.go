package core

import (
	"context"
	"errors"
	"testing"

	"PredictLedger/internal/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReceiptStore struct {
	receipts map[string]*Receipt
	err      error
	calls    int
}

func (f *fakeReceiptStore) LookupReceipt(_ context.Context, digest string) (*Receipt, bool, error) {
	f.calls++
	if f.err != nil {
		return nil, false, f.err
	}
	r, ok := f.receipts[digest]
	return r, ok, nil
}

// ============================================================================
// Test: LRU
// ============================================================================

func TestReceiptLRU_EvictsOldest(t *testing.T) {
	lru := NewReceiptLRU(2)
	lru.Add("a", &Receipt{TxID: "1"})
	lru.Add("b", &Receipt{TxID: "2"})
	_, _ = lru.Get("a") // a is now most recent
	lru.Add("c", &Receipt{TxID: "3"})

	_, ok := lru.Get("b")
	assert.False(t, ok)
	_, ok = lru.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 2, lru.Size())
	assert.Equal(t, int64(1), lru.Evictions())
}

// ============================================================================
// Test: Two-tier lookup
// ============================================================================

func TestReplayCache_PromotesStoreHits(t *testing.T) {
	store := &fakeReceiptStore{receipts: map[string]*Receipt{
		"d1": {TxID: "tx-1", Digest: "d1", Outcome: intPtr(1)},
	}}
	c := NewReplayCache(10, store)
	assert.False(t, c.Contains("d1"))

	r, ok, err := c.Lookup(context.Background(), "d1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "tx-1", r.TxID)
	assert.True(t, c.Contains("d1"))
	assert.Equal(t, int64(1), c.Metrics().GetHits("postgres"))

	// Served from the LRU; callers get a copy.
	*r.Outcome = 7
	again, ok, err := c.Lookup(context.Background(), "d1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, *again.Outcome)
	assert.Equal(t, 1, store.calls)
	assert.Equal(t, int64(1), c.Metrics().GetHits("lru"))
}

func TestReplayCache_StoreErrors(t *testing.T) {
	c := NewReplayCache(10, &fakeReceiptStore{err: errors.New("connection refused")})
	_, _, err := c.Lookup(context.Background(), "d1")
	require.Error(t, err)
	assert.Equal(t, int64(1), c.Metrics().GetTier2Errors())

	_, ok, err := NewReplayCache(10, nil).Lookup(context.Background(), "d1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReplayCache_WarmAndClear(t *testing.T) {
	c := NewReplayCache(10, nil)
	c.Warm([]*Receipt{{Digest: "a"}, {Digest: ""}, nil, {Digest: "b"}})
	assert.Equal(t, 2, c.Size())
	c.Clear()
	assert.Equal(t, 0, c.Size())
}

// ============================================================================
// Test: Nonce registry
// ============================================================================

func TestNonceRegistry(t *testing.T) {
	r := NewNonceRegistry()
	require.NoError(t, r.Check("A", 1))
	r.Commit("A", 1)
	require.NoError(t, r.Check("A", 10))
	r.Commit("A", 10)

	err := r.Check("A", 10)
	assert.True(t, apperr.Is(err, apperr.CodeNonceNotMonotonic))
	assert.Equal(t, uint64(10), r.Last("A"))
	assert.Equal(t, uint64(0), r.Last("B"))

	assert.Panics(t, func() { r.Commit("A", 5) })

	snap := r.Snapshot()
	fresh := NewNonceRegistry()
	fresh.Restore(snap)
	assert.Equal(t, []string{"A"}, fresh.Senders())
	assert.Equal(t, uint64(10), fresh.Last("A"))
}

// ============================================================================
// Test: Hash chain
// ============================================================================

func TestStateHasher_Chains(t *testing.T) {
	h1, h2 := NewStateHasher(), NewStateHasher()
	assert.Equal(t, GenesisHash(), h1.GetPrevHash())

	a := h1.ComputeHash(1, []byte("x"))
	b := h2.ComputeHash(1, []byte("x"))
	assert.Equal(t, a, b)
	assert.Equal(t, a, h1.GetPrevHash())

	// Same digest at the next sequence gives a different tip.
	c := h1.ComputeHash(2, []byte("x"))
	assert.NotEqual(t, a, c)

	h2.SetPrevHash(c)
	assert.Equal(t, c, h2.GetPrevHash())
}
