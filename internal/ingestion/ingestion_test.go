package ingestion_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PredictLedger/internal/apperr"
	"PredictLedger/internal/core"
	"PredictLedger/internal/ingestion"
	"PredictLedger/internal/observability"
	"PredictLedger/internal/testutil"
	"PredictLedger/internal/tx"
)

var now = time.Unix(1_700_000_000, 0)

func signedTransfer(t *testing.T, nonce uint64, to string) []byte {
	t.Helper()
	env, err := tx.Sign(testutil.Key(t, 1), nonce, now.Unix(), &tx.Transfer{To: to, Amount: 250})
	require.NoError(t, err)
	data, err := json.Marshal(env)
	require.NoError(t, err)
	return data
}

// ============================================================================
// Test: subject/envelope parsing
// ============================================================================

func TestParseSubmission(t *testing.T) {
	data := signedTransfer(t, 1, "bob")

	env, err := ingestion.ParseSubmission(ingestion.SubjectFor(tx.TxTransfer), data)
	require.NoError(t, err)
	assert.Equal(t, tx.TxTransfer, env.TxType)
	assert.Equal(t, uint64(1), env.Nonce)

	_, err = ingestion.ParseSubmission("predict.tx.bet_placement", data)
	assert.True(t, apperr.Is(err, apperr.CodeTypeMismatch))

	_, err = ingestion.ParseSubmission("predict.tx.nonsense", data)
	assert.True(t, apperr.Is(err, apperr.CodeTypeMismatch))

	_, err = ingestion.ParseSubmission("predict.tx.transfer", []byte(`{"nonce":`))
	assert.True(t, apperr.Is(err, apperr.CodeMalformedPayload))

	_, err = ingestion.ParseSubmission("predict.tx.transfer", nil)
	assert.True(t, apperr.Is(err, apperr.CodeMalformedPayload))
}

// ============================================================================
// Test: intake loop settles messages by outcome
// ============================================================================

type settled struct {
	mu    sync.Mutex
	acks  int
	naks  int
	terms int
}

func (s *settled) submission(subject string, data []byte) ingestion.Submission {
	return ingestion.Submission{
		Subject:  subject,
		Data:     data,
		Received: time.Now(),
		Ack:      func() { s.mu.Lock(); s.acks++; s.mu.Unlock() },
		Nak:      func(time.Duration) { s.mu.Lock(); s.naks++; s.mu.Unlock() },
		Term:     func() { s.mu.Lock(); s.terms++; s.mu.Unlock() },
	}
}

func newEngine(t *testing.T) *core.Engine {
	t.Helper()
	e, err := core.NewEngine(core.DefaultConfig(), core.Deps{
		Clock: func() time.Time { return now },
	})
	require.NoError(t, err)
	ctx := context.Background()
	_, _, err = e.ConnectWallet(ctx, testutil.Key(t, 1).PublicHex(), "alice")
	require.NoError(t, err)
	_, _, err = e.ConnectWallet(ctx, testutil.Key(t, 2).PublicHex(), "bob")
	require.NoError(t, err)
	return e
}

func TestIntake_AppliesAndSettles(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	it := ingestion.NewIntake(e, nil, nil, metrics, zerolog.Nop())

	var s settled
	subject := ingestion.SubjectFor(tx.TxTransfer)

	it.Handle(ctx, s.submission(subject, signedTransfer(t, 1, "bob")))
	assert.Equal(t, 1, s.acks)
	assert.Equal(t, int64(core.DefaultInitialWalletBalance-250), e.GetBalance(testutil.Key(t, 1).Address()))

	// Redelivery of the same envelope is rejected by the nonce registry and acked.
	it.Handle(ctx, s.submission(subject, signedTransfer(t, 1, "bob")))
	assert.Equal(t, 2, s.acks)
	assert.Equal(t, int64(3), e.Sequence())

	it.Handle(ctx, s.submission(subject, []byte("not json")))
	assert.Equal(t, 1, s.terms)
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.IngestMalformed))
}

func TestIntake_RateLimitedSenderIsRedelivered(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	limiter := ingestion.NewSenderLimiter(0.001, 1, metrics)

	in := make(chan ingestion.Submission, 2)
	var s settled
	subject := ingestion.SubjectFor(tx.TxTransfer)
	in <- s.submission(subject, signedTransfer(t, 1, "bob"))
	in <- s.submission(subject, signedTransfer(t, 2, "bob"))
	close(in)

	require.NoError(t, ingestion.NewIntake(e, limiter, in, metrics, zerolog.Nop()).Run(ctx))
	assert.Equal(t, 1, s.acks)
	assert.Equal(t, 1, s.naks)
	assert.Equal(t, uint64(1), e.GetNonce(testutil.Key(t, 1).Address()))
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.IngestRateLimited))
}

// ============================================================================
// Test: outbound subjects and message ids
// ============================================================================

type captured struct {
	subject string
	data    []byte
}

type fakeJS struct {
	published []captured
}

func (f *fakeJS) Publish(_ context.Context, subject string, data []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.published = append(f.published, captured{subject: subject, data: data})
	return &jetstream.PubAck{Stream: ingestion.OutboundStream}, nil
}

func TestOutboundPublisher_PublishesReceiptAndEvents(t *testing.T) {
	js := &fakeJS{}
	in := make(chan core.CoreOutput, 2)
	in <- core.CoreOutput{
		Receipt: &core.Receipt{Sequence: 7, TxType: tx.TxBetPlacement, StateHash: "ab"},
		Events: []core.Event{
			{Kind: core.EventBetPlaced, MarketID: "m1", Amount: 500, Sequence: 7},
			{Kind: core.EventWalletConnected, Address: "xyz", Sequence: 7},
		},
	}
	in <- core.CoreOutput{} // no receipt, skipped
	close(in)

	require.NoError(t, ingestion.NewOutboundPublisher(js, in, zerolog.Nop()).Run(context.Background()))

	require.Len(t, js.published, 3)
	assert.Equal(t, "predict.ledger.receipts.bet_placement", js.published[0].subject)
	assert.Equal(t, "predict.ledger.events.bet_placed.m1", js.published[1].subject)
	assert.Equal(t, "predict.ledger.events.wallet_connected", js.published[2].subject)

	var msg ingestion.ReceiptMessage
	require.NoError(t, json.Unmarshal(js.published[0].data, &msg))
	assert.Equal(t, int64(7), msg.Receipt.Sequence)
	assert.Equal(t, "ab", msg.StateHash)
	assert.Len(t, msg.Events, 2)
}
