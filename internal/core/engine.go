// Package core is the single serialization point of the ledger: every
// state transition runs under one engine lock.
package core

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PredictLedger/internal/apperr"
	"PredictLedger/internal/crypto"
	"PredictLedger/internal/escrow"
	"PredictLedger/internal/ledger"
	"PredictLedger/internal/market"
	"PredictLedger/internal/observability"
	"PredictLedger/internal/tx"
)

const (
	DefaultExpiryWindow         = 300 * time.Second
	DefaultClockSkew            = 60 * time.Second
	DefaultInitialWalletBalance = 3_000_000
	DefaultReplayCacheSize      = 100_000
)

// Config holds the engine's tunables.
type Config struct {
	ExpiryWindow         time.Duration
	ClockSkew            time.Duration
	InitialWalletBalance int64
	LeaderboardThreshold int
	// AdminPubkey is the hex public key allowed to sign administrative
	// transactions. Empty disables them.
	AdminPubkey       string
	ReplayCacheSize   int
	DiagnosticDumpDir string
}

func DefaultConfig() Config {
	return Config{
		ExpiryWindow:         DefaultExpiryWindow,
		ClockSkew:            DefaultClockSkew,
		InitialWalletBalance: DefaultInitialWalletBalance,
		LeaderboardThreshold: market.DefaultLeaderboardThreshold,
		ReplayCacheSize:      DefaultReplayCacheSize,
	}
}

// Deps are the engine's collaborators. Every field is optional.
type Deps struct {
	Outputs      Outputs
	ReceiptStore ReceiptStore
	Metrics      *observability.Metrics
	Logger       *zerolog.Logger
	Clock        func() time.Time
	NewID        func() string
}

// Engine owns the ledger, escrow book, market book and nonce registry.
type Engine struct {
	mu sync.Mutex

	cfg          Config
	adminAddress string

	ledger   *ledger.Ledger
	escrow   *escrow.Book
	markets  *market.Book
	nonces   *NonceRegistry
	receipts *ReplayCache
	hasher   *StateHasher
	sequence int64

	halted     bool
	haltReason string

	now     func() time.Time
	newID   func() string
	log     zerolog.Logger
	metrics *observability.Metrics
	out     Outputs
}

func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	if cfg.ExpiryWindow <= 0 {
		cfg.ExpiryWindow = DefaultExpiryWindow
	}
	if cfg.ClockSkew < 0 {
		cfg.ClockSkew = DefaultClockSkew
	}
	if cfg.LeaderboardThreshold <= 0 {
		cfg.LeaderboardThreshold = market.DefaultLeaderboardThreshold
	}
	if cfg.ReplayCacheSize <= 0 {
		cfg.ReplayCacheSize = DefaultReplayCacheSize
	}

	var adminAddress string
	if cfg.AdminPubkey != "" {
		pub, err := crypto.ParsePublicKey(cfg.AdminPubkey)
		if err != nil {
			return nil, fmt.Errorf("admin pubkey: %w", err)
		}
		adminAddress = crypto.DeriveAddress(pub)
	}

	e := &Engine{
		cfg:          cfg,
		adminAddress: adminAddress,
		ledger:       ledger.NewLedger(),
		escrow:       escrow.NewBook(),
		markets:      market.NewBook(cfg.LeaderboardThreshold),
		nonces:       NewNonceRegistry(),
		receipts:     NewReplayCache(cfg.ReplayCacheSize, deps.ReceiptStore),
		hasher:       NewStateHasher(),
		now:          deps.Clock,
		newID:        deps.NewID,
		metrics:      deps.Metrics,
		out:          deps.Outputs,
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	if deps.Logger != nil {
		e.log = *deps.Logger
	} else {
		e.log = zerolog.Nop()
	}
	e.ledger.SetIDGenerator(e.newID)
	return e, nil
}

// AdminAddress is the address of the configured admin key, "" if none.
func (e *Engine) AdminAddress() string {
	return e.adminAddress
}

func (e *Engine) isAdmin(addr string) bool {
	return e.adminAddress != "" && addr == e.adminAddress
}

// txContext carries one transaction through the pipeline.
type txContext struct {
	txType tx.TxType
	label  string
	sender string
	nonce  uint64 // 0 for direct operations
	ts     int64
	digest string
	env    *tx.SignedEnvelope
	events []Event
}

func (tc *txContext) emit(ev Event) {
	tc.events = append(tc.events, ev)
}

// ApplySigned is the main processing pipeline for client transactions.
func (e *Engine) ApplySigned(ctx context.Context, env *tx.SignedEnvelope) (*Receipt, error) {
	label := env.TxType.String()

	// Step 1: Cancellation is honoured only before the lock.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Step 2: Stateless verification, outside the lock.
	v, err := tx.Verify(env, tx.VerifyOptions{
		Now:          e.now(),
		ExpiryWindow: e.cfg.ExpiryWindow,
		ClockSkew:    e.cfg.ClockSkew,
	})
	if err != nil {
		e.reject(label, err)
		return nil, err
	}

	// Step 3: Acquire engine lock.
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.halted {
		return nil, e.haltedError()
	}

	// Step 4: Sender admission.
	if !e.ledger.Accounts().Exists(v.Sender) && !e.isAdmin(v.Sender) {
		err := apperr.New(apperr.CodeUnknownSender, "sender %s has no account", v.Sender)
		e.reject(label, err)
		return nil, err
	}

	// Step 5: Nonce check.
	digest := v.DigestHex()
	if err := e.nonces.Check(v.Sender, v.Nonce); err != nil {
		reason := NonceReasonStale
		if e.receipts.Contains(digest) {
			reason = NonceReasonReplay
		}
		if e.metrics != nil {
			e.metrics.NonceRejections.WithLabelValues(reason).Inc()
		}
		e.reject(label, err)
		return nil, err
	}

	tc := &txContext{
		txType: v.TxType,
		label:  label,
		sender: v.Sender,
		nonce:  v.Nonce,
		ts:     v.Timestamp,
		digest: digest,
		env:    env,
	}

	// Step 6-10: Dispatch, post-check, commit, emit.
	return e.execute(tc, func(tc *txContext) (*Receipt, error) {
		return e.dispatch(tc, v.Payload)
	})
}

// fatalError carries a commit-phase failure out of a handler.
type fatalError struct {
	err error
}

// must turns a commit-phase error into a halt. Handlers pre-check every
// condition before mutating, so an error here means an invariant broke.
func (e *Engine) must(err error, what string) {
	if err != nil {
		panic(fatalError{err: fmt.Errorf("%s: %w", what, err)})
	}
}

// execute runs handler under the lock (already held) and, on success,
// commits the nonce, advances the hash chain and emits outputs.
func (e *Engine) execute(tc *txContext, handler func(*txContext) (*Receipt, error)) (rec *Receipt, err error) {
	start := time.Now()
	txMark, recipeMark := e.ledger.TxCount(), e.ledger.RecipeCount()

	defer func() {
		if r := recover(); r != nil {
			cause, ok := r.(fatalError)
			if !ok {
				cause = fatalError{err: fmt.Errorf("%v", r)}
			}
			e.halt(tc, cause.err)
			rec, err = nil, e.haltedError()
		}
	}()

	// Step 6: Payload-specific handler (pre-checks, then commit).
	rec, err = handler(tc)
	if err != nil {
		e.reject(tc.label, err)
		return nil, err
	}

	// Step 7: Post-checks.
	if err := e.checkInvariants(); err != nil {
		panic(fatalError{err: fmt.Errorf("post-check: %w", err)})
	}

	// Step 8: Commit nonce and advance the hash chain.
	if tc.nonce > 0 {
		e.nonces.Commit(tc.sender, tc.nonce)
	}
	e.sequence++

	txs := e.ledger.TxSince(txMark)
	recipes := e.ledger.RecipesSince(recipeMark)
	stateDigest := e.computeStateDigest(txs, tc.sender)
	stateHash := e.hasher.ComputeHash(e.sequence, stateDigest)

	// Step 9: Complete the receipt.
	if rec.TxID == "" {
		rec.TxID = e.newID()
	}
	rec.TxType = tc.txType
	rec.Sender = tc.sender
	rec.NonceUsed = tc.nonce
	rec.Sequence = e.sequence
	rec.StateHash = hex.EncodeToString(stateHash[:])
	rec.Digest = tc.digest
	rec.Timestamp = tc.ts
	rec.NewBalanceOfSender = amountOf(e.ledger.Balance(tc.sender))
	if tc.digest != "" {
		e.receipts.Add(tc.digest, rec.clone())
	}
	for i := range tc.events {
		tc.events[i].Sequence = e.sequence
	}

	// Step 10: Emit outputs.
	e.emit(CoreOutput{
		Receipt:      rec.clone(),
		Envelope:     tc.env,
		Transactions: txs,
		Recipes:      recipes,
		Events:       tc.events,
		StateHash:    stateHash,
		StateDelta:   stateDigest,
	})

	if e.metrics != nil {
		e.metrics.CoreTxApplied.WithLabelValues(tc.label).Inc()
		e.metrics.CoreApplyDuration.WithLabelValues(tc.label).Observe(time.Since(start).Seconds())
		e.metrics.CoreSequence.Set(float64(e.sequence))
		e.metrics.EscrowTotalCents.Set(float64(e.escrow.Total()))
		e.metrics.SupplyTotalCents.Set(float64(e.ledger.Supply().Total))
		e.metrics.ReplayCacheSize.Set(float64(e.receipts.Size()))
	}
	return rec, nil
}

// emit fans one output out. Persistence: blocking send, the engine stalls
// until the writer drains so nothing is lost. Projection and publish:
// non-blocking, dropped when full; both can rebuild from the persisted log.
func (e *Engine) emit(output CoreOutput) {
	if e.out.Persist != nil {
		select {
		case e.out.Persist <- output:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.out.Persist <- output
		}
	}

	if e.out.Projection != nil {
		select {
		case e.out.Projection <- output:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.WithLabelValues("projection").Inc()
			}
		}
	}

	if e.out.Publish != nil {
		select {
		case e.out.Publish <- output:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
		}
	}
}

func (e *Engine) reject(label string, err error) {
	code := apperr.CodeOf(err)
	if e.metrics != nil {
		e.metrics.CoreTxRejected.WithLabelValues(label, string(code)).Inc()
	}
	e.log.Debug().Str("tx_type", label).Str("code", string(code)).Err(err).Msg("transaction rejected")
}

// computeStateDigest creates canonical bytes for the state hash: every
// account touched by the transaction, sorted, with its balance after it.
func (e *Engine) computeStateDigest(txs []ledger.TxRecord, sender string) []byte {
	touched := make(map[string]bool)
	if sender != "" {
		touched[sender] = true
	}
	for _, t := range txs {
		touched[t.From] = true
		touched[t.To] = true
	}

	accounts := make([]string, 0, len(touched))
	for key := range touched {
		accounts = append(accounts, key)
	}
	sort.Strings(accounts)

	digest := make([]byte, 0, len(accounts)*64)
	for _, key := range accounts {
		digest = append(digest, byte(len(key)))
		digest = append(digest, key...)
		digest = appendInt64LE(digest, e.balanceOf(key))
	}
	return digest
}

// balanceOf reads a ledger balance or, for an escrow sentinel, the pool
// total.
func (e *Engine) balanceOf(key string) int64 {
	if id, ok := strings.CutPrefix(key, ledger.EscrowPrefix); ok {
		if p, found := e.escrow.Get(id); found {
			return p.Total
		}
		return 0
	}
	return e.ledger.Balance(key)
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// checkInvariants validates conservation, escrow and market aggregates.
func (e *Engine) checkInvariants() error {
	if err := e.escrow.Validate(); err != nil {
		return err
	}
	if err := e.markets.Validate(); err != nil {
		return err
	}
	return e.ledger.ValidateConservation(e.escrow.Total())
}

func (e *Engine) dispatch(tc *txContext, payload tx.Payload) (*Receipt, error) {
	switch p := payload.(type) {
	case *tx.Transfer:
		return e.handleTransfer(tc, p)
	case *tx.Bridge:
		return e.handleBridge(tc, p)
	case *tx.BetPlacement:
		return e.handleBetPlacement(tc, p)
	case *tx.BetResolution:
		return e.handleBetResolution(tc, p)
	case *tx.MarketLaunch:
		return e.handleMarketLaunch(tc, p)
	case *tx.AddLiquidity:
		return e.handleAddLiquidity(tc, p)
	case *tx.RemoveLiquidity:
		return e.handleRemoveLiquidity(tc, p)
	case *tx.AdminMint:
		return e.handleAdminMint(tc, p)
	case *tx.AdminSetBalance:
		return e.handleAdminSetBalance(tc, p)
	case *tx.MarketCancel:
		return e.handleMarketCancel(tc, p)
	default:
		return nil, apperr.New(apperr.CodeMalformedPayload, "unknown payload type %T", payload)
	}
}
