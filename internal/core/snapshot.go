package core

import (
	"bytes"
	"encoding/hex"
	"encoding/json"

	"PredictLedger/internal/apperr"
	"PredictLedger/internal/escrow"
	"PredictLedger/internal/ledger"
	"PredictLedger/internal/market"
)

const (
	SnapshotFormat  = "predictledger/snapshot"
	SnapshotVersion = 1
)

// SnapshotState is the versioned container for the whole engine. Maps
// serialise with sorted keys and slices keep insertion order; there are no
// wall-clock fields, so encoding a restored snapshot reproduces the same
// bytes.
type SnapshotState struct {
	Format       string            `json:"format"`
	Version      int               `json:"version"`
	Sequence     int64             `json:"sequence"`
	StateHash    string            `json:"state_hash"`
	Accounts     []ledger.Account  `json:"accounts"`
	Balances     map[string]int64  `json:"balances"`
	Nonces       map[string]uint64 `json:"nonces"`
	Markets      []*market.Market  `json:"markets"`
	Escrows      []*escrow.Pool    `json:"escrows"`
	Transactions []ledger.TxRecord `json:"transactions"`
	Recipes      []ledger.Recipe   `json:"recipes"`
	Supply       ledger.Supply     `json:"supply"`
	Halted       bool              `json:"halted"`
	HaltReason   string            `json:"halt_reason,omitempty"`
}

// CreateSnapshotState captures the current in-memory state.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotStateLocked()
}

func (e *Engine) snapshotStateLocked() *SnapshotState {
	ls := e.ledger.Export()
	hash := e.hasher.GetPrevHash()
	return &SnapshotState{
		Format:       SnapshotFormat,
		Version:      SnapshotVersion,
		Sequence:     e.sequence,
		StateHash:    hex.EncodeToString(hash[:]),
		Accounts:     ls.Accounts,
		Balances:     ls.Balances,
		Nonces:       e.nonces.Snapshot(),
		Markets:      e.markets.Export(),
		Escrows:      e.escrow.Export(),
		Transactions: ls.Transactions,
		Recipes:      ls.Recipes,
		Supply:       ls.Supply,
		Halted:       e.halted,
		HaltReason:   e.haltReason,
	}
}

// Snapshot serialises the engine state.
func (e *Engine) Snapshot() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() ([]byte, error) {
	return json.Marshal(e.snapshotStateLocked())
}

// DecodeSnapshot parses and validates a snapshot container without
// touching any engine.
func DecodeSnapshot(data []byte) (*SnapshotState, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var snap SnapshotState
	if err := dec.Decode(&snap); err != nil {
		return nil, apperr.New(apperr.CodeSnapshotInvalid, "decode snapshot: %v", err)
	}
	if snap.Format != SnapshotFormat {
		return nil, apperr.New(apperr.CodeSnapshotInvalid, "unknown snapshot format %q", snap.Format)
	}
	if snap.Version != SnapshotVersion {
		return nil, apperr.New(apperr.CodeSnapshotInvalid, "unsupported snapshot version %d", snap.Version)
	}
	if snap.Sequence < 0 {
		return nil, apperr.New(apperr.CodeSnapshotInvalid, "negative sequence %d", snap.Sequence)
	}
	return &snap, nil
}

// restoredState is a fully validated replacement for the engine's books.
type restoredState struct {
	ledger  *ledger.Ledger
	escrow  *escrow.Book
	markets *market.Book
	hash    [32]byte
}

func (e *Engine) buildRestored(snap *SnapshotState) (*restoredState, error) {
	var hash [32]byte
	raw, err := hex.DecodeString(snap.StateHash)
	if err != nil || len(raw) != len(hash) {
		return nil, apperr.New(apperr.CodeSnapshotInvalid, "state_hash is not 32 hex bytes")
	}
	copy(hash[:], raw)

	l, err := ledger.Import(ledger.State{
		Accounts:     snap.Accounts,
		Balances:     snap.Balances,
		Transactions: snap.Transactions,
		Recipes:      snap.Recipes,
		Supply:       snap.Supply,
	})
	if err != nil {
		return nil, apperr.New(apperr.CodeSnapshotInvalid, "ledger: %v", err)
	}
	l.SetIDGenerator(e.newID)

	eb, err := escrow.Import(snap.Escrows)
	if err != nil {
		return nil, err
	}
	mb, err := market.Import(snap.Markets, e.cfg.LeaderboardThreshold)
	if err != nil {
		return nil, err
	}
	for _, m := range snap.Markets {
		if _, ok := eb.Get(m.EscrowID); !ok {
			return nil, apperr.New(apperr.CodeSnapshotInvalid, "market %s has no escrow %s", m.ID, m.EscrowID)
		}
	}
	if err := l.ValidateConservation(eb.Total()); err != nil {
		return nil, apperr.New(apperr.CodeSnapshotInvalid, "%v", err)
	}
	return &restoredState{ledger: l, escrow: eb, markets: mb, hash: hash}, nil
}

// Restore replaces the engine state with a snapshot. On any error the
// engine is left unchanged.
func (e *Engine) Restore(data []byte) error {
	snap, err := DecodeSnapshot(data)
	if err != nil {
		return err
	}
	return e.RestoreFromSnapshot(snap)
}

// RestoreFromSnapshot installs a decoded snapshot.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState) error {
	rs, err := e.buildRestored(snap)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.ledger = rs.ledger
	e.escrow = rs.escrow
	e.markets = rs.markets
	e.nonces.Restore(snap.Nonces)
	e.sequence = snap.Sequence
	e.hasher.SetPrevHash(rs.hash)
	e.halted = snap.Halted
	e.haltReason = snap.HaltReason
	e.receipts.Clear()

	if e.metrics != nil {
		e.metrics.CoreSequence.Set(float64(e.sequence))
		e.metrics.EscrowTotalCents.Set(float64(e.escrow.Total()))
		e.metrics.SupplyTotalCents.Set(float64(e.ledger.Supply().Total))
		if e.halted {
			e.metrics.CoreHalted.Set(1)
		} else {
			e.metrics.CoreHalted.Set(0)
		}
	}
	e.log.Info().Int64("sequence", e.sequence).Int("markets", len(snap.Markets)).Msg("state restored from snapshot")
	return nil
}
