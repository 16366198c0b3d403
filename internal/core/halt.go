package core

import (
	"fmt"
	"os"
	"path/filepath"

	"PredictLedger/internal/apperr"
)

// halt stops all further writes. The current state is dumped to the
// diagnostic directory when one is configured. Called with the lock held.
func (e *Engine) halt(tc *txContext, cause error) {
	e.halted = true
	e.haltReason = cause.Error()

	ev := e.log.Error().
		Err(cause).
		Int64("sequence", e.sequence).
		Str("tx_type", tc.label).
		Str("sender", tc.sender)
	if path, err := e.writeDiagnosticDump(); err != nil {
		ev = ev.AnErr("dump_error", err)
	} else if path != "" {
		ev = ev.Str("dump", path)
	}
	ev.Msg("invariant violated, engine halted")

	if e.metrics != nil {
		e.metrics.CoreHalted.Set(1)
	}
}

func (e *Engine) haltedError() error {
	return apperr.New(apperr.CodeInvariantViolation, "engine halted: %s", e.haltReason)
}

func (e *Engine) writeDiagnosticDump() (string, error) {
	if e.cfg.DiagnosticDumpDir == "" {
		return "", nil
	}
	data, err := e.snapshotLocked()
	if err != nil {
		return "", fmt.Errorf("encode dump: %w", err)
	}
	if err := os.MkdirAll(e.cfg.DiagnosticDumpDir, 0o755); err != nil {
		return "", fmt.Errorf("create dump dir: %w", err)
	}
	path := filepath.Join(e.cfg.DiagnosticDumpDir, fmt.Sprintf("halt-%d-%s.json", e.sequence, e.newID()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write dump: %w", err)
	}
	return path, nil
}

// Halted reports whether the engine refuses writes, and why.
func (e *Engine) Halted() (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted, e.haltReason
}
