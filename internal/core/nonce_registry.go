package core

import (
	"fmt"
	"sort"

	"PredictLedger/internal/apperr"
)

// Nonce rejection reasons.
const (
	NonceReasonReplay = "replay"
	NonceReasonStale  = "stale_nonce"
)

// NonceRegistry tracks the last accepted nonce per sender. Nonces must be
// strictly increasing; gaps are allowed.
// Not thread-safe: only accessed under the engine lock.
type NonceRegistry struct {
	last map[string]uint64 // address -> last accepted nonce
}

func NewNonceRegistry() *NonceRegistry {
	return &NonceRegistry{last: make(map[string]uint64)}
}

// Check reports NONCE_NOT_MONOTONIC unless nonce > last[addr]. It does not
// record anything.
func (r *NonceRegistry) Check(addr string, nonce uint64) error {
	last := r.last[addr]
	if nonce <= last {
		return apperr.New(apperr.CodeNonceNotMonotonic, "nonce %d for %s is not greater than %d", nonce, addr, last).
			With("last_nonce", fmt.Sprint(last))
	}
	return nil
}

// Commit records an accepted nonce. Check must have passed under the same
// lock.
func (r *NonceRegistry) Commit(addr string, nonce uint64) {
	if nonce <= r.last[addr] {
		panic(fmt.Sprintf("FATAL: nonce commit %d for %s not above %d", nonce, addr, r.last[addr]))
	}
	r.last[addr] = nonce
}

// Last returns the last accepted nonce, 0 for unknown senders.
func (r *NonceRegistry) Last(addr string) uint64 {
	return r.last[addr]
}

// Snapshot copies the registry.
func (r *NonceRegistry) Snapshot() map[string]uint64 {
	out := make(map[string]uint64, len(r.last))
	for k, v := range r.last {
		out[k] = v
	}
	return out
}

// Restore replaces the registry (used during recovery).
func (r *NonceRegistry) Restore(nonces map[string]uint64) {
	r.last = make(map[string]uint64, len(nonces))
	for k, v := range nonces {
		if v > 0 {
			r.last[k] = v
		}
	}
}

// Senders returns every address with an accepted nonce, sorted.
func (r *NonceRegistry) Senders() []string {
	out := make([]string, 0, len(r.last))
	for k := range r.last {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
