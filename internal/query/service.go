// Package query serves read-only history and projection lookups from
// Postgres. Every response carries as_of_sequence so callers can judge
// freshness against the engine's live sequence.
package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"PredictLedger/internal/apperr"
)

// HistoryService reads the persisted audit log and the projection tables.
type HistoryService struct {
	db *sql.DB
}

func NewHistoryService(db *sql.DB) *HistoryService {
	return &HistoryService{db: db}
}

// History returns recipes touching address, newest first. after is the
// NextCursor of the previous page, or empty for the first page.
func (hs *HistoryService) History(ctx context.Context, address string, limit int, after string) (*HistoryPage, error) {
	limit = normaliseLimit(limit)

	asOfSeq, err := hs.latestSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest sequence: %w", err)
	}

	query := `
		SELECT recipe_id, sequence, kind, account, address, amount, description,
		       COALESCE(related_id, ''), timestamp, metadata
		FROM ledger.recipes
		WHERE (address = $1 OR metadata->>'counterparty' = $1)
	`
	args := []any{address}
	if after != "" {
		c, err := decodeCursor(after)
		if err != nil {
			return nil, apperr.New(apperr.CodeValidation, "%v", err)
		}
		query += ` AND (sequence, recipe_id) < ($2, $3)`
		args = append(args, c.sequence, c.recipeID)
	}
	query += fmt.Sprintf(" ORDER BY sequence DESC, recipe_id DESC LIMIT $%d", len(args)+1)
	// One extra row tells whether another page exists.
	args = append(args, limit+1)

	rows, err := hs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	page := &HistoryPage{Address: address, Entries: []HistoryEntry{}, AsOfSequence: asOfSeq}
	for rows.Next() {
		var e HistoryEntry
		var meta []byte
		if err := rows.Scan(
			&e.RecipeID, &e.Sequence, &e.Kind, &e.Account, &e.Address, &e.Amount,
			&e.Description, &e.RelatedID, &e.Timestamp, &meta,
		); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of %s: %w", e.RecipeID, err)
			}
		}
		page.Entries = append(page.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(page.Entries) > limit {
		page.Entries = page.Entries[:limit]
		last := page.Entries[limit-1]
		page.NextCursor = cursor{sequence: last.Sequence, recipeID: last.RecipeID}.encode()
	}
	return page, nil
}

// ProjectedBalance reads projections.balances.
func (hs *HistoryService) ProjectedBalance(ctx context.Context, address string) (*BalanceResponse, error) {
	asOfSeq, err := hs.watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	resp := &BalanceResponse{Address: address, AsOfSequence: asOfSeq}
	err = hs.db.QueryRowContext(ctx, `
		SELECT balance, last_sequence FROM projections.balances WHERE address = $1
	`, address).Scan(&resp.Balance, &resp.LastSequence)
	if errors.Is(err, sql.ErrNoRows) {
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// MarketStats reads projections.market_stats.
func (hs *HistoryService) MarketStats(ctx context.Context, marketID string) (*MarketStatsResponse, error) {
	asOfSeq, err := hs.watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	resp := &MarketStatsResponse{MarketID: marketID, AsOfSequence: asOfSeq}
	err = hs.db.QueryRowContext(ctx, `
		SELECT bet_count, volume, status, last_sequence
		FROM projections.market_stats WHERE market_id = $1
	`, marketID).Scan(&resp.BetCount, &resp.Volume, &resp.Status, &resp.LastSequence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.CodeMarketNotFound, "no stats for market %s", marketID)
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// VerifyIntegrity checks the applied log for sequence gaps and the
// balance projection for a non-zero sum.
func (hs *HistoryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := hs.db.QueryContext(ctx, `
		SELECT sequence + 1 FROM (
			SELECT sequence, LEAD(sequence) OVER (ORDER BY sequence) AS next
			FROM ledger.applied_tx
		) s
		WHERE next IS NOT NULL AND next <> sequence + 1
		ORDER BY sequence
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var missing int64
		if err := rows.Scan(&missing); err != nil {
			return nil, err
		}
		report.SequenceGaps = append(report.SequenceGaps, missing)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := hs.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(balance), 0) FROM projections.balances
	`).Scan(&report.ProjectedImbalance); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.SequenceGaps) == 0 && report.ProjectedImbalance == 0
	return report, nil
}

// --- helpers ---

func (hs *HistoryService) latestSequence(ctx context.Context) (int64, error) {
	var seq int64
	err := hs.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM ledger.applied_tx`).Scan(&seq)
	return seq, err
}

func (hs *HistoryService) watermark(ctx context.Context) (int64, error) {
	var seq int64
	err := hs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE projection = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}
