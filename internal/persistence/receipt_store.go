package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"PredictLedger/internal/core"
	"PredictLedger/internal/observability"
)

const receiptLookupTimeout = 500 * time.Millisecond

// PostgresReceiptStore is the durable tier of the replay cache. It reads
// receipts back from ledger.applied_tx by signing digest.
type PostgresReceiptStore struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewPostgresReceiptStore(db *sql.DB, metrics *observability.Metrics) *PostgresReceiptStore {
	return &PostgresReceiptStore{db: db, metrics: metrics}
}

// LookupReceipt implements core.ReceiptStore.
func (s *PostgresReceiptStore) LookupReceipt(ctx context.Context, digest string) (*core.Receipt, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, receiptLookupTimeout)
	defer cancel()

	start := time.Now()
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT receipt FROM ledger.applied_tx WHERE digest = $1 LIMIT 1`, digest,
	).Scan(&data)
	if s.metrics != nil {
		s.metrics.ReplayTier2Duration.Observe(time.Since(start).Seconds())
	}

	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.ReplayTier2Errors.Inc()
		}
		return nil, false, fmt.Errorf("lookup receipt: %w", err)
	}

	var r core.Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, false, fmt.Errorf("decode receipt: %w", err)
	}
	return &r, true, nil
}

// RecentReceipts returns up to limit receipts of signed transactions,
// newest first. Used to warm the in-memory tier after a restart.
func (s *PostgresReceiptStore) RecentReceipts(ctx context.Context, limit int) ([]*core.Receipt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT receipt FROM ledger.applied_tx
		WHERE digest IS NOT NULL
		ORDER BY sequence DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent receipts: %w", err)
	}
	defer rows.Close()

	var out []*core.Receipt
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var r core.Receipt
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode receipt: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
