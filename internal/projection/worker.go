// Package projection maintains Postgres read models fed by the engine's
// drop-on-full projection channel. Projections are eventually consistent
// and can be rebuilt from the persisted audit log.
package projection

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"PredictLedger/internal/core"
	"PredictLedger/internal/observability"
)

const watermarkName = "main"

// Update is what one engine output changes in the read models.
type Update struct {
	Sequence int64
	// BalanceDeltas maps an address or sentinel to its net change.
	BalanceDeltas map[string]int64
	Markets       []MarketDelta
}

// MarketDelta is the change to one market_stats row. Status is empty when
// the output did not change it.
type MarketDelta struct {
	MarketID string
	Bets     int64
	Volume   int64
	Status   string
}

// UpdateFrom derives the read-model changes of one output.
func UpdateFrom(out core.CoreOutput) Update {
	u := Update{BalanceDeltas: make(map[string]int64)}
	if out.Receipt != nil {
		u.Sequence = out.Receipt.Sequence
	}
	for _, t := range out.Transactions {
		u.BalanceDeltas[t.From] -= t.Amount
		u.BalanceDeltas[t.To] += t.Amount
	}
	for key, d := range u.BalanceDeltas {
		if d == 0 {
			delete(u.BalanceDeltas, key)
		}
	}

	for _, ev := range out.Events {
		switch ev.Kind {
		case core.EventMarketCreated:
			u.Markets = append(u.Markets, MarketDelta{MarketID: ev.MarketID, Status: "open"})
		case core.EventBetPlaced:
			u.Markets = append(u.Markets, MarketDelta{MarketID: ev.MarketID, Bets: 1, Volume: ev.Amount})
		case core.EventMarketClosed:
			u.Markets = append(u.Markets, MarketDelta{MarketID: ev.MarketID, Status: "closed"})
		case core.EventMarketResolved:
			u.Markets = append(u.Markets, MarketDelta{MarketID: ev.MarketID, Status: "resolved"})
		case core.EventMarketCancelled:
			u.Markets = append(u.Markets, MarketDelta{MarketID: ev.MarketID, Status: "cancelled"})
		}
	}
	return u
}

// ProjectionWorker applies updates to projections.balances and
// projections.market_stats and advances the watermark.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	log       zerolog.Logger
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, log zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		log:       log,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			u := UpdateFrom(output)
			if u.Sequence <= pw.lastSeq {
				continue
			}
			if err := pw.apply(ctx, u); err != nil {
				// Eventually consistent; a rebuild catches up.
				pw.log.Warn().Err(err).Int64("sequence", u.Sequence).Msg("projection update failed")
				continue
			}
			pw.lastSeq = u.Sequence
		}
	}
}

// LastSequence is the sequence of the last applied update.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

func (pw *ProjectionWorker) apply(ctx context.Context, u Update) error {
	start := time.Now()
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	keys := make([]string, 0, len(u.BalanceDeltas))
	for k := range u.BalanceDeltas {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.balances (address, balance, last_sequence, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (address)
			DO UPDATE SET balance = projections.balances.balance + $2, last_sequence = $3, updated_at = NOW()
		`, k, u.BalanceDeltas[k], u.Sequence); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}
	pw.observe("balances", start)

	start = time.Now()
	for _, m := range u.Markets {
		status := m.Status
		if status == "" {
			status = "open"
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.market_stats (market_id, bet_count, volume, status, last_sequence, updated_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
			ON CONFLICT (market_id) DO UPDATE SET
				bet_count     = projections.market_stats.bet_count + $2,
				volume        = projections.market_stats.volume + $3,
				status        = CASE WHEN $6 THEN $4 ELSE projections.market_stats.status END,
				last_sequence = $5,
				updated_at    = NOW()
		`, m.MarketID, m.Bets, m.Volume, status, u.Sequence, m.Status != ""); err != nil {
			return fmt.Errorf("market projection: %w", err)
		}
	}
	pw.observe("market_stats", start)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (projection) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, watermarkName, u.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func (pw *ProjectionWorker) observe(projection string, start time.Time) {
	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues(projection).Observe(time.Since(start).Seconds())
	}
}

// RebuildBalances recomputes projections.balances from ledger.tx_records.
// Market stats are not rebuilt; they only feed dashboards.
func RebuildBalances(ctx context.Context, db *sql.DB, log zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `TRUNCATE projections.balances`); err != nil {
		return fmt.Errorf("truncate balances: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (address, balance, last_sequence, updated_at)
		SELECT address, SUM(delta), MAX(sequence), NOW()
		FROM (
			SELECT to_key AS address, amount AS delta, sequence FROM ledger.tx_records
			UNION ALL
			SELECT from_key AS address, -amount AS delta, sequence FROM ledger.tx_records
		) moves
		GROUP BY address
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection, last_sequence, updated_at)
		SELECT $1, COALESCE(MAX(sequence), 0), NOW() FROM ledger.applied_tx
		ON CONFLICT (projection) DO UPDATE SET last_sequence = EXCLUDED.last_sequence, updated_at = NOW()
	`, watermarkName); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	log.Info().Msg("projection rebuild complete")
	return nil
}
