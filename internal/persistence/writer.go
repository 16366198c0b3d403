package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"PredictLedger/internal/core"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// AuditLogWriter writes applied transactions, token movements and recipes
// to Postgres using multi-row INSERTs. Every insert is idempotent on its
// primary key so a retried batch is harmless.
type AuditLogWriter struct {
	db *sql.DB
}

// AppliedTxRow is a row in ledger.applied_tx.
type AppliedTxRow struct {
	Sequence  int64
	TxID      string
	TxType    string
	Sender    string
	Nonce     uint64
	Digest    sql.NullString
	StateHash string
	Receipt   []byte // JSON-encoded core.Receipt
	Envelope  []byte // JSON-encoded envelope, nil for direct operations
}

// TxRecordRow is a row in ledger.tx_records.
type TxRecordRow struct {
	Sequence  int64
	Position  int
	From      string
	To        string
	Amount    int64
	Kind      string
	Timestamp int64
}

// RecipeRow is a row in ledger.recipes.
type RecipeRow struct {
	RecipeID    string
	Sequence    int64
	Kind        string
	Account     string
	Address     string
	Amount      int64
	Description string
	RelatedID   sql.NullString
	Timestamp   int64
	Metadata    []byte
}

// Batch is everything one flush writes.
type Batch struct {
	Applied []AppliedTxRow
	Records []TxRecordRow
	Recipes []RecipeRow
}

func (b *Batch) Len() int { return len(b.Applied) }

func (b *Batch) Reset() {
	b.Applied = b.Applied[:0]
	b.Records = b.Records[:0]
	b.Recipes = b.Recipes[:0]
}

// LastSequence is the highest sequence in the batch, 0 when empty.
func (b *Batch) LastSequence() int64 {
	if len(b.Applied) == 0 {
		return 0
	}
	return b.Applied[len(b.Applied)-1].Sequence
}

// Add converts one engine output into rows.
func (b *Batch) Add(out core.CoreOutput) error {
	rec := out.Receipt
	if rec == nil {
		return fmt.Errorf("output has no receipt")
	}
	receipt, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal receipt %d: %w", rec.Sequence, err)
	}
	var envelope []byte
	if out.Envelope != nil {
		if envelope, err = json.Marshal(out.Envelope); err != nil {
			return fmt.Errorf("marshal envelope %d: %w", rec.Sequence, err)
		}
	}

	b.Applied = append(b.Applied, AppliedTxRow{
		Sequence:  rec.Sequence,
		TxID:      rec.TxID,
		TxType:    rec.TxType.String(),
		Sender:    rec.Sender,
		Nonce:     rec.NonceUsed,
		Digest:    sql.NullString{String: rec.Digest, Valid: rec.Digest != ""},
		StateHash: rec.StateHash,
		Receipt:   receipt,
		Envelope:  envelope,
	})

	for i, t := range out.Transactions {
		b.Records = append(b.Records, TxRecordRow{
			Sequence:  rec.Sequence,
			Position:  i,
			From:      t.From,
			To:        t.To,
			Amount:    t.Amount,
			Kind:      string(t.Kind),
			Timestamp: t.Timestamp,
		})
	}

	for _, r := range out.Recipes {
		var meta []byte
		if len(r.Metadata) > 0 {
			if meta, err = json.Marshal(r.Metadata); err != nil {
				return fmt.Errorf("marshal recipe metadata %s: %w", r.ID, err)
			}
		}
		b.Recipes = append(b.Recipes, RecipeRow{
			RecipeID:    r.ID,
			Sequence:    rec.Sequence,
			Kind:        string(r.Kind),
			Account:     r.Account,
			Address:     r.Address,
			Amount:      r.Amount,
			Description: r.Description,
			RelatedID:   sql.NullString{String: r.RelatedID, Valid: r.RelatedID != ""},
			Timestamp:   r.Timestamp,
			Metadata:    meta,
		})
	}
	return nil
}

func NewAuditLogWriter(db *sql.DB) *AuditLogWriter {
	return &AuditLogWriter{db: db}
}

// WriteBatch writes every table of b inside one database transaction.
func (w *AuditLogWriter) WriteBatch(ctx context.Context, b *Batch) (stage string, err error) {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return "tx_begin", err
	}
	defer tx.Rollback()

	if err := w.WriteAppliedBatch(ctx, tx, b.Applied); err != nil {
		return "write_applied", err
	}
	if err := w.WriteTxRecordBatch(ctx, tx, b.Records); err != nil {
		return "write_tx_records", err
	}
	if err := w.WriteRecipeBatch(ctx, tx, b.Recipes); err != nil {
		return "write_recipes", err
	}
	if err := tx.Commit(); err != nil {
		return "tx_commit", err
	}
	return "", nil
}

// WriteAppliedBatch writes ledger.applied_tx rows.
func (w *AuditLogWriter) WriteAppliedBatch(ctx context.Context, ex execer, rows []AppliedTxRow) error {
	if len(rows) == 0 {
		return nil
	}
	const cols = 9
	args := make([]any, 0, len(rows)*cols)
	for _, r := range rows {
		var envelope any
		if r.Envelope != nil {
			envelope = r.Envelope
		}
		args = append(args,
			r.Sequence, r.TxID, r.TxType, r.Sender, int64(r.Nonce),
			r.Digest, r.StateHash, r.Receipt, envelope,
		)
	}
	query := `INSERT INTO ledger.applied_tx
		(sequence, tx_id, tx_type, sender, nonce, digest, state_hash, receipt, envelope)
		VALUES ` + placeholders(len(rows), cols) + ` ON CONFLICT (sequence) DO NOTHING`
	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteTxRecordBatch writes ledger.tx_records rows.
func (w *AuditLogWriter) WriteTxRecordBatch(ctx context.Context, ex execer, rows []TxRecordRow) error {
	if len(rows) == 0 {
		return nil
	}
	const cols = 7
	args := make([]any, 0, len(rows)*cols)
	for _, r := range rows {
		args = append(args, r.Sequence, r.Position, r.From, r.To, r.Amount, r.Kind, r.Timestamp)
	}
	query := `INSERT INTO ledger.tx_records
		(sequence, position, from_key, to_key, amount, kind, timestamp)
		VALUES ` + placeholders(len(rows), cols) + ` ON CONFLICT (sequence, position) DO NOTHING`
	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteRecipeBatch writes ledger.recipes rows.
func (w *AuditLogWriter) WriteRecipeBatch(ctx context.Context, ex execer, rows []RecipeRow) error {
	if len(rows) == 0 {
		return nil
	}
	const cols = 10
	args := make([]any, 0, len(rows)*cols)
	for _, r := range rows {
		var meta any
		if r.Metadata != nil {
			meta = r.Metadata
		}
		args = append(args,
			r.RecipeID, r.Sequence, r.Kind, r.Account, r.Address,
			r.Amount, r.Description, r.RelatedID, r.Timestamp, meta,
		)
	}
	query := `INSERT INTO ledger.recipes
		(recipe_id, sequence, kind, account, address, amount, description, related_id, timestamp, metadata)
		VALUES ` + placeholders(len(rows), cols) + ` ON CONFLICT (recipe_id) DO NOTHING`
	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// LatestSequence returns the highest persisted sequence, 0 for an empty log.
func (w *AuditLogWriter) LatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := w.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM ledger.applied_tx`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// placeholders renders "($1, $2), ($3, $4)" for rows x cols.
func placeholders(rows, cols int) string {
	var sb strings.Builder
	n := 1
	for i := 0; i < rows; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for j := 0; j < cols; j++ {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", n)
			n++
		}
		sb.WriteByte(')')
	}
	return sb.String()
}
