package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
    sequence   INTEGER PRIMARY KEY,
    state_hash TEXT    NOT NULL,
    data       BLOB    NOT NULL,
    size_bytes INTEGER NOT NULL,
    created_at INTEGER NOT NULL
);
`

// SQLiteSnapshotStore keeps snapshots in an embedded SQLite file, for
// single-node deployments without Postgres.
type SQLiteSnapshotStore struct {
	db   *sql.DB
	keep int
}

// NewSQLiteSnapshotStore opens (or creates) the database at path. keep is
// how many snapshots to retain; 0 keeps all.
func NewSQLiteSnapshotStore(path string, keep int) (*SQLiteSnapshotStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite snapshot store: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite snapshot store: apply schema: %w", err)
	}
	return &SQLiteSnapshotStore{db: db, keep: keep}, nil
}

func (s *SQLiteSnapshotStore) Name() string { return "sqlite" }

func (s *SQLiteSnapshotStore) SaveSnapshot(ctx context.Context, rec SnapshotRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (sequence, state_hash, data, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(sequence) DO UPDATE SET
			state_hash = excluded.state_hash,
			data       = excluded.data,
			size_bytes = excluded.size_bytes`,
		rec.Sequence, rec.StateHash, rec.Data, len(rec.Data), rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("sqlite snapshot store: save %d: %w", rec.Sequence, err)
	}
	if s.keep > 0 {
		if _, err := s.db.ExecContext(ctx, `
			DELETE FROM snapshots WHERE sequence NOT IN (
				SELECT sequence FROM snapshots ORDER BY sequence DESC LIMIT ?
			)`, s.keep); err != nil {
			return fmt.Errorf("sqlite snapshot store: prune: %w", err)
		}
	}
	return nil
}

func (s *SQLiteSnapshotStore) LoadLatestSnapshot(ctx context.Context) (*SnapshotRecord, error) {
	var rec SnapshotRecord
	var created int64
	err := s.db.QueryRowContext(ctx, `
		SELECT sequence, state_hash, data, created_at FROM snapshots
		ORDER BY sequence DESC LIMIT 1`,
	).Scan(&rec.Sequence, &rec.StateHash, &rec.Data, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite snapshot store: load: %w", err)
	}
	rec.CreatedAt = time.Unix(0, created).UTC()
	return &rec, nil
}

// Count returns how many snapshots are retained.
func (s *SQLiteSnapshotStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots`).Scan(&n)
	return n, err
}

func (s *SQLiteSnapshotStore) Close() error {
	return s.db.Close()
}
