package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PredictLedger/internal/core"
	"PredictLedger/internal/observability"
)

// SnapshotRecord is one stored engine snapshot. Data is the JSON container
// produced by the engine.
type SnapshotRecord struct {
	Sequence  int64
	StateHash string
	Data      []byte
	CreatedAt time.Time
}

// SnapshotStore saves and loads engine snapshots.
type SnapshotStore interface {
	Name() string
	SaveSnapshot(ctx context.Context, rec SnapshotRecord) error
	// LoadLatestSnapshot returns nil, nil when nothing is stored.
	LoadLatestSnapshot(ctx context.Context) (*SnapshotRecord, error)
}

// EncodeSnapshot turns an engine state into a storable record.
func EncodeSnapshot(state *core.SnapshotState, now time.Time) (SnapshotRecord, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	return SnapshotRecord{
		Sequence:  state.Sequence,
		StateHash: state.StateHash,
		Data:      data,
		CreatedAt: now.UTC(),
	}, nil
}

// LoadNewest asks every store and returns the record with the highest
// sequence. A store that fails is logged and skipped.
func LoadNewest(ctx context.Context, log zerolog.Logger, stores ...SnapshotStore) (*SnapshotRecord, string) {
	var best *SnapshotRecord
	var from string
	for _, s := range stores {
		if s == nil {
			continue
		}
		rec, err := s.LoadLatestSnapshot(ctx)
		if err != nil {
			log.Warn().Err(err).Str("backend", s.Name()).Msg("snapshot load failed")
			continue
		}
		if rec != nil && (best == nil || rec.Sequence > best.Sequence) {
			best, from = rec, s.Name()
		}
	}
	return best, from
}

// ---------------------------------------------------------------------------
// Postgres
// ---------------------------------------------------------------------------

// PostgresSnapshotStore keeps snapshots in ledger.snapshots.
type PostgresSnapshotStore struct {
	db *sql.DB
}

func NewPostgresSnapshotStore(db *sql.DB) *PostgresSnapshotStore {
	return &PostgresSnapshotStore{db: db}
}

func (s *PostgresSnapshotStore) Name() string { return "postgres" }

// SaveSnapshot upserts by sequence.
func (s *PostgresSnapshotStore) SaveSnapshot(ctx context.Context, rec SnapshotRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), rec.Sequence, rec.Data, rec.StateHash, core.SnapshotVersion, len(rec.Data), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("save snapshot %d: %w", rec.Sequence, err)
	}
	return nil
}

func (s *PostgresSnapshotStore) LoadLatestSnapshot(ctx context.Context) (*SnapshotRecord, error) {
	var rec SnapshotRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT sequence, state_hash, data, created_at FROM ledger.snapshots
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&rec.Sequence, &rec.StateHash, &rec.Data, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return &rec, nil
}

// ---------------------------------------------------------------------------
// Periodic snapshotter
// ---------------------------------------------------------------------------

// snapshotSource is the engine surface the snapshotter reads.
type snapshotSource interface {
	CreateSnapshotState() *core.SnapshotState
}

// Snapshotter writes the engine state to a primary store on an interval and
// copies each snapshot to the archive stores. Unchanged sequences are
// skipped. It also serves as the persistence worker's Checkpointer.
type Snapshotter struct {
	mu       sync.Mutex
	source   snapshotSource
	primary  SnapshotStore
	archives []SnapshotStore
	interval time.Duration
	metrics  *observability.Metrics
	log      zerolog.Logger
	now      func() time.Time

	lastSequence int64
}

func NewSnapshotter(
	source snapshotSource,
	primary SnapshotStore,
	archives []SnapshotStore,
	interval time.Duration,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Snapshotter {
	return &Snapshotter{
		source:       source,
		primary:      primary,
		archives:     archives,
		interval:     interval,
		metrics:      metrics,
		log:          log,
		now:          time.Now,
		lastSequence: -1,
	}
}

// Run takes a snapshot every interval and a final one on shutdown.
func (s *Snapshotter) Run(ctx context.Context) error {
	if s.interval <= 0 {
		return fmt.Errorf("snapshot interval must be positive, got %s", s.interval)
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if _, err := s.TakeSnapshot(shutdownCtx); err != nil {
				s.log.Error().Err(err).Msg("final snapshot failed")
			}
			cancel()
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.TakeSnapshot(ctx); err != nil {
				s.log.Error().Err(err).Msg("snapshot failed")
			}
		}
	}
}

// TakeSnapshot saves the current state. It reports false when the sequence
// has not moved since the last save.
func (s *Snapshotter) TakeSnapshot(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.takeLocked(ctx)
}

// CheckpointThrough makes sure the primary store holds a snapshot at or
// past seq. The engine emits an output only after committing it, so a
// fresh snapshot always covers every output already received.
func (s *Snapshotter) CheckpointThrough(ctx context.Context, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSequence >= seq {
		return nil
	}
	if _, err := s.takeLocked(ctx); err != nil {
		return err
	}
	if s.lastSequence < seq {
		return fmt.Errorf("snapshot at sequence %d does not cover %d", s.lastSequence, seq)
	}
	return nil
}

func (s *Snapshotter) takeLocked(ctx context.Context) (bool, error) {
	start := time.Now()
	state := s.source.CreateSnapshotState()
	if state.Sequence == s.lastSequence {
		return false, nil
	}

	rec, err := EncodeSnapshot(state, s.now())
	if err != nil {
		return false, err
	}

	if s.primary != nil {
		if err := s.primary.SaveSnapshot(ctx, rec); err != nil {
			return false, err
		}
		s.record(s.primary.Name())
	}
	for _, a := range s.archives {
		if err := a.SaveSnapshot(ctx, rec); err != nil {
			s.log.Warn().Err(err).Str("backend", a.Name()).Int64("sequence", rec.Sequence).Msg("snapshot archive failed")
			continue
		}
		s.record(a.Name())
	}

	s.lastSequence = rec.Sequence
	if s.metrics != nil {
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotSizeBytes.Set(float64(len(rec.Data)))
		s.metrics.SnapshotLastSeq.Set(float64(rec.Sequence))
	}
	s.log.Info().Int64("sequence", rec.Sequence).Int("bytes", len(rec.Data)).Msg("snapshot saved")
	return true, nil
}

func (s *Snapshotter) record(backend string) {
	if s.metrics != nil {
		s.metrics.SnapshotTaken.WithLabelValues(backend).Inc()
	}
}
