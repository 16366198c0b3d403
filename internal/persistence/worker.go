package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"PredictLedger/internal/core"
	"PredictLedger/internal/observability"
)

// batchWriter is the part of AuditLogWriter the worker needs.
type batchWriter interface {
	WriteBatch(ctx context.Context, b *Batch) (stage string, err error)
}

// Checkpointer saves engine state covering a sequence. The worker calls it
// before each audit batch so the audit log never runs ahead of the newest
// snapshot that recovery can load.
type Checkpointer interface {
	CheckpointThrough(ctx context.Context, seq int64) error
}

// PersistenceWorker drains the persist channel and batch-writes the audit
// log. The engine sends on that channel with a blocking send, so when this
// worker falls behind the engine stalls and no output is lost.
type PersistenceWorker struct {
	writer       batchWriter
	inputChan    <-chan core.CoreOutput
	checkpoint   Checkpointer
	batchSize    int
	flushTimeout time.Duration
	maxBackoff   time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger
}

func NewPersistenceWorker(
	writer batchWriter,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *PersistenceWorker {
	return &PersistenceWorker{
		writer:       writer,
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		maxBackoff:   30 * time.Second,
		metrics:      metrics,
		log:          log,
	}
}

// WithCheckpoint installs c to run ahead of every batch write.
func (pw *PersistenceWorker) WithCheckpoint(c Checkpointer) *PersistenceWorker {
	pw.checkpoint = c
	return pw
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. It returns when ctx is cancelled or the channel
// is closed, after a final flush.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := &Batch{
		Applied: make([]AppliedTxRow, 0, pw.batchSize),
		Records: make([]TxRecordRow, 0, pw.batchSize*2),
		Recipes: make([]RecipeRow, 0, pw.batchSize*2),
	}

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if batch.Len() > 0 {
				if err := pw.flush(context.Background(), batch); err != nil {
					pw.log.Error().Err(err).Int("outputs", batch.Len()).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				if batch.Len() > 0 {
					if err := pw.flush(context.Background(), batch); err != nil {
						pw.log.Error().Err(err).Int("outputs", batch.Len()).Msg("final flush failed")
					}
				}
				return nil
			}

			if err := batch.Add(output); err != nil {
				pw.log.Error().Err(err).Msg("unencodable output skipped")
				if pw.metrics != nil {
					pw.metrics.PersistErrors.WithLabelValues("encode").Inc()
				}
				continue
			}

			if batch.Len() >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.log.Error().Err(err).Msg("batch flush failed after retries")
				}
				batch.Reset()
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if batch.Len() > 0 {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.log.Error().Err(err).Msg("timeout flush failed after retries")
				}
				batch.Reset()
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled, in which case one last attempt is made without it.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch *Batch) error {
	backoff := 100 * time.Millisecond

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("outputs", batch.Len()).
				Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				return pw.flush(context.Background(), batch)
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > pw.maxBackoff {
				backoff = pw.maxBackoff
			}
		}

		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				pw.log.Info().Int("retries", attempt).Msg("persistence flush succeeded after retries")
			}
			return nil
		}
		pw.log.Warn().Err(err).Int64("last_sequence", batch.LastSequence()).Msg("persistence flush failed")
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, batch *Batch) error {
	start := time.Now()

	if pw.checkpoint != nil {
		if err := pw.checkpoint.CheckpointThrough(ctx, batch.LastSequence()); err != nil {
			if pw.metrics != nil {
				pw.metrics.PersistErrors.WithLabelValues("checkpoint").Inc()
			}
			return fmt.Errorf("checkpoint through %d: %w", batch.LastSequence(), err)
		}
	}

	stage, err := pw.writer.WriteBatch(ctx, batch)
	if err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
		}
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(batch.Len()))
		pw.metrics.PersistTxWritten.Add(float64(batch.Len()))
		pw.metrics.PersistRecipesWritten.Add(float64(len(batch.Recipes)))
		pw.metrics.PersistLastSequence.Set(float64(batch.LastSequence()))
	}
	return nil
}
