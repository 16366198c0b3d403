package ingestion

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"PredictLedger/internal/apperr"
	"PredictLedger/internal/core"
	"PredictLedger/internal/observability"
	"PredictLedger/internal/tx"
)

// Applier is the engine entry point the intake loop drives.
type Applier interface {
	ApplySigned(ctx context.Context, env *tx.SignedEnvelope) (*core.Receipt, error)
}

// Intake applies queued submissions one at a time and settles each
// message according to the outcome.
type Intake struct {
	engine  Applier
	limiter *SenderLimiter
	in      <-chan Submission
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewIntake(engine Applier, limiter *SenderLimiter, in <-chan Submission, metrics *observability.Metrics, log zerolog.Logger) *Intake {
	return &Intake{
		engine:  engine,
		limiter: limiter,
		in:      in,
		metrics: metrics,
		log:     log,
	}
}

// Run drains the submission channel until ctx is done or it is closed.
func (it *Intake) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sub, ok := <-it.in:
			if !ok {
				return nil
			}
			it.Handle(ctx, sub)
		}
	}
}

// Handle processes one submission.
//
//   - malformed messages are terminated, redelivery cannot fix them
//   - rate-limited senders are redelivered later
//   - applied and rejected transactions are acked; the nonce registry
//     rejects a redelivered duplicate anyway
//   - a halted engine or cancelled context leaves the message for redelivery
func (it *Intake) Handle(ctx context.Context, sub Submission) {
	env, err := ParseSubmission(sub.Subject, sub.Data)
	if err != nil {
		if it.metrics != nil {
			it.metrics.IngestMalformed.Inc()
		}
		it.log.Warn().Err(err).Str("subject", sub.Subject).Msg("dropping malformed submission")
		settle(sub.Term)
		return
	}

	if !it.limiter.Allow(env.SenderPubkey) {
		if sub.Nak != nil {
			sub.Nak(it.limiter.RetryAfter())
		}
		return
	}

	rec, err := it.engine.ApplySigned(ctx, env)
	if it.metrics != nil && !sub.Received.IsZero() {
		it.metrics.IngestToApply.WithLabelValues(env.TxType.String()).Observe(time.Since(sub.Received).Seconds())
	}
	switch {
	case err == nil:
		it.log.Debug().Int64("sequence", rec.Sequence).Str("tx_type", env.TxType.String()).Msg("applied")
		settle(sub.Ack)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded),
		apperr.Is(err, apperr.CodeInvariantViolation):
		if sub.Nak != nil {
			sub.Nak(time.Second)
		}
	default:
		it.log.Info().Err(err).Str("code", string(apperr.CodeOf(err))).
			Str("tx_type", env.TxType.String()).Msg("submission rejected")
		settle(sub.Ack)
	}
}

func settle(fn func()) {
	if fn != nil {
		fn()
	}
}
