package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"PredictLedger/internal/observability"
)

const (
	IntakeStream   = "PREDICT_TX"
	IntakeConsumer = "ledger-intake"
)

// Submission is one message pulled from the intake stream, ready for the
// intake loop to parse and apply.
type Submission struct {
	Subject  string
	Data     []byte
	Received time.Time

	// Ack settles the message after the engine produced a definitive
	// result, applied or rejected.
	Ack func()
	// Nak asks for redelivery after delay.
	Nak func(delay time.Duration)
	// Term drops a message that can never succeed.
	Term func()
}

// EnvelopeSubscriber consumes signed envelopes from JetStream and queues
// them for the intake loop.
type EnvelopeSubscriber struct {
	js       jetstream.JetStream
	out      chan<- Submission
	metrics  *observability.Metrics
	log      zerolog.Logger
	consumer jetstream.ConsumeContext
}

func NewEnvelopeSubscriber(js jetstream.JetStream, out chan<- Submission, metrics *observability.Metrics, log zerolog.Logger) *EnvelopeSubscriber {
	return &EnvelopeSubscriber{
		js:      js,
		out:     out,
		metrics: metrics,
		log:     log,
	}
}

// Subscribe creates the durable intake consumer and starts delivery.
// The consumer uses explicit ACK, max_deliver=5, ack_wait=30s.
func (s *EnvelopeSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, IntakeStream, jetstream.ConsumerConfig{
		Durable:       IntakeConsumer,
		FilterSubject: SubjectPrefix + ">",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", IntakeConsumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		now := time.Now()
		if md, err := msg.Metadata(); err == nil && s.metrics != nil {
			s.metrics.NATSPullLatency.WithLabelValues(msg.Subject()).Observe(now.Sub(md.Timestamp).Seconds())
		}

		sub := Submission{
			Subject:  msg.Subject(),
			Data:     msg.Data(),
			Received: now,
			Ack:      func() { _ = msg.Ack() },
			Nak:      func(d time.Duration) { _ = msg.NakWithDelay(d) },
			Term:     func() { _ = msg.Term() },
		}

		select {
		case s.out <- sub:
		case <-ctx.Done():
			_ = msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", IntakeConsumer, err)
	}

	s.consumer = cc
	s.log.Info().Str("subject", SubjectPrefix+">").Str("consumer", IntakeConsumer).Msg("subscribed")
	return nil
}

// Stop stops delivery. Messages already queued are still processed.
func (s *EnvelopeSubscriber) Stop() {
	if s.consumer != nil {
		s.consumer.Stop()
	}
	s.log.Info().Msg("envelope subscriber stopped")
}

// EnsureStreams creates the intake and outbound streams if they don't exist.
// Both use FileStorage, retention=Limits, max_age=72h. The intake stream
// deduplicates on Nats-Msg-Id for two minutes.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:       IntakeStream,
			Subjects:   []string{SubjectPrefix + ">"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Duplicates: 2 * time.Minute,
			Replicas:   1,
		},
		{
			Name:      OutboundStream,
			Subjects:  []string{OutboundPrefix + ">"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("predictledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
