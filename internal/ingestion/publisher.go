package ingestion

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"PredictLedger/internal/core"
)

const (
	OutboundStream = "PREDICT_LEDGER_EVENTS"
	OutboundPrefix = "predict.ledger."
)

// streamPublisher is the part of jetstream.JetStream the publisher needs.
type streamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// ReceiptMessage is published to predict.ledger.receipts.<tx_type>.
type ReceiptMessage struct {
	Receipt   *core.Receipt `json:"receipt"`
	StateHash string        `json:"state_hash"`
	Events    []core.Event  `json:"events,omitempty"`
}

// OutboundPublisher publishes receipts and engine events for downstream
// consumers. It reads the engine's non-blocking publish channel, so a slow
// broker costs dropped messages, never engine latency.
type OutboundPublisher struct {
	js        streamPublisher
	inputChan <-chan core.CoreOutput
	log       zerolog.Logger
}

func NewOutboundPublisher(js streamPublisher, inputChan <-chan core.CoreOutput, log zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		log:       log,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if out.Receipt == nil {
				continue
			}
			if err := op.publish(ctx, out); err != nil {
				// Non-fatal: downstream consumers can read the audit log directly.
				op.log.Warn().Err(err).Int64("sequence", out.Receipt.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, out core.CoreOutput) error {
	seq := out.Receipt.Sequence

	data, err := json.Marshal(ReceiptMessage{
		Receipt:   out.Receipt,
		StateHash: out.Receipt.StateHash,
		Events:    out.Events,
	})
	if err != nil {
		return fmt.Errorf("marshal receipt: %w", err)
	}
	if _, err := op.js.Publish(ctx, ReceiptSubject(out.Receipt), data,
		jetstream.WithMsgID(fmt.Sprintf("receipt-%d", seq))); err != nil {
		return fmt.Errorf("publish receipt: %w", err)
	}

	for i, ev := range out.Events {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", ev.Kind, err)
		}
		if _, err := op.js.Publish(ctx, EventSubject(ev), data,
			jetstream.WithMsgID(fmt.Sprintf("event-%d-%d", seq, i))); err != nil {
			return fmt.Errorf("publish event %s: %w", ev.Kind, err)
		}
	}
	return nil
}

// ReceiptSubject is predict.ledger.receipts.<tx_type>.
func ReceiptSubject(r *core.Receipt) string {
	return OutboundPrefix + "receipts." + r.TxType.String()
}

// EventSubject is predict.ledger.events.<kind>, suffixed with the market id
// for market events.
func EventSubject(ev core.Event) string {
	subject := OutboundPrefix + "events." + string(ev.Kind)
	if ev.MarketID != "" {
		subject += "." + ev.MarketID
	}
	return subject
}
