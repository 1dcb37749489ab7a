package ingestion

import (
	"context"
	"fmt"

	"SafetyLedger/internal/core"
	"SafetyLedger/internal/event"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// EventPublisher publishes domain events of applied commands to NATS for
// downstream consumers. Subjects follow {prefix}.{event_type}. Publication
// is best-effort; consumers that miss events read event_log.domain_events.
type EventPublisher struct {
	js        jetstream.JetStream
	prefix    string
	inputChan <-chan core.CoreOutput
	logger    zerolog.Logger
}

func NewEventPublisher(js jetstream.JetStream, prefix string, inputChan <-chan core.CoreOutput, logger zerolog.Logger) *EventPublisher {
	return &EventPublisher{
		js:        js,
		prefix:    prefix,
		inputChan: inputChan,
		logger:    logger,
	}
}

// Run starts the publisher loop.
func (p *EventPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-p.inputChan:
			if !ok {
				return nil
			}
			if err := p.Publish(ctx, out); err != nil {
				p.logger.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("event publish failed")
			}
		}
	}
}

// Publish sends every event of out. The message id makes redelivery after a
// restart idempotent on the stream.
func (p *EventPublisher) Publish(ctx context.Context, out core.CoreOutput) error {
	msgs, err := EventMessages(p.prefix, out)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if _, err := p.js.Publish(ctx, m.Subject, m.Data, jetstream.WithMsgID(m.ID)); err != nil {
			return fmt.Errorf("publish %s: %w", m.Subject, err)
		}
	}
	return nil
}

// EventMessage is one outbound NATS message.
type EventMessage struct {
	Subject string
	ID      string
	Data    []byte
}

// EventMessages encodes the events of an output. Rejected commands have none.
func EventMessages(prefix string, out core.CoreOutput) ([]EventMessage, error) {
	env := out.Envelope
	if env == nil || !env.Applied() {
		return nil, nil
	}
	msgs := make([]EventMessage, 0, len(out.Events))
	for i, e := range out.Events {
		data, err := event.Marshal(e, env.Sequence, env.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("marshal event: %w", err)
		}
		msgs = append(msgs, EventMessage{
			Subject: prefix + "." + e.EventType().String(),
			ID:      fmt.Sprintf("%d-%d", env.Sequence, i),
			Data:    data,
		})
	}
	return msgs, nil
}
