package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// CommandTypeHeader names the command type of a message. When it is absent
// the last subject token is used instead.
const CommandTypeHeader = "Command-Type"

// RawCommand is an undecoded command from NATS, ready for the dispatcher to
// parse and hand to the processor.
type RawCommand struct {
	Subject   string
	Type      string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // processed (applied or rejected); never redeliver
	NakFunc   func() // not processed; redeliver later
	TermFunc  func() // undecodable; never redeliver
}

// SubscriberConfig names the command stream and its durable consumer.
type SubscriberConfig struct {
	Stream       string
	Subject      string
	ConsumerName string
}

// CommandSubscriber consumes commands from a JetStream stream.
type CommandSubscriber struct {
	js       jetstream.JetStream
	out      chan<- RawCommand
	logger   zerolog.Logger
	consumer jetstream.ConsumeContext
}

func NewCommandSubscriber(js jetstream.JetStream, out chan<- RawCommand, logger zerolog.Logger) *CommandSubscriber {
	return &CommandSubscriber{js: js, out: out, logger: logger}
}

// Subscribe creates the durable consumer and starts delivery. Consumers use
// explicit ACK, max_deliver=5, ack_wait=30s. Commands must be applied in
// order, so at most one is in flight.
func (s *CommandSubscriber) Subscribe(ctx context.Context, cfg SubscriberConfig) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, cfg.Stream, jetstream.ConsumerConfig{
		Durable:       cfg.ConsumerName,
		FilterSubject: cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		MaxAckPending: 1,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		raw := RawCommand{
			Subject:   msg.Subject(),
			Data:      msg.Data(),
			Timestamp: time.Now(),
			AckFunc:   func() { _ = msg.Ack() },
			NakFunc:   func() { _ = msg.NakWithDelay(time.Second) },
			TermFunc:  func() { _ = msg.Term() },
		}
		if h := msg.Headers(); h != nil {
			raw.Type = h.Get(CommandTypeHeader)
		}

		select {
		case s.out <- raw:
		case <-ctx.Done():
			_ = msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
	}
	s.consumer = cc

	s.logger.Info().
		Str("subject", cfg.Subject).
		Str("consumer", cfg.ConsumerName).
		Msg("subscribed to commands")
	return nil
}

// Stop stops delivery.
func (s *CommandSubscriber) Stop() {
	if s.consumer != nil {
		s.consumer.Stop()
	}
	s.logger.Info().Msg("command subscriber stopped")
}

// EnsureStream creates a stream if it doesn't exist. Streams use
// FileStorage, retention=Limits, max_age=72h.
func EnsureStream(ctx context.Context, js jetstream.JetStream, name string, subjects []string, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  subjects,
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", name, err)
	}
	logger.Info().Str("stream", name).Strs("subjects", subjects).Msg("ensured stream")
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("safety-module"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
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
