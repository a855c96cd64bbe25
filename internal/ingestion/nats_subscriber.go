package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"SynthLedger/internal/core"
	"SynthLedger/internal/observability"
	"SynthLedger/internal/oracle"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// RawMessage is an undecoded message from NATS with its acknowledgement hooks.
type RawMessage struct {
	Subject  string
	Data     []byte
	Received time.Time
	Ack      func() // processed, do not redeliver
	Nak      func() // transient failure, redeliver
	Term     func() // poison message, never redeliver
}

// SubjectConfig binds a subject filter to a durable consumer.
type SubjectConfig struct {
	Subject      string
	ConsumerName string
	StreamName   string
}

var (
	CommandSubjects = SubjectConfig{Subject: CommandSubjectPrefix + ">", ConsumerName: "ledger-commands", StreamName: "SYNTH_COMMANDS"}
	PriceSubjects   = SubjectConfig{Subject: PriceSubjectPrefix + ">", ConsumerName: "ledger-prices", StreamName: "SYNTH_PRICES"}
)

// NATSSubscriber creates JetStream consumers and forwards their messages to
// processing channels.
type NATSSubscriber struct {
	js        jetstream.JetStream
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

func NewNATSSubscriber(js jetstream.JetStream) *NATSSubscriber {
	return &NATSSubscriber{
		js:     js,
		logger: observability.NewLogger("nats"),
	}
}

// Subscribe creates a durable consumer for cfg and forwards messages to sink.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, cfg SubjectConfig, sink chan<- RawMessage) error {
	consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
		Durable:       cfg.ConsumerName,
		FilterSubject: cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		raw := RawMessage{
			Subject:  msg.Subject(),
			Data:     msg.Data(),
			Received: time.Now(),
			Ack:      func() { msg.Ack() },
			Nak:      func() { msg.Nak() },
			Term:     func() { msg.Term() },
		}

		select {
		case sink <- raw:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
	}

	ns.consumers = append(ns.consumers, cc)
	ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// EnsureStreams creates the inbound command and price streams.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	logger := observability.NewLogger("nats")
	streams := []jetstream.StreamConfig{
		{
			Name:      CommandSubjects.StreamName,
			Subjects:  []string{CommandSubjects.Subject},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			// only the latest price per asset matters
			Name:              PriceSubjects.StreamName,
			Subjects:          []string{PriceSubjects.Subject},
			Storage:           jetstream.FileStorage,
			Retention:         jetstream.LimitsPolicy,
			MaxMsgsPerSubject: 1,
			Replicas:          1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	logger := observability.NewLogger("nats")
	nc, err := nats.Connect(url,
		nats.Name("synthledger"),
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

// CommandProcessor decodes command messages and dispatches them to the engine.
type CommandProcessor struct {
	dispatcher *Dispatcher
	units      Units
	logger     zerolog.Logger
}

func NewCommandProcessor(dispatcher *Dispatcher, units Units) *CommandProcessor {
	return &CommandProcessor{
		dispatcher: dispatcher,
		units:      units,
		logger:     observability.NewLogger("command-consumer"),
	}
}

// Run processes messages until ctx is cancelled or in is closed.
func (cp *CommandProcessor) Run(ctx context.Context, in <-chan RawMessage) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			cp.Handle(ctx, msg)
		}
	}
}

// Handle processes one message. Malformed messages are terminated, engine
// rejections are acknowledged because replaying them gives the same answer,
// and failures to reach the engine are redelivered.
func (cp *CommandProcessor) Handle(ctx context.Context, msg RawMessage) {
	cmd, err := ParseCommand(msg.Subject, msg.Data, cp.units)
	if err != nil {
		cp.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping malformed command")
		msg.Term()
		return
	}

	res, err := cp.dispatcher.Dispatch(ctx, "nats", cmd)
	switch {
	case err == nil:
		cp.logger.Debug().
			Str("operation", cmd.Operation()).
			Str("request_id", cmd.RequestID()).
			Bool("duplicate", res.Duplicate).
			Int64("sequence", res.Sequence).
			Msg("command applied")
		msg.Ack()
	case isTransient(err):
		cp.logger.Warn().Err(err).Str("request_id", cmd.RequestID()).Msg("command not processed, redelivering")
		msg.Nak()
	default:
		cp.logger.Info().Err(err).
			Str("operation", cmd.Operation()).
			Str("request_id", cmd.RequestID()).
			Msg("command rejected")
		msg.Ack()
	}
}

func isTransient(err error) bool {
	return errors.Is(err, core.ErrRunnerStopped) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// PriceProcessor applies pushed prices to the matching stream feeds.
type PriceProcessor struct {
	feeds   map[string]*oracle.StreamFeed
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewPriceProcessor(feeds map[string]*oracle.StreamFeed, metrics *observability.Metrics) *PriceProcessor {
	return &PriceProcessor{
		feeds:   feeds,
		metrics: metrics,
		logger:  observability.NewLogger("price-consumer"),
	}
}

// Run processes messages until ctx is cancelled or in is closed.
func (pp *PriceProcessor) Run(ctx context.Context, in <-chan RawMessage) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			pp.Handle(msg)
		}
	}
}

// Handle applies one price message. Every message is acknowledged; only the
// newest round per asset matters.
func (pp *PriceProcessor) Handle(msg RawMessage) {
	defer msg.Ack()

	asset, point, err := ParsePriceUpdate(msg.Subject, msg.Data)
	if err != nil {
		pp.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping malformed price")
		pp.count("unknown", "malformed")
		return
	}

	feed, ok := pp.feeds[asset]
	if !ok {
		pp.count(asset, "unknown_asset")
		return
	}

	if feed.Update(point) {
		pp.count(asset, "applied")
	} else {
		pp.count(asset, "stale_round")
	}
}

func (pp *PriceProcessor) count(asset, outcome string) {
	if pp.metrics != nil {
		pp.metrics.PriceUpdates.WithLabelValues(asset, outcome).Inc()
	}
}
