package lane

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/envelope"
	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/metrics"
)

// EnsureStreams creates the lane and dead-letter streams when they do not
// exist yet. Creation is idempotent so every instance can run it at startup.
func EnsureStreams(js nats.JetStreamContext, cfg Config) error {
	cfg = cfg.withDefaults()

	configs := []*nats.StreamConfig{
		{
			Name:       StreamOrdered,
			Subjects:   []string{"relay.ordered.>"},
			Retention:  nats.WorkQueuePolicy,
			Storage:    nats.FileStorage,
			Duplicates: cfg.DedupWindow,
			MaxAge:     24 * time.Hour,
		},
		{
			Name:       StreamFast,
			Subjects:   []string{"relay.fast.>"},
			Retention:  nats.WorkQueuePolicy,
			Storage:    nats.FileStorage,
			Duplicates: cfg.DedupWindow,
			MaxAge:     24 * time.Hour,
		},
		{
			Name:      StreamDLQ,
			Subjects:  []string{"relay.dlq.>"},
			Retention: nats.LimitsPolicy,
			Storage:   nats.FileStorage,
			MaxAge:    14 * 24 * time.Hour,
		},
	}

	for _, sc := range configs {
		if _, err := js.StreamInfo(sc.Name); err == nil {
			continue
		} else if !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("inspect stream %s: %w", sc.Name, err)
		}
		if _, err := js.AddStream(sc); err != nil {
			return fmt.Errorf("create stream %s: %w", sc.Name, err)
		}
	}
	return nil
}

// token renders an arbitrary id as a single legal subject token.
func token(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

func orderedSubject(groupID string) string {
	return "relay.ordered." + token(groupID)
}

func fastSubject(chatID string) string {
	return "relay.fast." + token(chatID)
}

func dlqSubject(lane string) string {
	return "relay.dlq." + lane
}

// Publisher enqueues stamped envelopes into their lane's stream. Enqueue
// returns only after the substrate has confirmed durability, which is the
// signal the ACK protocol waits for.
type Publisher struct {
	js  nats.JetStreamContext
	log zerolog.Logger
	met *metrics.Registry
}

func NewPublisher(js nats.JetStreamContext, log zerolog.Logger, met *metrics.Registry) *Publisher {
	return &Publisher{
		js:  js,
		log: log.With().Str("component", "lane").Logger(),
		met: met,
	}
}

// Enqueue routes by message type. Ordered publishes carry a content-derived
// message id so the duplicate window collapses identical payloads within a
// group; fast publishes carry the envelope's own id.
func (p *Publisher) Enqueue(ctx context.Context, env *envelope.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}

	var subject, msgID string
	switch env.MessageType {
	case envelope.TypeOrdered:
		subject = orderedSubject(env.GroupID)
		msgID = env.DedupID()
	default:
		subject = fastSubject(env.ChatID)
		msgID = env.MessageID
	}

	ack, err := p.js.Publish(subject, data, nats.MsgId(msgID), nats.Context(ctx))
	if err != nil {
		return wrapUnavailable("enqueue", err)
	}
	if ack.Duplicate {
		p.log.Debug().
			Str("message_id", env.MessageID).
			Str("group_id", env.GroupID).
			Msg("duplicate publish collapsed by dedup window")
	}
	p.met.MessagesPublished.WithLabelValues(string(env.MessageType)).Inc()
	return nil
}
