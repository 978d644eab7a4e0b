// Package publish runs the shared ingress pipeline behind both the socket
// sendMessage frame and POST /publish: validate, authorize against the
// permission store, stamp broker identity, enqueue, and acknowledge the
// originating connection once the substrate confirms durability.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/envelope"
	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/metrics"
	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/permission"
	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/registry"
)

// ErrForbidden rejects publishes into chats the sender holds no grant for.
var ErrForbidden = errors.New("forbidden")

// Enqueuer hands a stamped envelope to the delivery substrate and returns
// once durability is confirmed.
type Enqueuer interface {
	Enqueue(ctx context.Context, env *envelope.Envelope) error
}

// Origin identifies where a publish came from. ConnectionID is empty on the
// HTTP path, which never receives ACK frames.
type Origin struct {
	UserID       string
	ConnectionID string
}

// Receipt reports the accepted publish back to the ingress handler.
type Receipt struct {
	MessageID   string
	MessageType envelope.Type
}

type Publisher struct {
	perms permission.Resolver
	queue Enqueuer
	acks  *PendingAcks
	reg   *registry.Registry
	log   zerolog.Logger
	met   *metrics.Registry
}

func New(perms permission.Resolver, queue Enqueuer, acks *PendingAcks, reg *registry.Registry, log zerolog.Logger, met *metrics.Registry) *Publisher {
	return &Publisher{
		perms: perms,
		queue: queue,
		acks:  acks,
		reg:   reg,
		log:   log.With().Str("component", "publish").Logger(),
		met:   met,
	}
}

// Publish validates and authorizes the request, then enqueues the resulting
// envelope. A missing permission row denies; a failing permission store
// surfaces its error untouched so the caller can answer retryable. When the
// request asked for an ACK and came over a socket, the confirmation frame
// goes out after the substrate accepts the message.
func (p *Publisher) Publish(ctx context.Context, req *envelope.PublishRequest, origin Origin) (Receipt, error) {
	if err := req.Validate(); err != nil {
		p.met.PublishRejected.WithLabelValues("invalid").Inc()
		return Receipt{}, err
	}

	allowed, err := p.perms.May(ctx, origin.UserID, req.Payload.ChatID)
	if err != nil {
		p.met.PublishRejected.WithLabelValues("store").Inc()
		return Receipt{}, fmt.Errorf("authorize publish: %w", err)
	}
	if !allowed {
		p.met.PublishRejected.WithLabelValues("forbidden").Inc()
		return Receipt{}, fmt.Errorf("%w: user %q has no grant for chat %q", ErrForbidden, origin.UserID, req.Payload.ChatID)
	}

	env := &envelope.Envelope{
		MessageID:              uuid.NewString(),
		ChatID:                 req.Payload.ChatID,
		SenderID:               origin.UserID,
		EventType:              req.Payload.EventType,
		Content:                req.Payload.Content,
		PublishTimestamp:       time.Now().UTC(),
		ClientPublishTimestamp: req.Payload.ClientPublishTimestamp,
		MessageType:            req.Lane(),
		MultiPart:              req.Payload.MultiPart,
	}
	if env.MessageType == envelope.TypeOrdered {
		env.GroupID = req.Group()
	}

	wantAck := req.RequestAck && origin.ConnectionID != ""
	if wantAck {
		p.acks.Track(req.AckID, origin.ConnectionID)
	}

	if err := p.queue.Enqueue(ctx, env); err != nil {
		if wantAck {
			p.acks.Cancel(req.AckID)
		}
		p.met.PublishRejected.WithLabelValues("substrate").Inc()
		return Receipt{}, fmt.Errorf("enqueue: %w", err)
	}

	if wantAck {
		p.sendAck(req.AckID, env)
	}
	return Receipt{MessageID: env.MessageID, MessageType: env.MessageType}, nil
}

// sendAck delivers the durability confirmation. Failures are logged and
// dropped: the publish already succeeded and the client recovers by its own
// ACK timeout.
func (p *Publisher) sendAck(ackID string, env *envelope.Envelope) {
	connID, ok := p.acks.Resolve(ackID)
	if !ok {
		return
	}
	c, ok := p.reg.Get(connID)
	if !ok {
		return
	}
	frame, err := json.Marshal(envelope.NewAck(ackID, env.MessageID, env.MessageType))
	if err != nil {
		p.log.Error().Err(err).Str("ack_id", ackID).Msg("encode ack frame")
		return
	}
	if err := c.Send(frame); err != nil {
		p.log.Warn().
			Err(err).
			Str("ack_id", ackID).
			Str("connection_id", connID).
			Msg("ack delivery failed")
		return
	}
	p.met.AcksSent.Inc()
}
