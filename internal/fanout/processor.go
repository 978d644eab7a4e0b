// Package fanout turns dequeued envelopes into frames on subscriber sockets
// and rows in history. It is the single consumer-side pipeline both lanes
// share: stamp a sequence when the lane demands one, snapshot the audience,
// serialize once, deliver in parallel, then persist.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/envelope"
	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/metrics"
	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/registry"
)

// Sequencer stamps ordered envelopes. Assign is idempotent per message id:
// a redelivered envelope draws the number its first delivery claimed, never
// a fresh one.
type Sequencer interface {
	Assign(ctx context.Context, scope, messageID string) (int64, error)
}

// Appender persists one envelope to history.
type Appender interface {
	Put(ctx context.Context, env *envelope.Envelope) error
}

// Processor implements lane.Processor over the live registry, the sequence
// service and the history store.
type Processor struct {
	reg  *registry.Registry
	seq  Sequencer
	hist Appender
	log  zerolog.Logger
	met  *metrics.Registry
}

func New(reg *registry.Registry, seq Sequencer, hist Appender, log zerolog.Logger, met *metrics.Registry) *Processor {
	return &Processor{
		reg:  reg,
		seq:  seq,
		hist: hist,
		log:  log.With().Str("component", "fanout").Logger(),
		met:  met,
	}
}

// Process handles the batch and returns one result per input, index-aligned.
// Single-item batches (the ordered lane always sends those) run inline;
// larger batches run each item on its own goroutine.
func (p *Processor) Process(ctx context.Context, batch []*envelope.Envelope) []error {
	res := make([]error, len(batch))
	if len(batch) == 1 {
		res[0] = p.deliver(ctx, batch[0])
		return res
	}
	var wg sync.WaitGroup
	for i, env := range batch {
		wg.Add(1)
		go func(i int, env *envelope.Envelope) {
			defer wg.Done()
			res[i] = p.deliver(ctx, env)
		}(i, env)
	}
	wg.Wait()
	return res
}

func (p *Processor) deliver(ctx context.Context, env *envelope.Envelope) error {
	if env.MessageType == envelope.TypeOrdered && env.SequenceNumber == nil {
		n, err := p.seq.Assign(ctx, env.ChatID, env.MessageID)
		if err != nil {
			return fmt.Errorf("assign sequence: %w", err)
		}
		env.SequenceNumber = &n
	}

	subs := p.reg.Subscribers(env.ChatID)
	frame, err := env.Frame()
	if err != nil {
		return fmt.Errorf("serialize frame: %w", err)
	}
	p.fanOut(subs, frame, env)

	if err := p.hist.Put(ctx, env); err != nil {
		return fmt.Errorf("persist: %w", err)
	}
	return nil
}

// fanOut pushes one pre-serialized frame to every subscriber. Send failures
// never fail the envelope; a gone or persistently full connection is dropped
// from the registry and the rest of the audience still gets the frame.
func (p *Processor) fanOut(subs []*registry.Conn, frame []byte, env *envelope.Envelope) {
	if len(subs) == 0 {
		p.log.Debug().
			Str("chat_id", env.ChatID).
			Str("message_id", env.MessageID).
			Msg("no subscribers connected")
		return
	}
	var wg sync.WaitGroup
	for _, c := range subs {
		wg.Add(1)
		go func(c *registry.Conn) {
			defer wg.Done()
			switch err := c.Send(frame); {
			case err == nil:
				p.met.FramesDelivered.Inc()
			case errors.Is(err, registry.ErrGone):
				p.reg.Drop(c.ID)
				p.met.FanoutDrops.WithLabelValues("gone").Inc()
			case errors.Is(err, registry.ErrFull):
				p.reg.Drop(c.ID)
				p.met.FanoutDrops.WithLabelValues("slow").Inc()
				p.log.Warn().
					Str("connection_id", c.ID).
					Str("chat_id", env.ChatID).
					Msg("dropping slow consumer")
			default:
				p.met.FanoutDrops.WithLabelValues("error").Inc()
				p.log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("frame delivery failed")
			}
		}(c)
	}
	wg.Wait()
}
