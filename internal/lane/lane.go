// Package lane moves envelopes through the queueing substrate. The ordered
// lane preserves per-group FIFO with content dedup; the fast lane drains
// batches and processes them in parallel. Both report failures per item so
// the substrate redelivers only what actually failed.
package lane

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/envelope"
	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/metrics"
)

// ErrUnavailable marks substrate failures; publishers surface it as a
// retryable server error.
var ErrUnavailable = errors.New("substrate unavailable")

// Config tunes both lanes.
type Config struct {
	// OrderedFetch is how many messages one ordered pull may return;
	// groups still receive them one at a time.
	OrderedFetch int
	// FastBatch is the fast-lane drain size.
	FastBatch int
	// BatchDeadline bounds one processor invocation.
	BatchDeadline time.Duration
	// AckWait is the substrate's redelivery timer for unacked items.
	AckWait time.Duration
	// MaxDeliver is the dead-letter threshold: an item failing its
	// MaxDeliver'th delivery is buried instead of redelivered.
	MaxDeliver int
	// RetryDelay is how long the ordered lane waits between in-place
	// attempts on a failed item while its group is held.
	RetryDelay time.Duration
	// DedupWindow is the substrate duplicate-tracking window for the
	// ordered lane's content dedup.
	DedupWindow time.Duration
	// GroupBuffer is the per-group queue capacity on the ordered lane.
	GroupBuffer int
}

func (c Config) withDefaults() Config {
	if c.OrderedFetch < 1 {
		c.OrderedFetch = 16
	}
	if c.FastBatch < 1 {
		c.FastBatch = 10
	}
	if c.BatchDeadline <= 0 {
		c.BatchDeadline = 10 * time.Second
	}
	if c.AckWait <= 0 {
		c.AckWait = 30 * time.Second
	}
	if c.MaxDeliver < 1 {
		c.MaxDeliver = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 200 * time.Millisecond
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 5 * time.Minute
	}
	if c.GroupBuffer < 1 {
		c.GroupBuffer = 64
	}
	return c
}

// Processor consumes batches the lanes hand over. The result slice aligns
// with the batch: a nil entry acknowledges the item, anything else sends it
// back for redelivery.
type Processor interface {
	Process(ctx context.Context, batch []*envelope.Envelope) []error
}

// acker is the slice of *nats.Msg the lanes touch after processing; tests
// substitute fakes.
type acker interface {
	Ack(opts ...nats.AckOpt) error
	Nak(opts ...nats.AckOpt) error
	Term(opts ...nats.AckOpt) error
	InProgress(opts ...nats.AckOpt) error
}

// item is one in-flight substrate message with its decoded envelope.
type item struct {
	env        *envelope.Envelope
	msg        acker
	deliveries int
}

// deliveries reads the substrate's delivery counter; the first delivery
// counts as 1.
func deliveries(m *nats.Msg) int {
	meta, err := m.Metadata()
	if err != nil {
		return 1
	}
	return int(meta.NumDelivered)
}

// fetchWait bounds one pull so the loops notice cancellation promptly
// without adding batching delay: a pull returns as soon as one message is
// available.
const fetchWait = time.Second

// retryable reports whether a fetch error is part of normal idle operation.
func retryable(err error) bool {
	return errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}

// subjects and stream names; tokens keep arbitrary ids legal in a subject.
const (
	StreamOrdered = "RELAY_ORDERED"
	StreamFast    = "RELAY_FAST"
	StreamDLQ     = "RELAY_DLQ"

	durableOrdered = "ordered-dispatch"
	durableFast    = "fast-dispatch"
)

// wrapUnavailable tags substrate errors with the retryable sentinel.
func wrapUnavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// sink decides what happens to a failed item: redelivery while the budget
// lasts, the dead-letter stream once it is spent. publish is injected so
// tests exercise the paths without a live substrate.
type sink struct {
	lane    string
	cfg     Config
	log     zerolog.Logger
	met     *metrics.Registry
	publish func(subject string, data []byte) error
}

func (s sink) fail(it item, cause error) {
	if it.deliveries >= s.cfg.MaxDeliver {
		s.bury(it, cause)
		return
	}
	_ = it.msg.Nak()
	s.met.LaneRedeliveries.WithLabelValues(s.lane).Inc()
	s.met.MessagesProcessed.WithLabelValues(s.lane, "failed").Inc()
	s.log.Warn().
		Err(cause).
		Str("message_id", it.env.MessageID).
		Str("chat_id", it.env.ChatID).
		Int("deliveries", it.deliveries).
		Msg("processing failed, queued for redelivery")
}

// bury moves an item to the dead-letter stream and acknowledges it. If the
// dead-letter publish itself fails the item is nak'd instead, so the spare
// delivery the consumer carries retries the publish rather than losing the
// message.
func (s sink) bury(it item, cause error) {
	data, err := it.env.Encode()
	if err == nil {
		if perr := s.publish(dlqSubject(s.lane), data); perr != nil {
			s.log.Error().
				Err(perr).
				Str("message_id", it.env.MessageID).
				Msg("dead-letter publish failed")
			_ = it.msg.Nak()
			return
		}
	}
	_ = it.msg.Ack()
	s.met.DeadLetters.WithLabelValues(s.lane).Inc()
	s.met.MessagesProcessed.WithLabelValues(s.lane, "dead").Inc()
	s.log.Error().
		Err(cause).
		Str("message_id", it.env.MessageID).
		Str("chat_id", it.env.ChatID).
		Int("deliveries", it.deliveries).
		Msg("delivery budget exhausted, message dead-lettered")
}
