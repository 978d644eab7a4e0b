package lane

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/envelope"
	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/metrics"
)

// Ordered consumes the FIFO stream. One fetch loop feeds per-group runners;
// each runner hands the processor exactly one envelope at a time, so
// sequence numbers are assigned in publish order within a group while
// distinct groups proceed in parallel.
type Ordered struct {
	js   nats.JetStreamContext
	proc Processor
	cfg  Config
	log  zerolog.Logger
	met  *metrics.Registry

	groups *groupTable
	sink   sink
	sub    *nats.Subscription
	wg     sync.WaitGroup
}

func NewOrdered(js nats.JetStreamContext, proc Processor, cfg Config, log zerolog.Logger, met *metrics.Registry) *Ordered {
	cfg = cfg.withDefaults()
	l := &Ordered{
		js:   js,
		proc: proc,
		cfg:  cfg,
		log:  log.With().Str("component", "lane").Str("lane", string(envelope.TypeOrdered)).Logger(),
		met:  met,
	}
	l.sink = sink{
		lane: string(envelope.TypeOrdered),
		cfg:  cfg,
		log:  l.log,
		met:  met,
		publish: func(subject string, data []byte) error {
			_, err := js.Publish(subject, data)
			return err
		},
	}
	l.groups = newGroupTable(cfg.GroupBuffer, l.handle)
	return l
}

// Start binds the durable consumer and launches the fetch loop. MaxDeliver
// allows one delivery past the dead-letter threshold so a failed dead-letter
// publish can be retried.
func (l *Ordered) Start(ctx context.Context) error {
	sub, err := l.js.PullSubscribe("", durableOrdered,
		nats.BindStream(StreamOrdered),
		nats.AckWait(l.cfg.AckWait),
		nats.MaxDeliver(l.cfg.MaxDeliver+1),
		nats.MaxAckPending(l.cfg.OrderedFetch*4),
	)
	if err != nil {
		return wrapUnavailable("subscribe ordered lane", err)
	}
	l.sub = sub
	l.wg.Add(1)
	go l.run(ctx)
	return nil
}

func (l *Ordered) run(ctx context.Context) {
	defer l.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := l.sub.Fetch(l.cfg.OrderedFetch, nats.MaxWait(fetchWait))
		if err != nil {
			if retryable(err) {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				return
			}
			l.log.Error().Err(err).Msg("fetch failed")
			time.Sleep(time.Second)
			continue
		}
		for _, m := range msgs {
			l.dispatch(ctx, m)
		}
	}
}

func (l *Ordered) dispatch(ctx context.Context, m *nats.Msg) {
	env, err := envelope.Decode(m.Data)
	if err != nil {
		l.met.CorruptMessages.WithLabelValues(l.sink.lane).Inc()
		l.log.Error().Err(err).Msg("terminating undecodable message")
		_ = m.Term()
		return
	}
	n := deliveries(m)
	env.RetryCount = n - 1

	group := env.GroupID
	if group == "" {
		group = env.ChatID
	}
	l.groups.dispatch(ctx, group, item{env: env, msg: m, deliveries: n})
}

// handle runs inside a group runner, one item at a time. A failing item is
// retried in place so queued successors of the same group cannot overtake
// it; the substrate's ack timer is reset between attempts to keep a
// concurrent redelivery from racing the retry. Once the delivery budget is
// spent the item is buried and the group moves on.
func (l *Ordered) handle(ctx context.Context, it item) {
	var cause error
	for attempt := it.deliveries; attempt <= l.cfg.MaxDeliver; attempt++ {
		bctx, cancel := context.WithTimeout(ctx, l.cfg.BatchDeadline)
		res := l.proc.Process(bctx, []*envelope.Envelope{it.env})
		cancel()

		if len(res) == 1 && res[0] == nil {
			_ = it.msg.Ack()
			l.met.MessagesProcessed.WithLabelValues(l.sink.lane, "ok").Inc()
			return
		}
		cause = nil
		if len(res) == 1 {
			cause = res[0]
		}
		l.met.MessagesProcessed.WithLabelValues(l.sink.lane, "failed").Inc()
		l.log.Warn().
			Err(cause).
			Str("message_id", it.env.MessageID).
			Str("chat_id", it.env.ChatID).
			Int("attempt", attempt).
			Msg("processing failed, holding group for retry")

		if attempt >= l.cfg.MaxDeliver {
			break
		}
		if ctx.Err() != nil {
			// Shutdown hands the item back; redelivery re-enters the group
			// in stream order.
			_ = it.msg.Nak()
			return
		}
		_ = it.msg.InProgress()
		l.met.LaneRedeliveries.WithLabelValues(l.sink.lane).Inc()
		select {
		case <-time.After(l.cfg.RetryDelay):
		case <-ctx.Done():
			_ = it.msg.Nak()
			return
		}
	}
	if cause == nil {
		cause = errors.New("delivery budget exhausted")
	}
	l.sink.bury(it, cause)
}

// Groups reports the number of live ordering groups.
func (l *Ordered) Groups() int {
	return l.groups.size()
}

// Stop waits for the fetch loop and every group runner to finish. Callers
// cancel the Start context first.
func (l *Ordered) Stop() {
	l.wg.Wait()
	l.groups.wait()
}
