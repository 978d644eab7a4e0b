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

// Fast consumes the high-throughput stream. Batches of up to FastBatch are
// drained with no batching delay and handed to the processor, which runs the
// items in parallel; ack and redelivery are per item so one failure never
// holds the rest of the batch back.
type Fast struct {
	js   nats.JetStreamContext
	proc Processor
	cfg  Config
	log  zerolog.Logger
	met  *metrics.Registry

	sink sink
	sub  *nats.Subscription
	wg   sync.WaitGroup
}

func NewFast(js nats.JetStreamContext, proc Processor, cfg Config, log zerolog.Logger, met *metrics.Registry) *Fast {
	cfg = cfg.withDefaults()
	l := &Fast{
		js:   js,
		proc: proc,
		cfg:  cfg,
		log:  log.With().Str("component", "lane").Str("lane", string(envelope.TypeFast)).Logger(),
		met:  met,
	}
	l.sink = sink{
		lane: string(envelope.TypeFast),
		cfg:  cfg,
		log:  l.log,
		met:  met,
		publish: func(subject string, data []byte) error {
			_, err := js.Publish(subject, data)
			return err
		},
	}
	return l
}

// Start binds the durable consumer and launches the drain loop.
func (l *Fast) Start(ctx context.Context) error {
	sub, err := l.js.PullSubscribe("", durableFast,
		nats.BindStream(StreamFast),
		nats.AckWait(l.cfg.AckWait),
		nats.MaxDeliver(l.cfg.MaxDeliver+1),
		nats.MaxAckPending(l.cfg.FastBatch*4),
	)
	if err != nil {
		return wrapUnavailable("subscribe fast lane", err)
	}
	l.sub = sub
	l.wg.Add(1)
	go l.run(ctx)
	return nil
}

func (l *Fast) run(ctx context.Context) {
	defer l.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := l.sub.Fetch(l.cfg.FastBatch, nats.MaxWait(fetchWait))
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
		l.process(ctx, l.decode(msgs))
	}
}

// decode turns fetched messages into items, terminating what cannot parse.
func (l *Fast) decode(msgs []*nats.Msg) []item {
	items := make([]item, 0, len(msgs))
	for _, m := range msgs {
		env, err := envelope.Decode(m.Data)
		if err != nil {
			l.met.CorruptMessages.WithLabelValues(l.sink.lane).Inc()
			l.log.Error().Err(err).Msg("terminating undecodable message")
			_ = m.Term()
			continue
		}
		n := deliveries(m)
		env.RetryCount = n - 1
		items = append(items, item{env: env, msg: m, deliveries: n})
	}
	return items
}

func (l *Fast) process(ctx context.Context, items []item) {
	kept := items[:0]
	for _, it := range items {
		if it.deliveries > l.cfg.MaxDeliver {
			l.sink.bury(it, errors.New("delivery budget exhausted"))
			continue
		}
		kept = append(kept, it)
	}
	if len(kept) == 0 {
		return
	}

	batch := make([]*envelope.Envelope, len(kept))
	for i, it := range kept {
		batch[i] = it.env
	}

	bctx, cancel := context.WithTimeout(ctx, l.cfg.BatchDeadline)
	res := l.proc.Process(bctx, batch)
	cancel()

	for i, it := range kept {
		var cause error
		if i < len(res) {
			cause = res[i]
		}
		if cause == nil {
			_ = it.msg.Ack()
			l.met.MessagesProcessed.WithLabelValues(l.sink.lane, "ok").Inc()
			continue
		}
		l.sink.fail(it, cause)
	}
}

// Stop waits for the drain loop to finish. Callers cancel the Start context
// first.
func (l *Fast) Stop() {
	l.wg.Wait()
}
