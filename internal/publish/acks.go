package publish

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/metrics"
)

// PendingAcks tracks publishes that still owe their originating connection an
// acknowledgement. Entries leave three ways: resolved when durability is
// confirmed, cancelled when the enqueue fails, or swept once the deadline
// passes without a confirm.
type PendingAcks struct {
	ttl time.Duration
	log zerolog.Logger
	met *metrics.Registry

	mu      sync.Mutex
	entries map[string]ackEntry
}

type ackEntry struct {
	connID   string
	deadline time.Time
}

func NewPendingAcks(ttl time.Duration, log zerolog.Logger, met *metrics.Registry) *PendingAcks {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &PendingAcks{
		ttl:     ttl,
		log:     log.With().Str("component", "acks").Logger(),
		met:     met,
		entries: make(map[string]ackEntry),
	}
}

// Track registers an awaited ACK for the given connection.
func (p *PendingAcks) Track(ackID, connID string) {
	p.mu.Lock()
	p.entries[ackID] = ackEntry{connID: connID, deadline: time.Now().Add(p.ttl)}
	p.mu.Unlock()
}

// Resolve removes the entry and returns the connection owed the ACK. Unknown
// or expired entries resolve to nothing.
func (p *PendingAcks) Resolve(ackID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[ackID]
	if !ok {
		return "", false
	}
	delete(p.entries, ackID)
	if time.Now().After(e.deadline) {
		p.met.AcksExpired.Inc()
		return "", false
	}
	return e.connID, true
}

// Cancel forgets an entry whose publish never reached the substrate.
func (p *PendingAcks) Cancel(ackID string) {
	p.mu.Lock()
	delete(p.entries, ackID)
	p.mu.Unlock()
}

// Run sweeps expired entries until the context ends. The happy path deletes
// entries in Resolve; the sweep only catches publishes whose confirm never
// came back.
func (p *PendingAcks) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			p.sweep(now)
		}
	}
}

func (p *PendingAcks) sweep(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, e := range p.entries {
		if now.After(e.deadline) {
			delete(p.entries, id)
			p.met.AcksExpired.Inc()
			p.log.Debug().Str("ack_id", id).Msg("pending ack expired")
		}
	}
}

// Len reports the number of awaited ACKs.
func (p *PendingAcks) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
