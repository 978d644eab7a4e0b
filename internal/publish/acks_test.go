package publish

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/metrics"
)

func TestPendingAcksResolveOnce(t *testing.T) {
	p := NewPendingAcks(time.Second, zerolog.Nop(), metrics.NewRegistry())

	p.Track("ack-1", "conn-1")
	connID, ok := p.Resolve("ack-1")
	if !ok || connID != "conn-1" {
		t.Fatalf("Resolve() = %q, %v, want conn-1, true", connID, ok)
	}
	if _, ok := p.Resolve("ack-1"); ok {
		t.Error("Resolve() succeeded twice for the same entry")
	}
	if p.Len() != 0 {
		t.Errorf("Len() = %d, want 0", p.Len())
	}
}

func TestPendingAcksExpire(t *testing.T) {
	p := NewPendingAcks(time.Millisecond, zerolog.Nop(), metrics.NewRegistry())

	p.Track("ack-1", "conn-1")
	time.Sleep(5 * time.Millisecond)
	if _, ok := p.Resolve("ack-1"); ok {
		t.Error("Resolve() returned an expired entry")
	}
}

func TestPendingAcksCancel(t *testing.T) {
	p := NewPendingAcks(time.Second, zerolog.Nop(), metrics.NewRegistry())

	p.Track("ack-1", "conn-1")
	p.Cancel("ack-1")
	if _, ok := p.Resolve("ack-1"); ok {
		t.Error("Resolve() returned a cancelled entry")
	}
}

func TestPendingAcksSweep(t *testing.T) {
	p := NewPendingAcks(time.Millisecond, zerolog.Nop(), metrics.NewRegistry())

	p.Track("ack-1", "conn-1")
	p.Track("ack-2", "conn-2")
	time.Sleep(5 * time.Millisecond)
	p.sweep(time.Now())
	if p.Len() != 0 {
		t.Errorf("Len() after sweep = %d, want 0", p.Len())
	}

	// A live entry survives the sweep.
	p.Track("ack-3", "conn-3")
	p.sweep(time.Now())
	if p.Len() != 1 {
		t.Errorf("Len() = %d, want live entry kept", p.Len())
	}
}
