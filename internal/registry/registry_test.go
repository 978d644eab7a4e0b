package registry

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/metrics"
)

func newTestRegistry(t *testing.T, cfg Config) *Registry {
	t.Helper()
	return New(cfg, zerolog.Nop(), metrics.NewRegistry())
}

func TestRegisterAndLookup(t *testing.T) {
	r := newTestRegistry(t, Config{})

	c, err := r.Register("conn-1", "user-1", []string{"chat-1", "chat-2"})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if c.ID != "conn-1" || c.UserID != "user-1" {
		t.Errorf("Register() conn = (%q, %q), want (conn-1, user-1)", c.ID, c.UserID)
	}

	if got, ok := r.Get("conn-1"); !ok || got != c {
		t.Error("Get() did not return the registered connection")
	}
	if n := r.Len(); n != 1 {
		t.Errorf("Len() = %d, want 1", n)
	}
	if n := r.ChatCount(); n != 2 {
		t.Errorf("ChatCount() = %d, want 2", n)
	}
	for _, chatID := range []string{"chat-1", "chat-2"} {
		if subs := r.Subscribers(chatID); len(subs) != 1 || subs[0] != c {
			t.Errorf("Subscribers(%q) = %d conns, want the registered one", chatID, len(subs))
		}
	}
	if subs := r.Subscribers("chat-unknown"); len(subs) != 0 {
		t.Errorf("Subscribers(unknown) = %d conns, want 0", len(subs))
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := newTestRegistry(t, Config{})
	if _, err := r.Register("conn-1", "user-1", nil); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := r.Register("conn-1", "user-2", nil); !errors.Is(err, ErrDuplicate) {
		t.Errorf("Register() duplicate error = %v, want ErrDuplicate", err)
	}
}

func TestRegisterCapacity(t *testing.T) {
	r := newTestRegistry(t, Config{MaxConnections: 1})
	if _, err := r.Register("conn-1", "user-1", nil); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := r.Register("conn-2", "user-2", nil); !errors.Is(err, ErrCapacity) {
		t.Errorf("Register() over capacity error = %v, want ErrCapacity", err)
	}

	r.Unregister("conn-1")
	if _, err := r.Register("conn-2", "user-2", nil); err != nil {
		t.Errorf("Register() after release error = %v", err)
	}
}

func TestUnregisterIsAtomicAndIdempotent(t *testing.T) {
	r := newTestRegistry(t, Config{})
	c, err := r.Register("conn-1", "user-1", []string{"chat-1"})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	r.Unregister("conn-1")

	if _, ok := r.Get("conn-1"); ok {
		t.Error("Get() still finds unregistered connection")
	}
	if subs := r.Subscribers("chat-1"); len(subs) != 0 {
		t.Errorf("Subscribers() = %d conns after unregister, want 0", len(subs))
	}
	if n := r.ChatCount(); n != 0 {
		t.Errorf("ChatCount() = %d after last subscriber left, want 0", n)
	}
	select {
	case <-c.Done():
	default:
		t.Error("Done() not closed after unregister")
	}

	// Second unregister of the same id must be a no-op.
	r.Unregister("conn-1")
}

func TestSendAfterUnregisterReturnsGone(t *testing.T) {
	r := newTestRegistry(t, Config{})
	c, err := r.Register("conn-1", "user-1", []string{"chat-1"})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	r.Unregister("conn-1")

	if err := c.Send([]byte("frame")); !errors.Is(err, ErrGone) {
		t.Errorf("Send() after unregister error = %v, want ErrGone", err)
	}
}

func TestSendFullWriter(t *testing.T) {
	r := newTestRegistry(t, Config{WriterBuffer: 1, SendRetry: 5 * time.Millisecond})
	c, err := r.Register("conn-1", "user-1", nil)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if err := c.Send([]byte("one")); err != nil {
		t.Fatalf("Send() into empty writer error = %v", err)
	}
	if err := c.Send([]byte("two")); !errors.Is(err, ErrFull) {
		t.Errorf("Send() into saturated writer error = %v, want ErrFull", err)
	}
}

func TestSendRetriesWhileConsumerCatchesUp(t *testing.T) {
	r := newTestRegistry(t, Config{WriterBuffer: 1, SendRetry: 500 * time.Millisecond})
	c, err := r.Register("conn-1", "user-1", nil)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := c.Send([]byte("one")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		<-c.Frames()
	}()

	if err := c.Send([]byte("two")); err != nil {
		t.Errorf("Send() during catch-up error = %v, want nil", err)
	}
}

func TestCloseAll(t *testing.T) {
	r := newTestRegistry(t, Config{})
	conns := make([]*Conn, 0, 3)
	for i := 0; i < 3; i++ {
		c, err := r.Register(fmt.Sprintf("conn-%d", i), "user-1", []string{"chat-1"})
		if err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		conns = append(conns, c)
	}

	r.CloseAll()

	if n := r.Len(); n != 0 {
		t.Errorf("Len() = %d after CloseAll, want 0", n)
	}
	for _, c := range conns {
		select {
		case <-c.Done():
		default:
			t.Errorf("connection %s not closed by CloseAll", c.ID)
		}
	}
}

func TestSubscribersSnapshotIsStable(t *testing.T) {
	r := newTestRegistry(t, Config{})
	if _, err := r.Register("conn-1", "user-1", []string{"chat-1"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	snap := r.Subscribers("chat-1")
	r.Unregister("conn-1")

	// The snapshot taken before the unregister still holds the record; a
	// send to it reports gone instead of panicking.
	if len(snap) != 1 {
		t.Fatalf("snapshot size = %d, want 1", len(snap))
	}
	if err := snap[0].Send([]byte("frame")); !errors.Is(err, ErrGone) {
		t.Errorf("Send() on snapshotted gone conn = %v, want ErrGone", err)
	}
}
