package registry

import (
	"sync"
	"time"
)

// Conn is one live subscriber. The registry owns the writer channel; the
// socket layer drains Frames until Done closes. The send channel itself is
// never closed, so concurrent senders can race a close safely.
type Conn struct {
	ID          string
	UserID      string
	ChatIDs     []string
	ConnectedAt time.Time

	send  chan []byte
	done  chan struct{}
	retry time.Duration
	once  sync.Once
}

// Send queues a frame for the connection without blocking the caller beyond
// the retry window. It returns ErrGone once the connection is closed and
// ErrFull when the writer stays saturated, which callers treat as a slow
// consumer and drop.
func (c *Conn) Send(frame []byte) error {
	select {
	case <-c.done:
		return ErrGone
	default:
	}

	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrGone
	default:
	}

	// Writer is full: give the consumer one bounded chance to catch up.
	timer := time.NewTimer(c.retry)
	defer timer.Stop()
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrGone
	case <-timer.C:
		return ErrFull
	}
}

// Frames is the queue the socket write pump drains.
func (c *Conn) Frames() <-chan []byte {
	return c.send
}

// Done closes when the connection is unregistered. Frames buffered at that
// point are abandoned.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// close is called exactly once by the registry.
func (c *Conn) close() {
	c.once.Do(func() {
		close(c.done)
	})
}
