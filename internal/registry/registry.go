// Package registry tracks live subscriber connections. It is the single
// owner of every connection record and its writer channel: the processor and
// the ACK path look connections up by id and tolerate absence.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/metrics"
)

var (
	// ErrDuplicate is returned when the transport hands the registry a
	// connection id it already holds.
	ErrDuplicate = errors.New("connection id already registered")
	// ErrCapacity is returned when the admission cap is reached.
	ErrCapacity = errors.New("connection limit reached")
	// ErrGone marks a send to a connection that has been unregistered.
	ErrGone = errors.New("connection gone")
	// ErrFull marks a writer that stayed full past the retry window.
	ErrFull = errors.New("writer full")
)

// Config bounds the registry's writers.
type Config struct {
	// WriterBuffer is the per-connection frame queue capacity.
	WriterBuffer int
	// SendRetry is how long a full writer is waited on before the send
	// is declared a soft failure.
	SendRetry time.Duration
	// MaxConnections caps admissions; zero means unlimited.
	MaxConnections int
}

// Registry holds the connection map and the chat subscription index. The two
// structures mutate together under one lock so a connection id never appears
// in the index without a live record.
type Registry struct {
	cfg Config
	log zerolog.Logger
	met *metrics.Registry

	mu    sync.RWMutex
	conns map[string]*Conn
	chats map[string]map[string]*Conn
}

func New(cfg Config, log zerolog.Logger, met *metrics.Registry) *Registry {
	if cfg.WriterBuffer < 1 {
		cfg.WriterBuffer = 256
	}
	if cfg.SendRetry <= 0 {
		cfg.SendRetry = 50 * time.Millisecond
	}
	return &Registry{
		cfg:   cfg,
		log:   log.With().Str("component", "registry").Logger(),
		met:   met,
		conns: make(map[string]*Conn),
		chats: make(map[string]map[string]*Conn),
	}
}

// Register inserts a connection and indexes it under each chat id, returning
// the record whose writer the socket layer will drain.
func (r *Registry) Register(id, userID string, chatIDs []string) (*Conn, error) {
	c := &Conn{
		ID:          id,
		UserID:      userID,
		ChatIDs:     chatIDs,
		ConnectedAt: time.Now(),
		send:        make(chan []byte, r.cfg.WriterBuffer),
		done:        make(chan struct{}),
		retry:       r.cfg.SendRetry,
	}

	r.mu.Lock()
	if r.cfg.MaxConnections > 0 && len(r.conns) >= r.cfg.MaxConnections {
		r.mu.Unlock()
		return nil, ErrCapacity
	}
	if _, exists := r.conns[id]; exists {
		r.mu.Unlock()
		return nil, ErrDuplicate
	}
	r.conns[id] = c
	for _, chatID := range chatIDs {
		idx := r.chats[chatID]
		if idx == nil {
			idx = make(map[string]*Conn)
			r.chats[chatID] = idx
		}
		idx[id] = c
	}
	r.mu.Unlock()

	r.met.ConnectionsActive.Inc()
	r.met.ConnectionsTotal.Inc()
	r.log.Debug().
		Str("connection_id", id).
		Str("user_id", userID).
		Strs("chat_ids", chatIDs).
		Msg("connection registered")
	return c, nil
}

// Unregister removes a connection from the primary map and every chat index
// in one atomic step and closes its writer. Safe to call more than once.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, id)
	for _, chatID := range c.ChatIDs {
		idx := r.chats[chatID]
		delete(idx, id)
		if len(idx) == 0 {
			delete(r.chats, chatID)
		}
	}
	r.mu.Unlock()

	c.close()
	r.met.ConnectionsActive.Dec()
	r.log.Debug().Str("connection_id", id).Msg("connection unregistered")
}

// Drop removes a connection whose transport reported gone or whose writer
// stalled. It is the processor's disposal path and is idempotent.
func (r *Registry) Drop(id string) {
	r.Unregister(id)
}

// Subscribers returns a point-in-time snapshot of the connections subscribed
// to a chat. Unknown chats yield an empty slice, never an error.
func (r *Registry) Subscribers(chatID string) []*Conn {
	r.mu.RLock()
	idx := r.chats[chatID]
	out := make([]*Conn, 0, len(idx))
	for _, c := range idx {
		out = append(out, c)
	}
	r.mu.RUnlock()
	return out
}

// Get looks a connection up by id.
func (r *Registry) Get(id string) (*Conn, bool) {
	r.mu.RLock()
	c, ok := r.conns[id]
	r.mu.RUnlock()
	return c, ok
}

// Len reports the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	n := len(r.conns)
	r.mu.RUnlock()
	return n
}

// ChatCount reports the number of chats with at least one subscriber.
func (r *Registry) ChatCount() int {
	r.mu.RLock()
	n := len(r.chats)
	r.mu.RUnlock()
	return n
}

// CloseAll unregisters every connection; used on shutdown so write pumps
// send close frames and exit.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		r.Unregister(id)
	}
}
