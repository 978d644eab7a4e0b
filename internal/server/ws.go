package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/auth"
	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/envelope"
	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/publish"
	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/registry"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong before the connection is dead.
	pongWait = 60 * time.Second

	// Ping period; must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Upper bound on one publish attempt from any ingress path.
	requestTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Origin enforcement happens at the edge proxy.
		return true
	},
	EnableCompression: true,
}

// handleWS admits a subscriber. Every requested chat must pass the permission
// gate and the registry must accept the connection before the protocol
// upgrade, so rejections still travel as plain HTTP statuses.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	chatIDs := splitChatIDs(r.URL.Query().Get("chatIds"))

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	for _, chatID := range chatIDs {
		allowed, err := s.perms.May(ctx, principal.UserID, chatID)
		if err != nil {
			status, kind := errStatus(err)
			writeError(w, status, kind)
			return
		}
		if !allowed {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
	}

	id := uuid.NewString()
	sess, err := s.reg.Register(id, principal.UserID, chatIDs)
	if err != nil {
		if errors.Is(err, registry.ErrCapacity) {
			writeError(w, http.StatusServiceUnavailable, "unavailable")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.reg.Unregister(id)
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{
		srv:       s,
		conn:      conn,
		sess:      sess,
		principal: principal,
		limiter:   rate.NewLimiter(rate.Limit(s.cfg.WS.MsgRate), s.cfg.WS.MsgBurst),
		log: s.log.With().
			Str("connection_id", id).
			Str("user_id", principal.UserID).
			Logger(),
	}
	c.log.Info().Strs("chat_ids", chatIDs).Msg("connection established")

	go c.writePump()
	go c.readPump()
}

// splitChatIDs parses the comma-separated chatIds query parameter. Empty
// entries are skipped; a connection with no subscriptions is legal and
// serves publish-only clients that still want ACK frames.
func splitChatIDs(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

// client glues one websocket to its registry record: readPump turns inbound
// frames into publishes, writePump drains the registry writer onto the
// socket.
type client struct {
	srv       *Server
	conn      *websocket.Conn
	sess      *registry.Conn
	principal *auth.Principal
	limiter   *rate.Limiter
	log       zerolog.Logger
}

func (c *client) readPump() {
	defer func() {
		c.srv.reg.Unregister(c.sess.ID)
		c.conn.Close()
		c.log.Info().Msg("connection closed")
	}()

	c.conn.SetReadLimit(c.srv.cfg.WS.MaxFrame)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("read failed")
			}
			return
		}
		c.handleFrame(message)
	}
}

// handleFrame dispatches one inbound frame. Failures answer with an error
// frame on the same connection; the connection itself stays up.
func (c *client) handleFrame(message []byte) {
	var req envelope.PublishRequest
	if err := json.Unmarshal(message, &req); err != nil {
		c.sendJSON(envelope.NewErrorFrame("invalid-request", "malformed frame"))
		return
	}

	switch req.Action {
	case envelope.ActionSendMessage:
		if !c.limiter.Allow() {
			c.sendJSON(envelope.NewErrorFrame("rate-limited", "publish rate exceeded"))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		origin := publish.Origin{UserID: c.principal.UserID, ConnectionID: c.sess.ID}
		if _, err := c.srv.pub.Publish(ctx, &req, origin); err != nil {
			_, kind := errStatus(err)
			c.log.Debug().Err(err).Msg("frame publish rejected")
			c.sendJSON(envelope.NewErrorFrame(kind, err.Error()))
		}

	case envelope.ActionHeartbeat:
		c.sendJSON(envelope.NewHeartbeat())

	default:
		c.sendJSON(envelope.NewErrorFrame("invalid-request", "unknown action"))
	}
}

// sendJSON queues a frame on this connection's writer. A full or gone writer
// just drops the frame; the write pump owns the socket's fate.
func (c *client) sendJSON(v any) {
	frame, err := json.Marshal(v)
	if err != nil {
		c.log.Error().Err(err).Msg("encode frame")
		return
	}
	if err := c.sess.Send(frame); err != nil {
		c.log.Debug().Err(err).Msg("frame dropped")
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.sess.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case frame := <-c.sess.Frames():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
