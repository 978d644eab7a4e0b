package server

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/auth"
	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/envelope"
	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/history"
	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/permission"
	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/publish"
)

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/stats", s.handleStats)
	r.Method(http.MethodGet, "/metrics", s.met.Handler())
	if s.cfg.Auth.DevTokens {
		r.Get("/auth/token", s.handleToken)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.auth.Middleware)

		r.Get("/ws", s.handleWS)
		r.Post("/publish", s.handlePublish)
		r.Get("/messages", s.handleMessages)

		r.Post("/permissions", s.handleGrant)
		r.Delete("/permissions", s.handleRevoke)
		r.Get("/permissions", s.handleListPermissions)
	})

	return r
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}

// handlePublish accepts the HTTP ingress path. The body is the same shape as
// the socket's sendMessage frame; requestAck is ignored here because there is
// no connection to deliver an ACK frame to.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	var req envelope.PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid-request")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	receipt, err := s.pub.Publish(ctx, &req, publish.Origin{UserID: principal.UserID})
	if err != nil {
		status, kind := errStatus(err)
		s.log.Debug().Err(err).Int("status", status).Msg("publish rejected")
		writeError(w, status, kind)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"messageId":   receipt.MessageID,
		"messageType": string(receipt.MessageType),
		"status":      "queued",
	})
}

// handleMessages serves chat history, newest first, gated by the same
// permission the publish path uses.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	q := r.URL.Query()
	chatID := q.Get("chatId")
	if chatID == "" {
		writeError(w, http.StatusBadRequest, "invalid-request")
		return
	}

	limit := -1
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid-request")
			return
		}
		limit = n
	}

	fromMs, err := parseTimeBound(q.Get("fromTimestamp"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid-request")
		return
	}
	toMs, err := parseTimeBound(q.Get("toTimestamp"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid-request")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

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

	page, err := s.hist.List(ctx, history.ListRequest{
		ChatID:   chatID,
		Limit:    limit,
		StartKey: q.Get("startKey"),
		FromMs:   fromMs,
		ToMs:     toMs,
	})
	if err != nil {
		status, kind := errStatus(err)
		s.log.Debug().Err(err).Str("chat_id", chatID).Msg("history read failed")
		writeError(w, status, kind)
		return
	}

	messages := page.Items
	if messages == nil {
		messages = []*envelope.Envelope{}
	}
	resp := map[string]any{
		"chatId":   chatID,
		"messages": messages,
		"count":    len(messages),
	}
	if page.NextKey != "" {
		resp["nextStartKey"] = page.NextKey
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseTimeBound accepts epoch milliseconds or RFC 3339 and returns epoch
// milliseconds. Empty means unbounded.
func parseTimeBound(raw string) (*int64, error) {
	if raw == "" {
		return nil, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return &ms, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	ms := t.UnixMilli()
	return &ms, nil
}

func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) *auth.Principal {
	principal, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return nil
	}
	if !principal.Admin {
		writeError(w, http.StatusForbidden, "forbidden")
		return nil
	}
	return principal
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	if s.requireAdmin(w, r) == nil {
		return
	}
	var e permission.Entry
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil || e.UserID == "" || e.ChatID == "" {
		writeError(w, http.StatusBadRequest, "invalid-request")
		return
	}
	if err := s.perms.Grant(r.Context(), e); err != nil {
		status, kind := errStatus(err)
		writeError(w, status, kind)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "granted"})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if s.requireAdmin(w, r) == nil {
		return
	}
	q := r.URL.Query()
	userID, chatID := q.Get("userId"), q.Get("chatId")
	if userID == "" || chatID == "" {
		writeError(w, http.StatusBadRequest, "invalid-request")
		return
	}
	if err := s.perms.Revoke(r.Context(), userID, chatID); err != nil {
		status, kind := errStatus(err)
		writeError(w, status, kind)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// handleListPermissions lists grants by user or by chat, exactly one of the
// two.
func (s *Server) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	if s.requireAdmin(w, r) == nil {
		return
	}
	q := r.URL.Query()
	userID, chatID := q.Get("userId"), q.Get("chatId")

	var (
		entries []permission.Entry
		err     error
	)
	switch {
	case userID != "" && chatID == "":
		entries, err = s.perms.ListByUser(r.Context(), userID)
	case chatID != "" && userID == "":
		entries, err = s.perms.ListByChat(r.Context(), chatID)
	default:
		writeError(w, http.StatusBadRequest, "invalid-request")
		return
	}
	if err != nil {
		status, kind := errStatus(err)
		writeError(w, status, kind)
		return
	}
	if entries == nil {
		entries = []permission.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"permissions": entries,
		"count":       len(entries),
	})
}

// handleHealthz reports dependency probes plus process vitals. Any failing
// probe degrades the response to 503 so orchestrators stop routing here.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	checks := make(map[string]string, len(s.probes))
	for _, p := range s.probes {
		if err := p.Check(ctx); err != nil {
			checks[p.Name] = err.Error()
			status = "degraded"
			continue
		}
		checks[p.Name] = "ok"
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":        status,
		"checks":        checks,
		"connections":   s.reg.Len(),
		"cpuPercent":    s.sys.CPUPercent(),
		"memMB":         s.sys.MemMB(),
		"goroutines":    runtime.NumGoroutine(),
		"uptimeSeconds": int64(s.sys.Uptime().Seconds()),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	groups := 0
	if s.groups != nil {
		groups = s.groups.Groups()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connections":   s.reg.Len(),
		"chats":         s.reg.ChatCount(),
		"orderedGroups": groups,
		"cpuPercent":    s.sys.CPUPercent(),
		"memMB":         s.sys.MemMB(),
		"goroutines":    runtime.NumGoroutine(),
		"uptimeSeconds": int64(s.sys.Uptime().Seconds()),
	})
}

// handleToken mints a development token. The route is only mounted when
// RELAY_AUTH_DEV_TOKENS is set; production tokens come from the identity
// provider.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "invalid-request")
		return
	}
	admin := q.Get("admin") == "true"

	token, err := s.auth.Generate(userID, admin)
	if err != nil {
		s.log.Error().Err(err).Msg("token generation failed")
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}
