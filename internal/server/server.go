// Package server exposes the broker over HTTP: the WebSocket endpoint with
// its read and write pumps, the publish and history APIs, permission
// administration, and the operational surface (health, stats, metrics).
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/auth"
	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/config"
	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/envelope"
	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/history"
	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/lane"
	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/metrics"
	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/permission"
	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/publish"
	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/registry"
)

// HistoryReader serves history pages.
type HistoryReader interface {
	List(ctx context.Context, req history.ListRequest) (*history.Page, error)
}

// PermissionStore is the full grant surface: the resolver both read paths
// gate on plus the admin mutations.
type PermissionStore interface {
	permission.Resolver
	Grant(ctx context.Context, e permission.Entry) error
	Revoke(ctx context.Context, userID, chatID string) error
	ListByUser(ctx context.Context, userID string) ([]permission.Entry, error)
	ListByChat(ctx context.Context, chatID string) ([]permission.Entry, error)
}

// GroupCounter reports how many ordering groups the dispatch side is
// currently running.
type GroupCounter interface {
	Groups() int
}

// Probe is one dependency check reported by /healthz.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps wires the server to the rest of the broker.
type Deps struct {
	Config      *config.Config
	Log         zerolog.Logger
	Metrics     *metrics.Registry
	System      *metrics.System
	Auth        *auth.Manager
	Registry    *registry.Registry
	Publisher   *publish.Publisher
	History     HistoryReader
	Permissions PermissionStore
	Groups      GroupCounter
	Probes      []Probe
}

type Server struct {
	cfg    *config.Config
	log    zerolog.Logger
	met    *metrics.Registry
	sys    *metrics.System
	auth   *auth.Manager
	reg    *registry.Registry
	pub    *publish.Publisher
	hist   HistoryReader
	perms  PermissionStore
	groups GroupCounter
	probes []Probe

	http *http.Server
}

func New(d Deps) *Server {
	s := &Server{
		cfg:    d.Config,
		log:    d.Log.With().Str("component", "server").Logger(),
		met:    d.Metrics,
		sys:    d.System,
		auth:   d.Auth,
		reg:    d.Registry,
		pub:    d.Publisher,
		hist:   d.History,
		perms:  d.Permissions,
		groups: d.Groups,
		probes: d.Probes,
	}
	s.http = &http.Server{
		Addr:         d.Config.Server.Addr,
		Handler:      s.routes(),
		ReadTimeout:  d.Config.Server.ReadTimeout,
		WriteTimeout: d.Config.Server.WriteTimeout,
		IdleTimeout:  d.Config.Server.IdleTimeout,
	}
	return s
}

// Run serves until Shutdown is called.
func (s *Server) Run() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind string) {
	writeJSON(w, status, map[string]string{"error": kind})
}

// errStatus maps pipeline errors onto the API's status vocabulary. Details
// stay in the log; clients get the kind only.
func errStatus(err error) (int, string) {
	switch {
	case errors.Is(err, envelope.ErrInvalid),
		errors.Is(err, history.ErrMalformedCursor):
		return http.StatusBadRequest, "invalid-request"
	case errors.Is(err, publish.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, history.ErrUnknownCursor):
		return http.StatusNotFound, "not-found"
	case errors.Is(err, permission.ErrUnavailable),
		errors.Is(err, lane.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
