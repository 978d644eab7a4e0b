package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/auth"
	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/config"
	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/db"
	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/fanout"
	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/history"
	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/lane"
	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/logging"
	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/metrics"
	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/permission"
	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/publish"
	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/registry"
	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/sequence"
	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/server"
	natsclient "github.com/Johannes-01/WebSocketNotificationService-sub000/pkg/nats"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logging.New("info", "json")
		fallback.Fatal().Err(err).Msg("configuration invalid")
	}
	log := logging.New(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	met := metrics.NewRegistry()
	sys := metrics.NewSystem()
	go sys.Run(ctx, 10*time.Second)

	pool, err := db.Open(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("database unavailable")
	}
	defer pool.Close()
	if err := db.EnsureSchema(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("schema setup failed")
	}

	nc, err := natsclient.Connect(cfg.NATS, log)
	if err != nil {
		log.Fatal().Err(err).Msg("substrate unavailable")
	}
	js, err := nc.JetStream()
	if err != nil {
		log.Fatal().Err(err).Msg("jetstream unavailable")
	}

	laneCfg := lane.Config{
		OrderedFetch:  cfg.Lane.OrderedFetch,
		FastBatch:     cfg.Lane.FastBatch,
		BatchDeadline: cfg.Lane.BatchDeadline,
		AckWait:       cfg.Lane.AckWait,
		MaxDeliver:    cfg.Lane.MaxDeliver,
		RetryDelay:    cfg.Lane.RetryDelay,
		DedupWindow:   cfg.Lane.DedupWindow,
		GroupBuffer:   cfg.Lane.GroupBuffer,
	}
	if err := lane.EnsureStreams(js, laneCfg); err != nil {
		log.Fatal().Err(err).Msg("stream setup failed")
	}

	reg := registry.New(registry.Config{
		WriterBuffer:   cfg.Registry.WriterBuffer,
		SendRetry:      cfg.Registry.SendRetry,
		MaxConnections: cfg.Registry.MaxConnections,
	}, log, met)

	hist := history.NewStore(pool, log, met, history.Config{
		Retention:    cfg.History.Retention,
		DefaultLimit: cfg.History.DefaultLimit,
		MaxLimit:     cfg.History.MaxLimit,
	})
	go hist.RunSweeper(ctx, cfg.History.SweepInterval)

	perms := permission.NewStore(pool, log)
	seq := sequence.New(pool, log)
	go seq.RunSweeper(ctx, cfg.History.SweepInterval, cfg.History.Retention)
	proc := fanout.New(reg, seq, hist, log, met)

	ordered := lane.NewOrdered(js, proc, laneCfg, log, met)
	if err := ordered.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("ordered lane failed to start")
	}
	fast := lane.NewFast(js, proc, laneCfg, log, met)
	if err := fast.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("fast lane failed to start")
	}

	acks := publish.NewPendingAcks(cfg.Ack.Timeout, log, met)
	go acks.Run(ctx, time.Second)

	pub := publish.New(perms, lane.NewPublisher(js, log, met), acks, reg, log, met)

	srv := server.New(server.Deps{
		Config:      cfg,
		Log:         log,
		Metrics:     met,
		System:      sys,
		Auth:        auth.NewManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL),
		Registry:    reg,
		Publisher:   pub,
		History:     hist,
		Permissions: perms,
		Groups:      ordered,
		Probes: []server.Probe{
			{Name: "database", Check: pool.Ping},
			{Name: "substrate", Check: nc.Check},
		},
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server failed")
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown incomplete")
	}

	ordered.Stop()
	fast.Stop()
	reg.CloseAll()

	if err := nc.Drain(); err != nil {
		log.Error().Err(err).Msg("substrate drain failed")
	}
	log.Info().Msg("shutdown complete")
}
