package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("RELAY_AUTH_JWT_SECRET", "s3cret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("Server.Addr = %q, want :8080", cfg.Server.Addr)
	}
	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("NATS.URL = %q, want localhost default", cfg.NATS.URL)
	}
	if cfg.Lane.MaxDeliver != 3 {
		t.Errorf("Lane.MaxDeliver = %d, want 3", cfg.Lane.MaxDeliver)
	}
	if cfg.Lane.FastBatch != 10 {
		t.Errorf("Lane.FastBatch = %d, want 10", cfg.Lane.FastBatch)
	}
	if cfg.History.DefaultLimit != 50 || cfg.History.MaxLimit != 100 {
		t.Errorf("History limits = %d/%d, want 50/100", cfg.History.DefaultLimit, cfg.History.MaxLimit)
	}
	if cfg.Auth.TokenTTL != 24*time.Hour {
		t.Errorf("Auth.TokenTTL = %s, want 24h", cfg.Auth.TokenTTL)
	}
	if cfg.Auth.DevTokens {
		t.Error("Auth.DevTokens = true, want false by default")
	}
	if cfg.Ack.Timeout != 5*time.Second {
		t.Errorf("Ack.Timeout = %s, want 5s", cfg.Ack.Timeout)
	}
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	t.Setenv("RELAY_AUTH_JWT_SECRET", "")

	if _, err := Load(); err == nil {
		t.Fatal("Load() succeeded without a JWT secret")
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	t.Setenv("RELAY_AUTH_JWT_SECRET", "s3cret")
	t.Setenv("RELAY_SERVER_ADDR", ":9090")
	t.Setenv("RELAY_LANE_MAX_DELIVER", "5")
	t.Setenv("RELAY_LANE_DEDUP_WINDOW", "10m")
	t.Setenv("RELAY_HISTORY_DEFAULT_LIMIT", "25")
	t.Setenv("RELAY_WS_MSG_RATE", "7.5")
	t.Setenv("RELAY_AUTH_DEV_TOKENS", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("Server.Addr = %q, want :9090", cfg.Server.Addr)
	}
	if cfg.Lane.MaxDeliver != 5 {
		t.Errorf("Lane.MaxDeliver = %d, want 5", cfg.Lane.MaxDeliver)
	}
	if cfg.Lane.DedupWindow != 10*time.Minute {
		t.Errorf("Lane.DedupWindow = %s, want 10m", cfg.Lane.DedupWindow)
	}
	if cfg.History.DefaultLimit != 25 {
		t.Errorf("History.DefaultLimit = %d, want 25", cfg.History.DefaultLimit)
	}
	if cfg.WS.MsgRate != 7.5 {
		t.Errorf("WS.MsgRate = %v, want 7.5", cfg.WS.MsgRate)
	}
	if !cfg.Auth.DevTokens {
		t.Error("Auth.DevTokens = false, want true")
	}
}

func TestValidateClampsLowValues(t *testing.T) {
	cfg := &Config{
		Auth:    Auth{JWTSecret: "s3cret"},
		Lane:    Lane{FastBatch: 0, OrderedFetch: -1, MaxDeliver: 0, GroupBuffer: 0},
		History: History{Retention: time.Hour, DefaultLimit: 0, MaxLimit: 10},
		Ack:     Ack{Timeout: time.Second},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if cfg.Lane.FastBatch != 1 || cfg.Lane.OrderedFetch != 1 || cfg.Lane.MaxDeliver != 1 || cfg.Lane.GroupBuffer != 1 {
		t.Errorf("lane clamps = %+v, want all raised to 1", cfg.Lane)
	}
	if cfg.History.DefaultLimit != 50 {
		t.Errorf("History.DefaultLimit = %d, want 50", cfg.History.DefaultLimit)
	}
	if cfg.History.MaxLimit != 50 {
		t.Errorf("History.MaxLimit = %d, want raised to default", cfg.History.MaxLimit)
	}
	if cfg.Registry.WriterBuffer != 1 {
		t.Errorf("Registry.WriterBuffer = %d, want 1", cfg.Registry.WriterBuffer)
	}
}

func TestValidateRejectsBadDurations(t *testing.T) {
	base := Config{
		Auth:    Auth{JWTSecret: "s3cret"},
		History: History{Retention: time.Hour},
		Ack:     Ack{Timeout: time.Second},
	}

	noAck := base
	noAck.Ack.Timeout = 0
	if err := noAck.Validate(); err == nil {
		t.Error("Validate() accepted zero ack timeout")
	}

	noRetention := base
	noRetention.History.Retention = 0
	if err := noRetention.Validate(); err == nil {
		t.Error("Validate() accepted zero history retention")
	}
}
