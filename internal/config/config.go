// Package config loads the broker configuration from the environment. Every
// variable carries the RELAY_ prefix; a local .env file is honored when
// present.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Server   Server   `envPrefix:"SERVER_"`
	NATS     NATS     `envPrefix:"NATS_"`
	Database Database `envPrefix:"DB_"`
	Auth     Auth     `envPrefix:"AUTH_"`
	Lane     Lane     `envPrefix:"LANE_"`
	Ack      Ack      `envPrefix:"ACK_"`
	History  History  `envPrefix:"HISTORY_"`
	Registry Registry `envPrefix:"REGISTRY_"`
	WS       WS       `envPrefix:"WS_"`
	Log      Log      `envPrefix:"LOG_"`
}

type Server struct {
	Addr            string        `env:"ADDR" envDefault:":8080"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

type NATS struct {
	URL           string        `env:"URL" envDefault:"nats://localhost:4222"`
	MaxReconnects int           `env:"MAX_RECONNECTS" envDefault:"-1"`
	ReconnectWait time.Duration `env:"RECONNECT_WAIT" envDefault:"2s"`
	Timeout       time.Duration `env:"TIMEOUT" envDefault:"5s"`
}

type Database struct {
	URL string `env:"URL" envDefault:"postgres://localhost:5432/chatrelay"`
}

type Auth struct {
	JWTSecret string        `env:"JWT_SECRET"`
	TokenTTL  time.Duration `env:"TOKEN_TTL" envDefault:"24h"`
	DevTokens bool          `env:"DEV_TOKENS" envDefault:"false"`
}

type Lane struct {
	OrderedFetch  int           `env:"ORDERED_FETCH" envDefault:"16"`
	FastBatch     int           `env:"FAST_BATCH" envDefault:"10"`
	BatchDeadline time.Duration `env:"BATCH_DEADLINE" envDefault:"10s"`
	AckWait       time.Duration `env:"ACK_WAIT" envDefault:"30s"`
	MaxDeliver    int           `env:"MAX_DELIVER" envDefault:"3"`
	RetryDelay    time.Duration `env:"RETRY_DELAY" envDefault:"200ms"`
	DedupWindow   time.Duration `env:"DEDUP_WINDOW" envDefault:"5m"`
	GroupBuffer   int           `env:"GROUP_BUFFER" envDefault:"64"`
}

type Ack struct {
	Timeout time.Duration `env:"TIMEOUT" envDefault:"5s"`
}

type History struct {
	Retention     time.Duration `env:"RETENTION" envDefault:"720h"`
	DefaultLimit  int           `env:"DEFAULT_LIMIT" envDefault:"50"`
	MaxLimit      int           `env:"MAX_LIMIT" envDefault:"100"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1h"`
}

type Registry struct {
	WriterBuffer   int           `env:"WRITER_BUFFER" envDefault:"256"`
	SendRetry      time.Duration `env:"SEND_RETRY" envDefault:"50ms"`
	MaxConnections int           `env:"MAX_CONNECTIONS" envDefault:"50000"`
}

type WS struct {
	MsgRate  float64 `env:"MSG_RATE" envDefault:"20"`
	MsgBurst int     `env:"MSG_BURST" envDefault:"40"`
	MaxFrame int64   `env:"MAX_FRAME" envDefault:"65536"`
}

type Log struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"json"`
}

// Load reads .env when present, parses the environment and validates the
// result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "RELAY_"}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the broker cannot run with and clamps
// values that only make sense positive.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return errors.New("RELAY_AUTH_JWT_SECRET is required")
	}
	if c.Lane.FastBatch < 1 {
		c.Lane.FastBatch = 1
	}
	if c.Lane.OrderedFetch < 1 {
		c.Lane.OrderedFetch = 1
	}
	if c.Lane.MaxDeliver < 1 {
		c.Lane.MaxDeliver = 1
	}
	if c.Lane.GroupBuffer < 1 {
		c.Lane.GroupBuffer = 1
	}
	if c.History.DefaultLimit < 1 {
		c.History.DefaultLimit = 50
	}
	if c.History.MaxLimit < c.History.DefaultLimit {
		c.History.MaxLimit = c.History.DefaultLimit
	}
	if c.Registry.WriterBuffer < 1 {
		c.Registry.WriterBuffer = 1
	}
	if c.Ack.Timeout <= 0 {
		return fmt.Errorf("RELAY_ACK_TIMEOUT must be positive, got %s", c.Ack.Timeout)
	}
	if c.History.Retention <= 0 {
		return fmt.Errorf("RELAY_HISTORY_RETENTION must be positive, got %s", c.History.Retention)
	}
	return nil
}
