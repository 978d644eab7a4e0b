// Package db opens the postgres pool and bootstraps the schema.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Open parses the connection string, applies pool limits suited to a single
// broker instance and verifies connectivity.
func Open(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS chat_permissions (
	user_id    TEXT NOT NULL,
	chat_id    TEXT NOT NULL,
	role       TEXT NOT NULL DEFAULT 'member',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (user_id, chat_id)
);

CREATE TABLE IF NOT EXISTS chat_sequences (
	scope TEXT PRIMARY KEY,
	value BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS chat_sequence_claims (
	message_id TEXT PRIMARY KEY,
	scope      TEXT NOT NULL,
	value      BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS chat_sequence_claims_age_idx
	ON chat_sequence_claims (created_at);

CREATE TABLE IF NOT EXISTS chat_messages (
	chat_id           TEXT NOT NULL,
	publish_ts_ms     BIGINT NOT NULL,
	message_id        UUID NOT NULL,
	sender_id         TEXT NOT NULL DEFAULT '',
	event_type        TEXT NOT NULL,
	content           JSONB,
	client_publish_ts TEXT NOT NULL DEFAULT '',
	message_type      TEXT NOT NULL,
	group_id          TEXT NOT NULL DEFAULT '',
	sequence_number   BIGINT,
	multipart         JSONB,
	retry_count       INT NOT NULL DEFAULT 0,
	expires_at_ms     BIGINT NOT NULL,
	PRIMARY KEY (chat_id, publish_ts_ms, message_id),
	UNIQUE (message_id)
);

CREATE INDEX IF NOT EXISTS chat_messages_sequence_idx
	ON chat_messages (chat_id, sequence_number)
	WHERE sequence_number IS NOT NULL;

CREATE INDEX IF NOT EXISTS chat_messages_expiry_idx
	ON chat_messages (expires_at_ms);
`

// EnsureSchema creates the broker's tables when they do not exist yet.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
