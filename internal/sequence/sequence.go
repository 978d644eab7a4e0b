// Package sequence issues per-chat consecutive integers. The counter lives
// in a durable row and every issued number is claimed under the message id
// that drew it, so a redelivered message reads its original number back
// instead of advancing the counter. The increment is a single statement and
// therefore linearizable: two workers racing on one scope can never read the
// same value, and the first claim for a scope returns 1.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

type Service struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

func New(pool *pgxpool.Pool, log zerolog.Logger) *Service {
	return &Service{
		pool: pool,
		log:  log.With().Str("component", "sequence").Logger(),
	}
}

// The counter only advances when no claim exists for the message yet;
// otherwise the recorded value is returned unchanged. Both reads and the
// write happen in one statement so a crash can never separate the increment
// from its claim.
const assignSQL = `
	WITH existing AS (
		SELECT value FROM chat_sequence_claims WHERE message_id = $1
	), advanced AS (
		INSERT INTO chat_sequences AS s (scope, value)
		SELECT $2, 1 WHERE NOT EXISTS (SELECT 1 FROM existing)
		ON CONFLICT (scope) DO UPDATE SET value = s.value + 1
		RETURNING value
	), claimed AS (
		INSERT INTO chat_sequence_claims (message_id, scope, value)
		SELECT $1, $2, value FROM advanced
		ON CONFLICT (message_id) DO NOTHING
		RETURNING value
	)
	SELECT value FROM claimed
	UNION ALL
	SELECT value FROM existing`

// Assign returns the sequence number for the message in the scope, drawing a
// fresh one on first sight and the originally claimed one on every call
// after that.
func (s *Service) Assign(ctx context.Context, scope, messageID string) (int64, error) {
	var value int64
	err := s.pool.QueryRow(ctx, assignSQL, messageID, scope).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		// A concurrent claim for the same message won the insert race; read
		// the number it recorded.
		err = s.pool.QueryRow(ctx,
			`SELECT value FROM chat_sequence_claims WHERE message_id = $1`,
			messageID,
		).Scan(&value)
	}
	if err != nil {
		return 0, fmt.Errorf("assign sequence for message %q in scope %q: %w", messageID, scope, err)
	}
	return value, nil
}

// RunSweeper deletes claims old enough that no redelivery can still ask for
// them. Interval and horizon are shared with the history retention settings
// so one knob governs both tables.
func (s *Service) RunSweeper(ctx context.Context, interval, keep time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tag, err := s.pool.Exec(ctx,
				`DELETE FROM chat_sequence_claims WHERE created_at < $1`,
				time.Now().Add(-keep),
			)
			if err != nil {
				s.log.Error().Err(err).Msg("claim sweep failed")
				continue
			}
			if n := tag.RowsAffected(); n > 0 {
				s.log.Info().Int64("rows", n).Msg("claim sweep removed settled claims")
			}
		}
	}
}
