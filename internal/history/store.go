// Package history persists every routed envelope for thirty days and serves
// paginated reverse-chronological reads over it.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/envelope"
	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/metrics"
)

// Config bounds reads and retention.
type Config struct {
	Retention    time.Duration
	DefaultLimit int
	MaxLimit     int
}

type Store struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
	met  *metrics.Registry
	cfg  Config
}

func NewStore(pool *pgxpool.Pool, log zerolog.Logger, met *metrics.Registry, cfg Config) *Store {
	if cfg.DefaultLimit < 1 {
		cfg.DefaultLimit = 50
	}
	if cfg.MaxLimit < cfg.DefaultLimit {
		cfg.MaxLimit = cfg.DefaultLimit
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	return &Store{
		pool: pool,
		log:  log.With().Str("component", "history").Logger(),
		met:  met,
		cfg:  cfg,
	}
}

// Put appends the envelope keyed by (chat, publish timestamp). Appends are
// idempotent by message id, so a redelivered envelope lands only once.
func (s *Store) Put(ctx context.Context, env *envelope.Envelope) error {
	publishMs := env.PublishTimestamp.UnixMilli()
	expiresMs := env.PublishTimestamp.Add(s.cfg.Retention).UnixMilli()

	var multipart []byte
	if env.MultiPart != nil {
		b, err := json.Marshal(env.MultiPart)
		if err != nil {
			return fmt.Errorf("encode multipart metadata: %w", err)
		}
		multipart = b
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO chat_messages (
			chat_id, publish_ts_ms, message_id, sender_id, event_type,
			content, client_publish_ts, message_type, group_id,
			sequence_number, multipart, retry_count, expires_at_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (message_id) DO NOTHING`,
		env.ChatID, publishMs, env.MessageID, env.SenderID, env.EventType,
		[]byte(env.Content), env.ClientPublishTimestamp, string(env.MessageType), env.GroupID,
		env.SequenceNumber, multipart, env.RetryCount, expiresMs,
	)
	if err != nil {
		s.met.HistoryAppendErrs.Inc()
		return fmt.Errorf("append message %s: %w", env.MessageID, err)
	}
	s.met.HistoryAppends.Inc()
	return nil
}

// ListRequest names a page of a chat's history. Limit -1 means "not
// specified"; FromMs/ToMs bound the publish timestamp inclusively.
type ListRequest struct {
	ChatID   string
	Limit    int
	StartKey string
	FromMs   *int64
	ToMs     *int64
}

// Page is one read result, newest first.
type Page struct {
	Items   []*envelope.Envelope
	NextKey string
}

// List returns up to the clamped limit of messages in reverse chronological
// order. Rows past their TTL are filtered out even before the sweeper
// removes them.
func (s *Store) List(ctx context.Context, req ListRequest) (*Page, error) {
	limit := s.clampLimit(req.Limit)
	if limit == 0 {
		return &Page{Items: []*envelope.Envelope{}}, nil
	}

	var cursorMs *int64
	var cursorID *uuid.UUID
	if req.StartKey != "" {
		cur, err := Decode(req.StartKey)
		if err != nil {
			return nil, err
		}
		if cur.ChatID != req.ChatID {
			return nil, fmt.Errorf("%w: cursor belongs to another chat", ErrUnknownCursor)
		}
		cursorMs = &cur.Ms
		id := cur.MessageID
		cursorID = &id
	}

	rows, err := s.pool.Query(ctx, `
		SELECT chat_id, publish_ts_ms, message_id, sender_id, event_type,
		       content, client_publish_ts, message_type, group_id,
		       sequence_number, multipart, retry_count
		FROM chat_messages
		WHERE chat_id = $1
		  AND expires_at_ms > $2
		  AND ($3::BIGINT IS NULL OR publish_ts_ms >= $3)
		  AND ($4::BIGINT IS NULL OR publish_ts_ms <= $4)
		  AND ($5::BIGINT IS NULL OR (publish_ts_ms, message_id) < ($5, $6::UUID))
		ORDER BY publish_ts_ms DESC, message_id DESC
		LIMIT $7`,
		req.ChatID, time.Now().UnixMilli(),
		req.FromMs, req.ToMs,
		cursorMs, cursorID,
		limit+1,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages for chat %q: %w", req.ChatID, err)
	}
	defer rows.Close()

	items := make([]*envelope.Envelope, 0, limit)
	var lastMs int64
	var lastID uuid.UUID
	more := false
	for rows.Next() {
		if len(items) == limit {
			more = true
			break
		}
		env, ms, id, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, env)
		lastMs, lastID = ms, id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages for chat %q: %w", req.ChatID, err)
	}

	page := &Page{Items: items}
	if more {
		page.NextKey = Encode(Cursor{Ms: lastMs, MessageID: lastID, ChatID: req.ChatID})
	}
	s.met.HistoryReads.Inc()
	return page, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*envelope.Envelope, int64, uuid.UUID, error) {
	var (
		env       envelope.Envelope
		publishMs int64
		id        uuid.UUID
		content   []byte
		mtype     string
		seq       *int64
		multipart []byte
	)
	err := row.Scan(
		&env.ChatID, &publishMs, &id, &env.SenderID, &env.EventType,
		&content, &env.ClientPublishTimestamp, &mtype, &env.GroupID,
		&seq, &multipart, &env.RetryCount,
	)
	if err != nil {
		return nil, 0, uuid.Nil, fmt.Errorf("scan message row: %w", err)
	}
	env.MessageID = id.String()
	env.PublishTimestamp = time.UnixMilli(publishMs).UTC()
	env.Content = json.RawMessage(content)
	env.MessageType = envelope.Type(mtype)
	env.SequenceNumber = seq
	if len(multipart) > 0 {
		var mp envelope.MultiPart
		if err := json.Unmarshal(multipart, &mp); err == nil {
			env.MultiPart = &mp
		}
	}
	return &env, publishMs, id, nil
}

// clampLimit applies the default and the cap. Zero stays zero: the caller
// asked for an empty page.
func (s *Store) clampLimit(limit int) int {
	if limit < 0 {
		return s.cfg.DefaultLimit
	}
	if limit > s.cfg.MaxLimit {
		return s.cfg.MaxLimit
	}
	return limit
}

// RunSweeper deletes expired rows at the given interval until ctx is
// canceled. Reads already filter on the TTL, so the sweep is reclamation,
// not correctness.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.sweep(ctx)
			if err != nil {
				s.log.Error().Err(err).Msg("retention sweep failed")
				continue
			}
			if n > 0 {
				s.log.Info().Int64("rows", n).Msg("retention sweep removed expired messages")
			}
		}
	}
}

func (s *Store) sweep(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM chat_messages WHERE expires_at_ms < $1`,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	n := tag.RowsAffected()
	s.met.HistoryExpired.Add(float64(n))
	return n, nil
}
