// Package permission answers whether a user may act on a chat. The broker
// only reads the mapping; a management surface mutates it.
package permission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// ErrUnavailable is returned when the backing store cannot be reached; the
// caller answers with a retryable server error, never with a deny.
var ErrUnavailable = errors.New("permission store unavailable")

// Resolver is the lookup the ingress and read paths gate on.
type Resolver interface {
	// May reports whether userID holds a permission entry for chatID.
	// An absent entry is a deny, not an error.
	May(ctx context.Context, userID, chatID string) (bool, error)
}

// Entry is one (user, chat) grant.
type Entry struct {
	UserID    string    `json:"userId"`
	ChatID    string    `json:"chatId"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store reads and mutates grants in postgres.
type Store struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

func NewStore(pool *pgxpool.Pool, log zerolog.Logger) *Store {
	return &Store{pool: pool, log: log.With().Str("component", "permission").Logger()}
}

// May performs the keyed lookup. Store failures surface as ErrUnavailable.
func (s *Store) May(ctx context.Context, userID, chatID string) (bool, error) {
	var role string
	err := s.pool.QueryRow(ctx,
		`SELECT role FROM chat_permissions WHERE user_id = $1 AND chat_id = $2`,
		userID, chatID,
	).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Str("chat_id", chatID).Msg("permission lookup failed")
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return true, nil
}

// Grant upserts an entry; re-granting updates the role.
func (s *Store) Grant(ctx context.Context, e Entry) error {
	if e.Role == "" {
		e.Role = "member"
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chat_permissions (user_id, chat_id, role, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id, chat_id) DO UPDATE SET role = EXCLUDED.role`,
		e.UserID, e.ChatID, e.Role,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Revoke deletes an entry. Revoking an absent entry is a no-op.
func (s *Store) Revoke(ctx context.Context, userID, chatID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM chat_permissions WHERE user_id = $1 AND chat_id = $2`,
		userID, chatID,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// ListByUser returns every grant held by a user.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]Entry, error) {
	return s.list(ctx,
		`SELECT user_id, chat_id, role, created_at FROM chat_permissions WHERE user_id = $1 ORDER BY chat_id`,
		userID)
}

// ListByChat returns every grant on a chat.
func (s *Store) ListByChat(ctx context.Context, chatID string) ([]Entry, error) {
	return s.list(ctx,
		`SELECT user_id, chat_id, role, created_at FROM chat_permissions WHERE chat_id = $1 ORDER BY user_id`,
		chatID)
}

func (s *Store) list(ctx context.Context, query, arg string) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.UserID, &e.ChatID, &e.Role, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out, nil
}
