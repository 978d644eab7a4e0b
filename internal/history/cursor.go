package history

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrMalformedCursor marks a startKey that cannot be decoded; read
	// paths answer 400.
	ErrMalformedCursor = errors.New("malformed cursor")
	// ErrUnknownCursor marks a well-formed cursor that does not belong to
	// the requested chat; read paths answer 404.
	ErrUnknownCursor = errors.New("unknown cursor")
)

// Cursor pins a position in a chat's reverse-chronological index. The chat id
// travels inside the token so a cursor cannot be replayed against another
// chat.
type Cursor struct {
	Ms        int64
	MessageID uuid.UUID
	ChatID    string
}

// Encode renders the cursor as an opaque URL-safe token. The zero cursor
// encodes to the empty string.
func Encode(c Cursor) string {
	if c.Ms == 0 && c.MessageID == uuid.Nil {
		return ""
	}
	raw := fmt.Sprintf("%d|%s|%s", c.Ms, c.MessageID, c.ChatID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a token produced by Encode.
func Decode(token string) (Cursor, error) {
	if token == "" {
		return Cursor{}, ErrMalformedCursor
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrMalformedCursor, err)
	}
	// The chat id is last and may itself contain separators.
	parts := strings.SplitN(string(raw), "|", 3)
	if len(parts) != 3 {
		return Cursor{}, fmt.Errorf("%w: wrong segment count", ErrMalformedCursor)
	}
	ms, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: bad timestamp", ErrMalformedCursor)
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: bad message id", ErrMalformedCursor)
	}
	return Cursor{Ms: ms, MessageID: id, ChatID: parts[2]}, nil
}
