package history

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/metrics"
)

func TestCursorRoundTrip(t *testing.T) {
	original := Cursor{
		Ms:        1730635200000,
		MessageID: uuid.MustParse("c1d9b7dc-a1b2-4c3d-9e8f-7a6b5c4d3e2f"),
		ChatID:    "chat-1",
	}

	token := Encode(original)
	if token == "" {
		t.Fatal("Encode() returned empty token for non-zero cursor")
	}

	decoded, err := Decode(token)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if decoded != original {
		t.Errorf("round trip = %+v, want %+v", decoded, original)
	}
}

func TestCursorChatIDMayContainSeparator(t *testing.T) {
	original := Cursor{
		Ms:        42,
		MessageID: uuid.MustParse("c1d9b7dc-a1b2-4c3d-9e8f-7a6b5c4d3e2f"),
		ChatID:    "tenant|chat-1",
	}
	decoded, err := Decode(Encode(original))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if decoded.ChatID != original.ChatID {
		t.Errorf("ChatID = %q, want %q", decoded.ChatID, original.ChatID)
	}
}

func TestEncodeZeroCursor(t *testing.T) {
	if got := Encode(Cursor{}); got != "" {
		t.Errorf("Encode(zero) = %q, want empty", got)
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"not base64", "%%%"},
		{"missing segments", base64.RawURLEncoding.EncodeToString([]byte("12345"))},
		{"two segments only", base64.RawURLEncoding.EncodeToString([]byte("12345|abc"))},
		{"bad timestamp", base64.RawURLEncoding.EncodeToString([]byte("abc|c1d9b7dc-a1b2-4c3d-9e8f-7a6b5c4d3e2f|chat-1"))},
		{"bad message id", base64.RawURLEncoding.EncodeToString([]byte("12345|not-a-uuid|chat-1"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.token); !errors.Is(err, ErrMalformedCursor) {
				t.Errorf("Decode(%q) error = %v, want ErrMalformedCursor", tt.token, err)
			}
		})
	}
}

// The cursor gate and the zero-limit short circuit run before any database
// work, so a nil pool exercises them safely.
func TestListRejectsBadCursors(t *testing.T) {
	s := NewStore(nil, zerolog.Nop(), metrics.NewRegistry(), Config{
		Retention:    30 * 24 * time.Hour,
		DefaultLimit: 50,
		MaxLimit:     100,
	})

	_, err := s.List(context.Background(), ListRequest{ChatID: "chat-1", Limit: 10, StartKey: "%%%"})
	if !errors.Is(err, ErrMalformedCursor) {
		t.Errorf("List() with malformed startKey error = %v, want ErrMalformedCursor", err)
	}

	foreign := Encode(Cursor{Ms: 42, MessageID: uuid.New(), ChatID: "chat-other"})
	_, err = s.List(context.Background(), ListRequest{ChatID: "chat-1", Limit: 10, StartKey: foreign})
	if !errors.Is(err, ErrUnknownCursor) {
		t.Errorf("List() with foreign-chat startKey error = %v, want ErrUnknownCursor", err)
	}
}

func TestListZeroLimit(t *testing.T) {
	s := NewStore(nil, zerolog.Nop(), metrics.NewRegistry(), Config{
		Retention:    30 * 24 * time.Hour,
		DefaultLimit: 50,
		MaxLimit:     100,
	})

	page, err := s.List(context.Background(), ListRequest{ChatID: "chat-1", Limit: 0})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(page.Items) != 0 {
		t.Errorf("List() items = %d, want 0", len(page.Items))
	}
	if page.NextKey != "" {
		t.Errorf("List() nextKey = %q, want empty", page.NextKey)
	}
}

func TestClampLimit(t *testing.T) {
	s := NewStore(nil, zerolog.Nop(), metrics.NewRegistry(), Config{
		Retention:    30 * 24 * time.Hour,
		DefaultLimit: 50,
		MaxLimit:     100,
	})

	tests := []struct {
		name  string
		limit int
		want  int
	}{
		{"absent uses default", -1, 50},
		{"zero stays zero", 0, 0},
		{"within bounds", 7, 7},
		{"at max", 100, 100},
		{"above max clamps", 500, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.clampLimit(tt.limit); got != tt.want {
				t.Errorf("clampLimit(%d) = %d, want %d", tt.limit, got, tt.want)
			}
		})
	}
}
