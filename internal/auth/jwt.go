// Package auth verifies the bearer tokens presented on both ingress paths
// and carries the authenticated principal through request contexts.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken covers malformed, mis-signed and expired tokens.
	ErrInvalidToken = errors.New("invalid token")
	// ErrNoPrincipal marks a valid token that carries no user identity;
	// the connection is authenticated but cannot act.
	ErrNoPrincipal = errors.New("token carries no user id")
)

// Claims is the token payload the broker understands. UserID falls back to
// the registered subject when the custom claim is absent.
type Claims struct {
	UserID string `json:"userId,omitempty"`
	Admin  bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// Principal is the authenticated caller attached to request contexts.
type Principal struct {
	UserID string
	Admin  bool
}

// Manager signs and verifies HS256 tokens with a shared secret.
type Manager struct {
	secret []byte
	ttl    time.Duration
}

func NewManager(secret string, ttl time.Duration) *Manager {
	return &Manager{secret: []byte(secret), ttl: ttl}
}

// Generate mints a token for the given user. Used by the dev token endpoint
// and by tests; production tokens come from the identity provider.
func (m *Manager) Generate(userID string, admin bool) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		Admin:  admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    "chat-relay",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning the principal it names.
// The signing method is pinned to HMAC so an attacker cannot downgrade.
func (m *Manager) Verify(token string) (*Principal, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return nil, ErrNoPrincipal
	}
	return &Principal{UserID: userID, Admin: claims.Admin}, nil
}

// TokenFromHeader extracts a bearer token from the Authorization header.
func TokenFromHeader(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// TokenFromQuery extracts the token query parameter used on the WebSocket
// path, where browsers cannot set headers.
func TokenFromQuery(r *http.Request) string {
	return r.URL.Query().Get("token")
}

// Middleware authenticates HTTP requests and stores the principal in the
// request context. The bearer header wins; the token query parameter is the
// fallback for the WebSocket handshake. Missing or invalid credentials end
// the request with 401; a valid token without a user id ends it with 403.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := TokenFromHeader(r)
		if token == "" {
			token = TokenFromQuery(r)
		}
		if token == "" {
			deny(w, http.StatusUnauthorized, "unauthenticated")
			return
		}
		principal, err := m.Verify(token)
		if err != nil {
			if errors.Is(err, ErrNoPrincipal) {
				deny(w, http.StatusForbidden, "forbidden")
				return
			}
			deny(w, http.StatusUnauthorized, "unauthenticated")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

func deny(w http.ResponseWriter, status int, kind string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q}`, kind)
}
