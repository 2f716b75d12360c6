package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const issuer = "dungeongate"

// Claims carried by gateway session tokens.
type Claims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

type contextKey string

// ContextKeyCaller holds the authenticated caller id (the agent's profile id).
const ContextKeyCaller contextKey = "gateway.caller"

// ErrInvalidToken is returned for any token the gateway will not honor.
var ErrInvalidToken = errors.New("auth: invalid token")

// Issuer mints and verifies HMAC session tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
	log    *slog.Logger
}

// NewIssuer builds a token issuer. The secret must be non-empty.
func NewIssuer(secret string, ttl time.Duration, logger *slog.Logger) (*Issuer, error) {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return nil, errors.New("auth: signing secret required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Issuer{secret: []byte(trimmed), ttl: ttl, now: time.Now, log: logger}, nil
}

// Issue mints a session token for a verified caller.
func (i *Issuer) Issue(callerID, name string) (string, time.Time, error) {
	now := i.now()
	expires := now.Add(i.ttl)
	claims := Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   callerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, expires, nil
}

// Verify parses a session token and returns its claims.
func (i *Issuer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return i.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(func() time.Time { return i.now() }))
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Middleware enforces a valid bearer token and stashes the caller id in the
// request context.
func (i *Issuer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := extractBearer(r.Header.Get("Authorization"))
		if tokenString == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		claims, err := i.Verify(tokenString)
		if err != nil {
			i.log.Warn("token rejected", "path", r.URL.Path, "err", err)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), ContextKeyCaller, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CallerID extracts the authenticated caller from a request context.
func CallerID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ContextKeyCaller).(string)
	return id, ok && id != ""
}

func extractBearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
