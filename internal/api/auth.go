package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AllConversations is the token subject granting access to every conversation.
const AllConversations = "*"

// AuthConfig selects how API callers authenticate. A static Token grants full
// access. A JWTSecret enables HS256 tokens whose subject limits access to one
// conversation. With neither set, authentication is disabled.
type AuthConfig struct {
	Token     string
	JWTSecret string
}

// Enabled reports whether any credential is configured.
func (c AuthConfig) Enabled() bool {
	return c.Token != "" || c.JWTSecret != ""
}

// Claims are the JWT claims accepted by the API. The standard subject holds
// the conversation id the token is scoped to, or AllConversations.
type Claims struct {
	jwt.RegisteredClaims
}

// IssueToken signs a token for subject valid for ttl.
func IssueToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is not configured")
	}
	if subject == "" {
		return "", errors.New("token subject is required")
	}
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "membot",
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// ParseToken validates a signed token and returns its claims.
func ParseToken(secret, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

type scopeKey struct{}

// withScope records the conversation the caller may access.
func withScope(ctx context.Context, scope string) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope)
}

// allowed reports whether the caller may access conversation id.
func allowed(ctx context.Context, id string) bool {
	scope, ok := ctx.Value(scopeKey{}).(string)
	if !ok {
		return false
	}
	return scope == AllConversations || scope == id
}

// Authenticate checks the bearer credential and records its scope on the
// request context.
func Authenticate(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled() {
				next.ServeHTTP(w, r.WithContext(withScope(r.Context(), AllConversations)))
				return
			}

			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			cred := strings.TrimSpace(auth[len(prefix):])

			if cfg.Token != "" && subtle.ConstantTimeCompare([]byte(cred), []byte(cfg.Token)) == 1 {
				next.ServeHTTP(w, r.WithContext(withScope(r.Context(), AllConversations)))
				return
			}
			if cfg.JWTSecret != "" {
				if claims, err := ParseToken(cfg.JWTSecret, cred); err == nil && claims.Subject != "" {
					next.ServeHTTP(w, r.WithContext(withScope(r.Context(), claims.Subject)))
					return
				}
			}
			httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
		})
	}
}
