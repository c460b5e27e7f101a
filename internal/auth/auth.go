// Package auth guards the administrative API. Token verification against a
// real identity provider lives behind the TokenVerifier interface; this
// package only consumes "verify token -> claims" and "claims has role".
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	// ErrNoToken indicates a missing or malformed Authorization header.
	ErrNoToken = errors.New("missing bearer token")

	// ErrInvalidToken indicates a token the verifier rejected.
	ErrInvalidToken = errors.New("invalid bearer token")
)

// Claims is the verified identity attached to an admin request.
type Claims struct {
	Subject string
	Roles   []string
}

// HasRole reports whether the claims carry the given role.
func (c Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// TokenVerifier turns a bearer token into claims or an error.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (Claims, error)
}

// StaticVerifier accepts a single preconfigured admin token. It stands in
// for an external identity provider in development and single-operator
// deployments.
type StaticVerifier struct {
	token string
	roles []string
}

// NewStaticVerifier creates a verifier for one shared token carrying roles.
func NewStaticVerifier(token string, roles ...string) *StaticVerifier {
	return &StaticVerifier{token: token, roles: roles}
}

func (v *StaticVerifier) Verify(_ context.Context, token string) (Claims, error) {
	if v.token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(v.token)) != 1 {
		return Claims{}, ErrInvalidToken
	}
	return Claims{Subject: "admin", Roles: v.roles}, nil
}

// Middleware verifies bearer tokens and enforces a role on every request it
// wraps. Verified tokens are cached in an LRU so a polling admin UI does not
// hit the verifier on every request.
type Middleware struct {
	verifier TokenVerifier
	role     string
	cache    *lru.Cache[string, Claims]
	logger   *slog.Logger
}

// NewMiddleware creates the role-enforcing middleware. cacheSize bounds the
// verified-token cache.
func NewMiddleware(verifier TokenVerifier, role string, cacheSize int, logger *slog.Logger) *Middleware {
	cache, _ := lru.New[string, Claims](cacheSize)
	return &Middleware{verifier: verifier, role: role, cache: cache, logger: logger}
}

type claimsKey struct{}

// FromContext returns the claims attached by RequireRole.
func FromContext(ctx context.Context) (Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(Claims)
	return claims, ok
}

// RequireRole rejects requests without a verified token carrying the
// configured role. 401 for authentication failures, 403 for missing role.
func (m *Middleware) RequireRole(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := bearerToken(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		claims, ok := m.cache.Get(token)
		if !ok {
			claims, err = m.verifier.Verify(r.Context(), token)
			if err != nil {
				m.logger.Warn("Token verification failed", "path", r.URL.Path, "error", err)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			m.cache.Add(token, claims)
		}

		if !claims.HasRole(m.role) {
			m.logger.Warn("Missing required role", "path", r.URL.Path, "subject", claims.Subject, "role", m.role)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", ErrNoToken
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}
