package auth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey int

const identityKey contextKey = iota

// Identity is what the middleware resolves for downstream handlers and the
// rate limiter.
type Identity struct {
	UserID string
	Role   Role
}

// IdentityFromContext returns the authenticated identity, if any.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// WithIdentity injects an identity into the context; used by tests.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// TokenVerifier is the slice of Service the middleware needs.
type TokenVerifier interface {
	VerifyToken(tokenString string) (string, Role, error)
}

// Middleware resolves the bearer token into an identity. Requests without a
// valid token continue as anonymous; handlers that need a user call
// RequireIdentity. This ordering lets the rate limiter key authenticated
// traffic by user id instead of address.
func Middleware(verifier TokenVerifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if token, ok := strings.CutPrefix(header, "Bearer "); ok {
				if userID, role, err := verifier.VerifyToken(strings.TrimSpace(token)); err == nil {
					r = r.WithContext(WithIdentity(r.Context(), Identity{UserID: userID, Role: role}))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireIdentity extracts the identity or writes a 401.
func RequireIdentity(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
	return id, ok
}

// RequireRole extracts the identity and enforces a role, writing 401/403 on
// failure.
func RequireRole(w http.ResponseWriter, r *http.Request, role Role) (Identity, bool) {
	id, ok := RequireIdentity(w, r)
	if !ok {
		return Identity{}, false
	}
	if id.Role != role {
		http.Error(w, "forbidden", http.StatusForbidden)
		return Identity{}, false
	}
	return id, true
}
