package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthenticated is returned by a Resolver when no valid identity is
// present on the request.
var ErrUnauthenticated = errors.New("unauthenticated")

// Resolver resolves the authenticated user for a request. Identity is
// never read from the request body — token issuance and account
// management belong to the surrounding product, not this server.
type Resolver interface {
	Resolve(r *http.Request) (int64, error)
}

// TokenResolver maps static bearer tokens to user IDs.
type TokenResolver struct {
	tokens map[string]int64
}

// NewTokenResolver builds a resolver from a token→user mapping.
func NewTokenResolver(tokens map[string]int64) *TokenResolver {
	return &TokenResolver{tokens: tokens}
}

// Resolve extracts and validates the Authorization bearer token.
func (t *TokenResolver) Resolve(r *http.Request) (int64, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return 0, ErrUnauthenticated
	}

	userID, ok := t.tokens[token]
	if !ok {
		return 0, ErrUnauthenticated
	}
	return userID, nil
}

type contextKey int

const ownerIDKey contextKey = iota

// OwnerFromContext extracts the authenticated user ID placed by the auth
// middleware. The second return is false on routes that bypassed it.
func OwnerFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(ownerIDKey).(int64)
	return id, ok
}

// requireAuth rejects requests without a resolvable identity and stores
// the owner ID in the request context for handlers downstream.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ownerID, err := s.auth.Resolve(r)
		if err != nil {
			s.errorResponse(w, http.StatusUnauthorized, "authentication required")
			return
		}

		ctx := context.WithValue(r.Context(), ownerIDKey, ownerID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
