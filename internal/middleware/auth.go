package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/fianchetto/arbiter/internal/auth"
	"github.com/fianchetto/arbiter/internal/models"
	"github.com/fianchetto/arbiter/internal/store"
)

type contextKey string

const UserContextKey contextKey = "user"

type AuthMiddleware struct {
	tokens *auth.JWTService
	store  store.Store
}

func NewAuthMiddleware(tokens *auth.JWTService, st store.Store) *AuthMiddleware {
	return &AuthMiddleware{tokens: tokens, store: st}
}

// RequireAuth validates the bearer token and loads the user into the
// request context. Returns 401 if the token is missing or invalid.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
			return
		}

		claims, err := m.tokens.ValidateToken(parts[1])
		if err != nil {
			if errors.Is(err, auth.ErrExpiredToken) {
				http.Error(w, "Token has expired", http.StatusUnauthorized)
				return
			}
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		user, err := m.store.GetUserByID(r.Context(), claims.UserID)
		if err != nil {
			http.Error(w, "User not found", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), UserContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetUserFromContext retrieves the authenticated user from the request
// context.
func GetUserFromContext(ctx context.Context) (*models.User, bool) {
	user, ok := ctx.Value(UserContextKey).(*models.User)
	return user, ok
}
