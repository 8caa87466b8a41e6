package myMiddleware

import (
	"context"
	"net/http"
	"strings"

	"go-chat-relay/internal/identity"
)

// 1. Context key for the verified user id
type contextKey string

const UserKey contextKey = "user_id"

// 2. The Middleware Structure
type AuthMiddleware struct {
	verifier identity.Verifier
}

func NewAuthMiddleware(v identity.Verifier) *AuthMiddleware {
	return &AuthMiddleware{verifier: v}
}

// TokenFromRequest reads a bearer token from the Authorization header, or
// from the token query parameter for browsers opening a websocket.
func TokenFromRequest(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		scheme, token, ok := strings.Cut(authHeader, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

// 3. The actual Handler
func (am *AuthMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := TokenFromRequest(r)
		if tokenString == "" {
			http.Error(w, "Missing authentication token", http.StatusUnauthorized)
			return
		}

		userID, err := am.verifier.Verify(r.Context(), tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		// 4. Inject into Context
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID)))
	})
}

func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserKey, userID)
}

// UserFromContext returns the user id stored by Handle.
func UserFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserKey).(string)
	return userID, ok && userID != ""
}
