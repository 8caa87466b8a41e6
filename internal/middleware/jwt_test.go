package myMiddleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-chat-relay/internal/identity"
)

func TestAuthMiddleware(t *testing.T) {
	jwt := identity.NewJWT("secret", "")
	token, err := jwt.Issue("alice", "", time.Hour)
	require.NoError(t, err)

	var seen string
	handler := NewAuthMiddleware(jwt).Handle(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = UserFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		setup  func(r *http.Request)
		status int
		user   string
	}{
		{name: "bearer header", setup: func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }, status: http.StatusNoContent, user: "alice"},
		{name: "query param", setup: func(r *http.Request) { r.URL.RawQuery = "token=" + token }, status: http.StatusNoContent, user: "alice"},
		{name: "missing", setup: func(*http.Request) {}, status: http.StatusUnauthorized},
		{name: "wrong scheme", setup: func(r *http.Request) { r.Header.Set("Authorization", "Basic "+token) }, status: http.StatusUnauthorized},
		{name: "invalid", setup: func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, status: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, "/api/presence/bob", nil)
			tt.setup(req)
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.user, seen)
		})
	}
}
