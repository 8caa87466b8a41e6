package identity

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-chat-relay/internal/chat"
)

func TestJWT_IssueAndVerify(t *testing.T) {
	j := NewJWT("secret", "")
	token, err := j.Issue("alice", "Alice", time.Hour)
	require.NoError(t, err)

	user, err := j.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
}

func TestJWT_Rejects(t *testing.T) {
	j := NewJWT("secret", "")
	valid, err := j.Issue("alice", "", time.Hour)
	require.NoError(t, err)

	expired, err := j.Issue("alice", "", -time.Minute)
	require.NoError(t, err)

	otherKey, err := NewJWT("other", "").Issue("alice", "", time.Hour)
	require.NoError(t, err)

	otherIssuer, err := NewJWT("secret", "someone-else").Issue("alice", "", time.Hour)
	require.NoError(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "alice", Issuer: DefaultIssuer},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    DefaultIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty", token: ""},
		{name: "garbage", token: "not.a.token"},
		{name: "expired", token: expired},
		{name: "wrong key", token: otherKey},
		{name: "wrong issuer", token: otherIssuer},
		{name: "no expiry", token: noExpiry},
		{name: "no subject", token: noSubject},
		{name: "tampered", token: valid + "x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := j.Verify(context.Background(), tt.token)
			assert.ErrorIs(t, err, chat.ErrAuth)
		})
	}

	_, err = j.Issue("", "", time.Hour)
	assert.Error(t, err)
}
