// Package identity turns a pre-issued bearer token into a verified user id.
// Issuing real tokens is the identity provider's job; Issue exists for
// development and load testing.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"go-chat-relay/internal/chat"
)

const DefaultIssuer = "go-chat-relay"

// Verifier validates an identity token and returns the user it names.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// Claims carried by the HS256 tokens. The user id is the subject.
type Claims struct {
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

type JWT struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewJWT(secret, issuer string) *JWT {
	if issuer == "" {
		issuer = DefaultIssuer
	}
	return &JWT{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Verify checks signature, issuer and expiry. Every failure wraps
// chat.ErrAuth.
func (j *JWT) Verify(_ context.Context, tokenString string) (string, error) {
	if tokenString == "" {
		return "", fmt.Errorf("%w: missing token", chat.ErrAuth)
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return j.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(j.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(j.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", chat.ErrAuth, err)
	}
	if !token.Valid {
		return "", fmt.Errorf("%w: invalid token", chat.ErrAuth)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", chat.ErrAuth)
	}
	return claims.Subject, nil
}

// Issue signs a token for userID valid for ttl.
func (j *JWT) Issue(userID, username string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("issue token: empty user id")
	}
	now := j.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    j.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(j.secret)
}
