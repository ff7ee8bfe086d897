// Package identity turns bearer tokens into the caller's identity.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Kobia22/lanesParkin-sub001/internal/domain"
)

var ErrTokenInvalid = errors.New("invalid token")

type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify checks an HS256 token and returns the identity in its sub, email and role claims.
func (v *Verifier) Verify(tokenString string) (domain.Identity, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return domain.Identity{}, fmt.Errorf("%w: malformed", ErrTokenInvalid)
		case errors.Is(err, jwt.ErrTokenExpired):
			return domain.Identity{}, fmt.Errorf("%w: expired", ErrTokenInvalid)
		case errors.Is(err, jwt.ErrTokenNotValidYet):
			return domain.Identity{}, fmt.Errorf("%w: not valid yet", ErrTokenInvalid)
		}
		return domain.Identity{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return domain.Identity{}, ErrTokenInvalid
	}

	sub, _ := claims["sub"].(string)
	email, _ := claims["email"].(string)
	role, _ := claims["role"].(string)
	if sub == "" || role == "" {
		return domain.Identity{}, fmt.Errorf("%w: missing sub or role claim", ErrTokenInvalid)
	}
	return domain.Identity{UserID: sub, Email: email, Role: domain.UserRole(role)}, nil
}

// Issue signs a token for id that expires after ttl.
func (v *Verifier) Issue(id domain.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   id.UserID,
		"email": id.Email,
		"role":  string(id.Role),
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	})
	return token.SignedString(v.secret)
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id domain.Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext is the current user, if any.
func FromContext(ctx context.Context) (domain.Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(domain.Identity)
	return id, ok
}
