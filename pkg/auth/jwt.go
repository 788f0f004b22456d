package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalid     = errors.New("invalid token")
	ErrEmptySecret = errors.New("empty signing secret")
)

// Claims identify a dashboard stream: who is watching and which canister.
type Claims struct {
	Subject    string `json:"sub_name"`
	CanisterID string `json:"canister,omitempty"`
	jwt.RegisteredClaims
}

// Generate signs a stream token valid for ttl.
func Generate(secret []byte, subject, canisterID string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", ErrEmptySecret
	}
	now := time.Now()
	claims := Claims{
		Subject:    subject,
		CanisterID: canisterID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "livefeed",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

func Parse(secret []byte, tokenStr string) (*Claims, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(_ *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, ErrInvalid
	}
	if claims, ok := token.Claims.(*Claims); ok {
		return claims, nil
	}
	return nil, ErrInvalid
}
