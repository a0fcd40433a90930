// Package auth verifies the bearer tokens issued by the identity provider.
// The token subject is the user id; the email claim seeds lazy profiles.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// UserID parses the subject claim.
func (c *Claims) UserID() (uuid.UUID, error) {
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("subject is not a user id: %w", err)
	}
	return id, nil
}

// GenerateJWT creates a token with the given lifetime. If expiration <= 0, 24h is used.
func GenerateJWT(secret, issuer string, userID uuid.UUID, email string, expiration time.Duration) (string, error) {
	if expiration <= 0 {
		expiration = 24 * time.Hour
	}

	now := time.Now()
	claims := Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseJWT validates tokenStr. A non-empty issuer must match the iss claim.
func ParseJWT(secret, issuer, tokenStr string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, opts...)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if _, err := claims.UserID(); err != nil {
		return nil, err
	}
	return claims, nil
}
