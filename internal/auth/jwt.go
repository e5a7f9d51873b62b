package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"echo.app/echo-server/internal/apierr"
)

// Claims is the identity carried by a verified token.
type Claims struct {
	Email   string `json:"email"`
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret []byte
	ttl    time.Duration
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), ttl: 24 * time.Hour}
}

// GenerateJWT signs a token for the given identity. Used by the CLI and tests;
// production tokens come from the identity provider exchange.
func (v *Verifier) GenerateJWT(subject, email, name, picture string) (string, error) {
	now := time.Now()
	claims := Claims{
		Email:   email,
		Name:    name,
		Picture: picture,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// Verify checks signature and expiry and returns the identity claims.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("missing token: %w", apierr.ErrUnauthenticated)
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apierr.ErrUnauthenticated, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token: %w", apierr.ErrUnauthenticated)
	}
	if claims.Subject == "" || claims.Email == "" {
		return nil, fmt.Errorf("token lacks subject or email: %w", apierr.ErrUnauthenticated)
	}
	return claims, nil
}

// IsExpired reports whether err came from an expired token.
func IsExpired(err error) bool {
	return errors.Is(err, jwt.ErrTokenExpired)
}
