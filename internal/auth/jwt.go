// Package auth holds the credential primitives of the API: signed session
// handles, one-time code generation and hashing, the permanent-code cache
// and the HTTP middleware that turns a request into an authenticated
// identity.
//
// SESSION HANDLE FLOW:
//  1. A verified login creates a session row keyed by an opaque random token
//  2. The token is wrapped in an HS256-signed JWT (the "handle") and returned
//     in the response body and as an HttpOnly "session" cookie
//  3. On every request the middleware reads the handle from the
//     Authorization header or the cookie, checks the signature and then
//     looks the session row up; the row decides whether the session is alive
//
// The JWT carries no expiry of its own. Sessions slide on use, so the
// authoritative expiry lives in the database; the signature only makes the
// handle tamper-evident and cheap to reject before any lookup.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "clickpay"

// TokenService signs and verifies session handles.
type TokenService struct {
	secret []byte
}

// NewTokenService creates a TokenService with the given secret.
// Example: SESSION_SECRET=$(openssl rand -hex 32)
func NewTokenService(secret string) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: session secret must be at least 16 characters")
	}
	return &TokenService{secret: []byte(secret)}, nil
}

// claims is the handle payload: "jti" is the session token, "sub" the user.
type claims struct {
	jwt.RegisteredClaims
}

// Sign wraps a session token into a signed handle.
func (s *TokenService) Sign(sessionToken, userID string) (string, error) {
	if sessionToken == "" {
		return "", errors.New("auth: empty session token")
	}

	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       sessionToken,
			Subject:  userID,
			IssuedAt: jwt.NewNumericDate(time.Now()),
			Issuer:   issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing handle: %w", err)
	}
	return signed, nil
}

// Open verifies a handle and returns the session token inside it.
//
// Algorithm confusion: jwt.WithValidMethods pins HS256 so a token with
// "alg": "none" or an RSA header is rejected before the key func runs.
func (s *TokenService) Open(handle string) (string, error) {
	token, err := jwt.ParseWithClaims(
		handle,
		&claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(issuer),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return "", fmt.Errorf("auth: invalid handle: %w", err)
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return "", errors.New("auth: invalid handle claims")
	}
	if c.ID == "" {
		return "", errors.New("auth: handle has no session")
	}
	return c.ID, nil
}
