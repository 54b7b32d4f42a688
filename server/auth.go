// Copyright 2026 The AugmentOS Community Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken covers every device token rejection: bad signature,
// expiry, wrong algorithm, or missing identity. The cause is logged
// server-side but never echoed to the socket.
var ErrInvalidToken = errors.New("server: invalid core token")

// coreTokenClaims is the device JWT payload. The user identity lives
// in the userId claim, falling back to the registered subject.
type coreTokenClaims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// TokenVerifier validates device core tokens. Tokens are HMAC-signed
// JWTs issued by the account service; the hub only verifies.
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier returns a verifier over the shared signing secret.
func NewTokenVerifier(secret []byte) *TokenVerifier {
	if len(secret) == 0 {
		panic("server: token secret is required")
	}
	return &TokenVerifier{secret: secret}
}

// VerifyCoreToken checks the token signature and claims and returns
// the authenticated user ID.
func (v *TokenVerifier) VerifyCoreToken(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &coreTokenClaims{},
		func(*jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*coreTokenClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return "", fmt.Errorf("%w: no user identity", ErrInvalidToken)
	}
	return userID, nil
}
