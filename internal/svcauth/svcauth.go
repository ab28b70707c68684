// Package svcauth issues and verifies the short-lived bearer tokens that
// authenticate the Upload→Payment private surface (spec §6 "authenticated
// by a shared secret bearer token"). Grounded on the teacher's
// gateway/x402/token.go TokenManager: same HMAC-signed golang-jwt/jwt/v5
// claims and Issue/Validate shape, generalized from "batch RPC credit
// counting" down to pure service identity — the private surface has no
// notion of a per-token request allowance, only "is this Upload calling."
package svcauth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any parse, signature, or claims failure.
var ErrInvalidToken = errors.New("svcauth: invalid token")

// Claims identifies the calling service and when the token expires.
type Claims struct {
	jwt.RegisteredClaims
	Service string `json:"svc"`
}

// Issuer signs and verifies HMAC service tokens with a shared secret,
// exactly as the teacher's TokenManager does for its batch tokens, minus
// the counter store — there is nothing to meter here.
type Issuer struct {
	secret []byte
	expiry time.Duration
	issuer string
}

// NewIssuer builds an Issuer. issuer names the service minting tokens
// (e.g. "upload"); expiry bounds how long a minted token is accepted.
func NewIssuer(secret []byte, issuer string, expiry time.Duration) *Issuer {
	return &Issuer{secret: secret, issuer: issuer, expiry: expiry}
}

// Issue mints a token asserting that service (the caller's own name) is
// allowed to call the private surface, valid for the Issuer's expiry.
func (m *Issuer) Issue(service string) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.expiry)),
		},
		Service: service,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("svcauth: sign token: %w", err)
	}
	return signed, nil
}

// Validate parses tokenString, checks its HMAC signature and expiry, and
// returns the embedded Claims.
func (m *Issuer) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method %v", ErrInvalidToken, t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
