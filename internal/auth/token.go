// token.go -- Signed, stateless session tokens (HS256 JWT).
//
// A token carries {sub, iat, exp} and nothing else. It is never stored
// server-side; trust comes only from a successful Verify.
package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Reasons a token fails verification. Logged and counted, never sent to clients.
const (
	reasonMalformed     = "malformed"
	reasonBadSignature  = "bad_signature"
	reasonExpired       = "expired"
	reasonInvalidClaims = "invalid_claims"
)

// Claims is the verified payload of a session token.
type Claims struct {
	jwt.RegisteredClaims
}

// TokenCodec issues and verifies session tokens with one server secret.
// Safe for concurrent use.
type TokenCodec struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenCodec returns a codec signing with secret; every token it issues lives for ttl.
func NewTokenCodec(secret []byte, ttl time.Duration) (*TokenCodec, error) {
	if len(secret) == 0 {
		return nil, errors.New("token secret is empty")
	}
	if ttl < time.Second {
		return nil, fmt.Errorf("token ttl must be at least 1s, got %s", ttl)
	}
	return &TokenCodec{secret: secret, ttl: ttl}, nil
}

// TTL is the fixed token lifetime.
func (c *TokenCodec) TTL() time.Duration {
	return c.ttl
}

// ExpiresAt is the exp of a token issued at now. iat is truncated to the
// second, so a token may expire up to 1s before now+ttl, never after.
func (c *TokenCodec) ExpiresAt(now time.Time) time.Time {
	return now.Truncate(time.Second).Add(c.ttl)
}

// Issue signs {sub: subject, iat: now, exp: now+ttl}. Times are whole seconds,
// so exp-iat is exactly ttl on the wire.
func (c *TokenCodec) Issue(subject string, now time.Time) (string, error) {
	iat := now.Truncate(time.Second)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(iat),
			ExpiresAt: jwt.NewNumericDate(c.ExpiresAt(now)),
		},
	})
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify returns the claims of a token that is correctly signed and not expired at now.
// Every failure collapses to (nil, false).
func (c *TokenCodec) Verify(token string, now time.Time) (*Claims, bool) {
	claims, reason := c.verify(token, now)
	return claims, reason == ""
}

// verify does the work of Verify and names the failing check.
// The MAC is checked on the raw bytes before any JSON is decoded.
func (c *TokenCodec) verify(token string, now time.Time) (*Claims, string) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return nil, reasonMalformed
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || len(sig) == 0 {
		return nil, reasonMalformed
	}
	if err := jwt.SigningMethodHS256.Verify(parts[0]+"."+parts[1], sig, c.secret); err != nil {
		return nil, reasonBadSignature
	}

	claims := &Claims{}
	_, err = jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return c.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, reasonExpired
	case errors.Is(err, jwt.ErrTokenMalformed):
		return nil, reasonMalformed
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return nil, reasonBadSignature
	default:
		return nil, reasonInvalidClaims
	}

	if claims.Subject == "" || claims.IssuedAt == nil {
		return nil, reasonInvalidClaims
	}
	return claims, ""
}
