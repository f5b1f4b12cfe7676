package jwt

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the routing subset of a token's payload. Zero times mean the
// claim was absent.
type Claims struct {
	Subject   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

func (c Claims) HasIssuedAt() bool { return !c.IssuedAt.IsZero() }

func (c Claims) HasExpiry() bool { return !c.ExpiresAt.IsZero() }

// Expired reports whether the token's own expiry is at or before now. A token
// without an expiry is treated as expired.
func (c Claims) Expired(now time.Time) bool {
	return !c.HasExpiry() || !c.ExpiresAt.After(now)
}

var unverified = jwt.NewParser(jwt.WithoutClaimsValidation())

// Decode parses token without verifying its signature. ok is false when the
// token is not a structurally valid JWT. Routing hint only, not a trust
// boundary.
func Decode(token string) (Claims, bool) {
	if token == "" {
		return Claims{}, false
	}

	var rc jwt.RegisteredClaims
	if _, _, err := unverified.ParseUnverified(token, &rc); err != nil {
		return Claims{}, false
	}

	c := Claims{Subject: rc.Subject}
	if rc.IssuedAt != nil {
		c.IssuedAt = rc.IssuedAt.Time
	}
	if rc.ExpiresAt != nil {
		c.ExpiresAt = rc.ExpiresAt.Time
	}
	return c, true
}
