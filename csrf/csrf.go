// Package csrf issues and checks signed double-submit tokens.
//
// The cookie carries "<token>.<hex hmac-sha256(secret, token)>". Clients echo
// the bare token in a request header; a cross-site page can make the browser
// send the cookie but cannot read it to build the header.
package csrf

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"io"
	"strings"
)

const (
	// CookieName is the readable cookie holding the signed value.
	CookieName = "XSRF-TOKEN"
	// HeaderName carries the bare token on mutating requests.
	HeaderName = "x-csrf-token"

	// MinSecretLength is the shortest accepted signing secret.
	MinSecretLength = 32

	delimiter  = "."
	tokenBytes = 32
)

// ErrSecret is returned when the signing secret is too short.
var ErrSecret = errors.New("csrf: secret must be at least 32 bytes")

// Token is a freshly issued pair.
type Token struct {
	Value       string
	CookieValue string
}

// Codec signs and verifies tokens with a process-wide secret.
type Codec struct {
	secret []byte
	rand   io.Reader
}

func New(secret []byte) (*Codec, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrSecret
	}
	key := make([]byte, len(secret))
	copy(key, secret)
	return &Codec{secret: key, rand: rand.Reader}, nil
}

// Issue returns 32 random bytes hex-encoded together with the signed cookie
// value.
func (c *Codec) Issue() (Token, error) {
	raw := make([]byte, tokenBytes)
	if _, err := io.ReadFull(c.rand, raw); err != nil {
		return Token{}, err
	}
	value := hex.EncodeToString(raw)
	return Token{
		Value:       value,
		CookieValue: value + delimiter + c.sign(value),
	}, nil
}

// Verify reports whether headerToken matches the token embedded in
// cookieValue and the embedded signature is valid. Both comparisons run in
// constant time and both must pass.
func (c *Codec) Verify(headerToken, cookieValue string) bool {
	if headerToken == "" || cookieValue == "" {
		return false
	}

	token, signature, ok := strings.Cut(cookieValue, delimiter)
	if !ok || token == "" || signature == "" {
		return false
	}

	tokenOK := subtle.ConstantTimeCompare([]byte(token), []byte(headerToken)) == 1
	sigOK := subtle.ConstantTimeCompare([]byte(signature), []byte(c.sign(token))) == 1
	return tokenOK && sigOK
}

func (c *Codec) sign(token string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}
