// Package idp talks to the identity provider that owns user credentials.
//
// The provider issues the access and refresh tokens; this module only stores
// hashes of refresh tokens and asks the provider to exchange or resolve them.
// [HTTPProvider] speaks the GoTrue-style REST API. [Local] is an in-process
// stand-in used for development, tests and load generation.
package idp

import (
	"context"
	"errors"
)

var (
	// ErrRejected means the provider answered and refused the request.
	ErrRejected = errors.New("idp: request rejected")
	// ErrUnavailable means the provider could not be reached or answered with
	// a server error or an unreadable body.
	ErrUnavailable = errors.New("idp: provider unavailable")
	// ErrNoUser means the provider resolved the token to no user.
	ErrNoUser = errors.New("idp: no user")
)

// User is the identity the provider resolves a token to.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// TokenResponse is the provider's answer to a token exchange.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type,omitempty"`
	User         User   `json:"user"`
}

// Provider is the identity provider contract.
type Provider interface {
	// RefreshToken exchanges a refresh token for a new token triple. The
	// presented token is consumed by the provider.
	RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error)
	// ExchangeCode completes an authorization-code login. codeVerifier may be
	// empty when PKCE was not used.
	ExchangeCode(ctx context.Context, authCode, codeVerifier string) (*TokenResponse, error)
	// GetUser resolves an access token to a user.
	GetUser(ctx context.Context, accessToken string) (*User, error)
}

// StatusSource reports which external sign-in providers are enabled.
type StatusSource interface {
	ProviderStatus(ctx context.Context) (map[string]bool, error)
}
