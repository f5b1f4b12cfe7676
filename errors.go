package authgate

import (
	"errors"
	"net/http"
)

var (
	// ErrSessionInvalid is returned for every 401 outcome of the session
	// lifecycle. Its message is the only text a client ever sees for them.
	ErrSessionInvalid = errors.New("session invalid or expired")
	// ErrCSRFInvalid is returned when the double-submit check fails.
	ErrCSRFInvalid = errors.New("CSRF token invalid or missing")
	// ErrOriginNotAllowed is returned when request provenance checks fail.
	ErrOriginNotAllowed = errors.New("request origin not allowed")
	// ErrInternal is the opaque message for 500 outcomes.
	ErrInternal = errors.New("internal error")

	// ErrRefreshReuse marks a presented refresh token whose session was already revoked.
	ErrRefreshReuse = errors.New("refresh token reuse detected")
	// ErrRefreshExpired marks a refresh token past its own exp claim.
	ErrRefreshExpired = errors.New("refresh token expired")
	// ErrSessionNotFound marks a refresh token that matches no stored session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrUpstreamRefresh marks a refresh rejected or failed by the identity provider.
	ErrUpstreamRefresh = errors.New("upstream refresh failed")
	// ErrIntegration marks an identity provider response that violates the token contract.
	ErrIntegration = errors.New("identity provider integration error")
	// ErrUnauthorized is returned by Authenticate for any rejected access token.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrEngineNotReady is returned when an Engine method is called on a nil or unbuilt engine.
	ErrEngineNotReady = errors.New("engine not initialized")
	// ErrConfig wraps configuration validation failures.
	ErrConfig = errors.New("invalid configuration")
)

// PublicError maps err onto the message and status a client may see.
// Anything that is not a known 401/403 outcome collapses to ErrInternal.
func PublicError(err error) (int, error) {
	switch {
	case errors.Is(err, ErrCSRFInvalid):
		return http.StatusForbidden, ErrCSRFInvalid
	case errors.Is(err, ErrOriginNotAllowed):
		return http.StatusForbidden, ErrOriginNotAllowed
	case errors.Is(err, ErrSessionInvalid),
		errors.Is(err, ErrRefreshReuse),
		errors.Is(err, ErrRefreshExpired),
		errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrUpstreamRefresh),
		errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, ErrSessionInvalid
	default:
		return http.StatusInternalServerError, ErrInternal
	}
}
