package authgate

import (
	"net/http"
	"time"

	"github.com/propono/authgate/csrf"
)

// RefreshState is the terminal state of one refresh attempt.
type RefreshState uint8

const (
	StateNoToken RefreshState = iota
	StateInvalidStructure
	StateExpired
	StateSessionNotFound
	StateReuseDetected
	// StateRevoked means the matched session passed its natural expiry and
	// was revoked during this attempt.
	StateRevoked
	StateUpstreamFailed
	StateIntegrationError
	StateStoreFailure
	StateRotated
)

var refreshStateNames = [...]string{
	StateNoToken:          "no_token",
	StateInvalidStructure: "invalid_structure",
	StateExpired:          "expired",
	StateSessionNotFound:  "session_not_found",
	StateReuseDetected:    "reuse_detected",
	StateRevoked:          "revoked",
	StateUpstreamFailed:   "upstream_failed",
	StateIntegrationError: "integration_error",
	StateStoreFailure:     "store_failure",
	StateRotated:          "rotated",
}

func (s RefreshState) String() string {
	if int(s) < len(refreshStateNames) {
		return refreshStateNames[s]
	}
	return "unknown"
}

// HTTPStatus is the response status a handler returns for s.
func (s RefreshState) HTTPStatus() int {
	switch s {
	case StateRotated:
		return http.StatusOK
	case StateIntegrationError, StateStoreFailure:
		return http.StatusInternalServerError
	default:
		return http.StatusUnauthorized
	}
}

// Err is the sentinel error for s, nil for StateRotated.
func (s RefreshState) Err() error {
	switch s {
	case StateRotated:
		return nil
	case StateReuseDetected:
		return ErrRefreshReuse
	case StateExpired, StateRevoked:
		return ErrRefreshExpired
	case StateSessionNotFound:
		return ErrSessionNotFound
	case StateUpstreamFailed:
		return ErrUpstreamRefresh
	case StateIntegrationError:
		return ErrIntegration
	case StateStoreFailure:
		return ErrInternal
	default:
		return ErrSessionInvalid
	}
}

// ClearsCookies reports whether the client should drop its auth cookies.
// Server-side failures leave them in place so the client can retry.
func (s RefreshState) ClearsCookies() bool {
	return s.HTTPStatus() == http.StatusUnauthorized
}

// RefreshResult is returned by Engine.Refresh.
type RefreshResult struct {
	State     RefreshState
	UserID    string
	SessionID string
	// Revoked counts sessions revoked by a reuse response.
	Revoked int64
	Grant   *Grant
}

// Grant is the credential set handed to the browser after login or rotation.
type Grant struct {
	UserID        string
	SessionID     string
	AccessToken   string
	AccessMaxAge  time.Duration
	RefreshToken  string
	RefreshMaxAge time.Duration
	CSRF          csrf.Token
	ExpiresAt     time.Time
}

// Identity is the authenticated principal attached to a request.
type Identity struct {
	UserID string `json:"id"`
	Email  string `json:"email,omitempty"`
}

// ClientInfo carries request metadata stored with a session.
type ClientInfo struct {
	IP        string
	UserAgent string
}

// LoginRequest completes an external sign-in.
type LoginRequest struct {
	AuthCode     string `json:"auth_code"`
	CodeVerifier string `json:"code_verifier"`
	RememberMe   bool   `json:"remember_me"`
}
