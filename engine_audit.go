package authgate

import (
	"context"
	"errors"
)

const (
	auditEventLoginSuccess         = "login_success"
	auditEventLoginFailure         = "login_failure"
	auditEventRefreshSuccess       = "refresh_success"
	auditEventRefreshInvalid       = "refresh_invalid"
	auditEventRefreshReuseDetected = "refresh_reuse_detected"
	auditEventSessionsRevoked      = "sessions_revoked"
	auditEventLogoutSession        = "logout_session"
	auditEventLogoutAll            = "logout_all"
	auditEventSessionsSwept        = "sessions_swept"
)

// AuditErrorCode is the stable error label carried in AuditEvent.Error.
type AuditErrorCode string

const (
	auditErrUnauthorized     AuditErrorCode = "unauthorized"
	auditErrRefreshReuse     AuditErrorCode = "refresh_reuse"
	auditErrRefreshExpired   AuditErrorCode = "refresh_expired"
	auditErrInvalidToken     AuditErrorCode = "invalid_token"
	auditErrSessionNotFound  AuditErrorCode = "session_not_found"
	auditErrUpstream         AuditErrorCode = "upstream_failed"
	auditErrIntegration      AuditErrorCode = "integration_error"
	auditErrCSRF             AuditErrorCode = "csrf_invalid"
	auditErrOriginNotAllowed AuditErrorCode = "origin_not_allowed"
	auditErrInternal         AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	userID string,
	sessionID string,
	client ClientInfo,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp: e.now().UTC(),
		EventType: eventType,
		UserID:    userID,
		SessionID: sessionID,
		IP:        client.IP,
		UserAgent: client.UserAgent,
		Success:   success,
		Metadata:  metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}
	e.audit.Emit(ctx, event)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrRefreshReuse):
		return auditErrRefreshReuse
	case errors.Is(err, ErrRefreshExpired):
		return auditErrRefreshExpired
	case errors.Is(err, ErrSessionNotFound):
		return auditErrSessionNotFound
	case errors.Is(err, ErrUpstreamRefresh):
		return auditErrUpstream
	case errors.Is(err, ErrIntegration):
		return auditErrIntegration
	case errors.Is(err, ErrCSRFInvalid):
		return auditErrCSRF
	case errors.Is(err, ErrOriginNotAllowed):
		return auditErrOriginNotAllowed
	case errors.Is(err, ErrSessionInvalid):
		return auditErrInvalidToken
	case errors.Is(err, ErrUnauthorized):
		return auditErrUnauthorized
	default:
		return auditErrInternal
	}
}
