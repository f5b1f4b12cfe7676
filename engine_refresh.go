package authgate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/propono/authgate/jwt"
	"github.com/propono/authgate/session"
)

// Refresh rotates a refresh token.
//
// The token's subject routes the lookup only; trust comes from matching the
// token against a stored Argon2 hash. A presented token whose session is
// already revoked, or one that loses the rotation race, revokes every session
// of the user. Every outcome other than StateRotated carries no Grant.
func (e *Engine) Refresh(ctx context.Context, refreshToken string, client ClientInfo) RefreshResult {
	if e == nil {
		return RefreshResult{State: StateStoreFailure}
	}

	start := time.Now()
	res := e.refresh(ctx, refreshToken, client)
	e.metrics.Observe(MetricRefreshLatency, time.Since(start))
	e.recordRefresh(ctx, res, client, len(refreshToken))
	return res
}

func (e *Engine) refresh(ctx context.Context, token string, client ClientInfo) RefreshResult {
	if token == "" {
		return RefreshResult{State: StateNoToken}
	}

	claims, ok := jwt.Decode(token)
	if !ok || claims.Subject == "" || !claims.HasExpiry() {
		return RefreshResult{State: StateInvalidStructure}
	}

	now := e.now()
	if claims.Expired(now) {
		return RefreshResult{State: StateExpired, UserID: claims.Subject}
	}

	records, err := e.store.FindByUser(ctx, claims.Subject)
	if err != nil {
		e.log.Error("session lookup failed", zap.String("user_id", claims.Subject), zap.Error(err))
		return RefreshResult{State: StateStoreFailure, UserID: claims.Subject}
	}

	match, found := e.matchRecord(records, token)
	if !found {
		return RefreshResult{State: StateSessionNotFound, UserID: claims.Subject}
	}
	res := RefreshResult{UserID: match.UserID, SessionID: match.ID}

	if match.Revoked() {
		res.State = StateReuseDetected
		res.Revoked = e.revokeAll(ctx, match.UserID, now)
		return res
	}

	if !match.ExpiresAt.After(now) {
		e.revokeOne(ctx, match, now)
		res.State = StateRevoked
		return res
	}

	uctx, cancel := e.upstreamContext(ctx)
	upstream, err := e.provider.RefreshToken(uctx, token)
	cancel()
	if err != nil {
		e.log.Warn("upstream refresh failed",
			zap.String("user_id", match.UserID),
			zap.String("session_id", match.ID),
			zap.Error(err),
		)
		e.revokeOne(ctx, match, now)
		res.State = StateUpstreamFailed
		return res
	}

	next, ok := jwt.Decode(upstream.RefreshToken)
	if !ok || !next.HasIssuedAt() || !next.HasExpiry() || next.Subject != match.UserID {
		// The upstream token has been spent either way, so the old session
		// cannot be rotated again.
		e.log.Error("upstream returned a refresh token without usable claims",
			zap.String("user_id", match.UserID),
			zap.String("session_id", match.ID),
			zap.Int("rt_len", len(upstream.RefreshToken)),
		)
		e.revokeOne(ctx, match, now)
		res.State = StateIntegrationError
		return res
	}

	expiresAt := e.sessionExpiry(e.isRememberMe(match), next)
	hash, err := e.hasher.HashDefault([]byte(upstream.RefreshToken))
	if err != nil {
		e.log.Error("hashing rotated refresh token failed", zap.String("session_id", match.ID), zap.Error(err))
		e.revokeOne(ctx, match, now)
		res.State = StateIntegrationError
		return res
	}
	csrfToken, err := e.csrf.Issue()
	if err != nil {
		e.log.Error("issuing csrf token failed", zap.Error(err))
		e.revokeOne(ctx, match, now)
		res.State = StateIntegrationError
		return res
	}

	nextID, err := e.store.Rotate(ctx, match, now, session.Record{
		UserID:    match.UserID,
		RTHash:    hash,
		IssuedAt:  next.IssuedAt,
		ExpiresAt: expiresAt,
		IP:        client.IP,
		UserAgent: client.UserAgent,
	})
	switch {
	case errors.Is(err, session.ErrAlreadyRevoked):
		// A concurrent refresh of the same token won.
		e.metricInc(MetricRefreshRaceLost)
		res.State = StateReuseDetected
		res.Revoked = e.revokeAll(ctx, match.UserID, now)
		return res
	case errors.Is(err, session.ErrNotFound):
		res.State = StateSessionNotFound
		return res
	case err != nil:
		e.log.Error("session rotation failed",
			zap.String("user_id", match.UserID),
			zap.String("session_id", match.ID),
			zap.Error(err),
		)
		e.revokeOne(ctx, match, now)
		res.State = StateStoreFailure
		return res
	}

	e.metricInc(MetricSessionCreated)
	e.metricInc(MetricSessionRevoked)
	res.State = StateRotated
	res.SessionID = nextID
	res.Grant = e.newGrant(upstream.AccessToken, upstream.ExpiresIn, upstream.RefreshToken, csrfToken, match.UserID, nextID, expiresAt, now)
	return res
}

// matchRecord verifies token against each record's hash in order. Verify
// never errors, so a corrupt hash simply does not match.
func (e *Engine) matchRecord(records []session.Record, token string) (session.Record, bool) {
	secret := []byte(token)
	for _, r := range records {
		if e.hasher.Verify(r.RTHash, secret) {
			return r, true
		}
	}
	return session.Record{}, false
}

func (e *Engine) sessionExpiry(rememberMe bool, claims jwt.Claims) time.Time {
	if rememberMe {
		return claims.IssuedAt.Add(e.config.Session.RememberMeLifetime)
	}
	return claims.ExpiresAt
}

func (e *Engine) revokeOne(ctx context.Context, rec session.Record, at time.Time) {
	err := e.store.Revoke(ctx, rec.UserID, rec.ID, at)
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		e.log.Error("session revoke failed",
			zap.String("user_id", rec.UserID),
			zap.String("session_id", rec.ID),
			zap.Error(err),
		)
		return
	}
	if err == nil {
		e.metricInc(MetricSessionRevoked)
	}
}

func (e *Engine) revokeAll(ctx context.Context, userID string, at time.Time) int64 {
	n, err := e.store.RevokeAllForUser(ctx, userID, at)
	if err != nil {
		e.log.Error("mass revoke failed", zap.String("user_id", userID), zap.Error(err))
	}
	e.metricInc(MetricSessionMassRevoked)
	e.metrics.Add(MetricSessionRevoked, uint64(max(n, 0)))
	e.emitAudit(ctx, auditEventSessionsRevoked, err == nil, userID, "", ClientInfo{}, err, func() map[string]string {
		return map[string]string{"revoked": fmt.Sprint(n), "reason": "refresh_reuse"}
	})
	return n
}

func (e *Engine) recordRefresh(ctx context.Context, res RefreshResult, client ClientInfo, tokenLen int) {
	if res.State == StateRotated {
		e.metricInc(MetricRefreshSuccess)
		e.emitAudit(ctx, auditEventRefreshSuccess, true, res.UserID, res.SessionID, client, nil, nil)
		e.log.Debug("refresh token rotated", zap.String("user_id", res.UserID), zap.String("session_id", res.SessionID))
		return
	}

	e.metricInc(MetricRefreshFailure)
	switch res.State {
	case StateReuseDetected:
		e.metricInc(MetricRefreshReuseDetected)
	case StateExpired, StateRevoked:
		e.metricInc(MetricRefreshExpired)
	case StateSessionNotFound:
		e.metricInc(MetricRefreshSessionNotFound)
	case StateUpstreamFailed:
		e.metricInc(MetricRefreshUpstreamFailure)
	case StateIntegrationError:
		e.metricInc(MetricRefreshIntegrationError)
	case StateStoreFailure:
		e.metricInc(MetricRefreshStoreFailure)
	}

	if res.State == StateReuseDetected {
		e.log.Warn("refresh token reuse detected",
			zap.String("user_id", res.UserID),
			zap.String("session_id", res.SessionID),
			zap.Int64("revoked", res.Revoked),
			zap.String("ip", client.IP),
		)
		e.emitAudit(ctx, auditEventRefreshReuseDetected, false, res.UserID, res.SessionID, client, ErrRefreshReuse, func() map[string]string {
			return map[string]string{"revoked": fmt.Sprint(res.Revoked)}
		})
		return
	}

	e.log.Info("refresh rejected",
		zap.Stringer("state", res.State),
		zap.String("user_id", res.UserID),
		zap.String("session_id", res.SessionID),
		zap.Int("rt_len", tokenLen),
	)
	e.emitAudit(ctx, auditEventRefreshInvalid, false, res.UserID, res.SessionID, client, res.State.Err(), func() map[string]string {
		return map[string]string{"reason": res.State.String()}
	})
}
