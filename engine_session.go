package authgate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/propono/authgate/csrf"
	"github.com/propono/authgate/jwt"
	"github.com/propono/authgate/session"
)

// Login exchanges an external auth code for tokens and starts a new session
// lineage. RememberMe stretches the session to the remember-me lifetime and
// every rotation of the lineage keeps it.
func (e *Engine) Login(ctx context.Context, req LoginRequest, client ClientInfo) (*Grant, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	grant, err := e.login(ctx, req, client)
	if err != nil {
		e.metricInc(MetricLoginFailure)
		e.log.Info("login failed", zap.String("ip", client.IP), zap.Error(err))
		e.emitAudit(ctx, auditEventLoginFailure, false, "", "", client, err, nil)
		return nil, err
	}

	e.metricInc(MetricLoginSuccess)
	e.metricInc(MetricSessionCreated)
	e.emitAudit(ctx, auditEventLoginSuccess, true, grant.UserID, grant.SessionID, client, nil, func() map[string]string {
		return map[string]string{"remember_me": fmt.Sprint(req.RememberMe)}
	})
	return grant, nil
}

func (e *Engine) login(ctx context.Context, req LoginRequest, client ClientInfo) (*Grant, error) {
	if req.AuthCode == "" {
		return nil, fmt.Errorf("%w: missing auth code", ErrUnauthorized)
	}

	uctx, cancel := e.upstreamContext(ctx)
	upstream, err := e.provider.ExchangeCode(uctx, req.AuthCode, req.CodeVerifier)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}

	claims, ok := jwt.Decode(upstream.RefreshToken)
	if !ok || claims.Subject == "" || !claims.HasIssuedAt() || !claims.HasExpiry() {
		return nil, fmt.Errorf("%w: refresh token lacks sub, iat or exp", ErrIntegration)
	}
	if upstream.User.ID != "" && upstream.User.ID != claims.Subject {
		return nil, fmt.Errorf("%w: refresh token subject does not match user", ErrIntegration)
	}

	now := e.now()
	expiresAt := e.sessionExpiry(req.RememberMe, claims)
	if !expiresAt.After(now) {
		return nil, fmt.Errorf("%w: refresh token already expired", ErrIntegration)
	}

	hash, err := e.hasher.HashDefault([]byte(upstream.RefreshToken))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInternal, err)
	}
	csrfToken, err := e.csrf.Issue()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInternal, err)
	}

	id, err := e.store.Insert(ctx, session.Record{
		UserID:    claims.Subject,
		RTHash:    hash,
		IssuedAt:  claims.IssuedAt,
		ExpiresAt: expiresAt,
		IP:        client.IP,
		UserAgent: client.UserAgent,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInternal, err)
	}

	return e.newGrant(upstream.AccessToken, upstream.ExpiresIn, upstream.RefreshToken, csrfToken, claims.Subject, id, expiresAt, now), nil
}

// Logout revokes the live session matching refreshToken. It is best effort:
// an unparseable or unknown token is not an error, since the caller clears
// cookies regardless.
func (e *Engine) Logout(ctx context.Context, refreshToken string, client ClientInfo) error {
	if e == nil {
		return ErrEngineNotReady
	}

	claims, ok := jwt.Decode(refreshToken)
	if !ok || claims.Subject == "" {
		return nil
	}
	records, err := e.store.FindByUser(ctx, claims.Subject)
	if err != nil {
		return err
	}
	match, found := e.matchRecord(records, refreshToken)
	if !found || match.Revoked() {
		return nil
	}

	err = e.store.Revoke(ctx, match.UserID, match.ID, e.now())
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		return err
	}
	e.metricInc(MetricLogout)
	e.metricInc(MetricSessionRevoked)
	e.emitAudit(ctx, auditEventLogoutSession, true, match.UserID, match.ID, client, nil, nil)
	return nil
}

// LogoutAll revokes every session of userID and reports how many were live.
func (e *Engine) LogoutAll(ctx context.Context, userID string, client ClientInfo) (int64, error) {
	if e == nil {
		return 0, ErrEngineNotReady
	}
	if userID == "" {
		return 0, ErrUnauthorized
	}

	n, err := e.store.RevokeAllForUser(ctx, userID, e.now())
	if err != nil {
		return n, err
	}
	e.metricInc(MetricLogoutAll)
	e.metrics.Add(MetricSessionRevoked, uint64(n))
	e.emitAudit(ctx, auditEventLogoutAll, true, userID, "", client, nil, func() map[string]string {
		return map[string]string{"revoked": fmt.Sprint(n)}
	})
	return n, nil
}

func (e *Engine) newGrant(accessToken string, expiresIn int64, refreshToken string, csrfToken csrf.Token, userID, sessionID string, expiresAt, now time.Time) *Grant {
	return &Grant{
		UserID:        userID,
		SessionID:     sessionID,
		AccessToken:   accessToken,
		AccessMaxAge:  e.accessMaxAge(accessToken, expiresIn, now),
		RefreshToken:  refreshToken,
		RefreshMaxAge: expiresAt.Sub(now),
		CSRF:          csrfToken,
		ExpiresAt:     expiresAt,
	}
}

// accessMaxAge prefers the provider's expires_in, then the token's own exp,
// then the configured fallback.
func (e *Engine) accessMaxAge(accessToken string, expiresIn int64, now time.Time) time.Duration {
	if expiresIn > 0 {
		return time.Duration(expiresIn) * time.Second
	}
	if c, ok := jwt.Decode(accessToken); ok && c.HasExpiry() && c.ExpiresAt.After(now) {
		return c.ExpiresAt.Sub(now)
	}
	return e.config.Cookies.AccessMaxAge
}
