package authgate

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/propono/authgate/csrf"
	"github.com/propono/authgate/idp"
	"github.com/propono/authgate/password"
	"github.com/propono/authgate/session"
)

// Engine runs the session lifecycle: login, refresh rotation with reuse
// detection, logout and expiry sweeps. It holds no per-request state and is
// safe for concurrent use once built.
type Engine struct {
	config   Config
	store    session.Store
	provider idp.Provider
	hasher   *password.Hasher
	csrf     *csrf.Codec
	log      *zap.Logger
	audit    *auditDispatcher
	metrics  *Metrics
	clock    func() time.Time
}

// Close drains the audit dispatcher. The store and provider are owned by the
// caller and left open.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped reports audit events lost to a full buffer.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// Metrics exposes the live counters so the gate can record into them.
func (e *Engine) Metrics() *Metrics {
	if e == nil {
		return nil
	}
	return e.metrics
}

// Config returns a copy of the engine configuration.
func (e *Engine) Config() Config {
	cfg := e.config
	cfg.CSRF.Secret = append([]byte(nil), e.config.CSRF.Secret...)
	return cfg
}

// CSRF returns the codec used to issue tokens, for the gate to verify them.
func (e *Engine) CSRF() *csrf.Codec {
	return e.csrf
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) now() time.Time {
	if e.clock == nil {
		return time.Now()
	}
	return e.clock()
}

func (e *Engine) upstreamContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.config.Session.UpstreamTimeout)
}

// Authenticate resolves an access token to an identity through the upstream
// provider. Any failure, including an unreachable provider, is ErrUnauthorized.
func (e *Engine) Authenticate(ctx context.Context, accessToken string) (*Identity, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if accessToken == "" {
		return nil, ErrUnauthorized
	}

	uctx, cancel := e.upstreamContext(ctx)
	defer cancel()

	user, err := e.provider.GetUser(uctx, accessToken)
	if err != nil {
		if errors.Is(err, idp.ErrUnavailable) {
			e.log.Warn("identity provider unavailable during authenticate", zap.Error(err))
		}
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	return &Identity{UserID: user.ID, Email: user.Email}, nil
}

// SessionInfo is the client-safe view of a session record.
type SessionInfo struct {
	ID         string    `json:"id"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	IP         string    `json:"ip,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	RememberMe bool      `json:"remember_me"`
}

// Sessions lists the live sessions of userID, newest first.
func (e *Engine) Sessions(ctx context.Context, userID string) ([]SessionInfo, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	records, err := e.store.FindByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	out := make([]SessionInfo, 0, len(records))
	for _, r := range records {
		if !r.Live(now) {
			continue
		}
		out = append(out, SessionInfo{
			ID:         r.ID,
			IssuedAt:   r.IssuedAt,
			ExpiresAt:  r.ExpiresAt,
			IP:         r.IP,
			UserAgent:  r.UserAgent,
			RememberMe: e.isRememberMe(r),
		})
	}
	slices.SortFunc(out, func(a, b SessionInfo) int {
		return b.IssuedAt.Compare(a.IssuedAt)
	})
	return out, nil
}

// SweepExpired revokes sessions past their natural expiry in batches until a
// short batch signals the backlog is empty.
func (e *Engine) SweepExpired(ctx context.Context) (int64, error) {
	if e == nil {
		return 0, ErrEngineNotReady
	}

	batch := e.config.Session.SweepBatchSize
	now := e.now()
	var total int64
	for {
		n, err := e.store.SweepExpired(ctx, now, batch)
		total += n
		if err != nil {
			e.log.Error("session sweep failed", zap.Int64("revoked", total), zap.Error(err))
			return total, err
		}
		if n < int64(batch) {
			break
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}

	if total > 0 {
		e.metrics.Add(MetricSessionSwept, uint64(total))
		e.log.Info("expired sessions revoked", zap.Int64("revoked", total))
		e.emitAudit(ctx, auditEventSessionsSwept, true, "", "", ClientInfo{}, nil, func() map[string]string {
			return map[string]string{"revoked": fmt.Sprint(total)}
		})
	}
	return total, nil
}

// Ping reports session store round-trip latency.
func (e *Engine) Ping(ctx context.Context) (time.Duration, error) {
	if e == nil {
		return 0, ErrEngineNotReady
	}
	return e.store.Ping(ctx)
}

func (e *Engine) isRememberMe(r session.Record) bool {
	return r.Lifetime() > e.config.Session.RememberMeThreshold
}
