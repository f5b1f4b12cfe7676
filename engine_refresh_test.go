package authgate

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	gjwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propono/authgate/idp"
	"github.com/propono/authgate/jwt"
	"github.com/propono/authgate/session"
)

func TestRefreshRotatesAndChainsLineage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.login(t, "u1", false)

	h.clock.Advance(time.Minute)
	res := h.engine.Refresh(ctx, first.RefreshToken, testClient)
	require.Equal(t, StateRotated, res.State)
	require.NotNil(t, res.Grant)
	assert.Equal(t, http.StatusOK, res.State.HTTPStatus())
	assert.NotEqual(t, first.RefreshToken, res.Grant.RefreshToken)
	assert.NotEqual(t, first.SessionID, res.SessionID)
	assert.True(t, h.engine.CSRF().Verify(res.Grant.CSRF.Value, res.Grant.CSRF.CookieValue))

	recs := h.records(t, "u1")
	require.Len(t, recs, 2)
	old, next := recs[first.SessionID], recs[res.SessionID]
	require.NotNil(t, old.RevokedAt, "rotation revokes the presented session")
	assert.Nil(t, next.RevokedAt)
	require.NotNil(t, next.RotatedFrom)
	assert.Equal(t, first.SessionID, *next.RotatedFrom)
	assert.NotEqual(t, old.RTHash, next.RTHash)
	assert.NotContains(t, next.RTHash, res.Grant.RefreshToken)
	assert.Equal(t, testClient.IP, next.IP)
	assert.Equal(t, 1, h.liveCount(t, "u1"))

	snap := h.engine.MetricsSnapshot()
	assert.Equal(t, uint64(1), snap.Counters[MetricRefreshSuccess])
	assert.Len(t, snap.Histograms[MetricRefreshLatency], HistogramBucketCount)
}

func TestRefreshRejectsMalformedTokens(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.engine.Refresh(ctx, "", testClient)
	assert.Equal(t, StateNoToken, res.State)

	res = h.engine.Refresh(ctx, "not-a-jwt", testClient)
	assert.Equal(t, StateInvalidStructure, res.State)

	noExp := unsignedToken(t, gjwt.MapClaims{"sub": "u1"})
	res = h.engine.Refresh(ctx, noExp, testClient)
	assert.Equal(t, StateInvalidStructure, res.State)

	noSub := unsignedToken(t, gjwt.MapClaims{"exp": h.clock.Now().Add(time.Hour).Unix()})
	res = h.engine.Refresh(ctx, noSub, testClient)
	assert.Equal(t, StateInvalidStructure, res.State)
	assert.Equal(t, http.StatusUnauthorized, res.State.HTTPStatus())
}

func TestRefreshExpiredTokenLeavesStoreUntouched(t *testing.T) {
	h := newHarness(t)
	g := h.login(t, "u1", false)

	h.clock.Advance(25 * time.Hour)
	res := h.engine.Refresh(context.Background(), g.RefreshToken, testClient)
	require.Equal(t, StateExpired, res.State)

	rec := h.records(t, "u1")[g.SessionID]
	assert.Nil(t, rec.RevokedAt, "an expired token must not touch the store")
}

func TestRefreshReuseRevokesEverySession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.login(t, "u1", false)
	h.login(t, "u1", false)
	h.login(t, "u2", false)

	h.clock.Advance(time.Minute)
	rotated := h.engine.Refresh(ctx, a.RefreshToken, testClient)
	require.Equal(t, StateRotated, rotated.State)
	b := rotated.Grant

	// replaying the spent token is theft
	replay := h.engine.Refresh(ctx, a.RefreshToken, testClient)
	require.Equal(t, StateReuseDetected, replay.State)
	assert.Nil(t, replay.Grant)
	assert.Equal(t, int64(2), replay.Revoked, "B and the other device")
	assert.Equal(t, 0, h.liveCount(t, "u1"))
	assert.Equal(t, 1, h.liveCount(t, "u2"), "other users are untouched")

	// the legitimate holder of B is logged out too
	again := h.engine.Refresh(ctx, b.RefreshToken, testClient)
	assert.Equal(t, StateReuseDetected, again.State)

	assert.Equal(t, uint64(2), h.engine.MetricsSnapshot().Counters[MetricRefreshReuseDetected])
}

func TestRefreshUnknownTokenDoesNotMassRevoke(t *testing.T) {
	h := newHarness(t)
	h.login(t, "u1", false)

	forged, _, err := h.tokens.Issue(jwt.KindRefresh, "u1", "", h.clock.Now(), time.Hour)
	require.NoError(t, err)

	res := h.engine.Refresh(context.Background(), forged, testClient)
	require.Equal(t, StateSessionNotFound, res.State)
	assert.Equal(t, 1, h.liveCount(t, "u1"))
}

func TestRefreshSessionPastExpiryIsRevoked(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := h.clock.Now()

	token, _, err := h.tokens.Issue(jwt.KindRefresh, "u1", "", now, 24*time.Hour)
	require.NoError(t, err)
	hash, err := h.engine.hasher.HashDefault([]byte(token))
	require.NoError(t, err)
	id, err := h.store.Insert(ctx, session.Record{UserID: "u1", RTHash: hash, IssuedAt: now, ExpiresAt: now.Add(time.Hour)})
	require.NoError(t, err)
	otherID, err := h.store.Insert(ctx, session.Record{UserID: "u1", RTHash: "other-device", IssuedAt: now, ExpiresAt: now.Add(24 * time.Hour)})
	require.NoError(t, err)

	h.clock.Advance(2 * time.Hour)
	res := h.engine.Refresh(ctx, token, testClient)
	require.Equal(t, StateRevoked, res.State)

	records := h.records(t, "u1")
	assert.NotNil(t, records[id].RevokedAt)
	assert.Nil(t, records[otherID].RevokedAt, "other sessions of the user stay live")
	assert.Len(t, records, 2, "no replacement session")
	assert.Equal(t, 1, h.liveCount(t, "u1"))
}

func TestRefreshUpstreamRejectionRevokesSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.login(t, "u1", false)

	// spend the token upstream behind the engine's back
	_, err := h.local.RefreshToken(ctx, g.RefreshToken)
	require.NoError(t, err)

	res := h.engine.Refresh(ctx, g.RefreshToken, testClient)
	require.Equal(t, StateUpstreamFailed, res.State)
	assert.Equal(t, http.StatusUnauthorized, res.State.HTTPStatus())
	assert.NotNil(t, h.records(t, "u1")[g.SessionID].RevokedAt)
}

func TestRefreshUpstreamUnavailable(t *testing.T) {
	h := newHarness(t, withProvider(func(l *idp.Local) idp.Provider {
		return &scriptedProvider{Provider: l, refresh: func(context.Context, string) (*idp.TokenResponse, error) {
			return nil, idp.ErrUnavailable
		}}
	}))
	g := h.login(t, "u1", false)

	res := h.engine.Refresh(context.Background(), g.RefreshToken, testClient)
	require.Equal(t, StateUpstreamFailed, res.State)
	assert.Equal(t, 0, h.liveCount(t, "u1"))
}

func TestRefreshIntegrationErrorOnClaimlessToken(t *testing.T) {
	var h *harness
	h = newHarness(t, withProvider(func(l *idp.Local) idp.Provider {
		return &scriptedProvider{Provider: l, refresh: func(context.Context, string) (*idp.TokenResponse, error) {
			return &idp.TokenResponse{
				AccessToken:  "at",
				RefreshToken: unsignedToken(t, gjwt.MapClaims{"sub": "u1", "exp": h.clock.Now().Add(time.Hour).Unix()}),
			}, nil
		}}
	}))
	g := h.login(t, "u1", false)

	res := h.engine.Refresh(context.Background(), g.RefreshToken, testClient)
	require.Equal(t, StateIntegrationError, res.State)
	assert.Equal(t, http.StatusInternalServerError, res.State.HTTPStatus())
	assert.False(t, res.State.ClearsCookies())

	recs := h.records(t, "u1")
	require.Len(t, recs, 1, "no session is created from an unusable token")
	assert.NotNil(t, recs[g.SessionID].RevokedAt)
}

func TestRefreshRememberMeLineageKeepsLongLifetime(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cfg := h.engine.Config()

	remembered := h.login(t, "u1", true)
	assert.WithinDuration(t, h.clock.Now().Add(cfg.Session.RememberMeLifetime), remembered.ExpiresAt, 0)

	h.clock.Advance(20 * time.Hour)
	res := h.engine.Refresh(ctx, remembered.RefreshToken, testClient)
	require.Equal(t, StateRotated, res.State)
	assert.WithinDuration(t, h.clock.Now().Add(cfg.Session.RememberMeLifetime), res.Grant.ExpiresAt, 0)
	assert.Equal(t, cfg.Session.RememberMeLifetime, res.Grant.RefreshMaxAge)

	plain := h.login(t, "u2", false)
	h.clock.Advance(time.Hour)
	res = h.engine.Refresh(ctx, plain.RefreshToken, testClient)
	require.Equal(t, StateRotated, res.State)
	assert.WithinDuration(t, h.clock.Now().Add(24*time.Hour), res.Grant.ExpiresAt, 0, "plain sessions follow the token expiry")

	infos, err := h.engine.Sessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.True(t, infos[0].RememberMe)
}

func TestRefreshStoreFailures(t *testing.T) {
	faulty := &faultyStore{}
	h := newHarness(t, withStore(func(s session.Store) session.Store {
		faulty.Store = s
		return faulty
	}))
	ctx := context.Background()
	g := h.login(t, "u1", false)

	faulty.findErr = session.ErrUnavailable
	res := h.engine.Refresh(ctx, g.RefreshToken, testClient)
	assert.Equal(t, StateStoreFailure, res.State)
	assert.Equal(t, http.StatusInternalServerError, res.State.HTTPStatus())

	faulty.findErr = nil
	faulty.rotateErr = errors.New("connection reset")
	res = h.engine.Refresh(ctx, g.RefreshToken, testClient)
	assert.Equal(t, StateStoreFailure, res.State)
	assert.Nil(t, res.Grant)
}

func TestRefreshLostRaceTakesReusePath(t *testing.T) {
	faulty := &faultyStore{}
	h := newHarness(t, withStore(func(s session.Store) session.Store {
		faulty.Store = s
		return faulty
	}))
	g := h.login(t, "u1", false)

	faulty.rotateErr = session.ErrAlreadyRevoked
	res := h.engine.Refresh(context.Background(), g.RefreshToken, testClient)
	require.Equal(t, StateReuseDetected, res.State)
	assert.Equal(t, int64(1), res.Revoked)
	assert.Equal(t, uint64(1), h.engine.MetricsSnapshot().Counters[MetricRefreshRaceLost])
}

func TestRefreshConcurrentSingleWinner(t *testing.T) {
	h := newHarness(t, withReuseInterval(time.Minute))
	g := h.login(t, "u1", false)

	const n = 8
	var wg sync.WaitGroup
	results := make(chan RefreshResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- h.engine.Refresh(context.Background(), g.RefreshToken, testClient)
		}()
	}
	wg.Wait()
	close(results)

	counts := map[RefreshState]int{}
	for res := range results {
		counts[res.State]++
	}
	assert.Equal(t, 1, counts[StateRotated], "exactly one refresh wins: %v", counts)
	assert.Equal(t, n-1, counts[StateReuseDetected], "every loser takes the reuse path: %v", counts)
	assert.Equal(t, 0, h.liveCount(t, "u1"))
}

func TestRefreshStateMapping(t *testing.T) {
	cases := []struct {
		state  RefreshState
		status int
		err    error
	}{
		{StateNoToken, http.StatusUnauthorized, ErrSessionInvalid},
		{StateInvalidStructure, http.StatusUnauthorized, ErrSessionInvalid},
		{StateExpired, http.StatusUnauthorized, ErrRefreshExpired},
		{StateSessionNotFound, http.StatusUnauthorized, ErrSessionNotFound},
		{StateReuseDetected, http.StatusUnauthorized, ErrRefreshReuse},
		{StateRevoked, http.StatusUnauthorized, ErrRefreshExpired},
		{StateUpstreamFailed, http.StatusUnauthorized, ErrUpstreamRefresh},
		{StateIntegrationError, http.StatusInternalServerError, ErrIntegration},
		{StateStoreFailure, http.StatusInternalServerError, ErrInternal},
		{StateRotated, http.StatusOK, nil},
	}
	for _, tc := range cases {
		t.Run(tc.state.String(), func(t *testing.T) {
			assert.Equal(t, tc.status, tc.state.HTTPStatus())
			assert.Equal(t, tc.err, tc.state.Err())
			if tc.err != nil {
				status, public := PublicError(tc.err)
				assert.Equal(t, tc.status, status)
				assert.Contains(t, []error{ErrSessionInvalid, ErrInternal}, public)
			}
		})
	}
}
