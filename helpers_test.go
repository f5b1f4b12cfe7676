package authgate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	gjwt "github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/propono/authgate/idp"
	"github.com/propono/authgate/jwt"
	"github.com/propono/authgate/password"
	"github.com/propono/authgate/session"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

var testClient = ClientInfo{IP: "203.0.113.7", UserAgent: "authgate-test"}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1_760_000_000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func fastParams() password.Params {
	p := password.DefaultParams()
	p.Memory = 64
	p.Time = 1
	return p
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CSRF.Secret = testSecret
	cfg.Origin.AppOrigin = "https://app.propono.test"
	cfg.Password = fastParams()
	return cfg
}

type harness struct {
	engine *Engine
	store  session.Store
	local  *idp.Local
	tokens *jwt.Manager
	clock  *testClock
}

type harnessOption func(*harnessSetup)

type harnessSetup struct {
	cfg      Config
	localCfg idp.LocalConfig
	sink     AuditSink
	wrap     func(session.Store) session.Store
	provider func(*idp.Local) idp.Provider
}

func withConfig(mutate func(*Config)) harnessOption {
	return func(s *harnessSetup) { mutate(&s.cfg) }
}

func withAudit(sink AuditSink) harnessOption {
	return func(s *harnessSetup) {
		s.cfg.Audit.Enabled = true
		s.cfg.Audit.DropIfFull = false
		s.sink = sink
	}
}

func withStore(wrap func(session.Store) session.Store) harnessOption {
	return func(s *harnessSetup) { s.wrap = wrap }
}

func withProvider(wrap func(*idp.Local) idp.Provider) harnessOption {
	return func(s *harnessSetup) { s.provider = wrap }
}

func withReuseInterval(d time.Duration) harnessOption {
	return func(s *harnessSetup) { s.localCfg.ReuseInterval = d }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	setup := harnessSetup{
		cfg:      testConfig(),
		localCfg: idp.LocalConfig{AccessTTL: 15 * time.Minute, RefreshTTL: 24 * time.Hour},
	}
	for _, opt := range opts {
		opt(&setup)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	var store session.Store = session.NewRedisStore(rdb, "test", 0)
	if setup.wrap != nil {
		store = setup.wrap(store)
	}

	clock := newTestClock()
	tokens, err := jwt.NewManager(jwt.Config{SigningMethod: jwt.MethodHS256, PrivateKey: testSecret})
	require.NoError(t, err)
	local := idp.NewLocal(tokens, setup.localCfg)
	local.SetClock(clock.Now)

	var provider idp.Provider = local
	if setup.provider != nil {
		provider = setup.provider(local)
	}

	engine, err := New().
		WithConfig(setup.cfg).
		WithStore(store).
		WithProvider(provider).
		WithClock(clock.Now).
		WithAuditSink(setup.sink).
		Build()
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	return &harness{engine: engine, store: store, local: local, tokens: tokens, clock: clock}
}

func (h *harness) login(t *testing.T, userID string, rememberMe bool) *Grant {
	t.Helper()
	code, err := h.local.AddUser(idp.User{ID: userID, Email: userID + "@example.com"})
	require.NoError(t, err)
	g, err := h.engine.Login(context.Background(), LoginRequest{AuthCode: code, RememberMe: rememberMe}, testClient)
	require.NoError(t, err)
	return g
}

func (h *harness) records(t *testing.T, userID string) map[string]session.Record {
	t.Helper()
	recs, err := h.store.FindByUser(context.Background(), userID)
	require.NoError(t, err)
	out := make(map[string]session.Record, len(recs))
	for _, r := range recs {
		out[r.ID] = r
	}
	return out
}

func (h *harness) liveCount(t *testing.T, userID string) int {
	t.Helper()
	n := 0
	for _, r := range h.records(t, userID) {
		if r.Live(h.clock.Now()) {
			n++
		}
	}
	return n
}

// unsignedToken builds a structurally valid token with arbitrary claims.
func unsignedToken(t *testing.T, claims gjwt.MapClaims) string {
	t.Helper()
	tok, err := gjwt.NewWithClaims(gjwt.SigningMethodHS256, claims).SignedString([]byte("unrelated-key-unrelated-key-1234"))
	require.NoError(t, err)
	return tok
}

// scriptedProvider overrides individual provider calls.
type scriptedProvider struct {
	idp.Provider
	refresh func(ctx context.Context, token string) (*idp.TokenResponse, error)
}

func (p *scriptedProvider) RefreshToken(ctx context.Context, token string) (*idp.TokenResponse, error) {
	if p.refresh != nil {
		return p.refresh(ctx, token)
	}
	return p.Provider.RefreshToken(ctx, token)
}

// faultyStore injects errors into selected operations.
type faultyStore struct {
	session.Store
	findErr   error
	rotateErr error
}

func (s *faultyStore) FindByUser(ctx context.Context, userID string) ([]session.Record, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.Store.FindByUser(ctx, userID)
}

func (s *faultyStore) Rotate(ctx context.Context, old session.Record, at time.Time, next session.Record) (string, error) {
	if s.rotateErr != nil {
		return "", s.rotateErr
	}
	return s.Store.Rotate(ctx, old, at, next)
}
