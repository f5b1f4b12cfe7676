package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap/zaptest"

	"github.com/propono/authgate"
	"github.com/propono/authgate/handlers"
	"github.com/propono/authgate/idp"
	"github.com/propono/authgate/internal/config"
	"github.com/propono/authgate/middleware"
	"github.com/propono/authgate/session"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestRouter(t *testing.T, mr *miniredis.Miniredis) http.Handler {
	t.Helper()
	t.Setenv("AUTHGATE_AUTH_APP_ORIGIN", "https://app.propono.test")
	t.Setenv("AUTHGATE_AUTH_CSRF_SECRET", testSecret)
	t.Setenv("AUTHGATE_STORE_DRIVER", "redis")
	t.Setenv("AUTHGATE_STORE_REDIS_ADDR", mr.Addr())
	t.Setenv("AUTHGATE_IDP_KIND", "local")
	t.Setenv("AUTHGATE_IDP_LOCAL_SIGNING_KEY", testSecret)

	cfg, err := config.Load("")
	require.NoError(t, err)
	log := zaptest.NewLogger(t)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	provider, status, err := openProvider(cfg, log)
	require.NoError(t, err)

	engineCfg := cfg.Engine()
	engineCfg.Password.Memory = 64
	engineCfg.Password.Time = 1
	engine, err := authgate.New().
		WithConfig(engineCfg).
		WithStore(session.NewRedisStore(rdb, cfg.Store.Redis.Prefix, 0)).
		WithProvider(provider).
		WithLogger(log).
		Build()
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	gate, err := middleware.NewGate(middleware.GateConfigFrom(engine.Config(), engine.Metrics()), engine, engine.CSRF(), log)
	require.NoError(t, err)
	h, err := handlers.New(engine, gate, idp.NewStatusCache(status, time.Minute), log)
	require.NoError(t, err)

	router, release, err := newRouter(cfg, engine, h, log)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, release()) })
	return router
}

func TestRouterHealthAndMetrics(t *testing.T) {
	mr := miniredis.RunT(t)
	router := newTestRouter(t, mr)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/providers", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	mr.Close()
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRouterGatesSession(t *testing.T) {
	router := newTestRouter(t, miniredis.RunT(t))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/session", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouterOTelExporter(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	t.Cleanup(func() { otel.SetMeterProvider(prev) })

	t.Setenv("AUTHGATE_METRICS_EXPORTER", "otel")
	router := newTestRouter(t, miniredis.RunT(t))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code, "no scrape endpoint in otel mode")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/session", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	unauthorized := attribute.NewSet(attribute.String("decision", "unauthorized"))
	var found bool
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "authgate.gate.decisions" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				if dp.Attributes.Equals(&unauthorized) {
					assert.EqualValues(t, 1, dp.Value)
					found = true
				}
			}
		}
	}
	assert.True(t, found, "gate decision reported through the global meter provider")
}

func TestOpenStoreRejectsUnknownDriver(t *testing.T) {
	cfg := &config.Config{Store: config.Store{Driver: "sqlite"}}
	_, _, err := openStore(context.Background(), cfg, zaptest.NewLogger(t))
	var cerr config.ErrConfig
	assert.ErrorAs(t, err, &cerr)
}

func TestSweepLoopStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweepLoop(ctx, nil, time.Hour, zaptest.NewLogger(t))
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweep loop did not stop")
	}
}
