// Command authgate-server serves the auth endpoints, health and metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/propono/authgate"
	"github.com/propono/authgate/handlers"
	"github.com/propono/authgate/idp"
	"github.com/propono/authgate/internal/config"
	"github.com/propono/authgate/internal/obs"
	"github.com/propono/authgate/jwt"
	"github.com/propono/authgate/middleware"
	"github.com/propono/authgate/session"
)

func main() {
	path := flag.String("config", os.Getenv("AUTHGATE_CONFIG"), "yaml config file")
	flag.Parse()

	cfg, err := config.Load(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := obs.NewLogger(cfg.Log.AsLoggerConfig(cfg.App))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	provider, status, err := openProvider(cfg, log)
	if err != nil {
		return err
	}

	builder := authgate.New().
		WithConfig(cfg.Engine()).
		WithStore(store).
		WithProvider(provider).
		WithLogger(log)
	if cfg.Auth.AuditEnabled {
		builder = builder.WithAuditSink(authgate.NewZapSink(log))
	}
	engine, err := builder.Build()
	if err != nil {
		return err
	}
	defer engine.Close()

	gate, err := middleware.NewGate(middleware.GateConfigFrom(engine.Config(), engine.Metrics()), engine, engine.CSRF(), log)
	if err != nil {
		return err
	}
	h, err := handlers.New(engine, gate, idp.NewStatusCache(status, cfg.IdP.StatusTTL), log)
	if err != nil {
		return err
	}

	router, releaseMetrics, err := newRouter(cfg, engine, h, log)
	if err != nil {
		return err
	}
	defer func() { _ = releaseMetrics() }()

	srv := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go sweepLoop(ctx, engine, cfg.Auth.SweepInterval, log)

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", srv.Addr), zap.String("store", cfg.Store.Driver), zap.String("idp", cfg.IdP.Kind))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down", zap.Duration("grace", cfg.Server.GracefulTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (session.Store, func(), error) {
	switch cfg.Store.Driver {
	case "postgres":
		pool, err := session.OpenPool(ctx, cfg.Store.Postgres.AsPoolConfig())
		if err != nil {
			return nil, nil, err
		}
		return session.NewPostgresStore(pool, cfg.Store.Postgres.QueryTimeout, log.Named("store")), pool.Close, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		return session.NewRedisStore(rdb, cfg.Store.Redis.Prefix, cfg.Store.Redis.Retention), func() { _ = rdb.Close() }, nil
	default:
		return nil, nil, config.ErrConfig("unknown store.driver " + cfg.Store.Driver)
	}
}

type statusProvider interface {
	idp.Provider
	idp.StatusSource
}

func openProvider(cfg *config.Config, log *zap.Logger) (idp.Provider, idp.StatusSource, error) {
	var p statusProvider
	switch cfg.IdP.Kind {
	case "http":
		hp, err := idp.NewHTTPProvider(cfg.IdP.AsHTTPConfig(), log.Named("idp"))
		if err != nil {
			return nil, nil, err
		}
		p = hp
	case "local":
		tokens, err := jwt.NewManager(jwt.Config{SigningMethod: jwt.MethodHS256, PrivateKey: []byte(cfg.IdP.LocalSigningKey)})
		if err != nil {
			return nil, nil, err
		}
		local := idp.NewLocal(tokens, idp.LocalConfig{
			AccessTTL:     cfg.IdP.LocalAccessTTL,
			RefreshTTL:    cfg.IdP.LocalRefreshTTL,
			ReuseInterval: cfg.IdP.LocalReuseInterval,
		})
		code, err := local.AddUser(idp.User{ID: "dev-user", Email: "dev@localhost"})
		if err != nil {
			return nil, nil, err
		}
		log.Warn("local identity provider in use, not for production", zap.String("dev_auth_code", code))
		p = local
	default:
		return nil, nil, config.ErrConfig("unknown idp.kind " + cfg.IdP.Kind)
	}
	return p, p, nil
}

func sweepLoop(ctx context.Context, engine *authgate.Engine, every time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := engine.SweepExpired(ctx); err != nil && ctx.Err() == nil {
				log.Warn("session sweep failed", zap.Error(err))
			}
		}
	}
}
