package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/propono/authgate"
	"github.com/propono/authgate/handlers"
	"github.com/propono/authgate/internal/config"
	otelexport "github.com/propono/authgate/metrics/export/otel"
	promexport "github.com/propono/authgate/metrics/export/prometheus"
)

const healthTimeout = 500 * time.Millisecond

// newRouter mounts the auth routes, health and metrics. The returned func
// releases the otel registration and is safe to call in every mode.
func newRouter(cfg *config.Config, engine *authgate.Engine, h *handlers.Handlers, log *zap.Logger) (http.Handler, func() error, error) {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(requestLogger(log.Named("http")))

	h.Register(r)
	r.Get("/healthz", healthz(engine))

	release := func() error { return nil }
	if cfg.Metrics.Enabled {
		switch cfg.Metrics.Exporter {
		case "otel":
			exp, err := otelexport.NewExporter(otel.GetMeterProvider().Meter(cfg.App.Name), engine)
			if err != nil {
				return nil, nil, err
			}
			release = exp.Close
			log.Info("engine metrics registered on the otel meter provider")
		default:
			metrics, err := promexport.Handler(engine,
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			if err != nil {
				return nil, nil, err
			}
			r.Method(http.MethodGet, cfg.Metrics.Path, metrics)
		}
	}

	return otelhttp.NewHandler(r, cfg.App.Name), release, nil
}

func healthz(engine *authgate.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")
		latency, err := engine.Ping(ctx)
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":     "ok",
			"store_ping": latency.String(),
		})
	}
}

// requestLogger never logs cookies or headers; only the route shape.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", chiMiddleware.GetReqID(r.Context())),
			)
		})
	}
}
