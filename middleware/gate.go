package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/propono/authgate"
	"github.com/propono/authgate/csrf"
)

// Authenticator resolves an access token to an identity. *authgate.Engine
// implements it.
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (*authgate.Identity, error)
}

// GateConfig names the cookies and header the gate reads and the origin
// mutating requests must come from.
type GateConfig struct {
	AccessCookie string
	CSRFCookie   string
	CSRFHeader   string
	AppOrigin    string
	// Metrics is optional.
	Metrics *authgate.Metrics
}

// GateConfigFrom derives a GateConfig from the engine configuration.
func GateConfigFrom(cfg authgate.Config, metrics *authgate.Metrics) GateConfig {
	return GateConfig{
		AccessCookie: cfg.Cookies.AccessName,
		CSRFCookie:   cfg.Cookies.CSRFName,
		CSRFHeader:   cfg.Cookies.CSRFHeader,
		AppOrigin:    cfg.Origin.AppOrigin,
		Metrics:      metrics,
	}
}

type identityContextKey struct{}

// IdentityFromContext returns the identity injected by Require.
func IdentityFromContext(ctx context.Context) (authgate.Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(authgate.Identity)
	return id, ok
}

// Gate is the request-level authentication wrapper.
type Gate struct {
	cfg     GateConfig
	origins originAllowList
	auth    Authenticator
	csrf    *csrf.Codec
	log     *zap.Logger
}

func NewGate(cfg GateConfig, auth Authenticator, codec *csrf.Codec, log *zap.Logger) (*Gate, error) {
	if auth == nil || codec == nil {
		return nil, errors.New("middleware: authenticator and csrf codec are required")
	}
	if cfg.AccessCookie == "" || cfg.CSRFCookie == "" || cfg.CSRFHeader == "" {
		return nil, errors.New("middleware: cookie and header names are required")
	}
	origins, err := newOriginAllowList(cfg.AppOrigin)
	if err != nil {
		return nil, fmt.Errorf("middleware: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{cfg: cfg, origins: origins, auth: auth, csrf: codec, log: log.Named("gate")}, nil
}

// Require wraps next so it only runs for authenticated, provenance-checked,
// CSRF-checked requests.
func (g *Gate) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := g.authenticate(w, r)
		if !ok {
			return
		}
		ctx := context.WithValue(r.Context(), identityContextKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireFunc is Require for handlers that take the identity directly.
func (g *Gate) RequireFunc(fn func(w http.ResponseWriter, r *http.Request, id authgate.Identity)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := g.authenticate(w, r)
		if !ok {
			return
		}
		ctx := context.WithValue(r.Context(), identityContextKey{}, id)
		fn(w, r.WithContext(ctx), id)
	})
}

// Provenance applies the origin, fetch-metadata and CSRF checks to mutating
// requests without requiring an access token.
func (g *Gate) Provenance(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isMutating(r.Method) {
			if err := g.checkProvenance(r); err != nil {
				g.reject(w, r, err)
				return
			}
			if err := g.checkCSRF(r); err != nil {
				g.reject(w, r, err)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// SameOrigin applies only the origin and fetch-metadata checks. Login uses
// it because no CSRF cookie exists before the first session.
func (g *Gate) SameOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isMutating(r.Method) {
			if err := g.checkProvenance(r); err != nil {
				g.reject(w, r, err)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gate) authenticate(w http.ResponseWriter, r *http.Request) (authgate.Identity, bool) {
	cookie, err := r.Cookie(g.cfg.AccessCookie)
	if err != nil || cookie.Value == "" {
		g.reject(w, r, fmt.Errorf("%w: missing access cookie", authgate.ErrUnauthorized))
		return authgate.Identity{}, false
	}

	if isMutating(r.Method) {
		if err := g.checkProvenance(r); err != nil {
			g.reject(w, r, err)
			return authgate.Identity{}, false
		}
		if err := g.checkCSRF(r); err != nil {
			g.reject(w, r, err)
			return authgate.Identity{}, false
		}
	}

	id, err := g.auth.Authenticate(r.Context(), cookie.Value)
	if err != nil || id == nil || id.UserID == "" {
		if err == nil {
			err = authgate.ErrUnauthorized
		}
		g.reject(w, r, err)
		return authgate.Identity{}, false
	}

	g.cfg.Metrics.Inc(authgate.MetricGateAllowed)
	return *id, true
}

func (g *Gate) checkCSRF(r *http.Request) error {
	cookie, err := r.Cookie(g.cfg.CSRFCookie)
	if err != nil {
		return fmt.Errorf("%w: missing csrf cookie", authgate.ErrCSRFInvalid)
	}
	if !g.csrf.Verify(r.Header.Get(g.cfg.CSRFHeader), cookie.Value) {
		return fmt.Errorf("%w: csrf mismatch", authgate.ErrCSRFInvalid)
	}
	return nil
}

func (g *Gate) reject(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, authgate.ErrOriginNotAllowed):
		g.cfg.Metrics.Inc(authgate.MetricGateOriginRejected)
	case errors.Is(err, authgate.ErrCSRFInvalid):
		g.cfg.Metrics.Inc(authgate.MetricGateCSRFRejected)
	default:
		g.cfg.Metrics.Inc(authgate.MetricGateUnauthorized)
	}

	g.log.Info("request rejected",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("origin", r.Header.Get("Origin")),
		zap.Int("csrf_len", len(r.Header.Get(g.cfg.CSRFHeader))),
		zap.Error(err),
	)
	WriteError(w, err)
}

func isMutating(method string) bool {
	return method != http.MethodGet && method != http.MethodHead
}
