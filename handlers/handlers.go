// Package handlers exposes the session lifecycle as JSON endpoints.
//
//	POST /auth/login       exchange an auth code, set session cookies
//	POST /auth/refresh     rotate the refresh token
//	POST /auth/logout      revoke the current session, clear cookies
//	POST /auth/logout-all  revoke every session of the caller
//	GET  /auth/session     current identity and live sessions
//	GET  /auth/providers   enabled external sign-in providers
//
// Session cookies are always written through [authgate.CookieWriter].
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/propono/authgate"
	"github.com/propono/authgate/idp"
	"github.com/propono/authgate/middleware"
)

const maxLoginBody = 4 << 10

// Handlers holds the dependencies of the auth endpoints.
type Handlers struct {
	engine    *authgate.Engine
	gate      *middleware.Gate
	providers *idp.StatusCache
	log       *zap.Logger
}

// New wires the endpoints. providers may be nil, in which case
// /auth/providers reports an empty set.
func New(engine *authgate.Engine, gate *middleware.Gate, providers *idp.StatusCache, log *zap.Logger) (*Handlers, error) {
	if engine == nil || gate == nil {
		return nil, errors.New("handlers: engine and gate are required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Handlers{engine: engine, gate: gate, providers: providers, log: log.Named("handlers")}, nil
}

// Register mounts the endpoints on r.
func (h *Handlers) Register(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.With(h.gate.SameOrigin).Post("/login", h.Login)
		r.With(h.gate.Provenance).Post("/refresh", h.Refresh)
		r.With(h.gate.Provenance).Post("/logout", h.Logout)
		r.Method(http.MethodPost, "/logout-all", h.gate.RequireFunc(h.LogoutAll))
		r.Method(http.MethodGet, "/session", h.gate.RequireFunc(h.Session))
		r.Get("/providers", h.Providers)
	})
}

// Router returns a chi router with only the auth endpoints.
func (h *Handlers) Router() http.Handler {
	r := chi.NewRouter()
	h.Register(r)
	return r
}

type sessionBody struct {
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	cw := authgate.NewCookieWriter(w)
	defer cw.Close()

	var req authgate.LoginRequest
	dec := json.NewDecoder(http.MaxBytesReader(cw, r.Body, maxLoginBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		middleware.WriteJSON(cw, http.StatusBadRequest, map[string]string{"error": "bad request"})
		return
	}

	grant, err := h.engine.Login(r.Context(), req, authgate.ClientInfoFromRequest(r))
	if err != nil {
		middleware.WriteError(cw, err)
		return
	}

	cw.Set(h.engine.Cookies(grant)...)
	middleware.WriteJSON(cw, http.StatusOK, sessionBody{
		UserID:    grant.UserID,
		SessionID: grant.SessionID,
		ExpiresAt: grant.ExpiresAt,
	})
}

func (h *Handlers) Refresh(w http.ResponseWriter, r *http.Request) {
	cw := authgate.NewCookieWriter(w)
	defer cw.Close()

	var token string
	if c, err := r.Cookie(h.engine.Config().Cookies.RefreshName); err == nil {
		token = c.Value
	}

	res := h.engine.Refresh(r.Context(), token, authgate.ClientInfoFromRequest(r))
	if res.State != authgate.StateRotated {
		if res.State.ClearsCookies() {
			cw.Set(h.engine.ClearCookies()...)
		}
		middleware.WriteError(cw, res.State.Err())
		return
	}

	cw.Set(h.engine.Cookies(res.Grant)...)
	middleware.WriteJSON(cw, http.StatusOK, sessionBody{
		UserID:    res.UserID,
		SessionID: res.SessionID,
		ExpiresAt: res.Grant.ExpiresAt,
	})
}

// Logout always clears cookies and answers 204; a failed revocation is only
// logged.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	cw := authgate.NewCookieWriter(w)
	defer cw.Close()

	if c, err := r.Cookie(h.engine.Config().Cookies.RefreshName); err == nil && c.Value != "" {
		if err := h.engine.Logout(r.Context(), c.Value, authgate.ClientInfoFromRequest(r)); err != nil {
			h.log.Warn("logout revocation failed", zap.Int("rt_len", len(c.Value)), zap.Error(err))
		}
	}

	cw.Set(h.engine.ClearCookies()...)
	cw.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) LogoutAll(w http.ResponseWriter, r *http.Request, id authgate.Identity) {
	cw := authgate.NewCookieWriter(w)
	defer cw.Close()

	n, err := h.engine.LogoutAll(r.Context(), id.UserID, authgate.ClientInfoFromRequest(r))
	if err != nil {
		h.log.Error("logout all failed", zap.String("user_id", id.UserID), zap.Error(err))
		middleware.WriteError(cw, err)
		return
	}

	cw.Set(h.engine.ClearCookies()...)
	middleware.WriteJSON(cw, http.StatusOK, map[string]int64{"revoked": n})
}

type sessionView struct {
	User     authgate.Identity      `json:"user"`
	Sessions []authgate.SessionInfo `json:"sessions"`
}

func (h *Handlers) Session(w http.ResponseWriter, r *http.Request, id authgate.Identity) {
	sessions, err := h.engine.Sessions(r.Context(), id.UserID)
	if err != nil {
		h.log.Error("list sessions failed", zap.String("user_id", id.UserID), zap.Error(err))
		middleware.WriteError(w, err)
		return
	}
	if sessions == nil {
		sessions = []authgate.SessionInfo{}
	}
	middleware.WriteJSON(w, http.StatusOK, sessionView{User: id, Sessions: sessions})
}

func (h *Handlers) Providers(w http.ResponseWriter, r *http.Request) {
	if h.providers == nil {
		middleware.WriteJSON(w, http.StatusOK, map[string]bool{})
		return
	}
	status, err := h.providers.Get(r.Context())
	if err != nil {
		h.log.Warn("provider status unavailable", zap.Error(err))
		middleware.WriteError(w, fmt.Errorf("%w: %w", authgate.ErrInternal, err))
		return
	}
	middleware.WriteJSON(w, http.StatusOK, status)
}
