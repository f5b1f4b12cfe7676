package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

const (
	defaultTimeout = 5 * time.Second
	maxBodyBytes   = 1 << 20
)

// HTTPConfig configures HTTPProvider.
type HTTPConfig struct {
	// BaseURL is the auth API root, e.g. https://project.supabase.co/auth/v1.
	BaseURL string
	// APIKey is sent as the apikey header on every call.
	APIKey  string
	Timeout time.Duration
}

// HTTPProvider is a GoTrue-compatible client.
type HTTPProvider struct {
	base   *url.URL
	apiKey string
	client *http.Client
	log    *zap.Logger
}

var (
	_ Provider     = (*HTTPProvider)(nil)
	_ StatusSource = (*HTTPProvider)(nil)
)

// NewHTTPProvider builds a client whose transport is traced with otelhttp.
func NewHTTPProvider(cfg HTTPConfig, log *zap.Logger) (*HTTPProvider, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("idp: invalid base url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &HTTPProvider{
		base:   base,
		apiKey: cfg.APIKey,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		log: log,
	}, nil
}

func (p *HTTPProvider) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	var out TokenResponse
	body := map[string]string{"refresh_token": refreshToken}
	if err := p.do(ctx, http.MethodPost, "/token", url.Values{"grant_type": {"refresh_token"}}, "", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *HTTPProvider) ExchangeCode(ctx context.Context, authCode, codeVerifier string) (*TokenResponse, error) {
	var out TokenResponse
	body := map[string]string{"auth_code": authCode}
	if codeVerifier != "" {
		body["code_verifier"] = codeVerifier
	}
	if err := p.do(ctx, http.MethodPost, "/token", url.Values{"grant_type": {"pkce"}}, "", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *HTTPProvider) GetUser(ctx context.Context, accessToken string) (*User, error) {
	var out User
	if err := p.do(ctx, http.MethodGet, "/user", nil, accessToken, nil, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, ErrNoUser
	}
	return &out, nil
}

// ProviderStatus reads the "external" map from /settings.
func (p *HTTPProvider) ProviderStatus(ctx context.Context) (map[string]bool, error) {
	var out struct {
		External map[string]bool `json:"external"`
	}
	if err := p.do(ctx, http.MethodGet, "/settings", nil, "", nil, &out); err != nil {
		return nil, err
	}
	if out.External == nil {
		out.External = map[string]bool{}
	}
	return out.External, nil
}

func (p *HTTPProvider) do(ctx context.Context, method, path string, query url.Values, bearer string, in, out any) error {
	u := *p.base
	u.Path += path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("idp: encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("idp: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.apiKey != "" {
		req.Header.Set("apikey", p.apiKey)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrUnavailable, path, err)
	}

	switch {
	case resp.StatusCode >= 500:
		p.log.Warn("idp server error", zap.String("path", path), zap.Int("status", resp.StatusCode))
		return fmt.Errorf("%w: %s returned %d", ErrUnavailable, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: %s returned %d", ErrRejected, path, resp.StatusCode)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrUnavailable, path, err)
	}
	return nil
}
