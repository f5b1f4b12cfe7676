package authgate

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/propono/authgate/csrf"
	"github.com/propono/authgate/password"
)

// Config holds every tunable of the engine and the gate.
//
// Config instances are built once at startup and treated as immutable afterwards.
type Config struct {
	Cookies  CookieConfig
	Session  SessionConfig
	Password password.Params
	CSRF     CSRFConfig
	Origin   OriginConfig
	Audit    AuditConfig
	Metrics  MetricsConfig
}

/*
====================================
COOKIE CONFIG
====================================
*/

// CookieConfig names and scopes the three auth cookies.
type CookieConfig struct {
	AccessName  string
	RefreshName string
	CSRFName    string
	CSRFHeader  string
	Domain      string
	Path        string
	Secure      bool
	SameSite    http.SameSite
	// AccessMaxAge is used when the provider reports no access token lifetime.
	AccessMaxAge time.Duration
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig controls session lifetimes and maintenance.
type SessionConfig struct {
	// A lineage whose first session lived longer than RememberMeThreshold is
	// a remember-me lineage and keeps RememberMeLifetime on every rotation.
	RememberMeThreshold time.Duration
	RememberMeLifetime  time.Duration
	UpstreamTimeout     time.Duration
	SweepBatchSize      int
}

/*
====================================
CSRF / ORIGIN CONFIG
====================================
*/

// CSRFConfig holds the HMAC secret for double-submit tokens.
type CSRFConfig struct {
	Secret []byte
}

// OriginConfig holds the application origin mutating requests must come from.
type OriginConfig struct {
	AppOrigin string
}

/*
====================================
AUDIT / METRICS CONFIG
====================================
*/

// AuditConfig controls the asynchronous audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
	// SinkTimeout bounds each sink call. Zero means no deadline.
	SinkTimeout time.Duration
}

// MetricsConfig controls the in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// DefaultConfig returns a production-leaning configuration. CSRF.Secret and
// Origin.AppOrigin have no default and must be set.
func DefaultConfig() Config {
	return Config{
		Cookies: CookieConfig{
			AccessName:   "propono_at",
			RefreshName:  "propono_rt",
			CSRFName:     csrf.CookieName,
			CSRFHeader:   csrf.HeaderName,
			Path:         "/",
			Secure:       true,
			SameSite:     http.SameSiteLaxMode,
			AccessMaxAge: time.Hour,
		},
		Session: SessionConfig{
			RememberMeThreshold: 7 * 24 * time.Hour,
			RememberMeLifetime:  30 * 24 * time.Hour,
			UpstreamTimeout:     5 * time.Second,
			SweepBatchSize:      500,
		},
		Password: password.DefaultParams(),
		Audit: AuditConfig{
			Enabled:     false,
			BufferSize:  1024,
			DropIfFull:  true,
			SinkTimeout: 2 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			EnableLatencyHistograms: true,
		},
	}
}

// Validate reports the first invalid setting, wrapped in ErrConfig.
func (c *Config) Validate() error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return nil
}

func (c *Config) validate() error {
	// Cookies
	if c.Cookies.AccessName == "" || c.Cookies.RefreshName == "" || c.Cookies.CSRFName == "" {
		return errors.New("cookie names must be set")
	}
	if c.Cookies.AccessName == c.Cookies.RefreshName {
		return errors.New("access and refresh cookies must differ")
	}
	if c.Cookies.CSRFHeader == "" {
		return errors.New("CSRF header name must be set")
	}
	if c.Cookies.AccessMaxAge <= 0 {
		return errors.New("Cookies AccessMaxAge must be > 0")
	}
	if c.Cookies.SameSite == http.SameSiteNoneMode && !c.Cookies.Secure {
		return errors.New("SameSite=None requires Secure cookies")
	}

	// Session
	if c.Session.RememberMeThreshold <= 0 {
		return errors.New("Session RememberMeThreshold must be > 0")
	}
	if c.Session.RememberMeLifetime <= c.Session.RememberMeThreshold {
		return errors.New("Session RememberMeLifetime must exceed RememberMeThreshold")
	}
	if c.Session.UpstreamTimeout <= 0 {
		return errors.New("Session UpstreamTimeout must be > 0")
	}
	if c.Session.SweepBatchSize <= 0 {
		return errors.New("Session SweepBatchSize must be > 0")
	}

	// CSRF
	if len(c.CSRF.Secret) < csrf.MinSecretLength {
		return fmt.Errorf("CSRF secret must be at least %d bytes", csrf.MinSecretLength)
	}

	// Origin
	if err := validateOrigin(c.Origin.AppOrigin); err != nil {
		return err
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}
	if c.Audit.SinkTimeout < 0 {
		return errors.New("Audit SinkTimeout must be >= 0")
	}
	return nil
}

func validateOrigin(origin string) error {
	if strings.TrimSpace(origin) == "" {
		return errors.New("Origin AppOrigin must be set")
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return fmt.Errorf("Origin AppOrigin %q is not an absolute URL", origin)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("Origin AppOrigin must use http or https")
	}
	if u.Path != "" && u.Path != "/" {
		return errors.New("Origin AppOrigin must not carry a path")
	}
	return nil
}
