// Package config loads the server configuration from an optional yaml file
// and AUTHGATE_* environment variables.
package config

import (
	"net/http"
	"time"

	"github.com/propono/authgate"
	"github.com/propono/authgate/idp"
	"github.com/propono/authgate/internal/obs"
	"github.com/propono/authgate/session"
)

type App struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type Server struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

func (lc *Log) AsLoggerConfig(app App) obs.LogConfig {
	return obs.LogConfig{
		Level:  lc.Level,
		Pretty: lc.Pretty,
		App:    app.Name,
		Env:    app.Env,
		Ver:    app.Version,
	}
}

type Postgres struct {
	DSN               string        `mapstructure:"dsn"`
	MaxConns          int32         `mapstructure:"max_conns"`
	MinConns          int32         `mapstructure:"min_conns"`
	MaxConnLifetime   time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `mapstructure:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
	QueryTimeout      time.Duration `mapstructure:"query_timeout"`
}

func (p *Postgres) AsPoolConfig() session.PostgresConfig {
	return session.PostgresConfig{
		URL:               p.DSN,
		MaxConns:          p.MaxConns,
		MinConns:          p.MinConns,
		MaxConnLifetime:   p.MaxConnLifetime,
		MaxConnIdleTime:   p.MaxConnIdleTime,
		HealthCheckPeriod: p.HealthCheckPeriod,
		QueryTimeout:      p.QueryTimeout,
	}
}

type Redis struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	Prefix    string        `mapstructure:"prefix"`
	Retention time.Duration `mapstructure:"retention"`
}

// Store selects the session backend: "postgres" or "redis".
type Store struct {
	Driver   string   `mapstructure:"driver"`
	Postgres Postgres `mapstructure:"postgres"`
	Redis    Redis    `mapstructure:"redis"`
}

// IdP selects the identity provider: "http" for a GoTrue-compatible API or
// "local" for the in-process provider.
type IdP struct {
	Kind      string        `mapstructure:"kind"`
	BaseURL   string        `mapstructure:"base_url"`
	APIKey    string        `mapstructure:"api_key"`
	Timeout   time.Duration `mapstructure:"timeout"`
	StatusTTL time.Duration `mapstructure:"status_ttl"`

	LocalSigningKey    string        `mapstructure:"local_signing_key"`
	LocalAccessTTL     time.Duration `mapstructure:"local_access_ttl"`
	LocalRefreshTTL    time.Duration `mapstructure:"local_refresh_ttl"`
	LocalReuseInterval time.Duration `mapstructure:"local_reuse_interval"`
}

func (c *IdP) AsHTTPConfig() idp.HTTPConfig {
	return idp.HTTPConfig{BaseURL: c.BaseURL, APIKey: c.APIKey, Timeout: c.Timeout}
}

type Auth struct {
	AppOrigin           string        `mapstructure:"app_origin"`
	CSRFSecret          string        `mapstructure:"csrf_secret"`
	CookieDomain        string        `mapstructure:"cookie_domain"`
	CookieSecure        bool          `mapstructure:"cookie_secure"`
	AccessCookie        string        `mapstructure:"access_cookie"`
	RefreshCookie       string        `mapstructure:"refresh_cookie"`
	RememberMeThreshold time.Duration `mapstructure:"remember_me_threshold"`
	RememberMeLifetime  time.Duration `mapstructure:"remember_me_lifetime"`
	UpstreamTimeout     time.Duration `mapstructure:"upstream_timeout"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
	SweepBatchSize      int           `mapstructure:"sweep_batch_size"`
	AuditEnabled        bool          `mapstructure:"audit_enabled"`
}

// Metrics selects how engine counters leave the process. "prometheus" serves
// them on Path; "otel" registers them on the global MeterProvider.
type Metrics struct {
	Enabled  bool   `mapstructure:"enabled"`
	Exporter string `mapstructure:"exporter"`
	Path     string `mapstructure:"path"`
}

type Config struct {
	App     App     `mapstructure:"app"`
	Server  Server  `mapstructure:"server"`
	Log     Log     `mapstructure:"log"`
	Store   Store   `mapstructure:"store"`
	IdP     IdP     `mapstructure:"idp"`
	Auth    Auth    `mapstructure:"auth"`
	Metrics Metrics `mapstructure:"metrics"`
}

// Engine maps the server settings onto the library configuration.
func (c *Config) Engine() authgate.Config {
	cfg := authgate.DefaultConfig()
	cfg.Cookies.AccessName = c.Auth.AccessCookie
	cfg.Cookies.RefreshName = c.Auth.RefreshCookie
	cfg.Cookies.Domain = c.Auth.CookieDomain
	cfg.Cookies.Secure = c.Auth.CookieSecure
	cfg.Cookies.SameSite = http.SameSiteLaxMode
	cfg.Session.RememberMeThreshold = c.Auth.RememberMeThreshold
	cfg.Session.RememberMeLifetime = c.Auth.RememberMeLifetime
	cfg.Session.UpstreamTimeout = c.Auth.UpstreamTimeout
	cfg.Session.SweepBatchSize = c.Auth.SweepBatchSize
	cfg.CSRF.Secret = []byte(c.Auth.CSRFSecret)
	cfg.Origin.AppOrigin = c.Auth.AppOrigin
	cfg.Audit.Enabled = c.Auth.AuditEnabled
	cfg.Metrics.Enabled = c.Metrics.Enabled
	cfg.Metrics.EnableLatencyHistograms = c.Metrics.Enabled
	return cfg
}

type ErrConfig string

func (e ErrConfig) Error() string { return "config: " + string(e) }
