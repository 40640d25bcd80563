// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"golang.org/x/net/publicsuffix"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string `env:"DATABASE_URL"`

	// Backend（認証・給与計算・永続化を担うREST API）
	BackendURL     string        `env:"BACKEND_URL"`
	BackendTimeout time.Duration `env:"BACKEND_TIMEOUT" envDefault:"10s"`

	// Session
	SessionMaxAge       int           `env:"SESSION_MAX_AGE" envDefault:"28800"`
	SessionCheckTimeout time.Duration `env:"SESSION_CHECK_TIMEOUT" envDefault:"15s"`
	SessionIdleEvict    time.Duration `env:"SESSION_IDLE_EVICT" envDefault:"30m"`
	TokenCookieName     string        `env:"TOKEN_COOKIE_NAME" envDefault:"auth_token"`

	// Login flow
	LoginFlowTTL time.Duration `env:"LOGIN_FLOW_TTL" envDefault:"10m"`

	// Rate Limit（req/min）
	RateLimitLogin int `env:"RATE_LIMIT_LOGIN" envDefault:"10"`
	RateLimitAPI   int `env:"RATE_LIMIT_API" envDefault:"120"`

	// Cleanup
	CleanupInterval time.Duration `env:"CLEANUP_INTERVAL" envDefault:"1h"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Tracing（空の場合は無効）
	OTelEndpoint string `env:"OTEL_ENDPOINT"`

	// Server
	ServerPort    string `env:"SERVER_PORT" envDefault:"8080"`
	BaseURL       string `env:"BASE_URL"`
	DashboardPath string `env:"DASHBOARD_PATH" envDefault:"/outsourced/dashboard"`
	TrustProxy    bool   `env:"TRUST_PROXY" envDefault:"false"`

	// Cookie
	CookieSecure bool
	CookieDomain string `env:"COOKIE_DOMAIN"`

	// CORS
	CORSAllowedOrigin string `env:"CORS_ALLOWED_ORIGIN" envDefault:"http://localhost:3000"`
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合、または値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	// Required fields
	var missing []string
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if cfg.BackendURL == "" {
		missing = append(missing, "BACKEND_URL")
	}
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if err := validateBackendURL(cfg.BackendURL); err != nil {
		return nil, err
	}
	cfg.BackendURL = strings.TrimRight(cfg.BackendURL, "/")

	if cfg.CookieDomain != "" {
		if err := validateCookieDomain(cfg.CookieDomain); err != nil {
			return nil, err
		}
	}

	if cfg.SessionMaxAge <= 0 {
		return nil, fmt.Errorf("SESSION_MAX_AGE must be positive: %d", cfg.SessionMaxAge)
	}

	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")

	return cfg, nil
}

// SessionMaxAgeDuration はSessionMaxAge（秒）をtime.Durationで返す。
func (c *Config) SessionMaxAgeDuration() time.Duration {
	return time.Duration(c.SessionMaxAge) * time.Second
}

// validateBackendURL はバックエンドURLが絶対http(s) URLであることを検証する。
func validateBackendURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid BACKEND_URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid BACKEND_URL scheme: %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid BACKEND_URL: empty host")
	}
	return nil
}

// validateCookieDomain はCookieドメインがパブリックサフィックスでないことを検証する。
// "co.ke" のようなドメインを指定するとブラウザがCookieを拒否するため起動時に弾く。
func validateCookieDomain(domain string) error {
	d := strings.TrimPrefix(strings.ToLower(domain), ".")
	if _, err := publicsuffix.EffectiveTLDPlusOne(d); err != nil {
		return fmt.Errorf("invalid COOKIE_DOMAIN %q: %w", domain, err)
	}
	return nil
}
