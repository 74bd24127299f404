package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "SPONSORHUB_"

// Config is the full service configuration. The MCP binary reads the same file.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Auth    AuthConfig    `yaml:"auth"`
	Captcha CaptchaConfig `yaml:"captcha"`
	Log     LogConfig     `yaml:"log"`
	Audit   AuditConfig   `yaml:"audit"`
	Payout  PayoutConfig  `yaml:"payout"`
	Deal    DealConfig    `yaml:"deal"`
}

type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	Mode           string        `yaml:"mode"` // debug | release | test
	AllowedOrigins []string      `yaml:"allowed_origins"`
	PublicBaseURL  string        `yaml:"public_base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RateLimit      int           `yaml:"rate_limit"` // requests per minute per client
	// TrustedProxies may set X-Forwarded-For. Empty means the socket peer is the client.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

type StoreConfig struct {
	Driver     string `yaml:"driver"` // memory | postgres | sqlite
	PGDSN      string `yaml:"pg_dsn"`
	SQLitePath string `yaml:"sqlite_path"`
}

type AuthConfig struct {
	JWTSecret    string        `yaml:"jwt_secret"`
	SessionTTL   time.Duration `yaml:"session_ttl"`
	MagicLinkTTL time.Duration `yaml:"magic_link_ttl"`
	AdminEmails  []string      `yaml:"admin_emails"`
}

type CaptchaConfig struct {
	Secret    string `yaml:"secret"`
	VerifyURL string `yaml:"verify_url"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type AuditConfig struct {
	MongoURI      string `yaml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database"`
	Workers       int    `yaml:"workers"`
}

type PayoutConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	SettleAfter time.Duration `yaml:"settle_after"`
}

type DealConfig struct {
	// MaxReworkCycles caps rejections per deal. 0 means unbounded.
	MaxReworkCycles int `yaml:"max_rework_cycles"`
}

// Default returns the configuration used when no file or env overrides are present.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:           ":3001",
			Mode:           "release",
			AllowedOrigins: []string{"http://localhost:3000"},
			PublicBaseURL:  "http://localhost:3000",
			RequestTimeout: 30 * time.Second,
			RateLimit:      120,
		},
		Store: StoreConfig{
			Driver:     "memory",
			SQLitePath: "sponsorhub.db",
		},
		Auth: AuthConfig{
			SessionTTL:   7 * 24 * time.Hour,
			MagicLinkTTL: 15 * time.Minute,
		},
		Captcha: CaptchaConfig{
			VerifyURL: "https://challenges.cloudflare.com/turnstile/v0/siteverify",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Audit: AuditConfig{
			MongoDatabase: "sponsorhub",
			Workers:       8,
		},
		Payout: PayoutConfig{
			Interval:    time.Minute,
			SettleAfter: 5 * time.Minute,
		},
	}
}

// Load reads path (optional), applies SPONSORHUB_* environment overrides and validates.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the settings that would otherwise fail at first use.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.PGDSN == "" {
			return fmt.Errorf("store.pg_dsn is required for the postgres driver")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}
	if c.Auth.SessionTTL <= 0 || c.Auth.MagicLinkTTL <= 0 {
		return fmt.Errorf("auth.session_ttl and auth.magic_link_ttl must be positive")
	}
	if c.Deal.MaxReworkCycles < 0 {
		return fmt.Errorf("deal.max_rework_cycles cannot be negative")
	}
	if c.Payout.Enabled && c.Payout.Interval <= 0 {
		return fmt.Errorf("payout.interval must be positive when payouts are enabled")
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit cannot be negative")
	}
	for _, p := range c.Server.TrustedProxies {
		if net.ParseIP(p) == nil {
			if _, _, err := net.ParseCIDR(p); err != nil {
				return fmt.Errorf("server.trusted_proxies: %q is not an IP or CIDR", p)
			}
		}
	}
	return nil
}

// IsAdmin reports whether email is listed in auth.admin_emails.
func (c Config) IsAdmin(email string) bool {
	for _, a := range c.Auth.AdminEmails {
		if strings.EqualFold(strings.TrimSpace(a), email) {
			return true
		}
	}
	return false
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(envPrefix + key); ok && v != "" {
			*dst = splitList(v)
		}
	}
	var firstErr error
	num := func(key string, dst *int) {
		v, ok := lookup(envPrefix + key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%s%s: %w", envPrefix, key, err)
			return
		}
		*dst = n
	}
	dur := func(key string, dst *time.Duration) {
		v, ok := lookup(envPrefix + key)
		if !ok || v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%s%s: %w", envPrefix, key, err)
			return
		}
		*dst = d
	}
	flag := func(key string, dst *bool) {
		v, ok := lookup(envPrefix + key)
		if !ok || v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%s%s: %w", envPrefix, key, err)
			return
		}
		*dst = b
	}

	str("ADDR", &cfg.Server.Addr)
	str("MODE", &cfg.Server.Mode)
	list("ALLOWED_ORIGINS", &cfg.Server.AllowedOrigins)
	str("PUBLIC_BASE_URL", &cfg.Server.PublicBaseURL)
	dur("REQUEST_TIMEOUT", &cfg.Server.RequestTimeout)
	num("RATE_LIMIT", &cfg.Server.RateLimit)
	list("TRUSTED_PROXIES", &cfg.Server.TrustedProxies)

	str("STORE_DRIVER", &cfg.Store.Driver)
	str("PG_DSN", &cfg.Store.PGDSN)
	str("SQLITE_PATH", &cfg.Store.SQLitePath)

	str("JWT_SECRET", &cfg.Auth.JWTSecret)
	dur("SESSION_TTL", &cfg.Auth.SessionTTL)
	dur("MAGIC_LINK_TTL", &cfg.Auth.MagicLinkTTL)
	list("ADMIN_EMAILS", &cfg.Auth.AdminEmails)

	str("CAPTCHA_SECRET", &cfg.Captcha.Secret)
	str("CAPTCHA_VERIFY_URL", &cfg.Captcha.VerifyURL)

	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)
	str("LOG_FILE", &cfg.Log.File)

	str("AUDIT_MONGO_URI", &cfg.Audit.MongoURI)
	str("AUDIT_MONGO_DATABASE", &cfg.Audit.MongoDatabase)
	num("AUDIT_WORKERS", &cfg.Audit.Workers)

	flag("PAYOUT_ENABLED", &cfg.Payout.Enabled)
	dur("PAYOUT_INTERVAL", &cfg.Payout.Interval)
	dur("PAYOUT_SETTLE_AFTER", &cfg.Payout.SettleAfter)

	num("MAX_REWORK_CYCLES", &cfg.Deal.MaxReworkCycles)
	return firstErr
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
