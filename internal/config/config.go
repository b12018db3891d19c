// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennywise Contributors

// Package config loads Pennywise configuration from defaults, an optional
// YAML file, PENNYWISE_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
	"golang.org/x/crypto/bcrypt"
)

// EnvPrefix prefixes every environment override. Nested keys use a double
// underscore: PENNYWISE_TOKENS__ACCESS_SECRET sets tokens.access_secret.
const EnvPrefix = "PENNYWISE_"

// Backend names.
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
)

// Config is the full service configuration.
type Config struct {
	HTTP     HTTPConfig     `koanf:"http"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Log      LogConfig      `koanf:"log"`
	Database DatabaseConfig `koanf:"database"`
	Store    StoreConfig    `koanf:"store"`
	Redis    RedisConfig    `koanf:"redis"`
	Tokens   TokensConfig   `koanf:"tokens"`
	Password PasswordConfig `koanf:"password"`
	Reset    ResetConfig    `koanf:"reset"`
	Cookies  CookiesConfig  `koanf:"cookies"`
	Mail     MailConfig     `koanf:"mail"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr            string        `koanf:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// MetricsConfig configures the metrics and health listener. An empty
// address disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// LogConfig configures logging.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

// DatabaseConfig configures PostgreSQL.
type DatabaseConfig struct {
	URL         string `koanf:"url"`
	AutoMigrate bool   `koanf:"auto_migrate"`
}

// StoreConfig selects the account store.
type StoreConfig struct {
	Backend string `koanf:"backend"`
}

// RedisConfig configures Redis for the reset token store.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Prefix   string `koanf:"prefix"`
}

// TokensConfig configures the token codec.
type TokensConfig struct {
	AccessSecret  string        `koanf:"access_secret"`
	RefreshSecret string        `koanf:"refresh_secret"`
	AccessTTL     time.Duration `koanf:"access_ttl"`
	RefreshTTL    time.Duration `koanf:"refresh_ttl"`
	Issuer        string        `koanf:"issuer"`
}

// PasswordConfig configures password hashing.
type PasswordConfig struct {
	BcryptCost int `koanf:"bcrypt_cost"`
}

// ResetConfig configures the password reset flow.
type ResetConfig struct {
	Store         string        `koanf:"store"`
	TTL           time.Duration `koanf:"ttl"`
	PurgeInterval time.Duration `koanf:"purge_interval"`
}

// CookiesConfig configures the token cookies.
type CookiesConfig struct {
	Secure   bool   `koanf:"secure"`
	Domain   string `koanf:"domain"`
	SameSite string `koanf:"same_site"`
}

// MailConfig configures reset email rendering and delivery.
type MailConfig struct {
	From      string `koanf:"from"`
	ResetURL  string `koanf:"reset_url"`
	QueueSize int    `koanf:"queue_size"`
}

// Defaults returns the built-in configuration.
func Defaults() map[string]any {
	return map[string]any{
		"http.addr":             ":8080",
		"http.shutdown_timeout": "10s",
		"metrics.addr":          "127.0.0.1:9100",
		"log.format":            "json",
		"log.level":             "info",
		"database.url":          "",
		"database.auto_migrate": false,
		"store.backend":         BackendPostgres,
		"redis.addr":            "",
		"redis.password":        "",
		"redis.db":              0,
		"redis.prefix":          "pwreset",
		"tokens.access_secret":  "",
		"tokens.refresh_secret": "",
		"tokens.access_ttl":     "4h",
		"tokens.refresh_ttl":    "168h",
		"tokens.issuer":         "pennywise",
		"password.bcrypt_cost":  12,
		"reset.store":           BackendPostgres,
		"reset.ttl":             "1h",
		"reset.purge_interval":  "15m",
		"cookies.secure":        true,
		"cookies.domain":        "",
		"cookies.same_site":     "lax",
		"mail.from":             "no-reply@pennywise.local",
		"mail.reset_url":        "http://localhost:8080/reset-password",
		"mail.queue_size":       64,
	}
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"http-addr":      "http.addr",
	"metrics-addr":   "metrics.addr",
	"log-format":     "log.format",
	"log-level":      "log.level",
	"database-url":   "database.url",
	"auto-migrate":   "database.auto_migrate",
	"store":          "store.backend",
	"reset-store":    "reset.store",
	"redis-addr":     "redis.addr",
	"bcrypt-cost":    "password.bcrypt_cost",
	"cookies-secure": "cookies.secure",
}

// RegisterFlags adds the overridable flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("http-addr", ":8080", "API listen address")
	fs.String("metrics-addr", "127.0.0.1:9100", "metrics and health listen address (empty disables)")
	fs.String("log-format", "json", "log format (json or text)")
	fs.String("log-level", "info", "minimum log level")
	fs.String("database-url", "", "PostgreSQL connection URL")
	fs.Bool("auto-migrate", false, "apply pending migrations on start")
	fs.String("store", BackendPostgres, "account store backend (postgres or memory)")
	fs.String("reset-store", BackendPostgres, "reset token store backend (postgres, redis or memory)")
	fs.String("redis-addr", "", "Redis address for the redis reset store")
	fs.Int("bcrypt-cost", 12, "bcrypt cost for new password hashes")
	fs.Bool("cookies-secure", true, "mark token cookies Secure")
}

// Load builds a Config. path may be empty; fs may be nil.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	for key, val := range Defaults() {
		if err := k.Set(key, val); err != nil {
			return nil, oops.Code("CONFIG_DEFAULTS_FAILED").With("key", key).Wrap(err)
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.Code("CONFIG_FILE_FAILED").With("path", path).Wrap(err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, oops.Code("CONFIG_ENV_FAILED").Wrap(err)
	}

	if fs != nil {
		provider := posflag.ProviderWithFlag(fs, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(fs, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.Code("CONFIG_FLAGS_FAILED").Wrap(err)
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, oops.Code("CONFIG_DECODE_FAILED").Wrap(err)
	}

	if cfg.Database.URL == "" {
		cfg.Database.URL = os.Getenv("DATABASE_URL")
	}
	return &cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	switch c.Log.Format {
	case "json", "text":
	default:
		return oops.Code("CONFIG_INVALID").With("log.format", c.Log.Format).
			Errorf("log format must be json or text")
	}

	if c.Tokens.AccessSecret == "" || c.Tokens.RefreshSecret == "" {
		return oops.Code("CONFIG_INVALID").Errorf("tokens.access_secret and tokens.refresh_secret are required")
	}
	if c.Tokens.AccessSecret == c.Tokens.RefreshSecret {
		return oops.Code("CONFIG_INVALID").Errorf("access and refresh secrets must differ")
	}
	if c.Tokens.AccessTTL <= 0 || c.Tokens.RefreshTTL <= 0 {
		return oops.Code("CONFIG_INVALID").
			With("tokens.access_ttl", c.Tokens.AccessTTL).
			With("tokens.refresh_ttl", c.Tokens.RefreshTTL).
			Errorf("token lifetimes must be positive")
	}
	if c.Password.BcryptCost < bcrypt.MinCost || c.Password.BcryptCost > bcrypt.MaxCost {
		return oops.Code("CONFIG_INVALID").With("password.bcrypt_cost", c.Password.BcryptCost).
			Errorf("bcrypt cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}
	if c.Reset.TTL <= 0 {
		return oops.Code("CONFIG_INVALID").With("reset.ttl", c.Reset.TTL).Errorf("reset ttl must be positive")
	}

	if c.Mail.QueueSize < 1 {
		return oops.Code("CONFIG_INVALID").With("mail.queue_size", c.Mail.QueueSize).
			Errorf("mail queue size must be at least 1")
	}

	switch c.Store.Backend {
	case BackendPostgres, BackendMemory:
	default:
		return oops.Code("CONFIG_INVALID").With("store.backend", c.Store.Backend).
			Errorf("store backend must be postgres or memory")
	}
	switch c.Reset.Store {
	case BackendPostgres, BackendRedis, BackendMemory:
	default:
		return oops.Code("CONFIG_INVALID").With("reset.store", c.Reset.Store).
			Errorf("reset store must be postgres, redis or memory")
	}

	if c.NeedsDatabase() && c.Database.URL == "" {
		return oops.Code("CONFIG_INVALID").Errorf("database.url is required for the postgres backend")
	}
	if c.Reset.Store == BackendRedis && c.Redis.Addr == "" {
		return oops.Code("CONFIG_INVALID").Errorf("redis.addr is required for the redis reset store")
	}
	if c.Reset.Store == BackendPostgres && c.Store.Backend == BackendMemory {
		return oops.Code("CONFIG_INVALID").Errorf("a postgres reset store needs the postgres account store")
	}

	switch strings.ToLower(c.Cookies.SameSite) {
	case "lax", "strict", "none":
	default:
		return oops.Code("CONFIG_INVALID").With("cookies.same_site", c.Cookies.SameSite).
			Errorf("same_site must be lax, strict or none")
	}
	return nil
}

// NeedsDatabase reports whether any configured backend is PostgreSQL.
func (c *Config) NeedsDatabase() bool {
	return c.Store.Backend == BackendPostgres || c.Reset.Store == BackendPostgres
}
