// Package config loads service configuration from the environment and an
// optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Rate limiter backends.
const (
	RateLimitMemory = "memory"
	RateLimitRedis  = "redis"
	RateLimitOff    = "off"
)

// Config holds the auth service configuration.
type Config struct {
	// HTTPAddr is the listen address (e.g. :8081).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// TrustedProxies lists the CIDRs (or single IPs) of reverse proxies whose
	// X-Forwarded-For and X-Real-IP headers are believed. Empty means the
	// client address is always the socket peer.
	TrustedProxies []string `mapstructure:"TRUSTED_PROXIES"`
	// DatabaseURL is the Postgres DSN holding auth.users.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// RunMigrations applies embedded migrations at startup.
	RunMigrations bool `mapstructure:"RUN_MIGRATIONS"`

	// JWTSecret is the HS256 signing key, at least 32 bytes.
	JWTSecret string `mapstructure:"JWT_SECRET"`
	// JWTAccessTTL is the access token lifetime (e.g. "60m").
	JWTAccessTTL time.Duration `mapstructure:"JWT_ACCESS_TTL"`
	// JWTRefreshTTL is the refresh token lifetime (e.g. "168h").
	JWTRefreshTTL time.Duration `mapstructure:"JWT_REFRESH_TTL"`
	// BcryptCost is the bcrypt cost factor (4–31).
	BcryptCost int `mapstructure:"BCRYPT_COST"`

	// RateLimitBackend is memory, redis or off.
	RateLimitBackend string `mapstructure:"RATE_LIMIT_BACKEND"`
	// RateLimitMaxAttempts is the number of login attempts admitted per window.
	RateLimitMaxAttempts int `mapstructure:"RATE_LIMIT_MAX_ATTEMPTS"`
	// RateLimitWindow is the trailing window length.
	RateLimitWindow time.Duration `mapstructure:"RATE_LIMIT_WINDOW"`
	// RateLimitSweepInterval is how often idle in-memory windows are evicted.
	RateLimitSweepInterval time.Duration `mapstructure:"RATE_LIMIT_SWEEP_INTERVAL"`

	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	// StoreTimeout bounds each user store lookup.
	StoreTimeout time.Duration `mapstructure:"STORE_TIMEOUT"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`
}

// Load reads .env (if present), then builds and validates Config from the
// environment. Environment variables override .env.
func Load() (*Config, error) {
	v := viper.New()

	if err := readEnvFile(v, ".env"); err != nil {
		return nil, err
	}

	v.AutomaticEnv()
	setDefaults(v)

	return load(v)
}

// readEnvFile merges path into v. A missing file is fine; an unreadable or
// malformed one is not.
func readEnvFile(v *viper.Viper, path string) error {
	v.SetConfigFile(path)
	v.SetConfigType("env")

	err := v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	if err == nil || errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("config: read %s: %w", path, err)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_ADDR", ":8081")
	v.SetDefault("TRUSTED_PROXIES", []string{})
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("RUN_MIGRATIONS", false)
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("JWT_ACCESS_TTL", "60m")
	v.SetDefault("JWT_REFRESH_TTL", "168h")
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("RATE_LIMIT_BACKEND", RateLimitMemory)
	v.SetDefault("RATE_LIMIT_MAX_ATTEMPTS", 5)
	v.SetDefault("RATE_LIMIT_WINDOW", "5m")
	v.SetDefault("RATE_LIMIT_SWEEP_INTERVAL", "1m")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("STORE_TIMEOUT", "3s")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
}

func load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields and ranges.
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return errors.New("config: HTTP_ADDR must be set")
	}
	if len(c.JWTSecret) < 32 {
		return errors.New("config: JWT_SECRET must be at least 32 bytes")
	}
	if c.JWTAccessTTL <= 0 || c.JWTRefreshTTL <= c.JWTAccessTTL {
		return errors.New("config: JWT_ACCESS_TTL must be positive and shorter than JWT_REFRESH_TTL")
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return errors.New("config: BCRYPT_COST must be between 4 and 31")
	}

	switch c.RateLimitBackend {
	case RateLimitOff:
	case RateLimitMemory, RateLimitRedis:
		if c.RateLimitMaxAttempts <= 0 {
			return errors.New("config: RATE_LIMIT_MAX_ATTEMPTS must be positive")
		}
		if c.RateLimitWindow <= 0 {
			return errors.New("config: RATE_LIMIT_WINDOW must be positive")
		}
		if c.RateLimitBackend == RateLimitRedis && c.RedisAddr == "" {
			return errors.New("config: REDIS_ADDR must be set when RATE_LIMIT_BACKEND=redis")
		}
	default:
		return fmt.Errorf("config: unknown RATE_LIMIT_BACKEND %q", c.RateLimitBackend)
	}

	if _, err := c.TrustedProxyPrefixes(); err != nil {
		return err
	}

	if c.StoreTimeout < 0 {
		return errors.New("config: STORE_TIMEOUT must not be negative")
	}
	return nil
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address is treated as a
// single-host prefix.
func (c *Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("config: TRUSTED_PROXIES: %w", err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("config: TRUSTED_PROXIES: %w", err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}
