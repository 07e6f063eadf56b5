// Package config loads runtime settings for the tailspin binaries.
//
// Values are resolved in order: built-in defaults, an optional YAML file named
// by TAILSPIN_CONFIG, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	envConfigPath = "TAILSPIN_CONFIG"

	envLogLevel         = "LOG_LEVEL"
	envHTTPAddr         = "TAILSPIN_HTTP_ADDR"
	envPGDSN            = "TAILSPIN_PG_DSN"
	envRedisURL         = "TAILSPIN_REDIS_URL"
	envCacheBackend     = "TAILSPIN_TOKEN_CACHE_BACKEND"
	envCachePrefix      = "TAILSPIN_TOKEN_CACHE_PREFIX"
	envCacheTTL         = "TAILSPIN_TOKEN_CACHE_TTL"
	envProtectionKey    = "TAILSPIN_TOKEN_CACHE_KEY"
	envProtectionKeyID  = "TAILSPIN_TOKEN_CACHE_KEY_ID"
	envAuthority        = "TAILSPIN_IDP_AUTHORITY"
	envClientID         = "TAILSPIN_IDP_CLIENT_ID"
	envClientSecret     = "TAILSPIN_IDP_CLIENT_SECRET"
	envCertThumbprint   = "TAILSPIN_IDP_CERT_THUMBPRINT"
	envCertDir          = "TAILSPIN_IDP_CERT_DIR"
	envRedirectURL      = "TAILSPIN_IDP_REDIRECT_URL"
	envScopes           = "TAILSPIN_IDP_SCOPES"
	envResource         = "TAILSPIN_DOWNSTREAM_RESOURCE"
	envRefreshPerSecond = "TAILSPIN_REFRESH_RATE"
	envRefreshBurst     = "TAILSPIN_REFRESH_BURST"
	envCorrelationTTL   = "TAILSPIN_CORRELATION_TTL"
)

type Postgres struct {
	DSN string `yaml:"dsn"`
}

type Redis struct {
	URL string `yaml:"url"`
}

type TokenCache struct {
	Backend         string        `yaml:"backend"`
	KeyPrefix       string        `yaml:"key_prefix"`
	TTL             time.Duration `yaml:"ttl"`
	ProtectionKey   string        `yaml:"protection_key"`
	ProtectionKeyID string        `yaml:"protection_key_id"`
}

type IdP struct {
	Authority      string   `yaml:"authority"`
	ClientID       string   `yaml:"client_id"`
	ClientSecret   string   `yaml:"client_secret"`
	CertThumbprint string   `yaml:"cert_thumbprint"`
	CertDir        string   `yaml:"cert_dir"`
	RedirectURL    string   `yaml:"redirect_url"`
	Scopes         []string `yaml:"scopes"`
}

// Refresh throttles calls to the identity provider's token endpoint.
type Refresh struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

type Config struct {
	LogLevel           string        `yaml:"log_level"`
	HTTPAddr           string        `yaml:"http_addr"`
	Postgres           Postgres      `yaml:"postgres"`
	Redis              Redis         `yaml:"redis"`
	TokenCache         TokenCache    `yaml:"token_cache"`
	IdP                IdP           `yaml:"idp"`
	DownstreamResource string        `yaml:"downstream_resource"`
	Refresh            Refresh       `yaml:"refresh"`
	CorrelationTTL     time.Duration `yaml:"correlation_ttl"`
}

func Default() Config {
	return Config{
		LogLevel: "info",
		HTTPAddr: ":8080",
		TokenCache: TokenCache{
			Backend:         "memory",
			KeyPrefix:       "tailspin:",
			TTL:             24 * time.Hour,
			ProtectionKeyID: "app-key",
		},
		IdP: IdP{
			Scopes: []string{"openid", "profile", "offline_access"},
		},
		Refresh:        Refresh{PerSecond: 5, Burst: 10},
		CorrelationTTL: 15 * time.Minute,
	}
}

// Load resolves the configuration and validates it.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv(envConfigPath); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults without consulting the environment.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	// #nosec G304 -- config path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.LogLevel, envLogLevel)
	setString(&c.HTTPAddr, envHTTPAddr)
	setString(&c.Postgres.DSN, envPGDSN)
	setString(&c.Redis.URL, envRedisURL)
	setString(&c.TokenCache.Backend, envCacheBackend)
	setString(&c.TokenCache.KeyPrefix, envCachePrefix)
	setString(&c.TokenCache.ProtectionKey, envProtectionKey)
	setString(&c.TokenCache.ProtectionKeyID, envProtectionKeyID)
	setString(&c.IdP.Authority, envAuthority)
	setString(&c.IdP.ClientID, envClientID)
	setString(&c.IdP.ClientSecret, envClientSecret)
	setString(&c.IdP.CertThumbprint, envCertThumbprint)
	setString(&c.IdP.CertDir, envCertDir)
	setString(&c.IdP.RedirectURL, envRedirectURL)
	setString(&c.DownstreamResource, envResource)
	if v := os.Getenv(envScopes); v != "" {
		c.IdP.Scopes = strings.Fields(strings.ReplaceAll(v, ",", " "))
	}
	if err := setDuration(&c.TokenCache.TTL, envCacheTTL); err != nil {
		return err
	}
	if err := setDuration(&c.CorrelationTTL, envCorrelationTTL); err != nil {
		return err
	}
	if v := os.Getenv(envRefreshPerSecond); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", envRefreshPerSecond, err)
		}
		c.Refresh.PerSecond = f
	}
	if v := os.Getenv(envRefreshBurst); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envRefreshBurst, err)
		}
		c.Refresh.Burst = n
	}
	return nil
}

// Validate checks values that would otherwise fail deep inside a component.
func (c Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.TokenCache.Backend) {
	case "", "memory", "session", "distributed", "redis":
	default:
		errs = append(errs, fmt.Errorf("token_cache.backend: unknown backend %q", c.TokenCache.Backend))
	}
	if strings.EqualFold(c.TokenCache.Backend, "redis") && c.Redis.URL == "" {
		errs = append(errs, errors.New("token_cache.backend redis requires redis.url"))
	}
	if strings.EqualFold(c.TokenCache.Backend, "distributed") && c.Postgres.DSN == "" {
		errs = append(errs, errors.New("token_cache.backend distributed requires postgres.dsn"))
	}
	if c.TokenCache.TTL < 0 {
		errs = append(errs, errors.New("token_cache.ttl must not be negative"))
	}
	if c.CorrelationTTL <= 0 {
		errs = append(errs, errors.New("correlation_ttl must be positive"))
	}
	if c.Refresh.PerSecond <= 0 || c.Refresh.Burst <= 0 {
		errs = append(errs, errors.New("refresh.per_second and refresh.burst must be positive"))
	}
	if c.IdP.ClientID != "" && c.IdP.ClientSecret == "" && c.IdP.CertThumbprint == "" {
		errs = append(errs, errors.New("idp: client_secret or cert_thumbprint is required"))
	}
	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
