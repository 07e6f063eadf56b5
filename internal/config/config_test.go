package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		envConfigPath, envLogLevel, envHTTPAddr, envPGDSN, envRedisURL,
		envCacheBackend, envCachePrefix, envCacheTTL, envProtectionKey, envProtectionKeyID,
		envAuthority, envClientID, envClientSecret, envCertThumbprint, envCertDir,
		envRedirectURL, envScopes, envResource, envRefreshPerSecond, envRefreshBurst,
		envCorrelationTTL,
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Fatalf("defaults mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tailspin.yaml")
	data := `
log_level: debug
postgres:
  dsn: postgres://file/db
token_cache:
  backend: distributed
  ttl: 2h
idp:
  authority: https://login.example.com/common
  client_id: app
  client_secret: s3cret
  scopes: [openid, offline_access]
correlation_ttl: 5m
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	clearEnv(t)
	t.Setenv(envConfigPath, path)
	t.Setenv(envPGDSN, "postgres://env/db")
	t.Setenv(envScopes, "openid,profile")
	t.Setenv(envRefreshBurst, "3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.TokenCache.TTL != 2*time.Hour || cfg.CorrelationTTL != 5*time.Minute {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Postgres.DSN != "postgres://env/db" {
		t.Fatalf("env should override file, got %q", cfg.Postgres.DSN)
	}
	if diff := cmp.Diff([]string{"openid", "profile"}, cfg.IdP.Scopes); diff != "" {
		t.Fatalf("scopes (-want +got):\n%s", diff)
	}
	if cfg.Refresh.Burst != 3 || cfg.Refresh.PerSecond != 5 {
		t.Fatalf("refresh = %+v", cfg.Refresh)
	}
	if cfg.TokenCache.KeyPrefix != "tailspin:" {
		t.Fatalf("default prefix lost: %q", cfg.TokenCache.KeyPrefix)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	clearEnv(t)
	t.Setenv(envCorrelationTTL, "soon")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), envCorrelationTTL) {
		t.Fatalf("expected duration error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{"unknown backend", func(c *Config) { c.TokenCache.Backend = "disk" }, "unknown backend"},
		{"redis without url", func(c *Config) { c.TokenCache.Backend = "redis" }, "redis.url"},
		{"distributed without dsn", func(c *Config) { c.TokenCache.Backend = "distributed" }, "postgres.dsn"},
		{"no client credential", func(c *Config) { c.IdP.ClientID = "app" }, "client_secret"},
		{"zero correlation ttl", func(c *Config) { c.CorrelationTTL = 0 }, "correlation_ttl"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mut(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate() = %v, want mention of %q", err, tc.want)
			}
		})
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte("http_addr: \":9090\"\nrefresh:\n  per_second: 0.5\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.HTTPAddr != ":9090" || cfg.Refresh.PerSecond != 0.5 || cfg.Refresh.Burst != 10 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if _, err := Parse([]byte("refresh: [")); err == nil {
		t.Fatalf("expected parse error")
	}
}
