package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Defaults().Validate() = %v, want nil", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad mode", func(c *Config) { c.Mode = "batch" }, "unknown mode"},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }, "unknown log_level"},
		{"no postgres host", func(c *Config) { c.Postgres.Host = "" }, "postgres: host"},
		{"pool min above max", func(c *Config) { c.Postgres.PoolMinConns = 20 }, "pool_min_conns"},
		{"no redis addr", func(c *Config) { c.Redis.Addr = "" }, "redis: addr"},
		{"bad server port", func(c *Config) { c.Server.Port = 70000 }, "server: port"},
		{"zero sweep interval", func(c *Config) { c.Sweeper.Interval = duration{} }, "sweeper: interval"},
		{"archive without bucket", func(c *Config) {
			c.Archive.Enabled = true
			c.S3.Bucket = ""
		}, "s3: bucket"},
		{"telegram token without chat id", func(c *Config) { c.Notify.TelegramToken = "tok" }, "telegram_chat_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %q, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GROUPBUY_POSTGRES_DSN", "postgres://u:p@db:5432/gb")
	t.Setenv("GROUPBUY_REDIS_ADDR", "redis:6380")
	t.Setenv("GROUPBUY_SERVER_PORT", "9090")
	t.Setenv("GROUPBUY_SWEEPER_INTERVAL", "10s")
	t.Setenv("GROUPBUY_MODE", "sweep")
	t.Setenv("GROUPBUY_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	if cfg.Postgres.DSN != "postgres://u:p@db:5432/gb" {
		t.Errorf("DSN = %q", cfg.Postgres.DSN)
	}
	if cfg.Redis.Addr != "redis:6380" {
		t.Errorf("Redis.Addr = %q", cfg.Redis.Addr)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d", cfg.Server.Port)
	}
	if cfg.Sweeper.Interval.Duration != 10*time.Second {
		t.Errorf("Sweeper.Interval = %v", cfg.Sweeper.Interval.Duration)
	}
	if cfg.Mode != "sweep" {
		t.Errorf("Mode = %q", cfg.Mode)
	}
	want := []string{"https://a.example", "https://b.example"}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[0] != want[0] || cfg.Server.CORSOrigins[1] != want[1] {
		t.Errorf("CORSOrigins = %v, want %v", cfg.Server.CORSOrigins, want)
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "hunter2"
	cfg.Redis.Password = "hunter2"
	cfg.S3.SecretKey = "hunter2"
	cfg.Server.AdminToken = "hunter2"

	red := RedactedConfig(&cfg)
	for name, got := range map[string]string{
		"postgres password": red.Postgres.Password,
		"redis password":    red.Redis.Password,
		"s3 secret key":     red.S3.SecretKey,
		"admin token":       red.Server.AdminToken,
	} {
		if got != "***" {
			t.Errorf("%s = %q, want redacted", name, got)
		}
	}

	// The original is untouched.
	if cfg.Postgres.Password != "hunter2" {
		t.Error("redaction mutated the source config")
	}
}
