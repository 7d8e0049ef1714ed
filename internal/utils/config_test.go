package utils

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "cfg.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoadConfigFrom_Valid(t *testing.T) {
	p := writeConfig(t, `server:
  host: "127.0.0.1"
  port: ":9000"
auth:
  proxy_secret: "s3cret"
  expected_host: "shot.example.p.rapidapi.com"
screenshot:
  chrome_path: "/usr/bin/chromium"
  nav_timeout_secs: 10
  capture_timeout_secs: 20
  quiet_window_ms: 250
rate_limiter:
  interval: 1h
  user_limit: 20
`)
	cfg, err := LoadConfigFrom(p)
	if err != nil {
		t.Fatalf("LoadConfigFrom: %v", err)
	}
	if cfg.Server.Port != ":9000" {
		t.Fatalf("unexpected port: %q", cfg.Server.Port)
	}
	if cfg.Auth.ProxySecret != "s3cret" {
		t.Fatalf("unexpected proxy secret: %q", cfg.Auth.ProxySecret)
	}
	if cfg.Screenshot.NavTimeoutSecs != 10 || cfg.Screenshot.CaptureTimeoutSecs != 20 {
		t.Fatalf("unexpected timeouts: %+v", cfg.Screenshot)
	}
	if cfg.RateLimiter.Interval != time.Hour {
		t.Fatalf("unexpected interval: %v", cfg.RateLimiter.Interval)
	}
}

func TestLoadConfigFrom_Errors(t *testing.T) {
	if _, err := LoadConfigFrom(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}

	p := writeConfig(t, "server: [not a mapping")
	if _, err := LoadConfigFrom(p); err == nil {
		t.Fatalf("expected error for invalid yaml")
	}
}

func TestLoadConfig_UsesConfigPathEnvAndDefaults(t *testing.T) {
	p := writeConfig(t, `server:
  port: ":9100"
`)
	t.Setenv("CONFIG_PATH", p)
	t.Setenv("PROXY_SECRET", "")
	t.Setenv("CHROME_BIN", "")

	cfg := LoadConfig()
	if cfg.Server.Port != ":9100" {
		t.Fatalf("expected CONFIG_PATH to be used, got %q", cfg.Server.Port)
	}
	// Defaults fill the rest.
	if cfg.Screenshot.NavTimeoutSecs != 30 || cfg.Screenshot.CaptureTimeoutSecs != 30 {
		t.Fatalf("expected 30s default timeouts, got %+v", cfg.Screenshot)
	}
	if cfg.Screenshot.QuietWindowMs != 500 {
		t.Fatalf("expected 500ms quiet window default, got %d", cfg.Screenshot.QuietWindowMs)
	}
	if cfg.RateLimiter.Interval != time.Hour {
		t.Fatalf("expected 1h default interval, got %v", cfg.RateLimiter.Interval)
	}
	if GetConfig().Server.Port != ":9100" {
		t.Fatalf("expected AppConfig to be updated")
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	p := writeConfig(t, `screenshot:
  chrome_path: ""
`)
	t.Setenv("CONFIG_PATH", p)
	t.Setenv("PROXY_SECRET", "from-env")
	t.Setenv("CHROME_BIN", "/opt/chrome/chrome")

	cfg := LoadConfig()
	if cfg.Auth.ProxySecret != "from-env" {
		t.Fatalf("expected PROXY_SECRET override, got %q", cfg.Auth.ProxySecret)
	}
	if cfg.Screenshot.ChromePath != "/opt/chrome/chrome" {
		t.Fatalf("expected CHROME_BIN override, got %q", cfg.Screenshot.ChromePath)
	}
}
