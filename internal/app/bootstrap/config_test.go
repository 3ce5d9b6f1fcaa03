package bootstrap

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaultsAndEnvOverrides(t *testing.T) {
	t.Setenv("DB_URL", "postgres://env-db")
	t.Setenv("REDIS_URL", "redis://env-redis")
	t.Setenv("MASTER_BASE_URL", "http://env-master")
	t.Setenv("LICENSE_TTL_MINUTES", "30")
	t.Setenv("SESSION_HEARTBEAT_WINDOW_MINUTES", "20")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DatabaseURL != "postgres://env-db" || cfg.RedisURL != "redis://env-redis" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.MasterBaseURL != "http://env-master" {
		t.Fatalf("master base url not applied: %s", cfg.MasterBaseURL)
	}
	if cfg.LicenseTTL != 30*time.Minute {
		t.Fatalf("license ttl = %v, want 30m", cfg.LicenseTTL)
	}
	if cfg.HeartbeatWindow != 20*time.Minute {
		t.Fatalf("heartbeat window = %v, want 20m", cfg.HeartbeatWindow)
	}
	if cfg.LicenseGracePeriod != 72*time.Hour {
		t.Fatalf("grace default = %v, want 72h", cfg.LicenseGracePeriod)
	}
	if cfg.OfflineMaxUsers != 3 {
		t.Fatalf("offline max users default = %d, want 3", cfg.OfflineMaxUsers)
	}
}

func TestLoadConfigReadsFile(t *testing.T) {
	t.Setenv("DB_URL", "")
	t.Setenv("POSTGRES_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("MASTER_BASE_URL", "")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	raw := []byte(`
service:
  id: test-licensing
  http_port: 9999
dependencies:
  postgres_url: postgres://file-db
  redis_url: redis://file-redis
master:
  base_url: http://file-master
  timeout_seconds: 9
license:
  grace_hours: 48
sessions:
  reconcile_interval_minutes: 5
`)
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ServiceID != "test-licensing" || cfg.HTTPPort != 9999 {
		t.Fatalf("service section not applied: %+v", cfg)
	}
	if cfg.DatabaseURL != "postgres://file-db" || cfg.MasterBaseURL != "http://file-master" {
		t.Fatalf("dependency sections not applied: %+v", cfg)
	}
	if cfg.MasterTimeout != 9*time.Second {
		t.Fatalf("master timeout = %v, want 9s", cfg.MasterTimeout)
	}
	if cfg.LicenseGracePeriod != 48*time.Hour {
		t.Fatalf("grace = %v, want 48h", cfg.LicenseGracePeriod)
	}
	if cfg.ReconcileInterval != 5*time.Minute {
		t.Fatalf("reconcile interval = %v, want 5m", cfg.ReconcileInterval)
	}
}

func TestLoadConfigRequiresCoreEndpoints(t *testing.T) {
	t.Setenv("DB_URL", "")
	t.Setenv("POSTGRES_URL", "")
	t.Setenv("REDIS_URL", "redis://env-redis")
	t.Setenv("MASTER_BASE_URL", "http://env-master")

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing database url")
	}
}
